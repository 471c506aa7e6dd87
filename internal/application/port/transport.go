package port

import (
	"context"

	"xauwatch/internal/domain/model"
)

// Conn 一条已建立的流式连接，收发文本帧
// ReadMessage 阻塞直到收到帧或连接关闭；Close 可与其它方法并发调用
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer 建立到行情端点的连接，ctx 超时即视为建连失败
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Codec 行情协议编解码
type Codec interface {
	Decode(data []byte) (model.Message, error)
	SubscribeFrame() ([]byte, error)
	HeartbeatFrame() ([]byte, error)
}
