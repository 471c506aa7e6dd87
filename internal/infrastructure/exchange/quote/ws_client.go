package quote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"xauwatch/internal/application/port"
)

// ClientConfig websocket 传输配置
type ClientConfig struct {
	WsURL        string        // e.g. wss://quote.example.com/quote-b-ws-api
	Token        string        // 静态凭证，作为 token 查询参数追加到 URL
	WriteTimeout time.Duration // 单帧写超时
	ReadTimeout  time.Duration // 无任何入站帧的最长时间，0 表示不限
}

// DefaultClientConfig 默认传输配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

// WSDialer 基于 gorilla/websocket 的 port.Dialer
type WSDialer struct {
	cfg    ClientConfig
	url    string
	dialer *websocket.Dialer
}

func NewWSDialer(cfg ClientConfig) (*WSDialer, error) {
	u, err := BuildURL(cfg.WsURL, cfg.Token)
	if err != nil {
		return nil, err
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultClientConfig().WriteTimeout
	}
	return &WSDialer{
		cfg: cfg,
		url: u,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		},
	}, nil
}

// BuildURL 把 token 作为查询参数追加到 ws 地址
func BuildURL(wsURL, token string) (string, error) {
	wsURL = strings.TrimSpace(wsURL)
	if wsURL == "" {
		return "", errors.New("ws_url empty")
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse ws_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("ws_url scheme must be ws or wss, got %q", u.Scheme)
	}
	if token = strings.TrimSpace(token); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial ctx 的截止时间即建连超时
func (d *WSDialer) Dial(ctx context.Context) (port.Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, err
	}

	c := &wsConn{conn: conn, writeTimeout: d.cfg.WriteTimeout, readTimeout: d.cfg.ReadTimeout}
	if c.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
			return nil
		})
	}
	log.Debug().Str("host", hostOf(d.url)).Msg("ws connected")
	return c, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return b, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close 发送关闭帧后关闭底层连接，可重复调用
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// hostOf 日志里不输出带 token 的完整地址
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

var _ port.Dialer = (*WSDialer)(nil)
