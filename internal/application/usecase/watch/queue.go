package watch

import (
	"context"
	"sync"
	"time"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
)

// DefaultQueueLimit 展示层消费过慢时最多积压的通知数
const DefaultQueueLimit = 1024

// Notification 价格更新或状态变化，二者只有一个非 nil
type Notification struct {
	Price  *model.PriceUpdateEvent
	Status *model.StatusEvent
}

func (n Notification) deliver(target port.EventSink) {
	switch {
	case n.Price != nil:
		target.OnPriceUpdate(*n.Price)
	case n.Status != nil:
		target.OnStatusChange(n.Status.State, n.Status.Message)
	}
}

// Queue 线程安全的 EventSink：传输侧只入队不阻塞，展示层在自己的 goroutine 里消费
// 积压超过上限时丢弃最旧的价格通知，状态通知始终保留
type Queue struct {
	mu      sync.Mutex
	items   []Notification
	limit   int
	dropped uint64
	notify  chan struct{}
	now     func() time.Time
}

func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Queue{
		limit:  limit,
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (q *Queue) OnPriceUpdate(evt model.PriceUpdateEvent) {
	q.push(Notification{Price: &evt})
}

func (q *Queue) OnStatusChange(state model.ConnectionState, message string) {
	q.push(Notification{Status: &model.StatusEvent{State: state, Message: message, At: q.now()}})
}

func (q *Queue) push(n Notification) {
	q.mu.Lock()
	q.items = append(q.items, n)
	if len(q.items) > q.limit {
		q.dropOldestLocked()
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dropOldestLocked 只丢价格通知；全是状态通知时允许超过上限
func (q *Queue) dropOldestLocked() {
	for i, it := range q.items {
		if it.Price != nil {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.dropped++
			return
		}
	}
}

// Drain 取走当前全部通知（按入队顺序）
func (q *Queue) Drain() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped 因积压被丢弃的价格通知数
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Run 把通知依次投递给 target，直到 ctx 结束；退出前投递剩余通知
func (q *Queue) Run(ctx context.Context, target port.EventSink) error {
	for {
		for _, n := range q.Drain() {
			n.deliver(target)
		}
		select {
		case <-ctx.Done():
			for _, n := range q.Drain() {
				n.deliver(target)
			}
			return nil
		case <-q.notify:
		}
	}
}

var _ port.EventSink = (*Queue)(nil)
