package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oriys/logflow/internal/domain"
)

// LocalBus 进程内队列，未配置 NATS 时使用。
// 提供与 JetStream 相同的 Ack/Nak/Term 语义，但不持久化。
type LocalBus struct {
	ch chan *localMessage
	// requeueTimeout 重新入队时等待队列腾出空间的最长时间
	requeueTimeout time.Duration

	mu          sync.Mutex
	deadLetters [][]byte
}

// NewLocalBus 创建进程内队列
func NewLocalBus(capacity int) *LocalBus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalBus{ch: make(chan *localMessage, capacity), requeueTimeout: 30 * time.Second}
}

// Publish 实现发布接口
func (b *LocalBus) Publish(ctx context.Context, msg *domain.AnalysisQueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.push(ctx, &localMessage{bus: b, data: data})
}

func (b *LocalBus) push(ctx context.Context, m *localMessage) error {
	select {
	case b.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishDeadLetter 实现 DeadLetterPublisher
func (b *LocalBus) PublishDeadLetter(ctx context.Context, data []byte, cause string, delivered uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, data)
	return nil
}

// DeadLetters 返回已进入死信的消息
func (b *LocalBus) DeadLetters() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.deadLetters...)
}

// Pending 返回等待投递的消息数
func (b *LocalBus) Pending() int {
	return len(b.ch)
}

// Fetch 实现 Source：最多等待 fetchWait 拿到第一条消息，然后非阻塞地凑满一批
func (b *LocalBus) Fetch(ctx context.Context, batch int) ([]Message, error) {
	timer := time.NewTimer(fetchWait)
	defer timer.Stop()

	var out []Message
	select {
	case m := <-b.ch:
		out = append(out, m.deliver())
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}

	for len(out) < batch {
		select {
		case m := <-b.ch:
			out = append(out, m.deliver())
		default:
			return out, nil
		}
	}
	return out, nil
}

// Close 无需释放资源
func (b *LocalBus) Close() error { return nil }

type localMessage struct {
	bus       *LocalBus
	data      []byte
	delivered uint64
}

func (m *localMessage) deliver() *localMessage {
	m.delivered++
	return m
}

func (m *localMessage) Data() []byte         { return m.data }
func (m *localMessage) NumDelivered() uint64 { return m.delivered }
func (m *localMessage) Ack() error           { return nil }
func (m *localMessage) Term() error          { return nil }

// NakWithDelay 延迟后重新入队。队列在 requeueTimeout 内一直是满的则转入死信。
func (m *localMessage) NakWithDelay(d time.Duration) error {
	time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.bus.requeueTimeout)
		defer cancel()
		if err := m.bus.push(ctx, m); err != nil {
			_ = m.bus.PublishDeadLetter(context.Background(), m.data, "requeue timed out", m.delivered)
		}
	})
	return nil
}
