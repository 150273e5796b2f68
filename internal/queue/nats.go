// Package queue 基于 NATS JetStream 实现分析请求队列。
// 投递语义为至少一次：消费者显式 Ack/Nak/Term，超过最大投递次数的消息转入死信主题。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/oriys/logflow/internal/config"
	"github.com/oriys/logflow/internal/domain"
)

// 死信消息头
const (
	HeaderError        = "Logflow-Error"
	HeaderNumDelivered = "Logflow-Delivered"
)

// Bus 封装 NATS/JetStream 连接与分析队列的发布/拉取。
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    config.EventsConfig
	logger *logrus.Logger
}

// Connect 连接 NATS 并初始化分析队列 Stream（不存在则创建，存在则尝试更新配置）
func Connect(cfg config.EventsConfig, logger *logrus.Logger) (*Bus, error) {
	nc, err := nats.Connect(cfg.NatsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream := &nats.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject, cfg.DeadLetterSubject},
		Storage:    nats.FileStorage,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	}
	if _, err := js.AddStream(stream); err != nil {
		if _, uerr := js.UpdateStream(stream); uerr != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, errors.Join(err, uerr))
		}
	}

	logger.WithFields(logrus.Fields{
		"stream":  cfg.Stream,
		"subject": cfg.Subject,
	}).Info("Analysis queue ready")

	return &Bus{conn: nc, js: js, cfg: cfg, logger: logger}, nil
}

// Close 关闭底层 NATS 连接。
func (b *Bus) Close() error {
	b.conn.Drain()
	return nil
}

// Publish 发布分析请求。消息 ID 即会话 ID，JetStream 去重窗口内重复发布会被忽略。
func (b *Bus) Publish(ctx context.Context, msg *domain.AnalysisQueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if _, err := b.js.Publish(b.cfg.Subject, data, nats.MsgId(msg.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish analysis request: %w", err)
	}

	b.logger.WithFields(logrus.Fields{
		"subject":    b.cfg.Subject,
		"session_id": msg.ID,
		"kind":       msg.Kind,
	}).Debug("Analysis request published")
	return nil
}

// PublishDeadLetter 把无法处理的消息转发到死信主题
func (b *Bus) PublishDeadLetter(ctx context.Context, data []byte, cause string, delivered uint64) error {
	m := nats.NewMsg(b.cfg.DeadLetterSubject)
	m.Data = data
	m.Header.Set(HeaderError, cause)
	m.Header.Set(HeaderNumDelivered, fmt.Sprint(delivered))

	if _, err := b.js.PublishMsg(m, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}
	return nil
}

// Subscribe 创建持久化拉取订阅
func (b *Bus) Subscribe() (*PullSource, error) {
	sub, err := b.js.PullSubscribe(b.cfg.Subject, b.cfg.Durable,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(b.cfg.MaxDeliver),
		nats.AckWait(b.cfg.AckWait),
		nats.BindStream(b.cfg.Stream),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return &PullSource{sub: sub}, nil
}

// PullSource 从 JetStream 拉取一批消息
type PullSource struct {
	sub *nats.Subscription
}

// fetchWait 单次拉取的最长等待时间，JetStream 的拉取要求上下文带截止时间
const fetchWait = 5 * time.Second

// Fetch 实现 Source。没有消息时返回空切片。
func (p *PullSource) Fetch(ctx context.Context, batch int) ([]Message, error) {
	fctx, cancel := context.WithTimeout(ctx, fetchWait)
	defer cancel()

	msgs, err := p.sub.Fetch(batch, nats.Context(fctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = &natsMessage{msg: m}
	}
	return out, nil
}

// Close 取消订阅，持久化消费者保留
func (p *PullSource) Close() error {
	return p.sub.Drain()
}

// natsMessage 把 *nats.Msg 适配为 Message
type natsMessage struct {
	msg *nats.Msg
}

func (m *natsMessage) Data() []byte { return m.msg.Data }
func (m *natsMessage) Ack() error   { return m.msg.Ack() }
func (m *natsMessage) Term() error  { return m.msg.Term() }

func (m *natsMessage) NakWithDelay(d time.Duration) error {
	return m.msg.NakWithDelay(d)
}

func (m *natsMessage) NumDelivered() uint64 {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 1
	}
	return meta.NumDelivered
}
