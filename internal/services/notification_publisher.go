package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// NotificationEvent 投递到推送队列的通知事件
type NotificationEvent struct {
	NotificationID string                 `json:"notification_id"`
	UserID         string                 `json:"user_id"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Data           map[string]interface{} `json:"data,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// NotificationPublisher 将通知事件交给外部推送通道
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, event NotificationEvent) error
}

// AMQPPublisher 通过 RabbitMQ 持久化队列发布通知事件
type AMQPPublisher struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queue     string
	logger    *logrus.Logger
	mu        sync.Mutex
	published int64
	failed    int64
}

// NewAMQPPublisher 连接 RabbitMQ 并声明持久化队列
func NewAMQPPublisher(url, queue string, logger *logrus.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, queue: queue, logger: logger}, nil
}

var _ NotificationPublisher = (*AMQPPublisher)(nil)

func (p *AMQPPublisher) PublishNotification(ctx context.Context, event NotificationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	err = p.channel.PublishWithContext(ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	p.mu.Unlock()
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		return fmt.Errorf("failed to publish notification event: %w", err)
	}

	atomic.AddInt64(&p.published, 1)
	p.logger.WithFields(logrus.Fields{"queue": p.queue, "user_id": event.UserID}).Debug("notification event published")
	return nil
}

// Stats 发布计数
func (p *AMQPPublisher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queue":              p.queue,
		"messages_published": atomic.LoadInt64(&p.published),
		"messages_failed":    atomic.LoadInt64(&p.failed),
		"connected":          p.conn != nil && !p.conn.IsClosed(),
	}
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	return p.conn.Close()
}
