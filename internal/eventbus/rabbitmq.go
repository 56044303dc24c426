package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitPublisher publishes persistent messages to a durable queue with a
// dead-letter queue behind it.
type RabbitPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	timeout time.Duration
}

// NewRabbitPublisher dials url and declares queue plus queue.dlq.
func NewRabbitPublisher(url, queue string, timeout time.Duration) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", dlq, err)
	}

	// Rejected messages dead-letter into the DLQ.
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", queue, err)
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &RabbitPublisher{conn: conn, ch: ch, queue: queue, timeout: timeout}, nil
}

// Publish sends msg to the queue through the default exchange.
func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch.PublishWithContext(cctx, "", p.queue, false, false, BuildPublishing(msg, time.Now().UTC()))
}

// Close closes the channel and the connection.
func (p *RabbitPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// BuildPublishing maps a Message onto an AMQP publishing.
func BuildPublishing(msg Message, at time.Time) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Headers:      amqp.Table{"partition_key": msg.Key},
		Body:         msg.Body,
		Timestamp:    at,
	}
}
