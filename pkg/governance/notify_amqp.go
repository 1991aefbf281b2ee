package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig describes the broker used to publish confirmation requests.
type AMQPConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// AMQPNotifier publishes held commands to a queue so another device can ask
// the user for confirmation.
type AMQPNotifier struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPNotifier dials the broker and declares the queue.
func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "kyrax.confirmations"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare amqp queue: %w", err)
	}
	return &AMQPNotifier{conn: conn, ch: ch, queue: queue}, nil
}

type confirmationMessage struct {
	Token     string         `json:"token"`
	Intent    string         `json:"intent"`
	Domain    string         `json:"domain"`
	Entities  map[string]any `json:"entities"`
	ActorID   string         `json:"actor_id"`
	Reason    string         `json:"reason"`
	ExpiresAt time.Time      `json:"expires_at"`
}

func encodeConfirmation(h Held) ([]byte, error) {
	return json.Marshal(confirmationMessage{
		Token:     h.Token,
		Intent:    h.Command.Intent(),
		Domain:    h.Command.Domain(),
		Entities:  h.Command.Entities(),
		ActorID:   h.ActorID,
		Reason:    h.Reason,
		ExpiresAt: h.ExpiresAt,
	})
}

// Notify implements Notifier.
func (n *AMQPNotifier) Notify(ctx context.Context, h Held) error {
	if n == nil || n.ch == nil {
		return errors.New("amqp notifier not initialized")
	}
	body, err := encodeConfirmation(h)
	if err != nil {
		return err
	}
	return n.ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: h.Token,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
}

// Close closes the channel and connection.
func (n *AMQPNotifier) Close() error {
	if n == nil {
		return nil
	}
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
