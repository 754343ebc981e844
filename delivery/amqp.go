package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/reddimon/attribution-go/config"
	"github.com/reddimon/attribution-go/logger"
)

var amqpLog = logger.ZapForComponent("delivery.amqp")

// AMQPTransport publishes event batches to an exchange instead of POSTing
// them, for deployments where the collection backend consumes a broker.
// The idempotency key travels as the MessageId so consumers can dedup.
type AMQPTransport struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// NewAMQPTransport connects, opens a channel and declares the exchange.
func NewAMQPTransport(cfg config.AMQP) (*AMQPTransport, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			amqpLog.Errorf("failed to close connection after channel error: %v", cerr)
		}
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		if cerr := conn.Close(); cerr != nil {
			amqpLog.Errorf("failed to close connection after exchange error: %v", cerr)
		}
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPTransport{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
	}, nil
}

// Send publishes the batch as a persistent JSON message.
func (t *AMQPTransport) Send(_ context.Context, idempotencyKey string, batch Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return &PermanentError{Status: 0, Body: fmt.Sprintf("unencodable batch: %v", err)}
	}
	err = t.channel.Publish(t.exchange, t.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    idempotencyKey,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("error publishing batch: %w", err)
	}
	return nil
}

// Close closes the channel and connection gracefully.
func (t *AMQPTransport) Close() {
	if t.channel != nil {
		if err := t.channel.Close(); err != nil {
			amqpLog.Errorf("failed to close channel: %v", err)
		}
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			amqpLog.Errorf("error closing RabbitMQ connection: %v", err)
		}
	}
}
