package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQPPublisher implements Port by publishing events to a fanout exchange
// per user, for deployments where the socket-serving tier runs in a separate
// process and consumes from the broker.
type AMQPPublisher struct {
	conn           *amqp.Connection
	channel        *amqp.Channel
	exchangePrefix string
	logger         *zap.Logger
}

// NewAMQPPublisher connects to the broker. exchangePrefix namespaces the
// per-user exchanges (e.g. "zaplane.events").
func NewAMQPPublisher(url, exchangePrefix string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return &AMQPPublisher{
		conn:           conn,
		channel:        ch,
		exchangePrefix: exchangePrefix,
		logger:         logger,
	}, nil
}

// Publish sends the event to the user's fanout exchange. Errors are logged
// and swallowed: notification is best-effort.
func (p *AMQPPublisher) Publish(userID, event string, payload any) {
	body, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		p.logger.Warn("notify: marshal event", zap.String("event", event), zap.Error(err))
		return
	}

	exchange := fmt.Sprintf("%s.%s", p.exchangePrefix, userID)
	if err := p.channel.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		p.logger.Warn("notify: declare exchange", zap.String("exchange", exchange), zap.Error(err))
		return
	}
	err = p.channel.Publish(exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		p.logger.Warn("notify: publish", zap.String("exchange", exchange), zap.Error(err))
	}
}

// Ping reports broker connectivity. Used by the readiness endpoint.
func (p *AMQPPublisher) Ping(context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("amqp connection closed")
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
