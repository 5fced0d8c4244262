package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher is the part of *amqp.Channel used to enqueue mail.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// DeclareQueue opens a channel on conn and declares the durable mail queue.
func DeclareQueue(conn *amqp.Connection, queue string) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return ch, nil
}

// QueueDispatcher publishes messages to an AMQP queue consumed by MailWorker.
type QueueDispatcher struct {
	pub    Publisher
	queue  string
	logger zerolog.Logger
}

func NewQueueDispatcher(pub Publisher, queue string, logger zerolog.Logger) *QueueDispatcher {
	return &QueueDispatcher{pub: pub, queue: queue, logger: logger}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, msg Message) {
	if err := d.publish(ctx, msg); err != nil {
		d.logger.Error().Err(err).Str("to", msg.To).Str("template", msg.TemplateID).Msg("email enqueue failed")
	}
}

func (d *QueueDispatcher) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err = d.pub.PublishWithContext(ctx, "", d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", d.queue, err)
	}
	return nil
}

// MailWorker consumes queued messages and delivers them with an EmailSender.
type MailWorker struct {
	sender EmailSender
	logger zerolog.Logger
}

func NewMailWorker(sender EmailSender, logger zerolog.Logger) *MailWorker {
	return &MailWorker{sender: sender, logger: logger}
}

// Run processes deliveries until ctx is done or the channel closes.
func (w *MailWorker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

// handle acks delivered mail. Malformed payloads are dropped. A failed send
// is requeued once and dropped on redelivery.
func (w *MailWorker) handle(ctx context.Context, d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.To == "" {
		w.logger.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("malformed email payload, dropping")
		if nerr := d.Nack(false, false); nerr != nil {
			w.logger.Error().Err(nerr).Msg("nack failed")
		}
		return
	}

	if err := w.sender.SendEmail(ctx, msg); err != nil {
		requeue := !d.Redelivered
		w.logger.Error().Err(err).
			Str("to", msg.To).
			Str("template", msg.TemplateID).
			Bool("requeue", requeue).
			Msg("email delivery failed")
		if nerr := d.Nack(false, requeue); nerr != nil {
			w.logger.Error().Err(nerr).Msg("nack failed")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		w.logger.Error().Err(err).Msg("ack failed")
	}
}
