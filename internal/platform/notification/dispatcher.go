package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AsyncDispatcher delivers messages on a bounded pool of workers. When the
// queue is full the message is dropped with a warning.
type AsyncDispatcher struct {
	sender  EmailSender
	logger  zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan Message
	wg     sync.WaitGroup
}

func NewAsyncDispatcher(sender EmailSender, logger zerolog.Logger, workers, queueSize int) *AsyncDispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &AsyncDispatcher{
		sender:  sender,
		logger:  logger,
		timeout: 30 * time.Second,
		jobs:    make(chan Message, queueSize),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch never blocks. The request context is not used for delivery
// because it ends with the response.
func (d *AsyncDispatcher) Dispatch(_ context.Context, msg Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn().Str("to", msg.To).Str("template", msg.TemplateID).Msg("dispatcher closed, email dropped")
		return
	}

	select {
	case d.jobs <- msg:
	default:
		d.logger.Warn().Str("to", msg.To).Str("template", msg.TemplateID).Msg("email queue full, email dropped")
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (d *AsyncDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *AsyncDispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sender.SendEmail(ctx, msg); err != nil {
			d.logger.Error().Err(err).
				Str("to", msg.To).
				Str("template", msg.TemplateID).
				Msg("email delivery failed")
		} else {
			d.logger.Debug().Str("to", msg.To).Str("template", msg.TemplateID).Msg("email delivered")
		}
		cancel()
	}
}
