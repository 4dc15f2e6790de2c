package replication

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/replimesh/replimesh/internal/events"
)

// destination delivers messages to one instance strictly in queue order. A failed
// send blocks the queue and is retried with exponential backoff.
type destination struct {
	sender   *Sender
	uri      string
	logger   zerolog.Logger
	capacity int

	mu    sync.Mutex
	queue []*outbound

	notify chan struct{}
	wake   chan struct{}

	attempt   int
	announced *outbound
}

func newDestination(s *Sender, uri string) *destination {
	return &destination{
		sender:   s,
		uri:      uri,
		logger:   s.logger.With().Str("destination", uri).Logger(),
		capacity: s.destinationCapacity,
		notify:   make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
	}
}

// push appends item. It returns false when the queue is full.
func (d *destination) push(item *outbound) bool {
	d.mu.Lock()
	if len(d.queue) >= d.capacity {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, item)
	n := len(d.queue)
	d.mu.Unlock()

	d.sender.metrics.SetQueueDepth(d.uri, n)
	signal(d.notify)
	return true
}

func (d *destination) peek() *outbound {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	return d.queue[0]
}

func (d *destination) pop() {
	d.mu.Lock()
	if len(d.queue) > 0 {
		d.queue[0] = nil
		d.queue = d.queue[1:]
	}
	n := len(d.queue)
	d.mu.Unlock()

	d.attempt = 0
	d.announced = nil
	d.sender.metrics.SetQueueDepth(d.uri, n)
}

func (d *destination) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *destination) wakeUp() {
	signal(d.wake)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (d *destination) run(ctx context.Context) {
	defer d.sender.wg.Done()

	d.logger.Debug().Msg("Destination worker started")
	for {
		item := d.peek()
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.notify:
				continue
			}
		}

		if !d.sender.directory.IsRegistered(d.uri) {
			d.logger.Info().
				Str("id", item.msg.Envelope().ID).
				Msg("Destination no longer registered, dropping message")
			d.sender.delivered(item, d.uri)
			d.pop()
			continue
		}

		if d.announced != item {
			if d.beforeSend(item) {
				d.logger.Info().
					Str("id", item.msg.Envelope().ID).
					Msg("Delivery cancelled by subscriber")
				d.sender.metrics.SendCancelled(d.uri)
				d.sender.delivered(item, d.uri)
				d.pop()
				continue
			}
			d.announced = item
		}

		err := d.sender.transport.Send(ctx, d.uri, item.msg)
		if err == nil {
			d.sender.metrics.Sent(d.uri)
			d.logger.Debug().
				Str("id", item.msg.Envelope().ID).
				Str("type", item.msg.Envelope().Type).
				Msg("Message delivered")
			d.sender.delivered(item, d.uri)
			d.pop()
			continue
		}
		if ctx.Err() != nil {
			return
		}

		delay := d.sender.backoff.Delay(d.attempt)
		d.attempt++
		d.sender.metrics.SendFailed(d.uri, delay)
		d.logger.Warn().Err(err).
			Str("id", item.msg.Envelope().ID).
			Int("attempt", d.attempt).
			Dur("retry_in", delay).
			Msg("Failed to deliver message")

		if !d.sleep(ctx, delay) {
			return
		}
	}
}

// beforeSend publishes the BeforeSend event and reports whether it was cancelled.
func (d *destination) beforeSend(item *outbound) bool {
	env := item.msg.Envelope()
	return d.sender.bus.Publish(&events.Event{
		Kind:        events.BeforeSend,
		MessageID:   env.ID,
		MessageType: env.Type,
		Source:      env.Source,
		Metadata:    env.Metadata,
		Destination: d.uri,
	})
}

// sleep waits for delay, a wake-up or cancellation. It returns false on cancellation.
func (d *destination) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-d.wake:
		d.logger.Debug().Msg("Woken up, retrying now")
	}
	return true
}
