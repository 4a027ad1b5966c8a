// Package eventbus delivers result events to in-process subscribers and to
// configured sinks.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/patrykniedzwiecki/quickfix/internal/model"
)

// DefaultBuffer is the channel size of a subscription created with a
// non-positive buffer.
const DefaultBuffer = 64

// SinkBuffer is the number of events queued for one sink. Events published
// while the queue is full are dropped.
const SinkBuffer = 256

// Sink receives every published event encoded as JSON.
type Sink interface {
	Send(ctx context.Context, raw []byte) error
}

type SinkCloser interface {
	Sink
	Close() error
}

// Bus is a publish/subscribe hub keyed by event name. Every sink is fed by
// its own goroutine, so a slow sink delays neither the publisher nor the
// other sinks.
type Bus struct {
	mx      sync.RWMutex
	subs    map[*Subscription]struct{}
	sinks   []*sinkQueue
	wg      sync.WaitGroup
	closed  bool
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type delivery struct {
	ctx context.Context
	raw []byte
}

type sinkQueue struct {
	sink Sink
	ch   chan delivery
}

func New(sinks ...Sink) *Bus {
	b := &Bus{
		subs: make(map[*Subscription]struct{}),
	}
	for _, s := range sinks {
		b.Attach(s)
	}
	return b
}

// Attach adds a sink. Sinks attached to a closed bus are ignored.
func (b *Bus) Attach(s Sink) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		slog.Warn("bus closed: sink not attached")
		return
	}
	q := &sinkQueue{sink: s, ch: make(chan delivery, SinkBuffer)}
	b.sinks = append(b.sinks, q)
	b.wg.Go(func() {
		b.drain(q)
	})
}

func (b *Bus) drain(q *sinkQueue) {
	for d := range q.ch {
		if err := q.sink.Send(d.ctx, d.raw); err != nil {
			b.failed.Add(1)
			slog.ErrorContext(d.ctx, "sending event to sink has failed", "error", err)
		}
	}
}

// Dropped returns the number of sink deliveries lost because a sink queue
// was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Failed returns the number of sink deliveries which returned an error.
func (b *Bus) Failed() uint64 {
	return b.failed.Load()
}

// Subscription receives events of one name, or of all names when created
// with an empty name. Events are dropped when its channel is full.
type Subscription struct {
	bus     *Bus
	name    string
	ch      chan model.Event
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe returns a new subscription for events called name.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{
		bus:  b,
		name: name,
		ch:   make(chan model.Event, buffer),
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Len returns the number of open subscriptions.
func (b *Bus) Len() int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return len(b.subs)
}

// C returns the channel of events. It is closed by Close.
func (s *Subscription) C() <-chan model.Event {
	return s.ch
}

// Dropped returns the number of events lost because the channel was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.bus.mx.Lock()
	defer s.bus.mx.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s)
		close(s.ch)
	})
}

func (s *Subscription) trySend(e model.Event) {
	if s.name != "" && s.name != e.Name {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Publish delivers e to the subscribers and queues it for every sink without
// blocking. Sink errors are logged and counted by Failed.
func (b *Bus) Publish(ctx context.Context, e model.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	b.mx.RLock()
	if b.closed {
		b.mx.RUnlock()
		return errors.New("bus closed")
	}
	defer b.mx.RUnlock()
	for s := range b.subs {
		s.trySend(e)
	}
	d := delivery{ctx: context.WithoutCancel(ctx), raw: raw}
	for _, q := range b.sinks {
		select {
		case q.ch <- d:
		default:
			b.dropped.Add(1)
			slog.WarnContext(ctx, "sink queue full: event dropped", "event", e.Name, "task_id", e.TaskID)
		}
	}
	return nil
}

// Close closes all subscriptions, waits until the queued events reach their
// sinks and closes the closable ones.
func (b *Bus) Close() error {
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		return nil
	}
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
	}
	sinks := b.sinks
	b.sinks = nil
	for _, q := range sinks {
		close(q.ch)
	}
	b.mx.Unlock()
	b.wg.Wait()

	var errs []error
	for _, q := range sinks {
		if closer, ok := q.sink.(SinkCloser); ok {
			if err := closer.Close(); err != nil {
				slog.Error("closing sink has failed", "error", err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
