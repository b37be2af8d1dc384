// Package bus broadcasts session lifecycle events between client processes
// that share a data directory, Redis or Postgres.
//
// Delivery is best effort. Messages sent by this Bus are never delivered to
// its own listeners, and a message with the same type and payload as one
// delivered within the duplicate window is dropped. The window is bounded
// both in time and in the number of remembered messages, so a duplicate
// that arrives late enough, or behind enough other traffic, is delivered
// again. Listeners must tolerate that.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/client/metrics"
	"github.com/dmitrijs2005/fleetsession/internal/clockx"
	"github.com/dmitrijs2005/fleetsession/internal/logging"
	"github.com/google/uuid"
)

const (
	DefaultDedupWindow  = time.Second
	DefaultDedupHistory = 100

	inboxSize = 64
)

var ErrNoTransport = errors.New("bus: no transport configured")

type listener struct {
	id uint64
	fn func(Message)
}

// Bus is one participant. Create one per process and share it between the
// components of that process.
type Bus struct {
	primary  Transport
	fallback Transport
	tabID    string

	clock   clockx.Clock
	log     logging.Logger
	metrics *metrics.Metrics

	dedupWindow  time.Duration
	dedupHistory int

	mu        sync.Mutex
	listeners map[EventType][]listener
	nextID    uint64

	startOnce sync.Once
	startErr  error
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type Option func(*Bus)

func WithClock(c clockx.Clock) Option { return func(b *Bus) { b.clock = c } }

func WithLogger(l logging.Logger) Option { return func(b *Bus) { b.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Bus) { b.metrics = m } }

// WithDedup sets the duplicate suppression window and history size.
func WithDedup(window time.Duration, history int) Option {
	return func(b *Bus) {
		b.dedupWindow = window
		b.dedupHistory = history
	}
}

// WithTabID overrides the generated participant identifier.
func WithTabID(id string) Option { return func(b *Bus) { b.tabID = id } }

// New creates a Bus publishing on primary, or on fallback when primary is
// nil or fails. Either transport may be nil, not both.
func New(primary, fallback Transport, opts ...Option) (*Bus, error) {
	if primary == nil && fallback == nil {
		return nil, ErrNoTransport
	}
	b := &Bus{
		primary:      primary,
		fallback:     fallback,
		tabID:        uuid.NewString(),
		clock:        clockx.Real(),
		log:          logging.Discard(),
		dedupWindow:  DefaultDedupWindow,
		dedupHistory: DefaultDedupHistory,
		listeners:    make(map[EventType][]listener),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// TabID identifies this participant in the Origin of sent messages.
func (b *Bus) TabID() string { return b.tabID }

// Start subscribes to the configured transports and begins dispatching.
// Later calls return the result of the first one.
func (b *Bus) Start(ctx context.Context) error {
	b.startOnce.Do(func() {
		b.startErr = b.start(ctx)
	})
	return b.startErr
}

func (b *Bus) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	inbox := make(chan []byte, inboxSize)
	subscribed := 0
	for _, t := range []Transport{b.primary, b.fallback} {
		if t == nil {
			continue
		}
		ch, err := t.Subscribe(ctx)
		if err != nil {
			b.log.Warn(ctx, "bus subscribe failed", "error", err)
			continue
		}
		subscribed++
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case data, ok := <-ch:
					if !ok {
						return
					}
					select {
					case inbox <- data:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	if subscribed == 0 {
		cancel()
		return fmt.Errorf("bus start: %w", ErrNoTransport)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(ctx, inbox)
	}()
	return nil
}

// dispatch is the only goroutine that invokes listeners, so a listener
// never runs concurrently with another listener of the same Bus.
func (b *Bus) dispatch(ctx context.Context, inbox <-chan []byte) {
	dedup := newDedupWindow(b.dedupWindow, b.dedupHistory)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-inbox:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
				b.metrics.Bus("invalid")
				b.log.Debug(ctx, "bus dropped malformed message", "error", err)
				continue
			}
			if msg.Origin == b.tabID {
				b.metrics.Bus("self")
				continue
			}
			if dedup.seen(msg.dedupKey(), b.clock.Now()) {
				b.metrics.Bus("duplicate")
				b.log.Debug(ctx, "bus dropped duplicate", "type", msg.Type, "origin", msg.Origin)
				continue
			}
			b.metrics.Bus("delivered")
			b.deliver(msg)
		}
	}
}

func (b *Bus) deliver(msg Message) {
	b.mu.Lock()
	ls := append([]listener(nil), b.listeners[msg.Type]...)
	b.mu.Unlock()

	for _, l := range ls {
		l.fn(msg)
	}
}

// Send broadcasts an event to every other participant. payload is encoded
// as JSON; nil sends no payload.
func (b *Bus) Send(ctx context.Context, t EventType, payload any) error {
	msg := Message{Type: t, Origin: b.tabID, Timestamp: b.clock.Now().UnixMilli()}
	if payload != nil {
		p, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("bus send %s: %w", t, err)
		}
		msg.Payload = p
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus send %s: %w", t, err)
	}

	if b.primary != nil {
		err = b.primary.Publish(ctx, data)
		if err == nil {
			b.metrics.Bus("sent")
			return nil
		}
		if b.fallback == nil {
			return fmt.Errorf("bus send %s: %w", t, err)
		}
		b.log.Warn(ctx, "bus primary transport failed, using fallback", "type", t, "error", err)
	}

	if err := b.fallback.Publish(ctx, data); err != nil {
		return fmt.Errorf("bus send %s: %w", t, err)
	}
	b.metrics.Bus("fallback")
	return nil
}

// Listen registers fn for messages of type t. Listeners of one type run in
// registration order. The returned function unregisters fn; calling it
// more than once is harmless.
func (b *Bus) Listen(t EventType, fn func(Message)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[t] = append(b.listeners[t], listener{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ls := b.listeners[t]
		for i, l := range ls {
			if l.id == id {
				b.listeners[t] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Close stops dispatching and waits for the bus goroutines. Transports are
// owned by the caller and are not closed.
func (b *Bus) Close() {
	b.startOnce.Do(func() { b.startErr = errors.New("bus closed") })
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}
