package bus

import (
	"context"
	"sync"
)

// Transport carries encoded messages between participants that share it.
// A participant also receives what it publishes; the Bus filters those.
type Transport interface {
	Publish(ctx context.Context, data []byte) error
	// Subscribe starts receiving. The returned channel is closed when ctx
	// is done or the transport fails.
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

const memoryQueueSize = 256

// MemoryHub connects Transports living in the same process. Each Endpoint
// plays the role of one client process.
type MemoryHub struct {
	mu      sync.RWMutex
	members map[*memorySub]struct{}
}

type memorySub struct {
	ch   chan []byte
	done <-chan struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: make(map[*memorySub]struct{})}
}

// Endpoint returns a Transport attached to the hub.
func (h *MemoryHub) Endpoint() Transport {
	return &memoryEndpoint{hub: h}
}

// broadcast never blocks: a member whose queue is full misses the message.
func (h *MemoryHub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for m := range h.members {
		select {
		case <-m.done:
			continue
		default:
		}

		select {
		case m.ch <- data:
		default:
		}
	}
}

type memoryEndpoint struct {
	hub *MemoryHub
}

func (e *memoryEndpoint) Publish(_ context.Context, data []byte) error {
	e.hub.broadcast(append([]byte(nil), data...))
	return nil
}

func (e *memoryEndpoint) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := &memorySub{ch: make(chan []byte, memoryQueueSize), done: ctx.Done()}

	e.hub.mu.Lock()
	e.hub.members[sub] = struct{}{}
	e.hub.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() {
			e.hub.mu.Lock()
			delete(e.hub.members, sub)
			e.hub.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-sub.ch:
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
