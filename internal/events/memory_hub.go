package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/loom/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan schema.RunEvent
	filter Filter
}

// MemoryHub is the in-process Hub implementation backing a single CLI or MCP
// server process.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

// Publish sends an event to every matching subscriber. Non-blocking: a
// subscriber whose buffer is full loses the event.
func (h *MemoryHub) Publish(ctx context.Context, event schema.RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel function
// removes it; the channel is not closed, so a racing Publish never panics.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.RunEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// OnEvent adapts the hub to the executor's observer seam, so the hub can be
// combined with the store event log and CLI renderer on one run.
func (h *MemoryHub) OnEvent(ctx context.Context, event *schema.RunEvent) {
	if event == nil {
		return
	}
	// Publish only fails on a done context, in which case the run is
	// unwinding and the event has nowhere to go anyway.
	_ = h.Publish(ctx, *event)
}

// Dropped reports how many events were lost to full subscriber buffers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

func matchFilter(f Filter, e schema.RunEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
