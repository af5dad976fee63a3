package engine

import (
	"context"

	"github.com/rendis/loom/pkg/schema"
)

// Observer receives execution lifecycle notifications: run start/end, step
// boundaries, condition outcomes, loop iterations, checkpoint writes. The
// executor never prints; presentation, persistence, and streaming all hang
// off this interface.
//
// Observers must not block: they run inline on the single execution thread.
type Observer interface {
	OnEvent(ctx context.Context, event *schema.RunEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event *schema.RunEvent)

func (f ObserverFunc) OnEvent(ctx context.Context, event *schema.RunEvent) {
	f(ctx, event)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) OnEvent(context.Context, *schema.RunEvent) {}

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnEvent(ctx context.Context, event *schema.RunEvent) {
	for _, o := range m {
		if o != nil {
			o.OnEvent(ctx, event)
		}
	}
}

// CombineObservers flattens the given observers into one, dropping nils.
func CombineObservers(observers ...Observer) Observer {
	kept := make(MultiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			kept = append(kept, o)
		}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return kept
}
