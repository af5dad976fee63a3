// Package events fans run events out to live subscribers: CLI progress
// renderers, MCP notification bridges, tests. Publishing never blocks the
// executor; a slow subscriber loses events rather than stalling the run.
package events

import (
	"context"

	"github.com/rendis/loom/pkg/schema"
)

// Filter narrows a subscription. Zero value receives everything.
type Filter struct {
	RunID string   `json:"run_id,omitempty"`
	Types []string `json:"types,omitempty"`
}

// Hub is pub/sub for run events.
type Hub interface {
	Publish(ctx context.Context, event schema.RunEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.RunEvent, func(), error)
}
