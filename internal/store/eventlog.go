package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rendis/loom/pkg/schema"
)

// EventLog persists run events as they are emitted, adapting a Store to the
// engine's observer contract. Persistence failures are recorded and reported
// through Err, never surfaced mid-run: a broken history database must not
// take the run down with it.
type EventLog struct {
	store Store

	mu      sync.Mutex
	first   error
	dropped int
}

// NewEventLog wraps a store as a run event sink.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// OnEvent writes one emitted event to the trail.
func (el *EventLog) OnEvent(ctx context.Context, event *schema.RunEvent) {
	if err := el.Append(ctx, event); err != nil {
		el.mu.Lock()
		if el.first == nil {
			el.first = err
		}
		el.dropped++
		el.mu.Unlock()
	}
}

// Append records one event directly and returns any persistence error.
func (el *EventLog) Append(ctx context.Context, event *schema.RunEvent) error {
	row, err := eventRow(event)
	if err != nil {
		return err
	}
	return el.store.AppendEvent(ctx, row)
}

// Err reports the first persistence failure together with the count of
// events lost since, or nil if every event reached the trail.
func (el *EventLog) Err() error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.first == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore,
		"event log dropped %d event(s): %v", el.dropped, el.first)
}

// Trail returns the recorded event trail for a run, oldest first.
func (el *EventLog) Trail(ctx context.Context, runID string) ([]*Event, error) {
	return el.store.ListEvents(ctx, runID)
}

// eventRow converts an emitted event to its persisted form.
func eventRow(event *schema.RunEvent) (*Event, error) {
	row := &Event{
		RunID:     event.RunID,
		Type:      event.Type,
		StepID:    event.StepID,
		CreatedAt: event.Timestamp,
	}
	if len(event.Payload) > 0 {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		row.Payload = payload
	}
	return row, nil
}
