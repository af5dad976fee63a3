package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/pkg/schema"
)

func TestEventLog_OnEventPersists(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	runID := uuid.New().String()

	started := schema.NewRunEvent(runID, schema.EventRunStarted, "", nil)
	el.OnEvent(ctx, &started)
	stepStarted := schema.NewRunEvent(runID, schema.EventStepStarted, "fetch", map[string]any{"attempt": 1})
	el.OnEvent(ctx, &stepStarted)
	stepDone := schema.NewRunEvent(runID, schema.EventStepCompleted, "fetch", map[string]any{"duration_ms": 1800})
	el.OnEvent(ctx, &stepDone)

	require.NoError(t, el.Err())

	trail, err := el.Trail(ctx, runID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, schema.EventRunStarted, trail[0].Type)
	assert.Empty(t, trail[0].StepID)
	assert.Empty(t, trail[0].Payload)
	assert.Equal(t, schema.EventStepStarted, trail[1].Type)
	assert.Equal(t, "fetch", trail[1].StepID)
	assert.JSONEq(t, `{"attempt":1}`, string(trail[1].Payload))
	assert.Equal(t, schema.EventStepCompleted, trail[2].Type)
	assert.WithinDuration(t, started.Timestamp, trail[0].CreatedAt, time.Second)
}

func TestEventLog_AppendMarshalError(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)

	bad := schema.NewRunEvent(uuid.New().String(), schema.EventStepCompleted, "fetch",
		map[string]any{"ch": make(chan int)})
	err := el.Append(context.Background(), &bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal event payload")
}

func TestEventLog_ErrReportsDropped(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	ok := schema.NewRunEvent(uuid.New().String(), schema.EventRunStarted, "", nil)
	el.OnEvent(ctx, &ok)
	require.NoError(t, el.Err())

	// A broken history database must not take the run down, only Err.
	require.NoError(t, s.Close())
	first := schema.NewRunEvent(uuid.New().String(), schema.EventRunStarted, "", nil)
	el.OnEvent(ctx, &first)
	second := schema.NewRunEvent(uuid.New().String(), schema.EventStepStarted, "fetch", nil)
	el.OnEvent(ctx, &second)

	err := el.Err()
	require.Error(t, err)
	loomErr, ok2 := err.(*schema.LoomError)
	require.True(t, ok2)
	assert.Equal(t, schema.ErrCodeStore, loomErr.Code)
	assert.Contains(t, err.Error(), "dropped 2 event")
}
