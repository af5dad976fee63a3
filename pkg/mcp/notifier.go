package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/loom/internal/events"
	"github.com/rendis/loom/pkg/schema"
)

// RunNotifier forwards run events from the hub to the MCP session that
// started the run, as "notifications/message" pushes.
type RunNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       events.Hub
	logger    *slog.Logger
}

// NewRunNotifier creates a notifier bridging the event hub to MCP clients.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub events.Hub, logger *slog.Logger) *RunNotifier {
	return &RunNotifier{mcpServer: mcpServer, sessions: sessions, hub: hub, logger: logger}
}

// Run subscribes to the hub and forwards events until ctx is cancelled.
// Meant to run on its own goroutine alongside the serving transport.
func (n *RunNotifier) Run(ctx context.Context) {
	ch, cancel, err := n.hub.Subscribe(ctx, events.Filter{})
	if err != nil {
		n.logger.Warn("event notifier subscription failed", "error", err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ch:
			n.notify(event)
		}
	}
}

// notify pushes one event to its run's session. Best-effort: runs started
// outside this server, or whose client disconnected, have no session and the
// event is dropped.
func (n *RunNotifier) notify(event schema.RunEvent) {
	sessionID, ok := n.sessions.SessionFor(event.RunID)
	if !ok {
		return
	}

	payload := map[string]any{
		"run_id":    event.RunID,
		"type":      event.Type,
		"timestamp": event.Timestamp,
	}
	if event.StepID != "" {
		payload["step_id"] = event.StepID
	}
	if len(event.Payload) > 0 {
		payload["data"] = event.Payload
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("run event notification failed", "run_id", event.RunID, "error", err)
	}

	switch event.Type {
	case schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled:
		n.sessions.Release(event.RunID)
	}
}
