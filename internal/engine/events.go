package engine

import "context"

// EventSink receives a record of every successful mutation, for the
// change-feed SSE surface. internal/store.EventLog satisfies it.
type EventSink interface {
	Append(ctx context.Context, requestID, flagName, eventType string, attrs map[string]any) error
}

// SetEventSink wires an optional mutation change-feed.
func (e *Engine) SetEventSink(sink EventSink) { e.events = sink }

func (e *Engine) emit(ctx context.Context, flagName, eventType string, attrs map[string]any) {
	if e.events == nil {
		return
	}
	if err := e.events.Append(ctx, "", flagName, eventType, attrs); err != nil {
		e.log.Warn("append flag event failed", "flag", flagName, "event", eventType, "error", err)
	}
}
