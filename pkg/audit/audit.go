// Package audit emits the structured event stream for orchestration
// activity: every proposal, approval, execution grant and report lands here
// as one JSON line, independent of the durable ledger rows.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventAuth     EventType = "AUTH"
	EventSystem   EventType = "SYSTEM"
)

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id,omitempty"`
	ChatID    string         `json:"chat_id,omitempty"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any)
}

// actorKey carries the acting identity through context.
type actorKey struct{}

// WithActor returns a context carrying the acting identity for audit records.
func WithActor(ctx context.Context, actorID, chatID string) context.Context {
	return context.WithValue(ctx, actorKey{}, [2]string{actorID, chatID})
}

func actorFrom(ctx context.Context) (string, string) {
	if v, ok := ctx.Value(actorKey{}).([2]string); ok {
		return v[0], v[1]
	}
	return "", ""
}

// logger writes one JSON object per event to a configurable writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// Allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) {
	actor, chat := actorFrom(ctx)
	event := Event{
		ID:        uuid.New().String(),
		ActorID:   actor,
		ChatID:    chat,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock().UTC(),
		Metadata:  metadata,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(append(line, '\n'))
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Record(context.Context, EventType, string, string, map[string]any) {}
