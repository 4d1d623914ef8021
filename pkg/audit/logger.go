// Package audit records a structured trail of receipt-affecting requests,
// separate from the slog-based application logging in cmd/receiptgate.
// Receipt bodies are never written unless LogReceiptBodies is explicitly
// enabled, mirroring the original service's log_receipt_bodies flag —
// obligation bodies routinely carry task inputs and results that
// shouldn't land in an audit sink by default.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pstryder/receiptgate/pkg/auth"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSystem   EventType = "SYSTEM"
)

// Event represents a structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	ActorID   string                 `json:"actor_id"`
	Type      EventType              `json:"type"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu               sync.Mutex
	writer           io.Writer
	logReceiptBodies bool
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger(logReceiptBodies bool) Logger {
	return NewLoggerWithWriter(os.Stdout, logReceiptBodies)
}

// NewLoggerWithWriter creates a Logger writing to the given writer. This
// allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer, logReceiptBodies bool) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, logReceiptBodies: logReceiptBodies}
}

func (l *logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	tenantID := "system"
	if p, err := auth.GetPrincipal(ctx); err == nil {
		tenantID = p.GetTenantID()
	}
	actorID := "system"
	if metadata != nil {
		if v, ok := metadata["actor"].(string); ok && v != "" {
			actorID = v
		}
	}

	if !l.logReceiptBodies && metadata != nil {
		if _, ok := metadata["body"]; ok {
			metadata = stripKey(metadata, "body")
		}
	}

	event := Event{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

func stripKey(m map[string]interface{}, key string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == key {
			continue
		}
		out[k] = v
	}
	return out
}
