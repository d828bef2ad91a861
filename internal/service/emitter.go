package service

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter: run lifecycle notifications
// ─────────────────────────────────────────────────────────────

// EventEmitter receives run lifecycle events (sync:started, sync:completed,
// config:reloaded). The CLI logs them; the MCP server forwards them as
// logging notifications.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// LogEmitter writes events to a zap logger at debug level.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(_ context.Context, event string, data any) {
	e.logger.Debug("event", zap.String("event", event), zap.Any("data", data))
}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Names returns the recorded event names in order.
func (m *MockEmitter) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.Events))
	for i, e := range m.Events {
		names[i] = e.Event
	}
	return names
}
