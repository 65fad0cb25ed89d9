package audit

import (
	"context"
	"sync"

	"security-gateway/internal/models"
)

// MemoryWriter keeps events in process. Used in development and tests.
type MemoryWriter struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (m *MemoryWriter) Name() string { return "memory" }

func (m *MemoryWriter) Write(_ context.Context, e models.SecurityEvent) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryWriter) Events() []models.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SecurityEvent, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the recorded events of type t.
func (m *MemoryWriter) OfType(t models.EventType) []models.SecurityEvent {
	var out []models.SecurityEvent
	for _, e := range m.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}
