package events

import (
	"context"
	"sync"
)

// MockPublisher records events in memory for tests.
type MockPublisher struct {
	mu     sync.Mutex
	events []*SigningEvent
	closed bool
}

// NewMockPublisher creates an empty mock.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) PublishSigningEvent(_ context.Context, event *SigningEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns a snapshot of everything published so far.
func (m *MockPublisher) Events() []*SigningEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SigningEvent, len(m.events))
	copy(out, m.events)
	return out
}
