package notify

import (
	"sync"

	"bastion/core"
)

// MockSink records published events for assertions in tests.
type MockSink struct {
	mu     sync.Mutex
	events []*core.SecurityEvent
}

// NewMockSink creates an empty mock sink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

var _ Sink = (*MockSink)(nil)

// Publish records the event.
func (m *MockSink) Publish(event *core.SecurityEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a snapshot of everything published so far.
func (m *MockSink) Events() []*core.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.SecurityEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Reset clears the recorded events.
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
