package transport

import (
	"context"
	"sync"

	"github.com/lanbeacon/beacon"
)

// MockTransport is an in-memory Transport used by every component's test
// suite in place of a real socket (adapted from the teacher's
// internal/transport/mock.go).
type MockTransport struct {
	mu         sync.Mutex
	sent       []beacon.Message
	broadcasts []beacon.Message
	listeners  map[int]Listener
	nextID     int
	closed     bool
	sendErr    error
}

// NewMockTransport creates an empty mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{listeners: make(map[int]Listener)}
}

func (m *MockTransport) Send(_ context.Context, msg beacon.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *MockTransport) SendToAll(_ context.Context, msg beacon.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.broadcasts = append(m.broadcasts, msg)
	return nil
}

func (m *MockTransport) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Deliver injects msg as though it had arrived off the wire, dispatching
// it synchronously to every current subscriber (in subscription order is
// not guaranteed since listeners is a map, but delivery to all is).
func (m *MockTransport) Deliver(msg beacon.Message) {
	m.mu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.Unlock()
	for _, l := range ls {
		l.MessageReceived(msg)
	}
}

// DeliverError dispatches err to every current subscriber.
func (m *MockTransport) DeliverError(err error) {
	m.mu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.Unlock()
	for _, l := range ls {
		l.Error(err)
	}
}

// SetSendError makes every subsequent Send/SendToAll call fail with err.
func (m *MockTransport) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SentMessages returns every message handed to Send, in order.
func (m *MockTransport) SentMessages() []beacon.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]beacon.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// Broadcasts returns every message handed to SendToAll, in order.
func (m *MockTransport) Broadcasts() []beacon.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]beacon.Message, len(m.broadcasts))
	copy(out, m.broadcasts)
	return out
}

// Closed reports whether Close has been called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
