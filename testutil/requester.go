package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/entitycache/natsclient"
)

// MockRequester routes requests to in-process handlers, standing in for a
// NATS connection. It implements both sides: Request and Handle.
type MockRequester struct {
	mu       sync.Mutex
	handlers map[string]natsclient.Handler
	failures map[string][]error
	calls    map[string]int
}

// NewMockRequester creates a requester without handlers
func NewMockRequester() *MockRequester {
	return &MockRequester{
		handlers: make(map[string]natsclient.Handler),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Handle registers the handler for subject
func (m *MockRequester) Handle(_ context.Context, subject string, handler natsclient.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[subject] = handler
	return nil
}

// FailNext makes the next requests on subject fail with errs, in order,
// before any handler runs
func (m *MockRequester) FailNext(subject string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[subject] = append(m.failures[subject], errs...)
}

// Calls returns how many requests were sent on subject
func (m *MockRequester) Calls(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[subject]
}

// Request implements remote.Requester
func (m *MockRequester) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	m.mu.Lock()
	m.calls[subject]++
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if queued := m.failures[subject]; len(queued) > 0 {
		m.failures[subject] = queued[1:]
		m.mu.Unlock()
		return nil, queued[0]
	}
	handler, ok := m.handlers[subject]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no responders on %s", subject)
	}
	return handler(ctx, data)
}
