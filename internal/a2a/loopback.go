package a2a

import (
	"context"
	"fmt"
	"sync"
)

// Loopback is an in-process Client for single-node deployments and tests.
// Handlers are registered per agent; Send invokes them synchronously.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

var _ Client = (*Loopback)(nil)

// NewLoopback creates an empty loopback client.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]Handler)}
}

// Register installs the handler for an agent, replacing any existing one.
func (l *Loopback) Register(agentID string, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[agentID] = handler
}

// Unregister removes the handler for an agent.
func (l *Loopback) Unregister(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, agentID)
}

// Send delivers the request to the registered handler.
func (l *Loopback) Send(ctx context.Context, toAgentID string, req Request) (*SendResult, error) {
	l.mu.RLock()
	handler, ok := l.handlers[toAgentID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for agent %q", toAgentID)
	}
	return handler(ctx, req)
}
