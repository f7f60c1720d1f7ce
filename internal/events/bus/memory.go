package bus

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBus is the in-process EventBus. Delivery is asynchronous: each
// publish dispatches to matching handlers on a new goroutine.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int64]*memorySub
	nextID int64
	closed bool
}

type memorySub struct {
	pattern string
	handler Handler
}

var _ EventBus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int64]*memorySub)}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, payload any) error {
	event := Event{Subject: subject, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	var handlers []Handler
	for _, sub := range b.subs {
		if matchSubject(sub.pattern, subject) {
			handlers = append(handlers, sub.handler)
		}
	}
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil
	}
	for _, handler := range handlers {
		go handler(event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &memorySub{pattern: subject, handler: handler}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int64]*memorySub)
	return nil
}

// matchSubject implements NATS subject matching: tokens separated by dots,
// * matches one token, > matches the rest.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	patternTokens := strings.Split(pattern, ".")
	subjectTokens := strings.Split(subject, ".")

	for i, token := range patternTokens {
		if token == ">" {
			return true
		}
		if i >= len(subjectTokens) {
			return false
		}
		if token != "*" && token != subjectTokens[i] {
			return false
		}
	}
	return len(patternTokens) == len(subjectTokens)
}
