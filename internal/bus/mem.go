package bus

import (
	"context"
	"sync"
)

// MemTransport is an in-process fake Transport for tests and for
// running the whole stack (Conversation Engine through Service Hosts)
// without a broker. Subject matching mirrors MQTT's: "*" matches
// exactly one dot-segment, ">" matches one or more trailing segments.
type MemTransport struct {
	mu   sync.RWMutex
	subs map[int]memSub
	next int
}

type memSub struct {
	matcher *regexpMatcher
	handler MessageHandler
}

// NewMemTransport returns a ready-to-use in-process transport. It is
// always "connected".
func NewMemTransport() *MemTransport {
	return &MemTransport{subs: make(map[int]memSub)}
}

func (m *MemTransport) Publish(_ context.Context, subject string, payload []byte) error {
	m.mu.RLock()
	matches := make([]MessageHandler, 0, len(m.subs))
	for _, s := range m.subs {
		if s.matcher.Match(subject) {
			matches = append(matches, s.handler)
		}
	}
	m.mu.RUnlock()

	for _, h := range matches {
		h(subject, payload)
	}
	return nil
}

func (m *MemTransport) Subscribe(subject string, handler MessageHandler) (func(), error) {
	matcher, err := newRegexpMatcher(subject)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = memSub{matcher: matcher, handler: handler}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}, nil
}

func (m *MemTransport) Connected() bool { return true }

func (m *MemTransport) AwaitConnection(_ context.Context) error { return nil }

func (m *MemTransport) Close() error {
	m.mu.Lock()
	m.subs = make(map[int]memSub)
	m.mu.Unlock()
	return nil
}
