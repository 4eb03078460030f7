package trigger

import (
	"log/slog"
	"sync"
)

// Callback is invoked when a trigger fires. payload is [Empty] for triggers
// that publish nothing.
type Callback func(tc Context, payload Payload)

// Manager checks an ordered list of triggers and dispatches callbacks
// registered per action. One-shot triggers fire at most once per
// (name, action) pair until [Manager.Reset]. Safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	triggers  []Trigger
	callbacks map[Action][]Callback
	fired     map[string]struct{}
}

// NewManager creates a Manager over the given triggers. Order is preserved:
// triggers are checked in the order supplied.
func NewManager(triggers ...Trigger) *Manager {
	return &Manager{
		triggers:  triggers,
		callbacks: make(map[Action][]Callback),
		fired:     make(map[string]struct{}),
	}
}

// On registers cb for action. Multiple callbacks per action are allowed and
// run in registration order.
func (m *Manager) On(action Action, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[action] = append(m.callbacks[action], cb)
}

// Check runs every enabled trigger against tc and dispatches callbacks for
// the ones that fire. Callbacks run on the caller's goroutine.
func (m *Manager) Check(tc Context) {
	m.mu.Lock()
	triggers := m.triggers
	m.mu.Unlock()

	for _, t := range triggers {
		if !t.Enabled() || !t.Check(tc) {
			continue
		}

		key := t.Name() + "\x00" + string(t.Action())
		m.mu.Lock()
		if t.Once() {
			if _, done := m.fired[key]; done {
				m.mu.Unlock()
				continue
			}
			m.fired[key] = struct{}{}
		}
		cbs := append([]Callback(nil), m.callbacks[t.Action()]...)
		m.mu.Unlock()

		payload := Payload(Empty{})
		if pc, ok := t.(payloadCarrier); ok {
			payload = pc.Payload()
		}

		slog.Debug("trigger fired", "trigger", t.Name(), "action", t.Action())
		for _, cb := range cbs {
			cb(tc, payload)
		}
	}
}

// Reset clears the fired set so one-shot triggers re-arm. Called when the
// caller speaks so a silence trigger can fire again later.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired = make(map[string]struct{})
}
