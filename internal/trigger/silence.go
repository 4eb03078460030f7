package trigger

import (
	"sync"
	"time"
)

// DefaultSilenceTimeout is the silence duration after which the trigger
// fires when no timeout is configured.
const DefaultSilenceTimeout = 10 * time.Second

// Silence fires when the caller has been quiet for longer than the timeout
// since the agent last finished speaking. It never fires while the agent is
// speaking and does nothing until a first response has completed. One-shot;
// the manager's reset re-arms it when the caller speaks.
type Silence struct {
	name    string
	action  Action
	timeout time.Duration
	enabled bool
	now     func() time.Time

	mu   sync.Mutex
	last time.Duration
}

// SilenceOption configures a [Silence].
type SilenceOption func(*Silence)

// WithSilenceTimeout overrides the timeout. Default 10 s.
func WithSilenceTimeout(d time.Duration) SilenceOption {
	return func(s *Silence) { s.timeout = d }
}

// WithSilenceClock overrides the time source. Used by tests.
func WithSilenceClock(now func() time.Time) SilenceOption {
	return func(s *Silence) { s.now = now }
}

// NewSilence creates a silence trigger firing action after the timeout.
func NewSilence(action Action, opts ...SilenceOption) *Silence {
	s := &Silence{
		name:    "silence",
		action:  action,
		timeout: DefaultSilenceTimeout,
		enabled: true,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Silence) Name() string   { return s.name }
func (s *Silence) Action() Action { return s.action }
func (s *Silence) Enabled() bool  { return s.enabled }
func (s *Silence) Once() bool     { return true }

// Check computes the current silence duration. Agent speech resets the
// counter to zero; an unset LastResponseAt means there is no reference
// point yet, so the trigger stays quiet.
func (s *Silence) Check(tc Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tc.IsSpeaking {
		s.last = 0
		return false
	}
	if tc.LastResponseAt.IsZero() {
		return false
	}
	s.last = s.now().Sub(tc.LastResponseAt)
	return s.last > s.timeout
}

// LastSilence returns the silence duration computed by the most recent
// Check.
func (s *Silence) LastSilence() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
