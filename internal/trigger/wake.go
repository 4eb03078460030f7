package trigger

import (
	"regexp"
	"strings"
	"sync"
)

// defaultWakePrefixes match the agent being addressed by name at the start
// of an utterance, e.g. "Hey Garbo, send a text to mom".
var defaultWakePrefixes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(?:hey|ok|okay)[,!]?\s+garbo[,.!:]?\s*`),
	regexp.MustCompile(`(?i)^\s*garbo[,.!:]?\s*`),
}

// Wake fires when a transcript starts with a wake phrase and carries a
// non-empty request after it. The captured tail is published as a [Raw]
// payload. Not one-shot.
type Wake struct {
	name     string
	action   Action
	prefixes []*regexp.Regexp
	role     Role
	enabled  bool

	mu   sync.Mutex
	tail string
}

// WakeOption configures a [Wake].
type WakeOption func(*Wake)

// WithWakePrefixes replaces the default prefix patterns. Each pattern must
// anchor at the start of the transcript; the text after the match is the
// captured request.
func WithWakePrefixes(prefixes ...*regexp.Regexp) WakeOption {
	return func(w *Wake) { w.prefixes = prefixes }
}

// WithWakeRole restricts matching to transcripts spoken by role.
func WithWakeRole(role Role) WakeOption {
	return func(w *Wake) { w.role = role }
}

// NewWake creates a wake-phrase trigger firing action with the captured
// request text.
func NewWake(action Action, opts ...WakeOption) *Wake {
	w := &Wake{
		name:     "wake",
		action:   action,
		prefixes: defaultWakePrefixes,
		enabled:  true,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Wake) Name() string   { return w.name }
func (w *Wake) Action() Action { return w.action }
func (w *Wake) Enabled() bool  { return w.enabled }
func (w *Wake) Once() bool     { return false }

// Check tries each prefix in order; the first that matches at the start of
// the transcript yields the trimmed tail. Tails that are empty or pure
// punctuation are rejected.
func (w *Wake) Check(tc Context) bool {
	if tc.Transcript == "" {
		return false
	}
	if w.role != "" && tc.Role != w.role {
		return false
	}

	for _, re := range w.prefixes {
		loc := re.FindStringIndex(tc.Transcript)
		if loc == nil || loc[0] != 0 {
			continue
		}
		tail := strings.TrimSpace(tc.Transcript[loc[1]:])
		if !hasWord(tail) {
			return false
		}
		w.mu.Lock()
		w.tail = tail
		w.mu.Unlock()
		return true
	}
	return false
}

// hasWord reports whether s contains at least one letter or digit.
func hasWord(s string) bool {
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

// Payload returns the request captured by the most recent Check.
func (w *Wake) Payload() Payload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Raw(w.tail)
}

// LastRequest returns the captured tail text.
func (w *Wake) LastRequest() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tail
}
