package trigger

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// defaultFarewellWords are the farewell phrases matched when no custom
// pattern is configured.
var defaultFarewellWords = []string{
	"goodbye", "bye", "see you later", "take care", "gotta go",
}

// Farewell fires when a transcript matches a farewell pattern. One-shot by
// default: a call only ends once.
type Farewell struct {
	name    string
	action  Action
	pattern *regexp.Regexp
	role    Role // empty = any role
	once    bool
	enabled bool

	mu        sync.Mutex
	lastMatch string
}

// FarewellOption configures a [Farewell].
type FarewellOption func(*Farewell)

// WithFarewellPattern replaces the default word list with a compiled
// regular expression.
func WithFarewellPattern(re *regexp.Regexp) FarewellOption {
	return func(f *Farewell) { f.pattern = re }
}

// WithFarewellWords replaces the default word list. Each word is anchored
// on word boundaries and matched case-insensitively.
func WithFarewellWords(words ...string) FarewellOption {
	return func(f *Farewell) { f.pattern = wordsPattern(words) }
}

// WithFarewellRole restricts matching to transcripts spoken by role.
func WithFarewellRole(role Role) FarewellOption {
	return func(f *Farewell) { f.role = role }
}

// WithFarewellRepeat makes the trigger re-fire on every match instead of
// being one-shot.
func WithFarewellRepeat() FarewellOption {
	return func(f *Farewell) { f.once = false }
}

// NewFarewell creates a farewell trigger firing action on a match.
func NewFarewell(action Action, opts ...FarewellOption) *Farewell {
	f := &Farewell{
		name:    "farewell",
		action:  action,
		pattern: wordsPattern(defaultFarewellWords),
		once:    true,
		enabled: true,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// wordsPattern compiles a case-insensitive alternation of words anchored on
// word boundaries.
func wordsPattern(words []string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(fmt.Sprintf(`(?i)\b(?:%s)\b`, strings.Join(quoted, "|")))
}

func (f *Farewell) Name() string   { return f.name }
func (f *Farewell) Action() Action { return f.action }
func (f *Farewell) Enabled() bool  { return f.enabled }
func (f *Farewell) Once() bool     { return f.once }

// Check matches tc.Transcript against the configured pattern, honouring the
// role filter. The matched substring is retained for [Farewell.LastMatch].
func (f *Farewell) Check(tc Context) bool {
	if tc.Transcript == "" {
		return false
	}
	if f.role != "" && tc.Role != f.role {
		return false
	}
	match := f.pattern.FindString(tc.Transcript)
	if match == "" {
		return false
	}
	f.mu.Lock()
	f.lastMatch = match
	f.mu.Unlock()
	return true
}

// LastMatch returns the substring that satisfied the most recent Check.
func (f *Farewell) LastMatch() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMatch
}
