package trigger_test

import (
	"testing"
	"time"

	"github.com/garbo-ai/garbo/internal/trigger"
)

// ─── Farewell ────────────────────────────────────────────────────────────────

func TestFarewellDefaultPatterns(t *testing.T) {
	t.Parallel()

	f := trigger.NewFarewell(trigger.ActionHangup)

	fires := []string{"Goodbye", "bye", "see you later", "take care", "gotta go", "Okay, goodbye!"}
	for _, s := range fires {
		if !f.Check(trigger.Context{Transcript: s, Role: trigger.RoleCaller}) {
			t.Errorf("Check(%q) = false; want fire", s)
		}
	}

	quiet := []string{"hello", "how are you", "by the way", "good morning"}
	for _, s := range quiet {
		if f.Check(trigger.Context{Transcript: s, Role: trigger.RoleCaller}) {
			t.Errorf("Check(%q) = true; want no fire", s)
		}
	}
}

func TestFarewellStoresMatch(t *testing.T) {
	t.Parallel()

	f := trigger.NewFarewell(trigger.ActionHangup)
	if !f.Check(trigger.Context{Transcript: "well, take care now"}) {
		t.Fatal("Check: want fire")
	}
	if got := f.LastMatch(); got != "take care" {
		t.Errorf("LastMatch = %q; want %q", got, "take care")
	}
}

func TestFarewellRoleFilter(t *testing.T) {
	t.Parallel()

	f := trigger.NewFarewell(trigger.ActionHangup, trigger.WithFarewellRole(trigger.RoleCaller))

	if f.Check(trigger.Context{Transcript: "goodbye", Role: trigger.RoleAgent}) {
		t.Error("agent farewell matched despite caller role filter")
	}
	if !f.Check(trigger.Context{Transcript: "goodbye", Role: trigger.RoleCaller}) {
		t.Error("caller farewell did not match")
	}
}

// ─── Silence ─────────────────────────────────────────────────────────────────

func TestSilenceFiresAfterTimeout(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := trigger.NewSilence(trigger.ActionSilence,
		trigger.WithSilenceTimeout(5*time.Second),
		trigger.WithSilenceClock(func() time.Time { return now }),
	)

	tc := trigger.Context{LastResponseAt: now.Add(-10 * time.Second)}
	if !s.Check(tc) {
		t.Error("Check with 10s silence and 5s timeout: want fire")
	}
	if got := s.LastSilence(); got != 10*time.Second {
		t.Errorf("LastSilence = %v; want 10s", got)
	}
}

func TestSilenceSuppressedWhileSpeaking(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := trigger.NewSilence(trigger.ActionSilence,
		trigger.WithSilenceTimeout(5*time.Second),
		trigger.WithSilenceClock(func() time.Time { return now }),
	)

	tc := trigger.Context{LastResponseAt: now.Add(-10 * time.Second), IsSpeaking: true}
	if s.Check(tc) {
		t.Error("Check while speaking: want no fire")
	}
	if got := s.LastSilence(); got != 0 {
		t.Errorf("LastSilence after speaking = %v; want 0", got)
	}
}

func TestSilenceNoReferencePoint(t *testing.T) {
	t.Parallel()

	s := trigger.NewSilence(trigger.ActionSilence)
	if s.Check(trigger.Context{}) {
		t.Error("Check with zero LastResponseAt: want no fire")
	}
}

// ─── Delegate ────────────────────────────────────────────────────────────────

func TestDelegateParsesArguments(t *testing.T) {
	t.Parallel()

	d := trigger.NewDelegate(trigger.ActionDelegate)
	tc := trigger.Context{
		ToolName:      "classify_intent",
		ToolArguments: `{"intent":"x","request":"y"}`,
		ToolCallID:    "c1",
	}
	if !d.Check(tc) {
		t.Fatal("Check: want fire")
	}

	parsed, ok := d.Payload().(trigger.Parsed)
	if !ok {
		t.Fatalf("Payload = %T; want Parsed", d.Payload())
	}
	if parsed["intent"] != "x" || parsed["request"] != "y" {
		t.Errorf("Payload = %v; want intent=x request=y", parsed)
	}
	if d.CallID() != "c1" {
		t.Errorf("CallID = %q; want c1", d.CallID())
	}
}

func TestDelegateRawFallback(t *testing.T) {
	t.Parallel()

	d := trigger.NewDelegate(trigger.ActionDelegate)
	if !d.Check(trigger.Context{ToolName: "classify_intent", ToolArguments: "not json"}) {
		t.Fatal("Check: want fire despite parse failure")
	}
	raw, ok := d.Payload().(trigger.Raw)
	if !ok {
		t.Fatalf("Payload = %T; want Raw", d.Payload())
	}
	if string(raw) != "not json" {
		t.Errorf("Payload = %q; want %q", raw, "not json")
	}
}

func TestDelegateWrongTool(t *testing.T) {
	t.Parallel()

	d := trigger.NewDelegate(trigger.ActionDelegate)
	if d.Check(trigger.Context{ToolName: "other_tool", ToolArguments: "{}"}) {
		t.Error("Check with wrong tool name: want no fire")
	}
}

// ─── Wake ────────────────────────────────────────────────────────────────────

func TestWakeCapturesRequest(t *testing.T) {
	t.Parallel()

	w := trigger.NewWake(trigger.ActionRequest)
	if !w.Check(trigger.Context{Transcript: "Hey Garbo, send a text to mom"}) {
		t.Fatal("Check: want fire")
	}
	if got := w.LastRequest(); got != "send a text to mom" {
		t.Errorf("LastRequest = %q; want %q", got, "send a text to mom")
	}
}

func TestWakeRejectsEmptyTail(t *testing.T) {
	t.Parallel()

	w := trigger.NewWake(trigger.ActionRequest)
	for _, s := range []string{"Hey Garbo,", "Hey Garbo", "Garbo...", "Hey Garbo, ?!"} {
		if w.Check(trigger.Context{Transcript: s}) {
			t.Errorf("Check(%q) = true; want no fire on empty tail", s)
		}
	}
}

func TestWakeNoPrefixNoFire(t *testing.T) {
	t.Parallel()

	w := trigger.NewWake(trigger.ActionRequest)
	if w.Check(trigger.Context{Transcript: "please tell Garbo to send a text"}) {
		t.Error("Check with mid-sentence name: want no fire")
	}
}

// ─── Manager ─────────────────────────────────────────────────────────────────

func TestManagerOneShotAndReset(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := trigger.NewSilence(trigger.ActionSilence,
		trigger.WithSilenceTimeout(time.Second),
		trigger.WithSilenceClock(func() time.Time { return now }),
	)
	m := trigger.NewManager(s)

	var fired int
	m.On(trigger.ActionSilence, func(trigger.Context, trigger.Payload) { fired++ })

	tc := trigger.Context{LastResponseAt: now.Add(-5 * time.Second)}
	m.Check(tc)
	m.Check(tc)
	if fired != 1 {
		t.Fatalf("one-shot fired %d times; want 1", fired)
	}

	m.Reset()
	m.Check(tc)
	if fired != 2 {
		t.Errorf("fired %d times after Reset; want 2", fired)
	}
}

func TestManagerDeliversPayload(t *testing.T) {
	t.Parallel()

	d := trigger.NewDelegate(trigger.ActionDelegate)
	m := trigger.NewManager(d)

	var got trigger.Payload
	m.On(trigger.ActionDelegate, func(_ trigger.Context, p trigger.Payload) { got = p })

	m.Check(trigger.Context{
		ToolName:      "classify_intent",
		ToolArguments: `{"intent":"send_text"}`,
		ToolCallID:    "c9",
	})

	parsed, ok := got.(trigger.Parsed)
	if !ok {
		t.Fatalf("payload = %T; want Parsed", got)
	}
	if parsed["intent"] != "send_text" {
		t.Errorf("payload intent = %v; want send_text", parsed["intent"])
	}
}

func TestManagerSkipsDisabledAndNonMatching(t *testing.T) {
	t.Parallel()

	f := trigger.NewFarewell(trigger.ActionHangup)
	m := trigger.NewManager(f)

	var fired int
	m.On(trigger.ActionHangup, func(trigger.Context, trigger.Payload) { fired++ })

	m.Check(trigger.Context{Transcript: "how are you", Role: trigger.RoleCaller})
	if fired != 0 {
		t.Errorf("fired %d times on non-matching transcript; want 0", fired)
	}
}
