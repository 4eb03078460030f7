// Package trigger watches the live transcript and tool stream of a call and
// fires conversational actions: hanging up on a farewell, prompting after
// silence, delegating tool calls, and capturing wake-phrase requests.
//
// A [Manager] owns an ordered set of triggers and a callback registry keyed
// by action. Triggers are checked against a [Context] snapshot each time the
// session observes a new transcript, tool call, or timer tick.
package trigger

import "time"

// Action names what should happen when a trigger fires. Sessions register
// callbacks per action.
type Action string

const (
	// ActionHangup requests the goodbye-and-hangup sequence.
	ActionHangup Action = "hangup"

	// ActionSilence reports that the caller has gone quiet.
	ActionSilence Action = "silence"

	// ActionDelegate hands a model tool call to the assistant gateway.
	ActionDelegate Action = "delegate"

	// ActionRequest carries a wake-phrase request captured from the caller.
	ActionRequest Action = "request"
)

// Role identifies who produced a transcript line.
type Role string

const (
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Context is the snapshot a trigger is checked against. Fields are optional;
// a trigger ignores the ones it does not care about.
type Context struct {
	// Transcript is the completed utterance text, when the check was
	// prompted by a transcript event.
	Transcript string

	// Role is who spoke Transcript.
	Role Role

	// LastResponseAt is when the agent last finished speaking. The zero
	// value means no response has completed yet.
	LastResponseAt time.Time

	// IsSpeaking reports whether agent audio is currently being played out.
	IsSpeaking bool

	// Tool call fields, set when the check was prompted by a tool event.
	ToolName      string
	ToolArguments string
	ToolCallID    string
}

// Payload is the value a trigger publishes for its callbacks. It is a small
// sum: parsed JSON arguments, raw unparseable text, or nothing.
type Payload interface{ payload() }

// Parsed is a JSON object payload.
type Parsed map[string]any

// Raw is a payload that could not be parsed, or plain captured text.
type Raw string

// Empty is the absence of a payload.
type Empty struct{}

func (Parsed) payload() {}
func (Raw) payload()    {}
func (Empty) payload()  {}

// Trigger is a single conversational watch. Implementations keep private
// match state (last matched text, parsed payload, call IDs) readable through
// their own accessors and through [Payload] when they publish one.
type Trigger interface {
	// Name identifies the trigger for one-shot bookkeeping and logs.
	Name() string

	// Action is the action delivered to the manager when Check fires.
	Action() Action

	// Enabled reports whether the manager should consult this trigger.
	Enabled() bool

	// Once reports whether the trigger may fire at most once per
	// (name, action) pair until the manager is reset.
	Once() bool

	// Check inspects tc and reports whether the trigger fires.
	Check(tc Context) bool
}

// payloadCarrier is implemented by triggers that publish a payload.
type payloadCarrier interface {
	Payload() Payload
}
