package trigger

import (
	"encoding/json"
	"sync"
)

// DefaultDelegateTool is the tool name matched when none is configured.
const DefaultDelegateTool = "classify_intent"

// Delegate fires when the backend surfaces a tool call with the configured
// name. Tool arguments are parsed into the published payload: JSON objects
// become [Parsed], unparseable text becomes [Raw], absent arguments become
// [Parsed] of zero length. Not one-shot; the model may delegate repeatedly.
type Delegate struct {
	name    string
	action  Action
	tool    string
	enabled bool

	mu      sync.Mutex
	payload Payload
	callID  string
}

// DelegateOption configures a [Delegate].
type DelegateOption func(*Delegate)

// WithDelegateTool overrides the matched tool name.
func WithDelegateTool(tool string) DelegateOption {
	return func(d *Delegate) { d.tool = tool }
}

// NewDelegate creates a delegation trigger firing action when the model
// invokes the configured tool.
func NewDelegate(action Action, opts ...DelegateOption) *Delegate {
	d := &Delegate{
		name:    "delegate",
		action:  action,
		tool:    DefaultDelegateTool,
		enabled: true,
		payload: Empty{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Delegate) Name() string   { return d.name }
func (d *Delegate) Action() Action { return d.action }
func (d *Delegate) Enabled() bool  { return d.enabled }
func (d *Delegate) Once() bool     { return false }

// Check matches the tool name and parses the arguments. Parse failures
// still fire the trigger with a [Raw] payload so the session can decide
// what to do with the text.
func (d *Delegate) Check(tc Context) bool {
	if tc.ToolName != d.tool {
		return false
	}

	var payload Payload
	switch {
	case tc.ToolArguments == "":
		payload = Parsed{}
	default:
		var m map[string]any
		if err := json.Unmarshal([]byte(tc.ToolArguments), &m); err != nil {
			payload = Raw(tc.ToolArguments)
		} else {
			payload = Parsed(m)
		}
	}

	d.mu.Lock()
	d.payload = payload
	d.callID = tc.ToolCallID
	d.mu.Unlock()
	return true
}

// Payload returns the arguments parsed by the most recent Check.
func (d *Delegate) Payload() Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.payload
}

// CallID returns the tool call ID captured by the most recent Check.
func (d *Delegate) CallID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callID
}
