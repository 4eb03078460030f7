// Package backend defines the voice backend contract shared by the realtime
// and local pipeline implementations.
//
// A Backend is the speech-capable model side of a phone call: it consumes
// caller audio in 8 kHz μ-law, produces agent audio in the same format, and
// surfaces conversation events through a [Callbacks] set. The two concrete
// implementations (internal/backend/realtime, internal/backend/local) are
// parallel peers of this interface, not refinements of one another.
package backend

import "context"

// Telephony audio constants. Every internal boundary is a multiple of one
// 20 ms frame.
const (
	// Codec is the telephony codec name negotiated on the SIP leg.
	Codec = "PCMU"

	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000

	// MIMEType is the telephony audio MIME type.
	MIMEType = "audio/PCMU"

	// FrameSamples is the number of samples in one 20 ms frame.
	FrameSamples = 160

	// FramePCMBytes is one frame as little-endian linear-16 (2 bytes/sample).
	FramePCMBytes = 320

	// FrameULawBytes is one frame as μ-law (1 byte/sample).
	FrameULawBytes = 160
)

// Usage carries token accounting reported by a backend when an utterance
// completes. Zero values mean the backend did not report usage.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Tool describes a function the model may invoke during the call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Callbacks is the canonical event set every backend emits. Any field may be
// nil; the invocation helpers below skip unset callbacks. Implementations
// invoke callbacks from their own goroutines, so handlers must be safe to
// call concurrently with backend methods.
type Callbacks struct {
	// OnReady fires once the session is configured and ready to stream.
	OnReady func()

	// OnAudio delivers agent speech as frame-aligned μ-law bytes
	// (a multiple of [FrameULawBytes]).
	OnAudio func(ulaw []byte)

	// OnText delivers incremental transcript deltas of the utterance in
	// progress. Optional; not every backend streams deltas.
	OnText func(delta string)

	// OnTranscript delivers the full text of a completed agent utterance.
	OnTranscript func(text string)

	// OnInputTranscript delivers the full text of a completed caller
	// utterance.
	OnInputTranscript func(text string)

	// OnSpeechStarted fires when voice activity detection hears the caller.
	OnSpeechStarted func()

	// OnSpeechStopped fires when voice activity detection loses the caller.
	OnSpeechStopped func()

	// OnResponseDone fires when the backend finishes producing an utterance.
	OnResponseDone func(usage Usage)

	// OnToolCall fires when the model invokes a tool. args is the raw JSON
	// argument text as produced by the model.
	OnToolCall func(name, args, callID string)

	// OnError reports a non-fatal or fatal backend error.
	OnError func(err error)

	// OnClose fires when the backend disconnects, cleanly or not.
	OnClose func()
}

// Ready invokes OnReady if set.
func (c Callbacks) Ready() {
	if c.OnReady != nil {
		c.OnReady()
	}
}

// Audio invokes OnAudio if set.
func (c Callbacks) Audio(ulaw []byte) {
	if c.OnAudio != nil {
		c.OnAudio(ulaw)
	}
}

// Text invokes OnText if set.
func (c Callbacks) Text(delta string) {
	if c.OnText != nil {
		c.OnText(delta)
	}
}

// Transcript invokes OnTranscript if set.
func (c Callbacks) Transcript(text string) {
	if c.OnTranscript != nil {
		c.OnTranscript(text)
	}
}

// InputTranscript invokes OnInputTranscript if set.
func (c Callbacks) InputTranscript(text string) {
	if c.OnInputTranscript != nil {
		c.OnInputTranscript(text)
	}
}

// SpeechStarted invokes OnSpeechStarted if set.
func (c Callbacks) SpeechStarted() {
	if c.OnSpeechStarted != nil {
		c.OnSpeechStarted()
	}
}

// SpeechStopped invokes OnSpeechStopped if set.
func (c Callbacks) SpeechStopped() {
	if c.OnSpeechStopped != nil {
		c.OnSpeechStopped()
	}
}

// ResponseDone invokes OnResponseDone if set.
func (c Callbacks) ResponseDone(usage Usage) {
	if c.OnResponseDone != nil {
		c.OnResponseDone(usage)
	}
}

// ToolCall invokes OnToolCall if set.
func (c Callbacks) ToolCall(name, args, callID string) {
	if c.OnToolCall != nil {
		c.OnToolCall(name, args, callID)
	}
}

// Error invokes OnError if set.
func (c Callbacks) Error(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Close invokes OnClose if set.
func (c Callbacks) Close() {
	if c.OnClose != nil {
		c.OnClose()
	}
}

// Backend is the abstract voice agent contract. Implementations must deliver
// output audio frame-aligned (a multiple of [FrameULawBytes]) so the bridge
// never has to carry partial frames.
//
// All send methods are no-ops returning nil when the backend is not
// connected; transient delivery problems surface through Callbacks.OnError.
type Backend interface {
	// Connect establishes the session and registers cb. It blocks until the
	// backend is ready to accept audio or fails.
	Connect(ctx context.Context, cb Callbacks) error

	// SendAudio streams one or more μ-law frames of caller audio.
	SendAudio(ulaw []byte) error

	// SendText injects a caller text turn and requests a spoken response.
	SendText(text string) error

	// SendToolResult posts the output of a completed tool invocation and
	// requests a spoken response.
	SendToolResult(callID, output string) error

	// PromptResponse asks the backend to speak specific content without a
	// caller turn, e.g. a goodbye line.
	PromptResponse(instructions string) error

	// Connected reports whether the session is live.
	Connected() bool

	// Disconnect tears the session down. Safe to call multiple times.
	Disconnect() error
}
