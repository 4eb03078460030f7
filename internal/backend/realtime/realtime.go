// Package realtime implements the voice backend on OpenAI's Realtime API.
//
// It holds a bidirectional WebSocket session and exchanges JSON events per
// the Realtime protocol. Audio crosses the wire as base64 g711_ulaw in both
// directions, so no resampling happens on this side: the telephony frames
// from the bridge are forwarded as-is and the model's output frames pass
// straight back.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/garbo-ai/garbo/internal/backend"
)

var _ backend.Backend = (*Backend)(nil)

const (
	defaultModel   = "gpt-realtime"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// Option configures a [Backend].
type Option func(*Backend)

// WithModel sets the realtime model.
func WithModel(model string) Option {
	return func(b *Backend) {
		if model != "" {
			b.model = model
		}
	}
}

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(b *Backend) {
		if url != "" {
			b.baseURL = url
		}
	}
}

// WithTools declares the tools offered to the model in session.update.
func WithTools(tools []backend.Tool) Option {
	return func(b *Backend) { b.tools = tools }
}

// Backend is the realtime WebSocket voice backend.
type Backend struct {
	apiKey       string
	model        string
	baseURL      string
	voice        string
	instructions string
	tools        []backend.Tool
	log          *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cb        backend.Callbacks
	ctx       context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
}

// New constructs a realtime backend speaking with the given voice and
// system instructions.
func New(apiKey, voice, instructions string, opts ...Option) *Backend {
	b := &Backend{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		voice:        voice,
		instructions: instructions,
		log:          slog.Default().With("component", "realtime"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
	Tools                   []wireTool     `json:"tools,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type createResponseMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.done
	Response *responseDone `json:"response,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseDone struct {
	Usage *responseUsage `json:"usage,omitempty"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ── Backend methods ───────────────────────────────────────────────────────────

// Connect dials the realtime endpoint, configures the session, and blocks
// until the server acknowledges it or ctx expires.
func (b *Backend) Connect(ctx context.Context, cb backend.Callbacks) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return fmt.Errorf("realtime: already connected")
	}
	b.mu.Unlock()

	wsURL := fmt.Sprintf("%s?model=%s", b.baseURL, b.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + b.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	// Audio deltas can exceed the 32 KiB default.
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.cb = cb
	b.ctx = sessCtx
	b.cancel = sessCancel
	b.ready = make(chan struct{})
	b.readyOnce = sync.Once{}
	b.mu.Unlock()

	if err := b.sendSessionUpdate(); err != nil {
		b.teardown()
		return fmt.Errorf("realtime: session update: %w", err)
	}

	go b.receiveLoop(conn, sessCtx, cb)

	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		b.teardown()
		return fmt.Errorf("realtime: waiting for session: %w", ctx.Err())
	}
}

func (b *Backend) sendSessionUpdate() error {
	params := sessionParams{
		Modalities:              []string{"text", "audio"},
		Voice:                   b.voice,
		Instructions:            b.instructions,
		InputAudioFormat:        "g711_ulaw",
		OutputAudioFormat:       "g711_ulaw",
		InputAudioTranscription: &transcription{Model: "whisper-1"},
		TurnDetection:           &turnDetection{Type: "server_vad"},
	}
	for _, t := range b.tools {
		params.Tools = append(params.Tools, wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return b.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

func (b *Backend) writeJSON(v any) error {
	b.mu.Lock()
	conn, ctx := b.conn, b.ctx
	b.mu.Unlock()
	if conn == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads server events until the connection drops. It owns the
// OnClose callback: exactly one fires per session.
func (b *Backend) receiveLoop(conn *websocket.Conn, ctx context.Context, cb backend.Callbacks) {
	defer cb.Close()
	defer b.teardown()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				cb.Error(fmt.Errorf("realtime: read: %w", err))
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			b.log.Warn("unparseable server event", "error", err)
			continue
		}
		b.handleEvent(&evt, cb)
	}
}

func (b *Backend) handleEvent(evt *serverEvent, cb backend.Callbacks) {
	switch evt.Type {
	case "session.created", "session.updated":
		b.readyOnce.Do(func() {
			close(b.ready)
			cb.Ready()
		})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		ulaw, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(ulaw) == 0 {
			return
		}
		cb.Audio(ulaw)

	case "response.audio_transcript.delta":
		if evt.Delta != "" {
			cb.Text(evt.Delta)
		}

	case "response.audio_transcript.done":
		if evt.Transcript != "" {
			cb.Transcript(evt.Transcript)
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			cb.InputTranscript(evt.Transcript)
		}

	case "input_audio_buffer.speech_started":
		cb.SpeechStarted()

	case "input_audio_buffer.speech_stopped":
		cb.SpeechStopped()

	case "response.done":
		var usage backend.Usage
		if evt.Response != nil && evt.Response.Usage != nil {
			usage = backend.Usage{
				InputTokens:  evt.Response.Usage.InputTokens,
				OutputTokens: evt.Response.Usage.OutputTokens,
				TotalTokens:  evt.Response.Usage.TotalTokens,
			}
		}
		cb.ResponseDone(usage)

	case "response.function_call_arguments.done":
		cb.ToolCall(evt.Name, evt.Arguments, evt.CallID)

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		cb.Error(fmt.Errorf("realtime: server: %s", msg))
	}
}

// SendAudio forwards caller μ-law frames as an input_audio_buffer.append
// event. No-op when disconnected.
func (b *Backend) SendAudio(ulaw []byte) error {
	if !b.Connected() {
		return nil
	}
	return b.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(ulaw),
	})
}

// SendText injects a caller text turn and requests a spoken response.
func (b *Backend) SendText(text string) error {
	if !b.Connected() {
		return nil
	}
	if err := b.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return b.writeJSON(createResponseMessage{
		Type:     "response.create",
		Response: &responseParams{Modalities: []string{"text", "audio"}},
	})
}

// SendToolResult posts a function_call_output item and requests the model's
// follow-up response.
func (b *Backend) SendToolResult(callID, output string) error {
	if !b.Connected() {
		return nil
	}
	if err := b.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return b.writeJSON(createResponseMessage{
		Type:     "response.create",
		Response: &responseParams{Modalities: []string{"text", "audio"}},
	})
}

// PromptResponse asks the model to speak per instructions without adding a
// conversation turn. Used for goodbye lines and silence prompts.
func (b *Backend) PromptResponse(instructions string) error {
	if !b.Connected() {
		return nil
	}
	return b.writeJSON(createResponseMessage{
		Type:     "response.create",
		Response: &responseParams{Instructions: instructions},
	})
}

// Connected reports whether the session is live.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Disconnect closes the WebSocket session. Idempotent.
func (b *Backend) Disconnect() error {
	b.teardown()
	return nil
}

func (b *Backend) teardown() {
	b.mu.Lock()
	conn := b.conn
	cancel := b.cancel
	b.conn = nil
	b.connected = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}
