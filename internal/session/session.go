// Package session orchestrates one phone call from dial to hangup: it owns
// the audio bridge, the voice backend, the trigger manager, the transcript,
// and the PID lock that keeps the host to a single concurrent call.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/garbo-ai/garbo/internal/assistant"
	"github.com/garbo-ai/garbo/internal/backend"
	"github.com/garbo-ai/garbo/internal/bridge"
	"github.com/garbo-ai/garbo/internal/observe"
	"github.com/garbo-ai/garbo/internal/trigger"
)

const (
	// DefaultSilenceTimeout is how long the caller may stay quiet before
	// the goodbye sequence starts. Longer than the trigger's own default:
	// phone pauses are normal.
	DefaultSilenceTimeout = 30 * time.Second

	// frameDuration mirrors the bridge playout cadence, used to estimate
	// queue drain time.
	frameDuration = 20 * time.Millisecond

	// Safety timers for the two goodbye phases.
	stillThereTimeout = 10 * time.Second
	goodbyeTimeout    = 8 * time.Second

	// goodbyeDrainPoll and goodbyeDrainTail shape the final playout wait:
	// poll the queue until it empties, then leave room for audio already
	// in the kernel buffer.
	goodbyeDrainPoll = 100 * time.Millisecond
	goodbyeDrainTail = 500 * time.Millisecond

	// checkInterval drives the periodic trigger sweep, statsInterval the
	// bridge throughput log line.
	checkInterval = time.Second
	statsInterval = 10 * time.Second

	// taskGrace bounds how long hangup waits for spawned tasks.
	taskGrace = time.Second
)

const (
	stillTherePrompt = "The caller has gone quiet. Briefly and naturally ask if they are still there."
	goodbyePrompt    = "The caller seems to be gone. Say a brief, warm goodbye and end the conversation."
)

// SIPControl is the slice of the control channel the session drives.
// *sipctl.Client satisfies it.
type SIPControl interface {
	Dial(ctx context.Context, number, server string) error
	Hangup(ctx context.Context) error
}

// Delegator answers delegated caller requests. *assistant.Client satisfies
// it.
type Delegator interface {
	Handle(ctx context.Context, intent, request string) (string, error)
}

// Option configures a [Session].
type Option func(*Session)

// WithSIP wires the SIP control channel and the server used in dial URIs.
func WithSIP(ctl SIPControl, server string) Option {
	return func(s *Session) { s.sip = ctl; s.sipServer = server }
}

// WithSocketPath sets the audio socket path. Default [bridge.DefaultSocketPath].
func WithSocketPath(path string) Option {
	return func(s *Session) { s.socketPath = path }
}

// WithLockPath sets the PID lock file path.
func WithLockPath(path string) Option {
	return func(s *Session) { s.lockPath = path }
}

// WithTranscript enables the transcript file at path.
func WithTranscript(path string) Option {
	return func(s *Session) { s.transcriptPath = path }
}

// WithDelegator wires the delegated-request handler.
func WithDelegator(d Delegator) Option {
	return func(s *Session) { s.assist = d }
}

// WithSilenceTimeout overrides the silence window. Default 30 s.
func WithSilenceTimeout(d time.Duration) Option {
	return func(s *Session) { s.silenceTimeout = d }
}

// WithMetrics attaches metric instruments. Defaults to [observe.Default].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithBridge replaces the audio bridge. Used by tests; when unset, Run
// builds one against the configured socket path.
func WithBridge(b *bridge.Bridge) Option {
	return func(s *Session) { s.bridge = b }
}

// Session is one call. Create with [New], run with [Run]; Run blocks until
// the call ends.
type Session struct {
	number         string
	backend        backend.Backend
	sip            SIPControl
	sipServer      string
	assist         Delegator
	socketPath     string
	lockPath       string
	transcriptPath string
	silenceTimeout time.Duration
	metrics        *observe.Metrics
	log            *slog.Logger

	bridge     *bridge.Bridge
	triggers   *trigger.Manager
	lock       *Lock
	transcript *Transcript

	mu                  sync.Mutex
	lastResponseAt      time.Time
	speaking            bool
	silenceCheckPending bool
	goodbyePending      bool
	stillThereTimer     *time.Timer
	goodbyeTimer        *time.Timer

	tasks      sync.WaitGroup
	done       chan struct{}
	finished   chan struct{}
	hangupOnce sync.Once
	hangupErr  error
}

// New creates a session that will call number on be.
func New(number string, be backend.Backend, opts ...Option) *Session {
	s := &Session{
		number:         number,
		backend:        be,
		lockPath:       "/tmp/garbo-call.pid",
		silenceTimeout: DefaultSilenceTimeout,
		metrics:        observe.Default(),
		log:            slog.Default().With("component", "session"),
		done:           make(chan struct{}),
		finished:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run drives the call: lock, connect, dial, then block until hangup. The
// lock is released on every return path.
func (s *Session) Run(ctx context.Context) error {
	lock, err := AcquireLock(s.lockPath)
	if err != nil {
		return err
	}
	s.lock = lock

	if s.transcriptPath != "" {
		t, err := NewTranscript(s.transcriptPath, s.number)
		if err != nil {
			lock.Release()
			return err
		}
		s.transcript = t
	}

	s.triggers = s.buildTriggers()

	if s.bridge == nil {
		s.bridge = bridge.New(s.socketPath, s.backend.SendAudio, bridge.WithMetrics(s.metrics))
	}

	if err := s.backend.Connect(ctx, s.callbacks()); err != nil {
		s.Hangup()
		return fmt.Errorf("session: backend connect: %w", err)
	}
	if err := s.bridge.Start(ctx); err != nil {
		s.Hangup()
		return fmt.Errorf("session: bridge start: %w", err)
	}

	if s.sip != nil {
		if err := s.sip.Dial(ctx, s.number, s.sipServer); err != nil {
			s.Hangup()
			return fmt.Errorf("session: dial: %w", err)
		}
	}

	s.metrics.ActiveCalls.Add(ctx, 1)
	defer s.metrics.ActiveCalls.Add(context.Background(), -1)
	s.log.Info("call started", "number", s.number)

	s.tasks.Add(1)
	go s.periodicChecks(ctx)

	select {
	case <-ctx.Done():
		s.Hangup()
		<-s.finished
	case <-s.finished:
	}
	return s.hangupErr
}

// Done is closed when the call has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.finished }

func (s *Session) buildTriggers() *trigger.Manager {
	m := trigger.NewManager(
		trigger.NewFarewell(trigger.ActionHangup, trigger.WithFarewellRole(trigger.RoleCaller)),
		trigger.NewSilence(trigger.ActionSilence, trigger.WithSilenceTimeout(s.silenceTimeout)),
		trigger.NewDelegate(trigger.ActionDelegate),
	)
	m.On(trigger.ActionHangup, func(tc trigger.Context, _ trigger.Payload) {
		s.log.Info("farewell heard", "transcript", tc.Transcript)
		s.beginGoodbye(false)
	})
	m.On(trigger.ActionSilence, func(trigger.Context, trigger.Payload) {
		s.onSilence()
	})
	m.On(trigger.ActionDelegate, func(tc trigger.Context, p trigger.Payload) {
		s.onDelegate(tc, p)
	})
	return m
}

// callbacks wires backend events into session state. Handlers run on the
// backend's goroutines and must not block.
func (s *Session) callbacks() backend.Callbacks {
	return backend.Callbacks{
		OnReady: func() {
			s.log.Info("backend ready")
		},
		OnAudio: func(ulaw []byte) {
			s.mu.Lock()
			s.speaking = true
			s.mu.Unlock()
			if err := s.bridge.Enqueue(ulaw); err != nil {
				s.log.Debug("enqueue after stop", "err", err)
			}
		},
		OnTranscript: func(text string) {
			s.transcript.Add("Agent", text)
		},
		OnInputTranscript: func(text string) {
			s.transcript.Add("Caller", text)
			s.triggers.Check(trigger.Context{
				Transcript: text,
				Role:       trigger.RoleCaller,
			})
		},
		OnSpeechStarted: func() {
			s.onCallerSpeech()
		},
		OnResponseDone: func(usage backend.Usage) {
			s.onResponseDone(usage)
		},
		OnToolCall: func(name, args, callID string) {
			s.metrics.ToolCalls.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("tool", name)))
			s.triggers.Check(trigger.Context{
				ToolName:      name,
				ToolArguments: args,
				ToolCallID:    callID,
			})
		},
		OnError: func(err error) {
			s.metrics.BackendErrors.Add(context.Background(), 1)
			s.log.Error("backend error", "err", err)
		},
		OnClose: func() {
			s.log.Info("backend closed")
			go s.Hangup()
		},
	}
}

// periodicChecks sweeps the time-based triggers and logs bridge throughput.
func (s *Session) periodicChecks(ctx context.Context) {
	defer s.tasks.Done()

	check := time.NewTicker(checkInterval)
	defer check.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-check.C:
			s.mu.Lock()
			tc := trigger.Context{
				LastResponseAt: s.lastResponseAt,
				IsSpeaking:     s.speaking,
			}
			s.mu.Unlock()
			s.triggers.Check(tc)
		case <-stats.C:
			s.log.Debug("bridge stats",
				"bytes_in", s.bridge.BytesIn(),
				"bytes_out", s.bridge.BytesOut(),
				"queued_frames", s.bridge.QueuedFrames(),
			)
		}
	}
}

// onResponseDone waits for the playout backlog to drain before stamping
// last_response_at, so the silence window starts when the caller actually
// hears the end of the utterance. If a goodbye is pending, this response
// was the goodbye line: drain and hang up.
func (s *Session) onResponseDone(usage backend.Usage) {
	if usage.TotalTokens > 0 {
		s.log.Debug("response done", "tokens", usage.TotalTokens)
	}

	s.tasks.Add(1)
	go func() {
		drain := time.Duration(s.bridge.QueuedFrames()) * frameDuration
		select {
		case <-time.After(drain):
		case <-s.done:
			s.tasks.Done()
			return
		}

		s.mu.Lock()
		s.lastResponseAt = time.Now()
		s.speaking = false
		goodbye := s.goodbyePending
		// The backend answered the still-there prompt; its safety timer has
		// done its job. The silence trigger now measures a fresh window from
		// this response before escalating to the goodbye.
		if s.silenceCheckPending && s.stillThereTimer != nil {
			s.stillThereTimer.Stop()
		}
		s.mu.Unlock()

		// Leave the waitgroup before a possible hangup: drainAndHangup
		// calls Hangup, which joins the remaining tasks.
		s.tasks.Done()
		if goodbye {
			s.drainAndHangup()
		}
	}()
}

// onCallerSpeech cancels any pending goodbye or silence check and re-arms
// the one-shot triggers.
func (s *Session) onCallerSpeech() {
	s.mu.Lock()
	cancelled := s.silenceCheckPending || s.goodbyePending
	s.silenceCheckPending = false
	s.goodbyePending = false
	if s.stillThereTimer != nil {
		s.stillThereTimer.Stop()
	}
	if s.goodbyeTimer != nil {
		s.goodbyeTimer.Stop()
	}
	s.mu.Unlock()

	if cancelled {
		s.log.Info("caller spoke, goodbye cancelled")
	}
	s.triggers.Reset()
}

// onSilence runs the two-phase goodbye: first a "still there?" prompt,
// then the goodbye itself if the silence repeats.
func (s *Session) onSilence() {
	s.mu.Lock()
	if s.goodbyePending {
		s.mu.Unlock()
		return
	}
	secondPhase := s.silenceCheckPending
	s.mu.Unlock()

	if secondPhase {
		s.beginGoodbye(true)
		return
	}

	s.mu.Lock()
	s.silenceCheckPending = true
	// Restamp so the re-armed trigger measures silence from the prompt, not
	// from the response before it. The prompt's own response_done restamps
	// again, starting the full second window.
	s.lastResponseAt = time.Now()
	if s.stillThereTimer != nil {
		s.stillThereTimer.Stop()
	}
	// Guards the backend never answering the prompt; cancelled when its
	// response completes.
	s.stillThereTimer = time.AfterFunc(stillThereTimeout, func() {
		s.mu.Lock()
		stillPending := s.silenceCheckPending
		s.mu.Unlock()
		if stillPending {
			s.beginGoodbye(true)
		}
	})
	s.mu.Unlock()

	s.log.Info("silence detected, checking on caller")
	if err := s.backend.PromptResponse(stillTherePrompt); err != nil {
		s.log.Error("still-there prompt failed", "err", err)
	}
	s.triggers.Reset()
}

// beginGoodbye marks the goodbye pending and, for silence-initiated ends,
// asks the backend for a closing line. Farewell-initiated ends rely on the
// backend's own reply to the goodbye it already heard. A safety timer
// guarantees hangup even if the backend never finishes the response.
func (s *Session) beginGoodbye(fromSilence bool) {
	s.mu.Lock()
	if s.goodbyePending {
		s.mu.Unlock()
		return
	}
	s.goodbyePending = true
	s.silenceCheckPending = false
	if s.goodbyeTimer != nil {
		s.goodbyeTimer.Stop()
	}
	s.goodbyeTimer = time.AfterFunc(goodbyeTimeout, func() {
		s.mu.Lock()
		stillPending := s.goodbyePending
		s.mu.Unlock()
		if stillPending {
			s.log.Warn("goodbye response never completed, hanging up")
			s.Hangup()
		}
	})
	s.mu.Unlock()

	s.log.Info("goodbye pending", "from_silence", fromSilence)
	if fromSilence {
		if err := s.backend.PromptResponse(goodbyePrompt); err != nil {
			s.log.Error("goodbye prompt failed", "err", err)
		}
	}
}

// drainAndHangup polls the playout queue until the goodbye audio has been
// written out, waits a tail margin for the kernel buffer, then hangs up.
func (s *Session) drainAndHangup() {
	for {
		s.mu.Lock()
		pending := s.goodbyePending
		s.mu.Unlock()
		if !pending {
			return // caller spoke up after all
		}
		if s.bridge.QueuedFrames() == 0 {
			break
		}
		time.Sleep(goodbyeDrainPoll)
	}
	time.Sleep(goodbyeDrainTail)
	s.Hangup()
}

// onDelegate hands a classified request to the assistant gateway on its
// own task and speaks the result back through the backend.
func (s *Session) onDelegate(tc trigger.Context, p trigger.Payload) {
	intent, request := delegatePayload(p)
	if tc.ToolCallID == "" {
		s.log.Warn("delegate without call_id, skipping result", "intent", intent)
		return
	}
	if s.assist == nil {
		s.log.Warn("no delegator configured", "intent", intent)
		return
	}

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reply, err := s.assist.Handle(ctx, intent, request)
		if err != nil {
			s.log.Error("delegated request failed", "err", err)
			reply = assistant.FallbackReply
		}
		if err := s.backend.SendToolResult(tc.ToolCallID, reply); err != nil {
			s.log.Error("tool result delivery failed", "err", err)
		}
	}()
}

// delegatePayload extracts the classification fields from a trigger
// payload of any shape.
func delegatePayload(p trigger.Payload) (intent, request string) {
	switch v := p.(type) {
	case trigger.Parsed:
		if s, ok := v["intent"].(string); ok {
			intent = s
		}
		if s, ok := v["request"].(string); ok {
			request = s
		}
	case trigger.Raw:
		request = string(v)
	}
	return intent, request
}

// Hangup tears the call down: bridge, backend, SIP leg, transcript, timers,
// tasks, lock. Idempotent; concurrent callers all observe the same result
// through Done.
func (s *Session) Hangup() {
	s.hangupOnce.Do(func() {
		s.log.Info("hanging up")

		s.mu.Lock()
		s.goodbyePending = false
		s.silenceCheckPending = false
		if s.stillThereTimer != nil {
			s.stillThereTimer.Stop()
		}
		if s.goodbyeTimer != nil {
			s.goodbyeTimer.Stop()
		}
		s.mu.Unlock()

		if s.bridge != nil {
			if err := s.bridge.Stop(); err != nil {
				s.log.Warn("bridge stop", "err", err)
			}
		}
		if err := s.backend.Disconnect(); err != nil {
			s.log.Warn("backend disconnect", "err", err)
		}
		if s.sip != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.sip.Hangup(ctx); err != nil {
				s.log.Warn("sip hangup", "err", err)
				s.hangupErr = err
			}
			cancel()
		}
		if err := s.transcript.Close(); err != nil {
			s.log.Warn("transcript close", "err", err)
		}

		// done must close before joining: periodic and drain tasks select
		// on it.
		close(s.done)

		joined := make(chan struct{})
		go func() { s.tasks.Wait(); close(joined) }()
		select {
		case <-joined:
		case <-time.After(taskGrace):
			s.log.Warn("tasks did not finish within grace period")
		}

		if s.lock != nil {
			if err := s.lock.Release(); err != nil {
				s.log.Warn("lock release", "err", err)
			}
		}
		s.log.Info("call ended")
		close(s.finished)
	})
}
