// Package local implements the voice backend as a sentence-paced pipeline
// of local subprocesses: a speech-to-text child reading raw caller audio, a
// chat-completions call for text generation, and a text-to-speech child
// producing agent audio. It presents the same callback surface as the
// realtime backend; the two are parallel implementations of one interface,
// not refinements of each other.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/garbo-ai/garbo/internal/backend"
	"github.com/garbo-ai/garbo/internal/llm"
	"github.com/garbo-ai/garbo/internal/observe"
	"github.com/garbo-ai/garbo/pkg/g711"
)

var _ backend.Backend = (*Backend)(nil)

const (
	// minSentence is the shortest buffer slice treated as a sentence.
	// Splitting below this misfires on "Mr." and "U.S.".
	minSentence = 20

	// sentinelWait bounds how long one sentence's synthesis may take.
	sentinelWait = 30 * time.Second

	// echoCooldown is how long after an utterance STT transcripts are
	// still treated as acoustic echo of the agent's own voice.
	echoCooldown = 1500 * time.Millisecond

	// greetingGateMin is the shortest word that releases the greeting gate.
	// Ring-tones and line noise yield filler hallucinations like "the",
	// "you" and "mm-hmm" before real speech starts; none carries a word
	// this long.
	greetingGateMin = 4

	// Interrupting speech must be substantial to count as barge-in rather
	// than echo: at least this many characters and whitespace-separated
	// words.
	bargeMinChars = 10
	bargeMinWords = 2

	stopGrace = 2 * time.Second
)

// utterance is one queued unit of work for the generation worker.
type utterance struct {
	text string
	// prompt utterances carry response instructions instead of a caller
	// turn, e.g. a goodbye line.
	prompt bool
}

// Option configures a [Backend].
type Option func(*Backend)

// WithMetrics attaches metric instruments. Defaults to [observe.Default].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Backend) { b.metrics = m }
}

// WithReadyTimeout overrides the subprocess startup timeout. Used by tests.
func WithReadyTimeout(d time.Duration) Option {
	return func(b *Backend) { b.readyTimeout = d }
}

// Backend drives the STT → LLM → TTS subprocess pipeline.
type Backend struct {
	sttArgv      []string
	ttsArgv      []string
	llm          *llm.Client
	instructions string
	metrics      *observe.Metrics
	readyTimeout time.Duration
	log          *slog.Logger

	cb     backend.Callbacks
	ctx    context.Context
	cancel context.CancelFunc

	stt    *subprocess
	tts    *subprocess
	reader *audioReader

	utterances chan utterance
	quit       chan struct{}
	workerDone chan struct{}
	quitOnce   sync.Once

	mu            sync.Mutex
	connected     bool
	history       []llm.Message
	speaking      bool
	cooldownUntil time.Time
	gateOpen      bool
	bargedIn      bool
	interrupt     string
}

// New constructs a local pipeline backend. sttArgv and ttsArgv launch the
// two subprocess servers; client generates the agent's responses under the
// given system instructions.
func New(sttArgv, ttsArgv []string, client *llm.Client, instructions string, opts ...Option) *Backend {
	b := &Backend{
		sttArgv:      sttArgv,
		ttsArgv:      ttsArgv,
		llm:          client,
		instructions: instructions,
		metrics:      observe.Default(),
		readyTimeout: readyTimeout,
		log:          slog.Default().With("component", "local"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Connect launches both subprocesses, waits for their ready status, and
// starts the reader and generation workers.
func (b *Backend) Connect(ctx context.Context, cb backend.Callbacks) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return fmt.Errorf("local: already connected")
	}
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	stt, err := startSubprocess(runCtx, "stt", b.sttArgv, b.log)
	if err != nil {
		cancel()
		return err
	}
	tts, err := startSubprocess(runCtx, "tts", b.ttsArgv, b.log)
	if err != nil {
		cancel()
		stt.stop(0)
		return err
	}

	if err := stt.waitReady(ctx, b.readyTimeout); err != nil {
		cancel()
		stt.stop(0)
		tts.stop(0)
		return err
	}
	if err := tts.waitReady(ctx, b.readyTimeout); err != nil {
		cancel()
		stt.stop(0)
		tts.stop(0)
		return err
	}

	b.mu.Lock()
	b.cb = cb
	b.ctx = runCtx
	b.cancel = cancel
	b.stt = stt
	b.tts = tts
	b.reader = newAudioReader(cb.Audio)
	b.utterances = make(chan utterance, 16)
	b.quit = make(chan struct{})
	b.workerDone = make(chan struct{})
	b.quitOnce = sync.Once{}
	b.connected = true
	b.history = nil
	b.speaking = false
	b.gateOpen = false
	b.bargedIn = false
	b.mu.Unlock()

	go b.reader.run(tts.stdout)
	go b.transcriptLoop()
	go b.utteranceWorker()

	cb.Ready()
	return nil
}

// SendAudio feeds caller audio to the STT child as raw linear-16. Delivery
// problems surface through the error callback; a dead pipe also shows up as
// the transcript loop ending.
func (b *Backend) SendAudio(ulaw []byte) error {
	b.mu.Lock()
	connected, stt := b.connected, b.stt
	b.mu.Unlock()
	if !connected {
		return nil
	}

	if _, err := stt.stdin.Write(g711.Decode(ulaw)); err != nil {
		b.cb.Error(fmt.Errorf("local: stt write: %w", err))
	}
	return nil
}

// SendText injects a caller text turn, bypassing the STT side entirely.
func (b *Backend) SendText(text string) error {
	b.enqueue(utterance{text: text})
	return nil
}

// SendToolResult is a no-op: the pipeline's chat endpoint does not surface
// tool calls, so there is never a call to answer.
func (b *Backend) SendToolResult(callID, output string) error {
	b.log.Debug("tool result ignored", "call_id", callID)
	return nil
}

// PromptResponse asks for a spoken response following instructions without
// adding a caller turn.
func (b *Backend) PromptResponse(instructions string) error {
	b.enqueue(utterance{text: instructions, prompt: true})
	return nil
}

func (b *Backend) enqueue(u utterance) {
	b.mu.Lock()
	connected, queue, quit := b.connected, b.utterances, b.quit
	b.mu.Unlock()
	if !connected {
		return
	}

	select {
	case queue <- u:
	case <-quit:
	default:
		b.log.Warn("utterance queue full, dropping", "prompt", u.prompt)
	}
}

// Connected reports whether the pipeline is live.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Disconnect stops accepting utterances, closes subprocess stdins, joins
// the workers with a grace period, and kills anything still alive.
// Idempotent.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	stt, tts := b.stt, b.tts
	cancel := b.cancel
	workerDone := b.workerDone
	cb := b.cb
	b.mu.Unlock()

	b.quitOnce.Do(func() { close(b.quit) })

	select {
	case <-workerDone:
	case <-time.After(stopGrace):
		b.log.Warn("utterance worker did not stop in time, cancelling")
	}

	cancel()
	stt.stop(stopGrace)
	tts.stop(stopGrace)
	cb.Close()
	return nil
}

// ── STT transcript handling ───────────────────────────────────────────────────

// sttEvent is one JSON line on the STT child's stdout.
type sttEvent struct {
	Type    string  `json:"type"`
	Text    string  `json:"text,omitempty"`
	Latency float64 `json:"latency,omitempty"`
}

// transcriptLoop consumes STT events until the pipe closes.
func (b *Backend) transcriptLoop() {
	dec := json.NewDecoder(b.stt.stdout)
	for {
		var evt sttEvent
		if err := dec.Decode(&evt); err != nil {
			if b.ctx.Err() == nil && b.Connected() {
				b.cb.Error(fmt.Errorf("local: stt stream: %w", err))
			}
			return
		}

		switch evt.Type {
		case "speech_started":
			b.cb.SpeechStarted()
		case "speech_stopped":
			b.cb.SpeechStopped()
		case "transcript":
			if evt.Latency > 0 {
				b.metrics.STTLatency.Record(b.ctx, evt.Latency)
			}
			b.handleTranscript(evt.Text)
		}
	}
}

// handleTranscript applies the greeting gate and echo suppression, then
// queues the transcript for generation.
func (b *Backend) handleTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	b.mu.Lock()
	if !b.gateOpen {
		if longestWord(text) < greetingGateMin {
			b.mu.Unlock()
			b.log.Debug("greeting gate dropped transcript", "text", text)
			return
		}
		b.gateOpen = true
	}

	speaking := b.speaking
	if speaking || time.Now().Before(b.cooldownUntil) {
		if !substantial(text) {
			b.mu.Unlock()
			b.log.Debug("echo suppressed", "text", text)
			return
		}
		if speaking {
			b.bargedIn = true
			b.interrupt = text
			b.mu.Unlock()
			b.metrics.BargeIns.Add(b.ctx, 1)
			b.log.Info("barge-in", "text", text)
			return
		}
		// Substantial speech during the cooldown with nothing generating is
		// a real turn, not an echo: fall through and answer it.
	}
	b.mu.Unlock()

	b.cb.InputTranscript(text)
	b.enqueue(utterance{text: text})
}

// longestWord returns the length of the longest unbroken letter run in
// text. Hyphenated fillers like "mm-hmm" count as their longest piece.
func longestWord(text string) int {
	best, run := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			run++
			if run > best {
				best = run
			}
		} else {
			run = 0
		}
	}
	return best
}

// substantial reports whether text is a clear human interruption rather
// than acoustic echo.
func substantial(text string) bool {
	return len(text) >= bargeMinChars && len(strings.Fields(text)) >= bargeMinWords
}

// ── Generation ────────────────────────────────────────────────────────────────

// utteranceWorker serializes generations. Two running at once would
// interleave audio and corrupt the conversation history.
func (b *Backend) utteranceWorker() {
	defer close(b.workerDone)
	for {
		select {
		case <-b.quit:
			return
		case u := <-b.utterances:
			b.streamAndSpeak(u)
		}
	}
}

// streamAndSpeak runs one transcript → LLM → TTS generation: stream tokens,
// cut sentences, synthesize one sentence at a time with an audio-delivered
// wait between them as the barge-in checkpoint.
func (b *Backend) streamAndSpeak(u utterance) {
	system := b.instructions
	b.mu.Lock()
	if u.prompt {
		system = b.instructions + "\n\n" + u.text
	} else {
		b.history = append(b.history, llm.Message{Role: "user", Content: u.text})
	}
	snapshot := append([]llm.Message(nil), b.history...)
	b.speaking = true
	b.bargedIn = false
	b.interrupt = ""
	b.mu.Unlock()

	streamCtx, cancelStream := context.WithCancel(b.ctx)
	defer cancelStream()

	start := time.Now()
	stream, err := b.llm.Stream(streamCtx, system, snapshot)
	if err != nil {
		b.finishSpeaking()
		b.cb.Error(err)
		// Still a completed (empty) response: a pending goodbye must not
		// hang on its safety timer, and the silence clock must restart.
		b.cb.ResponseDone(backend.Usage{})
		return
	}

	var (
		buf         strings.Builder
		spoken      strings.Builder
		pending     int // sentences synthesized but not yet delivered
		firstToken  = true
		interrupted bool
	)

generate:
	for chunk := range stream {
		if chunk.Err != nil {
			b.cb.Error(chunk.Err)
			break
		}
		if firstToken && chunk.Text != "" {
			b.metrics.LLMFirstToken.Record(b.ctx, time.Since(start).Seconds())
			firstToken = false
		}
		buf.WriteString(chunk.Text)

		for {
			sentence, rest, ok := cutSentence(buf.String())
			if !ok {
				break
			}
			buf.Reset()
			buf.WriteString(rest)

			// Wait for the previous sentence's audio before emitting the
			// next; this is the barge-in checkpoint.
			if pending > 0 {
				if !b.awaitDelivery() {
					interrupted = true
					break generate
				}
				pending--
			}
			if b.interrupted() {
				interrupted = true
				break generate
			}
			if !b.speak(sentence) {
				interrupted = true
				break generate
			}
			spoken.WriteString(sentence)
			spoken.WriteString(" ")
			pending++
		}
	}
	cancelStream()

	if !interrupted {
		if tail := strings.TrimSpace(buf.String()); tail != "" {
			if pending > 0 {
				if b.awaitDelivery() {
					pending--
				} else {
					interrupted = true
				}
			}
			if !interrupted && !b.interrupted() && b.speak(tail) {
				spoken.WriteString(tail)
				pending++
			} else {
				interrupted = true
			}
		}
	}

	// Drain outstanding sentinels either way so the next generation does
	// not consume a stale delivered event.
	for pending > 0 {
		if !b.awaitDelivery() {
			break
		}
		pending--
	}

	text := strings.TrimSpace(spoken.String())
	interrupted = interrupted || b.interrupted()

	b.mu.Lock()
	if text != "" {
		b.history = append(b.history, llm.Message{Role: "assistant", Content: text})
	}
	b.speaking = false
	b.cooldownUntil = time.Now().Add(echoCooldown)
	requeue := ""
	if interrupted {
		requeue = b.interrupt
		b.interrupt = ""
		b.bargedIn = false
	}
	b.mu.Unlock()

	if interrupted {
		// Suppress response_done; the interrupting transcript restarts the
		// cycle instead.
		if requeue != "" {
			b.cb.InputTranscript(requeue)
			b.enqueue(utterance{text: requeue})
		}
		return
	}

	if text != "" {
		b.cb.Transcript(text)
	}
	b.metrics.Utterances.Add(b.ctx, 1, metric.WithAttributes(attribute.String("backend", "local")))
	b.cb.ResponseDone(backend.Usage{})
}

func (b *Backend) finishSpeaking() {
	b.mu.Lock()
	b.speaking = false
	b.cooldownUntil = time.Now().Add(echoCooldown)
	b.mu.Unlock()
}

func (b *Backend) interrupted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bargedIn
}

// speak sends one sentence to the TTS child and surfaces it as a text
// delta. Returns false when the pipeline is shutting down.
func (b *Backend) speak(sentence string) bool {
	line, err := json.Marshal(map[string]string{"text": sentence})
	if err != nil {
		return false
	}
	if _, err := b.tts.stdin.Write(append(line, '\n')); err != nil {
		if b.ctx.Err() == nil {
			b.cb.Error(fmt.Errorf("local: tts write: %w", err))
		}
		return false
	}
	b.cb.Text(sentence)
	return true
}

// awaitDelivery blocks until the sentence in flight has been fully read
// from the TTS child. Returns false on timeout or shutdown.
func (b *Backend) awaitDelivery() bool {
	start := time.Now()
	select {
	case _, ok := <-b.reader.delivered:
		if ok {
			b.metrics.TTSSentenceDuration.Record(b.ctx, time.Since(start).Seconds())
		}
		return ok
	case <-time.After(sentinelWait):
		b.cb.Error(fmt.Errorf("local: no audio after %v", sentinelWait))
		return false
	case <-b.ctx.Done():
		return false
	}
}

// cutSentence splits the leading sentence off buf: a '.', '!', or '?'
// followed by whitespace, with the candidate at least minSentence long so
// abbreviations like "Mr." and "U.S." do not split.
func cutSentence(buf string) (sentence, rest string, ok bool) {
	for i := 0; i < len(buf)-1; i++ {
		switch buf[i] {
		case '.', '!', '?':
			if !isSpace(buf[i+1]) || i+1 < minSentence {
				continue
			}
			return strings.TrimSpace(buf[:i+1]), strings.TrimLeft(buf[i+1:], " \t\n\r"), true
		}
	}
	return "", buf, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
