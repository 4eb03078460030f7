package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/garbo-ai/garbo/internal/backend"
	"github.com/garbo-ai/garbo/internal/llm"
	"github.com/garbo-ai/garbo/internal/observe"
)

func TestCutSentence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		sentence string
		rest     string
		ok       bool
	}{
		{"That sounds wonderful. And then", "That sounds wonderful.", "And then", true},
		{"Is that really true? I think", "Is that really true?", "I think", true},
		{"What a lovely day it is! More", "What a lovely day it is!", "More", true},
		// Too short before the boundary: "Mr." style false positives.
		{"Mr. Smith went to town and stayed", "", "Mr. Smith went to town and stayed", false},
		{"No terminator here at all", "", "No terminator here at all", false},
		// Terminator at the very end is not followed by whitespace; the
		// caller flushes it as the tail.
		{"A full sentence that simply ends.", "", "A full sentence that simply ends.", false},
	}
	for _, tt := range tests {
		sentence, rest, ok := cutSentence(tt.in)
		if ok != tt.ok || sentence != tt.sentence || rest != tt.rest {
			t.Errorf("cutSentence(%q) = (%q, %q, %v); want (%q, %q, %v)",
				tt.in, sentence, rest, ok, tt.sentence, tt.rest, tt.ok)
		}
	}
}

func TestSubstantial(t *testing.T) {
	t.Parallel()

	if substantial("um") {
		t.Error("short filler counted as substantial")
	}
	if substantial("absolutely") {
		t.Error("single long word counted as substantial")
	}
	if !substantial("wait, tell me about the other option") {
		t.Error("clear interruption not counted as substantial")
	}
}

// testBackend builds a Backend wired enough to exercise transcript
// handling without subprocesses.
func testBackend(cb backend.Callbacks) *Backend {
	return &Backend{
		metrics:    observe.Default(),
		log:        slog.Default(),
		cb:         cb,
		ctx:        context.Background(),
		utterances: make(chan utterance, 16),
		quit:       make(chan struct{}),
		connected:  true,
	}
}

func TestGreetingGate(t *testing.T) {
	t.Parallel()

	var accepted []string
	b := testBackend(backend.Callbacks{
		OnInputTranscript: func(text string) { accepted = append(accepted, text) },
	})

	// Filler hallucinations from ring-tones and line noise, including
	// hyphenated ones whose raw length exceeds the gate threshold.
	for _, noise := range []string{"you", "the", "mm-hmm", "mm"} {
		b.handleTranscript(noise)
	}
	if len(accepted) != 0 {
		t.Fatalf("gate passed noise: %v", accepted)
	}

	b.handleTranscript("hello there")
	if len(accepted) != 1 || accepted[0] != "hello there" {
		t.Fatalf("accepted = %v; want [hello there]", accepted)
	}

	// Gate releases permanently: short transcripts now pass.
	b.handleTranscript("yes")
	if len(accepted) != 2 {
		t.Errorf("short transcript dropped after gate release: %v", accepted)
	}
}

func TestEchoSuppressionWhileSpeaking(t *testing.T) {
	t.Parallel()

	var accepted []string
	b := testBackend(backend.Callbacks{
		OnInputTranscript: func(text string) { accepted = append(accepted, text) },
	})
	b.gateOpen = true
	b.speaking = true

	// Echo of the agent's own short phrases is dropped.
	b.handleTranscript("goodbye")
	if len(accepted) != 0 || b.interrupted() {
		t.Fatalf("echo accepted: %v (bargedIn=%v)", accepted, b.interrupted())
	}

	// A substantial interruption sets the barge-in flag instead of queuing.
	b.handleTranscript("wait, tell me about the other option")
	if len(accepted) != 0 {
		t.Fatalf("interruption queued directly: %v", accepted)
	}
	if !b.interrupted() {
		t.Fatal("barge-in flag not set")
	}
	if b.interrupt != "wait, tell me about the other option" {
		t.Errorf("interrupt = %q", b.interrupt)
	}
}

func TestLongestWord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
	}{
		{"you", 3},
		{"mm-hmm", 3},
		{"hello there", 5},
		{"uh-huh okay", 4},
		{"", 0},
	}
	for _, tt := range tests {
		if got := longestWord(tt.in); got != tt.want {
			t.Errorf("longestWord(%q) = %d; want %d", tt.in, got, tt.want)
		}
	}
}

func TestEchoCooldownWindow(t *testing.T) {
	t.Parallel()

	var accepted []string
	b := testBackend(backend.Callbacks{
		OnInputTranscript: func(text string) { accepted = append(accepted, text) },
	})
	b.gateOpen = true
	b.cooldownUntil = time.Now().Add(time.Second)

	b.handleTranscript("okay bye")
	if len(accepted) != 0 {
		t.Fatalf("echo accepted during cooldown: %v", accepted)
	}

	b.cooldownUntil = time.Now().Add(-time.Millisecond)
	b.handleTranscript("okay bye")
	if len(accepted) != 1 {
		t.Fatalf("transcript dropped after cooldown expired: %v", accepted)
	}
}

func TestCooldownSubstantialTurnAnswered(t *testing.T) {
	t.Parallel()

	var accepted []string
	b := testBackend(backend.Callbacks{
		OnInputTranscript: func(text string) { accepted = append(accepted, text) },
	})
	b.gateOpen = true
	b.cooldownUntil = time.Now().Add(time.Second)

	// Nothing is generating, so a substantial transcript inside the echo
	// window is the caller's turn and must be answered, not parked.
	b.handleTranscript("wait, tell me about the other option")
	if len(accepted) != 1 || accepted[0] != "wait, tell me about the other option" {
		t.Fatalf("accepted = %v", accepted)
	}
	if b.interrupted() {
		t.Error("idle turn parked as barge-in")
	}
	select {
	case u := <-b.utterances:
		if u.text != "wait, tell me about the other option" || u.prompt {
			t.Errorf("queued utterance = %+v", u)
		}
	default:
		t.Fatal("turn not queued for generation")
	}
}

func TestTranscriptQueuedForGeneration(t *testing.T) {
	t.Parallel()

	b := testBackend(backend.Callbacks{})
	b.gateOpen = true

	b.handleTranscript("what time does the pharmacy close")

	select {
	case u := <-b.utterances:
		if u.text != "what time does the pharmacy close" || u.prompt {
			t.Errorf("queued utterance = %+v", u)
		}
	default:
		t.Fatal("transcript not queued")
	}
}

func TestSendMethodsNoopWhenDisconnected(t *testing.T) {
	t.Parallel()

	b := New([]string{"stt"}, []string{"tts"}, nil, "")
	if err := b.SendAudio(make([]byte, backend.FrameULawBytes)); err != nil {
		t.Errorf("SendAudio = %v; want nil", err)
	}
	if err := b.SendText("hello"); err != nil {
		t.Errorf("SendText = %v; want nil", err)
	}
	if err := b.PromptResponse("say goodbye"); err != nil {
		t.Errorf("PromptResponse = %v; want nil", err)
	}
	if err := b.Disconnect(); err != nil {
		t.Errorf("Disconnect before Connect = %v; want nil", err)
	}
	if b.Connected() {
		t.Error("Connected = true before Connect")
	}
}

func TestStreamFailureStillReportsResponseDone(t *testing.T) {
	t.Parallel()

	// A dead endpoint fails the stream before the first token.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client, err := llm.New("test-key", "qwen3",
		llm.WithBaseURL(srv.URL), llm.WithTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 1)
	done := make(chan backend.Usage, 1)
	b := testBackend(backend.Callbacks{
		OnError:        func(err error) { errs <- err },
		OnResponseDone: func(u backend.Usage) { done <- u },
	})
	b.llm = client

	b.streamAndSpeak(utterance{text: "hello there"})

	select {
	case <-errs:
	default:
		t.Fatal("stream failure not surfaced through the error callback")
	}
	select {
	case u := <-done:
		if u != (backend.Usage{}) {
			t.Errorf("usage = %+v; want zero", u)
		}
	default:
		t.Fatal("response_done not reported after stream failure")
	}

	b.mu.Lock()
	speaking := b.speaking
	b.mu.Unlock()
	if speaking {
		t.Error("speaking still set after failed generation")
	}
}

// seqChatStub streams a different canned reply per request, reusing the last
// one when requests outnumber replies.
func seqChatStub(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	var reqs atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(reqs.Add(1)) - 1
		if n >= len(replies) {
			n = len(replies) - 1
		}
		chunk := map[string]any{
			"id": "c1", "object": "chat.completion.chunk",
			"choices": []any{map[string]any{
				"index": 0,
				"delta": map[string]any{"content": replies[n]},
			}},
		}
		data, _ := json.Marshal(chunk)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", data)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBargeInHaltsGenerationAndRequeues(t *testing.T) {
	t.Parallel()

	srv := seqChatStub(t,
		"The first option is the blue plan. The second option costs a little more. "+
			"The third option is the family plan. The fourth option bundles everything together.",
		"The other option is the family plan, dear.",
	)
	client, err := llm.New("test-key", "qwen3", llm.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	inputs := make(chan string, 4)
	transcripts := make(chan string, 4)
	done := make(chan backend.Usage, 4)
	b := testBackend(backend.Callbacks{
		OnInputTranscript: func(text string) { inputs <- text },
		OnTranscript:      func(text string) { transcripts <- text },
		OnResponseDone:    func(u backend.Usage) { done <- u },
	})
	b.llm = client
	b.instructions = "You are Margaret."
	b.gateOpen = true

	// Fake TTS child: capture each synthesized sentence off its stdin; the
	// test plays the audio side by feeding delivered events.
	rd, wr := io.Pipe()
	b.tts = &subprocess{name: "tts", stdin: wr, log: slog.Default()}
	b.reader = newAudioReader(func([]byte) {})
	spoken := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(rd)
		for scanner.Scan() {
			var line struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(scanner.Bytes(), &line) == nil {
				spoken <- line.Text
			}
		}
	}()

	expectSentence := func(want string) {
		t.Helper()
		select {
		case got := <-spoken:
			if got != want {
				t.Fatalf("synthesized %q; want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for sentence %q", want)
		}
	}

	finished := make(chan struct{})
	go func() {
		b.streamAndSpeak(utterance{text: "tell me about my options"})
		close(finished)
	}()

	expectSentence("The first option is the blue plan.")
	b.reader.delivered <- struct{}{}
	expectSentence("The second option costs a little more.")

	// The caller interrupts while sentence 2 is playing out; once its audio
	// delivers, generation must halt instead of starting sentence 3.
	b.handleTranscript("wait, tell me about the other option")
	if !b.interrupted() {
		t.Fatal("interruption did not set the barge-in flag")
	}
	b.reader.delivered <- struct{}{}

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("generation did not halt after barge-in")
	}
	select {
	case s := <-spoken:
		t.Fatalf("sentence synthesized after barge-in: %q", s)
	default:
	}
	select {
	case u := <-done:
		t.Fatalf("response_done fired for the interrupted response: %+v", u)
	default:
	}

	// The interruption comes back as a fresh caller turn.
	select {
	case text := <-inputs:
		if text != "wait, tell me about the other option" {
			t.Fatalf("re-delivered transcript = %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("interrupting transcript not re-delivered")
	}
	var u utterance
	select {
	case u = <-b.utterances:
	case <-time.After(3 * time.Second):
		t.Fatal("interrupting transcript not re-queued")
	}
	if u.text != "wait, tell me about the other option" || u.prompt {
		t.Fatalf("re-queued utterance = %+v", u)
	}

	// Answering the re-queued turn produces a full fresh response.
	go b.streamAndSpeak(u)
	expectSentence("The other option is the family plan, dear.")
	b.reader.delivered <- struct{}{}

	select {
	case text := <-transcripts:
		if text != "The other option is the family plan, dear." {
			t.Errorf("fresh response transcript = %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for the fresh response transcript")
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for the fresh response_done")
	}
}
