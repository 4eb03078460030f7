package session_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/garbo-ai/garbo/internal/backend"
	"github.com/garbo-ai/garbo/internal/session"
)

// mockBackend records interactions and exposes the registered callbacks so
// tests can play the backend's side of the call.
type mockBackend struct {
	mu          sync.Mutex
	cb          backend.Callbacks
	connected   bool
	prompts     []string
	toolResults map[string]string
	cbReady     chan struct{}
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		toolResults: make(map[string]string),
		cbReady:     make(chan struct{}),
	}
}

func (m *mockBackend) Connect(ctx context.Context, cb backend.Callbacks) error {
	m.mu.Lock()
	m.cb = cb
	m.connected = true
	m.mu.Unlock()
	close(m.cbReady)
	return nil
}

func (m *mockBackend) callbacks(t *testing.T) backend.Callbacks {
	t.Helper()
	select {
	case <-m.cbReady:
	case <-time.After(3 * time.Second):
		t.Fatal("backend never connected")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cb
}

func (m *mockBackend) SendAudio([]byte) error { return nil }
func (m *mockBackend) SendText(string) error  { return nil }

func (m *mockBackend) SendToolResult(callID, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolResults[callID] = output
	return nil
}

func (m *mockBackend) PromptResponse(instructions string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, instructions)
	return nil
}

func (m *mockBackend) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockBackend) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *mockBackend) promptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *mockBackend) toolResult(callID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.toolResults[callID]
	return out, ok
}

// mockSIP records hangups.
type mockSIP struct {
	mu      sync.Mutex
	dialed  string
	hangups int
}

func (m *mockSIP) Dial(_ context.Context, number, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialed = number
	return nil
}

func (m *mockSIP) Hangup(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hangups++
	return nil
}

func (m *mockSIP) hangupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hangups
}

// mockDelegator answers every delegated request with a canned reply.
type mockDelegator struct{ reply string }

func (d *mockDelegator) Handle(_ context.Context, intent, request string) (string, error) {
	return d.reply, nil
}

// startAudioSocket runs a unix listener that drains everything the bridge
// writes and sends nothing back.
func startAudioSocket(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ausock.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 4096)
				for {
					if _, err := conn.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}()
	return path
}

type fixture struct {
	be   *mockBackend
	sip  *mockSIP
	sess *session.Session
	ran  chan error
	lock string
}

func startSession(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()

	f := &fixture{
		be:   newMockBackend(),
		sip:  &mockSIP{},
		ran:  make(chan error, 1),
		lock: filepath.Join(t.TempDir(), "call.pid"),
	}

	base := []session.Option{
		session.WithSIP(f.sip, "sip.example.net"),
		session.WithSocketPath(startAudioSocket(t)),
		session.WithLockPath(f.lock),
	}
	f.sess = session.New("15551234567", f.be, append(base, opts...)...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	go func() { f.ran <- f.sess.Run(ctx) }()
	t.Cleanup(f.sess.Hangup)

	return f
}

func (f *fixture) waitDone(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case err := <-f.ran:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(timeout):
		t.Fatal("session did not end")
	}
}

func TestFarewellEndsCall(t *testing.T) {
	t.Parallel()

	f := startSession(t)
	cb := f.be.callbacks(t)

	// The caller says goodbye; the backend answers and finishes its
	// response.
	cb.InputTranscript("okay, goodbye now")
	cb.ResponseDone(backend.Usage{})

	f.waitDone(t, 5*time.Second)

	if f.sip.hangupCount() != 1 {
		t.Errorf("sip hangups = %d; want 1", f.sip.hangupCount())
	}
	if _, err := os.Stat(f.lock); !os.IsNotExist(err) {
		t.Error("lock file survived hangup")
	}
}

func TestDelegateRoundTrip(t *testing.T) {
	t.Parallel()

	f := startSession(t, session.WithDelegator(&mockDelegator{reply: "Done, I sent the text."}))
	cb := f.be.callbacks(t)

	cb.ToolCall("classify_intent", `{"intent":"send_text","request":"text mom I'll be late"}`, "call-7")

	deadline := time.After(3 * time.Second)
	for {
		if out, ok := f.be.toolResult("call-7"); ok {
			if out != "Done, I sent the text." {
				t.Errorf("tool result = %q", out)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("tool result never delivered")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestDelegateWithoutCallIDSkipsResult(t *testing.T) {
	t.Parallel()

	f := startSession(t, session.WithDelegator(&mockDelegator{reply: "unused"}))
	cb := f.be.callbacks(t)

	cb.ToolCall("classify_intent", `{"intent":"send_text"}`, "")

	time.Sleep(300 * time.Millisecond)
	if out, ok := f.be.toolResult(""); ok {
		t.Errorf("tool result delivered without call_id: %q", out)
	}
}

func TestSilenceRunsTwoPhaseGoodbye(t *testing.T) {
	t.Parallel()

	f := startSession(t, session.WithSilenceTimeout(200*time.Millisecond))
	cb := f.be.callbacks(t)

	// A finished response starts the silence clock.
	cb.ResponseDone(backend.Usage{})

	// Phase 1: the "still there?" prompt.
	deadline := time.After(5 * time.Second)
	for f.be.promptCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("still-there prompt never sent")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// Phase 2: silence persists, goodbye prompt follows.
	for f.be.promptCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("goodbye prompt never sent")
		case <-time.After(20 * time.Millisecond):
		}
	}

	f.be.mu.Lock()
	first, second := f.be.prompts[0], f.be.prompts[1]
	f.be.mu.Unlock()
	if !strings.Contains(first, "still there") {
		t.Errorf("phase 1 prompt = %q", first)
	}
	if !strings.Contains(strings.ToLower(second), "goodbye") {
		t.Errorf("phase 2 prompt = %q", second)
	}

	// The goodbye line completes; the session drains and hangs up.
	cb.ResponseDone(backend.Usage{})
	f.waitDone(t, 5*time.Second)

	if f.sip.hangupCount() != 1 {
		t.Errorf("sip hangups = %d; want 1", f.sip.hangupCount())
	}
}

func TestStillThereResponseRestartsSilenceWindow(t *testing.T) {
	t.Parallel()

	f := startSession(t, session.WithSilenceTimeout(1500*time.Millisecond))
	cb := f.be.callbacks(t)

	cb.ResponseDone(backend.Usage{})

	// Phase 1 fires once the first silence window elapses.
	deadline := time.After(10 * time.Second)
	for f.be.promptCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("still-there prompt never sent")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// The prompt's response has not completed yet; the goodbye must not
	// follow on the next trigger sweep off the pre-prompt timestamp.
	time.Sleep(1100 * time.Millisecond)
	if n := f.be.promptCount(); n != 1 {
		t.Fatalf("prompts = %d before the still-there response completed; want 1", n)
	}

	// The caller stays quiet through a full second window after the
	// response; only then does the goodbye go out.
	cb.ResponseDone(backend.Usage{})
	for f.be.promptCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("goodbye prompt never sent")
		case <-time.After(20 * time.Millisecond):
		}
	}
	f.be.mu.Lock()
	second := f.be.prompts[1]
	f.be.mu.Unlock()
	if !strings.Contains(strings.ToLower(second), "goodbye") {
		t.Errorf("phase 2 prompt = %q", second)
	}

	cb.ResponseDone(backend.Usage{})
	f.waitDone(t, 5*time.Second)
}

func TestCallerSpeechCancelsGoodbye(t *testing.T) {
	t.Parallel()

	f := startSession(t)
	cb := f.be.callbacks(t)

	// Farewell marks the goodbye pending, but the caller speaks up before
	// the response completes.
	cb.InputTranscript("alright, goodbye")
	cb.SpeechStarted()
	cb.ResponseDone(backend.Usage{})

	select {
	case <-f.sess.Done():
		t.Fatal("call ended despite the caller speaking up")
	case <-time.After(time.Second):
	}
	if f.sip.hangupCount() != 0 {
		t.Errorf("sip hangups = %d; want 0", f.sip.hangupCount())
	}
}

func TestRunFailsOnLockContention(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "call.pid")
	held, err := session.AcquireLock(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	s := session.New("15551234567", newMockBackend(), session.WithLockPath(lockPath))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.Run(ctx); !errors.Is(err, session.ErrLocked) {
		t.Fatalf("Run = %v; want ErrLocked", err)
	}
}

func TestTranscriptWrittenDuringCall(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "call.txt")
	f := startSession(t, session.WithTranscript(path))
	cb := f.be.callbacks(t)

	cb.InputTranscript("hello there")
	cb.Transcript("Hello! This is Margaret speaking.")
	cb.InputTranscript("goodbye")
	cb.ResponseDone(backend.Usage{})

	f.waitDone(t, 5*time.Second)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "Caller: hello there") ||
		!strings.Contains(text, "Agent: Hello! This is Margaret speaking.") {
		t.Errorf("transcript incomplete:\n%s", text)
	}
	if !strings.Contains(text, "Call ended") {
		t.Error("transcript missing footer")
	}
}
