package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// readyTimeout bounds subprocess startup. Model load dominates; whisper and
// the synthesis voice can take a minute or more on first run.
const readyTimeout = 120 * time.Second

// statusLine is one line-buffered JSON status message on a subprocess's
// standard error.
type statusLine struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Model   string `json:"model,omitempty"`
}

// subprocess wraps one pipeline child (STT or TTS). Standard error carries
// JSON status lines; standard in/out carry the audio or transcript stream.
type subprocess struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	ready  chan struct{}
	log    *slog.Logger
}

// startSubprocess launches argv and begins watching its stderr for the
// ready status. The child is killed when ctx is cancelled.
func startSubprocess(ctx context.Context, name string, argv []string, log *slog.Logger) (*subprocess, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("local: %s: empty command", name)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("local: %s stdin: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("local: %s stdout: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("local: %s stderr: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("local: start %s: %w", name, err)
	}

	p := &subprocess{
		name:   name,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		ready:  make(chan struct{}),
		log:    log.With("subprocess", name),
	}
	go p.watchStderr(stderr)
	return p, nil
}

// watchStderr consumes status lines until the pipe closes. Non-JSON lines
// are passed through to the log verbatim; the children print tracebacks
// there when they crash.
func (p *subprocess) watchStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	readySeen := false

	for scanner.Scan() {
		line := scanner.Bytes()
		var st statusLine
		if err := json.Unmarshal(line, &st); err != nil {
			p.log.Warn("stderr", "line", string(line))
			continue
		}
		p.log.Debug("status", "status", st.Status, "message", st.Message, "model", st.Model)
		if st.Status == "ready" && !readySeen {
			readySeen = true
			close(p.ready)
		}
	}
}

// waitReady blocks until the subprocess reports ready, the timeout elapses,
// or ctx is cancelled.
func (p *subprocess) waitReady(ctx context.Context, timeout time.Duration) error {
	select {
	case <-p.ready:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("local: %s not ready after %v", p.name, timeout)
	case <-ctx.Done():
		return fmt.Errorf("local: waiting for %s: %w", p.name, ctx.Err())
	}
}

// stop closes stdin so the child can exit cleanly, then waits with a grace
// period before killing it.
func (p *subprocess) stop(grace time.Duration) {
	p.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			p.log.Debug("subprocess exit", "error", err)
		}
	case <-time.After(grace):
		p.log.Warn("subprocess did not exit, killing")
		p.cmd.Process.Kill()
		<-done
	}
}
