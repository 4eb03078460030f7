package session

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Transcript appends a human-readable record of the call to a file. Every
// entry is flushed immediately so a crash mid-call loses nothing.
type Transcript struct {
	mu    sync.Mutex
	f     *os.File
	w     *bufio.Writer
	start time.Time
	open  bool
}

// NewTranscript creates the transcript file and writes the header.
func NewTranscript(path, number string) (*Transcript, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: open transcript %s: %w", path, err)
	}

	t := &Transcript{
		f:     f,
		w:     bufio.NewWriter(f),
		start: time.Now(),
		open:  true,
	}
	fmt.Fprintf(t.w, "Call Transcript — %s\n", t.start.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(t.w, "Number: %s\n", number)
	fmt.Fprintln(t.w, strings.Repeat("─", 40))
	if err := t.w.Flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("session: write transcript header: %w", err)
	}
	return t, nil
}

// Add records one utterance under the given speaker label, stamped with the
// offset from call start.
func (t *Transcript) Add(speaker, text string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return
	}

	elapsed := time.Since(t.start)
	fmt.Fprintf(t.w, "[%02d:%04.1f] %s: %s\n",
		int(elapsed.Minutes()), elapsed.Seconds()-60*float64(int(elapsed.Minutes())), speaker, text)
	t.w.Flush()
}

// Close writes the footer and closes the file. Safe to call multiple times.
func (t *Transcript) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil
	}
	t.open = false

	fmt.Fprintf(t.w, "Call ended (duration: %ds)\n", int(time.Since(t.start).Seconds()))
	t.w.Flush()
	return t.f.Close()
}
