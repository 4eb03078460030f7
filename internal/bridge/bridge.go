// Package bridge moves audio between the SIP user agent's local byte-stream
// socket and a voice backend.
//
// The socket carries raw full-duplex linear-16 little-endian 8 kHz mono
// audio with no framing: reads are inbound caller audio, writes are
// outbound agent audio. The bridge converts to and from μ-law at the frame
// boundary and paces outbound writes at a drift-free 20 ms cadence with a
// small write-ahead reserve, so scheduler jitter on this side can never
// starve the SIP reader.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/garbo-ai/garbo/internal/backend"
	"github.com/garbo-ai/garbo/internal/observe"
	"github.com/garbo-ai/garbo/pkg/g711"
)

// DefaultSocketPath is where the SIP user agent listens when AUSOCK_PATH is
// not set.
const DefaultSocketPath = "/tmp/ausock.sock"

const (
	// frameDuration is the canonical 20 ms frame interval.
	frameDuration = 20 * time.Millisecond

	// defaultWriteAhead is how far ahead of real time the write pacer may
	// run, filling the kernel socket with ~5 frames of reserve.
	defaultWriteAhead = 100 * time.Millisecond

	// connectAttempts and connectBackoff govern the initial dial to the SIP
	// side, which may still be creating the listening socket.
	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond

	// queueCapacity is the depth of the playout queue in backend blobs, not
	// frames. Realtime backends burst 4–16 KB per blob.
	queueCapacity = 256

	// stopGrace bounds how long Stop waits for the workers to exit.
	stopGrace = 2 * time.Second
)

// ErrStopped is returned by Enqueue after the bridge has been stopped.
var ErrStopped = errors.New("bridge: stopped")

// Sink receives caller audio as μ-law frame-aligned bytes. It is usually
// the backend's SendAudio method.
type Sink func(ulaw []byte) error

// Option is a functional option for configuring a Bridge.
type Option func(*Bridge)

// WithWriteAhead overrides the pacer's write-ahead window. Default 100 ms.
func WithWriteAhead(d time.Duration) Option {
	return func(b *Bridge) { b.writeAhead = d }
}

// WithMetrics wires OTel instruments into the bridge. Nil disables
// recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithDialer overrides how the socket is opened. Used by tests to point the
// bridge at an in-process listener.
func WithDialer(dial func(ctx context.Context, path string) (net.Conn, error)) Option {
	return func(b *Bridge) { b.dial = dial }
}

// Bridge owns the audio socket for the lifetime of one call. Create with
// [New], run with [Start], tear down with [Stop]. All exported methods are
// safe for concurrent use.
type Bridge struct {
	path       string
	sink       Sink
	writeAhead time.Duration
	metrics    *observe.Metrics
	dial       func(ctx context.Context, path string) (net.Conn, error)

	conn net.Conn
	eg   *errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   chan []byte
	stopped bool

	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	queuedFr  atomic.Int64
	stopOnce  sync.Once
	stopErr   error
	startOnce sync.Once
}

// New creates a Bridge for the socket at path. Caller audio is converted to
// μ-law and delivered to sink one frame at a time. An empty path selects
// [DefaultSocketPath].
func New(path string, sink Sink, opts ...Option) *Bridge {
	if path == "" {
		path = DefaultSocketPath
	}
	b := &Bridge{
		path:       path,
		sink:       sink,
		writeAhead: defaultWriteAhead,
		queue:      make(chan []byte, queueCapacity),
		dial: func(ctx context.Context, path string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start connects to the socket, retrying while the SIP side finishes
// setting it up, then launches the read and write workers. It returns once
// both workers are running.
func (b *Bridge) Start(ctx context.Context) error {
	var startErr error
	b.startOnce.Do(func() {
		conn, err := b.connect(ctx)
		if err != nil {
			startErr = err
			return
		}
		b.conn = conn

		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.eg, _ = errgroup.WithContext(b.ctx)
		b.eg.Go(b.readLoop)
		b.eg.Go(b.writeLoop)

		slog.Info("audio bridge started", "socket", b.path, "write_ahead", b.writeAhead)
	})
	return startErr
}

func (b *Bridge) connect(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err := b.dial(ctx, b.path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Debug("audio socket not ready", "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return nil, fmt.Errorf("bridge: connect %s after %d attempts: %w", b.path, connectAttempts, lastErr)
}

// readLoop reads exactly one linear-16 frame per iteration and hands the
// μ-law conversion to the sink. Any short read means the SIP side dropped
// the stream, which ends the worker.
func (b *Bridge) readLoop() error {
	buf := make([]byte, backend.FramePCMBytes)
	for {
		if _, err := io.ReadFull(b.conn, buf); err != nil {
			if b.ctx.Err() != nil {
				return nil
			}
			slog.Debug("bridge read loop ended", "err", err)
			return nil
		}

		b.bytesIn.Add(int64(len(buf)))
		if b.metrics != nil {
			b.metrics.BridgeBytesIn.Add(b.ctx, int64(len(buf)))
		}

		if err := b.sink(g711.Encode(buf)); err != nil {
			if b.ctx.Err() != nil {
				return nil
			}
			slog.Warn("bridge sink error", "err", err)
			return nil
		}
	}
}

// writeLoop drains the playout queue, splitting each blob into 160-byte
// μ-law chunks written to the socket as 320-byte linear-16 frames at a
// monotonic 20 ms cadence.
func (b *Bridge) writeLoop() error {
	var nextFrameAt time.Time

	for {
		var blob []byte
		var ok bool
		select {
		case <-b.ctx.Done():
			return nil
		case blob, ok = <-b.queue:
			if !ok {
				return nil
			}
		}

		for off := 0; off < len(blob); off += backend.FrameULawBytes {
			end := off + backend.FrameULawBytes
			chunk := blob[off:min(end, len(blob))]
			if len(chunk) < backend.FrameULawBytes {
				// Backends deliver frame-aligned audio; pad a stray tail
				// with μ-law silence rather than write a partial frame.
				padded := make([]byte, backend.FrameULawBytes)
				copy(padded, chunk)
				for i := len(chunk); i < len(padded); i++ {
					padded[i] = 0xFF
				}
				chunk = padded
			}

			now := time.Now()
			if nextFrameAt.IsZero() {
				nextFrameAt = now
			}
			if ahead := nextFrameAt.Sub(now); ahead > b.writeAhead {
				timer := time.NewTimer(ahead - b.writeAhead)
				select {
				case <-b.ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}

			pcm := g711.Decode(chunk)
			if _, err := b.conn.Write(pcm); err != nil {
				if b.ctx.Err() != nil {
					return nil
				}
				slog.Debug("bridge write loop ended", "err", err)
				return nil
			}
			b.noteFrameWritten(len(pcm))

			// Advance by exactly one frame per written chunk. Advancing by
			// two would halve the effective rate and the SIP reader, polling
			// every 20 ms, would hear silence on alternate reads.
			nextFrameAt = nextFrameAt.Add(frameDuration)
			if now := time.Now(); nextFrameAt.Before(now) {
				nextFrameAt = now.Add(frameDuration)
			}
		}
	}
}

func (b *Bridge) noteFrameWritten(pcmBytes int) {
	b.bytesOut.Add(int64(pcmBytes))
	b.queuedFr.Add(-1)
	if b.metrics != nil {
		b.metrics.BridgeBytesOut.Add(b.ctx, int64(pcmBytes))
		b.metrics.BridgeQueueDepth.Add(b.ctx, -1)
	}
}

// Enqueue appends a μ-law blob to the playout queue. The blob may be any
// length; it is framed by the write worker. Returns [ErrStopped] after
// Stop.
func (b *Bridge) Enqueue(ulaw []byte) error {
	if len(ulaw) == 0 {
		return nil
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	frames := int64((len(ulaw) + backend.FrameULawBytes - 1) / backend.FrameULawBytes)
	select {
	case b.queue <- ulaw:
		b.queuedFr.Add(frames)
		if b.metrics != nil {
			b.metrics.BridgeQueueDepth.Add(context.Background(), frames)
		}
	default:
		// The queue only fills if the write worker died; dropping keeps
		// Enqueue from wedging callers during teardown.
		slog.Warn("bridge playout queue full, dropping blob", "bytes", len(ulaw))
	}
	b.mu.Unlock()
	return nil
}

// BytesIn reports cumulative linear-16 bytes read from the socket.
func (b *Bridge) BytesIn() int64 { return b.bytesIn.Load() }

// BytesOut reports cumulative linear-16 bytes written to the socket.
func (b *Bridge) BytesOut() int64 { return b.bytesOut.Load() }

// QueuedFrames reports how many 20 ms frames are waiting for playout.
// Multiply by the frame duration to estimate drain time.
func (b *Bridge) QueuedFrames() int { return int(b.queuedFr.Load()) }

// Stop closes the queue and socket, unblocking both workers, and waits up
// to a bounded grace for them to exit. Safe to call multiple times.
func (b *Bridge) Stop() error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		close(b.queue)
		b.mu.Unlock()

		if b.cancel != nil {
			b.cancel()
		}
		if b.conn != nil {
			_ = b.conn.Close()
		}

		if b.eg != nil {
			done := make(chan error, 1)
			go func() { done <- b.eg.Wait() }()
			select {
			case err := <-done:
				b.stopErr = err
			case <-time.After(stopGrace):
				b.stopErr = errors.New("bridge: workers did not exit within grace period")
			}
		}

		slog.Info("audio bridge stopped",
			"bytes_in", b.bytesIn.Load(),
			"bytes_out", b.bytesOut.Load(),
		)
	})
	return b.stopErr
}
