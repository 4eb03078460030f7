package local

import (
	"bytes"
	"io"

	"github.com/garbo-ai/garbo/internal/backend"
	"github.com/garbo-ai/garbo/pkg/g711"
)

// sentinel marks an utterance boundary in the TTS output stream: the bytes
// of 0xDEADBEEF little-endian. The synthesis side pads every utterance to a
// 320-byte frame boundary before appending it, so frame alignment survives
// the split. Audio colliding with the pattern would be misframed; padded
// synthesis output makes that astronomically unlikely, and moving to a
// length-prefixed protocol would require both ends to change together.
var sentinel = []byte{0xEF, 0xBE, 0xAD, 0xDE}

// audioReader splits the raw TTS linear-16 stream into utterances. Audio is
// transcoded to μ-law and handed to emit; each consumed sentinel raises one
// delivered event. The first sentinel after startup is the warm-up flush:
// its audio is dropped and no event is raised.
type audioReader struct {
	emit      func(ulaw []byte)
	delivered chan struct{}

	acc      []byte
	warmedUp bool
}

func newAudioReader(emit func(ulaw []byte)) *audioReader {
	return &audioReader{
		emit:      emit,
		delivered: make(chan struct{}, 16),
	}
}

// run consumes r until EOF or error, then closes the delivered channel.
func (a *audioReader) run(r io.Reader) {
	defer close(a.delivered)

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			a.feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// feed appends data to the accumulator and drains everything that can be
// classified: complete utterances terminated by a sentinel, then whole
// frames of the utterance in progress. The last len(sentinel)-1 bytes are
// always retained in case they are the start of a sentinel split across
// reads.
func (a *audioReader) feed(data []byte) {
	a.acc = append(a.acc, data...)

	for {
		idx := bytes.Index(a.acc, sentinel)
		if idx < 0 {
			break
		}
		pre := a.acc[:idx]
		a.acc = a.acc[idx+len(sentinel):]

		if !a.warmedUp {
			// Warm-up flush: drop its audio, raise no event.
			a.warmedUp = true
			continue
		}
		a.flush(pre)
		select {
		case a.delivered <- struct{}{}:
		default:
		}
	}

	if !a.warmedUp {
		// Everything before the first sentinel is warm-up audio; keep only
		// a possible sentinel prefix.
		if keep := len(sentinel) - 1; len(a.acc) > keep {
			a.acc = a.acc[len(a.acc)-keep:]
		}
		return
	}

	// Frame out the utterance in progress without touching a possible
	// sentinel prefix at the tail.
	safe := len(a.acc) - (len(sentinel) - 1)
	aligned := safe - safe%backend.FramePCMBytes
	if aligned <= 0 {
		return
	}
	a.flush(a.acc[:aligned])
	a.acc = append([]byte(nil), a.acc[aligned:]...)
}

// flush transcodes whole frames to μ-law and emits them.
func (a *audioReader) flush(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	a.emit(g711.Encode(pcm))
}
