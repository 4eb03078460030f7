// Package netstring encodes and decodes netstrings: length-prefixed byte
// containers of the form "<decimal-length>:<payload>,".
package netstring

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// MaxLength bounds the payload size accepted by a Reader. Control-channel
// messages are small; anything larger indicates a corrupt stream.
const MaxLength = 1 << 20

// ErrTooLong is returned when a decoded length exceeds MaxLength.
var ErrTooLong = errors.New("netstring: length exceeds maximum")

// Encode wraps payload as a netstring.
func Encode(payload []byte) []byte {
	prefix := strconv.Itoa(len(payload))
	out := make([]byte, 0, len(prefix)+len(payload)+2)
	out = append(out, prefix...)
	out = append(out, ':')
	out = append(out, payload...)
	out = append(out, ',')
	return out
}

// Reader decodes consecutive netstrings from an underlying stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a Reader decoding from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next reads and returns the payload of the next netstring. It returns
// io.EOF when the stream ends cleanly before a length digit.
func (r *Reader) Next() ([]byte, error) {
	length, err := r.readLength()
	if err != nil {
		return nil, err
	}
	if length > MaxLength {
		return nil, fmt.Errorf("%w: %d", ErrTooLong, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, fmt.Errorf("netstring: read payload: %w", err)
	}

	trailer, err := r.br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("netstring: read trailer: %w", err)
	}
	if trailer != ',' {
		return nil, fmt.Errorf("netstring: bad trailer %q", trailer)
	}
	return payload, nil
}

func (r *Reader) readLength() (int, error) {
	var n int
	var digits int
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if err == io.EOF && digits == 0 {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("netstring: read length: %w", err)
		}
		if b == ':' {
			if digits == 0 {
				return 0, errors.New("netstring: empty length")
			}
			return n, nil
		}
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("netstring: bad length byte %q", b)
		}
		n = n*10 + int(b-'0')
		digits++
		if n > MaxLength {
			return 0, fmt.Errorf("%w: %d", ErrTooLong, n)
		}
	}
}
