// Package g711 implements G.711 μ-law companding for 8 kHz telephony audio.
//
// Encoding follows the standard segmented approximation: the 16-bit linear
// sample is clipped, biased, and packed into a sign bit, a 3-bit segment
// number taken from a 256-entry lookup on the upper bits, and a 4-bit
// mantissa. Decoding uses a 256-entry table precomputed at init time.
//
// The silence sample 0 maps to the μ-law byte 0xFF and back.
package g711

import "encoding/binary"

const (
	// bias is added before segment search, per G.711.
	bias = 0x84 // 132

	// clip is the largest magnitude representable after biasing.
	clip = 32635
)

// segmentTable maps the upper bits of a biased sample magnitude
// ((magnitude >> 7) & 0xFF) to its μ-law segment number.
var segmentTable = [256]byte{}

// decodeTable maps every μ-law byte to its linear 16-bit sample.
var decodeTable = [256]int16{}

func init() {
	// Segment n covers biased magnitudes in [2^(n+7), 2^(n+8)).
	seg := byte(0)
	for i := range segmentTable {
		for seg < 7 && i >= 1<<(seg+1) {
			seg++
		}
		segmentTable[i] = seg
	}

	for b := range decodeTable {
		u := ^byte(b)
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		magnitude := (int16(mantissa)<<3+bias)<<exponent - bias
		if u&0x80 != 0 {
			magnitude = -magnitude
		}
		decodeTable[b] = magnitude
	}
}

// EncodeSample compands one signed 16-bit linear sample to a μ-law byte.
func EncodeSample(sample int16) byte {
	var sign byte
	magnitude := int32(sample)
	if magnitude < 0 {
		magnitude = -magnitude
		sign = 0x80
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	segment := segmentTable[(magnitude>>7)&0xFF]
	mantissa := byte(magnitude>>(segment+3)) & 0x0F
	return ^(sign | segment<<4 | mantissa)
}

// DecodeSample expands one μ-law byte to a signed 16-bit linear sample.
func DecodeSample(b byte) int16 {
	return decodeTable[b]
}

// Encode compands little-endian 16-bit linear PCM to μ-law. Each sample pair
// of input bytes produces one output byte. A trailing odd byte is ignored.
func Encode(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = EncodeSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Decode expands μ-law bytes to little-endian 16-bit linear PCM, doubling
// the byte count.
func Decode(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(decodeTable[b]))
	}
	return out
}
