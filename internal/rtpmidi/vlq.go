package rtpmidi

import "fmt"

// MaxDeltaTime is the largest value encodable in the 4-octet delta-time
// VLQ (28 usable bits). Values above this are rejected per spec.md §4.2.
const MaxDeltaTime = 0x0FFFFFFF

// encodeDeltaTime writes the big-endian variable-length quantity encoding
// of v: 7 bits per byte, high bit set on every byte but the last, at most
// 4 bytes.
func encodeDeltaTime(v uint32) ([]byte, error) {
	if v > MaxDeltaTime {
		return nil, fmt.Errorf("rtpmidi: delta time %d exceeds max %d", v, MaxDeltaTime)
	}
	// Collect 7-bit groups, most-significant first, dropping leading
	// zero groups (but always emitting at least one byte).
	var groups [4]byte
	n := 0
	for {
		groups[n] = byte(v & 0x7f)
		v >>= 7
		n++
		if v == 0 {
			break
		}
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b := groups[n-1-i]
		if i < n-1 {
			b |= 0x80
		}
		out[i] = b
	}
	return out, nil
}

// decodeDeltaTime reads a big-endian VLQ from the front of buf and returns
// the decoded value and the number of bytes consumed.
func decodeDeltaTime(buf []byte) (value uint32, consumed int, err error) {
	for i := 0; i < 4; i++ {
		if i >= len(buf) {
			return 0, 0, fmt.Errorf("rtpmidi: truncated delta time")
		}
		b := buf[i]
		value = (value << 7) | uint32(b&0x7f)
		consumed++
		if b&0x80 == 0 {
			return value, consumed, nil
		}
	}
	return 0, 0, fmt.Errorf("rtpmidi: delta time VLQ longer than 4 bytes")
}
