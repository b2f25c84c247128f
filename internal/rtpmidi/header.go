// Package rtpmidi implements the AppleMIDI two-port session protocol:
// the RTP-MIDI packet codec (spec.md §4.2) and the session state machine
// (spec.md §4.3), grounded on the RTP bit layout in
// somesmallstudio-go-midi-rtp/rtp/rtp.go generalized to carry the
// recovery-journal section that reference implementation omits.
package rtpmidi

import (
	"encoding/binary"
	"fmt"
)

const (
	rtpVersion     = 2
	rtpPayloadType = 0x61
	headerLen      = 12

	version2Bit = 0x80
	markerBit   = 0x80
	ptMask      = 0x7f
)

// Header is the 12-byte RTP header prefixed to every RTP-MIDI packet.
// See spec.md §3 (RtpHeader).
type Header struct {
	SequenceNumber uint16 // monotonically increasing modulo 2^16
	Timestamp      uint32 // units of 1/sample_rate
	SSRC           uint32 // random at session start
}

// Marshal serializes the header. The marker bit is set whenever the MIDI
// command list is non-empty, per the native RTP-MIDI convention.
func (h Header) Marshal(hasCommands bool) []byte {
	buf := make([]byte, headerLen)
	buf[0] = version2Bit
	buf[1] = rtpPayloadType & ptMask
	if hasCommands {
		buf[1] |= markerBit
	}
	binary.BigEndian.PutUint16(buf[2:4], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)
	return buf
}

// ParseHeader reads the fixed 12-byte RTP header from the front of buf.
func ParseHeader(buf []byte) (h Header, hasCommands bool, err error) {
	if len(buf) < headerLen {
		return Header{}, false, fmt.Errorf("rtpmidi: buffer too small for header: %d bytes", len(buf))
	}
	version := (buf[0] & version2Bit) >> 6
	if version != rtpVersion {
		return Header{}, false, fmt.Errorf("rtpmidi: unsupported RTP version %d", version)
	}
	payloadType := buf[1] & ptMask
	if payloadType != rtpPayloadType {
		return Header{}, false, fmt.Errorf("rtpmidi: payload type mismatch: expected 0x%02X, got 0x%02X", rtpPayloadType, payloadType)
	}
	hasCommands = buf[1]&markerBit != 0
	h.SequenceNumber = binary.BigEndian.Uint16(buf[2:4])
	h.Timestamp = binary.BigEndian.Uint32(buf[4:8])
	h.SSRC = binary.BigEndian.Uint32(buf[8:12])
	return h, hasCommands, nil
}

// SeqLess implements the modulo-2^16 "half range" comparator from spec.md
// §4.1: a < b iff (b - a) mod 2^16 < 2^15.
func SeqLess(a, b uint16) bool {
	return uint16(b-a) < 0x8000 && a != b
}

// SeqDelta returns the forward distance from a to b modulo 2^16, i.e. how
// many sequence numbers after a one must advance to reach b.
func SeqDelta(a, b uint16) uint16 {
	return b - a
}
