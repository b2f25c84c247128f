package rtpmidi

import (
	"encoding/binary"
	"fmt"
)

// Control-plane command words, sent on both the control and data ports as
// a 2-byte magic (0xFFFF) followed by a 4-byte ASCII command per spec.md
// §4.3, grounded on the sip.Decode dispatch in
// somesmallstudio-go-midi-rtp/session/session.go generalized to the full
// IN/OK/NO/BY/CK set.
const (
	controlMagic = 0xFFFF

	cmdInvitation = "IN"
	cmdAccept     = "OK"
	cmdReject     = "NO"
	cmdTeardown   = "BY"
	cmdClockSync  = "CK"

	protocolVersion = 2
)

// Invitation is the IN/OK/NO payload: protocol version, a session token,
// the sender's SSRC, and (for IN/OK) a human-readable session name.
type Invitation struct {
	Command string // cmdInvitation, cmdAccept, or cmdReject
	Token   uint32
	SSRC    uint32
	Name    string
}

// EncodeInvitation serializes an IN/OK/NO control message.
func EncodeInvitation(inv Invitation) []byte {
	out := make([]byte, 0, 16+len(inv.Name)+1)
	out = appendControlHeader(out, inv.Command)
	out = appendUint32(out, protocolVersion)
	out = appendUint32(out, inv.Token)
	out = appendUint32(out, inv.SSRC)
	if inv.Command != cmdReject {
		out = append(out, []byte(inv.Name)...)
		out = append(out, 0)
	}
	return out
}

// DecodeInvitation parses an IN/OK/NO control message body (buf must
// already have had the 2-byte magic and 4-byte command stripped by the
// caller via ParseControlCommand).
func DecodeInvitation(command string, body []byte) (Invitation, error) {
	if len(body) < 12 {
		return Invitation{}, fmt.Errorf("rtpmidi: invitation body too short: %d bytes", len(body))
	}
	version := binary.BigEndian.Uint32(body[0:4])
	if version != protocolVersion {
		return Invitation{}, fmt.Errorf("rtpmidi: unsupported protocol version %d", version)
	}
	inv := Invitation{
		Command: command,
		Token:   binary.BigEndian.Uint32(body[4:8]),
		SSRC:    binary.BigEndian.Uint32(body[8:12]),
	}
	if command != cmdReject && len(body) > 12 {
		inv.Name = cString(body[12:])
	}
	return inv, nil
}

// Teardown is the BY control message: ends a session immediately.
type Teardown struct {
	Token uint32
	SSRC  uint32
}

func EncodeTeardown(tb Teardown) []byte {
	out := make([]byte, 0, 16)
	out = appendControlHeader(out, cmdTeardown)
	out = appendUint32(out, protocolVersion)
	out = appendUint32(out, tb.Token)
	out = appendUint32(out, tb.SSRC)
	return out
}

func DecodeTeardown(body []byte) (Teardown, error) {
	if len(body) < 12 {
		return Teardown{}, fmt.Errorf("rtpmidi: teardown body too short: %d bytes", len(body))
	}
	return Teardown{
		Token: binary.BigEndian.Uint32(body[4:8]),
		SSRC:  binary.BigEndian.Uint32(body[8:12]),
	}, nil
}

// ClockSync is the CK0/CK1/CK2 message. Count distinguishes which leg of
// the three-message exchange this is; only the timestamps up to and
// including Count are meaningful on the wire, per spec.md §4.3.
type ClockSync struct {
	SSRC  uint32
	Count uint8 // 0, 1, or 2
	T1    uint64
	T2    uint64
	T3    uint64
}

func EncodeClockSync(cs ClockSync) []byte {
	out := make([]byte, 0, 36)
	out = appendControlHeader(out, cmdClockSync)
	out = appendUint32(out, cs.SSRC)
	out = append(out, cs.Count, 0, 0, 0)
	out = appendUint64(out, cs.T1)
	out = appendUint64(out, cs.T2)
	out = appendUint64(out, cs.T3)
	return out
}

func DecodeClockSync(body []byte) (ClockSync, error) {
	if len(body) < 8+24 {
		return ClockSync{}, fmt.Errorf("rtpmidi: clock sync body too short: %d bytes", len(body))
	}
	return ClockSync{
		SSRC:  binary.BigEndian.Uint32(body[0:4]),
		Count: body[4],
		T1:    binary.BigEndian.Uint64(body[8:16]),
		T2:    binary.BigEndian.Uint64(body[16:24]),
		T3:    binary.BigEndian.Uint64(body[24:32]),
	}, nil
}

// ParseControlCommand strips the 2-byte 0xFFFF magic and reads the 4-byte
// ASCII command word, returning the command and the remaining body.
func ParseControlCommand(buf []byte) (command string, body []byte, err error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("rtpmidi: control packet too short: %d bytes", len(buf))
	}
	if binary.BigEndian.Uint16(buf[0:2]) != controlMagic {
		return "", nil, fmt.Errorf("rtpmidi: missing control magic")
	}
	return string(buf[2:4]), buf[4:], nil
}

func appendControlHeader(out []byte, command string) []byte {
	out = append(out, byte(controlMagic>>8), byte(controlMagic))
	return append(out, command[0], command[1])
}

func appendUint32(out []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return append(out, b...)
}

func appendUint64(out []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return append(out, b...)
}

func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
