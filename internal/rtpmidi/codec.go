package rtpmidi

import (
	"fmt"

	"github.com/flowpbx/midihub/internal/midi"
)

// MIDI list header bits, laid out the way
// somesmallstudio-go-midi-rtp/rtp/rtp.go lays out bigHeaderBit/journalBit/
// zeroDeltaBit/phantomBit/lenMask, generalized to carry the journal section
// that reference implementation never populates.
const (
	bigHeaderBit = 0x80 // B: length field is 12 bits instead of 4.
	journalBit   = 0x40 // J: a journal section follows the command list.
	zFlagBit     = 0x20 // Z: the first command's delta time is omitted (implicitly 0).
	phantomBit   = 0x10 // P: the first command has no status byte (reserved; Encode never sets it and Decode ignores it).
	lenMask4     = 0x0F
	lenMask12    = 0x0FFF
)

// TimedCommand pairs a MidiCommand with its offset from the previous
// command in the same packet. See spec.md §3.
type TimedCommand struct {
	Command    midi.Command
	DeltaTicks uint32
}

// Payload is the MIDI command list plus recovery-journal section of a
// single RTP-MIDI packet. Journal is carried as opaque bytes: encoding and
// decoding its internal structure is the journal package's job (C1); the
// codec only needs to know its length to size the packet.
type Payload struct {
	BigFlag    bool
	ZFlag      bool
	Commands   []TimedCommand
	Journal    []byte
}

// Packet is a full RTP-MIDI datagram: header plus MIDI payload.
type Packet struct {
	Header  Header
	Payload Payload
}

// Encode serializes a packet to wire bytes. Running status is collapsed
// between consecutive commands within the list (never across packets, see
// DESIGN.md) to stay within the payload size budget per spec.md §4.2.
func Encode(p Packet) ([]byte, error) {
	// A zero first delta is left off the wire, and Z is set to say so; a
	// caller-set ZFlag also leaves the first delta off.
	cmds := p.Payload.Commands
	zFlag := p.Payload.ZFlag || (len(cmds) > 0 && cmds[0].DeltaTicks == 0)
	cmdBytes, err := encodeCommandList(cmds, zFlag)
	if err != nil {
		return nil, err
	}

	bigFlag := p.Payload.BigFlag || len(cmdBytes) > lenMask4
	if len(cmdBytes) > lenMask12 {
		return nil, fmt.Errorf("rtpmidi: command list of %d bytes exceeds 12-bit length budget", len(cmdBytes))
	}

	journalPresent := len(p.Payload.Journal) > 0

	out := make([]byte, 0, headerLen+2+len(cmdBytes)+len(p.Payload.Journal))
	out = append(out, p.Header.Marshal(len(p.Payload.Commands) > 0)...)
	if len(cmdBytes) == 0 && !journalPresent {
		// Keep-alive: the header alone, with no MIDI list header.
		return out, nil
	}

	flags := byte(0)
	if journalPresent {
		flags |= journalBit
	}
	if zFlag {
		flags |= zFlagBit
	}
	// phantomBit intentionally never set: see phantomBit comment above.
	if bigFlag {
		flags |= bigHeaderBit
		length := uint16(len(cmdBytes))
		out = append(out, flags|byte((length>>8)&0x0F), byte(length))
	} else {
		out = append(out, flags|byte(len(cmdBytes)&lenMask4))
	}
	out = append(out, cmdBytes...)
	out = append(out, p.Payload.Journal...)
	return out, nil
}

// Decode parses wire bytes into a Packet.
func Decode(buf []byte) (Packet, error) {
	header, hasCommands, err := ParseHeader(buf)
	if err != nil {
		return Packet{}, err
	}
	offset := headerLen
	if offset == len(buf) {
		if hasCommands {
			return Packet{}, fmt.Errorf("rtpmidi: marker set but no MIDI list header present")
		}
		return Packet{Header: header}, nil
	}
	if offset >= len(buf) {
		return Packet{}, fmt.Errorf("rtpmidi: truncated packet")
	}

	first := buf[offset]
	big := first&bigHeaderBit != 0
	journalPresent := first&journalBit != 0
	zFlag := first&zFlagBit != 0

	var length int
	var listStart int
	if big {
		if offset+2 > len(buf) {
			return Packet{}, fmt.Errorf("rtpmidi: truncated big MIDI list header")
		}
		length = (int(first&0x0F) << 8) | int(buf[offset+1])
		listStart = offset + 2
	} else {
		length = int(first & lenMask4)
		listStart = offset + 1
	}

	if listStart+length > len(buf) {
		return Packet{}, fmt.Errorf("rtpmidi: MIDI list length %d exceeds remaining buffer", length)
	}

	commands, err := decodeCommandList(buf[listStart:listStart+length], zFlag)
	if err != nil {
		return Packet{}, fmt.Errorf("rtpmidi: decoding command list: %w", err)
	}

	journalStart := listStart + length
	var journal []byte
	if journalPresent {
		journal = append([]byte(nil), buf[journalStart:]...)
	}

	return Packet{
		Header: header,
		Payload: Payload{
			BigFlag:  big,
			ZFlag:    zFlag,
			Commands: commands,
			Journal:  journal,
		},
	}, nil
}

func encodeCommandList(cmds []TimedCommand, omitFirstDelta bool) ([]byte, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	out := make([]byte, 0, len(cmds)*3)
	var lastStatus byte
	for i, tc := range cmds {
		if i > 0 || !omitFirstDelta {
			vlq, err := encodeDeltaTime(tc.DeltaTicks)
			if err != nil {
				return nil, err
			}
			out = append(out, vlq...)
		}

		raw, err := midi.EncodeBytes(tc.Command)
		if err != nil {
			return nil, err
		}
		status := raw[0]
		if tc.Command.Kind == midi.SystemExclusive {
			// Sysex carries its own framing; never collapsed via running status.
			out = append(out, raw...)
			lastStatus = 0
			continue
		}
		if i > 0 && status == lastStatus {
			out = append(out, raw[1:]...)
		} else {
			out = append(out, raw...)
		}
		lastStatus = status
	}
	return out, nil
}

func decodeCommandList(buf []byte, zFlag bool) ([]TimedCommand, error) {
	var commands []TimedCommand
	var lastStatus byte
	offset := 0

	for offset < len(buf) {
		var delta uint32
		if len(commands) > 0 || !zFlag {
			v, n, err := decodeDeltaTime(buf[offset:])
			if err != nil {
				return commands, err
			}
			delta = v
			offset += n
		}

		if offset >= len(buf) {
			return commands, fmt.Errorf("rtpmidi: command list ends after delta time")
		}

		// Sysex start (0xF0) or a bare 0xF7 continuation marker (spec.md
		// §4.2 edge cases) is handled before generic running-status
		// resolution: both are self-framing and always carry their own
		// leading marker byte, never collapsed via running status.
		if marker := buf[offset]; marker == midi.StatusSystemExclusive || marker == midi.StatusSysExEnd {
			end := offset + 1
			for end < len(buf) {
				if buf[end] == midi.StatusSysExEnd {
					end++
					break
				}
				if buf[end]&0x80 != 0 {
					break
				}
				end++
			}
			payload := append([]byte(nil), buf[offset:end]...)
			commands = append(commands, TimedCommand{
				Command:    midi.Command{Kind: midi.SystemExclusive, SysEx: payload},
				DeltaTicks: delta,
			})
			lastStatus = 0
			offset = end
			continue
		}

		statusByte := buf[offset]
		var dataStart int
		if statusByte&0x80 != 0 {
			lastStatus = statusByte
			dataStart = offset + 1
		} else {
			statusByte = lastStatus
			dataStart = offset
		}
		if statusByte == 0 {
			return commands, fmt.Errorf("rtpmidi: running status used with no prior status byte")
		}

		dataLen := midi.DataLen(statusByte)
		if dataStart+dataLen > len(buf) {
			return commands, fmt.Errorf("rtpmidi: truncated command data for status 0x%02X", statusByte)
		}
		cmd, err := midi.DecodeBytes(statusByte, buf[dataStart:dataStart+dataLen])
		if err != nil {
			return commands, err
		}
		commands = append(commands, TimedCommand{Command: cmd, DeltaTicks: delta})
		offset = dataStart + dataLen
	}
	return commands, nil
}
