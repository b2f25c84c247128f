package journal

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Chapter bits within a channel journal's chapter-presence byte, ordered
// P/C/M/W/N/E/T/A per spec.md §3.
const (
	chapterP = 1 << 7
	chapterC = 1 << 6
	chapterM = 1 << 5
	chapterW = 1 << 4
	chapterN = 1 << 3
	chapterE = 1 << 2
	chapterT = 1 << 1
	chapterA = 1 << 0
)

const (
	singlePacketLossBit = 1 << 7
	systemJournalBit    = 1 << 6
	channelCountMask    = 0x0F
	maxChannels         = 15
)

// Encode produces the journal section for the current state held by m. The
// section is self-contained: a receiver needs only this section plus its
// own last-good channel state to reconstruct the sender's logical state.
func (m *Manager) Encode(singlePacketLoss bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	channels := make([]uint8, 0, len(m.channels))
	for ch, cs := range m.channels {
		if cs.touchedAny() {
			channels = append(channels, ch)
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	if len(channels) > maxChannels {
		return nil, fmt.Errorf("journal: %d touched channels exceeds wire limit of %d", len(channels), maxChannels)
	}

	systemPresent := len(m.sysexPending) > 0

	out := make([]byte, 0, 64)
	header := byte(len(channels) & channelCountMask)
	if singlePacketLoss {
		header |= singlePacketLossBit
	}
	if systemPresent {
		header |= systemJournalBit
	}
	out = append(out, header)
	cp := make([]byte, 2)
	binary.BigEndian.PutUint16(cp, m.checkpoint)
	out = append(out, cp...)

	if systemPresent {
		out = encodeSystemJournal(out, m.sysexPending)
	}

	for _, ch := range channels {
		out = encodeChannelJournal(out, ch, m.channels[ch])
	}
	return out, nil
}

func encodeSystemJournal(out []byte, fragments [][]byte) []byte {
	count := byte(len(fragments))
	if int(count) != len(fragments) {
		count = 255
	}
	out = append(out, count)
	for i, f := range fragments {
		if i == int(count) {
			break
		}
		ln := make([]byte, 2)
		binary.BigEndian.PutUint16(ln, uint16(len(f)))
		out = append(out, ln...)
		out = append(out, f...)
	}
	return out
}

func encodeChannelJournal(out []byte, ch uint8, cs *channelState) []byte {
	presenceIdx := len(out) + 1
	out = append(out, ch&0x0F, 0)
	var presence byte

	if cs.programSet {
		presence |= chapterP
		out = append(out, cs.program)
	}
	if n := len(cs.controllers); n > 0 {
		presence |= chapterC
		keys := sortedControllerKeys(cs.controllers)
		out = append(out, byte(n))
		for _, k := range keys {
			out = append(out, k, cs.controllers[k])
		}
	}
	if cs.pitchBendSet {
		presence |= chapterW
		raw := uint16(cs.pitchBend + 8192)
		out = append(out, byte(raw>>8), byte(raw))
	}

	var onNotes, offNotes []uint8
	for note, e := range cs.notes {
		if e.on {
			onNotes = append(onNotes, note)
		} else {
			offNotes = append(offNotes, note)
		}
	}
	sort.Slice(onNotes, func(i, j int) bool { return onNotes[i] < onNotes[j] })
	sort.Slice(offNotes, func(i, j int) bool { return offNotes[i] < offNotes[j] })

	if len(onNotes) > 0 {
		presence |= chapterN
		out = append(out, byte(len(onNotes)))
		for _, note := range onNotes {
			out = append(out, note, cs.notes[note].velocity)
		}
	}
	if len(offNotes) > 0 {
		presence |= chapterE
		out = append(out, byte(len(offNotes)))
		for _, note := range offNotes {
			out = append(out, note)
		}
	}
	if cs.aftertouchSet {
		presence |= chapterT
		out = append(out, cs.aftertouch)
	}
	if n := len(cs.polyAftertouch); n > 0 {
		presence |= chapterA
		keys := sortedControllerKeys(cs.polyAftertouch)
		out = append(out, byte(n))
		for _, k := range keys {
			out = append(out, k, cs.polyAftertouch[k])
		}
	}

	out[presenceIdx] = presence
	return out
}

func sortedControllerKeys(m map[uint8]uint8) []uint8 {
	keys := make([]uint8, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Snapshot is a parsed journal section: the reconstructable logical state
// for every channel it describes, independent of any Manager.
type Snapshot struct {
	SinglePacketLoss bool
	CheckpointSeq    uint16
	SysEx            [][]byte
	Channels         []ChannelSnapshot
}

// NoteSnapshot is the recovered on/off state and last velocity for one note.
type NoteSnapshot struct {
	On       bool
	Velocity uint8
}

// ChannelSnapshot is the recovered per-channel state from one channel
// journal entry.
type ChannelSnapshot struct {
	Channel uint8

	Program    *uint8
	Controllers map[uint8]uint8
	PitchBend  *int16
	Notes      map[uint8]NoteSnapshot
	Aftertouch *uint8
	PolyAftertouch map[uint8]uint8
}

// Decode parses a journal section produced by Encode. Malformed sections
// are reported via error; per spec.md §4.1 the caller should log and
// continue processing the packet's non-journal commands rather than treat
// this as a session-ending failure.
func Decode(buf []byte) (Snapshot, error) {
	if len(buf) < 3 {
		return Snapshot{}, fmt.Errorf("journal: section too short: %d bytes", len(buf))
	}
	header := buf[0]
	snap := Snapshot{
		SinglePacketLoss: header&singlePacketLossBit != 0,
		CheckpointSeq:    binary.BigEndian.Uint16(buf[1:3]),
	}
	channelCount := int(header & channelCountMask)
	systemPresent := header&systemJournalBit != 0
	offset := 3

	if systemPresent {
		if offset >= len(buf) {
			return Snapshot{}, fmt.Errorf("journal: truncated system journal count")
		}
		count := int(buf[offset])
		offset++
		for i := 0; i < count; i++ {
			if offset+2 > len(buf) {
				return Snapshot{}, fmt.Errorf("journal: truncated system journal fragment length")
			}
			ln := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
			offset += 2
			if offset+ln > len(buf) {
				return Snapshot{}, fmt.Errorf("journal: truncated system journal fragment")
			}
			snap.SysEx = append(snap.SysEx, append([]byte(nil), buf[offset:offset+ln]...))
			offset += ln
		}
	}

	for i := 0; i < channelCount; i++ {
		cs, n, err := decodeChannelJournal(buf[offset:])
		if err != nil {
			return Snapshot{}, err
		}
		snap.Channels = append(snap.Channels, cs)
		offset += n
	}
	return snap, nil
}

func decodeChannelJournal(buf []byte) (ChannelSnapshot, int, error) {
	if len(buf) < 2 {
		return ChannelSnapshot{}, 0, fmt.Errorf("journal: truncated channel journal header")
	}
	cs := ChannelSnapshot{Channel: buf[0] & 0x0F}
	presence := buf[1]
	offset := 2

	if presence&chapterP != 0 {
		if offset >= len(buf) {
			return ChannelSnapshot{}, 0, fmt.Errorf("journal: truncated P chapter")
		}
		v := buf[offset]
		cs.Program = &v
		offset++
	}
	if presence&chapterC != 0 {
		n, consumed, err := decodePairs(buf[offset:])
		if err != nil {
			return ChannelSnapshot{}, 0, fmt.Errorf("journal: C chapter: %w", err)
		}
		cs.Controllers = n
		offset += consumed
	}
	if presence&chapterW != 0 {
		if offset+2 > len(buf) {
			return ChannelSnapshot{}, 0, fmt.Errorf("journal: truncated W chapter")
		}
		raw := int16(binary.BigEndian.Uint16(buf[offset : offset+2]))
		v := raw - 8192
		cs.PitchBend = &v
		offset += 2
	}
	if presence&chapterN != 0 {
		if offset >= len(buf) {
			return ChannelSnapshot{}, 0, fmt.Errorf("journal: truncated N chapter count")
		}
		count := int(buf[offset])
		offset++
		if cs.Notes == nil {
			cs.Notes = make(map[uint8]NoteSnapshot)
		}
		for i := 0; i < count; i++ {
			if offset+2 > len(buf) {
				return ChannelSnapshot{}, 0, fmt.Errorf("journal: truncated N chapter entry")
			}
			cs.Notes[buf[offset]] = NoteSnapshot{On: true, Velocity: buf[offset+1]}
			offset += 2
		}
	}
	if presence&chapterE != 0 {
		if offset >= len(buf) {
			return ChannelSnapshot{}, 0, fmt.Errorf("journal: truncated E chapter count")
		}
		count := int(buf[offset])
		offset++
		if cs.Notes == nil {
			cs.Notes = make(map[uint8]NoteSnapshot)
		}
		for i := 0; i < count; i++ {
			if offset >= len(buf) {
				return ChannelSnapshot{}, 0, fmt.Errorf("journal: truncated E chapter entry")
			}
			cs.Notes[buf[offset]] = NoteSnapshot{On: false}
			offset++
		}
	}
	if presence&chapterT != 0 {
		if offset >= len(buf) {
			return ChannelSnapshot{}, 0, fmt.Errorf("journal: truncated T chapter")
		}
		v := buf[offset]
		cs.Aftertouch = &v
		offset++
	}
	if presence&chapterA != 0 {
		n, consumed, err := decodePairs(buf[offset:])
		if err != nil {
			return ChannelSnapshot{}, 0, fmt.Errorf("journal: A chapter: %w", err)
		}
		cs.PolyAftertouch = n
		offset += consumed
	}
	return cs, offset, nil
}

func decodePairs(buf []byte) (map[uint8]uint8, int, error) {
	if len(buf) < 1 {
		return nil, 0, fmt.Errorf("truncated count")
	}
	count := int(buf[0])
	offset := 1
	out := make(map[uint8]uint8, count)
	for i := 0; i < count; i++ {
		if offset+2 > len(buf) {
			return nil, 0, fmt.Errorf("truncated entry")
		}
		out[buf[offset]] = buf[offset+1]
		offset += 2
	}
	return out, offset, nil
}
