package rtpmidi

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/flowpbx/midihub/internal/midi"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{SequenceNumber: 42, Timestamp: 123456, SSRC: 0xDEADBEEF}
	buf := h.Marshal(true)
	got, hasCommands, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if !hasCommands {
		t.Error("expected hasCommands true")
	}
	if got != h {
		t.Errorf("header round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestPacketRoundTrip(t *testing.T) {
	p := Packet{
		Header: Header{SequenceNumber: 7, Timestamp: 1000, SSRC: 99},
		Payload: Payload{
			Commands: []TimedCommand{
				{Command: midi.Command{Kind: midi.NoteOn, Channel: 0, Note: 60, Velocity: 100}, DeltaTicks: 0},
				{Command: midi.Command{Kind: midi.NoteOn, Channel: 0, Note: 64, Velocity: 90}, DeltaTicks: 10},
				{Command: midi.Command{Kind: midi.ControlChange, Channel: 0, Controller: 7, Value: 127}, DeltaTicks: 5},
			},
		},
	}

	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header != p.Header {
		t.Errorf("header mismatch: got %+v, want %+v", got.Header, p.Header)
	}
	if len(got.Payload.Commands) != len(p.Payload.Commands) {
		t.Fatalf("command count mismatch: got %d, want %d", len(got.Payload.Commands), len(p.Payload.Commands))
	}
	for i, tc := range p.Payload.Commands {
		if !reflect.DeepEqual(got.Payload.Commands[i].Command, tc.Command) {
			t.Errorf("command %d mismatch: got %+v, want %+v", i, got.Payload.Commands[i].Command, tc.Command)
		}
		if got.Payload.Commands[i].DeltaTicks != tc.DeltaTicks {
			t.Errorf("command %d delta mismatch: got %d, want %d", i, got.Payload.Commands[i].DeltaTicks, tc.DeltaTicks)
		}
	}
}

func TestRunningStatusCollapsed(t *testing.T) {
	p := Packet{
		Header: Header{SequenceNumber: 1, Timestamp: 0, SSRC: 1},
		Payload: Payload{
			Commands: []TimedCommand{
				{Command: midi.Command{Kind: midi.NoteOn, Channel: 2, Note: 60, Velocity: 100}},
				{Command: midi.Command{Kind: midi.NoteOn, Channel: 2, Note: 62, Velocity: 80}, DeltaTicks: 3},
			},
		},
	}
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Second command should have dropped its status byte: delta VLQ (1 byte)
	// + note + velocity = 3 bytes, not 4.
	listStart := headerLen + 1
	if len(buf) != listStart+3+3 {
		t.Errorf("expected running status to collapse second command, got %d wire bytes", len(buf))
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Payload.Commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(got.Payload.Commands))
	}
	if got.Payload.Commands[1].Command.Kind != midi.NoteOn || got.Payload.Commands[1].Command.Note != 62 {
		t.Errorf("running-status command decoded wrong: %+v", got.Payload.Commands[1].Command)
	}
}

func TestKeepAlivePacket(t *testing.T) {
	p := Packet{Header: Header{SequenceNumber: 3, Timestamp: 500, SSRC: 1}}
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != headerLen {
		t.Errorf("expected keep-alive packet to be exactly the header, got %d bytes", len(buf))
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Payload.Commands) != 0 {
		t.Errorf("expected no commands in keep-alive packet, got %d", len(got.Payload.Commands))
	}
}

func TestSysExTerminatedWithinPacket(t *testing.T) {
	p := Packet{
		Header: Header{SequenceNumber: 1, Timestamp: 0, SSRC: 1},
		Payload: Payload{
			Commands: []TimedCommand{
				{Command: midi.Command{Kind: midi.SystemExclusive, SysEx: []byte{0xF0, 0x7E, 0x00, 0xF7}}},
			},
		},
	}
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Payload.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(got.Payload.Commands))
	}
	if !bytes.Equal(got.Payload.Commands[0].Command.SysEx, p.Payload.Commands[0].Command.SysEx) {
		t.Errorf("sysex mismatch: got %x, want %x", got.Payload.Commands[0].Command.SysEx, p.Payload.Commands[0].Command.SysEx)
	}
}

// TestSysExContinuationAcrossPackets exercises the spec.md §4.2 edge case:
// an unterminated 0xF0 in one packet continues in the next with a leading
// bare 0xF7 marker and no further delta time before it.
func TestSysExContinuationAcrossPackets(t *testing.T) {
	first := Packet{
		Header: Header{SequenceNumber: 1, Timestamp: 0, SSRC: 1},
		Payload: Payload{
			Commands: []TimedCommand{
				{Command: midi.Command{Kind: midi.SystemExclusive, SysEx: []byte{0xF0, 0x01, 0x02}}},
			},
		},
	}
	buf, err := Encode(first)
	if err != nil {
		t.Fatalf("Encode first: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode first: %v", err)
	}
	if !bytes.Equal(got.Payload.Commands[0].Command.SysEx, []byte{0xF0, 0x01, 0x02}) {
		t.Errorf("unterminated sysex mismatch: got %x", got.Payload.Commands[0].Command.SysEx)
	}

	second := Packet{
		Header: Header{SequenceNumber: 2, Timestamp: 10, SSRC: 1},
		Payload: Payload{
			Commands: []TimedCommand{
				{Command: midi.Command{Kind: midi.SystemExclusive, SysEx: []byte{0xF7, 0x03, 0xF7}}},
			},
		},
	}
	buf2, err := Encode(second)
	if err != nil {
		t.Fatalf("Encode second: %v", err)
	}
	got2, err := Decode(buf2)
	if err != nil {
		t.Fatalf("Decode second: %v", err)
	}
	if !bytes.Equal(got2.Payload.Commands[0].Command.SysEx, []byte{0xF7, 0x03, 0xF7}) {
		t.Errorf("continuation sysex mismatch: got %x", got2.Payload.Commands[0].Command.SysEx)
	}
}

func TestDeltaTimeVLQBoundary(t *testing.T) {
	vlq, err := encodeDeltaTime(MaxDeltaTime)
	if err != nil {
		t.Fatalf("encodeDeltaTime(max): %v", err)
	}
	if len(vlq) != 4 {
		t.Errorf("expected 4-byte VLQ at max, got %d", len(vlq))
	}
	v, n, err := decodeDeltaTime(vlq)
	if err != nil {
		t.Fatalf("decodeDeltaTime: %v", err)
	}
	if v != MaxDeltaTime || n != 4 {
		t.Errorf("got v=%d n=%d, want v=%d n=4", v, n, MaxDeltaTime)
	}

	if _, err := encodeDeltaTime(MaxDeltaTime + 1); err == nil {
		t.Fatal("expected error encoding delta time above max")
	}
}

func TestDeltaTimeVLQTruncated(t *testing.T) {
	if _, _, err := decodeDeltaTime([]byte{0x80, 0x80}); err == nil {
		t.Fatal("expected error for truncated VLQ")
	}
}

func TestBigFlagForLargeCommandList(t *testing.T) {
	cmds := make([]TimedCommand, 0, 20)
	for i := 0; i < 20; i++ {
		cmds = append(cmds, TimedCommand{
			Command:    midi.Command{Kind: midi.ControlChange, Channel: 0, Controller: uint8(i), Value: 1},
			DeltaTicks: 1,
		})
	}
	p := Packet{Header: Header{SequenceNumber: 1, SSRC: 1}, Payload: Payload{Commands: cmds}}
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf[headerLen]&bigHeaderBit == 0 {
		t.Error("expected big-header flag set for large command list")
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Payload.Commands) != len(cmds) {
		t.Fatalf("expected %d commands, got %d", len(cmds), len(got.Payload.Commands))
	}
}

func TestZFlagOmitsFirstDelta(t *testing.T) {
	p := Packet{
		Header: Header{SequenceNumber: 1, SSRC: 1},
		Payload: Payload{
			ZFlag: true,
			Commands: []TimedCommand{
				{Command: midi.Command{Kind: midi.NoteOn, Channel: 0, Note: 60, Velocity: 100}},
			},
		},
	}
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Payload.ZFlag {
		t.Error("expected ZFlag preserved on decode")
	}
	if got.Payload.Commands[0].DeltaTicks != 0 {
		t.Errorf("expected zero delta for first command under ZFlag, got %d", got.Payload.Commands[0].DeltaTicks)
	}
}

func TestJournalSectionPreserved(t *testing.T) {
	p := Packet{
		Header: Header{SequenceNumber: 1, SSRC: 1},
		Payload: Payload{
			Commands: []TimedCommand{
				{Command: midi.Command{Kind: midi.NoteOn, Channel: 0, Note: 60, Velocity: 100}},
			},
			Journal: []byte{0x01, 0x02, 0x03, 0x04},
		},
	}
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Payload.Journal, p.Payload.Journal) {
		t.Errorf("journal mismatch: got %x, want %x", got.Payload.Journal, p.Payload.Journal)
	}
}

func TestSeqLessWraparound(t *testing.T) {
	if !SeqLess(0xFFFF, 0) {
		t.Error("expected 0xFFFF < 0 under wraparound")
	}
	if SeqLess(0, 0xFFFF) {
		t.Error("expected 0 not < 0xFFFF under wraparound")
	}
	if SeqLess(5, 5) {
		t.Error("a value should never be SeqLess than itself")
	}
}
