package receiver

import (
	"net/netip"
	"testing"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

func testReceiver() *Receiver {
	return New(Config{Port: 5600, VideoPT: 97, AudioPT: 98}, zerolog.Nop())
}

func marshalPacket(t *testing.T, pt uint8, seq uint16, ts uint32, marker bool, payload []byte) []byte {
	t.Helper()
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			Marker:         marker,
			SSRC:           0x11223344,
		},
		Payload: payload,
	}
	buf, err := p.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return buf
}

func TestMarkerFramedStream(t *testing.T) {
	r := testReceiver()
	src := netip.MustParseAddr("192.168.0.10")
	payload := make([]byte, 100)
	var now int64 = 1_000_000_000
	for i := 0; i < 30; i++ {
		buf := marshalPacket(t, 97, uint16(1000+i), uint32(90000+i*3000), true, payload)
		r.handleDatagram(buf, now, src)
		now += 33_333_333
	}
	s, ring := r.Snapshot()
	if s.VideoPackets != 30 || s.LostPackets != 0 || s.ReorderedPackets != 0 {
		t.Errorf("counters = video %d lost %d reordered %d, want 30/0/0",
			s.VideoPackets, s.LostPackets, s.ReorderedPackets)
	}
	if s.FrameCount != 30 || s.IncompleteFrames != 0 {
		t.Errorf("frames = %d incomplete %d, want 30/0", s.FrameCount, s.IncompleteFrames)
	}
	if s.LastFrameBytes != 100 {
		t.Errorf("LastFrameBytes = %d, want 100", s.LastFrameBytes)
	}
	if s.TotalPackets != s.VideoPackets+s.AudioPackets+s.IgnoredPackets {
		t.Errorf("total %d != video %d + audio %d + ignored %d",
			s.TotalPackets, s.VideoPackets, s.AudioPackets, s.IgnoredPackets)
	}
	if len(ring) != 30 {
		t.Fatalf("ring has %d samples, want 30", len(ring))
	}
	if ring[29].Flags&FlagFrameEnd == 0 {
		t.Error("last sample missing FRAME_END flag")
	}
}

func TestReorderAndLoss(t *testing.T) {
	r := testReceiver()
	src := netip.MustParseAddr("192.168.0.10")
	var now int64 = 1_000_000_000
	for _, seq := range []uint16{100, 101, 103, 102, 104} {
		buf := marshalPacket(t, 97, seq, 90000, false, []byte{0x26, 0x01, 0xaa})
		r.handleDatagram(buf, now, src)
		now += 1_000_000
	}
	s, ring := r.Snapshot()
	if s.LostPackets != 1 {
		t.Errorf("LostPackets = %d, want 1", s.LostPackets)
	}
	if s.ReorderedPackets != 1 {
		t.Errorf("ReorderedPackets = %d, want 1", s.ReorderedPackets)
	}
	if ring[2].Flags&FlagLoss == 0 {
		t.Error("sample for seq 103 missing LOSS flag")
	}
	if ring[3].Flags&FlagReorder == 0 {
		t.Error("sample for seq 102 missing REORDER flag")
	}
	if s.ExpectedSeq != 105 {
		t.Errorf("ExpectedSeq = %d, want 105", s.ExpectedSeq)
	}
}

func TestSequenceWrap(t *testing.T) {
	r := testReceiver()
	src := netip.MustParseAddr("10.0.0.1")
	var now int64 = 1_000_000_000
	for _, seq := range []uint16{65534, 65535, 0, 1} {
		buf := marshalPacket(t, 97, seq, 90000, false, []byte{0x26, 0x01})
		r.handleDatagram(buf, now, src)
		now += 1_000_000
	}
	s, _ := r.Snapshot()
	if s.LostPackets != 0 || s.ReorderedPackets != 0 {
		t.Errorf("wrap counted as loss/reorder: lost %d reordered %d",
			s.LostPackets, s.ReorderedPackets)
	}
	if s.ExpectedSeq != 2 {
		t.Errorf("ExpectedSeq = %d, want 2", s.ExpectedSeq)
	}
}

func TestDuplicate(t *testing.T) {
	r := testReceiver()
	src := netip.MustParseAddr("10.0.0.1")
	buf := marshalPacket(t, 97, 500, 90000, false, []byte{0x26, 0x01})
	r.handleDatagram(buf, 1_000_000_000, src)
	r.handleDatagram(buf, 1_001_000_000, src)
	s, ring := r.Snapshot()
	if s.DuplicatePackets != 1 {
		t.Errorf("DuplicatePackets = %d, want 1", s.DuplicatePackets)
	}
	if ring[1].Flags&FlagDuplicate == 0 {
		t.Error("second sample missing DUPLICATE flag")
	}
}

func TestPayloadTypeDemux(t *testing.T) {
	r := testReceiver()
	src := netip.MustParseAddr("10.0.0.1")
	r.handleDatagram(marshalPacket(t, 97, 1, 90000, true, []byte{1}), 1, src)
	r.handleDatagram(marshalPacket(t, 98, 1, 48000, false, []byte{2}), 2, src)
	r.handleDatagram(marshalPacket(t, 33, 1, 0, false, []byte{3}), 3, src)
	s, _ := r.Snapshot()
	if s.VideoPackets != 1 || s.AudioPackets != 1 || s.IgnoredPackets != 1 {
		t.Errorf("demux = video %d audio %d ignored %d, want 1/1/1",
			s.VideoPackets, s.AudioPackets, s.IgnoredPackets)
	}
	// Only video reaches the queue.
	if got := len(r.Packets()); got != 1 {
		t.Errorf("queue depth = %d, want 1", got)
	}
}

func TestAudioDisabledIgnoresPTZero(t *testing.T) {
	// AudioPT -1 means no audio branch; a PCMU packet (payload type 0)
	// must land in ignored, not audio.
	r := New(Config{Port: 5600, VideoPT: 97, AudioPT: -1}, zerolog.Nop())
	src := netip.MustParseAddr("10.0.0.1")
	r.handleDatagram(marshalPacket(t, 0, 1, 8000, false, []byte{4}), 1, src)
	r.handleDatagram(marshalPacket(t, 98, 2, 48000, false, []byte{5}), 2, src)
	s, _ := r.Snapshot()
	if s.AudioPackets != 0 || s.IgnoredPackets != 2 {
		t.Errorf("demux = audio %d ignored %d, want 0/2", s.AudioPackets, s.IgnoredPackets)
	}
}

func TestIncompleteFrameOnTimestampChange(t *testing.T) {
	r := testReceiver()
	src := netip.MustParseAddr("10.0.0.1")
	// Frame at T never gets its marker; next packet jumps to T+3000.
	r.handleDatagram(marshalPacket(t, 97, 1, 90000, false, []byte{1}), 1, src)
	r.handleDatagram(marshalPacket(t, 97, 2, 93000, true, []byte{2}), 2, src)
	s, _ := r.Snapshot()
	if s.IncompleteFrames != 1 {
		t.Errorf("IncompleteFrames = %d, want 1", s.IncompleteFrames)
	}
	if s.FrameCount != 1 {
		t.Errorf("FrameCount = %d, want 1", s.FrameCount)
	}
}

func TestSourceNotification(t *testing.T) {
	r := testReceiver()
	var seen []netip.Addr
	r.OnSource = func(a netip.Addr) { seen = append(seen, a) }
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	r.handleDatagram(marshalPacket(t, 97, 1, 0, false, []byte{1}), 1, a)
	r.handleDatagram(marshalPacket(t, 97, 2, 0, false, []byte{1}), 2, a)
	r.handleDatagram(marshalPacket(t, 97, 3, 0, false, []byte{1}), 3, b)
	if len(seen) != 2 || seen[0] != a || seen[1] != b {
		t.Errorf("source notifications = %v, want [%v %v]", seen, a, b)
	}
}

func TestHistoryRingOverwrite(t *testing.T) {
	r := testReceiver()
	src := netip.MustParseAddr("10.0.0.1")
	for i := 0; i < historySize+10; i++ {
		buf := marshalPacket(t, 97, uint16(i), uint32(i), false, []byte{1})
		r.handleDatagram(buf, int64(i+1), src)
	}
	_, ring := r.Snapshot()
	if len(ring) != historySize {
		t.Fatalf("ring length = %d, want %d", len(ring), historySize)
	}
	if ring[0].Sequence != 10 {
		t.Errorf("oldest sample seq = %d, want 10", ring[0].Sequence)
	}
	if ring[historySize-1].Sequence != historySize+9 {
		t.Errorf("newest sample seq = %d, want %d", ring[historySize-1].Sequence, historySize+9)
	}
}
