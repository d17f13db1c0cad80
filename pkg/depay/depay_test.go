package depay

import (
	"bytes"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

func pkt(seq uint16, ts uint32, marker bool, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    97,
			SequenceNumber: seq,
			Timestamp:      ts,
			Marker:         marker,
		},
		Payload: payload,
	}
}

// nal builds a two-byte H.265 NAL header followed by body bytes.
func nal(naluType byte, body ...byte) []byte {
	return append([]byte{naluType << 1, 0x01}, body...)
}

func TestSingleNALPerPacket(t *testing.T) {
	d := New(zerolog.Nop())
	payload := nal(1, 0xde, 0xad, 0xbe, 0xef)
	var aus []AccessUnit
	for i := 0; i < 30; i++ {
		aus = append(aus, d.Push(pkt(uint16(i), 90000+uint32(i)*3000, true, payload))...)
	}
	if len(aus) != 30 {
		t.Fatalf("got %d AUs, want 30", len(aus))
	}
	for i, au := range aus {
		if au.Corrupted {
			t.Errorf("AU %d flagged corrupted", i)
		}
		if len(au.Data) != len(payload)+4 {
			t.Errorf("AU %d size = %d, want %d", i, len(au.Data), len(payload)+4)
		}
		if !bytes.HasPrefix(au.Data, startCode) {
			t.Errorf("AU %d missing start code", i)
		}
		want := time.Duration(i) * time.Second * 3000 / 90000
		if au.PTS != want {
			t.Errorf("AU %d PTS = %v, want %v", i, au.PTS, want)
		}
	}
}

func TestFragmentationUnit(t *testing.T) {
	d := New(zerolog.Nop())
	// NAL type 19 (IDR_W_RADL), layer 0, tid 1, split into three fragments.
	const nalType = 19
	indicator := []byte{naluTypeFU << 1, 0x01}
	start := append(append([]byte{}, indicator...), fuStart|nalType, 0xaa, 0xbb)
	mid := append(append([]byte{}, indicator...), nalType, 0xcc)
	end := append(append([]byte{}, indicator...), fuEnd|nalType, 0xdd)

	if got := d.Push(pkt(1, 90000, false, start)); len(got) != 0 {
		t.Fatalf("start fragment emitted %d AUs", len(got))
	}
	if got := d.Push(pkt(2, 90000, false, mid)); len(got) != 0 {
		t.Fatalf("middle fragment emitted %d AUs", len(got))
	}
	aus := d.Push(pkt(3, 90000, true, end))
	if len(aus) != 1 {
		t.Fatalf("got %d AUs, want 1", len(aus))
	}
	au := aus[0]
	if au.Corrupted {
		t.Fatal("AU flagged corrupted")
	}
	want := append(append([]byte{}, startCode...),
		nalType<<1, 0x01, 0xaa, 0xbb, 0xcc, 0xdd)
	if !bytes.Equal(au.Data, want) {
		t.Errorf("AU = % x, want % x", au.Data, want)
	}
}

func TestFUPreservesLayerAndTid(t *testing.T) {
	d := New(zerolog.Nop())
	// Indicator with layer bits set: F=0, type=49, layer=0b100001, tid=3.
	ind0 := byte(naluTypeFU<<1) | 0x01
	ind1 := byte(0x0b) // layer low bits + tid
	start := []byte{ind0, ind1, fuStart | 19, 0xaa}
	end := []byte{ind0, ind1, fuEnd | 19, 0xbb}
	d.Push(pkt(1, 0, false, start))
	aus := d.Push(pkt(2, 0, true, end))
	if len(aus) != 1 {
		t.Fatalf("got %d AUs, want 1", len(aus))
	}
	hdr0, hdr1 := aus[0].Data[4], aus[0].Data[5]
	if hdr0 != (ind0&0x81)|19<<1 {
		t.Errorf("header byte 0 = %#x, want %#x", hdr0, (ind0&0x81)|19<<1)
	}
	if hdr1 != ind1 {
		t.Errorf("header byte 1 = %#x, want %#x (layer/tid preserved)", hdr1, ind1)
	}
}

func TestAggregationPacket(t *testing.T) {
	d := New(zerolog.Nop())
	n1 := nal(32, 0x11) // VPS
	n2 := nal(33, 0x22) // SPS
	payload := []byte{naluTypeAP << 1, 0x01}
	for _, n := range [][]byte{n1, n2} {
		payload = append(payload, byte(len(n)>>8), byte(len(n)))
		payload = append(payload, n...)
	}
	aus := d.Push(pkt(1, 90000, true, payload))
	if len(aus) != 1 {
		t.Fatalf("got %d AUs, want 1", len(aus))
	}
	want := append(append(append(append([]byte{}, startCode...), n1...), startCode...), n2...)
	if !bytes.Equal(aus[0].Data, want) {
		t.Errorf("AU = % x, want % x", aus[0].Data, want)
	}
}

func TestSequenceGapCorruptsAU(t *testing.T) {
	d := New(zerolog.Nop())
	d.Push(pkt(100, 90000, false, nal(1, 0x01)))
	d.Push(pkt(101, 90000, false, nal(1, 0x02)))
	// 102 lost; 103 continues the same AU.
	aus := d.Push(pkt(103, 90000, true, nal(1, 0x03)))
	if len(aus) != 1 {
		t.Fatalf("got %d AUs, want 1", len(aus))
	}
	if !aus[0].Corrupted || !aus[0].Discont {
		t.Errorf("AU flags = corrupted %v discont %v, want both true",
			aus[0].Corrupted, aus[0].Discont)
	}
	// The next intact AU is clean again.
	aus = d.Push(pkt(104, 93000, true, nal(1, 0x04)))
	if len(aus) != 1 || aus[0].Corrupted {
		t.Fatalf("follow-up AU = %+v, want one clean AU", aus)
	}
}

func TestDropCorruptedWhenConfigured(t *testing.T) {
	d := New(zerolog.Nop())
	d.EmitCorrupted = false
	d.Push(pkt(1, 90000, false, nal(1, 0x01)))
	aus := d.Push(pkt(5, 90000, true, nal(1, 0x02)))
	if len(aus) != 0 {
		t.Fatalf("corrupted AU emitted despite EmitCorrupted=false: %+v", aus)
	}
}

func TestTimestampChangeClosesAU(t *testing.T) {
	d := New(zerolog.Nop())
	// No marker anywhere: the timestamp change is the only boundary.
	d.Push(pkt(1, 90000, false, nal(1, 0x01)))
	aus := d.Push(pkt(2, 93000, false, nal(1, 0x02)))
	if len(aus) != 1 {
		t.Fatalf("got %d AUs, want 1", len(aus))
	}
	if aus[0].PTS != 0 {
		t.Errorf("first AU PTS = %v, want 0", aus[0].PTS)
	}
}

func TestTimestampWrapExtension(t *testing.T) {
	d := New(zerolog.Nop())
	base := uint32(0xffffc000) // 16384 ticks before the wrap
	d.Push(pkt(1, base, true, nal(1, 0x01)))
	aus := d.Push(pkt(2, 2000, true, nal(1, 0x02))) // wrapped past zero
	if len(aus) != 1 {
		t.Fatalf("got %d AUs, want 1", len(aus))
	}
	wantTicks := uint64(1<<32) + 2000 - uint64(base)
	want := time.Duration(wantTicks) * time.Second / 90000
	if aus[0].PTS != want {
		t.Errorf("PTS across wrap = %v, want %v", aus[0].PTS, want)
	}
}

func TestDanglingFragmentCorrupts(t *testing.T) {
	d := New(zerolog.Nop())
	start := []byte{naluTypeFU << 1, 0x01, fuStart | 19, 0xaa}
	d.Push(pkt(1, 90000, false, start))
	// Marker arrives while the fragment is still open.
	aus := d.Push(pkt(2, 90000, true, nal(1, 0x02)))
	if len(aus) != 1 || !aus[0].Corrupted {
		t.Fatalf("AU after dangling FU start = %+v, want corrupted", aus)
	}
}

func TestMiddleFragmentWithoutStart(t *testing.T) {
	d := New(zerolog.Nop())
	mid := []byte{naluTypeFU << 1, 0x01, 19, 0xcc}
	aus := d.Push(pkt(1, 90000, true, mid))
	// Nothing reassembled, so there is no AU payload to emit.
	if len(aus) != 0 {
		t.Fatalf("orphan middle fragment produced %d AUs", len(aus))
	}
}
