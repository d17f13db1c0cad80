package stats

import (
	"sync"
	"testing"

	"github.com/snokvist/pixelpilot-mini/pkg/receiver"
)

func TestLookup(t *testing.T) {
	s := Snapshot{
		RTP:     receiver.Stats{BitrateAvg: 12.5, LostPackets: 3},
		Decoder: DecoderStats{FramesDecoded: 900, Width: 1920},
	}
	cases := []struct {
		path string
		want float64
		ok   bool
	}{
		{"rtp.bitrate_avg", 12.5, true},
		{"RTP.Bitrate_Avg", 12.5, true},
		{"rtp.lost", 3, true},
		{"dec.frames", 900, true},
		{"dec.width", 1920, true},
		{"bogus.metric", 0, false},
	}
	for _, tc := range cases {
		got, ok := s.Lookup(tc.path)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Lookup(%q) = (%v,%v), want (%v,%v)", tc.path, got, ok, tc.want, tc.ok)
		}
	}
}

func TestHistoryOrdering(t *testing.T) {
	b := NewBus()
	for i := 1; i <= 5; i++ {
		b.UpdateRTP(receiver.Stats{BitrateMbps: float64(i)})
	}
	got := b.History("rtp.bitrate_mbps", 3)
	want := []float64{3, 4, 5}
	if len(got) != 3 {
		t.Fatalf("History returned %d values, want 3", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("History[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if h := b.History("no.such.metric", 3); h != nil {
		t.Errorf("unknown metric history = %v, want nil", h)
	}
}

func TestHistoryWraps(t *testing.T) {
	b := NewBus()
	for i := 0; i < historyDepth+20; i++ {
		b.UpdateRTP(receiver.Stats{BitrateMbps: float64(i)})
	}
	got := b.History("rtp.bitrate_mbps", historyDepth)
	if len(got) != historyDepth {
		t.Fatalf("History returned %d values, want %d", len(got), historyDepth)
	}
	if got[0] != 20 || got[historyDepth-1] != float64(historyDepth+19) {
		t.Errorf("History range = [%v..%v], want [20..%d]",
			got[0], got[historyDepth-1], historyDepth+19)
	}
}

func TestConcurrentProducers(t *testing.T) {
	b := NewBus()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.UpdateDecoder(DecoderStats{FramesDecoded: uint64(i), FramesDropped: uint64(i)})
				_ = b.Get()
			}
		}()
	}
	wg.Wait()
	s := b.Get()
	// Sections are written whole: the two counters always move together.
	if s.Decoder.FramesDecoded != s.Decoder.FramesDropped {
		t.Errorf("torn snapshot: decoded %d dropped %d",
			s.Decoder.FramesDecoded, s.Decoder.FramesDropped)
	}
}
