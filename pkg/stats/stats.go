// Package stats aggregates receiver, decoder and recorder counters into a
// mutex-protected snapshot read by the OSD, the SSE streamer and the
// external-OSD feed. Writers never block on readers; readers copy and go.
package stats

import (
	"strings"
	"sync"
	"time"

	"github.com/snokvist/pixelpilot-mini/pkg/receiver"
)

const historyDepth = 256

// DecoderStats are the counters published by the decoder adapter.
type DecoderStats struct {
	FramesDecoded uint64
	FramesDropped uint64
	InfoChanges   uint64
	Errors        uint64
	Width         int
	Height        int
}

// RecorderStats are the counters published by the recorder.
type RecorderStats struct {
	Active       bool
	BytesWritten uint64
	AccessUnits  uint64
	Keyframes    uint64
	Dropped      uint64
	Path         string
}

// Snapshot is a point-in-time copy of every producer's section.
type Snapshot struct {
	TimeNS   int64
	RTP      receiver.Stats
	Decoder  DecoderStats
	Recorder RecorderStats
}

// Bus is the shared snapshot holder. Producers update their own section;
// consumers take copies.
type Bus struct {
	mu      sync.Mutex
	cur     Snapshot
	history map[string]*ring
}

func NewBus() *Bus {
	return &Bus{history: make(map[string]*ring)}
}

// UpdateRTP replaces the receiver section and extends the plotted
// histories.
func (b *Bus) UpdateRTP(s receiver.Stats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.RTP = s
	b.cur.TimeNS = time.Now().UnixNano()
	b.record("rtp.bitrate_mbps", s.BitrateMbps)
	b.record("rtp.bitrate_avg", s.BitrateAvg)
	b.record("rtp.jitter", s.Jitter)
	b.record("rtp.jitter_avg", s.JitterAvg)
	b.record("rtp.frame_size_avg", s.FrameSizeAvg)
	b.record("rtp.lost", float64(s.LostPackets))
}

// UpdateDecoder replaces the decoder section.
func (b *Bus) UpdateDecoder(s DecoderStats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.Decoder = s
	b.cur.TimeNS = time.Now().UnixNano()
	b.record("dec.frames", float64(s.FramesDecoded))
	b.record("dec.dropped", float64(s.FramesDropped))
}

// UpdateRecorder replaces the recorder section.
func (b *Bus) UpdateRecorder(s RecorderStats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.Recorder = s
	b.cur.TimeNS = time.Now().UnixNano()
}

// Get returns a copy of the current snapshot.
func (b *Bus) Get() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// History returns up to n most recent recorded values for a metric path,
// oldest first.
func (b *Bus) History(path string, n int) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.history[strings.ToLower(path)]
	if !ok {
		return nil
	}
	return r.tail(n)
}

func (b *Bus) record(path string, v float64) {
	r, ok := b.history[path]
	if !ok {
		r = &ring{}
		b.history[path] = r
	}
	r.push(v)
}

// Lookup resolves a dotted metric path against the snapshot. Unknown paths
// return false, so the OSD can render a placeholder instead.
func (s *Snapshot) Lookup(path string) (float64, bool) {
	switch strings.ToLower(path) {
	case "rtp.total_packets":
		return float64(s.RTP.TotalPackets), true
	case "rtp.video_packets":
		return float64(s.RTP.VideoPackets), true
	case "rtp.audio_packets":
		return float64(s.RTP.AudioPackets), true
	case "rtp.ignored_packets":
		return float64(s.RTP.IgnoredPackets), true
	case "rtp.lost":
		return float64(s.RTP.LostPackets), true
	case "rtp.reordered":
		return float64(s.RTP.ReorderedPackets), true
	case "rtp.duplicate":
		return float64(s.RTP.DuplicatePackets), true
	case "rtp.frames":
		return float64(s.RTP.FrameCount), true
	case "rtp.incomplete_frames":
		return float64(s.RTP.IncompleteFrames), true
	case "rtp.frame_size_avg":
		return s.RTP.FrameSizeAvg, true
	case "rtp.bitrate_mbps":
		return s.RTP.BitrateMbps, true
	case "rtp.bitrate_avg":
		return s.RTP.BitrateAvg, true
	case "rtp.jitter":
		return s.RTP.Jitter, true
	case "rtp.jitter_avg":
		return s.RTP.JitterAvg, true
	case "dec.frames":
		return float64(s.Decoder.FramesDecoded), true
	case "dec.dropped":
		return float64(s.Decoder.FramesDropped), true
	case "dec.errors":
		return float64(s.Decoder.Errors), true
	case "dec.info_changes":
		return float64(s.Decoder.InfoChanges), true
	case "dec.width":
		return float64(s.Decoder.Width), true
	case "dec.height":
		return float64(s.Decoder.Height), true
	case "rec.bytes":
		return float64(s.Recorder.BytesWritten), true
	case "rec.access_units":
		return float64(s.Recorder.AccessUnits), true
	case "rec.keyframes":
		return float64(s.Recorder.Keyframes), true
	case "rec.dropped":
		return float64(s.Recorder.Dropped), true
	case "rec.active":
		if s.Recorder.Active {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

type ring struct {
	buf  [historyDepth]float64
	next int
	full bool
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next++
	if r.next == historyDepth {
		r.next = 0
		r.full = true
	}
}

func (r *ring) tail(n int) []float64 {
	size := r.next
	if r.full {
		size = historyDepth
	}
	if n > size {
		n = size
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		idx := (r.next - n + i + historyDepth) % historyDepth
		out[i] = r.buf[idx]
	}
	return out
}
