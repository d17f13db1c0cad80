package receiver

// Per-sample flag bits recorded in the history ring.
const (
	FlagLoss      = 1 << 0
	FlagReorder   = 1 << 1
	FlagDuplicate = 1 << 2
	FlagFrameEnd  = 1 << 3
)

const (
	historySize     = 512
	jitterEwmaAlpha = 0.1
	frameEwmaAlpha  = 0.1
	bitrateAlpha    = 0.1
	bitrateWindowNS = 100_000_000
	videoClockRate  = 90000
)

// PacketSample is one entry in the receiver's history ring.
type PacketSample struct {
	Sequence    uint16
	Timestamp   uint32
	PayloadType uint8
	Marker      bool
	Flags       uint8
	Size        int
	ArrivalNS   int64
}

// Stats is the receiver's cumulative counter block. All counters are
// monotonic; they reset only when the receiver is stopped and recreated.
type Stats struct {
	TotalPackets   uint64
	VideoPackets   uint64
	AudioPackets   uint64
	IgnoredPackets uint64

	TotalBytes uint64
	VideoBytes uint64
	AudioBytes uint64

	LostPackets      uint64
	ReorderedPackets uint64
	DuplicatePackets uint64

	FrameCount       uint64
	IncompleteFrames uint64
	LastFrameBytes   uint64
	FrameSizeAvg     float64

	Jitter    float64
	JitterAvg float64

	BitrateMbps float64
	BitrateAvg  float64

	LastVideoTimestamp uint32
	ExpectedSeq        uint16
}

// history is a fixed-size overwrite ring of packet samples.
type history struct {
	buf  [historySize]PacketSample
	next int
	full bool
}

func (h *history) push(s PacketSample) {
	h.buf[h.next] = s
	h.next++
	if h.next == historySize {
		h.next = 0
		h.full = true
	}
}

// snapshot returns the samples oldest-first.
func (h *history) snapshot() []PacketSample {
	if !h.full {
		out := make([]PacketSample, h.next)
		copy(out, h.buf[:h.next])
		return out
	}
	out := make([]PacketSample, historySize)
	n := copy(out, h.buf[h.next:])
	copy(out[n:], h.buf[:h.next])
	return out
}
