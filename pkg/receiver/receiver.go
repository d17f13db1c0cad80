package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Config selects the port and the RTP payload-type demux keys. A negative
// AudioPT turns the audio branch off entirely; payload type 0 (PCMU) is a
// valid key, so zero cannot mean "none".
type Config struct {
	Port    int
	VideoPT uint8
	AudioPT int
}

// Packet is one demuxed video packet handed to the depayloader, with its
// arrival time and any loss flags the sequence tracker raised.
type Packet struct {
	RTP       *rtp.Packet
	ArrivalNS int64
	Flags     uint8
}

// Receiver binds a UDP socket and demuxes RTP by payload type. Video
// packets feed the sequence/jitter/bitrate trackers and the output queue;
// audio packets only feed the counters.
type Receiver struct {
	cfg Config
	log zerolog.Logger

	conn *net.UDPConn
	out  chan Packet

	// OnSource is invoked from the receive loop whenever the sender
	// address changes, so the IDR requester learns where to knock.
	OnSource func(addr netip.Addr)

	mu      sync.Mutex
	stats   Stats
	ring    history
	haveSeq bool
	lastSeq uint16

	haveTransit bool
	lastTransit int64

	frameOpen  bool
	frameTS    uint32
	frameBytes uint64

	windowStart int64
	windowBytes uint64

	source netip.Addr

	wg sync.WaitGroup
}

// New creates a receiver; Start binds and spawns the loop.
func New(cfg Config, log zerolog.Logger) *Receiver {
	return &Receiver{
		cfg: cfg,
		log: log.With().Str("component", "receiver").Logger(),
		out: make(chan Packet, 512),
	}
}

// Packets is the video output queue consumed by the depayloader.
func (r *Receiver) Packets() <-chan Packet { return r.out }

// Start binds the socket with SO_REUSEADDR and a 4 MiB receive buffer and
// spawns the receive loop.
func (r *Receiver) Start() error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", r.cfg.Port))
	if err != nil {
		return fmt.Errorf("receiver: bind :%d: %w", r.cfg.Port, err)
	}
	r.conn = pc.(*net.UDPConn)
	if err := r.conn.SetReadBuffer(4 << 20); err != nil {
		r.log.Warn().Err(err).Msg("could not grow receive buffer")
	}
	r.wg.Add(1)
	go r.loop()
	r.log.Info().Int("port", r.cfg.Port).
		Uint8("video_pt", r.cfg.VideoPT).Int("audio_pt", r.cfg.AudioPT).
		Msg("receiver started")
	return nil
}

// Stop closes the socket, which unblocks the loop, and joins it.
func (r *Receiver) Stop() {
	if r.conn != nil {
		r.conn.Close()
	}
	r.wg.Wait()
	close(r.out)
}

func (r *Receiver) loop() {
	defer r.wg.Done()
	buf := make([]byte, 2048)
	for {
		r.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			r.log.Warn().Err(err).Msg("recv error")
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		r.handleDatagram(pkt, time.Now().UnixNano(), addr.Addr())
	}
}

// handleDatagram parses and classifies one datagram. Split out from the
// socket loop so the trackers are testable with synthetic packets.
func (r *Receiver) handleDatagram(data []byte, arrivalNS int64, src netip.Addr) {
	var p rtp.Packet
	if err := p.Unmarshal(data); err != nil {
		r.mu.Lock()
		r.stats.TotalPackets++
		r.stats.IgnoredPackets++
		r.mu.Unlock()
		return
	}
	if src.IsValid() && src != r.source {
		r.source = src
		if r.OnSource != nil {
			r.OnSource(src)
		}
	}

	r.mu.Lock()
	r.stats.TotalPackets++
	r.stats.TotalBytes += uint64(len(data))

	var flags uint8
	switch {
	case p.PayloadType == r.cfg.VideoPT:
		flags = r.trackVideo(&p, len(data), arrivalNS)
	case r.cfg.AudioPT >= 0 && int(p.PayloadType) == r.cfg.AudioPT:
		r.stats.AudioPackets++
		r.stats.AudioBytes += uint64(len(data))
	default:
		r.stats.IgnoredPackets++
	}
	r.ring.push(PacketSample{
		Sequence:    p.SequenceNumber,
		Timestamp:   p.Timestamp,
		PayloadType: p.PayloadType,
		Marker:      p.Marker,
		Flags:       flags,
		Size:        len(data),
		ArrivalNS:   arrivalNS,
	})
	r.mu.Unlock()

	if p.PayloadType == r.cfg.VideoPT {
		select {
		case r.out <- Packet{RTP: &p, ArrivalNS: arrivalNS, Flags: flags}:
		default:
			// Queue full: the depayloader is behind, newest packet loses.
			r.log.Warn().Uint16("seq", p.SequenceNumber).Msg("video queue full, dropping")
		}
	}
}

// trackVideo updates the sequence, jitter, bitrate and framing trackers.
// Caller holds r.mu.
func (r *Receiver) trackVideo(p *rtp.Packet, size int, arrivalNS int64) uint8 {
	s := &r.stats
	s.VideoPackets++
	s.VideoBytes += uint64(size)

	var flags uint8
	seq := p.SequenceNumber
	if !r.haveSeq {
		r.haveSeq = true
		s.ExpectedSeq = seq + 1
		r.lastSeq = seq
	} else if seq == r.lastSeq {
		s.DuplicatePackets++
		flags |= FlagDuplicate
	} else {
		// Signed 16-bit delta is wrap-safe across the uint16 boundary.
		delta := int16(seq - s.ExpectedSeq)
		switch {
		case delta == 0:
			s.ExpectedSeq = seq + 1
		case delta > 0:
			s.LostPackets += uint64(delta)
			s.ExpectedSeq = seq + 1
			flags |= FlagLoss
		default:
			s.ReorderedPackets++
			flags |= FlagReorder
		}
		r.lastSeq = seq
	}

	// RFC 3550 interarrival jitter with 1/16 smoothing, on the 90 kHz clock.
	transit := arrivalNS*videoClockRate/1_000_000_000 - int64(p.Timestamp)
	if r.haveTransit {
		d := transit - r.lastTransit
		if d < 0 {
			d = -d
		}
		s.Jitter += (float64(d) - s.Jitter) / 16
		s.JitterAvg = jitterEwmaAlpha*s.Jitter + (1-jitterEwmaAlpha)*s.JitterAvg
	}
	r.haveTransit = true
	r.lastTransit = transit

	// Bitrate over a 100 ms window.
	if r.windowStart == 0 {
		r.windowStart = arrivalNS
	}
	r.windowBytes += uint64(size)
	if elapsed := arrivalNS - r.windowStart; elapsed >= bitrateWindowNS {
		s.BitrateMbps = float64(r.windowBytes) * 8 * 1000 / float64(elapsed)
		s.BitrateAvg = bitrateAlpha*s.BitrateMbps + (1-bitrateAlpha)*s.BitrateAvg
		r.windowStart = arrivalNS
		r.windowBytes = 0
	}

	// Framing: bytes accumulate across packets sharing the timestamp; the
	// marker closes the frame, a timestamp change without one means the
	// tail was never seen.
	if r.frameOpen && p.Timestamp != r.frameTS {
		s.IncompleteFrames++
		r.frameOpen = false
	}
	if !r.frameOpen {
		r.frameOpen = true
		r.frameTS = p.Timestamp
		r.frameBytes = 0
	}
	r.frameBytes += uint64(len(p.Payload))
	if p.Marker {
		s.FrameCount++
		s.LastFrameBytes = r.frameBytes
		if s.FrameSizeAvg == 0 {
			s.FrameSizeAvg = float64(r.frameBytes)
		} else {
			s.FrameSizeAvg = frameEwmaAlpha*float64(r.frameBytes) + (1-frameEwmaAlpha)*s.FrameSizeAvg
		}
		r.frameOpen = false
		flags |= FlagFrameEnd
	}
	s.LastVideoTimestamp = p.Timestamp
	return flags
}

// Snapshot copies the counters and the history ring.
func (r *Receiver) Snapshot() (Stats, []PacketSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats, r.ring.snapshot()
}
