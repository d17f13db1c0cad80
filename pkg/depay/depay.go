// Package depay reassembles H.265 access units from RTP payloads
// (single NAL, aggregation and fragmentation units per RFC 7798).
package depay

import (
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

const (
	naluTypeAP = 48
	naluTypeFU = 49

	fuStart = 0x80
	fuEnd   = 0x40
)

var startCode = []byte{0, 0, 0, 1}

// AccessUnit is one reassembled AU: start-code-prefixed NALs plus the PTS
// derived from the extended RTP timestamp.
type AccessUnit struct {
	Data      []byte
	PTS       time.Duration
	Corrupted bool
	Discont   bool
}

// Depayloader consumes video RTP packets in arrival order and emits access
// units on marker bits or timestamp changes. It tracks sequence gaps on its
// own input, independently of the receiver's counters.
type Depayloader struct {
	log zerolog.Logger

	// EmitCorrupted forwards damaged AUs flagged instead of dropping
	// them. The decoder runs with error concealment, so the default is
	// to let it try.
	EmitCorrupted bool

	au        []byte
	auTS      uint32
	auOpen    bool
	corrupted bool

	fu       []byte
	fuActive bool

	haveSeq bool
	nextSeq uint16

	haveTS   bool
	extTS    uint64
	baseTS   uint64
	haveBase bool
}

// New returns a depayloader that forwards corrupted AUs.
func New(log zerolog.Logger) *Depayloader {
	return &Depayloader{
		log:           log.With().Str("component", "depay").Logger(),
		EmitCorrupted: true,
	}
}

// Push processes one packet and returns any completed access units, in
// order. A timestamp change can close the previous AU and the marker bit
// the current one, so up to two AUs can come back.
func (d *Depayloader) Push(p *rtp.Packet) []AccessUnit {
	var out []AccessUnit

	if d.auOpen && p.Timestamp != d.auTS {
		if au, ok := d.closeAU(); ok {
			out = append(out, au)
		}
	}

	if d.haveSeq && p.SequenceNumber != d.nextSeq {
		d.corrupted = true
		d.fuActive = false
		d.fu = nil
	}
	d.haveSeq = true
	d.nextSeq = p.SequenceNumber + 1

	if !d.auOpen {
		d.auOpen = true
		d.auTS = p.Timestamp
	}
	d.consume(p.Payload)

	if p.Marker {
		if au, ok := d.closeAU(); ok {
			out = append(out, au)
		}
	}
	return out
}

func (d *Depayloader) consume(payload []byte) {
	if len(payload) < 2 {
		d.corrupted = true
		return
	}
	naluType := (payload[0] >> 1) & 0x3f
	switch {
	case naluType < naluTypeAP:
		d.appendNAL(payload)
	case naluType == naluTypeAP:
		d.consumeAP(payload[2:])
	case naluType == naluTypeFU:
		d.consumeFU(payload)
	default:
		d.corrupted = true
	}
}

func (d *Depayloader) consumeAP(body []byte) {
	for len(body) > 0 {
		if len(body) < 2 {
			d.corrupted = true
			return
		}
		size := int(body[0])<<8 | int(body[1])
		body = body[2:]
		if size == 0 || size > len(body) {
			d.corrupted = true
			return
		}
		d.appendNAL(body[:size])
		body = body[size:]
	}
}

func (d *Depayloader) consumeFU(payload []byte) {
	if len(payload) < 3 {
		d.corrupted = true
		return
	}
	fuHdr := payload[2]
	frag := payload[3:]
	switch {
	case fuHdr&fuStart != 0:
		// Rebuild the two-byte NAL header: type from the FU header,
		// layer and tid preserved from the indicator.
		indicator := uint16(payload[0])<<8 | uint16(payload[1])
		hdr := (indicator & 0x81ff) | uint16(fuHdr&0x3f)<<9
		d.fu = append(d.fu[:0], byte(hdr>>8), byte(hdr))
		d.fu = append(d.fu, frag...)
		d.fuActive = true
	case !d.fuActive:
		d.corrupted = true
	case fuHdr&fuEnd != 0:
		d.fu = append(d.fu, frag...)
		d.appendNAL(d.fu)
		d.fuActive = false
	default:
		d.fu = append(d.fu, frag...)
	}
}

func (d *Depayloader) appendNAL(nal []byte) {
	d.au = append(d.au, startCode...)
	d.au = append(d.au, nal...)
}

func (d *Depayloader) closeAU() (AccessUnit, bool) {
	if d.fuActive {
		// A fragment never saw its end bit.
		d.corrupted = true
		d.fuActive = false
	}
	au := AccessUnit{
		Data:      d.au,
		PTS:       d.pts(d.auTS),
		Corrupted: d.corrupted,
		Discont:   d.corrupted,
	}
	emit := len(au.Data) > 0 && (d.EmitCorrupted || !au.Corrupted)
	if au.Corrupted && !emit && len(au.Data) > 0 {
		d.log.Debug().Msg("dropping corrupted access unit")
	}
	d.au = nil
	d.auOpen = false
	d.corrupted = false
	return au, emit
}

// pts extends the 32-bit RTP timestamp to 64 bits with a ±2³¹ wrap
// heuristic and converts it to a duration on the 90 kHz clock, relative to
// the first AU.
func (d *Depayloader) pts(ts uint32) time.Duration {
	if !d.haveTS {
		d.haveTS = true
		d.extTS = uint64(ts)
	} else {
		ext := d.extTS&^uint64(0xffffffff) | uint64(ts)
		if ext > d.extTS+1<<31 {
			ext -= 1 << 32
		} else if ext+1<<31 < d.extTS {
			ext += 1 << 32
		}
		d.extTS = ext
	}
	if !d.haveBase {
		d.haveBase = true
		d.baseTS = d.extTS
	}
	return time.Duration(d.extTS-d.baseTS) * time.Second / 90000
}
