// Package decode wraps the Rockchip MPP hardware decoder and drives the
// video plane: access units in, atomic page flips out.
package decode

import (
	"errors"
	"time"

	"github.com/snokvist/pixelpilot-mini/pkg/kms"
)

const (
	maxFrames     = 24
	packetBufSize = 1 << 20

	// decode_put_packet backoff while the codec input queue is full.
	bufferFullBackoff = 2 * time.Millisecond
)

// ErrStopped is returned by Feed once the decoder has shut down. Other
// Feed errors are per-unit and safe to skip.
var ErrStopped = errors.New("decode: decoder stopped")

// Config tunes the decoder's display hand-off.
type Config struct {
	// MaxLatenessNS drops a pending frame that waited longer than this
	// before the display thread could commit it. 0 disables the check.
	MaxLatenessNS int64
}

// Geometry describes the decoded stream as reported by the codec's
// info-change frame. Strides are the codec's, not the visible size.
type Geometry struct {
	Width     int
	Height    int
	HorStride int
	VerStride int
	TenBit    bool
}

// InFrame is a decoded frame handed to the frame processor. Y aliases the
// CPU mapping of the slot's luma plane; it is valid only for the duration
// of the Process call.
type InFrame struct {
	Slot    int
	FbID    uint32
	PrimeFd int
	Y       []byte
	Geo     Geometry
	Pitch   int
}

// FrameProcessor optionally rewrites decoded frames before display — the
// stabiliser implements it. Rebuild is called on every info change with the
// new geometry; Process returns the framebuffer to show instead of the
// decoded one (ok=false displays the original).
type FrameProcessor interface {
	Rebuild(g Geometry) error
	Process(f *InFrame) (fbID uint32, fence int, ok bool)
	Release()
}

// slot pairs one external codec buffer with its DRM identities.
type slot struct {
	buf     *kms.DumbBuffer
	fbID    uint32
	primeFd int
}

// pendingFrame is the single-slot hand-off between the frame puller and
// the display thread. A newer frame overwrites an uncommitted one; the
// overwrite is the drop policy.
type pendingFrame struct {
	fbID      uint32
	srcW      int
	srcH      int
	ptsNS     int64
	inFence   int
	arrivalNS int64
}
