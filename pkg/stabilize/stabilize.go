package stabilize

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/snokvist/pixelpilot-mini/pkg/config"
	"github.com/snokvist/pixelpilot-mini/pkg/decode"
	"github.com/snokvist/pixelpilot-mini/pkg/kms"
)

/*
#cgo LDFLAGS: -lrga
#include <rga/RgaApi.h>
#include <rga/rga.h>
*/
import "C"

const poolSize = 4

// Stabiliser modes. "auto" runs the motion estimator; the others override
// the crop offset directly.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
	ModeDemo   = "demo"
)

type procSlot struct {
	buf     *kms.DumbBuffer
	fbID    uint32
	primeFd int
}

// Stabilizer crops the decoded frame by the (negated, smoothed) motion
// estimate and blits it into a processed-frame pool with the RGA engine.
// It plugs into the decoder as its frame processor.
type Stabilizer struct {
	cfg  config.StabilizeConfig
	card *kms.Card
	log  zerolog.Logger
	est  *Estimator

	geo  decode.Geometry
	pool [poolSize]procSlot
	next int

	startNS  int64
	bypassed bool // 10-bit streams skip the estimator
}

// New prepares the stabiliser; buffers are allocated on the first Rebuild.
func New(cfg config.StabilizeConfig, card *kms.Card, log zerolog.Logger) (*Stabilizer, error) {
	if C.c_RkRgaInit() != 0 {
		return nil, fmt.Errorf("stabilize: RGA init failed")
	}
	s := &Stabilizer{
		cfg:     cfg,
		card:    card,
		log:     log.With().Str("component", "stabilize").Logger(),
		est:     NewEstimator(cfg.Downsample, cfg.Radius, cfg.Alpha),
		startNS: time.Now().UnixNano(),
	}
	for i := range s.pool {
		s.pool[i].primeFd = -1
	}
	return s, nil
}

// Rebuild reallocates the processed-frame pool for a new stream geometry.
func (s *Stabilizer) Rebuild(g decode.Geometry) error {
	s.Release()
	s.geo = g

	s.bypassed = g.TenBit && s.cfg.Mode == ModeAuto
	if s.bypassed {
		s.log.Warn().Msg("10-bit stream: motion estimation bypassed")
	} else if s.cfg.Mode == ModeAuto {
		if err := s.est.Configure(g.Width, g.Height, g.HorStride); err != nil {
			return err
		}
	}

	bpp := uint32(8)
	if g.TenBit {
		bpp = 10
	}
	for i := range s.pool {
		buf, err := s.card.CreateDumb(uint32(g.HorStride), uint32(g.VerStride*2), bpp)
		if err != nil {
			s.Release()
			return fmt.Errorf("stabilize: processed buffer %d: %w", i, err)
		}
		fd, err := buf.ExportPrime()
		if err != nil {
			buf.Destroy()
			s.Release()
			return err
		}
		fbID, err := s.card.AddFBNV12(uint32(g.Width), uint32(g.Height), buf.Pitch, uint32(g.VerStride), buf.Handle)
		if err != nil {
			unix.Close(fd)
			buf.Destroy()
			s.Release()
			return err
		}
		s.pool[i] = procSlot{buf: buf, fbID: fbID, primeFd: fd}
	}
	s.log.Info().Int("width", g.Width).Int("height", g.Height).Str("mode", s.cfg.Mode).Msg("stabiliser pool ready")
	return nil
}

// Process crops the input by the current offset and blits it into the next
// processed slot. ok=false displays the unmodified frame.
func (s *Stabilizer) Process(f *decode.InFrame) (uint32, int, bool) {
	dx, dy, ok := s.offset(f)
	if !ok {
		return 0, -1, false
	}

	srcX, srcY := s.clampCrop(dx, dy)
	dst := &s.pool[s.next]
	if dst.primeFd < 0 {
		return 0, -1, false
	}
	if err := s.blit(f.PrimeFd, dst.primeFd, srcX, srcY); err != nil {
		s.log.Warn().Err(err).Msg("RGA blit failed, passing frame through")
		return 0, -1, false
	}
	s.next = (s.next + 1) % poolSize
	return dst.fbID, -1, true
}

// Release tears the processed pool down.
func (s *Stabilizer) Release() {
	for i := range s.pool {
		p := &s.pool[i]
		if p.fbID != 0 {
			s.card.RmFB(p.fbID)
		}
		if p.primeFd >= 0 {
			unix.Close(p.primeFd)
		}
		if p.buf != nil {
			p.buf.Destroy()
		}
		s.pool[i] = procSlot{primeFd: -1}
	}
}

// offset resolves the crop displacement for the configured mode.
func (s *Stabilizer) offset(f *decode.InFrame) (float64, float64, bool) {
	switch s.cfg.Mode {
	case ModeManual:
		return float64(s.cfg.ManualX), float64(s.cfg.ManualY), true
	case ModeDemo:
		t := float64(time.Now().UnixNano()-s.startNS) / float64(time.Second)
		phase := 2 * math.Pi * s.cfg.DemoFrequency * t
		return s.cfg.DemoAmplitude * math.Sin(phase), s.cfg.DemoAmplitude * math.Cos(phase), true
	default:
		if s.bypassed {
			return 0, 0, false
		}
		plane := s.geo.HorStride * s.geo.Height
		if plane > len(f.Y) {
			return 0, 0, false
		}
		est, ok := s.est.Analyse(f.Y[:plane])
		if !ok {
			return 0, 0, false
		}
		return est.X, est.Y, true
	}
}

// clampCrop turns a displacement into a legal NV12 source origin: bounded
// by max translation and the guard band, kept inside the stride margin and
// aligned to even coordinates for the chroma plane.
func (s *Stabilizer) clampCrop(dx, dy float64) (int, int) {
	limit := float64(s.cfg.MaxTranslation)
	x := int(math.Round(clampF(dx, -limit, limit)))
	y := int(math.Round(clampF(dy, -limit, limit)))

	guard := s.cfg.GuardBand
	x = clampI(x, -guard, guard)
	y = clampI(y, -guard, guard)

	x = clampI(x, 0, s.geo.HorStride-s.geo.Width)
	y = clampI(y, 0, s.geo.VerStride-s.geo.Height)
	return x &^ 1, y &^ 1
}

// blit copies a width×height crop from the source dma-buf into the
// destination at (0,0), NV12 to NV12.
func (s *Stabilizer) blit(srcFd, dstFd, srcX, srcY int) error {
	var src, dst C.rga_info_t
	src.fd = C.int(srcFd)
	src.mmuFlag = 1
	src.format = C.RK_FORMAT_YCbCr_420_SP
	src.rect.x = C.int(srcX)
	src.rect.y = C.int(srcY)
	src.rect.w = C.int(s.geo.Width)
	src.rect.h = C.int(s.geo.Height)
	src.rect.wstride = C.int(s.geo.HorStride)
	src.rect.hstride = C.int(s.geo.VerStride)

	dst.fd = C.int(dstFd)
	dst.mmuFlag = 1
	dst.format = C.RK_FORMAT_YCbCr_420_SP
	dst.rect.w = C.int(s.geo.Width)
	dst.rect.h = C.int(s.geo.Height)
	dst.rect.wstride = C.int(s.geo.HorStride)
	dst.rect.hstride = C.int(s.geo.VerStride)

	if ret := C.c_RkRgaBlit(&src, &dst, nil); ret != 0 {
		return fmt.Errorf("stabilize: c_RkRgaBlit: %d", int(ret))
	}
	C.c_RkRgaFlush()
	return nil
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
