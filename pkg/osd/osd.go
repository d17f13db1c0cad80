// Package osd renders the stats overlay into an ARGB plane above the video.
package osd

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/snokvist/pixelpilot-mini/pkg/config"
	"github.com/snokvist/pixelpilot-mini/pkg/extosd"
	"github.com/snokvist/pixelpilot-mini/pkg/kms"
)

const (
	baseW = 480
	baseH = 120
)

// Overlay owns the OSD plane, its dumb framebuffer and the renderer. All
// methods are called from the supervisor only.
type Overlay struct {
	card  *kms.Card
	log   zerolog.Logger
	plane *kms.Plane
	crtc  uint32

	buf  *kms.DumbBuffer
	fbID uint32

	renderer  *Renderer
	elems     []config.OSDElement
	committed bool
}

// Enable selects a plane, allocates the framebuffer and prepares the
// renderer. planeID 0 means auto-select.
func Enable(card *kms.Card, ms *kms.ModesetResult, planeID uint32, elems []config.OSDElement, log zerolog.Logger) (*Overlay, error) {
	plane, err := selectPlane(card, ms, planeID)
	if err != nil {
		return nil, err
	}
	scale := 1
	if ms.ModeW >= 1280 {
		scale = 2
	}
	buf, err := card.CreateDumb(uint32(baseW*scale), uint32(baseH*scale), 32)
	if err != nil {
		return nil, fmt.Errorf("osd: allocate framebuffer: %w", err)
	}
	if err := buf.MapDumb(); err != nil {
		buf.Destroy()
		return nil, err
	}
	fbID, err := card.AddFBForDumb(buf, kms.FormatARGB8888)
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	cv := NewCanvas(buf.Map, int(buf.Width), int(buf.Height), int(buf.Pitch))
	o := &Overlay{
		card:     card,
		log:      log.With().Str("component", "osd").Logger(),
		plane:    plane,
		crtc:     ms.CrtcID,
		buf:      buf,
		fbID:     fbID,
		renderer: NewRenderer(cv, scale),
		elems:    elems,
	}
	o.log.Info().Uint32("plane", plane.ID).Int("scale", scale).Msg("osd enabled")
	return o, nil
}

// selectPlane honours a configured plane id or scores the candidates. In
// both cases the plane must pass the TEST_ONLY probe and not be a cursor.
func selectPlane(card *kms.Card, ms *kms.ModesetResult, planeID uint32) (*kms.Plane, error) {
	if planeID != 0 {
		for i := range ms.Planes {
			p := &ms.Planes[i]
			if p.ID != planeID {
				continue
			}
			if p.Type == kms.PlaneTypeCursor {
				return nil, fmt.Errorf("osd: plane %d is a cursor plane", planeID)
			}
			if !card.PlaneAccepts(p, ms.CrtcID, uint32(ms.ModeW), uint32(ms.ModeH)) {
				return nil, fmt.Errorf("osd: plane %d rejects linear ARGB", planeID)
			}
			return p, nil
		}
		return nil, fmt.Errorf("osd: plane %d not found on crtc %d", planeID, ms.CrtcID)
	}
	accepted := make([]kms.Plane, 0, len(ms.Planes))
	for i := range ms.Planes {
		p := &ms.Planes[i]
		if p.ID == ms.VideoPlaneID || p.Type == kms.PlaneTypeCursor {
			continue
		}
		if card.PlaneAccepts(p, ms.CrtcID, uint32(ms.ModeW), uint32(ms.ModeH)) {
			accepted = append(accepted, *p)
		}
	}
	best := kms.PickOSDPlane(accepted, ms.VideoPlaneID)
	if best == nil {
		return nil, fmt.Errorf("osd: no ARGB-capable plane available")
	}
	return best, nil
}

// Tick redraws the buffer in place and commits. The first commit carries
// the full property set; later ones only re-touch FB_ID and CRTC_ID.
func (o *Overlay) Tick(m Metrics, ext *extosd.State, nowNS int64) error {
	o.renderer.Render(o.elems, m, ext, nowNS)

	req := kms.NewAtomicRequest()
	props := o.plane.Props
	req.Set(o.plane.ID, props.FbID, uint64(o.fbID))
	req.Set(o.plane.ID, props.CrtcID, uint64(o.crtc))
	if !o.committed {
		req.Set(o.plane.ID, props.CrtcX, 0)
		req.Set(o.plane.ID, props.CrtcY, 0)
		req.Set(o.plane.ID, props.CrtcW, uint64(o.buf.Width))
		req.Set(o.plane.ID, props.CrtcH, uint64(o.buf.Height))
		req.Set(o.plane.ID, props.SrcX, 0)
		req.Set(o.plane.ID, props.SrcY, 0)
		req.Set(o.plane.ID, props.SrcW, uint64(o.buf.Width)<<16)
		req.Set(o.plane.ID, props.SrcH, uint64(o.buf.Height)<<16)
		if props.HaveZPos {
			req.Set(o.plane.ID, props.ZPos, props.ZMax)
		}
		if props.HaveAlpha {
			req.Set(o.plane.ID, props.Alpha, props.AlphaMax)
		}
		if props.HaveBlend {
			req.Set(o.plane.ID, props.Blend, props.BlendPremult)
		}
	}
	if err := o.card.Commit(req, 0); err != nil {
		return err
	}
	o.committed = true
	return nil
}

// Disable unbinds the plane and releases the framebuffer. Safe to call
// once; the overlay is dead afterwards.
func (o *Overlay) Disable() {
	req := kms.NewAtomicRequest()
	req.Set(o.plane.ID, o.plane.Props.FbID, 0)
	req.Set(o.plane.ID, o.plane.Props.CrtcID, 0)
	if err := o.card.Commit(req, 0); err != nil {
		o.log.Warn().Err(err).Msg("osd disable commit failed")
	}
	if o.fbID != 0 {
		o.card.RmFB(o.fbID)
		o.fbID = 0
	}
	if o.buf != nil {
		o.buf.Destroy()
		o.buf = nil
	}
}
