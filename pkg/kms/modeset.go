package kms

import (
	"fmt"
)

// ModesetResult is what the rest of the pipeline needs to know about the
// configured output: where to commit video, where the OSD may go, and the
// active timing.
type ModesetResult struct {
	ConnectorID  uint32
	CrtcID       uint32
	CrtcIndex    int
	VideoPlaneID uint32
	VideoProps   *PlanePropSet
	Planes       []Plane
	ModeW        int
	ModeH        int
	ModeHz       int
	ModeBlob     uint32
}

// ModesetOptions narrows connector, mode and plane selection. Zero values
// mean "pick automatically".
type ModesetOptions struct {
	ConnectorName string
	ModeW         int
	ModeH         int
	ModeHz        int
	PlaneID       uint32
	OSDOnTop      bool
}

// CompareModes orders display modes best-first: higher refresh, then larger
// area, then the PREFERRED flag, then higher pixel clock.
func CompareModes(a, b Mode) int {
	if ra, rb := a.RefreshHz(), b.RefreshHz(); ra != rb {
		if ra > rb {
			return -1
		}
		return 1
	}
	if aa, ab := a.Width*a.Height, b.Width*b.Height; aa != ab {
		if aa > ab {
			return -1
		}
		return 1
	}
	if pa, pb := a.Preferred(), b.Preferred(); pa != pb {
		if pa {
			return -1
		}
		return 1
	}
	if a.Clock != b.Clock {
		if a.Clock > b.Clock {
			return -1
		}
		return 1
	}
	return 0
}

// PickMode chooses the best mode, restricted to the requested resolution
// (and, when non-zero, refresh rate) if one was configured.
func PickMode(modes []Mode, wantW, wantH, wantHz int) (Mode, bool) {
	var best Mode
	found := false
	for _, m := range modes {
		if wantW != 0 && (m.Width != wantW || m.Height != wantH) {
			continue
		}
		if wantHz != 0 && m.RefreshHz() != wantHz {
			continue
		}
		if !found || CompareModes(m, best) < 0 {
			best, found = m, true
		}
	}
	return best, found
}

// PickConnector returns the connected connector with at least one mode,
// preferring the one matching name when set.
func (c *Card) PickConnector(name string) (*Connector, error) {
	_, connIDs, err := c.Resources()
	if err != nil {
		return nil, err
	}
	var first *Connector
	for _, id := range connIDs {
		conn, err := c.GetConnector(id)
		if err != nil {
			return nil, err
		}
		if !conn.Connected || len(conn.Modes) == 0 {
			continue
		}
		if name != "" && conn.Name() == name {
			return conn, nil
		}
		if first == nil {
			first = conn
		}
	}
	if name != "" && first != nil {
		c.log.Warn().Str("want", name).Str("using", first.Name()).
			Msg("configured connector not connected, falling back")
	}
	if first == nil {
		return nil, fmt.Errorf("kms: no connected connector with modes")
	}
	return first, nil
}

// crtcFor resolves the CRTC driving the connector, preferring the one its
// current encoder is attached to and falling back to the first CRTC any of
// its encoders can reach.
func (c *Card) crtcFor(conn *Connector, crtcs []uint32) (uint32, int, error) {
	if conn.EncoderID != 0 {
		enc, err := c.GetEncoder(conn.EncoderID)
		if err == nil && enc.CrtcID != 0 {
			for i, id := range crtcs {
				if id == enc.CrtcID {
					return id, i, nil
				}
			}
		}
	}
	for _, eid := range conn.EncoderIDs {
		enc, err := c.GetEncoder(eid)
		if err != nil {
			continue
		}
		for i, id := range crtcs {
			if enc.PossibleCrtcs&(1<<uint(i)) != 0 {
				return id, i, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("kms: no usable crtc for connector %s", conn.Name())
}

// Modeset picks a connector, mode, CRTC and video plane, then activates the
// mode in one atomic commit. The video plane is committed fully disabled;
// the decoder provides the first real framebuffer. Some drivers reject
// linear placeholder buffers on their video planes, so no placeholder is
// scanned out here.
func (c *Card) Modeset(opt ModesetOptions) (*ModesetResult, error) {
	conn, err := c.PickConnector(opt.ConnectorName)
	if err != nil {
		return nil, err
	}
	mode, ok := PickMode(conn.Modes, opt.ModeW, opt.ModeH, opt.ModeHz)
	if !ok {
		mode, ok = PickMode(conn.Modes, 0, 0, 0)
		if !ok {
			return nil, fmt.Errorf("kms: connector %s has no usable mode", conn.Name())
		}
		c.log.Warn().Int("w", opt.ModeW).Int("h", opt.ModeH).
			Str("using", mode.Name).Msg("requested mode not found")
	}
	crtcs, _, err := c.Resources()
	if err != nil {
		return nil, err
	}
	crtcID, crtcIdx, err := c.crtcFor(conn, crtcs)
	if err != nil {
		return nil, err
	}

	planes, err := c.Planes(crtcIdx)
	if err != nil {
		return nil, err
	}
	var video *Plane
	if opt.PlaneID != 0 {
		for i := range planes {
			if planes[i].ID == opt.PlaneID {
				video = &planes[i]
				break
			}
		}
		if video == nil {
			return nil, fmt.Errorf("kms: plane %d not usable on crtc %d", opt.PlaneID, crtcID)
		}
		if !video.Supports(FormatNV12) {
			return nil, fmt.Errorf("kms: plane %d does not scan out NV12", opt.PlaneID)
		}
	} else {
		video = PickVideoPlane(planes)
		if video == nil {
			return nil, fmt.Errorf("kms: no NV12-capable plane on crtc %d", crtcID)
		}
	}

	blob, err := c.CreateModeBlob(mode)
	if err != nil {
		return nil, err
	}
	activeProp, err := c.FindProp(crtcID, ObjectCRTC, "ACTIVE", "")
	if err != nil {
		return nil, err
	}
	modeProp, err := c.FindProp(crtcID, ObjectCRTC, "MODE_ID", "")
	if err != nil {
		return nil, err
	}
	connCrtcProp, err := c.FindProp(conn.ID, ObjectConnector, "CRTC_ID", "")
	if err != nil {
		return nil, err
	}

	req := NewAtomicRequest()
	req.Set(conn.ID, connCrtcProp.ID, uint64(crtcID))
	req.Set(crtcID, activeProp.ID, 1)
	req.Set(crtcID, modeProp.ID, uint64(blob))
	disablePlane(req, video)
	if video.Props.HaveZPos {
		z := video.Props.ZMax
		if opt.OSDOnTop && z > video.Props.ZMin {
			z--
		}
		req.Set(video.ID, video.Props.ZPos, z)
	}
	if err := c.Commit(req, AtomicAllowModeset); err != nil {
		c.DestroyBlob(blob)
		return nil, err
	}

	c.log.Info().
		Str("connector", conn.Name()).
		Str("mode", mode.Name).
		Int("hz", mode.RefreshHz()).
		Uint32("crtc", crtcID).
		Uint32("video_plane", video.ID).
		Msg("modeset committed")

	return &ModesetResult{
		ConnectorID:  conn.ID,
		CrtcID:       crtcID,
		CrtcIndex:    crtcIdx,
		VideoPlaneID: video.ID,
		VideoProps:   video.Props,
		Planes:       planes,
		ModeW:        mode.Width,
		ModeH:        mode.Height,
		ModeHz:       mode.RefreshHz(),
		ModeBlob:     blob,
	}, nil
}

// DisablePlane commits a plane fully off.
func (c *Card) DisablePlane(p *Plane) error {
	req := NewAtomicRequest()
	disablePlane(req, p)
	return c.Commit(req, 0)
}

func disablePlane(req *AtomicRequest, p *Plane) {
	req.Set(p.ID, p.Props.FbID, 0)
	req.Set(p.ID, p.Props.CrtcID, 0)
	req.Set(p.ID, p.Props.CrtcX, 0)
	req.Set(p.ID, p.Props.CrtcY, 0)
	req.Set(p.ID, p.Props.CrtcW, 0)
	req.Set(p.ID, p.Props.CrtcH, 0)
	req.Set(p.ID, p.Props.SrcX, 0)
	req.Set(p.ID, p.Props.SrcY, 0)
	req.Set(p.ID, p.Props.SrcW, 0)
	req.Set(p.ID, p.Props.SrcH, 0)
}
