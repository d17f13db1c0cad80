package kms

import (
	"fmt"
	"runtime"
	"unsafe"
)

// Plane is one hardware plane together with the pieces the selectors score
// against: its type, its format list and its resolved property set.
type Plane struct {
	ID            uint32
	PossibleCrtcs uint32
	Type          int
	Formats       []uint32
	Props         *PlanePropSet
}

// Supports reports whether the plane advertises the fourcc.
func (p *Plane) Supports(format uint32) bool {
	for _, f := range p.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Planes enumerates every plane usable with the CRTC at crtcIndex (the bit
// position in possible_crtcs, not the CRTC id).
func (c *Card) Planes(crtcIndex int) ([]Plane, error) {
	var ids []uint32
	for attempt := 0; attempt < 4; attempt++ {
		var res modeGetPlaneRes
		if err := drmIoctl(c.fd, iowr(drmNrModeGetPlaneRes, unsafe.Sizeof(res)), unsafe.Pointer(&res)); err != nil {
			return nil, fmt.Errorf("kms: get plane resources: %w", err)
		}
		if res.CountPlanes == 0 {
			return nil, nil
		}
		ids = make([]uint32, res.CountPlanes)
		res.PlaneIDPtr = uint64(uintptr(unsafe.Pointer(&ids[0])))
		want := res.CountPlanes
		err := drmIoctl(c.fd, iowr(drmNrModeGetPlaneRes, unsafe.Sizeof(res)), unsafe.Pointer(&res))
		runtime.KeepAlive(ids)
		if err != nil {
			return nil, fmt.Errorf("kms: get plane resources: %w", err)
		}
		if res.CountPlanes <= want {
			ids = ids[:res.CountPlanes]
			break
		}
		ids = nil
	}

	var out []Plane
	for _, id := range ids {
		p, err := c.getPlane(id)
		if err != nil {
			return nil, err
		}
		if p.PossibleCrtcs&(1<<uint(crtcIndex)) == 0 {
			continue
		}
		p.Type, err = c.PlaneType(id)
		if err != nil {
			return nil, err
		}
		p.Props, err = c.ResolvePlaneProps(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func (c *Card) getPlane(id uint32) (*Plane, error) {
	var arg modeGetPlane
	arg.PlaneID = id
	if err := drmIoctl(c.fd, iowr(drmNrModeGetPlane, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return nil, fmt.Errorf("kms: get plane %d: %w", id, err)
	}
	p := &Plane{ID: id, PossibleCrtcs: arg.PossibleCrtcs}
	if arg.CountFormatTypes > 0 {
		p.Formats = make([]uint32, arg.CountFormatTypes)
		arg.FormatTypePtr = uint64(uintptr(unsafe.Pointer(&p.Formats[0])))
		err := drmIoctl(c.fd, iowr(drmNrModeGetPlane, unsafe.Sizeof(arg)), unsafe.Pointer(&arg))
		runtime.KeepAlive(p.Formats)
		if err != nil {
			return nil, fmt.Errorf("kms: get plane %d formats: %w", id, err)
		}
		p.Formats = p.Formats[:arg.CountFormatTypes]
	}
	return p, nil
}

// PlaneAccepts probes whether a plane can actually scan out on the CRTC by
// issuing a TEST_ONLY commit with a small linear ARGB framebuffer. Drivers
// reject combinations the format list alone does not reveal.
func (c *Card) PlaneAccepts(p *Plane, crtcID uint32, modeW, modeH uint32) bool {
	buf, err := c.CreateDumb(64, 32, 32)
	if err != nil {
		return false
	}
	defer buf.Destroy()
	fb, err := c.AddFBForDumb(buf, FormatARGB8888)
	if err != nil {
		return false
	}
	defer c.RmFB(fb)

	w, h := uint64(64), uint64(32)
	if uint64(modeW) < w {
		w = uint64(modeW)
	}
	if uint64(modeH) < h {
		h = uint64(modeH)
	}
	req := NewAtomicRequest()
	req.Set(p.ID, p.Props.FbID, uint64(fb))
	req.Set(p.ID, p.Props.CrtcID, uint64(crtcID))
	req.Set(p.ID, p.Props.CrtcX, 0)
	req.Set(p.ID, p.Props.CrtcY, 0)
	req.Set(p.ID, p.Props.CrtcW, w)
	req.Set(p.ID, p.Props.CrtcH, h)
	req.Set(p.ID, p.Props.SrcX, 0)
	req.Set(p.ID, p.Props.SrcY, 0)
	req.Set(p.ID, p.Props.SrcW, w<<16)
	req.Set(p.ID, p.Props.SrcH, h<<16)
	return c.TestCommit(req) == nil
}

// PickVideoPlane chooses the plane carrying decoded frames. Planes that do
// not scan out NV12 are skipped; among the rest, primaries win over
// overlays, and a longer format list breaks ties.
func PickVideoPlane(planes []Plane) *Plane {
	var best *Plane
	bestScore := -1
	for i := range planes {
		p := &planes[i]
		if !p.Supports(FormatNV12) {
			continue
		}
		score := len(p.Formats)
		switch p.Type {
		case PlaneTypePrimary:
			score += 200
		case PlaneTypeOverlay:
			score += 100
		default:
			continue
		}
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

// PickOSDPlane chooses an ARGB-capable plane for the overlay, preferring
// whichever can be stacked highest, avoiding the video plane and cursors.
func PickOSDPlane(planes []Plane, videoID uint32) *Plane {
	var best *Plane
	bestScore := -1
	for i := range planes {
		p := &planes[i]
		if p.ID == videoID || p.Type == PlaneTypeCursor {
			continue
		}
		if !p.Supports(FormatARGB8888) {
			continue
		}
		score := 100
		if p.Props.HaveZPos {
			score += int(p.Props.ZMax)
		}
		if p.Type == PlaneTypeOverlay {
			score++
		}
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}
