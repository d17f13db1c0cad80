package kms

import (
	"fmt"
	"runtime"
	"strings"
	"unsafe"
)

// PropInfo describes one property attached to a DRM object.
type PropInfo struct {
	ID    uint32
	Name  string
	Value uint64
	Min   uint64
	Max   uint64
	Enums map[string]uint64
}

// ObjectProperties lists every property on the object together with its
// current value and, for range/enum properties, its bounds.
func (c *Card) ObjectProperties(objID, objType uint32) ([]PropInfo, error) {
	var props []uint32
	var values []uint64
	for attempt := 0; attempt < 4; attempt++ {
		var arg modeObjGetProperties
		arg.ObjID = objID
		arg.ObjType = objType
		if err := drmIoctl(c.fd, iowr(drmNrModeObjGetProps, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
			return nil, fmt.Errorf("kms: get properties of %#x/%d: %w", objType, objID, err)
		}
		if arg.CountProps == 0 {
			return nil, nil
		}
		props = make([]uint32, arg.CountProps)
		values = make([]uint64, arg.CountProps)
		arg.PropsPtr = uint64(uintptr(unsafe.Pointer(&props[0])))
		arg.PropValuesPtr = uint64(uintptr(unsafe.Pointer(&values[0])))
		want := arg.CountProps
		err := drmIoctl(c.fd, iowr(drmNrModeObjGetProps, unsafe.Sizeof(arg)), unsafe.Pointer(&arg))
		runtime.KeepAlive(props)
		runtime.KeepAlive(values)
		if err != nil {
			return nil, fmt.Errorf("kms: get properties of %#x/%d: %w", objType, objID, err)
		}
		if arg.CountProps <= want {
			props = props[:arg.CountProps]
			values = values[:arg.CountProps]
			break
		}
		props, values = nil, nil
	}

	out := make([]PropInfo, 0, len(props))
	for i, id := range props {
		info, err := c.getProperty(id)
		if err != nil {
			return nil, err
		}
		info.Value = values[i]
		out = append(out, *info)
	}
	return out, nil
}

func (c *Card) getProperty(id uint32) (*PropInfo, error) {
	var arg modeGetProperty
	arg.PropID = id
	if err := drmIoctl(c.fd, iowr(drmNrModeGetProperty, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return nil, fmt.Errorf("kms: get property %d: %w", id, err)
	}
	info := &PropInfo{ID: id, Name: cstr(arg.Name[:])}

	vals := make([]uint64, arg.CountValues)
	enums := make([]modePropertyEnum, arg.CountEnumBlobs)
	if arg.CountValues > 0 {
		arg.ValuesPtr = uint64(uintptr(unsafe.Pointer(&vals[0])))
	}
	if arg.CountEnumBlobs > 0 {
		arg.EnumBlobPtr = uint64(uintptr(unsafe.Pointer(&enums[0])))
	}
	if arg.CountValues > 0 || arg.CountEnumBlobs > 0 {
		err := drmIoctl(c.fd, iowr(drmNrModeGetProperty, unsafe.Sizeof(arg)), unsafe.Pointer(&arg))
		runtime.KeepAlive(vals)
		runtime.KeepAlive(enums)
		if err != nil {
			return nil, fmt.Errorf("kms: get property %d: %w", id, err)
		}
	}
	if len(vals) >= 2 {
		info.Min, info.Max = vals[0], vals[1]
	}
	if len(enums) > 0 {
		info.Enums = make(map[string]uint64, len(enums))
		for _, e := range enums {
			info.Enums[cstr(e.Name[:])] = e.Value
		}
	}
	return info, nil
}

func findProp(props []PropInfo, name, alt string) *PropInfo {
	for _, want := range []string{name, alt} {
		if want == "" {
			continue
		}
		for i := range props {
			if strings.EqualFold(props[i].Name, want) {
				return &props[i]
			}
		}
	}
	return nil
}

// FindProp looks a property up by name, case-insensitively, optionally
// trying one alternate spelling (e.g. "ZPOS" vs "zpos"). Missing properties
// are an error, never a silent zero.
func (c *Card) FindProp(objID, objType uint32, name, alt string) (*PropInfo, error) {
	props, err := c.ObjectProperties(objID, objType)
	if err != nil {
		return nil, err
	}
	if p := findProp(props, name, alt); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q on %#x/%d", ErrMissingProperty, name, objType, objID)
}

// PropID is FindProp for callers that only need the id.
func (c *Card) PropID(objID, objType uint32, name string) (uint32, error) {
	p, err := c.FindProp(objID, objType, name, "")
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

// PlanePropSet is the fixed set of plane properties the committers touch,
// resolved once per plane.
type PlanePropSet struct {
	FbID   uint32
	CrtcID uint32
	CrtcX  uint32
	CrtcY  uint32
	CrtcW  uint32
	CrtcH  uint32
	SrcX   uint32
	SrcY   uint32
	SrcW   uint32
	SrcH   uint32

	ZPos     uint32
	HaveZPos bool
	ZMin     uint64
	ZMax     uint64

	Alpha     uint32
	HaveAlpha bool
	AlphaMax  uint64

	Blend        uint32
	BlendPremult uint64
	HaveBlend    bool

	InFenceFd   uint32
	HaveInFence bool

	OutFencePtr  uint32
	HaveOutFence bool
}

// ResolvePlaneProps queries the committer property set of a plane. The XYWH
// and FB properties are required; fences, zpos, alpha and blend mode are
// recorded when present.
func (c *Card) ResolvePlaneProps(planeID uint32) (*PlanePropSet, error) {
	props, err := c.ObjectProperties(planeID, ObjectPlane)
	if err != nil {
		return nil, err
	}
	ps := &PlanePropSet{}
	required := []struct {
		name string
		dst  *uint32
	}{
		{"FB_ID", &ps.FbID},
		{"CRTC_ID", &ps.CrtcID},
		{"CRTC_X", &ps.CrtcX},
		{"CRTC_Y", &ps.CrtcY},
		{"CRTC_W", &ps.CrtcW},
		{"CRTC_H", &ps.CrtcH},
		{"SRC_X", &ps.SrcX},
		{"SRC_Y", &ps.SrcY},
		{"SRC_W", &ps.SrcW},
		{"SRC_H", &ps.SrcH},
	}
	for _, r := range required {
		p := findProp(props, r.name, "")
		if p == nil {
			return nil, fmt.Errorf("%w: %q on plane %d", ErrMissingProperty, r.name, planeID)
		}
		*r.dst = p.ID
	}
	if p := findProp(props, "ZPOS", "zpos"); p != nil {
		ps.ZPos, ps.HaveZPos = p.ID, true
		ps.ZMin, ps.ZMax = p.Min, p.Max
	}
	if p := findProp(props, "alpha", ""); p != nil {
		ps.Alpha, ps.HaveAlpha = p.ID, true
		ps.AlphaMax = p.Max
	}
	if p := findProp(props, "pixel blend mode", ""); p != nil {
		if v, ok := p.Enums["Pre-multiplied"]; ok {
			ps.Blend, ps.BlendPremult, ps.HaveBlend = p.ID, v, true
		}
	}
	if p := findProp(props, "IN_FENCE_FD", ""); p != nil {
		ps.InFenceFd, ps.HaveInFence = p.ID, true
	}
	if p := findProp(props, "OUT_FENCE_PTR", ""); p != nil {
		ps.OutFencePtr, ps.HaveOutFence = p.ID, true
	}
	return ps, nil
}

// PlaneType reads the immutable "type" enum of a plane.
func (c *Card) PlaneType(planeID uint32) (int, error) {
	p, err := c.FindProp(planeID, ObjectPlane, "type", "")
	if err != nil {
		return 0, err
	}
	for name, v := range p.Enums {
		if v == p.Value {
			switch name {
			case "Primary":
				return PlaneTypePrimary, nil
			case "Cursor":
				return PlaneTypeCursor, nil
			default:
				return PlaneTypeOverlay, nil
			}
		}
	}
	// Some drivers expose the type property without enum names; fall back
	// to the raw value, which follows the uapi enum order.
	return int(p.Value), nil
}
