package kms

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ErrMissingProperty is returned when a required DRM property does not exist
// on an object. Required properties are never silently treated as zero.
var ErrMissingProperty = errors.New("kms: missing property")

// Card is an open DRM device with atomic and universal-planes capabilities
// enabled. The supervisor owns the Card; subsystems either duplicate the fd
// or call back through the Card for short-lived operations.
type Card struct {
	fd  int
	log zerolog.Logger
}

// OpenCard opens the DRM device at path and enables the client capabilities
// the atomic pipeline depends on. Failure here is fatal to the caller.
func OpenCard(path string, log zerolog.Logger) (*Card, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kms: open %s: %w", path, err)
	}
	c := &Card{fd: fd, log: log}
	for _, cap := range []uint64{clientCapUniversalPlanes, clientCapAtomic} {
		arg := setClientCap{Capability: cap, Value: 1}
		if err := drmIoctl(fd, iow(drmNrSetClientCap, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("kms: set client cap %d: %w", cap, err)
		}
	}
	log.Debug().Str("card", path).Msg("drm card opened")
	return c, nil
}

// Fd returns the card's file descriptor.
func (c *Card) Fd() int { return c.fd }

// DupFd hands out an O_CLOEXEC duplicate for subsystems that outlive a
// single supervisor call, such as the decoder's display thread.
func (c *Card) DupFd() (int, error) {
	fd, err := unix.FcntlInt(uintptr(c.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("kms: dup drm fd: %w", err)
	}
	return fd, nil
}

func (c *Card) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// Mode is one display timing advertised by a connector.
type Mode struct {
	Clock    uint32
	Width    int
	Height   int
	Htotal   int
	Vtotal   int
	Vrefresh int
	Flags    uint32
	Type     uint32
	Name     string

	raw modeInfo
}

// RefreshHz returns the vertical refresh rate, computing it from the pixel
// clock when the kernel left the vrefresh field empty.
func (m Mode) RefreshHz() int {
	if m.Vrefresh != 0 {
		return m.Vrefresh
	}
	if m.Htotal == 0 || m.Vtotal == 0 {
		return 0
	}
	return int(int64(m.Clock) * 1000 / int64(m.Htotal*m.Vtotal))
}

// Preferred reports whether the connector marked this mode preferred.
func (m Mode) Preferred() bool { return m.Type&modeTypePreferred != 0 }

// Connector describes one display output and its mode list.
type Connector struct {
	ID         uint32
	Type       uint32
	TypeID     uint32
	Connected  bool
	EncoderID  uint32
	EncoderIDs []uint32
	Modes      []Mode
}

// Name renders the libdrm-style connector name, e.g. "HDMI-A-1".
func (c Connector) Name() string {
	return fmt.Sprintf("%s-%d", connectorTypeName(c.Type), c.TypeID)
}

func connectorTypeName(t uint32) string {
	names := []string{
		"Unknown", "VGA", "DVI-I", "DVI-D", "DVI-A", "Composite", "SVIDEO",
		"LVDS", "Component", "DIN", "DP", "HDMI-A", "HDMI-B", "TV", "eDP",
		"Virtual", "DSI", "DPI", "Writeback", "SPI", "USB",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "Unknown"
}

// Resources returns the card's CRTC and connector id lists.
func (c *Card) Resources() (crtcs, connectors []uint32, err error) {
	// Two-pass ioctl: first with zero counts to learn sizes, then with
	// buffers. Retried in case the topology changes between calls.
	for attempt := 0; attempt < 4; attempt++ {
		var res modeCardRes
		if err := drmIoctl(c.fd, iowr(drmNrModeGetResources, unsafe.Sizeof(res)), unsafe.Pointer(&res)); err != nil {
			return nil, nil, fmt.Errorf("kms: get resources: %w", err)
		}
		crtcs = make([]uint32, res.CountCrtcs)
		connectors = make([]uint32, res.CountConnectors)
		if res.CountCrtcs > 0 {
			res.CrtcIDPtr = uint64(uintptr(unsafe.Pointer(&crtcs[0])))
		}
		if res.CountConnectors > 0 {
			res.ConnectorIDPtr = uint64(uintptr(unsafe.Pointer(&connectors[0])))
		}
		res.CountFbs = 0
		res.CountEncoders = 0
		wantCrtcs, wantConns := res.CountCrtcs, res.CountConnectors
		err := drmIoctl(c.fd, iowr(drmNrModeGetResources, unsafe.Sizeof(res)), unsafe.Pointer(&res))
		runtime.KeepAlive(crtcs)
		runtime.KeepAlive(connectors)
		if err != nil {
			return nil, nil, fmt.Errorf("kms: get resources: %w", err)
		}
		if res.CountCrtcs <= wantCrtcs && res.CountConnectors <= wantConns {
			return crtcs[:res.CountCrtcs], connectors[:res.CountConnectors], nil
		}
	}
	return nil, nil, fmt.Errorf("kms: get resources: unstable topology")
}

// GetConnector fetches one connector with its full mode list.
func (c *Card) GetConnector(id uint32) (*Connector, error) {
	for attempt := 0; attempt < 4; attempt++ {
		var gc modeGetConnector
		gc.ConnectorID = id
		if err := drmIoctl(c.fd, iowr(drmNrModeGetConnector, unsafe.Sizeof(gc)), unsafe.Pointer(&gc)); err != nil {
			return nil, fmt.Errorf("kms: get connector %d: %w", id, err)
		}
		modes := make([]modeInfo, gc.CountModes)
		encoders := make([]uint32, gc.CountEncoders)
		if gc.CountModes > 0 {
			gc.ModesPtr = uint64(uintptr(unsafe.Pointer(&modes[0])))
		}
		if gc.CountEncoders > 0 {
			gc.EncodersPtr = uint64(uintptr(unsafe.Pointer(&encoders[0])))
		}
		gc.CountProps = 0
		wantModes := gc.CountModes
		err := drmIoctl(c.fd, iowr(drmNrModeGetConnector, unsafe.Sizeof(gc)), unsafe.Pointer(&gc))
		runtime.KeepAlive(modes)
		runtime.KeepAlive(encoders)
		if err != nil {
			return nil, fmt.Errorf("kms: get connector %d: %w", id, err)
		}
		if gc.CountModes > wantModes {
			continue
		}
		conn := &Connector{
			ID:         gc.ConnectorID,
			Type:       gc.ConnectorType,
			TypeID:     gc.ConnectorTypeID,
			Connected:  gc.Connection == connectionConnected,
			EncoderID:  gc.EncoderID,
			EncoderIDs: encoders[:gc.CountEncoders],
		}
		for _, mi := range modes[:gc.CountModes] {
			conn.Modes = append(conn.Modes, Mode{
				Clock:    mi.Clock,
				Width:    int(mi.Hdisplay),
				Height:   int(mi.Vdisplay),
				Htotal:   int(mi.Htotal),
				Vtotal:   int(mi.Vtotal),
				Vrefresh: int(mi.Vrefresh),
				Flags:    mi.Flags,
				Type:     mi.Type,
				Name:     cstr(mi.Name[:]),
				raw:      mi,
			})
		}
		return conn, nil
	}
	return nil, fmt.Errorf("kms: get connector %d: unstable mode list", id)
}

// Encoder links a connector to the CRTCs it can drive.
type Encoder struct {
	ID            uint32
	CrtcID        uint32
	PossibleCrtcs uint32
}

// GetEncoder fetches one encoder.
func (c *Card) GetEncoder(id uint32) (*Encoder, error) {
	var ge modeGetEncoder
	ge.EncoderID = id
	if err := drmIoctl(c.fd, iowr(drmNrModeGetEncoder, unsafe.Sizeof(ge)), unsafe.Pointer(&ge)); err != nil {
		return nil, fmt.Errorf("kms: get encoder %d: %w", id, err)
	}
	return &Encoder{ID: ge.EncoderID, CrtcID: ge.CrtcID, PossibleCrtcs: ge.PossibleCrtcs}, nil
}

// CreateModeBlob uploads a mode as a property blob for MODE_ID.
func (c *Card) CreateModeBlob(m Mode) (uint32, error) {
	raw := m.raw
	arg := modeCreateBlob{
		Data:   uint64(uintptr(unsafe.Pointer(&raw))),
		Length: uint32(unsafe.Sizeof(raw)),
	}
	err := drmIoctl(c.fd, iowr(drmNrModeCreateBlob, unsafe.Sizeof(arg)), unsafe.Pointer(&arg))
	runtime.KeepAlive(&raw)
	if err != nil {
		return 0, fmt.Errorf("kms: create mode blob: %w", err)
	}
	return arg.BlobID, nil
}

// DestroyBlob releases a property blob.
func (c *Card) DestroyBlob(id uint32) error {
	arg := modeDestroyBlob{BlobID: id}
	if err := drmIoctl(c.fd, iowr(drmNrModeDestroyBlob, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("kms: destroy blob %d: %w", id, err)
	}
	return nil
}
