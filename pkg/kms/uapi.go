package kms

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DRM uAPI structures and ioctl plumbing. Layouts mirror
// include/uapi/drm/drm_mode.h; ioctl numbers are computed from the struct
// sizes the same way the _IOWR macros do.

const drmIoctlBase = 'd'

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | drmIoctlBase<<8 | nr
}

func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocWrite|iocRead, nr, size) }

// Command numbers from drm.h.
const (
	drmNrGemClose         = 0x09
	drmNrSetClientCap     = 0x0d
	drmNrPrimeHandleToFd  = 0x2d
	drmNrModeGetResources = 0xa0
	drmNrModeGetEncoder   = 0xa6
	drmNrModeGetConnector = 0xa7
	drmNrModeGetProperty  = 0xaa
	drmNrModeRmFb         = 0xaf
	drmNrModeCreateDumb   = 0xb2
	drmNrModeMapDumb      = 0xb3
	drmNrModeDestroyDumb  = 0xb4
	drmNrModeGetPlaneRes  = 0xb5
	drmNrModeGetPlane     = 0xb6
	drmNrModeAddFb2       = 0xb8
	drmNrModeObjGetProps  = 0xb9
	drmNrModeAtomic       = 0xbc
	drmNrModeCreateBlob   = 0xbd
	drmNrModeDestroyBlob  = 0xbe
)

// Object types for property queries.
const (
	ObjectCRTC      = 0xcccccccc
	ObjectConnector = 0xc0c0c0c0
	ObjectPlane     = 0xeeeeeeee
)

// Atomic commit flags.
const (
	AtomicTestOnly     = 0x0100
	AtomicNonblock     = 0x0200
	AtomicAllowModeset = 0x0400
	PageFlipEvent      = 0x0001
)

// Client capabilities.
const (
	clientCapUniversalPlanes = 2
	clientCapAtomic          = 3
)

// Connector status values.
const (
	connectionConnected = 1
)

// Mode type flags.
const modeTypePreferred = 1 << 3

// Plane types, taken from the immutable "type" enum property.
const (
	PlaneTypeOverlay = iota
	PlaneTypePrimary
	PlaneTypeCursor
)

// FourCC pixel formats.
const (
	FormatNV12     = uint32('N') | uint32('V')<<8 | uint32('1')<<16 | uint32('2')<<24
	FormatARGB8888 = uint32('A') | uint32('R')<<8 | uint32('2')<<16 | uint32('4')<<24
)

type modeCardRes struct {
	FbIDPtr         uint64
	CrtcIDPtr       uint64
	ConnectorIDPtr  uint64
	EncoderIDPtr    uint64
	CountFbs        uint32
	CountCrtcs      uint32
	CountConnectors uint32
	CountEncoders   uint32
	MinWidth        uint32
	MaxWidth        uint32
	MinHeight       uint32
	MaxHeight       uint32
}

type modeInfo struct {
	Clock      uint32
	Hdisplay   uint16
	HsyncStart uint16
	HsyncEnd   uint16
	Htotal     uint16
	Hskew      uint16
	Vdisplay   uint16
	VsyncStart uint16
	VsyncEnd   uint16
	Vtotal     uint16
	Vscan      uint16
	Vrefresh   uint32
	Flags      uint32
	Type       uint32
	Name       [32]byte
}

type modeGetConnector struct {
	EncodersPtr     uint64
	ModesPtr        uint64
	PropsPtr        uint64
	PropValuesPtr   uint64
	CountModes      uint32
	CountProps      uint32
	CountEncoders   uint32
	EncoderID       uint32
	ConnectorID     uint32
	ConnectorType   uint32
	ConnectorTypeID uint32
	Connection      uint32
	MmWidth         uint32
	MmHeight        uint32
	Subpixel        uint32
	Pad             uint32
}

type modeGetEncoder struct {
	EncoderID      uint32
	EncoderType    uint32
	CrtcID         uint32
	PossibleCrtcs  uint32
	PossibleClones uint32
}

type modeGetPlaneRes struct {
	PlaneIDPtr  uint64
	CountPlanes uint32
}

type modeGetPlane struct {
	PlaneID          uint32
	CrtcID           uint32
	FbID             uint32
	PossibleCrtcs    uint32
	GammaSize        uint32
	CountFormatTypes uint32
	FormatTypePtr    uint64
}

type modeObjGetProperties struct {
	PropsPtr      uint64
	PropValuesPtr uint64
	CountProps    uint32
	ObjID         uint32
	ObjType       uint32
}

type modeGetProperty struct {
	ValuesPtr      uint64
	EnumBlobPtr    uint64
	PropID         uint32
	Flags          uint32
	Name           [32]byte
	CountValues    uint32
	CountEnumBlobs uint32
}

type modePropertyEnum struct {
	Value uint64
	Name  [32]byte
}

type modeCreateBlob struct {
	Data   uint64
	Length uint32
	BlobID uint32
}

type modeDestroyBlob struct {
	BlobID uint32
}

type modeAtomic struct {
	Flags         uint32
	CountObjs     uint32
	ObjsPtr       uint64
	CountPropsPtr uint64
	PropsPtr      uint64
	PropValuesPtr uint64
	Reserved      uint64
	UserData      uint64
}

type modeCreateDumb struct {
	Height uint32
	Width  uint32
	Bpp    uint32
	Flags  uint32
	Handle uint32
	Pitch  uint32
	Size   uint64
}

type modeMapDumb struct {
	Handle uint32
	Pad    uint32
	Offset uint64
}

type modeDestroyDumb struct {
	Handle uint32
}

type modeFbCmd2 struct {
	FbID        uint32
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Flags       uint32
	Handles     [4]uint32
	Pitches     [4]uint32
	Offsets     [4]uint32
	Modifier    [4]uint64
}

type gemClose struct {
	Handle uint32
	Pad    uint32
}

type primeHandle struct {
	Handle uint32
	Flags  uint32
	Fd     int32
}

type setClientCap struct {
	Capability uint64
	Value      uint64
}

// drmIoctl issues an ioctl against the DRM fd, retrying on EINTR and EAGAIN
// the way libdrm's drmIoctl does.
func drmIoctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		return errno
	}
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func fourccString(f uint32) string {
	return fmt.Sprintf("%c%c%c%c", byte(f), byte(f>>8), byte(f>>16), byte(f>>24))
}
