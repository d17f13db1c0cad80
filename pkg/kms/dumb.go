package kms

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DumbBuffer is a CPU-mappable kernel allocation. The OSD plane draws into
// one directly; the decoder uses them as external frame storage.
type DumbBuffer struct {
	card   *Card
	Handle uint32
	Pitch  uint32
	Size   uint64
	Width  uint32
	Height uint32
	Map    []byte
}

// CreateDumb allocates a dumb buffer of the given dimensions and bit depth.
// The buffer is not mapped; call MapDumb when CPU access is needed.
func (c *Card) CreateDumb(width, height, bpp uint32) (*DumbBuffer, error) {
	arg := modeCreateDumb{Height: height, Width: width, Bpp: bpp}
	if err := drmIoctl(c.fd, iowr(drmNrModeCreateDumb, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return nil, fmt.Errorf("kms: create dumb %dx%d@%d: %w", width, height, bpp, err)
	}
	return &DumbBuffer{
		card:   c,
		Handle: arg.Handle,
		Pitch:  arg.Pitch,
		Size:   arg.Size,
		Width:  width,
		Height: height,
	}, nil
}

// MapDumb maps the buffer into the process. The mapping covers the whole
// allocation, so for planar formats every plane is reachable through it.
func (b *DumbBuffer) MapDumb() error {
	if b.Map != nil {
		return nil
	}
	arg := modeMapDumb{Handle: b.Handle}
	if err := drmIoctl(b.card.fd, iowr(drmNrModeMapDumb, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("kms: map dumb %d: %w", b.Handle, err)
	}
	m, err := unix.Mmap(b.card.fd, int64(arg.Offset), int(b.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("kms: mmap dumb %d: %w", b.Handle, err)
	}
	b.Map = m
	return nil
}

// ExportPrime turns the buffer's GEM handle into a dma-buf fd for another
// device (the decoder imports these as its frame pool).
func (b *DumbBuffer) ExportPrime() (int, error) {
	arg := primeHandle{Handle: b.Handle, Flags: unix.O_CLOEXEC | unix.O_RDWR}
	if err := drmIoctl(b.card.fd, iowr(drmNrPrimeHandleToFd, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return -1, fmt.Errorf("kms: export prime for handle %d: %w", b.Handle, err)
	}
	return int(arg.Fd), nil
}

// Destroy unmaps and frees the buffer. Framebuffers referencing it must be
// removed first.
func (b *DumbBuffer) Destroy() error {
	if b.Map != nil {
		if err := unix.Munmap(b.Map); err != nil {
			return fmt.Errorf("kms: munmap dumb %d: %w", b.Handle, err)
		}
		b.Map = nil
	}
	arg := modeDestroyDumb{Handle: b.Handle}
	if err := drmIoctl(b.card.fd, iowr(drmNrModeDestroyDumb, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("kms: destroy dumb %d: %w", b.Handle, err)
	}
	b.Handle = 0
	return nil
}

// AddFB2 registers a framebuffer over existing GEM handles. Unused planes
// keep zero handles.
func (c *Card) AddFB2(width, height, format uint32, handles, pitches, offsets [4]uint32) (uint32, error) {
	arg := modeFbCmd2{
		Width:       width,
		Height:      height,
		PixelFormat: format,
		Handles:     handles,
		Pitches:     pitches,
		Offsets:     offsets,
	}
	if err := drmIoctl(c.fd, iowr(drmNrModeAddFb2, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return 0, fmt.Errorf("kms: addfb2 %dx%d %s: %w", width, height, fourccString(format), err)
	}
	return arg.FbID, nil
}

// AddFBForDumb registers a single-plane framebuffer over a dumb buffer.
func (c *Card) AddFBForDumb(b *DumbBuffer, format uint32) (uint32, error) {
	return c.AddFB2(b.Width, b.Height, format,
		[4]uint32{b.Handle}, [4]uint32{b.Pitch}, [4]uint32{})
}

// AddFBNV12 registers a two-plane NV12 framebuffer over a single handle,
// with the chroma plane at pitch*verStride. This matches how the decoder
// lays frames out in its externally allocated buffers.
func (c *Card) AddFBNV12(width, height, pitch, verStride, handle uint32) (uint32, error) {
	return c.AddFB2(width, height, FormatNV12,
		[4]uint32{handle, handle},
		[4]uint32{pitch, pitch},
		[4]uint32{0, pitch * verStride})
}

// RmFB drops a framebuffer registration.
func (c *Card) RmFB(fbID uint32) error {
	if err := drmIoctl(c.fd, iowr(drmNrModeRmFb, unsafe.Sizeof(fbID)), unsafe.Pointer(&fbID)); err != nil {
		return fmt.Errorf("kms: rmfb %d: %w", fbID, err)
	}
	return nil
}

// CloseGEM releases a GEM handle obtained outside the dumb helpers, e.g. a
// handle imported from a dma-buf.
func (c *Card) CloseGEM(handle uint32) error {
	arg := gemClose{Handle: handle}
	if err := drmIoctl(c.fd, iow(drmNrGemClose, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("kms: gem close %d: %w", handle, err)
	}
	return nil
}
