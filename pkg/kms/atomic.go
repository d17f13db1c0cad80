package kms

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// AtomicRequest accumulates property writes for one ATOMIC ioctl. Objects
// keep the order in which they were first touched, and properties keep the
// order they were set within an object, matching what the kernel expects of
// the sorted arrays.
type AtomicRequest struct {
	objs  []uint32
	props [][]uint32
	vals  [][]uint64
}

// NewAtomicRequest returns an empty request.
func NewAtomicRequest() *AtomicRequest {
	return &AtomicRequest{}
}

// Set records objID.propID = value. Setting the same property twice keeps
// both writes; the kernel applies the later one.
func (r *AtomicRequest) Set(objID, propID uint32, value uint64) {
	for i, o := range r.objs {
		if o == objID {
			r.props[i] = append(r.props[i], propID)
			r.vals[i] = append(r.vals[i], value)
			return
		}
	}
	r.objs = append(r.objs, objID)
	r.props = append(r.props, []uint32{propID})
	r.vals = append(r.vals, []uint64{value})
}

// Len reports the total number of property writes queued.
func (r *AtomicRequest) Len() int {
	n := 0
	for _, p := range r.props {
		n += len(p)
	}
	return n
}

func (r *AtomicRequest) flatten() (objs []uint32, counts []uint32, props []uint32, vals []uint64) {
	objs = r.objs
	counts = make([]uint32, len(r.objs))
	for i := range r.objs {
		counts[i] = uint32(len(r.props[i]))
		props = append(props, r.props[i]...)
		vals = append(vals, r.vals[i]...)
	}
	return
}

// Commit submits the request. A non-blocking attempt is made first; if the
// driver is still busy with the previous frame the commit is retried
// blocking, so the caller never drops a frame on EBUSY.
func (c *Card) Commit(r *AtomicRequest, flags uint32) error {
	err := c.atomicIoctl(r, flags|AtomicNonblock)
	if err == unix.EBUSY {
		err = c.atomicIoctl(r, flags)
	}
	if err != nil {
		return fmt.Errorf("kms: atomic commit: %w", err)
	}
	return nil
}

// TestCommit asks the driver whether the request would succeed, without
// touching the hardware.
func (c *Card) TestCommit(r *AtomicRequest) error {
	return c.atomicIoctl(r, AtomicTestOnly)
}

func (c *Card) atomicIoctl(r *AtomicRequest, flags uint32) error {
	objs, counts, props, vals := r.flatten()
	if len(objs) == 0 {
		return nil
	}
	arg := modeAtomic{
		Flags:         flags,
		CountObjs:     uint32(len(objs)),
		ObjsPtr:       uint64(uintptr(unsafe.Pointer(&objs[0]))),
		CountPropsPtr: uint64(uintptr(unsafe.Pointer(&counts[0]))),
		PropsPtr:      uint64(uintptr(unsafe.Pointer(&props[0]))),
		PropValuesPtr: uint64(uintptr(unsafe.Pointer(&vals[0]))),
	}
	err := drmIoctl(c.fd, iowr(drmNrModeAtomic, unsafe.Sizeof(arg)), unsafe.Pointer(&arg))
	// The arg struct carries the array addresses only as integers; keep
	// the Go references live until the kernel is done reading them.
	runtime.KeepAlive(objs)
	runtime.KeepAlive(counts)
	runtime.KeepAlive(props)
	runtime.KeepAlive(vals)
	return err
}
