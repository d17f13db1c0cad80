package kms

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Rect is a destination rectangle in CRTC coordinates.
type Rect struct {
	X, Y, W, H int
}

// ComputeDstRect letterboxes a srcW:srcH source into modeW×modeH: full
// width with bars when the source is wider than the display, full height
// with pillars otherwise.
func ComputeDstRect(srcW, srcH, modeW, modeH int) Rect {
	if srcW <= 0 || srcH <= 0 || modeW <= 0 || modeH <= 0 {
		return Rect{}
	}
	// Compare srcW/srcH vs modeW/modeH without division.
	if int64(srcW)*int64(modeH) > int64(modeW)*int64(srcH) {
		h := int(int64(modeW) * int64(srcH) / int64(srcW))
		return Rect{X: 0, Y: (modeH - h) / 2, W: modeW, H: h}
	}
	w := int(int64(modeH) * int64(srcW) / int64(srcH))
	return Rect{X: (modeW - w) / 2, Y: 0, W: w, H: modeH}
}

// Committer serialises atomic commits of decoded frames onto the video
// plane. It is driven by the decoder's display thread, one frame at a time.
type Committer struct {
	card   *Card
	crtcID uint32
	plane  uint32
	props  *PlanePropSet
	modeW  int
	modeH  int
	log    zerolog.Logger
}

// NewCommitter binds a committer to the modeset result's video plane.
func NewCommitter(card *Card, ms *ModesetResult, log zerolog.Logger) *Committer {
	return &Committer{
		card:   card,
		crtcID: ms.CrtcID,
		plane:  ms.VideoPlaneID,
		props:  ms.VideoProps,
		modeW:  ms.ModeW,
		modeH:  ms.ModeH,
		log:    log,
	}
}

// CommitFrame letterboxes the source into the mode and flips the plane to
// fbID. inFence (-1 for none) gates the scanout on the producer; if the
// plane cannot consume fences it is waited on with poll and closed here.
// The returned fd is the commit's OUT_FENCE, -1 when unavailable; it
// signals when the previous framebuffer is off the screen, so the caller
// uses it as the release fence for slot reuse.
func (cm *Committer) CommitFrame(fbID uint32, srcW, srcH int, inFence int) (int, error) {
	dst := ComputeDstRect(srcW, srcH, cm.modeW, cm.modeH)
	if dst.W == 0 || dst.H == 0 {
		return -1, fmt.Errorf("kms: degenerate source %dx%d", srcW, srcH)
	}

	req := NewAtomicRequest()
	req.Set(cm.plane, cm.props.FbID, uint64(fbID))
	req.Set(cm.plane, cm.props.CrtcID, uint64(cm.crtcID))
	req.Set(cm.plane, cm.props.CrtcX, uint64(dst.X))
	req.Set(cm.plane, cm.props.CrtcY, uint64(dst.Y))
	req.Set(cm.plane, cm.props.CrtcW, uint64(dst.W))
	req.Set(cm.plane, cm.props.CrtcH, uint64(dst.H))
	req.Set(cm.plane, cm.props.SrcX, 0)
	req.Set(cm.plane, cm.props.SrcY, 0)
	req.Set(cm.plane, cm.props.SrcW, uint64(srcW)<<16)
	req.Set(cm.plane, cm.props.SrcH, uint64(srcH)<<16)

	if inFence >= 0 {
		if cm.props.HaveInFence {
			req.Set(cm.plane, cm.props.InFenceFd, uint64(inFence))
		} else {
			waitFence(inFence)
			unix.Close(inFence)
			inFence = -1
		}
	}

	// Heap-allocated so the address handed to the kernel as an integer
	// stays valid across the commit.
	outFence := new(int32)
	*outFence = -1
	if cm.props.HaveOutFence {
		req.Set(cm.plane, cm.props.OutFencePtr, uint64(uintptr(unsafe.Pointer(outFence))))
	}

	err := cm.card.Commit(req, 0)
	runtime.KeepAlive(outFence)
	if inFence >= 0 {
		// The kernel took its own reference on the in-fence.
		unix.Close(inFence)
	}
	if err != nil {
		return -1, err
	}
	return int(*outFence), nil
}

// waitFence blocks until a sync-file fd signals. Errors are ignored; a
// failed wait only risks a torn first scanout of the frame.
func waitFence(fd int) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(pfd, 3000)
		if err == unix.EINTR {
			continue
		}
		return
	}
}
