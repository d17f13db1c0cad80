package decode

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/snokvist/pixelpilot-mini/pkg/depay"
	"github.com/snokvist/pixelpilot-mini/pkg/idr"
	"github.com/snokvist/pixelpilot-mini/pkg/kms"
	"github.com/snokvist/pixelpilot-mini/pkg/stats"
)

/*
#cgo pkg-config: rockchip_mpp
#include <stdlib.h>
#include <rockchip/rk_mpi.h>
#include <rockchip/mpp_err.h>
#include <rockchip/mpp_frame.h>
#include <rockchip/mpp_packet.h>
#include <rockchip/mpp_buffer.h>

// MppApi is a table of function pointers and several buffer helpers are
// function-like macros, so cgo needs these thin wrappers.
static MPP_RET mpi_control(MppApi *mpi, MppCtx ctx, MpiCmd cmd, MppParam param) {
	return mpi->control(ctx, cmd, param);
}
static MPP_RET mpi_put_packet(MppApi *mpi, MppCtx ctx, MppPacket pkt) {
	return mpi->decode_put_packet(ctx, pkt);
}
static MPP_RET mpi_get_frame(MppApi *mpi, MppCtx ctx, MppFrame *frame) {
	return mpi->decode_get_frame(ctx, frame);
}
static MPP_RET mpi_reset(MppApi *mpi, MppCtx ctx) {
	return mpi->reset(ctx);
}
static MPP_RET buf_group_get_external_drm(MppBufferGroup *group) {
	return mpp_buffer_group_get_external(group, MPP_BUFFER_TYPE_DRM);
}
static MPP_RET buf_commit(MppBufferGroup group, MppBufferInfo *info) {
	return mpp_buffer_commit(group, info);
}
static MPP_RET buf_info_get(MppBuffer buffer, MppBufferInfo *info) {
	return mpp_buffer_info_get(buffer, info);
}
*/
import "C"

// Decoder owns the MPP context, the external DRM buffer pool and the two
// worker goroutines (frame puller and display). Feed is called from the
// receive path; everything else is internal.
type Decoder struct {
	card      *kms.Card
	committer *kms.Committer
	idr       *idr.Requester
	bus       *stats.Bus
	proc      FrameProcessor
	cfg       Config
	log       zerolog.Logger

	ctx C.MppCtx
	mpi *C.MppApi
	grp C.MppBufferGroup
	pkt C.MppPacket

	pktBuf unsafe.Pointer // 1 MiB C allocation backing the MppPacket

	slots [maxFrames]slot
	geo   Geometry

	mu      sync.Mutex
	cond    *sync.Cond
	running bool
	pending pendingFrame
	st      stats.DecoderStats

	releaseFence int
	wg           sync.WaitGroup
}

// New builds the codec context: HEVC decode, split-parse, fast-play,
// immediate-out and error concealment disabled so damaged frames surface
// as errinfo flags instead of stalls.
func New(card *kms.Card, ms *kms.ModesetResult, cfg Config, req *idr.Requester, bus *stats.Bus, proc FrameProcessor, log zerolog.Logger) (*Decoder, error) {
	d := &Decoder{
		card:         card,
		committer:    kms.NewCommitter(card, ms, log),
		idr:          req,
		bus:          bus,
		proc:         proc,
		cfg:          cfg,
		log:          log.With().Str("component", "decode").Logger(),
		releaseFence: -1,
	}
	d.cond = sync.NewCond(&d.mu)
	for i := range d.slots {
		d.slots[i].primeFd = -1
	}

	if ret := C.mpp_create(&d.ctx, &d.mpi); ret != C.MPP_OK {
		return nil, fmt.Errorf("decode: mpp_create: %d", int(ret))
	}

	d.pktBuf = C.malloc(packetBufSize)
	if d.pktBuf == nil {
		d.destroy()
		return nil, fmt.Errorf("decode: packet buffer allocation failed")
	}
	if ret := C.mpp_packet_init(&d.pkt, d.pktBuf, packetBufSize); ret != C.MPP_OK {
		d.destroy()
		return nil, fmt.Errorf("decode: mpp_packet_init: %d", int(ret))
	}

	split := C.RK_U32(1)
	d.control(C.MPP_DEC_SET_PARSER_SPLIT_MODE, unsafe.Pointer(&split))

	if ret := C.mpp_init(d.ctx, C.MPP_CTX_DEC, C.MPP_VIDEO_CodingHEVC); ret != C.MPP_OK {
		d.destroy()
		return nil, fmt.Errorf("decode: mpp_init: %d", int(ret))
	}

	d.applyDecodeConfig()

	// Small get-frame timeout so Stop never waits on the codec.
	timeout := C.RK_S64(5)
	d.control(C.MPP_SET_OUTPUT_TIMEOUT, unsafe.Pointer(&timeout))

	return d, nil
}

func (d *Decoder) control(cmd C.MpiCmd, param unsafe.Pointer) {
	if ret := C.mpi_control(d.mpi, d.ctx, cmd, C.MppParam(param)); ret != C.MPP_OK {
		d.log.Warn().Int("cmd", int(cmd)).Int("ret", int(ret)).Msg("mpp control failed")
	}
}

func (d *Decoder) applyDecodeConfig() {
	var cfg C.MppDecCfg
	if C.mpp_dec_cfg_init(&cfg) == C.MPP_OK {
		if C.mpi_control(d.mpi, d.ctx, C.MPP_DEC_GET_CFG, C.MppParam(cfg)) == C.MPP_OK {
			name := C.CString("base:split_parse")
			C.mpp_dec_cfg_set_u32(cfg, name, 1)
			C.free(unsafe.Pointer(name))
			if C.mpi_control(d.mpi, d.ctx, C.MPP_DEC_SET_CFG, C.MppParam(cfg)) != C.MPP_OK {
				d.log.Warn().Msg("mpp SET_CFG failed")
			}
		}
		C.mpp_dec_cfg_deinit(cfg)
	}

	all := C.RK_U32(0xffff)
	d.control(C.MPP_DEC_SET_DISABLE_ERROR, unsafe.Pointer(&all))
	d.control(C.MPP_DEC_SET_IMMEDIATE_OUT, unsafe.Pointer(&all))
	d.control(C.MPP_DEC_SET_ENABLE_FAST_PLAY, unsafe.Pointer(&all))
}

// Start spawns the frame puller and the display goroutine.
func (d *Decoder) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	d.wg.Add(2)
	go d.frameLoop()
	go d.displayLoop()
}

// Feed copies one access unit into the packet buffer and submits it,
// spinning with a short sleep while the codec input queue is full.
func (d *Decoder) Feed(au depay.AccessUnit) error {
	if len(au.Data) == 0 || len(au.Data) > packetBufSize {
		return fmt.Errorf("decode: access unit size %d out of range", len(au.Data))
	}
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return ErrStopped
	}

	dst := unsafe.Slice((*byte)(d.pktBuf), packetBufSize)
	copy(dst, au.Data)

	C.mpp_packet_set_data(d.pkt, d.pktBuf)
	C.mpp_packet_set_size(d.pkt, packetBufSize)
	C.mpp_packet_set_pos(d.pkt, d.pktBuf)
	C.mpp_packet_set_length(d.pkt, C.size_t(len(au.Data)))
	C.mpp_packet_set_pts(d.pkt, C.RK_S64(au.PTS.Nanoseconds()))

	for {
		d.mu.Lock()
		running := d.running
		d.mu.Unlock()
		if !running {
			return ErrStopped
		}
		if C.mpi_put_packet(d.mpi, d.ctx, d.pkt) == C.MPP_OK {
			return nil
		}
		time.Sleep(bufferFullBackoff)
	}
}

// Stop flags shutdown, submits an EOS packet, resets the codec and joins
// both goroutines. The buffer pool is released afterwards.
func (d *Decoder) Stop() {
	d.mu.Lock()
	wasRunning := d.running
	d.running = false
	d.cond.Broadcast()
	d.mu.Unlock()

	if wasRunning {
		d.sendEOS()
		if ret := C.mpi_reset(d.mpi, d.ctx); ret != C.MPP_OK {
			d.log.Warn().Int("ret", int(ret)).Msg("mpp reset failed")
		}
	}
	d.wg.Wait()

	if d.releaseFence >= 0 {
		unix.Close(d.releaseFence)
		d.releaseFence = -1
	}
	d.releaseGroup()
	if d.proc != nil {
		d.proc.Release()
	}
	d.destroy()
	d.publishStats()
}

func (d *Decoder) sendEOS() {
	C.mpp_packet_set_length(d.pkt, 0)
	C.mpp_packet_set_eos(d.pkt)
	for i := 0; i < 50; i++ {
		if C.mpi_put_packet(d.mpi, d.ctx, d.pkt) == C.MPP_OK {
			return
		}
		time.Sleep(bufferFullBackoff)
	}
	d.log.Warn().Msg("EOS packet never accepted")
}

func (d *Decoder) destroy() {
	if d.pkt != nil {
		C.mpp_packet_deinit(&d.pkt)
		d.pkt = nil
	}
	if d.pktBuf != nil {
		C.free(d.pktBuf)
		d.pktBuf = nil
	}
	if d.ctx != nil {
		C.mpp_destroy(d.ctx)
		d.ctx = nil
		d.mpi = nil
	}
}

// frameLoop pulls decoded frames until EOS or shutdown.
func (d *Decoder) frameLoop() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		running := d.running
		d.mu.Unlock()
		if !running {
			break
		}

		var frame C.MppFrame
		if C.mpi_get_frame(d.mpi, d.ctx, &frame) != C.MPP_OK || frame == nil {
			time.Sleep(time.Millisecond)
			continue
		}

		eos := C.mpp_frame_get_eos(frame) != 0
		if C.mpp_frame_get_info_change(frame) != 0 {
			if err := d.setupBuffers(frame); err != nil {
				d.log.Error().Err(err).Msg("buffer group rebuild failed")
			}
		} else {
			d.handleFrame(frame)
		}
		C.mpp_frame_deinit(&frame)
		if eos {
			break
		}
	}

	d.mu.Lock()
	d.running = false
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *Decoder) handleFrame(frame C.MppFrame) {
	errinfo := C.mpp_frame_get_errinfo(frame)
	discard := C.mpp_frame_get_discard(frame)
	if errinfo != 0 || discard != 0 {
		d.log.Warn().Uint32("errinfo", uint32(errinfo)).Uint32("discard", uint32(discard)).Msg("dropping damaged frame")
		d.mu.Lock()
		d.st.Errors++
		d.mu.Unlock()
		d.publishStats()
		if d.idr != nil {
			d.idr.HandleWarning()
		}
		return
	}

	buffer := C.mpp_frame_get_buffer(frame)
	if buffer == nil {
		return
	}
	var info C.MppBufferInfo
	if C.buf_info_get(buffer, &info) != C.MPP_OK {
		return
	}
	idx := d.slotByFd(int(info.fd))
	if idx < 0 {
		d.log.Warn().Int("fd", int(info.fd)).Msg("decoded frame in unknown buffer")
		return
	}

	fbID := d.slots[idx].fbID
	inFence := -1
	if d.proc != nil {
		in := InFrame{
			Slot:    idx,
			FbID:    fbID,
			PrimeFd: d.slots[idx].primeFd,
			Y:       d.slots[idx].buf.Map,
			Geo:     d.geo,
			Pitch:   int(d.slots[idx].buf.Pitch),
		}
		if pfb, fence, ok := d.proc.Process(&in); ok {
			fbID, inFence = pfb, fence
		}
	}

	d.mu.Lock()
	if d.pending.fbID != 0 {
		// Display thread never got to it: newest frame wins.
		d.st.FramesDropped++
		if d.pending.inFence >= 0 {
			unix.Close(d.pending.inFence)
		}
	}
	d.pending = pendingFrame{
		fbID:      fbID,
		srcW:      d.geo.Width,
		srcH:      d.geo.Height,
		ptsNS:     int64(C.mpp_frame_get_pts(frame)),
		inFence:   inFence,
		arrivalNS: time.Now().UnixNano(),
	}
	d.st.FramesDecoded++
	d.cond.Signal()
	d.mu.Unlock()
	d.publishStats()
}

func (d *Decoder) slotByFd(fd int) int {
	for i := range d.slots {
		if d.slots[i].primeFd == fd {
			return i
		}
	}
	return -1
}

// displayLoop commits pending frames to the video plane, keeping the
// commit's OUT_FENCE as the previous frame's release fence.
func (d *Decoder) displayLoop() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for d.running && d.pending.fbID == 0 {
			d.cond.Wait()
		}
		p := d.pending
		d.pending = pendingFrame{}
		running := d.running
		late := d.cfg.MaxLatenessNS > 0 && p.fbID != 0 &&
			time.Now().UnixNano()-p.arrivalNS > d.cfg.MaxLatenessNS
		if late {
			d.st.FramesDropped++
		}
		d.mu.Unlock()

		if !running && p.fbID == 0 {
			return
		}
		if p.fbID != 0 {
			if late {
				if p.inFence >= 0 {
					unix.Close(p.inFence)
				}
			} else {
				out, err := d.committer.CommitFrame(p.fbID, p.srcW, p.srcH, p.inFence)
				if err != nil {
					d.log.Warn().Err(err).Msg("frame commit failed")
				} else {
					if d.releaseFence >= 0 {
						unix.Close(d.releaseFence)
					}
					d.releaseFence = out
				}
			}
		}
		if !running {
			return
		}
	}
}

// setupBuffers reacts to an info-change frame: tears down the previous
// pool, allocates up to maxFrames NV12 dumb buffers at the codec's strides,
// commits their PRIME fds into a fresh external group and registers a
// framebuffer per slot. Individual slot failures shrink the pool instead
// of failing the stream.
func (d *Decoder) setupBuffers(frame C.MppFrame) error {
	width := int(C.mpp_frame_get_width(frame))
	height := int(C.mpp_frame_get_height(frame))
	horStride := int(C.mpp_frame_get_hor_stride(frame))
	verStride := int(C.mpp_frame_get_ver_stride(frame))
	format := C.mpp_frame_get_fmt(frame)

	if format != C.MPP_FMT_YUV420SP && format != C.MPP_FMT_YUV420SP_10BIT {
		return fmt.Errorf("decode: unsupported frame format %d", int(format))
	}
	geo := Geometry{
		Width:     width,
		Height:    height,
		HorStride: horStride,
		VerStride: verStride,
		TenBit:    format == C.MPP_FMT_YUV420SP_10BIT,
	}
	d.log.Info().Int("width", width).Int("height", height).
		Int("hor_stride", horStride).Int("ver_stride", verStride).
		Bool("ten_bit", geo.TenBit).Msg("stream geometry")

	d.releaseGroup()
	if ret := C.buf_group_get_external_drm(&d.grp); ret != C.MPP_OK {
		return fmt.Errorf("decode: external buffer group: %d", int(ret))
	}

	bpp := uint32(8)
	if geo.TenBit {
		bpp = 10
	}
	firstFB := uint32(0)
	for i := 0; i < maxFrames; i++ {
		buf, err := d.card.CreateDumb(uint32(horStride), uint32(verStride*2), bpp)
		if err != nil {
			d.log.Warn().Err(err).Int("slot", i).Msg("dumb allocation failed, skipping slot")
			continue
		}
		if err := buf.MapDumb(); err != nil {
			d.log.Warn().Err(err).Int("slot", i).Msg("dumb mapping failed, skipping slot")
			buf.Destroy()
			continue
		}
		fd, err := buf.ExportPrime()
		if err != nil {
			d.log.Warn().Err(err).Int("slot", i).Msg("prime export failed, skipping slot")
			buf.Destroy()
			continue
		}

		var info C.MppBufferInfo
		info._type = C.MPP_BUFFER_TYPE_DRM
		info.size = C.size_t(buf.Size)
		info.fd = C.int(fd)
		info.index = C.int(i)
		if ret := C.buf_commit(d.grp, &info); ret != C.MPP_OK {
			d.log.Warn().Int("ret", int(ret)).Int("slot", i).Msg("buffer commit failed, skipping slot")
			unix.Close(fd)
			buf.Destroy()
			continue
		}

		fbID, err := d.card.AddFBNV12(uint32(width), uint32(height), buf.Pitch, uint32(verStride), buf.Handle)
		if err != nil {
			d.log.Warn().Err(err).Int("slot", i).Msg("AddFB2 failed, skipping slot")
			unix.Close(fd)
			buf.Destroy()
			continue
		}

		d.slots[i] = slot{buf: buf, fbID: fbID, primeFd: fd}
		if firstFB == 0 {
			firstFB = fbID
		}
	}

	d.control(C.MPP_DEC_SET_EXT_BUF_GROUP, unsafe.Pointer(d.grp))
	d.control(C.MPP_DEC_SET_INFO_CHANGE_READY, nil)

	d.geo = geo
	d.mu.Lock()
	d.st.InfoChanges++
	d.st.Width = width
	d.st.Height = height
	d.mu.Unlock()
	d.publishStats()

	if d.proc != nil {
		if err := d.proc.Rebuild(geo); err != nil {
			d.log.Warn().Err(err).Msg("frame processor rebuild failed, continuing without it")
			d.proc = nil
		}
	}

	// The plane was left disabled by the modeset; the first slot's FB
	// brings it up at the new geometry.
	if firstFB != 0 {
		if _, err := d.committer.CommitFrame(firstFB, width, height, -1); err != nil {
			d.log.Warn().Err(err).Msg("initial frame commit failed")
		}
	}
	return nil
}

func (d *Decoder) releaseGroup() {
	for i := range d.slots {
		s := &d.slots[i]
		if s.fbID != 0 {
			d.card.RmFB(s.fbID)
		}
		if s.primeFd >= 0 {
			unix.Close(s.primeFd)
		}
		if s.buf != nil {
			s.buf.Destroy()
		}
		d.slots[i] = slot{primeFd: -1}
	}
	if d.grp != nil {
		C.mpp_buffer_group_clear(d.grp)
		C.mpp_buffer_group_put(d.grp)
		d.grp = nil
	}
}

func (d *Decoder) publishStats() {
	if d.bus == nil {
		return
	}
	d.mu.Lock()
	st := d.st
	d.mu.Unlock()
	d.bus.UpdateDecoder(st)
}
