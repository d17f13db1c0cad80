// Package record writes the incoming H.265 access units to disk without
// ever blocking the decode path.
package record

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
	"github.com/rs/zerolog"

	"github.com/snokvist/pixelpilot-mini/pkg/config"
	"github.com/snokvist/pixelpilot-mini/pkg/depay"
	"github.com/snokvist/pixelpilot-mini/pkg/stats"
)

const queueDepth = 64

// Recorder consumes access units through a bounded queue. When the disk
// cannot keep up the oldest queued unit is dropped and counted; the caller
// never waits.
type Recorder struct {
	cfg config.RecordConfig
	bus *stats.Bus
	log zerolog.Logger

	in chan depay.AccessUnit
	wg sync.WaitGroup

	mu      sync.Mutex
	dropped uint64

	// writer goroutine state
	f         *os.File
	path      string
	fileSeq   int
	fileBytes uint64
	started   bool
	st        stats.RecorderStats
}

func New(cfg config.RecordConfig, bus *stats.Bus, log zerolog.Logger) *Recorder {
	return &Recorder{
		cfg: cfg,
		bus: bus,
		log: log.With().Str("component", "record").Logger(),
		in:  make(chan depay.AccessUnit, queueDepth),
	}
}

// Start spawns the writer goroutine. Files are opened lazily so an idle
// recorder leaves no empty artifacts.
func (r *Recorder) Start() error {
	if err := os.MkdirAll(filepath.Dir(r.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("record: create directory: %w", err)
	}
	r.st.Active = true
	r.publish()
	r.wg.Add(1)
	go r.loop()
	return nil
}

// Write enqueues one access unit. Corrupted units are skipped; on a full
// queue the oldest entry is discarded to make room.
func (r *Recorder) Write(au depay.AccessUnit) {
	if au.Corrupted {
		return
	}
	select {
	case r.in <- au:
		return
	default:
	}
	select {
	case <-r.in:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	default:
	}
	select {
	case r.in <- au:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Stop drains the queue, closes the file and publishes the final counters.
func (r *Recorder) Stop() {
	close(r.in)
	r.wg.Wait()
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
	r.st.Active = false
	r.publish()
	r.log.Info().Uint64("bytes", r.st.BytesWritten).Uint64("access_units", r.st.AccessUnits).Msg("recording closed")
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for au := range r.in {
		if err := r.write(au); err != nil {
			r.log.Error().Err(err).Msg("write failed, recording stopped")
			if r.f != nil {
				r.f.Close()
				r.f = nil
			}
			r.st.Active = false
			r.publish()
			for range r.in { // drain so Write never backs up
			}
			return
		}
	}
}

func (r *Recorder) write(au depay.AccessUnit) error {
	key := keyframe(au.Data)

	// A stream is only decodable from a random-access point, so nothing is
	// written until the first keyframe arrives.
	if !r.started {
		if !key {
			return nil
		}
		r.started = true
	}

	switch r.cfg.Mode {
	case config.RecordModeFragmented:
		if key && r.fileBytes > 0 {
			if err := r.rotate(); err != nil {
				return err
			}
		}
	}

	if r.f == nil {
		if err := r.open(); err != nil {
			return err
		}
	}
	n, err := r.f.Write(au.Data)
	if err != nil {
		return err
	}
	r.fileBytes += uint64(n)
	r.st.BytesWritten += uint64(n)
	r.st.AccessUnits++
	if key {
		r.st.Keyframes++
	}
	r.publish()
	return nil
}

func (r *Recorder) open() error {
	switch r.cfg.Mode {
	case config.RecordModeStandard:
		r.path = r.cfg.Path
	default: // sequential and fragmented both use numbered files
		p, seq, err := nextNumberedPath(r.cfg.Path, r.fileSeq)
		if err != nil {
			return err
		}
		r.path, r.fileSeq = p, seq
	}
	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("record: create %s: %w", r.path, err)
	}
	r.f = f
	r.fileBytes = 0
	r.st.Path = r.path
	r.log.Info().Str("path", r.path).Msg("recording to file")
	return nil
}

func (r *Recorder) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil
	return r.open()
}

func (r *Recorder) publish() {
	r.mu.Lock()
	r.st.Dropped = r.dropped
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.UpdateRecorder(r.st)
	}
}

// Snapshot returns the recorder counters for tests and the stats bus.
func (r *Recorder) Snapshot() stats.RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.st
	st.Dropped = r.dropped
	return st
}

// nextNumberedPath derives "<base>.0001<ext>" style names, skipping files
// that already exist so a restart never clobbers an earlier recording.
func nextNumberedPath(path string, after int) (string, int, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for seq := after + 1; seq < after+100000; seq++ {
		p := fmt.Sprintf("%s.%04d%s", base, seq, ext)
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p, seq, nil
		}
	}
	return "", 0, fmt.Errorf("record: no free numbered path for %s", path)
}

// keyframe reports whether the Annex B access unit contains a
// random-access NAL unit (IDR or CRA).
func keyframe(au []byte) bool {
	for _, nalu := range splitNALUs(au) {
		if len(nalu) == 0 {
			continue
		}
		switch h265.NALUType((nalu[0] >> 1) & 0x3f) {
		case h265.NALUType_IDR_W_RADL, h265.NALUType_IDR_N_LP, h265.NALUType_CRA_NUT:
			return true
		}
	}
	return false
}

// splitNALUs walks the Annex B byte stream and yields the NAL unit payloads
// between start codes. Both 3- and 4-byte start codes are accepted.
func splitNALUs(b []byte) [][]byte {
	var out [][]byte
	start := -1
	i := 0
	for i+2 < len(b) {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			if start >= 0 {
				end := i
				if end > start && b[end-1] == 0 {
					end--
				}
				out = append(out, b[start:end])
			}
			start = i + 3
			i += 3
			continue
		}
		i++
	}
	if start >= 0 && start <= len(b) {
		out = append(out, b[start:])
	}
	return out
}
