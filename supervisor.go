package pixelpilot

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/snokvist/pixelpilot-mini/pkg/config"
	"github.com/snokvist/pixelpilot-mini/pkg/extosd"
	"github.com/snokvist/pixelpilot-mini/pkg/hotplug"
	"github.com/snokvist/pixelpilot-mini/pkg/idr"
	"github.com/snokvist/pixelpilot-mini/pkg/kms"
	"github.com/snokvist/pixelpilot-mini/pkg/osd"
	"github.com/snokvist/pixelpilot-mini/pkg/sse"
	"github.com/snokvist/pixelpilot-mini/pkg/stats"
)

const (
	tickInterval = 200 * time.Millisecond

	// Modeset retry backoff after a failed reconnect.
	retryMin = 250 * time.Millisecond
	retryMax = 2000 * time.Millisecond
)

// Supervisor owns the DRM card and the long-lived services, drives the
// modeset, reacts to hot-plug, ticks the OSD and keeps the video pipeline
// alive within the restart budget.
type Supervisor struct {
	cfg *config.AppConfig
	log zerolog.Logger

	card *kms.Card
	bus  *stats.Bus
	req  *idr.Requester
	ext  *extosd.Ingest
	sse  *sse.Server
	mon  *hotplug.Monitor

	ms      *kms.ModesetResult
	overlay *osd.Overlay
	pipe    *Pipeline

	connected  bool
	retryAt    time.Time
	retryDelay time.Duration

	restartCount  int
	windowStart   time.Time
	audioDisabled bool

	lastOSD time.Time

	now func() time.Time
}

// NewSupervisor opens the DRM card and prepares the shared state. Services
// start when Run is called.
func NewSupervisor(cfg *config.AppConfig, log zerolog.Logger) (*Supervisor, error) {
	card, err := kms.OpenCard(cfg.DRM.Card, log)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:  cfg,
		log:  log.With().Str("component", "supervisor").Logger(),
		card: card,
		bus:  stats.NewBus(),
		now:  time.Now,
	}, nil
}

// Run starts the auxiliary services, performs the initial modeset and
// enters the poll loop until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.IDR.Enable {
		s.req = idr.New(idr.Config{
			Port:    s.cfg.IDR.Port,
			Path:    s.cfg.IDR.Path,
			Timeout: time.Duration(s.cfg.IDR.TimeoutMS) * time.Millisecond,
		}, s.log)
	}
	if s.cfg.ExternalOSD.Enable {
		s.ext = extosd.New(s.cfg.ExternalOSD.Socket, s.log)
		if err := s.ext.Start(); err != nil {
			s.log.Warn().Err(err).Msg("external OSD ingest disabled")
			s.ext = nil
		}
	}
	if s.cfg.SSE.Enable {
		s.sse = sse.New(s.cfg.SSE, s.bus, s.log)
		if err := s.sse.Start(); err != nil {
			s.log.Warn().Err(err).Msg("stats streamer disabled")
			s.sse = nil
		}
	}
	if s.cfg.DRM.UseUdev {
		mon, err := hotplug.New(s.log)
		if err != nil {
			s.log.Warn().Err(err).Msg("hot-plug monitoring disabled")
		} else {
			s.mon = mon
		}
	}

	if err := s.connect(); err != nil {
		s.log.Error().Err(err).Msg("initial modeset failed")
		s.scheduleRetry()
	}

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev, ok := <-s.events():
			if ok {
				s.handleHotplug(ev)
			}
		case <-tick.C:
			s.tick(s.now())
		}
	}
}

// events returns a nil channel when udev is off, which never fires.
func (s *Supervisor) events() <-chan hotplug.Event {
	if s.mon == nil {
		return nil
	}
	return s.mon.Events()
}

// tick is one 200 ms supervisor wake.
func (s *Supervisor) tick(now time.Time) {
	if s.pipe != nil && s.pipe.Failed() {
		s.log.Warn().Msg("pipeline died, tearing it down")
		s.stopPipeline()
	}

	if !s.connected && now.After(s.retryAt) {
		if err := s.connect(); err != nil {
			s.log.Warn().Err(err).Msg("modeset retry failed")
			s.scheduleRetry()
		}
	}

	if s.pipe != nil {
		s.pipe.PublishStats()
	}

	if s.overlay != nil {
		refresh := time.Duration(s.cfg.OSD.RefreshMS) * time.Millisecond
		if refresh <= 0 {
			refresh = tickInterval
		}
		if now.Sub(s.lastOSD) >= refresh {
			s.lastOSD = now
			s.tickOSD(now)
		}
	}

	if s.connected && s.pipe == nil {
		if s.noteRestart(now) {
			s.log.Warn().
				Int("limit", s.cfg.Restart.Limit).
				Int("window_ms", s.cfg.Restart.WindowMS).
				Msg("restart budget exhausted, dropping the audio branch")
		}
		s.startPipeline()
	}
}

// noteRestart records one pipeline start in the rolling window and reports
// whether this start crossed the budget so the audio branch must go.
func (s *Supervisor) noteRestart(now time.Time) bool {
	window := time.Duration(s.cfg.Restart.WindowMS) * time.Millisecond
	if s.windowStart.IsZero() || now.Sub(s.windowStart) > window {
		s.windowStart = now
		s.restartCount = 0
	}
	s.restartCount++

	if s.audioDisabled || s.cfg.Audio.Disable || !s.cfg.Audio.Optional {
		return false
	}
	if s.cfg.Restart.Limit > 0 && s.restartCount > s.cfg.Restart.Limit {
		s.audioDisabled = true
		s.windowStart = now
		s.restartCount = 1
		return true
	}
	return false
}

func (s *Supervisor) startPipeline() {
	audio := !s.cfg.Audio.Disable && !s.audioDisabled
	p, err := StartPipeline(s.cfg, s.card, s.ms, s.req, s.bus, audio, s.log)
	if err != nil {
		s.log.Error().Err(err).Msg("pipeline start failed")
		return
	}
	s.pipe = p
}

func (s *Supervisor) stopPipeline() {
	if s.pipe == nil {
		return
	}
	s.pipe.Stop()
	s.pipe = nil
}

func (s *Supervisor) tickOSD(now time.Time) {
	m := busMetrics{snap: s.bus.Get(), bus: s.bus}
	var ext *extosd.State
	if s.ext != nil {
		st := s.ext.Snapshot()
		ext = &st
	}
	if err := s.overlay.Tick(m, ext, now.UnixNano()); err != nil {
		s.log.Warn().Err(err).Msg("osd commit failed")
	}
}

// connect picks the connector and mode, commits the modeset and brings the
// OSD plane up. The pipeline itself starts on the next tick so restarts go
// through one accounting path.
func (s *Supervisor) connect() error {
	ms, err := s.card.Modeset(kms.ModesetOptions{
		ConnectorName: s.cfg.DRM.Connector,
		PlaneID:       s.cfg.DRM.VideoPlaneID,
		OSDOnTop:      s.cfg.OSD.Enable,
	})
	if err != nil {
		return err
	}
	s.ms = ms
	s.connected = true
	s.retryDelay = 0

	if s.cfg.DRM.BlankPrimary {
		for i := range ms.Planes {
			p := &ms.Planes[i]
			if p.Type == kms.PlaneTypePrimary && p.ID != ms.VideoPlaneID {
				if err := s.card.DisablePlane(p); err != nil {
					s.log.Warn().Uint32("plane", p.ID).Err(err).Msg("could not blank primary plane")
				}
			}
		}
	}

	if s.cfg.OSD.Enable {
		ov, err := osd.Enable(s.card, ms, s.cfg.OSD.PlaneID, s.cfg.OSDElements, s.log)
		if err != nil {
			s.log.Warn().Err(err).Msg("osd overlay disabled")
		} else {
			s.overlay = ov
		}
	}
	return nil
}

func (s *Supervisor) scheduleRetry() {
	if s.retryDelay == 0 {
		s.retryDelay = retryMin
	} else if s.retryDelay < retryMax {
		s.retryDelay *= 2
		if s.retryDelay > retryMax {
			s.retryDelay = retryMax
		}
	}
	s.retryAt = s.now().Add(s.retryDelay)
}

// handleHotplug re-probes the connector after a debounced udev event and
// either tears the output down or redoes the modeset for the new state.
func (s *Supervisor) handleHotplug(ev hotplug.Event) {
	s.log.Info().Str("action", ev.Action).Str("dev", ev.DevPath).Msg("drm hot-plug")
	s.teardownOutput()
	if _, err := s.card.PickConnector(s.cfg.DRM.Connector); err != nil {
		s.log.Info().Err(err).Msg("display disconnected")
		s.scheduleRetry()
		return
	}
	if err := s.connect(); err != nil {
		s.log.Warn().Err(err).Msg("modeset after hot-plug failed")
		s.scheduleRetry()
	}
}

func (s *Supervisor) teardownOutput() {
	s.stopPipeline()
	if s.overlay != nil {
		s.overlay.Disable()
		s.overlay = nil
	}
	if s.ms != nil && s.ms.ModeBlob != 0 {
		s.card.DestroyBlob(s.ms.ModeBlob)
	}
	s.ms = nil
	s.connected = false
}

// shutdown is the signal path: pipeline, OSD, udev, services, DRM — in
// that order.
func (s *Supervisor) shutdown() {
	s.log.Info().Msg("shutting down")
	s.stopPipeline()
	if s.overlay != nil {
		s.overlay.Disable()
		s.overlay = nil
	}
	if s.mon != nil {
		s.mon.Stop()
	}
	if s.sse != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.sse.Stop(ctx)
		cancel()
	}
	if s.ext != nil {
		s.ext.Stop()
	}
	if s.req != nil {
		s.req.Close()
	}
	if s.ms != nil && s.ms.ModeBlob != 0 {
		s.card.DestroyBlob(s.ms.ModeBlob)
	}
	s.card.Close()
}

// busMetrics adapts the stats bus to the OSD renderer: current values come
// from one snapshot taken at tick time, history from the bus rings.
type busMetrics struct {
	snap stats.Snapshot
	bus  *stats.Bus
}

func (m busMetrics) Lookup(path string) (float64, bool) { return m.snap.Lookup(path) }
func (m busMetrics) History(path string, n int) []float64 {
	return m.bus.History(path, n)
}
