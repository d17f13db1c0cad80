package pixelpilot

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snokvist/pixelpilot-mini/pkg/config"
	"github.com/snokvist/pixelpilot-mini/pkg/decode"
	"github.com/snokvist/pixelpilot-mini/pkg/depay"
	"github.com/snokvist/pixelpilot-mini/pkg/idr"
	"github.com/snokvist/pixelpilot-mini/pkg/kms"
	"github.com/snokvist/pixelpilot-mini/pkg/receiver"
	"github.com/snokvist/pixelpilot-mini/pkg/record"
	"github.com/snokvist/pixelpilot-mini/pkg/stabilize"
	"github.com/snokvist/pixelpilot-mini/pkg/stats"
)

// Pipeline is one live video path: receiver → depayloader → decoder, with
// the optional stabiliser and recorder branches. It is built against the
// current modeset and torn down whole; the supervisor decides when a new
// one starts.
type Pipeline struct {
	cfg *config.AppConfig
	log zerolog.Logger
	bus *stats.Bus

	rx   *receiver.Receiver
	dec  *decode.Decoder
	stab *stabilize.Stabilizer
	rec  *record.Recorder

	wg     sync.WaitGroup
	failed atomic.Bool
}

// StartPipeline spins up the full video path on the given modeset. With
// audioEnabled false the audio payload type is left out of the demux, so
// audio packets only count as ignored.
func StartPipeline(cfg *config.AppConfig, card *kms.Card, ms *kms.ModesetResult, req *idr.Requester, bus *stats.Bus, audioEnabled bool, log zerolog.Logger) (*Pipeline, error) {
	p := &Pipeline{
		cfg: cfg,
		log: log.With().Str("component", "pipeline").Logger(),
		bus: bus,
	}

	var proc decode.FrameProcessor
	if cfg.Stabilize.Enable {
		st, err := stabilize.New(cfg.Stabilize, card, log)
		if err != nil {
			return nil, err
		}
		p.stab = st
		proc = st
	}

	dec, err := decode.New(card, ms, decode.Config{MaxLatenessNS: cfg.Pipeline.MaxLatenessNS}, req, bus, proc, log)
	if err != nil {
		if p.stab != nil {
			p.stab.Release()
		}
		return nil, err
	}
	p.dec = dec

	if cfg.Record.Enable {
		p.rec = record.New(cfg.Record, bus, log)
		if err := p.rec.Start(); err != nil {
			p.log.Warn().Err(err).Msg("recorder disabled")
			p.rec = nil
		}
	}

	rcfg := receiver.Config{Port: cfg.UDP.Port, VideoPT: cfg.UDP.VideoPT, AudioPT: -1}
	if audioEnabled {
		rcfg.AudioPT = int(cfg.UDP.AudioPT)
	}
	p.rx = receiver.New(rcfg, log)
	if req != nil {
		p.rx.OnSource = req.NoteSource
	}

	p.dec.Start()
	if err := p.rx.Start(); err != nil {
		p.dec.Stop()
		if p.rec != nil {
			p.rec.Stop()
		}
		return nil, err
	}

	p.wg.Add(1)
	go p.pump()
	p.log.Info().Bool("audio", audioEnabled).Msg("pipeline running")
	return p, nil
}

// pump moves packets from the receiver through the depayloader into the
// decoder and the recorder. It is the only decoder feeder.
func (p *Pipeline) pump() {
	defer p.wg.Done()
	dp := depay.New(p.log)
	for pkt := range p.rx.Packets() {
		for _, au := range dp.Push(pkt.RTP) {
			if au.Corrupted && !p.cfg.Pipeline.EmitCorrupted {
				continue
			}
			if p.rec != nil {
				p.rec.Write(au)
			}
			if err := p.dec.Feed(au); err != nil {
				if errors.Is(err, decode.ErrStopped) {
					p.failed.Store(true)
					return
				}
				p.log.Warn().Err(err).Msg("access unit rejected")
			}
		}
	}
}

// Failed reports that the decoder died under the pump. The supervisor
// polls this and replaces the pipeline.
func (p *Pipeline) Failed() bool { return p.failed.Load() }

// PublishStats pushes the receiver's counters onto the bus. Called from
// the supervisor tick so OSD and SSE readers see fresh numbers.
func (p *Pipeline) PublishStats() {
	st, _ := p.rx.Snapshot()
	p.bus.UpdateRTP(st)
}

// Stop tears the path down in reverse order: socket first (which drains
// the pump), then the decoder (which releases the stabiliser), then the
// recorder.
func (p *Pipeline) Stop() {
	p.rx.Stop()
	p.wg.Wait()
	p.dec.Stop()
	if p.rec != nil {
		p.rec.Stop()
	}
	p.log.Info().Msg("pipeline stopped")
}
