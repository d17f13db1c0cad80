// Package pixelpilot is an embedded FPV video sink: it receives an RTP/UDP
// H.265 stream, decodes it on the Rockchip MPP hardware codec and scans it
// out through atomic DRM/KMS commits, with an OSD overlay plane, optional
// motion stabilisation, stream recording and an SSE stats surface.
//
// The root package holds the supervisor that owns the DRM card, reacts to
// display hot-plug, ticks the OSD and restarts the video pipeline under a
// bounded restart budget. The moving parts live under pkg/.
package pixelpilot

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/snokvist/pixelpilot-mini/pkg/config"
)

// Run builds a supervisor from the configuration and drives it until the
// context is cancelled. This is the daemon entry point used by
// cmd/pixelpilot.
func Run(ctx context.Context, cfg *config.AppConfig, log zerolog.Logger) error {
	s, err := NewSupervisor(cfg, log)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
