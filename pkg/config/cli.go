package config

import (
	"flag"
	"fmt"
)

// ParseFlags overlays command-line flags onto cfg. Only flags the user
// actually passed are applied, so file settings survive unless overridden.
// Unknown flags make flag.Parse fail; the caller exits 2.
func ParseFlags(cfg *AppConfig, name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	card := fs.String("card", cfg.DRM.Card, "DRM card device path")
	connector := fs.String("connector", cfg.DRM.Connector, "connector name, e.g. HDMI-A-1")
	planeID := fs.Uint("plane-id", uint(cfg.DRM.VideoPlaneID), "video plane id (0 = auto)")
	blankPrimary := fs.Bool("blank-primary", cfg.DRM.BlankPrimary, "blank the primary plane at startup")
	noUdev := fs.Bool("no-udev", !cfg.DRM.UseUdev, "disable hot-plug monitoring")

	udpPort := fs.Int("udp-port", cfg.UDP.Port, "RTP listen port")
	vidPT := fs.Uint("vid-pt", uint(cfg.UDP.VideoPT), "video RTP payload type")
	audPT := fs.Uint("aud-pt", uint(cfg.UDP.AudioPT), "audio RTP payload type")

	latencyMS := fs.Int("latency-ms", cfg.Pipeline.LatencyMS, "target display latency")
	maxLateness := fs.Int64("max-lateness", cfg.Pipeline.MaxLatenessNS, "drop frames later than this (ns, 0 = never)")

	audDev := fs.String("aud-dev", cfg.Audio.Device, "ALSA audio device")
	noAudio := fs.Bool("no-audio", cfg.Audio.Disable, "disable the audio branch")
	audioOptional := fs.Bool("audio-optional", cfg.Audio.Optional, "drop audio after repeated pipeline failures")
	audioRequired := fs.Bool("audio-required", false, "never drop the audio branch")

	osd := fs.Bool("osd", cfg.OSD.Enable, "enable the OSD overlay")
	osdPlaneID := fs.Uint("osd-plane-id", uint(cfg.DRM.OSDPlaneID), "OSD plane id (0 = auto)")
	osdRefreshMS := fs.Int("osd-refresh-ms", cfg.OSD.RefreshMS, "OSD redraw interval")

	gstLog := fs.String("gst-log", "", "accepted for command-line compatibility, ignored")
	verbose := fs.Bool("verbose", cfg.Verbose, "debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("config: unexpected argument %q", fs.Arg(0))
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["card"] {
		cfg.DRM.Card = *card
	}
	if set["connector"] {
		cfg.DRM.Connector = *connector
	}
	if set["plane-id"] {
		cfg.DRM.VideoPlaneID = uint32(*planeID)
	}
	if set["blank-primary"] {
		cfg.DRM.BlankPrimary = *blankPrimary
	}
	if set["no-udev"] {
		cfg.DRM.UseUdev = !*noUdev
	}
	if set["udp-port"] {
		cfg.UDP.Port = *udpPort
	}
	if set["vid-pt"] {
		cfg.UDP.VideoPT = uint8(*vidPT)
	}
	if set["aud-pt"] {
		cfg.UDP.AudioPT = uint8(*audPT)
	}
	if set["latency-ms"] {
		cfg.Pipeline.LatencyMS = *latencyMS
	}
	if set["max-lateness"] {
		cfg.Pipeline.MaxLatenessNS = *maxLateness
	}
	if set["aud-dev"] {
		cfg.Audio.Device = *audDev
	}
	if set["no-audio"] {
		cfg.Audio.Disable = *noAudio
	}
	if set["audio-optional"] {
		cfg.Audio.Optional = *audioOptional
	}
	if set["audio-required"] && *audioRequired {
		cfg.Audio.Optional = false
	}
	if set["osd"] {
		cfg.OSD.Enable = *osd
	}
	if set["osd-plane-id"] {
		cfg.DRM.OSDPlaneID = uint32(*osdPlaneID)
		cfg.OSD.PlaneID = uint32(*osdPlaneID)
	}
	if set["osd-refresh-ms"] {
		cfg.OSD.RefreshMS = *osdRefreshMS
	}
	if set["verbose"] {
		cfg.Verbose = *verbose
	}
	_ = gstLog
	return nil
}
