// Package config loads the application configuration from an INI file and
// command-line flags, flags taking precedence.
package config

import (
	"fmt"
	"strings"
)

// DRMConfig selects the card, connector and planes.
type DRMConfig struct {
	Card         string `ini:"card"`
	Connector    string `ini:"connector"`
	VideoPlaneID uint32 `ini:"video-plane-id"`
	OSDPlaneID   uint32 `ini:"osd-plane-id"`
	UseUdev      bool   `ini:"use-udev"`
	BlankPrimary bool   `ini:"blank-primary"`
}

// UDPConfig carries the RTP demux keys.
type UDPConfig struct {
	Port    int   `ini:"port"`
	VideoPT uint8 `ini:"video-pt"`
	AudioPT uint8 `ini:"audio-pt"`
}

// PipelineConfig tunes the decode path.
type PipelineConfig struct {
	AppsinkMaxBuffers int    `ini:"appsink-max-buffers"`
	CustomSink        string `ini:"custom-sink"`
	PT97Filter        bool   `ini:"pt97-filter"`
	LatencyMS         int    `ini:"latency-ms"`
	MaxLatenessNS     int64  `ini:"max-lateness-ns"`
	Sync              bool   `ini:"sync"`
	QOS               bool   `ini:"qos"`
	EmitCorrupted     bool   `ini:"emit-corrupted"`
}

// AudioConfig controls the optional audio branch.
type AudioConfig struct {
	Device   string `ini:"device"`
	Disable  bool   `ini:"disable"`
	Optional bool   `ini:"optional"`
}

// RestartConfig bounds pipeline restart churn.
type RestartConfig struct {
	Limit    int `ini:"limit"`
	WindowMS int `ini:"window-ms"`
}

// OSDConfig enables the overlay and orders its elements.
type OSDConfig struct {
	Enable    bool     `ini:"enable"`
	RefreshMS int      `ini:"refresh-ms"`
	PlaneID   uint32   `ini:"plane-id"`
	Elements  []string `ini:"-"`
}

// OSDElement is one widget from an [osd.element.<name>] section.
type OSDElement struct {
	Name    string
	Type    string // text, line, bar, outline
	Anchor  string // top-left .. bottom-right
	OffsetX int
	OffsetY int

	Lines  []string // text widget, one entry per rendered line
	Metric string   // line/bar/outline binding
	Series []string // bar widget, up to 8 named series

	FG     Color
	BG     Color
	Border Color

	W, H       int
	YMin, YMax *float64

	Threshold float64 // outline colour toggle point
	Speed     int     // outline pattern scroll, px/tick
	Scale     int     // text glyph scale multiplier
}

// ExternalOSDConfig enables the UNIX-socket ingest.
type ExternalOSDConfig struct {
	Enable bool   `ini:"enable"`
	Socket string `ini:"socket"`
}

// Recorder file layout modes.
const (
	RecordModeStandard   = "standard"   // one Annex B file
	RecordModeSequential = "sequential" // numbered file per session
	RecordModeFragmented = "fragmented" // new numbered file at each keyframe
)

// RecordConfig enables the stream recorder.
type RecordConfig struct {
	Enable bool   `ini:"enable"`
	Path   string `ini:"path"`
	Mode   string `ini:"mode"` // standard, sequential, fragmented
}

// SSEConfig enables the stats streamer.
type SSEConfig struct {
	Enable     bool   `ini:"enable"`
	Bind       string `ini:"bind"`
	Port       int    `ini:"port"`
	IntervalMS int    `ini:"interval-ms"`
}

// IDRConfig shapes the keyframe-request feedback channel.
type IDRConfig struct {
	Enable    bool   `ini:"enable"`
	Port      int    `ini:"port"`
	Path      string `ini:"path"`
	TimeoutMS int    `ini:"timeout-ms"`
}

// StabilizeConfig tunes the motion estimator and crop stabiliser.
type StabilizeConfig struct {
	Enable         bool    `ini:"enable"`
	Downsample     int     `ini:"downsample"`
	Radius         int     `ini:"radius"`
	Alpha          float64 `ini:"alpha"`
	MaxTranslation int     `ini:"max-translation"`
	GuardBand      int     `ini:"guard-band"`
	Mode           string  `ini:"mode"` // auto, manual, demo
	ManualX        int     `ini:"manual-x"`
	ManualY        int     `ini:"manual-y"`
	Rotation       float64 `ini:"rotation"`
	DemoAmplitude  float64 `ini:"demo-amplitude"`
	DemoFrequency  float64 `ini:"demo-frequency"`
}

// AppConfig is the whole configuration tree.
type AppConfig struct {
	DRM         DRMConfig
	UDP         UDPConfig
	Pipeline    PipelineConfig
	Audio       AudioConfig
	Restart     RestartConfig
	OSD         OSDConfig
	OSDElements []OSDElement
	ExternalOSD ExternalOSDConfig
	Record      RecordConfig
	SSE         SSEConfig
	IDR         IDRConfig
	Stabilize   StabilizeConfig
	Verbose     bool
}

// Default returns the configuration used when neither file nor flags say
// otherwise.
func Default() *AppConfig {
	return &AppConfig{
		DRM: DRMConfig{Card: "/dev/dri/card0", UseUdev: true},
		UDP: UDPConfig{Port: 5600, VideoPT: 97, AudioPT: 98},
		Pipeline: PipelineConfig{
			AppsinkMaxBuffers: 2,
			LatencyMS:         100,
			EmitCorrupted:     true,
		},
		Audio:   AudioConfig{Optional: true},
		Restart: RestartConfig{Limit: 3, WindowMS: 2000},
		OSD:     OSDConfig{RefreshMS: 200},
		ExternalOSD: ExternalOSDConfig{
			Socket: "/run/pixelpilot/osd.sock",
		},
		Record: RecordConfig{Mode: RecordModeStandard},
		SSE:    SSEConfig{Bind: "0.0.0.0", Port: 8081, IntervalMS: 500},
		IDR:    IDRConfig{Enable: true, Path: "/request/idr", TimeoutMS: 200},
		Stabilize: StabilizeConfig{
			Downsample:     4,
			Radius:         16,
			Alpha:          0.8,
			MaxTranslation: 64,
			GuardBand:      16,
			Mode:           "auto",
		},
	}
}

var validAnchors = map[string]bool{
	"top-left": true, "top-center": true, "top-right": true,
	"middle-left": true, "middle-center": true, "middle-right": true,
	"bottom-left": true, "bottom-center": true, "bottom-right": true,
}

// Validate rejects inconsistent configurations before anything is started.
func (c *AppConfig) Validate() error {
	if c.UDP.Port <= 0 || c.UDP.Port > 65535 {
		return fmt.Errorf("config: udp port %d out of range", c.UDP.Port)
	}
	if c.UDP.VideoPT == c.UDP.AudioPT {
		return fmt.Errorf("config: video and audio payload types collide (%d)", c.UDP.VideoPT)
	}
	if c.Restart.Limit < 0 || c.Restart.WindowMS < 0 {
		return fmt.Errorf("config: restart limit/window must be non-negative")
	}
	switch c.Record.Mode {
	case RecordModeStandard, RecordModeSequential, RecordModeFragmented:
	default:
		return fmt.Errorf("config: record mode %q not one of standard/sequential/fragmented", c.Record.Mode)
	}
	if c.Stabilize.Rotation != 0 {
		// The blit engine only translates; there is no rotation path.
		return fmt.Errorf("config: stabiliser rotation is not supported")
	}
	if c.Stabilize.Downsample < 1 {
		return fmt.Errorf("config: stabilise downsample %d must be >= 1", c.Stabilize.Downsample)
	}
	switch c.Stabilize.Mode {
	case "auto", "manual", "demo":
	default:
		return fmt.Errorf("config: stabilise mode %q not one of auto/manual/demo", c.Stabilize.Mode)
	}
	for _, e := range c.OSDElements {
		switch e.Type {
		case "text", "line", "bar", "outline":
		default:
			return fmt.Errorf("config: osd element %q has unknown type %q", e.Name, e.Type)
		}
		if !validAnchors[e.Anchor] {
			return fmt.Errorf("config: osd element %q has unknown anchor %q", e.Name, e.Anchor)
		}
		if len(e.Series) > 8 {
			return fmt.Errorf("config: osd element %q has %d series, max 8", e.Name, len(e.Series))
		}
	}
	return nil
}

// Element returns the configured widget by name.
func (c *AppConfig) Element(name string) (*OSDElement, bool) {
	for i := range c.OSDElements {
		if c.OSDElements[i].Name == name {
			return &c.OSDElements[i], true
		}
	}
	return nil, false
}

func parseOffset(s string) (int, int, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("config: offset %q must be dx,dy", s)
	}
	var dx, dy int
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d", &dx); err != nil {
		return 0, 0, fmt.Errorf("config: offset %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &dy); err != nil {
		return 0, 0, fmt.Errorf("config: offset %q: %w", s, err)
	}
	return dx, dy, nil
}

func parseSize(s string) (int, int, error) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("config: size %q must be WxH", s)
	}
	var w, h int
	if _, err := fmt.Sscanf(parts[0], "%d", &w); err != nil {
		return 0, 0, fmt.Errorf("config: size %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &h); err != nil {
		return 0, 0, fmt.Errorf("config: size %q: %w", s, err)
	}
	return w, h, nil
}
