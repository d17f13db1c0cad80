package config

import (
	"reflect"
	"testing"
)

const sampleINI = `
[drm]
card = /dev/dri/card1
connector = HDMI-A-1
video-plane-id = 76
use-udev = true

[udp]
port = 5600
video-pt = 97
audio-pt = 98

[restart]
limit = 3
window-ms = 2000

[osd]
enable = true
refresh-ms = 100
elements = link,bitrate

[osd.element.link]
type = text
anchor = top-left
offset = 8,8
line = LOST {rtp.lost}  DUP {rtp.duplicate}
line = BR {rtp.bitrate_avg} Mbps
fg = green
bg = #80102030

[osd.element.bitrate]
type = line
anchor = bottom-right
offset = -8,-8
size = 160x48
metric = rtp.bitrate_avg
y-min = 0
y-max = 60

[record]
enable = true
path = /media/rec
mode = fragmented

[idr]
enable = true
timeout-ms = 200
`

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleINI))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.DRM.Card != "/dev/dri/card1" || cfg.DRM.VideoPlaneID != 76 {
		t.Errorf("drm = %+v", cfg.DRM)
	}
	if cfg.UDP.Port != 5600 || cfg.UDP.VideoPT != 97 {
		t.Errorf("udp = %+v", cfg.UDP)
	}
	if !cfg.OSD.Enable || cfg.OSD.RefreshMS != 100 {
		t.Errorf("osd = %+v", cfg.OSD)
	}
	if len(cfg.OSDElements) != 2 {
		t.Fatalf("parsed %d elements, want 2", len(cfg.OSDElements))
	}
	link := cfg.OSDElements[0]
	if link.Type != "text" || link.OffsetX != 8 || len(link.Lines) != 2 {
		t.Errorf("link element = %+v", link)
	}
	if link.FG != ColorGreen || link.BG != 0x80102030 {
		t.Errorf("link colours = fg %v bg %v", link.FG, link.BG)
	}
	br := cfg.OSDElements[1]
	if br.Type != "line" || br.W != 160 || br.H != 48 || br.Metric != "rtp.bitrate_avg" {
		t.Errorf("bitrate element = %+v", br)
	}
	if br.YMin == nil || *br.YMin != 0 || br.YMax == nil || *br.YMax != 60 {
		t.Errorf("bitrate range = %v..%v", br.YMin, br.YMax)
	}
	if cfg.Record.Mode != "fragmented" {
		t.Errorf("record mode = %q", cfg.Record.Mode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleINI))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	out, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	again, err := LoadBytes(out)
	if err != nil {
		t.Fatalf("reload: %v\n%s", err, out)
	}
	if !reflect.DeepEqual(cfg, again) {
		t.Errorf("round trip changed the config\nbefore: %+v\nafter:  %+v", cfg, again)
	}
}

func TestValidateRejectsRotation(t *testing.T) {
	cfg := Default()
	cfg.Stabilize.Rotation = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("rotation accepted, want error")
	}
}

func TestValidateRejectsPTCollision(t *testing.T) {
	cfg := Default()
	cfg.UDP.AudioPT = cfg.UDP.VideoPT
	if err := cfg.Validate(); err == nil {
		t.Fatal("payload type collision accepted, want error")
	}
}

func TestValidateRejectsBadElement(t *testing.T) {
	cfg := Default()
	cfg.OSDElements = []OSDElement{{Name: "x", Type: "dial", Anchor: "top-left"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown element type accepted, want error")
	}
	cfg.OSDElements = []OSDElement{{Name: "x", Type: "text", Anchor: "somewhere"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown anchor accepted, want error")
	}
}

func TestOSDPlaneIDFromDRMSection(t *testing.T) {
	cfg, err := LoadBytes([]byte("[drm]\nosd-plane-id = 77\n"))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.OSD.PlaneID != 77 {
		t.Fatalf("OSD.PlaneID = %d, want 77 from [drm] osd-plane-id", cfg.OSD.PlaneID)
	}

	// When both sections name a plane, [osd] plane-id wins.
	cfg, err = LoadBytes([]byte("[drm]\nosd-plane-id = 77\n\n[osd]\nplane-id = 54\n"))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.OSD.PlaneID != 54 {
		t.Fatalf("OSD.PlaneID = %d, want the [osd] value 54", cfg.OSD.PlaneID)
	}
}

func TestParseFlags(t *testing.T) {
	cfg := Default()
	err := ParseFlags(cfg, "test", []string{
		"--connector=HDMI-A-2", "--udp-port=5700", "--no-audio",
		"--osd", "--osd-plane-id=54", "--verbose",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.DRM.Connector != "HDMI-A-2" || cfg.UDP.Port != 5700 {
		t.Errorf("overrides missing: %+v %+v", cfg.DRM, cfg.UDP)
	}
	if !cfg.Audio.Disable || !cfg.OSD.Enable || cfg.OSD.PlaneID != 54 || !cfg.Verbose {
		t.Errorf("bool/plane overrides missing: %+v %+v", cfg.Audio, cfg.OSD)
	}
	// Untouched settings keep their defaults.
	if cfg.UDP.VideoPT != 97 || cfg.Restart.Limit != 3 {
		t.Errorf("defaults clobbered: %+v %+v", cfg.UDP, cfg.Restart)
	}
}

func TestParseFlagsRejectsUnknown(t *testing.T) {
	cfg := Default()
	if err := ParseFlags(cfg, "test", []string{"--does-not-exist"}); err == nil {
		t.Fatal("unknown flag accepted, want error")
	}
}

func TestAudioRequiredWins(t *testing.T) {
	cfg := Default()
	if err := ParseFlags(cfg, "test", []string{"--audio-required"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.Audio.Optional {
		t.Error("audio still optional after --audio-required")
	}
}

func TestParseColor(t *testing.T) {
	cases := []struct {
		in   string
		want Color
		err  bool
	}{
		{"white", ColorWhite, false},
		{"GREEN", ColorGreen, false},
		{"#102030", 0xff102030, false},
		{"#80102030", 0x80102030, false},
		{"#12345", 0, true},
		{"mauve", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseColor(tc.in)
		if (err != nil) != tc.err || got != tc.want {
			t.Errorf("ParseColor(%q) = (%v,%v), want (%v, err=%v)", tc.in, got, err, tc.want, tc.err)
		}
	}
}

func TestColorRoundTrip(t *testing.T) {
	for _, c := range []Color{ColorWhite, ColorRed, 0x80102030, 0xff0a0b0c} {
		got, err := ParseColor(c.String())
		if err != nil || got != c {
			t.Errorf("ParseColor(%q) = (%v,%v), want %v", c.String(), got, err, c)
		}
	}
}
