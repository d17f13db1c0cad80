package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// Shadow keys let a text widget repeat "line =" once per rendered row.
var loadOpts = ini.LoadOptions{AllowShadows: true}

// LoadFile reads an INI file over the defaults.
func LoadFile(path string) (*AppConfig, error) {
	f, err := ini.LoadSources(loadOpts, path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return fromINI(f)
}

// LoadBytes parses INI content over the defaults.
func LoadBytes(data []byte) (*AppConfig, error) {
	f, err := ini.LoadSources(loadOpts, data)
	if err != nil {
		return nil, fmt.Errorf("config: parse ini: %w", err)
	}
	return fromINI(f)
}

func fromINI(f *ini.File) (*AppConfig, error) {
	cfg := Default()
	sections := []struct {
		name string
		dst  interface{}
	}{
		{"drm", &cfg.DRM},
		{"udp", &cfg.UDP},
		{"pipeline", &cfg.Pipeline},
		{"audio", &cfg.Audio},
		{"restart", &cfg.Restart},
		{"osd", &cfg.OSD},
		{"osd.external", &cfg.ExternalOSD},
		{"record", &cfg.Record},
		{"sse", &cfg.SSE},
		{"idr", &cfg.IDR},
		{"stabilize", &cfg.Stabilize},
	}
	for _, s := range sections {
		if sec, err := f.GetSection(s.name); err == nil {
			if err := sec.MapTo(s.dst); err != nil {
				return nil, fmt.Errorf("config: section [%s]: %w", s.name, err)
			}
		}
	}
	if sec, err := f.GetSection("osd.external"); err == nil && sec.HasKey("path") {
		// "path" is accepted as an alias for "socket".
		cfg.ExternalOSD.Socket = sec.Key("path").String()
	}

	// [drm] osd-plane-id names the same plane as [osd] plane-id; the
	// [osd] key wins when both are set.
	if cfg.OSD.PlaneID == 0 && cfg.DRM.OSDPlaneID != 0 {
		cfg.OSD.PlaneID = cfg.DRM.OSDPlaneID
	}

	if sec, err := f.GetSection("osd"); err == nil && sec.HasKey("elements") {
		for _, name := range sec.Key("elements").Strings(",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			cfg.OSD.Elements = append(cfg.OSD.Elements, name)
			el, err := parseElement(f, name)
			if err != nil {
				return nil, err
			}
			cfg.OSDElements = append(cfg.OSDElements, *el)
		}
	}
	return cfg, nil
}

func parseElement(f *ini.File, name string) (*OSDElement, error) {
	sec, err := f.GetSection("osd.element." + name)
	if err != nil {
		return nil, fmt.Errorf("config: osd element %q listed but has no section", name)
	}
	el := &OSDElement{
		Name:   name,
		Type:   sec.Key("type").MustString("text"),
		Anchor: sec.Key("anchor").MustString("top-left"),
		Metric: sec.Key("metric").String(),
		FG:     ColorWhite,
		BG:     0x80000000,
		Border: 0,
		Scale:  1,
	}
	if sec.HasKey("offset") {
		dx, dy, err := parseOffset(sec.Key("offset").String())
		if err != nil {
			return nil, err
		}
		el.OffsetX, el.OffsetY = dx, dy
	}
	if sec.HasKey("size") {
		w, h, err := parseSize(sec.Key("size").String())
		if err != nil {
			return nil, err
		}
		el.W, el.H = w, h
	}
	for _, k := range []struct {
		key string
		dst *Color
	}{
		{"fg", &el.FG}, {"bg", &el.BG}, {"border", &el.Border},
	} {
		if sec.HasKey(k.key) {
			c, err := ParseColor(sec.Key(k.key).String())
			if err != nil {
				return nil, fmt.Errorf("config: osd element %q: %w", name, err)
			}
			*k.dst = c
		}
	}
	// A text widget may carry several "line" keys, one per rendered row.
	if sec.HasKey("line") {
		el.Lines = sec.Key("line").ValueWithShadows()
	}
	if sec.HasKey("series") {
		el.Series = sec.Key("series").Strings(",")
	}
	if sec.HasKey("y-min") {
		v := sec.Key("y-min").MustFloat64(0)
		el.YMin = &v
	}
	if sec.HasKey("y-max") {
		v := sec.Key("y-max").MustFloat64(0)
		el.YMax = &v
	}
	el.Threshold = sec.Key("threshold").MustFloat64(0)
	el.Speed = sec.Key("speed").MustInt(0)
	el.Scale = sec.Key("scale").MustInt(1)
	return el, nil
}

// Marshal renders the configuration back to canonical INI. Loading the
// output yields an identical AppConfig.
func (c *AppConfig) Marshal() ([]byte, error) {
	f := ini.Empty(loadOpts)
	sections := []struct {
		name string
		src  interface{}
	}{
		{"drm", &c.DRM},
		{"udp", &c.UDP},
		{"pipeline", &c.Pipeline},
		{"audio", &c.Audio},
		{"restart", &c.Restart},
		{"osd", &c.OSD},
		{"osd.external", &c.ExternalOSD},
		{"record", &c.Record},
		{"sse", &c.SSE},
		{"idr", &c.IDR},
		{"stabilize", &c.Stabilize},
	}
	for _, s := range sections {
		sec, err := f.NewSection(s.name)
		if err != nil {
			return nil, err
		}
		if err := sec.ReflectFrom(s.src); err != nil {
			return nil, fmt.Errorf("config: marshal [%s]: %w", s.name, err)
		}
	}
	if len(c.OSD.Elements) > 0 {
		f.Section("osd").Key("elements").SetValue(strings.Join(c.OSD.Elements, ","))
	}
	for i := range c.OSDElements {
		el := &c.OSDElements[i]
		sec, err := f.NewSection("osd.element." + el.Name)
		if err != nil {
			return nil, err
		}
		sec.Key("type").SetValue(el.Type)
		sec.Key("anchor").SetValue(el.Anchor)
		sec.Key("offset").SetValue(fmt.Sprintf("%d,%d", el.OffsetX, el.OffsetY))
		if el.Metric != "" {
			sec.Key("metric").SetValue(el.Metric)
		}
		if el.W != 0 || el.H != 0 {
			sec.Key("size").SetValue(fmt.Sprintf("%dx%d", el.W, el.H))
		}
		sec.Key("fg").SetValue(el.FG.String())
		sec.Key("bg").SetValue(el.BG.String())
		if el.Border != 0 {
			sec.Key("border").SetValue(el.Border.String())
		}
		for j, line := range el.Lines {
			if j == 0 {
				sec.Key("line").SetValue(line)
			} else {
				sec.Key("line").AddShadow(line)
			}
		}
		if len(el.Series) > 0 {
			sec.Key("series").SetValue(strings.Join(el.Series, ","))
		}
		if el.YMin != nil {
			sec.Key("y-min").SetValue(fmt.Sprintf("%g", *el.YMin))
		}
		if el.YMax != nil {
			sec.Key("y-max").SetValue(fmt.Sprintf("%g", *el.YMax))
		}
		if el.Threshold != 0 {
			sec.Key("threshold").SetValue(fmt.Sprintf("%g", el.Threshold))
		}
		if el.Speed != 0 {
			sec.Key("speed").SetValue(fmt.Sprintf("%d", el.Speed))
		}
		if el.Scale != 1 {
			sec.Key("scale").SetValue(fmt.Sprintf("%d", el.Scale))
		}
	}
	var sb strings.Builder
	if _, err := f.WriteTo(&sb); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}
