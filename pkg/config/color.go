package config

import (
	"fmt"
	"strings"
)

// Color is a packed ARGB value as the OSD plane consumes it.
type Color uint32

const (
	ColorWhite  Color = 0xffffffff
	ColorBlack  Color = 0xff000000
	ColorRed    Color = 0xffff3030
	ColorGreen  Color = 0xff30ff30
	ColorBlue   Color = 0xff4090ff
	ColorYellow Color = 0xffffd030
	ColorCyan   Color = 0xff30e0e0
	ColorGrey   Color = 0xff909090
)

var colorNames = map[string]Color{
	"white":  ColorWhite,
	"black":  ColorBlack,
	"red":    ColorRed,
	"green":  ColorGreen,
	"blue":   ColorBlue,
	"yellow": ColorYellow,
	"cyan":   ColorCyan,
	"grey":   ColorGrey,
	"gray":   ColorGrey,
}

// ParseColor accepts a named colour, #RRGGBB (opaque) or #AARRGGBB.
func ParseColor(s string) (Color, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if c, ok := colorNames[s]; ok {
		return c, nil
	}
	if !strings.HasPrefix(s, "#") {
		return 0, fmt.Errorf("config: unknown colour %q", s)
	}
	hex := s[1:]
	var v uint64
	for _, r := range hex {
		var d uint64
		switch {
		case r >= '0' && r <= '9':
			d = uint64(r - '0')
		case r >= 'a' && r <= 'f':
			d = uint64(r-'a') + 10
		default:
			return 0, fmt.Errorf("config: bad colour digit in %q", s)
		}
		v = v<<4 | d
	}
	switch len(hex) {
	case 6:
		return Color(0xff000000 | uint32(v)), nil
	case 8:
		return Color(v), nil
	default:
		return 0, fmt.Errorf("config: colour %q must be #RRGGBB or #AARRGGBB", s)
	}
}

// String renders the colour back in canonical #AARRGGBB form, preferring a
// name when one matches exactly.
func (c Color) String() string {
	for name, v := range colorNames {
		if v == c && name != "gray" {
			return name
		}
	}
	return fmt.Sprintf("#%08x", uint32(c))
}

// A returns the alpha channel.
func (c Color) A() uint8 { return uint8(c >> 24) }

// R returns the red channel.
func (c Color) R() uint8 { return uint8(c >> 16) }

// G returns the green channel.
func (c Color) G() uint8 { return uint8(c >> 8) }

// B returns the blue channel.
func (c Color) B() uint8 { return uint8(c) }
