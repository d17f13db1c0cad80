package osd

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/snokvist/pixelpilot-mini/pkg/config"
	"github.com/snokvist/pixelpilot-mini/pkg/extosd"
)

// Metrics is what the renderer needs from the stats bus: current values by
// dotted path and recent history for the plots.
type Metrics interface {
	Lookup(path string) (float64, bool)
	History(path string, n int) []float64
}

const backgroundClear = config.Color(0x80000000)

// Renderer draws the configured widget list into a canvas. One instance per
// OSD plane; Render is called from the supervisor tick only.
type Renderer struct {
	cv    *Canvas
	scale int
	tick  int
}

func NewRenderer(cv *Canvas, scale int) *Renderer {
	if scale < 1 {
		scale = 1
	}
	return &Renderer{cv: cv, scale: scale}
}

// Render clears the canvas and draws every element in layout order.
func (r *Renderer) Render(elems []config.OSDElement, m Metrics, ext *extosd.State, nowNS int64) {
	r.cv.Clear(backgroundClear)
	r.tick++
	for i := range elems {
		el := &elems[i]
		switch el.Type {
		case "text":
			r.renderText(el, m, ext, nowNS)
		case "line":
			r.renderLinePlot(el, m)
		case "bar":
			r.renderBarPlot(el, m)
		case "outline":
			r.renderOutline(el, m)
		}
	}
}

// anchorPos places a w×h box inside the canvas per the element's anchor and
// offset. Negative offsets pull away from right/bottom edges naturally
// because the anchor already hugs that edge.
func (r *Renderer) anchorPos(el *config.OSDElement, w, h int) (int, int) {
	var x, y int
	switch {
	case strings.HasSuffix(el.Anchor, "left"):
		x = 0
	case strings.HasSuffix(el.Anchor, "center"):
		x = (r.cv.W - w) / 2
	default: // right
		x = r.cv.W - w
	}
	switch {
	case strings.HasPrefix(el.Anchor, "top"):
		y = 0
	case strings.HasPrefix(el.Anchor, "middle"):
		y = (r.cv.H - h) / 2
	default: // bottom
		y = r.cv.H - h
	}
	return x + el.OffsetX*r.scale, y + el.OffsetY*r.scale
}

func (r *Renderer) renderText(el *config.OSDElement, m Metrics, ext *extosd.State, nowNS int64) {
	scale := el.Scale * r.scale
	if scale < 1 {
		scale = 1
	}
	lines := make([]string, 0, len(el.Lines))
	maxW := 0
	for _, raw := range el.Lines {
		line := Expand(raw, m, ext, nowNS)
		lines = append(lines, line)
		if w := TextWidth(line, scale); w > maxW {
			maxW = w
		}
	}
	pad := 4 * r.scale
	lineH := 8*scale + 2*r.scale
	boxW := maxW + 2*pad
	boxH := len(lines)*lineH - 2*r.scale + 2*pad
	x, y := r.anchorPos(el, boxW, boxH)
	r.cv.RoundedRect(x, y, boxW, boxH, el.BG, el.Border)
	for i, line := range lines {
		r.cv.DrawText(x+pad, y+pad+i*lineH, line, scale, el.FG)
	}
}

func (r *Renderer) renderLinePlot(el *config.OSDElement, m Metrics) {
	w, h := el.W*r.scale, el.H*r.scale
	if w <= 0 || h <= 0 {
		return
	}
	x, y := r.anchorPos(el, w, h)
	r.cv.RoundedRect(x, y, w, h, el.BG, el.Border)

	hist := m.History(el.Metric, w-2)
	lo, hi := plotRange(el, hist)

	grid := config.Color(0x40ffffff)
	for i := 1; i < 4; i++ {
		gy := y + h*i/4
		for gx := x + 2; gx < x+w-2; gx += 3 {
			r.cv.Set(gx, gy, grid)
		}
	}

	if len(hist) < 2 || hi <= lo {
		return
	}
	plotH := h - 4
	toY := func(v float64) int {
		f := (v - lo) / (hi - lo)
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		return y + 2 + plotH - 1 - int(f*float64(plotH-1))
	}
	x0 := x + w - 2 - len(hist)
	for i := 1; i < len(hist); i++ {
		r.cv.DrawLine(x0+i-1, toY(hist[i-1]), x0+i, toY(hist[i]), el.FG)
	}
}

func (r *Renderer) renderBarPlot(el *config.OSDElement, m Metrics) {
	w, h := el.W*r.scale, el.H*r.scale
	if w <= 0 || h <= 0 {
		return
	}
	x, y := r.anchorPos(el, w, h)
	r.cv.RoundedRect(x, y, w, h, el.BG, el.Border)

	plotH := h - 4
	if len(el.Series) > 0 {
		// Instantaneous mode: one bar per named series, side by side.
		n := len(el.Series)
		vals := make([]float64, n)
		hi := 0.0
		for i, s := range el.Series {
			vals[i], _ = m.Lookup(s)
			if vals[i] > hi {
				hi = vals[i]
			}
		}
		lo, hiR := plotRange(el, vals)
		if hiR > hi {
			hi = hiR
		}
		if hi <= lo {
			return
		}
		barW := (w - 4) / n
		for i, v := range vals {
			bh := int((v - lo) / (hi - lo) * float64(plotH))
			if bh < 0 {
				bh = 0
			}
			if bh > plotH {
				bh = plotH
			}
			r.cv.FillRect(x+2+i*barW, y+2+plotH-bh, barW-r.scale, bh, el.FG)
		}
		return
	}

	// History scroll mode: newest value on the right.
	hist := m.History(el.Metric, (w-4)/(2*r.scale))
	lo, hi := plotRange(el, hist)
	if len(hist) == 0 || hi <= lo {
		return
	}
	barW := 2 * r.scale
	x0 := x + w - 2 - len(hist)*barW
	for i, v := range hist {
		bh := int((v - lo) / (hi - lo) * float64(plotH))
		if bh < 0 {
			bh = 0
		}
		if bh > plotH {
			bh = plotH
		}
		r.cv.FillRect(x0+i*barW, y+2+plotH-bh, barW-1, bh, el.FG)
	}
}

func (r *Renderer) renderOutline(el *config.OSDElement, m Metrics) {
	w, h := el.W*r.scale, el.H*r.scale
	if w <= 0 || h <= 0 {
		return
	}
	x, y := r.anchorPos(el, w, h)
	col := el.FG
	if v, ok := m.Lookup(el.Metric); ok && v > el.Threshold {
		col = el.Border
	}
	// Dashed border whose phase scrolls with the tick.
	phase := 0
	if el.Speed > 0 {
		phase = (r.tick * el.Speed) % 8
	}
	dash := func(i int) bool { return (i+phase)%8 < 5 }
	for i := 0; i < w; i++ {
		if dash(i) {
			r.cv.Set(x+i, y, col)
			r.cv.Set(x+w-1-i, y+h-1, col)
		}
	}
	for i := 0; i < h; i++ {
		if dash(i) {
			r.cv.Set(x+w-1, y+i, col)
			r.cv.Set(x, y+h-1-i, col)
		}
	}
}

// plotRange resolves the y-range: configured bounds win, otherwise the data
// is auto-ranged with a little headroom.
func plotRange(el *config.OSDElement, data []float64) (float64, float64) {
	if el.YMin != nil && el.YMax != nil {
		return *el.YMin, *el.YMax
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if el.YMin != nil {
		lo = *el.YMin
	}
	if el.YMax != nil {
		hi = *el.YMax
	}
	if math.IsInf(lo, 1) || math.IsInf(hi, -1) {
		return 0, 0
	}
	if lo == hi {
		hi = lo + 1
	} else if el.YMax == nil {
		hi += (hi - lo) * 0.05
	}
	return lo, hi
}

// Expand substitutes {metric.path}, {ext.textN} and {ext.valueN}
// placeholders. Unknown paths render as "--" so a typo is visible on
// screen instead of silently blank.
func Expand(s string, m Metrics, ext *extosd.State, nowNS int64) string {
	if !strings.Contains(s, "{") {
		return s
	}
	var b strings.Builder
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			b.WriteString(s)
			return b.String()
		}
		closeIdx := strings.IndexByte(s[open:], '}')
		if closeIdx < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:open])
		path := s[open+1 : open+closeIdx]
		b.WriteString(resolve(path, m, ext, nowNS))
		s = s[open+closeIdx+1:]
	}
}

func resolve(path string, m Metrics, ext *extosd.State, nowNS int64) string {
	if rest, ok := strings.CutPrefix(path, "ext.text"); ok && ext != nil {
		if i, err := strconv.Atoi(rest); err == nil {
			return ext.TextSlot(i, nowNS)
		}
	}
	if rest, ok := strings.CutPrefix(path, "ext.value"); ok && ext != nil {
		if i, err := strconv.Atoi(rest); err == nil {
			if v, ok := ext.ValueSlot(i, nowNS); ok {
				return formatMetric(v)
			}
			return "--"
		}
	}
	if m != nil {
		if v, ok := m.Lookup(path); ok {
			return formatMetric(v)
		}
	}
	return "--"
}

func formatMetric(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e9 {
		return strconv.FormatInt(int64(v), 10)
	}
	return fmt.Sprintf("%.1f", v)
}
