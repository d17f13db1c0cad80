package osd

import (
	"image"
	"image/png"
	"io"

	xdraw "golang.org/x/image/draw"

	"github.com/snokvist/pixelpilot-mini/pkg/config"
)

// Canvas draws into an ARGB8888 buffer, usually the mapped OSD dumb FB.
// Pixels are stored little-endian: B, G, R, A.
type Canvas struct {
	Buf    []byte
	W, H   int
	Stride int // bytes per row
}

// NewCanvas wraps a buffer. Stride is in bytes; pass w*4 for tightly packed
// memory.
func NewCanvas(buf []byte, w, h, stride int) *Canvas {
	return &Canvas{Buf: buf, W: w, H: h, Stride: stride}
}

func (c *Canvas) Set(x, y int, col config.Color) {
	if x < 0 || y < 0 || x >= c.W || y >= c.H {
		return
	}
	o := y*c.Stride + x*4
	c.Buf[o] = col.B()
	c.Buf[o+1] = col.G()
	c.Buf[o+2] = col.R()
	c.Buf[o+3] = col.A()
}

// Clear fills the whole canvas, row by row with a copy-doubling fill.
func (c *Canvas) Clear(col config.Color) {
	row := c.Buf[:c.W*4]
	c.Set(0, 0, col)
	for n := 4; n < len(row); n *= 2 {
		copy(row[n:], row[:n])
	}
	for y := 1; y < c.H; y++ {
		copy(c.Buf[y*c.Stride:y*c.Stride+c.W*4], row)
	}
}

// FillRect fills a clipped rectangle.
func (c *Canvas) FillRect(x, y, w, h int, col config.Color) {
	for yy := y; yy < y+h; yy++ {
		for xx := x; xx < x+w; xx++ {
			c.Set(xx, yy, col)
		}
	}
}

// RoundedRect draws a filled background with a one-pixel border, skipping
// the corner pixels for the usual rounded look.
func (c *Canvas) RoundedRect(x, y, w, h int, bg, border config.Color) {
	if bg.A() != 0 {
		c.FillRect(x+1, y+1, w-2, h-2, bg)
	}
	if border.A() == 0 {
		return
	}
	for xx := x + 2; xx < x+w-2; xx++ {
		c.Set(xx, y, border)
		c.Set(xx, y+h-1, border)
	}
	for yy := y + 2; yy < y+h-2; yy++ {
		c.Set(x, yy, border)
		c.Set(x+w-1, yy, border)
	}
	c.Set(x+1, y+1, border)
	c.Set(x+w-2, y+1, border)
	c.Set(x+1, y+h-2, border)
	c.Set(x+w-2, y+h-2, border)
}

// DrawText renders one line with the 8x8 font at an integer scale.
func (c *Canvas) DrawText(x, y int, s string, scale int, fg config.Color) {
	if scale < 1 {
		scale = 1
	}
	cx := x
	for _, r := range s {
		g := glyph(r)
		for row := 0; row < 8; row++ {
			bits := g[row]
			for colBit := 0; colBit < 8; colBit++ {
				if bits&(1<<uint(colBit)) == 0 {
					continue
				}
				for dy := 0; dy < scale; dy++ {
					for dx := 0; dx < scale; dx++ {
						c.Set(cx+colBit*scale+dx, y+row*scale+dy, fg)
					}
				}
			}
		}
		cx += 8 * scale
	}
}

// TextWidth returns the pixel width of a string at the given scale.
func TextWidth(s string, scale int) int {
	if scale < 1 {
		scale = 1
	}
	n := 0
	for range s {
		n++
	}
	return n * 8 * scale
}

// DrawLine draws a clipped line with the integer Bresenham walk.
func (c *Canvas) DrawLine(x0, y0, x1, y1 int, col config.Color) {
	dx := x1 - x0
	if dx < 0 {
		dx = -dx
	}
	dy := y1 - y0
	if dy < 0 {
		dy = -dy
	}
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx - dy
	for {
		c.Set(x0, y0, col)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x0 += sx
		}
		if e2 < dx {
			err += dx
			y0 += sy
		}
	}
}

// DebugPNG writes the canvas as a PNG, downscaled to at most maxW pixels
// wide so capture files stay small.
func (c *Canvas) DebugPNG(w io.Writer, maxW int) error {
	img := image.NewNRGBA(image.Rect(0, 0, c.W, c.H))
	for y := 0; y < c.H; y++ {
		for x := 0; x < c.W; x++ {
			o := y*c.Stride + x*4
			d := img.PixOffset(x, y)
			img.Pix[d+0] = c.Buf[o+2]
			img.Pix[d+1] = c.Buf[o+1]
			img.Pix[d+2] = c.Buf[o+0]
			img.Pix[d+3] = c.Buf[o+3]
		}
	}
	out := image.Image(img)
	if maxW > 0 && c.W > maxW {
		h := c.H * maxW / c.W
		small := image.NewNRGBA(image.Rect(0, 0, maxW, h))
		xdraw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), xdraw.Src, nil)
		out = small
	}
	return png.Encode(w, out)
}
