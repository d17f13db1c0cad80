// Package stabilize estimates global motion on the decoded luma plane and
// counter-shifts the picture with the hardware 2D blitter.
package stabilize

import (
	"fmt"
	"math"
)

const minOverlap = 5 // SAD candidates with a smaller overlap are rejected

// Estimate is one smoothed global-motion measurement in full-resolution
// pixels. X/Y already point opposite the detected motion, so applying them
// as a crop offset steadies the picture.
type Estimate struct {
	X, Y       float64
	Confidence float64
}

// Estimator tracks frame-to-frame translation with block matching on an
// area-averaged downsample of the Y plane.
type Estimator struct {
	downsample int
	radius     int
	alpha      float64

	width  int
	height int
	stride int

	sampleW int
	sampleH int
	prev    []byte
	curr    []byte

	havePrev  bool
	valid     uint64
	filteredX float64
	filteredY float64
}

func NewEstimator(downsample, radiusPx int, alpha float64) *Estimator {
	if downsample < 1 {
		downsample = 4
	}
	if downsample > 16 {
		downsample = 16
	}
	if radiusPx < 1 {
		radiusPx = 24
	}
	if math.IsNaN(alpha) || alpha < 0 {
		alpha = 0.5
	}
	if alpha > 0.98 {
		alpha = 0.98
	}
	return &Estimator{downsample: downsample, radius: radiusPx, alpha: alpha}
}

// Configure sizes the sample planes for a new stream geometry and clears
// all history.
func (e *Estimator) Configure(width, height, stride int) error {
	e.Reset()
	if width <= 0 || height <= 0 || stride < width {
		return fmt.Errorf("stabilize: bad geometry %dx%d stride %d", width, height, stride)
	}
	e.width, e.height, e.stride = width, height, stride

	sw := width / e.downsample
	sh := height / e.downsample
	if sw < 8 {
		sw = min(8, width)
	}
	if sh < 8 {
		sh = min(8, height)
	}
	e.sampleW, e.sampleH = sw, sh
	e.prev = make([]byte, sw*sh)
	e.curr = make([]byte, sw*sh)
	return nil
}

// Reset drops the previous frame and the filter state.
func (e *Estimator) Reset() {
	e.prev = nil
	e.curr = nil
	e.havePrev = false
	e.valid = 0
	e.filteredX = 0
	e.filteredY = 0
}

// Analyse consumes one luma plane and returns the smoothed estimate. The
// first frame after Configure/Reset only primes the history (ok=false).
func (e *Estimator) Analyse(y []byte) (Estimate, bool) {
	if e.prev == nil || len(y) < e.stride*e.height {
		return Estimate{}, false
	}

	downsampleAverage(y, e.width, e.height, e.stride, e.downsample, e.curr, e.sampleW, e.sampleH)

	if !e.havePrev {
		copy(e.prev, e.curr)
		e.havePrev = true
		return Estimate{}, false
	}

	radius := e.radius / e.downsample
	if radius < 1 {
		radius = 1
	}
	if radius > e.sampleW-1 {
		radius = e.sampleW - 1
	}
	if radius > e.sampleH-1 {
		radius = e.sampleH - 1
	}

	bestCost := uint64(math.MaxUint64)
	bestDx, bestDy := 0, 0
	bestOverlap := 0
	for dy := -radius; dy <= radius; dy++ {
		y0, y1 := 0, e.sampleH+dy
		if dy >= 0 {
			y0, y1 = dy, e.sampleH
		}
		if y1-y0 < minOverlap {
			continue
		}
		for dx := -radius; dx <= radius; dx++ {
			x0, x1 := 0, e.sampleW+dx
			if dx >= 0 {
				x0, x1 = dx, e.sampleW
			}
			ow, oh := x1-x0, y1-y0
			if ow < minOverlap {
				continue
			}
			curr := e.curr[y0*e.sampleW+x0:]
			prev := e.prev[(y0-dy)*e.sampleW+(x0-dx):]
			cost := sad(curr, prev, ow, oh, e.sampleW)
			if cost < bestCost {
				bestCost = cost
				bestDx, bestDy = dx, dy
				bestOverlap = ow * oh
			}
		}
	}

	copy(e.prev, e.curr)
	if bestOverlap == 0 {
		return Estimate{}, false
	}

	e.valid++
	rawX := float64(-bestDx * e.downsample)
	rawY := float64(-bestDy * e.downsample)
	if e.valid == 1 {
		e.filteredX, e.filteredY = rawX, rawY
	} else {
		e.filteredX = e.alpha*e.filteredX + (1-e.alpha)*rawX
		e.filteredY = e.alpha*e.filteredY + (1-e.alpha)*rawY
	}

	maxCost := float64(bestOverlap) * 255
	conf := 1 - float64(bestCost)/(maxCost+1)
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return Estimate{X: e.filteredX, Y: e.filteredY, Confidence: conf}, true
}

// downsampleAverage shrinks a stride-padded plane by an integer factor,
// averaging each factor×factor block.
func downsampleAverage(src []byte, width, height, stride, factor int, dst []byte, dstW, dstH int) {
	if factor <= 1 {
		for y := 0; y < dstH && y < height; y++ {
			copy(dst[y*dstW:(y+1)*dstW], src[y*stride:y*stride+min(dstW, width)])
		}
		return
	}
	for y := 0; y < dstH; y++ {
		sy0 := y * factor
		if sy0 >= height {
			break
		}
		sy1 := min(sy0+factor, height)
		for x := 0; x < dstW; x++ {
			sx0 := x * factor
			if sx0 >= width {
				break
			}
			sx1 := min(sx0+factor, width)
			sum, count := 0, 0
			for yy := sy0; yy < sy1; yy++ {
				row := src[yy*stride:]
				for xx := sx0; xx < sx1; xx++ {
					sum += int(row[xx])
					count++
				}
			}
			if count > 0 {
				dst[y*dstW+x] = byte(sum / count)
			}
		}
	}
}

func sad(a, b []byte, width, height, stride int) uint64 {
	var total uint64
	for y := 0; y < height; y++ {
		ra := a[y*stride : y*stride+width]
		rb := b[y*stride : y*stride+width]
		for x := range ra {
			d := int(ra[x]) - int(rb[x])
			if d < 0 {
				d = -d
			}
			total += uint64(d)
		}
	}
	return total
}
