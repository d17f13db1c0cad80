package stabilize

import (
	"math"
	"testing"

	"github.com/snokvist/pixelpilot-mini/pkg/config"
	"github.com/snokvist/pixelpilot-mini/pkg/decode"
)

// pat is a deterministic texture with enough detail that the SAD minimum
// is unambiguous.
func pat(x, y int) byte {
	h := uint32(x*374761393 + y*668265263)
	h = (h ^ (h >> 13)) * 1274126177
	return byte(h ^ (h >> 16))
}

// plane renders the texture shifted so its content appears moved right by
// dx and down by dy relative to the (0,0) rendering.
func plane(w, h, stride, dx, dy int) []byte {
	buf := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			buf[y*stride+x] = pat(x-dx, y-dy)
		}
	}
	return buf
}

func TestEstimatorDetectsShift(t *testing.T) {
	const w, h, stride = 64, 48, 72
	e := NewEstimator(1, 8, 0.8)
	if err := e.Configure(w, h, stride); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if _, ok := e.Analyse(plane(w, h, stride, 0, 0)); ok {
		t.Fatal("first frame should only prime the history")
	}
	est, ok := e.Analyse(plane(w, h, stride, 2, 3))
	if !ok {
		t.Fatal("second frame produced no estimate")
	}
	// Content moved right/down, so the correction points left/up.
	if est.X != -2 || est.Y != -3 {
		t.Fatalf("estimate = (%g,%g), want (-2,-3)", est.X, est.Y)
	}
	if est.Confidence < 0.9 {
		t.Fatalf("confidence = %g for an exact match", est.Confidence)
	}
}

func TestEstimatorSmoothing(t *testing.T) {
	const w, h, stride = 64, 48, 64
	alpha := 0.8
	e := NewEstimator(1, 8, alpha)
	if err := e.Configure(w, h, stride); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	e.Analyse(plane(w, h, stride, 0, 0))
	first, _ := e.Analyse(plane(w, h, stride, 4, 0))
	if first.X != -4 {
		t.Fatalf("first estimate X = %g, want -4 (unfiltered)", first.X)
	}
	// Second valid estimate is low-passed against the first.
	second, ok := e.Analyse(plane(w, h, stride, 4, 0))
	if !ok {
		t.Fatal("no second estimate")
	}
	want := alpha*(-4) + (1-alpha)*0
	if math.Abs(second.X-want) > 1e-9 {
		t.Fatalf("smoothed X = %g, want %g", second.X, want)
	}
}

func TestEstimatorScalesByDownsample(t *testing.T) {
	const w, h, stride = 128, 96, 128
	e := NewEstimator(2, 16, 0.5)
	if err := e.Configure(w, h, stride); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	e.Analyse(plane(w, h, stride, 0, 0))
	est, ok := e.Analyse(plane(w, h, stride, 6, 0))
	if !ok {
		t.Fatal("no estimate")
	}
	// 6 px shift at downsample 2 lands on the dx=3 sample candidate,
	// scaled back to -6 full-resolution pixels.
	if est.X != -6 || est.Y != 0 {
		t.Fatalf("estimate = (%g,%g), want (-6,0)", est.X, est.Y)
	}
}

func TestEstimatorResetRequiresRepriming(t *testing.T) {
	const w, h, stride = 64, 48, 64
	e := NewEstimator(1, 8, 0.5)
	if err := e.Configure(w, h, stride); err != nil {
		t.Fatal(err)
	}
	e.Analyse(plane(w, h, stride, 0, 0))
	if _, ok := e.Analyse(plane(w, h, stride, 1, 0)); !ok {
		t.Fatal("estimator not primed")
	}
	if err := e.Configure(w, h, stride); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Analyse(plane(w, h, stride, 0, 0)); ok {
		t.Fatal("estimate after reconfigure without repriming")
	}
}

func TestDownsampleAverage(t *testing.T) {
	// 4x2 plane, stride 6, factor 2: two 2x2 blocks averaged.
	src := []byte{
		10, 20, 30, 40, 0, 0,
		30, 40, 50, 60, 0, 0,
	}
	dst := make([]byte, 2)
	downsampleAverage(src, 4, 2, 6, 2, dst, 2, 1)
	if dst[0] != 25 || dst[1] != 45 {
		t.Fatalf("downsample = %v, want [25 45]", dst)
	}
}

func TestClampCrop(t *testing.T) {
	s := &Stabilizer{
		cfg: config.StabilizeConfig{MaxTranslation: 64, GuardBand: 16},
		geo: decode.Geometry{Width: 1920, Height: 1080, HorStride: 1984, VerStride: 1088},
	}
	cases := []struct {
		dx, dy float64
		x, y   int
	}{
		{0, 0, 0, 0},
		{-30, -30, 0, 0},  // negative offsets cannot move a 0-based crop
		{10, 5, 10, 4},    // y aligned down to even
		{100, 100, 16, 8}, // guard band caps both, then the 8px vertical margin
		{3, 3000, 2, 8},   // odd x aligned down, y through max translation, guard, margin
	}
	for _, tc := range cases {
		x, y := s.clampCrop(tc.dx, tc.dy)
		if x != tc.x || y != tc.y {
			t.Errorf("clampCrop(%g,%g) = (%d,%d), want (%d,%d)", tc.dx, tc.dy, x, y, tc.x, tc.y)
		}
	}
}
