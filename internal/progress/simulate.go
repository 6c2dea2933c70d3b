package progress

import (
	"time"

	"renderflow/internal/domain"
)

// checkpoint anchors the simulated curve: after `at` elapsed, simulated
// progress should read `value`. Segments between checkpoints are linear.
type checkpoint struct {
	at    time.Duration
	value int
}

// Quality presets calibrated against observed provider render times. Fast
// jobs finish around two minutes, pro around five. The curve tops out at 99
// so only a real terminal signal ever shows 100.
var (
	fastCurve = []checkpoint{
		{0, 0},
		{20 * time.Second, 25},
		{60 * time.Second, 60},
		{100 * time.Second, 90},
		{120 * time.Second, 99},
	}
	proCurve = []checkpoint{
		{0, 0},
		{50 * time.Second, 25},
		{150 * time.Second, 60},
		{250 * time.Second, 90},
		{300 * time.Second, 99},
	}
)

// curveFor selects the preset for a quality. Unknown qualities fall back to
// the fast curve.
func curveFor(quality domain.Quality) []checkpoint {
	if quality == domain.QualityPro {
		return proCurve
	}
	return fastCurve
}

// simulatedProgress interpolates the curve at the elapsed time, clamped to
// the final checkpoint value.
func simulatedProgress(curve []checkpoint, elapsed time.Duration) int {
	if elapsed <= 0 {
		return curve[0].value
	}
	last := curve[len(curve)-1]
	if elapsed >= last.at {
		return last.value
	}
	for i := 1; i < len(curve); i++ {
		if elapsed >= curve[i].at {
			continue
		}
		prev, next := curve[i-1], curve[i]
		span := next.at - prev.at
		frac := float64(elapsed-prev.at) / float64(span)
		return prev.value + int(frac*float64(next.value-prev.value))
	}
	return last.value
}
