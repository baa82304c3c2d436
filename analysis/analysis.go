package analysis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/jt05610/wavedaq/daq"
)

// Summary describes one channel of an acquisition.
type Summary struct {
	Channel string
	Min     float64
	Max     float64
	Span    float64
	Mean    float64
	StdDev  float64
}

// Summarize computes per-channel statistics in acquisition channel order.
func Summarize(a *daq.Acquisition) []Summary {
	out := make([]Summary, 0, len(a.Channels))
	for _, ch := range a.Channels {
		sig := a.Signals[ch]
		if len(sig) == 0 {
			out = append(out, Summary{Channel: ch})
			continue
		}
		min := floats.Min(sig)
		max := floats.Max(sig)
		out = append(out, Summary{
			Channel: ch,
			Min:     min,
			Max:     max,
			Span:    max - min,
			Mean:    stat.Mean(sig, nil),
			StdDev:  stat.StdDev(sig, nil),
		})
	}
	return out
}

// LoopArea is the area enclosed by the y-versus-x trajectory, computed with
// the shoelace formula over the closed polygon. For a hysteretic actuator,
// x is the drive voltage and y the measured displacement.
func LoopArea(a *daq.Acquisition, x, y string) (float64, error) {
	xs, ok := a.Signals[x]
	if !ok {
		return 0, fmt.Errorf("no channel %q", x)
	}
	ys, ok := a.Signals[y]
	if !ok {
		return 0, fmt.Errorf("no channel %q", y)
	}
	n := len(xs)
	if n < 3 {
		return 0, fmt.Errorf("need at least 3 samples, have %d", n)
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += xs[i]*ys[j] - xs[j]*ys[i]
	}
	return math.Abs(sum) / 2, nil
}
