// Package sofstats measures the frame rate a context actually delivers
// from its Start-Of-Frame timestamps.
//
// The sensor scheduler classifies its deadline bucket from the sensor's
// declared frame interval. A sensor that declares none falls back to the
// rate measured here once the window has enough samples.
package sofstats

import (
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
)

const (
	// DefaultWindow is the number of SOF timestamps kept per context.
	DefaultWindow = 32

	// minSamples is the number of SOFs needed before Frequency reports.
	minSamples = 8

	// fpsStabilityThreshold: stable if stddev < 15% of mean FPS.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold: stable if mean jitter < 20% of the
	// expected interval.
	jitterStabilityThreshold = 0.20
)

// Stats summarises the SOF intervals in the window.
type Stats struct {
	Frames     uint64        `json:"frames"` // SOFs observed since Reset
	Window     int           `json:"window"` // samples currently held
	FPSMean    float64       `json:"fps_mean"`
	FPSStdDev  float64       `json:"fps_stddev"`
	FPSMin     float64       `json:"fps_min"`
	FPSMax     float64       `json:"fps_max"`
	JitterMean time.Duration `json:"jitter_mean"`
	JitterMax  time.Duration `json:"jitter_max"`
	IsStable   bool          `json:"is_stable"`
}

// Window is a ring of the most recent SOF timestamps.
type Window struct {
	mu     sync.Mutex
	times  []time.Time
	next   int
	filled bool
	frames uint64
}

// NewWindow keeps the last size timestamps (DefaultWindow if size < 2).
func NewWindow(size int) *Window {
	if size < 2 {
		size = DefaultWindow
	}
	return &Window{times: make([]time.Time, size)}
}

// Observe records one SOF.
func (w *Window) Observe(t time.Time) {
	w.mu.Lock()
	w.times[w.next] = t
	w.next++
	if w.next == len(w.times) {
		w.next = 0
		w.filled = true
	}
	w.frames++
	w.mu.Unlock()
}

// Reset forgets every sample.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next = 0
	w.filled = false
	w.frames = 0
}

// snapshot returns the samples oldest first.
func (w *Window) snapshot() ([]time.Time, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.filled {
		return append([]time.Time(nil), w.times[:w.next]...), w.frames
	}
	out := make([]time.Time, 0, len(w.times))
	out = append(out, w.times[w.next:]...)
	out = append(out, w.times[:w.next]...)
	return out, w.frames
}

// Stats computes the window statistics.
func (w *Window) Stats() Stats {
	times, frames := w.snapshot()
	st := Calculate(times)
	st.Frames = frames
	return st
}

// Frequency returns the measured SOF rate. ok is false until the window
// holds enough samples to be meaningful.
func (w *Window) Frequency() (physic.Frequency, bool) {
	times, _ := w.snapshot()
	if len(times) < minSamples {
		return 0, false
	}
	st := Calculate(times)
	if st.FPSMean <= 0 {
		return 0, false
	}
	return physic.Frequency(st.FPSMean * float64(physic.Hertz)), true
}

// Calculate derives interval statistics from ordered SOF timestamps.
//
// Mean FPS is (n-1) intervals over the covered span; instantaneous FPS is
// the inverse of each interval; jitter is the distance of each interval
// from the mean interval. Stable when stddev < 15% of mean FPS and mean
// jitter < 20% of the mean interval.
func Calculate(times []time.Time) Stats {
	n := len(times)
	st := Stats{Window: n}
	if n < 2 {
		return st
	}

	span := times[n-1].Sub(times[0])
	if span <= 0 {
		return st
	}
	st.FPSMean = float64(n-1) / span.Seconds()
	expected := span / time.Duration(n-1)

	var sumSq float64
	var jitterSum time.Duration
	first := true
	for i := 1; i < n; i++ {
		iv := times[i].Sub(times[i-1])
		if iv <= 0 {
			continue
		}
		fps := 1.0 / iv.Seconds()
		if first || fps < st.FPSMin {
			st.FPSMin = fps
		}
		if first || fps > st.FPSMax {
			st.FPSMax = fps
		}
		first = false

		d := fps - st.FPSMean
		sumSq += d * d

		j := iv - expected
		if j < 0 {
			j = -j
		}
		jitterSum += j
		if j > st.JitterMax {
			st.JitterMax = j
		}
	}
	st.FPSStdDev = math.Sqrt(sumSq / float64(n-1))
	st.JitterMean = jitterSum / time.Duration(n-1)

	st.IsStable = st.FPSStdDev < st.FPSMean*fpsStabilityThreshold &&
		float64(st.JitterMean) < float64(expected)*jitterStabilityThreshold
	return st
}
