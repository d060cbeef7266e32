package sofstats

import (
	"math"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
)

func ticks(start time.Time, n int, every time.Duration) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * every)
	}
	return out
}

func TestCalculateSteady30FPS(t *testing.T) {
	st := Calculate(ticks(time.Unix(0, 0), 31, time.Second/30))

	if math.Abs(st.FPSMean-30) > 0.01 {
		t.Errorf("Expected ~30 fps, got %.3f", st.FPSMean)
	}
	if !st.IsStable {
		t.Errorf("steady stream should be stable: %+v", st)
	}
	if st.JitterMax > time.Microsecond {
		t.Errorf("unexpected jitter %v", st.JitterMax)
	}
}

func TestCalculateUnstable(t *testing.T) {
	start := time.Unix(0, 0)
	times := []time.Time{start}
	for _, iv := range []time.Duration{10, 60, 10, 60, 10, 60} {
		times = append(times, times[len(times)-1].Add(iv*time.Millisecond))
	}
	if st := Calculate(times); st.IsStable {
		t.Errorf("alternating 10/60ms intervals should be unstable: %+v", st)
	}
}

func TestCalculateEdgeCases(t *testing.T) {
	tests := []struct {
		name  string
		times []time.Time
	}{
		{"empty", nil},
		{"single", []time.Time{time.Unix(1, 0)}},
		{"zero span", []time.Time{time.Unix(1, 0), time.Unix(1, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Calculate(tt.times)
			if st.FPSMean != 0 || st.IsStable {
				t.Errorf("expected empty stats, got %+v", st)
			}
		})
	}
}

func TestWindowRingAndFrequency(t *testing.T) {
	w := NewWindow(10)
	start := time.Unix(100, 0)

	for i, ts := range ticks(start, 5, 10*time.Millisecond) {
		w.Observe(ts)
		if _, ok := w.Frequency(); ok {
			t.Fatalf("frequency reported after %d samples", i+1)
		}
	}

	// 60fps afterwards; the ring must forget the 100fps prefix.
	last := start.Add(40 * time.Millisecond)
	for i := 1; i <= 20; i++ {
		w.Observe(last.Add(time.Duration(i) * time.Second / 60))
	}

	f, ok := w.Frequency()
	if !ok {
		t.Fatal("frequency should be available")
	}
	if f < 59*physic.Hertz || f > 61*physic.Hertz {
		t.Errorf("Expected ~60Hz, got %s", f)
	}

	st := w.Stats()
	if st.Frames != 25 || st.Window != 10 {
		t.Errorf("frames=%d window=%d", st.Frames, st.Window)
	}

	w.Reset()
	if st := w.Stats(); st.Frames != 0 || st.Window != 0 {
		t.Errorf("Reset left samples: %+v", st)
	}
}
