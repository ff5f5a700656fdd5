package connection

import (
	"math"
	"testing"
)

func TestAccumulatorMeanStddev(t *testing.T) {
	var a Accumulator
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		a.Add(v)
	}
	if got := a.Mean(); math.Abs(got-5) > 1e-9 {
		t.Fatalf("Mean() = %v, want 5", got)
	}
	if got := a.Stddev(); math.Abs(got-2) > 1e-9 {
		t.Fatalf("Stddev() = %v, want 2", got)
	}
}

func TestSampleWindowEvictsOldest(t *testing.T) {
	w := NewSampleWindow(3, 1)
	w.Add(1)
	w.Add(2)
	w.Add(3)
	if !w.IsFull() {
		t.Fatalf("expected window to be full after 3 adds of size 3")
	}
	w.Add(100)
	if w.Len() != 3 {
		t.Fatalf("expected window to stay at size 3, got %d", w.Len())
	}
	if w.Total.N() != 4 {
		t.Fatalf("expected Total to keep all 4 samples, got n=%d", w.Total.N())
	}
}

func TestSampleWindowPNearMeanIsHigh(t *testing.T) {
	w := NewSampleWindow(100, 1)
	for i := 0; i < 20; i++ {
		w.Add(1.0)
	}
	if p := w.P(1.0); p < 0.9 {
		t.Fatalf("P(mean) = %v, want close to 1", p)
	}
	if p := w.P(1000.0); p > 0.01 {
		t.Fatalf("P(huge gap) = %v, want close to 0", p)
	}
}
