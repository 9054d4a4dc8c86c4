package usecase

import (
	"math"
	"time"
)

// NormalDelaySeconds is the ingress spacing for the i-th standard subtask of
// a task (0-based): one second up front, then shrinking by 10 ms per item
// down to a 200 ms floor. It only smooths the initial burst.
func NormalDelaySeconds(i int) float64 {
	if i == 0 {
		return 1
	}
	return math.Max(1-0.01*float64(i), 0.2)
}

// LuminaDelaySeconds is the ingress spacing for the i-th Lumina subtask of a
// task (0-based). The first item goes out immediately to warm the upstream
// model, the second waits out the 90 s cold start, and from the third on the
// spacing shrinks from 12 s by 10 ms per item down to a 500 ms floor.
func LuminaDelaySeconds(i int) float64 {
	switch i {
	case 0:
		return 0
	case 1:
		return 90
	case 2:
		return 12
	}
	return math.Max(12-0.01*float64(i-2), 0.5)
}

// DispatchDelays returns the cumulative enqueue delay for each of n subtasks
// of one partition: position k waits the sum of the spacings 0..k. Per-step
// spacings are rounded to whole milliseconds before accumulating; truncating
// instead would undershoot (0.93*1000 floats to 929.999...) and the drift
// compounds over a large partition.
func DispatchDelays(n int, lumina bool) []time.Duration {
	curve := NormalDelaySeconds
	if lumina {
		curve = LuminaDelaySeconds
	}
	out := make([]time.Duration, n)
	var accumulatedMS int64
	for i := 0; i < n; i++ {
		accumulatedMS += int64(math.Round(curve(i) * 1000))
		out[i] = time.Duration(accumulatedMS) * time.Millisecond
	}
	return out
}
