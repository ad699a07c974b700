// Package quality aggregates per-frame timing and detection counts and scores
// the quality of detection lists.
package quality

import (
	"sync"
	"time"
)

// PerformanceStats summarises every successful frame recorded so far.
// Times are in seconds. All fields are zero before the first frame.
type PerformanceStats struct {
	AverageInferenceTime      float64 `json:"average_inference_time"`
	MinInferenceTime          float64 `json:"min_inference_time"`
	MaxInferenceTime          float64 `json:"max_inference_time"`
	TotalFramesProcessed      int     `json:"total_frames_processed"`
	AverageDetectionsPerFrame float64 `json:"average_detections_per_frame"`
	TotalDetections           int     `json:"total_detections"`
}

// Accumulator is an append-only list of (inference time, detection count)
// pairs. It is safe for concurrent use; parallel batch workers append to the
// same instance.
type Accumulator struct {
	mu              sync.Mutex
	inferenceTimes  []time.Duration
	detectionCounts []int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Record(elapsed time.Duration, detections int) {
	a.mu.Lock()
	a.inferenceTimes = append(a.inferenceTimes, elapsed)
	a.detectionCounts = append(a.detectionCounts, detections)
	a.mu.Unlock()
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inferenceTimes)
}

// Stats never fails on an empty accumulator.
func (a *Accumulator) Stats() PerformanceStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.inferenceTimes)
	if n == 0 {
		return PerformanceStats{}
	}
	var total, lo, hi time.Duration
	lo, hi = a.inferenceTimes[0], a.inferenceTimes[0]
	for _, d := range a.inferenceTimes {
		total += d
		lo = min(lo, d)
		hi = max(hi, d)
	}
	detections := 0
	for _, c := range a.detectionCounts {
		detections += c
	}
	return PerformanceStats{
		AverageInferenceTime:      total.Seconds() / float64(n),
		MinInferenceTime:          lo.Seconds(),
		MaxInferenceTime:          hi.Seconds(),
		TotalFramesProcessed:      n,
		AverageDetectionsPerFrame: float64(detections) / float64(n),
		TotalDetections:           detections,
	}
}
