package engine

import (
	"sort"

	iface "PickleDetServer/interface"
)

// IoU is the intersection-over-union of two integer boxes. Boxes with no
// positive-area overlap, and degenerate pairs with an empty union, give 0.
func IoU(a, b iface.BBox) float64 {
	ix1 := max(a.X1, b.X1)
	iy1 := max(a.Y1, b.Y1)
	ix2 := min(a.X2, b.X2)
	iy2 := min(a.Y2, b.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := interW * interH
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Suppress performs greedy non-maximum suppression over one frame's candidates.
//
// Candidates below scoreThreshold are dropped. The rest are visited by
// descending confidence (equal confidences keep their input order); each
// visited candidate is kept and removes every later candidate whose IoU with it
// exceeds iouThreshold. The result is in visiting order.
//
// With classAware false, suppression runs across all classes jointly, so an
// overlapping ball and paddle compete with each other.
func Suppress(candidates []iface.Detection, scoreThreshold, iouThreshold float64, classAware bool) []iface.Detection {
	order := make([]int, 0, len(candidates))
	for i, c := range candidates {
		if c.Confidence >= scoreThreshold {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a]].Confidence > candidates[order[b]].Confidence
	})

	kept := make([]iface.Detection, 0, len(order))
	suppressed := make([]bool, len(order))
	for i, idx := range order {
		if suppressed[i] {
			continue
		}
		anchor := candidates[idx]
		kept = append(kept, anchor)

		for j := i + 1; j < len(order); j++ {
			if suppressed[j] {
				continue
			}
			other := candidates[order[j]]
			if classAware && other.ClassName != anchor.ClassName {
				continue
			}
			if IoU(anchor.BBox, other.BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
