package quality

import (
	iface "PickleDetServer/interface"
)

const (
	IssueNoDetections      = "no_detections"
	IssueLowConfidence     = "low_confidence"
	IssueTooManyDetections = "too_many_detections"

	lowConfidenceBelow    = 0.6
	tooManyDetectionsOver = 10
	issuePenalty          = 0.8

	highConfidence   = 0.8
	mediumConfidence = 0.5
)

type ConfidenceDistribution struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

type Report struct {
	QualityScore           float64                `json:"quality_score"`
	AverageConfidence      float64                `json:"average_confidence"`
	DetectionCount         int                    `json:"detection_count"`
	Issues                 []string               `json:"issues"`
	ConfidenceDistribution ConfidenceDistribution `json:"confidence_distribution"`
}

// FilterByClass keeps detections whose class is in targets, preserving order.
func FilterByClass(detections []iface.Detection, targets []string) []iface.Detection {
	want := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		want[t] = struct{}{}
	}
	out := make([]iface.Detection, 0, len(detections))
	for _, d := range detections {
		if _, ok := want[d.ClassName]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Assess scores a single frame's detection list.
//
// The score is the mean confidence, reduced by 20% when any issue was raised.
// An empty list scores 0 with the "no_detections" issue; that issue is never
// raised for a non-empty list.
func Assess(detections []iface.Detection) Report {
	if len(detections) == 0 {
		return Report{
			QualityScore:      0,
			AverageConfidence: 0,
			DetectionCount:    0,
			Issues:            []string{IssueNoDetections},
		}
	}

	var sum float64
	var dist ConfidenceDistribution
	for _, d := range detections {
		c := d.Confidence
		sum += c
		switch {
		case c >= highConfidence:
			dist.High++
		case c >= mediumConfidence:
			dist.Medium++
		default:
			dist.Low++
		}
	}
	avg := sum / float64(len(detections))

	issues := []string{}
	if avg < lowConfidenceBelow {
		issues = append(issues, IssueLowConfidence)
	}
	if len(detections) > tooManyDetectionsOver {
		issues = append(issues, IssueTooManyDetections)
	}

	score := avg
	if len(issues) > 0 {
		score *= issuePenalty
	}
	return Report{
		QualityScore:           score,
		AverageConfidence:      avg,
		DetectionCount:         len(detections),
		Issues:                 issues,
		ConfidenceDistribution: dist,
	}
}
