package engine

import (
	iface "PickleDetServer/interface"

	"github.com/pkg/errors"
)

// Decoder turns raw anchor rows into detection candidates.
type Decoder struct {
	ClassNames          []string
	ConfidenceThreshold float64
	// ScoreOffset is the index of the first class score in a row:
	// 4 for [cx,cy,w,h,scores...], 5 when an objectness column follows the box.
	ScoreOffset int
}

// Decode converts one anchor row, expressed in [0,1] units of the model input,
// into absolute pixels of a width x height frame. It reports false when the
// best class score is below the confidence threshold or the row is too short.
//
// Box arithmetic is done in float32, as the model emits it, and the corners
// are truncated toward zero; the center keeps its fractional part.
func (dc Decoder) Decode(row []float32, width, height, frameID int, timestamp float64) (iface.Detection, bool) {
	if len(row) <= dc.ScoreOffset || len(row) < 4 {
		return iface.Detection{}, false
	}
	scores := row[dc.ScoreOffset:]
	classID := argmax(scores)
	confidence := float64(scores[classID])
	if !(confidence >= dc.ConfidenceThreshold) {
		return iface.Detection{}, false
	}

	className := ClassUnknown
	if classID < len(dc.ClassNames) {
		className = dc.ClassNames[classID]
	}

	w, h := float32(width), float32(height)
	cx := float32(row[0] * w)
	cy := float32(row[1] * h)
	bw := float32(row[2] * w)
	bh := float32(row[3] * h)
	halfW := float32(bw / 2)
	halfH := float32(bh / 2)

	return iface.Detection{
		ClassName:  className,
		Confidence: confidence,
		BBox: iface.BBox{
			X1: int(float32(cx - halfW)),
			Y1: int(float32(cy - halfH)),
			X2: int(float32(cx + halfW)),
			Y2: int(float32(cy + halfH)),
		},
		CenterPoint: iface.Point{X: float64(cx), Y: float64(cy)},
		FrameID:     frameID,
		Timestamp:   timestamp,
	}, true
}

// DecodeOutput decodes every row of out, keeping accepted candidates in row order.
func (dc Decoder) DecodeOutput(out iface.RawOutput, width, height, frameID int, timestamp float64) ([]iface.Detection, error) {
	if out.Rows == 0 {
		return []iface.Detection{}, nil
	}
	if out.Cols <= dc.ScoreOffset || out.Cols < 5 {
		return nil, errors.Errorf("anchor rows have %d columns, need more than %d", out.Cols, max(dc.ScoreOffset, 4))
	}
	if len(out.Data) != out.Rows*out.Cols {
		return nil, errors.Errorf("output holds %d values, expected %d rows x %d cols", len(out.Data), out.Rows, out.Cols)
	}
	candidates := make([]iface.Detection, 0)
	for i := 0; i < out.Rows; i++ {
		if det, ok := dc.Decode(out.Row(i), width, height, frameID, timestamp); ok {
			candidates = append(candidates, det)
		}
	}
	return candidates, nil
}

// argmax returns the first index of the largest value. NaN never wins.
func argmax(values []float32) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] || values[best] != values[best] {
			best = i
		}
	}
	return best
}

// TransposeAnchors converts an attributes x anchors tensor (the [1, 4+K, N]
// layout of recent YOLO exports) into N row-major anchor rows.
func TransposeAnchors(data []float32, attrs, anchors int) iface.RawOutput {
	rows := make([]float32, attrs*anchors)
	for a := 0; a < attrs; a++ {
		for n := 0; n < anchors; n++ {
			rows[n*attrs+a] = data[a*anchors+n]
		}
	}
	return iface.RawOutput{Data: rows, Rows: anchors, Cols: attrs}
}
