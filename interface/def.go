package iface

// Point is an absolute pixel position. Detection centers keep their float precision.
type Point struct {
	X, Y float64
}

// BBox is an axis-aligned box in absolute pixel units, truncated toward zero.
// Ordering X1<X2, Y1<Y2 is not enforced: degenerate frames produce degenerate boxes.
type BBox struct {
	X1, Y1, X2, Y2 int
}

func (b BBox) Width() int {
	return b.X2 - b.X1
}

func (b BBox) Height() int {
	return b.Y2 - b.Y1
}

// Area is zero for boxes with non-positive width or height.
func (b BBox) Area() int {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Detection is one localized, classified object of a single frame.
// It is passed by value and never mutated after the pipeline returns it.
type Detection struct {
	ClassName   string
	Confidence  float64
	BBox        BBox
	CenterPoint Point
	FrameID     int
	Timestamp   float64
	// DetectionID is nil unless ids were assigned or loaded from a file.
	DetectionID *string
}

// ID returns the detection id or "" when absent.
func (d Detection) ID() string {
	if d.DetectionID == nil {
		return ""
	}
	return *d.DetectionID
}

// WithID returns a copy of d carrying id.
func (d Detection) WithID(id string) Detection {
	d.DetectionID = &id
	return d
}

// ImageData is a decoded frame: packed 8-bit pixels in BGR channel order.
type ImageData struct {
	Data     []byte
	Width    int
	Height   int
	Channels int
}

// RawOutput is the inference result as row-major anchor rows of equal length.
// Each row is [cx, cy, w, h, (objectness,) class_score_0 ... class_score_{K-1}].
type RawOutput struct {
	Data []float32
	Rows int
	Cols int
}

// Row returns anchor row i without copying.
func (o RawOutput) Row(i int) []float32 {
	return o.Data[i*o.Cols : (i+1)*o.Cols]
}

type EngineConfig struct {
	ModelPath           string
	NamesPath           string
	Names               []string
	InputSize           int
	ScoreOffset         int
	ConfidenceThreshold float64
	NMSThreshold        float64
	ClassAwareNMS       bool
	AssignIDs           bool
}
