// Package store persists per-frame detection lists: a JSON interchange file
// and a SQLite archive of named runs.
package store

import (
	"bytes"
	"os"

	"PickleDetServer/engine"
	iface "PickleDetServer/interface"
	"PickleDetServer/logger"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Record is the interchange form of one detection.
type Record struct {
	Class       string    `json:"class"`
	Confidence  float64   `json:"confidence"`
	BBox        []float64 `json:"bbox"`
	CenterPoint []float64 `json:"center_point"`
	FrameID     int       `json:"frame_id"`
	Timestamp   float64   `json:"timestamp"`
	DetectionID *string   `json:"detection_id"`
}

var requiredKeys = []string{"class", "confidence", "bbox", "center_point", "frame_id", "timestamp"}

// UnmarshalJSON rejects records missing a required key or holding null for
// one. detection_id may be absent or null.
func (r *Record) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("detection record is null")
	}
	for _, key := range requiredKeys {
		v, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return errors.Errorf("detection record has no %q", key)
		}
	}
	type plain Record
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Record(p)
	return nil
}

func ToRecord(d iface.Detection) Record {
	return Record{
		Class:       d.ClassName,
		Confidence:  d.Confidence,
		BBox:        []float64{float64(d.BBox.X1), float64(d.BBox.Y1), float64(d.BBox.X2), float64(d.BBox.Y2)},
		CenterPoint: []float64{d.CenterPoint.X, d.CenterPoint.Y},
		FrameID:     d.FrameID,
		Timestamp:   d.Timestamp,
		DetectionID: d.DetectionID,
	}
}

func (r Record) Detection() (iface.Detection, error) {
	if len(r.BBox) != 4 {
		return iface.Detection{}, errors.Errorf("bbox has %d values, want 4", len(r.BBox))
	}
	if len(r.CenterPoint) != 2 {
		return iface.Detection{}, errors.Errorf("center_point has %d values, want 2", len(r.CenterPoint))
	}
	return iface.Detection{
		ClassName:  r.Class,
		Confidence: r.Confidence,
		BBox: iface.BBox{
			X1: int(r.BBox[0]),
			Y1: int(r.BBox[1]),
			X2: int(r.BBox[2]),
			Y2: int(r.BBox[3]),
		},
		CenterPoint: iface.Point{X: r.CenterPoint[0], Y: r.CenterPoint[1]},
		FrameID:     r.FrameID,
		Timestamp:   r.Timestamp,
		DetectionID: r.DetectionID,
	}, nil
}

func ToRecords(frames [][]iface.Detection) [][]Record {
	data := make([][]Record, len(frames))
	for i, frame := range frames {
		data[i] = make([]Record, len(frame))
		for j, d := range frame {
			data[i][j] = ToRecord(d)
		}
	}
	return data
}

func FromRecords(data [][]Record) ([][]iface.Detection, error) {
	frames := make([][]iface.Detection, len(data))
	for i, frameData := range data {
		frames[i] = make([]iface.Detection, 0, len(frameData))
		for j, r := range frameData {
			d, err := r.Detection()
			if err != nil {
				return nil, errors.Wrapf(err, "frame %d detection %d", i, j)
			}
			frames[i] = append(frames[i], d)
		}
	}
	return frames, nil
}

// SaveDetections writes the per-frame lists as indented JSON. Nothing is
// written when encoding fails.
func SaveDetections(frames [][]iface.Detection, path string) error {
	b, err := json.MarshalIndent(ToRecords(frames), "", "  ")
	if err != nil {
		err = errors.Wrap(err, "encode detections")
		logger.Log().Error("Failed to save detections", zap.String("path", path), zap.Error(err))
		return persistenceError(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		err = errors.Wrapf(err, "write %s", path)
		logger.Log().Error("Failed to save detections", zap.String("path", path), zap.Error(err))
		return persistenceError(err)
	}
	logger.Log().Info("Detections saved", zap.String("path", path), zap.Int("frames", len(frames)))
	return nil
}

// LoadDetections reads a file written by SaveDetections. On any failure it
// returns an empty, non-nil sequence together with the error.
func LoadDetections(path string) ([][]iface.Detection, error) {
	frames, err := loadDetections(path)
	if err != nil {
		logger.Log().Error("Failed to load detections", zap.String("path", path), zap.Error(err))
		return [][]iface.Detection{}, persistenceError(err)
	}
	logger.Log().Info("Detections loaded", zap.String("path", path), zap.Int("frames", len(frames)))
	return frames, nil
}

func loadDetections(path string) ([][]iface.Detection, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var data [][]Record
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if data == nil {
		return nil, errors.Errorf("%s does not hold a list of frames", path)
	}
	for i, frame := range data {
		if frame == nil {
			return nil, errors.Errorf("%s: frame %d is null", path, i)
		}
	}
	return FromRecords(data)
}

func persistenceError(err error) error {
	return &engine.Error{Kind: engine.KindPersistence, FrameID: -1, Err: err}
}
