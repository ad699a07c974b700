package engine

import (
	"context"
	"image"
	"os"
	"slices"
	"sync"
	"time"

	iface "PickleDetServer/interface"
	"PickleDetServer/logger"
	"PickleDetServer/monitor"
	"PickleDetServer/quality"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Detector owns one inference backend and the post-processing that turns its
// raw output into per-frame detections. The class table and thresholds are
// fixed once the model is loaded.
type Detector struct {
	config  iface.EngineConfig
	backend iface.Backend
	decoder Decoder
	stats   *quality.Accumulator

	// serialize is set for backends that cannot run Infer concurrently.
	serialize bool
	inferMu   sync.Mutex

	mu           sync.RWMutex
	state        State
	errorMessage string
}

// NewDetector registers backend under cfg. Zero-valued sizes and offsets take
// their defaults, so a ScoreOffset of 0 means 4 (scores right after cx, cy, w, h).
// The detector is unusable until LoadModel succeeds.
func NewDetector(cfg iface.EngineConfig, backend iface.Backend) *Detector {
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.ScoreOffset <= 0 {
		cfg.ScoreOffset = DefaultScoreOffset
	}
	serialize := true
	if cb, ok := backend.(iface.ConcurrentBackend); ok && cb.ConcurrentSafe() {
		serialize = false
	}
	return &Detector{
		config:    cfg,
		backend:   backend,
		stats:     quality.NewAccumulator(),
		serialize: serialize,
		state:     REGISTERED,
	}
}

// LoadModel loads the model and the class table. On failure the detector
// moves to ERROR and every detection call short-circuits to an empty result.
func (d *Detector) LoadModel() error {
	if d.backend == nil {
		return d.fail(errors.New("no inference backend"))
	}
	size := image.Pt(d.config.InputSize, d.config.InputSize)
	if err := d.backend.LoadModel(d.config.ModelPath, size); err != nil {
		return d.fail(errors.Wrapf(err, "load model %s", d.config.ModelPath))
	}
	names := d.loadClassNames()

	d.mu.Lock()
	d.config.Names = names
	d.decoder = Decoder{
		ClassNames:          names,
		ConfidenceThreshold: d.config.ConfidenceThreshold,
		ScoreOffset:         d.config.ScoreOffset,
	}
	d.state = IDLE
	d.errorMessage = ""
	d.mu.Unlock()

	logger.Log().Info("Model loaded",
		zap.String("model_path", d.config.ModelPath),
		zap.Int("classes", len(names)),
		zap.Float64("confidence_threshold", d.config.ConfidenceThreshold),
		zap.Float64("nms_threshold", d.config.NMSThreshold))
	return nil
}

func (d *Detector) fail(err error) error {
	d.mu.Lock()
	d.state = ERROR
	d.errorMessage = err.Error()
	d.mu.Unlock()
	logger.Log().Error("Failed to load model", zap.Error(err))
	monitor.ObserveFailure(KindInitialization.String())
	return &Error{Kind: KindInitialization, FrameID: -1, Err: err}
}

// loadClassNames prefers explicit names, then a names file (configured or the
// model's .names sibling), then the default COCO table.
func (d *Detector) loadClassNames() []string {
	if len(d.config.Names) > 0 {
		return slices.Clone(d.config.Names)
	}
	path := d.config.NamesPath
	if path == "" {
		path = NamesPathFor(d.config.ModelPath)
		if _, err := os.Stat(path); err != nil {
			return slices.Clone(DefaultClassNames)
		}
	}
	names, err := ReadLinesReadFile(path)
	if err != nil || len(names) == 0 {
		logger.Log().Warn("Failed to load custom class names, using defaults",
			zap.String("path", path), zap.Error(err))
		return slices.Clone(DefaultClassNames)
	}
	logger.Log().Info("Loaded custom class names", zap.String("path", path), zap.Int("classes", len(names)))
	return names
}

func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Detector) ErrorMessage() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.errorMessage
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg := d.config
	cfg.Names = slices.Clone(d.config.Names)
	return cfg
}

// PerformanceStats covers every successful DetectObjects call since construction.
func (d *Detector) PerformanceStats() quality.PerformanceStats {
	return d.stats.Stats()
}

func (d *Detector) Destroy() {
	d.inferMu.Lock()
	defer d.inferMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend != nil {
		d.backend.Destroy()
	}
	d.state = UNREGISTERED
}

// DetectObjects runs one frame through inference, decoding and suppression.
//
// It never returns a nil slice: on any failure the frame yields no detections
// and the error says why (KindInitialization when the model is not loaded,
// KindInference otherwise). Only successful frames are added to the
// performance stats.
func (d *Detector) DetectObjects(ctx context.Context, img iface.ImageData, frameID int, timestamp float64) ([]iface.Detection, error) {
	d.mu.RLock()
	state, decoder := d.state, d.decoder
	d.mu.RUnlock()
	if state != IDLE {
		logger.Log().Error("Detector not initialized", zap.Int("frame_id", frameID), zap.Stringer("state", state))
		monitor.ObserveFailure(KindInitialization.String())
		return []iface.Detection{}, &Error{Kind: KindInitialization, FrameID: frameID, Err: ErrNotInitialized}
	}
	if err := ctx.Err(); err != nil {
		return []iface.Detection{}, &Error{Kind: KindInference, FrameID: frameID, Err: err}
	}

	start := time.Now()
	detections, err := d.detect(decoder, img, frameID, timestamp)
	elapsed := time.Since(start)
	if err != nil {
		logger.Log().Error("Error during detection", zap.Int("frame_id", frameID), zap.Error(err))
		monitor.ObserveFailure(KindInference.String())
		return []iface.Detection{}, &Error{Kind: KindInference, FrameID: frameID, Err: err}
	}

	d.stats.Record(elapsed, len(detections))
	monitor.ObserveFrame(elapsed, detections)
	logger.Log().Debug("Frame processed",
		zap.Int("frame_id", frameID),
		zap.Int("detections", len(detections)),
		zap.Duration("elapsed", elapsed))
	return detections, nil
}

func (d *Detector) detect(decoder Decoder, img iface.ImageData, frameID int, timestamp float64) (detections []iface.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic during inference: %v", r)
		}
	}()
	out, err := d.infer(img)
	if err != nil {
		return nil, err
	}
	candidates, err := decoder.DecodeOutput(out, img.Width, img.Height, frameID, timestamp)
	if err != nil {
		return nil, err
	}
	detections = Suppress(candidates, d.config.ConfidenceThreshold, d.config.NMSThreshold, d.config.ClassAwareNMS)
	if d.config.AssignIDs {
		for i := range detections {
			detections[i] = detections[i].WithID(uuid.NewString())
		}
	}
	return detections, nil
}

func (d *Detector) infer(img iface.ImageData) (iface.RawOutput, error) {
	if d.serialize {
		d.inferMu.Lock()
		defer d.inferMu.Unlock()
	}
	return d.backend.Infer(img)
}
