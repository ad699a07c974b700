package store

import (
	"time"

	iface "PickleDetServer/interface"
	"PickleDetServer/logger"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// BaseModel uses int64 keys instead of gorm's default uint.
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Run is one archived batch of frames.
type Run struct {
	BaseModel
	RandomID   string    `gorm:"uniqueIndex" json:"runID"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	Frames     int       `json:"frames"`
	Detections int       `json:"detections"`
}

// ArchivedDetection is one detection row. FrameIndex is the position of the
// frame inside its run, Seq the position of the detection inside its frame.
type ArchivedDetection struct {
	BaseModel
	RunID       int64 `gorm:"index"`
	FrameIndex  int
	Seq         int
	Class       string
	Confidence  float64
	X1          int
	Y1          int
	X2          int
	Y2          int
	CenterX     float64
	CenterY     float64
	FrameID     int
	Timestamp   float64
	DetectionID *string
}

// Archive stores detection runs in a SQLite database.
type Archive struct {
	db *gorm.DB
}

type gormWriter struct{}

func (gormWriter) Printf(format string, args ...any) {
	logger.S().Warnf(format, args...)
}

func OpenArchive(path string) (*Archive, error) {
	config := &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		Logger: gormlogger.New(gormWriter{}, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
	db, err := gorm.Open(sqlite.Open(path), config)
	if err != nil {
		return nil, persistenceError(errors.Wrapf(err, "open archive %s", path))
	}
	if err := db.AutoMigrate(&Run{}, &ArchivedDetection{}); err != nil {
		return nil, persistenceError(errors.Wrap(err, "migrate archive"))
	}
	logger.Log().Info("Archive opened", zap.String("path", path))
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun stores frames as a new run and returns its id. Frames without
// detections are kept so LoadRun returns the same number of lists.
func (a *Archive) SaveRun(name string, frames [][]iface.Detection) (string, error) {
	run := &Run{
		RandomID: uuid.NewString(),
		Name:     name,
		Frames:   len(frames),
	}
	rows := make([]ArchivedDetection, 0)
	for i, frame := range frames {
		for j, d := range frame {
			rows = append(rows, ArchivedDetection{
				FrameIndex:  i,
				Seq:         j,
				Class:       d.ClassName,
				Confidence:  d.Confidence,
				X1:          d.BBox.X1,
				Y1:          d.BBox.Y1,
				X2:          d.BBox.X2,
				Y2:          d.BBox.Y2,
				CenterX:     d.CenterPoint.X,
				CenterY:     d.CenterPoint.Y,
				FrameID:     d.FrameID,
				Timestamp:   d.Timestamp,
				DetectionID: d.DetectionID,
			})
		}
	}
	run.Detections = len(rows)

	err := a.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for i := range rows {
			rows[i].RunID = run.ID
		}
		return tx.CreateInBatches(rows, 500).Error
	})
	if err != nil {
		err = errors.Wrapf(err, "save run %q", name)
		logger.Log().Error("Failed to archive run", zap.Error(err))
		return "", persistenceError(err)
	}
	logger.Log().Info("Run archived",
		zap.String("run_id", run.RandomID),
		zap.String("name", name),
		zap.Int("frames", run.Frames),
		zap.Int("detections", run.Detections))
	return run.RandomID, nil
}

// LoadRun returns the frames of a run in their original order.
func (a *Archive) LoadRun(runID string) ([][]iface.Detection, error) {
	var run Run
	if err := a.db.Where("random_id = ?", runID).First(&run).Error; err != nil {
		return [][]iface.Detection{}, persistenceError(errors.Wrapf(err, "find run %s", runID))
	}
	var rows []ArchivedDetection
	err := a.db.Where("run_id = ?", run.ID).Order("frame_index, seq").Find(&rows).Error
	if err != nil {
		return [][]iface.Detection{}, persistenceError(errors.Wrapf(err, "load run %s", runID))
	}

	frames := make([][]iface.Detection, run.Frames)
	for i := range frames {
		frames[i] = []iface.Detection{}
	}
	for _, r := range rows {
		if r.FrameIndex < 0 || r.FrameIndex >= run.Frames {
			return [][]iface.Detection{}, persistenceError(errors.Errorf("run %s: frame index %d out of range", runID, r.FrameIndex))
		}
		frames[r.FrameIndex] = append(frames[r.FrameIndex], iface.Detection{
			ClassName:   r.Class,
			Confidence:  r.Confidence,
			BBox:        iface.BBox{X1: r.X1, Y1: r.Y1, X2: r.X2, Y2: r.Y2},
			CenterPoint: iface.Point{X: r.CenterX, Y: r.CenterY},
			FrameID:     r.FrameID,
			Timestamp:   r.Timestamp,
			DetectionID: r.DetectionID,
		})
	}
	return frames, nil
}

// ListRuns returns every run, oldest first.
func (a *Archive) ListRuns() ([]Run, error) {
	var runs []Run
	if err := a.db.Order("id").Find(&runs).Error; err != nil {
		return nil, persistenceError(errors.Wrap(err, "list runs"))
	}
	return runs, nil
}
