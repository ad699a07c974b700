package engine

import (
	"context"
	stderrors "errors"
	"runtime"
	"sync"
	"sync/atomic"

	iface "PickleDetServer/interface"
	"PickleDetServer/logger"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type BatchOptions struct {
	// FrameIDs defaults to 0..n-1 when empty.
	FrameIDs []int
	// Timestamps defaults to i/FPS seconds when empty.
	Timestamps []float64
	// FPS is only used for default timestamps; 0 means 30.
	FPS float64
	// Workers bounds the pool; 0 means runtime.NumCPU().
	Workers int
	// MaxFailures aborts the batch once that many frames failed; 0 never aborts.
	MaxFailures int
}

// DetectVideoFrames runs DetectObjects over frames and returns exactly
// len(frames) lists, index-aligned with the input. Failed, skipped and
// cancelled frames are empty lists; the returned error joins their errors.
func (d *Detector) DetectVideoFrames(ctx context.Context, frames []iface.ImageData, opts BatchOptions) ([][]iface.Detection, error) {
	n := len(frames)
	results := make([][]iface.Detection, n)
	for i := range results {
		results[i] = []iface.Detection{}
	}
	if n == 0 {
		return results, nil
	}

	ids, timestamps, err := frameClock(n, opts)
	if err != nil {
		return results, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, n)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		failures atomic.Int64
		aborted  atomic.Bool
		wg       sync.WaitGroup
	)
	errs := make([]error, n)
	jobs := make(chan int)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			// OpenCV keeps per-thread state; keep each worker on one OS thread.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			for i := range jobs {
				if err := ctx.Err(); err != nil {
					errs[i] = &Error{Kind: KindInference, FrameID: ids[i], Err: err}
					continue
				}
				detections, err := d.DetectObjects(ctx, frames[i], ids[i], timestamps[i])
				results[i] = detections
				if err == nil {
					continue
				}
				errs[i] = err
				if opts.MaxFailures > 0 && failures.Add(1) >= int64(opts.MaxFailures) && !aborted.Swap(true) {
					logger.Log().Error("Aborting batch",
						zap.Int("worker", workerID),
						zap.Int("failures", opts.MaxFailures))
					cancel()
				}
			}
		}(w)
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	joined := stderrors.Join(errs...)
	if aborted.Load() {
		return results, stderrors.Join(ErrTooManyFailures, joined)
	}
	return results, joined
}

func frameClock(n int, opts BatchOptions) ([]int, []float64, error) {
	ids := opts.FrameIDs
	if len(ids) == 0 {
		ids = make([]int, n)
		for i := range ids {
			ids[i] = i
		}
	} else if len(ids) != n {
		return nil, nil, errors.Errorf("got %d frame ids for %d frames", len(ids), n)
	}

	timestamps := opts.Timestamps
	if len(timestamps) == 0 {
		fps := opts.FPS
		if fps <= 0 {
			fps = DefaultFPS
		}
		timestamps = make([]float64, n)
		for i := range timestamps {
			timestamps[i] = float64(i) / fps
		}
	} else if len(timestamps) != n {
		return nil, nil, errors.Errorf("got %d timestamps for %d frames", len(timestamps), n)
	}
	return ids, timestamps, nil
}
