package monitor

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	iface "PickleDetServer/interface"
	"PickleDetServer/logger"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Total number of API requests processed, by transport",
	}, []string{"transport"})

	FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frames_processed_total",
		Help: "Frames that went through decode and suppression",
	})
	FrameFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frame_failures_total",
		Help: "Frames that degraded to an empty detection list, by failure kind",
	}, []string{"kind"})
	DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Detections kept after suppression, by class",
	}, []string{"class"})
	InferenceSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "frame_inference_seconds",
		Help:    "Wall time of preprocessing, inference, decoding and suppression per frame",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})
)

func init() {
	Registry.MustRegister(memUsage, cpuUsage, RequestsTotal, FramesTotal, FrameFailures, DetectionsTotal, InferenceSeconds)
}

// ObserveFrame records a successful frame.
func ObserveFrame(elapsed time.Duration, detections []iface.Detection) {
	FramesTotal.Inc()
	InferenceSeconds.Observe(elapsed.Seconds())
	for _, d := range detections {
		DetectionsTotal.WithLabelValues(d.ClassName).Inc()
	}
}

// ObserveFailure records a frame that produced no result.
func ObserveFailure(kind string) {
	FrameFailures.WithLabelValues(kind).Inc()
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func checkProcessInfo(p *process.Process) {
	if memInfo, err := p.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process usage every 500ms
// until ctx is cancelled.
func StartMon(ctx context.Context, port int) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Log().Error("cannot inspect own process", zap.Error(err))
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("prometheus server stopped", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			checkProcessInfo(p)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("prometheus server shutdown", zap.Error(err))
	}
}
