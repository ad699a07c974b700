package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "PickleDetServer/Adhoc"
	"PickleDetServer/config"
	"PickleDetServer/engine"
	backend "PickleDetServer/gRPC"
	iface "PickleDetServer/interface"
	"PickleDetServer/logger"
	"PickleDetServer/monitor"
	"PickleDetServer/store"
	"PickleDetServer/vision"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func GetOutboundIP() (string, error) {
	// No packet is sent; dialing UDP only resolves the outbound route.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

func newBackend(name string) (iface.Backend, error) {
	switch strings.ToLower(name) {
	case "", config.BackendOpenCV:
		return vision.NewOpenCVBackend(), nil
	}
	return nil, errors.Errorf("unknown inference backend %q", name)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Println("Failed to load config file:", err)
			return
		}
		fmt.Println("Config file not found, using defaults")
		cfg = config.Default()
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Development); err != nil {
		fmt.Println("Failed to init logger:", err)
		return
	}
	defer logger.Sync()

	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" HTTP  Port:", cfg.Server.HTTPPort)
	fmt.Println(" gRPC  Port:", cfg.Server.RPCPort)
	fmt.Println(" Metrics Port:", cfg.Server.MetricsPort)
	fmt.Println("Batch Workers:", cfg.Workers())
	fmt.Println(strings.Repeat("#", 64))

	inference, err := newBackend(cfg.Model.Backend)
	if err != nil {
		logger.Log().Error("Invalid backend", zap.Error(err))
		return
	}
	detector := engine.NewDetector(cfg.EngineConfig(), inference)
	if err := detector.LoadModel(); err != nil {
		// Keep serving: every detection call reports the initialization failure.
		logger.Log().Error("Detector unavailable", zap.Error(err))
	}
	defer detector.Destroy()

	var archive *store.Archive
	if cfg.Storage.ArchivePath != "" {
		archive, err = store.OpenArchive(cfg.Storage.ArchivePath)
		if err != nil {
			logger.Log().Error("Archive disabled", zap.Error(err))
			archive = nil
		} else {
			defer archive.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	go monitor.StartMon(ctx, cfg.Server.MetricsPort)

	rpc := backend.NewServer(detector)
	rpc.Workers = cfg.Workers()
	rpc.MaxFailures = cfg.Batch.MaxFailures
	rpc.FPS = cfg.Batch.FPS
	grpcServer, err := backend.StartGRPCServer(cfg.Server.RPCPort, rpc)
	if err != nil {
		logger.Log().Error("Failed to start gRPC server", zap.Error(err))
		return
	}

	if cfg.Server.UseRegServer {
		ip, err := GetOutboundIP()
		if err != nil {
			logger.Log().Error("Failed to get outbound IP", zap.Error(err))
		} else {
			instanceClass := adhoc.CpuInstance
			reporter := adhoc.NewReporter(cfg.Server.RegServerHost, cfg.Server.RegServerPort, ip, cfg.Server.RPCPort, instanceClass)
			reporter.Stats = detector.PerformanceStats
			wg.Add(1)
			go reporter.SendAliveMessage(ctx, &wg)
		}
	} else {
		fmt.Println("UseRegServer is set to false, skipping registration")
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	api := newHTTPServer(cfg, detector, archive, vision.DecodeBase64Image)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.routes(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("HTTP server stopped", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-rpc.Done():
	}
	logger.Log().Warn("Shutting down")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	wg.Wait()
	fmt.Println("Safely exited")
}
