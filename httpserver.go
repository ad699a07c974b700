package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"PickleDetServer/config"
	"PickleDetServer/engine"
	iface "PickleDetServer/interface"
	"PickleDetServer/logger"
	"PickleDetServer/monitor"
	"PickleDetServer/quality"
	"PickleDetServer/store"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type detectRequest struct {
	Image     string  `json:"image" binding:"required"`
	FrameID   int     `json:"frame_id"`
	Timestamp float64 `json:"timestamp"`
}

type detectResponse struct {
	Success    bool           `json:"success"`
	FrameID    int            `json:"frame_id"`
	Detections []store.Record `json:"detections"`
	Error      string         `json:"error,omitempty"`
}

type batchRequest struct {
	Images     []string  `json:"images" binding:"required"`
	FrameIDs   []int     `json:"frame_ids"`
	Timestamps []float64 `json:"timestamps"`
}

type qualityRequest struct {
	Detections []store.Record `json:"detections"`
	Classes    []string       `json:"classes"`
}

type runRequest struct {
	Name   string           `json:"name"`
	Frames [][]store.Record `json:"frames" binding:"required"`
}

// session is one websocket stream bound to the detector. Frame ids count up
// from zero per session.
type session struct {
	id          string
	lastActive  atomic.Int64
	nextFrame   int
	connMu      sync.Mutex
	conn        *websocket.Conn
	streaming   bool
	closed      bool
	closeOnce   sync.Once
	cancelTimer chan struct{}
	cancelOnce  sync.Once
}

func (s *session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

type httpServer struct {
	detector    *engine.Detector
	archive     *store.Archive
	outputPath  string
	workers     int
	maxFailures int
	fps         float64
	maxSessions int
	idleTimeout time.Duration
	decodeImage func(string) (iface.ImageData, error)

	sessionMu sync.RWMutex
	sessions  map[string]*session
	upgrader  websocket.Upgrader
}

func newHTTPServer(cfg config.Config, detector *engine.Detector, archive *store.Archive, decode func(string) (iface.ImageData, error)) *httpServer {
	return &httpServer{
		detector:    detector,
		archive:     archive,
		outputPath:  cfg.Storage.OutputPath,
		workers:     cfg.Workers(),
		maxFailures: cfg.Batch.MaxFailures,
		fps:         cfg.Batch.FPS,
		maxSessions: cfg.Workers(),
		idleTimeout: time.Duration(cfg.Server.IdleTimeoutMs) * time.Millisecond,
		decodeImage: decode,
		sessions:    map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *httpServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), func(c *gin.Context) {
		monitor.RequestsTotal.WithLabelValues("http").Inc()
		c.Next()
	})
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/metrics", gin.WrapH(monitor.Handler()))
	r.GET("/api/engine", s.handleEngine)
	r.POST("/api/detect", s.handleDetect)
	r.POST("/api/detect/batch", s.handleDetectBatch)
	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.detector.PerformanceStats()})
	})
	r.POST("/api/quality", s.handleQuality)
	r.POST("/api/detections/save", s.handleSave)
	r.GET("/api/detections/load", s.handleLoad)
	r.POST("/api/runs", s.handleSaveRun)
	r.GET("/api/runs", s.handleListRuns)
	r.GET("/api/runs/:runID", s.handleLoadRun)
	r.POST("/api/sessions/alloc", s.handleAlloc)
	r.POST("/api/sessions/:sessionID/release", func(c *gin.Context) {
		if !s.releaseSession(c.Param("sessionID"), "released by client") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": "Session released"})
	})
	r.GET("/ws/:sessionID", s.handleStream)
	return r
}

func (s *httpServer) handleEngine(c *gin.Context) {
	cfg := s.detector.CheckConfig()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"state":               s.detector.State().String(),
		"error":               s.detector.ErrorMessage(),
		"modelPath":           cfg.ModelPath,
		"names":               cfg.Names,
		"inputSize":           cfg.InputSize,
		"scoreOffset":         cfg.ScoreOffset,
		"confidenceThreshold": cfg.ConfidenceThreshold,
		"nmsThreshold":        cfg.NMSThreshold,
		"classAwareNMS":       cfg.ClassAwareNMS,
	}})
}

func (s *httpServer) handleDetect(c *gin.Context) {
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	img, err := s.decodeImage(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.detect(c.Request.Context(), img, req.FrameID, req.Timestamp))
}

func (s *httpServer) detect(ctx context.Context, img iface.ImageData, frameID int, timestamp float64) detectResponse {
	detections, err := s.detector.DetectObjects(ctx, img, frameID, timestamp)
	resp := detectResponse{
		Success:    err == nil,
		FrameID:    frameID,
		Detections: store.ToRecords([][]iface.Detection{detections})[0],
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *httpServer) handleDetectBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	frames := make([]iface.ImageData, len(req.Images))
	for i, b64 := range req.Images {
		img, err := s.decodeImage(b64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid image %d: %v", i, err)})
			return
		}
		frames[i] = img
	}
	results, err := s.detector.DetectVideoFrames(c.Request.Context(), frames, engine.BatchOptions{
		FrameIDs:    req.FrameIDs,
		Timestamps:  req.Timestamps,
		FPS:         s.fps,
		Workers:     s.workers,
		MaxFailures: s.maxFailures,
	})
	body := gin.H{"success": err == nil, "frames": store.ToRecords(results)}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (s *httpServer) handleQuality(c *gin.Context) {
	var req qualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	frames, err := store.FromRecords([][]store.Record{req.Detections})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	detections := frames[0]
	if len(req.Classes) > 0 {
		detections = quality.FilterByClass(detections, req.Classes)
	}
	c.JSON(http.StatusOK, gin.H{
		"report":     quality.Assess(detections),
		"detections": store.ToRecords([][]iface.Detection{detections})[0],
	})
}

func (s *httpServer) handleSave(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	frames, err := store.FromRecords(req.Frames)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := store.SaveDetections(frames, s.outputPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.outputPath})
}

func (s *httpServer) handleLoad(c *gin.Context) {
	frames, err := store.LoadDetections(s.outputPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "frames": store.ToRecords(frames)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"frames": store.ToRecords(frames)})
}

func (s *httpServer) handleSaveRun(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive disabled"})
		return
	}
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	frames, err := store.FromRecords(req.Frames)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	runID, err := s.archive.SaveRun(req.Name, frames)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runID": runID})
}

func (s *httpServer) handleListRuns(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive disabled"})
		return
	}
	runs, err := s.archive.ListRuns()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

func (s *httpServer) handleLoadRun(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive disabled"})
		return
	}
	frames, err := s.archive.LoadRun(c.Param("runID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"frames": store.ToRecords(frames)})
}

func (s *httpServer) handleAlloc(c *gin.Context) {
	sessionID, err := s.allocSession()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionID": sessionID,
		"wsURL":     fmt.Sprintf("ws://%s/ws/%s", c.Request.Host, sessionID),
		"timeoutMs": s.idleTimeout.Milliseconds(),
	})
}

func (s *httpServer) allocSession() (string, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if len(s.sessions) >= s.maxSessions {
		return "", errors.New("all sessions are busy")
	}
	sess := &session{
		id:          uuid.NewString(),
		cancelTimer: make(chan struct{}),
	}
	sess.touch()
	s.sessions[sess.id] = sess
	s.startIdleMonitor(sess)
	logger.Log().Info("Session allocated", zap.String("session_id", sess.id))
	return sess.id, nil
}

func (s *httpServer) releaseSession(sessionID, reason string) bool {
	s.sessionMu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.sessionMu.Unlock()
	if !ok {
		return false
	}
	sess.closeOnce.Do(func() {
		sess.connMu.Lock()
		defer sess.connMu.Unlock()
		sess.closed = true
		if sess.conn != nil {
			_ = sess.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
			_ = sess.conn.Close()
		}
	})
	sess.cancelOnce.Do(func() {
		close(sess.cancelTimer)
	})
	logger.Log().Info("Session released", zap.String("session_id", sessionID), zap.String("reason", reason))
	return true
}

func (s *httpServer) startIdleMonitor(sess *session) {
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-sess.cancelTimer:
				return
			case <-ticker.C:
				if sess.idleFor() > s.idleTimeout {
					s.releaseSession(sess.id, fmt.Sprintf("%d ms not active, released", s.idleTimeout.Milliseconds()))
					return
				}
			}
		}
	}()
}

// handleStream reads base64 frames from the websocket and answers each with
// a JSON detectResponse.
func (s *httpServer) handleStream(c *gin.Context) {
	sessionID := c.Param("sessionID")
	s.sessionMu.RLock()
	sess, exists := s.sessions[sessionID]
	s.sessionMu.RUnlock()
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	// One stream per session.
	sess.connMu.Lock()
	if sess.streaming || sess.closed {
		sess.connMu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "Session already streaming"})
		return
	}
	sess.streaming = true
	sess.connMu.Unlock()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sess.connMu.Lock()
		sess.streaming = false
		sess.connMu.Unlock()
		return
	}
	sess.connMu.Lock()
	if sess.closed {
		sess.connMu.Unlock()
		_ = conn.Close()
		return
	}
	sess.conn = conn
	sess.connMu.Unlock()
	conn.SetReadLimit(20 * 1024 * 1024)
	sess.touch()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			s.releaseSession(sessionID, "connection closed")
			return
		}
		sess.touch()
		var resp detectResponse
		switch mt {
		case websocket.TextMessage:
			img, err := s.decodeImage(string(msg))
			if err != nil {
				resp = detectResponse{FrameID: sess.nextFrame, Detections: []store.Record{}, Error: "invalid image: " + err.Error()}
				break
			}
			frameID := sess.nextFrame
			sess.nextFrame++
			resp = s.detect(c.Request.Context(), img, frameID, float64(frameID)/s.fps)
		default:
			resp = detectResponse{FrameID: sess.nextFrame, Detections: []store.Record{}, Error: "unsupported message type"}
		}
		b, err := json.Marshal(resp)
		if err != nil {
			logger.Log().Error("encode stream response", zap.Error(err))
			continue
		}
		sess.connMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, b)
		sess.connMu.Unlock()
		if err != nil {
			s.releaseSession(sessionID, "write failed")
			return
		}
	}
}
