package main

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"PickleDetServer/config"
	"PickleDetServer/engine"
	iface "PickleDetServer/interface"
	"PickleDetServer/store"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockBackend struct{}

func (m *MockBackend) LoadModel(modelPath string, inputSize image.Point) error { return nil }
func (m *MockBackend) Infer(img iface.ImageData) (iface.RawOutput, error) {
	switch img.Width {
	case 13:
		return iface.RawOutput{}, errors.New("mock failure")
	case 640:
		row := []float32{0.4, 0.5, 0.2, 0.1, 0.1, 0.9}
		return iface.RawOutput{Data: row, Rows: 1, Cols: len(row)}, nil
	}
	return iface.RawOutput{}, nil
}
func (m *MockBackend) Destroy() {}

func sizeImage(s string) (iface.ImageData, error) {
	var w, h int
	if _, err := fmt.Sscanf(s, "%dx%d", &w, &h); err != nil {
		return iface.ImageData{}, err
	}
	return iface.ImageData{Width: w, Height: h, Channels: 3, Data: make([]byte, w*h*3)}, nil
}

func newTestServer(t *testing.T, withArchive bool) (*httpServer, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.OutputPath = filepath.Join(dir, "detections.json")
	cfg.Batch.Workers = 2
	cfg.Server.IdleTimeoutMs = 200

	detector := engine.NewDetector(iface.EngineConfig{
		ModelPath:           "mock.onnx",
		Names:               []string{"person", "sports ball"},
		ConfidenceThreshold: 0.5,
		NMSThreshold:        0.4,
	}, &MockBackend{})
	require.NoError(t, detector.LoadModel())

	var archive *store.Archive
	if withArchive {
		var err error
		archive, err = store.OpenArchive(filepath.Join(dir, "archive.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = archive.Close() })
	}
	s := newHTTPServer(cfg, detector, archive, sizeImage)
	return s, s.routes()
}

func do(t *testing.T, r http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestHTTPServer(t *testing.T) {
	_, r := newTestServer(t, true)

	t.Run("Test ping", func(t *testing.T) {
		code, out := do(t, r, http.MethodGet, "/api/ping", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "pong", out["message"])
	})

	t.Run("Test engine", func(t *testing.T) {
		code, out := do(t, r, http.MethodGet, "/api/engine", nil)
		assert.Equal(t, http.StatusOK, code)
		data := out["data"].(map[string]any)
		assert.Equal(t, "idle", data["state"])
		assert.Equal(t, []any{"person", "sports ball"}, data["names"])
	})

	t.Run("Test detect", func(t *testing.T) {
		code, out := do(t, r, http.MethodPost, "/api/detect", map[string]any{"image": "640x480", "frame_id": 3, "timestamp": 0.1})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, out["success"])
		dets := out["detections"].([]any)
		require.Len(t, dets, 1)
		d := dets[0].(map[string]any)
		assert.Equal(t, "sports ball", d["class"])
		assert.Equal(t, []any{192.0, 216.0, 320.0, 264.0}, d["bbox"])
		assert.Equal(t, 3.0, d["frame_id"])
	})

	t.Run("Test detect failure degrades", func(t *testing.T) {
		code, out := do(t, r, http.MethodPost, "/api/detect", map[string]any{"image": "13x13"})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, false, out["success"])
		assert.Equal(t, []any{}, out["detections"])
	})

	t.Run("Test detect bad request", func(t *testing.T) {
		code, _ := do(t, r, http.MethodPost, "/api/detect", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, code)
		code, _ = do(t, r, http.MethodPost, "/api/detect", map[string]any{"image": "nope"})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Test batch", func(t *testing.T) {
		code, out := do(t, r, http.MethodPost, "/api/detect/batch", map[string]any{
			"images":     []string{"640x480", "13x13", "640x480"},
			"timestamps": []float64{1, 2, 3},
		})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, false, out["success"])
		frames := out["frames"].([]any)
		require.Len(t, frames, 3)
		assert.Len(t, frames[0], 1)
		assert.Empty(t, frames[1])
		assert.Equal(t, 3.0, frames[2].([]any)[0].(map[string]any)["timestamp"])
	})

	t.Run("Test stats", func(t *testing.T) {
		code, out := do(t, r, http.MethodGet, "/api/stats", nil)
		require.Equal(t, http.StatusOK, code)
		data := out["data"].(map[string]any)
		assert.Equal(t, 3.0, data["total_frames_processed"])
		assert.Equal(t, 3.0, data["total_detections"])
	})

	records := []map[string]any{
		{"class": "person", "confidence": 0.9, "bbox": []int{0, 0, 10, 10}, "center_point": []float64{5, 5}, "frame_id": 0, "timestamp": 0},
		{"class": "sports ball", "confidence": 0.2, "bbox": []int{5, 5, 7, 7}, "center_point": []float64{6, 6}, "frame_id": 0, "timestamp": 0},
	}

	t.Run("Test quality", func(t *testing.T) {
		code, out := do(t, r, http.MethodPost, "/api/quality", map[string]any{"detections": records})
		require.Equal(t, http.StatusOK, code)
		report := out["report"].(map[string]any)
		assert.Equal(t, 2.0, report["detection_count"])
		assert.Contains(t, report["issues"], "low_confidence")

		code, out = do(t, r, http.MethodPost, "/api/quality", map[string]any{"detections": records, "classes": []string{"sports ball"}})
		require.Equal(t, http.StatusOK, code)
		assert.Len(t, out["detections"], 1)
	})

	t.Run("Test save and load", func(t *testing.T) {
		code, _ := do(t, r, http.MethodPost, "/api/detections/save", map[string]any{"frames": []any{records, []any{}}})
		require.Equal(t, http.StatusOK, code)
		code, out := do(t, r, http.MethodGet, "/api/detections/load", nil)
		require.Equal(t, http.StatusOK, code)
		frames := out["frames"].([]any)
		require.Len(t, frames, 2)
		assert.Len(t, frames[0], 2)
		assert.Empty(t, frames[1])
	})

	t.Run("Test runs", func(t *testing.T) {
		code, out := do(t, r, http.MethodPost, "/api/runs", map[string]any{"name": "rally", "frames": []any{records}})
		require.Equal(t, http.StatusOK, code)
		runID := out["runID"].(string)

		code, out = do(t, r, http.MethodGet, "/api/runs", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Len(t, out["data"], 1)

		code, out = do(t, r, http.MethodGet, "/api/runs/"+runID, nil)
		require.Equal(t, http.StatusOK, code)
		assert.Len(t, out["frames"].([]any)[0], 2)

		code, _ = do(t, r, http.MethodGet, "/api/runs/unknown", nil)
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("Test metrics", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "frames_processed_total")
	})
}

func TestHTTPServer_ArchiveDisabled(t *testing.T) {
	_, r := newTestServer(t, false)
	code, _ := do(t, r, http.MethodGet, "/api/runs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestSessions(t *testing.T) {
	s, r := newTestServer(t, false)
	ts := httptest.NewServer(r)
	defer ts.Close()

	t.Run("Test alloc limit and release", func(t *testing.T) {
		code, first := do(t, r, http.MethodPost, "/api/sessions/alloc", nil)
		require.Equal(t, http.StatusOK, code)
		code, _ = do(t, r, http.MethodPost, "/api/sessions/alloc", nil)
		require.Equal(t, http.StatusOK, code)
		code, _ = do(t, r, http.MethodPost, "/api/sessions/alloc", nil)
		assert.Equal(t, http.StatusBadRequest, code)

		code, _ = do(t, r, http.MethodPost, "/api/sessions/"+first["sessionID"].(string)+"/release", nil)
		assert.Equal(t, http.StatusOK, code)
		code, _ = do(t, r, http.MethodPost, "/api/sessions/"+first["sessionID"].(string)+"/release", nil)
		assert.Equal(t, http.StatusNotFound, code)

		s.sessionMu.Lock()
		for id := range s.sessions {
			delete(s.sessions, id)
		}
		s.sessionMu.Unlock()
	})

	t.Run("Test stream", func(t *testing.T) {
		_, out := do(t, r, http.MethodPost, "/api/sessions/alloc", nil)
		sessionID := out["sessionID"].(string)
		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + sessionID
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()

		for i, img := range []string{"640x480", "bad", "640x480"} {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(img)))
			_, msg, err := conn.ReadMessage()
			require.NoError(t, err)
			var resp detectResponse
			require.NoError(t, json.Unmarshal(msg, &resp))
			switch i {
			case 0:
				assert.True(t, resp.Success)
				assert.Equal(t, 0, resp.FrameID)
				assert.Len(t, resp.Detections, 1)
			case 1:
				assert.Contains(t, resp.Error, "invalid image")
			case 2:
				assert.Equal(t, 1, resp.FrameID)
				assert.InDelta(t, 1.0/30.0, resp.Detections[0].Timestamp, 1e-9)
			}
		}

		// Idle sessions are closed by the server.
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
		s.sessionMu.RLock()
		_, exists := s.sessions[sessionID]
		s.sessionMu.RUnlock()
		assert.False(t, exists)
	})

	t.Run("Test second stream rejected", func(t *testing.T) {
		_, out := do(t, r, http.MethodPost, "/api/sessions/alloc", nil)
		sessionID := out["sessionID"].(string)
		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + sessionID
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		// The first stream keeps working.
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("640x480")))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var dr detectResponse
		require.NoError(t, json.Unmarshal(msg, &dr))
		assert.True(t, dr.Success)
		s.releaseSession(sessionID, "test done")
	})

	t.Run("Test unconnected session expires", func(t *testing.T) {
		_, out := do(t, r, http.MethodPost, "/api/sessions/alloc", nil)
		sessionID := out["sessionID"].(string)
		assert.Eventually(t, func() bool {
			s.sessionMu.RLock()
			defer s.sessionMu.RUnlock()
			_, exists := s.sessions[sessionID]
			return !exists
		}, 2*time.Second, 20*time.Millisecond)

		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + sessionID
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Test unknown session", func(t *testing.T) {
		code, _ := do(t, r, http.MethodGet, "/ws/missing", nil)
		assert.Equal(t, http.StatusNotFound, code)
	})
}
