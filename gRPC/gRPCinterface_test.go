package proto

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"testing"

	"PickleDetServer/engine"
	iface "PickleDetServer/interface"
	"PickleDetServer/monitor"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// MockBackend answers every 640-wide frame with one ball and fails 13-wide frames.
type MockBackend struct{}

func (m *MockBackend) LoadModel(modelPath string, inputSize image.Point) error { return nil }
func (m *MockBackend) Infer(img iface.ImageData) (iface.RawOutput, error) {
	if img.Width == 13 {
		return iface.RawOutput{}, errors.New("mock failure")
	}
	if img.Width != 640 {
		return iface.RawOutput{}, nil
	}
	row := []float32{0.4, 0.5, 0.2, 0.1, 0.1, 0.9}
	return iface.RawOutput{Data: row, Rows: 1, Cols: len(row)}, nil
}
func (m *MockBackend) Destroy() {}

// sizeImage decodes "WxH" test images.
func sizeImage(s string) (iface.ImageData, error) {
	var w, h int
	if _, err := fmt.Sscanf(s, "%dx%d", &w, &h); err != nil {
		return iface.ImageData{}, err
	}
	return iface.ImageData{Width: w, Height: h, Channels: 3, Data: make([]byte, w*h*3)}, nil
}

func startServer(t *testing.T) (*DetectServiceClient, *Server) {
	t.Helper()
	detector := engine.NewDetector(iface.EngineConfig{
		ModelPath:           "mock.onnx",
		Names:               []string{"person", "sports ball"},
		ConfidenceThreshold: 0.5,
		NMSThreshold:        0.4,
	}, &MockBackend{})
	require.NoError(t, detector.LoadModel())

	srv := NewServer(detector)
	srv.DecodeImage = sizeImage
	srv.Workers = 2

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterDetectServiceServer(s, srv)
	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewDetectServiceClient(conn), srv
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestDetectService(t *testing.T) {
	client, srv := startServer(t)
	ctx := context.Background()

	t.Run("Test Detect", func(t *testing.T) {
		before := testutil.ToFloat64(monitor.RequestsTotal.WithLabelValues("grpc"))
		resp, err := client.Detect(ctx, mustStruct(t, map[string]any{"image": "640x480", "frame_id": 7, "timestamp": 0.25}))
		require.NoError(t, err)
		out := resp.AsMap()
		assert.Equal(t, true, out["success"])
		assert.Equal(t, 7.0, out["frame_id"])
		dets := out["detections"].([]any)
		require.Len(t, dets, 1)
		d := dets[0].(map[string]any)
		assert.Equal(t, "sports ball", d["class"])
		assert.Equal(t, []any{192.0, 216.0, 320.0, 264.0}, d["bbox"])
		assert.Equal(t, 0.25, d["timestamp"])
		assert.Nil(t, d["detection_id"])
		assert.Equal(t, before+1, testutil.ToFloat64(monitor.RequestsTotal.WithLabelValues("grpc")))
	})

	t.Run("Test Detect inference failure", func(t *testing.T) {
		resp, err := client.Detect(ctx, mustStruct(t, map[string]any{"image": "13x13"}))
		require.NoError(t, err)
		out := resp.AsMap()
		assert.Equal(t, false, out["success"])
		assert.Empty(t, out["detections"])
		assert.Contains(t, out["error"], "mock failure")
	})

	t.Run("Test Detect invalid image", func(t *testing.T) {
		_, err := client.Detect(ctx, mustStruct(t, map[string]any{"image": "garbage"}))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Test DetectBatch", func(t *testing.T) {
		resp, err := client.DetectBatch(ctx, mustStruct(t, map[string]any{
			"images": []any{"640x480", "320x240", "640x480"},
		}))
		require.NoError(t, err)
		out := resp.AsMap()
		assert.Equal(t, true, out["success"])
		frames := out["frames"].([]any)
		require.Len(t, frames, 3)
		assert.Len(t, frames[0], 1)
		assert.Empty(t, frames[1])
		last := frames[2].([]any)[0].(map[string]any)
		assert.Equal(t, 2.0, last["frame_id"])
		assert.InDelta(t, 2.0/30.0, last["timestamp"], 1e-9)
	})

	t.Run("Test PerformanceStats", func(t *testing.T) {
		resp, err := client.PerformanceStats(ctx, &emptypb.Empty{})
		require.NoError(t, err)
		out := resp.AsMap()
		assert.Equal(t, 4.0, out["total_frames_processed"])
		assert.Equal(t, 3.0, out["total_detections"])
	})

	t.Run("Test AssessQuality", func(t *testing.T) {
		record := func(class string, conf float64) any {
			return map[string]any{
				"class": class, "confidence": conf,
				"bbox": []any{0.0, 0.0, 10.0, 10.0}, "center_point": []any{5.0, 5.0},
				"frame_id": 0.0, "timestamp": 0.0,
			}
		}
		resp, err := client.AssessQuality(ctx, mustStruct(t, map[string]any{
			"detections": []any{record("person", 0.9), record("sports ball", 0.4), record("person", 0.7)},
			"classes":    []any{"person"},
		}))
		require.NoError(t, err)
		out := resp.AsMap()
		assert.Len(t, out["detections"], 2)
		report := out["report"].(map[string]any)
		assert.Equal(t, 2.0, report["detection_count"])
		assert.InDelta(t, 0.8, report["average_confidence"], 1e-9)

		_, err = client.AssessQuality(ctx, mustStruct(t, map[string]any{
			"detections": []any{map[string]any{"class": "x", "bbox": []any{1.0}}},
		}))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Test Shutdown", func(t *testing.T) {
		_, err := client.Shutdown(ctx, &emptypb.Empty{})
		require.NoError(t, err)
		_, err = client.Shutdown(ctx, &emptypb.Empty{})
		require.NoError(t, err)
		select {
		case <-srv.Done():
		default:
			t.Fatal("Done not closed after Shutdown")
		}
	})
}
