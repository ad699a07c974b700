package proto

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"PickleDetServer/engine"
	iface "PickleDetServer/interface"
	"PickleDetServer/logger"
	"PickleDetServer/monitor"
	"PickleDetServer/quality"
	"PickleDetServer/store"
	"PickleDetServer/vision"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type detectRequest struct {
	Image     string  `json:"image"`
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
	Images     []string  `json:"images"`
	FrameIDs   []int     `json:"frame_ids"`
	Timestamps []float64 `json:"timestamps"`
}

type batchResponse struct {
	Success bool             `json:"success"`
	Frames  [][]store.Record `json:"frames"`
	Error   string           `json:"error,omitempty"`
}

type qualityRequest struct {
	Detections []store.Record `json:"detections"`
	Classes    []string       `json:"classes"`
}

type qualityResponse struct {
	Report     quality.Report `json:"report"`
	Detections []store.Record `json:"detections"`
}

// Server exposes one Detector over gRPC.
type Server struct {
	Detector    *engine.Detector
	Workers     int
	MaxFailures int
	FPS         float64
	// DecodeImage turns a request image into pixels. Defaults to base64 via OpenCV.
	DecodeImage func(string) (iface.ImageData, error)

	closeOnce sync.Once
	done      chan struct{}
}

func NewServer(detector *engine.Detector) *Server {
	return &Server{
		Detector:    detector,
		FPS:         engine.DefaultFPS,
		DecodeImage: vision.DecodeBase64Image,
		done:        make(chan struct{}),
	}
}

// Done is closed once a client calls Shutdown.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) Detect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	monitor.RequestsTotal.WithLabelValues("grpc").Inc()
	var in detectRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	img, err := s.DecodeImage(in.Image)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid image: %v", err)
	}
	detections, err := s.Detector.DetectObjects(ctx, img, in.FrameID, in.Timestamp)
	out := detectResponse{
		Success:    err == nil,
		FrameID:    in.FrameID,
		Detections: store.ToRecords([][]iface.Detection{detections})[0],
	}
	if err != nil {
		out.Error = err.Error()
	}
	return toStruct(out)
}

func (s *Server) DetectBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	monitor.RequestsTotal.WithLabelValues("grpc").Inc()
	var in batchRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	frames := make([]iface.ImageData, len(in.Images))
	for i, b64 := range in.Images {
		img, err := s.DecodeImage(b64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid image %d: %v", i, err)
		}
		frames[i] = img
	}
	start := time.Now()
	results, err := s.Detector.DetectVideoFrames(ctx, frames, engine.BatchOptions{
		FrameIDs:    in.FrameIDs,
		Timestamps:  in.Timestamps,
		FPS:         s.FPS,
		Workers:     s.Workers,
		MaxFailures: s.MaxFailures,
	})
	logger.Log().Info("Batch processed", zap.Int("frames", len(frames)), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	out := batchResponse{Success: err == nil, Frames: store.ToRecords(results)}
	if err != nil {
		out.Error = err.Error()
	}
	return toStruct(out)
}

func (s *Server) PerformanceStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	monitor.RequestsTotal.WithLabelValues("grpc").Inc()
	return toStruct(s.Detector.PerformanceStats())
}

// AssessQuality filters the given detections by class when classes are set
// and reports on what is left.
func (s *Server) AssessQuality(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	monitor.RequestsTotal.WithLabelValues("grpc").Inc()
	var in qualityRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	frames, err := store.FromRecords([][]store.Record{in.Detections})
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid detections: %v", err)
	}
	detections := frames[0]
	if len(in.Classes) > 0 {
		detections = quality.FilterByClass(detections, in.Classes)
	}
	return toStruct(qualityResponse{
		Report:     quality.Assess(detections),
		Detections: store.ToRecords([][]iface.Detection{detections})[0],
	})
}

func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	monitor.RequestsTotal.WithLabelValues("grpc").Inc()
	logger.Log().Warn("Shutdown requested over gRPC")
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return &emptypb.Empty{}, nil
}

func fromStruct(req *structpb.Struct, v any) error {
	b, err := protojson.Marshal(req)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// StartGRPCServer serves srv on port in the background.
func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on port %d", port)
	}
	s := grpc.NewServer()
	RegisterDetectServiceServer(s, srv)
	go func() {
		logger.Log().Info("gRPC server listening", zap.Int("port", port))
		if err := s.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
