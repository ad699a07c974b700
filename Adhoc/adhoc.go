package Adhoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"PickleDetServer/logger"
	"PickleDetServer/quality"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	TimeOutSeconds = 5
)

type RegisterRequest struct {
	Id            string                   `json:"id"`
	IP            string                   `json:"ip"`
	Port          int                      `json:"port"`
	InstanceClass int                      `json:"instanceClass"`
	TimeStamp     int64                    `json:"timestamp"`
	Stats         quality.PerformanceStats `json:"stats"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Reporter registers this instance with a registry server and keeps it alive.
type Reporter struct {
	Addr          string
	IP            string
	Port          int
	InstanceClass int
	Interval      time.Duration
	// Stats is sampled on every heartbeat when set.
	Stats func() quality.PerformanceStats

	id     string
	client *resty.Client
}

func NewReporter(regHost string, regPort int, ip string, port int, instanceClass int) *Reporter {
	return &Reporter{
		Addr:          fmt.Sprintf("http://%s:%d", regHost, regPort),
		IP:            ip,
		Port:          port,
		InstanceClass: instanceClass,
		Interval:      TimeOutSeconds * time.Second,
		id:            uuid.NewString(),
		client:        resty.New().SetTimeout(TimeOutSeconds * time.Second),
	}
}

func (r *Reporter) ID() string {
	return r.id
}

// Send posts one heartbeat. Panics are recovered so a broken registry never
// takes the server down.
func (r *Reporter) Send(ctx context.Context) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("heartbeat panic: %v", rec)
			logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", rec))
		}
	}()
	reqBody := RegisterRequest{
		Id:            r.id,
		IP:            r.IP,
		Port:          r.Port,
		InstanceClass: r.InstanceClass,
		TimeStamp:     time.Now().Unix(),
	}
	if r.Stats != nil {
		reqBody.Stats = r.Stats()
	}
	var respBody RegisterResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&respBody).
		Post(r.Addr + "/api/register")
	if err != nil {
		logger.Log().Error("heartbeat request error", zap.Error(err))
		return false, err
	}
	if resp.IsError() {
		err = errors.Errorf("registry returned %s", resp.Status())
		logger.Log().Error("heartbeat rejected", zap.String("status", resp.Status()), zap.String("body", resp.String()))
		return false, err
	}
	return respBody.Success, nil
}

// SendAliveMessage sends a heartbeat now and then every Interval until ctx is
// cancelled.
func (r *Reporter) SendAliveMessage(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	_, _ = r.Send(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			_, _ = r.Send(ctx)
		}
	}
}
