// Package config loads the server configuration from YAML.
package config

import (
	"os"
	"runtime"

	iface "PickleDetServer/interface"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type ModelConfig struct {
	Path        string `yaml:"path"`
	NamesPath   string `yaml:"namesPath"`
	InputSize   int    `yaml:"inputSize"`
	ScoreOffset int    `yaml:"scoreOffset"`
	Backend     string `yaml:"backend"`
}

type DetectionConfig struct {
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
	NMSThreshold        float64 `yaml:"nmsThreshold"`
	ClassAwareNMS       bool    `yaml:"classAwareNMS"`
	AssignIDs           bool    `yaml:"assignIDs"`
}

type BatchConfig struct {
	Workers     int     `yaml:"workers"`
	MaxFailures int     `yaml:"maxFailures"`
	FPS         float64 `yaml:"fps"`
}

type ServerConfig struct {
	HTTPPort      int    `yaml:"httpPort"`
	RPCPort       int    `yaml:"rpcPort"`
	MetricsPort   int    `yaml:"metricsPort"`
	UseRegServer  bool   `yaml:"useRegServer"`
	RegServerHost string `yaml:"regServerHost"`
	RegServerPort int    `yaml:"regServerPort"`
	IdleTimeoutMs int    `yaml:"idleTimeoutMs"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type StorageConfig struct {
	OutputPath  string `yaml:"outputPath"`
	ArchivePath string `yaml:"archivePath"`
}

type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Detection DetectionConfig `yaml:"detection"`
	Batch     BatchConfig     `yaml:"batch"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
}

const (
	BackendOpenCV = "opencv"
)

func Default() Config {
	return Config{
		Model: ModelConfig{
			Path:        "models/yolov8n.onnx",
			InputSize:   640,
			ScoreOffset: 4,
			Backend:     BackendOpenCV,
		},
		Detection: DetectionConfig{
			ConfidenceThreshold: 0.5,
			NMSThreshold:        0.4,
		},
		Batch: BatchConfig{
			FPS: 30,
		},
		Server: ServerConfig{
			HTTPPort:      8080,
			RPCPort:       50051,
			MetricsPort:   50052,
			IdleTimeoutMs: 1000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			OutputPath:  "detections.json",
			ArchivePath: "detections.db",
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return errors.Errorf("confidenceThreshold must be between 0.0 and 1.0, got %v", c.Detection.ConfidenceThreshold)
	}
	if c.Detection.NMSThreshold < 0 || c.Detection.NMSThreshold > 1 {
		return errors.Errorf("nmsThreshold must be between 0.0 and 1.0, got %v", c.Detection.NMSThreshold)
	}
	if c.Model.InputSize <= 0 {
		return errors.Errorf("inputSize must be positive, got %d", c.Model.InputSize)
	}
	if c.Model.ScoreOffset < 4 {
		return errors.Errorf("scoreOffset must be at least 4 (after cx, cy, w, h), got %d", c.Model.ScoreOffset)
	}
	if c.Batch.FPS <= 0 {
		return errors.Errorf("fps must be positive, got %v", c.Batch.FPS)
	}
	if c.Batch.Workers < 0 || c.Batch.MaxFailures < 0 {
		return errors.New("workers and maxFailures cannot be negative")
	}
	if c.Server.UseRegServer && c.Server.RegServerHost == "" {
		return errors.New("regServerHost is required when useRegServer is set")
	}
	return nil
}

// Workers resolves the batch worker count, 0 meaning one per CPU.
func (c *Config) Workers() int {
	if c.Batch.Workers > 0 {
		return c.Batch.Workers
	}
	return runtime.NumCPU()
}

func (c *Config) EngineConfig() iface.EngineConfig {
	return iface.EngineConfig{
		ModelPath:           c.Model.Path,
		NamesPath:           c.Model.NamesPath,
		InputSize:           c.Model.InputSize,
		ScoreOffset:         c.Model.ScoreOffset,
		ConfidenceThreshold: c.Detection.ConfidenceThreshold,
		NMSThreshold:        c.Detection.NMSThreshold,
		ClassAwareNMS:       c.Detection.ClassAwareNMS,
		AssignIDs:           c.Detection.AssignIDs,
	}
}
