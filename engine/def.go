package engine

import (
	"os"
	"path/filepath"
	"strings"
)

type State int

const (
	UNREGISTERED State = 0x0001
	REGISTERED   State = 0x0002
	IDLE         State = 0x0003
	ERROR        State = 0x0005
)

func (s State) String() string {
	switch s {
	case UNREGISTERED:
		return "unregistered"
	case REGISTERED:
		return "registered"
	case IDLE:
		return "idle"
	case ERROR:
		return "error"
	}
	return "unknown"
}

const (
	DefaultInputSize   = 640
	DefaultScoreOffset = 4
	DefaultFPS         = 30.0
)

// ReadLinesReadFile reads one class name per line. CRLF endings and surrounding
// whitespace are stripped; trailing blank lines are dropped but interior blank
// lines are kept so that line index stays equal to class id.
func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(string(b), "\n")
	for i := range raw {
		raw[i] = strings.TrimSpace(strings.TrimRight(raw[i], "\r"))
	}
	end := len(raw)
	for end > 0 && raw[end-1] == "" {
		end--
	}
	return raw[:end], nil
}

// NamesPathFor returns the class-name file that sits next to a model file,
// e.g. models/yolov8n.onnx -> models/yolov8n.names.
func NamesPathFor(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".names"
}
