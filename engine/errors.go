package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindInitialization Kind = iota + 1
	KindInference
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization"
	case KindInference:
		return "inference"
	case KindPersistence:
		return "persistence"
	}
	return "unknown"
}

var (
	ErrNotInitialized  = errors.New("detector not initialized")
	ErrTooManyFailures = errors.New("too many failed frames")
)

// Error carries the failure kind and the frame it happened on (-1 when the
// failure is not tied to a frame).
type Error struct {
	Kind    Kind
	FrameID int
	Err     error
}

func (e *Error) Error() string {
	if e.FrameID < 0 {
		return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failure on frame %d: %v", e.Kind, e.FrameID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
