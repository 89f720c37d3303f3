package transformer

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches TransformErrors raised while decoding the input.
	ErrDecode = errors.New("transform: decode failed")
	// ErrEncode matches TransformErrors raised while encoding an entity.
	ErrEncode = errors.New("transform: encode failed")
	// ErrUnsupportedPayload is returned when an envelope payload is neither
	// bytes nor a string.
	ErrUnsupportedPayload = errors.New("transform: unsupported payload type")
)

// Stage is the step of the transformation that failed.
type Stage uint8

const (
	StageDecode Stage = iota + 1
	StageEncode
)

func (s Stage) String() string {
	switch s {
	case StageDecode:
		return "decode"
	case StageEncode:
		return "encode"
	default:
		return "unknown"
	}
}

// TransformError is the single terminal error of one invocation. It unwraps
// to the *decoder.DecodeError or *encoder.EncodeError that caused it.
type TransformError struct {
	Stage Stage
	// Index is the entity being encoded for StageEncode, -1 otherwise.
	Index int
	Err   error
}

func (e *TransformError) Error() string {
	if e.Stage == StageEncode {
		return fmt.Sprintf("transform: encode entity %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("transform: %s: %v", e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

func (e *TransformError) Is(target error) bool {
	switch target {
	case ErrDecode:
		return e.Stage == StageDecode
	case ErrEncode:
		return e.Stage == StageEncode
	}
	return false
}
