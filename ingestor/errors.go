package ingestor

import "errors"

// Error taxonomy for flush failures. Every error returned by Run after a
// failed flush matches exactly one of these with errors.Is.
var (
	ErrKey       = errors.New("object key error")
	ErrEncode    = errors.New("encode error")
	ErrSinkWrite = errors.New("sink write error")
	ErrAck       = errors.New("ack error")
	ErrLease     = errors.New("lease renewal error")
)

// stageError tags err with a taxonomy sentinel while keeping the cause
// reachable through errors.Is and errors.As.
type stageError struct {
	stage error
	err   error
}

func (e *stageError) Error() string { return e.stage.Error() + ": " + e.err.Error() }

func (e *stageError) Unwrap() []error { return []error{e.stage, e.err} }

func tag(stage, err error) error {
	if err == nil {
		return nil
	}
	var se *stageError
	if errors.As(err, &se) {
		return err
	}
	return &stageError{stage: stage, err: err}
}
