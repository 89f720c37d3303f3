package encoder

import (
	"context"
	"io"
)

// Encoder converts a batch of items into one object payload for a sink.
//
// Implementations must be safe for concurrent use unless documented otherwise.
type Encoder[T any] interface {
	Encode(ctx context.Context, items []T) (data []byte, err error)
	FileExtension() string
	ContentType() string
}

// StreamEncoder is an optional interface for encoders that can write directly
// to an io.Writer to avoid buffering the full output in memory.
type StreamEncoder[T any] interface {
	EncodeTo(ctx context.Context, items []T, w io.Writer) error
	FileExtension() string
	ContentType() string
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
