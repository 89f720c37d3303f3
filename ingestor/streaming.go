package ingestor

import (
	"context"
	"io"

	"github.com/baldanca/occupancy-transform/encoder"
	"github.com/baldanca/occupancy-transform/sink"
)

// batchWriter renders a batch lazily, so each retry of WriteStream encodes
// the items again into a fresh destination.
type batchWriter[T any] struct {
	ctx   context.Context
	enc   encoder.StreamEncoder[T]
	items []T
}

func (w batchWriter[T]) WriteTo(dst io.Writer) error {
	return w.enc.EncodeTo(w.ctx, w.items, dst)
}

// tryStreamWrite writes items through the streaming path when both the
// encoder and the sink support it. streamed is false when it did nothing.
func tryStreamWrite[T any](
	ctx context.Context,
	enc encoder.Encoder[T],
	s sink.Sinkr,
	retry RetryPolicy,
	key string,
	items []T,
) (streamed bool, err error) {
	se, ok := enc.(encoder.StreamEncoder[T])
	if !ok {
		return false, nil
	}
	ss, ok := s.(sink.StreamSinkr)
	if !ok {
		return false, nil
	}
	if retry == nil {
		retry = nopRetry{}
	}

	ct := enc.ContentType()
	if ct == "" {
		ct = "application/octet-stream"
	}

	err = retry.Do(ctx, func(ctx context.Context) error {
		return ss.WriteStream(ctx, sink.StreamWriteRequest{
			Key:         key,
			ContentType: ct,
			Writer:      batchWriter[T]{ctx: ctx, enc: se, items: items},
		})
	})
	return true, err
}
