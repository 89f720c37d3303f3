package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Valuer is an item that already carries its serialized JSON value.
type Valuer interface {
	RecordValue() []byte
}

// NDJSON concatenates pre-encoded JSON values, one per line, preserving
// item order. Values must not contain raw newlines; JSON produced by JSON
// never does.
type NDJSON[T Valuer] struct {
	TrailingNewline bool
}

func (e NDJSON[T]) FileExtension() string { return ".ndjson" }

func (e NDJSON[T]) ContentType() string { return "application/x-ndjson" }

func (e NDJSON[T]) Encode(ctx context.Context, items []T) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	n := 0
	for _, it := range items {
		n += len(it.RecordValue()) + 1
	}
	var buf bytes.Buffer
	buf.Grow(n)

	if err := e.EncodeTo(ctx, items, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e NDJSON[T]) EncodeTo(ctx context.Context, items []T, w io.Writer) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	nl := []byte{'\n'}
	for i, it := range items {
		v := it.RecordValue()
		if bytes.IndexByte(v, '\n') >= 0 {
			return fmt.Errorf("ndjson item %d: value contains a newline", i)
		}
		if i > 0 {
			if _, err := w.Write(nl); err != nil {
				return err
			}
		}
		if _, err := w.Write(v); err != nil {
			return fmt.Errorf("ndjson item %d: %w", i, err)
		}
	}
	if e.TrailingNewline && len(items) > 0 {
		if _, err := w.Write(nl); err != nil {
			return err
		}
	}
	return ctxErr(ctx)
}
