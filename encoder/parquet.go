package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// Parquet writes decoded entities as one parquet file. Column names come
// from the entity's parquet struct tags.
type Parquet[T any] struct {
	// Compression (optional): "" or "none" for uncompressed, "snappy", "gzip", "zstd"
	Compression string
}

func (e Parquet[T]) FileExtension() string { return ".parquet" }

func (e Parquet[T]) ContentType() string { return "application/vnd.apache.parquet" }

func (e Parquet[T]) Encode(ctx context.Context, items []T) ([]byte, error) {
	var out bytes.Buffer
	if err := e.EncodeTo(ctx, items, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (e Parquet[T]) EncodeTo(ctx context.Context, items []T, w io.Writer) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	options, err := e.writerOptions()
	if err != nil {
		return err
	}

	pw := parquet.NewGenericWriter[T](w, options...)
	if _, err := pw.Write(items); err != nil {
		_ = pw.Close()
		return fmt.Errorf("parquet write: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("parquet close: %w", err)
	}

	return ctxErr(ctx)
}

func (e Parquet[T]) writerOptions() ([]parquet.WriterOption, error) {
	switch e.Compression {
	case "", "none":
		return nil, nil
	case "snappy":
		return []parquet.WriterOption{parquet.Compression(&parquet.Snappy)}, nil
	case "gzip":
		return []parquet.WriterOption{parquet.Compression(&parquet.Gzip)}, nil
	case "zstd":
		return []parquet.WriterOption{parquet.Compression(&parquet.Zstd)}, nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %q", e.Compression)
	}
}
