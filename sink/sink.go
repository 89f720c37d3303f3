package sink

import (
	"context"
	"io"
)

// WriteRequest is one object to store. Data is owned by the caller and is
// not retained after Write returns.
type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
}

// StreamWriter writes an object's contents to a destination writer.
type StreamWriter interface {
	WriteTo(w io.Writer) error
}

type StreamWriteRequest struct {
	Key         string
	ContentType string
	// Writer must return once the whole object has been written.
	Writer StreamWriter
}

type Sinkr interface {
	Write(ctx context.Context, req WriteRequest) error
}

// StreamSinkr is implemented by sinks that can accept an object without the
// full payload being buffered first.
type StreamSinkr interface {
	WriteStream(ctx context.Context, req StreamWriteRequest) error
}
