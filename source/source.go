package source

import (
	"context"
	"errors"
)

// ErrClosed is returned when Receive is called after the source has been closed.
var ErrClosed = errors.New("source closed")

// Envelope is one inbound document exactly as the upstream delivered it.
//
// Payload is a []byte (HTTP poller) or a string (SQS body); the transformer
// decides how to read it. Attributes carries transport metadata such as the
// message id and is never interpreted by the transformation.
type Envelope struct {
	Payload    any
	Attributes map[string]string
}

// Message represents one unit received from a Source.
//
// Implementations may optionally expose an estimated size to help the batcher
// flush earlier without counting exact bytes.
type Message interface {
	Data() Envelope
	EstimatedSizeBytes() (n int64, ok bool)
	Fail(ctx context.Context, reason error) error
}

// Sourcer reads messages and acknowledges them in batches.
//
// Receive blocks until a message is available or the context is canceled.
type Sourcer interface {
	Receive(ctx context.Context) (Message, error)
	AckBatch(ctx context.Context, msgs []Message) error
}

// VisibilityExtender can extend the visibility timeout for a batch of messages
// while their outputs are still being written.
type VisibilityExtender interface {
	ExtendVisibilityBatch(ctx context.Context, metas []AckMetadata, timeoutSeconds int32) error
}

// AckMetadata is a compact, source-specific handle used for fast acknowledgements
// and lease extensions.
type AckMetadata struct {
	ID     string
	Handle string
}

type ackMetable interface {
	AckMeta() (AckMetadata, bool)
}

type ackMetaBatcher interface {
	AckBatchMeta(ctx context.Context, metas []AckMetadata) error
}
