package transformer

import (
	"context"

	"github.com/baldanca/occupancy-transform/source"
)

// Transformer maps one inbound envelope to zero or more items.
//
// Implementations either return every item derived from the envelope or an
// error with no items; a partial result is never returned.
type Transformer[O any] interface {
	Transform(ctx context.Context, in source.Envelope) ([]O, error)
}
