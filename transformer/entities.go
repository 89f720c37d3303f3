package transformer

import (
	"context"

	"github.com/baldanca/occupancy-transform/decoder"
	"github.com/baldanca/occupancy-transform/schema"
	"github.com/baldanca/occupancy-transform/source"
)

// Entities decodes documents into typed entities without JSON encoding, for
// sinks that write a columnar archive instead of one record per entity.
type Entities[E any] struct {
	dec *decoder.Decoder[E]
}

func NewEntities[E any](s *schema.Schema[E]) *Entities[E] {
	return &Entities[E]{dec: decoder.New(s)}
}

func (t *Entities[E]) Transform(ctx context.Context, env source.Envelope) ([]E, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := inputFromEnvelope(env)
	if err != nil {
		return nil, err
	}
	out, err := t.dec.Decode(in.Value)
	if err != nil {
		return nil, &TransformError{Stage: StageDecode, Index: -1, Err: err}
	}
	return out, nil
}

var _ Transformer[schema.Occupancy] = (*Entities[schema.Occupancy])(nil)
