package transformer

import (
	"context"

	"github.com/baldanca/occupancy-transform/decoder"
	"github.com/baldanca/occupancy-transform/encoder"
	"github.com/baldanca/occupancy-transform/schema"
	"github.com/baldanca/occupancy-transform/source"
)

// Policy decides what happens to entities already encoded when a later
// entity fails to encode.
type Policy uint8

const (
	// AllOrNothing discards every output of an input record as soon as one
	// entity fails to encode.
	AllOrNothing Policy = iota + 1
)

// Driver turns one XML collection document into one JSON output record per
// entity. It keeps no state between calls and is safe for concurrent use.
type Driver[E any] struct {
	dec    *decoder.Decoder[E]
	enc    encoder.JSON[E]
	policy Policy
}

func New[E any](s *schema.Schema[E]) *Driver[E] {
	return &Driver[E]{
		dec:    decoder.New(s),
		enc:    encoder.NewJSON(s),
		policy: AllOrNothing,
	}
}

// Policy reports the failure policy in effect.
func (d *Driver[E]) Policy() Policy { return d.policy }

// Map decodes in and encodes every entity in document order. On any failure
// it returns a *TransformError and no records.
func (d *Driver[E]) Map(in InputRecord) ([]OutputRecord, error) {
	entities, err := d.dec.Decode(in.Value)
	if err != nil {
		return nil, &TransformError{Stage: StageDecode, Index: -1, Err: err}
	}

	out := make([]OutputRecord, len(entities))
	for i := range entities {
		v, err := d.enc.Encode(&entities[i])
		if err != nil {
			return nil, &TransformError{Stage: StageEncode, Index: i, Err: err}
		}
		out[i] = OutputRecord{Value: v}
	}
	return out, nil
}

// Transform adapts Map to the ingestor. Cancellation is only observed before
// the record is started.
func (d *Driver[E]) Transform(ctx context.Context, env source.Envelope) ([]OutputRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := inputFromEnvelope(env)
	if err != nil {
		return nil, err
	}
	return d.Map(in)
}

var _ Transformer[OutputRecord] = (*Driver[schema.Occupancy])(nil)
