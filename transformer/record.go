package transformer

import (
	"fmt"

	"github.com/baldanca/occupancy-transform/source"
)

// InputRecord is one inbound document. The driver never retains Value after
// Map returns.
type InputRecord struct {
	Value []byte
}

// OutputRecord is one encoded entity. Key is always nil for this
// transformation.
type OutputRecord struct {
	Key   []byte
	Value []byte
}

// RecordValue lets batch encoders consume output records directly.
func (r OutputRecord) RecordValue() []byte { return r.Value }

// inputFromEnvelope accepts the payload shapes produced by the sources in
// this module.
func inputFromEnvelope(env source.Envelope) (InputRecord, error) {
	switch p := env.Payload.(type) {
	case []byte:
		return InputRecord{Value: p}, nil
	case string:
		return InputRecord{Value: []byte(p)}, nil
	case InputRecord:
		return p, nil
	default:
		return InputRecord{}, fmt.Errorf("%w: %T", ErrUnsupportedPayload, env.Payload)
	}
}
