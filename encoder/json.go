package encoder

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/baldanca/occupancy-transform/schema"
)

// ErrUnrepresentable is wrapped by EncodeError when a value has no JSON
// representation that round-trips.
var ErrUnrepresentable = errors.New("value cannot be represented in JSON")

// EncodeError reports the field that could not be serialized.
type EncodeError struct {
	Field string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode: field %s: %v", e.Field, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// JSON renders one entity as a JSON object whose keys follow the schema
// field order. It is a value type over an immutable schema and is safe for
// concurrent use.
type JSON[E any] struct {
	schema *schema.Schema[E]
}

func NewJSON[E any](s *schema.Schema[E]) JSON[E] {
	if s == nil {
		panic("schema is required")
	}
	return JSON[E]{schema: s}
}

// Encode returns a freshly allocated buffer holding the JSON object for e.
func (j JSON[E]) Encode(e *E) ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawByte('{')
	for i := 0; i < j.schema.Len(); i++ {
		f := j.schema.Field(i)
		if i > 0 {
			w.RawByte(',')
		}
		w.String(f.Name)
		w.RawByte(':')

		switch f.Kind {
		case schema.Uint:
			w.Uint32(f.Uint(e))
		case schema.Text:
			s := f.Text(e)
			if !utf8.ValidString(s) {
				return nil, &EncodeError{Field: f.Name, Err: fmt.Errorf("%w: invalid UTF-8", ErrUnrepresentable)}
			}
			w.String(s)
		default:
			return nil, &EncodeError{Field: f.Name, Err: fmt.Errorf("%w: kind %s", ErrUnrepresentable, f.Kind)}
		}
	}
	w.RawByte('}')
	return w.BuildBytes()
}

// Decode reads one JSON object produced by Encode (or any producer using the
// same schema). Unknown keys are skipped; every declared field is required
// and null is rejected.
func (j JSON[E]) Decode(data []byte) (E, error) {
	var out E
	seen := make([]bool, j.schema.Len())

	in := jlexer.Lexer{Data: data}
	in.Delim('{')
	for in.Ok() && !in.IsDelim('}') {
		key := in.String()
		in.WantColon()

		i, ok := j.schema.Lookup(key)
		if !ok {
			in.SkipRecursive()
			in.WantComma()
			continue
		}
		f := j.schema.Field(i)
		if seen[i] {
			in.AddError(fmt.Errorf("duplicate field %s", key))
			break
		}
		if in.IsNull() {
			in.AddError(fmt.Errorf("field %s is null", key))
			break
		}
		switch f.Kind {
		case schema.Uint:
			f.SetUint(&out, in.Uint32())
		case schema.Text:
			f.SetText(&out, in.String())
		}
		seen[i] = true
		in.WantComma()
	}
	in.Delim('}')
	in.Consumed()

	if err := in.Error(); err != nil {
		var zero E
		return zero, fmt.Errorf("decode json: %w", err)
	}
	for i, ok := range seen {
		if !ok {
			var zero E
			return zero, fmt.Errorf("decode json: missing field %s", j.schema.Field(i).Name)
		}
	}
	return out, nil
}
