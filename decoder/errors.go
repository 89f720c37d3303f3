package decoder

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed matches documents that are not well-formed XML.
	ErrMalformed = errors.New("malformed document")
	// ErrStructure matches well-formed documents that do not have the
	// collection/entity/field shape declared by the schema.
	ErrStructure = errors.New("document does not match schema")
	// ErrType matches field values that cannot be coerced to the field kind.
	ErrType = errors.New("field value has wrong type")
)

// Kind classifies a DecodeError.
type Kind uint8

const (
	KindMalformed Kind = iota + 1
	KindStructure
	KindType
)

func (k Kind) sentinel() error {
	switch k {
	case KindMalformed:
		return ErrMalformed
	case KindStructure:
		return ErrStructure
	case KindType:
		return ErrType
	default:
		return nil
	}
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown decode error"
}

// DecodeError reports why a document could not be decoded and roughly where.
type DecodeError struct {
	Kind Kind

	// Entity is the zero-based index of the entity being decoded, or -1
	// outside of any entity.
	Entity int
	// Field is the field being decoded, if any.
	Field string

	// Offset, Line and Column locate the decoder in the input when the
	// error was detected.
	Offset int64
	Line   int
	Column int

	Err error
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString("decode: ")
	b.WriteString(e.Kind.String())
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d, column %d", e.Line, e.Column)
	}
	fmt.Fprintf(&b, " (offset %d)", e.Offset)
	if e.Entity >= 0 {
		fmt.Fprintf(&b, ": entity %d", e.Entity)
		if e.Field != "" {
			fmt.Fprintf(&b, " field %s", e.Field)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e.Kind.
func (e *DecodeError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}
