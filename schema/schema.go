package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrCoerce is wrapped by every error returned from Field.Set when the raw
// source text cannot be represented in the field's declared kind.
var ErrCoerce = errors.New("cannot coerce value")

// Kind is the primitive type of a field.
type Kind uint8

const (
	// Uint is an unsigned 32-bit integer rendered as a decimal literal.
	Uint Kind = iota + 1
	// Text is an arbitrary UTF-8 string.
	Text
)

func (k Kind) String() string {
	switch k {
	case Uint:
		return "uint"
	case Text:
		return "text"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Field binds one wire name to one typed slot of the entity E.
//
// The same name is used in the source (XML element) and target (JSON key)
// representations.
type Field[E any] struct {
	Name string
	Kind Kind

	uintRef func(*E) *uint32
	textRef func(*E) *string
}

// UintField declares an unsigned integer field.
func UintField[E any](name string, ref func(*E) *uint32) Field[E] {
	return Field[E]{Name: name, Kind: Uint, uintRef: ref}
}

// TextField declares a text field.
func TextField[E any](name string, ref func(*E) *string) Field[E] {
	return Field[E]{Name: name, Kind: Text, textRef: ref}
}

// Uint returns the value of an unsigned field. It panics for other kinds.
func (f Field[E]) Uint(e *E) uint32 {
	if f.Kind != Uint {
		panic(fmt.Sprintf("schema: field %s is %s, not uint", f.Name, f.Kind))
	}
	return *f.uintRef(e)
}

// Text returns the value of a text field. It panics for other kinds.
func (f Field[E]) Text(e *E) string {
	if f.Kind != Text {
		panic(fmt.Sprintf("schema: field %s is %s, not text", f.Name, f.Kind))
	}
	return *f.textRef(e)
}

// SetUint stores v into an unsigned field.
func (f Field[E]) SetUint(e *E, v uint32) {
	*f.uintRef(e) = v
}

// SetText stores v into a text field.
func (f Field[E]) SetText(e *E, v string) {
	*f.textRef(e) = v
}

// Set coerces raw source text into the field.
//
// Unsigned fields accept decimal digits, ignoring surrounding whitespace.
// Text fields keep raw verbatim.
func (f Field[E]) Set(e *E, raw string) error {
	switch f.Kind {
	case Uint:
		s := strings.TrimSpace(raw)
		if s == "" || s[0] == '+' || s[0] == '-' {
			return fmt.Errorf("%w %q to %s", ErrCoerce, raw, f.Kind)
		}
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fmt.Errorf("%w %q to %s: %w", ErrCoerce, raw, f.Kind, err)
		}
		*f.uintRef(e) = uint32(n)
		return nil
	case Text:
		*f.textRef(e) = raw
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrCoerce, f.Kind)
	}
}

// Schema declares a collection of homogeneous entities and the ordered
// field table shared by the decoder and the encoder.
type Schema[E any] struct {
	collection string
	entity     string
	fields     []Field[E]
	index      map[string]int
}

// New validates and builds a schema. Field order is preserved and becomes
// the serialization order of the encoder.
func New[E any](collection, entity string, fields ...Field[E]) (*Schema[E], error) {
	if strings.TrimSpace(collection) == "" {
		return nil, errors.New("schema: collection name is required")
	}
	if strings.TrimSpace(entity) == "" {
		return nil, errors.New("schema: entity name is required")
	}
	if len(fields) == 0 {
		return nil, errors.New("schema: at least one field is required")
	}

	s := &Schema[E]{
		collection: collection,
		entity:     entity,
		fields:     make([]Field[E], len(fields)),
		index:      make(map[string]int, len(fields)),
	}
	copy(s.fields, fields)

	for i, f := range s.fields {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("schema: field %d has no name", i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate field %q", f.Name)
		}
		switch {
		case f.Kind == Uint && f.uintRef != nil:
		case f.Kind == Text && f.textRef != nil:
		default:
			return nil, fmt.Errorf("schema: field %q has kind %s without a matching accessor", f.Name, f.Kind)
		}
		s.index[f.Name] = i
	}
	return s, nil
}

// MustNew is New for package-level declarations.
func MustNew[E any](collection, entity string, fields ...Field[E]) *Schema[E] {
	s, err := New(collection, entity, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Collection is the name of the outer wrapper element.
func (s *Schema[E]) Collection() string { return s.collection }

// Entity is the name of each repeated entity element.
func (s *Schema[E]) Entity() string { return s.entity }

// Len is the number of declared fields.
func (s *Schema[E]) Len() int { return len(s.fields) }

// Field returns the i-th field in declaration order.
func (s *Schema[E]) Field(i int) Field[E] { return s.fields[i] }

// Fields returns a copy of the field table.
func (s *Schema[E]) Fields() []Field[E] {
	out := make([]Field[E], len(s.fields))
	copy(out, s.fields)
	return out
}

// Lookup returns the position of the named field.
func (s *Schema[E]) Lookup(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}
