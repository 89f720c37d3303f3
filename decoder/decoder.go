// Package decoder reads an XML collection document into typed entities
// following a schema.Schema.
//
// Elements are matched by local name only: namespace declarations and
// attributes are ignored. Unknown elements are skipped. Every declared
// field must be present exactly once per entity. Decoding is all or
// nothing: on error no entities are returned.
package decoder

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/baldanca/occupancy-transform/schema"
)

// Decoder decodes documents for one schema. It holds no mutable state and
// is safe for concurrent use.
type Decoder[E any] struct {
	schema *schema.Schema[E]
}

func New[E any](s *schema.Schema[E]) *Decoder[E] {
	if s == nil {
		panic("schema is required")
	}
	return &Decoder[E]{schema: s}
}

var utf8BOM = []byte("\xEF\xBB\xBF")

// Decode parses the whole document. The returned slice is never nil on
// success and preserves document order. A leading UTF-8 byte order mark is
// ignored; reported offsets then count from after it.
func (d *Decoder[E]) Decode(data []byte) ([]E, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	p := &parser[E]{
		schema: d.schema,
		dec:    xml.NewDecoder(bytes.NewReader(data)),
		entity: -1,
	}
	p.dec.Strict = true
	return p.document()
}

type parser[E any] struct {
	schema *schema.Schema[E]
	dec    *xml.Decoder

	entity int
	field  string
}

func (p *parser[E]) document() ([]E, error) {
	root, err := p.root()
	if err != nil {
		return nil, err
	}
	if root.Name.Local != p.schema.Collection() {
		return nil, p.fail(KindStructure, fmt.Errorf("root element <%s>, want <%s>", root.Name.Local, p.schema.Collection()))
	}

	out := make([]E, 0)
	for {
		tok, err := p.token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != p.schema.Entity() {
				if err := p.skip(); err != nil {
					return nil, err
				}
				continue
			}
			p.entity = len(out)
			e, err := p.decodeEntity()
			if err != nil {
				return nil, err
			}
			p.entity = -1
			out = append(out, e)
		case xml.CharData:
			if err := p.noText(t, "root"); err != nil {
				return nil, err
			}
		case xml.EndElement:
			// Strict mode guarantees this closes the root.
			if err := p.trailer(); err != nil {
				return nil, err
			}
			return out, nil
		}
	}
}

// root skips the prolog and returns the document element.
func (p *parser[E]) root() (xml.StartElement, error) {
	for {
		tok, err := p.dec.Token()
		if errors.Is(err, io.EOF) {
			return xml.StartElement{}, p.fail(KindMalformed, errors.New("no root element"))
		}
		if err != nil {
			return xml.StartElement{}, p.fail(KindMalformed, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return xml.StartElement{}, p.fail(KindMalformed, errors.New("text before root element"))
			}
		}
	}
}

// trailer accepts only whitespace, comments and processing instructions
// after the root element.
func (p *parser[E]) trailer() error {
	for {
		tok, err := p.dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return p.fail(KindMalformed, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return p.fail(KindMalformed, errors.New("text after root element"))
			}
		case xml.StartElement:
			return p.fail(KindMalformed, fmt.Errorf("second root element <%s>", t.Name.Local))
		}
	}
}

func (p *parser[E]) decodeEntity() (E, error) {
	var e E
	seen := make([]bool, p.schema.Len())

	for {
		tok, err := p.token()
		if err != nil {
			return e, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			i, ok := p.schema.Lookup(t.Name.Local)
			if !ok {
				if err := p.skip(); err != nil {
					return e, err
				}
				continue
			}
			f := p.schema.Field(i)
			p.field = f.Name
			if seen[i] {
				return e, p.fail(KindStructure, errors.New("duplicate field"))
			}
			raw, err := p.text()
			if err != nil {
				return e, err
			}
			if err := f.Set(&e, raw); err != nil {
				return e, p.fail(KindType, err)
			}
			seen[i] = true
			p.field = ""
		case xml.CharData:
			if err := p.noText(t, "entity"); err != nil {
				return e, err
			}
		case xml.EndElement:
			for i, ok := range seen {
				if !ok {
					p.field = p.schema.Field(i).Name
					return e, p.fail(KindStructure, errors.New("missing field"))
				}
			}
			return e, nil
		}
	}
}

// text collects the character data of a scalar field element.
func (p *parser[E]) text() (string, error) {
	var b strings.Builder
	for {
		tok, err := p.token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.StartElement:
			return "", p.fail(KindStructure, fmt.Errorf("unexpected element <%s> inside scalar field", t.Name.Local))
		case xml.EndElement:
			return b.String(), nil
		}
	}
}

// noText rejects mixed content between elements.
func (p *parser[E]) noText(t xml.CharData, where string) error {
	if len(bytes.TrimSpace(t)) == 0 {
		return nil
	}
	return p.fail(KindStructure, fmt.Errorf("unexpected text inside %s element", where))
}

func (p *parser[E]) token() (xml.Token, error) {
	tok, err := p.dec.Token()
	if errors.Is(err, io.EOF) {
		return nil, p.fail(KindMalformed, io.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, p.fail(KindMalformed, err)
	}
	return tok, nil
}

func (p *parser[E]) skip() error {
	if err := p.dec.Skip(); err != nil {
		return p.fail(KindMalformed, err)
	}
	return nil
}

func (p *parser[E]) fail(kind Kind, err error) *DecodeError {
	line, col := p.dec.InputPos()
	return &DecodeError{
		Kind:   kind,
		Entity: p.entity,
		Field:  p.field,
		Offset: p.dec.InputOffset(),
		Line:   line,
		Column: col,
		Err:    err,
	}
}
