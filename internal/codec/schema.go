package codec

import (
	"errors"
	"fmt"
)

// Field is one typed accessor pair of a Schema. Get reads the field from an
// object; Set writes a decoded value back. Set may be nil for fields that are
// sent but never applied on the receiving side.
type Field[T any] struct {
	Name string
	Kind Kind
	Get  func(T) any
	Set  func(T, any)
}

// Schema is the ordered field list of a synchronizable type.
type Schema[T any] struct {
	fields []Field[T]
}

// NewSchema validates and freezes a field list. An empty list, a field with
// an unsupported kind, a missing getter or a duplicate name is rejected.
func NewSchema[T any](fields ...Field[T]) (*Schema[T], error) {
	if len(fields) == 0 {
		return nil, errors.New("schema has no fields")
	}

	seen := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has no name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}

		if !f.Kind.Valid() {
			return nil, fmt.Errorf("field %q: %w: %s", f.Name, ErrUnsupportedKind, f.Kind)
		}
		if f.Get == nil {
			return nil, fmt.Errorf("field %q has no getter", f.Name)
		}
	}

	s := &Schema[T]{fields: make([]Field[T], len(fields))}
	copy(s.fields, fields)
	return s, nil
}

// MustSchema is like NewSchema but panics on error. Intended for
// package-level schema declarations.
func MustSchema[T any](fields ...Field[T]) *Schema[T] {
	s, err := NewSchema(fields...)
	if err != nil {
		panic("codec: " + err.Error())
	}
	return s
}

// Len returns the number of fields.
func (s *Schema[T]) Len() int { return len(s.fields) }

// Names returns the field names in wire order.
func (s *Schema[T]) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Kinds returns the field kinds in wire order.
func (s *Schema[T]) Kinds() []Kind {
	kinds := make([]Kind, len(s.fields))
	for i, f := range s.fields {
		kinds[i] = f.Kind
	}
	return kinds
}

// Encode serializes obj field by field in schema order.
func (s *Schema[T]) Encode(obj T) ([]byte, error) {
	values := make(Values, len(s.fields))
	for i, f := range s.fields {
		values[i] = f.Get(obj)
	}
	return s.EncodeValues(values)
}

// EncodeValues serializes an already-extracted value list.
func (s *Schema[T]) EncodeValues(values Values) ([]byte, error) {
	if len(values) != len(s.fields) {
		return nil, fmt.Errorf("got %d values for %d fields", len(values), len(s.fields))
	}

	buf := make([]byte, 0, 32)
	for i, f := range s.fields {
		var err error
		buf, err = appendValue(buf, f.Kind, values[i])
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", f.Name, err)
		}
	}
	return buf, nil
}

// Decode parses exactly one record. Leftover bytes are reported as
// ErrTrailingData.
func (s *Schema[T]) Decode(data []byte) (Values, error) {
	values, n, err := s.DecodePrefix(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d bytes after record", ErrTrailingData, len(data)-n)
	}
	return values, nil
}

// DecodePrefix parses one record from the start of data and reports how many
// bytes it consumed.
func (s *Schema[T]) DecodePrefix(data []byte) (Values, int, error) {
	values := make(Values, len(s.fields))
	off := 0
	for i, f := range s.fields {
		var err error
		values[i], off, err = readValue(data, off, f.Kind)
		if err != nil {
			return nil, 0, fmt.Errorf("decode field %q: %w", f.Name, err)
		}
	}
	return values, off, nil
}

// Apply writes values back onto obj in schema order. Every value is checked
// before any setter runs, so a mismatched list leaves obj untouched.
func (s *Schema[T]) Apply(obj T, values Values) error {
	if len(values) != len(s.fields) {
		return fmt.Errorf("got %d values for %d fields", len(values), len(s.fields))
	}
	for i, f := range s.fields {
		if err := checkValue(f.Kind, values[i]); err != nil {
			return fmt.Errorf("apply field %q: %w", f.Name, err)
		}
	}
	for i, f := range s.fields {
		if f.Set != nil {
			f.Set(obj, values[i])
		}
	}
	return nil
}
