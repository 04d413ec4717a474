// Package codec serializes flattened records. Key, value and headers each
// get their own Codec so formats can be mixed.
package codec

import (
	"errors"
	"fmt"
	"sort"

	"cdcflow/internal/record"
)

// ErrUnknownFormat is returned by Lookup for unregistered names.
var ErrUnknownFormat = errors.New("codec: unknown format")

// Codec is one wire format. Decode is the inverse of Encode for values in
// the codec's native type domain.
type Codec interface {
	Name() string
	Encode(record.Row) ([]byte, error)
	Decode([]byte) (record.Row, error)
	EncodeHeaders([]record.Header) ([]byte, error)
	DecodeHeaders([]byte) ([]record.Header, error)
}

var reg = map[string]Codec{}

func register(c Codec) { reg[c.Name()] = c }

func init() {
	register(JSON{})
	register(Avro{})
	register(Protobuf{})
}

func Lookup(name string) (Codec, error) {
	if name == "" {
		name = "json"
	}
	c, ok := reg[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (have %v)", ErrUnknownFormat, name, Names())
	}
	return c, nil
}

func Names() []string {
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Formats binds a codec to each part of an outbound message.
type Formats struct {
	Key    Codec
	Value  Codec
	Header Codec
}

// NewFormats resolves the three format names; empty names mean json.
func NewFormats(key, value, header string) (Formats, error) {
	var f Formats
	var errs []error
	var err error
	if f.Key, err = Lookup(key); err != nil {
		errs = append(errs, fmt.Errorf("key: %w", err))
	}
	if f.Value, err = Lookup(value); err != nil {
		errs = append(errs, fmt.Errorf("value: %w", err))
	}
	if f.Header, err = Lookup(header); err != nil {
		errs = append(errs, fmt.Errorf("header: %w", err))
	}
	return f, errors.Join(errs...)
}

// Encoded is the serialized form of one record. Nil slices stand for an
// absent key, a tombstone value or no headers.
type Encoded struct {
	Key     []byte
	Value   []byte
	Headers []byte
}

func (f Formats) Encode(r *record.Flattened) (Encoded, error) {
	var out Encoded
	var err error
	if r.Key != nil {
		if out.Key, err = f.Key.Encode(r.Key); err != nil {
			return Encoded{}, fmt.Errorf("encode key as %s: %w", f.Key.Name(), err)
		}
	}
	if r.Value != nil {
		if out.Value, err = f.Value.Encode(r.Value); err != nil {
			return Encoded{}, fmt.Errorf("encode value as %s: %w", f.Value.Name(), err)
		}
	}
	if len(r.Headers) > 0 {
		if out.Headers, err = f.Header.EncodeHeaders(r.Headers); err != nil {
			return Encoded{}, fmt.Errorf("encode headers as %s: %w", f.Header.Name(), err)
		}
	}
	return out, nil
}

// Decode reverses Encode.
func (f Formats) Decode(e Encoded) (*record.Flattened, error) {
	var out record.Flattened
	var err error
	if e.Key != nil {
		if out.Key, err = f.Key.Decode(e.Key); err != nil {
			return nil, fmt.Errorf("decode key: %w", err)
		}
	}
	if e.Value != nil {
		if out.Value, err = f.Value.Decode(e.Value); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
	}
	if e.Headers != nil {
		if out.Headers, err = f.Header.DecodeHeaders(e.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return &out, nil
}
