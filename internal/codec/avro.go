package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/linkedin/goavro/v2"

	"cdcflow/internal/record"
)

var (
	errAvroName  = errors.New("avro: invalid field name")
	errAvroType  = errors.New("avro: unsupported value type")
	errAvroArray = errors.New("avro: array items must share one type")

	avroNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// avroPad is appended to rows whose datum would encode to zero bytes,
	// since a container block of size 0 cannot be read back.
	avroPad = "_cdcflow_pad"

	headerSchema = `{"type":"array","items":{"type":"record","name":"Header","fields":[` +
		`{"name":"key","type":"string"},{"name":"value","type":"bytes"}]}}`
	headerCodec = mustCodec(headerSchema)
)

func mustCodec(schema string) *goavro.Codec {
	c, err := goavro.NewCodec(schema)
	if err != nil {
		panic(err)
	}
	return c
}

// Avro writes each row as a single-record object container file. The
// writer schema is inferred from the row, so every payload carries the
// schema needed to read it back. Headers use a fixed schema.
type Avro struct{}

func (Avro) Name() string { return "avro" }

func (Avro) Encode(r record.Row) ([]byte, error) {
	if _, ok := r[avroPad]; ok {
		return nil, fmt.Errorf("%w %q: reserved", errAvroName, avroPad)
	}
	inf := &inferrer{}
	schema, native, err := inf.record("Row", map[string]any(r))
	if err != nil {
		return nil, err
	}
	if zeroWidth(schema) {
		schema["fields"] = append(schema["fields"].([]any), map[string]any{"name": avroPad, "type": "boolean"})
		native[avroPad] = true
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{W: &buf, Schema: string(raw)})
	if err != nil {
		return nil, fmt.Errorf("avro schema: %w", err)
	}
	if err := w.Append([]any{native}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Avro) Decode(b []byte) (record.Row, error) {
	rd, err := goavro.NewOCFReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if !rd.Scan() {
		if err := rd.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("avro: empty container")
	}
	v, err := rd.Read()
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("avro: expected record, got %T", v)
	}
	delete(m, avroPad)
	return record.Row(m), nil
}

// zeroWidth reports whether every value of the type encodes to no bytes.
func zeroWidth(t any) bool {
	switch x := t.(type) {
	case string:
		return x == "null"
	case map[string]any:
		if x["type"] != "record" {
			return false
		}
		fs, _ := x["fields"].([]any)
		for _, f := range fs {
			if !zeroWidth(f.(map[string]any)["type"]) {
				return false
			}
		}
		return true
	}
	return false
}

func (Avro) EncodeHeaders(hs []record.Header) ([]byte, error) {
	if len(hs) == 0 {
		return nil, nil
	}
	items := make([]any, 0, len(hs))
	for _, h := range hs {
		v := h.Value
		if v == nil {
			v = []byte{}
		}
		items = append(items, map[string]any{"key": h.Key, "value": v})
	}
	return headerCodec.BinaryFromNative(nil, items)
}

func (Avro) DecodeHeaders(b []byte) ([]record.Header, error) {
	if len(b) == 0 {
		return nil, nil
	}
	v, _, err := headerCodec.NativeFromBinary(b)
	if err != nil {
		return nil, err
	}
	items, _ := v.([]any)
	out := make([]record.Header, 0, len(items))
	for _, it := range items {
		m, _ := it.(map[string]any)
		k, _ := m["key"].(string)
		val, _ := m["value"].([]byte)
		out = append(out, record.Header{Key: k, Value: val})
	}
	return out, nil
}

// inferrer builds a schema and a goavro-native value in one walk. Nested
// records get sequential names so they stay unique within the schema.
type inferrer struct{ n int }

func (inf *inferrer) record(name string, m map[string]any) (map[string]any, map[string]any, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]any, 0, len(keys))
	native := make(map[string]any, len(keys))
	for _, k := range keys {
		if !avroNameRE.MatchString(k) {
			return nil, nil, fmt.Errorf("%w %q", errAvroName, k)
		}
		typ, v, err := inf.value(m[k])
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", k, err)
		}
		fields = append(fields, map[string]any{"name": k, "type": typ})
		native[k] = v
	}
	return map[string]any{"type": "record", "name": name, "fields": fields}, native, nil
}

func (inf *inferrer) value(v any) (any, any, error) {
	switch x := v.(type) {
	case nil:
		return "null", nil, nil
	case bool:
		return "boolean", x, nil
	case int:
		return "long", int64(x), nil
	case int8:
		return "long", int64(x), nil
	case int16:
		return "long", int64(x), nil
	case int32:
		return "long", int64(x), nil
	case int64:
		return "long", x, nil
	case uint8:
		return "long", int64(x), nil
	case uint16:
		return "long", int64(x), nil
	case uint32:
		return "long", int64(x), nil
	case uint64:
		if x > 1<<63-1 {
			return "string", fmt.Sprint(x), nil
		}
		return "long", int64(x), nil
	case float32:
		return "double", float64(x), nil
	case float64:
		return "double", x, nil
	case string:
		return "string", x, nil
	case []byte:
		return "bytes", x, nil
	case time.Time:
		return "string", x.Format(time.RFC3339Nano), nil
	case record.Row:
		return inf.nested(map[string]any(x))
	case map[string]any:
		return inf.nested(x)
	case []any:
		return inf.array(x)
	}
	return nil, nil, fmt.Errorf("%w %T", errAvroType, v)
}

func (inf *inferrer) nested(m map[string]any) (any, any, error) {
	name := fmt.Sprintf("r%d", inf.n)
	inf.n++
	return inf.record(name, m)
}

func (inf *inferrer) array(xs []any) (any, any, error) {
	if len(xs) == 0 {
		return map[string]any{"type": "array", "items": "null"}, []any{}, nil
	}
	want, err := shape(xs[0])
	if err != nil {
		return nil, nil, err
	}
	for _, x := range xs[1:] {
		got, err := shape(x)
		if err != nil {
			return nil, nil, err
		}
		if got != want {
			return nil, nil, fmt.Errorf("%w: %s vs %s", errAvroArray, want, got)
		}
	}
	items, first, err := inf.value(xs[0])
	if err != nil {
		return nil, nil, err
	}
	native := make([]any, 0, len(xs))
	native = append(native, first)
	for _, x := range xs[1:] {
		// Same shape, so only the native value is kept.
		sub := &inferrer{n: inf.n}
		_, v, err := sub.value(x)
		if err != nil {
			return nil, nil, err
		}
		native = append(native, v)
	}
	return map[string]any{"type": "array", "items": items}, native, nil
}

// shape describes a value's Avro type without record names, for
// comparing array items.
func shape(v any) (string, error) {
	inf := &inferrer{}
	typ, _, err := inf.value(v)
	if err != nil {
		return "", err
	}
	return describe(typ), nil
}

func describe(t any) string {
	switch x := t.(type) {
	case string:
		return x
	case map[string]any:
		switch x["type"] {
		case "array":
			return "array<" + describe(x["items"]) + ">"
		case "record":
			fs, _ := x["fields"].([]any)
			parts := make([]string, 0, len(fs))
			for _, f := range fs {
				fm := f.(map[string]any)
				parts = append(parts, fmt.Sprint(fm["name"])+":"+describe(fm["type"]))
			}
			return "record{" + strings.Join(parts, ",") + "}"
		}
	}
	return fmt.Sprint(t)
}
