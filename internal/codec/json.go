package codec

import (
	"encoding/json"

	"cdcflow/internal/record"
)

// JSON renders rows as objects and headers as an ordered array of
// key/value pairs with base64 values. Numbers decode as float64.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(r record.Row) ([]byte, error) { return json.Marshal(r) }

func (JSON) Decode(b []byte) (record.Row, error) {
	var r record.Row
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func (JSON) EncodeHeaders(hs []record.Header) ([]byte, error) {
	if len(hs) == 0 {
		return nil, nil
	}
	return json.Marshal(hs)
}

func (JSON) DecodeHeaders(b []byte) ([]record.Header, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var hs []record.Header
	if err := json.Unmarshal(b, &hs); err != nil {
		return nil, err
	}
	return hs, nil
}
