package codec

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"cdcflow/internal/record"
)

// Protobuf encodes rows as google.protobuf.Struct. Numbers become doubles
// and byte slices base64 strings, as structpb prescribes.
type Protobuf struct{}

func (Protobuf) Name() string { return "protobuf" }

func (Protobuf) Encode(r record.Row) ([]byte, error) {
	s, err := structpb.NewStruct(r)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (Protobuf) Decode(b []byte) (record.Row, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}

func (Protobuf) EncodeHeaders(hs []record.Header) ([]byte, error) {
	if len(hs) == 0 {
		return nil, nil
	}
	items := make([]any, 0, len(hs))
	for _, h := range hs {
		items = append(items, map[string]any{
			"key":   h.Key,
			"value": base64.StdEncoding.EncodeToString(h.Value),
		})
	}
	l, err := structpb.NewList(items)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(l)
}

func (Protobuf) DecodeHeaders(b []byte) ([]record.Header, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var l structpb.ListValue
	if err := proto.Unmarshal(b, &l); err != nil {
		return nil, err
	}
	out := make([]record.Header, 0, len(l.GetValues()))
	for i, v := range l.GetValues() {
		fields := v.GetStructValue().GetFields()
		raw, err := base64.StdEncoding.DecodeString(fields["value"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", i, err)
		}
		out = append(out, record.Header{Key: fields["key"].GetStringValue(), Value: raw})
	}
	return out, nil
}
