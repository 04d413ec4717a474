package transform

import (
	"errors"
	"fmt"
	"strings"

	"cdcflow/internal/record"
)

// ErrInvalidConfig wraps every configuration rejection from New.
var ErrInvalidConfig = errors.New("transform: invalid config")

// DeleteMode selects what happens to delete records when flattening.
type DeleteMode string

const (
	DeleteDrop    DeleteMode = "drop"
	DeleteRewrite DeleteMode = "rewrite"
	DeleteNone    DeleteMode = "none"
)

const (
	defaultDeletedField = "deleted"
	defaultPrefix       = "__"
)

type Config struct {
	Enabled            bool
	DeleteHandlingMode DeleteMode
	DropTombstones     bool
	DeletedField       string
	AddFields          string // comma-delimited, e.g. "op,table,source.ts_ms"
	AddHeaders         string
	Prefix             string
}

// Transformer maps a change record to its published form. A false second
// result means the record is dropped.
type Transformer interface {
	Apply(*record.ChangeRecord) (*record.Flattened, bool)
}

// Flatten is the stateless before/after flattening transform.
type Flatten struct {
	cfg     Config
	fields  []string
	headers []string
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Flatten, error) {
	var errs []error
	if cfg.DeleteHandlingMode == "" {
		cfg.DeleteHandlingMode = DeleteDrop
	}
	switch cfg.DeleteHandlingMode {
	case DeleteDrop, DeleteRewrite, DeleteNone:
	default:
		errs = append(errs, fmt.Errorf("unknown delete_handling_mode %q", cfg.DeleteHandlingMode))
	}
	if cfg.DeletedField == "" {
		cfg.DeletedField = defaultDeletedField
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	fields, headers := splitList(cfg.AddFields), splitList(cfg.AddHeaders)
	if !cfg.Enabled {
		if len(fields) > 0 || len(headers) > 0 {
			errs = append(errs, errors.New("add_fields/add_headers require flattening to be enabled"))
		}
		if cfg.DropTombstones {
			errs = append(errs, errors.New("drop_tombstones requires flattening to be enabled"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Flatten{cfg: cfg, fields: fields, headers: headers}, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (f *Flatten) Apply(rec *record.ChangeRecord) (*record.Flattened, bool) {
	out := &record.Flattened{
		Key:     rec.Key,
		Headers: append([]record.Header(nil), rec.Headers...),
	}
	if !f.cfg.Enabled {
		out.Value = rec.Value.Row()
		return out, true
	}

	env := rec.Value
	switch {
	case rec.Tombstone():
		if f.cfg.DropTombstones {
			return nil, false
		}
	case env.Op == record.OpDelete:
		switch f.cfg.DeleteHandlingMode {
		case DeleteDrop:
			return nil, false
		case DeleteRewrite:
			out.Value = env.Before.Clone()
			if out.Value == nil {
				out.Value = record.Row{}
			}
			out.Value[f.cfg.DeletedField] = true
		default:
			out.Value = env.Row()
		}
	default:
		out.Value = env.After.Clone()
		if out.Value == nil {
			out.Value = record.Row{}
		}
	}

	f.addMetadata(env, out)
	return out, true
}

func (f *Flatten) addMetadata(env *record.Envelope, out *record.Flattened) {
	if env == nil {
		// tombstones carry no envelope to read from
		return
	}
	if out.Value != nil {
		for _, name := range f.fields {
			if v, ok := lookup(env, name); ok {
				out.Value[f.fieldName(name)] = v
			}
		}
	}
	for _, name := range f.headers {
		if v, ok := lookup(env, name); ok {
			out.Headers = append(out.Headers, record.Header{
				Key:   f.fieldName(name),
				Value: []byte(fmt.Sprint(v)),
			})
		}
	}
}

func (f *Flatten) fieldName(name string) string {
	return f.cfg.Prefix + strings.ReplaceAll(name, ".", "_")
}

// lookup resolves a metadata field: envelope-level op and ts_ms first, then
// the source block, with an explicit "source." prefix allowed.
func lookup(env *record.Envelope, name string) (any, bool) {
	switch name {
	case "op":
		return string(env.Op), true
	case "ts_ms":
		return env.TsMs, true
	}
	name = strings.TrimPrefix(name, "source.")
	v, ok := env.Source[name]
	return v, ok
}
