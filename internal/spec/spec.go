// Package spec is the pipeline YAML file model.
package spec

import (
	offsetfile "cdcflow/offset/file"
	offsetkafka "cdcflow/offset/kafka"
	offsetnats "cdcflow/offset/natskv"
	sinkkafka "cdcflow/sink/kafka"
	sinknats "cdcflow/sink/nats"
	sinkstdout "cdcflow/sink/stdout"
)

type sinkConfigs struct {
	Kafka  sinkkafka.Config  `yaml:"kafka"`
	Nats   sinknats.Config   `yaml:"nats"`
	Stdout sinkstdout.Config `yaml:"stdout"`
}

type commitSection struct {
	Policy     string `yaml:"policy"` // periodic|always
	IntervalMS int64  `yaml:"interval_ms"`
}

type offsetsSection struct {
	Store  string             `yaml:"store"` // memory|file|kafka|natskv
	File   offsetfile.Config  `yaml:"file"`
	Kafka  offsetkafka.Config `yaml:"kafka"`
	NatsKV offsetnats.Config  `yaml:"natskv"`
	Commit commitSection      `yaml:"commit"`
}

type FlattenSpec struct {
	Enabled            bool   `yaml:"enabled"`
	DeleteHandlingMode string `yaml:"delete_handling_mode"`
	DropTombstones     bool   `yaml:"drop_tombstones"`
	DeletedField       string `yaml:"deleted_field"`
	AddFields          string `yaml:"add_fields"`
	AddHeaders         string `yaml:"add_headers"`
	Prefix             string `yaml:"prefix"`
}

type formatsSection struct {
	Key    string `yaml:"key"`
	Value  string `yaml:"value"`
	Header string `yaml:"header"`
}

type engineSection struct {
	ShutdownTimeoutMS int  `yaml:"shutdown_timeout_ms"`
	SkipOnEncodeError bool `yaml:"skip_on_encode_error"`
	Retry             struct {
		Attempts     int `yaml:"attempts"`
		BackoffMS    int `yaml:"backoff_ms"`
		MaxBackoffMS int `yaml:"max_backoff_ms"`
	} `yaml:"retry"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`
	Name          string `yaml:"name"`

	Source struct {
		Kind   string `yaml:"kind"` // mysql|kafka|replay
		Config string `yaml:"config"`
	} `yaml:"source"`

	Offsets    offsetsSection `yaml:"offsets"`
	Transforms struct {
		Flatten FlattenSpec `yaml:"flatten"`
	} `yaml:"transforms"`
	Formats formatsSection `yaml:"formats"`

	Sink        string        `yaml:"sink"`
	SinkConfigs sinkConfigs   `yaml:"sink_configs"`
	Engine      engineSection `yaml:"engine"`
}
