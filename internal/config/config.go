// Package config loads and validates the daemon's JSON configuration
// (SPEC_FULL.md §6.3): the core's caller-provided options
// (indexPrefix/archiveSuffixFn name/interval/budget knobs) plus the
// ambient stack the daemon needs to actually run (storage backend, NATS
// ingestion, retention sweep, logging, metrics).
//
// Grounded on internal/config/validate.go's jsonschema.CompileString +
// Validate(schema, instance) shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/aika-project/aika/internal/query"
	"github.com/aika-project/aika/internal/retention"
	"github.com/aika-project/aika/internal/writebehind"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// StorageConfig selects and configures the storage.Adapter (§6.2/§6.3).
type StorageConfig struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
}

// NATSConfig controls the optional wire ingestion subscriber (§4.8).
type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	SubjectPrefix string `json:"subjectPrefix"`
}

// Config is the daemon's top-level configuration document (§6.3).
type Config struct {
	IndexPrefix              string           `json:"indexPrefix"`
	SnapshotWriteIntervalMs  int              `json:"snapshotWriteIntervalMs"`
	ArchiveWriteIntervalMs   int              `json:"archiveWriteIntervalMs"`
	MaxSamplesPerTagPerQuery int              `json:"maxSamplesPerTagPerQuery"`
	MaxSamplesPerQuery       int              `json:"maxSamplesPerQuery"`
	MaxTagsPerQuery          int              `json:"maxTagsPerQuery"`
	QueryCacheMaxMemory      int              `json:"queryCacheMaxMemory"`
	QueryCacheTTLMs          int              `json:"queryCacheTtlMs"`
	Storage                  StorageConfig    `json:"storage"`
	NATS                     NATSConfig       `json:"nats"`
	Retention                retention.Config `json:"retention"`
	LogLevel                 string           `json:"logLevel"`
	MetricsAddr              string           `json:"metricsAddr"`
}

// schemaDoc is the JSON Schema every loaded config is validated against,
// mirroring internal/config/validate.go's CompileString(schema) usage.
const schemaDoc = `{
	"type": "object",
	"properties": {
		"indexPrefix": {"type": "string"},
		"snapshotWriteIntervalMs": {"type": "integer", "minimum": 1},
		"archiveWriteIntervalMs": {"type": "integer", "minimum": 1},
		"maxSamplesPerTagPerQuery": {"type": "integer", "minimum": 1},
		"maxSamplesPerQuery": {"type": "integer", "minimum": 1},
		"maxTagsPerQuery": {"type": "integer", "minimum": 1},
		"queryCacheMaxMemory": {"type": "integer", "minimum": 0},
		"queryCacheTtlMs": {"type": "integer", "minimum": 0},
		"storage": {
			"type": "object",
			"properties": {
				"kind": {"type": "string", "enum": ["file", "sqlite"]},
				"path": {"type": "string"}
			}
		},
		"nats": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"url": {"type": "string"},
				"subjectPrefix": {"type": "string"}
			}
		},
		"retention": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"maxAgeDays": {"type": "integer", "minimum": 0},
				"sweepHour": {"type": "integer", "minimum": 0, "maximum": 23}
			}
		},
		"logLevel": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
		"metricsAddr": {"type": "string"}
	}
}`

// Default returns the zero-config daemon shape: a single-node,
// file-backed historian, per §6.3 "an empty config object is enough to
// start".
func Default() Config {
	return Config{
		IndexPrefix:              "aika-",
		SnapshotWriteIntervalMs:  int(writebehind.DefaultInterval / time.Millisecond),
		ArchiveWriteIntervalMs:   int(writebehind.DefaultInterval / time.Millisecond),
		MaxSamplesPerTagPerQuery: query.DefaultMaxSamplesPerTagPerQuery,
		MaxSamplesPerQuery:       query.DefaultMaxSamplesPerQuery,
		MaxTagsPerQuery:          query.DefaultMaxTagsPerQuery,
		QueryCacheMaxMemory:      8 << 20,
		QueryCacheTTLMs:          int(query.DefaultCacheTTL / time.Millisecond),
		Storage:                  StorageConfig{Kind: "file", Path: "./var/aika"},
		LogLevel:                 "info",
		MetricsAddr:              ":8090",
		NATS:                     NATSConfig{SubjectPrefix: "aika.ingest"},
		Retention: retention.Config{
			Enabled:    false,
			MaxAgeDays: 365,
			SweepHour:  3,
		},
	}
}

// Load reads, schema-validates, and parses the config file at path on top
// of Default(): any field absent from the file keeps Default()'s value,
// while a field the file sets explicitly (even to a zero value) wins.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	Validate(schemaDoc, raw)

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// StorageRawConfig re-marshals the storage section for storage.Open,
// which expects the adapter-kind-specific raw JSON document (§4.5).
func (c Config) StorageRawConfig() (json.RawMessage, error) {
	return json.Marshal(c.Storage)
}

// QueryLimits projects the query-budget fields into query.Limits.
func (c Config) QueryLimits() query.Limits {
	return query.Limits{
		MaxSamplesPerQuery:       c.MaxSamplesPerQuery,
		MaxTagsPerQuery:          c.MaxTagsPerQuery,
		MaxSamplesPerTagPerQuery: c.MaxSamplesPerTagPerQuery,
	}
}

// SnapshotWriteInterval and ArchiveWriteInterval convert the millisecond
// config fields into the time.Duration the batchers take.
func (c Config) SnapshotWriteInterval() time.Duration {
	return time.Duration(c.SnapshotWriteIntervalMs) * time.Millisecond
}

func (c Config) ArchiveWriteInterval() time.Duration {
	return time.Duration(c.ArchiveWriteIntervalMs) * time.Millisecond
}

func (c Config) QueryCacheTTL() time.Duration {
	return time.Duration(c.QueryCacheTTLMs) * time.Millisecond
}

// Validate checks instance against a JSON Schema, fatally exiting on any
// schema or validation error — grounded on the teacher's
// internal/config/validate.go, since a malformed startup config is
// unrecoverable by definition (§7 Storage-fatal class).
func Validate(schema string, instance json.RawMessage) {
	sch, err := jsonschema.CompileString("aika-config.json", schema)
	if err != nil {
		cclog.Fatalf("config: compile schema: %v", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		cclog.Fatalf("config: instance is not valid JSON: %v", err)
	}

	if err := sch.Validate(v); err != nil {
		cclog.Fatalf("config: %v", err)
	}
}
