// Package storage defines the Storage Adapter interface (§4.5) the core
// consumes, plus two concrete implementations: a hierarchical-file adapter
// (file.go) and a sqlite-backed adapter (sqlite.go).
//
// Grounded on pkg/archive/archive.go's ArchiveBackend interface and its
// kind-switched Init(rawConfig) factory (FsArchive/S3Archive/SqliteArchive
// in the teacher); Open below is that same factory shape applied to
// aika's adapter contract instead of the teacher's job-archive contract.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aika-project/aika/internal/model"
	"github.com/google/uuid"
)

// Partition kinds, named per §6.2.
const (
	PartitionTags          = "tags"
	PartitionTagHistory    = "tag-config-history"
	PartitionStateSets     = "state-sets"
	PartitionSnapshot      = "snapshot"
	PartitionArchiveTemp   = "archive-temporary"
	ArchivePermanentPrefix = "archive-permanent-"
)

// SuffixFunc computes the archive-partition suffix for a sample of a given
// tag (§4.5 "pluggable suffix function"). DefaultSuffix implements the
// default `YYYY-MM` rule.
type SuffixFunc func(tag model.TagDefinition, sample model.Value) string

// Query describes a read against one or more archive-like partitions
// (§4.5 query()). Predicate fields are intentionally narrow: the core only
// ever needs a tag id plus a half-open UTC time range, optionally bounded
// by a sample count.
type Query struct {
	TagID       uuid.UUID
	From, Until int64 // UTC unix nanoseconds, [From, Until)
	Limit       int
	Ascending   bool
}

// Aggregation requests a date-histogram style bucketed reduction over a
// Query's range (§4.6 Aggregated mode).
type Aggregation struct {
	IntervalNanos int64
	Kind          AggregationKind
}

type AggregationKind int

const (
	AggAverage AggregationKind = iota
	AggMinimum
	AggMaximum
)

// Bucket is one output row of an aggregated query.
type Bucket struct {
	StartNanos int64
	Value      model.Value // NaN/Good when the bucket has no hits (§4.6)
	HasData    bool
}

// Adapter is the capability set the core requires of a storage backend
// (§4.5). Implementations must be safe for concurrent use.
type Adapter interface {
	Init(ctx context.Context, rawConfig json.RawMessage) error
	Close() error

	EnsureIndex(ctx context.Context, kind string, partitionKey string) error

	PutTag(ctx context.Context, tag model.TagDefinition) error
	DeleteTag(ctx context.Context, id uuid.UUID) error
	PutTagHistory(ctx context.Context, h model.TagChangeHistory) error
	ScanTags(ctx context.Context, visit func(model.TagDefinition) error) error

	PutStateSet(ctx context.Context, ss model.StateSet) error
	DeleteStateSet(ctx context.Context, name string) error
	ScanStateSets(ctx context.Context, visit func(model.StateSet) error) error

	PutSnapshot(ctx context.Context, tagID uuid.UUID, sample model.Value) error
	GetSnapshot(ctx context.Context, tagID uuid.UUID) (*model.Value, error)

	PutArchiveCandidate(ctx context.Context, tagID uuid.UUID, candidate model.ArchiveCandidate) error
	GetArchiveCandidate(ctx context.Context, tagID uuid.UUID) (*model.ArchiveCandidate, error)
	// DeleteArchiveCandidate clears a tag's persisted candidate (§4.2 steps
	// 1/2/7/8: archived directly, or force-promoted with nothing pending).
	// Must be a no-op, not an error, when no candidate is persisted.
	DeleteArchiveCandidate(ctx context.Context, tagID uuid.UUID) error

	// BulkAppendArchive appends docs to their respective partitions,
	// keyed by archive-partition name (§6.2). Within one tag's slice,
	// insertion order is preserved on disk (§4.4 ordering guarantee).
	BulkAppendArchive(ctx context.Context, batch map[string][]ArchiveDoc) error

	// GetLatestArchived returns the most recent archived sample for
	// tagID by scanning partitions from newest to oldest, returning as
	// soon as any partition yields one (§4.7).
	GetLatestArchived(ctx context.Context, tagID uuid.UUID) (*model.Value, error)

	Query(ctx context.Context, q Query) ([]model.Value, error)
	QueryAggregated(ctx context.Context, q Query, agg Aggregation) ([]Bucket, error)
}

// ArchiveDoc pairs an archived sample with the tag it belongs to, the unit
// BulkAppendArchive operates on.
type ArchiveDoc struct {
	ID    uuid.UUID
	TagID uuid.UUID
	Value model.Value
}

// PartitionInfo names one archive partition and the suffix it was created
// with (§4.5 partitioning rule), for adapters that support retention.
type PartitionInfo struct {
	Name   string
	Suffix string
}

// PartitionPruner is an optional capability: adapters that support
// retention sweeps (closing/dropping old archive partitions) implement it.
// Not part of the Adapter interface itself since §4.5 does not require
// every adapter to support retention.
type PartitionPruner interface {
	ListArchivePartitions(ctx context.Context) ([]PartitionInfo, error)
	DropArchivePartition(ctx context.Context, name string) error
}

// DefaultSuffix implements §4.5's default partition suffix rule: UTC
// `YYYY-MM` of the sample time.
func DefaultSuffix(_ model.TagDefinition, sample model.Value) string {
	return sample.UtcSampleTime.UTC().Format("2006-01")
}

// Config selects and configures one adapter kind (§6.3 storage.kind).
type Config struct {
	Kind string `json:"kind"`
}

// Open is the kind-switched factory, directly modeled on
// pkg/archive/archive.go's Init(rawConfig, disableArchive) switch over
// cfg.Kind.
func Open(ctx context.Context, rawConfig json.RawMessage) (Adapter, error) {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("storage: parse config: %w", err)
	}

	var a Adapter
	switch cfg.Kind {
	case "", "file":
		a = &FileAdapter{}
	case "sqlite":
		a = &SqliteAdapter{}
	default:
		return nil, fmt.Errorf("storage: unknown adapter kind %q", cfg.Kind)
	}

	if err := a.Init(ctx, rawConfig); err != nil {
		return nil, fmt.Errorf("storage: init %s adapter: %w", cfg.Kind, err)
	}
	return a, nil
}
