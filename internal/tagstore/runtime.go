// Package tagstore implements the Tag Runtime (§4.3) and Tag Registry
// (§4.7): the per-tag state machine driving the exception and compression
// filters, and the in-memory map of tag definitions that owns those
// runtimes.
//
// Grounded on pkg/metricstore.MemoryStore's lifecycle (Init/Write/Shutdown)
// and pkg/metricstore/level.go's double-checked-locking map access, but
// flattened: aika's tags are not hierarchically nested, so there is one
// map keyed by tag id (and a secondary by-name index), not a level tree.
// Unlike that teacher singleton, Store is deliberately NOT a package-level
// global — spec.md §9 requires multiple historian instances to be
// possible, so every *Store is a value owned by its caller.
package tagstore

import (
	"fmt"
	"sync"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/aika-project/aika/internal/filter"
	"github.com/aika-project/aika/internal/model"
)

// WriteOutcome is returned by Runtime.Write and aggregated into the
// caller-visible WriteTagValuesResult (§7).
type WriteOutcome struct {
	Rejected     bool
	RejectReason string
	Snapshot     model.Value
	Candidate    *model.ArchiveCandidate
	ToArchive    []model.Value
}

// Runtime is the single logical writer for one tag (§4.3). All mutation of
// its fields must go through Write, which the owning Store serializes per
// tag id.
type Runtime struct {
	Tag model.TagDefinition

	mu         sync.Mutex
	snapshot   *model.Value
	candidate  *model.ArchiveCandidate
	lastArch   *model.Value
	exception  *filter.Exception
	compressor *filter.Compression
	stateSet   *model.StateSet
}

// NewRuntime constructs a Runtime seeded from persisted state (§4.7: seeds
// come from the snapshot, archive-candidate, and newest archive sample
// loaded at registry init).
func NewRuntime(tag model.TagDefinition, stateSet *model.StateSet, snapshot, lastException, lastArchived *model.Value, candidate *model.ArchiveCandidate) *Runtime {
	r := &Runtime{
		Tag:       tag,
		snapshot:  snapshot,
		candidate: candidate,
		lastArch:  lastArchived,
		stateSet:  stateSet,
	}
	r.exception = filter.NewException(tag.ExceptionFilter, lastException)
	r.compressor = filter.NewCompression(tag.CompressionFilter, tag.DataType, lastArchived, candidate)
	return r
}

// Snapshot returns the most recently accepted sample, or nil.
func (r *Runtime) Snapshot() *model.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// Candidate returns the current archive candidate, or nil.
func (r *Runtime) Candidate() *model.ArchiveCandidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.candidate
}

// coerce applies §4.3 step 1: text samples get a NaN numeric value, numeric
// samples get a nil text value, and state samples are resolved against the
// tag's StateSet in both directions.
func (r *Runtime) coerce(sample model.Value) (model.Value, error) {
	switch r.Tag.DataType {
	case model.Text:
		sample.NumericValue = schema.NaN
		return sample, nil
	case model.State:
		if r.stateSet == nil {
			return sample, fmt.Errorf("tagstore: tag %s has no state set loaded", r.Tag.Name)
		}
		if sample.TextValue != nil {
			st, ok := r.stateSet.ByName(*sample.TextValue)
			if !ok {
				return sample, fmt.Errorf("tagstore: unknown state name %q for tag %s", *sample.TextValue, r.Tag.Name)
			}
			sample.NumericValue = schema.Float(st.Value)
			return sample, nil
		}
		code := int32(sample.NumericValue)
		st, ok := r.stateSet.ByValue(code)
		if !ok {
			return sample, fmt.Errorf("tagstore: unknown state value %d for tag %s", code, r.Tag.Name)
		}
		name := st.Name
		sample.TextValue = &name
		return sample, nil
	default:
		sample.TextValue = nil
		return sample, nil
	}
}

// Write runs one incoming sample through §4.3. Callers (Store) must
// serialize calls to Write for a given tag id; concurrent calls across
// different tags are safe.
func (r *Runtime) Write(sample model.Value) (WriteOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	coerced, err := r.coerce(sample)
	if err != nil {
		return WriteOutcome{}, err
	}

	if r.snapshot != nil && !coerced.UtcSampleTime.After(r.snapshot.UtcSampleTime) {
		return WriteOutcome{Rejected: true, RejectReason: "non-monotonic"}, nil
	}

	decision := r.exception.Admit(coerced)
	if !decision.Passed {
		r.snapshot = &coerced
		return WriteOutcome{Snapshot: coerced}, nil
	}

	result := r.compressor.Admit(coerced)
	r.snapshot = &coerced
	r.candidate = result.Candidate
	if len(result.ToArchive) > 0 {
		last := result.ToArchive[len(result.ToArchive)-1]
		r.lastArch = &last
	}

	return WriteOutcome{
		Snapshot:  coerced,
		Candidate: r.candidate,
		ToArchive: result.ToArchive,
	}, nil
}

