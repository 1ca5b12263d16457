package tagstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/storage"
	"github.com/google/uuid"
)

// Store is the in-memory Tag Registry (§4.7). It is safe for concurrent
// use: the byID/byName maps are guarded by a single RWMutex (read-mostly,
// matching the teacher's "state-set map is read-mostly" rule in §5);
// mutation of an individual tag's runtime state happens inside that tag's
// own Runtime, not here.
type Store struct {
	adapter storage.Adapter

	mu        sync.RWMutex
	byID      map[uuid.UUID]*Runtime
	byName    map[string]uuid.UUID
	stateSets map[string]*model.StateSet

	writeMu sync.Map // uuid.UUID -> *sync.Mutex, per-tag single-writer lock
}

// New constructs an empty Store bound to adapter. Call Load to populate it
// at startup.
func New(adapter storage.Adapter) *Store {
	return &Store{
		adapter:   adapter,
		byID:      make(map[uuid.UUID]*Runtime),
		byName:    make(map[string]uuid.UUID),
		stateSets: make(map[string]*model.StateSet),
	}
}

// Load populates the registry from the storage adapter: scans tags and
// state sets, then for each tag concurrently loads snapshot,
// archive-candidate, and the most recent archived sample (§4.7).
func (s *Store) Load(ctx context.Context) error {
	if err := s.adapter.ScanStateSets(ctx, func(ss model.StateSet) error {
		s.stateSets[strings.ToLower(ss.Name)] = &ss
		return nil
	}); err != nil {
		return fmt.Errorf("tagstore: scan state sets: %w", err)
	}

	var tags []model.TagDefinition
	if err := s.adapter.ScanTags(ctx, func(t model.TagDefinition) error {
		tags = append(tags, t)
		return nil
	}); err != nil {
		return fmt.Errorf("tagstore: scan tags: %w", err)
	}

	type seedResult struct {
		tag       model.TagDefinition
		snapshot  *model.Value
		candidate *model.ArchiveCandidate
		lastArch  *model.Value
		err       error
	}

	results := make(chan seedResult, len(tags))
	var wg sync.WaitGroup
	for _, t := range tags {
		wg.Add(1)
		go func(t model.TagDefinition) {
			defer wg.Done()
			snap, err := s.adapter.GetSnapshot(ctx, t.ID)
			if err != nil {
				results <- seedResult{err: fmt.Errorf("load snapshot for %s: %w", t.Name, err)}
				return
			}
			cand, err := s.adapter.GetArchiveCandidate(ctx, t.ID)
			if err != nil {
				results <- seedResult{err: fmt.Errorf("load candidate for %s: %w", t.Name, err)}
				return
			}
			last, err := s.adapter.GetLatestArchived(ctx, t.ID)
			if err != nil {
				results <- seedResult{err: fmt.Errorf("load latest archived for %s: %w", t.Name, err)}
				return
			}
			results <- seedResult{tag: t, snapshot: snap, candidate: cand, lastArch: last}
		}(t)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for r := range results {
		if r.err != nil {
			return r.err
		}
		var ss *model.StateSet
		if r.tag.DataType == model.State {
			ss = s.stateSets[strings.ToLower(r.tag.StateSetName)]
		}
		// Seed the corridor from the candidate's persisted slopes if
		// present; otherwise the compression filter restarts at §4.2 step 5
		// on the next sample (a nil candidate passed to NewCompression
		// leaves no corridor to seed).
		rt := NewRuntime(r.tag, ss, r.snapshot, r.snapshot, r.lastArch, r.candidate)
		s.byID[r.tag.ID] = rt
		s.byName[strings.ToLower(r.tag.Name)] = r.tag.ID
	}

	cclog.Infof("tagstore: loaded %d tags, %d state sets", len(s.byID), len(s.stateSets))
	return nil
}

// Get returns the runtime for tagID, or nil if unknown.
func (s *Store) Get(tagID uuid.UUID) *Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[tagID]
}

// GetByName resolves a tag name (case-insensitive) to its runtime.
func (s *Store) GetByName(name string) *Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return s.byID[id]
}

// StateSet looks up a state set by name (case-insensitive).
func (s *Store) StateSet(name string) *model.StateSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateSets[strings.ToLower(name)]
}

// lockFor returns (creating if needed) the per-tag single-writer mutex,
// enforcing §5's per-tag single-writer discipline without serializing
// unrelated tags against each other.
func (s *Store) lockFor(id uuid.UUID) *sync.Mutex {
	v, _ := s.writeMu.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// WriteResult is the caller-visible result of WriteTagValues (§7).
type WriteResult struct {
	Success               bool
	SampleCount           int
	UtcEarliestSampleTime time.Time
	UtcLatestSampleTime   time.Time
	Notes                 []string
}

// WriteTagValues serializes writes for one tag through its Runtime and
// hands accepted results to the caller-supplied sink, which is normally
// the write-behind batcher's enqueue functions (§4.4). Ordering guarantee
// (§5): samples are applied to the runtime in the order given.
func (s *Store) WriteTagValues(tagID uuid.UUID, samples []model.Value, sink func(WriteOutcome)) (WriteResult, error) {
	if len(samples) == 0 {
		return WriteResult{Success: false, Notes: []string{"no values specified"}}, nil
	}

	rt := s.Get(tagID)
	if rt == nil {
		return WriteResult{}, fmt.Errorf("tagstore: unknown tag %s", tagID)
	}

	lock := s.lockFor(tagID)
	lock.Lock()
	defer lock.Unlock()

	result := WriteResult{Success: true, UtcEarliestSampleTime: samples[0].UtcSampleTime}
	for _, sample := range samples {
		outcome, err := rt.Write(sample)
		if err != nil {
			return WriteResult{}, err
		}
		if outcome.Rejected {
			continue
		}
		result.SampleCount++
		result.UtcLatestSampleTime = sample.UtcSampleTime
		sink(outcome)
	}
	result.Notes = []string{"archive write pending"}
	return result, nil
}

// CreateTag validates and persists a new tag definition, then adds it to
// the registry (§4.7 lifecycle).
func (s *Store) CreateTag(ctx context.Context, tag model.TagDefinition, stateSet *model.StateSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[strings.ToLower(tag.Name)]; exists {
		return fmt.Errorf("tagstore: tag %q already exists", tag.Name)
	}

	if err := s.adapter.PutTag(ctx, tag); err != nil {
		return fmt.Errorf("tagstore: persist tag: %w", err)
	}

	s.byID[tag.ID] = NewRuntime(tag, stateSet, nil, nil, nil, nil)
	s.byName[strings.ToLower(tag.Name)] = tag.ID
	return nil
}

// UpdateTag replaces a tag definition, recording a change-history entry
// with the prior version, and renames the by-name index atomically with
// the by-id update if the name changed (§4.7).
func (s *Store) UpdateTag(ctx context.Context, updated model.TagDefinition, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.byID[updated.ID]
	if !ok {
		return fmt.Errorf("tagstore: tag %s not found", updated.ID)
	}
	prior := rt.Tag

	history := model.TagChangeHistory{
		ID:              uuid.New(),
		TagID:           updated.ID,
		UtcTime:         time.Now().UTC(),
		User:            user,
		PreviousVersion: prior,
	}
	if err := s.adapter.PutTagHistory(ctx, history); err != nil {
		return fmt.Errorf("tagstore: persist change history: %w", err)
	}
	if err := s.adapter.PutTag(ctx, updated); err != nil {
		return fmt.Errorf("tagstore: persist updated tag: %w", err)
	}

	if !strings.EqualFold(prior.Name, updated.Name) {
		delete(s.byName, strings.ToLower(prior.Name))
		s.byName[strings.ToLower(updated.Name)] = updated.ID
	}
	rt.Tag = updated
	return nil
}

// DeleteTag purges metadata, all values, and change history for tagID
// (§4.7 lifecycle: "deletion purges metadata, all values, and change
// history for that tag id").
func (s *Store) DeleteTag(ctx context.Context, tagID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.byID[tagID]
	if !ok {
		return fmt.Errorf("tagstore: tag %s not found", tagID)
	}

	if err := s.adapter.DeleteTag(ctx, tagID); err != nil {
		return fmt.Errorf("tagstore: delete tag: %w", err)
	}

	delete(s.byID, tagID)
	delete(s.byName, strings.ToLower(rt.Tag.Name))
	s.writeMu.Delete(tagID)
	return nil
}

// Tags returns a snapshot slice of all tag definitions currently
// registered, used by the query engine to resolve names to ids.
func (s *Store) Tags() []model.TagDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TagDefinition, 0, len(s.byID))
	for _, rt := range s.byID {
		out = append(out, rt.Tag)
	}
	return out
}
