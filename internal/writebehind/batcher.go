// Package writebehind implements the Write-Behind Batcher (§4.4): two
// instances per historian (snapshot, archive) that aggregate per-tag
// writes and flush them to a storage.Adapter on a fixed interval.
//
// Grounded on pkg/metricstore/checkpoint.go's Checkpointing() worker for
// the ticker-driven flush loop shape (wg.Go + time.Ticker + ctx.Done
// select), and on internal/tagstore's lockFor idiom for per-tag mutation
// under a map that is itself swapped wholesale at flush time.
package writebehind

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/storage"
	"github.com/google/uuid"
)

const DefaultInterval = 2 * time.Second

// SnapshotBatcher aggregates the most recent sample per tag id and flushes
// it latest-wins per §4.4. Enqueue calls hold the batcher's RWMutex for
// reading only — they mutate the shared sync.Map, not the mutex-protected
// pointer to it — so concurrent enqueues never block each other; a flush
// takes the write side just long enough to swap the pointer out.
type SnapshotBatcher struct {
	adapter  storage.Adapter
	interval time.Duration

	mu      sync.RWMutex
	pending *sync.Map // uuid.UUID -> model.Value

	flushing int32 // 0/1 CAS, single-flight guard
}

func NewSnapshotBatcher(adapter storage.Adapter, interval time.Duration) *SnapshotBatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &SnapshotBatcher{adapter: adapter, interval: interval, pending: &sync.Map{}}
}

// Enqueue must not suspend (§5): it only stores into a concurrent map.
func (b *SnapshotBatcher) Enqueue(tagID uuid.UUID, sample model.Value) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.pending.Store(tagID, sample)
}

// Run starts the interval flush loop as a background worker tracked by wg,
// stopping when ctx is cancelled.
func (b *SnapshotBatcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Go(func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Flush(ctx)
			}
		}
	})
}

// Flush swaps out the pending batch and writes it to the adapter. If a
// flush is already in progress the tick is skipped entirely and the
// pending batch is left untouched for the next tick (§4.4).
func (b *SnapshotBatcher) Flush(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&b.flushing, 0, 1) {
		cclog.Debugf("writebehind: snapshot flush already in flight, skipping tick")
		return
	}
	defer atomic.StoreInt32(&b.flushing, 0)

	b.mu.Lock()
	batch := b.pending
	b.pending = &sync.Map{}
	b.mu.Unlock()

	batch.Range(func(key, value interface{}) bool {
		tagID := key.(uuid.UUID)
		sample := value.(model.Value)
		if err := b.adapter.PutSnapshot(ctx, tagID, sample); err != nil {
			cclog.Errorf("writebehind: snapshot flush for tag %s: %v", tagID, err)
		}
		return true
	})
}

type archiveEntry struct {
	mu           sync.Mutex
	samples      []model.Value
	candidate    *model.ArchiveCandidate
	candidateSet bool
}

// ArchiveBatcher aggregates archive writes and archive-candidate updates
// per tag and flushes both to the adapter per cycle (§4.4). Archive
// samples within one tag's cycle preserve enqueue order; the candidate is
// latest-wins.
type ArchiveBatcher struct {
	adapter    storage.Adapter
	interval   time.Duration
	suffixFunc storage.SuffixFunc
	resolveTag func(uuid.UUID) (model.TagDefinition, bool)

	mu      sync.RWMutex
	pending *sync.Map // uuid.UUID -> *archiveEntry

	flushing int32
}

// NewArchiveBatcher constructs an ArchiveBatcher. resolveTag looks up a
// tag's definition (needed to compute the archive-partition suffix at
// flush time) — normally *tagstore.Store.Get's Tag field.
func NewArchiveBatcher(adapter storage.Adapter, interval time.Duration, suffixFunc storage.SuffixFunc, resolveTag func(uuid.UUID) (model.TagDefinition, bool)) *ArchiveBatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if suffixFunc == nil {
		suffixFunc = storage.DefaultSuffix
	}
	return &ArchiveBatcher{adapter: adapter, interval: interval, suffixFunc: suffixFunc, resolveTag: resolveTag, pending: &sync.Map{}}
}

// Enqueue appends samples and replaces the pending candidate for tagID,
// including a nil candidate: every call represents the tag's authoritative
// post-write candidate state (§4.4), so a nil here means "clear," not
// "no update."
func (b *ArchiveBatcher) Enqueue(tagID uuid.UUID, samples []model.Value, candidate *model.ArchiveCandidate) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, _ := b.pending.LoadOrStore(tagID, &archiveEntry{})
	e := v.(*archiveEntry)
	e.mu.Lock()
	e.samples = append(e.samples, samples...)
	e.candidate = candidate
	e.candidateSet = true
	e.mu.Unlock()
}

func (b *ArchiveBatcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Go(func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Flush(ctx)
			}
		}
	})
}

// Flush composes one bulkAppendArchive call (grouped by partition) plus
// one putArchiveCandidate call per tag with a pending candidate.
func (b *ArchiveBatcher) Flush(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&b.flushing, 0, 1) {
		cclog.Debugf("writebehind: archive flush already in flight, skipping tick")
		return
	}
	defer atomic.StoreInt32(&b.flushing, 0)

	b.mu.Lock()
	batch := b.pending
	b.pending = &sync.Map{}
	b.mu.Unlock()

	byPartition := make(map[string][]storage.ArchiveDoc)
	batch.Range(func(key, value interface{}) bool {
		tagID := key.(uuid.UUID)
		entry := value.(*archiveEntry)

		tag, ok := b.resolveTag(tagID)
		if !ok {
			cclog.Warnf("writebehind: archive flush: tag %s no longer registered, dropping %d samples", tagID, len(entry.samples))
			return true
		}

		for _, s := range entry.samples {
			partition := b.suffixFunc(tag, s)
			byPartition[partition] = append(byPartition[partition], storage.ArchiveDoc{
				ID:    uuid.New(),
				TagID: tagID,
				Value: s,
			})
		}

		if entry.candidateSet {
			if entry.candidate != nil {
				if err := b.adapter.PutArchiveCandidate(ctx, tagID, *entry.candidate); err != nil {
					cclog.Errorf("writebehind: candidate flush for tag %s: %v", tagID, err)
				}
			} else if err := b.adapter.DeleteArchiveCandidate(ctx, tagID); err != nil {
				cclog.Errorf("writebehind: candidate clear for tag %s: %v", tagID, err)
			}
		}
		return true
	})

	if len(byPartition) == 0 {
		return
	}
	if err := b.adapter.BulkAppendArchive(ctx, byPartition); err != nil {
		cclog.Errorf("writebehind: archive flush: %v", err)
	}
}
