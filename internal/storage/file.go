package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aika-project/aika/internal/model"
	"github.com/google/uuid"
)

// FileAdapter persists every partition as an append-only JSON-lines file
// under rootDir, one JSON object per line. Partition path convention is
// grounded on pkg/archive/fsBackend.go's getDirectory/getPath helpers,
// adapted from a cluster/jobid-bucket layout to aika's flat
// `<rootDir>/<prefix><partition>.jsonl` layout. A single mutex serializes
// all partition I/O; it is a deliberately coarse adapter meant for
// single-node deployments and tests, not high-throughput production use
// (the sqlite adapter is the one to reach for there).
type FileAdapter struct {
	rootDir string
	prefix  string
	suffix  SuffixFunc

	mu sync.Mutex
}

type fileConfig struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Prefix string `json:"indexPrefix"`
}

func (f *FileAdapter) Init(ctx context.Context, rawConfig json.RawMessage) error {
	var cfg fileConfig
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return fmt.Errorf("file adapter: parse config: %w", err)
	}
	if cfg.Path == "" {
		cfg.Path = "./var/aika"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "aika-"
	}
	f.rootDir = cfg.Path
	f.prefix = cfg.Prefix
	f.suffix = DefaultSuffix
	return os.MkdirAll(f.rootDir, 0o755)
}

func (f *FileAdapter) Close() error { return nil }

func (f *FileAdapter) partitionPath(partition string) string {
	return filepath.Join(f.rootDir, f.prefix+partition+".jsonl")
}

func (f *FileAdapter) EnsureIndex(ctx context.Context, kind string, partitionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.partitionPath(kind + partitionKey)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return fh.Close()
}

// appendLineLocked and rewriteLocked/readLinesLocked assume f.mu is already
// held by the caller.

func (f *FileAdapter) appendLineLocked(partition string, v interface{}) error {
	fh, err := os.OpenFile(f.partitionPath(partition), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()

	enc := json.NewEncoder(fh)
	return enc.Encode(v)
}

// rewriteLocked replaces a whole "latest wins per key" partition (snapshot,
// archive-candidate, tags, state-sets) with the given rows. These
// partitions are small (one row per tag/state-set) so a full rewrite per
// write is acceptable for the file adapter; the sqlite adapter does this
// with an UPSERT instead (see sqlite.go).
func (f *FileAdapter) rewriteLocked(partition string, rows []json.RawMessage) error {
	fh, err := os.OpenFile(f.partitionPath(partition), os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()

	w := bufio.NewWriter(fh)
	for _, row := range rows {
		if _, err := w.Write(row); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (f *FileAdapter) readLinesLocked(partition string) ([]json.RawMessage, error) {
	fh, err := os.Open(f.partitionPath(partition))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var out []json.RawMessage
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		out = append(out, cp)
	}
	return out, sc.Err()
}

// rewriteTypedLocked marshals each element of v independently so
// rewriteLocked can emit one JSON object per line.
func (f *FileAdapter) rewriteTypedLocked(partition string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(b, &rows); err != nil {
		return err
	}
	return f.rewriteLocked(partition, rows)
}

func (f *FileAdapter) PutTag(ctx context.Context, tag model.TagDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.readLinesLocked(PartitionTags)
	if err != nil {
		return err
	}

	var tags []model.TagDefinition
	replaced := false
	for _, row := range rows {
		var t model.TagDefinition
		if err := json.Unmarshal(row, &t); err != nil {
			return err
		}
		if t.ID == tag.ID {
			tags = append(tags, tag)
			replaced = true
		} else {
			tags = append(tags, t)
		}
	}
	if !replaced {
		tags = append(tags, tag)
	}
	return f.rewriteTypedLocked(PartitionTags, tags)
}

func (f *FileAdapter) DeleteTag(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.readLinesLocked(PartitionTags)
	if err != nil {
		return err
	}
	var tags []model.TagDefinition
	for _, row := range rows {
		var t model.TagDefinition
		if err := json.Unmarshal(row, &t); err != nil {
			return err
		}
		if t.ID != id {
			tags = append(tags, t)
		}
	}
	if err := f.rewriteTypedLocked(PartitionTags, tags); err != nil {
		return err
	}

	// Purge values and change history for the tag, per the delete
	// lifecycle (§4.7: "deletion purges metadata, all values, and change
	// history for that tag id").
	archiveNames, err := f.archivePartitionNamesLocked()
	if err != nil {
		return err
	}
	partitions := append([]string{PartitionSnapshot, PartitionArchiveTemp, PartitionTagHistory}, archiveNames...)
	for _, p := range partitions {
		rows, err := f.readLinesLocked(p)
		if err != nil {
			return err
		}
		var kept []json.RawMessage
		for _, row := range rows {
			var probe struct{ TagID uuid.UUID }
			if err := json.Unmarshal(row, &probe); err == nil && probe.TagID == id {
				continue
			}
			kept = append(kept, row)
		}
		if err := f.rewriteLocked(p, kept); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileAdapter) PutTagHistory(ctx context.Context, h model.TagChangeHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLineLocked(PartitionTagHistory, h)
}

func (f *FileAdapter) ScanTags(ctx context.Context, visit func(model.TagDefinition) error) error {
	f.mu.Lock()
	rows, err := f.readLinesLocked(PartitionTags)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for _, row := range rows {
		var t model.TagDefinition
		if err := json.Unmarshal(row, &t); err != nil {
			return err
		}
		if err := visit(t); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileAdapter) PutStateSet(ctx context.Context, ss model.StateSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.readLinesLocked(PartitionStateSets)
	if err != nil {
		return err
	}
	var sets []model.StateSet
	replaced := false
	for _, row := range rows {
		var s model.StateSet
		if err := json.Unmarshal(row, &s); err != nil {
			return err
		}
		if s.Name == ss.Name {
			sets = append(sets, ss)
			replaced = true
		} else {
			sets = append(sets, s)
		}
	}
	if !replaced {
		sets = append(sets, ss)
	}
	return f.rewriteTypedLocked(PartitionStateSets, sets)
}

func (f *FileAdapter) DeleteStateSet(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.readLinesLocked(PartitionStateSets)
	if err != nil {
		return err
	}
	var sets []model.StateSet
	for _, row := range rows {
		var s model.StateSet
		if err := json.Unmarshal(row, &s); err != nil {
			return err
		}
		if s.Name != name {
			sets = append(sets, s)
		}
	}
	return f.rewriteTypedLocked(PartitionStateSets, sets)
}

func (f *FileAdapter) ScanStateSets(ctx context.Context, visit func(model.StateSet) error) error {
	f.mu.Lock()
	rows, err := f.readLinesLocked(PartitionStateSets)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for _, row := range rows {
		var s model.StateSet
		if err := json.Unmarshal(row, &s); err != nil {
			return err
		}
		if err := visit(s); err != nil {
			return err
		}
	}
	return nil
}

type snapshotDoc struct {
	TagID uuid.UUID
	Value model.Value
}

func (f *FileAdapter) PutSnapshot(ctx context.Context, tagID uuid.UUID, sample model.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.readLinesLocked(PartitionSnapshot)
	if err != nil {
		return err
	}
	var docs []snapshotDoc
	replaced := false
	for _, row := range rows {
		var d snapshotDoc
		if err := json.Unmarshal(row, &d); err != nil {
			return err
		}
		if d.TagID == tagID {
			d = snapshotDoc{TagID: tagID, Value: sample}
			replaced = true
		}
		docs = append(docs, d)
	}
	if !replaced {
		docs = append(docs, snapshotDoc{TagID: tagID, Value: sample})
	}
	return f.rewriteTypedLocked(PartitionSnapshot, docs)
}

func (f *FileAdapter) GetSnapshot(ctx context.Context, tagID uuid.UUID) (*model.Value, error) {
	f.mu.Lock()
	rows, err := f.readLinesLocked(PartitionSnapshot)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		var d snapshotDoc
		if err := json.Unmarshal(row, &d); err != nil {
			return nil, err
		}
		if d.TagID == tagID {
			v := d.Value
			return &v, nil
		}
	}
	return nil, nil
}

type candidateDoc struct {
	TagID     uuid.UUID
	Candidate model.ArchiveCandidate
}

func (f *FileAdapter) PutArchiveCandidate(ctx context.Context, tagID uuid.UUID, candidate model.ArchiveCandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.readLinesLocked(PartitionArchiveTemp)
	if err != nil {
		return err
	}
	var docs []candidateDoc
	replaced := false
	for _, row := range rows {
		var d candidateDoc
		if err := json.Unmarshal(row, &d); err != nil {
			return err
		}
		if d.TagID == tagID {
			d = candidateDoc{TagID: tagID, Candidate: candidate}
			replaced = true
		}
		docs = append(docs, d)
	}
	if !replaced {
		docs = append(docs, candidateDoc{TagID: tagID, Candidate: candidate})
	}
	return f.rewriteTypedLocked(PartitionArchiveTemp, docs)
}

func (f *FileAdapter) DeleteArchiveCandidate(ctx context.Context, tagID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.readLinesLocked(PartitionArchiveTemp)
	if err != nil {
		return err
	}
	docs := make([]candidateDoc, 0, len(rows))
	for _, row := range rows {
		var d candidateDoc
		if err := json.Unmarshal(row, &d); err != nil {
			return err
		}
		if d.TagID == tagID {
			continue
		}
		docs = append(docs, d)
	}
	return f.rewriteTypedLocked(PartitionArchiveTemp, docs)
}

func (f *FileAdapter) GetArchiveCandidate(ctx context.Context, tagID uuid.UUID) (*model.ArchiveCandidate, error) {
	f.mu.Lock()
	rows, err := f.readLinesLocked(PartitionArchiveTemp)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		var d candidateDoc
		if err := json.Unmarshal(row, &d); err != nil {
			return nil, err
		}
		if d.TagID == tagID {
			c := d.Candidate
			return &c, nil
		}
	}
	return nil, nil
}

func (f *FileAdapter) BulkAppendArchive(ctx context.Context, batch map[string][]ArchiveDoc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for partition, docs := range batch {
		full := ArchivePermanentPrefix + partition
		for _, d := range docs {
			if err := f.appendLineLocked(full, d); err != nil {
				return fmt.Errorf("file adapter: append to %s: %w", full, err)
			}
		}
	}
	return nil
}

func (f *FileAdapter) archivePartitionNamesLocked() ([]string, error) {
	entries, err := os.ReadDir(f.rootDir)
	if err != nil {
		return nil, err
	}
	var names []string
	prefix := f.prefix + ArchivePermanentPrefix
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, strings.TrimSuffix(strings.TrimPrefix(e.Name(), f.prefix), ".jsonl"))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (f *FileAdapter) GetLatestArchived(ctx context.Context, tagID uuid.UUID) (*model.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names, err := f.archivePartitionNamesLocked()
	if err != nil {
		return nil, err
	}
	for _, partition := range names {
		rows, err := f.readLinesLocked(partition)
		if err != nil {
			return nil, err
		}
		var latest *model.Value
		for _, row := range rows {
			var d ArchiveDoc
			if err := json.Unmarshal(row, &d); err != nil {
				return nil, err
			}
			if d.TagID != tagID {
				continue
			}
			if latest == nil || d.Value.UtcSampleTime.After(latest.UtcSampleTime) {
				v := d.Value
				latest = &v
			}
		}
		if latest != nil {
			return latest, nil
		}
	}
	return nil, nil
}

func (f *FileAdapter) Query(ctx context.Context, q Query) ([]model.Value, error) {
	f.mu.Lock()
	names, err := f.archivePartitionNamesLocked()
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	sort.Strings(names) // ascending for range scans

	var out []model.Value
	for _, partition := range names {
		rows, err := f.readLinesLocked(partition)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		for _, row := range rows {
			var d ArchiveDoc
			if err := json.Unmarshal(row, &d); err != nil {
				f.mu.Unlock()
				return nil, err
			}
			if d.TagID != q.TagID {
				continue
			}
			ns := d.Value.UtcSampleTime.UnixNano()
			if ns < q.From || ns >= q.Until {
				continue
			}
			out = append(out, d.Value)
		}
	}
	f.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UtcSampleTime.Before(out[j].UtcSampleTime) })
	if !q.Ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *FileAdapter) QueryAggregated(ctx context.Context, q Query, agg Aggregation) ([]Bucket, error) {
	return aggregateInMemory(ctx, f, q, agg)
}

// ListArchivePartitions and DropArchivePartition implement PartitionPruner.
// Suffix recovery is trivial here since file partition names are the
// human-readable `archive-permanent-<suffix>` string, unescaped.
func (f *FileAdapter) ListArchivePartitions(ctx context.Context) ([]PartitionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names, err := f.archivePartitionNamesLocked()
	if err != nil {
		return nil, err
	}
	out := make([]PartitionInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PartitionInfo{Name: n, Suffix: strings.TrimPrefix(n, ArchivePermanentPrefix)})
	}
	return out, nil
}

func (f *FileAdapter) DropArchivePartition(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.partitionPath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
