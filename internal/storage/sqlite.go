package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/aika-project/aika/internal/model"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

var registerHooksOnce sync.Once

// SqliteAdapter persists the registry in a handful of fixed tables and
// archived samples in one table per partition (archive_<kind>_<key>, with
// dashes and dots escaped to underscores), created on demand by
// EnsureIndex or BulkAppendArchive. Grounded on internal/repository/dbConnection.go
// (sqlx + sqlhooks + SetMaxOpenConns(1), sqlite does not like concurrent
// writers) and internal/repository/migration.go (golang-migrate against an
// embedded iofs source), adapted from cc-backend's job-table schema to
// aika's tag/value schema.
type SqliteAdapter struct {
	db *sqlx.DB
}

type sqliteConfig struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

func (a *SqliteAdapter) Init(ctx context.Context, rawConfig json.RawMessage) error {
	var cfg sqliteConfig
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return fmt.Errorf("sqlite adapter: parse config: %w", err)
	}
	if cfg.Path == "" {
		cfg.Path = "./var/aika.db"
	}

	registerHooksOnce.Do(func() {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &queryTimingHooks{}))
	})

	db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", cfg.Path))
	if err != nil {
		return fmt.Errorf("sqlite adapter: open: %w", err)
	}
	// sqlite does not multithread; one connection avoids lock-wait churn
	// and matches the teacher's dbConnection.go rationale exactly.
	db.SetMaxOpenConns(1)
	a.db = db

	if err := a.migrate(cfg.Path); err != nil {
		return err
	}
	cclog.Infof("storage/sqlite: opened %s", cfg.Path)
	return nil
}

func (a *SqliteAdapter) migrate(path string) error {
	driver, err := migratesqlite3.WithInstance(a.db.DB, &migratesqlite3.Config{})
	if err != nil {
		return fmt.Errorf("sqlite adapter: migration driver: %w", err)
	}
	src, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("sqlite adapter: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("sqlite adapter: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("sqlite adapter: migrate up: %w", err)
	}
	return nil
}

func (a *SqliteAdapter) Close() error {
	return a.db.Close()
}

var partitionNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func archiveTableName(kind, partitionKey string) (string, error) {
	name := "archive_" + kind + "_" + partitionKey
	name = strings.NewReplacer("-", "_", ".", "_").Replace(name)
	if !partitionNameRe.MatchString(name) {
		return "", fmt.Errorf("sqlite adapter: invalid partition name %q", name)
	}
	return name, nil
}

// EnsureIndex creates the per-partition archive table and its (tag_id,
// sample_time_ns) index if they do not already exist. Table names are
// derived from kind+partitionKey and validated against a strict charset
// before being interpolated, since sqlite's driver has no table-name bind
// parameter.
func (a *SqliteAdapter) EnsureIndex(ctx context.Context, kind string, partitionKey string) error {
	table, err := archiveTableName(kind, partitionKey)
	if err != nil {
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		tag_id TEXT NOT NULL,
		sample_time_ns INTEGER NOT NULL,
		value TEXT NOT NULL
	)`, table)
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite adapter: create %s: %w", table, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tag_time ON %s (tag_id, sample_time_ns)`, table, table)
	if _, err := a.db.ExecContext(ctx, idx); err != nil {
		return err
	}
	if kind == ArchivePermanentPrefix {
		return a.recordPartition(ctx, table, partitionKey)
	}
	return nil
}

func (a *SqliteAdapter) recordPartition(ctx context.Context, table, suffix string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO archive_partitions (table_name, suffix) VALUES (?, ?)
		ON CONFLICT(table_name) DO NOTHING
	`, table, suffix)
	return err
}

type tagRow struct {
	ID                 string `db:"id"`
	Name               string `db:"name"`
	Description        string `db:"description"`
	Units              string `db:"units"`
	DataType           int    `db:"data_type"`
	StateSetName       string `db:"state_set_name"`
	ExceptionFilter    string `db:"exception_filter"`
	CompressionFilter  string `db:"compression_filter"`
	Security           string `db:"security"`
	UtcCreatedAt       int64  `db:"utc_created_at"`
	Creator            string `db:"creator"`
	UtcLastModifiedAt  int64  `db:"utc_last_modified_at"`
	LastModifiedBy     string `db:"last_modified_by"`
}

func toTagRow(t model.TagDefinition) (tagRow, error) {
	ef, err := json.Marshal(t.ExceptionFilter)
	if err != nil {
		return tagRow{}, err
	}
	cf, err := json.Marshal(t.CompressionFilter)
	if err != nil {
		return tagRow{}, err
	}
	sec, err := json.Marshal(t.Security)
	if err != nil {
		return tagRow{}, err
	}
	return tagRow{
		ID:                t.ID.String(),
		Name:              t.Name,
		Description:       t.Description,
		Units:             t.Units,
		DataType:          int(t.DataType),
		StateSetName:      t.StateSetName,
		ExceptionFilter:   string(ef),
		CompressionFilter: string(cf),
		Security:          string(sec),
		UtcCreatedAt:      t.Metadata.UtcCreatedAt.UnixNano(),
		Creator:           t.Metadata.Creator,
		UtcLastModifiedAt: t.Metadata.UtcLastModifiedAt.UnixNano(),
		LastModifiedBy:    t.Metadata.LastModifiedBy,
	}, nil
}

func (r tagRow) toModel() (model.TagDefinition, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return model.TagDefinition{}, err
	}
	var t model.TagDefinition
	t.ID = id
	t.Name = r.Name
	t.Description = r.Description
	t.Units = r.Units
	t.DataType = model.DataType(r.DataType)
	t.StateSetName = r.StateSetName
	if err := json.Unmarshal([]byte(r.ExceptionFilter), &t.ExceptionFilter); err != nil {
		return model.TagDefinition{}, err
	}
	if err := json.Unmarshal([]byte(r.CompressionFilter), &t.CompressionFilter); err != nil {
		return model.TagDefinition{}, err
	}
	if err := json.Unmarshal([]byte(r.Security), &t.Security); err != nil {
		return model.TagDefinition{}, err
	}
	t.Metadata.UtcCreatedAt = time.Unix(0, r.UtcCreatedAt).UTC()
	t.Metadata.Creator = r.Creator
	t.Metadata.UtcLastModifiedAt = time.Unix(0, r.UtcLastModifiedAt).UTC()
	t.Metadata.LastModifiedBy = r.LastModifiedBy
	return t, nil
}

func (a *SqliteAdapter) PutTag(ctx context.Context, tag model.TagDefinition) error {
	row, err := toTagRow(tag)
	if err != nil {
		return err
	}
	_, err = a.db.NamedExecContext(ctx, `
		INSERT INTO tags (id, name, description, units, data_type, state_set_name, exception_filter, compression_filter, security, utc_created_at, creator, utc_last_modified_at, last_modified_by)
		VALUES (:id, :name, :description, :units, :data_type, :state_set_name, :exception_filter, :compression_filter, :security, :utc_created_at, :creator, :utc_last_modified_at, :last_modified_by)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, units=excluded.units,
			data_type=excluded.data_type, state_set_name=excluded.state_set_name,
			exception_filter=excluded.exception_filter, compression_filter=excluded.compression_filter,
			security=excluded.security, utc_last_modified_at=excluded.utc_last_modified_at,
			last_modified_by=excluded.last_modified_by
	`, row)
	return err
}

// DeleteTag purges metadata, all values, and change history for id (§4.7),
// including every per-partition archive table.
func (a *SqliteAdapter) DeleteTag(ctx context.Context, id uuid.UUID) error {
	tables, err := a.archiveTables(ctx)
	if err != nil {
		return err
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, id.String()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tag_history WHERE tag_id = ?`, id.String()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE tag_id = ?`, id.String()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM archive_candidates WHERE tag_id = ?`, id.String()); err != nil {
		return err
	}
	for _, table := range tables {
		del := fmt.Sprintf(`DELETE FROM %s WHERE tag_id = ?`, table)
		if _, err := tx.ExecContext(ctx, del, id.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (a *SqliteAdapter) PutTagHistory(ctx context.Context, h model.TagChangeHistory) error {
	prev, err := json.Marshal(h.PreviousVersion)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO tag_history (id, tag_id, utc_time, user, description, previous_version)
		VALUES (?, ?, ?, ?, ?, ?)
	`, h.ID.String(), h.TagID.String(), h.UtcTime.UnixNano(), h.User, h.Description, string(prev))
	return err
}

func (a *SqliteAdapter) ScanTags(ctx context.Context, visit func(model.TagDefinition) error) error {
	rows, err := a.db.QueryxContext(ctx, `SELECT * FROM tags ORDER BY name`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var r tagRow
		if err := rows.StructScan(&r); err != nil {
			return err
		}
		t, err := r.toModel()
		if err != nil {
			return err
		}
		if err := visit(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (a *SqliteAdapter) PutStateSet(ctx context.Context, ss model.StateSet) error {
	states, err := json.Marshal(ss.States)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO state_sets (name, description, states) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET description=excluded.description, states=excluded.states
	`, ss.Name, ss.Description, string(states))
	return err
}

func (a *SqliteAdapter) DeleteStateSet(ctx context.Context, name string) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM state_sets WHERE name = ?`, name)
	return err
}

func (a *SqliteAdapter) ScanStateSets(ctx context.Context, visit func(model.StateSet) error) error {
	rows, err := a.db.QueryContext(ctx, `SELECT name, description, states FROM state_sets ORDER BY name`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, desc, states string
		if err := rows.Scan(&name, &desc, &states); err != nil {
			return err
		}
		var ss model.StateSet
		ss.Name = name
		ss.Description = desc
		if err := json.Unmarshal([]byte(states), &ss.States); err != nil {
			return err
		}
		if err := visit(ss); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (a *SqliteAdapter) PutSnapshot(ctx context.Context, tagID uuid.UUID, sample model.Value) error {
	b, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO snapshots (tag_id, value) VALUES (?, ?)
		ON CONFLICT(tag_id) DO UPDATE SET value=excluded.value
	`, tagID.String(), string(b))
	return err
}

func (a *SqliteAdapter) GetSnapshot(ctx context.Context, tagID uuid.UUID) (*model.Value, error) {
	var raw string
	err := a.db.GetContext(ctx, &raw, `SELECT value FROM snapshots WHERE tag_id = ?`, tagID.String())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v model.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (a *SqliteAdapter) PutArchiveCandidate(ctx context.Context, tagID uuid.UUID, candidate model.ArchiveCandidate) error {
	b, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO archive_candidates (tag_id, candidate) VALUES (?, ?)
		ON CONFLICT(tag_id) DO UPDATE SET candidate=excluded.candidate
	`, tagID.String(), string(b))
	return err
}

func (a *SqliteAdapter) DeleteArchiveCandidate(ctx context.Context, tagID uuid.UUID) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM archive_candidates WHERE tag_id = ?`, tagID.String())
	return err
}

func (a *SqliteAdapter) GetArchiveCandidate(ctx context.Context, tagID uuid.UUID) (*model.ArchiveCandidate, error) {
	var raw string
	err := a.db.GetContext(ctx, &raw, `SELECT candidate FROM archive_candidates WHERE tag_id = ?`, tagID.String())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c model.ArchiveCandidate
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// BulkAppendArchive writes every doc for every partition in one
// transaction, auto-creating any table EnsureIndex was not already called
// for (write-behind flush races registry startup in practice).
func (a *SqliteAdapter) BulkAppendArchive(ctx context.Context, batch map[string][]ArchiveDoc) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for partition, docs := range batch {
		table, err := archiveTableName(ArchivePermanentPrefix, partition)
		if err != nil {
			return err
		}
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY, tag_id TEXT NOT NULL, sample_time_ns INTEGER NOT NULL, value TEXT NOT NULL
		)`, table)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO archive_partitions (table_name, suffix) VALUES (?, ?)
			ON CONFLICT(table_name) DO NOTHING
		`, table, partition); err != nil {
			return err
		}
		for _, d := range docs {
			b, err := json.Marshal(d.Value)
			if err != nil {
				return err
			}
			insert := fmt.Sprintf(`INSERT INTO %s (id, tag_id, sample_time_ns, value) VALUES (?, ?, ?, ?)`, table)
			if _, err := tx.ExecContext(ctx, insert, d.ID.String(), d.TagID.String(), d.Value.UtcSampleTime.UnixNano(), string(b)); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// archiveTables lists every archive partition table, newest-suffix first,
// from the archive_partitions bookkeeping table populated by EnsureIndex
// and BulkAppendArchive.
func (a *SqliteAdapter) archiveTables(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT table_name FROM archive_partitions ORDER BY suffix DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (a *SqliteAdapter) ListArchivePartitions(ctx context.Context) ([]PartitionInfo, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT table_name, suffix FROM archive_partitions ORDER BY suffix DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PartitionInfo
	for rows.Next() {
		var p PartitionInfo
		if err := rows.Scan(&p.Name, &p.Suffix); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (a *SqliteAdapter) DropArchivePartition(ctx context.Context, name string) error {
	if !partitionNameRe.MatchString(name) {
		return fmt.Errorf("sqlite adapter: invalid partition table name %q", name)
	}
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM archive_partitions WHERE table_name = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *SqliteAdapter) GetLatestArchived(ctx context.Context, tagID uuid.UUID) (*model.Value, error) {
	tables, err := a.archiveTables(ctx)
	if err != nil {
		return nil, err
	}
	for _, table := range tables {
		var raw string
		q := fmt.Sprintf(`SELECT value FROM %s WHERE tag_id = ? ORDER BY sample_time_ns DESC LIMIT 1`, table)
		err := a.db.GetContext(ctx, &raw, q, tagID.String())
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		var v model.Value
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		return &v, nil
	}
	return nil, nil
}

func (a *SqliteAdapter) Query(ctx context.Context, q Query) ([]model.Value, error) {
	tables, err := a.archiveTables(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(tables)

	var out []model.Value
	for _, table := range tables {
		sel := fmt.Sprintf(`SELECT value FROM %s WHERE tag_id = ? AND sample_time_ns >= ? AND sample_time_ns < ? ORDER BY sample_time_ns ASC`, table)
		rows, err := a.db.QueryContext(ctx, sel, q.TagID.String(), q.From, q.Until)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return nil, err
			}
			var v model.Value
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, v)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

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

func (a *SqliteAdapter) QueryAggregated(ctx context.Context, q Query, agg Aggregation) ([]Bucket, error) {
	return aggregateInMemory(ctx, a, q, agg)
}
