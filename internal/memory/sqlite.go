package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// sqliteTime is a fixed-width UTC layout so that text comparison in SQL
// orders the same way as time comparison.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewSQLiteStore opens or creates the database at path. ":memory:" is accepted
// for ephemeral stores.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS memory_records (
		id              TEXT PRIMARY KEY,
		owner_id        TEXT NOT NULL,
		content         TEXT NOT NULL,
		memory_type     TEXT NOT NULL,
		quality_score   REAL NOT NULL DEFAULT 0,
		relevance_score REAL NOT NULL DEFAULT 0,
		priority        TEXT NOT NULL,
		priority_rank   INTEGER NOT NULL,
		retention       TEXT NOT NULL,
		tags            TEXT NOT NULL DEFAULT '[]',
		created_at      TEXT NOT NULL,
		expires_at      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_records_owner ON memory_records(owner_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_expires ON memory_records(expires_at);
	`)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Query returns the owner's unexpired records matching f, newest first.
func (s *SQLiteStore) Query(ctx context.Context, ownerID string, f Filter) ([]Record, error) {
	where := []string{"owner_id = ?", "(expires_at IS NULL OR expires_at > ?)"}
	args := []any{ownerID, f.clock().Format(sqliteTime)}

	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "memory_type IN ("+strings.Join(ph, ",")+")")
	}
	if len(f.Retentions) > 0 {
		ph := make([]string, len(f.Retentions))
		for i, r := range f.Retentions {
			ph[i] = "?"
			args = append(args, string(r))
		}
		where = append(where, "retention IN ("+strings.Join(ph, ",")+")")
	}
	for _, tag := range f.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(memory_records.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}
	if f.MinPriority != "" {
		where = append(where, "priority_rank >= ?")
		args = append(args, f.MinPriority.Rank())
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(sqliteTime))
	}

	q := `SELECT id, owner_id, content, memory_type, quality_score, relevance_score,
	             priority, retention, tags, created_at, expires_at
	      FROM memory_records WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Upsert inserts a record or updates scores and expiry of an existing one.
// The update is skipped when the stored row belongs to another owner.
func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	rec.Normalize(time.Now().UTC())
	if err := rec.Validate(); err != nil {
		return "", err
	}

	tags, err := json.Marshal(nonNilTags(rec.Tags))
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_records (id, owner_id, content, memory_type, quality_score, relevance_score,
		                             priority, priority_rank, retention, tags, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   quality_score = excluded.quality_score,
		   relevance_score = excluded.relevance_score,
		   priority = excluded.priority,
		   priority_rank = excluded.priority_rank,
		   tags = excluded.tags,
		   expires_at = CASE WHEN memory_records.retention = 'permanent' THEN NULL ELSE excluded.expires_at END
		 WHERE memory_records.owner_id = excluded.owner_id`,
		rec.ID, rec.OwnerID, rec.Content, string(rec.Type), rec.QualityScore, rec.RelevanceScore,
		string(rec.Priority), rec.Priority.Rank(), string(rec.Retention), string(tags),
		rec.CreatedAt.Format(sqliteTime), formatNullableTime(rec.ExpiresAt))
	if err != nil {
		return "", fmt.Errorf("upsert record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", fmt.Errorf("upsert %s: %w", rec.ID, ErrOwnerMismatch)
	}
	return rec.ID, nil
}

// Expire marks records as expired now.
func (s *SQLiteStore) Expire(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(sqliteTime)
	ph := make([]string, len(ids))
	args := []any{now}
	for i, id := range ids {
		ph[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE memory_records
		 SET expires_at = ?, retention = CASE WHEN retention = 'permanent' THEN 'session' ELSE retention END
		 WHERE id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("expire records: %w", err)
	}
	return nil
}

// Purge deletes records that expired before the cutoff.
func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_records WHERE expires_at IS NOT NULL AND expires_at < ?`,
		before.UTC().Format(sqliteTime))
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		rec                          Record
		typ, prio, ret, tags, create string
		expires                      sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Content, &typ, &rec.QualityScore,
		&rec.RelevanceScore, &prio, &ret, &tags, &create, &expires); err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.Type = Type(typ)
	rec.Priority = Priority(prio)
	rec.Retention = Retention(ret)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return Record{}, fmt.Errorf("decode tags: %w", err)
		}
		if len(rec.Tags) == 0 {
			rec.Tags = nil
		}
	}
	t, err := time.Parse(sqliteTime, create)
	if err != nil {
		return Record{}, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = t
	if expires.Valid {
		t, err := time.Parse(sqliteTime, expires.String)
		if err != nil {
			return Record{}, fmt.Errorf("parse expires_at: %w", err)
		}
		rec.ExpiresAt = &t
	}
	return rec, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTime)
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
