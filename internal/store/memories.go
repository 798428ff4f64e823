package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/groundwork/internal/memory"
	"go.uber.org/zap"
)

// MemoryStore implements memory.Store on PostgreSQL. Writes for one owner
// are serialized with a transaction-scoped advisory lock.
type MemoryStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

const recordColumns = `id, owner_id, content, memory_type, quality_score, relevance_score,
	priority, retention, tags, created_at, expires_at`

// Query returns the owner's unexpired records matching f, newest first.
func (m *MemoryStore) Query(ctx context.Context, ownerID string, f memory.Filter) ([]memory.Record, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	args := []any{ownerID, now.UTC()}
	where := []string{"owner_id = $1", "(expires_at IS NULL OR expires_at > $2)"}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		where = append(where, "memory_type = ANY("+arg(types)+")")
	}
	if len(f.Retentions) > 0 {
		rets := make([]string, len(f.Retentions))
		for i, r := range f.Retentions {
			rets[i] = string(r)
		}
		where = append(where, "retention = ANY("+arg(rets)+")")
	}
	if len(f.Tags) > 0 {
		tags := make([]string, len(f.Tags))
		for i, t := range f.Tags {
			tags[i] = strings.ToLower(strings.TrimSpace(t))
		}
		where = append(where, "tags @> "+arg(tags))
	}
	if f.MinPriority != "" {
		where = append(where, "priority_rank >= "+arg(f.MinPriority.Rank()))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= "+arg(f.Since.UTC()))
	}

	q := `SELECT ` + recordColumns + ` FROM memory_records WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := m.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Upsert inserts a record or updates scores, priority, tags and expiry of an
// existing one. A row owned by somebody else is left untouched.
func (m *MemoryStore) Upsert(ctx context.Context, rec memory.Record) (string, error) {
	rec.Normalize(time.Now().UTC())
	if err := rec.Validate(); err != nil {
		return "", err
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.OwnerID); err != nil {
		return "", fmt.Errorf("lock owner %s: %w", rec.OwnerID, err)
	}

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO memory_records (id, owner_id, content, memory_type, quality_score, relevance_score,
		                            priority, priority_rank, retention, tags, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			quality_score = EXCLUDED.quality_score,
			relevance_score = EXCLUDED.relevance_score,
			priority = EXCLUDED.priority,
			priority_rank = EXCLUDED.priority_rank,
			tags = EXCLUDED.tags,
			expires_at = CASE WHEN memory_records.retention = 'permanent' THEN NULL ELSE EXCLUDED.expires_at END
		WHERE memory_records.owner_id = EXCLUDED.owner_id
		RETURNING id`,
		rec.ID, rec.OwnerID, rec.Content, string(rec.Type), rec.QualityScore, rec.RelevanceScore,
		string(rec.Priority), rec.Priority.Rank(), string(rec.Retention), tags, rec.CreatedAt, rec.ExpiresAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("upsert %s: %w", rec.ID, memory.ErrOwnerMismatch)
	}
	if err != nil {
		return "", fmt.Errorf("upsert memory %s: %w", rec.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit upsert: %w", err)
	}
	return id, nil
}

// Expire marks records as expired now. Permanent records drop to session
// retention so the expiry invariant holds.
func (m *MemoryStore) Expire(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := m.db.Exec(ctx, `
		UPDATE memory_records
		SET expires_at = $1,
		    retention = CASE WHEN retention = 'permanent' THEN 'session' ELSE retention END
		WHERE id = ANY($2)`, time.Now().UTC(), ids)
	if err != nil {
		return fmt.Errorf("expire memories: %w", err)
	}
	return nil
}

// Purge deletes records that expired before the cutoff.
func (m *MemoryStore) Purge(ctx context.Context, before time.Time) (int, error) {
	tag, err := m.db.Exec(ctx,
		`DELETE FROM memory_records WHERE expires_at IS NOT NULL AND expires_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge memories: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		m.logger.Debug("purged expired memories", zap.Int64("count", n))
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.db.Ping(ctx)
}

func scanRecord(row pgx.Row) (memory.Record, error) {
	var (
		rec            memory.Record
		typ, prio, ret string
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Content, &typ, &rec.QualityScore, &rec.RelevanceScore,
		&prio, &ret, &rec.Tags, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return rec, fmt.Errorf("scan memory: %w", err)
	}
	rec.Type = memory.Type(typ)
	rec.Priority = memory.Priority(prio)
	rec.Retention = memory.Retention(ret)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.ExpiresAt != nil {
		t := rec.ExpiresAt.UTC()
		rec.ExpiresAt = &t
	}
	if len(rec.Tags) == 0 {
		rec.Tags = nil
	}
	return rec, nil
}
