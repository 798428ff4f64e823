package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/groundwork/internal/personalization"
)

// ProfileStore implements personalization.ProfileStore with one JSONB row
// per owner.
type ProfileStore struct {
	db *pgxpool.Pool
}

// Get loads the owner's profile.
func (p *ProfileStore) Get(ctx context.Context, ownerID string) (*personalization.Profile, error) {
	return scanProfile(p.db.QueryRow(ctx,
		`SELECT profile FROM learner_profiles WHERE owner_id = $1`, ownerID), ownerID)
}

func scanProfile(row pgx.Row, ownerID string) (*personalization.Profile, error) {
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, personalization.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", ownerID, err)
	}

	var prof personalization.Profile
	if err := json.Unmarshal(data, &prof); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", ownerID, err)
	}
	if prof.LearningStyleWeights == nil {
		prof.LearningStyleWeights = map[string]float64{}
	}
	if prof.TopicProficiency == nil {
		prof.TopicProficiency = map[string]float64{}
	}
	return &prof, nil
}

// Update reads, modifies and writes the owner's profile in one transaction
// that holds the owner's advisory lock, so replicas sharing the database
// cannot interleave.
func (p *ProfileStore) Update(ctx context.Context, ownerID string, fn personalization.UpdateFunc) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update profile: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "profile:"+ownerID); err != nil {
		return fmt.Errorf("lock profile %s: %w", ownerID, err)
	}

	cur, err := scanProfile(tx.QueryRow(ctx,
		`SELECT profile FROM learner_profiles WHERE owner_id = $1`, ownerID), ownerID)
	if errors.Is(err, personalization.ErrProfileNotFound) {
		cur, err = nil, nil
	}
	if err != nil {
		return err
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		return tx.Commit(ctx)
	}
	if err := writeProfile(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Save writes the profile under the owner's advisory lock.
func (p *ProfileStore) Save(ctx context.Context, prof *personalization.Profile) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save profile: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "profile:"+prof.OwnerID); err != nil {
		return fmt.Errorf("lock profile %s: %w", prof.OwnerID, err)
	}
	if err := writeProfile(ctx, tx, prof); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func writeProfile(ctx context.Context, tx pgx.Tx, prof *personalization.Profile) error {
	data, err := json.Marshal(prof)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", prof.OwnerID, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO learner_profiles (owner_id, profile, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE SET
			profile = EXCLUDED.profile,
			updated_at = EXCLUDED.updated_at`,
		prof.OwnerID, data, prof.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", prof.OwnerID, err)
	}
	return nil
}
