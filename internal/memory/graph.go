package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// GraphStore keeps memory records in Neo4j as (:Owner)-[:REMEMBERS]->(:Memory)
// with (:Memory)-[:TAGGED]->(:Tag) edges.
type GraphStore struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraphStore connects to Neo4j.
func NewGraphStore(uri, user, password string, logger *zap.Logger) (*GraphStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &GraphStore{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *GraphStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *GraphStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraint on memory ids.
func (s *GraphStore) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`, nil)
	return err
}

// Upsert merges the record node. Existing nodes only take new scores, tags
// and expiry, and only when the owner matches.
func (s *GraphStore) Upsert(ctx context.Context, rec Record) (string, error) {
	rec.Normalize(time.Now().UTC())
	if err := rec.Validate(); err != nil {
		return "", err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	owner, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (string, error) {
		res, err := tx.Run(ctx,
			`MERGE (m:Memory {id: $id})
			 ON CREATE SET m.owner_id = $ownerId, m.content = $content, m.memory_type = $type,
			               m.retention = $retention, m.created_at = $createdAt
			 WITH m
			 WHERE m.owner_id = $ownerId
			 SET m.quality_score = $quality, m.relevance_score = $relevance,
			     m.priority = $priority, m.priority_rank = $rank, m.tags = $tags,
			     m.expires_at = CASE WHEN m.retention = 'permanent' THEN null ELSE $expiresAt END
			 MERGE (o:Owner {id: $ownerId})
			 MERGE (o)-[:REMEMBERS]->(m)
			 WITH m
			 OPTIONAL MATCH (m)-[old:TAGGED]->(:Tag)
			 DELETE old
			 WITH DISTINCT m
			 FOREACH (tag IN $tags | MERGE (t:Tag {name: tag}) MERGE (m)-[:TAGGED]->(t))
			 RETURN m.owner_id AS owner`,
			map[string]any{
				"id":        rec.ID,
				"ownerId":   rec.OwnerID,
				"content":   rec.Content,
				"type":      string(rec.Type),
				"retention": string(rec.Retention),
				"createdAt": rec.CreatedAt.UnixMilli(),
				"quality":   rec.QualityScore,
				"relevance": rec.RelevanceScore,
				"priority":  string(rec.Priority),
				"rank":      rec.Priority.Rank(),
				"tags":      nonNilTags(rec.Tags),
				"expiresAt": millisOrNil(rec.ExpiresAt),
			})
		if err != nil {
			return "", err
		}
		if !res.Next(ctx) {
			return "", res.Err()
		}
		v, _ := res.Record().Get("owner")
		o, _ := v.(string)
		return o, nil
	})
	if err != nil {
		return "", fmt.Errorf("upsert memory node: %w", err)
	}
	if owner != rec.OwnerID {
		return "", fmt.Errorf("upsert %s: %w", rec.ID, ErrOwnerMismatch)
	}
	return rec.ID, nil
}

// Query returns the owner's unexpired records matching f, newest first.
func (s *GraphStore) Query(ctx context.Context, ownerID string, f Filter) ([]Record, error) {
	where := []string{"(m.expires_at IS NULL OR m.expires_at > $now)"}
	params := map[string]any{
		"ownerId": ownerID,
		"now":     f.clock().UnixMilli(),
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		where = append(where, "m.memory_type IN $types")
		params["types"] = types
	}
	if len(f.Retentions) > 0 {
		rets := make([]string, len(f.Retentions))
		for i, r := range f.Retentions {
			rets[i] = string(r)
		}
		where = append(where, "m.retention IN $retentions")
		params["retentions"] = rets
	}
	if len(f.Tags) > 0 {
		where = append(where, "all(t IN $tags WHERE t IN m.tags)")
		params["tags"] = f.Tags
	}
	if f.MinPriority != "" {
		where = append(where, "m.priority_rank >= $minRank")
		params["minRank"] = f.MinPriority.Rank()
	}
	if !f.Since.IsZero() {
		where = append(where, "m.created_at >= $since")
		params["since"] = f.Since.UnixMilli()
	}

	q := `MATCH (:Owner {id: $ownerId})-[:REMEMBERS]->(m:Memory)
	      WHERE ` + strings.Join(where, " AND ") + `
	      RETURN m.id AS id, m.owner_id AS owner, m.content AS content, m.memory_type AS type,
	             m.quality_score AS quality, m.relevance_score AS relevance,
	             m.priority AS priority, m.retention AS retention, m.tags AS tags,
	             m.created_at AS created, m.expires_at AS expires
	      ORDER BY m.created_at DESC`
	if f.Limit > 0 {
		q += " LIMIT $limit"
		params["limit"] = f.Limit
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, q, params)
	if err != nil {
		return nil, fmt.Errorf("query memory graph: %w", err)
	}

	var out []Record
	for result.Next(ctx) {
		out = append(out, graphRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read memory graph: %w", err)
	}
	return out, nil
}

// Expire sets the expiry of the given records to now.
func (s *GraphStore) Expire(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (m:Memory) WHERE m.id IN $ids
		 SET m.expires_at = $now,
		     m.retention = CASE WHEN m.retention = 'permanent' THEN 'session' ELSE m.retention END`,
		map[string]any{"ids": ids, "now": time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("expire memory nodes: %w", err)
	}
	return nil
}

// Purge detaches and deletes memory nodes that expired before the cutoff.
func (s *GraphStore) Purge(ctx context.Context, before time.Time) (int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory) WHERE m.expires_at IS NOT NULL AND m.expires_at < $before
		 WITH m, m.id AS id
		 DETACH DELETE m
		 RETURN count(id) AS purged`,
		map[string]any{"before": before.UnixMilli()})
	if err != nil {
		return 0, fmt.Errorf("purge memory nodes: %w", err)
	}

	var purged int
	if result.Next(ctx) {
		if v, ok := result.Record().Get("purged"); ok {
			if n, ok := v.(int64); ok {
				purged = int(n)
			}
		}
	}
	s.logger.Debug("memory graph purge complete", zap.Int("purged", purged))
	return purged, nil
}

func graphRecord(rec *neo4j.Record) Record {
	var r Record
	if v, ok := rec.Get("id"); ok && v != nil {
		r.ID = v.(string)
	}
	if v, ok := rec.Get("owner"); ok && v != nil {
		r.OwnerID = v.(string)
	}
	if v, ok := rec.Get("content"); ok && v != nil {
		r.Content = v.(string)
	}
	if v, ok := rec.Get("type"); ok && v != nil {
		r.Type = Type(v.(string))
	}
	if v, ok := rec.Get("quality"); ok && v != nil {
		r.QualityScore = v.(float64)
	}
	if v, ok := rec.Get("relevance"); ok && v != nil {
		r.RelevanceScore = v.(float64)
	}
	if v, ok := rec.Get("priority"); ok && v != nil {
		r.Priority = Priority(v.(string))
	}
	if v, ok := rec.Get("retention"); ok && v != nil {
		r.Retention = Retention(v.(string))
	}
	if v, ok := rec.Get("tags"); ok && v != nil {
		for _, t := range v.([]any) {
			if s, ok := t.(string); ok {
				r.Tags = append(r.Tags, s)
			}
		}
	}
	if v, ok := rec.Get("created"); ok && v != nil {
		r.CreatedAt = time.UnixMilli(v.(int64)).UTC()
	}
	if v, ok := rec.Get("expires"); ok && v != nil {
		t := time.UnixMilli(v.(int64)).UTC()
		r.ExpiresAt = &t
	}
	return r
}

func millisOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
