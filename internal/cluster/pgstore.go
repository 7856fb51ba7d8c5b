package cluster

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// FeatureVectorStore persists feature vectors and answers nearest-neighbor
// queries for the community-affinity lookup. The in-memory Service above
// is sufficient for RunClustering itself; this store exists for deployments
// that want BestMatch to survive a process restart or scale beyond what
// fits in memory.
type FeatureVectorStore interface {
	Upsert(ctx context.Context, signature string, embedding []float32) error
	Nearest(ctx context.Context, embedding []float32, limit int) ([]string, error)
}

// PgVectorStore is a Postgres/pgvector-backed FeatureVectorStore: the
// usual pgxpool + pgvector-go nearest-neighbor query shape, applied to
// clustering feature vectors instead of text embeddings.
type PgVectorStore struct {
	pool *pgxpool.Pool
}

// NewPgVectorStore wraps an existing pool. Callers are expected to have
// already run a migration creating:
//
//	CREATE TABLE botwave_feature_vectors (
//	    signature TEXT PRIMARY KEY,
//	    embedding vector(16) NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
func NewPgVectorStore(pool *pgxpool.Pool) *PgVectorStore {
	return &PgVectorStore{pool: pool}
}

// Upsert writes or replaces a signature's feature embedding.
func (s *PgVectorStore) Upsert(ctx context.Context, signature string, embedding []float32) error {
	vec := pgvector.NewVector(embedding)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO botwave_feature_vectors (signature, embedding, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (signature) DO UPDATE SET embedding = $2, updated_at = now()
	`, signature, vec)
	if err != nil {
		return fmt.Errorf("cluster: upsert feature vector: %w", err)
	}
	return nil
}

// Nearest returns up to limit signatures ordered by ascending cosine
// distance to embedding, the community-affinity lookup behind the
// similarity-search detector.
func (s *PgVectorStore) Nearest(ctx context.Context, embedding []float32, limit int) ([]string, error) {
	vec := pgvector.NewVector(embedding)
	rows, err := s.pool.Query(ctx, `
		SELECT signature
		FROM botwave_feature_vectors
		ORDER BY embedding <=> $1
		LIMIT $2
	`, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("cluster: nearest feature vectors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return nil, fmt.Errorf("cluster: scan nearest row: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Embed flattens a FeatureVector's scalar dimensions into a fixed-length
// embedding suitable for pgvector storage and nearest-neighbor search.
func Embed(v FeatureVector) []float32 {
	return []float32{
		float32(v.TimingRegularity),
		float32(v.RequestRate),
		float32(v.PathDiversity),
		float32(v.PathEntropy),
		float32(v.AvgBotProbability),
		float32(boolToFloat(v.IsDatacenter)),
		float32(v.Drift.SelfDrift),
		float32(v.Drift.HumanDrift),
		float32(v.Drift.LoopScore),
		float32(v.Drift.SequenceSurprise),
		float32(v.Drift.TransitionNovelty),
		float32(v.Drift.EntropyDelta),
		float32(v.Lat),
		float32(v.Lon),
		0, 0, // reserved for future dimensions without a migration
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
