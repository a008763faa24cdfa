package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/funnelworks/leadline/retrieval"
)

// hybridSearchQuery fuses the two retrieval channels in one statement: cosine
// ordering over pgvector on one side, ts_rank_cd over websearch_to_tsquery on
// the other, FULL OUTER JOINed and scored with reciprocal-rank fusion
// (1/(60+rank) per channel). Per-channel ranks survive into the result so the
// caller can apply its confidence gates.
const hybridSearchQuery = `
WITH vector_results AS (
	SELECT id, title, content,
		1 - (embedding <=> $2) AS vec_sim,
		ROW_NUMBER() OVER (ORDER BY embedding <=> $2) AS vec_rank
	FROM knowledge_chunk
	WHERE tenant_id = $1
	ORDER BY embedding <=> $2
	LIMIT $4
),
keyword_results AS (
	SELECT id, title, content,
		ROW_NUMBER() OVER (
			ORDER BY ts_rank_cd(to_tsvector('english', content),
				websearch_to_tsquery('english', $3)) DESC
		) AS key_rank
	FROM knowledge_chunk
	WHERE tenant_id = $1
	  AND to_tsvector('english', content) @@ websearch_to_tsquery('english', $3)
	LIMIT $4
)
SELECT
	COALESCE(v.id, k.id) AS id,
	COALESCE(v.title, k.title) AS title,
	COALESCE(v.content, k.content) AS content,
	COALESCE(v.vec_sim, 0) AS vec_sim,
	v.vec_rank,
	k.key_rank,
	COALESCE(1.0 / (60 + v.vec_rank), 0) + COALESCE(1.0 / (60 + k.key_rank), 0) AS rrf_score
FROM vector_results v
FULL OUTER JOIN keyword_results k ON v.id = k.id
ORDER BY rrf_score DESC
LIMIT $4`

// HybridSearch runs the fused vector+keyword query for one tenant.
func (d *DB) HybridSearch(ctx context.Context, tenantID string, vector []float32, query string, topK int) ([]retrieval.Candidate, error) {
	if topK <= 0 {
		topK = retrieval.DefaultTopK
	}
	rows, err := d.db.QueryContext(ctx, hybridSearchQuery,
		tenantID, pgvector.NewVector(vector), query, topK)
	if err != nil {
		return nil, errors.Wrap(err, "failed to run hybrid search")
	}
	defer rows.Close()

	candidates := []retrieval.Candidate{}
	for rows.Next() {
		var c retrieval.Candidate
		var vecRank, keyRank sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Title, &c.Content, &c.VecSim, &vecRank, &keyRank, &c.RRFScore); err != nil {
			return nil, errors.Wrap(err, "failed to scan search candidate")
		}
		if vecRank.Valid {
			r := int(vecRank.Int64)
			c.VecRank = &r
		}
		if keyRank.Valid {
			r := int(keyRank.Int64)
			c.KeyRank = &r
		}
		candidates = append(candidates, c)
	}
	return candidates, errors.Wrap(rows.Err(), "failed to iterate search candidates")
}

// CreateChunk stores one knowledge chunk with its embedding.
func (d *DB) CreateChunk(ctx context.Context, tenantID, title, content string, vector []float32) (string, error) {
	id := uuid.NewString()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO knowledge_chunk (id, tenant_id, title, content, embedding)
		VALUES ($1, $2, $3, $4, $5)`,
		id, tenantID, title, content, pgvector.NewVector(vector))
	if err != nil {
		return "", errors.Wrap(err, "failed to create knowledge chunk")
	}
	return id, nil
}

// DeleteChunksByTitle removes every chunk whose title starts with the prefix.
func (d *DB) DeleteChunksByTitle(ctx context.Context, tenantID, titlePrefix string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM knowledge_chunk
		WHERE tenant_id = $1 AND title LIKE $2 || '%'`, tenantID, titlePrefix)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete knowledge chunks")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "failed to read rows affected")
}
