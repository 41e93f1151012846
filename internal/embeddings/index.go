package embeddings

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// DescriptionTemplate renders the text an Operation's embedding is computed
// over: "{name}: {description} ({method} {path or mcp tool})", truncated to
// maxRunes so a single pathological description cannot dominate a batch
// embedding call's token budget.
func DescriptionTemplate(op models.Operation, maxRunes int) string {
	target := op.Path
	if op.Method == models.MethodMCP {
		target = op.MCPToolName
	}
	var sb strings.Builder
	sb.WriteString(op.Name)
	sb.WriteString(": ")
	sb.WriteString(op.Description)
	sb.WriteString(" (")
	sb.WriteString(string(op.Method))
	sb.WriteString(" ")
	sb.WriteString(target)
	sb.WriteString(")")

	s := sb.String()
	if maxRunes <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes])
}

// Index computes and searches Operation embeddings. It holds no persistence
// of its own; a Store implementation is used when the catalog needs to
// survive process restarts, with an in-memory slice as the working set for
// k-NN search regardless of backing store.
type Index struct {
	provider Provider
}

// NewIndex constructs an Index backed by the given embedding provider.
func NewIndex(provider Provider) *Index {
	return &Index{provider: provider}
}

// EmbedOperations computes and attaches embeddings to each Operation's
// Embedding field in place, batching by the provider's MaxBatchSize.
func (idx *Index) EmbedOperations(ctx context.Context, ops []models.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	batchSize := idx.provider.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = len(ops)
	}
	dim := idx.provider.Dimension()

	for start := 0; start < len(ops); start += batchSize {
		end := start + batchSize
		if end > len(ops) {
			end = len(ops)
		}
		texts := make([]string, end-start)
		for i, op := range ops[start:end] {
			texts[i] = DescriptionTemplate(op, 2000)
		}
		vecs, err := idx.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed operations batch [%d:%d]: %w", start, end, err)
		}
		for i, vec := range vecs {
			setEmbedding(&ops[start+i], dim, vec)
		}
	}
	return nil
}

// EmbedQuery embeds a single search query string.
func (idx *Index) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return idx.provider.Embed(ctx, text)
}

func setEmbedding(op *models.Operation, dim int, vec []float32) {
	switch dim {
	case 1536:
		op.Embedding = models.Embedding{Vec1536: vec}
	case 768:
		op.Embedding = models.Embedding{Vec768: vec}
	default:
		// Unsupported width: store under the wider column so Vector() still
		// returns something usable for brute-force search.
		op.Embedding = models.Embedding{Vec1536: vec}
	}
}

// Scored pairs an Operation with its similarity score against a query.
type Scored struct {
	Operation models.Operation
	Score     float32
}

// NearestOperations returns the k Operations in ops whose embedding is
// closest to queryVec by cosine similarity, highest score first. Operations
// whose embedding width does not match the query's are skipped: the broker
// never mixes embedding dimensions within a single deployment, so a mismatch
// signals a stale or unembedded record rather than a comparable vector.
func NearestOperations(ops []models.Operation, queryVec []float32, k int) []Scored {
	if k <= 0 || len(queryVec) == 0 {
		return nil
	}
	scored := make([]Scored, 0, len(ops))
	for _, op := range ops {
		vec := op.Embedding.Vector()
		if len(vec) == 0 || len(vec) != len(queryVec) {
			continue
		}
		scored = append(scored, Scored{Operation: op, Score: cosineSimilarity(vec, queryVec)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Store persists Operation embeddings across process restarts. Implemented
// by PostgresStore (pgvector) for production deployments; callers that run
// without a database fall back to re-embedding from EmbedOperations on
// startup.
type Store interface {
	Upsert(ctx context.Context, ops []models.Operation) error
	Load(ctx context.Context, sourceID string) ([]models.Operation, error)
}

// PostgresStore persists Operation embeddings in dual pgvector columns,
// one per supported width (1536, 768), exactly one of which is populated
// per row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB. The caller owns the connection
// and is responsible for closing it.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert writes each Operation's embedding, keyed by Operation.ID.
func (s *PostgresStore) Upsert(ctx context.Context, ops []models.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO operation_embeddings (operation_id, source_id, embedding_1536, embedding_768)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (operation_id) DO UPDATE SET
			embedding_1536 = EXCLUDED.embedding_1536,
			embedding_768 = EXCLUDED.embedding_768
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, op := range ops {
		vec1536 := encodeVector(op.Embedding.Vec1536)
		vec768 := encodeVector(op.Embedding.Vec768)
		if _, err := stmt.ExecContext(ctx, op.ID, op.SourceID, vec1536, vec768); err != nil {
			return fmt.Errorf("upsert operation %s: %w", op.ID, err)
		}
	}
	return tx.Commit()
}

// Load reads back embeddings for every operation belonging to a Source,
// keyed by operation_id; callers join the result against their in-memory
// Operation catalog by ID.
func (s *PostgresStore) Load(ctx context.Context, sourceID string) ([]models.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, embedding_1536, embedding_768
		FROM operation_embeddings
		WHERE source_id = $1
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query operation_embeddings: %w", err)
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		var id string
		var v1536, v768 sql.NullString
		if err := rows.Scan(&id, &v1536, &v768); err != nil {
			return nil, fmt.Errorf("scan operation_embeddings: %w", err)
		}
		ops = append(ops, models.Operation{
			ID:       id,
			SourceID: sourceID,
			Embedding: models.Embedding{
				Vec1536: decodeVector(v1536),
				Vec768:  decodeVector(v768),
			},
		})
	}
	return ops, rows.Err()
}

func encodeVector(v []float32) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sql.NullString{String: sb.String(), Valid: true}
}

func decodeVector(s sql.NullString) []float32 {
	if !s.Valid || s.String == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(s.String, "["), "]")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%f", &f); err != nil {
			return nil
		}
		vec[i] = float32(f)
	}
	return vec
}
