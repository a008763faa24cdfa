package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Default search parameters. A chunk is admitted when it is strong in either
// channel: semantically (vec_sim above the threshold) or lexically (keyword
// rank within the threshold). Aggregate RRF score alone never admits a chunk.
const (
	DefaultTopK             = 5
	DefaultVectorThreshold  = 0.65
	DefaultKeywordThreshold = 5
)

// Candidate is one row of the hybrid SQL query: a chunk with its per-channel
// ranks and the fused score. A nil rank means the chunk was absent from that
// channel's top-k.
type Candidate struct {
	ID       string
	Title    string
	Content  string
	VecSim   float64
	VecRank  *int
	KeyRank  *int
	RRFScore float64
}

// Item is an admitted knowledge chunk with its admission reason.
type Item struct {
	ID      string
	Title   string
	Content string
	Score   float64
	Reason  string // "semantic" or "keyword"
}

// KnowledgeStore is the storage contract the engine searches and ingests
// through. The Postgres implementation runs a single hybrid query combining
// pgvector cosine ordering with full-text ts_rank_cd ordering.
type KnowledgeStore interface {
	HybridSearch(ctx context.Context, tenantID string, vector []float32, query string, topK int) ([]Candidate, error)
	CreateChunk(ctx context.Context, tenantID, title, content string, vector []float32) (string, error)
	DeleteChunksByTitle(ctx context.Context, tenantID, titlePrefix string) (int64, error)
}

// Engine ties the embedder and the store together.
type Engine struct {
	store    KnowledgeStore
	embedder Embedder

	TopK             int
	VectorThreshold  float64
	KeywordThreshold int
}

// NewEngine builds a search engine with the default thresholds.
func NewEngine(store KnowledgeStore, embedder Embedder) *Engine {
	return &Engine{
		store:            store,
		embedder:         embedder,
		TopK:             DefaultTopK,
		VectorThreshold:  DefaultVectorThreshold,
		KeywordThreshold: DefaultKeywordThreshold,
	}
}

// Search embeds the query, runs the hybrid SQL, and applies the dual gate.
// Results are sorted by fused score descending.
func (e *Engine) Search(ctx context.Context, tenantID, query string) ([]Item, error) {
	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	candidates, err := e.store.HybridSearch(ctx, tenantID, vector, query, e.TopK)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	items := FilterCandidates(candidates, e.VectorThreshold, e.KeywordThreshold)
	slog.Debug("knowledge search",
		"tenant_id", tenantID,
		"candidates", len(candidates),
		"admitted", len(items),
	)
	return items, nil
}

// FilterCandidates applies the dual gate and sorts admitted chunks by RRF
// score descending. When both gates pass, "semantic" wins the reason label.
func FilterCandidates(candidates []Candidate, vectorThreshold float64, keywordThreshold int) []Item {
	items := make([]Item, 0, len(candidates))
	for _, c := range candidates {
		strongSemantic := c.VecSim > vectorThreshold
		strongKeyword := c.KeyRank != nil && *c.KeyRank <= keywordThreshold
		if !strongSemantic && !strongKeyword {
			continue
		}
		reason := "keyword"
		if strongSemantic {
			reason = "semantic"
		}
		items = append(items, Item{
			ID:      c.ID,
			Title:   c.Title,
			Content: c.Content,
			Score:   c.RRFScore,
			Reason:  reason,
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	return items
}

// RRFScore fuses the two channel ranks with the conventional smoothing
// constant of 60. A missing rank contributes 0.
func RRFScore(vecRank, keyRank *int) float64 {
	score := 0.0
	if vecRank != nil {
		score += 1.0 / float64(60+*vecRank)
	}
	if keyRank != nil {
		score += 1.0 / float64(60+*keyRank)
	}
	return score
}

// IngestMarkdown splits markdown-ish text on blank lines and stores one chunk
// per block. Returns the number of chunks written.
func (e *Engine) IngestMarkdown(ctx context.Context, tenantID, titlePrefix, text string) (int, error) {
	return e.saveSplits(ctx, tenantID, titlePrefix, splitMarkdown(text))
}

// IngestText chunks flat text with a sliding window and stores the pieces.
func (e *Engine) IngestText(ctx context.Context, tenantID, titlePrefix, text string) (int, error) {
	return e.saveSplits(ctx, tenantID, titlePrefix, recursiveSplit(text, 1000, 200))
}

// DeleteDocument removes all chunks ingested under a title prefix.
func (e *Engine) DeleteDocument(ctx context.Context, tenantID, titlePrefix string) (int64, error) {
	return e.store.DeleteChunksByTitle(ctx, tenantID, titlePrefix)
}

func (e *Engine) saveSplits(ctx context.Context, tenantID, titlePrefix string, splits []string) (int, error) {
	title := titlePrefix
	if title == "" {
		title = "General Knowledge"
	}
	count := 0
	start := time.Now()
	for _, content := range splits {
		vector, err := e.embedder.EmbedDocument(ctx, content)
		if err != nil {
			return count, fmt.Errorf("embed document: %w", err)
		}
		if _, err := e.store.CreateChunk(ctx, tenantID, title, content, vector); err != nil {
			return count, fmt.Errorf("store chunk: %w", err)
		}
		count++
	}
	slog.Info("knowledge ingested",
		"tenant_id", tenantID,
		"title", title,
		"chunks", count,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return count, nil
}

func splitMarkdown(text string) []string {
	parts := strings.Split(text, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func recursiveSplit(text string, size, overlap int) []string {
	if len(text) <= size {
		return []string{text}
	}
	chunks := []string{}
	for start := 0; start < len(text); start += size - overlap {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
	}
	return chunks
}
