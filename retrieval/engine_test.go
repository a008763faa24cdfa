package retrieval

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestFilterCandidatesDualGate(t *testing.T) {
	tests := []struct {
		name       string
		candidate  Candidate
		admitted   bool
		wantReason string
	}{
		{
			name:       "strong semantic only",
			candidate:  Candidate{VecSim: 0.80, VecRank: intPtr(1)},
			admitted:   true,
			wantReason: "semantic",
		},
		{
			name:       "strong keyword only",
			candidate:  Candidate{VecSim: 0.20, KeyRank: intPtr(3)},
			admitted:   true,
			wantReason: "keyword",
		},
		{
			name:       "both strong prefers semantic",
			candidate:  Candidate{VecSim: 0.90, VecRank: intPtr(1), KeyRank: intPtr(1)},
			admitted:   true,
			wantReason: "semantic",
		},
		{
			name:      "weak in both channels",
			candidate: Candidate{VecSim: 0.50, VecRank: intPtr(2), KeyRank: intPtr(9)},
			admitted:  false,
		},
		{
			name:      "threshold is exclusive",
			candidate: Candidate{VecSim: 0.65, VecRank: intPtr(1)},
			admitted:  false,
		},
		{
			name:       "keyword boundary inclusive",
			candidate:  Candidate{VecSim: 0.10, KeyRank: intPtr(5)},
			admitted:   true,
			wantReason: "keyword",
		},
		{
			name:      "no keyword rank at all",
			candidate: Candidate{VecSim: 0.30},
			admitted:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := FilterCandidates([]Candidate{tt.candidate},
				DefaultVectorThreshold, DefaultKeywordThreshold)
			if !tt.admitted {
				assert.Empty(t, items)
				return
			}
			require.Len(t, items, 1)
			assert.Equal(t, tt.wantReason, items[0].Reason)
		})
	}
}

// A high aggregate fusion score must not admit a chunk that is weak in both
// channels.
func TestFilterCandidatesAggregateScoreNeverAdmits(t *testing.T) {
	weak := Candidate{
		VecSim:   0.60,
		VecRank:  intPtr(1),
		KeyRank:  intPtr(6),
		RRFScore: RRFScore(intPtr(1), intPtr(6)),
	}
	assert.Empty(t, FilterCandidates([]Candidate{weak},
		DefaultVectorThreshold, DefaultKeywordThreshold))
}

func TestFilterCandidatesSortsByScore(t *testing.T) {
	items := FilterCandidates([]Candidate{
		{ID: "low", VecSim: 0.70, RRFScore: 0.01},
		{ID: "high", VecSim: 0.70, RRFScore: 0.03},
		{ID: "mid", VecSim: 0.70, RRFScore: 0.02},
	}, DefaultVectorThreshold, DefaultKeywordThreshold)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"high", "mid", "low"},
		[]string{items[0].ID, items[1].ID, items[2].ID})
}

func TestRRFScore(t *testing.T) {
	assert.InDelta(t, 1.0/61, RRFScore(intPtr(1), nil), 1e-9)
	assert.InDelta(t, 1.0/63, RRFScore(nil, intPtr(3)), 1e-9)
	assert.InDelta(t, 1.0/61+1.0/62, RRFScore(intPtr(1), intPtr(2)), 1e-9)
	assert.Zero(t, RRFScore(nil, nil))
}

func TestProcessVector(t *testing.T) {
	long := make([]float32, EmbeddingDim+256)
	for i := range long {
		long[i] = 1
	}
	out := ProcessVector(long, EmbeddingDim)
	require.Len(t, out, EmbeddingDim)

	var norm float64
	for _, x := range out {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	// Zero vector passes through untouched.
	zero := ProcessVector(make([]float32, 4), EmbeddingDim)
	assert.Equal(t, []float32{0, 0, 0, 0}, zero)
}

func TestSplitMarkdown(t *testing.T) {
	got := splitMarkdown("# Title\n\nFirst block.\n\n\n\nSecond block.\n\n")
	assert.Equal(t, []string{"# Title", "First block.", "Second block."}, got)
	assert.Empty(t, splitMarkdown("\n\n\n"))
}

func TestRecursiveSplit(t *testing.T) {
	short := recursiveSplit("tiny", 1000, 200)
	assert.Equal(t, []string{"tiny"}, short)

	text := make([]byte, 2500)
	for i := range text {
		text[i] = 'a'
	}
	chunks := recursiveSplit(string(text), 1000, 200)
	require.True(t, len(chunks) >= 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 1000)
	}
	// Consecutive chunks overlap by the configured window.
	assert.Equal(t, chunks[0][800:], chunks[1][:200])
}

type stubEmbedder struct{ calls int }

func (s *stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	s.calls++
	return []float32{1, 0}, nil
}

func (s *stubEmbedder) EmbedDocument(context.Context, string) ([]float32, error) {
	s.calls++
	return []float32{1, 0}, nil
}

type stubStore struct {
	candidates []Candidate
	chunks     []string
	lastTopK   int
}

func (s *stubStore) HybridSearch(_ context.Context, _ string, _ []float32, _ string, topK int) ([]Candidate, error) {
	s.lastTopK = topK
	return s.candidates, nil
}

func (s *stubStore) CreateChunk(_ context.Context, _, _, content string, _ []float32) (string, error) {
	s.chunks = append(s.chunks, content)
	return "id", nil
}

func (s *stubStore) DeleteChunksByTitle(context.Context, string, string) (int64, error) {
	return int64(len(s.chunks)), nil
}

func TestEngineSearch(t *testing.T) {
	st := &stubStore{candidates: []Candidate{
		{ID: "a", VecSim: 0.9, VecRank: intPtr(1), RRFScore: 0.02},
		{ID: "b", VecSim: 0.1, RRFScore: 0.01},
	}}
	e := NewEngine(st, &stubEmbedder{})

	items, err := e.Search(context.Background(), "t1", "query")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, DefaultTopK, st.lastTopK)
}

func TestEngineIngestMarkdown(t *testing.T) {
	st := &stubStore{}
	e := NewEngine(st, &stubEmbedder{})

	n, err := e.IngestMarkdown(context.Background(), "t1", "faq", "Block one.\n\nBlock two.")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"Block one.", "Block two."}, st.chunks)
}
