package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelworks/leadline/store"
)

func validProfile() Profile {
	return Profile{
		Mode:                     "dev",
		InternalSecret:           "secret",
		DebounceWindowSeconds:    5,
		PipelineBudgetSeconds:    30,
		SchedulerIntervalSeconds: 60,
		FollowupBuckets:          "10-20:0,180-200:1,360-400:2",
	}
}

func TestValidateOK(t *testing.T) {
	p := validProfile()
	require.NoError(t, p.Validate())
}

func TestValidateUnknownModeFallsBackToDev(t *testing.T) {
	p := validProfile()
	p.Mode = "staging"
	require.NoError(t, p.Validate())
	assert.Equal(t, "dev", p.Mode)
	assert.True(t, p.IsDev())
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
	}{
		{"missing secret", func(p *Profile) { p.InternalSecret = "" }},
		{"zero debounce", func(p *Profile) { p.DebounceWindowSeconds = 0 }},
		{"zero budget", func(p *Profile) { p.PipelineBudgetSeconds = 0 }},
		{"zero interval", func(p *Profile) { p.SchedulerIntervalSeconds = 0 }},
		{"bad buckets", func(p *Profile) { p.FollowupBuckets = "nonsense" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProfile()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestParseFollowupBuckets(t *testing.T) {
	got, err := ParseFollowupBuckets("10-20:0, 180-200:1 ,360-400:2")
	require.NoError(t, err)
	want := []store.FollowupBucket{
		{MinMinutes: 10, MaxMinutes: 20, RequiredPriorCount: 0},
		{MinMinutes: 180, MaxMinutes: 200, RequiredPriorCount: 1},
		{MinMinutes: 360, MaxMinutes: 400, RequiredPriorCount: 2},
	}
	assert.Equal(t, want, got)
}

func TestParseFollowupBucketsEmptyUsesDefaults(t *testing.T) {
	got, err := ParseFollowupBuckets("  ")
	require.NoError(t, err)
	assert.Equal(t, store.DefaultFollowupBuckets(), got)
}

func TestParseFollowupBucketsInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing count", "10-20"},
		{"missing window", "10:0"},
		{"non-numeric min", "a-20:0"},
		{"non-numeric count", "10-20:x"},
		{"inverted window", "20-10:0"},
		{"negative count", "10-20:-1"},
		{"only commas", ",,,"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFollowupBuckets(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("LLM_BASE_URL", "http://llm.local/v1")
	t.Setenv("LLM_API_KEY", "k1")
	t.Setenv("EMBEDDING_BASE_URL", "")
	t.Setenv("EMBEDDING_API_KEY", "")
	t.Setenv("GATEWAY_PORT", "")
	t.Setenv("DEBOUNCE_WINDOW_SECONDS", "")
	t.Setenv("FOLLOWUP_BUCKETS", "")

	p := Profile{}
	p.FromEnv()

	assert.Equal(t, "http://llm.local/v1", p.EmbeddingBaseURL, "embeddings inherit the LLM endpoint")
	assert.Equal(t, "k1", p.EmbeddingAPIKey)
	assert.Equal(t, 8080, p.GatewayPort)
	assert.Equal(t, 8081, p.ServerPort)
	assert.Equal(t, 9090, p.MetricsPort)
	assert.Equal(t, 5, p.DebounceWindowSeconds)
	assert.Equal(t, 30, p.PipelineBudgetSeconds)
	assert.Equal(t, 60, p.SchedulerIntervalSeconds)
	assert.Equal(t, "10-20:0,180-200:1,360-400:2", p.FollowupBuckets)
}

func TestAddr(t *testing.T) {
	assert.Equal(t, ":8080", Addr(8080))
}
