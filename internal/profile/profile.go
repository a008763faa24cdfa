// Package profile materializes the runtime configuration for all roles of
// the process: gateway, state server, and worker.
package profile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/funnelworks/leadline/store"
)

// Profile is the configuration to start the services.
type Profile struct {
	Mode    string
	Version string

	// Database
	DSN string

	// Queue
	QueueURL  string
	AWSRegion string

	// LLM chat endpoint (OpenAI-compatible)
	LLMBaseURL string
	LLMModel   string
	LLMAPIKey  string

	// Embeddings endpoint (OpenAI-compatible)
	EmbeddingModel   string
	EmbeddingBaseURL string
	EmbeddingAPIKey  string

	// Internal RPC
	InternalBaseURL string
	InternalSecret  string

	// Provider webhook
	WhatsAppAppSecret   string
	WhatsAppVerifyToken string

	// Ports
	GatewayPort int
	ServerPort  int
	MetricsPort int

	// Timing knobs (seconds)
	DebounceWindowSeconds    int
	PipelineBudgetSeconds    int
	SchedulerIntervalSeconds int

	// FollowupBuckets is "min-max:count,..." in minutes, e.g.
	// "10-20:0,180-200:1,360-400:2".
	FollowupBuckets string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.DSN = getEnvOrDefault("DSN", p.DSN)

	p.QueueURL = getEnvOrDefault("QUEUE_URL", "")
	p.AWSRegion = getEnvOrDefault("AWS_REGION", "")

	p.LLMBaseURL = getEnvOrDefault("LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("LLM_MODEL", "")
	p.LLMAPIKey = getEnvOrDefault("LLM_API_KEY", "")

	p.EmbeddingModel = getEnvOrDefault("EMBEDDING_MODEL", "")
	p.EmbeddingBaseURL = getEnvOrDefault("EMBEDDING_BASE_URL", p.LLMBaseURL)
	p.EmbeddingAPIKey = getEnvOrDefault("EMBEDDING_API_KEY", p.LLMAPIKey)

	p.InternalBaseURL = getEnvOrDefault("INTERNAL_BASE_URL", "")
	p.InternalSecret = getEnvOrDefault("INTERNAL_SECRET", "")

	p.WhatsAppAppSecret = getEnvOrDefault("WHATSAPP_APP_SECRET", "")
	p.WhatsAppVerifyToken = getEnvOrDefault("WHATSAPP_VERIFY_TOKEN", "")

	p.GatewayPort = getEnvOrDefaultInt("GATEWAY_PORT", 8080)
	p.ServerPort = getEnvOrDefaultInt("SERVER_PORT", 8081)
	p.MetricsPort = getEnvOrDefaultInt("METRICS_PORT", 9090)

	p.DebounceWindowSeconds = getEnvOrDefaultInt("DEBOUNCE_WINDOW_SECONDS", 5)
	p.PipelineBudgetSeconds = getEnvOrDefaultInt("PIPELINE_BUDGET_SECONDS", 30)
	p.SchedulerIntervalSeconds = getEnvOrDefaultInt("SCHEDULER_INTERVAL_SECONDS", 60)

	p.FollowupBuckets = getEnvOrDefault("FOLLOWUP_BUCKETS", "10-20:0,180-200:1,360-400:2")
}

// Validate checks the knobs every role depends on. Role-specific requirements
// (queue url for the worker, app secret for the gateway) are enforced where
// those roles start.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.InternalSecret == "" {
		return errors.New("INTERNAL_SECRET is required")
	}
	if p.DebounceWindowSeconds <= 0 {
		return errors.New("DEBOUNCE_WINDOW_SECONDS must be positive")
	}
	if p.PipelineBudgetSeconds <= 0 {
		return errors.New("PIPELINE_BUDGET_SECONDS must be positive")
	}
	if p.SchedulerIntervalSeconds <= 0 {
		return errors.New("SCHEDULER_INTERVAL_SECONDS must be positive")
	}
	if _, err := ParseFollowupBuckets(p.FollowupBuckets); err != nil {
		return err
	}
	return nil
}

// ParseFollowupBuckets parses the "min-max:count,..." bucket list.
func ParseFollowupBuckets(raw string) ([]store.FollowupBucket, error) {
	if strings.TrimSpace(raw) == "" {
		return store.DefaultFollowupBuckets(), nil
	}
	buckets := []store.FollowupBucket{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		window, countStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, errors.Errorf("invalid followup bucket %q: missing count", part)
		}
		minStr, maxStr, ok := strings.Cut(window, "-")
		if !ok {
			return nil, errors.Errorf("invalid followup bucket %q: missing window", part)
		}
		minMinutes, err := strconv.Atoi(strings.TrimSpace(minStr))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid followup bucket %q", part)
		}
		maxMinutes, err := strconv.Atoi(strings.TrimSpace(maxStr))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid followup bucket %q", part)
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid followup bucket %q", part)
		}
		if minMinutes < 0 || maxMinutes < minMinutes || count < 0 {
			return nil, errors.Errorf("invalid followup bucket %q: window out of order", part)
		}
		buckets = append(buckets, store.FollowupBucket{
			MinMinutes:         minMinutes,
			MaxMinutes:         maxMinutes,
			RequiredPriorCount: count,
		})
	}
	if len(buckets) == 0 {
		return nil, errors.New("followup buckets are empty")
	}
	return buckets, nil
}

// Addr formats a listen address for a port.
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
