package pipeline

import (
	"log/slog"
	"sort"
	"strings"
)

// The model is prompted with the exact enum spellings but still drifts:
// "qualifying", "handoff", "Very-High" and friends all show up in production
// transcripts. Everything the model emits passes through these normalizers
// before it is allowed to touch a typed field.

var enumAliases = map[string]string{
	"qualifying":    "qualification",
	"qualified":     "qualification",
	"qualify":       "qualification",
	"greet":         "greeting",
	"price":         "pricing",
	"close":         "closed",
	"followups":     "followup",
	"follow_up":     "followup",
	"ghost":         "ghosted",
	"send":          "send_now",
	"wait":          "wait_schedule",
	"schedule":      "wait_schedule",
	"handoff":       "flag_attention",
	"escalate":      "flag_attention",
	"handoff_human": "flag_attention",
	"veryhigh":      "very_high",
	"positive":      "curious",
	"negative":      "annoyed",
	"frustrated":    "annoyed",
}

// canonicalize lowercases, trims, and folds separators before alias lookup.
func canonicalize(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.ReplaceAll(v, "-", "_")
	v = strings.ReplaceAll(v, " ", "_")
	if alias, ok := enumAliases[v]; ok {
		return alias
	}
	return v
}

// lcsLen computes the longest common subsequence length between a and b.
func lcsLen(a, b string) int {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			switch {
			case a[i-1] == b[j-1]:
				dp[i][j] = dp[i-1][j-1] + 1
			case dp[i-1][j] > dp[i][j-1]:
				dp[i][j] = dp[i-1][j]
			default:
				dp[i][j] = dp[i][j-1]
			}
		}
	}
	return dp[m][n]
}

// closest returns the valid value with the longest common subsequence against
// input, or "" when no candidate reaches the minimum overlap of 3.
func closest(input string, valid []string) string {
	best := ""
	bestScore := -1
	for _, candidate := range valid {
		if s := lcsLen(input, candidate); s > bestScore {
			bestScore = s
			best = candidate
		}
	}
	if bestScore >= 3 {
		return best
	}
	return ""
}

func normalizeEnum[T ~string](value string, valid map[string]T, field string, def T) T {
	if value == "" || value == "null" {
		return def
	}
	n := canonicalize(value)
	if out, ok := valid[n]; ok {
		if n != value {
			slog.Debug("enum normalized", "field", field, "raw", value, "value", string(out))
		}
		return out
	}
	keys := make([]string, 0, len(valid))
	for k := range valid {
		keys = append(keys, k)
	}
	// Sorted so LCS ties resolve to the same candidate on every run.
	sort.Strings(keys)
	if match := closest(n, keys); match != "" {
		slog.Warn("enum corrected", "field", field, "raw", value, "value", match)
		return valid[match]
	}
	slog.Warn("enum fallback", "field", field, "raw", value, "default", string(def))
	return def
}

// NormalizeStage parses a fuzzy stage string, falling back to def.
func NormalizeStage(value string, def ConversationStage) ConversationStage {
	valid := map[string]ConversationStage{
		"greeting": StageGreeting, "qualification": StageQualification,
		"pricing": StagePricing, "cta": StageCTA, "followup": StageFollowup,
		"closed": StageClosed, "lost": StageLost, "ghosted": StageGhosted,
	}
	return normalizeEnum(value, valid, "stage", def)
}

// NormalizeAction parses a fuzzy decision action string, falling back to def.
func NormalizeAction(value string, def DecisionAction) DecisionAction {
	valid := map[string]DecisionAction{
		"send_now": ActionSendNow, "wait_schedule": ActionWaitSchedule,
		"flag_attention": ActionFlagAttention, "initiate_cta": ActionInitiateCTA,
	}
	return normalizeEnum(value, valid, "action", def)
}

// NormalizeIntent parses a fuzzy intent level string, falling back to def.
func NormalizeIntent(value string, def IntentLevel) IntentLevel {
	valid := map[string]IntentLevel{
		"low": IntentLow, "medium": IntentMedium, "high": IntentHigh,
		"very_high": IntentVeryHigh, "unknown": IntentUnknown,
	}
	return normalizeEnum(value, valid, "intent_level", def)
}

// NormalizeSentiment parses a fuzzy sentiment string, falling back to def.
func NormalizeSentiment(value string, def UserSentiment) UserSentiment {
	valid := map[string]UserSentiment{
		"neutral": SentimentNeutral, "curious": SentimentCurious,
		"annoyed": SentimentAnnoyed, "distrustful": SentimentDistrustful,
		"confused": SentimentConfused, "disappointed": SentimentDisappointed,
		"uninterested": SentimentUninterested,
	}
	return normalizeEnum(value, valid, "user_sentiment", def)
}

// NormalizeRisk parses a fuzzy risk level string, falling back to def.
func NormalizeRisk(value string, def RiskLevel) RiskLevel {
	valid := map[string]RiskLevel{
		"low": RiskLow, "medium": RiskMedium, "high": RiskHigh,
	}
	return normalizeEnum(value, valid, "risk", def)
}
