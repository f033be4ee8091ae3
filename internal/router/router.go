// Package router selects the inference tier and model for each
// invocation and keeps an audit trail of those decisions.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/planwright/internal/window"
)

// Request contains the information needed for a routing decision.
type Request struct {
	Signals        window.Signals
	RequiresSchema bool
	CallSite       string
	Entity         string
}

// Decision records why a tier and model were selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	CallSite       string         `json:"call_site"`
	Entity         string         `json:"entity"`
	Signals        window.Signals `json:"signals"`
	RequiresSchema bool           `json:"requires_schema"`

	RulesEvaluated []string `json:"rules_evaluated"`
	RulesMatched   []string `json:"rules_matched"`

	Tier          Tier   `json:"tier"`
	ModelSelected string `json:"model_selected"`
	Reasoning     string `json:"reasoning"`

	// Post-execution (filled in by RecordOutcome)
	LatencyMs  int64 `json:"latency_ms,omitempty"`
	TokensUsed int   `json:"tokens_used,omitempty"`
	Success    *bool `json:"success,omitempty"`
}

// Config holds router configuration.
type Config struct {
	Policy       Policy
	EconomyModel string
	CapableModel string
	MaxAuditLog  int // How many decisions to keep in memory
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	TierCounts    map[string]int64 `json:"tier_counts"`
	ModelCounts   map[string]int64 `json:"model_counts"`
	RuleCounts    map[string]int64 `json:"rule_counts"`
	AvgLatencyMs  map[string]int64 `json:"avg_latency_ms"`
	Failures      map[string]int64 `json:"failures"`
}

// Router wraps Select with model mapping and an audit log.
type Router struct {
	logger *slog.Logger
	config Config

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
	latency  map[string]latencyAcc
}

type latencyAcc struct {
	total int64
	n     int64
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	return &Router{
		logger:   logger,
		config:   config,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			TierCounts:   make(map[string]int64),
			ModelCounts:  make(map[string]int64),
			RuleCounts:   make(map[string]int64),
			AvgLatencyMs: make(map[string]int64),
			Failures:     make(map[string]int64),
		},
		latency: make(map[string]latencyAcc),
	}
}

// ModelFor maps a tier to its configured model.
func (r *Router) ModelFor(t Tier) string {
	if t == TierCapable {
		return r.config.CapableModel
	}
	return r.config.EconomyModel
}

// Route selects a tier and model for the request and records the decision.
func (r *Router) Route(ctx context.Context, req Request) (Tier, *Decision) {
	tier, matched := selectWithRules(req.Signals, r.config.Policy, req.RequiresSchema)

	d := &Decision{
		RequestID:      uuid.NewString(),
		Timestamp:      time.Now(),
		CallSite:       req.CallSite,
		Entity:         req.Entity,
		Signals:        req.Signals,
		RequiresSchema: req.RequiresSchema,
		RulesEvaluated: []string{RuleMedia, RuleEntities, RuleTurns, RuleSchema},
		RulesMatched:   matched,
		Tier:           tier,
		ModelSelected:  r.ModelFor(tier),
	}
	if len(matched) == 0 {
		d.Reasoning = "No capability rule matched; economy tier."
	} else {
		d.Reasoning = "Capable tier required by " + strings.Join(matched, ", ") + "."
	}

	r.recordDecision(*d)

	r.logger.Log(ctx, slog.LevelInfo, "model routed",
		"request_id", d.RequestID,
		"call_site", d.CallSite,
		"entity", d.Entity,
		"tier", tier.String(),
		"model", d.ModelSelected,
		"reasoning", d.Reasoning,
	)
	return tier, d
}

// RecordOutcome updates a decision with execution results.
func (r *Router) RecordOutcome(requestID string, latency time.Duration, tokensUsed int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID != requestID {
			continue
		}
		d := &r.auditLog[i]
		d.LatencyMs = latency.Milliseconds()
		d.TokensUsed = tokensUsed
		d.Success = &success

		model := d.ModelSelected
		if !success {
			r.stats.Failures[model]++
		}
		acc := r.latency[model]
		acc.total += d.LatencyMs
		acc.n++
		r.latency[model] = acc
		r.stats.AvgLatencyMs[model] = acc.total / acc.n
		return
	}
}

func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.TierCounts[d.Tier.String()]++
	r.stats.ModelCounts[d.ModelSelected]++
	for _, rule := range d.RulesMatched {
		r.stats.RuleCounts[rule]++
	}
}

// GetAuditLog returns up to limit of the most recent decisions.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a snapshot of routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		TotalRequests: r.stats.TotalRequests,
		TierCounts:    cloneCounts(r.stats.TierCounts),
		ModelCounts:   cloneCounts(r.stats.ModelCounts),
		RuleCounts:    cloneCounts(r.stats.RuleCounts),
		AvgLatencyMs:  cloneCounts(r.stats.AvgLatencyMs),
		Failures:      cloneCounts(r.stats.Failures),
	}
}

// Explain returns the decision with the given request ID, or nil.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}

func cloneCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
