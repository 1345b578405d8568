// Package sampling implements the safety wrapper around server-initiated LLM
// calls: template allowlist, per-workspace rate limiting, prompt redaction,
// and a three-tier fallback chain.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/stationd/stationd/pkg/config"
)

// Source identifies which tier produced a sampling result.
type Source string

// Sampling result sources, in fallback order.
const (
	SourceMCPSampling Source = "mcp_sampling"
	SourceWSLLM       Source = "ws_llm"
	SourcePendingCard Source = "pending_card"
)

// Fallback reasons recorded on a result that skipped tier 1, plus the tier-2
// marker appended when the workspace LLM also failed.
const (
	ReasonTemplateNotAllowed = "template_not_allowed"
	ReasonRateLimitExceeded  = "rate_limit_exceeded"
	ReasonSamplingFailed     = "sampling_failed"
	ReasonSamplingTimeout    = "sampling_timeout"
	ReasonFallbackFailed     = "ws_llm_failed"
)

// ErrSamplingNotSupported signals that the connected client cannot serve
// sampling requests; the gate proceeds directly to the WS LLM tier.
var ErrSamplingNotSupported = errors.New("sampling not supported by client")

// Fn is a gated call returning template-specific structured data.
type Fn func(ctx context.Context) (map[string]any, error)

// PendingCardFn creates a placeholder item for human review when both LLM
// tiers fail.
type PendingCardFn func(ctx context.Context) error

// Result is the outcome of a gated call.
type Result struct {
	Source    Source         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Err       error          `json:"-"`
	LatencyMS int64          `json:"latency_ms"`
}

// Gate enforces the sampling policy. Safe for concurrent use.
type Gate struct {
	logger  *slog.Logger
	cfg     config.SamplingConfig
	limiter *slidingWindow
	now     func() time.Time
}

// NewGate builds a sampling gate from the configured policy.
func NewGate(logger *slog.Logger, cfg config.SamplingConfig) *Gate {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = config.DefaultSamplingRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = config.DefaultSamplingWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultSamplingTimeout
	}
	if len(cfg.AllowedTemplates) == 0 {
		cfg.AllowedTemplates = config.DefaultAllowedTemplates()
	}
	return &Gate{
		logger:  logger.With("component", "sampling_gate"),
		cfg:     cfg,
		limiter: newSlidingWindow(cfg.RateLimit, cfg.RateWindow),
		now:     time.Now,
	}
}

// WithFallback runs samplingFn under the gate policy, falling back to
// fallbackFn (workspace LLM) and finally pendingCardFn. The returned Result
// always carries a Source; Err is set once both LLM tiers have failed, even
// when the pending card was created.
func (g *Gate) WithFallback(ctx context.Context, samplingFn, fallbackFn Fn, workspaceID, template string, pendingCardFn PendingCardFn) *Result {
	start := g.now()
	finish := func(r *Result) *Result {
		r.LatencyMS = g.now().Sub(start).Milliseconds()
		return r
	}

	if !slices.Contains(g.cfg.AllowedTemplates, template) {
		g.logger.Warn("sampling template not allowed",
			"template", template, "workspace_id", workspaceID)
		return finish(g.fallback(ctx, fallbackFn, pendingCardFn, ReasonTemplateNotAllowed))
	}

	if !g.limiter.Allow(workspaceID, g.now()) {
		g.logger.Info("sampling rate limit exceeded",
			"workspace_id", workspaceID, "template", template)
		return finish(g.fallback(ctx, fallbackFn, pendingCardFn, ReasonRateLimitExceeded))
	}

	sctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	data, err := samplingFn(sctx)
	if err == nil {
		return finish(&Result{Source: SourceMCPSampling, Data: data})
	}

	reason := ReasonSamplingFailed
	if errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonSamplingTimeout
	}
	g.logger.Warn("sampling call failed, falling back",
		"workspace_id", workspaceID, "template", template,
		"reason", reason, "error", err)
	return finish(g.fallback(ctx, fallbackFn, pendingCardFn, reason))
}

// fallback runs tiers 2 and 3. When the workspace LLM also fails, the
// result's Reason and Err carry both skip reasons so the caller sees the
// whole chain, not just the first miss.
func (g *Gate) fallback(ctx context.Context, fallbackFn Fn, pendingCardFn PendingCardFn, reason string) *Result {
	var tierErr error
	if fallbackFn != nil {
		data, err := fallbackFn(ctx)
		if err == nil {
			return &Result{Source: SourceWSLLM, Data: data, Reason: reason}
		}
		g.logger.Warn("workspace LLM fallback failed", "reason", reason, "error", err)
		reason = reason + "; " + ReasonFallbackFailed
		tierErr = fmt.Errorf("%s: %w", reason, err)
	}

	if pendingCardFn != nil {
		if err := pendingCardFn(ctx); err != nil {
			g.logger.Error("pending card creation failed", "error", err)
			return &Result{Source: SourcePendingCard, Reason: reason, Err: errors.Join(tierErr, err)}
		}
		return &Result{Source: SourcePendingCard, Reason: reason, Err: tierErr}
	}
	if tierErr == nil {
		tierErr = errors.New("all sampling tiers failed")
	}
	return &Result{Source: SourcePendingCard, Reason: reason, Err: tierErr}
}
