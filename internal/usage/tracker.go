// Package usage implements the cost-tracking supplement named in
// SPEC_FULL.md §6: an in-process token/cost tally the RPC router's
// limits.get method reads back, distinct from the provider-side token
// accounting spec.md §1 excludes as a non-goal (that's the provider's own
// billing ledger; this is the runtime's own running total).
//
// Grounded on the teacher's internal/agent/costtracker.go CostTracker,
// generalized from one process-wide tracker to one per session so
// concurrent sessions (spec.md §4.1) don't share a cost total.
package usage

import (
	"sync"
	"time"
)

// Pricing is per-million-token pricing for a model.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// TurnUsage records token counts and dollar cost for a single turn.
type TurnUsage struct {
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	RecordedAt   time.Time
}

// Tracker accumulates usage for one session. Safe for concurrent use
// since a session's turns run one at a time but limits.get may be called
// from a different connection mid-turn.
type Tracker struct {
	mu      sync.Mutex
	pricing map[string]Pricing
	turns   []TurnUsage
	total   float64
}

// NewTracker builds a Tracker, layering overrides over DefaultPricing.
func NewTracker(overrides map[string]Pricing) *Tracker {
	pricing := DefaultPricing()
	for k, v := range overrides {
		pricing[k] = v
	}
	return &Tracker{pricing: pricing}
}

// DefaultPricing gives built-in per-million-token rates for well-known
// models across the three provider families; unrecognized model IDs cost
// $0 rather than guessing.
func DefaultPricing() map[string]Pricing {
	return map[string]Pricing{
		"claude-sonnet-4-20250514":  {3.0, 15.0},
		"claude-opus-4-20250514":    {15.0, 75.0},
		"claude-haiku-4-5-20251001": {0.80, 4.0},
		"gpt-4o":       {2.50, 10.0},
		"gpt-4o-mini":  {0.15, 0.60},
		"gpt-4.1":      {2.0, 8.0},
		"gpt-4.1-mini": {0.40, 1.60},
		"gpt-4.1-nano": {0.10, 0.40},
		"o3":           {2.0, 8.0},
		"o3-mini":      {1.10, 4.40},
	}
}

// RecordTurn records one turn's token usage and returns that turn's cost.
func (t *Tracker) RecordTurn(model string, inputTokens, outputTokens int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cost := t.costFor(model, inputTokens, outputTokens)
	t.total += cost
	t.turns = append(t.turns, TurnUsage{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		RecordedAt:   time.Now(),
	})
	return cost
}

func (t *Tracker) costFor(model string, inputTokens, outputTokens int) float64 {
	p, ok := t.pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*p.InputPerMillion + float64(outputTokens)/1_000_000*p.OutputPerMillion
}

// Totals reports the running total cost and the count of turns recorded.
func (t *Tracker) Totals() (totalCost float64, turnCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total, len(t.turns)
}

// Registry hands out one Tracker per session ID, lazily creating them.
type Registry struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
	overrides map[string]Pricing
}

// NewRegistry builds a Registry; overrides apply to every Tracker it
// hands out.
func NewRegistry(overrides map[string]Pricing) *Registry {
	return &Registry{trackers: make(map[string]*Tracker), overrides: overrides}
}

// For returns (creating if needed) the Tracker for a session.
func (r *Registry) For(sessionID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[sessionID]
	if !ok {
		t = NewTracker(r.overrides)
		r.trackers[sessionID] = t
	}
	return t
}

// Drop removes a session's tracker, e.g. on history.clear_session.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackers, sessionID)
}
