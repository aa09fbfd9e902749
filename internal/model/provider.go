// Package model defines the provider catalog and model-selection policy
// (§3, §4.1 C2 of the runtime spec): provider identity, thinking levels,
// model options, and the heuristics that map a selected model to a
// context window and an allowed set of thinking levels.
package model

import (
	"sort"
	"strings"
)

// Provider is the tagged variant identifying which backend a conversation
// or request targets. Externally ordered: Primary, Secondary, Router.
type Provider int

const (
	Primary Provider = iota
	Secondary
	Router
)

// Providers lists the three provider variants in catalog order.
func Providers() []Provider { return []Provider{Primary, Secondary, Router} }

func (p Provider) String() string {
	switch p {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	case Router:
		return "router"
	default:
		return "unknown"
	}
}

// ParseProvider parses a provider's string form. The open question in the
// source material about a two-provider legacy order ([]string{"primary",
// "router"}) is explicitly not honored here: callers always get the
// three-provider order defined by Providers().
func ParseProvider(s string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return Primary, true
	case "secondary":
		return Secondary, true
	case "router":
		return Router, true
	default:
		return 0, false
	}
}

// ThinkingLevel is an ordered reasoning-effort hint. Provider adapters
// restrict the allowed subset per model.
type ThinkingLevel int

const (
	Off ThinkingLevel = iota
	Minimal
	Low
	Medium
	High
	XHigh
)

func (t ThinkingLevel) String() string {
	switch t {
	case Off:
		return "off"
	case Minimal:
		return "minimal"
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case XHigh:
		return "xhigh"
	default:
		return "unknown"
	}
}

// AllThinkingLevels returns the ordered enum, OFF first.
func AllThinkingLevels() []ThinkingLevel {
	return []ThinkingLevel{Off, Minimal, Low, Medium, High, XHigh}
}

// ModelOption describes one selectable model in the catalog.
type ModelOption struct {
	ID                      string
	Provider                Provider
	Label                   string
	Description             string
	SupportedThinkingLevels []ThinkingLevel // nil = provider default subset
	DefaultThinkingLevel    ThinkingLevel
	ContextWindowTokens     int      // 0 = unknown, inferred at runtime
	RoutingProviders        []string // Router-only: sub-providers it may pick from
}

// AllowedThinkingLevels returns the levels this option accepts, falling
// back to the provider's own default subset when the catalog entry does
// not specify one.
func (m ModelOption) AllowedThinkingLevels() []ThinkingLevel {
	if len(m.SupportedThinkingLevels) > 0 {
		return m.SupportedThinkingLevels
	}
	return DefaultAllowedThinkingLevels(m.Provider)
}

// DefaultAllowedThinkingLevels gives each provider's default subset when a
// ModelOption doesn't name one explicitly.
func DefaultAllowedThinkingLevels(p Provider) []ThinkingLevel {
	switch p {
	case Primary:
		return []ThinkingLevel{Off, Low, Medium, High}
	case Secondary:
		return []ThinkingLevel{Off, Minimal, Low, Medium, High, XHigh}
	case Router:
		return []ThinkingLevel{Off, Low, Medium, High}
	default:
		return []ThinkingLevel{Off}
	}
}

// SupportsThinkingLevel reports whether the given level is in the option's
// allowed subset.
func (m ModelOption) SupportsThinkingLevel(level ThinkingLevel) bool {
	for _, l := range m.AllowedThinkingLevels() {
		if l == level {
			return true
		}
	}
	return false
}

// Catalog is the in-memory model list consumed by the selection policy.
// Model catalog discovery itself (fetching the live list from each
// provider) is out of scope per spec.md §1; callers populate it via
// NewCatalog.
type Catalog struct {
	options []ModelOption
}

// NewCatalog builds a catalog from an explicit option list.
func NewCatalog(options []ModelOption) *Catalog {
	return &Catalog{options: append([]ModelOption(nil), options...)}
}

// Options returns the catalog ordered by Provider, then by ID, matching
// the external provider ordering (Primary, Secondary, Router).
func (c *Catalog) Options() []ModelOption {
	out := make([]ModelOption, len(c.options))
	copy(out, c.options)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Find looks up a model by stable ID.
func (c *Catalog) Find(id string) (ModelOption, bool) {
	for _, o := range c.options {
		if o.ID == id {
			return o, true
		}
	}
	return ModelOption{}, false
}

// ForProvider returns all catalog entries belonging to one provider, in
// catalog order.
func (c *Catalog) ForProvider(p Provider) []ModelOption {
	var out []ModelOption
	for _, o := range c.options {
		if o.Provider == p {
			out = append(out, o)
		}
	}
	return out
}

// NormalizeModelID trims whitespace and lower-cases provider-qualified
// prefixes (e.g. "Primary/claude-x" -> "claude-x") so catalog lookups are
// forgiving of UI-entered IDs. Grounded on the teacher's
// provider.OpenAIProvider baseURL-sniffing normalization style in
// internal/provider/openai.go.
func NormalizeModelID(raw string) string {
	id := strings.TrimSpace(raw)
	if i := strings.IndexByte(id, '/'); i >= 0 {
		prefix := strings.ToLower(id[:i])
		if _, ok := ParseProvider(prefix); ok {
			id = id[i+1:]
		}
	}
	return id
}

const (
	minContextWindow     = 8_000
	maxContextWindow     = 2_000_000
	defaultContextWindow = 272_000
)

// ContextWindowFor returns the context window for a model, preferring the
// catalog's explicit ContextWindowTokens, falling back to label/id
// inference (mirroring provider.OpenAIProvider.ContextWindow()'s
// strings.Contains heuristics), then a default, clamped to
// [minContextWindow, maxContextWindow] per spec.md §4.6.
func ContextWindowFor(opt ModelOption) int {
	window := opt.ContextWindowTokens
	if window <= 0 {
		window = inferContextWindow(opt.ID, opt.Label)
	}
	return clamp(window, minContextWindow, maxContextWindow)
}

func inferContextWindow(id, label string) int {
	s := strings.ToLower(id + " " + label)
	switch {
	case strings.Contains(s, "nano"):
		return 64_000
	case strings.Contains(s, "mini"):
		return 128_000
	default:
		return defaultContextWindow
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
