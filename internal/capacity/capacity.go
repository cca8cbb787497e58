// Package capacity estimates request size and picks a larger model when the
// configured one is too small.
package capacity

import (
	"maps"
	"math"
	"unicode/utf8"
)

// Capability describes the limits of one model.
type Capability struct {
	MaxTokens   int `koanf:"max_tokens" json:"max_tokens"`
	ContextSize int `koanf:"context_size" json:"context_size"`
}

// upgradeThreshold is the share of MaxTokens an estimated request may use
// before an upgrade is suggested.
const upgradeThreshold = 0.8

// charsPerToken is the rough English ratio used by EstimateTokens.
const charsPerToken = 4

// DefaultCapabilities is the built-in model table.
var DefaultCapabilities = map[string]Capability{
	"gpt-3.5-turbo":      {MaxTokens: 4096, ContextSize: 16384},
	"gpt-3.5-turbo-16k":  {MaxTokens: 16384, ContextSize: 16384},
	"gpt-4":              {MaxTokens: 8192, ContextSize: 32768},
	"gpt-4-32k":          {MaxTokens: 32768, ContextSize: 32768},
	"claude-2.1":         {MaxTokens: 12000, ContextSize: 100000},
	"claude-instant-1.2": {MaxTokens: 8000, ContextSize: 80000},
	"deepseek-chat":      {MaxTokens: 8192, ContextSize: 32768},
	"deepseek-coder":     {MaxTokens: 8192, ContextSize: 32768},
}

// DefaultFallbacks escalates each model to a larger one of the same family.
var DefaultFallbacks = map[string]string{
	"gpt-3.5-turbo":      "gpt-3.5-turbo-16k",
	"gpt-4":              "gpt-4-32k",
	"claude-instant-1.2": "claude-2.1",
	"deepseek-coder":     "deepseek-chat",
}

// Manager holds the capability and fallback tables. It is read-only after
// construction and safe for concurrent use.
type Manager struct {
	capabilities map[string]Capability
	fallbacks    map[string]string
}

// New builds a Manager from the defaults with overrides layered on top.
// Either override map may be nil.
func New(capabilities map[string]Capability, fallbacks map[string]string) *Manager {
	m := &Manager{
		capabilities: maps.Clone(DefaultCapabilities),
		fallbacks:    maps.Clone(DefaultFallbacks),
	}
	maps.Copy(m.capabilities, capabilities)
	maps.Copy(m.fallbacks, fallbacks)
	return m
}

// EstimateTokens approximates the token count as ceil(characters / 4).
// It is not a tokenizer.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return int(math.Ceil(float64(n) / charsPerToken))
}

// Capability returns the record for model.
func (m *Manager) Capability(model string) (Capability, bool) {
	c, ok := m.capabilities[model]
	return c, ok
}

// NeedsUpgrade reports whether content's estimated tokens exceed 80% of the
// model's MaxTokens. Unregistered models never need an upgrade.
func (m *Manager) NeedsUpgrade(model, content string) bool {
	c, ok := m.capabilities[model]
	if !ok || c.MaxTokens <= 0 {
		return false
	}
	return float64(EstimateTokens(content)) > float64(c.MaxTokens)*upgradeThreshold
}

// Fallback returns the registered escalation target for model.
func (m *Manager) Fallback(model string) (string, bool) {
	f, ok := m.fallbacks[model]
	return f, ok && f != ""
}

// Resolve follows the fallback chain from model while the current model is
// too small for content. It returns model itself when no upgrade is needed
// or none is registered. Cycles in the table stop the walk.
func (m *Manager) Resolve(model, content string) string {
	seen := map[string]bool{model: true}
	current := model

	for m.NeedsUpgrade(current, content) {
		next, ok := m.Fallback(current)
		if !ok || seen[next] {
			break
		}
		seen[next] = true
		current = next
	}

	return current
}

// UsagePercentage is totalTokens relative to model's MaxTokens, rounded to
// the nearest percent. ok is false for unregistered models.
func (m *Manager) UsagePercentage(model string, totalTokens int) (int, bool) {
	c, ok := m.capabilities[model]
	if !ok || c.MaxTokens <= 0 {
		return 0, false
	}
	return int(math.Round(float64(totalTokens) / float64(c.MaxTokens) * 100)), true
}
