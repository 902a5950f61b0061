// Package config handles vault-aware configuration loading for Cinder.
//
// Configuration is assembled from two tiers of YAML documents: repo
// defaults shipped alongside the binary, and operator overrides stored
// under the vault. Each load produces an immutable [Bundle]; the only
// field that mutates after a load is the agent state slot, which the
// agent registry writes into as agents run.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Origin identifies which tier a configuration document came from.
type Origin string

const (
	// OriginRepo marks a document from the repo-default tier.
	OriginRepo Origin = "repo-default"
	// OriginVault marks a document from the vault-override tier.
	// Vault documents merge after repo documents and win on conflict.
	OriginVault Origin = "vault-override"
)

// Source identifies one document that contributed to a merged bundle.
type Source struct {
	Path   string
	Origin Origin
}

// Readiness describes whether a bundle is usable by components that
// need a healthy configuration.
type Readiness string

const (
	// ReadinessReady means the vault resolved and the merged tree
	// passed schema validation.
	ReadinessReady Readiness = "ready"
	// ReadinessMissing means the vault directory does not exist.
	ReadinessMissing Readiness = "missing"
	// ReadinessInvalid means the vault path is not a directory or the
	// merged tree failed schema validation.
	ReadinessInvalid Readiness = "invalid"
)

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic records a recoverable configuration problem. Diagnostics
// are purely additive within one load cycle; a fresh load starts with
// an empty list.
type Diagnostic struct {
	Severity Severity
	Message  string
	// Source is the offending file or directory, when known.
	Source string
}

// AgentStatus is the outcome class of a single agent run.
type AgentStatus string

const (
	StatusCompleted AgentStatus = "completed"
	StatusPartial   AgentStatus = "partial"
	StatusSkipped   AgentStatus = "skipped"
	StatusDegraded  AgentStatus = "degraded"
	StatusError     AgentStatus = "error"
)

// AgentResult is the record an agent handler produces for one run.
// The registry retains only the most recent result per agent.
type AgentResult struct {
	Status    AgentStatus    `json:"status"`
	Detail    string         `json:"detail"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bundle is the result of one configuration load: the merged tree, the
// documents that produced it, readiness, diagnostics, and the agent
// state slot. A bundle is created fresh on every load (including
// override writes and explicit revalidation) and is never mutated
// afterwards except for appending diagnostics and agent results during
// the load/bootstrap cycle that owns it.
type Bundle struct {
	// VaultDir is the resolved vault root for this load.
	VaultDir string
	// Readiness is the bundle health classification.
	Readiness Readiness
	// Merged is the deep-merged configuration tree.
	Merged map[string]any
	// Sources lists contributing documents in merge order.
	Sources []Source
	// LogPath is where the runtime log for this cycle lives, if
	// logging was initialized. Informational only.
	LogPath string

	mu          sync.RWMutex
	diagnostics []Diagnostic
	agentState  map[string]AgentResult
}

// Ready reports whether the bundle readiness is [ReadinessReady].
func (b *Bundle) Ready() bool {
	return b.Readiness == ReadinessReady
}

// AddDiagnostic appends a diagnostic to the bundle. Safe for use from
// agent handlers while the API server reads the bundle.
func (b *Bundle) AddDiagnostic(d Diagnostic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.diagnostics = append(b.diagnostics, d)
}

// Diagnostics returns a copy of the accumulated diagnostics.
func (b *Bundle) Diagnostics() []Diagnostic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Diagnostic, len(b.diagnostics))
	copy(out, b.diagnostics)
	return out
}

// HasErrors reports whether any diagnostic has error severity.
func (b *Bundle) HasErrors() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, d := range b.diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// SetAgentResult records the latest result for an agent. Each agent is
// permitted to write only its own entry; the registry enforces this by
// being the sole caller.
func (b *Bundle) SetAgentResult(name string, r AgentResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.agentState == nil {
		b.agentState = make(map[string]AgentResult)
	}
	b.agentState[name] = r
}

// AgentResult returns the latest recorded result for an agent.
func (b *Bundle) AgentResult(name string) (AgentResult, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.agentState[name]
	return r, ok
}

// AgentState returns a copy of the full agent state map.
func (b *Bundle) AgentState() map[string]AgentResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]AgentResult, len(b.agentState))
	for k, v := range b.agentState {
		out[k] = v
	}
	return out
}

// Get looks up a dotted key (e.g. "logging.level") in the merged tree.
func (b *Bundle) Get(dotted string) (any, bool) {
	return Lookup(b.Merged, dotted)
}

// Section returns the named top-level mapping, or an empty map when
// the key is absent or not a mapping. Agents use this to read their
// namespaced block without nil checks.
func (b *Bundle) Section(name string) map[string]any {
	if v, ok := b.Merged[name]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

// String returns the string value at a dotted key, or def.
func (b *Bundle) String(dotted, def string) string {
	if v, ok := b.Get(dotted); ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return def
}

// Bool returns the boolean value at a dotted key, or def.
func (b *Bundle) Bool(dotted string, def bool) bool {
	if v, ok := b.Get(dotted); ok {
		if x, ok := v.(bool); ok {
			return x
		}
	}
	return def
}

// Int returns the integer value at a dotted key, or def.
func (b *Bundle) Int(dotted string, def int) int {
	if v, ok := b.Get(dotted); ok {
		switch x := v.(type) {
		case int:
			return x
		case int64:
			return int(x)
		case float64:
			return int(x)
		}
	}
	return def
}

// Float returns the numeric value at a dotted key, or def. YAML
// decodes whole numbers as int, so both forms are accepted.
func (b *Bundle) Float(dotted string, def float64) float64 {
	if v, ok := b.Get(dotted); ok {
		switch x := v.(type) {
		case float64:
			return x
		case int:
			return float64(x)
		case int64:
			return float64(x)
		}
	}
	return def
}

// StringList returns the list of strings at a dotted key. A bare
// string is treated as a single-element list, matching how operators
// tend to write YAML. Empty and non-string items are dropped.
func (b *Bundle) StringList(dotted string) []string {
	v, ok := b.Get(dotted)
	if !ok {
		return nil
	}
	return toStringList(v)
}

func toStringList(v any) []string {
	switch x := v.(type) {
	case string:
		if s := strings.TrimSpace(x); s != "" {
			return []string{s}
		}
		return nil
	case []any:
		var out []string
		for _, item := range x {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case []string:
		var out []string
		for _, s := range x {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Lookup walks a dotted key path through nested mappings.
func Lookup(tree map[string]any, dotted string) (any, bool) {
	parts := splitKeyPath(dotted)
	if len(parts) == 0 {
		return nil, false
	}
	var cursor any = tree
	for _, part := range parts {
		m, ok := cursor.(map[string]any)
		if !ok {
			return nil, false
		}
		cursor, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cursor, true
}

// splitKeyPath splits a dotted key expression, dropping empty
// segments so "a..b" and " a.b " behave predictably.
func splitKeyPath(dotted string) []string {
	var parts []string
	for _, seg := range strings.Split(dotted, ".") {
		if s := strings.TrimSpace(seg); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

// FormatValue renders a configuration value for operator-facing
// output. Strings are quoted so empty values are visible.
func FormatValue(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}
