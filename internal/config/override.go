package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ParseScalar interprets an operator-supplied value string the way a
// YAML document would: "true" becomes a bool, "8787" an int, "2.5" a
// float, anything else a string.
func ParseScalar(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case bool, int, int64, float64, string, nil:
		return v
	default:
		// Structured values are not accepted through the scalar
		// override path; keep the literal text.
		return raw
	}
}

// WriteOverride persists a single dotted-key override into the vault's
// override document. The document survives across writes: existing
// overrides are read back, the new key is folded in, and the whole
// file is rewritten. The caller is expected to reload afterwards; the
// write itself never touches a live bundle.
func WriteOverride(vaultDir, dotted string, value any) error {
	parts := splitKeyPath(dotted)
	if len(parts) == 0 {
		return fmt.Errorf("empty configuration key")
	}

	dir := filepath.Join(vaultDir, "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create vault config dir: %w", err)
	}
	path := filepath.Join(dir, OverrideFile)

	doc := map[string]any{}
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("existing override file is malformed: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	cursor := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cursor[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cursor[part] = next
		}
		cursor = next
	}
	cursor[parts[len(parts)-1]] = value

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write overrides: %w", err)
	}
	return nil
}
