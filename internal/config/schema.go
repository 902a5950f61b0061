package config

import (
	"fmt"
	"sort"
)

// kind is the expected shape of a schema-known value.
type kind int

const (
	kindString kind = iota
	kindBool
	kindNumber
	kindStringList
	kindMapping
)

func (k kind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindBool:
		return "bool"
	case kindNumber:
		return "number"
	case kindStringList:
		return "string list"
	case kindMapping:
		return "mapping"
	}
	return "unknown"
}

type fieldSpec struct {
	kind kind
	// def is filled into the merged tree when the key is absent.
	// nil means no default.
	def any
}

// schema is the fixed table of recognized configuration keys. Keys
// absent from the table produce warning diagnostics; present keys of
// the wrong shape produce error diagnostics and an invalid bundle.
var schema = map[string]map[string]fieldSpec{
	"runtime": {
		"name":         {kindString, "cinder-node"},
		"auto_restart": {kindBool, false},
	},
	"logging": {
		"level": {kindString, "info"},
	},
	"ui": {
		"verbose": {kindBool, false},
	},
	"agents": {
		"enabled":  {kindStringList, nil},
		"disabled": {kindStringList, nil},
	},
	"provision": {
		"enabled":        {kindBool, true},
		"required_paths": {kindStringList, nil},
		"skip_env":       {kindString, ""},
		"state_file":     {kindString, "state/provision.json"},
	},
	"network": {
		"enabled":              {kindBool, true},
		"dns_paths":            {kindStringList, nil},
		"probes":               {kindStringList, nil},
		"probe_port":           {kindNumber, 443},
		"probe_timeout_secs":   {kindNumber, 3},
		"preferred_interfaces": {kindStringList, nil},
	},
	"toolchain": {
		"enabled":  {kindBool, true},
		"manifest": {kindString, ".toolchain.yml"},
	},
	"test": {
		"enabled":      {kindBool, false},
		"command":      {kindString, ""},
		"timeout_secs": {kindNumber, 300},
		"report_path":  {kindString, "state/test-report.json"},
	},
	"plugin": {
		"enabled": {kindBool, true},
		"dirs":    {kindStringList, nil},
	},
	"update": {
		"enabled":          {kindBool, true},
		"github_repo":      {kindString, ""},
		"allowed_branches": {kindStringList, nil},
	},
	"health": {
		"enabled":           {kindBool, true},
		"disk_warn_percent": {kindNumber, 90},
		"load_warn_per_cpu": {kindNumber, 2.0},
		"thermal_zone":      {kindString, ""},
	},
	"api": {
		"enabled":    {kindBool, false},
		"listen":     {kindString, "127.0.0.1:8787"},
		"token_hash": {kindString, ""},
	},
	"telemetry": {
		"enabled":       {kindBool, false},
		"broker":        {kindString, ""},
		"topic_prefix":  {kindString, "cinder"},
		"device_id":     {kindString, ""},
		"interval_secs": {kindNumber, 60},
	},
	"planner": {
		"enabled": {kindBool, false},
	},
}

// SchemaSections returns the known top-level section names sorted.
func SchemaSections() []string {
	out := make([]string, 0, len(schema))
	for name := range schema {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// KnownKey reports whether a dotted key names a schema entry.
func KnownKey(dotted string) bool {
	parts := splitKeyPath(dotted)
	if len(parts) != 2 {
		return false
	}
	fields, ok := schema[parts[0]]
	if !ok {
		return false
	}
	_, ok = fields[parts[1]]
	return ok
}

// applySchema validates the merged tree against the fixed schema
// table and fills defaults for absent keys. Unknown keys warn; shape
// mismatches are errors.
func applySchema(b *Bundle) {
	for top, v := range b.Merged {
		fields, known := schema[top]
		if !known {
			b.AddDiagnostic(Diagnostic{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("unknown configuration section %q", top),
				Source:   top,
			})
			continue
		}
		section, ok := v.(map[string]any)
		if !ok {
			b.AddDiagnostic(Diagnostic{
				Severity: SeverityError,
				Message:  fmt.Sprintf("section %q must be a mapping, got %T", top, v),
				Source:   top,
			})
			continue
		}
		for key, fv := range section {
			spec, known := fields[key]
			if !known {
				b.AddDiagnostic(Diagnostic{
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("unknown key %q in section %q", key, top),
					Source:   top + "." + key,
				})
				continue
			}
			if !matchesKind(fv, spec.kind) {
				b.AddDiagnostic(Diagnostic{
					Severity: SeverityError,
					Message: fmt.Sprintf("key %q expects %s, got %T",
						top+"."+key, spec.kind, fv),
					Source: top + "." + key,
				})
			}
		}
	}

	for top, fields := range schema {
		section, ok := b.Merged[top].(map[string]any)
		if !ok {
			if _, present := b.Merged[top]; present {
				continue // shape error already recorded
			}
			section = map[string]any{}
			b.Merged[top] = section
		}
		for key, spec := range fields {
			if _, present := section[key]; !present && spec.def != nil {
				section[key] = spec.def
			}
		}
	}
}

func matchesKind(v any, k kind) bool {
	if v == nil {
		// An explicit null is treated as "unset"; the default fills it.
		return true
	}
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindBool:
		_, ok := v.(bool)
		return ok
	case kindNumber:
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case kindStringList:
		switch x := v.(type) {
		case string:
			return true
		case []any:
			for _, item := range x {
				if _, ok := item.(string); !ok {
					return false
				}
			}
			return true
		case []string:
			return true
		}
		return false
	case kindMapping:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}
