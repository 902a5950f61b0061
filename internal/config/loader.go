package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultVaultDir is used when VAULT_DIR is unset.
const DefaultVaultDir = "/vault"

// OverrideFile is the vault document that CLI override writes land in.
// The "99-" prefix sorts it last within the vault tier so overrides
// always win the merge.
const OverrideFile = "99-cli-overrides.yml"

// ResolveVaultDir returns the vault root from the VAULT_DIR
// environment variable, falling back to [DefaultVaultDir].
func ResolveVaultDir() string {
	if dir := strings.TrimSpace(os.Getenv("VAULT_DIR")); dir != "" {
		return dir
	}
	return DefaultVaultDir
}

// Load assembles a fresh [Bundle] from the repo-default tier at
// repoDir and the vault-override tier at <vaultDir>/config. Malformed
// documents never abort the load; they become error diagnostics and
// the file is skipped. Load itself never fails: a caller always gets a
// bundle it can inspect, even when everything on disk is broken.
func Load(repoDir, vaultDir string) *Bundle {
	b := &Bundle{
		VaultDir: vaultDir,
		Merged:   map[string]any{},
	}

	readiness := ReadinessReady
	switch info, err := os.Stat(vaultDir); {
	case os.IsNotExist(err):
		readiness = ReadinessMissing
		b.AddDiagnostic(Diagnostic{
			Severity: SeverityWarning,
			Message:  "vault directory does not exist",
			Source:   vaultDir,
		})
	case err != nil:
		readiness = ReadinessInvalid
		b.AddDiagnostic(Diagnostic{
			Severity: SeverityError,
			Message:  fmt.Sprintf("stat vault: %v", err),
			Source:   vaultDir,
		})
	case !info.IsDir():
		readiness = ReadinessInvalid
		b.AddDiagnostic(Diagnostic{
			Severity: SeverityError,
			Message:  "vault path is not a directory",
			Source:   vaultDir,
		})
	}

	mergeTier(b, configFiles(repoDir), OriginRepo)
	if readiness == ReadinessReady {
		mergeTier(b, configFiles(filepath.Join(vaultDir, "config")), OriginVault)
	}

	applySchema(b)

	if b.HasErrors() {
		readiness = ReadinessInvalid
	}
	b.Readiness = readiness
	return b
}

// configFiles lists the YAML documents in dir, sorted
// lexicographically by filename across both recognized extensions.
func configFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yml", ".yaml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files
}

func mergeTier(b *Bundle, files []string, origin Origin) {
	for _, path := range files {
		doc, err := readDocument(path)
		if err != nil {
			b.AddDiagnostic(Diagnostic{
				Severity: SeverityError,
				Message:  fmt.Sprintf("parse failed: %v", err),
				Source:   path,
			})
			continue
		}
		if doc == nil {
			// Empty document still counts as a source; it merged
			// nothing but the operator should see it was read.
			b.Sources = append(b.Sources, Source{Path: path, Origin: origin})
			continue
		}
		b.Merged = deepMerge(b.Merged, doc)
		b.Sources = append(b.Sources, Source{Path: path, Origin: origin})
	}
}

// readDocument parses one YAML file into a string-keyed tree.
// Environment references in scalar values are expanded so documents
// can say things like `name: ${HOSTNAME}`.
func readDocument(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	expandEnv(doc)
	return doc, nil
}

func expandEnv(m map[string]any) {
	for k, v := range m {
		switch x := v.(type) {
		case string:
			if strings.Contains(x, "$") {
				m[k] = os.ExpandEnv(x)
			}
		case map[string]any:
			expandEnv(x)
		}
	}
}

// deepMerge combines two trees: nested mappings merge recursively,
// while scalars and sequences from the overlay replace the base value
// wholesale. The base map is modified in place and returned.
func deepMerge(base, overlay map[string]any) map[string]any {
	for k, ov := range overlay {
		if bv, ok := base[k]; ok {
			bm, bIsMap := bv.(map[string]any)
			om, oIsMap := ov.(map[string]any)
			if bIsMap && oIsMap {
				base[k] = deepMerge(bm, om)
				continue
			}
		}
		base[k] = ov
	}
	return base
}
