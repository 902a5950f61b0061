package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// starterConfig is the vault config file written by init. Everything
// is commented out: an empty vault tier is valid, and the defaults
// live in the repo tier.
const starterConfig = `# Site overrides for this node. Mappings here deep-merge over the
# repo defaults; scalars and lists replace them. Files are applied in
# lexicographic order, so 99-cli-overrides.yml (written by /config set)
# always wins.
#
# runtime:
#   name: my-edge-node
#
# logging:
#   level: debug
#
# network:
#   probes:
#     - 1.1.1.1
#     - 8.8.8.8
#
# api:
#   enabled: true
#   listen: 127.0.0.1:8787
`

// runInit initializes a vault directory: the standard layout plus a
// commented starter config. Existing files are never overwritten, so
// re-running init on a live vault is safe.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing vault in %s\n", dir)

	for _, sub := range []string{"config", "state", "logs", "plugins"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	if err := writeIfMissing(w, filepath.Join(dir, "config", "10-site.yml"), []byte(starterConfig), 0o644); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config/10-site.yml to customize this node, or use /config set.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, reporting what happened on w. Init must never
// clobber operator customizations.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s exists, skipping\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
