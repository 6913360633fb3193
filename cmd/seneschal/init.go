package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tallow/seneschal/internal/defaults"
)

// runInit writes a starter config file into dir. The file lands as
// seneschal.yaml, the first name [config.DefaultSearchPaths] looks for,
// so a following "seneschal serve" in the same directory picks it up.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	cfgPath := filepath.Join(dir, "seneschal.yaml")
	if err := writeIfAbsent(cfgPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", cfgPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit seneschal.yaml, then pair the gateway with: seneschal pair")
	return nil
}

// writeIfAbsent writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfAbsent(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // keep whatever the user has
	}
	return os.WriteFile(path, content, 0o644)
}
