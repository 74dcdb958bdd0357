package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const regoExt = ".rego"

// ReadDir returns one Policy per .rego file directly inside dir, in file
// name order. Subdirectories and other files are ignored. A policy is named
// after its file and blocks the run unless a deny entry sets its own
// severity.
func ReadDir(dir string) ([]Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}

	var policies []Policy
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != regoExt {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat policy %s: %w", path, err)
		}

		policies = append(policies, Policy{
			Name:      strings.TrimSuffix(entry.Name(), regoExt),
			Rego:      string(src),
			Severity:  SeverityError,
			Enabled:   true,
			Source:    path,
			CreatedAt: info.ModTime(),
		})
	}
	return policies, nil
}
