// Package updater implements the code-only update pipeline: stage a
// fresh checkout, stop the service, back up the current code, sync only
// source files, prune files that disappeared upstream, write commit
// markers, restart and health-check, and roll back when the new code
// does not come up.
package updater

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultSourcePatterns matches the files the updater is allowed to
// touch: Go source, module files and templates. Everything else in the
// tree (config, static assets, databases, markers) is preserved as-is;
// in particular the device-local config.yaml must survive updates.
var DefaultSourcePatterns = []string{"*.go", "go.mod", "go.sum", "*.tmpl", "*.html"}

// Directories never synced or pruned.
var skipDirs = map[string]bool{
	".git":     true,
	"tmp":      true,
	"logs":     true,
	"backups":  true,
	"_staging": true,
}

// Plan is the computed difference between a staged snapshot and the
// deployed tree, restricted to source files.
type Plan struct {
	Copies    []string // stage files that are new or differ
	Prunes    []string // deployed source files absent from the stage
	Unchanged int
}

// Empty reports whether applying the plan would be a no-op.
func (p Plan) Empty() bool {
	return len(p.Copies) == 0 && len(p.Prunes) == 0
}

// BuildPlan walks stage and root and classifies every source file.
// Paths in the result are relative to the respective tree root.
func BuildPlan(stage, root string, patterns []string) (Plan, error) {
	if len(patterns) == 0 {
		patterns = DefaultSourcePatterns
	}

	staged, err := listSourceFiles(stage, patterns)
	if err != nil {
		return Plan{}, err
	}
	deployed, err := listSourceFiles(root, patterns)
	if err != nil {
		return Plan{}, err
	}

	var plan Plan
	for _, rel := range staged {
		same, err := filesEqual(filepath.Join(stage, rel), filepath.Join(root, rel))
		if err != nil {
			return Plan{}, err
		}
		if same {
			plan.Unchanged++
		} else {
			plan.Copies = append(plan.Copies, rel)
		}
	}

	stagedSet := make(map[string]bool, len(staged))
	for _, rel := range staged {
		stagedSet[rel] = true
	}
	for _, rel := range deployed {
		if !stagedSet[rel] {
			plan.Prunes = append(plan.Prunes, rel)
		}
	}

	sort.Strings(plan.Copies)
	sort.Strings(plan.Prunes)
	return plan, nil
}

func listSourceFiles(dir string, patterns []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !matchesAny(d.Name(), patterns) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if os.IsNotExist(err) {
		return nil, err
	}
	return out, err
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// filesEqual compares file contents; a missing destination counts as
// different.
func filesEqual(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}
