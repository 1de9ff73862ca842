// Package project holds the materialized file set handed over by the
// generation layer, plus helpers to load one from disk.
package project

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestPath is the dependency manifest the runtime resolver looks for.
const ManifestPath = "package.json"

// File is a single generated source file.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Files is an immutable snapshot of a generation cycle's output.
type Files []File

// skipDirs are never loaded from disk.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
	"dist":         true,
	".healloop":    true,
}

// SkipDir reports whether a directory with this name is ignored when
// loading or watching a project.
func SkipDir(name string) bool {
	return skipDirs[name]
}

// Find returns the file at the given path, if present.
func (files Files) Find(p string) (File, bool) {
	p = NormalizePath(p)
	for _, f := range files {
		if NormalizePath(f.Path) == p {
			return f, true
		}
	}
	return File{}, false
}

// Has reports whether a file exists at the given path.
func (files Files) Has(p string) bool {
	_, ok := files.Find(p)
	return ok
}

// Paths returns the sorted list of paths in the set.
func (files Files) Paths() []string {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, NormalizePath(f.Path))
	}
	sort.Strings(paths)
	return paths
}

// NormalizePath converts a path to the slash-separated, relative form used
// inside the sandbox.
func NormalizePath(p string) string {
	p = filepath.ToSlash(p)
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimLeft(p, "/")
	return path.Clean(p)
}

// LoadDir reads every regular file under dir into a file set. Dependency
// and build output directories are skipped.
func LoadDir(dir string) (Files, error) {
	var files Files

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		files = append(files, File{Path: NormalizePath(rel), Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load project directory: %w", err)
	}

	return files, nil
}
