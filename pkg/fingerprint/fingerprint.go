// Package fingerprint computes order-independent content hashes over a
// project file set and tracks the hash of the last successful build.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/healloop/healloop/pkg/project"
)

// Fingerprint is a content-derived identity for a file set.
type Fingerprint string

// String returns the hex representation of the fingerprint.
func (f Fingerprint) String() string {
	return string(f)
}

// Short returns the first 12 characters, for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// Compute hashes path + content of every file, sorted by path. Duplicate
// paths are ordered by content so the input order never matters.
//
// Each field is length-prefixed so that moving bytes between a path and
// its content, or between adjacent files, always yields a new hash.
func Compute(files project.Files) Fingerprint {
	sorted := make(project.Files, len(files))
	for i, f := range files {
		sorted[i] = project.File{Path: project.NormalizePath(f.Path), Content: f.Content}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Path != sorted[j].Path {
			return sorted[i].Path < sorted[j].Path
		}
		return sorted[i].Content < sorted[j].Content
	})

	hasher := sha256.New()
	var prefix [8]byte

	writeField := func(data string) {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
		hasher.Write(prefix[:])
		hasher.Write([]byte(data))
	}

	for _, f := range sorted {
		writeField(f.Path)
		writeField(f.Content)
	}

	return Fingerprint(hex.EncodeToString(hasher.Sum(nil)))
}

// Tracker remembers the fingerprint of the last successful build so the
// pipeline can skip redundant sync/install work.
type Tracker struct {
	mu    sync.RWMutex
	built Fingerprint
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Changed reports whether fp differs from the last built fingerprint.
// An empty tracker always reports a change.
func (t *Tracker) Changed(fp Fingerprint) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.built == "" || t.built != fp
}

// MarkBuilt records fp as successfully built.
func (t *Tracker) MarkBuilt(fp Fingerprint) {
	t.mu.Lock()
	t.built = fp
	t.mu.Unlock()
}

// Last returns the last built fingerprint, or "" if none.
func (t *Tracker) Last() Fingerprint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.built
}

// Reset forgets the last build.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.built = ""
	t.mu.Unlock()
}
