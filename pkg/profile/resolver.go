// Package profile decides which framework conventions (start command,
// port) apply to a generated project by inspecting its manifest.
package profile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/healloop/healloop/pkg/project"
)

// Framework identifies a supported runtime convention.
type Framework string

const (
	// FrameworkNext is the primary framework and the default profile.
	FrameworkNext Framework = "nextjs"

	// FrameworkVite is the secondary bundler profile.
	FrameworkVite Framework = "vite"
)

const (
	// DefaultPort is the primary framework's dev server port.
	DefaultPort = 3000

	// VitePort is the bundler's dev server port.
	VitePort = 5173
)

// RuntimeProfile describes how to start a project.
type RuntimeProfile struct {
	Framework    Framework `json:"framework"`
	StartCommand string    `json:"start_command"`
	Port         int       `json:"port"`
}

// manifest is the subset of package.json the resolver reads.
type manifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
}

func (m *manifest) has(dep string) bool {
	if _, ok := m.Dependencies[dep]; ok {
		return true
	}
	_, ok := m.DevDependencies[dep]
	return ok
}

// Default returns the primary framework profile.
func Default() RuntimeProfile {
	return RuntimeProfile{
		Framework:    FrameworkNext,
		StartCommand: fmt.Sprintf("npx next dev --port %d", DefaultPort),
		Port:         DefaultPort,
	}
}

// Vite returns the bundler profile.
func Vite() RuntimeProfile {
	return RuntimeProfile{
		Framework:    FrameworkVite,
		StartCommand: fmt.Sprintf("npx vite --host 0.0.0.0 --port %d", VitePort),
		Port:         VitePort,
	}
}

// Resolve inspects the file set and returns its runtime profile. It never
// fails: a missing or malformed manifest yields the default profile.
func Resolve(files project.Files) RuntimeProfile {
	m, ok := parseManifest(files)
	if !ok {
		return Default()
	}

	switch {
	case m.has("next"):
		p := Default()
		if script, ok := m.Scripts["dev"]; ok && strings.Contains(script, "next") {
			p.StartCommand = withPort(script, DefaultPort)
		}
		return p
	case m.has("vite"):
		p := Vite()
		if script, ok := m.Scripts["dev"]; ok && strings.Contains(script, "vite") {
			p.StartCommand = withPort(script, VitePort)
		}
		return p
	default:
		return Default()
	}
}

// DependencyCount returns the number of declared dependencies, counting
// both runtime and dev dependencies. A missing or malformed manifest counts
// as zero.
func DependencyCount(files project.Files) int {
	m, ok := parseManifest(files)
	if !ok {
		return 0
	}
	return len(m.Dependencies) + len(m.DevDependencies)
}

func parseManifest(files project.Files) (*manifest, bool) {
	f, ok := files.Find(project.ManifestPath)
	if !ok {
		return nil, false
	}

	var m manifest
	if err := json.Unmarshal([]byte(f.Content), &m); err != nil {
		return nil, false
	}
	return &m, true
}

// withPort prefixes a package script with npx and pins the port.
func withPort(script string, port int) string {
	script = strings.TrimSpace(script)
	if !strings.HasPrefix(script, "npx ") {
		script = "npx " + script
	}
	if strings.Contains(script, "--port") || strings.Contains(script, " -p ") {
		return script
	}
	return fmt.Sprintf("%s --port %d", script, port)
}
