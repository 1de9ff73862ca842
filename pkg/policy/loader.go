package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
)

// regoExt is the only file type the loader reads.
const regoExt = ".rego"

// Loader reads heal policies from disk and reloads them on change.
//
// A heal policy must live in the healloop.heal package or one of its
// subpackages and define a deny rule; anything else is rejected at load
// time instead of silently never matching.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cache   map[string]cachedPolicy
	watcher *fsnotify.Watcher

	debounce time.Duration
}

type cachedPolicy struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		cache:    make(map[string]cachedPolicy),
		debounce: 500 * time.Millisecond,
	}
}

// LoadFromPaths loads every heal policy under paths. A named file that is
// not a valid heal policy fails the load; invalid files found while walking
// a directory are logged and skipped. Policies are sorted by name.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}

		if !info.IsDir() {
			p, err := l.load(path, info)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
			}
			policies = append(policies, p)
			continue
		}

		err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || filepath.Ext(file) != regoExt {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			p, err := l.load(file, info)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", file).Msg("Skipping invalid heal policy")
				return nil
			}
			policies = append(policies, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
	}

	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Heal policies loaded")

	return policies, nil
}

// load returns the policy at path, reusing the cached parse while the
// file's size and modification time are unchanged.
func (l *Loader) load(path string, info fs.FileInfo) (Policy, error) {
	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read file: %w", err)
	}

	p, err := ParseHealPolicy(strings.TrimSuffix(filepath.Base(path), regoExt), string(data))
	if err != nil {
		return Policy{}, err
	}
	p.Source = path

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Heal policy parsed")
	return p, nil
}

// ParseHealPolicy checks that src is a heal policy and wraps it. The
// description is taken from the leading comment block.
func ParseHealPolicy(name, src string) (Policy, error) {
	module, err := ast.ParseModule(name+regoExt, src)
	if err != nil {
		return Policy{}, fmt.Errorf("invalid rego: %w", err)
	}
	if module == nil {
		return Policy{}, fmt.Errorf("policy %s is empty", name)
	}

	pkg := strings.TrimPrefix(module.Package.Path.String(), "data.")
	if pkg != defaultPackage && !strings.HasPrefix(pkg, defaultPackage+".") {
		return Policy{}, fmt.Errorf("policy %s: package %s is outside %s", name, pkg, defaultPackage)
	}
	if !definesDeny(module) {
		return Policy{}, fmt.Errorf("policy %s: no deny rule", name)
	}

	return Policy{
		Name:        name,
		Description: leadingComment(src),
		Rego:        src,
		Enabled:     true,
	}, nil
}

func definesDeny(module *ast.Module) bool {
	for _, rule := range module.Rules {
		ref := rule.Head.Ref()
		if len(ref) > 0 && ref[0].Value.Compare(ast.Var("deny")) == 0 {
			return true
		}
	}
	return false
}

// leadingComment joins the comment lines before the first statement.
func leadingComment(src string) string {
	var parts []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		if c := strings.TrimSpace(strings.TrimPrefix(line, "#")); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

// Watch reloads the policies under paths whenever a .rego file changes and
// hands the new set to reloadFn. Bursts are debounced into one reload.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatch(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching heal policies")
	return nil
}

func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(p)
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addWatch(watcher, event.Name)
					continue
				}
			}
			if filepath.Ext(event.Name) != regoExt {
				continue
			}

			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Heal policy changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Heal policy reload failed, keeping previous set")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Heal policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if w != nil {
		return w.Close()
	}
	return nil
}
