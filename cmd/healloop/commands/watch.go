package commands

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/healloop/healloop/pkg/profile"
	"github.com/healloop/healloop/pkg/project"
)

func newWatchCommand() *cobra.Command {
	var (
		flags  runFlags
		settle time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Run a project and re-run it whenever its files change",
		Long: `Like run, but <dir> is watched for changes. A burst of file writes is
treated as a generation in flight: heal requests are suppressed until
the directory has been quiet for --settle, then the pipeline re-runs if
the project fingerprint changed.`,
		Example: `  # Re-run on every change
  healloop watch ./app

  # Wait longer for a generator to finish writing
  healloop watch ./app --settle 2s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			files, err := project.LoadDir(dir)
			if err != nil {
				return err
			}

			s, err := openSession(ctx, cfg, sessionOptions{
				projectRoot: dir,
				framework:   string(profile.Resolve(files).Framework),
				remote:      flags.remote,
				output:      flags.output(),
			})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.boot(ctx); err != nil {
				return err
			}
			return s.watch(ctx, dir, files, settle, flags.readyTimeout, cmd)
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVar(&settle, "settle", 750*time.Millisecond, "quiet period before a change burst is considered finished")

	return cmd
}

// watch runs the pipeline on files, then re-runs it after each burst of
// changes under dir.
func (s *session) watch(ctx context.Context, dir string, files project.Files, settle, readyTimeout time.Duration, cmd *cobra.Command) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addTree(watcher, dir); err != nil {
		return err
	}
	log.Info().Str("dir", dir).Msg("Watching for changes")

	timer := time.NewTimer(settle)
	timer.Stop()

	var wait *readyWait
	defer func() { wait.stop() }()

	rerun := func(files project.Files) {
		started, err := s.runPipeline(ctx, files)
		if err != nil {
			log.Error().Err(err).Msg("Pipeline failed")
			return
		}
		if started {
			wait.stop()
			wait = startReadyWait(ctx, func(ctx context.Context) {
				s.awaitReady(ctx, readyTimeout)
			})
		}
	}
	rerun(files)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ignored(dir, event.Name) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addTree(watcher, event.Name)
				}
			}
			if !s.manager.IsGenerating() {
				log.Debug().Str("file", event.Name).Msg("Change detected")
				s.manager.SetGenerating(true)
			}
			timer.Reset(settle)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")

		case <-timer.C:
			s.manager.SetGenerating(false)
			files, err := project.LoadDir(dir)
			if err != nil {
				log.Error().Err(err).Msg("Failed to reload project")
				continue
			}
			rerun(files)

		case req := <-s.coordinator.Requests():
			printHeal(cmd.OutOrStdout(), req)
		}
	}
}

// addTree watches root and every directory below it that is not skipped.
func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && project.SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}

// ignored reports whether name lies in a skipped directory below root.
func ignored(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if project.SkipDir(part) {
			return true
		}
	}
	return false
}

// readyWait runs a readiness wait off the watch loop so heal requests and
// file events keep draining while the dev server starts.
type readyWait struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startReadyWait(ctx context.Context, fn func(context.Context)) *readyWait {
	ctx, cancel := context.WithCancel(ctx)
	w := &readyWait{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		fn(ctx)
	}()
	return w
}

// stop cancels the wait and blocks until it returns. A nil wait is a no-op.
func (w *readyWait) stop() {
	if w == nil {
		return
	}
	w.cancel()
	<-w.done
}
