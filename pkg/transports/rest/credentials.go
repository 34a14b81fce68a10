package rest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// recheckInterval bounds how long a missed filesystem event can delay
// WaitForFiles. Bind mounts do not always deliver inotify events.
const recheckInterval = time.Second

// WaitForFiles blocks until every path exists, the timeout elapses or ctx is
// cancelled. Nodes write their certificate and macaroon some time after the
// container starts, usually into directories that do not exist yet, so the
// nearest existing ancestor of each missing file is watched and re-resolved
// as directories appear.
func WaitForFiles(ctx context.Context, timeout time.Duration, paths ...string) error {
	missing := missingFiles(paths)
	if len(missing) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]bool)
	addWatches := func() {
		for _, path := range missing {
			dir := nearestExistingDir(filepath.Dir(path))
			if dir == "" || watched[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				log.Warn().Err(err).Str("path", dir).Msg("failed to watch directory")
				continue
			}
			watched[dir] = true
		}
	}
	addWatches()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %v: %w", missing, ctx.Err())

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed while waiting for %v", missing)
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			log.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("credential path changed")

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher closed while waiting for %v", missing)
			}
			log.Warn().Err(err).Msg("credential watcher error")

		case <-ticker.C:
		}

		missing = missingFiles(missing)
		if len(missing) == 0 {
			return nil
		}
		addWatches()
	}
}

func missingFiles(paths []string) []string {
	var missing []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Size() == 0 {
			missing = append(missing, path)
		}
	}
	return missing
}

func nearestExistingDir(dir string) string {
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
