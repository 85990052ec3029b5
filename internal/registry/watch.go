package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// debounceDelay absorbs the burst of events editors produce for a
	// single save (write, chmod, rename of a temp file into place).
	debounceDelay = 250 * time.Millisecond

	watcherRestartDelay = time.Second
)

// Watch reloads the registry when the file changes, until ctx is done.
// A file that fails to parse is rejected and the previous snapshot stays
// live. Watching the directory rather than the file survives atomic
// replace-by-rename saves.
func (r *Registry) Watch(ctx context.Context) error {
	dir := filepath.Dir(r.path)
	file := filepath.Base(r.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, r.reload)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			r.log.Warn().Err(err).Str("dir", dir).Msg("registry watch unavailable, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(watcherRestartDelay):
				continue
			}
		}

		r.log.Debug().Str("path", r.path).Msg("registry watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if filepath.Base(ev.Name) != file {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means events were missed; a reload catches up.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					debounce()
					continue
				}
				r.log.Warn().Err(err).Str("dir", dir).Msg("registry watch error")
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn().Str("dir", dir).Msg("registry watcher stopped, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watcherRestartDelay):
		}
	}
}

// reload re-reads the file and swaps the snapshot if the content changed
// and validates. Invalid content is logged and ignored.
func (r *Registry) reload() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.log.Warn().Err(err).Str("path", r.path).Msg("registry reload read failed, keeping previous")
		return
	}

	h := hashBytes(data)
	r.mu.RLock()
	unchanged := h != 0 && h == r.lastHash
	r.mu.RUnlock()
	if unchanged {
		r.log.Debug().Str("path", r.path).Msg("registry unchanged, skipping reload")
		return
	}

	projects, order, err := parse(data)
	if err != nil {
		r.log.Warn().Err(err).Str("path", r.path).Msg("registry rejected, keeping previous")
		return
	}

	old := r.All()
	r.commit(projects, order, h)

	added, removed, changed := diffProjects(old, r.All())
	r.log.Info().
		Int("projects", len(order)).
		Strs("added", added).
		Strs("removed", removed).
		Strs("changed", changed).
		Msg("project registry reloaded")
}
