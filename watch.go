package prefork

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// watchEnv reloads the workers whenever one of the env files changes.
// fsnotify watches the parent directories so that editors which replace
// the file by rename are caught too.
func (s *Supervisor) watchEnv(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	files := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, p := range s.cfg.EnvPaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("resolve env path %q: %w", p, err)
		}
		files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		s.log.Info("Watching env file directory", slog.String("dir", dir))
	}

	go func() {
		defer watcher.Close()
		d := newDebouncer(debounceDelay, func(reason string) {
			s.post(ctx, event{kind: evReload, reason: reason})
		})
		defer d.stop()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if _, ok := files[filepath.Clean(ev.Name)]; !ok {
					continue
				}
				s.log.Info("Env file event detected", slog.String("file", ev.Name), slog.String("op", ev.Op.String()))
				d.trigger("env:" + filepath.Base(ev.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Error("Watcher error", slog.String("err", err.Error()))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// debouncer calls fn once per burst of triggers, delay after the last one.
type debouncer struct {
	mu     sync.Mutex
	delay  time.Duration
	fn     func(reason string)
	timer  *time.Timer
	reason string
}

func newDebouncer(delay time.Duration, fn func(reason string)) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) trigger(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reason = reason
	if d.timer != nil {
		d.timer.Reset(d.delay)
		return
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		r := d.reason
		d.mu.Unlock()
		d.fn(r)
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
