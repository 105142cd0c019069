package definitions

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
)

const (
	debounceDelay      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher reseeds the store whenever the definitions file changes and then
// calls onChange with the parsed definitions.
type Watcher struct {
	path     string
	seeder   Seeder
	onChange func(ctx context.Context, defs []models.RecurringJobDefinition)
	log      logx.Logger

	mu       sync.Mutex
	lastHash uint64
}

func NewWatcher(path string, st Seeder, onChange func(context.Context, []models.RecurringJobDefinition), log logx.Logger) *Watcher {
	return &Watcher{path: path, seeder: st, onChange: onChange, log: log.Component("definitions")}
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Apply reads the file and, when its content changed since the last call,
// syncs the store and notifies. It reports whether anything was applied.
func (w *Watcher) Apply(ctx context.Context) (bool, error) {
	b, err := os.ReadFile(w.path)
	if err != nil {
		return false, err
	}
	h := hashBytes(b)
	w.mu.Lock()
	unchanged := h == w.lastHash
	w.mu.Unlock()
	if unchanged {
		w.log.Debug("definitions unchanged; skipping", logx.String("path", w.path))
		return false, nil
	}

	defs, err := Parse(b)
	if err != nil {
		return false, err
	}
	if _, err := Sync(ctx, w.seeder, defs, w.log); err != nil {
		return false, err
	}

	w.mu.Lock()
	w.lastHash = h
	w.mu.Unlock()
	if w.onChange != nil {
		w.onChange(ctx, defs)
	}
	return true, nil
}

// Watch follows the file's directory until ctx ends. Bursts of events are
// debounced; a broken watcher is recreated with jittered backoff.
func (w *Watcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	name := filepath.Base(w.path)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := restartBackoffBase

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
		timer = time.AfterFunc(debounceDelay, func() {
			if ctx.Err() != nil {
				return
			}
			applied, err := w.Apply(ctx)
			if err != nil {
				w.log.Warn("definitions reload rejected", logx.String("path", w.path), logx.Err(err))
				return
			}
			if applied {
				w.log.Info("definitions reloaded", logx.String("path", w.path))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("definitions watch init failed", logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.log.Warn("definitions watch add failed", logx.String("dir", dir), logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		w.log.Debug("definitions watcher started", logx.String("dir", dir), logx.String("file", name))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), name) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					w.log.Warn("definitions watch overflow; forcing reload")
					debounce()
					continue
				}
				w.log.Warn("definitions watch error", logx.Err(err))
			}
		}
		_ = fw.Close()
		w.log.Warn("definitions watcher stopped; restarting")
		if !wait() {
			return nil
		}
	}
	return nil
}
