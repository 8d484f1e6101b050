package cronjob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tgifai/crond/internal/pkg/logs"
)

const storeReloadDebounce = 150 * time.Millisecond

// watch reloads the job file when another process rewrites it. Writes made
// by this process are recognised by content digest and ignored.
func (s *Service) watch(ctx context.Context, fb *FileBackend) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create store watcher: %w", err)
	}
	dir := filepath.Dir(fb.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = w.Close()
		return fmt.Errorf("create store directory: %w", err)
	}
	// Watch the directory: atomic saves replace the file inode.
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Close()
		s.watchLoop(ctx, w, fb)
	}()
	return nil
}

func (s *Service) watchLoop(ctx context.Context, w *fsnotify.Watcher, fb *FileBackend) {
	target := filepath.Clean(fb.Path())

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(storeReloadDebounce)
			} else {
				debounce.Reset(storeReloadDebounce)
			}
			fire = debounce.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logs.CtxWarn(ctx, "[cronjob] store watcher: %v", err)
		case <-fire:
			fire = nil
			s.reloadIfChanged(ctx, fb)
		}
	}
}

func (s *Service) reloadIfChanged(ctx context.Context, fb *FileBackend) {
	changed, err := fb.Changed()
	if err != nil {
		logs.CtxWarn(ctx, "[cronjob] check store file: %v", err)
		return
	}
	if !changed {
		return
	}
	if err := s.store.Load(ctx); err != nil {
		logs.CtxError(ctx, "[cronjob] reload store, keeping jobs in memory: %v", err)
		return
	}
	s.recoverState(ctx, false)
	logs.CtxInfo(ctx, "[cronjob] reloaded %d jobs after external edit of %s", s.store.Len(), fb.Path())
}
