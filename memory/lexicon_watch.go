package memory

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const lexiconReloadDelay = 200 * time.Millisecond

// LexiconWatcher serves a lexicon loaded from a file and reloads it when the
// file changes. A file that fails to parse keeps the previous lexicon.
type LexiconWatcher struct {
	lexiconHolder

	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// WatchLexicon loads path and starts watching it.
func WatchLexicon(path string, logger *zap.Logger) (*LexiconWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lex, err := LoadLexicon(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors often replace the file instead of
	// writing it in place.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &LexiconWatcher{
		path:    filepath.Clean(path),
		logger:  logger.Named("memory.lexicon"),
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.current.Store(lex)

	go w.watchLoop()

	w.logger.Info("Lexicon hot reloading enabled", zap.String("path", path))
	return w, nil
}

func (w *LexiconWatcher) watchLoop() {
	defer close(w.done)
	defer w.watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(lexiconReloadDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Lexicon watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

func (w *LexiconWatcher) reload() {
	lex, err := LoadLexicon(w.path)
	if err != nil {
		w.logger.Warn("Keeping previous lexicon", zap.Error(err))
		return
	}
	w.current.Store(lex)
	w.logger.Info("Lexicon reloaded", zap.String("path", w.path))
}

// Close stops watching. The last loaded lexicon stays available.
func (w *LexiconWatcher) Close() error {
	w.once.Do(func() {
		close(w.stopCh)
		<-w.done
	})
	return nil
}
