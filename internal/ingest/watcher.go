package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// Inbox watches result directories and hands each new or rewritten file to a handler once writes settle.
type Inbox struct {
	roots      []string
	extensions []string
	recursive  bool
	handle     func(ctx context.Context, path string)
	debounce   time.Duration
	watcher    *fsnotify.Watcher
	ctx        context.Context
	mu         sync.Mutex
	pending    map[string]*time.Timer
	done       chan struct{}
	started    bool
	stopOnce   sync.Once
	logger     *zap.Logger
}

// InboxOption configures an Inbox.
type InboxOption func(*Inbox)

// WithInboxLogger sets the logger.
func WithInboxLogger(l *zap.Logger) InboxOption {
	return func(i *Inbox) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithDebounce overrides how long a file must be quiet before it is handled.
func WithDebounce(d time.Duration) InboxOption {
	return func(i *Inbox) {
		if d > 0 {
			i.debounce = d
		}
	}
}

// NewInbox creates an inbox over roots. extensions filters file names (empty accepts all).
func NewInbox(roots, extensions []string, recursive bool, handle func(ctx context.Context, path string), opts ...InboxOption) *Inbox {
	i := &Inbox{
		roots:      append([]string(nil), roots...),
		extensions: extensions,
		recursive:  recursive,
		handle:     handle,
		debounce:   defaultDebounce,
		pending:    make(map[string]*time.Timer),
		done:       make(chan struct{}),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start begins watching. Missing roots are created. Files already present are handled when syncExisting is set.
// The inbox runs until ctx is cancelled or Stop is called.
func (i *Inbox) Start(ctx context.Context, syncExisting bool) error {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		i.mu.Unlock()
		return err
	}
	i.watcher = w
	i.ctx = ctx
	for _, root := range i.roots {
		if err := i.addRootLocked(root); err != nil {
			_ = w.Close()
			i.watcher = nil
			i.mu.Unlock()
			return err
		}
	}
	i.started = true
	roots := append([]string(nil), i.roots...)
	i.mu.Unlock()

	i.logger.Info("inbox watching", zap.Strings("roots", roots), zap.Strings("extensions", i.extensions))
	go i.run(ctx, w)
	if syncExisting {
		for _, root := range roots {
			i.syncDirectory(root)
		}
	}
	return nil
}

func (i *Inbox) run(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			i.Stop()
			return
		case <-i.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			i.handleEvent(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err != nil {
				i.logger.Warn("inbox watch error", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if !i.underRoot(path) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			i.handleNewDirectory(path)
			return
		}
		if matchExtension(path, i.extensions) {
			i.schedule(path)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		// Stored runs outlive their inbox file.
		i.cancel(path)
	}
}

func (i *Inbox) handleNewDirectory(dir string) {
	i.mu.Lock()
	w := i.watcher
	recursive := i.recursive
	i.mu.Unlock()
	if w == nil || !recursive {
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.Add(path); err != nil {
				i.logger.Debug("inbox failed to watch directory", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
	i.syncDirectory(dir)
}

func (i *Inbox) underRoot(path string) bool {
	i.mu.Lock()
	roots := append([]string(nil), i.roots...)
	i.mu.Unlock()
	clean := filepath.Clean(path)
	for _, root := range roots {
		r := filepath.Clean(root)
		if r == clean || inDir(r, clean) {
			return true
		}
	}
	return false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// schedule (re)arms the timer for path so a burst of writes yields one handler call.
func (i *Inbox) schedule(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if t, ok := i.pending[path]; ok {
		t.Stop()
	}
	i.pending[path] = time.AfterFunc(i.debounce, func() {
		i.mu.Lock()
		delete(i.pending, path)
		ctx := i.ctx
		i.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		i.handle(ctx, path)
	})
}

func (i *Inbox) cancel(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if t, ok := i.pending[path]; ok {
		t.Stop()
		delete(i.pending, path)
	}
}

func (i *Inbox) addRootLocked(root string) error {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	if !i.recursive {
		return i.watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return i.watcher.Add(path)
		}
		return nil
	})
}

func (i *Inbox) syncDirectory(root string) {
	i.mu.Lock()
	ctx := i.ctx
	recursive := i.recursive
	i.mu.Unlock()
	if ctx == nil {
		return
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if matchExtension(path, i.extensions) {
			i.handle(ctx, path)
		}
		return nil
	})
}

// Directories returns the watched roots.
func (i *Inbox) Directories() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.roots...)
}

// Stop stops watching and drops pending files.
func (i *Inbox) Stop() {
	i.stopOnce.Do(func() {
		close(i.done)
		i.mu.Lock()
		defer i.mu.Unlock()
		for path, t := range i.pending {
			t.Stop()
			delete(i.pending, path)
		}
		if i.watcher != nil {
			_ = i.watcher.Close()
			i.watcher = nil
		}
	})
}
