package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 50 * time.Millisecond

// RulesWatcher rebuilds the rule bundle whenever the configured rules file or
// folder changes. Stop releases the fsnotify handle.
type RulesWatcher struct {
	rules    RulesConfig
	inline   map[string]RuleConfig
	onChange func(RuleBundle)
	onError  func(error)

	fs     *fsnotify.Watcher
	target string
	dirs   map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
}

// WatchRules delivers the current bundle to onChange immediately and then once
// per burst of relevant filesystem events. cfg should come from Load so its
// inline rules are captured.
func WatchRules(ctx context.Context, cfg Config, onChange func(RuleBundle), onError func(error)) (*RulesWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch rules requires a change callback")
	}
	rules := cfg.Server.Rules
	if rules.RulesFile == "" && rules.RulesFolder == "" {
		return nil, errors.New("config: no rules source configured for watching")
	}
	if onError == nil {
		onError = func(error) {}
	}

	bundle, err := buildRuleBundle(ctx, cfg.InlineRules, rules)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch rules: %w", err)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w := &RulesWatcher{
		rules:    rules,
		inline:   cloneRuleMap(cfg.InlineRules),
		onChange: onChange,
		onError:  onError,
		fs:       fsw,
		dirs:     make(map[string]struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if err := w.subscribe(); err != nil {
		cancel()
		_ = fsw.Close()
		return nil, err
	}
	onChange(bundle)

	go w.loop(watchCtx)
	return w, nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *RulesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// subscribe watches the directory holding the rules file, or every directory
// below the rules folder. Editors replace files by rename, so the parent
// directory is watched rather than the file itself.
func (w *RulesWatcher) subscribe() error {
	if w.rules.RulesFile != "" {
		path, err := filepath.Abs(w.rules.RulesFile)
		if err != nil {
			return fmt.Errorf("config: resolve rules file: %w", err)
		}
		w.target = filepath.Clean(path)
		return w.addDir(filepath.Dir(w.target))
	}
	root, err := filepath.Abs(w.rules.RulesFolder)
	if err != nil {
		return fmt.Errorf("config: resolve rules folder: %w", err)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("config: walk rules folder %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		return w.addDir(path)
	})
}

func (w *RulesWatcher) addDir(dir string) error {
	dir = filepath.Clean(dir)
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	w.dirs[dir] = struct{}{}
	return nil
}

func (w *RulesWatcher) loop(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if err := w.fs.Close(); err != nil {
			w.onError(fmt.Errorf("config: watch rules close: %w", err))
		}
	}()

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.reload(ctx)
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.onError(fmt.Errorf("config: watch error: %w", err))
		}
	}
}

func (w *RulesWatcher) relevant(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if w.target != "" {
		if name != w.target {
			return false
		}
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.onError(fmt.Errorf("config: rules file %s removed", w.target))
		}
		return true
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if err := w.addDir(name); err != nil {
				w.onError(err)
			}
			return true
		}
	}
	return isSupportedRulesFile(name)
}

func (w *RulesWatcher) reload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	bundle, err := buildRuleBundle(ctx, w.inline, w.rules)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.onError(err)
		}
		return
	}
	w.onChange(bundle)
}
