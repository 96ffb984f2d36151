package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/graklabs/grakgate/internal/observability"
)

// PolicyCallback is called when the policy file changes.
type PolicyCallback func(*PolicySet)

// ErrorCallback is called when a policy reload fails.
type ErrorCallback func(error)

// PolicyWatcher watches the rate-limit policy file and reloads it on
// change. Invalid edits are reported through the error callback and the
// last good policy set stays in effect.
type PolicyWatcher struct {
	path          string
	watcher       *fsnotify.Watcher
	callback      PolicyCallback
	errorCallback ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration
	lastPolicies  *PolicySet
	mu            sync.RWMutex
	stopCh        chan struct{}
	stoppedCh     chan struct{}
	running       bool
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*PolicyWatcher)

// WithDebounceDelay sets the debounce delay for file changes.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *PolicyWatcher) {
		w.debounceDelay = delay
	}
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger observability.Logger) WatcherOption {
	return func(w *PolicyWatcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback for the watcher.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *PolicyWatcher) {
		w.errorCallback = callback
	}
}

// NewPolicyWatcher creates a policy file watcher.
func NewPolicyWatcher(path string, callback PolicyCallback, opts ...WatcherOption) (*PolicyWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &PolicyWatcher{
		path:          absPath,
		watcher:       fsWatcher,
		callback:      callback,
		debounceDelay: 100 * time.Millisecond,
		logger:        observability.NopLogger(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start loads the initial policy set and begins watching the file.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	policies, err := LoadPolicySet(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.lastPolicies = policies
	w.mu.Unlock()

	// Watch the directory, not the file. Editors that replace the file
	// on save would otherwise detach the watch.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	w.logger.Info("started watching policy file",
		observability.String("path", w.path),
	)

	go w.watch(ctx)

	return nil
}

// Stop stops watching the policy file.
func (w *PolicyWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh

	return w.watcher.Close()
}

// GetLastPolicies returns the last successfully loaded policy set.
func (w *PolicyWatcher) GetLastPolicies() *PolicySet {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastPolicies
}

func (w *PolicyWatcher) watch(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("policy watcher stopped due to context cancellation")
			return

		case <-w.stopCh:
			w.logger.Info("policy watcher stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			debounceTimer, debounceCh = w.handleFileEvent(event, debounceTimer, debounceCh)

		case <-debounceCh:
			debounceCh = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.handleWatchError(err)
		}
	}
}

func (w *PolicyWatcher) handleFileEvent(
	event fsnotify.Event,
	debounceTimer *time.Timer,
	debounceCh <-chan time.Time,
) (timer *time.Timer, ch <-chan time.Time) {
	// Only process events for our policy file
	if filepath.Clean(event.Name) != w.path {
		return debounceTimer, debounceCh
	}

	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return debounceTimer, debounceCh
	}

	w.logger.Debug("policy file changed",
		observability.String("path", event.Name),
		observability.String("op", event.Op.String()),
	)

	// Reset debounce timer
	if debounceTimer != nil {
		debounceTimer.Stop()
	}
	debounceTimer = time.NewTimer(w.debounceDelay)
	return debounceTimer, debounceTimer.C
}

func (w *PolicyWatcher) handleWatchError(err error) {
	w.logger.Error("policy watcher error",
		observability.Error(err),
	)
	if w.errorCallback != nil {
		w.errorCallback(err)
	}
}

func (w *PolicyWatcher) reload() {
	w.logger.Info("reloading policy file",
		observability.String("path", w.path),
	)

	policies, err := LoadPolicySet(w.path)
	if err != nil {
		w.logger.Error("failed to load policy file",
			observability.Error(err),
		)
		if w.errorCallback != nil {
			w.errorCallback(err)
		}
		return
	}

	w.mu.Lock()
	w.lastPolicies = policies
	w.mu.Unlock()

	w.logger.Info("policy file reloaded")

	if w.callback != nil {
		w.callback(policies)
	}
}

// ForceReload reloads the policy file immediately.
func (w *PolicyWatcher) ForceReload() error {
	policies, err := LoadPolicySet(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.lastPolicies = policies
	w.mu.Unlock()

	if w.callback != nil {
		w.callback(policies)
	}

	return nil
}
