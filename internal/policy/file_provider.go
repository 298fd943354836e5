package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mbd888/tiltguard/internal/metrics"
)

// DefaultDebounce is how long Watch waits after the last write before
// reloading.
const DefaultDebounce = 500 * time.Millisecond

// FileProvider serves a profile from a YAML file and reloads it on change.
// A reload that fails to parse or validate keeps the previous policy.
type FileProvider struct {
	path     string
	profile  string
	debounce time.Duration
	logger   *slog.Logger

	current atomic.Pointer[Policy]

	mu        sync.Mutex
	listeners []func(Policy)
}

// FileOption configures a FileProvider.
type FileOption func(*FileProvider)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) FileOption {
	return func(p *FileProvider) { p.logger = l }
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) FileOption {
	return func(p *FileProvider) { p.debounce = d }
}

// NewFileProvider loads the profile from path. The initial load must
// succeed.
func NewFileProvider(path, profile string, opts ...FileOption) (*FileProvider, error) {
	p := &FileProvider{
		path:     path,
		profile:  profile,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Active returns the current policy.
func (p *FileProvider) Active() Policy {
	return *p.current.Load()
}

// OnReload registers fn to run after each successful reload.
func (p *FileProvider) OnReload(fn func(Policy)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Reload re-reads the file. On error the active policy is unchanged.
func (p *FileProvider) Reload() error {
	pol, err := Load(p.path, p.profile)
	if err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	p.current.Store(&pol)
	metrics.PolicyReloadsTotal.WithLabelValues("ok").Inc()
	metrics.ActivePolicyBlockThreshold.Set(float64(pol.BlockThreshold))

	p.mu.Lock()
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(pol)
	}
	return nil
}

// Watch reloads the policy whenever the file is written or replaced. It
// watches the containing directory so editors that save by rename are
// picked up. Blocks until ctx is cancelled.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	target := filepath.Clean(p.path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(p.debounce, func() {
				if err := p.Reload(); err != nil {
					p.logger.Error("policy reload failed", "path", p.path, "error", err)
					return
				}
				pol := p.Active()
				p.logger.Info("policy reloaded", "profile", pol.Name, "block_threshold", pol.BlockThreshold)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("policy watcher error", "error", err)
		}
	}
}
