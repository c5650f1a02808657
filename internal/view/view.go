// Package view keeps at most one live session per manifest and drives the
// open, mutate, rebuild cycle of a manifest panel.
package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/git-pkgs/pkgref/internal/core"
	"github.com/git-pkgs/pkgref/internal/logging"
	"github.com/git-pkgs/pkgref/internal/metrics"
)

// ErrSessionClosed is returned when a result arrives for a session that was
// disposed or superseded while the work was in flight.
var ErrSessionClosed = errors.New("view: session closed")

// Store is the manifest store sessions are loaded from and mutated through.
type Store interface {
	List(ctx context.Context, path string) ([]core.PackageReference, error)
	Add(ctx context.Context, path, name, version string) (core.PackageReference, error)
	Update(ctx context.Context, path, name, version string) (core.PackageReference, error)
	Delete(ctx context.Context, path, name string) error
}

// Coordinator maps manifest paths to sessions.
type Coordinator struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	seq    atomic.Uint64
	mu     sync.Mutex
	byPath map[string]*Session
	byID   map[string]*Session
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMetrics records session counts and lifecycle events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock overrides the time source used for LoadedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a Coordinator backed by store.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		logger: logging.Discard(),
		now:    time.Now,
		byPath: make(map[string]*Session),
		byID:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open returns the live session for path, creating and loading one if
// needed. A failed load leaves no session registered.
func (c *Coordinator) Open(ctx context.Context, path string) (*Session, error) {
	key, err := normalize(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if s, ok := c.byPath[key]; ok {
		c.mu.Unlock()
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	s := c.register(key)
	c.mu.Unlock()

	if err := c.load(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the manifest into a freshly registered session and releases
// anyone waiting on it. A failed load disposes s.
func (c *Coordinator) load(ctx context.Context, s *Session) error {
	log := c.logger.With("session_id", s.id, "manifest", s.path)

	token, _ := s.token()
	refs, err := c.store.List(ctx, s.path)
	if err != nil {
		s.loadErr = err
		close(s.ready)
		c.dispose(s)
		log.Debug("session load failed", "error", err)
		return err
	}
	if !s.apply(token, refs, c.now()) {
		// disposed while loading
		s.loadErr = ErrSessionClosed
		close(s.ready)
		c.metrics.SessionEvent("stale")
		return ErrSessionClosed
	}
	close(s.ready)

	log.Debug("session opened", "packages", len(refs))
	return nil
}

// Lookup returns the live session with the given ID.
func (c *Coordinator) Lookup(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[id]
	return s, ok
}

// Session returns the live session for path without creating one.
func (c *Coordinator) Session(path string) (*Session, bool) {
	key, err := normalize(path)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byPath[key]
	return s, ok
}

// Sessions returns the live sessions in the order they were opened.
func (c *Coordinator) Sessions() []*Session {
	c.mu.Lock()
	out := make([]*Session, 0, len(c.byPath))
	for _, s := range c.byPath {
		out = append(out, s)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Dispose closes the session for path. It reports whether one was open.
func (c *Coordinator) Dispose(path string) bool {
	s, ok := c.Session(path)
	if !ok {
		return false
	}
	return c.dispose(s)
}

// Add adds a package to the manifest at path and returns the rebuilt session.
// On failure the current session is left as it was.
func (c *Coordinator) Add(ctx context.Context, path, name, version string) (*Session, error) {
	return c.mutate(ctx, "add", path, func(key string) error {
		_, err := c.store.Add(ctx, key, name, version)
		return err
	})
}

// Update changes a package version and returns the rebuilt session.
func (c *Coordinator) Update(ctx context.Context, path, name, version string) (*Session, error) {
	return c.mutate(ctx, "update", path, func(key string) error {
		_, err := c.store.Update(ctx, key, name, version)
		return err
	})
}

// Delete removes a package and returns the rebuilt session.
func (c *Coordinator) Delete(ctx context.Context, path, name string) (*Session, error) {
	return c.mutate(ctx, "delete", path, func(key string) error {
		return c.store.Delete(ctx, key, name)
	})
}

// Refresh re-reads the manifest into s. If s is disposed or refreshed by
// someone else before the read completes, the result is dropped and
// ErrSessionClosed or nil is returned respectively.
func (c *Coordinator) Refresh(ctx context.Context, s *Session) error {
	token, live := s.token()
	if !live {
		return ErrSessionClosed
	}

	refs, err := c.store.List(ctx, s.path)
	if err != nil {
		return err
	}

	if !s.apply(token, refs, c.now()) {
		c.metrics.SessionEvent("stale")
		c.logger.Debug("dropped stale session result", "session_id", s.id, "manifest", s.path)
		if s.State() == StateClosed {
			return ErrSessionClosed
		}
	}
	return nil
}

// Rebuild replaces s, and any newer session for its manifest, with a new
// session read from the manifest as it is now. Use it after the manifest was
// changed through the store directly.
func (c *Coordinator) Rebuild(ctx context.Context, s *Session) (*Session, error) {
	fresh, err := c.reopen(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("reloading %s: %w", s.path, err)
	}
	c.logger.Debug("session rebuilt", "session_id", fresh.id, "previous", s.id, "manifest", s.path)
	return fresh, nil
}

func (c *Coordinator) mutate(ctx context.Context, op, path string, run func(key string) error) (*Session, error) {
	s, err := c.Open(ctx, path)
	if err != nil {
		return nil, err
	}

	if err := run(s.path); err != nil {
		c.logger.Debug("session operation failed", "session_id", s.id, "op", op, "error", err)
		return nil, err
	}

	// Open -> Closed -> Open: whatever session is registered now was loaded
	// before this write, so it is replaced by one read afterwards.
	fresh, err := c.reopen(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("reloading %s: %w", s.path, err)
	}
	c.logger.Info("session rebuilt", "session_id", fresh.id, "previous", s.id, "op", op, "manifest", s.path)
	return fresh, nil
}

// reopen closes prev and any session registered for its path since, and
// loads a new session in their place.
func (c *Coordinator) reopen(ctx context.Context, prev *Session) (*Session, error) {
	c.mu.Lock()
	current := c.byPath[prev.path]
	if current != nil {
		delete(c.byPath, current.path)
		delete(c.byID, current.id)
	}
	fresh := c.register(prev.path)
	c.mu.Unlock()

	c.dispose(prev)
	if current != nil {
		c.dispose(current)
	}
	c.metrics.SessionEvent("rebuild")

	if err := c.load(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// register creates a session for key. The caller holds c.mu.
func (c *Coordinator) register(key string) *Session {
	seq := c.seq.Add(1)
	s := &Session{
		id:    "p" + strconv.FormatUint(seq, 10),
		path:  key,
		seq:   seq,
		coord: c,
		ready: make(chan struct{}),
		state: StateLoading,
	}
	c.byPath[key] = s
	c.byID[s.id] = s
	c.metrics.SessionOpened()
	return s
}

func (c *Coordinator) dispose(s *Session) bool {
	c.mu.Lock()
	if c.byPath[s.path] == s {
		delete(c.byPath, s.path)
		delete(c.byID, s.id)
	}
	c.mu.Unlock()

	if !s.close() {
		return false
	}
	c.metrics.SessionClosed()
	c.logger.Debug("session disposed", "session_id", s.id, "manifest", s.path)
	return true
}

func normalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty manifest path: %w", core.ErrInvalidReference)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &core.IOError{Op: "resolve", Path: path, Err: err}
	}
	return abs, nil
}
