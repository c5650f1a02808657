// Package store is the only component that mutates manifests. Every
// operation reads the manifest fresh, applies one change and writes the
// result back atomically, so a failed operation leaves the file untouched.
//
// Concurrent mutations of the same manifest are not serialized unless the
// store is built WithSerializedWrites: without it both callers
// read-modify-write and the last writer wins.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/git-pkgs/pkgref/internal/core"
	"github.com/git-pkgs/pkgref/internal/logging"
	"github.com/git-pkgs/pkgref/internal/manifest"
	"github.com/git-pkgs/pkgref/internal/metrics"
)

// Store reads and rewrites package references in manifests.
type Store struct {
	fs      afero.Fs
	logger  *slog.Logger
	metrics *metrics.Metrics
	locks   *pathLocks
}

// Option configures a Store.
type Option func(*Store)

// WithFs sets the file system. Defaults to the operating system's.
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		s.fs = fs
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithMetrics records operation counts and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithSerializedWrites makes mutations of the same manifest wait for each
// other.
func WithSerializedWrites() Option {
	return func(s *Store) {
		s.locks = &pathLocks{m: make(map[string]*sync.Mutex)}
	}
}

// New creates a Store.
func New(opts ...Option) *Store {
	s := &Store{
		fs:     afero.NewOsFs(),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns the references declared in the manifest at path, in file order.
func (s *Store) List(ctx context.Context, path string) (refs []core.PackageReference, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveStore("list", started, err) }()

	_, refs, err = s.read(ctx, path)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("listed packages", "manifest", path, "count", len(refs))
	return refs, nil
}

// Add appends a reference. It fails with *core.DuplicateError when the
// manifest already references name, compared case-insensitively.
func (s *Store) Add(ctx context.Context, path, name, version string) (core.PackageReference, error) {
	ref, err := normalize(name, version)
	if err != nil {
		return core.PackageReference{}, err
	}

	err = s.mutate(ctx, "add", path, func(refs []core.PackageReference) ([]core.PackageReference, error) {
		if i := core.IndexOf(refs, ref.Name); i >= 0 {
			return nil, &core.DuplicateError{Manifest: path, Name: ref.Name, Existing: refs[i]}
		}
		return append(refs, ref), nil
	})
	if err != nil {
		return core.PackageReference{}, err
	}
	s.logger.Info("package added", "op", "add", "manifest", path, "package", ref.Name, "version", ref.Version)
	return ref, nil
}

// Update replaces the version of an existing reference in place. The
// returned reference carries the name as written in the manifest.
func (s *Store) Update(ctx context.Context, path, name, version string) (core.PackageReference, error) {
	want, err := normalize(name, version)
	if err != nil {
		return core.PackageReference{}, err
	}

	var updated core.PackageReference
	err = s.mutate(ctx, "update", path, func(refs []core.PackageReference) ([]core.PackageReference, error) {
		i := core.IndexOf(refs, want.Name)
		if i < 0 {
			return nil, &core.NotFoundError{Manifest: path, Name: want.Name}
		}
		refs[i].Version = want.Version
		updated = refs[i]
		return refs, nil
	})
	if err != nil {
		return core.PackageReference{}, err
	}
	s.logger.Info("package updated", "op", "update", "manifest", path, "package", updated.Name, "version", updated.Version)
	return updated, nil
}

// Delete removes a reference.
func (s *Store) Delete(ctx context.Context, path, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("delete: empty name: %w", core.ErrInvalidReference)
	}

	err := s.mutate(ctx, "delete", path, func(refs []core.PackageReference) ([]core.PackageReference, error) {
		i := core.IndexOf(refs, name)
		if i < 0 {
			return nil, &core.NotFoundError{Manifest: path, Name: name}
		}
		return append(refs[:i:i], refs[i+1:]...), nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("package deleted", "op", "delete", "manifest", path, "package", name)
	return nil
}

func normalize(name, version string) (core.PackageReference, error) {
	ref := core.PackageReference{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)}
	if ref.Name == "" {
		return ref, fmt.Errorf("empty name: %w", core.ErrInvalidReference)
	}
	if ref.Version == "" {
		return ref, fmt.Errorf("empty version for %s: %w", ref.Name, core.ErrInvalidReference)
	}
	return ref, nil
}

// mutate runs one read-modify-write cycle against path.
func (s *Store) mutate(ctx context.Context, op, path string, change func([]core.PackageReference) ([]core.PackageReference, error)) (err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveStore(op, started, err) }()

	unlock := s.locks.lock(path)
	defer unlock()

	text, refs, err := s.read(ctx, path)
	if err != nil {
		return err
	}

	next, err := change(refs)
	if err != nil {
		return err
	}

	out, err := manifest.Serialize(next, text)
	if err != nil {
		var pe *core.ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return fmt.Errorf("%s %s: %w", op, path, err)
	}

	if bytes.Equal(out, text) {
		s.logger.Debug("manifest unchanged", "op", op, "manifest", path)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(path, out)
}

func (s *Store) read(ctx context.Context, path string) ([]byte, []core.PackageReference, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	text, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, nil, &core.IOError{Op: "read", Path: path, Err: err}
	}

	refs, err := manifest.Parse(text)
	if err != nil {
		var pe *core.ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, nil, err
	}
	return text, refs, nil
}

// write replaces path with data by writing a temporary file in the same
// directory and renaming it over the original. The original's mode is kept.
func (s *Store) write(path string, data []byte) (err error) {
	defer func() {
		if err != nil {
			err = &core.IOError{Op: "write", Path: path, Err: err}
		}
	}()

	info, err := s.fs.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = s.fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := s.fs.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing manifest: %w", err)
	}

	success = true
	s.logger.Debug("manifest written", "manifest", path, "bytes", len(data))
	return nil
}

// pathLocks hands out one mutex per manifest path.
type pathLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// lock acquires the mutex for path. A nil receiver is a no-op.
func (l *pathLocks) lock(path string) func() {
	if l == nil {
		return func() {}
	}
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}

	l.mu.Lock()
	m, ok := l.m[key]
	if !ok {
		m = &sync.Mutex{}
		l.m[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
