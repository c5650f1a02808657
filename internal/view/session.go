package view

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/git-pkgs/pkgref/internal/core"
)

// State is the lifecycle state of a session.
type State int

const (
	StateLoading State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Session is the live view of one manifest. It is rebuilt from scratch after
// every successful mutation, so a caller holding an old session sees it move
// to StateClosed and should ask the coordinator for the current one.
type Session struct {
	id    string
	path  string
	seq   uint64
	coord *Coordinator

	ready   chan struct{}
	loadErr error

	mu         sync.RWMutex
	state      State
	references []core.PackageReference
	loadedAt   time.Time
	generation uint64
}

// Snapshot is a point-in-time copy of a session, suitable for encoding.
type Snapshot struct {
	ID           string                  `json:"id"`
	ManifestPath string                  `json:"manifest"`
	Title        string                  `json:"title"`
	State        string                  `json:"state"`
	References   []core.PackageReference `json:"packages"`
	LoadedAt     time.Time               `json:"loadedAt"`
}

func (s *Session) ID() string           { return s.id }
func (s *Session) ManifestPath() string { return s.path }

// Title is the display name of the panel.
func (s *Session) Title() string {
	return "NuGet Manager (" + filepath.Base(s.path) + ")"
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// References returns a copy of the loaded references.
func (s *Session) References() []core.PackageReference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.references)
}

func (s *Session) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := slices.Clone(s.references)
	if refs == nil {
		refs = []core.PackageReference{}
	}
	return Snapshot{
		ID:           s.id,
		ManifestPath: s.path,
		Title:        s.Title(),
		State:        s.state.String(),
		References:   refs,
		LoadedAt:     s.loadedAt,
	}
}

// Dispose closes the session and removes it from its coordinator.
func (s *Session) Dispose() {
	s.coord.dispose(s)
}

// wait blocks until the initial load has finished.
func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// token returns the generation a pending load must match to be applied.
func (s *Session) token() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation, s.state != StateClosed
}

// apply stores refs if the session is still live and nothing newer has been
// applied since token was taken.
func (s *Session) apply(token uint64, refs []core.PackageReference, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.generation != token {
		return false
	}
	s.references = refs
	s.loadedAt = now
	s.generation++
	s.state = StateOpen
	return true
}

// close moves the session to StateClosed. It reports whether the session
// was live.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}
