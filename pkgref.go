// Package pkgref manages the NuGet package references declared in project
// manifests (.csproj, .fsproj, .vbproj, .props, .targets and packages.config).
//
// References are read and rewritten in place: every mutation reads the
// manifest fresh, applies one change with a minimal-diff rewrite and replaces
// the file atomically. Registry lookups go to a NuGet v3 feed.
//
// Basic usage:
//
//	m := pkgref.New()
//	defer m.Close()
//
//	refs, err := m.ListInstalled(ctx, "App/App.csproj")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if _, err := m.AddPackage(ctx, "App/App.csproj", "Serilog", "3.1.1"); errors.Is(err, pkgref.ErrDuplicate) {
//		// already referenced
//	}
package pkgref

import (
	"context"
	"log/slog"
	"strings"

	"github.com/spf13/afero"

	_ "github.com/git-pkgs/pkgref/all"
	"github.com/git-pkgs/pkgref/client"
	"github.com/git-pkgs/pkgref/internal/core"
	"github.com/git-pkgs/pkgref/internal/logging"
	"github.com/git-pkgs/pkgref/internal/metrics"
	"github.com/git-pkgs/pkgref/internal/store"
	"github.com/git-pkgs/pkgref/internal/view"
)

// Ecosystem is the registry ecosystem managed references belong to.
const Ecosystem = "nuget"

// Re-export types from internal/core
type (
	// PackageReference is one (name, version) entry in a manifest.
	PackageReference = core.PackageReference

	// Registry is the interface implemented by registry clients.
	Registry = core.Registry

	// SearchOptions narrows a registry search.
	SearchOptions = core.SearchOptions

	// SearchResult is one package returned by a registry search.
	SearchResult = core.SearchResult

	// Package represents metadata about a package from a registry.
	Package = core.Package

	// Version represents a specific version of a package.
	Version = core.Version

	// Dependency represents a package dependency.
	Dependency = core.Dependency

	// Maintainer represents a package maintainer.
	Maintainer = core.Maintainer
)

// Re-export types from client
type (
	// Client is an HTTP client for registry APIs.
	Client = client.Client

	// ClientOption configures a Client.
	ClientOption = client.Option
)

// Re-export errors
var (
	ErrIO               = core.ErrIO
	ErrParse            = core.ErrParse
	ErrDuplicate        = core.ErrDuplicate
	ErrNotFound         = core.ErrNotFound
	ErrNetwork          = core.ErrNetwork
	ErrInvalidReference = core.ErrInvalidReference
)

// Error types
type (
	IOError        = core.IOError
	ParseError     = core.ParseError
	DuplicateError = core.DuplicateError
	NotFoundError  = core.NotFoundError
	HTTPError      = client.HTTPError
	NetworkError   = client.NetworkError
)

// Outdated is an installed reference whose version differs from the latest
// one published.
type Outdated struct {
	Name    string `json:"name"`
	Current string `json:"current"`
	Latest  string `json:"latest"`
}

// Manager ties the manifest store, the panel coordinator and a registry
// together.
type Manager struct {
	store       *store.Store
	coord       *view.Coordinator
	registry    Registry
	client      *Client
	logger      *slog.Logger
	concurrency int
}

type options struct {
	fs              afero.Fs
	client          *Client
	registry        Registry
	registryURL     string
	logger          *slog.Logger
	metrics         *metrics.Metrics
	serializeWrites bool
	concurrency     int
}

// Option configures a Manager.
type Option func(*options)

// WithFs sets the file system manifests are read from and written to.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithClient sets the HTTP client used for registry requests.
func WithClient(c *Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithRegistry replaces the NuGet registry entirely.
func WithRegistry(r Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithRegistryURL sets the feed's base or service index URL.
func WithRegistryURL(url string) Option {
	return func(o *options) {
		o.registryURL = url
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSerializedWrites serializes mutations of the same manifest. Without
// it, concurrent mutations of one manifest are last-writer-wins.
func WithSerializedWrites() Option {
	return func(o *options) {
		o.serializeWrites = true
	}
}

// WithConcurrency limits parallel registry lookups in Outdated.
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

// New creates a Manager. Without options it works on the operating system's
// file system against nuget.org.
func New(opts ...Option) *Manager {
	o := options{logger: logging.Discard(), concurrency: 8}
	for _, opt := range opts {
		opt(&o)
	}

	if o.client == nil {
		o.client = client.DefaultClient()
	}
	if o.registry == nil {
		// nuget is registered by the all import, so this cannot fail
		o.registry, _ = core.New(Ecosystem, o.registryURL, o.client)
	}

	storeOpts := []store.Option{store.WithLogger(o.logger), store.WithMetrics(o.metrics)}
	if o.fs != nil {
		storeOpts = append(storeOpts, store.WithFs(o.fs))
	}
	if o.serializeWrites {
		storeOpts = append(storeOpts, store.WithSerializedWrites())
	}
	st := store.New(storeOpts...)

	return &Manager{
		store:       st,
		coord:       view.NewCoordinator(st, view.WithLogger(o.logger), view.WithMetrics(o.metrics)),
		registry:    o.registry,
		client:      o.client,
		logger:      o.logger,
		concurrency: o.concurrency,
	}
}

// Coordinator returns the panel session coordinator.
func (m *Manager) Coordinator() *view.Coordinator {
	return m.coord
}

// Registry returns the registry used for lookups.
func (m *Manager) Registry() Registry {
	return m.registry
}

// BreakerStates reports the registry client's circuit breaker states.
func (m *Manager) BreakerStates() map[string]string {
	return m.client.BreakerStates()
}

// Close stops background work of the registry client.
func (m *Manager) Close() {
	m.client.Close()
}

// ListInstalled returns the references declared in the manifest, in file order.
func (m *Manager) ListInstalled(ctx context.Context, manifest string) ([]PackageReference, error) {
	return m.store.List(ctx, manifest)
}

// AddPackage adds a reference. It fails with a *DuplicateError if the name is
// already referenced, compared case-insensitively.
func (m *Manager) AddPackage(ctx context.Context, manifest, name, version string) (PackageReference, error) {
	ref, err := m.store.Add(ctx, manifest, name, version)
	if err != nil {
		return ref, err
	}
	m.rebuild(ctx, manifest)
	return ref, nil
}

// UpdatePackage changes the version of a reference in place. It fails with a
// *NotFoundError if the name is not referenced.
func (m *Manager) UpdatePackage(ctx context.Context, manifest, name, version string) (PackageReference, error) {
	ref, err := m.store.Update(ctx, manifest, name, version)
	if err != nil {
		return ref, err
	}
	m.rebuild(ctx, manifest)
	return ref, nil
}

// DeletePackage removes a reference. It fails with a *NotFoundError if the
// name is not referenced.
func (m *Manager) DeletePackage(ctx context.Context, manifest, name string) error {
	if err := m.store.Delete(ctx, manifest, name); err != nil {
		return err
	}
	m.rebuild(ctx, manifest)
	return nil
}

// rebuild replaces an open panel for manifest with one read after a change
// made outside the coordinator.
func (m *Manager) rebuild(ctx context.Context, manifest string) {
	s, ok := m.coord.Session(manifest)
	if !ok {
		return
	}
	if _, err := m.coord.Rebuild(ctx, s); err != nil {
		m.logger.Debug("panel rebuild failed", "session_id", s.ID(), "manifest", manifest, "error", err)
	}
}

// SearchRegistry searches the registry.
func (m *Manager) SearchRegistry(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	return m.registry.Search(ctx, query, opts)
}

// ListVersions returns every published version of a package, oldest first.
func (m *Manager) ListVersions(ctx context.Context, name string) ([]string, error) {
	return m.registry.ListVersions(ctx, name)
}

// PackageInfo returns registry metadata for a package.
func (m *Manager) PackageInfo(ctx context.Context, name string) (*Package, error) {
	return m.registry.FetchPackage(ctx, name)
}

// Dependencies returns the dependencies of one version of a package.
func (m *Manager) Dependencies(ctx context.Context, name, version string) ([]Dependency, error) {
	return m.registry.FetchDependencies(ctx, name, version)
}

// LatestVersion returns the newest listed, non-deprecated version. It returns
// a *client.NotFoundError when no candidate exists.
func (m *Manager) LatestVersion(ctx context.Context, name string, prerelease bool) (*Version, error) {
	v, err := core.FetchLatestVersion(ctx, m.registry, name, prerelease)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &client.NotFoundError{Ecosystem: Ecosystem, Name: name}
	}
	return v, nil
}

// Outdated compares every reference in the manifest with the latest version
// in the registry. Versions are compared as opaque strings, so a reference
// pinned ahead of the latest stable release is reported too. References the
// registry could not resolve are skipped; the first lookup error is returned
// with the partial result.
func (m *Manager) Outdated(ctx context.Context, manifest string, prerelease bool) ([]Outdated, error) {
	refs, err := m.store.List(ctx, manifest)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name
	}
	latest, lookupErr := core.BulkLatestVersionsWithConcurrency(ctx, m.registry, names, prerelease, m.concurrency)

	var out []Outdated
	for _, r := range refs {
		v, ok := latest[r.Name]
		if !ok || strings.EqualFold(v.Number, r.Version) {
			continue
		}
		out = append(out, Outdated{Name: r.Name, Current: r.Version, Latest: v.Number})
	}
	return out, lookupErr
}

// SupportedEcosystems returns the registered registry ecosystems.
func SupportedEcosystems() []string {
	return core.SupportedEcosystems()
}

// ParseReference accepts "pkg:nuget/Name@1.0.0", "Name@1.0.0" or "Name".
func ParseReference(s string) (PackageReference, error) {
	return core.ParseReference(s)
}
