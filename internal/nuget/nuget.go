// Package nuget provides a registry client for NuGet v3 feeds.
package nuget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/github/go-spdx/v2/spdxexp"
	"golang.org/x/sync/singleflight"

	"github.com/git-pkgs/pkgref/client"
	"github.com/git-pkgs/pkgref/internal/core"
)

const (
	DefaultURL = "https://api.nuget.org/v3"
	ecosystem  = "nuget"

	defaultTake = 20
	maxTake     = 1000
)

// Resource types looked up in the service index, most preferred first.
var (
	searchTypes       = []string{"SearchQueryService/3.5.0", "SearchQueryService/3.0.0-rc", "SearchQueryService"}
	flatTypes         = []string{"PackageBaseAddress/3.0.0", "PackageBaseAddress"}
	registrationTypes = []string{"RegistrationsBaseUrl/3.6.0", "RegistrationsBaseUrl/3.4.0", "RegistrationsBaseUrl"}
)

func init() {
	core.Register(ecosystem, DefaultURL, func(baseURL string, client *core.Client) core.Registry {
		return New(baseURL, client)
	})
}

type Registry struct {
	baseURL string
	client  *core.Client
	urls    *URLs

	group     singleflight.Group
	mu        sync.RWMutex
	resources *resources
}

// New creates a NuGet registry rooted at baseURL. A full service index URL
// ending in /index.json is accepted as well.
func New(baseURL string, client *core.Client) *Registry {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/index.json")
	if client == nil {
		client = core.DefaultClient()
	}
	r := &Registry{
		baseURL: baseURL,
		client:  client,
	}
	r.urls = &URLs{baseURL: r.baseURL}
	return r
}

func (r *Registry) Ecosystem() string {
	return ecosystem
}

func (r *Registry) URLs() core.URLBuilder {
	return r.urls
}

// ServiceIndexURL returns the URL the feed's resources are resolved from.
func (r *Registry) ServiceIndexURL() string {
	return r.baseURL + "/index.json"
}

// Ping checks that the service index is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	_, err := r.client.Head(ctx, r.ServiceIndexURL())
	return err
}

type serviceIndex struct {
	Version   string            `json:"version"`
	Resources []serviceResource `json:"resources"`
}

type serviceResource struct {
	ID   string `json:"@id"`
	Type string `json:"@type"`
}

type resources struct {
	search       string
	flat         string
	registration string
}

func (idx *serviceIndex) lookup(types []string) string {
	for _, want := range types {
		for _, res := range idx.Resources {
			if res.Type == want {
				return strings.TrimSuffix(res.ID, "/")
			}
		}
	}
	return ""
}

// resolve fetches the service index once; concurrent callers share the
// request. Failures are not remembered so a later call can succeed.
func (r *Registry) resolve(ctx context.Context) (*resources, error) {
	r.mu.RLock()
	res := r.resources
	r.mu.RUnlock()
	if res != nil {
		return res, nil
	}

	v, err, _ := r.group.Do("index", func() (any, error) {
		var idx serviceIndex
		if err := r.client.GetJSON(ctx, r.ServiceIndexURL(), &idx); err != nil {
			return nil, fmt.Errorf("loading service index: %w", err)
		}
		res := &resources{
			search:       idx.lookup(searchTypes),
			flat:         idx.lookup(flatTypes),
			registration: idx.lookup(registrationTypes),
		}
		r.mu.Lock()
		r.resources = res
		r.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*resources), nil
}

func (r *Registry) resource(ctx context.Context, pick func(*resources) string, kind string) (string, error) {
	res, err := r.resolve(ctx)
	if err != nil {
		return "", err
	}
	if u := pick(res); u != "" {
		return u, nil
	}
	return "", &client.NetworkError{
		URL: r.ServiceIndexURL(),
		Err: fmt.Errorf("service index has no %s resource", kind),
	}
}

type searchResponse struct {
	TotalHits int            `json:"totalHits"`
	Data      []searchResult `json:"data"`
}

type searchResult struct {
	ID             string          `json:"id"`
	Version        string          `json:"version"`
	Description    string          `json:"description"`
	IconURL        string          `json:"iconUrl"`
	ProjectURL     string          `json:"projectUrl"`
	TotalDownloads int64           `json:"totalDownloads"`
	Verified       bool            `json:"verified"`
	Versions       []searchVersion `json:"versions"`
}

type searchVersion struct {
	Version   string `json:"version"`
	Downloads int64  `json:"downloads"`
}

func (r *Registry) Search(ctx context.Context, query string, opts core.SearchOptions) ([]core.SearchResult, error) {
	endpoint, err := r.resource(ctx, func(res *resources) string { return res.search }, "SearchQueryService")
	if err != nil {
		return nil, err
	}

	take := opts.Take
	if take <= 0 {
		take = defaultTake
	}
	if take > maxTake {
		take = maxTake
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("prerelease", strconv.FormatBool(opts.Prerelease))
	params.Set("semVerLevel", "2.0.0")
	params.Set("take", strconv.Itoa(take))
	if opts.Skip > 0 {
		params.Set("skip", strconv.Itoa(opts.Skip))
	}

	var resp searchResponse
	if err := r.client.GetJSON(ctx, endpoint+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	results := make([]core.SearchResult, 0, len(resp.Data))
	for _, d := range resp.Data {
		versions := make([]string, 0, len(d.Versions))
		for _, v := range d.Versions {
			versions = append(versions, v.Version)
		}
		results = append(results, core.SearchResult{
			Name:           d.ID,
			LatestVersion:  d.Version,
			Description:    d.Description,
			IconURL:        d.IconURL,
			DetailURL:      r.urls.Registry(d.ID, ""),
			TotalDownloads: d.TotalDownloads,
			Verified:       d.Verified,
			Versions:       versions,
		})
	}
	return results, nil
}

type flatVersions struct {
	Versions []string `json:"versions"`
}

func (r *Registry) ListVersions(ctx context.Context, name string) ([]string, error) {
	base, err := r.resource(ctx, func(res *resources) string { return res.flat }, "PackageBaseAddress")
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/%s/index.json", base, url.PathEscape(strings.ToLower(name)))
	var resp flatVersions
	if err := r.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, notFound(err, name, "")
	}
	return resp.Versions, nil
}

type registrationResponse struct {
	Count int                `json:"count"`
	Items []registrationPage `json:"items"`
}

type registrationPage struct {
	ID    string             `json:"@id"`
	Count int                `json:"count"`
	Lower string             `json:"lower"`
	Upper string             `json:"upper"`
	Items []registrationLeaf `json:"items"`
}

type registrationLeaf struct {
	CatalogEntry   catalogEntry `json:"catalogEntry"`
	PackageContent string       `json:"packageContent"`
}

type catalogEntry struct {
	ID                string            `json:"id"`
	Version           string            `json:"version"`
	Description       string            `json:"description"`
	Authors           flexString        `json:"authors"`
	ProjectURL        string            `json:"projectUrl"`
	IconURL           string            `json:"iconUrl"`
	LicenseExpression string            `json:"licenseExpression"`
	LicenseURL        string            `json:"licenseUrl"`
	Listed            bool              `json:"listed"`
	Published         string            `json:"published"`
	Tags              flexStrings       `json:"tags"`
	Dependencies      []dependencyGroup `json:"dependencyGroups"`
	Deprecation       *deprecationInfo  `json:"deprecation,omitempty"`
}

// UnmarshalJSON treats a missing "listed" as listed.
func (c *catalogEntry) UnmarshalJSON(data []byte) error {
	type plain catalogEntry
	p := plain{Listed: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = catalogEntry(p)
	return nil
}

type dependencyGroup struct {
	TargetFramework string       `json:"targetFramework"`
	Dependencies    []dependency `json:"dependencies"`
}

type dependency struct {
	ID    string `json:"id"`
	Range string `json:"range"`
}

type deprecationInfo struct {
	Message string   `json:"message"`
	Reasons []string `json:"reasons"`
}

// flexString accepts either a JSON string or an array of strings.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*f = flexString(strings.Join(arr, ", "))
	return nil
}

// flexStrings accepts either an array of strings or a single
// space-separated string.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*f = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = strings.Fields(s)
	return nil
}

// fetchRegistration loads every leaf of the registration index, following
// pages that are not inlined.
func (r *Registry) fetchRegistration(ctx context.Context, name string) ([]catalogEntry, error) {
	base, err := r.resource(ctx, func(res *resources) string { return res.registration }, "RegistrationsBaseUrl")
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/%s/index.json", base, url.PathEscape(strings.ToLower(name)))
	var resp registrationResponse
	if err := r.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, notFound(err, name, "")
	}

	var entries []catalogEntry
	for _, page := range resp.Items {
		items := page.Items
		if len(items) == 0 && page.ID != "" {
			var full registrationPage
			if err := r.client.GetJSON(ctx, page.ID, &full); err != nil {
				return nil, err
			}
			items = full.Items
		}
		for _, leaf := range items {
			entries = append(entries, leaf.CatalogEntry)
		}
	}

	if len(entries) == 0 {
		return nil, &client.NotFoundError{Ecosystem: ecosystem, Name: name}
	}
	return entries, nil
}

func (r *Registry) FetchPackage(ctx context.Context, name string) (*core.Package, error) {
	entries, err := r.fetchRegistration(ctx, name)
	if err != nil {
		return nil, err
	}

	latest := latestEntry(entries)

	pkg := &core.Package{
		Name:          latest.ID,
		Description:   latest.Description,
		Homepage:      latest.ProjectURL,
		Licenses:      latest.LicenseExpression,
		Keywords:      []string(latest.Tags),
		LatestVersion: latest.Version,
		Metadata: map[string]any{
			"authors":  string(latest.Authors),
			"icon_url": latest.IconURL,
		},
	}
	if isRepositoryURL(latest.ProjectURL) {
		pkg.Repository = latest.ProjectURL
	}
	if latest.LicenseExpression != "" {
		valid, _ := spdxexp.ValidateLicenses([]string{latest.LicenseExpression})
		pkg.Metadata["license_valid"] = valid
	} else if latest.LicenseURL != "" {
		pkg.Metadata["license_url"] = latest.LicenseURL
	}

	return pkg, nil
}

func (r *Registry) FetchVersions(ctx context.Context, name string) ([]core.Version, error) {
	entries, err := r.fetchRegistration(ctx, name)
	if err != nil {
		return nil, err
	}

	versions := make([]core.Version, 0, len(entries))
	for _, e := range entries {
		var publishedAt time.Time
		if e.Published != "" {
			publishedAt, _ = time.Parse(time.RFC3339, e.Published)
			// Unlisted packages carry the 1900-01-01 sentinel
			if publishedAt.Year() <= 1900 {
				publishedAt = time.Time{}
			}
		}

		var status core.VersionStatus
		switch {
		case !e.Listed:
			status = core.StatusYanked
		case e.Deprecation != nil:
			status = core.StatusDeprecated
		}

		metadata := map[string]any{"listed": e.Listed}
		if e.Deprecation != nil {
			metadata["deprecation_message"] = e.Deprecation.Message
			metadata["deprecation_reasons"] = e.Deprecation.Reasons
		}

		versions = append(versions, core.Version{
			Number:      e.Version,
			PublishedAt: publishedAt,
			Licenses:    e.LicenseExpression,
			Status:      status,
			Metadata:    metadata,
		})
	}

	return versions, nil
}

func (r *Registry) FetchDependencies(ctx context.Context, name, version string) ([]core.Dependency, error) {
	entries, err := r.fetchRegistration(ctx, name)
	if err != nil {
		return nil, err
	}

	var entry *catalogEntry
	for i := range entries {
		if strings.EqualFold(entries[i].Version, version) {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return nil, &client.NotFoundError{Ecosystem: ecosystem, Name: name, Version: version}
	}

	seen := make(map[string]bool)
	var deps []core.Dependency
	for _, group := range entry.Dependencies {
		for _, d := range group.Dependencies {
			key := strings.ToLower(d.ID)
			if seen[key] {
				continue
			}
			seen[key] = true
			deps = append(deps, core.Dependency{
				Name:            d.ID,
				Requirements:    d.Range,
				TargetFramework: group.TargetFramework,
			})
		}
	}

	return deps, nil
}

func (r *Registry) FetchMaintainers(ctx context.Context, name string) ([]core.Maintainer, error) {
	entries, err := r.fetchRegistration(ctx, name)
	if err != nil {
		return nil, err
	}

	latest := latestEntry(entries)
	var maintainers []core.Maintainer
	for _, author := range strings.Split(string(latest.Authors), ",") {
		author = strings.TrimSpace(author)
		if author != "" {
			maintainers = append(maintainers, core.Maintainer{Name: author})
		}
	}
	return maintainers, nil
}

// latestEntry picks the newest listed stable entry, falling back to the
// newest listed one and finally the newest of all. Registration leaves are
// ordered oldest first.
func latestEntry(entries []catalogEntry) catalogEntry {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Listed && !core.IsPrerelease(entries[i].Version) {
			return entries[i]
		}
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Listed {
			return entries[i]
		}
	}
	return entries[len(entries)-1]
}

func isRepositoryURL(u string) bool {
	for _, host := range []string{"github.com/", "gitlab.com/", "bitbucket.org/"} {
		if strings.Contains(u, host) {
			return true
		}
	}
	return false
}

// notFound converts a 404 into a registry NotFoundError.
func notFound(err error, name, version string) error {
	var httpErr *core.HTTPError
	if errors.As(err, &httpErr) && httpErr.IsNotFound() {
		return &client.NotFoundError{Ecosystem: ecosystem, Name: name, Version: version}
	}
	return err
}

type URLs struct {
	baseURL string
}

func (u *URLs) Registry(name, version string) string {
	if version != "" {
		return fmt.Sprintf("https://www.nuget.org/packages/%s/%s", name, version)
	}
	return fmt.Sprintf("https://www.nuget.org/packages/%s", name)
}

func (u *URLs) Download(name, version string) string {
	if version == "" {
		return ""
	}
	lower := strings.ToLower(name)
	v := strings.ToLower(version)
	return fmt.Sprintf("%s-flatcontainer/%s/%s/%s.%s.nupkg", u.baseURL, lower, v, lower, v)
}

func (u *URLs) Documentation(name, version string) string {
	return ""
}

func (u *URLs) PURL(name, version string) string {
	return core.NuGetPURL(name, version)
}
