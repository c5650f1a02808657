package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/git-pkgs/pkgref"
	"github.com/git-pkgs/pkgref/client"
	"github.com/git-pkgs/pkgref/internal/core"
	"github.com/git-pkgs/pkgref/internal/metrics"
	"github.com/git-pkgs/pkgref/internal/view"
)

const manifestPath = "/proj/App.csproj"

const project = `<Project Sdk="Microsoft.NET.Sdk">
  <ItemGroup>
    <PackageReference Include="Serilog" Version="3.1.1" />
  </ItemGroup>
</Project>
`

type fixture struct {
	srv *Server
	fs  afero.Fs
	reg *fakeRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := afero.NewMemMapFs()
	if err := afero.WriteFile(mem, manifestPath, []byte(project), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := &fakeRegistry{
		versions: map[string][]core.Version{
			"Moq":     {{Number: "4.18.0"}, {Number: "4.20.0"}},
			"Serilog": {{Number: "3.1.1"}, {Number: "4.0.0"}},
		},
	}
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	mgr := pkgref.New(pkgref.WithFs(mem), pkgref.WithRegistry(reg), pkgref.WithMetrics(m))
	t.Cleanup(mgr.Close)

	srv := New(mgr, WithMetrics(m), WithGatherer(promReg))
	return &fixture{srv: srv, fs: mem, reg: reg}
}

func (f *fixture) do(t *testing.T, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

// open opens the manifest panel and returns its URL.
func (f *fixture) open(t *testing.T) string {
	t.Helper()
	rec := f.do(t, "POST", "/panels", url.Values{"manifest": {manifestPath}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("open: expected 303, got %d: %s", rec.Code, rec.Body.String())
	}
	return rec.Header().Get("Location")
}

func TestOpen_RevealsExistingPanel(t *testing.T) {
	f := newFixture(t)

	first := f.open(t)
	if first != "/panels/p1" {
		t.Errorf("Location = %q", first)
	}
	if second := f.open(t); second != first {
		t.Errorf("expected the same panel, got %q and %q", first, second)
	}

	rec := f.do(t, "GET", "/", nil)
	if !strings.Contains(rec.Body.String(), "NuGet Manager (App.csproj)") {
		t.Errorf("index does not list the open panel:\n%s", rec.Body.String())
	}
}

func TestOpen_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		manifest string
		want     int
	}{
		{"/proj/readme.md", http.StatusUnprocessableEntity},
		{"/proj/Missing.csproj", http.StatusInternalServerError},
		{"", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.manifest, func(t *testing.T) {
			rec := f.do(t, "POST", "/panels", url.Values{"manifest": {tt.manifest}})
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestPanel_Renders(t *testing.T) {
	f := newFixture(t)
	loc := f.open(t)

	rec := f.do(t, "GET", loc, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"<title>NuGet Manager (App.csproj)</title>",
		"<td>Serilog</td><td>3.1.1</td>",
		`action="/panels/p1/update"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("panel missing %q", want)
		}
	}
	if strings.Contains(body, "${") {
		t.Error("panel has unrendered placeholders")
	}
}

func TestPanel_EscapesValues(t *testing.T) {
	f := newFixture(t)
	evil := `<Project><ItemGroup><PackageReference Include="&lt;script&gt;alert(1)&lt;/script&gt;" Version="1&amp;2" /></ItemGroup></Project>`
	if err := afero.WriteFile(f.fs, manifestPath, []byte(evil), 0o644); err != nil {
		t.Fatal(err)
	}

	body := f.do(t, "GET", f.open(t), nil).Body.String()
	if strings.Contains(body, "<script>") {
		t.Error("package name was not escaped")
	}
	if !strings.Contains(body, "&lt;script&gt;alert(1)&lt;/script&gt;") || !strings.Contains(body, "1&amp;2") {
		t.Errorf("escaped values missing from panel:\n%s", body)
	}
}

func TestPanel_ReloadsOnView(t *testing.T) {
	f := newFixture(t)
	loc := f.open(t)

	changed := strings.Replace(project, "3.1.1", "3.1.2", 1)
	if err := afero.WriteFile(f.fs, manifestPath, []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}
	if body := f.do(t, "GET", loc, nil).Body.String(); !strings.Contains(body, "<td>3.1.2</td>") {
		t.Error("panel did not re-read the manifest")
	}
}

func TestPanel_Search(t *testing.T) {
	f := newFixture(t)
	loc := f.open(t)

	body := f.do(t, "GET", loc+"?q=moq&prerelease=true", nil).Body.String()
	if !strings.Contains(body, `value="moq"`) || !strings.Contains(body, " checked>") {
		t.Error("search form state not kept")
	}
	if !strings.Contains(body, `action="/panels/p1/add"`) || !strings.Contains(body, "Moq") {
		t.Errorf("search results missing:\n%s", body)
	}
	if !f.reg.lastOpts.Prerelease {
		t.Error("prerelease not passed to the registry")
	}
}

func TestAdd_RedirectsToRebuiltPanel(t *testing.T) {
	f := newFixture(t)
	loc := f.open(t)

	rec := f.do(t, "POST", loc+"/add", url.Values{"name": {"Moq"}, "version": {"4.20.0"}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d: %s", rec.Code, rec.Body.String())
	}
	fresh := rec.Header().Get("Location")
	if fresh == loc {
		t.Error("expected a rebuilt panel")
	}

	if rec := f.do(t, "GET", loc, nil); rec.Code != http.StatusNotFound {
		t.Errorf("old panel: expected 404, got %d", rec.Code)
	}
	if body := f.do(t, "GET", fresh, nil).Body.String(); !strings.Contains(body, "<td>Moq</td><td>4.20.0</td>") {
		t.Error("rebuilt panel does not show the new package")
	}
}

func TestAdd_ResolvesLatestVersion(t *testing.T) {
	f := newFixture(t)
	loc := f.open(t)

	rec := f.do(t, "POST", loc+"/add", url.Values{"name": {"Moq"}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	b, _ := afero.ReadFile(f.fs, manifestPath)
	if !strings.Contains(string(b), `<PackageReference Include="Moq" Version="4.20.0" />`) {
		t.Errorf("manifest = %s", b)
	}
}

func TestAdd_DuplicateKeepsPanel(t *testing.T) {
	f := newFixture(t)
	loc := f.open(t)

	rec := f.do(t, "POST", loc+"/add", url.Values{"name": {"serilog"}, "version": {"9.9.9"}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already referenced") {
		t.Error("error message not shown")
	}
	if rec := f.do(t, "GET", loc, nil); rec.Code != http.StatusOK {
		t.Errorf("panel should still be open, got %d", rec.Code)
	}
	if b, _ := afero.ReadFile(f.fs, manifestPath); string(b) != project {
		t.Error("manifest changed after a failed add")
	}
}

func TestUpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	loc := f.open(t)

	rec := f.do(t, "POST", loc+"/update", url.Values{"name": {"Serilog"}, "version": {"4.0.0"}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("update: expected 303, got %d", rec.Code)
	}
	loc = rec.Header().Get("Location")

	rec = f.do(t, "POST", loc+"/delete", url.Values{"name": {"Moq"}})
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete missing: expected 404, got %d", rec.Code)
	}

	rec = f.do(t, "POST", loc+"/delete", url.Values{"name": {"Serilog"}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("delete: expected 303, got %d", rec.Code)
	}
	b, _ := afero.ReadFile(f.fs, manifestPath)
	if strings.Contains(string(b), "Serilog") {
		t.Errorf("manifest still references Serilog: %s", b)
	}
}

func TestDispose(t *testing.T) {
	f := newFixture(t)
	loc := f.open(t)

	rec := f.do(t, "POST", loc+"/dispose", url.Values{})
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Errorf("dispose: got %d to %q", rec.Code, rec.Header().Get("Location"))
	}
	if rec := f.do(t, "GET", loc, nil); rec.Code != http.StatusNotFound {
		t.Errorf("disposed panel: expected 404, got %d", rec.Code)
	}
	if loc2 := f.open(t); loc2 == loc {
		t.Error("reopening should create a new panel")
	}
}

func TestPanelGone(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	coord := f.srv.coord

	old, ok := coord.Lookup("p1")
	if !ok {
		t.Fatal("panel p1 is not open")
	}
	if _, err := f.srv.manager.AddPackage(context.Background(), manifestPath, "Moq", "4.20.0"); err != nil {
		t.Fatal(err)
	}
	current, ok := coord.Session(manifestPath)
	if !ok || current == old {
		t.Fatal("expected the panel to be rebuilt")
	}

	rec := httptest.NewRecorder()
	f.srv.panelGone(rec, httptest.NewRequest("GET", "/panels/p1?q=moq", nil), old)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("replaced panel: expected 303, got %d", rec.Code)
	}
	if want := "/panels/" + current.ID() + "?q=moq"; rec.Header().Get("Location") != want {
		t.Errorf("Location = %q, want %q", rec.Header().Get("Location"), want)
	}

	current.Dispose()
	rec = httptest.NewRecorder()
	f.srv.panelGone(rec, httptest.NewRequest("GET", "/panels/"+current.ID(), nil), current)
	if rec.Code != http.StatusGone {
		t.Errorf("disposed panel: expected 410, got %d", rec.Code)
	}
}

func TestAPI_Packages(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	rec := f.do(t, "GET", "/api/panels/p1/packages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap view.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.ID != "p1" || len(snap.References) != 1 || snap.References[0].Name != "Serilog" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	if rec := f.do(t, "GET", "/api/panels/p9/packages", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown panel: expected 404, got %d", rec.Code)
	}
}

func TestAPI_Search(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/search?q=moq&take=5&skip=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var results []core.SearchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Name != "Moq" {
		t.Errorf("unexpected results: %+v", results)
	}
	if f.reg.lastQuery != "moq" || f.reg.lastOpts.Take != 5 || f.reg.lastOpts.Skip != 10 {
		t.Errorf("search not passed through: %q %+v", f.reg.lastQuery, f.reg.lastOpts)
	}

	if rec := f.do(t, "GET", "/api/search?q=moq&take=lots", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad take: expected 422, got %d", rec.Code)
	}

	f.reg.searchErr = &client.NetworkError{URL: "https://feed.example.com/query", Err: errors.New("connection refused")}
	if rec := f.do(t, "GET", "/api/search?q=moq", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("network failure: expected 502, got %d", rec.Code)
	}
}

func TestAPI_Versions(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/packages/Moq/versions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp versionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Name != "Moq" || len(resp.Versions) != 2 || resp.Versions[1] != "4.20.0" {
		t.Errorf("unexpected versions: %+v", resp)
	}

	if rec := f.do(t, "GET", "/api/packages/Nope/versions", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown package: expected 404, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/healthz", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("healthz: %d %s", rec.Code, rec.Body.String())
	}

	f.reg.pingErr = &client.NetworkError{URL: "https://feed.example.com/v3/index.json", Err: errors.New("timeout")}
	rec = f.do(t, "GET", "/healthz?deep=true", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "timeout") {
		t.Errorf("deep healthz: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	body := f.do(t, "GET", "/metrics", nil).Body.String()
	for _, want := range []string{
		`pkgref_http_requests_total{code="303",method="POST",route="/panels`,
		"pkgref_view_open_sessions 1",
		"pkgref_store_operations_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestRecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.srv.router.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	if rec := f.do(t, "GET", "/boom", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&core.DuplicateError{Name: "A"}, http.StatusConflict},
		{&core.NotFoundError{Name: "A"}, http.StatusNotFound},
		{&client.NotFoundError{Ecosystem: "nuget", Name: "A"}, http.StatusNotFound},
		{&core.ParseError{Line: 1, Err: errors.New("bad")}, http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", core.ErrInvalidReference), http.StatusUnprocessableEntity},
		{&core.IOError{Op: "read", Err: fs.ErrNotExist}, http.StatusInternalServerError},
		{&client.HTTPError{StatusCode: 503}, http.StatusBadGateway},
		{view.ErrSessionClosed, http.StatusGone},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

type fakeRegistry struct {
	versions  map[string][]core.Version
	lastQuery string
	lastOpts  core.SearchOptions
	searchErr error
	pingErr   error
}

func (f *fakeRegistry) Ecosystem() string { return "nuget" }

func (f *fakeRegistry) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeRegistry) Search(ctx context.Context, query string, opts core.SearchOptions) ([]core.SearchResult, error) {
	f.lastQuery, f.lastOpts = query, opts
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return []core.SearchResult{{
		Name:          "Moq",
		LatestVersion: "4.20.0",
		Description:   "Mocking library",
		DetailURL:     "https://www.nuget.org/packages/Moq",
	}}, nil
}

func (f *fakeRegistry) ListVersions(ctx context.Context, name string) ([]string, error) {
	vs, err := f.FetchVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Number
	}
	return out, nil
}

func (f *fakeRegistry) FetchPackage(ctx context.Context, name string) (*core.Package, error) {
	return &core.Package{Name: name}, nil
}

func (f *fakeRegistry) FetchVersions(ctx context.Context, name string) ([]core.Version, error) {
	vs, ok := f.versions[name]
	if !ok {
		return nil, &client.NotFoundError{Ecosystem: "nuget", Name: name}
	}
	return vs, nil
}

func (f *fakeRegistry) FetchDependencies(ctx context.Context, name, version string) ([]core.Dependency, error) {
	return nil, nil
}

func (f *fakeRegistry) FetchMaintainers(ctx context.Context, name string) ([]core.Maintainer, error) {
	return nil, nil
}

func (f *fakeRegistry) URLs() core.URLBuilder { return nil }
