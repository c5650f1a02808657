package metrics

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/git-pkgs/pkgref/client"
	"github.com/git-pkgs/pkgref/internal/core"
)

func TestObserveStore(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveStore("add", time.Now(), nil)
	m.ObserveStore("add", time.Now(), &core.DuplicateError{Name: "Serilog"})
	m.ObserveStore("add", time.Now(), &core.DuplicateError{Name: "Moq"})

	if got := testutil.ToFloat64(m.storeOps.WithLabelValues("add", "ok")); got != 1 {
		t.Errorf("operations_total(add, ok) = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.storeOps.WithLabelValues("add", "duplicate")); got != 2 {
		t.Errorf("operations_total(add, duplicate) = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.storeDuration); got != 1 {
		t.Errorf("expected one duration series, got %d", got)
	}
}

func TestSessionGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.SessionEvent("rebuild")

	if got := testutil.ToFloat64(m.openSessions); got != 1 {
		t.Errorf("open_sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionEvents.WithLabelValues("rebuild")); got != 1 {
		t.Errorf("session_events_total(rebuild) = %v, want 1", got)
	}
}

func TestRegistryObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())
	observe := m.RegistryObserver()

	observe("api.nuget.org", http.StatusOK, time.Millisecond, nil)
	observe("api.nuget.org", 0, time.Millisecond, errors.New("dial tcp: refused"))

	if got := testutil.ToFloat64(m.registryRequests.WithLabelValues("api.nuget.org", "200")); got != 1 {
		t.Errorf("requests_total(200) = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.registryRequests.WithLabelValues("api.nuget.org", "error")); got != 1 {
		t.Errorf("requests_total(error) = %v, want 1", got)
	}
}

func TestObserveHTTP(t *testing.T) {
	m := New(prometheus.NewRegistry(), WithNamespace("test"))
	m.ObserveHTTP("", http.MethodGet, http.StatusNotFound, time.Millisecond)

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("unmatched", "GET", "404")); got != 1 {
		t.Errorf("requests_total(unmatched) = %v, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveStore("list", time.Now(), nil)
	m.SessionOpened()
	m.SessionClosed()
	m.SessionEvent("stale")
	m.ObserveHTTP("/", "GET", 200, 0)
	m.RegistryObserver()("host", 200, 0, nil)
}

func TestResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&core.DuplicateError{}, "duplicate"},
		{&core.NotFoundError{}, "not_found"},
		{&client.NotFoundError{Name: "x"}, "not_found"},
		{fmt.Errorf("add: %w", core.ErrInvalidReference), "invalid"},
		{&core.ParseError{Err: errors.New("eof")}, "parse"},
		{&core.IOError{Op: "read", Err: fs.ErrNotExist}, "io"},
		{&client.HTTPError{StatusCode: 500}, "network"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := Result(tt.err); got != tt.want {
			t.Errorf("Result(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
