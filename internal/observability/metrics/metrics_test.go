package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveHTTPRequestCountsServerErrors(t *testing.T) {
	before := testutil.ToFloat64(httpErrors.WithLabelValues("agents", "GET"))
	ObserveHTTPRequest("agents", "GET", 200, 10*time.Millisecond)
	ObserveHTTPRequest("agents", "GET", 503, 20*time.Millisecond)

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("agents", "GET", "503")); got < 1 {
		t.Fatalf("expected 503 request to be counted, got %v", got)
	}
	if got := testutil.ToFloat64(httpErrors.WithLabelValues("agents", "GET")) - before; got != 1 {
		t.Fatalf("expected one server error, got %v", got)
	}
}

func TestDomainCounters(t *testing.T) {
	ObserveMintTransition("devnet", "tokenized")
	ObserveDecaySweep(errors.New("store down"))
	ObserveEventDropped()

	if got := testutil.ToFloat64(mintTransitions.WithLabelValues("devnet", "tokenized")); got < 1 {
		t.Fatalf("mint transition not counted")
	}
	if got := testutil.ToFloat64(decaySweeps.WithLabelValues("error")); got < 1 {
		t.Fatalf("failed sweep not counted")
	}
}

func TestHandlerExposesMeshMetrics(t *testing.T) {
	ObservePathwayUsage("success")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `mesh_graph_pathway_usage_total{outcome="success"}`) {
		t.Fatalf("pathway usage metric missing from exposition")
	}
}
