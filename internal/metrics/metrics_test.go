package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/workflows/{tradeID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := value(t, HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/workflows/{tradeID}", "404"))
	for _, id := range []string{"TRD-1", "TRD-2", "TRD-3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/workflows/"+id, nil))
	}
	after := value(t, HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/workflows/{tradeID}", "404"))

	if after-before != 3 {
		t.Errorf("expected 3 requests under one route label, got %v", after-before)
	}
}

func TestDomainCounters(t *testing.T) {
	before := value(t, DomainOutcomes.WithLabelValues("ledger", "failed"))
	DomainOutcomes.WithLabelValues("ledger", "failed").Inc()
	if got := value(t, DomainOutcomes.WithLabelValues("ledger", "failed")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}
