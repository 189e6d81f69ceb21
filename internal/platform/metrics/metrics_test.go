package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPayments_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPayments(reg)

	p.InitiationAttempt("accepted")
	p.InitiationAttempt("accepted")
	p.InitiationAttempt("rejected")
	p.CallbackProcessed("success")

	if got := testutil.ToFloat64(p.initiations.WithLabelValues("accepted")); got != 2 {
		t.Errorf("accepted initiations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.initiations.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected initiations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.callbacks.WithLabelValues("success")); got != 1 {
		t.Errorf("success callbacks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.callbacks.WithLabelValues("failed")); got != 0 {
		t.Errorf("failed callbacks = %v, want 0", got)
	}
}

func TestNewPayments_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPayments(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	NewPayments(reg)
}

func TestHTTPMiddleware_UsesRouteTemplate(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHTTP(reg)

	e := echo.New()
	e.Use(h.Middleware())
	e.GET("/api/v1/payments/mpesa/transactions/:checkoutRequestId", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "down")
	})
	e.GET("/oops", func(c echo.Context) error {
		return errors.New("plain error")
	})

	for _, path := range []string{
		"/api/v1/payments/mpesa/transactions/ws_CO_1",
		"/api/v1/payments/mpesa/transactions/ws_CO_2",
		"/boom",
		"/oops",
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	route := "/api/v1/payments/mpesa/transactions/:checkoutRequestId"
	if got := testutil.ToFloat64(h.requests.WithLabelValues("GET", route, "200")); got != 2 {
		t.Errorf("route requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.requests.WithLabelValues("GET", "/boom", "502")); got != 1 {
		t.Errorf("/boom 502 = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.requests.WithLabelValues("GET", "/oops", "500")); got != 1 {
		t.Errorf("/oops 500 = %v, want 1", got)
	}
}

func TestHandler_ExposesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	p := NewPayments(reg)
	p.CallbackProcessed("failed")

	e := echo.New()
	e.GET("/metrics", Handler(reg))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `clinic_mpesa_callbacks_total{outcome="failed"} 1`) {
		t.Errorf("callback counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected Go runtime collector output")
	}
}
