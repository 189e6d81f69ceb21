package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
)

func tenantContext(target, header, claimed string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if header != "" {
		req.Header.Set("X-Tenant-ID", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	if claimed != "" {
		c.Set(auth.TenantContextKey, claimed)
	}
	return c
}

func TestResolveTenant(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		header  string
		claimed string
		want    string
		wantErr error
	}{
		{"default", "/", "", "", "default", nil},
		{"query", "/?tenant_id=clinic_xyz", "", "", "clinic_xyz", nil},
		{"header", "/", "hospital_abc", "", "hospital_abc", nil},
		{"header over query", "/?tenant_id=query_tenant", "header_tenant", "", "header_tenant", nil},
		{"token", "/", "", "nairobi", "nairobi", nil},
		{"token agrees with header", "/", "Nairobi", "nairobi", "nairobi", nil},
		{"token agrees with query", "/?tenant_id=nairobi", "", "nairobi", "nairobi", nil},
		{"header contradicts token", "/", "mombasa", "nairobi", "", ErrTenantMismatch},
		{"query contradicts token", "/?tenant_id=mombasa", "", "nairobi", "", ErrTenantMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveTenant(tenantContext(tt.target, tt.header, tt.claimed), "default")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("tenant = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidTenantID(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"ABC", true},
		{"tenant_1", true},
		{"a", true},
		{strings.Repeat("x", 56), true},
		{strings.Repeat("x", 57), false},
		{"", false},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"a/b", false},
		{"a;b", false},
		{"'; DROP TABLE", false},
		{"tenant@1", false},
	}
	for _, tt := range tests {
		if got := ValidTenantID(tt.input); got != tt.valid {
			t.Errorf("ValidTenantID(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("nairobi_west"); got != "tenant_nairobi_west" {
		t.Errorf("expected tenant_nairobi_west, got %s", got)
	}
	if SchemaName("Nairobi_West") != SchemaName("nairobi_west") {
		t.Error("tenant ids differing only in case must share a schema")
	}
	if n := len(SchemaName(strings.Repeat("x", 56))); n > 63 {
		t.Errorf("schema name of %d bytes exceeds the identifier limit", n)
	}
}

func TestTenantContext(t *testing.T) {
	if TenantFromContext(context.Background()) != "" {
		t.Error("expected no tenant on a bare context")
	}
	if ConnFromContext(context.Background()) != nil {
		t.Error("expected no connection on a bare context")
	}
	if got := TenantFromContext(WithTenant(context.Background(), "kisumu")); got != "kisumu" {
		t.Errorf("expected kisumu, got %q", got)
	}
	if ConnFromContext(context.WithValue(context.Background(), connKey, "not-a-conn")) != nil {
		t.Error("expected nil for a foreign value")
	}
}

func TestBindTenant_InvalidID(t *testing.T) {
	ctx := context.Background()
	got, release, err := BindTenant(ctx, nil, "bad-tenant")
	if !errors.Is(err, ErrInvalidTenant) {
		t.Fatalf("expected ErrInvalidTenant, got %v", err)
	}
	if release != nil {
		t.Error("expected no release func on error")
	}
	if got != ctx {
		t.Error("expected the original context back on error")
	}
}

func TestCreateTenantSchema_InvalidIDs(t *testing.T) {
	for _, id := range []string{"tenant-with-dash", "tenant.with.dot", "ten ant", "drop;table", ""} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); !errors.Is(err, ErrInvalidTenant) {
			t.Errorf("%q: expected ErrInvalidTenant, got %v", id, err)
		}
	}
}

func TestTenantMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		claimed string
		want    int
	}{
		{"invalid tenant", "nairobi;drop", "", http.StatusBadRequest},
		{"mismatched tenant", "mombasa", "nairobi", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tenantContext("/api/v1/payments/mpesa/transactions", tt.header, tt.claimed)
			// A nil pool panics if the middleware gets as far as acquiring.
			err := TenantMiddleware(nil, "default", nil)(func(echo.Context) error {
				t.Error("handler must not run")
				return nil
			})(c)
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != tt.want {
				t.Fatalf("expected %d, got %v", tt.want, err)
			}
		})
	}
}

func TestBindRequestTenant_Errors(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		claimed string
		want    error
	}{
		{"invalid query tenant", "/?tenant_id=bad-tenant", "", ErrInvalidTenant},
		{"query contradicts token", "/?tenant_id=mombasa", "nairobi", ErrTenantMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, release, err := BindRequestTenant(tenantContext(tt.target, "", tt.claimed), nil, "default")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if release != nil {
				t.Error("expected no release func on error")
			}
		})
	}
}

func TestTenantMiddleware_Skip(t *testing.T) {
	c := tenantContext("/health", "", "")
	called := false
	skip := func(c echo.Context) bool { return c.Request().URL.Path == "/health" }
	err := TenantMiddleware(nil, "default", skip)(func(c echo.Context) error {
		called = true
		if TenantFromContext(c.Request().Context()) != "" {
			t.Error("expected no tenant on a skipped request")
		}
		return nil
	})(c)
	if err != nil || !called {
		t.Fatalf("expected handler to run, err=%v", err)
	}
}
