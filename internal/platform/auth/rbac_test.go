package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  []string
		ok    bool
	}{
		{"match", []string{"billing"}, []string{"billing"}, true},
		{"any of", []string{"clinical"}, []string{"billing", "clinical"}, true},
		{"admin passes", []string{RoleAdmin}, []string{"front_desk"}, true},
		{"missing", []string{"clinical"}, []string{"billing"}, false},
		{"anonymous", nil, []string{"billing"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithIdentity(context.Background(), "u", tt.roles)
			if got := HasRole(ctx, tt.want...); got != tt.ok {
				t.Errorf("HasRole(%v, %v) = %v, want %v", tt.roles, tt.want, got, tt.ok)
			}
		})
	}
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), "u", []string{"billing"}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	if err := RequireRole("billing", "clinical")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), "u", []string{"front_desk"}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := RequireRole("billing")(func(c echo.Context) error { return nil })(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}
