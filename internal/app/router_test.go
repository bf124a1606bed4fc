package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/storyvoice/internal/adapter/httpserver"
	"github.com/fairyhunter13/storyvoice/internal/app"
	"github.com/fairyhunter13/storyvoice/internal/config"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty means any", in: "", want: []string{"*"}},
		{name: "star", in: "*", want: []string{"*"}},
		{name: "single", in: "https://app.example.com", want: []string{"https://app.example.com"}},
		{name: "list with spaces", in: "https://a.example.com, https://b.example.com", want: []string{"https://a.example.com", "https://b.example.com"}},
		{name: "only commas", in: ",,", want: []string{"*"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, app.ParseOrigins(tc.in))
		})
	}
}

func testRouter() http.Handler {
	cfg := config.Config{
		CORSAllowOrigins: "*",
		RateLimitPerMin:  100,
		HTTPWriteTimeout: 5 * time.Second,
		MaxUploadMB:      10,
	}
	srv := httpserver.NewServer(cfg, nil, nil, nil, nil, nil,
		func(context.Context) error { return nil },
		func(context.Context) error { return nil })
	return app.BuildRouter(cfg, srv)
}

func TestRouterHealthz(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	testRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouterReadyz(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	testRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterRequiresIdentity(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	testRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/me/credits", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
