package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/wahook/internal/service/webhook"
)

type echoProcessor struct{}

func (echoProcessor) ProcessVerification(_, _, challenge string) webhook.Result {
	return webhook.Result{Status: http.StatusOK, Body: challenge}
}

func (echoProcessor) ProcessWebhook(context.Context, webhook.Request) webhook.Result {
	return webhook.Result{Status: http.StatusOK, Body: "webhook"}
}

func (echoProcessor) ProcessFlow(context.Context, webhook.Request) webhook.Result {
	return webhook.Result{Status: http.StatusOK, Body: "flow"}
}

type roundTrip func(t *testing.T, req *http.Request) (int, string)

func engines(t *testing.T) map[string]roundTrip {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "router_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	opts := Options{
		Processor:    echoProcessor{},
		MaxBodyBytes: 1024,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	viaHandler := func(h http.Handler) roundTrip {
		return func(_ *testing.T, req *http.Request) (int, string) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			return rec.Code, rec.Body.String()
		}
	}

	app := NewFiber(opts)
	return map[string]roundTrip{
		"gin": viaHandler(NewGin(opts)),
		"chi": viaHandler(NewChi(opts)),
		"fiber": func(t *testing.T, req *http.Request) (int, string) {
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			return resp.StatusCode, string(body)
		},
	}
}

func TestEnginesServeRoutes(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		status   int
		contains string
	}{
		{"verify", http.MethodGet, PathWebhook + "?hub.mode=subscribe&hub.verify_token=t&hub.challenge=abc", "", http.StatusOK, "abc"},
		{"webhook", http.MethodPost, PathWebhook, `{}`, http.StatusOK, "webhook"},
		{"flow", http.MethodPost, PathFlow, `{}`, http.StatusOK, "flow"},
		{"health", http.MethodGet, PathHealth, "", http.StatusOK, `"status":"ok"`},
		{"metrics", http.MethodGet, PathMetrics, "", http.StatusOK, "router_test_total 1"},
		{"method not allowed", http.MethodDelete, PathWebhook, "", http.StatusMethodNotAllowed, "Method Not Allowed"},
		{"too large", http.MethodPost, PathFlow, strings.Repeat("a", 2048), http.StatusRequestEntityTooLarge, "Request Entity Too Large"},
	}

	for name, do := range engines(t) {
		for _, tt := range tests {
			t.Run(name+" "+tt.name, func(t *testing.T) {
				var body io.Reader
				if tt.body != "" {
					body = strings.NewReader(tt.body)
				}
				status, got := do(t, httptest.NewRequest(tt.method, tt.path, body))
				assert.Equal(t, tt.status, status)
				assert.Contains(t, got, tt.contains)
			})
		}
	}
}
