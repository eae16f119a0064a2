package models_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/marketpulse/internal/api/models"
)

func TestNewKnownProblem(t *testing.T) {
	tests := []struct {
		name   string
		p      *models.Problem
		typ    string
		title  string
		status int
	}{
		{"bad request", models.NewBadRequest("req_1", "invalid data", nil), models.ProblemTypeValidation, "Validation error", http.StatusBadRequest},
		{"not found", models.NewNotFound("req_1", "provider not found"), models.ProblemTypeNotFound, "Not found", http.StatusNotFound},
		{"too many requests", models.NewTooManyRequests("req_1", "rate limit exceeded"), models.ProblemTypeTooManyRequests, "Too many requests", http.StatusTooManyRequests},
		{"internal", models.NewInternalError("req_1", "cache flush failed"), models.ProblemTypeInternal, "Internal server error", http.StatusInternalServerError},
		{"unavailable", models.NewServiceUnavailable("req_1", "streaming is disabled"), models.ProblemTypeUnavailable, "Service unavailable", http.StatusServiceUnavailable},
		{"backpressured", models.NewBackpressured("req_1", "queue full"), models.ProblemTypeBackpressured, "Request dropped by backpressure", http.StatusTooManyRequests},
		{"provider unavailable", models.NewProviderUnavailable("req_1", "all providers failed"), models.ProblemTypeProviderUnavailable, "No provider available", http.StatusServiceUnavailable},
		{"bad gateway", models.NewBadGateway("req_1", "coingecko: status 400"), models.ProblemTypeUpstream, "Upstream error", http.StatusBadGateway},
		{"tls", models.NewKnownProblem(models.ProblemTypeTLSRequired, "req_1", "use https"), models.ProblemTypeTLSRequired, "TLS required", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.typ, tt.p.Type)
			assert.Equal(t, tt.title, tt.p.Title)
			assert.Equal(t, tt.status, tt.p.Status)
			assert.Equal(t, "req_1", tt.p.TraceID)
			assert.NotEmpty(t, tt.p.Detail)
		})
	}
}

func TestNewKnownProblem_UnknownType(t *testing.T) {
	p := models.NewKnownProblem("https://example.com/teapot", "req_1", "short and stout")

	assert.Equal(t, models.ProblemTypeInternal, p.Type)
	assert.Equal(t, http.StatusInternalServerError, p.Status)
	assert.Equal(t, "short and stout", p.Detail)
}

func TestProblem_Builders(t *testing.T) {
	fieldErrors := []models.FieldError{
		{Field: "dataType", Message: "unknown data type", Code: "INVALID"},
		{Field: "priority", Message: "must be one of critical, high, normal, low, batch", Code: "INVALID"},
	}

	p := models.NewProblem(models.ProblemTypeValidation, "Validation error", http.StatusBadRequest, "req_test123").
		WithDetail("invalid parameters").
		WithInstance("/v1/market-data/crypto_price/BTC").
		WithErrors(fieldErrors).
		WithRetryAfter(3)

	assert.Equal(t, "invalid parameters", p.Detail)
	assert.Equal(t, "/v1/market-data/crypto_price/BTC", p.Instance)
	assert.Equal(t, 3, p.RetryAfter)
	require.Len(t, p.Errors, 2)
	assert.Equal(t, "priority", p.Errors[1].Field)
}

func TestProblem_Write(t *testing.T) {
	p := models.NewBackpressured("req_test123", "queue full").
		WithInstance("/v1/market-data/ticker/BTCUSDT").
		WithRetryAfter(2)

	w := httptest.NewRecorder()
	p.Write(w)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, "req_test123", w.Header().Get("X-Request-Id"))
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	var result models.Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, *p, result)
}

func TestProblem_WriteWithoutHints(t *testing.T) {
	w := httptest.NewRecorder()
	models.NewNotFound("", "provider not found").Write(w)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Header().Get("X-Request-Id"))
	assert.Empty(t, w.Header().Get("Retry-After"))
	assert.NotContains(t, w.Body.String(), "retryAfter")
}
