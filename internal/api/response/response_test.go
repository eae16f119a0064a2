package response_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/marketpulse/internal/api/middleware"
	"github.com/marketpulse/marketpulse/internal/api/models"
	"github.com/marketpulse/marketpulse/internal/api/response"
	"github.com/marketpulse/marketpulse/internal/orchestrator"
	"github.com/marketpulse/marketpulse/internal/provider"
)

// withRequestID returns req as seen by handlers behind the RequestID middleware.
func withRequestID(t *testing.T, req *http.Request) *http.Request {
	t.Helper()
	var processed *http.Request
	middleware.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		processed = r
	})).ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, processed)
	return processed
}

func marketRequest(t *testing.T) *http.Request {
	t.Helper()
	return withRequestID(t, httptest.NewRequest(http.MethodGet, "/v1/market-data/crypto_price/BTC", http.NoBody))
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) models.Problem {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem models.Problem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	return problem
}

func TestJSON(t *testing.T) {
	req := marketRequest(t)
	rec := httptest.NewRecorder()

	response.JSON(rec, req, http.StatusOK, map[string]string{"symbol": "BTC"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, middleware.GetRequestID(req.Context()), rec.Header().Get("X-Request-Id"))
	assert.JSONEq(t, `{"symbol":"BTC"}`, rec.Body.String())
}

func TestJSON_WithoutRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/providers", http.NoBody)
	rec := httptest.NewRecorder()

	response.JSON(rec, req, http.StatusAccepted, nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Request-Id"))
	assert.Zero(t, rec.Body.Len())
}

func TestNoContent(t *testing.T) {
	req := marketRequest(t)
	rec := httptest.NewRecorder()

	response.NoContent(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Zero(t, rec.Body.Len())
}

func TestIncomingRequestIDIsEchoed(t *testing.T) {
	raw := httptest.NewRequest(http.MethodGet, "/v1/cache/stats", http.NoBody)
	raw.Header.Set(middleware.RequestIDHeader, "client-request-123")
	req := withRequestID(t, raw)
	rec := httptest.NewRecorder()

	response.JSON(rec, req, http.StatusOK, map[string]string{"status": "ok"})

	assert.Equal(t, "client-request-123", rec.Header().Get("X-Request-Id"))
	assert.Empty(t, middleware.GetRequestID(context.Background()))
}

func TestProblemHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter, *http.Request)
		status int
		typ    string
	}{
		{
			name: "bad request",
			write: func(w http.ResponseWriter, r *http.Request) {
				response.BadRequest(w, r, "invalid parameters", []models.FieldError{{Field: "priority", Message: "unknown priority"}})
			},
			status: http.StatusBadRequest,
			typ:    models.ProblemTypeValidation,
		},
		{
			name:   "not found",
			write:  func(w http.ResponseWriter, r *http.Request) { response.NotFound(w, r, "provider not found") },
			status: http.StatusNotFound,
			typ:    models.ProblemTypeNotFound,
		},
		{
			name:   "service unavailable",
			write:  func(w http.ResponseWriter, r *http.Request) { response.ServiceUnavailable(w, r, "streaming is disabled") },
			status: http.StatusServiceUnavailable,
			typ:    models.ProblemTypeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := marketRequest(t)
			rec := httptest.NewRecorder()

			tt.write(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			problem := decodeProblem(t, rec)
			assert.Equal(t, tt.typ, problem.Type)
			assert.Equal(t, tt.status, problem.Status)
			assert.Equal(t, "/v1/market-data/crypto_price/BTC", problem.Instance)
			assert.Equal(t, middleware.GetRequestID(req.Context()), problem.TraceID)
		})
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		typ        string
		hideDetail bool
		retryAfter string
	}{
		{
			name:   "invalid request",
			err:    fmt.Errorf("%w: symbol is required", orchestrator.ErrInvalidRequest),
			status: http.StatusBadRequest,
			typ:    models.ProblemTypeValidation,
		},
		{
			name:   "unsupported data type",
			err:    fmt.Errorf("binance: %w", provider.ErrUnsupportedDataType),
			status: http.StatusBadRequest,
			typ:    models.ProblemTypeValidation,
		},
		{
			name:   "symbol not found",
			err:    &provider.UpstreamError{Provider: "coingecko", StatusCode: 404, Err: provider.ErrSymbolNotFound},
			status: http.StatusNotFound,
			typ:    models.ProblemTypeNotFound,
		},
		{
			name:       "backpressured",
			err:        &orchestrator.FetchError{DataType: provider.DataTypeTicker, Symbol: "BTC", Err: provider.ErrBackpressured},
			status:     http.StatusTooManyRequests,
			typ:        models.ProblemTypeBackpressured,
			retryAfter: "1",
		},
		{
			name: "provider unavailable",
			err: &orchestrator.FetchError{
				DataType: provider.DataTypeCryptoPrice,
				Symbol:   "BTC",
				Attempts: []orchestrator.Attempt{{Provider: "coingecko", Error: "timeout"}},
				Err:      provider.ErrProviderUnavailable,
			},
			status: http.StatusServiceUnavailable,
			typ:    models.ProblemTypeProviderUnavailable,
		},
		{
			name:   "rate limited",
			err:    &provider.UpstreamError{Provider: "finnhub", StatusCode: 429, Err: provider.ErrRateLimited},
			status: http.StatusTooManyRequests,
			typ:    models.ProblemTypeTooManyRequests,
		},
		{
			name:   "deadline",
			err:    fmt.Errorf("coingecko: %w", context.DeadlineExceeded),
			status: http.StatusServiceUnavailable,
			typ:    models.ProblemTypeUnavailable,
		},
		{
			name:   "upstream",
			err:    &provider.UpstreamError{Provider: "finnhub", StatusCode: 400, Err: provider.ErrUpstream},
			status: http.StatusBadGateway,
			typ:    models.ProblemTypeUpstream,
		},
		{
			name:       "unknown",
			err:        errors.New("pool closed"),
			status:     http.StatusInternalServerError,
			typ:        models.ProblemTypeInternal,
			hideDetail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()

			response.FromError(rec, marketRequest(t), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			problem := decodeProblem(t, rec)
			assert.Equal(t, tt.typ, problem.Type)
			assert.Equal(t, "/v1/market-data/crypto_price/BTC", problem.Instance)
			if tt.hideDetail {
				assert.NotContains(t, problem.Detail, "pool closed")
			} else {
				assert.Equal(t, tt.err.Error(), problem.Detail)
			}
		})
	}
}
