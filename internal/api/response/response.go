// Package response writes JSON and Problem+JSON responses.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marketpulse/marketpulse/internal/api/middleware"
	"github.com/marketpulse/marketpulse/internal/api/models"
	"github.com/marketpulse/marketpulse/internal/orchestrator"
	"github.com/marketpulse/marketpulse/internal/provider"
)

// BackpressureRetryAfter is the Retry-After hint, in seconds, sent when the
// call queue sheds a request.
const BackpressureRetryAfter = 1

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	echoRequestID(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// NoContent writes a bare 204.
func NoContent(w http.ResponseWriter, r *http.Request) {
	echoRequestID(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// Error writes problem, stamping it with the request path.
func Error(w http.ResponseWriter, r *http.Request, problem *models.Problem) {
	problem.WithInstance(r.URL.Path).Write(w)
}

func BadRequest(w http.ResponseWriter, r *http.Request, detail string, errors []models.FieldError) {
	Error(w, r, models.NewBadRequest(middleware.GetRequestID(r.Context()), detail, errors))
}

func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewNotFound(middleware.GetRequestID(r.Context()), detail))
}

func ServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewServiceUnavailable(middleware.GetRequestID(r.Context()), detail))
}

// errorProblems maps the error taxonomy onto problem types, first match wins.
var errorProblems = []struct {
	target      error
	problemType string
}{
	{orchestrator.ErrInvalidRequest, models.ProblemTypeValidation},
	{provider.ErrUnsupportedDataType, models.ProblemTypeValidation},
	{provider.ErrSymbolNotFound, models.ProblemTypeNotFound},
	{provider.ErrBackpressured, models.ProblemTypeBackpressured},
	{provider.ErrProviderUnavailable, models.ProblemTypeProviderUnavailable},
	{provider.ErrRateLimited, models.ProblemTypeTooManyRequests},
	{provider.ErrTimeout, models.ProblemTypeUnavailable},
	{context.DeadlineExceeded, models.ProblemTypeUnavailable},
}

// FromError maps a market data error onto its Problem response. Errors
// outside the taxonomy are reported as internal without their message.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := middleware.GetRequestID(r.Context())
	Error(w, r, problemFor(traceID, err))
}

func problemFor(traceID string, err error) *models.Problem {
	for _, m := range errorProblems {
		if !errors.Is(err, m.target) {
			continue
		}
		problem := models.NewKnownProblem(m.problemType, traceID, err.Error())
		if m.problemType == models.ProblemTypeBackpressured {
			problem.WithRetryAfter(BackpressureRetryAfter)
		}
		return problem
	}

	var upstream *provider.UpstreamError
	if errors.As(err, &upstream) {
		return models.NewBadGateway(traceID, err.Error())
	}
	return models.NewInternalError(traceID, "internal error")
}

func echoRequestID(w http.ResponseWriter, r *http.Request) {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		w.Header().Set("X-Request-Id", id)
	}
}
