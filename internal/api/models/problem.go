package models

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Problem is an RFC 7807 error body, served as application/problem+json.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// TraceID echoes the request ID so clients can quote it in reports.
	TraceID string `json:"traceId"`

	// RetryAfter is a hint in seconds, also sent as the Retry-After header.
	RetryAfter int `json:"retryAfter,omitempty"`

	Errors []FieldError `json:"errors,omitempty"`
}

// FieldError describes one invalid request parameter.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

const problemBase = "https://api.marketpulse.dev/problems/"

// Problem types served by the API.
const (
	ProblemTypeValidation          = problemBase + "validation-error"
	ProblemTypeNotFound            = problemBase + "not-found"
	ProblemTypeTooManyRequests     = problemBase + "too-many-requests"
	ProblemTypeBackpressured       = problemBase + "backpressured"
	ProblemTypeProviderUnavailable = problemBase + "provider-unavailable"
	ProblemTypeUpstream            = problemBase + "upstream-error"
	ProblemTypeTLSRequired         = problemBase + "tls-required"
	ProblemTypeInternal            = problemBase + "internal-error"
	ProblemTypeUnavailable         = problemBase + "service-unavailable"
)

type problemKind struct {
	title  string
	status int
}

var problemKinds = map[string]problemKind{
	ProblemTypeValidation:          {"Validation error", http.StatusBadRequest},
	ProblemTypeNotFound:            {"Not found", http.StatusNotFound},
	ProblemTypeTooManyRequests:     {"Too many requests", http.StatusTooManyRequests},
	ProblemTypeBackpressured:       {"Request dropped by backpressure", http.StatusTooManyRequests},
	ProblemTypeProviderUnavailable: {"No provider available", http.StatusServiceUnavailable},
	ProblemTypeUpstream:            {"Upstream error", http.StatusBadGateway},
	ProblemTypeTLSRequired:         {"TLS required", http.StatusForbidden},
	ProblemTypeInternal:            {"Internal server error", http.StatusInternalServerError},
	ProblemTypeUnavailable:         {"Service unavailable", http.StatusServiceUnavailable},
}

// NewProblem creates a Problem with an explicit title and status.
func NewProblem(problemType, title string, status int, traceID string) *Problem {
	return &Problem{
		Type:    problemType,
		Title:   title,
		Status:  status,
		TraceID: traceID,
	}
}

// NewKnownProblem creates a Problem of one of the ProblemType constants,
// filling in its standard title and status. Unknown types become internal errors.
func NewKnownProblem(problemType, traceID, detail string) *Problem {
	kind, ok := problemKinds[problemType]
	if !ok {
		problemType, kind = ProblemTypeInternal, problemKinds[ProblemTypeInternal]
	}
	return NewProblem(problemType, kind.title, kind.status, traceID).WithDetail(detail)
}

func (p *Problem) WithDetail(detail string) *Problem {
	p.Detail = detail
	return p
}

func (p *Problem) WithInstance(instance string) *Problem {
	p.Instance = instance
	return p
}

func (p *Problem) WithErrors(errors []FieldError) *Problem {
	p.Errors = errors
	return p
}

func (p *Problem) WithRetryAfter(seconds int) *Problem {
	p.RetryAfter = seconds
	return p
}

// Write sends the Problem with its status code and headers.
func (p *Problem) Write(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/problem+json")
	if p.TraceID != "" {
		h.Set("X-Request-Id", p.TraceID)
	}
	if p.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(p.RetryAfter))
	}
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func NewBadRequest(traceID, detail string, errors []FieldError) *Problem {
	return NewKnownProblem(ProblemTypeValidation, traceID, detail).WithErrors(errors)
}

func NewNotFound(traceID, detail string) *Problem {
	return NewKnownProblem(ProblemTypeNotFound, traceID, detail)
}

func NewTooManyRequests(traceID, detail string) *Problem {
	return NewKnownProblem(ProblemTypeTooManyRequests, traceID, detail)
}

func NewInternalError(traceID, detail string) *Problem {
	return NewKnownProblem(ProblemTypeInternal, traceID, detail)
}

func NewServiceUnavailable(traceID, detail string) *Problem {
	return NewKnownProblem(ProblemTypeUnavailable, traceID, detail)
}

// NewBackpressured is for requests shed by the planner's call queue.
func NewBackpressured(traceID, detail string) *Problem {
	return NewKnownProblem(ProblemTypeBackpressured, traceID, detail)
}

// NewProviderUnavailable is for requests no provider could serve.
func NewProviderUnavailable(traceID, detail string) *Problem {
	return NewKnownProblem(ProblemTypeProviderUnavailable, traceID, detail)
}

// NewBadGateway is for non-retryable upstream failures.
func NewBadGateway(traceID, detail string) *Problem {
	return NewKnownProblem(ProblemTypeUpstream, traceID, detail)
}
