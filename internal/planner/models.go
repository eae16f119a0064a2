// Package planner dispatches outbound provider calls from a bounded priority
// queue through a fixed worker pool, spending one credential slot per call.
package planner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marketpulse/marketpulse/internal/provider"
)

var (
	// ErrStopped is returned for requests that were pending when the planner stopped.
	ErrStopped = errors.New("planner stopped")

	// ErrCancelled is returned for requests removed with Cancel.
	ErrCancelled = errors.New("request cancelled")
)

// Priority orders requests in the queue. The zero value is PriorityDefault.
type Priority int

// Priorities. Declaration order is not serving order; see band.
const (
	PriorityDefault Priority = iota
	PriorityHigh
	PriorityLow
	PriorityBatch
)

const numPriorities = 4

// Priorities lists every band, highest first.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityDefault, PriorityLow, PriorityBatch}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityDefault:
		return "default"
	case PriorityLow:
		return "low"
	case PriorityBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name. The empty string maps to PriorityDefault.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "urgent":
		return PriorityHigh, true
	case "", "default", "medium":
		return PriorityDefault, true
	case "low":
		return PriorityLow, true
	case "batch":
		return PriorityBatch, true
	default:
		return PriorityDefault, false
	}
}

func (p Priority) valid() bool {
	return p >= PriorityDefault && p <= PriorityBatch
}

// band is the queue index of a priority. Lower bands are served first.
func (p Priority) band() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	case PriorityBatch:
		return 3
	default:
		return 1
	}
}

// Outcome is the terminal state of a request.
type Outcome string

// Terminal outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeDead    Outcome = "dead"
	OutcomeDropped Outcome = "dropped"
)

// CallRequest is one unit of work for the planner.
type CallRequest struct {
	ID          string
	Provider    provider.Provider
	DataType    provider.DataType
	Symbol      string
	Params      map[string]string
	Priority    Priority
	Attempt     int
	MaxAttempts int

	// BatchKey holds a PriorityBatch request back for the batch window.
	// Identical requests buffered under the same key share one call.
	BatchKey string

	// Deadline bounds the whole request including requeues. Zero means no
	// deadline beyond the per-call timeout.
	Deadline time.Time

	ctx        context.Context
	enqueuedAt time.Time
	backoff    backoff.BackOff
	ticket     *Ticket

	// members are the coalesced requests a batch call answers.
	members []*CallRequest
}

// Result is delivered once per request.
type Result struct {
	RequestID    string
	Provider     string
	Payload      *provider.Payload
	Outcome      Outcome
	Attempts     int
	Latency      time.Duration
	QueueWait    time.Duration
	CredentialID string
	Err          error
}

// Ticket lets the producer wait for a request's result.
type Ticket struct {
	id   string
	done chan Result
	once sync.Once
}

func newTicket(id string) *Ticket {
	return &Ticket{id: id, done: make(chan Result, 1)}
}

// ID returns the request ID.
func (t *Ticket) ID() string {
	return t.id
}

// Done returns a channel that receives the result exactly once.
func (t *Ticket) Done() <-chan Result {
	return t.done
}

// Wait blocks until the result is available or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-t.done:
		return res, res.Err
	case <-ctx.Done():
		return Result{RequestID: t.id, Outcome: OutcomeFailed, Err: ctx.Err()}, ctx.Err()
	}
}

func (t *Ticket) complete(res Result) {
	t.once.Do(func() {
		res.RequestID = t.id
		t.done <- res
	})
}

// QueueStatus reports queue depth per priority.
type QueueStatus struct {
	Pending    int            `json:"pending"`
	Delayed    int            `json:"delayed"`
	InFlight   int            `json:"inFlight"`
	Capacity   int            `json:"capacity"`
	Workers    int            `json:"workers"`
	ByPriority map[string]int `json:"byPriority"`
	Batches    int            `json:"batches"`
	Batched    int            `json:"batched"`
	Coalesced  int64          `json:"coalesced"`
	Cancelled  int64          `json:"cancelled"`
	Evicted    int64          `json:"evicted"`
	Rejected   int64          `json:"rejected"`
	Completed  int64          `json:"completed"`
}
