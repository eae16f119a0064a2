package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketpulse/marketpulse/internal/credential"
	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/telemetry"
)

// Config holds configuration for the planner.
type Config struct {
	// Workers is the size of the worker pool.
	// Default: 3
	Workers int

	// QueueCapacity bounds the number of queued requests.
	// Default: 256
	QueueCapacity int

	// MaxAttempts is applied to requests that do not set their own.
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the first requeue delay.
	// Default: 250ms
	InitialBackoff time.Duration

	// MaxBackoff caps the requeue delay.
	// Default: 10 seconds
	MaxBackoff time.Duration

	// CallTimeout bounds a single provider call.
	// Default: 15 seconds
	CallTimeout time.Duration

	// BatchWindow is how long keyed PriorityBatch requests are buffered
	// before identical ones are coalesced and queued.
	// Default: 250ms
	BatchWindow time.Duration

	Credentials *credential.Manager
	Registry    *health.Registry
	Metrics     *telemetry.ProviderMetrics
	Logger      zerolog.Logger
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        3,
		QueueCapacity:  256,
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		CallTimeout:    15 * time.Second,
		BatchWindow:    250 * time.Millisecond,
	}
}

// Planner is a bounded priority queue drained by a worker pool.
type Planner struct {
	config Config
	logger zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	bands   [numPriorities][]*CallRequest
	queued  int
	delayed map[*CallRequest]*time.Timer
	batches map[string]*batch
	buffered int
	started bool
	closed  bool
	stopCh  chan struct{}

	inFlight  atomic.Int64
	evicted   atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	coalesced atomic.Int64
	cancelled atomic.Int64

	wg sync.WaitGroup
}

// New creates a planner. Call Start to launch the workers.
func New(cfg Config) *Planner {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaults.QueueCapacity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaults.BatchWindow
	}
	if cfg.Credentials == nil {
		cfg.Credentials = credential.NewManager(credential.ManagerConfig{Logger: cfg.Logger})
	}
	if cfg.Registry == nil {
		cfg.Registry = health.NewRegistry()
	}

	p := &Planner{
		config:  cfg,
		logger:  cfg.Logger.With().Str("component", "planner").Logger(),
		delayed: make(map[*CallRequest]*time.Timer),
		batches: make(map[string]*batch),
		stopCh:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// Stop is called.
func (p *Planner) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.worker(ctx, workerID)
		}(i)
	}

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.stopCh:
		}
	}()

	p.logger.Info().
		Int("workers", p.config.Workers).
		Int("capacity", p.config.QueueCapacity).
		Msg("call planner started")
}

// Stop fails every pending request with ErrStopped and waits for in-flight
// calls to finish.
func (p *Planner) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.stopCh)

	var pending []*CallRequest
	for i := range p.bands {
		pending = append(pending, p.bands[i]...)
		p.bands[i] = nil
	}
	p.queued = 0
	for req, timer := range p.delayed {
		timer.Stop()
		pending = append(pending, req)
	}
	p.delayed = make(map[*CallRequest]*time.Timer)
	for key, b := range p.batches {
		b.timer.Stop()
		pending = append(pending, b.requests...)
		delete(p.batches, key)
	}
	p.buffered = 0
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, req := range pending {
		p.finish(req, Result{Outcome: OutcomeDropped, Err: ErrStopped})
	}

	p.wg.Wait()
}

// Submit enqueues a request and waits for its result. A request whose
// caller gives up before it starts is cancelled.
func (p *Planner) Submit(ctx context.Context, req CallRequest) (Result, error) {
	ticket, err := p.Enqueue(ctx, req)
	if err != nil {
		return Result{Outcome: OutcomeDropped, Err: err}, err
	}
	res, err := ticket.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		p.Cancel(ticket.ID())
	}
	return res, err
}

// Enqueue admits a request without blocking. When the queue is full the
// newest request of the lowest non-empty band is evicted to make room, but
// only for a strictly higher priority request; otherwise the new request is
// rejected. Evicted and rejected requests fail with ErrBackpressured.
func (p *Planner) Enqueue(ctx context.Context, req CallRequest) (*Ticket, error) {
	if req.Provider == nil {
		return nil, errors.New("planner: request has no provider")
	}
	if !req.Priority.valid() {
		req.Priority = PriorityDefault
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = p.config.MaxAttempts
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r := req
	r.ctx = ctx
	r.enqueuedAt = time.Now()
	r.ticket = newTicket(r.ID)
	r.backoff = p.newBackoff()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrStopped
	}
	if r.Priority == PriorityBatch && r.BatchKey != "" {
		if err := p.bufferLocked(&r); err != nil {
			return nil, err
		}
		return r.ticket, nil
	}
	if err := p.pushLocked(&r); err != nil {
		return nil, err
	}
	return r.ticket, nil
}

func (p *Planner) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.config.InitialBackoff
	bo.MaxInterval = p.config.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (p *Planner) pushLocked(req *CallRequest) error {
	if p.queued >= p.config.QueueCapacity {
		victim := p.tailLocked()
		if victim == nil || victim.Priority.band() <= req.Priority.band() {
			p.rejected.Add(1)
			p.config.Metrics.RecordBackpressure(req.ctx, req.Priority.String(), "rejected")
			return fmt.Errorf("queue full (%d): %w", p.config.QueueCapacity, provider.ErrBackpressured)
		}
		p.removeTailLocked(victim.Priority)
		p.evicted.Add(1)
		p.config.Metrics.RecordBackpressure(victim.ctx, victim.Priority.String(), "evicted")
		p.logger.Warn().
			Str("evicted_id", victim.ID).
			Str("evicted_priority", victim.Priority.String()).
			Str("admitted_priority", req.Priority.String()).
			Msg("queue full, evicted lowest priority request")
		p.finish(victim, Result{
			Outcome: OutcomeDropped,
			Err:     fmt.Errorf("evicted for %s priority request: %w", req.Priority, provider.ErrBackpressured),
		})
	}

	band := req.Priority.band()
	p.bands[band] = append(p.bands[band], req)
	p.queued++
	p.cond.Signal()
	return nil
}

// tailLocked returns the newest request of the lowest non-empty band.
func (p *Planner) tailLocked() *CallRequest {
	for i := numPriorities - 1; i >= 0; i-- {
		if n := len(p.bands[i]); n > 0 {
			return p.bands[i][n-1]
		}
	}
	return nil
}

func (p *Planner) removeTailLocked(priority Priority) {
	b := priority.band()
	p.removeQueuedLocked(b, len(p.bands[b])-1)
}

func (p *Planner) removeQueuedLocked(b, i int) {
	band := p.bands[b]
	copy(band[i:], band[i+1:])
	band[len(band)-1] = nil
	p.bands[b] = band[:len(band)-1]
	p.queued--
}

func (p *Planner) popLocked() *CallRequest {
	for i := range p.bands {
		if len(p.bands[i]) > 0 {
			req := p.bands[i][0]
			p.bands[i][0] = nil
			p.bands[i] = p.bands[i][1:]
			p.queued--
			return req
		}
	}
	return nil
}

// next blocks until a request is available. Returns nil once stopped.
func (p *Planner) next() *CallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queued == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil
	}
	return p.popLocked()
}

func (p *Planner) worker(ctx context.Context, workerID int) {
	for {
		req := p.next()
		if req == nil {
			return
		}
		p.process(ctx, workerID, req)
	}
}

func (p *Planner) process(ctx context.Context, workerID int, req *CallRequest) {
	name := req.Provider.Name()
	logger := p.logger.With().
		Int("worker", workerID).
		Str("request_id", req.ID).
		Str("provider", name).
		Str("data_type", string(req.DataType)).
		Str("symbol", req.Symbol).
		Logger()

	if err := req.ctx.Err(); err != nil {
		p.finish(req, Result{Provider: name, Outcome: OutcomeFailed, Err: err})
		return
	}
	if !req.Deadline.IsZero() && !time.Now().Before(req.Deadline) {
		p.finish(req, Result{
			Provider: name,
			Outcome:  OutcomeFailed,
			Err:      fmt.Errorf("%s: %w", name, provider.ErrTimeout),
		})
		return
	}

	req.Attempt++

	cred, err := p.config.Credentials.Select(name)
	if err != nil {
		if req.Attempt >= req.MaxAttempts {
			logger.Warn().Int("attempt", req.Attempt).Msg("no credential available, attempts exhausted")
			p.finish(req, Result{
				Provider: name,
				Outcome:  OutcomeDead,
				Err:      fmt.Errorf("%w: %w", provider.ErrRateLimited, err),
			})
			return
		}
		p.requeue(req, logger)
		return
	}

	callCtx, cancel := p.callContext(ctx, req)
	p.inFlight.Add(1)
	start := time.Now()
	payload, err := req.Provider.Fetch(callCtx, provider.Request{
		DataType: req.DataType,
		Symbol:   req.Symbol,
		Params:   req.Params,
		APIKey:   cred.Secret(),
	})
	latency := time.Since(start)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	p.inFlight.Add(-1)

	if err == nil {
		p.config.Credentials.ReportSuccess(cred)
		p.config.Registry.RecordSuccess(name, latency)
		p.config.Metrics.RecordRequest(req.ctx, name, string(req.DataType), latency, nil)
		p.finish(req, Result{
			Provider:     name,
			Payload:      payload,
			Outcome:      OutcomeSuccess,
			Latency:      latency,
			CredentialID: cred.ID,
		})
		return
	}

	if timedOut && !errors.Is(err, provider.ErrTimeout) {
		err = fmt.Errorf("%s: %w: %w", name, provider.ErrTimeout, err)
	}
	rateLimited := errors.Is(err, provider.ErrRateLimited)

	p.config.Credentials.ReportFailure(cred, rateLimited)
	p.config.Registry.RecordFailure(name, latency, rateLimited, err)
	p.config.Metrics.RecordRequest(req.ctx, name, string(req.DataType), latency, err)

	logger.Debug().
		Err(err).
		Int("attempt", req.Attempt).
		Dur("latency", latency).
		Bool("rate_limited", rateLimited).
		Msg("provider call failed")

	if rateLimited && req.Attempt < req.MaxAttempts && ctx.Err() == nil {
		p.requeue(req, logger)
		return
	}

	outcome := OutcomeFailed
	if rateLimited {
		outcome = OutcomeDead
	}
	p.finish(req, Result{
		Provider:     name,
		Outcome:      outcome,
		Latency:      latency,
		CredentialID: cred.ID,
		Err:          err,
	})
}

// callContext bounds a call by the per-call timeout and the request deadline.
// The credential is released as soon as the call returns.
func (p *Planner) callContext(ctx context.Context, req *CallRequest) (context.Context, context.CancelFunc) {
	deadline := time.Now().Add(p.config.CallTimeout)
	if !req.Deadline.IsZero() && req.Deadline.Before(deadline) {
		deadline = req.Deadline
	}
	callCtx, cancel := context.WithDeadline(req.ctx, deadline)
	stop := context.AfterFunc(ctx, cancel)
	return callCtx, func() {
		stop()
		cancel()
	}
}

func (p *Planner) requeue(req *CallRequest, logger zerolog.Logger) {
	delay := req.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = p.config.MaxBackoff
	}
	if !req.Deadline.IsZero() && time.Now().Add(delay).After(req.Deadline) {
		p.finish(req, Result{
			Provider: req.Provider.Name(),
			Outcome:  OutcomeFailed,
			Err:      fmt.Errorf("%s: %w", req.Provider.Name(), provider.ErrTimeout),
		})
		return
	}

	logger.Debug().
		Int("attempt", req.Attempt).
		Dur("delay", delay).
		Msg("requeueing request")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.finish(req, Result{Outcome: OutcomeDropped, Err: ErrStopped})
		return
	}
	p.delayed[req] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.delayed[req]; !ok {
			return
		}
		delete(p.delayed, req)
		if err := p.pushLocked(req); err != nil {
			p.finish(req, Result{Provider: req.Provider.Name(), Outcome: OutcomeDropped, Err: err})
		}
	})
}

// finish delivers a result. A coalesced call delivers it to every member.
func (p *Planner) finish(req *CallRequest, res Result) {
	res.Attempts = req.Attempt
	if res.Provider == "" && req.Provider != nil {
		res.Provider = req.Provider.Name()
	}
	if len(req.members) > 0 {
		for _, m := range req.members {
			m.Attempt = req.Attempt
			p.finish(m, res)
		}
		return
	}
	res.QueueWait = time.Since(req.enqueuedAt) - res.Latency
	p.completed.Add(1)
	req.ticket.complete(res)
}

// Cancel removes a request that has not started yet and finishes it as
// OutcomeDropped with ErrCancelled. It reports whether the request was
// found; calls already in flight run to completion.
func (p *Planner) Cancel(id string) bool {
	p.mu.Lock()
	req := p.cancelLocked(id)
	p.mu.Unlock()
	if req == nil {
		return false
	}

	p.cancelled.Add(1)
	p.logger.Debug().Str("request_id", id).Msg("request cancelled")
	p.finish(req, Result{Outcome: OutcomeDropped, Err: ErrCancelled})
	return true
}

func (p *Planner) cancelLocked(id string) *CallRequest {
	for b := range p.bands {
		for i, req := range p.bands[b] {
			if req.ID == id {
				p.removeQueuedLocked(b, i)
				return req
			}
			if m := removeMember(req, id); m != nil {
				if len(req.members) == 0 {
					p.removeQueuedLocked(b, i)
				}
				return m
			}
		}
	}
	for req, timer := range p.delayed {
		if req.ID == id {
			timer.Stop()
			delete(p.delayed, req)
			return req
		}
		if m := removeMember(req, id); m != nil {
			if len(req.members) == 0 {
				timer.Stop()
				delete(p.delayed, req)
			}
			return m
		}
	}
	for key, b := range p.batches {
		for i, req := range b.requests {
			if req.ID != id {
				continue
			}
			b.requests = append(b.requests[:i], b.requests[i+1:]...)
			p.buffered--
			if len(b.requests) == 0 {
				b.timer.Stop()
				delete(p.batches, key)
			}
			return req
		}
	}
	return nil
}

// PendingCount returns the number of queued, delayed and buffered requests.
func (p *Planner) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued + len(p.delayed) + p.buffered
}

// InFlightCount returns the number of provider calls currently executing.
func (p *Planner) InFlightCount() int {
	return int(p.inFlight.Load())
}

// QueueStatus returns queue depth per priority and lifetime counters.
func (p *Planner) QueueStatus() QueueStatus {
	p.mu.Lock()
	byPriority := make(map[string]int, numPriorities)
	for _, prio := range Priorities() {
		byPriority[prio.String()] = len(p.bands[prio.band()])
	}
	status := QueueStatus{
		Pending:    p.queued,
		Delayed:    len(p.delayed),
		Capacity:   p.config.QueueCapacity,
		Workers:    p.config.Workers,
		ByPriority: byPriority,
		Batches:    len(p.batches),
		Batched:    p.buffered,
	}
	p.mu.Unlock()

	status.InFlight = p.InFlightCount()
	status.Evicted = p.evicted.Load()
	status.Rejected = p.rejected.Load()
	status.Completed = p.completed.Load()
	status.Coalesced = p.coalesced.Load()
	status.Cancelled = p.cancelled.Load()
	return status
}
