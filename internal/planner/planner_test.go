package planner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/marketpulse/internal/credential"
	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/planner"
	"github.com/marketpulse/marketpulse/internal/provider"
)

type fakeProvider struct {
	name  string
	fetch func(ctx context.Context, req provider.Request) (*provider.Payload, error)

	mu    sync.Mutex
	calls []provider.Request
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) SupportsDataType(provider.DataType) bool { return true }

func (f *fakeProvider) Fetch(ctx context.Context, req provider.Request) (*provider.Payload, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fetch != nil {
		return f.fetch(ctx, req)
	}
	return provider.NewPayload(f.name, req.DataType, req.Symbol, map[string]string{"symbol": req.Symbol})
}

func (f *fakeProvider) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Symbol)
	}
	return out
}

type fixture struct {
	planner     *planner.Planner
	credentials *credential.Manager
	registry    *health.Registry
}

func newFixture(t *testing.T, cfg planner.Config, providers ...string) *fixture {
	t.Helper()
	creds := credential.NewManager(credential.ManagerConfig{
		Logger:  zerolog.Nop(),
		Backoff: credential.BackoffConfig{Base: time.Hour, Max: time.Hour},
	})
	for _, name := range providers {
		creds.Register(name, []string{name + "-key-1", name + "-key-2"}, credential.Limit{})
	}
	registry := health.NewRegistry()

	cfg.Credentials = creds
	cfg.Registry = registry
	cfg.Logger = zerolog.Nop()
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 5 * time.Millisecond
		cfg.MaxBackoff = 20 * time.Millisecond
	}

	p := planner.New(cfg)
	t.Cleanup(p.Stop)
	return &fixture{planner: p, credentials: creds, registry: registry}
}

func TestPlanner_SubmitSuccess(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 2}, "coingecko")
	prov := &fakeProvider{name: "coingecko"}
	f.planner.Start(context.Background())

	res, err := f.planner.Submit(context.Background(), planner.CallRequest{
		Provider: prov,
		DataType: provider.DataTypeCryptoPrice,
		Symbol:   "BTC",
		Priority: planner.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, planner.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "coingecko", res.Provider)
	require.NotNil(t, res.Payload)
	assert.Equal(t, "BTC", res.Payload.Symbol)
	assert.NotEmpty(t, res.CredentialID)

	m, ok := f.registry.Snapshot("coingecko")
	require.True(t, ok)
	assert.Equal(t, int64(1), m.SuccessfulRequests)
	assert.Equal(t, 0, f.planner.InFlightCount())

	require.Len(t, prov.calls, 1)
	assert.Equal(t, "coingecko-key-1", prov.calls[0].APIKey)
}

func TestPlanner_PriorityOrdering(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1}, "binance")
	prov := &fakeProvider{name: "binance"}

	enqueue := func(symbol string, prio planner.Priority) *planner.Ticket {
		ticket, err := f.planner.Enqueue(context.Background(), planner.CallRequest{
			Provider: prov,
			DataType: provider.DataTypeCryptoPrice,
			Symbol:   symbol,
			Priority: prio,
		})
		require.NoError(t, err)
		return ticket
	}

	tickets := []*planner.Ticket{
		enqueue("batch-1", planner.PriorityBatch),
		enqueue("low-1", planner.PriorityLow),
		enqueue("default-1", planner.PriorityDefault),
		enqueue("high-1", planner.PriorityHigh),
		enqueue("default-2", planner.PriorityDefault),
		enqueue("high-2", planner.PriorityHigh),
	}
	assert.Equal(t, 6, f.planner.PendingCount())

	status := f.planner.QueueStatus()
	assert.Equal(t, 2, status.ByPriority["high"])
	assert.Equal(t, 2, status.ByPriority["default"])
	assert.Equal(t, 1, status.ByPriority["low"])
	assert.Equal(t, 1, status.ByPriority["batch"])

	f.planner.Start(context.Background())
	for _, ticket := range tickets {
		_, err := ticket.Wait(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"high-1", "high-2", "default-1", "default-2", "low-1", "batch-1"}, prov.symbols())
}

func TestPlanner_BackpressureEvictsLowestPriorityTail(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1, QueueCapacity: 3}, "binance")
	prov := &fakeProvider{name: "binance"}

	var batch []*planner.Ticket
	for _, symbol := range []string{"b1", "b2", "b3"} {
		ticket, err := f.planner.Enqueue(context.Background(), planner.CallRequest{
			Provider: prov, Symbol: symbol, Priority: planner.PriorityBatch,
		})
		require.NoError(t, err)
		batch = append(batch, ticket)
	}

	_, err := f.planner.Enqueue(context.Background(), planner.CallRequest{
		Provider: prov, Symbol: "b4", Priority: planner.PriorityBatch,
	})
	assert.ErrorIs(t, err, provider.ErrBackpressured, "equal priority is rejected when full")

	high, err := f.planner.Enqueue(context.Background(), planner.CallRequest{
		Provider: prov, Symbol: "h1", Priority: planner.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, f.planner.PendingCount())

	select {
	case res := <-batch[2].Done():
		assert.Equal(t, planner.OutcomeDropped, res.Outcome)
		assert.ErrorIs(t, res.Err, provider.ErrBackpressured)
	default:
		t.Fatal("newest batch request should have been evicted")
	}

	status := f.planner.QueueStatus()
	assert.Equal(t, int64(1), status.Evicted)
	assert.Equal(t, int64(1), status.Rejected)

	f.planner.Start(context.Background())
	res, err := high.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, planner.OutcomeSuccess, res.Outcome)
	for _, ticket := range batch[:2] {
		_, err := ticket.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"h1", "b1", "b2"}, prov.symbols())
}

func TestPlanner_NoCredentialEndsDead(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1}, "alpha_vantage")
	f.credentials.Register("alpha_vantage", []string{"only"}, credential.Limit{Calls: 1, Window: time.Hour})
	prov := &fakeProvider{name: "alpha_vantage"}
	f.planner.Start(context.Background())

	_, err := f.planner.Submit(context.Background(), planner.CallRequest{Provider: prov, Symbol: "IBM"})
	require.NoError(t, err)

	res, err := f.planner.Submit(context.Background(), planner.CallRequest{Provider: prov, Symbol: "MSFT", MaxAttempts: 2})
	require.Error(t, err)
	assert.Equal(t, planner.OutcomeDead, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.ErrorIs(t, err, provider.ErrRateLimited)
	assert.ErrorIs(t, err, credential.ErrNoKeyAvailable)
	assert.Len(t, prov.calls, 1, "no call is made without a credential")
}

func TestPlanner_RateLimitedCallRotatesCredential(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1}, "coingecko")
	var mu sync.Mutex
	calls := 0
	prov := &fakeProvider{name: "coingecko"}
	prov.fetch = func(_ context.Context, req provider.Request) (*provider.Payload, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, &provider.UpstreamError{Provider: "coingecko", StatusCode: 429, Err: provider.ErrRateLimited}
		}
		return provider.NewPayload("coingecko", req.DataType, req.Symbol, "ok")
	}
	f.planner.Start(context.Background())

	res, err := f.planner.Submit(context.Background(), planner.CallRequest{Provider: prov, Symbol: "ETH"})
	require.NoError(t, err)
	assert.Equal(t, planner.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, res.Attempts)

	require.Len(t, prov.calls, 2)
	assert.NotEqual(t, prov.calls[0].APIKey, prov.calls[1].APIKey)

	m, _ := f.registry.Snapshot("coingecko")
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, int64(1), m.RateLimitedRequests)
	assert.Equal(t, int64(1), m.SuccessfulRequests)
}

func TestPlanner_CallTimeout(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1, CallTimeout: 30 * time.Millisecond}, "finnhub")
	prov := &fakeProvider{name: "finnhub"}
	prov.fetch = func(ctx context.Context, _ provider.Request) (*provider.Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.planner.Start(context.Background())

	res, err := f.planner.Submit(context.Background(), planner.CallRequest{Provider: prov, Symbol: "AAPL"})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrTimeout)
	assert.Equal(t, planner.OutcomeFailed, res.Outcome)
	assert.Equal(t, 0, f.planner.InFlightCount())

	m, _ := f.registry.Snapshot("finnhub")
	assert.Equal(t, int64(1), m.FailedRequests)
}

func TestPlanner_UpstreamErrorNotRetried(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1}, "polygon")
	prov := &fakeProvider{name: "polygon"}
	prov.fetch = func(context.Context, provider.Request) (*provider.Payload, error) {
		return nil, &provider.UpstreamError{Provider: "polygon", StatusCode: 400, Err: provider.ErrUpstream}
	}
	f.planner.Start(context.Background())

	res, err := f.planner.Submit(context.Background(), planner.CallRequest{Provider: prov, Symbol: "TSLA"})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrUpstream)
	assert.Equal(t, planner.OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
}

func TestPlanner_StopFailsPending(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1}, "binance")
	prov := &fakeProvider{name: "binance"}

	ticket, err := f.planner.Enqueue(context.Background(), planner.CallRequest{Provider: prov, Symbol: "BTC"})
	require.NoError(t, err)

	f.planner.Stop()

	res, err := ticket.Wait(context.Background())
	assert.True(t, errors.Is(err, planner.ErrStopped))
	assert.Equal(t, planner.OutcomeDropped, res.Outcome)

	_, err = f.planner.Enqueue(context.Background(), planner.CallRequest{Provider: prov, Symbol: "BTC"})
	assert.ErrorIs(t, err, planner.ErrStopped)
}

func TestPlanner_ZeroPriorityIsDefault(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1}, "binance")
	prov := &fakeProvider{name: "binance"}

	var tickets []*planner.Ticket
	for _, req := range []planner.CallRequest{
		{Provider: prov, Symbol: "low", Priority: planner.PriorityLow},
		{Provider: prov, Symbol: "unset"},
		{Provider: prov, Symbol: "high", Priority: planner.PriorityHigh},
	} {
		ticket, err := f.planner.Enqueue(context.Background(), req)
		require.NoError(t, err)
		tickets = append(tickets, ticket)
	}
	assert.Equal(t, 1, f.planner.QueueStatus().ByPriority["default"])
	assert.Equal(t, "default", planner.Priority(0).String())

	f.planner.Start(context.Background())
	for _, ticket := range tickets {
		_, err := ticket.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"high", "unset", "low"}, prov.symbols())
}

func TestPlanner_BatchCoalescesIdenticalRequests(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1, BatchWindow: 100 * time.Millisecond}, "coingecko")
	prov := &fakeProvider{name: "coingecko"}
	ctx := context.Background()

	enqueue := func(symbol string) *planner.Ticket {
		ticket, err := f.planner.Enqueue(ctx, planner.CallRequest{
			Provider: prov,
			DataType: provider.DataTypeCryptoPrice,
			Symbol:   symbol,
			Priority: planner.PriorityBatch,
			BatchKey: "refresh",
		})
		require.NoError(t, err)
		return ticket
	}
	tickets := []*planner.Ticket{enqueue("BTC"), enqueue("ETH"), enqueue("BTC"), enqueue("BTC")}

	status := f.planner.QueueStatus()
	assert.Equal(t, 1, status.Batches)
	assert.Equal(t, 4, status.Batched)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, 4, f.planner.PendingCount())

	f.planner.Start(ctx)
	for i, ticket := range tickets {
		res, err := ticket.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, ticket.ID(), res.RequestID)
		assert.Equal(t, planner.OutcomeSuccess, res.Outcome)
		require.NotNil(t, res.Payload, "ticket %d", i)
	}

	assert.Equal(t, []string{"BTC", "ETH"}, prov.symbols())
	status = f.planner.QueueStatus()
	assert.Equal(t, int64(2), status.Coalesced)
	assert.Equal(t, int64(4), status.Completed)
	assert.Equal(t, 0, status.Batches)
}

func TestPlanner_Cancel(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1, BatchWindow: time.Hour}, "binance")
	prov := &fakeProvider{name: "binance"}
	ctx := context.Background()

	queued, err := f.planner.Enqueue(ctx, planner.CallRequest{Provider: prov, Symbol: "BTC"})
	require.NoError(t, err)
	kept, err := f.planner.Enqueue(ctx, planner.CallRequest{Provider: prov, Symbol: "ETH"})
	require.NoError(t, err)
	buffered, err := f.planner.Enqueue(ctx, planner.CallRequest{
		Provider: prov, Symbol: "SOL", Priority: planner.PriorityBatch, BatchKey: "warm",
	})
	require.NoError(t, err)

	assert.True(t, f.planner.Cancel(queued.ID()))
	assert.True(t, f.planner.Cancel(buffered.ID()))
	assert.False(t, f.planner.Cancel(queued.ID()), "already removed")
	assert.False(t, f.planner.Cancel("missing"))

	for _, ticket := range []*planner.Ticket{queued, buffered} {
		res := <-ticket.Done()
		assert.Equal(t, planner.OutcomeDropped, res.Outcome)
		assert.ErrorIs(t, res.Err, planner.ErrCancelled)
	}

	status := f.planner.QueueStatus()
	assert.Equal(t, int64(2), status.Cancelled)
	assert.Equal(t, 0, status.Batches)
	assert.Equal(t, 1, f.planner.PendingCount())

	f.planner.Start(ctx)
	_, err = kept.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH"}, prov.symbols())
}

func TestPlanner_CancelCoalescedMember(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1, BatchWindow: 10 * time.Millisecond}, "binance")
	prov := &fakeProvider{name: "binance"}
	ctx := context.Background()

	req := planner.CallRequest{Provider: prov, Symbol: "BTC", Priority: planner.PriorityBatch, BatchKey: "warm"}
	first, err := f.planner.Enqueue(ctx, req)
	require.NoError(t, err)
	second, err := f.planner.Enqueue(ctx, req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.planner.QueueStatus().Pending == 1
	}, time.Second, 5*time.Millisecond, "batch flushed into one queued call")

	assert.True(t, f.planner.Cancel(first.ID()))
	res := <-first.Done()
	assert.ErrorIs(t, res.Err, planner.ErrCancelled)

	f.planner.Start(ctx)
	res, err = second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID(), res.RequestID)
	assert.Equal(t, []string{"BTC"}, prov.symbols())
}

func TestPlanner_SubmitCancelsWhenCallerGivesUp(t *testing.T) {
	f := newFixture(t, planner.Config{Workers: 1}, "binance")
	prov := &fakeProvider{name: "binance"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.planner.Submit(ctx, planner.CallRequest{Provider: prov, Symbol: "BTC"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 0, f.planner.PendingCount())
	assert.Equal(t, int64(1), f.planner.QueueStatus().Cancelled)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in       string
		expected planner.Priority
		ok       bool
	}{
		{"high", planner.PriorityHigh, true},
		{"URGENT", planner.PriorityHigh, true},
		{"", planner.PriorityDefault, true},
		{"low", planner.PriorityLow, true},
		{"batch", planner.PriorityBatch, true},
		{"whenever", planner.PriorityDefault, false},
	}
	for _, tt := range tests {
		got, ok := planner.ParsePriority(tt.in)
		assert.Equal(t, tt.expected, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}
