package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketpulse/marketpulse/internal/provider"
)

// batch buffers keyed PriorityBatch requests until its timer fires.
type batch struct {
	requests []*CallRequest
	timer    *time.Timer
}

func (p *Planner) bufferLocked(req *CallRequest) error {
	if p.queued+p.buffered >= p.config.QueueCapacity {
		p.rejected.Add(1)
		p.config.Metrics.RecordBackpressure(req.ctx, req.Priority.String(), "rejected")
		return fmt.Errorf("queue full (%d): %w", p.config.QueueCapacity, provider.ErrBackpressured)
	}

	b, ok := p.batches[req.BatchKey]
	if !ok {
		key := req.BatchKey
		b = &batch{}
		b.timer = time.AfterFunc(p.config.BatchWindow, func() { p.flushBatch(key, b) })
		p.batches[key] = b
	}
	b.requests = append(b.requests, req)
	p.buffered++
	return nil
}

// flushBatch queues one call per distinct request of a batch.
func (p *Planner) flushBatch(key string, b *batch) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.batches[key] != b {
		return
	}
	delete(p.batches, key)
	p.buffered -= len(b.requests)

	calls := p.coalesce(b.requests)
	p.logger.Debug().
		Str("batch_key", key).
		Int("requests", len(b.requests)).
		Int("calls", len(calls)).
		Msg("flushing batch")

	for _, call := range calls {
		if err := p.pushLocked(call); err != nil {
			p.finish(call, Result{Outcome: OutcomeDropped, Err: err})
		}
	}
}

// coalesce groups identical requests, keeping first-seen order. A group of
// one is queued as is; larger groups become one call that answers them all.
func (p *Planner) coalesce(reqs []*CallRequest) []*CallRequest {
	var (
		order  []string
		groups = make(map[string][]*CallRequest, len(reqs))
	)
	for _, req := range reqs {
		k := callKey(req)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], req)
	}

	calls := make([]*CallRequest, 0, len(order))
	for _, k := range order {
		group := groups[k]
		if len(group) == 1 {
			calls = append(calls, group[0])
			continue
		}
		p.coalesced.Add(int64(len(group) - 1))
		calls = append(calls, p.mergeGroup(group))
	}
	return calls
}

func (p *Planner) mergeGroup(group []*CallRequest) *CallRequest {
	lead := group[0]
	call := &CallRequest{
		ID:          uuid.NewString(),
		Provider:    lead.Provider,
		DataType:    lead.DataType,
		Symbol:      lead.Symbol,
		Params:      lead.Params,
		Priority:    PriorityBatch,
		BatchKey:    lead.BatchKey,
		MaxAttempts: lead.MaxAttempts,
		Deadline:    lead.Deadline,
		ctx:         context.WithoutCancel(lead.ctx),
		enqueuedAt:  lead.enqueuedAt,
		backoff:     p.newBackoff(),
		members:     group,
	}
	call.ticket = newTicket(call.ID)

	for _, m := range group[1:] {
		call.MaxAttempts = max(call.MaxAttempts, m.MaxAttempts)
		switch {
		case call.Deadline.IsZero():
		case m.Deadline.IsZero():
			call.Deadline = time.Time{}
		case m.Deadline.After(call.Deadline):
			call.Deadline = m.Deadline
		}
	}
	return call
}

func callKey(req *CallRequest) string {
	var b strings.Builder
	b.WriteString(req.Provider.Name())
	b.WriteByte('|')
	b.WriteString(string(req.DataType))
	b.WriteByte('|')
	b.WriteString(req.Symbol)

	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(req.Params[k])
	}
	return b.String()
}

func removeMember(call *CallRequest, id string) *CallRequest {
	for i, m := range call.members {
		if m.ID == id {
			call.members = append(call.members[:i], call.members[i+1:]...)
			return m
		}
	}
	return nil
}
