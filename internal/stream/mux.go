package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/marketpulse/marketpulse/internal/provider"
)

// Feed is a subscribable source of topics. Manager and Mux implement it.
type Feed interface {
	Subscribe(topic Topic, callback Callback) (Handle, error)
	Unsubscribe(h Handle) error
	Status() Status
}

var (
	_ Feed = (*Manager)(nil)
	_ Feed = (*Mux)(nil)
)

// Mux spreads topics over several managers, one per upstream feed. A topic
// goes to the first manager whose codec serves it.
type Mux struct {
	managers []*Manager
}

// NewMux creates a mux over managers in routing order.
func NewMux(managers ...*Manager) *Mux {
	return &Mux{managers: managers}
}

// Managers returns the managers in routing order.
func (x *Mux) Managers() []*Manager {
	return x.managers
}

// Route returns the manager that serves a topic.
func (x *Mux) Route(topic Topic) (*Manager, error) {
	for _, m := range x.managers {
		if m.cfg.Codec.Supports(topic) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: no feed serves %s", ErrInvalidTopic, topic)
}

// Subscribe registers a callback on the manager that serves the topic.
func (x *Mux) Subscribe(topic Topic, callback Callback) (Handle, error) {
	topic, err := NewTopic(topic.StreamType, topic.Symbol)
	if err != nil {
		return Handle{}, err
	}
	m, err := x.Route(topic)
	if err != nil {
		return Handle{}, err
	}
	return m.Subscribe(topic, callback)
}

// Unsubscribe removes a subscription made through the mux.
func (x *Mux) Unsubscribe(h Handle) error {
	m, err := x.Route(h.Topic)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	return m.Unsubscribe(h)
}

// Connect connects every feed. A failed feed does not stop the others.
func (x *Mux) Connect(ctx context.Context) error {
	var errs []error
	for _, m := range x.managers {
		if err := m.Connect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.cfg.Codec.Feed(), err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect disconnects every feed.
func (x *Mux) Disconnect() error {
	var errs []error
	for _, m := range x.managers {
		if err := m.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.cfg.Codec.Feed(), err))
		}
	}
	return errors.Join(errs...)
}

// Latest returns the cached snapshot of a topic from the feed that serves it.
func (x *Mux) Latest(ctx context.Context, streamType provider.DataType, symbol string, maxAge time.Duration) (*provider.Payload, bool) {
	topic, err := NewTopic(streamType, symbol)
	if err != nil {
		return nil, false
	}
	m, err := x.Route(topic)
	if err != nil {
		return nil, false
	}
	return m.Latest(ctx, streamType, symbol, maxAge)
}

// Status merges the feeds. State is the worst feed state and Feeds holds
// each feed's own status.
func (x *Mux) Status() Status {
	s := Status{
		State:  StateDisconnected,
		Topics: []TopicStatus{},
		Feeds:  make([]Status, 0, len(x.managers)),
	}
	names := make([]string, 0, len(x.managers))
	for i, m := range x.managers {
		fs := m.Status()
		names = append(names, fs.Feed)
		s.Feeds = append(s.Feeds, fs)
		s.Topics = append(s.Topics, fs.Topics...)
		s.Messages += fs.Messages
		s.Reconnects += fs.Reconnects

		if i == 0 || stateRank(fs.State) > stateRank(s.State) {
			s.State = fs.State
		}
		if fs.ConnectedAt != nil && (s.ConnectedAt == nil || fs.ConnectedAt.Before(*s.ConnectedAt)) {
			s.ConnectedAt = fs.ConnectedAt
		}
		if fs.LastMessageAt != nil && (s.LastMessageAt == nil || fs.LastMessageAt.After(*s.LastMessageAt)) {
			s.LastMessageAt = fs.LastMessageAt
		}
	}
	if s.State != StateConnected {
		s.ConnectedAt = nil
	}
	s.Feed = strings.Join(names, ",")
	sort.Slice(s.Topics, func(i, j int) bool { return s.Topics[i].Topic < s.Topics[j].Topic })
	return s
}

func stateRank(s State) int {
	switch s {
	case StateConnected:
		return 0
	case StateConnecting:
		return 1
	case StateReconnecting:
		return 2
	default:
		return 3
	}
}
