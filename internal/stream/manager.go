package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketpulse/marketpulse/internal/cache"
	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/telemetry"
)

// Config holds configuration for a stream manager.
type Config struct {
	// URL of the upstream feed. Default: DefaultBinanceURL
	URL string

	// Dialer opens connections. Default: WebsocketDialer{}
	Dialer Dialer

	// Codec translates frames. Default: BinanceCodec{}
	Codec Codec

	// Cache receives a snapshot of the latest message of every topic. Optional.
	Cache *cache.Cache

	// MaxReconnectAttempts bounds consecutive reconnect attempts. Default: 10
	MaxReconnectAttempts int

	// InitialReconnectDelay is the first reconnect delay. Default: 500ms
	InitialReconnectDelay time.Duration

	// MaxReconnectDelay caps the reconnect delay. Default: 30 seconds
	MaxReconnectDelay time.Duration

	Metrics *telemetry.ProviderMetrics
	Logger  zerolog.Logger

	// Now is the clock used for timestamps. Default: time.Now
	Now func() time.Time
}

type subscriber struct {
	id       string
	callback Callback
}

// Manager owns one upstream connection and its topic subscriptions.
// Subscriptions survive reconnects; Disconnect drops them all.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.RWMutex
	state       State
	conn        Conn
	subs        map[Topic][]subscriber
	handles     map[string]Topic
	cancel      context.CancelFunc
	done        chan struct{}
	connectedAt time.Time

	requestID     atomic.Int64
	messages      atomic.Int64
	reconnects    atomic.Int64
	lastMessageAt atomic.Int64
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config) *Manager {
	if cfg.URL == "" {
		cfg.URL = DefaultBinanceURL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.Codec == nil {
		cfg.Codec = BinanceCodec{}
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.InitialReconnectDelay == 0 {
		cfg.InitialReconnectDelay = 500 * time.Millisecond
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "stream").Str("feed", cfg.Codec.Feed()).Logger(),
		state:   StateDisconnected,
		subs:    make(map[Topic][]subscriber),
		handles: make(map[string]Topic),
	}
}

// Connect dials the feed and starts the read loop. Topics subscribed while
// disconnected are sent in a single request. Connecting an already connected
// manager is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("connect stream: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.conn = conn
	m.cancel = cancel
	m.done = done
	m.state = StateConnected
	m.connectedAt = m.cfg.Now()
	err = m.sendLocked(m.cfg.Codec.SubscribeFrames, m.topicsLocked())
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to send initial subscriptions")
	}

	m.logger.Info().Str("url", redactURL(m.cfg.URL)).Msg("stream connected")
	go m.readLoop(loopCtx, conn, done)
	return nil
}

// Disconnect unsubscribes every topic, closes the connection and waits for
// the read loop to exit.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateDisconnected && m.cancel == nil {
		m.subs = make(map[Topic][]subscriber)
		m.handles = make(map[string]Topic)
		m.mu.Unlock()
		return nil
	}

	if m.state == StateConnected {
		if err := m.sendLocked(m.cfg.Codec.UnsubscribeFrames, m.topicsLocked()); err != nil {
			m.logger.Debug().Err(err).Msg("failed to send unsubscribe on disconnect")
		}
	}
	m.subs = make(map[Topic][]subscriber)
	m.handles = make(map[string]Topic)
	m.state = StateDisconnected

	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	m.logger.Info().Msg("stream disconnected")
	return err
}

// Subscribe registers a callback for a topic. The first subscriber of a topic
// sends an upstream subscription when connected; otherwise the topic is sent
// on the next connect.
func (m *Manager) Subscribe(topic Topic, callback Callback) (Handle, error) {
	if callback == nil {
		return Handle{}, errors.New("nil callback")
	}
	topic, err := NewTopic(topic.StreamType, topic.Symbol)
	if err != nil {
		return Handle{}, err
	}
	if !m.cfg.Codec.Supports(topic) {
		return Handle{}, fmt.Errorf("%w: %s is not served by %s", ErrInvalidTopic, topic, m.cfg.Codec.Feed())
	}

	h := Handle{ID: uuid.NewString(), Topic: topic}

	m.mu.Lock()
	defer m.mu.Unlock()

	first := len(m.subs[topic]) == 0
	m.subs[topic] = append(m.subs[topic], subscriber{id: h.ID, callback: callback})
	m.handles[h.ID] = topic

	if first && m.state == StateConnected {
		if err := m.sendLocked(m.cfg.Codec.SubscribeFrames, []Topic{topic}); err != nil {
			// The topic stays registered and is resent after a reconnect.
			m.logger.Warn().Err(err).Str("topic", topic.String()).Msg("failed to send subscribe")
		}
	}

	m.logger.Debug().Str("topic", topic.String()).Str("handle", h.ID).Msg("subscribed")
	return h, nil
}

// Unsubscribe removes a subscription. Removing the last subscriber of a
// topic sends an upstream unsubscription.
func (m *Manager) Unsubscribe(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	topic, ok := m.handles[h.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	delete(m.handles, h.ID)

	subs := m.subs[topic]
	kept := make([]subscriber, 0, len(subs))
	for _, s := range subs {
		if s.id != h.ID {
			kept = append(kept, s)
		}
	}
	if len(kept) > 0 {
		m.subs[topic] = kept
		return nil
	}

	delete(m.subs, topic)
	if m.state == StateConnected {
		if err := m.sendLocked(m.cfg.Codec.UnsubscribeFrames, []Topic{topic}); err != nil {
			m.logger.Warn().Err(err).Str("topic", topic.String()).Msg("failed to send unsubscribe")
		}
	}
	return nil
}

// Latest returns the cached snapshot of a topic if it is no older than
// maxAge. A zero maxAge accepts any cached snapshot.
func (m *Manager) Latest(ctx context.Context, streamType provider.DataType, symbol string, maxAge time.Duration) (*provider.Payload, bool) {
	if m.cfg.Cache == nil {
		return nil, false
	}
	var p provider.Payload
	key := cache.Key(string(streamType), symbol, nil)
	if _, ok := m.cfg.Cache.GetJSON(ctx, string(streamType), key, &p); !ok {
		return nil, false
	}
	if maxAge > 0 && m.cfg.Now().Sub(p.FetchedAt) > maxAge {
		return nil, false
	}
	return &p, true
}

// State returns the connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status reports the connection and its topics.
func (m *Manager) Status() Status {
	m.mu.RLock()
	s := Status{
		Feed:       m.cfg.Codec.Feed(),
		URL:        redactURL(m.cfg.URL),
		State:      m.state,
		Messages:   m.messages.Load(),
		Reconnects: m.reconnects.Load(),
		Topics:     make([]TopicStatus, 0, len(m.subs)),
	}
	for topic, subs := range m.subs {
		s.Topics = append(s.Topics, TopicStatus{Topic: topic.String(), Subscribers: len(subs)})
	}
	if m.state == StateConnected && !m.connectedAt.IsZero() {
		at := m.connectedAt
		s.ConnectedAt = &at
	}
	m.mu.RUnlock()

	if last := m.lastMessageAt.Load(); last > 0 {
		at := time.Unix(0, last)
		s.LastMessageAt = &at
	}
	sort.Slice(s.Topics, func(i, j int) bool { return s.Topics[i].Topic < s.Topics[j].Topic })
	return s
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) topicsLocked() []Topic {
	topics := make([]Topic, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].String() < topics[j].String() })
	return topics
}

// sendLocked encodes and writes a request. Callers hold m.mu.
func (m *Manager) sendLocked(encode func(int64, []Topic) ([][]byte, error), topics []Topic) error {
	if len(topics) == 0 {
		return nil
	}
	if m.conn == nil {
		return ErrNotConnected
	}
	frames, err := encode(m.requestID.Add(1), topics)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := m.conn.WriteMessage(frame); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Msg("stream read failed, reconnecting")
			conn, err = m.reconnect(ctx, conn)
			if err != nil {
				if errors.Is(err, ErrReconnectLimit) {
					m.logger.Error().Err(err).Msg("stream reconnect failed")
				}
				return
			}
			continue
		}

		msgs, err := m.cfg.Codec.Decode(frame)
		if err != nil {
			m.logger.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}
		for _, msg := range msgs {
			m.dispatch(ctx, msg)
		}
	}
}

// reconnect replaces a dropped connection with exponential backoff and
// resubscribes every topic that still has subscribers.
func (m *Manager) reconnect(ctx context.Context, old Conn) (Conn, error) {
	_ = old.Close()

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return nil, ctx.Err()
	}
	m.state = StateReconnecting
	m.conn = nil
	m.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialReconnectDelay
	b.MaxInterval = m.cfg.MaxReconnectDelay
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		m.reconnects.Add(1)

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)
		if err != nil {
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("stream reconnect attempt failed")
			continue
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			_ = conn.Close()
			return nil, ctx.Err()
		}
		m.conn = conn
		m.state = StateConnected
		m.connectedAt = m.cfg.Now()
		err = m.sendLocked(m.cfg.Codec.SubscribeFrames, m.topicsLocked())
		m.mu.Unlock()
		if err != nil {
			m.logger.Warn().Err(err).Msg("failed to resubscribe after reconnect")
		}

		m.logger.Info().Int("attempt", attempt).Msg("stream reconnected")
		return conn, nil
	}

	var cancel context.CancelFunc
	m.mu.Lock()
	if ctx.Err() == nil {
		m.state = StateDisconnected
		cancel = m.cancel
		m.cancel = nil
		m.done = nil
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrReconnectLimit, m.cfg.MaxReconnectAttempts)
}

// dispatch snapshots a message and fans it out. Every callback runs in its
// own goroutine.
func (m *Manager) dispatch(ctx context.Context, msg Message) {
	now := m.cfg.Now()
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	m.messages.Add(1)
	m.lastMessageAt.Store(now.UnixNano())
	m.cfg.Metrics.RecordStreamMessage(ctx, m.cfg.Codec.Feed(), string(msg.Topic.StreamType))

	if m.cfg.Cache != nil {
		snapshot := provider.Payload{
			Provider:  m.cfg.Codec.Feed(),
			DataType:  msg.Topic.StreamType,
			Symbol:    msg.Topic.Symbol,
			Data:      msg.Data,
			FetchedAt: msg.ReceivedAt.UTC(),
		}
		key := cache.Key(string(msg.Topic.StreamType), msg.Topic.Symbol, nil)
		if err := m.cfg.Cache.SetJSON(ctx, string(msg.Topic.StreamType), key, snapshot, 0); err != nil {
			m.logger.Debug().Err(err).Str("topic", msg.Topic.String()).Msg("failed to cache stream snapshot")
		}
	}

	m.mu.RLock()
	subs := append([]subscriber(nil), m.subs[msg.Topic]...)
	m.mu.RUnlock()

	for _, s := range subs {
		go m.invoke(s, msg)
	}
}

func (m *Manager) invoke(s subscriber, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error().
				Interface("panic", rec).
				Str("topic", msg.Topic.String()).
				Str("handle", s.id).
				Msg("stream callback panicked")
		}
	}()
	s.callback(msg)
}

// redactURL drops the query string, which may carry an API token.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
