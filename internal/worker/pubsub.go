package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/marketpulse/marketpulse/internal/provider"
)

// ErrUnknownJob is returned for messages with an unrecognized job type.
var ErrUnknownJob = errors.New("unknown job type")

// JobMessage represents a triggered job.
type JobMessage struct {
	JobType string `json:"job_type"`

	// DataType and Symbols narrow a provider_refresh to one target. Both
	// empty refreshes every configured target.
	DataType string            `json:"data_type,omitempty"`
	Symbols  []string          `json:"symbols,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// Dispatcher runs jobs named by a JobMessage.
type Dispatcher struct {
	refresh     *RefreshJob
	healthCheck *HealthCheckJob
	logger      zerolog.Logger
}

// NewDispatcher creates a dispatcher. Either job may be nil.
func NewDispatcher(refresh *RefreshJob, healthCheck *HealthCheckJob, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{refresh: refresh, healthCheck: healthCheck, logger: logger}
}

// Dispatch runs the job named by msg.
func (d *Dispatcher) Dispatch(ctx context.Context, msg JobMessage) error {
	switch msg.JobType {
	case JobProviderRefresh:
		if d.refresh == nil {
			return fmt.Errorf("%w: %s is not configured", ErrUnknownJob, msg.JobType)
		}
		return d.handleProviderRefresh(ctx, msg)
	case JobHealthCheck:
		if d.healthCheck == nil {
			return fmt.Errorf("%w: %s is not configured", ErrUnknownJob, msg.JobType)
		}
		_, err := d.healthCheck.Run(ctx)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJob, msg.JobType)
	}
}

func (d *Dispatcher) handleProviderRefresh(ctx context.Context, msg JobMessage) error {
	var result *RefreshResult
	if len(msg.Symbols) > 0 {
		dataType, ok := provider.ParseDataType(msg.DataType)
		if !ok {
			return fmt.Errorf("%w: data type %q", ErrUnknownJob, msg.DataType)
		}
		result = d.refresh.RunTargets(ctx, []RefreshTarget{{DataType: dataType, Symbols: msg.Symbols, Params: msg.Params}})
	} else {
		result = d.refresh.Run(ctx)
	}

	// Consider it successful if more than half succeeded.
	if result.Failed > result.Successful {
		return fmt.Errorf("too many refresh failures: %d/%d", result.Failed, result.Total)
	}
	return nil
}

// Handle runs the job in a message body and reports whether the message
// should be acknowledged. Malformed and unknown messages are acknowledged to
// prevent redelivery; failed jobs are not.
func (d *Dispatcher) Handle(ctx context.Context, id string, data []byte) bool {
	startTime := time.Now()
	logger := d.logger.With().Str("message_id", id).Logger()

	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Error().Err(err).Msg("failed to parse message")
		return true
	}

	err := d.Dispatch(ctx, msg)
	switch {
	case errors.Is(err, ErrUnknownJob):
		logger.Warn().Err(err).Str("job_type", msg.JobType).Msg("dropping message")
		return true
	case err != nil:
		logger.Error().Err(err).Str("job_type", msg.JobType).Msg("job failed")
		return false
	}

	logger.Info().
		Str("job_type", msg.JobType).
		Dur("duration", time.Since(startTime)).
		Msg("job completed successfully")
	return true
}

// PubSubHandler handles Pub/Sub messages for the worker.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	dispatcher       *Dispatcher
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Dispatcher       *Dispatcher
	Logger           zerolog.Logger
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)

	// Configure receive settings.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 10
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		dispatcher:       cfg.Dispatcher,
		logger:           cfg.Logger,
	}, nil
}

// Start begins processing Pub/Sub messages.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if h.dispatcher.Handle(ctx, msg.ID, msg.Data) {
			msg.Ack()
		} else {
			msg.Nack()
		}
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}
