package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Job tags, also used as pubsub job types.
const (
	JobProviderRefresh = "provider_refresh"
	JobHealthCheck     = "health_check"
)

// SchedulerConfig holds configuration for the periodic job scheduler.
type SchedulerConfig struct {
	Refresh     *RefreshJob
	HealthCheck *HealthCheckJob

	// RefreshInterval is the time between refresh runs.
	// Default: 5 minutes
	RefreshInterval time.Duration

	// HealthCheckInterval is the time between health checks.
	// Default: 1 minute
	HealthCheckInterval time.Duration

	Logger zerolog.Logger
}

// Scheduler runs the refresh and health check jobs periodically.
type Scheduler struct {
	cron   *gocron.Scheduler
	config SchedulerConfig
	logger zerolog.Logger
}

// NewScheduler creates a scheduler. Jobs are registered on Start.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = time.Minute
	}
	cron := gocron.NewScheduler(time.UTC)
	// A run that outlasts its interval is not started again until it ends.
	cron.SingletonModeAll()
	return &Scheduler{
		cron:   cron,
		config: cfg,
		logger: cfg.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the jobs and starts them in the background. Jobs run with
// ctx and stop being scheduled when Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Refresh == nil && s.config.HealthCheck == nil {
		return errors.New("scheduler: no jobs configured")
	}

	if s.config.Refresh != nil {
		_, err := s.cron.Every(s.config.RefreshInterval).Tag(JobProviderRefresh).Do(func() {
			s.config.Refresh.Run(ctx)
		})
		if err != nil {
			return fmt.Errorf("scheduling %s: %w", JobProviderRefresh, err)
		}
	}

	if s.config.HealthCheck != nil {
		_, err := s.cron.Every(s.config.HealthCheckInterval).Tag(JobHealthCheck).Do(func() {
			if _, err := s.config.HealthCheck.Run(ctx); err != nil {
				s.logger.Error().Err(err).Msg("health check failed")
			}
		})
		if err != nil {
			return fmt.Errorf("scheduling %s: %w", JobHealthCheck, err)
		}
	}

	s.cron.StartAsync()
	s.logger.Info().
		Dur("refresh_interval", s.config.RefreshInterval).
		Dur("health_check_interval", s.config.HealthCheckInterval).
		Int("jobs", s.cron.Len()).
		Msg("scheduler started")
	return nil
}

// Stop stops scheduling jobs. Running jobs are not interrupted.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info().Msg("scheduler stopped")
}

// Jobs returns the tags of the scheduled jobs.
func (s *Scheduler) Jobs() []string {
	var tags []string
	for _, j := range s.cron.Jobs() {
		tags = append(tags, j.Tags()...)
	}
	return tags
}
