package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/telecare/session-api/internal/model"
	"github.com/telecare/session-api/internal/repository"
	"github.com/telecare/session-api/pkg/metrics"
)

// SessionEnder is the slice of the session service the scheduler needs.
type SessionEnder interface {
	AutoEnd(ctx context.Context, appointmentID uuid.UUID) error
	ReapStale(ctx context.Context, appointmentID uuid.UUID) error
}

// Announcer is the slice of the notification service the scheduler needs.
type Announcer interface {
	Reminder(ctx context.Context, appt *model.Appointment) error
	ExpiryWarning(ctx context.Context, appt *model.Appointment, remaining time.Duration) error
}

type SchedulerConfig struct {
	SweepInterval    time.Duration
	ReminderLead     time.Duration
	WarningThreshold time.Duration
	Grace            time.Duration
}

// Scheduler runs the periodic sweeps: appointment reminders, call expiry
// warnings and hard auto-end past the grace window. Every send is gated by a
// flag flip on the appointment row, so a crashed or concurrent instance never
// causes a duplicate.
type Scheduler struct {
	calls    repository.CallStateRepository
	sessions SessionEnder
	announce Announcer
	metrics  *metrics.Metrics
	cfg      SchedulerConfig
	now      func() time.Time
}

func NewScheduler(calls repository.CallStateRepository, sessions SessionEnder, announce Announcer,
	m *metrics.Metrics, cfg SchedulerConfig) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Scheduler{
		calls:    calls,
		sessions: sessions,
		announce: announce,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes all sweeps a single time. Exposed for tests and for
// one-shot invocation from the worker binary.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.sweep(ctx, "reminder", s.sweepReminders)
	s.sweep(ctx, "live_calls", s.sweepLiveCalls)
}

func (s *Scheduler) sweep(ctx context.Context, name string, fn func(context.Context) error) {
	start := s.now()
	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.SweepRuns.WithLabelValues(name).Inc()
		s.metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.SweepErrors.WithLabelValues(name).Inc()
		}
	}
	if err != nil {
		log.Error().Err(err).Str("sweep", name).Msg("sweep failed")
	}
}

// sweepReminders notifies both parties of appointments starting inside the
// reminder lead. The reminder flag is flipped before sending; losing the flip
// means another instance already sent it.
func (s *Scheduler) sweepReminders(ctx context.Context) error {
	due, err := s.calls.ListDueForReminder(ctx, s.now(), s.cfg.ReminderLead)
	if err != nil {
		return err
	}

	for _, appt := range due {
		flipped, err := s.calls.SetNotificationFlag(ctx, appt.ID, model.FlagReminder)
		if err != nil {
			log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to claim reminder flag")
			continue
		}
		if !flipped {
			continue
		}
		if err := s.announce.Reminder(ctx, appt); err != nil {
			log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("reminder send failed")
		}
	}
	return nil
}

// sweepLiveCalls handles the auto-end for calls still ringing or in
// progress, and stale-liveness reaping plus the expiry warning for calls in
// progress.
func (s *Scheduler) sweepLiveCalls(ctx context.Context) error {
	live, err := s.calls.ListLiveCalls(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	for _, appt := range live {
		hardStop := appt.ScheduledEnd().Add(s.cfg.Grace)

		if now.After(hardStop) {
			if err := s.sessions.AutoEnd(ctx, appt.ID); err != nil {
				log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("auto-end failed")
			}
			continue
		}

		// Ringing calls only auto-end; the warning is for calls someone is
		// actually on, and only those have pings to go stale.
		if appt.CallStatus != model.CallStatusInProgress {
			continue
		}

		if err := s.sessions.ReapStale(ctx, appt.ID); err != nil {
			log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("stale-liveness reap failed")
		}

		remaining := hardStop.Sub(now)
		if remaining > s.cfg.WarningThreshold {
			continue
		}
		flipped, err := s.calls.SetNotificationFlag(ctx, appt.ID, model.FlagExpiryWarning)
		if err != nil {
			log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to claim warning flag")
			continue
		}
		if !flipped {
			continue
		}
		if err := s.announce.ExpiryWarning(ctx, appt, remaining); err != nil {
			log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("expiry warning send failed")
		}
	}
	return nil
}
