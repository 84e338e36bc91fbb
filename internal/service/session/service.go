package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/telecare/session-api/internal/model"
	"github.com/telecare/session-api/internal/realtime"
	"github.com/telecare/session-api/internal/repository"
	apperrors "github.com/telecare/session-api/pkg/errors"
	"github.com/telecare/session-api/pkg/metrics"
	"github.com/telecare/session-api/pkg/rtc"
)

// joinSettleAttempts bounds how often a caller re-reads after losing a
// conditional write before giving up.
const joinSettleAttempts = 3

// Notifier is the slice of the notification dispatcher the state machine
// needs. All of these are best effort: a failure is logged and never rolls
// back a transition.
type Notifier interface {
	CallRinging(ctx context.Context, appt *model.Appointment, recipientID uuid.UUID) error
	CallStarted(ctx context.Context, appt *model.Appointment) error
	CallEnded(ctx context.Context, appt *model.Appointment, endedBy model.ParticipantRole, reason model.EndReason) error
}

type Config struct {
	JoinLead         time.Duration
	Grace            time.Duration
	MinViableCall    time.Duration
	HeartbeatTimeout time.Duration
}

// Service owns the call-status lifecycle per appointment. All transitions
// are conditional writes; a lost race is not an error, the loser re-reads
// and proceeds from the fresh state.
type Service struct {
	repo     repository.CallStateRepository
	appts    repository.AppointmentRepository
	issues   repository.IssueReportRepository
	notifier Notifier
	registry realtime.Registry
	issuer   rtc.Issuer
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

func NewService(
	repo repository.CallStateRepository,
	appts repository.AppointmentRepository,
	issues repository.IssueReportRepository,
	notifier Notifier,
	registry realtime.Registry,
	issuer rtc.Issuer,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	if cfg.MinViableCall <= 0 {
		cfg.MinViableCall = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	return &Service{
		repo:     repo,
		appts:    appts,
		issues:   issues,
		notifier: notifier,
		registry: registry,
		issuer:   issuer,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// RequestJoin drives the caller through the state machine and returns the
// session descriptor plus a media credential.
func (s *Service) RequestJoin(ctx context.Context, appointmentID, userID uuid.UUID) (*model.SessionDescriptor, *rtc.Credential, error) {
	appt, role, err := s.authorize(ctx, appointmentID, userID)
	if err != nil {
		return nil, nil, err
	}

	if appt.Status == model.AppointmentStatusCancelled {
		return nil, nil, ErrCancelled
	}
	if appt.CallStatus.Terminal() {
		return nil, nil, ErrCallEnded
	}
	if err := s.checkJoinWindow(appt); err != nil {
		return nil, nil, err
	}

	desc, err := s.join(ctx, appt, userID, role, 0)
	if err != nil {
		return nil, nil, err
	}

	cred, err := s.issuer.Issue(desc.ChannelName, desc.RTCHandle)
	if err != nil {
		// The client cannot attach without a credential, so this one
		// provider failure does surface.
		return nil, nil, apperrors.Provider("failed to issue media credential", err)
	}

	return desc, cred, nil
}

func (s *Service) join(ctx context.Context, appt *model.Appointment, userID uuid.UUID, role model.ParticipantRole, depth int) (*model.SessionDescriptor, error) {
	if depth >= joinSettleAttempts {
		return nil, fmt.Errorf("join did not settle after %d attempts", depth)
	}
	now := s.now()

	switch appt.CallStatus {
	case model.CallStatusIdle:
		return s.initiate(ctx, appt, userID, role, now, depth)
	case model.CallStatusRinging:
		return s.answer(ctx, appt, userID, role, now, depth)
	case model.CallStatusInProgress:
		return s.rejoin(ctx, appt, userID, now, depth)
	default:
		return nil, ErrCallEnded
	}
}

// initiate attempts idle -> ringing. Exactly one of two concurrent first
// joiners wins; the loser re-reads and proceeds as a joiner.
func (s *Service) initiate(ctx context.Context, appt *model.Appointment, userID uuid.UUID, role model.ParticipantRole, now time.Time, depth int) (*model.SessionDescriptor, error) {
	channel := appt.ChannelName
	if channel == "" {
		channel = model.ChannelNameFor(appt.ID)
	}

	active := model.ActiveParticipants{{UserID: userID, JoinedAt: now, IsActive: true, LastPing: now}}
	participants := appt.Participants.Add(userID)
	attempts := append(appt.CallAttempts, model.CallAttempt{
		StartedAt:    now,
		Participants: []uuid.UUID{userID},
	})

	applied, err := s.repo.MarkRinging(ctx, appt.ID, role, channel, active, participants, attempts)
	if err != nil {
		return nil, err
	}
	if !applied {
		return s.retryJoin(ctx, appt.ID, userID, role, depth)
	}

	s.countTransition(model.CallStatusIdle, model.CallStatusRinging)

	other := appt.OtherParticipant(userID)
	s.registry.SendToUser(other, realtime.Event{
		Type: realtime.EventCallRinging,
		Payload: map[string]interface{}{
			"appointment_id": appt.ID,
			"initiated_by":   role,
		},
	})
	go func() {
		if err := s.notifier.CallRinging(context.Background(), appt, other); err != nil {
			log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("ringing notification failed")
		}
	}()

	return &model.SessionDescriptor{
		AppointmentID: appt.ID,
		ChannelName:   channel,
		RTCHandle:     model.RTCHandleFor(userID),
		CallStatus:    model.CallStatusRinging,
		ActiveCount:   1,
		Initiator:     true,
	}, nil
}

// answer handles a join while the call is ringing. A distinct second party
// completes the pair and moves the call to in_progress; the initiator
// re-signaling only refreshes liveness.
func (s *Service) answer(ctx context.Context, appt *model.Appointment, userID uuid.UUID, role model.ParticipantRole, now time.Time, depth int) (*model.SessionDescriptor, error) {
	active := cloneActive(appt.ActiveParticipants)
	if p := active.Find(userID); p != nil {
		p.IsActive = true
		p.LastPing = now
	} else {
		active = append(active, model.ActiveParticipant{UserID: userID, JoinedAt: now, IsActive: true, LastPing: now})
	}
	participants := appt.Participants.Add(userID)

	if active.ActiveCount() < 2 {
		applied, err := s.repo.SaveParticipants(ctx, appt.ID, appt.UpdatedAt, active, participants)
		if err != nil {
			return nil, err
		}
		if !applied {
			return s.retryJoin(ctx, appt.ID, userID, role, depth)
		}
		return s.descriptor(appt, userID, model.CallStatusRinging, active.ActiveCount()), nil
	}

	attempts := cloneAttempts(appt.CallAttempts)
	if open := attempts.Open(); open != nil {
		open.Participants = appendUnique(open.Participants, userID)
	}

	applied, err := s.repo.MarkInProgress(ctx, appt.ID, now, active, participants, attempts)
	if err != nil {
		return nil, err
	}
	if !applied {
		return s.retryJoin(ctx, appt.ID, userID, role, depth)
	}

	s.countTransition(model.CallStatusRinging, model.CallStatusInProgress)
	if s.metrics != nil {
		s.metrics.ActiveCalls.Inc()
	}

	s.registry.BroadcastToRoom(appt.ID.String(), realtime.Event{
		Type: realtime.EventCallStarted,
		Payload: map[string]interface{}{
			"appointment_id": appt.ID,
			"started_at":     now,
		},
	})

	// The flag, not the broadcast, is the once-only guarantee.
	if s.setFlag(ctx, appt.ID, model.FlagCallStarted) {
		go func() {
			if err := s.notifier.CallStarted(context.Background(), appt); err != nil {
				log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("call-started notification failed")
			}
		}()
	}

	desc := s.descriptor(appt, userID, model.CallStatusInProgress, 2)
	desc.CallStartedAt = &now
	return desc, nil
}

// rejoin refreshes the caller's liveness inside a running call.
func (s *Service) rejoin(ctx context.Context, appt *model.Appointment, userID uuid.UUID, now time.Time, depth int) (*model.SessionDescriptor, error) {
	active := cloneActive(appt.ActiveParticipants)
	if p := active.Find(userID); p != nil {
		p.IsActive = true
		p.LastPing = now
	} else {
		active = append(active, model.ActiveParticipant{UserID: userID, JoinedAt: now, IsActive: true, LastPing: now})
	}
	participants := appt.Participants.Add(userID)

	applied, err := s.repo.SaveParticipants(ctx, appt.ID, appt.UpdatedAt, active, participants)
	if err != nil {
		return nil, err
	}
	if !applied {
		// The row moved underneath us: the call ended, or another
		// participant write landed first.
		fresh, err := s.repo.Get(ctx, appt.ID)
		if err != nil {
			return nil, err
		}
		if fresh.CallStatus.Terminal() {
			return nil, ErrCallEnded
		}
		role, _ := fresh.RoleOf(userID)
		return s.join(ctx, fresh, userID, role, depth+1)
	}

	s.registry.BroadcastToRoom(appt.ID.String(), realtime.Event{
		Type: realtime.EventPatientRejoin,
		Payload: map[string]interface{}{
			"appointment_id": appt.ID,
			"user_id":        userID,
		},
	})

	desc := s.descriptor(appt, userID, model.CallStatusInProgress, active.ActiveCount())
	desc.CallStartedAt = appt.CallStartedAt
	return desc, nil
}

func (s *Service) retryJoin(ctx context.Context, appointmentID, userID uuid.UUID, role model.ParticipantRole, depth int) (*model.SessionDescriptor, error) {
	if s.metrics != nil {
		s.metrics.CallRacesLost.Inc()
	}
	fresh, err := s.repo.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return s.join(ctx, fresh, userID, role, depth+1)
}

// ConfirmJoin marks liveness explicitly once the client has attached to the
// media transport, distinct from the optimistic state set at join time.
func (s *Service) ConfirmJoin(ctx context.Context, appointmentID, userID uuid.UUID) error {
	return s.touch(ctx, appointmentID, userID, true)
}

// Heartbeat refreshes last ping for the caller's active entry.
func (s *Service) Heartbeat(ctx context.Context, appointmentID, userID uuid.UUID) error {
	return s.touch(ctx, appointmentID, userID, false)
}

func (s *Service) touch(ctx context.Context, appointmentID, userID uuid.UUID, activate bool) error {
	appt, _, err := s.authorize(ctx, appointmentID, userID)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < joinSettleAttempts; attempt++ {
		if appt.CallStatus.Terminal() {
			return ErrCallEnded
		}

		active := cloneActive(appt.ActiveParticipants)
		p := active.Find(userID)
		if p == nil {
			return ErrNoActiveCall
		}
		if activate {
			p.IsActive = true
		}
		p.LastPing = s.now()

		applied, err := s.repo.SaveParticipants(ctx, appointmentID, appt.UpdatedAt, active, appt.Participants)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}

		// A concurrent write moved the row; rebuild from the fresh state
		// so this ping cannot undo it.
		if s.metrics != nil {
			s.metrics.CallRacesLost.Inc()
		}
		if appt, err = s.repo.Get(ctx, appointmentID); err != nil {
			return err
		}
	}
	return fmt.Errorf("liveness update did not settle after %d attempts", joinSettleAttempts)
}

// Disconnect marks the caller inactive. The session only tears down when the
// last active participant leaves and the call has run long enough to be a
// real call rather than a flaky reconnect.
func (s *Service) Disconnect(ctx context.Context, appointmentID, userID uuid.UUID) error {
	appt, role, err := s.authorize(ctx, appointmentID, userID)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < joinSettleAttempts; attempt++ {
		if appt.CallStatus.Terminal() {
			return nil
		}

		now := s.now()
		active := cloneActive(appt.ActiveParticipants)
		p := active.Find(userID)
		if p == nil {
			return nil
		}
		p.IsActive = false
		p.LastPing = now

		endable := appt.CallStatus == model.CallStatusInProgress &&
			active.ActiveCount() == 0 &&
			appt.CallStartedAt != nil &&
			now.Sub(*appt.CallStartedAt) >= s.cfg.MinViableCall

		if endable {
			duration := int(now.Sub(*appt.CallStartedAt).Seconds())
			return s.finalize(ctx, appt, model.CallEnd{
				EndedAt:         now,
				EndedBy:         role,
				DurationSeconds: duration,
				Reason:          model.EndReasonDisconnected,
			}, active)
		}

		applied, err := s.repo.SaveParticipants(ctx, appointmentID, appt.UpdatedAt, active, appt.Participants)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}

		if s.metrics != nil {
			s.metrics.CallRacesLost.Inc()
		}
		if appt, err = s.repo.Get(ctx, appointmentID); err != nil {
			return err
		}
	}
	return fmt.Errorf("disconnect did not settle after %d attempts", joinSettleAttempts)
}

// EndCall is the explicit termination path. Idempotent: ending an already
// ended call returns the terminal record unchanged.
func (s *Service) EndCall(ctx context.Context, appointmentID, userID uuid.UUID, durationSeconds *int, quality string) (*model.Appointment, error) {
	appt, role, err := s.authorize(ctx, appointmentID, userID)
	if err != nil {
		return nil, err
	}
	if appt.CallStatus.Terminal() {
		return appt, nil
	}

	now := s.now()
	duration := 0
	if appt.CallStartedAt != nil {
		duration = int(now.Sub(*appt.CallStartedAt).Seconds())
	}
	if durationSeconds != nil {
		duration = *durationSeconds
	}

	active := deactivateAll(appt.ActiveParticipants, now)
	end := model.CallEnd{
		EndedAt:         now,
		EndedBy:         role,
		DurationSeconds: duration,
		Reason:          model.EndReasonCompleted,
		Quality:         quality,
	}

	if err := s.finalize(ctx, appt, end, active); err != nil {
		return nil, err
	}

	if err := s.appts.SetStatus(ctx, appointmentID, model.AppointmentStatusCompleted); err != nil {
		log.Error().Err(err).Str("appointment_id", appointmentID.String()).Msg("failed to mark consultation completed")
	}

	return s.repo.Get(ctx, appointmentID)
}

// AutoEnd forces termination past the grace period. Same finalization as
// EndCall with the system as the actor. Called by the sweep worker.
func (s *Service) AutoEnd(ctx context.Context, appointmentID uuid.UUID) error {
	appt, err := s.repo.Get(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAppointmentNotFound, err)
	}
	if appt.CallStatus.Terminal() {
		return nil
	}

	now := s.now()
	duration := 0
	if appt.CallStartedAt != nil {
		duration = int(now.Sub(*appt.CallStartedAt).Seconds())
	}

	active := deactivateAll(appt.ActiveParticipants, now)
	return s.finalize(ctx, appt, model.CallEnd{
		EndedAt:         now,
		EndedBy:         model.RoleSystem,
		DurationSeconds: duration,
		Reason:          model.EndReasonTimeout,
	}, active)
}

// ReapStale marks participants silent longer than the heartbeat timeout as
// inactive. When the last live participant went stale on a mature call, the
// call ends the same way a disconnect would. Called by the sweep worker.
func (s *Service) ReapStale(ctx context.Context, appointmentID uuid.UUID) error {
	appt, err := s.repo.Get(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAppointmentNotFound, err)
	}
	if appt.CallStatus != model.CallStatusInProgress {
		return nil
	}

	now := s.now()
	cutoff := now.Add(-s.cfg.HeartbeatTimeout)
	active := cloneActive(appt.ActiveParticipants)
	stale := false
	for i := range active {
		if active[i].IsActive && active[i].LastPing.Before(cutoff) {
			active[i].IsActive = false
			stale = true
		}
	}
	if !stale {
		return nil
	}

	endable := active.ActiveCount() == 0 &&
		appt.CallStartedAt != nil &&
		now.Sub(*appt.CallStartedAt) >= s.cfg.MinViableCall
	if endable {
		return s.finalize(ctx, appt, model.CallEnd{
			EndedAt:         now,
			EndedBy:         model.RoleSystem,
			DurationSeconds: int(now.Sub(*appt.CallStartedAt).Seconds()),
			Reason:          model.EndReasonDisconnected,
		}, active)
	}

	// A lost write means the participant pinged (or the call moved) after
	// our read, so there is nothing stale to reap anymore.
	_, err = s.repo.SaveParticipants(ctx, appointmentID, appt.UpdatedAt, active, appt.Participants)
	return err
}

// finalize performs the single conditional write that ends a call, then the
// once-only side effects. A lost race means someone else ended it; that is
// success, not an error.
func (s *Service) finalize(ctx context.Context, appt *model.Appointment, end model.CallEnd, active model.ActiveParticipants) error {
	attempts := cloneAttempts(appt.CallAttempts)
	if open := attempts.Open(); open != nil {
		endedAt := end.EndedAt
		open.EndedAt = &endedAt
		open.EndReason = end.Reason
		open.DurationSeconds = &end.DurationSeconds
		open.Quality = end.Quality
	}

	applied, err := s.repo.MarkEnded(ctx, appt.ID, appt.CallStatus, end, active, attempts)
	if err != nil {
		return err
	}
	if !applied {
		fresh, err := s.repo.Get(ctx, appt.ID)
		if err != nil {
			return err
		}
		if fresh.CallStatus.Terminal() {
			return nil
		}
		// Status moved underneath us (e.g. ringing -> in_progress while a
		// timeout sweep ran). Re-anchor on the fresh status and retry once.
		if s.metrics != nil {
			s.metrics.CallRacesLost.Inc()
		}
		return s.finalize(ctx, fresh, end, deactivateAll(fresh.ActiveParticipants, end.EndedAt))
	}

	s.countTransition(appt.CallStatus, model.CallStatusEnded)
	if s.metrics != nil {
		if appt.CallStatus == model.CallStatusInProgress {
			s.metrics.ActiveCalls.Dec()
		}
		s.metrics.CallDuration.Observe(float64(end.DurationSeconds))
	}

	s.registry.BroadcastToRoom(appt.ID.String(), realtime.Event{
		Type: realtime.EventCallEnded,
		Payload: map[string]interface{}{
			"appointment_id": appt.ID,
			"ended_by":       end.EndedBy,
			"reason":         end.Reason,
			"duration":       end.DurationSeconds,
		},
	})

	if s.setFlag(ctx, appt.ID, model.FlagCallEnded) {
		endedBy := end.EndedBy
		reason := end.Reason
		go func() {
			if err := s.notifier.CallEnded(context.Background(), appt, endedBy, reason); err != nil {
				log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("call-ended notification failed")
			}
		}()
	}

	return nil
}

// Status is the read-only view behind GET status/:id.
func (s *Service) Status(ctx context.Context, appointmentID, userID uuid.UUID) (*model.SessionStatus, error) {
	appt, _, err := s.authorize(ctx, appointmentID, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	opens := appt.ScheduledAt.Add(-s.cfg.JoinLead)
	closes := appt.ScheduledEnd().Add(s.cfg.Grace)

	status := &model.SessionStatus{
		AppointmentID: appt.ID,
		CallStatus:    appt.CallStatus,
		ActiveCount:   appt.ActiveParticipants.ActiveCount(),
		TotalCount:    len(appt.Participants),
	}

	if appt.CallStatus.Terminal() || appt.Status == model.AppointmentStatusCancelled {
		return status, nil
	}

	switch {
	case now.Before(opens):
		status.WaitSeconds = int(opens.Sub(now).Seconds())
	case now.After(closes):
		// expired, not joinable
	default:
		status.Joinable = true
		status.RemainingSeconds = int(closes.Sub(now).Seconds())
	}

	return status, nil
}

// ReportIssue records a diagnostic entry. It never fails the call: storage
// errors are logged and swallowed.
func (s *Service) ReportIssue(ctx context.Context, appointmentID, userID uuid.UUID, issueType, description string) *model.IssueReport {
	report := &model.IssueReport{
		AppointmentID: appointmentID,
		ReporterID:    userID,
		IssueType:     issueType,
		Description:   description,
	}
	if err := s.issues.Create(ctx, report); err != nil {
		log.Error().Err(err).
			Str("appointment_id", appointmentID.String()).
			Str("issue_type", issueType).
			Msg("failed to record issue report")
		return nil
	}
	return report
}

// CanJoinRoom authorizes session-room membership for the realtime channel.
func (s *Service) CanJoinRoom(ctx context.Context, userID, appointmentID uuid.UUID) error {
	_, _, err := s.authorize(ctx, appointmentID, userID)
	return err
}

func (s *Service) authorize(ctx context.Context, appointmentID, userID uuid.UUID) (*model.Appointment, model.ParticipantRole, error) {
	appt, err := s.repo.Get(ctx, appointmentID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrAppointmentNotFound, err)
	}
	role, ok := appt.RoleOf(userID)
	if !ok {
		return nil, "", ErrNotParticipant
	}
	return appt, role, nil
}

func (s *Service) checkJoinWindow(appt *model.Appointment) error {
	now := s.now()
	opens := appt.ScheduledAt.Add(-s.cfg.JoinLead)
	if now.Before(opens) {
		return &JoinWindowError{WaitSeconds: int(opens.Sub(now).Seconds())}
	}
	closes := appt.ScheduledEnd().Add(s.cfg.Grace)
	if now.After(closes) {
		return &JoinWindowError{Expired: true}
	}
	return nil
}

func (s *Service) setFlag(ctx context.Context, appointmentID uuid.UUID, flag model.NotificationFlag) bool {
	applied, err := s.repo.SetNotificationFlag(ctx, appointmentID, flag)
	if err != nil {
		log.Error().Err(err).
			Str("appointment_id", appointmentID.String()).
			Str("flag", string(flag)).
			Msg("failed to set notification flag")
		return false
	}
	return applied
}

func (s *Service) descriptor(appt *model.Appointment, userID uuid.UUID, status model.CallStatus, activeCount int) *model.SessionDescriptor {
	return &model.SessionDescriptor{
		AppointmentID: appt.ID,
		ChannelName:   appt.ChannelName,
		RTCHandle:     model.RTCHandleFor(userID),
		CallStatus:    status,
		ActiveCount:   activeCount,
	}
}

func (s *Service) countTransition(from, to model.CallStatus) {
	if s.metrics != nil {
		s.metrics.CallTransitions.WithLabelValues(from.String(), to.String()).Inc()
	}
}

func cloneActive(ps model.ActiveParticipants) model.ActiveParticipants {
	out := make(model.ActiveParticipants, len(ps))
	copy(out, ps)
	return out
}

func cloneAttempts(as model.CallAttempts) model.CallAttempts {
	out := make(model.CallAttempts, len(as))
	copy(out, as)
	return out
}

func deactivateAll(ps model.ActiveParticipants, at time.Time) model.ActiveParticipants {
	out := cloneActive(ps)
	for i := range out {
		if out[i].IsActive {
			out[i].IsActive = false
			out[i].LastPing = at
		}
	}
	return out
}

func appendUnique(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}
