package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecare/session-api/internal/model"
	"github.com/telecare/session-api/internal/realtime"
	"github.com/telecare/session-api/internal/repository"
	"github.com/telecare/session-api/pkg/rtc"
)

// stubCallRepo holds a single appointment and applies the same conditional
// semantics as the SQL layer: a write only lands when the expected prior
// status still holds, and participant writes only land when the row is
// unchanged since the caller's read.
type stubCallRepo struct {
	mu   sync.Mutex
	appt *model.Appointment

	markEndedCalls int
	// loseFirstRinging makes the first MarkRinging lose as if a concurrent
	// initiator won, flipping the stored status itself.
	loseFirstRinging bool
	// staleGet, when set, is served by the next Get exactly once, as if the
	// caller read the row before a concurrent commit.
	staleGet *model.Appointment
}

// bump advances the row version, mirroring the updated_at write every SQL
// statement performs.
func (r *stubCallRepo) bump() {
	r.appt.UpdatedAt = r.appt.UpdatedAt.Add(time.Microsecond)
}

var _ repository.CallStateRepository = (*stubCallRepo)(nil)

func (r *stubCallRepo) Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appt == nil || r.appt.ID != id {
		return nil, errors.New("no rows")
	}
	if r.staleGet != nil {
		copied := *r.staleGet
		r.staleGet = nil
		return &copied, nil
	}
	copied := *r.appt
	return &copied, nil
}

func (r *stubCallRepo) MarkRinging(ctx context.Context, id uuid.UUID, initiatedBy model.ParticipantRole, channelName string,
	active model.ActiveParticipants, participants model.UUIDSet, attempts model.CallAttempts) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loseFirstRinging {
		r.loseFirstRinging = false
		// Another caller got here first.
		other := r.appt.OtherParticipant(active[0].UserID)
		now := time.Now()
		r.appt.CallStatus = model.CallStatusRinging
		r.appt.ChannelName = channelName
		r.appt.InitiatedBy = r.roleOf(other)
		r.appt.ActiveParticipants = model.ActiveParticipants{{UserID: other, JoinedAt: now, IsActive: true, LastPing: now}}
		r.appt.Participants = model.UUIDSet{other}
		r.appt.CallAttempts = model.CallAttempts{{StartedAt: now, Participants: []uuid.UUID{other}}}
		r.bump()
		return false, nil
	}
	if r.appt.CallStatus != model.CallStatusIdle {
		return false, nil
	}
	r.appt.CallStatus = model.CallStatusRinging
	r.appt.InitiatedBy = initiatedBy
	r.appt.ChannelName = channelName
	r.appt.ActiveParticipants = active
	r.appt.Participants = participants
	r.appt.CallAttempts = attempts
	r.bump()
	return true, nil
}

func (r *stubCallRepo) roleOf(userID uuid.UUID) model.ParticipantRole {
	role, _ := r.appt.RoleOf(userID)
	return role
}

func (r *stubCallRepo) MarkInProgress(ctx context.Context, id uuid.UUID, startedAt time.Time,
	active model.ActiveParticipants, participants model.UUIDSet, attempts model.CallAttempts) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appt.CallStatus != model.CallStatusRinging {
		return false, nil
	}
	r.appt.CallStatus = model.CallStatusInProgress
	r.appt.CallStartedAt = &startedAt
	r.appt.ActiveParticipants = active
	r.appt.Participants = participants
	r.appt.CallAttempts = attempts
	r.bump()
	return true, nil
}

func (r *stubCallRepo) MarkEnded(ctx context.Context, id uuid.UUID, from model.CallStatus, end model.CallEnd,
	active model.ActiveParticipants, attempts model.CallAttempts) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markEndedCalls++
	if r.appt.CallStatus != from || r.appt.CallStatus.Terminal() {
		return false, nil
	}
	endedAt := end.EndedAt
	duration := end.DurationSeconds
	r.appt.CallStatus = model.CallStatusEnded
	r.appt.CallEndedAt = &endedAt
	r.appt.CallDurationSeconds = &duration
	r.appt.CallEndedBy = end.EndedBy
	r.appt.ActiveParticipants = active
	r.appt.CallAttempts = attempts
	r.bump()
	return true, nil
}

func (r *stubCallRepo) SaveParticipants(ctx context.Context, id uuid.UUID, asOf time.Time,
	active model.ActiveParticipants, participants model.UUIDSet) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appt.CallStatus.Terminal() || !r.appt.UpdatedAt.Equal(asOf) {
		return false, nil
	}
	r.appt.ActiveParticipants = active
	r.appt.Participants = participants
	r.bump()
	return true, nil
}

func (r *stubCallRepo) SetNotificationFlag(ctx context.Context, id uuid.UUID, flag model.NotificationFlag) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var target *bool
	switch flag {
	case model.FlagReminder:
		target = &r.appt.NotificationsSent.Reminder
	case model.FlagExpiryWarning:
		target = &r.appt.NotificationsSent.ExpiryWarning
	case model.FlagCallStarted:
		target = &r.appt.NotificationsSent.CallStarted
	case model.FlagCallEnded:
		target = &r.appt.NotificationsSent.CallEnded
	default:
		return false, errors.New("unknown flag")
	}
	if *target {
		return false, nil
	}
	*target = true
	r.bump()
	return true, nil
}

func (r *stubCallRepo) ListDueForReminder(ctx context.Context, now time.Time, lead time.Duration) ([]*model.Appointment, error) {
	return nil, nil
}

func (r *stubCallRepo) ListLiveCalls(ctx context.Context) ([]*model.Appointment, error) {
	return nil, nil
}

type stubApptRepo struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]model.AppointmentStatus
}

func (r *stubApptRepo) Create(ctx context.Context, a *model.Appointment) error { return nil }
func (r *stubApptRepo) Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	return nil, errors.New("not implemented")
}
func (r *stubApptRepo) SetStatus(ctx context.Context, id uuid.UUID, status model.AppointmentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[uuid.UUID]model.AppointmentStatus)
	}
	r.statuses[id] = status
	return nil
}

type stubIssueRepo struct {
	mu   sync.Mutex
	fail bool
	got  []*model.IssueReport
}

func (r *stubIssueRepo) Create(ctx context.Context, report *model.IssueReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("storage down")
	}
	r.got = append(r.got, report)
	return nil
}

func (r *stubIssueRepo) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*model.IssueReport, error) {
	return r.got, nil
}

type stubNotifier struct {
	mu      sync.Mutex
	ringing []uuid.UUID
	started int
	ended   int
}

func (n *stubNotifier) CallRinging(ctx context.Context, appt *model.Appointment, recipientID uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ringing = append(n.ringing, recipientID)
	return nil
}

func (n *stubNotifier) CallStarted(ctx context.Context, appt *model.Appointment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started++
	return nil
}

func (n *stubNotifier) CallEnded(ctx context.Context, appt *model.Appointment, endedBy model.ParticipantRole, reason model.EndReason) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended++
	return nil
}

func (n *stubNotifier) ringingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ringing)
}

func (n *stubNotifier) startedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

func (n *stubNotifier) endedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ended
}

type recordedEvent struct {
	userID uuid.UUID
	roomID string
	event  realtime.Event
}

type stubRegistry struct {
	mu     sync.Mutex
	sent   []recordedEvent
	online map[uuid.UUID]bool
}

func (r *stubRegistry) Connect(userID uuid.UUID, s realtime.Sender) {}
func (r *stubRegistry) Disconnect(userID uuid.UUID)                 {}
func (r *stubRegistry) JoinRoom(roomID string, userID uuid.UUID)    {}
func (r *stubRegistry) LeaveRoom(roomID string, userID uuid.UUID)   {}
func (r *stubRegistry) IsOnline(userID uuid.UUID) bool              { return r.online[userID] }

func (r *stubRegistry) SendToUser(userID uuid.UUID, event realtime.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recordedEvent{userID: userID, event: event})
	return r.online[userID]
}

func (r *stubRegistry) BroadcastToRoom(roomID string, event realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recordedEvent{roomID: roomID, event: event})
}

func (r *stubRegistry) eventsOfType(t realtime.EventType) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.sent {
		if e.event.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type stubIssuer struct {
	fail bool
}

func (i *stubIssuer) Issue(channel string, handle uint32) (*rtc.Credential, error) {
	if i.fail {
		return nil, errors.New("issuer unavailable")
	}
	return &rtc.Credential{Token: "tok", Channel: channel, Handle: handle, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fixture struct {
	svc      *Service
	repo     *stubCallRepo
	appts    *stubApptRepo
	issues   *stubIssueRepo
	notifier *stubNotifier
	registry *stubRegistry
	issuer   *stubIssuer

	clinicianID uuid.UUID
	patientID   uuid.UUID
	appt        *model.Appointment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clinicianID := uuid.New()
	patientID := uuid.New()
	appt := &model.Appointment{
		Base:            model.Base{ID: uuid.New()},
		ClinicianID:     clinicianID,
		PatientID:       patientID,
		ScheduledAt:     time.Now(),
		DurationMinutes: 30,
		Status:          model.AppointmentStatusConfirmed,
		CallStatus:      model.CallStatusIdle,
	}

	f := &fixture{
		repo:        &stubCallRepo{appt: appt},
		appts:       &stubApptRepo{},
		issues:      &stubIssueRepo{},
		notifier:    &stubNotifier{},
		registry:    &stubRegistry{online: map[uuid.UUID]bool{}},
		issuer:      &stubIssuer{},
		clinicianID: clinicianID,
		patientID:   patientID,
		appt:        appt,
	}
	f.svc = NewService(f.repo, f.appts, f.issues, f.notifier, f.registry, f.issuer, nil, Config{
		JoinLead:      5 * time.Minute,
		Grace:         10 * time.Minute,
		MinViableCall: 30 * time.Second,
	})
	return f
}

func (f *fixture) current(t *testing.T) *model.Appointment {
	t.Helper()
	appt, err := f.repo.Get(context.Background(), f.appt.ID)
	require.NoError(t, err)
	return appt
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond, msg)
}

func TestRequestJoinInitiatesCall(t *testing.T) {
	f := newFixture(t)

	desc, cred, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.NoError(t, err)

	assert.Equal(t, model.CallStatusRinging, desc.CallStatus)
	assert.True(t, desc.Initiator)
	assert.Equal(t, 1, desc.ActiveCount)
	assert.Equal(t, model.ChannelNameFor(f.appt.ID), desc.ChannelName)
	assert.Equal(t, model.RTCHandleFor(f.clinicianID), desc.RTCHandle)

	require.NotNil(t, cred)
	assert.Equal(t, desc.ChannelName, cred.Channel)
	assert.Equal(t, desc.RTCHandle, cred.Handle)

	current := f.current(t)
	assert.Equal(t, model.CallStatusRinging, current.CallStatus)
	assert.Equal(t, model.RoleClinician, current.InitiatedBy)
	require.Len(t, current.CallAttempts, 1)
	assert.Nil(t, current.CallAttempts[0].EndedAt)

	rings := f.registry.eventsOfType(realtime.EventCallRinging)
	require.Len(t, rings, 1)
	assert.Equal(t, f.patientID, rings[0].userID)

	eventually(t, func() bool { return f.notifier.ringingCount() == 1 }, "counterpart should be notified")
}

func TestRequestJoinAnswerStartsCall(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.NoError(t, err)

	desc, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.patientID)
	require.NoError(t, err)

	assert.Equal(t, model.CallStatusInProgress, desc.CallStatus)
	assert.False(t, desc.Initiator)
	assert.Equal(t, 2, desc.ActiveCount)
	require.NotNil(t, desc.CallStartedAt)

	current := f.current(t)
	assert.Equal(t, model.CallStatusInProgress, current.CallStatus)
	assert.True(t, current.NotificationsSent.CallStarted)
	require.Len(t, current.CallAttempts, 1)
	assert.ElementsMatch(t, []uuid.UUID{f.clinicianID, f.patientID}, current.CallAttempts[0].Participants)

	assert.Len(t, f.registry.eventsOfType(realtime.EventCallStarted), 1)
	eventually(t, func() bool { return f.notifier.startedCount() == 1 }, "call-started notification")
}

func TestRequestJoinInitiatorResignalKeepsRinging(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.NoError(t, err)

	desc, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.NoError(t, err)

	assert.Equal(t, model.CallStatusRinging, desc.CallStatus)
	assert.Equal(t, 1, desc.ActiveCount)
	assert.Equal(t, model.CallStatusRinging, f.current(t).CallStatus)
}

func TestRequestJoinRaceLoserSettlesAsAnswer(t *testing.T) {
	f := newFixture(t)
	f.repo.loseFirstRinging = true

	desc, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.patientID)
	require.NoError(t, err)

	// The other party won the initiate; our join re-read and answered,
	// completing the pair.
	assert.Equal(t, model.CallStatusInProgress, desc.CallStatus)
	assert.Equal(t, model.CallStatusInProgress, f.current(t).CallStatus)
}

func TestRequestJoinTooEarly(t *testing.T) {
	f := newFixture(t)
	f.repo.appt.ScheduledAt = time.Now().Add(time.Hour)

	_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.patientID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooEarly)

	var windowErr *JoinWindowError
	require.ErrorAs(t, err, &windowErr)
	assert.False(t, windowErr.Expired)
	assert.Greater(t, windowErr.WaitSeconds, 0)
}

func TestRequestJoinExpired(t *testing.T) {
	f := newFixture(t)
	f.repo.appt.ScheduledAt = time.Now().Add(-2 * time.Hour)

	_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.patientID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExpired)

	var windowErr *JoinWindowError
	require.ErrorAs(t, err, &windowErr)
	assert.True(t, windowErr.Expired)
}

func TestRequestJoinRejections(t *testing.T) {
	t.Run("cancelled appointment", func(t *testing.T) {
		f := newFixture(t)
		f.repo.appt.Status = model.AppointmentStatusCancelled

		_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.patientID)
		assert.ErrorIs(t, err, ErrCancelled)
	})

	t.Run("ended call", func(t *testing.T) {
		f := newFixture(t)
		f.repo.appt.CallStatus = model.CallStatusEnded

		_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.patientID)
		assert.ErrorIs(t, err, ErrCallEnded)
	})

	t.Run("stranger", func(t *testing.T) {
		f := newFixture(t)

		_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, uuid.New())
		assert.ErrorIs(t, err, ErrNotParticipant)
	})

	t.Run("unknown appointment", func(t *testing.T) {
		f := newFixture(t)

		_, _, err := f.svc.RequestJoin(context.Background(), uuid.New(), f.patientID)
		assert.ErrorIs(t, err, ErrAppointmentNotFound)
	})
}

func TestRequestJoinIssuerFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.issuer.fail = true

	_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.Error(t, err)

	// The transition itself still happened; only the credential failed.
	assert.Equal(t, model.CallStatusRinging, f.current(t).CallStatus)
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.NoError(t, err)

	before := f.current(t).ActiveParticipants.Find(f.clinicianID).LastPing

	f.svc.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, f.svc.Heartbeat(context.Background(), f.appt.ID, f.clinicianID))

	after := f.current(t).ActiveParticipants.Find(f.clinicianID).LastPing
	assert.True(t, after.After(before))
}

func TestHeartbeatWithoutSession(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Heartbeat(context.Background(), f.appt.ID, f.clinicianID)
	assert.ErrorIs(t, err, ErrNoActiveCall)
}

func TestConfirmJoinReactivates(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.NoError(t, err)

	f.repo.appt.ActiveParticipants.Find(f.clinicianID).IsActive = false

	require.NoError(t, f.svc.ConfirmJoin(context.Background(), f.appt.ID, f.clinicianID))
	assert.True(t, f.current(t).ActiveParticipants.Find(f.clinicianID).IsActive)
}

func TestRequestJoinStaleResignalKeepsAnswer(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.NoError(t, err)
	stale := f.current(t)

	// The patient answers between the initiator's read and its re-signal.
	_, _, err = f.svc.RequestJoin(context.Background(), f.appt.ID, f.patientID)
	require.NoError(t, err)

	f.repo.staleGet = stale
	desc, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.NoError(t, err)

	assert.Equal(t, model.CallStatusInProgress, desc.CallStatus)

	current := f.current(t)
	assert.Equal(t, model.CallStatusInProgress, current.CallStatus)
	require.NotNil(t, current.ActiveParticipants.Find(f.patientID), "answerer must survive the stale re-signal")
	assert.True(t, current.ActiveParticipants.Find(f.patientID).IsActive)
	assert.Equal(t, 2, current.ActiveParticipants.ActiveCount())
}

func TestHeartbeatStaleReadKeepsDisconnect(t *testing.T) {
	f := newFixture(t)
	startCall(t, f)
	stale := f.current(t)

	require.NoError(t, f.svc.Disconnect(context.Background(), f.appt.ID, f.patientID))

	// The peer's heartbeat was built from a read taken before the
	// disconnect committed.
	f.repo.staleGet = stale
	require.NoError(t, f.svc.Heartbeat(context.Background(), f.appt.ID, f.clinicianID))

	current := f.current(t)
	assert.False(t, current.ActiveParticipants.Find(f.patientID).IsActive, "heartbeat must not resurrect a disconnected participant")
	assert.True(t, current.ActiveParticipants.Find(f.clinicianID).IsActive)
}

func startCall(t *testing.T, f *fixture) {
	t.Helper()
	_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.NoError(t, err)
	_, _, err = f.svc.RequestJoin(context.Background(), f.appt.ID, f.patientID)
	require.NoError(t, err)
}

func TestDisconnectBelowMinViableKeepsCall(t *testing.T) {
	f := newFixture(t)
	startCall(t, f)

	// Both drop immediately; the call is too young to count as real.
	require.NoError(t, f.svc.Disconnect(context.Background(), f.appt.ID, f.patientID))
	require.NoError(t, f.svc.Disconnect(context.Background(), f.appt.ID, f.clinicianID))

	current := f.current(t)
	assert.Equal(t, model.CallStatusInProgress, current.CallStatus)
	assert.Equal(t, 0, current.ActiveParticipants.ActiveCount())
}

func TestDisconnectLastParticipantEndsMatureCall(t *testing.T) {
	f := newFixture(t)
	startCall(t, f)

	require.NoError(t, f.svc.Disconnect(context.Background(), f.appt.ID, f.patientID))

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, f.svc.Disconnect(context.Background(), f.appt.ID, f.clinicianID))

	current := f.current(t)
	assert.Equal(t, model.CallStatusEnded, current.CallStatus)
	assert.Equal(t, model.RoleClinician, current.CallEndedBy)
	require.NotNil(t, current.CallDurationSeconds)
	assert.GreaterOrEqual(t, *current.CallDurationSeconds, 60)

	require.Len(t, current.CallAttempts, 1)
	assert.Equal(t, model.EndReasonDisconnected, current.CallAttempts[0].EndReason)
	eventually(t, func() bool { return f.notifier.endedCount() == 1 }, "call-ended notification")
}

func TestDisconnectWithPeerStillActive(t *testing.T) {
	f := newFixture(t)
	startCall(t, f)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, f.svc.Disconnect(context.Background(), f.appt.ID, f.patientID))

	current := f.current(t)
	assert.Equal(t, model.CallStatusInProgress, current.CallStatus)
	assert.Equal(t, 1, current.ActiveParticipants.ActiveCount())
}

func TestEndCallIsIdempotent(t *testing.T) {
	f := newFixture(t)
	startCall(t, f)

	ended, err := f.svc.EndCall(context.Background(), f.appt.ID, f.clinicianID, nil, "good")
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusEnded, ended.CallStatus)
	assert.Equal(t, model.RoleClinician, ended.CallEndedBy)

	callsAfterFirst := f.repo.markEndedCalls

	again, err := f.svc.EndCall(context.Background(), f.appt.ID, f.patientID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusEnded, again.CallStatus)
	assert.Equal(t, model.RoleClinician, again.CallEndedBy, "second end must not overwrite the first")
	assert.Equal(t, callsAfterFirst, f.repo.markEndedCalls)

	assert.Equal(t, model.AppointmentStatusCompleted, f.appts.statuses[f.appt.ID])
	eventually(t, func() bool { return f.notifier.endedCount() == 1 }, "exactly one call-ended notification")
}

func TestEndCallPrefersCallerDuration(t *testing.T) {
	f := newFixture(t)
	startCall(t, f)

	reported := 123
	ended, err := f.svc.EndCall(context.Background(), f.appt.ID, f.patientID, &reported, "fair")
	require.NoError(t, err)

	require.NotNil(t, ended.CallDurationSeconds)
	assert.Equal(t, 123, *ended.CallDurationSeconds)
	require.Len(t, ended.CallAttempts, 1)
	assert.Equal(t, "fair", ended.CallAttempts[0].Quality)
}

func TestAutoEndFromRinging(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.NoError(t, err)

	require.NoError(t, f.svc.AutoEnd(context.Background(), f.appt.ID))

	current := f.current(t)
	assert.Equal(t, model.CallStatusEnded, current.CallStatus)
	assert.Equal(t, model.RoleSystem, current.CallEndedBy)
	require.Len(t, current.CallAttempts, 1)
	assert.Equal(t, model.EndReasonTimeout, current.CallAttempts[0].EndReason)
}

func TestAutoEndAlreadyEndedIsNoop(t *testing.T) {
	f := newFixture(t)
	f.repo.appt.CallStatus = model.CallStatusEnded

	require.NoError(t, f.svc.AutoEnd(context.Background(), f.appt.ID))
	assert.Zero(t, f.repo.markEndedCalls)
}

func TestReapStaleEndsAbandonedCall(t *testing.T) {
	f := newFixture(t)
	startCall(t, f)

	// Nobody has pinged since the call started two minutes ago.
	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, f.svc.ReapStale(context.Background(), f.appt.ID))

	current := f.current(t)
	assert.Equal(t, model.CallStatusEnded, current.CallStatus)
	assert.Equal(t, model.RoleSystem, current.CallEndedBy)
	assert.Equal(t, 0, current.ActiveParticipants.ActiveCount())
}

func TestReapStaleSparesFreshParticipant(t *testing.T) {
	f := newFixture(t)
	startCall(t, f)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, f.svc.Heartbeat(context.Background(), f.appt.ID, f.clinicianID))

	require.NoError(t, f.svc.ReapStale(context.Background(), f.appt.ID))

	current := f.current(t)
	assert.Equal(t, model.CallStatusInProgress, current.CallStatus)
	assert.False(t, current.ActiveParticipants.Find(f.patientID).IsActive)
	assert.True(t, current.ActiveParticipants.Find(f.clinicianID).IsActive)
}

func TestReapStaleIgnoresRingingCall(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.RequestJoin(context.Background(), f.appt.ID, f.clinicianID)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, f.svc.ReapStale(context.Background(), f.appt.ID))

	current := f.current(t)
	assert.Equal(t, model.CallStatusRinging, current.CallStatus)
	assert.True(t, current.ActiveParticipants.Find(f.clinicianID).IsActive)
}

func TestStatusJoinable(t *testing.T) {
	f := newFixture(t)

	status, err := f.svc.Status(context.Background(), f.appt.ID, f.patientID)
	require.NoError(t, err)

	assert.True(t, status.Joinable)
	assert.Equal(t, model.CallStatusIdle, status.CallStatus)
	assert.Greater(t, status.RemainingSeconds, 0)
	assert.Zero(t, status.WaitSeconds)
}

func TestStatusBeforeWindow(t *testing.T) {
	f := newFixture(t)
	f.repo.appt.ScheduledAt = time.Now().Add(time.Hour)

	status, err := f.svc.Status(context.Background(), f.appt.ID, f.patientID)
	require.NoError(t, err)

	assert.False(t, status.Joinable)
	assert.Greater(t, status.WaitSeconds, 0)
}

func TestStatusAfterWindow(t *testing.T) {
	f := newFixture(t)
	f.repo.appt.ScheduledAt = time.Now().Add(-2 * time.Hour)

	status, err := f.svc.Status(context.Background(), f.appt.ID, f.patientID)
	require.NoError(t, err)

	assert.False(t, status.Joinable)
	assert.Zero(t, status.WaitSeconds)
	assert.Zero(t, status.RemainingSeconds)
}

func TestReportIssueSurvivesStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.issues.fail = true

	report := f.svc.ReportIssue(context.Background(), f.appt.ID, f.patientID, "audio_echo", "bad echo")
	assert.Nil(t, report)

	f.issues.fail = false
	report = f.svc.ReportIssue(context.Background(), f.appt.ID, f.patientID, "audio_echo", "bad echo")
	require.NotNil(t, report)
	assert.Equal(t, "audio_echo", report.IssueType)
}

func TestCanJoinRoom(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, f.svc.CanJoinRoom(context.Background(), f.patientID, f.appt.ID))
	assert.ErrorIs(t, f.svc.CanJoinRoom(context.Background(), uuid.New(), f.appt.ID), ErrNotParticipant)
}
