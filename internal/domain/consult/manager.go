package consult

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/booking"
	"github.com/carelink/carelink/internal/platform/auth"
)

// AppointmentSource resolves appointments for precondition checks. Satisfied
// by the booking repository.
type AppointmentSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*booking.Appointment, error)
}

// Manager owns one Coordinator per user and enforces join preconditions: the
// caller must be a participant of a confirmed appointment and must present a
// credential token scoped to that appointment's room.
type Manager struct {
	appts     AppointmentSource
	tokens    *auth.RoomTokenIssuer
	media     MediaSource
	signaling Signaling
	router    RoomRouter
	logger    zerolog.Logger

	mediaTimeout     time.Duration
	signalingTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Coordinator
}

func NewManager(appts AppointmentSource, tokens *auth.RoomTokenIssuer, media MediaSource,
	signaling Signaling, router RoomRouter, mediaTimeout, signalingTimeout time.Duration,
	logger zerolog.Logger) *Manager {
	return &Manager{
		appts:            appts,
		tokens:           tokens,
		media:            media,
		signaling:        signaling,
		router:           router,
		logger:           logger,
		mediaTimeout:     mediaTimeout,
		signalingTimeout: signalingTimeout,
		sessions:         make(map[string]*Coordinator),
	}
}

// resolve loads the appointment and checks the caller belongs to it.
func (m *Manager) resolve(ctx context.Context, appointmentID uuid.UUID) (*booking.Appointment, string, error) {
	caller := auth.UserIDFromContext(ctx)
	if caller == "" {
		return nil, "", ErrNotParticipant
	}
	appt, err := m.appts.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, "", err
	}
	if caller != appt.PatientID && caller != appt.ClinicianID {
		return nil, "", ErrNotParticipant
	}
	return appt, caller, nil
}

// IssueToken mints a short-lived credential scoped to the appointment's
// room. Only participants of a confirmed appointment may obtain one.
func (m *Manager) IssueToken(ctx context.Context, appointmentID uuid.UUID) (token, roomID string, err error) {
	appt, caller, err := m.resolve(ctx, appointmentID)
	if err != nil {
		return "", "", err
	}
	if appt.Status != booking.StatusConfirmed {
		return "", "", fmt.Errorf("%w: appointment is %s", ErrNotConfirmed, appt.Status)
	}

	roomID = appt.RoomID()
	token, err = m.tokens.Issue(caller, roomID)
	if err != nil {
		return "", "", err
	}
	return token, roomID, nil
}

// Join validates the credential and preconditions, then runs the caller's
// coordinator through its join sequence.
func (m *Manager) Join(ctx context.Context, appointmentID uuid.UUID, credentialToken string) (*Coordinator, error) {
	appt, caller, err := m.resolve(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status != booking.StatusConfirmed {
		return nil, fmt.Errorf("%w: appointment is %s", ErrNotConfirmed, appt.Status)
	}

	roomID := appt.RoomID()
	subject, err := m.tokens.Verify(credentialToken, roomID)
	if err != nil {
		return nil, err
	}
	if subject != caller {
		return nil, ErrNotParticipant
	}

	coord := m.coordinatorFor(caller)
	if coord.State() != StateIdle {
		return nil, fmt.Errorf("%w: state is %s", ErrSessionActive, coord.State())
	}
	if err := coord.Join(ctx, roomID); err != nil {
		return nil, err
	}
	return coord, nil
}

// Leave tears down the caller's session. A no-op when none is active.
func (m *Manager) Leave(ctx context.Context) {
	if coord := m.existing(auth.UserIDFromContext(ctx)); coord != nil {
		coord.Leave()
	}
}

func (m *Manager) ToggleAudio(ctx context.Context) (bool, error) {
	coord := m.existing(auth.UserIDFromContext(ctx))
	if coord == nil {
		return false, fmt.Errorf("%w: no session", ErrInvalidState)
	}
	return coord.ToggleAudio()
}

func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	coord := m.existing(auth.UserIDFromContext(ctx))
	if coord == nil {
		return false, fmt.Errorf("%w: no session", ErrInvalidState)
	}
	return coord.ToggleVideo()
}

// Session returns the caller's coordinator, or nil.
func (m *Manager) Session(ctx context.Context) *Coordinator {
	return m.existing(auth.UserIDFromContext(ctx))
}

func (m *Manager) coordinatorFor(userID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	coord, ok := m.sessions[userID]
	if !ok {
		coord = NewCoordinator(userID, m.media, m.signaling, m.router,
			m.mediaTimeout, m.signalingTimeout, m.logger)
		m.sessions[userID] = coord
	}
	return coord
}

func (m *Manager) existing(userID string) *Coordinator {
	if userID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// Teardown leaves every active session. Called on server shutdown so no
// media track outlives the component.
func (m *Manager) Teardown() {
	m.mu.Lock()
	coords := make([]*Coordinator, 0, len(m.sessions))
	for _, c := range m.sessions {
		coords = append(coords, c)
	}
	m.mu.Unlock()

	for _, c := range coords {
		c.Leave()
	}
}
