package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/presence"
)

// Notifier delivers booking events to a connected user. Delivery is
// best-effort; the service never fails an operation because a target is
// offline.
type Notifier interface {
	Send(targetUserID string, event presence.Event)
}

// ServiceConfig carries booking policy knobs.
type ServiceConfig struct {
	// AllowDirectComplete permits pending to move straight to completed
	// without an intervening confirmation.
	AllowDirectComplete bool
}

type Service struct {
	repo     Repository
	notifier Notifier
	cfg      ServiceConfig
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, notifier Notifier, cfg ServiceConfig, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RequestBooking validates and commits a patient's booking request. The
// conflict check and insert are one atomic store operation; two concurrent
// requests for the same clinician and instant see exactly one winner.
func (s *Service) RequestBooking(ctx context.Context, patientID, clinicianID string, scheduledAt time.Time, reason string) (*Appointment, error) {
	caller := auth.UserIDFromContext(ctx)
	if caller == "" || caller != patientID {
		return nil, fmt.Errorf("%w: booking must be made by the patient", ErrForbidden)
	}
	if patientID == "" || clinicianID == "" {
		return nil, fmt.Errorf("%w: patient and clinician are required", ErrMissingField)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrMissingField)
	}
	if scheduledAt.IsZero() || !scheduledAt.After(s.now()) {
		return nil, ErrInvalidTime
	}

	appt := &Appointment{
		PatientID:   patientID,
		ClinicianID: clinicianID,
		ScheduledAt: scheduledAt.UTC(),
		Reason:      reason,
		Status:      StatusPending,
	}
	inserted, err := s.repo.TryInsert(ctx, appt)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, ErrSlotTaken
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("clinician_id", clinicianID).
		Time("scheduled_at", appt.ScheduledAt).
		Msg("booking created")

	s.notifier.Send(clinicianID, presence.NewBookingUpdateEvent(appt.ID, appt.Status, patientID))
	return appt, nil
}

// TransitionStatus drives the appointment state machine. Role rules: only
// the appointment's clinician confirms or completes; either party cancels.
// Terminal states admit no transition.
func (s *Service) TransitionStatus(ctx context.Context, id uuid.UUID, newStatus string) (*Appointment, error) {
	caller := auth.UserIDFromContext(ctx)
	if caller == "" {
		return nil, fmt.Errorf("%w: missing caller identity", ErrForbidden)
	}
	if !IsValidStatus(newStatus) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != appt.PatientID && caller != appt.ClinicianID {
		return nil, fmt.Errorf("%w: caller is not a participant of this appointment", ErrForbidden)
	}
	if err := s.checkTransition(appt, caller, newStatus); err != nil {
		return nil, err
	}

	// Conditional update: a concurrent transition that moved the
	// appointment first wins and this call reports the conflict.
	moved, err := s.repo.UpdateStatusFrom(ctx, id, appt.Status, newStatus)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: appointment status changed concurrently", ErrInvalidTransition)
	}
	appt.Status = newStatus
	appt.UpdatedAt = s.now().UTC()

	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("status", newStatus).
		Str("by", caller).
		Msg("appointment status changed")

	counterparty := appt.PatientID
	if caller == appt.PatientID {
		counterparty = appt.ClinicianID
	}
	s.notifier.Send(counterparty, presence.NewBookingUpdateEvent(appt.ID, newStatus, caller))
	return appt, nil
}

func (s *Service) checkTransition(appt *Appointment, caller, newStatus string) error {
	if appt.Terminal() {
		return fmt.Errorf("%w: appointment already %s", ErrInvalidTransition, appt.Status)
	}

	switch newStatus {
	case StatusConfirmed:
		if appt.Status != StatusPending {
			return fmt.Errorf("%w: cannot confirm a %s appointment", ErrInvalidTransition, appt.Status)
		}
		if caller != appt.ClinicianID {
			return fmt.Errorf("%w: only the clinician may confirm", ErrForbidden)
		}
	case StatusCompleted:
		if appt.Status == StatusPending && !s.cfg.AllowDirectComplete {
			return fmt.Errorf("%w: appointment must be confirmed before completion", ErrInvalidTransition)
		}
		if caller != appt.ClinicianID {
			return fmt.Errorf("%w: only the clinician may complete", ErrForbidden)
		}
	case StatusCancelled:
		// Either participant, from any non-terminal state.
	default:
		return fmt.Errorf("%w: cannot transition to %s", ErrInvalidTransition, newStatus)
	}
	return nil
}

// SetMeetingLink records the consultation link. Clinician-only.
func (s *Service) SetMeetingLink(ctx context.Context, id uuid.UUID, link string) (*Appointment, error) {
	caller := auth.UserIDFromContext(ctx)
	if link == "" {
		return nil, fmt.Errorf("%w: meeting link is required", ErrMissingField)
	}

	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != appt.ClinicianID {
		return nil, fmt.Errorf("%w: only the clinician may set the meeting link", ErrForbidden)
	}
	if appt.Terminal() {
		return nil, fmt.Errorf("%w: appointment already %s", ErrInvalidTransition, appt.Status)
	}

	if err := s.repo.SetMeetingLink(ctx, id, link); err != nil {
		return nil, err
	}
	appt.MeetingLink = &link
	return appt, nil
}

// GetAppointment returns the appointment when the caller is a participant.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	caller := auth.UserIDFromContext(ctx)
	role := auth.RoleFromContext(ctx)
	if role != auth.RoleAdmin && caller != appt.PatientID && caller != appt.ClinicianID {
		return nil, fmt.Errorf("%w: caller is not a participant of this appointment", ErrForbidden)
	}
	return appt, nil
}

// ListAppointments returns the caller's appointments on the side their role
// selects, ordered by scheduled instant ascending.
func (s *Service) ListAppointments(ctx context.Context, statusFilter string, limit, offset int) ([]*Appointment, int, error) {
	caller := auth.UserIDFromContext(ctx)
	if caller == "" {
		return nil, 0, fmt.Errorf("%w: missing caller identity", ErrForbidden)
	}
	if statusFilter != "" && !IsValidStatus(statusFilter) {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrMissingField, statusFilter)
	}

	if auth.RoleFromContext(ctx) == auth.RoleClinician {
		return s.repo.ListByClinician(ctx, caller, statusFilter, limit, offset)
	}
	return s.repo.ListByPatient(ctx, caller, statusFilter, limit, offset)
}
