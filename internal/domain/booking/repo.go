package booking

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the appointment store. Slot exclusivity is the store's
// contract, not the service's: TryInsert must be atomic with respect to
// concurrent inserts for the same clinician and instant, because multiple
// service instances may run at once.
type Repository interface {
	// TryInsert persists a new appointment unless an active appointment
	// already holds the same (clinician, instant) slot. Returns false,
	// with no side effects, when the slot is held.
	TryInsert(ctx context.Context, a *Appointment) (bool, error)

	// GetByID returns the appointment or ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// UpdateStatusFrom moves the appointment from oldStatus to newStatus.
	// Returns false when the appointment is no longer in oldStatus, so a
	// concurrent transition cannot be overwritten.
	UpdateStatusFrom(ctx context.Context, id uuid.UUID, oldStatus, newStatus string) (bool, error)

	// SetMeetingLink records the meeting link on the appointment.
	SetMeetingLink(ctx context.Context, id uuid.UUID, link string) error

	// ListByPatient returns the patient's appointments ordered by scheduled
	// instant ascending, optionally filtered by status.
	ListByPatient(ctx context.Context, patientID, statusFilter string, limit, offset int) ([]*Appointment, int, error)

	// ListByClinician is ListByPatient for the clinician side.
	ListByClinician(ctx context.Context, clinicianID, statusFilter string, limit, offset int) ([]*Appointment, int, error)
}
