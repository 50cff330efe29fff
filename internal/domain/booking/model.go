// Package booking owns the appointment state machine and the slot
// exclusivity rule: a clinician has at most one active appointment per
// scheduled instant.
package booking

import (
	"time"

	"github.com/google/uuid"
)

// Appointment statuses. Completed and cancelled are terminal.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

type Appointment struct {
	ID          uuid.UUID `json:"id"`
	PatientID   string    `json:"patient_id"`
	ClinicianID string    `json:"clinician_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Reason      string    `json:"reason"`
	Notes       *string   `json:"notes,omitempty"`
	Status      string    `json:"status"`
	MeetingLink *string   `json:"meeting_link,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Active reports whether the appointment holds its slot. Only active
// appointments block another booking at the same clinician and instant.
func (a *Appointment) Active() bool {
	return a.Status == StatusPending || a.Status == StatusConfirmed
}

// Terminal reports whether no further status transition is permitted.
func (a *Appointment) Terminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusCancelled
}

// RoomID derives the consultation room identifier for this appointment.
// Deterministic so both participants resolve the same room independently.
func (a *Appointment) RoomID() string {
	return "consult-" + a.ID.String()
}

// IsValidStatus reports whether s is a recognized appointment status.
func IsValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}
