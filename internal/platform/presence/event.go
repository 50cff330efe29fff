package presence

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the event union. Adding a kind means adding a payload
// struct and a constructor below; consumers switch on Kind exhaustively
// instead of registering string-keyed handlers.
type Kind string

const (
	KindMessage       Kind = "message"
	KindBookingUpdate Kind = "booking-update"
	KindCallSignal    Kind = "call-signal"
)

// Signal kinds carried by call-signal events.
const (
	SignalJoined       = "joined"
	SignalLeft         = "left"
	SignalDisconnected = "disconnected"
)

// Event is a routed notification. Exactly one payload field is set, matching
// Kind. Events are fire-and-forget: delivery is at-most-once to targets that
// are connected when the event is sent.
type Event struct {
	Kind          Kind                  `json:"kind"`
	Timestamp     time.Time             `json:"timestamp"`
	Message       *MessagePayload       `json:"message,omitempty"`
	BookingUpdate *BookingUpdatePayload `json:"booking_update,omitempty"`
	CallSignal    *CallSignalPayload    `json:"call_signal,omitempty"`
}

type MessagePayload struct {
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type BookingUpdatePayload struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Status        string    `json:"status"`
	By            string    `json:"by"`
}

type CallSignalPayload struct {
	RoomID        string `json:"room_id"`
	Signal        string `json:"signal"`
	ParticipantID string `json:"participant_id"`
}

func NewMessageEvent(senderID, content string) Event {
	now := time.Now().UTC()
	return Event{
		Kind:      KindMessage,
		Timestamp: now,
		Message:   &MessagePayload{SenderID: senderID, Content: content, CreatedAt: now},
	}
}

func NewBookingUpdateEvent(appointmentID uuid.UUID, status, by string) Event {
	return Event{
		Kind:          KindBookingUpdate,
		Timestamp:     time.Now().UTC(),
		BookingUpdate: &BookingUpdatePayload{AppointmentID: appointmentID, Status: status, By: by},
	}
}

func NewCallSignalEvent(roomID, signal, participantID string) Event {
	return Event{
		Kind:       KindCallSignal,
		Timestamp:  time.Now().UTC(),
		CallSignal: &CallSignalPayload{RoomID: roomID, Signal: signal, ParticipantID: participantID},
	}
}
