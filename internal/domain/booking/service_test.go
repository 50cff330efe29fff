package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/presence"
)

// memRepo is an in-memory Repository with the same atomicity contract as the
// Postgres implementation: TryInsert and UpdateStatusFrom are atomic under
// its lock.
type memRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*Appointment
}

func newMemRepo() *memRepo {
	return &memRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func (m *memRepo) TryInsert(_ context.Context, a *Appointment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.appts {
		if existing.ClinicianID == a.ClinicianID && existing.ScheduledAt.Equal(a.ScheduledAt) && existing.Active() {
			return false, nil
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	m.appts[a.ID] = &cp
	return true, nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memRepo) UpdateStatusFrom(_ context.Context, id uuid.UUID, oldStatus, newStatus string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != oldStatus {
		return false, nil
	}
	a.Status = newStatus
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memRepo) SetMeetingLink(_ context.Context, id uuid.UUID, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return ErrNotFound
	}
	a.MeetingLink = &link
	return nil
}

func (m *memRepo) ListByPatient(_ context.Context, patientID, statusFilter string, limit, offset int) ([]*Appointment, int, error) {
	return m.list(func(a *Appointment) bool { return a.PatientID == patientID }, statusFilter)
}

func (m *memRepo) ListByClinician(_ context.Context, clinicianID, statusFilter string, limit, offset int) ([]*Appointment, int, error) {
	return m.list(func(a *Appointment) bool { return a.ClinicianID == clinicianID }, statusFilter)
}

func (m *memRepo) list(match func(*Appointment) bool, statusFilter string) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if !match(a) {
			continue
		}
		if statusFilter != "" && a.Status != statusFilter {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	// Scheduled instant ascending.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ScheduledAt.Before(out[j-1].ScheduledAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, len(out), nil
}

func (m *memRepo) activeCount(clinicianID string, at time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appts {
		if a.ClinicianID == clinicianID && a.ScheduledAt.Equal(at) && a.Active() {
			n++
		}
	}
	return n
}

// captureNotifier records sent events in order.
type captureNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

type sentEvent struct {
	target string
	event  presence.Event
}

func (n *captureNotifier) Send(target string, event presence.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{target: target, event: event})
}

func (n *captureNotifier) sent() []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentEvent, len(n.events))
	copy(out, n.events)
	return out
}

func newTestService(repo Repository, notifier Notifier, cfg ServiceConfig) *Service {
	return NewService(repo, notifier, cfg, zerolog.Nop())
}

func asPatient(userID string) context.Context {
	return auth.WithIdentity(context.Background(), userID, auth.RolePatient)
}

func asClinician(userID string) context.Context {
	return auth.WithIdentity(context.Background(), userID, auth.RoleClinician)
}

func futureInstant() time.Time {
	return time.Now().Add(24 * time.Hour).Truncate(time.Minute)
}

func mustBook(t *testing.T, svc *Service, patientID, clinicianID string, at time.Time) *Appointment {
	t.Helper()
	appt, err := svc.RequestBooking(asPatient(patientID), patientID, clinicianID, at, "checkup")
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	return appt
}

func TestRequestBookingCreatesPendingAndNotifiesClinician(t *testing.T) {
	repo := newMemRepo()
	notifier := &captureNotifier{}
	svc := newTestService(repo, notifier, ServiceConfig{})

	at := futureInstant()
	appt := mustBook(t, svc, "patient-1", "clinician-1", at)

	if appt.Status != StatusPending {
		t.Errorf("status = %q, want %q", appt.Status, StatusPending)
	}
	if !appt.ScheduledAt.Equal(at.UTC()) {
		t.Errorf("scheduled_at = %v, want %v", appt.ScheduledAt, at.UTC())
	}

	events := notifier.sent()
	if len(events) != 1 {
		t.Fatalf("sent %d events, want 1", len(events))
	}
	if events[0].target != "clinician-1" {
		t.Errorf("event target = %q, want clinician-1", events[0].target)
	}
	ev := events[0].event
	if ev.Kind != presence.KindBookingUpdate || ev.BookingUpdate.Status != StatusPending || ev.BookingUpdate.By != "patient-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestRequestBookingRejectsPastInstant(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureNotifier{}, ServiceConfig{})

	_, err := svc.RequestBooking(asPatient("patient-1"), "patient-1", "clinician-1",
		time.Now().Add(-time.Hour), "checkup")
	if !errors.Is(err, ErrInvalidTime) {
		t.Errorf("err = %v, want ErrInvalidTime", err)
	}
}

func TestRequestBookingRejectsMissingFields(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureNotifier{}, ServiceConfig{})

	_, err := svc.RequestBooking(asPatient("patient-1"), "patient-1", "clinician-1", futureInstant(), "")
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("empty reason: err = %v, want ErrMissingField", err)
	}
	_, err = svc.RequestBooking(asPatient("patient-1"), "patient-1", "", futureInstant(), "checkup")
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("empty clinician: err = %v, want ErrMissingField", err)
	}
}

func TestRequestBookingRejectsCallerMismatch(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureNotifier{}, ServiceConfig{})

	_, err := svc.RequestBooking(asPatient("patient-2"), "patient-1", "clinician-1", futureInstant(), "checkup")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestRequestBookingConflictOnHeldSlot(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &captureNotifier{}, ServiceConfig{})

	at := futureInstant()
	mustBook(t, svc, "patient-1", "clinician-1", at)

	_, err := svc.RequestBooking(asPatient("patient-2"), "patient-2", "clinician-1", at, "checkup")
	if !errors.Is(err, ErrSlotTaken) {
		t.Errorf("err = %v, want ErrSlotTaken", err)
	}
	if n := repo.activeCount("clinician-1", at.UTC()); n != 1 {
		t.Errorf("active appointments for slot = %d, want 1", n)
	}
}

func TestRequestBookingAllowsReclaimOfCancelledSlot(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &captureNotifier{}, ServiceConfig{})

	at := futureInstant()
	appt := mustBook(t, svc, "patient-1", "clinician-1", at)
	if _, err := svc.TransitionStatus(asPatient("patient-1"), appt.ID, StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := svc.RequestBooking(asPatient("patient-2"), "patient-2", "clinician-1", at, "checkup"); err != nil {
		t.Errorf("rebooking a cancelled slot failed: %v", err)
	}
}

func TestConcurrentBookingExactlyOneWinner(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &captureNotifier{}, ServiceConfig{})

	at := futureInstant()
	const attempts = 20

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			patient := "patient-" + uuid.NewString()
			_, err := svc.RequestBooking(asPatient(patient), patient, "clinician-1", at, "checkup")
			errs[i] = err
		}(i)
	}
	wg.Wait()

	winners, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrSlotTaken):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
	if conflicts != attempts-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, attempts-1)
	}
	if n := repo.activeCount("clinician-1", at.UTC()); n != 1 {
		t.Errorf("active appointments for slot = %d, want 1", n)
	}
}

func TestTransitionConfirmByClinician(t *testing.T) {
	repo := newMemRepo()
	notifier := &captureNotifier{}
	svc := newTestService(repo, notifier, ServiceConfig{})

	appt := mustBook(t, svc, "patient-1", "clinician-1", futureInstant())

	got, err := svc.TransitionStatus(asClinician("clinician-1"), appt.ID, StatusConfirmed)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Errorf("status = %q, want confirmed", got.Status)
	}

	events := notifier.sent()
	last := events[len(events)-1]
	if last.target != "patient-1" {
		t.Errorf("counter-party = %q, want patient-1", last.target)
	}
	if last.event.BookingUpdate.Status != StatusConfirmed || last.event.BookingUpdate.By != "clinician-1" {
		t.Errorf("unexpected event: %+v", last.event)
	}
}

func TestTransitionConfirmByPatientForbidden(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureNotifier{}, ServiceConfig{})
	appt := mustBook(t, svc, "patient-1", "clinician-1", futureInstant())

	_, err := svc.TransitionStatus(asPatient("patient-1"), appt.ID, StatusConfirmed)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestTransitionCompleteByPatientForbidden(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureNotifier{}, ServiceConfig{})
	appt := mustBook(t, svc, "patient-1", "clinician-1", futureInstant())
	if _, err := svc.TransitionStatus(asClinician("clinician-1"), appt.ID, StatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	_, err := svc.TransitionStatus(asPatient("patient-1"), appt.ID, StatusCompleted)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestTransitionDirectCompleteGatedByConfig(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &captureNotifier{}, ServiceConfig{})
	appt := mustBook(t, svc, "patient-1", "clinician-1", futureInstant())

	_, err := svc.TransitionStatus(asClinician("clinician-1"), appt.ID, StatusCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("direct complete with flag off: err = %v, want ErrInvalidTransition", err)
	}

	relaxed := newTestService(repo, &captureNotifier{}, ServiceConfig{AllowDirectComplete: true})
	if _, err := relaxed.TransitionStatus(asClinician("clinician-1"), appt.ID, StatusCompleted); err != nil {
		t.Errorf("direct complete with flag on: %v", err)
	}
}

func TestTransitionCancelByEitherParty(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureNotifier{}, ServiceConfig{})

	byPatient := mustBook(t, svc, "patient-1", "clinician-1", futureInstant())
	if _, err := svc.TransitionStatus(asPatient("patient-1"), byPatient.ID, StatusCancelled); err != nil {
		t.Errorf("patient cancel: %v", err)
	}

	byClinician := mustBook(t, svc, "patient-1", "clinician-1", futureInstant().Add(time.Hour))
	if _, err := svc.TransitionStatus(asClinician("clinician-1"), byClinician.ID, StatusCancelled); err != nil {
		t.Errorf("clinician cancel: %v", err)
	}
}

func TestTransitionOutOfTerminalStateRejected(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureNotifier{}, ServiceConfig{})
	appt := mustBook(t, svc, "patient-1", "clinician-1", futureInstant())
	if _, err := svc.TransitionStatus(asPatient("patient-1"), appt.ID, StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	for _, target := range []string{StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled} {
		if _, err := svc.TransitionStatus(asClinician("clinician-1"), appt.ID, target); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("cancelled -> %s: err = %v, want ErrInvalidTransition", target, err)
		}
	}
}

func TestTransitionByNonParticipantForbidden(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureNotifier{}, ServiceConfig{})
	appt := mustBook(t, svc, "patient-1", "clinician-1", futureInstant())

	_, err := svc.TransitionStatus(asClinician("clinician-2"), appt.ID, StatusConfirmed)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestTransitionUnknownAppointment(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureNotifier{}, ServiceConfig{})

	_, err := svc.TransitionStatus(asClinician("clinician-1"), uuid.New(), StatusConfirmed)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestNotificationsDeliveredInCommitOrder(t *testing.T) {
	notifier := &captureNotifier{}
	svc := newTestService(newMemRepo(), notifier, ServiceConfig{})
	appt := mustBook(t, svc, "patient-1", "clinician-1", futureInstant())

	if _, err := svc.TransitionStatus(asClinician("clinician-1"), appt.ID, StatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := svc.TransitionStatus(asClinician("clinician-1"), appt.ID, StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var toPatient []string
	for _, ev := range notifier.sent() {
		if ev.target == "patient-1" {
			toPatient = append(toPatient, ev.event.BookingUpdate.Status)
		}
	}
	want := []string{StatusConfirmed, StatusCompleted}
	if len(toPatient) != len(want) {
		t.Fatalf("patient received %d events, want %d", len(toPatient), len(want))
	}
	for i := range want {
		if toPatient[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, toPatient[i], want[i])
		}
	}
}

func TestSetMeetingLinkClinicianOnly(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureNotifier{}, ServiceConfig{})
	appt := mustBook(t, svc, "patient-1", "clinician-1", futureInstant())

	if _, err := svc.SetMeetingLink(asPatient("patient-1"), appt.ID, "https://meet.example/room"); !errors.Is(err, ErrForbidden) {
		t.Errorf("patient set link: err = %v, want ErrForbidden", err)
	}

	got, err := svc.SetMeetingLink(asClinician("clinician-1"), appt.ID, "https://meet.example/room")
	if err != nil {
		t.Fatalf("clinician set link: %v", err)
	}
	if got.MeetingLink == nil || *got.MeetingLink != "https://meet.example/room" {
		t.Errorf("meeting link not recorded: %+v", got.MeetingLink)
	}
}

func TestListAppointmentsOrderedAndFiltered(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureNotifier{}, ServiceConfig{})

	base := futureInstant()
	later := mustBook(t, svc, "patient-1", "clinician-1", base.Add(2*time.Hour))
	earlier := mustBook(t, svc, "patient-1", "clinician-2", base)
	if _, err := svc.TransitionStatus(asClinician("clinician-2"), earlier.ID, StatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	items, total, err := svc.ListAppointments(asPatient("patient-1"), "", 20, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("total = %d, len = %d, want 2/2", total, len(items))
	}
	if items[0].ID != earlier.ID || items[1].ID != later.ID {
		t.Error("appointments not ordered by scheduled instant ascending")
	}

	confirmed, _, err := svc.ListAppointments(asPatient("patient-1"), StatusConfirmed, 20, 0)
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(confirmed) != 1 || confirmed[0].ID != earlier.ID {
		t.Errorf("status filter returned %d items", len(confirmed))
	}

	mine, _, err := svc.ListAppointments(asClinician("clinician-1"), "", 20, 0)
	if err != nil {
		t.Fatalf("clinician list: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != later.ID {
		t.Errorf("clinician side list wrong: %d items", len(mine))
	}
}
