package booking

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/auth"
)

func newTestServer(cfg ServiceConfig) (*echo.Echo, *memRepo, *captureNotifier) {
	repo := newMemRepo()
	notifier := &captureNotifier{}
	svc := NewService(repo, notifier, cfg, zerolog.Nop())

	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewHandler(svc).RegisterRoutes(api)
	return e, repo, notifier
}

func doJSON(e *echo.Echo, method, path, userID, role string, body interface{}) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Debug-User", userID)
	req.Header.Set("X-Debug-Role", role)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestBookingEndpointCreatesAppointment(t *testing.T) {
	e, _, notifier := newTestServer(ServiceConfig{})

	at := time.Now().Add(48 * time.Hour).Truncate(time.Minute)
	rec := doJSON(e, http.MethodPost, "/api/v1/appointments", "patient-1", auth.RolePatient, map[string]interface{}{
		"patient_id":   "patient-1",
		"clinician_id": "clinician-1",
		"scheduled_at": at.Format(time.RFC3339),
		"reason":       "checkup",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var appt Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &appt); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if appt.Status != StatusPending {
		t.Errorf("status = %q, want pending", appt.Status)
	}
	if len(notifier.sent()) != 1 {
		t.Errorf("sent %d notifications, want 1", len(notifier.sent()))
	}
}

func TestBookingEndpointRequiresPatientRole(t *testing.T) {
	e, _, _ := newTestServer(ServiceConfig{})

	rec := doJSON(e, http.MethodPost, "/api/v1/appointments", "clinician-1", auth.RoleClinician, map[string]interface{}{
		"patient_id":   "clinician-1",
		"clinician_id": "clinician-2",
		"scheduled_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		"reason":       "checkup",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestBookingEndpointConflictIsDistinguishable(t *testing.T) {
	e, _, _ := newTestServer(ServiceConfig{})

	at := time.Now().Add(48 * time.Hour).Truncate(time.Minute)
	body := func(patient string) map[string]interface{} {
		return map[string]interface{}{
			"patient_id":   patient,
			"clinician_id": "clinician-1",
			"scheduled_at": at.Format(time.RFC3339),
			"reason":       "checkup",
		}
	}

	if rec := doJSON(e, http.MethodPost, "/api/v1/appointments", "patient-1", auth.RolePatient, body("patient-1")); rec.Code != http.StatusCreated {
		t.Fatalf("first booking: status = %d", rec.Code)
	}
	rec := doJSON(e, http.MethodPost, "/api/v1/appointments", "patient-2", auth.RolePatient, body("patient-2"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second booking: status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "slot no longer available") {
		t.Errorf("conflict message not specific: %s", rec.Body.String())
	}
}

func TestBookingEndpointPastInstantRejected(t *testing.T) {
	e, _, _ := newTestServer(ServiceConfig{})

	rec := doJSON(e, http.MethodPost, "/api/v1/appointments", "patient-1", auth.RolePatient, map[string]interface{}{
		"patient_id":   "patient-1",
		"clinician_id": "clinician-1",
		"scheduled_at": time.Now().Add(-time.Hour).Format(time.RFC3339),
		"reason":       "checkup",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStatusEndpointDrivesTransitions(t *testing.T) {
	e, _, _ := newTestServer(ServiceConfig{})

	at := time.Now().Add(48 * time.Hour).Truncate(time.Minute)
	rec := doJSON(e, http.MethodPost, "/api/v1/appointments", "patient-1", auth.RolePatient, map[string]interface{}{
		"patient_id":   "patient-1",
		"clinician_id": "clinician-1",
		"scheduled_at": at.Format(time.RFC3339),
		"reason":       "checkup",
	})
	var appt Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &appt); err != nil {
		t.Fatalf("decode: %v", err)
	}

	statusPath := fmt.Sprintf("/api/v1/appointments/%s/status", appt.ID)

	rec = doJSON(e, http.MethodPut, statusPath, "clinician-1", auth.RoleClinician, map[string]string{"status": StatusConfirmed})
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Patient cannot complete.
	rec = doJSON(e, http.MethodPut, statusPath, "patient-1", auth.RolePatient, map[string]string{"status": StatusCompleted})
	if rec.Code != http.StatusForbidden {
		t.Errorf("patient complete: status = %d, want 403", rec.Code)
	}

	rec = doJSON(e, http.MethodPut, statusPath, "clinician-1", auth.RoleClinician, map[string]string{"status": StatusCompleted})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: status = %d", rec.Code)
	}

	// Terminal state refuses further transitions with a specific message.
	rec = doJSON(e, http.MethodPut, statusPath, "clinician-1", auth.RoleClinician, map[string]string{"status": StatusCancelled})
	if rec.Code != http.StatusConflict {
		t.Errorf("terminal transition: status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already completed") {
		t.Errorf("terminal message not specific: %s", rec.Body.String())
	}
}

func TestGetAppointmentHiddenFromStrangers(t *testing.T) {
	e, _, _ := newTestServer(ServiceConfig{})

	at := time.Now().Add(48 * time.Hour).Truncate(time.Minute)
	rec := doJSON(e, http.MethodPost, "/api/v1/appointments", "patient-1", auth.RolePatient, map[string]interface{}{
		"patient_id":   "patient-1",
		"clinician_id": "clinician-1",
		"scheduled_at": at.Format(time.RFC3339),
		"reason":       "checkup",
	})
	var appt Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &appt); err != nil {
		t.Fatalf("decode: %v", err)
	}

	path := "/api/v1/appointments/" + appt.ID.String()
	if rec := doJSON(e, http.MethodGet, path, "patient-1", auth.RolePatient, nil); rec.Code != http.StatusOK {
		t.Errorf("participant get: status = %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodGet, path, "patient-9", auth.RolePatient, nil); rec.Code != http.StatusForbidden {
		t.Errorf("stranger get: status = %d, want 403", rec.Code)
	}
}

func TestListEndpointPaginates(t *testing.T) {
	e, _, _ := newTestServer(ServiceConfig{})

	base := time.Now().Add(48 * time.Hour).Truncate(time.Minute)
	for i := 0; i < 3; i++ {
		rec := doJSON(e, http.MethodPost, "/api/v1/appointments", "patient-1", auth.RolePatient, map[string]interface{}{
			"patient_id":   "patient-1",
			"clinician_id": fmt.Sprintf("clinician-%d", i),
			"scheduled_at": base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
			"reason":       "checkup",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("booking %d: status = %d", i, rec.Code)
		}
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/appointments?limit=2", "patient-1", auth.RolePatient, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 {
		t.Errorf("total = %d, want 3", resp.Total)
	}
}
