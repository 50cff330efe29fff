package consult

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carelink/carelink/internal/domain/booking"
	"github.com/carelink/carelink/internal/platform/auth"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/consultations", auth.RequireRole(auth.RolePatient, auth.RoleClinician))
	g.POST("/:id/token", h.IssueToken)
	g.POST("/:id/join", h.Join)
	g.POST("/leave", h.Leave)
	g.POST("/audio/toggle", h.ToggleAudio)
	g.POST("/video/toggle", h.ToggleVideo)
	g.GET("/session", h.Session)
}

func (h *Handler) IssueToken(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	token, roomID, err := h.mgr.IssueToken(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"token":   token,
		"room_id": roomID,
	})
}

type joinRequest struct {
	Token string `json:"token"`
}

func (h *Handler) Join(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	coord, err := h.mgr.Join(c.Request().Context(), id, req.Token)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sessionView(coord))
}

func (h *Handler) Leave(c echo.Context) error {
	h.mgr.Leave(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ToggleAudio(c echo.Context) error {
	enabled, err := h.mgr.ToggleAudio(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"audio_enabled": enabled})
}

func (h *Handler) ToggleVideo(c echo.Context) error {
	enabled, err := h.mgr.ToggleVideo(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"video_enabled": enabled})
}

func (h *Handler) Session(c echo.Context) error {
	coord := h.mgr.Session(c.Request().Context())
	if coord == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"state": StateIdle})
	}
	return c.JSON(http.StatusOK, sessionView(coord))
}

func sessionView(coord *Coordinator) map[string]interface{} {
	return map[string]interface{}{
		"state":        coord.State(),
		"room_id":      coord.RoomID(),
		"participants": coord.Participants(),
	}
}

// httpError maps session errors to HTTP statuses. Media and signaling
// failures are 503s the client may retry after user action, not server
// faults to mask.
func httpError(err error) error {
	switch {
	case errors.Is(err, booking.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotParticipant), errors.Is(err, auth.ErrTokenInvalid), errors.Is(err, auth.ErrTokenWrongRoom):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotConfirmed), errors.Is(err, ErrSessionActive), errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrMediaAccessDenied), errors.Is(err, ErrSignalingFailure):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
