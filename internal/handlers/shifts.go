package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/shift"
)

// ShiftHandler serves shift admission, shift status, and the audit trail.
type ShiftHandler struct {
	shiftService *shift.Service
	logger       *slog.Logger
}

// ConflictResponse is the 409 body for a rejected admission: every busy
// group with its current occupant.
type ConflictResponse struct {
	Message   string              `json:"message"`
	Conflicts []shift.GroupStatus `json:"conflicts"`
}

// ForceEndRequest is the optional body for an admin force end.
type ForceEndRequest struct {
	Message string `json:"message"`
}

// NewShiftHandler creates a shift handler.
func NewShiftHandler(log *slog.Logger, shiftService *shift.Service) *ShiftHandler {
	return &ShiftHandler{
		shiftService: shiftService,
		logger:       log.With(slog.String("handler", "shifts")),
	}
}

// Register mounts the shift routes on the Echo instance.
func (h *ShiftHandler) Register(e *echo.Echo) {
	e.POST("/shifts", h.Start)
	e.GET("/shifts/admission", h.Admission)
	e.GET("/shifts/current", h.Current)
	e.DELETE("/shifts/current", h.End)
	e.DELETE("/shifts/operators/:operator", h.ForceEnd)
	e.GET("/shifts/active", h.ListActive)
	e.GET("/shifts/audit", h.AuditLog)
	e.GET("/groups/:group/status", h.GroupStatus)
}

// Start opens a shift for the calling operator over all assigned groups.
func (h *ShiftHandler) Start(c echo.Context) error {
	op, err := auth.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	started, err := h.shiftService.Start(c.Request().Context(), op)
	if err != nil {
		var conflict *shift.ConflictError
		if errors.As(err, &conflict) {
			return c.JSON(http.StatusConflict, ConflictResponse{
				Message:   conflict.Error(),
				Conflicts: conflict.Conflicts,
			})
		}
		if errors.Is(err, shift.ErrShiftActive) {
			return echo.NewHTTPError(http.StatusConflict, "shift already active")
		}
		if errors.Is(err, shift.ErrNoGroups) {
			return echo.NewHTTPError(http.StatusBadRequest, "no groups assigned")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, started)
}

// AdmissionResponse is the body for a dry-run admission check.
type AdmissionResponse struct {
	Allowed   bool                `json:"allowed"`
	Conflicts []shift.GroupStatus `json:"conflicts,omitempty"`
}

// Admission reports whether the caller could start a shift right now,
// without starting one.
func (h *ShiftHandler) Admission(c echo.Context) error {
	op, err := auth.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	allowed, conflicts, err := h.shiftService.CanStart(c.Request().Context(), op)
	if err != nil {
		if errors.Is(err, shift.ErrNoGroups) {
			return echo.NewHTTPError(http.StatusBadRequest, "no groups assigned")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, AdmissionResponse{Allowed: allowed, Conflicts: conflicts})
}

// Current returns the calling operator's open shift.
func (h *ShiftHandler) Current(c echo.Context) error {
	op, err := auth.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	current, err := h.shiftService.ActiveShift(c.Request().Context(), op.ID)
	if err != nil {
		if errors.Is(err, shift.ErrNoOpenShift) {
			return echo.NewHTTPError(http.StatusNotFound, "no open shift")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, current)
}

// End closes the calling operator's open shift.
func (h *ShiftHandler) End(c echo.Context) error {
	op, err := auth.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	ended, err := h.shiftService.End(c.Request().Context(), op)
	if err != nil {
		if errors.Is(err, shift.ErrNoOpenShift) {
			return echo.NewHTTPError(http.StatusNotFound, "no open shift")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ended)
}

// ForceEnd closes another operator's shift. Admin only.
func (h *ShiftHandler) ForceEnd(c echo.Context) error {
	op, err := auth.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	if !op.IsAdmin() {
		return echo.NewHTTPError(http.StatusForbidden, "admin role required")
	}

	var req ForceEndRequest
	// Body is optional for a force end.
	_ = c.Bind(&req)

	ended, err := h.shiftService.ForceEnd(c.Request().Context(), op, c.Param("operator"), strings.TrimSpace(req.Message))
	if err != nil {
		if errors.Is(err, shift.ErrNoOpenShift) {
			return echo.NewHTTPError(http.StatusNotFound, "no open shift for operator")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ended)
}

// ListActive returns every open shift.
func (h *ShiftHandler) ListActive(c echo.Context) error {
	if _, err := auth.FromContext(c); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	shifts, err := h.shiftService.ListActive(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if shifts == nil {
		shifts = []shift.Shift{}
	}
	return c.JSON(http.StatusOK, shifts)
}

// GroupStatus returns one group's occupancy.
func (h *ShiftHandler) GroupStatus(c echo.Context) error {
	if _, err := auth.FromContext(c); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	status, err := h.shiftService.GroupStatus(c.Request().Context(), c.Param("group"))
	if err != nil {
		if errors.Is(err, shift.ErrUnknownGroup) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown group")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}

// AuditLog lists shift audit entries, newest first. Supports operator,
// action, and limit query filters.
func (h *ShiftHandler) AuditLog(c echo.Context) error {
	if _, err := auth.FromContext(c); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	filter := shift.LogFilter{
		Operator: strings.TrimSpace(c.QueryParam("operator")),
		Action:   strings.ToUpper(strings.TrimSpace(c.QueryParam("action"))),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = limit
	}

	entries, err := h.shiftService.AuditLog(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if entries == nil {
		entries = []shift.LogEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}
