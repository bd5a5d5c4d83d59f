package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/rtm"
)

// LinkHandler exposes the upstream link registry for inspection.
type LinkHandler struct {
	registry *rtm.Registry
	logger   *slog.Logger
}

// NewLinkHandler creates a link status handler.
func NewLinkHandler(log *slog.Logger, registry *rtm.Registry) *LinkHandler {
	return &LinkHandler{
		registry: registry,
		logger:   log.With(slog.String("handler", "links")),
	}
}

// Register mounts the link status routes on the Echo instance.
func (h *LinkHandler) Register(e *echo.Echo) {
	e.GET("/links", h.List)
	e.GET("/links/:profile", h.Get)
}

// List returns the status of every current upstream link.
func (h *LinkHandler) List(c echo.Context) error {
	if _, err := auth.FromContext(c); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	statuses := h.registry.Statuses()
	if statuses == nil {
		statuses = []rtm.LinkStatus{}
	}
	return c.JSON(http.StatusOK, statuses)
}

// Get returns the status of one profile's link.
func (h *LinkHandler) Get(c echo.Context) error {
	if _, err := auth.FromContext(c); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	status, ok := h.registry.Status(rtm.ProfileID(c.Param("profile")))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no link for profile")
	}
	return c.JSON(http.StatusOK, status)
}
