package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/mux"
	"github.com/relaydesk/relaydesk/internal/rtm"
	"github.com/relaydesk/relaydesk/internal/shift"
)

// WatchHandler serves the viewer websocket: a live feed of conversation
// events and notices for one profile.
type WatchHandler struct {
	mux          *mux.Multiplexer
	shiftService *shift.Service
	logger       *slog.Logger
}

// WatchAction is a client-to-server command on the watch socket.
type WatchAction struct {
	Action       string `json:"action"`
	Counterparty string `json:"counterparty"`
}

// NewWatchHandler creates a watch handler.
func NewWatchHandler(log *slog.Logger, m *mux.Multiplexer, shiftService *shift.Service) *WatchHandler {
	return &WatchHandler{
		mux:          m,
		shiftService: shiftService,
		logger:       log.With(slog.String("handler", "watch")),
	}
}

// Register mounts the watch websocket route on the Echo instance.
func (h *WatchHandler) Register(e *echo.Echo) {
	e.GET("/watch/:profile/:counterparty", h.Watch)
}

// Watch upgrades to a websocket and streams deliveries for the profile,
// starting with a join on the requested conversation. Watching requires an
// open shift covering the profile.
func (h *WatchHandler) Watch(c echo.Context) error {
	op, err := auth.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	profile := rtm.ProfileID(strings.TrimSpace(c.Param("profile")))
	counterparty := strings.TrimSpace(c.Param("counterparty"))
	if profile == "" || counterparty == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "profile and counterparty are required")
	}

	ctx := c.Request().Context()
	covered, err := h.shiftService.CoversProfile(ctx, op.ID, string(profile))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !covered {
		return echo.NewHTTPError(http.StatusForbidden, "no open shift covers this profile")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.CloseNow()

	viewer, err := h.mux.Register(uuid.NewString(), profile)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "viewer registration failed")
		return nil
	}
	defer h.mux.Detach(viewer)

	if err := h.mux.Join(ctx, viewer, counterparty); err != nil {
		h.logger.Error("initial join failed",
			slog.String("profile", string(profile)),
			slog.Any("error", err))
		conn.Close(websocket.StatusInternalError, "join failed")
		return nil
	}
	h.mux.Focus(viewer, counterparty)

	log := h.logger.With(
		slog.String("operator", op.ID),
		slog.String("profile", string(profile)),
		slog.String("viewer", viewer.ID()))
	log.Info("viewer attached")
	defer log.Info("viewer detached")

	// Writer drains the delivery queue; the channel closes when the viewer
	// is detached or evicted as stalled. Only the eviction path signals a
	// policy close; an ordinary detach ends the stream silently.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for delivery := range viewer.Deliveries() {
			if err := wsjson.Write(ctx, conn, delivery); err != nil {
				return
			}
		}
		if viewer.Evicted() {
			conn.Close(websocket.StatusPolicyViolation, "delivery queue overrun")
		}
	}()

	for {
		var action WatchAction
		if err := wsjson.Read(ctx, conn, &action); err != nil {
			break
		}
		h.apply(ctx, viewer, action)
	}

	h.mux.Detach(viewer)
	<-writeDone
	return nil
}

func (h *WatchHandler) apply(ctx context.Context, viewer *mux.Viewer, action WatchAction) {
	counterparty := strings.TrimSpace(action.Counterparty)
	switch strings.ToLower(action.Action) {
	case "join":
		if counterparty == "" {
			return
		}
		if err := h.mux.Join(ctx, viewer, counterparty); err != nil {
			h.logger.Warn("join failed",
				slog.String("viewer", viewer.ID()),
				slog.Any("error", err))
		}
	case "leave":
		if counterparty == "" {
			return
		}
		h.mux.Leave(viewer, counterparty)
	case "focus":
		// An empty counterparty clears the focus.
		h.mux.Focus(viewer, counterparty)
	}
}
