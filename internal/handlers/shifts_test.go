package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/identity"
	"github.com/relaydesk/relaydesk/internal/shift"
)

// scriptedStore returns canned results so handler mapping can be tested
// without a database.
type scriptedStore struct {
	startShift  shift.Shift
	startErr    error
	endShift    shift.Shift
	endErr      error
	endedWith   shift.EndReason
	endedActor  string
	endedTarget string
}

func (s *scriptedStore) StartShift(context.Context, string, string, []string) (shift.Shift, error) {
	return s.startShift, s.startErr
}

func (s *scriptedStore) EndShift(_ context.Context, operatorID string, reason shift.EndReason, actedBy, _ string) (shift.Shift, error) {
	s.endedTarget = operatorID
	s.endedWith = reason
	s.endedActor = actedBy
	return s.endShift, s.endErr
}

func (s *scriptedStore) OpenShiftByOperator(context.Context, string) (shift.Shift, error) {
	return shift.Shift{}, shift.ErrNoOpenShift
}

func (s *scriptedStore) ListOpenShifts(context.Context) ([]shift.Shift, error) {
	return nil, nil
}

func (s *scriptedStore) GroupOccupancy(context.Context, []string) ([]shift.GroupStatus, error) {
	return nil, nil
}

func (s *scriptedStore) ListLog(context.Context, shift.LogFilter) ([]shift.LogEntry, error) {
	return nil, nil
}

func (s *scriptedStore) OperatorCoversProfile(context.Context, string, string) (bool, error) {
	return false, nil
}

type staticGroups struct {
	groups []string
}

func (g *staticGroups) AssignedGroups(context.Context, string) ([]string, error) {
	return g.groups, nil
}

func newShiftHandler(store *scriptedStore, groups []string) *ShiftHandler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := shift.NewService(log, store, &staticGroups{groups: groups})
	return NewShiftHandler(log, svc)
}

func newShiftContext(t *testing.T, method, target, body string, op identity.Operator) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("user", &jwt.Token{Claims: &auth.Claims{
		Role:   op.Role,
		Tenant: op.Tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: op.ID,
		},
	}})
	return c, rec
}

func TestStartReturnsCreatedShift(t *testing.T) {
	store := &scriptedStore{startShift: shift.Shift{
		ID:        "shift-1",
		Operator:  "op-1",
		Groups:    []string{"g1"},
		StartedAt: time.Now().UTC(),
	}}
	h := newShiftHandler(store, []string{"g1"})
	c, rec := newShiftContext(t, http.MethodPost, "/shifts", "", identity.Operator{ID: "op-1", Role: identity.RoleOperator})

	assert.NoError(t, h.Start(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got shift.Shift
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "shift-1", got.ID)
	assert.Equal(t, []string{"g1"}, got.Groups)
}

func TestStartConflictReportsBusyGroups(t *testing.T) {
	store := &scriptedStore{startErr: &shift.ConflictError{Conflicts: []shift.GroupStatus{
		{Group: "g1", Busy: true, Occupant: "alice", ShiftID: "shift-9"},
		{Group: "g2", Busy: true, Occupant: "alice", ShiftID: "shift-9"},
	}}}
	h := newShiftHandler(store, []string{"g1", "g2"})
	c, rec := newShiftContext(t, http.MethodPost, "/shifts", "", identity.Operator{ID: "op-1", Role: identity.RoleOperator})

	assert.NoError(t, h.Start(c))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var got ConflictResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got.Conflicts, 2)
	assert.Equal(t, "alice", got.Conflicts[0].Occupant)
}

func TestEndWithoutOpenShiftIs404(t *testing.T) {
	store := &scriptedStore{endErr: shift.ErrNoOpenShift}
	h := newShiftHandler(store, []string{"g1"})
	c, _ := newShiftContext(t, http.MethodDelete, "/shifts/current", "", identity.Operator{ID: "op-1", Role: identity.RoleOperator})

	err := h.End(c)
	httpErr, ok := err.(*echo.HTTPError)
	assert.True(t, ok)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

func TestForceEndRequiresAdmin(t *testing.T) {
	h := newShiftHandler(&scriptedStore{}, []string{"g1"})
	c, _ := newShiftContext(t, http.MethodDelete, "/shifts/operators/op-2", "", identity.Operator{ID: "op-1", Role: identity.RoleOperator})
	c.SetParamNames("operator")
	c.SetParamValues("op-2")

	err := h.ForceEnd(c)
	httpErr, ok := err.(*echo.HTTPError)
	assert.True(t, ok)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
}

func TestForceEndRecordsAdminActor(t *testing.T) {
	now := time.Now().UTC()
	store := &scriptedStore{endShift: shift.Shift{
		ID: "shift-2", Operator: "op-2", EndedAt: &now,
		EndReason: shift.EndReasonForced, EndedBy: "admin-1",
	}}
	h := newShiftHandler(store, []string{"g1"})
	c, rec := newShiftContext(t, http.MethodDelete, "/shifts/operators/op-2",
		`{"message":"operator unreachable"}`, identity.Operator{ID: "admin-1", Role: identity.RoleAdmin})
	c.SetParamNames("operator")
	c.SetParamValues("op-2")

	assert.NoError(t, h.ForceEnd(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op-2", store.endedTarget)
	assert.Equal(t, shift.EndReasonForced, store.endedWith)
	assert.Equal(t, "admin-1", store.endedActor)
}
