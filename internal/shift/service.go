package shift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/relaydesk/relaydesk/internal/identity"
)

// ErrNoGroups is returned when an operator with no group assignments
// tries to start a shift.
var ErrNoGroups = errors.New("operator has no assigned groups")

// GroupSource resolves the groups assigned to an operator.
type GroupSource interface {
	AssignedGroups(ctx context.Context, operatorID string) ([]string, error)
}

// Service runs shift admission on top of the store.
type Service struct {
	logger *slog.Logger
	store  Store
	groups GroupSource
}

func NewService(log *slog.Logger, store Store, groups GroupSource) *Service {
	return &Service{
		logger: log.With(slog.String("service", "shift")),
		store:  store,
		groups: groups,
	}
}

// CanStart checks admission without starting: whether the operator could
// open a shift right now, and which assigned groups are busy if not.
func (s *Service) CanStart(ctx context.Context, op identity.Operator) (bool, []GroupStatus, error) {
	active, err := s.IsActive(ctx, op.ID)
	if err != nil {
		return false, nil, err
	}
	if active {
		return false, nil, nil
	}

	assigned, err := s.groups.AssignedGroups(ctx, op.ID)
	if err != nil {
		return false, nil, fmt.Errorf("resolve assigned groups: %w", err)
	}
	if len(assigned) == 0 {
		return false, nil, ErrNoGroups
	}

	statuses, err := s.store.GroupOccupancy(ctx, assigned)
	if err != nil {
		return false, nil, err
	}
	var busy []GroupStatus
	for _, status := range statuses {
		if status.Busy {
			busy = append(busy, status)
		}
	}
	return len(busy) == 0, busy, nil
}

// Start admits the operator onto all of their assigned groups, or none.
// A *ConflictError reports every busy group with its occupant.
func (s *Service) Start(ctx context.Context, op identity.Operator) (Shift, error) {
	assigned, err := s.groups.AssignedGroups(ctx, op.ID)
	if err != nil {
		return Shift{}, fmt.Errorf("resolve assigned groups: %w", err)
	}
	if len(assigned) == 0 {
		return Shift{}, ErrNoGroups
	}

	started, err := s.store.StartShift(ctx, op.ID, op.Tenant, assigned)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.logger.Info("shift admission rejected",
				slog.String("operator", op.ID),
				slog.Int("busy_groups", len(conflict.Conflicts)))
		}
		return Shift{}, err
	}
	s.logger.Info("shift started",
		slog.String("operator", op.ID),
		slog.String("shift", started.ID),
		slog.Int("groups", len(started.Groups)))
	return started, nil
}

// End closes the operator's own open shift.
func (s *Service) End(ctx context.Context, op identity.Operator) (Shift, error) {
	ended, err := s.store.EndShift(ctx, op.ID, EndReasonNormal, op.ID, "")
	if err != nil {
		return Shift{}, err
	}
	s.logger.Info("shift ended",
		slog.String("operator", op.ID),
		slog.String("shift", ended.ID))
	return ended, nil
}

// ForceEnd closes another operator's open shift on an admin's authority.
func (s *Service) ForceEnd(ctx context.Context, admin identity.Operator, operatorID, message string) (Shift, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return Shift{}, fmt.Errorf("operator id is empty")
	}
	ended, err := s.store.EndShift(ctx, operatorID, EndReasonForced, admin.ID, message)
	if err != nil {
		return Shift{}, err
	}
	s.logger.Warn("shift force-ended",
		slog.String("operator", operatorID),
		slog.String("shift", ended.ID),
		slog.String("admin", admin.ID))
	return ended, nil
}

// ActiveShift returns the operator's open shift, or ErrNoOpenShift.
func (s *Service) ActiveShift(ctx context.Context, operatorID string) (Shift, error) {
	return s.store.OpenShiftByOperator(ctx, operatorID)
}

// IsActive reports whether the operator currently holds an open shift.
func (s *Service) IsActive(ctx context.Context, operatorID string) (bool, error) {
	_, err := s.store.OpenShiftByOperator(ctx, operatorID)
	if errors.Is(err, ErrNoOpenShift) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListActive returns every open shift.
func (s *Service) ListActive(ctx context.Context) ([]Shift, error) {
	return s.store.ListOpenShifts(ctx)
}

// GroupStatus returns one group's occupancy.
func (s *Service) GroupStatus(ctx context.Context, group string) (GroupStatus, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return GroupStatus{}, fmt.Errorf("group name is empty")
	}
	statuses, err := s.store.GroupOccupancy(ctx, []string{group})
	if err != nil {
		return GroupStatus{}, err
	}
	if len(statuses) == 0 {
		return GroupStatus{}, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	return statuses[0], nil
}

// AuditLog lists the append-only shift trail, newest first.
func (s *Service) AuditLog(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	return s.store.ListLog(ctx, filter)
}

// CoversProfile reports whether the operator's open shift entitles them to
// watch conversations on the profile.
func (s *Service) CoversProfile(ctx context.Context, operatorID, profileID string) (bool, error) {
	return s.store.OperatorCoversProfile(ctx, operatorID, profileID)
}
