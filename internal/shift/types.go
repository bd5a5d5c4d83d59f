// Package shift admits operators onto their assigned groups. Admission is
// all-or-nothing: an operator either takes every assigned group or none,
// and a group is held by at most one open shift at a time.
package shift

import (
	"fmt"
	"strings"
	"time"
)

// EndReason records how a shift was closed.
type EndReason string

const (
	EndReasonNone   EndReason = ""
	EndReasonNormal EndReason = "normal"
	EndReasonForced EndReason = "forced"
)

// Audit log actions.
const (
	ActionStart = "START"
	ActionEnd   = "END"
)

// Shift is one operator's coverage window over their assigned groups.
type Shift struct {
	ID        string     `json:"id"`
	Operator  string     `json:"operator"`
	Tenant    string     `json:"tenant"`
	Groups    []string   `json:"groups"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason EndReason  `json:"end_reason,omitempty"`
	EndedBy   string     `json:"ended_by,omitempty"`
}

// Open reports whether the shift is still running.
func (s Shift) Open() bool {
	return s.EndedAt == nil
}

// GroupStatus is the occupancy of a single group.
type GroupStatus struct {
	Group    string `json:"group"`
	Busy     bool   `json:"busy"`
	Occupant string `json:"occupant,omitempty"`
	ShiftID  string `json:"shift_id,omitempty"`
}

// LogEntry is one append-only audit record.
type LogEntry struct {
	ID        string    `json:"id"`
	ShiftID   string    `json:"shift_id"`
	Operator  string    `json:"operator"`
	Action    string    `json:"action"`
	ActedBy   string    `json:"acted_by,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LogFilter narrows an audit log listing.
type LogFilter struct {
	Operator string
	Action   string
	Limit    int
}

// ConflictError rejects an admission because some requested groups are
// already held. It carries the full set of busy groups and their occupants
// so the caller can report all of them at once.
type ConflictError struct {
	Conflicts []GroupStatus
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return "shift admission conflict"
	}
	names := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		names = append(names, c.Group)
	}
	return fmt.Sprintf("shift admission conflict: groups busy: %s", strings.Join(names, ", "))
}
