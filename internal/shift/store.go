package shift

import (
	"context"
	"errors"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relaydesk/internal/db"
)

var (
	// ErrNoOpenShift is returned when an operator has no running shift.
	ErrNoOpenShift = errors.New("no open shift")
	// ErrShiftActive is returned when an operator already has a running shift.
	ErrShiftActive = errors.New("shift already active")
	// ErrUnknownGroup is returned when an admission names a group that does not exist.
	ErrUnknownGroup = errors.New("unknown group")
)

// Store persists shifts and their audit trail.
type Store interface {
	StartShift(ctx context.Context, operatorID, tenant string, groups []string) (Shift, error)
	EndShift(ctx context.Context, operatorID string, reason EndReason, actedBy, message string) (Shift, error)
	OpenShiftByOperator(ctx context.Context, operatorID string) (Shift, error)
	ListOpenShifts(ctx context.Context) ([]Shift, error)
	GroupOccupancy(ctx context.Context, groups []string) ([]GroupStatus, error)
	ListLog(ctx context.Context, filter LogFilter) ([]LogEntry, error)
	OperatorCoversProfile(ctx context.Context, operatorID, profileID string) (bool, error)
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PGStore is the PostgreSQL-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// StartShift atomically opens a shift over the given groups. Group rows
// are locked in name order so concurrent admissions over overlapping sets
// serialize instead of deadlocking. A partial unique index over open
// group claims enforces the same invariant at the storage level.
func (s *PGStore) StartShift(ctx context.Context, operatorID, tenant string, groups []string) (Shift, error) {
	if len(groups) == 0 {
		return Shift{}, fmt.Errorf("no groups to admit")
	}
	opID, err := db.ParseUUID(operatorID)
	if err != nil {
		return Shift{}, fmt.Errorf("operator id: %w", err)
	}
	sorted := append([]string(nil), groups...)
	sort.Strings(sorted)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Shift{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT name FROM groups WHERE name = ANY($1) ORDER BY name FOR UPDATE`, sorted)
	if err != nil {
		return Shift{}, fmt.Errorf("lock groups: %w", err)
	}
	locked := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return Shift{}, fmt.Errorf("scan group: %w", err)
		}
		locked[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Shift{}, fmt.Errorf("lock groups: %w", err)
	}
	for _, name := range sorted {
		if !locked[name] {
			return Shift{}, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
		}
	}

	var existing pgtype.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM shifts WHERE operator_id = $1 AND ended_at IS NULL`, opID,
	).Scan(&existing)
	if err == nil {
		return Shift{}, ErrShiftActive
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Shift{}, fmt.Errorf("check open shift: %w", err)
	}

	conflicts, err := occupancyTx(ctx, tx, sorted, true)
	if err != nil {
		return Shift{}, err
	}
	if len(conflicts) > 0 {
		return Shift{}, &ConflictError{Conflicts: conflicts}
	}

	var (
		shiftID   pgtype.UUID
		startedAt pgtype.Timestamptz
	)
	err = tx.QueryRow(ctx,
		`INSERT INTO shifts (operator_id, tenant) VALUES ($1, $2) RETURNING id, started_at`,
		opID, tenant,
	).Scan(&shiftID, &startedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Shift{}, ErrShiftActive
		}
		return Shift{}, fmt.Errorf("insert shift: %w", err)
	}
	for _, name := range sorted {
		if _, err := tx.Exec(ctx,
			`INSERT INTO shift_groups (shift_id, group_name) VALUES ($1, $2)`,
			shiftID, name,
		); err != nil {
			if db.IsUniqueViolation(err) {
				return Shift{}, &ConflictError{Conflicts: []GroupStatus{{Group: name, Busy: true}}}
			}
			return Shift{}, fmt.Errorf("claim group %s: %w", name, err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO shift_log (shift_id, operator_id, action, acted_by) VALUES ($1, $2, $3, $4)`,
		shiftID, opID, ActionStart, opID,
	); err != nil {
		return Shift{}, fmt.Errorf("append audit log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Shift{}, fmt.Errorf("commit: %w", err)
	}

	return Shift{
		ID:        db.UUIDToString(shiftID),
		Operator:  operatorID,
		Tenant:    tenant,
		Groups:    sorted,
		StartedAt: db.TimeFromPg(startedAt),
	}, nil
}

// EndShift closes the operator's open shift and frees its groups.
func (s *PGStore) EndShift(ctx context.Context, operatorID string, reason EndReason, actedBy, message string) (Shift, error) {
	opID, err := db.ParseUUID(operatorID)
	if err != nil {
		return Shift{}, fmt.Errorf("operator id: %w", err)
	}
	actorID, err := db.ParseUUID(actedBy)
	if err != nil {
		return Shift{}, fmt.Errorf("actor id: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Shift{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		shiftID   pgtype.UUID
		tenant    string
		startedAt pgtype.Timestamptz
	)
	err = tx.QueryRow(ctx,
		`SELECT id, tenant, started_at FROM shifts
		 WHERE operator_id = $1 AND ended_at IS NULL FOR UPDATE`, opID,
	).Scan(&shiftID, &tenant, &startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shift{}, ErrNoOpenShift
	}
	if err != nil {
		return Shift{}, fmt.Errorf("find open shift: %w", err)
	}

	var endedAt pgtype.Timestamptz
	err = tx.QueryRow(ctx,
		`UPDATE shifts SET ended_at = now(), end_reason = $2, ended_by = $3
		 WHERE id = $1 RETURNING ended_at`,
		shiftID, string(reason), actorID,
	).Scan(&endedAt)
	if err != nil {
		return Shift{}, fmt.Errorf("close shift: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE shift_groups SET open = false WHERE shift_id = $1`, shiftID,
	); err != nil {
		return Shift{}, fmt.Errorf("free groups: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO shift_log (shift_id, operator_id, action, acted_by, message)
		 VALUES ($1, $2, $3, $4, $5)`,
		shiftID, opID, ActionEnd, actorID, db.TextOrNull(message),
	); err != nil {
		return Shift{}, fmt.Errorf("append audit log: %w", err)
	}

	groups, err := shiftGroupsTx(ctx, tx, shiftID)
	if err != nil {
		return Shift{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Shift{}, fmt.Errorf("commit: %w", err)
	}

	ended := db.TimeFromPg(endedAt)
	return Shift{
		ID:        db.UUIDToString(shiftID),
		Operator:  operatorID,
		Tenant:    tenant,
		Groups:    groups,
		StartedAt: db.TimeFromPg(startedAt),
		EndedAt:   &ended,
		EndReason: reason,
		EndedBy:   actedBy,
	}, nil
}

// OpenShiftByOperator returns the operator's running shift.
func (s *PGStore) OpenShiftByOperator(ctx context.Context, operatorID string) (Shift, error) {
	opID, err := db.ParseUUID(operatorID)
	if err != nil {
		return Shift{}, fmt.Errorf("operator id: %w", err)
	}
	var (
		shiftID   pgtype.UUID
		tenant    string
		startedAt pgtype.Timestamptz
	)
	err = s.pool.QueryRow(ctx,
		`SELECT id, tenant, started_at FROM shifts
		 WHERE operator_id = $1 AND ended_at IS NULL`, opID,
	).Scan(&shiftID, &tenant, &startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shift{}, ErrNoOpenShift
	}
	if err != nil {
		return Shift{}, fmt.Errorf("find open shift: %w", err)
	}
	groups, err := s.shiftGroups(ctx, shiftID)
	if err != nil {
		return Shift{}, err
	}
	return Shift{
		ID:        db.UUIDToString(shiftID),
		Operator:  operatorID,
		Tenant:    tenant,
		Groups:    groups,
		StartedAt: db.TimeFromPg(startedAt),
	}, nil
}

// ListOpenShifts returns every running shift with its groups.
func (s *PGStore) ListOpenShifts(ctx context.Context) ([]Shift, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.operator_id, s.tenant, s.started_at,
		        COALESCE(array_agg(sg.group_name ORDER BY sg.group_name), '{}')
		 FROM shifts s
		 LEFT JOIN shift_groups sg ON sg.shift_id = s.id
		 WHERE s.ended_at IS NULL
		 GROUP BY s.id
		 ORDER BY s.started_at`)
	if err != nil {
		return nil, fmt.Errorf("list open shifts: %w", err)
	}
	defer rows.Close()

	var shifts []Shift
	for rows.Next() {
		var (
			shiftID   pgtype.UUID
			opID      pgtype.UUID
			tenant    string
			startedAt pgtype.Timestamptz
			groups    []string
		)
		if err := rows.Scan(&shiftID, &opID, &tenant, &startedAt, &groups); err != nil {
			return nil, fmt.Errorf("scan shift: %w", err)
		}
		shifts = append(shifts, Shift{
			ID:        db.UUIDToString(shiftID),
			Operator:  db.UUIDToString(opID),
			Tenant:    tenant,
			Groups:    groups,
			StartedAt: db.TimeFromPg(startedAt),
		})
	}
	return shifts, rows.Err()
}

// GroupOccupancy reports who currently holds each of the given groups.
func (s *PGStore) GroupOccupancy(ctx context.Context, groups []string) ([]GroupStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT g.name, s.id, o.username
		 FROM groups g
		 LEFT JOIN shift_groups sg ON sg.group_name = g.name AND sg.open
		 LEFT JOIN shifts s ON s.id = sg.shift_id
		 LEFT JOIN operators o ON o.id = s.operator_id
		 WHERE g.name = ANY($1)
		 ORDER BY g.name`, groups)
	if err != nil {
		return nil, fmt.Errorf("group occupancy: %w", err)
	}
	defer rows.Close()
	return scanOccupancy(rows)
}

// ListLog returns audit entries, newest first.
func (s *PGStore) ListLog(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	builder := psql.
		Select("l.id", "l.shift_id", "o.username", "l.action", "COALESCE(a.username, '')", "COALESCE(l.message, '')", "l.created_at").
		From("shift_log l").
		Join("operators o ON o.id = l.operator_id").
		LeftJoin("operators a ON a.id = l.acted_by").
		OrderBy("l.created_at DESC")
	if filter.Operator != "" {
		builder = builder.Where(sq.Eq{"o.username": filter.Operator})
	}
	if filter.Action != "" {
		builder = builder.Where(sq.Eq{"l.action": filter.Action})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			entry     LogEntry
			id        pgtype.UUID
			shiftID   pgtype.UUID
			createdAt pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &shiftID, &entry.Operator, &entry.Action, &entry.ActedBy, &entry.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.ID = db.UUIDToString(id)
		entry.ShiftID = db.UUIDToString(shiftID)
		entry.CreatedAt = db.TimeFromPg(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// OperatorCoversProfile reports whether the operator's open shift covers a
// group that carries the profile.
func (s *PGStore) OperatorCoversProfile(ctx context.Context, operatorID, profileID string) (bool, error) {
	opID, err := db.ParseUUID(operatorID)
	if err != nil {
		return false, fmt.Errorf("operator id: %w", err)
	}
	var covered bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM shifts s
		   JOIN shift_groups sg ON sg.shift_id = s.id AND sg.open
		   JOIN group_profiles gp ON gp.group_name = sg.group_name
		   WHERE s.operator_id = $1 AND s.ended_at IS NULL AND gp.profile_id = $2
		 )`, opID, profileID,
	).Scan(&covered)
	if err != nil {
		return false, fmt.Errorf("check coverage: %w", err)
	}
	return covered, nil
}

func (s *PGStore) shiftGroups(ctx context.Context, shiftID pgtype.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_name FROM shift_groups WHERE shift_id = $1 ORDER BY group_name`, shiftID)
	if err != nil {
		return nil, fmt.Errorf("shift groups: %w", err)
	}
	defer rows.Close()
	return scanNames(rows)
}

func shiftGroupsTx(ctx context.Context, tx pgx.Tx, shiftID pgtype.UUID) ([]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT group_name FROM shift_groups WHERE shift_id = $1 ORDER BY group_name`, shiftID)
	if err != nil {
		return nil, fmt.Errorf("shift groups: %w", err)
	}
	defer rows.Close()
	return scanNames(rows)
}

// occupancyTx lists occupancy within a transaction. With busyOnly set it
// returns only held groups, which is the admission conflict set.
func occupancyTx(ctx context.Context, tx pgx.Tx, groups []string, busyOnly bool) ([]GroupStatus, error) {
	query := `SELECT g.name, s.id, o.username
	          FROM groups g
	          LEFT JOIN shift_groups sg ON sg.group_name = g.name AND sg.open
	          LEFT JOIN shifts s ON s.id = sg.shift_id
	          LEFT JOIN operators o ON o.id = s.operator_id
	          WHERE g.name = ANY($1)`
	if busyOnly {
		query += ` AND sg.shift_id IS NOT NULL`
	}
	query += ` ORDER BY g.name`

	rows, err := tx.Query(ctx, query, groups)
	if err != nil {
		return nil, fmt.Errorf("group occupancy: %w", err)
	}
	defer rows.Close()
	return scanOccupancy(rows)
}

func scanOccupancy(rows pgx.Rows) ([]GroupStatus, error) {
	var statuses []GroupStatus
	for rows.Next() {
		var (
			status   GroupStatus
			shiftID  pgtype.UUID
			occupant pgtype.Text
		)
		if err := rows.Scan(&status.Group, &shiftID, &occupant); err != nil {
			return nil, fmt.Errorf("scan occupancy: %w", err)
		}
		status.ShiftID = db.UUIDToString(shiftID)
		status.Occupant = db.TextToString(occupant)
		status.Busy = shiftID.Valid
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

func scanNames(rows pgx.Rows) ([]string, error) {
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
