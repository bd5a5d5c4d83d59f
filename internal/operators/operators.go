// Package operators manages operator accounts, credentials, and group
// assignments.
package operators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaydesk/relaydesk/internal/db"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInactiveAccount    = errors.New("account is inactive")
	ErrOperatorNotFound   = errors.New("operator not found")
)

// Operator is one account record.
type Operator struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Role        string    `json:"role"`
	Tenant      string    `json:"tenant"`
	DisplayName string    `json:"display_name,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Service reads and writes operator accounts.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "operators")),
	}
}

// Login verifies credentials and returns the account.
func (s *Service) Login(ctx context.Context, username, password string) (Operator, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Operator{}, ErrInvalidCredentials
	}

	op, hash, err := s.byUsername(ctx, username)
	if errors.Is(err, ErrOperatorNotFound) {
		return Operator{}, ErrInvalidCredentials
	}
	if err != nil {
		return Operator{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return Operator{}, ErrInvalidCredentials
	}
	if !op.IsActive {
		return Operator{}, ErrInactiveAccount
	}
	s.logger.Info("operator logged in", slog.String("username", username))
	return op, nil
}

// GetByID returns one account by its identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Operator, error) {
	opID, err := db.ParseUUID(id)
	if err != nil {
		return Operator{}, fmt.Errorf("operator id: %w", err)
	}
	var (
		op        Operator
		pgID      pgtype.UUID
		display   pgtype.Text
		createdAt pgtype.Timestamptz
	)
	err = s.pool.QueryRow(ctx,
		`SELECT id, username, role, tenant, display_name, is_active, created_at
		 FROM operators WHERE id = $1`, opID,
	).Scan(&pgID, &op.Username, &op.Role, &op.Tenant, &display, &op.IsActive, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Operator{}, ErrOperatorNotFound
	}
	if err != nil {
		return Operator{}, fmt.Errorf("get operator: %w", err)
	}
	op.ID = db.UUIDToString(pgID)
	op.DisplayName = db.TextToString(display)
	op.CreatedAt = db.TimeFromPg(createdAt)
	return op, nil
}

// AssignedGroups returns the group names assigned to the operator, sorted.
func (s *Service) AssignedGroups(ctx context.Context, operatorID string) ([]string, error) {
	opID, err := db.ParseUUID(operatorID)
	if err != nil {
		return nil, fmt.Errorf("operator id: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT group_name FROM operator_groups WHERE operator_id = $1 ORDER BY group_name`, opID)
	if err != nil {
		return nil, fmt.Errorf("assigned groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, name)
	}
	return groups, rows.Err()
}

// EnsureAdmin creates the bootstrap admin account when it does not exist.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return fmt.Errorf("admin bootstrap credentials are empty")
	}

	_, _, err := s.byUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrOperatorNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO operators (username, password_hash, role) VALUES ($1, $2, 'admin')
		 ON CONFLICT (username) DO NOTHING`,
		username, string(hash),
	)
	if err != nil {
		return fmt.Errorf("create admin account: %w", err)
	}
	s.logger.Info("admin account created", slog.String("username", username))
	return nil
}

func (s *Service) byUsername(ctx context.Context, username string) (Operator, string, error) {
	var (
		op        Operator
		pgID      pgtype.UUID
		hash      string
		display   pgtype.Text
		createdAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role, tenant, display_name, is_active, created_at
		 FROM operators WHERE username = $1`, username,
	).Scan(&pgID, &op.Username, &hash, &op.Role, &op.Tenant, &display, &op.IsActive, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Operator{}, "", ErrOperatorNotFound
	}
	if err != nil {
		return Operator{}, "", fmt.Errorf("find operator: %w", err)
	}
	op.ID = db.UUIDToString(pgID)
	op.DisplayName = db.TextToString(display)
	op.CreatedAt = db.TimeFromPg(createdAt)
	return op, hash, nil
}
