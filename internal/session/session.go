// Package session resolves the stored connect artifacts a link presents
// to the provider during its handshake.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relaydesk/internal/rtm"
)

// ErrSessionNotFound is returned when a profile has no stored artifacts.
var ErrSessionNotFound = errors.New("session artifacts not found")

// Service loads session artifacts from storage. It implements
// rtm.SessionProvider.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "session")),
	}
}

// SessionArtifacts returns the opaque connect payload for the profile.
func (s *Service) SessionArtifacts(ctx context.Context, profile rtm.ProfileID) ([]byte, error) {
	id := strings.TrimSpace(string(profile))
	if id == "" {
		return nil, fmt.Errorf("profile id is empty")
	}

	var artifacts []byte
	err := s.pool.QueryRow(ctx,
		`SELECT artifacts FROM rtm_sessions WHERE profile_id = $1`, id,
	).Scan(&artifacts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session artifacts: %w", err)
	}
	return artifacts, nil
}

// Put stores or replaces the artifacts for a profile.
func (s *Service) Put(ctx context.Context, profile rtm.ProfileID, artifacts []byte) error {
	id := strings.TrimSpace(string(profile))
	if id == "" {
		return fmt.Errorf("profile id is empty")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rtm_sessions (profile_id, artifacts, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (profile_id) DO UPDATE SET artifacts = EXCLUDED.artifacts, updated_at = now()`,
		id, artifacts,
	)
	if err != nil {
		return fmt.Errorf("store session artifacts: %w", err)
	}
	s.logger.Info("session artifacts updated", slog.String("profile", id))
	return nil
}
