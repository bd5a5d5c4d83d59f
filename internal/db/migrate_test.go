package db

import (
	"testing"

	"github.com/relaydesk/relaydesk/internal/config"
)

func TestRunMigrateUnknownCommand(t *testing.T) {
	err := RunMigrate(nil, config.PostgresConfig{}, nil, "invalid", nil)
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestRunMigrateForceRequiresVersion(t *testing.T) {
	err := RunMigrate(nil, config.PostgresConfig{}, nil, "force", nil)
	if err == nil {
		t.Fatal("expected error for force without version")
	}
}
