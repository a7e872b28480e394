package migration

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/internal/database"
)

// NewMigratorFromConfig opens the configured database and wraps it in a migrator.
// Closing the migrator closes the connection.
func NewMigratorFromConfig(cfg config.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	pm, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	m, err := NewMigrator(&Config{
		DatabaseType: dbType,
		DB:           pm.SQLDB(),
	})
	if err != nil {
		_ = pm.Close()
		return nil, err
	}
	return m, nil
}
