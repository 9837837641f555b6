package store

import (
	"context"
	"fmt"

	"github.com/inkwell-labs/creditd/internal/config"
)

// New creates a Store based on the configured storage driver.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "mongo":
		return NewMongo(ctx, cfg.DSN, cfg.Database)
	case "firestore":
		return NewFirestore(ctx, cfg.ProjectID, cfg.Database, cfg.CredentialsFile)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}
