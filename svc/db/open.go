package db

import (
	"context"

	"pastelite/cfg"

	"github.com/pkg/errors"
)

// Open builds the store selected by STORE_DRIVER. postgresDSN is passed in
// resolved because it may come from a secret manager.
func Open(ctx context.Context, c *cfg.Cfg, postgresDSN string) (RecordStore, error) {
	switch c.StoreDriver {
	case cfg.DriverSQLite:
		return NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	case cfg.DriverPostgres:
		return NewPostgres(ctx, postgresDSN, c.DBMaxOpenConns, c.DBQueryTimeout)
	case cfg.DriverRedis:
		return NewRedis(ctx, c)
	default:
		return nil, errors.Errorf("unknown store driver %q", c.StoreDriver)
	}
}
