package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/logging"
	"taskline/internal/migrate"
)

// Context bundles what a command or server needs: the open store, the engine
// bound to it and the logger everything writes through.
type Context struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Engine  engine.Engine
	Logger  *logrus.Logger
}

// Open connects to the configured store, applies pending migrations and
// builds the engine. Callers own Close.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Context, error) {
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.LogLevel, cfg.LogFormat, nil)
		if err != nil {
			return nil, err
		}
	}
	conn, dialect, err := db.Open(db.Config{Workspace: cfg.Workspace, URL: cfg.DBURL})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	base := logging.Base(logger)
	base.WithField("dialect", dialect).Debug("database ready")
	return &Context{
		Config:  cfg,
		DB:      conn,
		Dialect: dialect,
		Engine:  engine.New(conn, dialect, base),
		Logger:  logger,
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
