package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config contains database connection settings.
type Config struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	// DSN is passed to the driver unchanged, except that SQLite DSNs get a
	// busy timeout and immediate transactions when they do not set them.
	DSN string `yaml:"dsn"`
	// MaxOpenConns caps the pool. SQLite is always limited to one connection.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// Open connects to the database described by cfg and checks that it answers.
// It does not create the schema; that is EnsureSchema's job.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if dialect == SQLite {
		// Immediate transactions take the write lock at BEGIN, so two
		// processes queue on the busy timeout instead of deadlocking when
		// both try to upgrade a read lock.
		dsn = withParam(dsn, "busy_timeout", "_pragma=busy_timeout(5000)")
		dsn = withParam(dsn, "_txlock", "_txlock=immediate")
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: opening database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	if dialect == SQLite {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: pinging database: %w", err)
	}

	return New(db, dialect, logger), nil
}

func withParam(dsn, key, param string) string {
	if strings.Contains(dsn, key) {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}
