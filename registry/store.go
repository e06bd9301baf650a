package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var _ Registry = (*Store)(nil)

// Store implements Registry on a database/sql connection pool.
//
// Every operation holds the store's mutex for the whole of its transaction.
// The database's default isolation (read committed in Postgres) lets two
// local goroutines interleave their delete/insert pairs; the mutex rules
// that out for everything issued through this Store. EnsureSchema also takes
// an exclusive table lock so separate processes cannot race on the index.
type Store struct {
	db      *sql.DB
	dialect *Dialect
	logger  *zap.Logger

	mu sync.Mutex
}

// New wraps an open database handle.
func New(db *sql.DB, dialect *Dialect, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.With(zap.String("dialect", dialect.Name)),
	}
}

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() *Dialect {
	return s.dialect
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction while holding the store mutex. The
// transaction is rolled back and the mutex released on every exit path,
// panics included.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: %s: begin: %w", op, err)
	}

	committed := false
	defer func() {
		if !committed {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				s.logger.Debug("rollback failed", zap.String("operation", op), zap.Error(rerr))
			}
		}
	}()

	if err := fn(tx); err != nil {
		return s.wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(op, err)
	}
	committed = true
	return nil
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, ErrInvalidEndpoint) {
		return err
	}
	if s.dialect.uniqueViolation(err) {
		return fmt.Errorf("registry: %s: %w: %w", op, ErrConflict, err)
	}
	return fmt.Errorf("registry: %s: %w", op, err)
}

// EnsureSchema creates the registry table if absent, then, under an exclusive
// table lock, creates the name index if absent. Two processes creating the
// table at the same moment can collide on the catalog; the loser retries once
// and finds the table in place.
func (s *Store) EnsureSchema(ctx context.Context) error {
	err := s.ensureSchema(ctx)
	if errors.Is(err, ErrConflict) {
		s.logger.Debug("schema creation raced another process, retrying", zap.Error(err))
		err = s.ensureSchema(ctx)
	}
	return err
}

func (s *Store) ensureSchema(ctx context.Context) error {
	return s.withTx(ctx, "ensure schema", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.dialect.createTable); err != nil {
			return err
		}
		if s.dialect.lockTable != "" {
			if _, err := tx.ExecContext(ctx, s.dialect.lockTable); err != nil {
				return err
			}
		}

		var one int
		err := tx.QueryRowContext(ctx, s.dialect.indexExists).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, s.dialect.createIndex); err != nil {
				return err
			}
			s.logger.Info("created registry index", zap.String("table", Table))
		case err != nil:
			return err
		}
		return nil
	})
}

// ReplaceAdvertisements deletes name's rows and inserts the given endpoints
// in one statement, all in one transaction. Peers therefore see either the
// previous cycle's rows or this cycle's, never a mix.
func (s *Store) ReplaceAdvertisements(ctx context.Context, name string, endpoints []Endpoint) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidEndpoint)
	}
	endpoints, err := normalize(endpoints)
	if err != nil {
		return err
	}

	return s.withTx(ctx, "replace advertisements", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.dialect.deleteName, name); err != nil {
			return err
		}
		if len(endpoints) == 0 {
			return nil
		}

		args := make([]any, 0, 3*len(endpoints))
		for _, e := range endpoints {
			args = append(args, name, e.Address, e.Port)
		}
		_, err := tx.ExecContext(ctx, s.dialect.insertStatement(len(endpoints)), args...)
		return err
	})
}

// RemoveAdvertisements deletes every row for name.
func (s *Store) RemoveAdvertisements(ctx context.Context, name string) error {
	return s.withTx(ctx, "remove advertisements", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.deleteName, name)
		return err
	})
}

// CollectStale deletes rows whose updated timestamp is older than ttl by the
// database clock, and reports how many went.
func (s *Store) CollectStale(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("registry: collect stale: ttl must be positive, got %s", ttl)
	}

	var removed int64
	err := s.withTx(ctx, "collect stale", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.dialect.collect, ttl.Seconds())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("collected stale advertisements", zap.Int64("rows", removed), zap.Duration("ttl", ttl))
	}
	return removed, nil
}

// ListAll returns every row ordered by name, address and port.
func (s *Store) ListAll(ctx context.Context) ([]Row, error) {
	var rows []Row
	err := s.withTx(ctx, "list", func(tx *sql.Tx) error {
		rs, err := tx.QueryContext(ctx, s.dialect.selectAll)
		if err != nil {
			return err
		}
		defer rs.Close()

		for rs.Next() {
			var r Row
			if err := rs.Scan(&r.Name, &r.Address, &r.Port); err != nil {
				return err
			}
			rows = append(rows, r)
		}
		return rs.Err()
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// normalize validates endpoints and drops duplicates, which would otherwise
// trip this controller's own uniqueness constraint.
func normalize(endpoints []Endpoint) ([]Endpoint, error) {
	seen := make(map[Endpoint]struct{}, len(endpoints))
	out := make([]Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if err := e.validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].Port < out[j].Port
	})
	return out, nil
}
