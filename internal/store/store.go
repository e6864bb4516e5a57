// Package store implements the polymorphic resource container and the
// operational tables (Subtask, BackgroundExecution), on sqlite for
// single-node deployments or Postgres so the dispatcher/trigger
// scheduler can run as multiple OS processes against one shared
// database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/go-claw/internal/config"
)

// Schema ledger: version and checksum recorded at open so mismatched
// worker binaries fail fast instead of writing divergent shapes.
const (
	schemaVersionV10  = 10
	schemaChecksumV10 = "goclaw-core-v10-resource-and-ops-tables"

	schemaVersionLatest  = schemaVersionV10
	schemaChecksumLatest = schemaChecksumV10
)

// Store is the resource container plus operational tables.
// A single instance is shared by every worker process.
type Store struct {
	db      *sql.DB
	backend config.StorageType
}

// Open connects to the configured backend and runs migrations.
func Open(ctx context.Context, cfg config.Config) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.StorageType {
	case config.StoragePostgres:
		db, err = openPostgres(cfg.DatabaseURL)
	default:
		db, err = openSQLite(cfg.DatabaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.StorageType, err)
	}
	s := &Store{db: db, backend: cfg.StorageType}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// placeholder returns the n-th bind placeholder for the active backend
// ($1, $2... for postgres; ? for sqlite), since the two drivers disagree
// on parameter syntax.
func (s *Store) placeholder(n int) string {
	if s.backend == config.StoragePostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := resourceTableDDL(s.backend)
	stmts = append(stmts, subtaskTableDDL(s.backend)...)
	stmts = append(stmts, taskOpsTableDDL(s.backend)...)
	stmts = append(stmts, subscriptionOpsTableDDL(s.backend)...)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ddl %q: %w", stmt, err)
		}
	}
	return nil
}

// now is overridden in tests; production always uses wall-clock time.
var now = func() time.Time { return time.Now().UTC() }

// errNotFound marks store lookups with goerr.KindResourceNotFound at the
// call site; kept unexported so callers always go through goerr.Wrap.
var errNotFound = fmt.Errorf("not found")

func isNotFound(err error) bool { return err == sql.ErrNoRows || err == errNotFound }
