package cursor

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib" // registers the "pgx" database/sql driver
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore is the shared-infrastructure Cursor Store backend: multiple
// relayer replicas can point at the same database, per SPEC_FULL.md §3.1.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn (a standard Postgres connection string) and
// applies the cursors-table migration if it hasn't been applied yet.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	// pgx's stdlib adapter gives us database/sql semantics (connection
	// pooling, context cancellation) while keeping pgx as the actual
	// wire driver.
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres cursor store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres cursor store: %w", err)
	}

	if err := migrateUp(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cursor schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func migrateUp(dsn string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}

	// The migration gets its own pgx pool, so it accepts the same DSN
	// forms (URL or key=value) as the data-path connection above.
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Read implements Store.
func (s *PostgresStore) Read(ctx context.Context, name string, chain ChainKey, def uint64) (uint64, error) {
	const q = `SELECT block_number FROM cursors WHERE name = $1 AND chain_key = $2`

	var block int64
	err := s.db.QueryRowContext(ctx, q, name, string(chain)).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		// Per spec.md §4.5, read failures fall back to the default.
		return def, nil
	}
	return uint64(block), nil
}

// Write implements Store.
//
// Uses an upsert so concurrent writers racing on the same (name,
// chain_key) pair degrade to "last writer wins" rather than a unique
// violation. A unique violation that does surface as a lib/pq error is
// reported as a write race; every other error, including any other
// constraint failure, is returned as a plain write failure.
func (s *PostgresStore) Write(ctx context.Context, name string, chain ChainKey, block uint64) error {
	const q = `
		INSERT INTO cursors (name, chain_key, block_number, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name, chain_key)
		DO UPDATE SET block_number = EXCLUDED.block_number, updated_at = now()
	`

	_, err := s.db.ExecContext(ctx, q, name, string(chain), int64(block))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgerrcode.UniqueViolation {
			return fmt.Errorf("concurrent cursor write race on %s: %w", Key(name, chain), err)
		}
		return fmt.Errorf("write cursor %s: %w", Key(name, chain), err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
