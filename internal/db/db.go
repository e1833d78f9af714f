package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"

	"github.com/facadeworks/elevsync/internal/db/migrations"
	"github.com/facadeworks/elevsync/internal/models"
)

var tracer = otel.Tracer("elevsync/db")

// DB wraps a PostgreSQL database connection
type DB struct {
	conn *sql.DB
}

// Connect establishes a connection to PostgreSQL
func Connect(dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Sync tasks are bounded (at most 8 roots) so the pool stays small
	conn.SetMaxOpenConns(32)
	conn.SetMaxIdleConns(8)
	// ConnMaxLifetime: Recycle connections periodically to avoid stale connections
	conn.SetConnMaxLifetime(20 * time.Minute)

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Exec executes a query without returning rows (for testing)
func (db *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row (for testing)
func (db *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// Conn returns the underlying *sql.DB connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks the connection (used by the health endpoint).
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate applies every pending embedded migration. It opens its own
// connection because the migrate driver closes the pool it is given.
func Migrate(dsn string) error {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	driver, err := migratepgx.WithInstance(conn, &migratepgx.Config{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		driver.Close()
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		src.Close()
		driver.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// levelTable maps a hierarchy level to its table and parent column.
type levelTable struct {
	name      string
	parentCol string
}

var levelTables = map[models.Level]levelTable{
	models.LevelFolder:    {name: "folders", parentCol: "parent_id"},
	models.LevelProject:   {name: "projects", parentCol: "folder_id"},
	models.LevelPhase:     {name: "phases", parentCol: "project_id"},
	models.LevelElevation: {name: "elevations", parentCol: "phase_id"},
}

func tableFor(level models.Level) (levelTable, error) {
	t, ok := levelTables[level]
	if !ok {
		return levelTable{}, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	return t, nil
}

// scopeClause returns the WHERE fragment selecting the rows of scope, with
// the parent bound as $1 when present.
func scopeClause(t levelTable, scope models.Scope) (string, []interface{}) {
	if scope.ParentID == nil {
		return t.parentCol + " IS NULL", nil
	}
	return t.parentCol + " = $1", []interface{}{*scope.ParentID}
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation
func isUniqueViolation(err error) bool {
	// PostgreSQL error code 23505 = unique_violation
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "unique constraint")
}

// isForeignKeyViolation checks for PostgreSQL error code 23503
func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "23503") || strings.Contains(err.Error(), "foreign key constraint")
}
