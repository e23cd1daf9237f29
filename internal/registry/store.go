package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/ident"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added tasks table and relationship ticket index
const currentSchemaVersion = 1

// Appender is the slice of the event log the registry writes through.
type Appender interface {
	AppendBatch(ctx context.Context, events []eventlog.Event) ([]eventlog.Event, error)
}

// Options configures a Registry.
type Options struct {
	// Root is the shared file tree that registered paths are relative to.
	Root string

	// Log receives the events of every live mutation. A registry without a
	// log is a replay target: Apply works, mutations return ErrReadOnly.
	Log Appender

	Logger *slog.Logger
	Now    func() time.Time
	IDs    ident.Generator

	// Components maps component names to glob patterns.
	Components map[string][]string
}

// Registry is the SQLite-backed file registry.
//
// All lock state lives in the files table; there is no in-process lock
// map. Live mutations run inside one IMMEDIATE transaction that checks
// current state, appends the resulting events to the log and applies
// them through the same code path replay uses.
type Registry struct {
	db         *sql.DB
	path       string
	validator  *PathValidator
	classifier *Classifier
	log        Appender
	logger     *slog.Logger
	now        func() time.Time
	ids        ident.Generator

	// mu serializes mutations from this process. Other processes are
	// serialized by the IMMEDIATE transaction.
	mu sync.Mutex
}

// Open opens the live generation of the registry stored in dir, creating
// an empty first generation when dir holds none.
func Open(dir string, opts Options) (*Registry, error) {
	path, err := CurrentPath(dir)
	if err != nil {
		return nil, err
	}
	if path == "" {
		if path, err = initGeneration(dir, opts.IDs); err != nil {
			return nil, err
		}
	}
	return OpenFile(path, opts)
}

// OpenFile opens a registry database file directly. It is used for
// rebuild targets that are not (yet) the live generation.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - IMMEDIATE transactions so check-then-write sequences are serialized
func OpenFile(path string, opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IDs == nil {
		opts.IDs = ident.UUIDv7Generator{}
	}
	if opts.Root == "" {
		opts.Root = "."
	}

	validator, err := NewPathValidator(opts.Root)
	if err != nil {
		return nil, err
	}
	classifier, err := NewClassifier(opts.Components)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	r := &Registry{
		db:         db,
		path:       path,
		validator:  validator,
		classifier: classifier,
		log:        opts.Log,
		logger:     opts.Logger,
		now:        opts.Now,
		ids:        opts.IDs,
	}
	if err := r.syncComponents(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", "5000")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database connection.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Path returns the database file backing this registry.
func (r *Registry) Path() string { return r.path }

// Root returns the absolute shared file tree root.
func (r *Registry) Root() string { return r.validator.Root() }

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the indices that generations created before v1 lack.
// New databases already have them from schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_relationships_ticket ON file_relationships(ticket_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (r *Registry) verifyPragma(name, expected string) error {
	var value string
	if err := r.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
