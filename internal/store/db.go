// Package store is the C1 entity store: a durable model for backends,
// repos, repo groups, tasks, task stages, and their associations, with a
// generic filter/paginate/eager-load layer on top.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pulpfleet/manager/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Queryer is the subset of *sql.DB / *sql.Tx our reflection helpers need.
// DB and Tx both implement it, so Repository[T] works unmodified inside a
// transaction (§4.1 "all mutating operations execute in a transaction
// bounded by the caller").
type Queryer interface {
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Insert(ctx context.Context, table string, record interface{}) (int64, error)
	Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error
}

// DB is the generic storage interface used throughout the store and
// workflow controllers. Implementations exist for SQLite (default, for
// local/dev) and MySQL.
type DB interface {
	Queryer

	// Begin starts a transaction bounded by the caller (§4.1 invariant): on
	// exception the caller must Rollback, committing only on full success.
	Begin(ctx context.Context) (Tx, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	Driver() string
}

// Tx is a single bounded transaction. It embeds Queryer so Repository[T]
// methods run identically whether given a DB or a Tx.
type Tx interface {
	Queryer
	Commit() error
	Rollback() error
}

// NewDB returns a DB implementation matching cfg.Driver. SQLite is the
// default when the driver is empty; any other unrecognized driver is an error.
func NewDB(cfg config.DatabaseConfig) (DB, error) {
	switch cfg.Driver {
	case "mysql":
		return newMySQL(cfg)
	case "sqlite", "sqlite3", "":
		return newSQLite(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q (supported: sqlite, mysql)", cfg.Driver)
	}
}

// sqliteDB implements DB using SQLite via mattn/go-sqlite3.
type sqliteDB struct {
	db *sql.DB
}

func newSQLite(cfg config.DatabaseConfig) (*sqliteDB, error) {
	path := cfg.Path
	if path == "" {
		path = "pulp-fleet-manager.db"
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	s := &sqliteDB{db: db}
	if err := s.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}
	return s, nil
}

func (s *sqliteDB) Driver() string { return "sqlite" }
func (s *sqliteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqliteDB) Close() error                   { return s.db.Close() }

func (s *sqliteDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sqlite transaction: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqliteDB) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, false)
}

func (s *sqliteDB) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

func (s *sqliteDB) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	row := s.db.QueryRowContext(ctx, query, args...)
	return scanRow(row, dest)
}

func (s *sqliteDB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqliteDB) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	return insert(ctx, s.db, table, record)
}

func (s *sqliteDB) Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error {
	return update(ctx, s.db, table, record, where, args...)
}

// mysqlDB implements DB using MySQL via go-sql-driver/mysql.
type mysqlDB struct {
	db *sql.DB
}

func newMySQL(cfg config.DatabaseConfig) (*mysqlDB, error) {
	if cfg.Hostname == "" || cfg.Name == "" {
		return nil, fmt.Errorf("mysql hostname and database name are required when driver is mysql")
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Hostname, cfg.Name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	m := &mysqlDB{db: db}
	if err := m.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}
	return m, nil
}

func (m *mysqlDB) Driver() string { return "mysql" }
func (m *mysqlDB) Ping(ctx context.Context) error { return m.db.PingContext(ctx) }
func (m *mysqlDB) Close() error                   { return m.db.Close() }

func (m *mysqlDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mysql transaction: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

func (m *mysqlDB) Migrate(ctx context.Context) error {
	return runMigrations(ctx, m.db, true)
}

func (m *mysqlDB) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

func (m *mysqlDB) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	row := m.db.QueryRowContext(ctx, query, args...)
	return scanRow(row, dest)
}

func (m *mysqlDB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return m.db.ExecContext(ctx, query, args...)
}

func (m *mysqlDB) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	return insert(ctx, m.db, table, record)
}

func (m *mysqlDB) Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error {
	return update(ctx, m.db, table, record, where, args...)
}

// sqlTx adapts *sql.Tx to Tx for both drivers; statement text is already
// driver-correct by the time it reaches Queryer methods.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

func (t *sqlTx) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

func (t *sqlTx) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	row := t.tx.QueryRowContext(ctx, query, args...)
	return scanRow(row, dest)
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *sqlTx) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	return insert(ctx, t.tx, table, record)
}

func (t *sqlTx) Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error {
	return update(ctx, t.tx, table, record, where, args...)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insert(ctx context.Context, e execer, table string, record interface{}) (int64, error) {
	cols, placeholders, vals := structToInsert(record)
	// Internal DB helper: table/column names come from trusted struct tags, values remain parameterized.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	res, err := e.ExecContext(ctx, query, vals...)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return res.LastInsertId()
}

func update(ctx context.Context, e execer, table string, record interface{}, where string, args ...interface{}) error {
	cols, vals := structToUpdate(record)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	// Internal DB helper: callers provide trusted SQL fragments for table/where; data values are bound separately.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	allArgs := append(vals, args...)
	_, err := e.ExecContext(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

// runMigrations applies all embedded *.sql files in sorted order, tracking
// application in a schema_migrations table. When mysqlDialect is true, each
// statement is passed through mysqlAdapt first.
func runMigrations(ctx context.Context, db *sql.DB, mysqlDialect bool) error {
	createStmt := `CREATE TABLE IF NOT EXISTS schema_migrations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		filename    TEXT    NOT NULL UNIQUE,
		applied_at  TEXT    NOT NULL
	)`
	if mysqlDialect {
		createStmt = mysqlAdapt(createStmt)
	}
	if _, err := db.ExecContext(ctx, createStmt); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var count int
		row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, name)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		sqlText := string(data)
		if mysqlDialect {
			sqlText = mysqlAdapt(sqlText)
		}

		for _, stmt := range strings.Split(sqlText, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("applying migration %s statement: %w\nSQL: %s", name, err, stmt)
			}
		}

		_, err = db.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		slog.Info("applied migration", "file", name, "mysql", mysqlDialect)
	}
	return nil
}

// mysqlAdapt converts the SQLite-flavored migration SQL to MySQL equivalents.
func mysqlAdapt(sqlText string) string {
	sqlText = strings.ReplaceAll(sqlText, "INTEGER PRIMARY KEY AUTOINCREMENT", "INT NOT NULL AUTO_INCREMENT PRIMARY KEY")
	sqlText = strings.ReplaceAll(sqlText, "AUTOINCREMENT", "AUTO_INCREMENT")
	sqlText = strings.ReplaceAll(sqlText, " REAL ", " DOUBLE ")
	sqlText = strings.ReplaceAll(sqlText, "ON CONFLICT DO NOTHING", "")
	return sqlText
}
