package entmap

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
)

// Dialect identifies the SQL dialect for placeholder rendering and a few
// dialect-specific parsing behaviors.
type Dialect int

const (
	Postgres Dialect = iota
	MySQL
	SQLite
	SQLServer
)

// String returns the string representation of the dialect.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// Config defines limits and behavior tweaks for the agent and its binder.
type Config struct {
	// MaxParams limits the total number of placeholders a single statement
	// may emit.
	// If = 0 (or omitted), it uses a sensible per-dialect default.
	// If < 0, it's treated as "unlimited".
	MaxParams int
	// MaxNameLen limits the maximum allowed length of a placeholder name,
	// e.g. ":this_is_a_name". Names longer than this cause ErrParamNameTooLong.
	MaxNameLen int
	// TxMode selects how Begin publishes the active transaction; see the
	// TxMode constants. The zero value is TxContext.
	TxMode TxMode
	// Logger receives debug records for executed statements and scope
	// transitions. Nil disables logging.
	Logger *slog.Logger
}

// Agent is the main entry point: it owns a database handle, a dialect and
// a configuration, executes named-parameter statements and hands out
// transaction scopes. A single Agent is safe for concurrent use.
type Agent struct {
	db      *sql.DB
	dialect Dialect
	config  Config

	mu sync.Mutex
	tx *Tx // active scope in TxAgent mode
}

// NewAgent returns a new Agent for the given handle and dialect. Optionally
// provide a Config; unspecified fields fall back to sensible per-dialect
// defaults.
func NewAgent(db *sql.DB, dialect Dialect, cfg ...Config) *Agent {
	return &Agent{
		db:      db,
		dialect: dialect,
		config:  defaultConfig(dialect, cfg...),
	}
}

// Dialect returns the dialect the agent renders placeholders for.
func (a *Agent) Dialect() Dialect {
	return a.dialect
}

// Query binds params into query and runs it against the scope resolved
// from ctx, or the bare handle when no scope is active.
func (a *Agent) Query(ctx context.Context, query string, params ...Param) (*sql.Rows, error) {
	q, args, err := bind(a.dialect, query, params, a.config)
	if err != nil {
		return nil, err
	}
	return a.QueryContext(ctx, q, args...)
}

// QueryRecords runs Query and materializes the whole result set, which is
// how the entity operations consume rows.
func (a *Agent) QueryRecords(ctx context.Context, query string, params ...Param) ([]Record, error) {
	rows, err := a.Query(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	return Records(rows)
}

// Exec binds params into query and executes it against the scope resolved
// from ctx, or the bare handle when no scope is active.
func (a *Agent) Exec(ctx context.Context, query string, params ...Param) (sql.Result, error) {
	q, args, err := bind(a.dialect, query, params, a.config)
	if err != nil {
		return nil, err
	}
	return a.ExecContext(ctx, q, args...)
}

// QueryContext runs an already-bound statement through the resolved scope.
// It makes *Agent a Queryer, so code written against that interface can
// stay unaware of transactions.
func (a *Agent) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	a.logStatement(ctx, "query", query, len(args))
	return a.target(ctx).QueryContext(ctx, query, args...)
}

// ExecContext executes an already-bound statement through the resolved
// scope. It makes *Agent an Execer.
func (a *Agent) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	a.logStatement(ctx, "exec", query, len(args))
	return a.target(ctx).ExecContext(ctx, query, args...)
}

// runner is the statement surface shared by *sql.DB and *sql.Tx.
type runner interface {
	Queryer
	Execer
}

// target resolves the statement destination: the live transaction of the
// current scope when one exists, the bare handle otherwise.
func (a *Agent) target(ctx context.Context) runner {
	switch a.config.TxMode {
	case TxAgent:
		a.mu.Lock()
		t := a.tx
		a.mu.Unlock()
		if t != nil && !t.finished() {
			return t.tx
		}
	default: // TxContext
		if t, ok := TxFrom(ctx); ok && !t.finished() {
			return t.tx
		}
	}
	return a.db
}

func (a *Agent) logStatement(ctx context.Context, op, query string, args int) {
	if a.config.Logger == nil {
		return
	}
	a.config.Logger.LogAttrs(ctx, slog.LevelDebug, op,
		slog.String("query", query),
		slog.Int("args", args),
	)
}

func (a *Agent) logScope(ctx context.Context, event string) {
	if a.config.Logger == nil {
		return
	}
	a.config.Logger.LogAttrs(ctx, slog.LevelDebug, event,
		slog.String("mode", a.config.TxMode.String()),
	)
}

// defaultConfig merges user config with per-dialect defaults.
func defaultConfig(dialect Dialect, config ...Config) Config {
	c := Config{}

	if len(config) > 0 {
		c = config[0]
	}

	if c.MaxParams == 0 {
		switch dialect {
		case SQLServer:
			c.MaxParams = 2100
		case SQLite:
			c.MaxParams = 999
		case Postgres, MySQL:
			c.MaxParams = 65535
		}
	}

	if c.MaxNameLen <= 0 {
		c.MaxNameLen = 64
	}

	return c
}
