package entmap

import (
	"context"
	"database/sql"
	"errors"
)

// Persistence tells a mapping which statements a property takes part in.
// Flags combine with the bitwise OR operator.
type Persistence uint8

const (
	// Read includes the property in fetch projections and row loading.
	Read Persistence = 1 << iota
	// Insert binds the property as a parameter of generated inserts.
	Insert
	// Update binds the property as a parameter of generated updates.
	Update
	// Init loads the property when materializing defaults from an init query.
	Init
)

// Has reports whether p carries every flag in mask.
func (p Persistence) Has(mask Persistence) bool {
	return p&mask == mask
}

// Param is a single named statement parameter. Statement text refers to it
// as ":name". When ReplaceInQuery is set the value is rendered into the
// statement text as a SQL literal instead of being bound by the driver.
type Param struct {
	Name           string
	Value          any
	ReplaceInQuery bool
}

// Column pairs a database column name with the property name it travels
// under in result sets. Field may be empty for derived values that only
// exist in hand-written projections.
type Column struct {
	Field string
	Prop  string
}

// Decl is one mapping declaration for entity type T: a key, a field, a
// children relation or a factory. Values are produced by the package
// constructors and consumed by New.
type Decl[T any] interface {
	decl(*T)
}

// Queryer is the minimal query interface satisfied by *sql.DB, *sql.Conn,
// *sql.Tx and *Agent.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer is the minimal exec interface satisfied by *sql.DB, *sql.Conn,
// *sql.Tx and *Agent.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var (
	ErrDialectUnknown   = errors.New("entmap: unknown dialect")
	ErrParamMissing     = errors.New("entmap: missing parameter")
	ErrParamNameTooLong = errors.New("entmap: parameter name too long")
	ErrTooManyParams    = errors.New("entmap: too many parameters")
	ErrSliceEmpty       = errors.New("entmap: empty slice parameter")
	ErrNoKey            = errors.New("entmap: mapping must declare exactly one key")
	ErrNoFields         = errors.New("entmap: mapping declares no fields")
	ErrBadDecl          = errors.New("entmap: invalid mapping declaration")
	ErrAliasExhausted   = errors.New("entmap: no free parameter alias for the key")
	ErrNilInstance      = errors.New("entmap: nil entity instance")
	ErrNilRecord        = errors.New("entmap: nil record")
	ErrBlankUserID      = errors.New("entmap: blank audit user id")
	ErrKeyNotAuto       = errors.New("entmap: key is not autoincrement")
	ErrKeyAuto          = errors.New("entmap: key is autoincrement")
	ErrNoParent         = errors.New("entmap: no parent column declared")
	ErrNoInitQuery      = errors.New("entmap: no init query declared")
	ErrScopeEmpty       = errors.New("entmap: update scope matches no fields")
	ErrNullValue        = errors.New("entmap: null value")
	ErrConversion       = errors.New("entmap: conversion failed")
	ErrColumnMissing    = errors.New("entmap: column not found")
	ErrNoEntity         = errors.New("entmap: no such entity")
	ErrNoRowsAffected   = errors.New("entmap: no rows affected")
	ErrTxActive         = errors.New("entmap: transaction already active in this scope")
	ErrTxFinished       = errors.New("entmap: transaction already completed")
	ErrRetryTransaction = errors.New("entmap: retry transaction")
	ErrTooManyRetries   = errors.New("entmap: too many transaction retries")
)
