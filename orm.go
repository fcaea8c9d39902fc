package entmap

import (
	"context"
	"database/sql"
	"errors"
)

// Fetch loads the entity with the given key, children included. It fails
// with ErrNoEntity when no row matches. Custom fetch text declared with
// FetchQuery must bind the key under the key column name.
func Fetch[T any](ctx context.Context, a *Agent, m *Mapper[T], key any) (*T, error) {
	q := m.FetchStatement(fetchText)
	recs, err := a.QueryRecords(ctx, q, Param{Name: m.KeyColumn().Field, Value: key})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoEntity
	}
	return loadOne(ctx, a, m, recs[0])
}

// FetchAll loads every mapped row, children included.
func FetchAll[T any](ctx context.Context, a *Agent, m *Mapper[T]) ([]*T, error) {
	q := m.FetchAllStatement(fetchAllText)
	recs, err := a.QueryRecords(ctx, q)
	if err != nil {
		return nil, err
	}
	return loadAll(ctx, a, m, recs)
}

// FetchByParent loads the rows whose parent column equals parentKey,
// children included. The mapping must declare Parent.
func FetchByParent[T any](ctx context.Context, a *Agent, m *Mapper[T], parentKey any) ([]*T, error) {
	parent, ok := m.ParentColumn()
	if !ok {
		return nil, ErrNoParent
	}
	q := m.FetchByParentStatement(fetchByParentText)
	recs, err := a.QueryRecords(ctx, q, Param{Name: parent, Value: parentKey})
	if err != nil {
		return nil, err
	}
	return loadAll(ctx, a, m, recs)
}

// FetchRoots loads the rows whose parent column is NULL, children
// included. The mapping must declare Parent.
func FetchRoots[T any](ctx context.Context, a *Agent, m *Mapper[T]) ([]*T, error) {
	if _, ok := m.ParentColumn(); !ok {
		return nil, ErrNoParent
	}
	q := m.FetchRootsStatement(fetchRootsText)
	recs, err := a.QueryRecords(ctx, q)
	if err != nil {
		return nil, err
	}
	return loadAll(ctx, a, m, recs)
}

// InitEntity materializes a fresh instance from the mapping's init query,
// which typically selects database-side defaults. Children are not loaded
// and the key stays zero; the instance is meant to be completed and passed
// to InsertEntity.
func InitEntity[T any](ctx context.Context, a *Agent, m *Mapper[T], params ...Param) (*T, error) {
	q, ok := m.InitStatement()
	if !ok {
		return nil, ErrNoInitQuery
	}
	recs, err := a.QueryRecords(ctx, q, params...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoEntity
	}
	return m.Init(recs[0])
}

// InsertEntity stamps, inserts and completes e: autoincrement mappings get
// the generated key written back, manual mappings get their key promoted
// to current. Children are saved afterwards with a nil scope. extra params
// are bound alongside the mapped fields and must match the extras the
// insert statement was first built with.
func InsertEntity[T any](ctx context.Context, a *Agent, m *Mapper[T], e *T, userID string, extra ...Param) error {
	if e == nil {
		return ErrNilInstance
	}
	if err := m.StampInsert(e, userID); err != nil {
		return err
	}
	params, err := m.InsertParams(e, extra...)
	if err != nil {
		return err
	}
	q := m.InsertStatement(insertText(a.Dialect()), extra...)

	if m.KeyAutoIncrement() && a.Dialect() == Postgres {
		// RETURNING path: the generated key comes back as a result row.
		recs, err := a.QueryRecords(ctx, q, params...)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return ErrNoRowsAffected
		}
		id, err := recs[0].Int(m.KeyColumn().Field)
		if err != nil {
			return err
		}
		if err := m.SetAutoKey(e, id); err != nil {
			return err
		}
	} else {
		res, err := a.Exec(ctx, q, params...)
		if err != nil {
			return err
		}
		if err := checkRowsAffected(res); err != nil {
			return err
		}
		if m.KeyAutoIncrement() {
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			if err := m.SetAutoKey(e, id); err != nil {
				return err
			}
		} else {
			if err := m.PromoteKey(e); err != nil {
				return err
			}
		}
	}
	return m.SaveChildren(ctx, a, e, userID, nil)
}

// UpdateEntity stamps and updates e under the given scope; nil means a
// full update. It fails with ErrScopeEmpty when the scope selects no
// fields and with ErrNoRowsAffected when the row is gone. Manual keys are
// promoted after success, so a renamed key becomes the current one.
// Children are saved afterwards under the same scope.
func UpdateEntity[T any](ctx context.Context, a *Agent, m *Mapper[T], e *T, userID string, scope *int) error {
	if e == nil {
		return ErrNilInstance
	}
	if err := m.StampUpdate(e, userID); err != nil {
		return err
	}
	if len(m.UpdateColumns(scope)) < 2 {
		return ErrScopeEmpty
	}
	params, err := m.UpdateParams(e, scope)
	if err != nil {
		return err
	}
	q := m.UpdateStatement(scope, updateText)
	res, err := a.Exec(ctx, q, params...)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}
	if !m.KeyAutoIncrement() {
		if err := m.PromoteKey(e); err != nil {
			return err
		}
	}
	return m.SaveChildren(ctx, a, e, userID, scope)
}

// DeleteEntity deletes the row of e by its current key and clears the key
// on success. Deleting an already-absent row is not an error; dependent
// rows are expected to go through child save functions or foreign keys.
func DeleteEntity[T any](ctx context.Context, a *Agent, m *Mapper[T], e *T) error {
	if e == nil {
		return ErrNilInstance
	}
	params, err := m.DeleteParams(e)
	if err != nil {
		return err
	}
	q := m.DeleteStatement(deleteText)
	if _, err := a.Exec(ctx, q, params...); err != nil {
		return err
	}
	return m.ClearKey(e)
}

// RunInTransaction runs fn inside a scope opened on a, committing on nil
// and rolling back otherwise. An attempt that fails with (or wrapping)
// ErrRetryTransaction is retried, up to maxRetries attempts in total; a
// failed commit counts as retryable. When the attempts run out it returns
// ErrTooManyRetries.
func RunInTransaction(ctx context.Context, a *Agent, maxRetries int, fn func(context.Context) error) error {
	for i := 0; i < maxRetries; i++ {
		err := runTxOnce(ctx, a, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRetryTransaction) {
			return err
		}
	}
	return ErrTooManyRetries
}

func runTxOnce(ctx context.Context, a *Agent, fn func(context.Context) error) error {
	txCtx, tx, err := a.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(txCtx); err != nil {
		return tx.Rollback(err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(ErrRetryTransaction, err)
	}
	return nil
}

func loadOne[T any](ctx context.Context, a *Agent, m *Mapper[T], rec Record) (*T, error) {
	e, err := m.Load(rec)
	if err != nil {
		return nil, err
	}
	if err := m.LoadChildren(ctx, a, e); err != nil {
		return nil, err
	}
	return e, nil
}

func loadAll[T any](ctx context.Context, a *Agent, m *Mapper[T], recs []Record) ([]*T, error) {
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		e, err := loadOne(ctx, a, m, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRowsAffected
	}
	return nil
}
