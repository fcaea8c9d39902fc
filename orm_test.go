package entmap

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// newMockDB returns a mocked handle closed by test cleanup.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func newRows(cols ...string) *sqlmock.Rows {
	return sqlmock.NewRows(cols)
}

// newTestAgent wires an Agent to a mocked handle.
func newTestAgent(t *testing.T, d Dialect, cfg ...Config) (*Agent, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewAgent(db, d, cfg...), mock
}

// assertMet fails when mock expectations are left over.
func assertMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestFetch verifies the single-row load: key bound under the key column,
// entity materialized from the row, ErrNoEntity when nothing matches.
func TestFetch(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	m := invoiceMapper(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id AS ID").
		WithArgs(int64(7)).
		WillReturnRows(newRows("ID", "Number", "Amount", "Notes").AddRow(int64(7), "N-1", 12.5, "memo"))

	e, err := Fetch(ctx, a, m, int64(7))
	assertNoError(t, err)
	if e.ID != 7 || e.Number != "N-1" || e.Amount != 12.5 || e.Notes != "memo" {
		t.Fatalf("fetched entity = %+v", e)
	}

	mock.ExpectQuery("SELECT id AS ID").
		WithArgs(int64(8)).
		WillReturnRows(newRows("ID", "Number", "Amount", "Notes"))

	if _, err := Fetch(ctx, a, m, int64(8)); !errors.Is(err, ErrNoEntity) {
		t.Fatalf("expected ErrNoEntity, got: %v", err)
	}
	assertMet(t, mock)
}

// TestFetch_LoadsChildren verifies that Fetch forwards the agent and the
// loaded key to child loaders.
func TestFetch_LoadsChildren(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	ctx := context.Background()

	var gotAgent *Agent
	var gotKey any
	decls := append(invoiceDecls(), Children[invoice](
		func(ctx context.Context, ca *Agent, e *invoice, pk any) error {
			gotAgent, gotKey = ca, pk
			return nil
		}, nil))
	m, err := New(decls...)
	assertNoError(t, err)

	mock.ExpectQuery("SELECT id AS ID").
		WithArgs(int64(7)).
		WillReturnRows(newRows("ID", "Number", "Amount", "Notes").AddRow(int64(7), "N-1", 12.5, "memo"))

	_, err = Fetch(ctx, a, m, int64(7))
	assertNoError(t, err)
	if gotAgent != a {
		t.Fatal("child loader did not receive the executing agent")
	}
	if k, ok := gotKey.(int64); !ok || k != 7 {
		t.Fatalf("child loader key = %#v, want int64(7)", gotKey)
	}
	assertMet(t, mock)
}

// TestFetchAll verifies the whole-table load preserves row order.
func TestFetchAll(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	m := invoiceMapper(t)

	mock.ExpectQuery("SELECT id AS ID").
		WillReturnRows(newRows("ID", "Number", "Amount", "Notes").
			AddRow(int64(1), "N-1", 1.0, "a").
			AddRow(int64(2), "N-2", 2.0, "b"))

	all, err := FetchAll(context.Background(), a, m)
	assertNoError(t, err)
	if len(all) != 2 || all[0].ID != 1 || all[1].ID != 2 {
		t.Fatalf("fetched %d entities: %+v", len(all), all)
	}
	assertMet(t, mock)
}

// TestFetchByParent verifies the parent filter and the guard on mappings
// without a parent column.
func TestFetchByParent(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	m := categoryMapper(t)
	ctx := context.Background()

	mock.ExpectQuery("FROM categories").
		WithArgs(int64(1)).
		WillReturnRows(newRows("ID", "Name", "ParentID").
			AddRow(int64(2), "child-a", int64(1)).
			AddRow(int64(3), "child-b", int64(1)))

	kids, err := FetchByParent(ctx, a, m, int64(1))
	assertNoError(t, err)
	if len(kids) != 2 || kids[0].Name != "child-a" || *kids[1].ParentID != 1 {
		t.Fatalf("children = %+v", kids)
	}

	if _, err := FetchByParent(ctx, a, invoiceMapper(t), int64(1)); !errors.Is(err, ErrNoParent) {
		t.Fatalf("expected ErrNoParent, got: %v", err)
	}
	assertMet(t, mock)
}

// TestFetchRoots verifies the NULL-parent load.
func TestFetchRoots(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	m := categoryMapper(t)
	ctx := context.Background()

	mock.ExpectQuery("IS NULL").
		WillReturnRows(newRows("ID", "Name", "ParentID").AddRow(int64(1), "root", nil))

	roots, err := FetchRoots(ctx, a, m)
	assertNoError(t, err)
	if len(roots) != 1 || roots[0].Name != "root" || roots[0].ParentID != nil {
		t.Fatalf("roots = %+v", roots)
	}

	if _, err := FetchRoots(ctx, a, invoiceMapper(t)); !errors.Is(err, ErrNoParent) {
		t.Fatalf("expected ErrNoParent, got: %v", err)
	}
	assertMet(t, mock)
}

// TestInitEntity verifies default materialization through the declared init
// query and the error without one.
func TestInitEntity(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	ctx := context.Background()

	m := invoiceMapper(t, InitQuery("SELECT 'draft' AS Notes"))
	mock.ExpectQuery("SELECT 'draft'").
		WillReturnRows(newRows("Notes").AddRow("draft"))

	e, err := InitEntity(ctx, a, m)
	assertNoError(t, err)
	if e.Notes != "draft" || e.ID != 0 {
		t.Fatalf("initialized entity = %+v", e)
	}

	if _, err := InitEntity(ctx, a, invoiceMapper(t)); !errors.Is(err, ErrNoInitQuery) {
		t.Fatalf("expected ErrNoInitQuery, got: %v", err)
	}
	assertMet(t, mock)
}

// TestInsertEntity_AutoKey verifies the generated key write-back through
// LastInsertId.
func TestInsertEntity_AutoKey(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	m := invoiceMapper(t)
	e := &invoice{Number: "N-1", Amount: 12.5, Notes: "memo"}

	mock.ExpectExec("INSERT INTO invoices").
		WithArgs("N-1", 12.5, "memo").
		WillReturnResult(sqlmock.NewResult(42, 1))

	assertNoError(t, InsertEntity(context.Background(), a, m, e, ""))
	if e.ID != 42 {
		t.Fatalf("ID after insert = %d, want 42", e.ID)
	}
	assertMet(t, mock)
}

// TestInsertEntity_PostgresReturning verifies that autoincrement inserts on
// Postgres read the key from the result row instead of LastInsertId.
func TestInsertEntity_PostgresReturning(t *testing.T) {
	a, mock := newTestAgent(t, Postgres)
	m := invoiceMapper(t)
	e := &invoice{Number: "N-1", Amount: 12.5, Notes: "memo"}

	mock.ExpectQuery("INSERT INTO invoices").
		WithArgs("N-1", 12.5, "memo").
		WillReturnRows(newRows("id").AddRow(int64(42)))

	assertNoError(t, InsertEntity(context.Background(), a, m, e, ""))
	if e.ID != 42 {
		t.Fatalf("ID after insert = %d, want 42", e.ID)
	}
	assertMet(t, mock)
}

// TestInsertEntity_ManualKeyPromotes verifies that a manual key becomes
// current after a successful insert.
func TestInsertEntity_ManualKeyPromotes(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	m := shipmentMapper(t)
	e := &shipment{Code: "S-1", Carrier: "acme", Weight: 2.5}

	mock.ExpectExec("INSERT INTO shipments").
		WithArgs("acme", 2.5, "S-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assertNoError(t, InsertEntity(context.Background(), a, m, e, ""))
	if e.curCode != "S-1" {
		t.Fatalf("curCode after insert = %q, want S-1", e.curCode)
	}
	assertMet(t, mock)
}

// TestInsertEntity_Stamps verifies audit stamping on insert and the blank
// user failure before any statement runs.
func TestInsertEntity_Stamps(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	m := auditedMapper(t)
	ctx := context.Background()

	if err := InsertEntity(ctx, a, m, &auditedDoc{Title: "t"}, "  "); !errors.Is(err, ErrBlankUserID) {
		t.Fatalf("expected ErrBlankUserID, got: %v", err)
	}

	e := &auditedDoc{Title: "t"}
	mock.ExpectExec("INSERT INTO docs").
		WithArgs("t", sqlmock.AnyArg(), "u1", sqlmock.AnyArg(), "u1").
		WillReturnResult(sqlmock.NewResult(5, 1))

	assertNoError(t, InsertEntity(ctx, a, m, e, "u1"))
	if e.CreatedBy != "u1" || e.CreatedAt.IsZero() {
		t.Fatalf("insert stamps missing: %+v", e)
	}
	assertMet(t, mock)
}

// TestUpdateEntity verifies full and scoped updates, including the
// no-rows-affected failure.
func TestUpdateEntity(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	m := invoiceMapper(t)
	ctx := context.Background()
	e := &invoice{ID: 7, Number: "N-2", Amount: 13.5, Notes: "memo"}

	mock.ExpectExec("UPDATE invoices").
		WithArgs("N-2", 13.5, "memo", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assertNoError(t, UpdateEntity(ctx, a, m, e, "", nil))

	s := 10
	mock.ExpectExec("UPDATE invoices").
		WithArgs("N-2", "memo", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assertNoError(t, UpdateEntity(ctx, a, m, e, "", &s))

	mock.ExpectExec("UPDATE invoices").
		WithArgs("N-2", 13.5, "memo", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := UpdateEntity(ctx, a, m, e, "", nil); !errors.Is(err, ErrNoRowsAffected) {
		t.Fatalf("expected ErrNoRowsAffected, got: %v", err)
	}
	assertMet(t, mock)
}

// TestUpdateEntity_EmptyScope verifies that a scope selecting no fields
// fails before touching the database.
func TestUpdateEntity_EmptyScope(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	m, err := New[invoice](
		invoiceDecls()[0],
		String("number", "Number", Read|Insert|Update,
			func(e *invoice) string { return e.Number },
			func(e *invoice, v string) { e.Number = v },
			InScope(10)),
	)
	assertNoError(t, err)

	s := 99
	if err := UpdateEntity(context.Background(), a, m, &invoice{ID: 1}, "", &s); !errors.Is(err, ErrScopeEmpty) {
		t.Fatalf("expected ErrScopeEmpty, got: %v", err)
	}
	assertMet(t, mock)
}

// TestUpdateEntity_RenamesManualKey verifies the rename flow end to end:
// WHERE binds the old key, and success promotes the new one.
func TestUpdateEntity_RenamesManualKey(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	m := shipmentMapper(t, Updatable())
	e := &shipment{Code: "S-2", curCode: "S-1", Carrier: "acme", Weight: 2}

	mock.ExpectExec("UPDATE shipments").
		WithArgs("S-2", "acme", 2.0, "S-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assertNoError(t, UpdateEntity(context.Background(), a, m, e, "", nil))
	if e.curCode != "S-2" {
		t.Fatalf("curCode after rename = %q, want S-2", e.curCode)
	}
	assertMet(t, mock)
}

// TestDeleteEntity verifies key-based deletion, the key reset afterwards
// and the tolerance for rows already gone.
func TestDeleteEntity(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	m := invoiceMapper(t)
	ctx := context.Background()

	e := &invoice{ID: 7}
	mock.ExpectExec("DELETE FROM invoices").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assertNoError(t, DeleteEntity(ctx, a, m, e))
	if e.ID != 0 {
		t.Fatalf("ID after delete = %d, want 0", e.ID)
	}

	gone := &invoice{ID: 8}
	mock.ExpectExec("DELETE FROM invoices").
		WithArgs(int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assertNoError(t, DeleteEntity(ctx, a, m, gone))
	if gone.ID != 0 {
		t.Fatalf("ID after idempotent delete = %d, want 0", gone.ID)
	}
	assertMet(t, mock)
}

// TestRunInTransaction_Commit verifies that fn runs inside a scope and the
// scope commits on success.
func TestRunInTransaction_Commit(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE t").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := RunInTransaction(context.Background(), a, 3, func(ctx context.Context) error {
		if _, ok := TxFrom(ctx); !ok {
			t.Fatal("fn context must carry the scope")
		}
		_, err := a.Exec(ctx, "UPDATE t SET a=:a", Param{Name: "a", Value: 1})
		return err
	})
	assertNoError(t, err)
	assertMet(t, mock)
}

// TestRunInTransaction_RollbackOnError verifies rollback and error
// propagation for non-retryable failures.
func TestRunInTransaction_RollbackOnError(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := RunInTransaction(context.Background(), a, 3, func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the fn error, got: %v", err)
	}
	assertMet(t, mock)
}

// TestRunInTransaction_Retries verifies the retry loop: retryable failures
// run fn again, success stops the loop.
func TestRunInTransaction_Retries(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err := RunInTransaction(context.Background(), a, 5, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return ErrRetryTransaction
		}
		return nil
	})
	assertNoError(t, err)
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	assertMet(t, mock)
}

// TestRunInTransaction_TooManyRetries verifies exhaustion reporting.
func TestRunInTransaction_TooManyRetries(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectRollback()

	attempts := 0
	err := RunInTransaction(context.Background(), a, 2, func(ctx context.Context) error {
		attempts++
		return ErrRetryTransaction
	})
	if !errors.Is(err, ErrTooManyRetries) {
		t.Fatalf("expected ErrTooManyRetries, got: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	assertMet(t, mock)
}

// TestRunInTransaction_RetryOnCommitFailure verifies that a failed commit
// counts as retryable.
func TestRunInTransaction_RetryOnCommitFailure(t *testing.T) {
	a, mock := newTestAgent(t, SQLite)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err := RunInTransaction(context.Background(), a, 3, func(ctx context.Context) error {
		attempts++
		return nil
	})
	assertNoError(t, err)
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	assertMet(t, mock)
}
