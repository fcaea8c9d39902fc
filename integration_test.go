package entmap

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// newSQLiteAgent opens an in-memory database. The pool is pinned to one
// connection so that every statement, scoped or not, sees the same store.
func newSQLiteAgent(t *testing.T, cfg ...Config) *Agent {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return NewAgent(db, SQLite, cfg...)
}

func mustExec(t *testing.T, a *Agent, q string, params ...Param) {
	t.Helper()
	if _, err := a.Exec(context.Background(), q, params...); err != nil {
		t.Fatalf("exec %q: %v", q, err)
	}
}

func createInvoiceTables(t *testing.T, a *Agent) {
	t.Helper()
	mustExec(t, a, `CREATE TABLE invoices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		number TEXT NOT NULL,
		amount REAL NOT NULL,
		notes TEXT NOT NULL
	)`)
	mustExec(t, a, `CREATE TABLE invoice_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_id INTEGER NOT NULL,
		label TEXT NOT NULL,
		qty INTEGER NOT NULL
	)`)
}

func countRows(t *testing.T, a *Agent, table string) int64 {
	t.Helper()
	recs, err := a.QueryRecords(context.Background(), "SELECT COUNT(*) AS C FROM "+table)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	n, err := recs[0].Int("C")
	assertNoError(t, err)
	return n
}

// TestSQLite_CRUDRoundTrip drives a full create/fetch/update/delete cycle
// against a real database, including a scoped update that must leave the
// out-of-scope column untouched.
func TestSQLite_CRUDRoundTrip(t *testing.T) {
	a := newSQLiteAgent(t)
	createInvoiceTables(t, a)
	m := invoiceMapper(t)
	ctx := context.Background()

	e := &invoice{Number: "N-1", Amount: 12.5, Notes: "memo"}
	assertNoError(t, InsertEntity(ctx, a, m, e, ""))
	if e.ID == 0 {
		t.Fatal("autoincrement key not written back")
	}

	got, err := Fetch(ctx, a, m, e.ID)
	assertNoError(t, err)
	if got.Number != "N-1" || got.Amount != 12.5 || got.Notes != "memo" {
		t.Fatalf("fetched = %+v", got)
	}

	got.Amount = 20
	assertNoError(t, UpdateEntity(ctx, a, m, got, "", nil))
	got, err = Fetch(ctx, a, m, e.ID)
	assertNoError(t, err)
	if got.Amount != 20 {
		t.Fatalf("full update lost: %+v", got)
	}

	// Scope 10 covers number only; the amount change must not persist.
	got.Number = "N-2"
	got.Amount = 99
	s := 10
	assertNoError(t, UpdateEntity(ctx, a, m, got, "", &s))
	got, err = Fetch(ctx, a, m, e.ID)
	assertNoError(t, err)
	if got.Number != "N-2" || got.Amount != 20 {
		t.Fatalf("scoped update wrote the wrong columns: %+v", got)
	}

	assertNoError(t, DeleteEntity(ctx, a, m, got))
	if got.ID != 0 {
		t.Fatalf("key not cleared after delete: %d", got.ID)
	}
	if _, err := Fetch(ctx, a, m, e.ID); !errors.Is(err, ErrNoEntity) {
		t.Fatalf("expected ErrNoEntity after delete, got: %v", err)
	}
}

// invLine is a dependent row saved and loaded around its parent.
type invLine struct {
	ID    int64
	Label string
	Qty   int64
}

func lineDecls() []Decl[invLine] {
	return []Decl[invLine]{
		AutoKey("invoice_lines", "id", "ID",
			func(e *invLine) int64 { return e.ID },
			func(e *invLine, v int64) { e.ID = v },
			Parent("invoice_id")),
		String("label", "Label", Read|Insert|Update,
			func(e *invLine) string { return e.Label },
			func(e *invLine, v string) { e.Label = v }),
		Int("qty", "Qty", Read|Insert|Update,
			func(e *invLine) int64 { return e.Qty },
			func(e *invLine, v int64) { e.Qty = v }),
	}
}

// orderDoc is an invoice with its lines as a child collection.
type orderDoc struct {
	ID     int64
	Number string
	Lines  []invLine
}

func orderMapper(t *testing.T) *Mapper[orderDoc] {
	t.Helper()
	lm, err := New(lineDecls()...)
	assertNoError(t, err)

	m, err := New[orderDoc](
		AutoKey("invoices", "id", "ID",
			func(e *orderDoc) int64 { return e.ID },
			func(e *orderDoc, v int64) { e.ID = v }),
		String("number", "Number", Read|Insert|Update,
			func(e *orderDoc) string { return e.Number },
			func(e *orderDoc, v string) { e.Number = v }),
		Float("amount", "Amount", Insert|Update,
			func(e *orderDoc) float64 { return 0 },
			func(e *orderDoc, v float64) {}),
		String("notes", "Notes", Insert|Update,
			func(e *orderDoc) string { return "" },
			func(e *orderDoc, v string) {}),
		Children[orderDoc](
			func(ctx context.Context, a *Agent, e *orderDoc, pk any) error {
				lines, err := FetchByParent(ctx, a, lm, pk)
				if err != nil {
					return err
				}
				e.Lines = e.Lines[:0]
				for _, l := range lines {
					e.Lines = append(e.Lines, *l)
				}
				return nil
			},
			func(ctx context.Context, a *Agent, e *orderDoc, pk any, userID string, scope *int, flags bool) error {
				if _, err := a.Exec(ctx, "DELETE FROM invoice_lines WHERE (invoice_id=:invoice_id)",
					Param{Name: "invoice_id", Value: pk}); err != nil {
					return err
				}
				for i := range e.Lines {
					e.Lines[i].ID = 0
					if err := InsertEntity(ctx, a, lm, &e.Lines[i], userID,
						Param{Name: "invoice_id", Value: pk}); err != nil {
						return err
					}
				}
				return nil
			},
		),
	)
	assertNoError(t, err)
	return m
}

// TestSQLite_ChildrenRoundTrip verifies that children persist with their
// parent and come back on fetch.
func TestSQLite_ChildrenRoundTrip(t *testing.T) {
	a := newSQLiteAgent(t)
	createInvoiceTables(t, a)
	m := orderMapper(t)
	ctx := context.Background()

	e := &orderDoc{Number: "N-1", Lines: []invLine{
		{Label: "bolts", Qty: 10},
		{Label: "nuts", Qty: 20},
	}}
	assertNoError(t, InsertEntity(ctx, a, m, e, ""))
	if n := countRows(t, a, "invoice_lines"); n != 2 {
		t.Fatalf("lines in store = %d, want 2", n)
	}

	got, err := Fetch(ctx, a, m, e.ID)
	assertNoError(t, err)
	if len(got.Lines) != 2 {
		t.Fatalf("loaded lines = %+v", got.Lines)
	}
	labels := map[string]int64{}
	for _, l := range got.Lines {
		labels[l.Label] = l.Qty
	}
	if labels["bolts"] != 10 || labels["nuts"] != 20 {
		t.Fatalf("line contents = %v", labels)
	}

	// Replacing the collection on update drops the removed line.
	got.Lines = got.Lines[:1]
	assertNoError(t, UpdateEntity(ctx, a, m, got, "", nil))
	if n := countRows(t, a, "invoice_lines"); n != 1 {
		t.Fatalf("lines after update = %d, want 1", n)
	}
}

// TestSQLite_ManualKeyRename verifies an updatable key rename against a
// real primary key column.
func TestSQLite_ManualKeyRename(t *testing.T) {
	a := newSQLiteAgent(t)
	mustExec(t, a, `CREATE TABLE shipments (
		code TEXT PRIMARY KEY,
		carrier TEXT NOT NULL,
		weight REAL NOT NULL
	)`)
	m := shipmentMapper(t, Updatable())
	ctx := context.Background()

	e := &shipment{Code: "S-1", Carrier: "acme", Weight: 2.5}
	assertNoError(t, InsertEntity(ctx, a, m, e, ""))

	loaded, err := Fetch(ctx, a, m, "S-1")
	assertNoError(t, err)
	loaded.Code = "S-2"
	assertNoError(t, UpdateEntity(ctx, a, m, loaded, "", nil))

	if _, err := Fetch(ctx, a, m, "S-1"); !errors.Is(err, ErrNoEntity) {
		t.Fatalf("old key still present: %v", err)
	}
	renamed, err := Fetch(ctx, a, m, "S-2")
	assertNoError(t, err)
	if renamed.Carrier != "acme" {
		t.Fatalf("renamed row = %+v", renamed)
	}
}

// parcel is keyed by a uuid assigned by the application.
type parcel struct {
	Ref    uuid.UUID
	curRef uuid.UUID
	Label  string
}

func parcelMapper(t *testing.T) *Mapper[parcel] {
	t.Helper()
	m, err := New[parcel](
		ManualKey("parcels", "ref", "Ref",
			func(e *parcel) uuid.UUID { return e.Ref },
			func(e *parcel, v uuid.UUID) { e.Ref = v },
			func(e *parcel) *uuid.UUID { return &e.curRef }),
		String("label", "Label", Read|Insert|Update,
			func(e *parcel) string { return e.Label },
			func(e *parcel, v string) { e.Label = v }),
	)
	assertNoError(t, err)
	return m
}

// TestSQLite_UUIDKey verifies the uuid key codec end to end: canonical text
// in the store, uuid values in memory.
func TestSQLite_UUIDKey(t *testing.T) {
	a := newSQLiteAgent(t)
	mustExec(t, a, `CREATE TABLE parcels (
		ref TEXT PRIMARY KEY,
		label TEXT NOT NULL
	)`)
	m := parcelMapper(t)
	ctx := context.Background()

	id := uuid.New()
	e := &parcel{Ref: id, Label: "fragile"}
	assertNoError(t, InsertEntity(ctx, a, m, e, ""))
	if e.curRef != id {
		t.Fatalf("key not promoted: %v", e.curRef)
	}

	got, err := Fetch(ctx, a, m, id)
	assertNoError(t, err)
	if got.Ref != id || got.Label != "fragile" {
		t.Fatalf("fetched parcel = %+v", got)
	}

	assertNoError(t, DeleteEntity(ctx, a, m, got))
	if got.Ref != uuid.Nil {
		t.Fatalf("key not cleared: %v", got.Ref)
	}
}

// TestSQLite_InitEntity verifies default materialization through a real
// init query.
func TestSQLite_InitEntity(t *testing.T) {
	a := newSQLiteAgent(t)
	createInvoiceTables(t, a)
	m := invoiceMapper(t, InitQuery("SELECT 'draft' AS Notes"))

	e, err := InitEntity(context.Background(), a, m)
	assertNoError(t, err)
	if e.Notes != "draft" || e.ID != 0 {
		t.Fatalf("initialized = %+v", e)
	}
}

// TestSQLite_TransactionVisibility verifies scope isolation: uncommitted
// rows are visible inside the scope, rolled back rows disappear, committed
// rows stay.
func TestSQLite_TransactionVisibility(t *testing.T) {
	a := newSQLiteAgent(t)
	createInvoiceTables(t, a)
	m := invoiceMapper(t)
	ctx := context.Background()

	txCtx, tx, err := a.Begin(ctx)
	assertNoError(t, err)
	e := &invoice{Number: "N-1", Amount: 1, Notes: "n"}
	assertNoError(t, InsertEntity(txCtx, a, m, e, ""))
	if _, err := Fetch(txCtx, a, m, e.ID); err != nil {
		t.Fatalf("uncommitted row invisible inside its scope: %v", err)
	}
	if err := tx.Rollback(nil); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := Fetch(ctx, a, m, e.ID); !errors.Is(err, ErrNoEntity) {
		t.Fatalf("rolled back row still present: %v", err)
	}

	txCtx, tx, err = a.Begin(ctx)
	assertNoError(t, err)
	e = &invoice{Number: "N-2", Amount: 2, Notes: "n"}
	assertNoError(t, InsertEntity(txCtx, a, m, e, ""))
	assertNoError(t, tx.Commit())
	if _, err := Fetch(ctx, a, m, e.ID); err != nil {
		t.Fatalf("committed row missing: %v", err)
	}
}

// TestSQLite_RunInTransaction verifies the managed scope against a real
// database: success commits, failure leaves nothing behind.
func TestSQLite_RunInTransaction(t *testing.T) {
	a := newSQLiteAgent(t)
	createInvoiceTables(t, a)
	m := invoiceMapper(t)
	ctx := context.Background()

	err := RunInTransaction(ctx, a, 3, func(txCtx context.Context) error {
		for _, n := range []string{"N-1", "N-2"} {
			if err := InsertEntity(txCtx, a, m, &invoice{Number: n, Amount: 1, Notes: "n"}, ""); err != nil {
				return err
			}
		}
		return nil
	})
	assertNoError(t, err)
	if n := countRows(t, a, "invoices"); n != 2 {
		t.Fatalf("rows after commit = %d, want 2", n)
	}

	boom := errors.New("boom")
	err = RunInTransaction(ctx, a, 3, func(txCtx context.Context) error {
		if err := InsertEntity(txCtx, a, m, &invoice{Number: "N-3", Amount: 1, Notes: "n"}, ""); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the fn error, got: %v", err)
	}
	if n := countRows(t, a, "invoices"); n != 2 {
		t.Fatalf("rows after rollback = %d, want 2", n)
	}
}
