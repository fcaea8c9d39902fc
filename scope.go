package entmap

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
)

// TxMode selects how an Agent publishes the transaction a Begin opened.
type TxMode int

const (
	// TxContext returns a derived context from Begin; statements resolve
	// their scope from the context they are called with. Concurrent scopes
	// on one Agent are fine as long as each keeps to its own context.
	TxContext TxMode = iota
	// TxAgent stores the open transaction on the Agent itself, giving the
	// whole Agent a single scope at a time. It exists for code that cannot
	// thread a context through, and inherits that model's limits.
	TxAgent
)

func (m TxMode) String() string {
	if m == TxAgent {
		return "agent"
	}
	return "context"
}

// Tx is one transaction scope: a dedicated connection with an open
// transaction on it. It is finished by exactly one Commit or Rollback;
// both dispose the connection exactly once.
type Tx struct {
	a    *Agent
	conn *sql.Conn
	tx   *sql.Tx

	done    atomic.Bool
	relOnce sync.Once
}

type txCtxKey struct{}

// WithTx returns a copy of ctx carrying t, the registration Begin performs
// in TxContext mode. It lets a scope be handed across API boundaries that
// rebuild their context.
func WithTx(ctx context.Context, t *Tx) context.Context {
	return context.WithValue(ctx, txCtxKey{}, t)
}

// TxFrom returns the scope carried by ctx, if any. The scope may already
// be finished; statement routing checks that separately.
func TxFrom(ctx context.Context) (*Tx, bool) {
	t, ok := ctx.Value(txCtxKey{}).(*Tx)
	return t, ok
}

// Begin opens a transaction scope on a dedicated connection. It fails with
// ErrTxActive when the resolved scope already holds a live transaction: in
// TxContext mode that means ctx, in TxAgent mode the Agent itself. The
// returned context carries the scope in TxContext mode and is ctx
// unchanged otherwise.
func (a *Agent) Begin(ctx context.Context) (context.Context, *Tx, error) {
	if a.config.TxMode == TxAgent {
		a.mu.Lock()
		live := a.tx != nil && !a.tx.finished()
		a.mu.Unlock()
		if live {
			return ctx, nil, ErrTxActive
		}
	} else {
		if t, ok := TxFrom(ctx); ok && !t.finished() {
			return ctx, nil, ErrTxActive
		}
	}

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return ctx, nil, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return ctx, nil, err
	}
	t := &Tx{a: a, conn: conn, tx: tx}

	if a.config.TxMode == TxAgent {
		a.mu.Lock()
		if a.tx != nil && !a.tx.finished() {
			a.mu.Unlock()
			tx.Rollback()
			conn.Close()
			return ctx, nil, ErrTxActive
		}
		a.tx = t
		a.mu.Unlock()
		a.logScope(ctx, "begin")
		return ctx, t, nil
	}

	a.logScope(ctx, "begin")
	return WithTx(ctx, t), t, nil
}

// Commit commits the scope and disposes its connection. A second call, or
// a call after Rollback, fails with ErrTxFinished.
func (t *Tx) Commit() error {
	if !t.done.CompareAndSwap(false, true) {
		return ErrTxFinished
	}
	err := t.tx.Commit()
	t.release()
	t.detach()
	t.a.logScope(context.Background(), "commit")
	return err
}

// Rollback rolls the scope back and disposes its connection, then returns
// cause so call sites can roll back and propagate in one expression. A
// rollback that fails only because the transaction or connection is
// already gone is treated as done; any other rollback error is joined with
// cause. Calling Rollback on a finished scope just returns cause.
func (t *Tx) Rollback(cause error) error {
	if !t.done.CompareAndSwap(false, true) {
		return cause
	}
	rbErr := t.tx.Rollback()
	if errors.Is(rbErr, sql.ErrTxDone) || errors.Is(rbErr, sql.ErrConnDone) || errors.Is(rbErr, driver.ErrBadConn) {
		rbErr = nil
	}
	t.release()
	t.detach()
	t.a.logScope(context.Background(), "rollback")
	if rbErr == nil {
		return cause
	}
	if cause == nil {
		return rbErr
	}
	return errors.Join(cause, rbErr)
}

func (t *Tx) finished() bool {
	return t.done.Load()
}

// release returns the dedicated connection to the pool. Safe to call more
// than once; disposal errors are swallowed because the transaction outcome
// is already decided by the time the connection goes back.
func (t *Tx) release() {
	t.relOnce.Do(func() {
		if t.conn != nil {
			t.conn.Close()
		}
	})
}

// detach clears the agent slot in TxAgent mode so a next Begin can run.
func (t *Tx) detach() {
	if t.a == nil || t.a.config.TxMode != TxAgent {
		return
	}
	t.a.mu.Lock()
	if t.a.tx == t {
		t.a.tx = nil
	}
	t.a.mu.Unlock()
}
