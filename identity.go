package entmap

import (
	"fmt"

	"github.com/google/uuid"
)

// KeyOption tunes a key declaration.
type KeyOption func(*keySettings)

type keySettings struct {
	updatable bool
	parent    string
	scope     int
	scoped    bool
	flags     bool
	fetchQ    string
	byParentQ string
	allQ      string
	initQ     string
}

// Updatable marks a manual key as renameable: updates then include the key
// column in their SET list and locate the row by its original value. The
// option has no effect on autoincrement keys.
func Updatable() KeyOption {
	return func(ks *keySettings) { ks.updatable = true }
}

// Parent names the column holding the parent key of a hierarchical table,
// enabling FetchByParent and FetchRoots.
func Parent(dbField string) KeyOption {
	return func(ks *keySettings) { ks.parent = dbField }
}

// KeyInScope assigns the key column an update scope, consulted only for
// updatable manual keys during scoped updates.
func KeyInScope(scope int) KeyOption {
	return func(ks *keySettings) {
		ks.scope = scope
		ks.scoped = true
	}
}

// ScopeFlags switches the whole mapping to flag scopes: a field belongs to
// a requested scope when the two values share a bit, instead of being equal.
func ScopeFlags() KeyOption {
	return func(ks *keySettings) { ks.flags = true }
}

// FetchQuery overrides the generated single-row fetch statement.
func FetchQuery(q string) KeyOption {
	return func(ks *keySettings) { ks.fetchQ = q }
}

// FetchByParentQuery overrides the generated fetch-by-parent statement.
func FetchByParentQuery(q string) KeyOption {
	return func(ks *keySettings) { ks.byParentQ = q }
}

// FetchAllQuery overrides the generated fetch-all statement.
func FetchAllQuery(q string) KeyOption {
	return func(ks *keySettings) { ks.allQ = q }
}

// InitQuery sets the statement used by InitEntity to materialize an
// instance with database-side defaults. There is no generated fallback.
func InitQuery(q string) KeyOption {
	return func(ks *keySettings) { ks.initQ = q }
}

func applyKeyOptions(opts []KeyOption) keySettings {
	var ks keySettings
	for _, o := range opts {
		if o != nil {
			o(&ks)
		}
	}
	return ks
}

// keyDecl is the mapper-side view of the identity declaration.
type keyDecl[T any] interface {
	Decl[T]
	check() error
	keyTable() string
	keyColumn() Column
	keyAuto() bool
	keyUpdatable() bool
	keyParent() string
	keyScope() (int, bool)
	keyScopeFlags() bool
	keyOverrides() keySettings
	keyParam(*T) any
	currentKeyParam(*T) any
	loadKey(*T, Record) error
	setAuto(*T, int64) error
	promote(*T) error
	clearKey(*T)
}

type key[T any, K comparable] struct {
	table string
	col   Column
	auto  bool
	ks    keySettings
	get   func(*T) K
	set   func(*T, K)
	cur   func(*T) *K
	bind  func(K) any
	read  func(Record, string) (K, error)
	conv  func(int64) K
}

// AutoKey declares an integer key assigned by the database. After an insert
// the generated value is written back through set; the key column never
// appears in inserts or updates.
func AutoKey[T any, K int | int32 | int64](table, dbField, prop string, get func(*T) K, set func(*T, K), opts ...KeyOption) Decl[T] {
	read, bind := keyCodec[K]()
	return &key[T, K]{
		table: table,
		col:   Column{Field: dbField, Prop: prop},
		auto:  true,
		ks:    applyKeyOptions(opts),
		get:   get,
		set:   set,
		bind:  bind,
		read:  read,
		conv:  intKeyConv[K](),
	}
}

// ManualKey declares a key assigned by the application. cur must point at a
// companion slot holding the key value currently persisted; updates and
// deletes locate the row through it, which keeps renames of Updatable keys
// addressable. PromoteKey synchronizes the slot after a successful write.
func ManualKey[T any, K int | int32 | int64 | string | uuid.UUID](table, dbField, prop string, get func(*T) K, set func(*T, K), cur func(*T) *K, opts ...KeyOption) Decl[T] {
	read, bind := keyCodec[K]()
	return &key[T, K]{
		table: table,
		col:   Column{Field: dbField, Prop: prop},
		ks:    applyKeyOptions(opts),
		get:   get,
		set:   set,
		cur:   cur,
		bind:  bind,
		read:  read,
	}
}

func (k *key[T, K]) decl(*T) {}

func (k *key[T, K]) check() error {
	if k.table == "" {
		return fmt.Errorf("%w: key needs a table name", ErrBadDecl)
	}
	if k.col.Field == "" {
		return fmt.Errorf("%w: key needs a database column", ErrBadDecl)
	}
	if k.get == nil || k.set == nil {
		return fmt.Errorf("%w: key %q needs get and set accessors", ErrBadDecl, k.col.Field)
	}
	if !k.auto && k.cur == nil {
		return fmt.Errorf("%w: manual key %q needs a current-value accessor", ErrBadDecl, k.col.Field)
	}
	return nil
}

func (k *key[T, K]) keyTable() string          { return k.table }
func (k *key[T, K]) keyColumn() Column         { return k.col }
func (k *key[T, K]) keyAuto() bool             { return k.auto }
func (k *key[T, K]) keyUpdatable() bool        { return !k.auto && k.ks.updatable }
func (k *key[T, K]) keyParent() string         { return k.ks.parent }
func (k *key[T, K]) keyScope() (int, bool)     { return k.ks.scope, k.ks.scoped }
func (k *key[T, K]) keyScopeFlags() bool       { return k.ks.flags }
func (k *key[T, K]) keyOverrides() keySettings { return k.ks }

func (k *key[T, K]) keyParam(e *T) any {
	return k.bind(k.get(e))
}

// currentKeyParam returns the persisted key value, the one WHERE clauses
// must bind. For autoincrement keys it coincides with the in-memory value.
func (k *key[T, K]) currentKeyParam(e *T) any {
	if k.auto {
		return k.bind(k.get(e))
	}
	return k.bind(*k.cur(e))
}

func (k *key[T, K]) loadKey(e *T, rec Record) error {
	v, err := k.read(rec, k.col.Prop)
	if err != nil {
		return err
	}
	k.set(e, v)
	if k.cur != nil {
		*k.cur(e) = v
	}
	return nil
}

func (k *key[T, K]) setAuto(e *T, id int64) error {
	if !k.auto {
		return ErrKeyNotAuto
	}
	k.set(e, k.conv(id))
	return nil
}

func (k *key[T, K]) promote(e *T) error {
	if k.auto {
		return ErrKeyAuto
	}
	*k.cur(e) = k.get(e)
	return nil
}

func (k *key[T, K]) clearKey(e *T) {
	var zero K
	k.set(e, zero)
	if k.cur != nil {
		*k.cur(e) = zero
	}
}

// keyCodec compiles the Record reader and driver normalization for a key
// type. Key columns are restricted to plain integer, string and uuid
// values, which keeps the dispatch static.
func keyCodec[K int | int32 | int64 | string | uuid.UUID]() (func(Record, string) (K, error), func(K) any) {
	var zero K
	switch any(zero).(type) {
	case int:
		return func(r Record, col string) (K, error) {
				n, err := r.Int(col)
				return any(int(n)).(K), err
			}, func(v K) any {
				return int64(any(v).(int))
			}
	case int32:
		return func(r Record, col string) (K, error) {
				n, err := r.Int(col)
				return any(int32(n)).(K), err
			}, func(v K) any {
				return int64(any(v).(int32))
			}
	case int64:
		return func(r Record, col string) (K, error) {
				n, err := r.Int(col)
				return any(n).(K), err
			}, func(v K) any {
				return any(v).(int64)
			}
	case string:
		return func(r Record, col string) (K, error) {
				s, err := r.String(col)
				return any(s).(K), err
			}, func(v K) any {
				return any(v).(string)
			}
	default:
		return func(r Record, col string) (K, error) {
				id, err := r.UUID(col)
				return any(id).(K), err
			}, func(v K) any {
				return any(v).(uuid.UUID).String()
			}
	}
}

func intKeyConv[K int | int32 | int64]() func(int64) K {
	return func(id int64) K { return K(id) }
}
