package entmap

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditRole marks a mapped property as one of the four audit stamps kept by
// StampInsert and StampUpdate.
type AuditRole uint8

const (
	auditNone AuditRole = iota
	// InsertedAt receives the stamp time on insert.
	InsertedAt
	// InsertedBy receives the acting user id on insert.
	InsertedBy
	// UpdatedAt receives the stamp time on update.
	UpdatedAt
	// UpdatedBy receives the acting user id on update.
	UpdatedBy
)

func (r AuditRole) String() string {
	switch r {
	case InsertedAt:
		return "InsertedAt"
	case InsertedBy:
		return "InsertedBy"
	case UpdatedAt:
		return "UpdatedAt"
	case UpdatedBy:
		return "UpdatedBy"
	}
	return "None"
}

// FieldOption tunes a single field declaration.
type FieldOption func(*fieldSettings)

type fieldSettings struct {
	def     string
	defSet  bool
	layouts []string
	scope   int
	scoped  bool
	audit   AuditRole
}

// Default substitutes s when a string property is empty after trimming, on
// both binding and loading. On nullable string properties it also replaces
// NULL.
func Default(s string) FieldOption {
	return func(fs *fieldSettings) {
		fs.def = s
		fs.defSet = true
	}
}

// Layouts sets the time layouts tried when loading a time property from
// text, in order of preference.
func Layouts(layouts ...string) FieldOption {
	return func(fs *fieldSettings) {
		fs.layouts = layouts
	}
}

// InScope assigns the field an update scope. Scoped updates include the
// field only when the requested scope matches, by equality or by bitwise
// AND when the mapping uses flag scopes. Fields without a scope are always
// included.
func InScope(scope int) FieldOption {
	return func(fs *fieldSettings) {
		fs.scope = scope
		fs.scoped = true
	}
}

// Audit assigns the field an audit role. Time roles require a time-kinded
// field and user roles a string-kinded field; New rejects the mapping
// otherwise.
func Audit(role AuditRole) FieldOption {
	return func(fs *fieldSettings) {
		fs.audit = role
	}
}

func applyFieldOptions(opts []FieldOption) fieldSettings {
	var fs fieldSettings
	for _, o := range opts {
		if o != nil {
			o(&fs)
		}
	}
	return fs
}

// fieldDecl is the mapper-side view of one mapped property. All field
// constructors return an implementation of it behind Decl.
type fieldDecl[T any] interface {
	Decl[T]
	check() error
	column() Column
	persistence() Persistence
	updateScope() (int, bool)
	auditRole() AuditRole
	param(*T) Param
	load(*T, Record) error
	stampTime(*T, time.Time) bool
	stampUser(*T, string) bool
}

// field carries the closures a constructor compiled for one property. The
// generic parameter V never escapes: the mapper only sees fieldDecl.
type field[T any, V any] struct {
	col    Column
	flags  Persistence
	scope  int
	scoped bool
	audit  AuditRole
	get    func(*T) V
	bind   func(V) any
	read   func(Record, string) (V, error)
	set    func(*T, V)
	tstamp func(*T, time.Time)
	ustamp func(*T, string)
}

func (f *field[T, V]) decl(*T) {}

func (f *field[T, V]) check() error {
	if f.get == nil || f.set == nil {
		return fmt.Errorf("%w: field %q needs get and set accessors", ErrBadDecl, f.col.Prop)
	}
	if f.col.Field == "" && f.flags&(Insert|Update) != 0 {
		return fmt.Errorf("%w: field %q has no database column but asks for insert or update", ErrBadDecl, f.col.Prop)
	}
	switch f.audit {
	case InsertedAt, UpdatedAt:
		if f.tstamp == nil {
			return fmt.Errorf("%w: audit role %s on field %q needs a time field", ErrBadDecl, f.audit, f.col.Prop)
		}
	case InsertedBy, UpdatedBy:
		if f.ustamp == nil {
			return fmt.Errorf("%w: audit role %s on field %q needs a string field", ErrBadDecl, f.audit, f.col.Prop)
		}
	}
	return nil
}

func (f *field[T, V]) column() Column           { return f.col }
func (f *field[T, V]) persistence() Persistence { return f.flags }
func (f *field[T, V]) updateScope() (int, bool) { return f.scope, f.scoped }
func (f *field[T, V]) auditRole() AuditRole     { return f.audit }

func (f *field[T, V]) param(e *T) Param {
	return Param{Name: f.col.Field, Value: f.bind(f.get(e))}
}

func (f *field[T, V]) load(e *T, rec Record) error {
	v, err := f.read(rec, f.col.Prop)
	if err != nil {
		return err
	}
	f.set(e, v)
	return nil
}

func (f *field[T, V]) stampTime(e *T, ts time.Time) bool {
	if f.tstamp == nil {
		return false
	}
	f.tstamp(e, ts)
	return true
}

func (f *field[T, V]) stampUser(e *T, user string) bool {
	if f.ustamp == nil {
		return false
	}
	f.ustamp(e, user)
	return true
}

func newField[T any, V any](dbField, prop string, p Persistence, st fieldSettings, get func(*T) V, set func(*T, V)) *field[T, V] {
	return &field[T, V]{
		col:    Column{Field: dbField, Prop: prop},
		flags:  p,
		scope:  st.scope,
		scoped: st.scoped,
		audit:  st.audit,
		get:    get,
		set:    set,
	}
}

// Bool maps a boolean property.
func Bool[T any, V ~bool](dbField, prop string, p Persistence, get func(*T) V, set func(*T, V), opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	f.bind = func(v V) any { return bool(v) }
	f.read = func(r Record, col string) (V, error) {
		b, err := r.Bool(col)
		return V(b), err
	}
	return f
}

// BoolPtr maps a nullable boolean property. A nil value binds as NULL and a
// NULL column loads as nil.
func BoolPtr[T any, V ~bool](dbField, prop string, p Persistence, get func(*T) *V, set func(*T, *V), opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	f.bind = func(v *V) any {
		if v == nil {
			return nil
		}
		return bool(*v)
	}
	f.read = func(r Record, col string) (*V, error) {
		return readPtr(r, col, func() (V, error) {
			b, err := r.Bool(col)
			return V(b), err
		})
	}
	return f
}

// Int maps a signed integer property.
func Int[T any, V ~int | ~int8 | ~int16 | ~int32 | ~int64](dbField, prop string, p Persistence, get func(*T) V, set func(*T, V), opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	f.bind = func(v V) any { return int64(v) }
	f.read = func(r Record, col string) (V, error) {
		n, err := r.Int(col)
		return V(n), err
	}
	return f
}

// IntPtr maps a nullable signed integer property.
func IntPtr[T any, V ~int | ~int8 | ~int16 | ~int32 | ~int64](dbField, prop string, p Persistence, get func(*T) *V, set func(*T, *V), opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	f.bind = func(v *V) any {
		if v == nil {
			return nil
		}
		return int64(*v)
	}
	f.read = func(r Record, col string) (*V, error) {
		return readPtr(r, col, func() (V, error) {
			n, err := r.Int(col)
			return V(n), err
		})
	}
	return f
}

// Uint maps an unsigned integer property.
func Uint[T any, V ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64](dbField, prop string, p Persistence, get func(*T) V, set func(*T, V), opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	f.bind = func(v V) any { return uint64(v) }
	f.read = func(r Record, col string) (V, error) {
		n, err := r.Uint(col)
		return V(n), err
	}
	return f
}

// UintPtr maps a nullable unsigned integer property.
func UintPtr[T any, V ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64](dbField, prop string, p Persistence, get func(*T) *V, set func(*T, *V), opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	f.bind = func(v *V) any {
		if v == nil {
			return nil
		}
		return uint64(*v)
	}
	f.read = func(r Record, col string) (*V, error) {
		return readPtr(r, col, func() (V, error) {
			n, err := r.Uint(col)
			return V(n), err
		})
	}
	return f
}

// Float maps a floating point property.
func Float[T any, V ~float32 | ~float64](dbField, prop string, p Persistence, get func(*T) V, set func(*T, V), opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	f.bind = func(v V) any { return float64(v) }
	f.read = func(r Record, col string) (V, error) {
		x, err := r.Float(col)
		return V(x), err
	}
	return f
}

// FloatPtr maps a nullable floating point property.
func FloatPtr[T any, V ~float32 | ~float64](dbField, prop string, p Persistence, get func(*T) *V, set func(*T, *V), opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	f.bind = func(v *V) any {
		if v == nil {
			return nil
		}
		return float64(*v)
	}
	f.read = func(r Record, col string) (*V, error) {
		return readPtr(r, col, func() (V, error) {
			x, err := r.Float(col)
			return V(x), err
		})
	}
	return f
}

// String maps a text property. Values are trimmed of surrounding whitespace
// on both binding and loading; see Default for empty-value substitution.
func String[T any, V ~string](dbField, prop string, p Persistence, get func(*T) V, set func(*T, V), opts ...FieldOption) Decl[T] {
	st := applyFieldOptions(opts)
	f := newField(dbField, prop, p, st, get, set)
	norm := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" && st.defSet {
			s = st.def
		}
		return s
	}
	f.bind = func(v V) any { return norm(string(v)) }
	f.read = func(r Record, col string) (V, error) {
		s, err := r.String(col)
		if err != nil {
			return "", err
		}
		return V(norm(s)), nil
	}
	f.ustamp = func(e *T, user string) { set(e, V(user)) }
	return f
}

// StringPtr maps a nullable text property. Non-nil values are trimmed; nil
// binds as NULL unless Default is set, in which case the default replaces
// both nil and empty values.
func StringPtr[T any, V ~string](dbField, prop string, p Persistence, get func(*T) *V, set func(*T, *V), opts ...FieldOption) Decl[T] {
	st := applyFieldOptions(opts)
	f := newField(dbField, prop, p, st, get, set)
	f.bind = func(v *V) any {
		if v == nil {
			if st.defSet {
				return st.def
			}
			return nil
		}
		s := strings.TrimSpace(string(*v))
		if s == "" && st.defSet {
			s = st.def
		}
		return s
	}
	f.read = func(r Record, col string) (*V, error) {
		null, err := r.IsNull(col)
		if err != nil {
			return nil, err
		}
		if null {
			if st.defSet {
				v := V(st.def)
				return &v, nil
			}
			return nil, nil
		}
		s, err := r.String(col)
		if err != nil {
			return nil, err
		}
		v := V(strings.TrimSpace(s))
		if v == "" && st.defSet {
			v = V(st.def)
		}
		return &v, nil
	}
	f.ustamp = func(e *T, user string) {
		v := V(user)
		set(e, &v)
	}
	return f
}

// Bytes maps a raw byte property. A nil slice binds as NULL and a NULL
// column loads as nil, so no pointer variant exists.
func Bytes[T any, V ~[]byte](dbField, prop string, p Persistence, get func(*T) V, set func(*T, V), opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	f.bind = func(v V) any {
		if v == nil {
			return nil
		}
		return []byte(v)
	}
	f.read = func(r Record, col string) (V, error) {
		b, err := r.Bytes(col)
		return V(b), err
	}
	return f
}

// Time maps a time property. Textual column values are parsed with the
// layouts from the Layouts option, or a default layout set.
func Time[T any](dbField, prop string, p Persistence, get func(*T) time.Time, set func(*T, time.Time), opts ...FieldOption) Decl[T] {
	st := applyFieldOptions(opts)
	f := newField(dbField, prop, p, st, get, set)
	f.bind = func(v time.Time) any { return v }
	f.read = func(r Record, col string) (time.Time, error) {
		return r.Time(col, st.layouts...)
	}
	f.tstamp = set
	return f
}

// TimePtr maps a nullable time property.
func TimePtr[T any](dbField, prop string, p Persistence, get func(*T) *time.Time, set func(*T, *time.Time), opts ...FieldOption) Decl[T] {
	st := applyFieldOptions(opts)
	f := newField(dbField, prop, p, st, get, set)
	f.bind = func(v *time.Time) any {
		if v == nil {
			return nil
		}
		return *v
	}
	f.read = func(r Record, col string) (*time.Time, error) {
		return readPtr(r, col, func() (time.Time, error) {
			return r.Time(col, st.layouts...)
		})
	}
	f.tstamp = func(e *T, ts time.Time) { set(e, &ts) }
	return f
}

// UUID maps a uuid property. Values bind as their canonical string form.
func UUID[T any](dbField, prop string, p Persistence, get func(*T) uuid.UUID, set func(*T, uuid.UUID), opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	f.bind = func(v uuid.UUID) any { return v.String() }
	f.read = func(r Record, col string) (uuid.UUID, error) {
		return r.UUID(col)
	}
	return f
}

// UUIDPtr maps a nullable uuid property.
func UUIDPtr[T any](dbField, prop string, p Persistence, get func(*T) *uuid.UUID, set func(*T, *uuid.UUID), opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	f.bind = func(v *uuid.UUID) any {
		if v == nil {
			return nil
		}
		return v.String()
	}
	f.read = func(r Record, col string) (*uuid.UUID, error) {
		return readPtr(r, col, func() (uuid.UUID, error) {
			return r.UUID(col)
		})
	}
	return f
}

// Enum maps an enumerated property. With a nil names table values travel as
// ordinals; otherwise they bind as their symbolic name and load from either
// representation.
func Enum[T any, V ~int | ~int8 | ~int16 | ~int32 | ~int64](dbField, prop string, p Persistence, get func(*T) V, set func(*T, V), names map[V]string, opts ...FieldOption) Decl[T] {
	f := newField(dbField, prop, p, applyFieldOptions(opts), get, set)
	var byName map[string]V
	if names != nil {
		byName = make(map[string]V, len(names))
		for v, n := range names {
			byName[n] = v
		}
	}
	f.bind = func(v V) any {
		if names != nil {
			if n, ok := names[v]; ok {
				return n
			}
		}
		return int64(v)
	}
	f.read = func(r Record, col string) (V, error) {
		if byName != nil {
			if s, err := r.String(col); err == nil {
				if v, ok := byName[strings.TrimSpace(s)]; ok {
					return v, nil
				}
			} else if errors.Is(err, ErrNullValue) {
				return 0, err
			}
		}
		n, err := r.Int(col)
		return V(n), err
	}
	return f
}

// readPtr maps NULL to nil and delegates everything else to read.
func readPtr[V any](r Record, col string, read func() (V, error)) (*V, error) {
	null, err := r.IsNull(col)
	if err != nil {
		return nil, err
	}
	if null {
		return nil, nil
	}
	v, err := read()
	if err != nil {
		return nil, err
	}
	return &v, nil
}
