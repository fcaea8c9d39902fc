package entmap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Table is the metadata view a statement factory works from. *Mapper
// implements it; the factories in this package derive standard CRUD text
// from it and callers may supply their own.
type Table interface {
	// TableName returns the mapped table.
	TableName() string
	// KeyColumn returns the key column and its result name.
	KeyColumn() Column
	// KeyAutoIncrement reports whether the database assigns the key.
	KeyAutoIncrement() bool
	// KeyParamName returns the parameter name WHERE clauses bind the
	// current key value under. It differs from the key column only for
	// updatable manual keys, where the SET list claims the column name.
	KeyParamName() string
	// ParentColumn returns the parent column of a hierarchical table.
	ParentColumn() (string, bool)
	// SelectColumns returns the generated projection, key column first.
	SelectColumns() []Column
	// InsertColumns returns the columns of a generated insert.
	InsertColumns() []string
	// UpdateColumns returns the columns of a generated update for the
	// given scope. The last element is always the key column the WHERE
	// clause filters on; the preceding elements form the SET list.
	UpdateColumns(scope *int) []string
}

// keyAliases are the candidate WHERE parameter names for updatable manual
// keys, probed in order.
var keyAliases = [...]string{"AA", "AB", "AC", "AD", "AE", "AF", "AG", "AH", "AI", "AJ"}

// Factory overrides how Load and Init allocate instances of T. Without it
// the mapper uses new(T).
func Factory[T any](fn func() *T) Decl[T] {
	return &factoryDecl[T]{fn: fn}
}

type factoryDecl[T any] struct {
	fn func() *T
}

func (f *factoryDecl[T]) decl(*T) {}

// Mapper binds entity type T to a table: it derives statement text and
// parameter sets from the declarations given to New, loads instances from
// records and drives audit stamping, key lifecycle and children. A Mapper
// is immutable after New and safe for concurrent use; build one per entity
// type and share it.
type Mapper[T any] struct {
	key      keyDecl[T]
	fields   []fieldDecl[T]
	children []*childMap[T]
	newFn    func() *T
	alias    string

	insAt fieldDecl[T]
	insBy fieldDecl[T]
	updAt fieldDecl[T]
	updBy fieldDecl[T]

	stmt stmtCache
}

// stmtCache memoizes generated statement text. Slots fill on first use;
// concurrent first calls may both run the factory but a single result wins.
type stmtCache struct {
	fetch     atomic.Pointer[string]
	byParent  atomic.Pointer[string]
	roots     atomic.Pointer[string]
	all       atomic.Pointer[string]
	insert    atomic.Pointer[string]
	remove    atomic.Pointer[string]
	updateAll atomic.Pointer[string]
	update    sync.Map // int -> string
}

// New builds a Mapper from one key declaration, at least one field and any
// number of Children and Factory declarations. Declarations are validated
// here so that every later operation works from consistent metadata.
func New[T any](decls ...Decl[T]) (*Mapper[T], error) {
	m := &Mapper[T]{newFn: func() *T { return new(T) }}
	for _, d := range decls {
		switch t := d.(type) {
		case nil:
			return nil, fmt.Errorf("%w: nil declaration", ErrBadDecl)
		case keyDecl[T]:
			if m.key != nil {
				return nil, fmt.Errorf("%w: second key for table %q", ErrNoKey, t.keyTable())
			}
			m.key = t
		case fieldDecl[T]:
			m.fields = append(m.fields, t)
		case *childMap[T]:
			if err := t.check(); err != nil {
				return nil, fmt.Errorf("%w: children need a load or save function", ErrBadDecl)
			}
			m.children = append(m.children, t)
		case *factoryDecl[T]:
			if t.fn == nil {
				return nil, fmt.Errorf("%w: nil factory", ErrBadDecl)
			}
			m.newFn = t.fn
		default:
			return nil, fmt.Errorf("%w: %T", ErrBadDecl, d)
		}
	}
	if m.key == nil {
		return nil, ErrNoKey
	}
	if len(m.fields) == 0 {
		return nil, ErrNoFields
	}
	if err := m.key.check(); err != nil {
		return nil, err
	}
	for _, f := range m.fields {
		if err := f.check(); err != nil {
			return nil, err
		}
		if err := m.claimAudit(f); err != nil {
			return nil, err
		}
	}
	if err := m.resolveAlias(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mapper[T]) claimAudit(f fieldDecl[T]) error {
	role := f.auditRole()
	if role == auditNone {
		return nil
	}
	var slot *fieldDecl[T]
	switch role {
	case InsertedAt:
		slot = &m.insAt
	case InsertedBy:
		slot = &m.insBy
	case UpdatedAt:
		slot = &m.updAt
	case UpdatedBy:
		slot = &m.updBy
	default:
		return fmt.Errorf("%w: unknown audit role on field %q", ErrBadDecl, f.column().Prop)
	}
	if *slot != nil {
		return fmt.Errorf("%w: duplicate audit role %s", ErrBadDecl, role)
	}
	*slot = f
	return nil
}

// resolveAlias picks the WHERE parameter name for the key. Only updatable
// manual keys need an alias distinct from the column, because SET and
// WHERE then bind different values of the same column in one statement.
func (m *Mapper[T]) resolveAlias() error {
	if m.key.keyAuto() || !m.key.keyUpdatable() {
		m.alias = m.key.keyColumn().Field
		return nil
	}
	for _, cand := range keyAliases {
		if !m.aliasTaken(cand) {
			m.alias = cand
			return nil
		}
	}
	return ErrAliasExhausted
}

func (m *Mapper[T]) aliasTaken(cand string) bool {
	if strings.EqualFold(cand, m.key.keyColumn().Field) {
		return true
	}
	for _, f := range m.fields {
		if strings.EqualFold(cand, f.column().Field) {
			return true
		}
	}
	return false
}

// TableName returns the mapped table.
func (m *Mapper[T]) TableName() string { return m.key.keyTable() }

// KeyColumn returns the key column and its result name.
func (m *Mapper[T]) KeyColumn() Column { return m.key.keyColumn() }

// KeyAutoIncrement reports whether the database assigns the key.
func (m *Mapper[T]) KeyAutoIncrement() bool { return m.key.keyAuto() }

// KeyParamName returns the parameter name WHERE clauses bind the current
// key value under.
func (m *Mapper[T]) KeyParamName() string { return m.alias }

// ParentColumn returns the parent column declared with Parent.
func (m *Mapper[T]) ParentColumn() (string, bool) {
	p := m.key.keyParent()
	return p, p != ""
}

// ScopeIsFlag reports whether the mapping compares update scopes by shared
// bits instead of equality.
func (m *Mapper[T]) ScopeIsFlag() bool { return m.key.keyScopeFlags() }

// SelectColumns returns the generated projection: the key column first,
// then every Read field with a database column, in declaration order.
func (m *Mapper[T]) SelectColumns() []Column {
	out := make([]Column, 0, len(m.fields)+1)
	out = append(out, m.key.keyColumn())
	for _, f := range m.fields {
		c := f.column()
		if c.Field == "" || !f.persistence().Has(Read) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// InsertColumns returns the columns of a generated insert: every Insert
// field in declaration order, then the key column when the application
// assigns it.
func (m *Mapper[T]) InsertColumns() []string {
	var out []string
	for _, f := range m.fields {
		if f.persistence().Has(Insert) {
			out = append(out, f.column().Field)
		}
	}
	if !m.key.keyAuto() {
		out = append(out, m.key.keyColumn().Field)
	}
	return out
}

// UpdateColumns returns the columns of a generated update for the given
// scope; nil means a full update. The key column leads the SET list when
// the key is updatable and inside the scope, and always terminates the
// slice as the WHERE column. UpdateParams produces values in matching
// order, so the two slices always have equal length.
func (m *Mapper[T]) UpdateColumns(scope *int) []string {
	var out []string
	if m.keyInUpdate(scope) {
		out = append(out, m.key.keyColumn().Field)
	}
	for _, f := range m.fields {
		if !f.persistence().Has(Update) {
			continue
		}
		fs, scoped := f.updateScope()
		if !m.scopeMatch(fs, scoped, scope) {
			continue
		}
		out = append(out, f.column().Field)
	}
	return append(out, m.key.keyColumn().Field)
}

func (m *Mapper[T]) keyInUpdate(scope *int) bool {
	if m.key.keyAuto() || !m.key.keyUpdatable() {
		return false
	}
	ks, scoped := m.key.keyScope()
	return m.scopeMatch(ks, scoped, scope)
}

// scopeMatch implements scope membership: unscoped members and nil scopes
// always match, flag mappings compare by bitwise AND, the rest by equality.
func (m *Mapper[T]) scopeMatch(fieldScope int, scoped bool, scope *int) bool {
	if scope == nil || !scoped {
		return true
	}
	if m.key.keyScopeFlags() {
		return fieldScope&*scope != 0
	}
	return fieldScope == *scope
}

// InsertParams returns the parameter set of an insert for e: one Param per
// Insert field, the key value when it is application-assigned, then extra.
func (m *Mapper[T]) InsertParams(e *T, extra ...Param) ([]Param, error) {
	if e == nil {
		return nil, ErrNilInstance
	}
	var out []Param
	for _, f := range m.fields {
		if f.persistence().Has(Insert) {
			out = append(out, f.param(e))
		}
	}
	if !m.key.keyAuto() {
		out = append(out, Param{Name: m.key.keyColumn().Field, Value: m.key.keyParam(e)})
	}
	return append(out, extra...), nil
}

// UpdateParams returns the parameter set of an update for e, in the order
// of UpdateColumns(scope). The final Param binds the current key value
// under KeyParamName, which is what lets updatable keys be renamed.
func (m *Mapper[T]) UpdateParams(e *T, scope *int) ([]Param, error) {
	if e == nil {
		return nil, ErrNilInstance
	}
	var out []Param
	if m.keyInUpdate(scope) {
		out = append(out, Param{Name: m.key.keyColumn().Field, Value: m.key.keyParam(e)})
	}
	for _, f := range m.fields {
		if !f.persistence().Has(Update) {
			continue
		}
		fs, scoped := f.updateScope()
		if !m.scopeMatch(fs, scoped, scope) {
			continue
		}
		out = append(out, f.param(e))
	}
	return append(out, Param{Name: m.alias, Value: m.key.currentKeyParam(e)}), nil
}

// DeleteParams returns the single WHERE parameter of a delete for e, bound
// to the current key value under KeyParamName.
func (m *Mapper[T]) DeleteParams(e *T) ([]Param, error) {
	if e == nil {
		return nil, ErrNilInstance
	}
	return []Param{{Name: m.alias, Value: m.key.currentKeyParam(e)}}, nil
}

// StampInsert writes the insert audit stamps on e. When an InsertedBy
// field is mapped, a blank userID fails before any field is touched.
func (m *Mapper[T]) StampInsert(e *T, userID string) error {
	if e == nil {
		return ErrNilInstance
	}
	return stamp(e, m.insAt, m.insBy, userID)
}

// StampUpdate writes the update audit stamps on e, with the same blank
// userID rule as StampInsert.
func (m *Mapper[T]) StampUpdate(e *T, userID string) error {
	if e == nil {
		return ErrNilInstance
	}
	return stamp(e, m.updAt, m.updBy, userID)
}

func stamp[T any](e *T, at, by fieldDecl[T], userID string) error {
	if by != nil {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return ErrBlankUserID
		}
	}
	if at != nil {
		at.stampTime(e, time.Now())
	}
	if by != nil {
		by.stampUser(e, userID)
	}
	return nil
}

// Load materializes a new instance from a fetched record: the key first,
// when it has a result name, then every Read field. Fields without a
// database column are skipped when the record does not carry them, since
// they only appear in hand-written projections.
func (m *Mapper[T]) Load(rec Record) (*T, error) {
	return m.materialize(rec, Read, true)
}

// Init materializes a new instance from an init-query record, loading Init
// fields only. The key is left at its zero value.
func (m *Mapper[T]) Init(rec Record) (*T, error) {
	return m.materialize(rec, Init, false)
}

func (m *Mapper[T]) materialize(rec Record, flag Persistence, withKey bool) (*T, error) {
	if rec == nil {
		return nil, ErrNilRecord
	}
	e := m.newFn()
	if e == nil {
		return nil, ErrNilInstance
	}
	if withKey && m.key.keyColumn().Prop != "" {
		if err := m.key.loadKey(e, rec); err != nil {
			return nil, err
		}
	}
	for _, f := range m.fields {
		if !f.persistence().Has(flag) {
			continue
		}
		c := f.column()
		if c.Prop == "" {
			continue
		}
		if c.Field == "" && !rec.Has(c.Prop) {
			continue
		}
		if err := f.load(e, rec); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadChildren runs the load half of every Children declaration against e,
// in declaration order. The first failure aborts the sequence.
func (m *Mapper[T]) LoadChildren(ctx context.Context, a *Agent, e *T) error {
	if e == nil {
		return ErrNilInstance
	}
	pk := m.key.currentKeyParam(e)
	for _, c := range m.children {
		if c.load == nil {
			continue
		}
		if err := c.load(ctx, a, e, pk); err != nil {
			return err
		}
	}
	return nil
}

// SaveChildren runs the save half of every Children declaration against e,
// forwarding userID and the scope so children persist under the same rules
// as the parent.
func (m *Mapper[T]) SaveChildren(ctx context.Context, a *Agent, e *T, userID string, scope *int) error {
	if e == nil {
		return ErrNilInstance
	}
	pk := m.key.currentKeyParam(e)
	for _, c := range m.children {
		if c.save == nil {
			continue
		}
		if err := c.save(ctx, a, e, pk, userID, scope, m.key.keyScopeFlags()); err != nil {
			return err
		}
	}
	return nil
}

// SetAutoKey writes a database-generated key value back to e. It fails
// with ErrKeyNotAuto on manual-key mappings.
func (m *Mapper[T]) SetAutoKey(e *T, id int64) error {
	if e == nil {
		return ErrNilInstance
	}
	return m.key.setAuto(e, id)
}

// PromoteKey records the in-memory key of e as its persisted value, to be
// called after a successful manual-key insert or update. It fails with
// ErrKeyAuto on autoincrement mappings.
func (m *Mapper[T]) PromoteKey(e *T) error {
	if e == nil {
		return ErrNilInstance
	}
	return m.key.promote(e)
}

// ClearKey resets the key of e to its zero value after a delete, for both
// key kinds.
func (m *Mapper[T]) ClearKey(e *T) error {
	if e == nil {
		return ErrNilInstance
	}
	m.key.clearKey(e)
	return nil
}

// FetchStatement returns the single-row fetch text: the declared override
// when present, otherwise the factory result memoized on first call.
func (m *Mapper[T]) FetchStatement(f func(Table) string) string {
	if q := m.key.keyOverrides().fetchQ; q != "" {
		return q
	}
	return getOrAdd(&m.stmt.fetch, m, f)
}

// FetchByParentStatement returns the fetch-by-parent text, override first.
func (m *Mapper[T]) FetchByParentStatement(f func(Table) string) string {
	if q := m.key.keyOverrides().byParentQ; q != "" {
		return q
	}
	return getOrAdd(&m.stmt.byParent, m, f)
}

// FetchRootsStatement returns the text selecting rows without a parent.
func (m *Mapper[T]) FetchRootsStatement(f func(Table) string) string {
	return getOrAdd(&m.stmt.roots, m, f)
}

// FetchAllStatement returns the whole-table fetch text, override first.
func (m *Mapper[T]) FetchAllStatement(f func(Table) string) string {
	if q := m.key.keyOverrides().allQ; q != "" {
		return q
	}
	return getOrAdd(&m.stmt.all, m, f)
}

// InsertStatement returns the insert text memoized on first call. The
// names of extra must be stable across calls for a given mapping, since
// the cached text embeds them.
func (m *Mapper[T]) InsertStatement(f func(Table, []Param) string, extra ...Param) string {
	return getOrAdd(&m.stmt.insert, m, func(t Table) string { return f(t, extra) })
}

// UpdateStatement returns the update text for the given scope, memoized
// per scope value with a distinct slot for nil.
func (m *Mapper[T]) UpdateStatement(scope *int, f func(Table, *int) string) string {
	if scope == nil {
		return getOrAdd(&m.stmt.updateAll, m, func(t Table) string { return f(t, nil) })
	}
	if v, ok := m.stmt.update.Load(*scope); ok {
		return v.(string)
	}
	text := f(m, scope)
	actual, _ := m.stmt.update.LoadOrStore(*scope, text)
	return actual.(string)
}

// DeleteStatement returns the delete text memoized on first call.
func (m *Mapper[T]) DeleteStatement(f func(Table) string) string {
	return getOrAdd(&m.stmt.remove, m, f)
}

// InitStatement returns the declared init query, if any. Init text is
// never generated.
func (m *Mapper[T]) InitStatement() (string, bool) {
	q := m.key.keyOverrides().initQ
	return q, q != ""
}

// getOrAdd fills a statement slot on first use. Concurrent first calls may
// each run the factory; the compare-and-swap picks one winner and every
// caller observes the same text afterwards.
func getOrAdd(slot *atomic.Pointer[string], t Table, f func(Table) string) string {
	if s := slot.Load(); s != nil {
		return *s
	}
	text := f(t)
	if slot.CompareAndSwap(nil, &text) {
		return text
	}
	return *slot.Load()
}
