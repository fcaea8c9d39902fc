package entmap

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is one materialized result row. Values are read by column label
// with typed getters; reading a NULL through a typed getter fails with a
// *NullValueError and an incompatible driver value fails with a
// *ConversionError. Getters never coerce silently beyond the documented
// conversions.
type Record interface {
	// Has reports whether the row carries the column.
	Has(col string) bool
	// IsNull reports whether the column holds SQL NULL.
	IsNull(col string) (bool, error)
	Bool(col string) (bool, error)
	Int(col string) (int64, error)
	Uint(col string) (uint64, error)
	Float(col string) (float64, error)
	String(col string) (string, error)
	Bytes(col string) ([]byte, error)
	// Time parses textual values with the given layouts, falling back to a
	// default layout set when none are supplied.
	Time(col string, layouts ...string) (time.Time, error)
	UUID(col string) (uuid.UUID, error)
}

// NullValueError reports a NULL read through a typed getter. It unwraps to
// ErrNullValue.
type NullValueError struct {
	Column string
}

func (e *NullValueError) Error() string {
	return "entmap: null value in column " + strconv.Quote(e.Column)
}

func (e *NullValueError) Unwrap() error { return ErrNullValue }

// ConversionError reports a driver value that cannot be converted to the
// requested type. It unwraps to ErrConversion.
type ConversionError struct {
	Column string
	Value  any
	Target string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("entmap: cannot convert %v (%T) to %s for column %q", e.Value, e.Value, e.Target, e.Column)
}

func (e *ConversionError) Unwrap() error { return ErrConversion }

// defaultTimeLayouts are tried in order when a Time getter receives text and
// the caller supplied no layouts. They cover RFC 3339 and the common
// space-separated database forms.
var defaultTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

type record struct {
	cols map[string]int
	vals []any
}

// Records drains rows into materialized records and closes them. The rows
// become unusable afterwards.
func Records(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	cols := make(map[string]int, len(names))
	for i, n := range names {
		cols[n] = i
	}

	var out []Record
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, &record{cols: cols, vals: vals})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *record) lookup(col string) (any, error) {
	if i, ok := r.cols[col]; ok {
		return r.vals[i], nil
	}
	for n, i := range r.cols {
		if strings.EqualFold(n, col) {
			return r.vals[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrColumnMissing, col)
}

func (r *record) Has(col string) bool {
	_, err := r.lookup(col)
	return err == nil
}

func (r *record) IsNull(col string) (bool, error) {
	v, err := r.lookup(col)
	if err != nil {
		return false, err
	}
	return v == nil, nil
}

// value resolves the column and rejects NULL, the shared prologue of every
// typed getter.
func (r *record) value(col string) (any, error) {
	v, err := r.lookup(col)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &NullValueError{Column: col}
	}
	return v, nil
}

func (r *record) Bool(col string) (bool, error) {
	v, err := r.value(col)
	if err != nil {
		return false, err
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	case float64:
		return t != 0, nil
	case []byte:
		if b, err := strconv.ParseBool(string(t)); err == nil {
			return b, nil
		}
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b, nil
		}
	}
	return false, &ConversionError{Column: col, Value: v, Target: "bool"}
}

func (r *record) Int(col string) (int64, error) {
	v, err := r.value(col)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case int64:
		return t, nil
	case float64:
		if t == math.Trunc(t) {
			return int64(t), nil
		}
	case []byte:
		if n, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return n, nil
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, nil
		}
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	}
	return 0, &ConversionError{Column: col, Value: v, Target: "int64"}
}

func (r *record) Uint(col string) (uint64, error) {
	v, err := r.value(col)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case int64:
		if t >= 0 {
			return uint64(t), nil
		}
	case float64:
		if t >= 0 && t == math.Trunc(t) {
			return uint64(t), nil
		}
	case []byte:
		if n, err := strconv.ParseUint(string(t), 10, 64); err == nil {
			return n, nil
		}
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, &ConversionError{Column: col, Value: v, Target: "uint64"}
}

func (r *record) Float(col string) (float64, error) {
	v, err := r.value(col)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case []byte:
		if f, err := strconv.ParseFloat(string(t), 64); err == nil {
			return f, nil
		}
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f, nil
		}
	}
	return 0, &ConversionError{Column: col, Value: v, Target: "float64"}
}

func (r *record) String(col string) (string, error) {
	v, err := r.value(col)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case time.Time:
		return t.Format(time.RFC3339Nano), nil
	}
	return "", &ConversionError{Column: col, Value: v, Target: "string"}
}

func (r *record) Bytes(col string) ([]byte, error) {
	v, err := r.lookup(col)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out, nil
	case string:
		return []byte(t), nil
	}
	return nil, &ConversionError{Column: col, Value: v, Target: "[]byte"}
}

func (r *record) Time(col string, layouts ...string) (time.Time, error) {
	v, err := r.value(col)
	if err != nil {
		return time.Time{}, err
	}
	var text string
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		text = t
	case []byte:
		text = string(t)
	default:
		return time.Time{}, &ConversionError{Column: col, Value: v, Target: "time.Time"}
	}
	if len(layouts) == 0 {
		layouts = defaultTimeLayouts
	}
	for _, l := range layouts {
		if ts, err := time.Parse(l, text); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, &ConversionError{Column: col, Value: v, Target: "time.Time"}
}

func (r *record) UUID(col string) (uuid.UUID, error) {
	v, err := r.value(col)
	if err != nil {
		return uuid.Nil, err
	}
	switch t := v.(type) {
	case uuid.UUID:
		return t, nil
	case string:
		if id, err := uuid.Parse(t); err == nil {
			return id, nil
		}
	case []byte:
		if len(t) == 16 {
			if id, err := uuid.FromBytes(t); err == nil {
				return id, nil
			}
		}
		if id, err := uuid.ParseBytes(t); err == nil {
			return id, nil
		}
	}
	return uuid.Nil, &ConversionError{Column: col, Value: v, Target: "uuid.UUID"}
}
