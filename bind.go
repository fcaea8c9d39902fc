package entmap

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// bind rewrites the :name placeholders of q into dialect placeholders and
// collects the driver arguments in emission order. It walks the input SQL
// with a small state machine so that names inside strings, quoted
// identifiers and comments pass through untouched. Params marked
// ReplaceInQuery are rendered into the text as SQL literals instead.
func bind(dialect Dialect, q string, params []Param, config Config) (string, []any, error) {
	// Last one wins when the same name is given twice.
	named := make(map[string]Param, len(params))
	for _, p := range params {
		named[p.Name] = p
	}

	// Rough estimate for number of placeholders (not exact, but helps sizing).
	est := strings.Count(q, ":") - strings.Count(q, "::")
	if est < 0 {
		est = 0
	}
	args := make([]any, 0, est)

	var buf strings.Builder
	// Small oversizing to reduce reallocations; some dialects emit longer tokens.
	extraPer := 1
	switch dialect {
	case Postgres, SQLServer:
		extraPer = 4
	}
	buf.Grow(len(q) + 16 + est*extraPer)

	n := 0
	var dqTag string // active dollar-quoted tag (Postgres-like)

	// State machine for safe parsing through strings, comments, identifiers, etc.
	const (
		sText = iota
		sSQ   // '...'
		sDQ   // "..."
		sBT   // `...` (MySQL/SQLite)
		sBR   // [...] (SQL Server)
		sLC   // line comment -- or # (MySQL only)
		sBC   // block comment /* ... */
		sDQD  // $tag$ ... $tag$ (dollar-quoted)
	)
	state := sText

	ensureAdd := func(cur, add int) error {
		if config.MaxParams > 0 && cur+add > config.MaxParams {
			return fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, cur+add, config.MaxParams)
		}
		return nil
	}

	for i := 0; i < len(q); {
		c := q[i]

		switch state {
		case sText:
			// Enter/exit helper states while preserving the raw text
			if c == '-' && i+1 < len(q) && q[i+1] == '-' {
				state = sLC
				buf.WriteString("--")
				i += 2
				continue
			}
			if c == '#' && dialect == MySQL {
				state = sLC
				buf.WriteByte('#')
				i++
				continue
			}
			if c == '/' && i+1 < len(q) && q[i+1] == '*' {
				state = sBC
				buf.WriteString("/*")
				i += 2
				continue
			}
			if c == '\'' {
				state = sSQ
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '"' {
				state = sDQ
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '`' && (dialect == MySQL || dialect == SQLite) {
				state = sBT
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '[' && dialect == SQLServer {
				state = sBR
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '$' {
				if tag, ok := readDollarTag(q[i:]); ok {
					state = sDQD
					dqTag = tag
					buf.WriteString(tag)
					i += len(tag)
					continue
				}
			}

			// :name
			if c == ':' && (i+1) < len(q) && q[i+1] != ':' && !(i > 0 && q[i-1] == ':') {
				j := i + 1
				if isAlphaUnderscore(q[j]) {
					k := j + 1
					for k < len(q) && isAlphaNumUnderscore(q[k]) {
						k++
					}
					name := q[j:k]

					// Check name length
					if config.MaxNameLen > 0 && len(name) > config.MaxNameLen {
						return "", nil, fmt.Errorf("%w: %q (%d > %d)", ErrParamNameTooLong, name, len(name), config.MaxNameLen)
					}

					p, ok := named[name]
					if !ok {
						return "", nil, fmt.Errorf("%w: %s", ErrParamMissing, name)
					}

					// Literal substitution bypasses driver binding entirely.
					if p.ReplaceInQuery {
						buf.WriteString(literal(p.Value))
						i = k
						continue
					}

					v := p.Value

					// driver.Valuer / []byte → single placeholder
					if _, ok := v.(driver.Valuer); ok {
						if err := ensureAdd(n, 1); err != nil {
							return "", nil, err
						}
						n++
						writePlaceholder(&buf, dialect, n)
						args = append(args, v)
						i = k
						continue
					}
					if bs, ok := v.([]byte); ok {
						if err := ensureAdd(n, 1); err != nil {
							return "", nil, err
						}
						n++
						writePlaceholder(&buf, dialect, n)
						args = append(args, bs)
						i = k
						continue
					}

					rv := reflect.ValueOf(v)

					if rv.IsValid() && rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
						// Treat any "byte slice-like" (even aliases) as a single byte placeholder
						if err := ensureAdd(n, 1); err != nil {
							return "", nil, err
						}
						n++
						writePlaceholder(&buf, dialect, n)
						// Converts to []byte if needed
						if rv.Type() != reflect.TypeOf([]byte(nil)) && rv.Type().ConvertibleTo(reflect.TypeOf([]byte(nil))) {
							args = append(args, rv.Convert(reflect.TypeOf([]byte(nil))).Interface())
						} else {
							args = append(args, v)
						}
						i = k
						continue
					}

					if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
						ln := rv.Len()
						if ln == 0 {
							return "", nil, fmt.Errorf("%w: %s", ErrSliceEmpty, name)
						}
						if err := ensureAdd(n, ln); err != nil {
							return "", nil, err
						}
						for t := 0; t < ln; t++ {
							if t > 0 {
								buf.WriteString(", ")
							}
							n++
							writePlaceholder(&buf, dialect, n)
							args = append(args, rv.Index(t).Interface())
						}
					} else {
						if err := ensureAdd(n, 1); err != nil {
							return "", nil, err
						}
						n++
						writePlaceholder(&buf, dialect, n)
						args = append(args, v)
					}
					i = k
					continue
				}
			}

			buf.WriteByte(c)
			i++

		case sSQ:
			if c == '\\' {
				buf.WriteByte(c)
				i++
				if i < len(q) {
					buf.WriteByte(q[i])
					i++
				}
				continue
			}
			buf.WriteByte(c)
			i++
			if c == '\'' {
				if i < len(q) && q[i] == '\'' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sDQ:
			if c == '\\' {
				buf.WriteByte(c)
				i++
				if i < len(q) {
					buf.WriteByte(q[i])
					i++
				}
				continue
			}
			buf.WriteByte(c)
			i++
			if c == '"' {
				if i < len(q) && q[i] == '"' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sBT:
			buf.WriteByte(c)
			i++
			if c == '`' {
				if i < len(q) && q[i] == '`' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sBR:
			buf.WriteByte(c)
			i++
			if c == ']' {
				if i < len(q) && q[i] == ']' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			buf.WriteByte(c)
			i++
			if c == '\n' || c == '\r' {
				state = sText
			}

		case sBC:
			buf.WriteByte(c)
			i++
			if c == '*' && i < len(q) && q[i] == '/' {
				buf.WriteByte('/')
				i++
				state = sText
			}

		case sDQD:
			if dqTag == "" {
				buf.WriteString(q[i:])
				i = len(q)
				break
			}
			p := strings.Index(q[i:], dqTag)
			if p < 0 {
				buf.WriteString(q[i:])
				i = len(q)
			} else {
				buf.WriteString(q[i : i+p])
				buf.WriteString(dqTag)
				i += p + len(dqTag)
				dqTag = ""
				state = sText
			}
		}
	}

	return buf.String(), args, nil
}

// writePlaceholder emits a dialect-specific placeholder token for argument idx.
func writePlaceholder(b *strings.Builder, d Dialect, idx int) {
	switch d {
	case Postgres:
		b.WriteByte('$')
		var tmp [20]byte
		n := strconv.AppendInt(tmp[:0], int64(idx), 10)
		b.Write(n)
	case SQLServer:
		b.WriteString("@p")
		var tmp [20]byte
		n := strconv.AppendInt(tmp[:0], int64(idx), 10)
		b.Write(n)
	default: // MySQL, SQLite
		b.WriteByte('?')
	}
}

// literal renders a ReplaceInQuery value as a SQL literal. Booleans render
// as 1/0 because not every supported dialect knows TRUE/FALSE.
func literal(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteLiteral(t)
	case []byte:
		return "X'" + strings.ToUpper(hex.EncodeToString(t)) + "'"
	case bool:
		if t {
			return "1"
		}
		return "0"
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return quoteLiteral(t.Format("2006-01-02 15:04:05"))
	case fmt.Stringer:
		return quoteLiteral(t.String())
	default:
		return quoteLiteral(fmt.Sprintf("%v", t))
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// isAlphaUnderscore reports whether b is [A-Za-z_] .
func isAlphaUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '_'
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return isAlphaUnderscore(b) || (b >= '0' && b <= '9')
}

// readDollarTag detects a dollar-quoted opening tag ("$tag$") at the start of s.
// It returns the full tag (e.g. "$tag$") and true if found.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	for j < len(s) && isAlphaNumUnderscore(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1], true
	}
	return "", false
}
