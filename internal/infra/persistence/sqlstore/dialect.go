package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the few places where Postgres and SQLite disagree.
type Dialect struct {
	Name string
	// NumberedPlaceholders rewrites ? placeholders to $1, $2, ...
	NumberedPlaceholders bool
	// LockRows is appended to SELECTs that read rows a transaction is about
	// to rewrite. Empty where the database serializes writers itself.
	LockRows string
	// AutoIncrementPK is the column definition for surrogate integer keys.
	AutoIncrementPK string
	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation func(error) bool
}

// Rebind rewrites a query written with ? placeholders for the dialect.
// Question marks inside single-quoted literals are left untouched.
func (d Dialect) Rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (d Dialect) uniqueViolation(err error) bool {
	if err == nil || d.IsUniqueViolation == nil {
		return false
	}
	return d.IsUniqueViolation(err)
}
