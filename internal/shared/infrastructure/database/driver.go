package database

import (
	"strconv"
	"strings"
	"time"
)

// Driver represents a database backend type.
type Driver string

const (
	// DriverPostgres represents PostgreSQL database.
	DriverPostgres Driver = "postgres"
	// DriverSQLite represents SQLite database.
	DriverSQLite Driver = "sqlite"
)

// String returns the string representation of the driver.
func (d Driver) String() string {
	return string(d)
}

// IsValid returns true if the driver is a known type.
func (d Driver) IsValid() bool {
	switch d {
	case DriverPostgres, DriverSQLite:
		return true
	default:
		return false
	}
}

// DetectDriver parses a connection string and returns the driver type.
// An empty URL selects SQLite so the service runs with zero configuration.
func DetectDriver(url string) Driver {
	if url == "" {
		return DriverSQLite
	}

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DriverPostgres
	}

	if strings.HasPrefix(url, "sqlite://") ||
		strings.HasPrefix(url, "file:") ||
		strings.HasSuffix(url, ".db") ||
		strings.HasSuffix(url, ".sqlite") ||
		strings.HasSuffix(url, ".sqlite3") {
		return DriverSQLite
	}

	return DriverPostgres
}

// Rebind rewrites '?' placeholders into the driver's native form.
// Queries in this module are written once with '?' and rebound for PostgreSQL.
func Rebind(d Driver, query string) string {
	if d != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime encodes t as the UTC text representation used in every table.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime decodes a timestamp written by FormatTime.
// RFC3339 values are accepted for rows written by hand.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// BoolToInt encodes a bool for INTEGER flag columns.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
