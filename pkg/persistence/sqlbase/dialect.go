package sqlbase

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name string

	// numbered reports whether placeholders are written $1, $2 instead of ?.
	numbered bool

	migrationsTable string
}

var (
	// SQLite is the dialect of modernc.org/sqlite.
	SQLite = Dialect{
		Name: "sqlite",
		migrationsTable: `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
			);
		`,
	}

	// Postgres is the dialect of github.com/lib/pq.
	Postgres = Dialect{
		Name:     "postgres",
		numbered: true,
		migrationsTable: `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			);
		`,
	}
)

// Rebind rewrites ? placeholders into the dialect's placeholder syntax.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}

	var builder strings.Builder

	builder.Grow(len(query) + 8)

	n := 0

	for _, char := range query {
		if char != '?' {
			builder.WriteRune(char)

			continue
		}

		n++
		builder.WriteByte('$')
		builder.WriteString(strconv.Itoa(n))
	}

	return builder.String()
}
