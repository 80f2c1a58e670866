package remote

import (
	"fmt"
	"strings"

	"fitsync/internal/database"
)

// Dialect covers the SQL differences between the supported remote databases.
type Dialect interface {
	Quote(ident string) string
	// Placeholder returns the bind marker for the n-th argument (1-based).
	Placeholder(n int) string
	// Upsert builds an insert that overwrites the row matching keys.
	Upsert(table string, columns, keys []string) string
}

func DialectFor(driver database.Driver) (Dialect, error) {
	switch driver {
	case database.MySQL:
		return MySQLDialect{}, nil
	case database.Postgres:
		return PostgresDialect{}, nil
	}
	return nil, fmt.Errorf("no remote dialect for driver %q", driver)
}

type MySQLDialect struct{}

func (MySQLDialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (MySQLDialect) Placeholder(int) string { return "?" }

func (d MySQLDialect) Upsert(table string, columns, keys []string) string {
	var b strings.Builder
	writeInsert(&b, d, table, columns)
	b.WriteString(" ON DUPLICATE KEY UPDATE ")
	first := true
	for _, c := range columns {
		if contains(keys, c) {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s = VALUES(%s)", d.Quote(c), d.Quote(c))
	}
	return b.String()
}

type PostgresDialect struct{}

func (PostgresDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (PostgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (d PostgresDialect) Upsert(table string, columns, keys []string) string {
	var b strings.Builder
	writeInsert(&b, d, table, columns)
	b.WriteString(" ON CONFLICT (")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Quote(k))
	}
	b.WriteString(") DO UPDATE SET ")
	first := true
	for _, c := range columns {
		if contains(keys, c) {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", d.Quote(c), d.Quote(c))
	}
	return b.String()
}

func writeInsert(b *strings.Builder, d Dialect, table string, columns []string) {
	fmt.Fprintf(b, "INSERT INTO %s (", d.Quote(table))
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Quote(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i + 1))
	}
	b.WriteString(")")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
