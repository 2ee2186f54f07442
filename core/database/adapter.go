package database

import (
	"fmt"
	"strings"

	"github.com/openmeasure/pointhouse/core/schema"
)

// Generic adapter pieces shared by all backends: transaction plumbing,
// DDL/INSERT construction from a schema, and bookkeeping-table
// creation. Backends call into these with themselves as the receiver.

// BeginTransaction opens the long-running transaction inserts run in.
func BeginTransaction(b Backend) error {
	return b.Stmt("BEGIN;")
}

// EndTransaction commits the current transaction.
func EndTransaction(b Backend) error {
	return b.Stmt("COMMIT;")
}

// ReopenTransaction commits the current transaction and opens a fresh
// one. If the commit fails (the transaction was poisoned by an earlier
// error) it is rolled back instead.
func ReopenTransaction(b Backend) error {
	if err := b.Stmt("COMMIT;"); err != nil {
		if err := b.Stmt("ROLLBACK;"); err != nil {
			return err
		}
	}
	return b.Stmt("BEGIN;")
}

// BuildTableDDL renders the CREATE TABLE statement for s, prepending
// the four metadata columns. A leading primary-key sentinel field maps
// to the backend's auto-assigned key spelling.
func BuildTableDDL(b Backend, s *schema.Schema) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, `CREATE TABLE "%s" (`, s.Name)

	first := true
	writeCol := func(name string, t schema.FieldType) error {
		m, ok := b.TypeMapping(t)
		if !ok {
			return fmt.Errorf("backend %s cannot store type %s (column '%s')", b.Name(), t, name)
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%s %s", name, m.DDL)
		return nil
	}

	fields := s.Fields
	if len(fields) > 0 && fields[0].Type == schema.TypePrimaryKey {
		if err := writeCol(fields[0].Name, schema.TypePrimaryKey); err != nil {
			return "", err
		}
		fields = fields[1:]
	}

	for _, f := range MetaFields {
		if err := writeCol(f.Name, f.Type); err != nil {
			return "", err
		}
	}
	for _, f := range fields {
		if err := writeCol(f.Name, f.Type); err != nil {
			return "", err
		}
	}

	sb.WriteString(");")
	return sb.String(), nil
}

// BuildInsertSQL renders the parameterised INSERT for s using the
// backend's placeholder syntax. The metadata columns take parameters
// 1..4, payload fields 5..4+N. A leading primary-key sentinel is
// omitted: the store assigns it.
func BuildInsertSQL(b Backend, s *schema.Schema) string {
	fields := s.Fields
	if len(fields) > 0 && fields[0].Type == schema.TypePrimaryKey {
		fields = fields[1:]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO "%s" (`, s.Name)

	for i, f := range MetaFields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Name)
	}
	for _, f := range fields {
		sb.WriteString(", ")
		sb.WriteString(f.Name)
	}

	sb.WriteString(") VALUES (")
	n := NMeta + len(fields)
	for i := 1; i <= n; i++ {
		if i > 1 {
			sb.WriteString(", ")
		}
		sb.WriteString(b.PreparedVar(i))
	}
	sb.WriteString(");")

	return sb.String()
}

// InsertStmtName returns the prepared-statement name for a table.
func InsertStmtName(table string) string {
	return "OMLInsert-" + table
}

// ScratchSize returns the per-parameter scratch buffer size for t
// under the backend's type map; variable-size types get a small
// initial buffer that grows on demand.
func ScratchSize(b Backend, t schema.FieldType) int {
	const maxDigits = 32

	m, ok := b.TypeMapping(t)
	if !ok || m.Size < 1 {
		return maxDigits
	}
	return m.Size
}

// createBookkeepingTables issues the DDL for _senders and
// _experiment_metadata on a fresh database.
func createBookkeepingTables(b Backend) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS "_senders" (id INTEGER PRIMARY KEY, name TEXT UNIQUE);`,
		`CREATE TABLE IF NOT EXISTS "_experiment_metadata" (key TEXT, value TEXT);`,
	}

	for _, stmt := range stmts {
		if err := b.Stmt(stmt); err != nil {
			return err
		}
	}
	return nil
}
