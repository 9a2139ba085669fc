package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/getwebface/roomdb/internal/wire"
)

// Engine wraps the relational store for one room. All calls are expected to
// come from the room's session actor, one at a time.
type Engine struct {
	db   *sql.DB
	path string
}

// Open creates or opens the room database, enables WAL, and applies pending
// migrations. A migration failure closes the handle and is returned to the
// caller; the room must not come up half-migrated.
func Open(path string) (*Engine, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := sdb.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sdb.Close()
		return nil, err
	}
	if _, err := sdb.Exec("PRAGMA foreign_keys=ON"); err != nil {
		sdb.Close()
		return nil, err
	}

	e := &Engine{db: sdb, path: path}
	if err := e.applyMigrations(); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return e, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether s is safe to splice into SQL as an identifier.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}

// ValidTable is ValidIdent plus a refusal of internal tables.
func ValidTable(s string) bool {
	if !ValidIdent(s) {
		return false
	}
	if strings.HasPrefix(s, "sqlite_") || strings.HasPrefix(s, "_") {
		return false
	}
	return s != "schema_migrations"
}

// ValidateStatement enforces the statement whitelist for raw SQL from clients.
func ValidateStatement(query string) error {
	kw := firstKeyword(query)
	switch kw {
	case "SELECT", "WITH", "INSERT", "UPDATE", "DELETE":
		return nil
	case "CREATE":
		rest := strings.ToUpper(strings.TrimSpace(query))
		if strings.HasPrefix(rest, "CREATE TABLE") || strings.HasPrefix(rest, "CREATE INDEX") {
			return nil
		}
		return fmt.Errorf("statement not allowed: %s", kw)
	case "":
		return fmt.Errorf("empty statement")
	default:
		return fmt.Errorf("statement not allowed: %s", kw)
	}
}

func firstKeyword(query string) string {
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

func isReadStatement(query string) bool {
	kw := firstKeyword(query)
	return kw == "SELECT" || kw == "WITH"
}

// ValidateReadStatement restricts a statement to the read subset. Mutations
// have their own paths with subscriber fan-out; a raw read must not bypass it.
func ValidateReadStatement(query string) error {
	if err := ValidateStatement(query); err != nil {
		return err
	}
	if !isReadStatement(query) {
		return fmt.Errorf("statement not allowed in a query: %s", firstKeyword(query))
	}
	return nil
}

// ExecuteSQL runs one whitelisted statement. Read statements return their
// rows; everything else returns nil rows.
func (e *Engine) ExecuteSQL(query string, args ...any) ([]wire.Row, error) {
	if err := ValidateStatement(query); err != nil {
		return nil, err
	}
	if isReadStatement(query) {
		rows, err := e.db.Query(query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanRows(rows)
	}
	if _, err := e.db.Exec(query, args...); err != nil {
		return nil, err
	}
	return nil, nil
}

func scanRows(rows *sql.Rows) ([]wire.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []wire.Row{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(wire.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Schema introspects every user table. Internal tables are hidden.
func (e *Engine) Schema() ([]wire.TableDef, error) {
	rows, err := e.db.Query(
		"SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if ValidTable(name) {
			names = append(names, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	defs := make([]wire.TableDef, 0, len(names))
	for _, name := range names {
		cols, err := e.tableColumns(name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, wire.TableDef{Name: name, Columns: cols})
	}
	return defs, nil
}

func (e *Engine) tableColumns(table string) ([]wire.Column, error) {
	rows, err := e.db.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []wire.Column
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, wire.Column{
			Name:       name,
			Type:       ctype,
			NotNull:    notNull != 0,
			PrimaryKey: pk != 0,
			Default:    dflt.String,
		})
	}
	return cols, rows.Err()
}

// PrimaryKey returns the declared primary key column of a table, falling back
// to "id" for tables without one.
func (e *Engine) PrimaryKey(table string) (string, error) {
	cols, err := e.tableColumns(table)
	if err != nil {
		return "", err
	}
	for _, c := range cols {
		if c.PrimaryKey {
			return c.Name, nil
		}
	}
	return "id", nil
}

// QueryPage reads one LIMIT/OFFSET page of a table, newest rows first, plus
// the total row count.
func (e *Engine) QueryPage(table string, limit, offset int) ([]wire.Row, int, error) {
	if !ValidTable(table) {
		return nil, 0, fmt.Errorf("invalid table %q", table)
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := e.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %q", table)).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := e.db.Query(
		fmt.Sprintf("SELECT * FROM %q ORDER BY rowid DESC LIMIT ? OFFSET ?", table),
		limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// InsertRow inserts one row and returns it as stored, including generated
// columns.
func (e *Engine) InsertRow(table string, row wire.Row) (wire.Row, error) {
	if !ValidTable(table) {
		return nil, fmt.Errorf("invalid table %q", table)
	}
	if len(row) == 0 {
		return nil, fmt.Errorf("empty row")
	}

	stmt, args, err := buildInsert(table, row)
	if err != nil {
		return nil, err
	}
	res, err := e.db.Exec(stmt, args...)
	if err != nil {
		return nil, err
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return e.rowByRowid(table, rowid)
}

func buildInsert(table string, row wire.Row) (string, []any, error) {
	cols := make([]string, 0, len(row))
	for c := range row {
		if !ValidIdent(c) {
			return "", nil, fmt.Errorf("invalid column %q", c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
		marks[i] = "?"
		args[i] = row[c]
	}
	stmt := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		table, strings.Join(quoted, ", "), strings.Join(marks, ", "))
	return stmt, args, nil
}

func (e *Engine) rowByRowid(table string, rowid int64) (wire.Row, error) {
	rows, err := e.db.Query(fmt.Sprintf("SELECT * FROM %q WHERE rowid = ?", table), rowid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("inserted row not found")
	}
	return out[0], nil
}

// UpdateRow sets one field of the row identified by the table's primary key
// and returns the row as stored.
func (e *Engine) UpdateRow(table string, id any, field string, value any) (wire.Row, error) {
	if !ValidTable(table) {
		return nil, fmt.Errorf("invalid table %q", table)
	}
	if !ValidIdent(field) {
		return nil, fmt.Errorf("invalid column %q", field)
	}
	pk, err := e.PrimaryKey(table)
	if err != nil {
		return nil, err
	}

	res, err := e.db.Exec(
		fmt.Sprintf("UPDATE %q SET %q = ? WHERE %q = ?", table, field, pk),
		value, id,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("row %v not found in %s", id, table)
	}

	rows, err := e.db.Query(fmt.Sprintf("SELECT * FROM %q WHERE %q = ?", table, pk), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("row %v not found in %s", id, table)
	}
	return out[0], nil
}

// DeleteRow removes the row identified by the table's primary key.
func (e *Engine) DeleteRow(table string, id any) error {
	if !ValidTable(table) {
		return fmt.Errorf("invalid table %q", table)
	}
	pk, err := e.PrimaryKey(table)
	if err != nil {
		return err
	}
	res, err := e.db.Exec(fmt.Sprintf("DELETE FROM %q WHERE %q = ?", table, pk), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("row %v not found in %s", id, table)
	}
	return nil
}

// BatchInsert inserts every row inside one transaction and returns the rows
// as stored. Any failure rolls the whole batch back.
func (e *Engine) BatchInsert(table string, rows []wire.Row) ([]wire.Row, error) {
	if !ValidTable(table) {
		return nil, fmt.Errorf("invalid table %q", table)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	tx, err := e.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var rowids []int64
	for i, row := range rows {
		stmt, args, err := buildInsert(table, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		res, err := tx.Exec(stmt, args...)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rowid, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		rowids = append(rowids, rowid)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := make([]wire.Row, 0, len(rowids))
	for _, rowid := range rowids {
		row, err := e.rowByRowid(table, rowid)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

var columnTypes = map[string]string{
	"TEXT": "TEXT", "INTEGER": "INTEGER", "REAL": "REAL",
	"BLOB": "BLOB", "NUMERIC": "NUMERIC", "BOOLEAN": "BOOLEAN",
	"DATETIME": "DATETIME",
}

// CreateTable creates a user table. When no column is marked primary key an
// autoincrement id column is added so every table reconciles on a stable key.
func (e *Engine) CreateTable(table string, cols []wire.Column) error {
	if !ValidTable(table) {
		return fmt.Errorf("invalid table %q", table)
	}
	if len(cols) == 0 {
		return fmt.Errorf("no columns")
	}

	var defs []string
	hasPK := false
	for _, c := range cols {
		if !ValidIdent(c.Name) {
			return fmt.Errorf("invalid column %q", c.Name)
		}
		ctype, ok := columnTypes[strings.ToUpper(c.Type)]
		if !ok {
			ctype = "TEXT"
		}
		def := fmt.Sprintf("%q %s", c.Name, ctype)
		if c.PrimaryKey && !hasPK {
			def += " PRIMARY KEY"
			hasPK = true
		}
		if c.NotNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if !hasPK {
		defs = append([]string{`"id" INTEGER PRIMARY KEY AUTOINCREMENT`}, defs...)
	}

	_, err := e.db.Exec(fmt.Sprintf("CREATE TABLE %q (%s)", table, strings.Join(defs, ", ")))
	return err
}

// Usage summarizes how big the room is: table count, per-table row counts,
// and database file size.
func (e *Engine) Usage() (*wire.UsageSummary, error) {
	defs, err := e.Schema()
	if err != nil {
		return nil, err
	}

	usage := &wire.UsageSummary{
		TableCount: len(defs),
		RowCounts:  make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		var n int
		if err := e.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %q", d.Name)).Scan(&n); err != nil {
			return nil, err
		}
		usage.RowCounts[d.Name] = n
	}

	if info, err := os.Stat(e.path); err == nil {
		usage.SizeBytes = info.Size()
	}
	return usage, nil
}
