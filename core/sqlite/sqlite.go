// Package sqlite is the SQLite storage backend, used for local and
// single-host deployments. It implements the common adapter contract
// over database/sql with the pure-Go driver.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openmeasure/pointhouse/core/database"
	"github.com/openmeasure/pointhouse/core/schema"
)

const (
	backendName = "sqlite"

	commitInterval = time.Second

	debug = false
)

var typeMap = map[schema.FieldType]database.TypeMapping{
	schema.TypePrimaryKey: {DDL: "INTEGER PRIMARY KEY AUTOINCREMENT", Size: 8},
	schema.TypeInt32:      {DDL: "INTEGER", Size: 4},
	schema.TypeUint32:     {DDL: "INTEGER", Size: 8}, // promoted, SQLite integers are signed
	schema.TypeInt64:      {DDL: "INTEGER", Size: 8},
	schema.TypeUint64:     {DDL: "INTEGER", Size: 8}, // sign may alias
	schema.TypeDouble:     {DDL: "REAL", Size: 8},
	schema.TypeBool:       {DDL: "INTEGER", Size: 1},
	schema.TypeString:     {DDL: "TEXT", Size: 0},
	schema.TypeBlob:       {DDL: "BLOB", Size: 0},
	schema.TypeGUID:       {DDL: "INTEGER", Size: 8},

	schema.TypeVectorInt32:  {DDL: "TEXT", Size: 0},
	schema.TypeVectorUint32: {DDL: "TEXT", Size: 0},
	schema.TypeVectorInt64:  {DDL: "TEXT", Size: 0},
	schema.TypeVectorUint64: {DDL: "TEXT", Size: 0},
	schema.TypeVectorDouble: {DDL: "TEXT", Size: 0},
	schema.TypeVectorBool:   {DDL: "TEXT", Size: 0},
}

type backend struct {
	dbName string
	path   string
	db     *sql.DB

	lastCommit int64
}

// sqliteTable is the backend state of one table: the prepared INSERT.
type sqliteTable struct {
	stmt *sql.Stmt
	args []interface{} // reused per row
}

// New opens (or creates) the experiment database file under dir.
func New(dir, name string) (database.Backend, error) {
	path := filepath.Join(dir, name+".sq3")
	log.Printf("sqlite:%s: Accessing database at %s", name, path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// the adapter owns one connection; BEGIN/COMMIT pairs must not be
	// spread over a pool
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not open database '%s': %w", path, err)
	}

	b := &backend{
		dbName:     name,
		path:       path,
		db:         db,
		lastCommit: time.Now().Unix(),
	}

	if err := database.BeginTransaction(b); err != nil {
		db.Close()
		return nil, err
	}

	return b, nil
}

func (b *backend) Name() string { return backendName }

func (b *backend) TypeMapping(t schema.FieldType) (database.TypeMapping, bool) {
	m, ok := typeMap[t]
	return m, ok
}

func (b *backend) PreparedVar(order int) string { return "?" }

func (b *backend) Stmt(stmt string) error {
	if debug {
		log.Printf("sqlite:%s: Will execute '%s'", b.dbName, stmt)
	}
	if _, err := b.db.Exec(stmt); err != nil {
		log.Printf("sqlite:%s: Error executing '%s': %s", b.dbName, stmt, err.Error())
		return err
	}
	return nil
}

func (b *backend) TableCreate(t *database.Table, shallow bool) error {
	s := t.Schema

	if !shallow {
		ddl, err := database.BuildTableDDL(b, s)
		if err != nil {
			return err
		}
		if err := b.Stmt(ddl); err != nil {
			return fmt.Errorf("could not create table '%s': %w", s.Name, err)
		}
	}

	stmt, err := b.db.Prepare(database.BuildInsertSQL(b, s))
	if err != nil {
		return fmt.Errorf("could not prepare insert for table '%s': %w", s.Name, err)
	}

	t.Handle = &sqliteTable{
		stmt: stmt,
		args: make([]interface{}, database.NMeta+len(s.Fields)),
	}
	return nil
}

func (b *backend) TableFree(t *database.Table) error {
	st, ok := t.Handle.(*sqliteTable)
	if !ok {
		return nil
	}
	t.Handle = nil
	return st.stmt.Close()
}

func (b *backend) Insert(t *database.Table, senderID, seq int32, tsClient, tsServer float64, values []schema.Value) error {
	st, ok := t.Handle.(*sqliteTable)
	if !ok {
		return fmt.Errorf("table '%s' has no backend handle", t.Schema.Name)
	}

	if now := time.Now().Unix(); now > b.lastCommit {
		if err := database.ReopenTransaction(b); err != nil {
			return err
		}
		b.lastCommit = now
	}

	st.args[0] = senderID
	st.args[1] = seq
	st.args[2] = tsClient
	st.args[3] = tsServer

	for k, v := range values {
		i := database.NMeta + k

		switch v.Type {
		case schema.TypeInt32:
			st.args[i] = v.Int32()
		case schema.TypeUint32:
			st.args[i] = int64(v.Uint32())
		case schema.TypeInt64:
			st.args[i] = v.Int64()
		case schema.TypeUint64:
			st.args[i] = int64(v.Uint64())
		case schema.TypeGUID:
			st.args[i] = int64(v.GUID())
		case schema.TypeDouble:
			st.args[i] = v.Double()
		case schema.TypeBool:
			if v.Bool() {
				st.args[i] = 1
			} else {
				st.args[i] = 0
			}
		case schema.TypeString:
			st.args[i] = v.Text()
		case schema.TypeBlob:
			st.args[i] = v.Blob()
		default:
			if !v.Type.IsVector() {
				return fmt.Errorf("unknown type %s in column %d of table '%s'", v.Type, k, t.Schema.Name)
			}
			st.args[i] = v.VectorJSON()
		}
	}

	if _, err := st.stmt.Exec(st.args...); err != nil {
		log.Printf("sqlite:%s: INSERT INTO '%s' failed: %s", b.dbName, t.Schema.Name, err.Error())
		return err
	}

	return nil
}

func (b *backend) GetKeyValue(table, keyColumn, valueColumn, key string) (string, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s=?;`, valueColumn, table, keyColumn)

	var value string
	err := b.db.QueryRow(query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (b *backend) SetKeyValue(table, keyColumn, valueColumn, key, value string) error {
	_, found, err := b.GetKeyValue(table, keyColumn, valueColumn, key)
	if err != nil {
		return err
	}

	var stmt string
	if !found {
		stmt = fmt.Sprintf(`INSERT INTO "%s" ("%s", "%s") VALUES (?, ?);`, table, keyColumn, valueColumn)
		_, err = b.db.Exec(stmt, key, value)
	} else {
		stmt = fmt.Sprintf(`UPDATE "%s" SET "%s"=? WHERE "%s"=?;`, table, valueColumn, keyColumn)
		_, err = b.db.Exec(stmt, value, key)
	}

	if err != nil {
		log.Printf("sqlite:%s: Key-value update failed for %s='%s' in %s(%s, %s): %s",
			b.dbName, key, value, table, keyColumn, valueColumn, err.Error())
	}
	return err
}

func (b *backend) GetMetadata(key string) (string, bool, error) {
	return b.GetKeyValue("_experiment_metadata", "key", "value", key)
}

func (b *backend) SetMetadata(key, value string) error {
	return b.SetKeyValue("_experiment_metadata", "key", "value", key, value)
}

func (b *backend) AddSenderID(name string) (int32, error) {
	if v, found, err := b.GetKeyValue("_senders", "name", "id", name); err != nil {
		return -1, err
	} else if found {
		id, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return -1, fmt.Errorf("corrupt sender id '%s' for '%s': %w", v, name, err)
		}
		return int32(id), nil
	}

	var index int32
	var max sql.NullInt64
	if err := b.db.QueryRow("SELECT MAX(id) FROM _senders;").Scan(&max); err != nil {
		log.Printf("sqlite:%s: Failed to get maximum sender id from database (restarting at 0): %s", b.dbName, err.Error())
		index = 0
	} else if !max.Valid {
		index = 0
	} else {
		index = int32(max.Int64) + 1
	}

	if err := b.SetKeyValue("_senders", "name", "id", name, strconv.Itoa(int(index))); err != nil {
		return -1, err
	}

	return index, nil
}

func (b *backend) URI(name string) string {
	return "file:" + b.path
}

func (b *backend) TableList() ([]database.TableDescr, error) {
	rows, err := b.db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite%';`)
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
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	haveMeta := false
	for _, name := range names {
		if name == "_experiment_metadata" {
			haveMeta = true
		}
	}
	if !haveMeta {
		return nil, nil
	}

	var tables []database.TableDescr
	for _, name := range names {
		switch name {
		case "_experiment_metadata":
			continue
		case "_senders":
			tables = append(tables, database.TableDescr{Name: name})
			continue
		}

		meta, found, err := b.GetMetadata("table_" + name)
		if err != nil {
			log.Printf("sqlite:%s: Could not get schema for table %s, ignoring it: %s", b.dbName, name, err.Error())
			continue
		}
		if !found {
			log.Printf("sqlite:%s: No schema for table %s, ignoring it", b.dbName, name)
			continue
		}

		_, s, err := schema.FromMeta(meta)
		if err != nil {
			log.Printf("sqlite:%s: Could not parse schema '%s' for table %s, ignoring it", b.dbName, meta, name)
			continue
		}

		tables = append(tables, database.TableDescr{Name: name, Schema: s})
	}

	return tables, nil
}

func (b *backend) Release() error {
	if err := database.EndTransaction(b); err != nil {
		log.Printf("sqlite:%s: Final commit failed: %s", b.dbName, err.Error())
	}
	return b.db.Close()
}
