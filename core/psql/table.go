package psql

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/openmeasure/pointhouse/core/database"
	"github.com/openmeasure/pointhouse/core/schema"
	"github.com/openmeasure/pointhouse/core/uri"
)

// TableCreate issues the DDL (unless shallow), prepares the INSERT
// statement and allocates the per-parameter scratch buffers.
func (b *backend) TableCreate(t *database.Table, shallow bool) error {
	s := t.Schema

	if debug {
		log.Printf("psql:%s: Creating table '%s' (shallow=%v)", b.dbName, s.Name, shallow)
	}

	if t.Handle != nil {
		log.Printf("psql:%s: BUG: Recreating table handle for table %s", b.dbName, s.Name)
	}

	if !shallow {
		ddl, err := database.BuildTableDDL(b, s)
		if err != nil {
			return err
		}
		if err := b.Stmt(ddl); err != nil {
			return fmt.Errorf("could not create table '%s': %w", s.Name, err)
		}
	}

	stmtName := database.InsertStmtName(s.Name)

	// the existence probe can kill the transaction, so run it in a
	// fresh one
	if err := database.ReopenTransaction(b); err != nil {
		return err
	}

	exists, err := b.statementExists(stmtName)
	if err != nil {
		if err := database.ReopenTransaction(b); err != nil {
			return err
		}
		exists = false
	}

	if exists {
		if debug {
			log.Printf("psql:%s: Insertion statement %s already exists", b.dbName, stmtName)
		}
	} else {
		insert := database.BuildInsertSQL(b, s)
		if debug {
			log.Printf("psql:%s: Preparing statement '%s' (%s)", b.dbName, stmtName, insert)
		}
		if _, err := b.conn.Prepare(context.Background(), stmtName, insert, nil); err != nil {
			return fmt.Errorf("could not prepare statement %s: %w", stmtName, err)
		}
	}
	b.prepared[stmtName] = true

	pt := &psqlTable{
		insertStmt: stmtName,
		valueCount: database.NMeta + len(s.Fields),
	}
	pt.values = make([][]byte, pt.valueCount)
	pt.params = make([][]byte, pt.valueCount)
	pt.formats = make([]int16, pt.valueCount)

	for i := 0; i < pt.valueCount; i++ {
		var ft schema.FieldType
		if i < database.NMeta {
			ft = database.MetaFields[i].Type
		} else {
			ft = s.Fields[i-database.NMeta].Type
		}
		pt.values[i] = make([]byte, database.ScratchSize(b, ft))
	}

	t.Handle = pt
	return nil
}

// statementExists asks the session whether a prepared statement with
// this name is already registered.
func (b *backend) statementExists(name string) (bool, error) {
	if b.prepared[name] {
		return true, nil
	}

	rows, err := queryRows(b.conn, "SELECT 1 FROM pg_prepared_statements WHERE name=$1", name)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (b *backend) TableFree(t *database.Table) error {
	t.Handle = nil
	return nil
}

// Insert encodes one row into the table's scratch buffers and executes
// the prepared statement. Numeric parameters travel in binary format,
// strings, blobs and vectors as text. A failure loses the row but not
// the session; the open transaction is repaired on the next insert.
func (b *backend) Insert(t *database.Table, senderID, seq int32, tsClient, tsServer float64, values []schema.Value) error {
	pt, ok := t.Handle.(*psqlTable)
	if !ok {
		return fmt.Errorf("table '%s' has no backend handle", t.Schema.Name)
	}

	if now := time.Now().Unix(); now > b.lastCommit {
		if err := database.ReopenTransaction(b); err != nil {
			return err
		}
		b.lastCommit = now
	}

	i := 0
	pt.params[i] = pt.values[i][:putInt32(pt.values[i], senderID)]
	pt.formats[i] = 1

	i++
	pt.params[i] = pt.values[i][:putInt32(pt.values[i], seq)]
	pt.formats[i] = 1

	i++
	pt.params[i] = pt.values[i][:putDouble(pt.values[i], tsClient)]
	pt.formats[i] = 1

	i++
	pt.params[i] = pt.values[i][:putDouble(pt.values[i], tsServer)]
	pt.formats[i] = 1

	for k, v := range values {
		i = database.NMeta + k

		switch v.Type {
		case schema.TypeInt32:
			pt.params[i] = pt.values[i][:putInt32(pt.values[i], v.Int32())]
			pt.formats[i] = 1

		case schema.TypeUint32:
			pt.params[i] = pt.values[i][:putUint32(pt.values[i], v.Uint32())]
			pt.formats[i] = 1

		case schema.TypeInt64:
			pt.params[i] = pt.values[i][:putInt64(pt.values[i], v.Int64())]
			pt.formats[i] = 1

		case schema.TypeUint64:
			pt.params[i] = pt.values[i][:putUint64(pt.values[i], v.Uint64())]
			pt.formats[i] = 1

		case schema.TypeGUID:
			pt.params[i] = pt.values[i][:putInt64(pt.values[i], int64(v.GUID()))]
			pt.formats[i] = 1

		case schema.TypeDouble:
			pt.params[i] = pt.values[i][:putDouble(pt.values[i], v.Double())]
			pt.formats[i] = 1

		case schema.TypeBool:
			pt.params[i] = pt.values[i][:putBool(pt.values[i], v.Bool())]
			pt.formats[i] = 1

		case schema.TypeString:
			buf := append(pt.values[i][:0], v.Text()...)
			pt.values[i] = buf[:cap(buf)]
			pt.params[i] = buf
			pt.formats[i] = 0

		case schema.TypeBlob:
			buf := escapeBytea(pt.values[i], v.Blob())
			pt.values[i] = buf[:cap(buf)]
			pt.params[i] = buf
			pt.formats[i] = 0

		default:
			if !v.Type.IsVector() {
				return fmt.Errorf("unknown type %s in column %d of table '%s'", v.Type, k, t.Schema.Name)
			}
			buf := append(pt.values[i][:0], v.VectorJSON()...)
			pt.values[i] = buf[:cap(buf)]
			pt.params[i] = buf
			pt.formats[i] = 0
		}
	}

	res := b.conn.ExecPrepared(context.Background(), pt.insertStmt, pt.params, pt.formats, nil).Read()
	if res.Err != nil {
		log.Printf("psql:%s: INSERT INTO '%s' failed: %s", b.dbName, t.Schema.Name, res.Err.Error())
		return res.Err
	}

	return nil
}

// GetKeyValue does a key lookup on a table laid out in key-value
// style and returns the value column for the first matching row.
func (b *backend) GetKeyValue(table, keyColumn, valueColumn, key string) (string, bool, error) {
	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE %s=$1;`, valueColumn, table, keyColumn)
	rows, err := queryRows(b.conn, sql, key)
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 || rows[0] == nil {
		return "", false, nil
	}
	if len(rows) > 1 {
		log.Printf("psql:%s: Key-value lookup for key '%s' in %s(%s, %s) returned more than one row",
			b.dbName, key, table, keyColumn, valueColumn)
	}
	return string(rows[0]), true, nil
}

// SetKeyValue inserts or updates the value for key.
func (b *backend) SetKeyValue(table, keyColumn, valueColumn, key, value string) error {
	_, found, err := b.GetKeyValue(table, keyColumn, valueColumn, key)
	if err != nil {
		return err
	}

	var sql string
	if !found {
		sql = fmt.Sprintf(`INSERT INTO "%s" ("%s", "%s") VALUES ($1, $2);`, table, keyColumn, valueColumn)
	} else {
		sql = fmt.Sprintf(`UPDATE "%s" SET "%s"=$2 WHERE "%s"=$1;`, table, valueColumn, keyColumn)
	}

	if _, err := queryRows(b.conn, sql, key, value); err != nil {
		log.Printf("psql:%s: Key-value update failed for %s='%s' in %s(%s, %s): %s",
			b.dbName, key, value, table, keyColumn, valueColumn, err.Error())
		return err
	}
	return nil
}

func (b *backend) GetMetadata(key string) (string, bool, error) {
	return b.GetKeyValue("_experiment_metadata", "key", "value", key)
}

func (b *backend) SetMetadata(key, value string) error {
	return b.SetKeyValue("_experiment_metadata", "key", "value", key, value)
}

// AddSenderID allocates MAX(id)+1 for an unknown sender name, or
// returns the already stored id. Ids are stable for the life of the
// database.
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
	rows, err := queryRows(b.conn, "SELECT MAX(id) FROM _senders;")
	if err != nil || len(rows) == 0 {
		log.Printf("psql:%s: Failed to get maximum sender id from database (restarting at 0)", b.dbName)
		index = 0
	} else if rows[0] == nil {
		index = 0 // empty table
	} else {
		max, err := strconv.ParseInt(string(rows[0]), 10, 32)
		if err != nil {
			log.Printf("psql:%s: Corrupt maximum sender id '%s' (restarting at 0)", b.dbName, rows[0])
			index = 0
		} else {
			index = int32(max) + 1
		}
	}

	if err := b.SetKeyValue("_senders", "name", "id", name, strconv.Itoa(int(index))); err != nil {
		return -1, err
	}

	return index, nil
}

// URI renders postgresql://USER@HOST:PORT/DATABASE for logging.
func (b *backend) URI(name string) string {
	return fmt.Sprintf("postgresql://%s@%s:%d/%s",
		b.cfg.User, b.cfg.Host, uri.ResolveService(b.cfg.Port, 5432), name)
}

// TableList enumerates user tables and reattaches their schemas from
// the _experiment_metadata table. Tables whose stored schema is
// missing or unparseable are skipped with a warning; _senders is
// reported with a nil schema so bootstrap does not recreate it.
func (b *backend) TableList() ([]database.TableDescr, error) {
	rows, err := queryRows(b.conn,
		"SELECT tablename FROM pg_tables WHERE tablename NOT LIKE 'pg%' AND tablename NOT LIKE 'sql%';")
	if err != nil {
		return nil, err
	}

	haveMeta := false
	for _, r := range rows {
		if string(r) == "_experiment_metadata" {
			haveMeta = true
		}
	}
	if !haveMeta {
		// a fresh database, nothing to rediscover
		if debug {
			log.Printf("psql:%s: _experiment_metadata table not found", b.dbName)
		}
		return nil, nil
	}

	var tables []database.TableDescr
	for _, r := range rows {
		name := string(r)

		switch name {
		case "_experiment_metadata":
			continue
		case "_senders":
			tables = append(tables, database.TableDescr{Name: name})
			continue
		}

		meta, found, err := b.GetKeyValue("_experiment_metadata", "key", "value", "table_"+name)
		if err != nil {
			log.Printf("psql:%s: Could not get schema for table %s, ignoring it: %s", b.dbName, name, err.Error())
			continue
		}
		if !found {
			log.Printf("psql:%s: No schema for table %s, ignoring it", b.dbName, name)
			continue
		}

		_, s, err := schema.FromMeta(meta)
		if err != nil {
			log.Printf("psql:%s: Could not parse schema '%s' for table %s, ignoring it", b.dbName, meta, name)
			continue
		}

		tables = append(tables, database.TableDescr{Name: name, Schema: s})
	}

	return tables, nil
}

// Release commits the open transaction and disconnects.
func (b *backend) Release() error {
	if err := database.EndTransaction(b); err != nil {
		log.Printf("psql:%s: Final commit failed: %s", b.dbName, err.Error())
	}
	return b.conn.Close(context.Background())
}
