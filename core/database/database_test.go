package database

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openmeasure/pointhouse/core/schema"
)

// memBackend is an in-memory Backend used to exercise the façade
// without a real store.
type memBackend struct {
	stmts      []string
	kv         map[string]map[string]string // table -> key -> value
	senders    map[string]int32
	nextSender int32
	inserted   [][]schema.Value
	list       []TableDescr
	failCommit bool
}

func newMemBackend() *memBackend {
	return &memBackend{
		kv:      map[string]map[string]string{},
		senders: map[string]int32{},
	}
}

func (b *memBackend) Name() string { return "mem" }

func (b *memBackend) TypeMapping(t schema.FieldType) (TypeMapping, bool) {
	switch t {
	case schema.TypePrimaryKey:
		return TypeMapping{DDL: "SERIAL PRIMARY KEY", Size: 4}, true
	case schema.TypeInt32:
		return TypeMapping{DDL: "INT4", Size: 4}, true
	case schema.TypeDouble:
		return TypeMapping{DDL: "FLOAT8", Size: 8}, true
	case schema.TypeBool:
		return TypeMapping{DDL: "BOOLEAN", Size: 1}, true
	case schema.TypeString:
		return TypeMapping{DDL: "TEXT", Size: 0}, true
	}
	return TypeMapping{}, false
}

func (b *memBackend) PreparedVar(order int) string { return fmt.Sprintf("$%d", order) }

func (b *memBackend) Stmt(sql string) error {
	if b.failCommit && sql == "COMMIT;" {
		return errors.New("commit failed")
	}
	b.stmts = append(b.stmts, sql)
	return nil
}

func (b *memBackend) TableCreate(t *Table, shallow bool) error {
	if !shallow {
		ddl, err := BuildTableDDL(b, t.Schema)
		if err != nil {
			return err
		}
		if err := b.Stmt(ddl); err != nil {
			return err
		}
	}
	t.Handle = InsertStmtName(t.Schema.Name)
	return nil
}

func (b *memBackend) TableFree(t *Table) error { return nil }

func (b *memBackend) Insert(t *Table, senderID, seq int32, tsClient, tsServer float64, values []schema.Value) error {
	b.inserted = append(b.inserted, values)
	return nil
}

func (b *memBackend) GetKeyValue(table, keyCol, valueCol, key string) (string, bool, error) {
	v, ok := b.kv[table][key]
	return v, ok, nil
}

func (b *memBackend) SetKeyValue(table, keyCol, valueCol, key, value string) error {
	if b.kv[table] == nil {
		b.kv[table] = map[string]string{}
	}
	b.kv[table][key] = value
	return nil
}

func (b *memBackend) GetMetadata(key string) (string, bool, error) {
	return b.GetKeyValue("_experiment_metadata", "key", "value", key)
}

func (b *memBackend) SetMetadata(key, value string) error {
	return b.SetKeyValue("_experiment_metadata", "key", "value", key, value)
}

func (b *memBackend) AddSenderID(name string) (int32, error) {
	if id, ok := b.senders[name]; ok {
		return id, nil
	}
	id := b.nextSender
	b.nextSender++
	b.senders[name] = id
	return id, nil
}

func (b *memBackend) URI(name string) string { return "mem://" + name }

func (b *memBackend) TableList() ([]TableDescr, error) { return b.list, nil }

func (b *memBackend) Release() error { return nil }

func powerSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New("power", []schema.Field{
		{Name: "v", Type: schema.TypeDouble},
		{Name: "ok", Type: schema.TypeBool},
	})
	if err != nil {
		t.Fatalf("Could not create schema: %s", err.Error())
	}
	return s
}

func TestBuildTableDDL(t *testing.T) {
	b := newMemBackend()
	ddl, err := BuildTableDDL(b, powerSchema(t))
	if err != nil {
		t.Fatalf("Could not build DDL: %s", err.Error())
	}

	want := `CREATE TABLE "power" (oml_sender_id INT4, oml_seq INT4, oml_ts_client FLOAT8, oml_ts_server FLOAT8, v FLOAT8, ok BOOLEAN);`
	if ddl != want {
		t.Fatalf("Wrong DDL:\ngot  %s\nwant %s", ddl, want)
	}
}

func TestBuildInsertSQL(t *testing.T) {
	b := newMemBackend()
	sql := BuildInsertSQL(b, powerSchema(t))

	want := `INSERT INTO "power" (oml_sender_id, oml_seq, oml_ts_client, oml_ts_server, v, ok) VALUES ($1, $2, $3, $4, $5, $6);`
	if sql != want {
		t.Fatalf("Wrong INSERT:\ngot  %s\nwant %s", sql, want)
	}
}

func TestBuildTableDDLWithPrimaryKey(t *testing.T) {
	b := newMemBackend()
	s := &schema.Schema{Name: "t", Fields: []schema.Field{
		{Name: "oml_tuple_id", Type: schema.TypePrimaryKey},
		{Name: "v", Type: schema.TypeDouble},
	}}

	ddl, err := BuildTableDDL(b, s)
	if err != nil {
		t.Fatalf("Could not build DDL: %s", err.Error())
	}
	if !strings.HasPrefix(ddl, `CREATE TABLE "t" (oml_tuple_id SERIAL PRIMARY KEY, oml_sender_id INT4`) {
		t.Fatalf("Primary key not prepended: %s", ddl)
	}

	sql := BuildInsertSQL(b, s)
	if strings.Contains(sql, "oml_tuple_id") {
		t.Fatalf("Auto key must not be a bound parameter: %s", sql)
	}
	if !strings.Contains(sql, "$5") || strings.Contains(sql, "$6") {
		t.Fatalf("Wrong parameter count: %s", sql)
	}
}

func TestOpenBootstrapsFreshDatabase(t *testing.T) {
	b := newMemBackend()
	db, err := Open("exp1", b)
	if err != nil {
		t.Fatalf("Could not open: %s", err.Error())
	}

	haveSenders := false
	for _, s := range b.stmts {
		if strings.Contains(s, "_senders") {
			haveSenders = true
		}
	}
	if !haveSenders {
		t.Error("Fresh database did not create _senders")
	}

	if db.StartTime == 0 {
		t.Error("StartTime not pinned")
	}
	if v, ok, _ := b.GetMetadata("start_time"); !ok || v == "" {
		t.Error("start_time metadata not stored")
	}
}

func TestOpenRediscoversTables(t *testing.T) {
	b := newMemBackend()
	s := powerSchema(t)
	b.list = []TableDescr{
		{Name: "_senders"},
		{Name: "power", Schema: s},
	}
	b.SetMetadata("start_time", "1700000000")

	db, err := Open("exp1", b)
	if err != nil {
		t.Fatalf("Could not open: %s", err.Error())
	}
	if db.StartTime != 1700000000 {
		t.Errorf("StartTime not restored: %d", db.StartTime)
	}

	// _senders must not be recreated on rediscovery
	for _, stmt := range b.stmts {
		if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS \"_senders\"") {
			t.Error("_senders recreated despite rediscovery")
		}
	}

	// re-registering a rediscovered table is shallow: no DDL issued
	before := len(b.stmts)
	if _, err := db.RegisterSchema(s); err != nil {
		t.Fatalf("Could not register rediscovered schema: %s", err.Error())
	}
	for _, stmt := range b.stmts[before:] {
		if strings.HasPrefix(stmt, "CREATE TABLE") {
			t.Errorf("Shallow registration issued DDL: %s", stmt)
		}
	}
}

func TestRegisterSchema(t *testing.T) {
	b := newMemBackend()
	db, err := Open("exp1", b)
	if err != nil {
		t.Fatalf("Could not open: %s", err.Error())
	}

	s := powerSchema(t)
	tbl, err := db.RegisterSchema(s)
	if err != nil {
		t.Fatalf("Could not register: %s", err.Error())
	}

	if meta, ok, _ := b.GetMetadata("table_power"); !ok {
		t.Error("Schema metadata not stored")
	} else if _, parsed, err := schema.FromMeta(meta); err != nil || parsed.Name != "power" {
		t.Errorf("Stored schema metadata not parseable: '%s'", meta)
	}

	// same schema again: same handle
	tbl2, err := db.RegisterSchema(s)
	if err != nil {
		t.Fatalf("Could not re-register: %s", err.Error())
	}
	if tbl2 != tbl {
		t.Error("Re-registration returned a different handle")
	}

	// conflicting schema: hard error
	other, _ := schema.New("power", []schema.Field{{Name: "v", Type: schema.TypeInt32}})
	if _, err := db.RegisterSchema(other); err == nil {
		t.Error("Conflicting schema accepted")
	}
}

func TestInsertTypeMismatch(t *testing.T) {
	b := newMemBackend()
	db, _ := Open("exp1", b)
	tbl, _ := db.RegisterSchema(powerSchema(t))

	err := db.Insert(tbl, 1, 7, 1.5, []schema.Value{schema.DoubleValue(3.14), schema.BoolValue(true)})
	if err != nil {
		t.Fatalf("Well-typed insert failed: %s", err.Error())
	}

	err = db.Insert(tbl, 1, 8, 1.6, []schema.Value{schema.Int32Value(3), schema.BoolValue(true)})
	if err == nil {
		t.Fatal("Type mismatch accepted")
	}

	err = db.Insert(tbl, 1, 9, 1.7, []schema.Value{schema.DoubleValue(3.14)})
	if err == nil {
		t.Fatal("Short row accepted")
	}

	if len(b.inserted) != 1 {
		t.Fatalf("Backend saw %d inserts, want 1", len(b.inserted))
	}
}

func TestInsertZeroPayloadColumns(t *testing.T) {
	b := newMemBackend()
	db, _ := Open("exp1", b)

	s, err := schema.New("heartbeat", nil)
	if err != nil {
		t.Fatalf("Could not create empty schema: %s", err.Error())
	}
	tbl, err := db.RegisterSchema(s)
	if err != nil {
		t.Fatalf("Could not register empty schema: %s", err.Error())
	}

	if err := db.Insert(tbl, 1, 1, 0.5, nil); err != nil {
		t.Fatalf("Metadata-only insert failed: %s", err.Error())
	}
}

func TestReopenTransactionPoisoned(t *testing.T) {
	b := newMemBackend()
	b.failCommit = true

	if err := ReopenTransaction(b); err != nil {
		t.Fatalf("Reopen of poisoned transaction failed: %s", err.Error())
	}

	// commit failed, so the reopen must have rolled back first
	n := len(b.stmts)
	if n < 2 || b.stmts[n-2] != "ROLLBACK;" || b.stmts[n-1] != "BEGIN;" {
		t.Fatalf("Expected ROLLBACK;BEGIN; tail, got %v", b.stmts)
	}
}

func TestSenderAllocationStable(t *testing.T) {
	b := newMemBackend()
	db, _ := Open("exp1", b)

	a1, _ := db.AddSender("alpha")
	b1, _ := db.AddSender("beta")
	a2, _ := db.AddSender("alpha")

	if a1 != 0 || b1 != 1 || a2 != 0 {
		t.Fatalf("Wrong allocation: alpha=%d beta=%d alpha=%d", a1, b1, a2)
	}
}
