// Package database is the backend-neutral persistence core. A Database
// binds a set of measurement tables to one backend connection; the
// Backend capability set hides whether rows land in PostgreSQL or
// SQLite.
package database

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/openmeasure/pointhouse/core/schema"
)

// NMeta is the number of implicit metadata columns prepended to every
// measurement table.
const NMeta = 4

// MetaFields are the implicit metadata columns, in storage order.
var MetaFields = [NMeta]schema.Field{
	{Name: "oml_sender_id", Type: schema.TypeInt32},
	{Name: "oml_seq", Type: schema.TypeInt32},
	{Name: "oml_ts_client", Type: schema.TypeDouble},
	{Name: "oml_ts_server", Type: schema.TypeDouble},
}

// TypeMapping is one backend type-map entry: the DDL spelling of a
// semantic type and its binary storage size (0 = variable).
type TypeMapping struct {
	DDL  string
	Size int
}

// Backend is the capability set every storage backend provides. All
// backend state hides behind the implementation; the Database owns the
// connection exclusively.
type Backend interface {
	Name() string

	// TypeMapping resolves a semantic type; ok is false for types the
	// backend cannot store.
	TypeMapping(t schema.FieldType) (m TypeMapping, ok bool)

	// PreparedVar renders the placeholder for the order-th parameter
	// (1-based).
	PreparedVar(order int) string

	// Stmt executes a raw SQL statement.
	Stmt(sql string) error

	// TableCreate issues DDL (unless shallow), prepares the INSERT
	// statement and allocates the table's scratch buffers.
	TableCreate(t *Table, shallow bool) error
	TableFree(t *Table) error

	// Insert encodes and executes one row through the prepared
	// statement. Both timestamps are seconds relative to the
	// experiment start; tsServer is computed by the façade.
	Insert(t *Table, senderID, seq int32, tsClient, tsServer float64, values []schema.Value) error

	GetKeyValue(table, keyColumn, valueColumn, key string) (value string, found bool, err error)
	SetKeyValue(table, keyColumn, valueColumn, key, value string) error

	GetMetadata(key string) (string, bool, error)
	SetMetadata(key, value string) error

	AddSenderID(name string) (int32, error)

	// URI renders a loggable location of the backing store.
	URI(name string) string

	// TableList enumerates user tables with their stored schemas.
	TableList() ([]TableDescr, error)

	Release() error
}

// TableDescr describes one rediscovered table. Schema is nil for
// backend bookkeeping tables such as _senders.
type TableDescr struct {
	Name   string
	Schema *schema.Schema
}

// Table associates a schema with backend state (prepared statement
// name, scratch buffers). Created on first registration, freed with
// the Database.
type Table struct {
	Schema *schema.Schema

	// Handle is backend-private state, set by TableCreate.
	Handle interface{}
}

// Database is the handle sessions insert through. StartTime is the
// wall-clock epoch captured when the experiment database was first
// opened; server timestamps are relative to it.
type Database struct {
	Name      string
	StartTime int64

	mu      sync.Mutex
	backend Backend
	tables  map[string]*Table
	known   map[string]*schema.Schema // rediscovered tables, nil entry = schemaless
}

// Open bootstraps a Database over a connected backend: rediscovers
// existing tables from stored metadata, creates the bookkeeping tables
// when absent and pins the experiment start time.
func Open(name string, b Backend) (*Database, error) {
	db := &Database{
		Name:    name,
		backend: b,
		tables:  make(map[string]*Table),
		known:   make(map[string]*schema.Schema),
	}

	list, err := b.TableList()
	if err != nil {
		return nil, fmt.Errorf("could not list tables of '%s': %w", name, err)
	}

	haveSenders := false
	for _, td := range list {
		if td.Name == "_senders" {
			haveSenders = true
			continue
		}
		db.known[td.Name] = td.Schema
	}

	if !haveSenders {
		if err := createBookkeepingTables(b); err != nil {
			return nil, err
		}
	}

	if err := db.initStartTime(); err != nil {
		return nil, err
	}

	log.Printf("Database '%s' opened at %s (%d known tables)", name, b.URI(name), len(db.known))

	return db, nil
}

func (db *Database) initStartTime() error {
	if v, found, err := db.backend.GetMetadata("start_time"); err != nil {
		return err
	} else if found {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt start_time metadata '%s': %w", v, err)
		}
		db.StartTime = ts
		return nil
	}

	db.StartTime = time.Now().Unix()
	return db.backend.SetMetadata("start_time", strconv.FormatInt(db.StartTime, 10))
}

// RegisterSchema creates (or reattaches to) the table for s and
// returns its handle. Re-registration of an identical schema is
// idempotent; a conflicting schema for an existing table is an error.
func (db *Database) RegisterSchema(s *schema.Schema) (*Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if t, ok := db.tables[s.Name]; ok {
		if !schemaEqual(t.Schema, s) {
			return nil, fmt.Errorf("table '%s' already registered with a different schema", s.Name)
		}
		return t, nil
	}

	t := &Table{Schema: s}
	shallow := false

	if stored, ok := db.known[s.Name]; ok {
		if stored != nil && !schemaEqual(stored, s) {
			return nil, fmt.Errorf("table '%s' exists with a different schema", s.Name)
		}
		shallow = true
	}

	if err := db.backend.TableCreate(t, shallow); err != nil {
		return nil, err
	}

	if !shallow {
		if err := db.backend.SetMetadata("table_"+s.Name, s.ToMeta(0)); err != nil {
			log.Printf("Could not store schema metadata for table '%s': %s", s.Name, err.Error())
		}
	}

	db.tables[s.Name] = t
	return t, nil
}

// Insert stores one measurement row. The supplied values must match
// the schema types exactly; a mismatch is a hard per-row error, never
// a coercion. A failed insert is logged and reported but leaves the
// session usable.
func (db *Database) Insert(t *Table, senderID, seq int32, tsClient float64, values []schema.Value) error {
	s := t.Schema
	if len(values) != len(s.Fields) {
		return fmt.Errorf("table '%s': got %d values for %d fields", s.Name, len(values), len(s.Fields))
	}
	for k, v := range values {
		if v.Type != s.Fields[k].Type {
			return fmt.Errorf("table '%s': value %d is %s, field '%s' is %s",
				s.Name, k, v.Type, s.Fields[k].Name, s.Fields[k].Type)
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tsServer := float64(time.Now().UnixMicro())/1e6 - float64(db.StartTime)
	return db.backend.Insert(t, senderID, seq, tsClient, tsServer, values)
}

// AddSender allocates (or looks up) the stable id for a sender name.
func (db *Database) AddSender(name string) (int32, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.backend.AddSenderID(name)
}

// GetMetadata reads one experiment metadata value.
func (db *Database) GetMetadata(key string) (string, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.backend.GetMetadata(key)
}

// SetMetadata stores one experiment metadata value.
func (db *Database) SetMetadata(key, value string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.backend.SetMetadata(key, value)
}

// URI renders the loggable location of this database.
func (db *Database) URI() string {
	return db.backend.URI(db.Name)
}

// Release frees all table handles, commits and disconnects.
func (db *Database) Release() {
	db.mu.Lock()
	defer db.mu.Unlock()

	for name, t := range db.tables {
		if err := db.backend.TableFree(t); err != nil {
			log.Printf("Could not free table '%s': %s", name, err.Error())
		}
	}
	db.tables = make(map[string]*Table)

	if err := db.backend.Release(); err != nil {
		log.Printf("Could not release database '%s': %s", db.Name, err.Error())
	}
}

func schemaEqual(a, b *schema.Schema) bool {
	if a.Name != b.Name || len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i] != b.Fields[i] {
			return false
		}
	}
	return true
}
