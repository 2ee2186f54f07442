// Package psql is the PostgreSQL storage backend. It speaks the
// extended query protocol through pgconn and transmits numeric
// parameters in binary network format.
package psql

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openmeasure/pointhouse/core/database"
	"github.com/openmeasure/pointhouse/core/schema"
	"github.com/openmeasure/pointhouse/core/uri"
)

const (
	backendName = "psql"

	connectTimeout = 30 * time.Second

	// commitInterval bounds how long a row can sit in the open
	// transaction before a commit makes it visible.
	commitInterval = time.Second

	debug = false
)

// Config carries the PostgreSQL connection settings. ConnInfo is extra
// conninfo keywords appended verbatim.
type Config struct {
	Host     string
	Port     string
	User     string
	Pass     string
	ConnInfo string
}

var typeMap = map[schema.FieldType]database.TypeMapping{
	schema.TypePrimaryKey: {DDL: "SERIAL PRIMARY KEY", Size: 4},
	schema.TypeInt32:      {DDL: "INT4", Size: 4},
	schema.TypeUint32:     {DDL: "INT8", Size: 8}, // no unsigned types, promote
	schema.TypeInt64:      {DDL: "INT8", Size: 8},
	schema.TypeUint64:     {DDL: "BIGINT", Size: 8}, // sign may alias
	schema.TypeDouble:     {DDL: "FLOAT8", Size: 8},
	schema.TypeBool:       {DDL: "BOOLEAN", Size: 1},
	schema.TypeString:     {DDL: "TEXT", Size: 0},
	schema.TypeBlob:       {DDL: "BYTEA", Size: 0},
	schema.TypeGUID:       {DDL: "BIGINT", Size: 8},

	schema.TypeVectorInt32:  {DDL: "TEXT", Size: 0},
	schema.TypeVectorUint32: {DDL: "TEXT", Size: 0},
	schema.TypeVectorInt64:  {DDL: "TEXT", Size: 0},
	schema.TypeVectorUint64: {DDL: "TEXT", Size: 0},
	schema.TypeVectorDouble: {DDL: "TEXT", Size: 0},
	schema.TypeVectorBool:   {DDL: "TEXT", Size: 0},
}

type backend struct {
	cfg    Config
	dbName string
	conn   *pgconn.PgConn

	lastCommit int64 // unix seconds of the last transaction reopen
	prepared   map[string]bool
}

// psqlTable is the backend state of one table: the prepared statement
// name and per-parameter scratch buffers sized from the type map.
type psqlTable struct {
	insertStmt string
	valueCount int
	values     [][]byte // scratch storage, grown on demand for text types
	params     [][]byte // per-row views into values, len = encoded length
	formats    []int16
}

func (c Config) conninfo(dbname string) string {
	port := uri.ResolveService(c.Port, 5432)
	return fmt.Sprintf("host='%s' port='%d' user='%s' password='%s' dbname='%s' %s",
		c.Host, port, c.User, c.Pass, dbname, c.ConnInfo)
}

func connect(cfg Config, dbname string) (*pgconn.PgConn, error) {
	pgcfg, err := pgconn.ParseConfig(cfg.conninfo(dbname))
	if err != nil {
		return nil, err
	}

	pgcfg.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		receiveNotice(dbname, n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	return pgconn.ConnectConfig(ctx, pgcfg)
}

// receiveNotice maps PostgreSQL notice severities onto the host log.
func receiveNotice(dbname string, n *pgconn.Notice) {
	var sev byte
	if len(n.Severity) > 0 {
		sev = n.Severity[0]
	}

	switch sev {
	case 'E', 'F', 'P': // ERROR, FATAL, PANIC
		log.Printf("psql:%s: Error: %s", dbname, n.Message)
	case 'W': // WARNING
		log.Printf("psql:%s: Warning: %s", dbname, n.Message)
	case 'N', 'I', 'L', 'D': // NOTICE, INFO, LOG, DEBUG
		if debug {
			log.Printf("psql:%s: %s", dbname, n.Message)
		}
	default:
		log.Printf("psql:%s: Unknown notice: %s", dbname, n.Message)
	}
}

// Setup verifies that the server is reachable and the configured user
// may create databases. Called once at server startup; failure is
// fatal to the process.
func Setup(cfg Config) error {
	log.Printf("psql: Sending experiment data to PostgreSQL server %s:%s as user '%s'", cfg.Host, cfg.Port, cfg.User)

	conn, err := connect(cfg, "postgres")
	if err != nil {
		return fmt.Errorf("could not connect to PostgreSQL: %w", err)
	}
	defer conn.Close(context.Background())

	rows, err := queryRows(conn, "SELECT rolcreatedb FROM pg_roles WHERE rolname=$1", cfg.User)
	if err != nil {
		return fmt.Errorf("could not determine role privileges for '%s': %w", cfg.User, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("role '%s' does not exist", cfg.User)
	}
	if v := string(rows[0]); v != "t" && v != "true" {
		return fmt.Errorf("user '%s' does not have the required CREATE DATABASE role", cfg.User)
	}

	if debug {
		log.Printf("psql: User '%s' has CREATE DATABASE privileges", cfg.User)
	}

	return nil
}

// New opens the experiment database, creating it first when absent:
// connect to the admin database, look the target up in pg_database,
// issue CREATE DATABASE if needed, then reconnect to the target.
func New(cfg Config, name string) (database.Backend, error) {
	log.Printf("psql:%s: Accessing database", name)

	admin, err := connect(cfg, "postgres")
	if err != nil {
		return nil, fmt.Errorf("could not connect to PostgreSQL: %w", err)
	}

	rows, err := queryRows(admin, "SELECT datname FROM pg_database WHERE datname=$1", name)
	if err != nil {
		admin.Close(context.Background())
		return nil, fmt.Errorf("could not get list of existing databases: %w", err)
	}

	if len(rows) == 0 {
		log.Printf("psql:%s: Database does not exist, creating it", name)
		if err := exec(admin, fmt.Sprintf(`CREATE DATABASE "%s";`, name)); err != nil {
			admin.Close(context.Background())
			return nil, fmt.Errorf("could not create database '%s': %w", name, err)
		}
	}
	admin.Close(context.Background())

	conn, err := connect(cfg, name)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database '%s': %w", name, err)
	}

	b := &backend{
		cfg:        cfg,
		dbName:     name,
		conn:       conn,
		lastCommit: time.Now().Unix(),
		prepared:   make(map[string]bool),
	}

	if err := database.BeginTransaction(b); err != nil {
		conn.Close(context.Background())
		return nil, err
	}

	return b, nil
}

func exec(conn *pgconn.PgConn, sql string) error {
	_, err := conn.Exec(context.Background(), sql).ReadAll()
	return err
}

// queryRows runs a single-column parameterised SELECT and returns the
// first column of each row. A NULL column comes back as nil.
func queryRows(conn *pgconn.PgConn, sql string, args ...string) ([][]byte, error) {
	params := make([][]byte, len(args))
	for i, a := range args {
		params[i] = []byte(a)
	}

	res := conn.ExecParams(context.Background(), sql, params, nil, nil, nil).Read()
	if res.Err != nil {
		return nil, res.Err
	}

	out := make([][]byte, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) == 0 {
			out = append(out, nil)
			continue
		}
		out = append(out, row[0])
	}
	return out, nil
}

func (b *backend) Name() string { return backendName }

func (b *backend) TypeMapping(t schema.FieldType) (database.TypeMapping, bool) {
	m, ok := typeMap[t]
	return m, ok
}

func (b *backend) PreparedVar(order int) string {
	return "$" + strconv.Itoa(order)
}

func (b *backend) Stmt(sql string) error {
	if debug {
		log.Printf("psql:%s: Will execute '%s'", b.dbName, sql)
	}
	if err := exec(b.conn, sql); err != nil {
		log.Printf("psql:%s: Error executing '%s': %s", b.dbName, sql, err.Error())
		return err
	}
	return nil
}
