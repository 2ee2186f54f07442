// Package server accepts injection-point connections, validates their
// measurement streams against the declared schemas and routes rows
// into the bound database.
package server

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/openmeasure/pointhouse/core/database"
	"github.com/openmeasure/pointhouse/core/psql"
	"github.com/openmeasure/pointhouse/core/schema"
	"github.com/openmeasure/pointhouse/core/sqlite"
)

const debug = false

// Config selects and parameterises the storage backend.
type Config struct {
	Backend   string // "psql" or "sqlite"
	PG        psql.Config
	SQLiteDir string
}

var (
	rowsInserted   int64
	rowsDropped    int64
	sessionsActive int64
	sessionsTotal  int64
)

// Databases are cached per experiment and shared across sessions; the
// Database serialises concurrent inserts internally.
var dbPool = struct {
	sync.Mutex
	v map[string]*pooledDB
}{
	v: make(map[string]*pooledDB),
}

type pooledDB struct {
	db   *database.Database
	refs int
}

func newBackend(cfg Config, name string) (database.Backend, error) {
	switch cfg.Backend {
	case "psql":
		return psql.New(cfg.PG, name)
	case "sqlite":
		return sqlite.New(cfg.SQLiteDir, name)
	}
	return nil, fmt.Errorf("unknown backend '%s'", cfg.Backend)
}

func acquireDatabase(cfg Config, name string) (*database.Database, error) {
	dbPool.Lock()
	defer dbPool.Unlock()

	if p, ok := dbPool.v[name]; ok {
		p.refs++
		return p.db, nil
	}

	b, err := newBackend(cfg, name)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(name, b)
	if err != nil {
		return nil, err
	}

	dbPool.v[name] = &pooledDB{db: db, refs: 1}
	return db, nil
}

func releaseDatabase(name string) {
	dbPool.Lock()
	defer dbPool.Unlock()

	p, ok := dbPool.v[name]
	if !ok {
		return
	}
	p.refs--
	if p.refs <= 0 {
		p.db.Release()
		delete(dbPool.v, name)
	}
}

// Session is the server-side state of one injection point: its schema
// registry (stream index to table handle) and the database binding.
type Session struct {
	cfg Config

	peer       string
	db         *database.Database
	experiment string
	senderName string
	senderID   int32

	tables map[int]*database.Table
}

// NewSession creates a session for one accepted connection. peer is
// used in log messages only.
func NewSession(cfg Config, peer string) *Session {
	return &Session{
		cfg:    cfg,
		peer:   peer,
		tables: make(map[int]*database.Table),
	}
}

// Run reads the header block and then measurement lines until EOF.
// Protocol errors in individual lines drop the row and continue;
// header errors abort the session.
func (s *Session) Run(rd io.Reader) error {
	atomic.AddInt64(&sessionsActive, 1)
	atomic.AddInt64(&sessionsTotal, 1)
	defer atomic.AddInt64(&sessionsActive, -1)

	defer func() {
		if s.db != nil {
			releaseDatabase(s.experiment)
		}
	}()

	br := bufio.NewReader(rd)

	if err := s.readHeaders(br); err != nil {
		return fmt.Errorf("bad stream header from %s: %w", s.peer, err)
	}

	log.Printf("Session %s: experiment '%s', sender '%s' (id %d), %d schemas",
		s.peer, s.experiment, s.senderName, s.senderID, len(s.tables))

	for {
		ln, err := br.ReadString('\n')
		if ln != "" {
			s.handleLine(strings.TrimRight(ln, "\r\n"))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) readHeaders(br *bufio.Reader) error {
	var schemas []string

	for {
		ln, err := br.ReadString('\n')
		if err != nil {
			return fmt.Errorf("header block not terminated: %w", err)
		}
		ln = strings.TrimRight(ln, "\r\n")
		if ln == "" {
			break
		}

		key, value, err := parseHeaderLine(ln)
		if err != nil {
			return fmt.Errorf("%w: '%s'", err, ln)
		}

		switch key {
		case "protocol":
			// accepted for compatibility, version is not enforced
		case "experiment-id", "domain":
			s.experiment = value
		case "sender-id":
			s.senderName = value
		case "content":
			if value != "text" {
				return errBadContent
			}
		case "start-time", "start_time", "app-name":
			// informational
		case "schema":
			schemas = append(schemas, value)
		default:
			log.Printf("Session %s: ignoring unknown header '%s'", s.peer, key)
		}
	}

	if s.experiment == "" {
		return fmt.Errorf("missing experiment-id header")
	}
	if s.senderName == "" {
		return fmt.Errorf("missing sender-id header")
	}

	db, err := acquireDatabase(s.cfg, s.experiment)
	if err != nil {
		return fmt.Errorf("could not open database '%s': %w", s.experiment, err)
	}
	s.db = db

	if s.senderID, err = db.AddSender(s.senderName); err != nil {
		return fmt.Errorf("could not allocate sender id for '%s': %w", s.senderName, err)
	}

	for _, meta := range schemas {
		if err := s.registerSchema(meta); err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) registerSchema(meta string) error {
	index, sc, err := schema.FromMeta(meta)
	if err != nil {
		return fmt.Errorf("bad schema declaration: %w", err)
	}
	if index <= 0 {
		return fmt.Errorf("schema index %d out of range in '%s'", index, meta)
	}
	if _, ok := s.tables[index]; ok {
		return fmt.Errorf("duplicate schema index %d", index)
	}

	tbl, err := s.db.RegisterSchema(sc)
	if err != nil {
		return fmt.Errorf("could not register schema '%s': %w", sc.Name, err)
	}

	s.tables[index] = tbl
	return nil
}

// handleLine routes one measurement line. Failures drop the row and
// keep the session alive.
func (s *Session) handleLine(ln string) {
	if ln == "" {
		return
	}

	m, err := parseMeasurementLine(ln)
	if err != nil {
		atomic.AddInt64(&rowsDropped, 1)
		log.Printf("Session %s: dropping malformed line: %s", s.peer, err.Error())
		return
	}

	tbl, ok := s.tables[m.schemaIndex]
	if !ok {
		atomic.AddInt64(&rowsDropped, 1)
		log.Printf("Session %s: dropping line for unknown schema index %d", s.peer, m.schemaIndex)
		return
	}

	fields := tbl.Schema.Fields
	if len(m.fields) != len(fields) {
		atomic.AddInt64(&rowsDropped, 1)
		log.Printf("Session %s: dropping line with %d values for %d fields of '%s'",
			s.peer, len(m.fields), len(fields), tbl.Schema.Name)
		return
	}

	values := make([]schema.Value, len(fields))
	for k, text := range m.fields {
		v, err := schema.ParseValue(fields[k].Type, text)
		if err != nil {
			atomic.AddInt64(&rowsDropped, 1)
			log.Printf("Session %s: dropping line, value %d not a %s: %s",
				s.peer, k, fields[k].Type, err.Error())
			return
		}
		values[k] = v
	}

	if err := s.db.Insert(tbl, s.senderID, m.seq, m.ts, values); err != nil {
		atomic.AddInt64(&rowsDropped, 1)
		log.Printf("Session %s: insert failed: %s", s.peer, err.Error())
		return
	}

	atomic.AddInt64(&rowsInserted, 1)
}

// AddStats fills stats keys describing server activity.
func AddStats(m map[string]string) {
	m["SRV_rows_inserted"] = fmt.Sprint(atomic.LoadInt64(&rowsInserted))
	m["SRV_rows_dropped"] = fmt.Sprint(atomic.LoadInt64(&rowsDropped))
	m["SRV_sessions_active"] = fmt.Sprint(atomic.LoadInt64(&sessionsActive))
	m["SRV_sessions_total"] = fmt.Sprint(atomic.LoadInt64(&sessionsTotal))
}
