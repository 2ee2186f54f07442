package server

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func TestParseHeaderLine(t *testing.T) {
	k, v, err := parseHeaderLine("experiment-id: exp1")
	if err != nil || k != "experiment-id" || v != "exp1" {
		t.Fatalf("Got (%s, %s, %v)", k, v, err)
	}

	if _, _, err := parseHeaderLine("no separator"); err == nil {
		t.Fatal("Expected error for separator-less line")
	}
	if _, _, err := parseHeaderLine(": empty key"); err == nil {
		t.Fatal("Expected error for empty key")
	}
}

func TestParseMeasurementLine(t *testing.T) {
	m, err := parseMeasurementLine("1.5\t2\t7\t3.14\ttrue")
	if err != nil {
		t.Fatalf("Could not parse: %s", err.Error())
	}
	if m.ts != 1.5 || m.schemaIndex != 2 || m.seq != 7 {
		t.Fatalf("Wrong envelope: %+v", m)
	}
	if len(m.fields) != 2 || m.fields[0] != "3.14" || m.fields[1] != "true" {
		t.Fatalf("Wrong fields: %+v", m.fields)
	}

	needError := func(ln string) {
		if _, err := parseMeasurementLine(ln); err == nil {
			t.Errorf("Expected error for '%s'", ln)
		}
	}
	needError("1.5\t2")
	needError("x\t2\t7")
	needError("1.5\tx\t7")
	needError("1.5\t2\tx")
}

func sqliteConfig(t *testing.T) Config {
	t.Helper()
	return Config{Backend: "sqlite", SQLiteDir: t.TempDir()}
}

func countRows(t *testing.T, dir, dbName, table string) int {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(dir, dbName+".sq3"))
	if err != nil {
		t.Fatalf("Could not open database file: %s", err.Error())
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "` + table + `";`).Scan(&n); err != nil {
		t.Fatalf("Could not count rows: %s", err.Error())
	}
	return n
}

func TestSessionEndToEnd(t *testing.T) {
	cfg := sqliteConfig(t)

	stream := strings.Join([]string{
		"protocol: 4",
		"domain: exp-sess",
		"start-time: 1700000000",
		"sender-id: client1",
		"app-name: power_mon",
		"content: text",
		"schema: 1 power v:double ok:bool",
		"",
		"0.5\t1\t1\t3.14\ttrue",
		"0.7\t1\t2\t2.71\tfalse",
		"not a measurement line",
		"0.8\t9\t3\t1\ttrue",
		"0.9\t1\t4\tNaN-ish\ttrue",
		"1.1\t1\t5\t1.0\ttrue",
		"",
	}, "\n")

	s := NewSession(cfg, "test-peer")
	if err := s.Run(strings.NewReader(stream)); err != nil {
		t.Fatalf("Session failed: %s", err.Error())
	}

	// three well-formed rows for schema 1; the malformed line, the
	// unknown schema index and the type mismatch are dropped
	if n := countRows(t, cfg.SQLiteDir, "exp-sess", "power"); n != 3 {
		t.Fatalf("Got %d rows, want 3", n)
	}
	if n := countRows(t, cfg.SQLiteDir, "exp-sess", "_senders"); n != 1 {
		t.Fatalf("Got %d senders, want 1", n)
	}
}

func TestSessionRequiresHeaders(t *testing.T) {
	cfg := sqliteConfig(t)

	needError := func(stream string) {
		t.Helper()
		s := NewSession(cfg, "test-peer")
		if err := s.Run(strings.NewReader(stream)); err == nil {
			t.Error("Expected session error")
		}
	}

	needError("sender-id: c1\n\n")                       // no experiment
	needError("domain: e1\n\n")                          // no sender
	needError("domain: e1\nsender-id: c1\ncontent: binary\n\n") // unsupported content
	needError("domain: e1\nsender-id: c1\nschema: bogus\n\n")
}

func TestSessionSharedDatabase(t *testing.T) {
	cfg := sqliteConfig(t)

	stream := func(sender string, seq int) string {
		return strings.Join([]string{
			"domain: exp-shared",
			"sender-id: " + sender,
			"content: text",
			"schema: 1 load l:int32",
			"",
			"0.1\t1\t" + string(rune('0'+seq)) + "\t42",
			"",
		}, "\n")
	}

	s1 := NewSession(cfg, "p1")
	if err := s1.Run(strings.NewReader(stream("alpha", 1))); err != nil {
		t.Fatalf("First session failed: %s", err.Error())
	}

	s2 := NewSession(cfg, "p2")
	if err := s2.Run(strings.NewReader(stream("beta", 2))); err != nil {
		t.Fatalf("Second session failed: %s", err.Error())
	}

	if n := countRows(t, cfg.SQLiteDir, "exp-shared", "load"); n != 2 {
		t.Fatalf("Got %d rows, want 2", n)
	}
	if n := countRows(t, cfg.SQLiteDir, "exp-shared", "_senders"); n != 2 {
		t.Fatalf("Got %d senders, want 2", n)
	}
}
