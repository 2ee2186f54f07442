package client

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmeasure/pointhouse/core/zlibutil"
)

func TestFileUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.msr")

	w, err := New("flush:"+path, Options{})
	if err != nil {
		t.Fatalf("Could not create writer: %s", err.Error())
	}

	w.PushMeta([]byte("headers\n"))
	w.Push([]byte("m1\n"))
	w.Push([]byte("m2\n"))
	w.Close()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Could not read back: %s", err.Error())
	}
	if !bytes.Equal(got, []byte("headers\nheaders\nm1\nm2\n")) {
		t.Fatalf("Wrong file contents: %q", got)
	}
}

func TestCompressedFileUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.msr.gz")

	w, err := New("file:"+path, Options{Compress: true})
	if err != nil {
		t.Fatalf("Could not create writer: %s", err.Error())
	}

	meta := []byte("headers\n")
	body := bytes.Repeat([]byte("measurement|"), 500)
	w.PushMeta(meta)
	w.Push(body)
	w.Close()

	comp, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Could not read back: %s", err.Error())
	}
	if len(comp) < 2 || comp[0] != 0x1f || comp[1] != 0x8b {
		t.Fatal("Output is not gzip framed")
	}

	var got bytes.Buffer
	if err := zlibutil.Inflate(bytes.NewReader(comp), &got); err != nil {
		t.Fatalf("Inflate failed: %s", err.Error())
	}

	var want bytes.Buffer
	want.Write(meta) // prologue replay on the fresh stream
	want.Write(meta) // in-band copy
	want.Write(body)
	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Fatalf("Round trip mismatch: got %d bytes, want %d", got.Len(), want.Len())
	}
}

func TestFailoverUpload(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Could not listen: %s", err.Error())
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf, _ := io.ReadAll(conn)
		received <- buf
	}()

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Could not listen: %s", err.Error())
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	// the primary is dead; the writer's drain task must rotate to the
	// failover collector and replay the prologue there
	w, err := New("tcp:"+deadAddr, Options{
		FailoverURIs: []string{"tcp:" + ln.Addr().String()},
	})
	if err != nil {
		t.Fatalf("Could not create writer: %s", err.Error())
	}

	w.PushMeta([]byte("headers\n"))
	w.Push([]byte("m1\n"))
	w.Close()

	select {
	case got := <-received:
		if !bytes.HasPrefix(got, []byte("headers\n")) || !bytes.Contains(got, []byte("m1\n")) {
			t.Fatalf("Failover collector received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Failover collector received nothing")
	}
}

func TestFailoverNeedsNetworkProtocol(t *testing.T) {
	if _, err := New("file:/tmp/x.msr", Options{FailoverURIs: []string{"tcp:c1:3003"}}); err == nil {
		t.Error("File sink with failover URIs accepted")
	}
}

func TestBadURI(t *testing.T) {
	if _, err := New("", Options{}); err == nil {
		t.Error("Empty URI accepted")
	}
	if _, err := New("tcp::3003", Options{}); err == nil {
		t.Error("Path-less URI accepted")
	}
}
