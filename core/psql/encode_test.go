package psql

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestPutInt32(t *testing.T) {
	buf := make([]byte, 4)
	if n := putInt32(buf, -2); n != 4 {
		t.Fatalf("Wrong length %d", n)
	}
	if !bytes.Equal(buf, []byte{0xff, 0xff, 0xff, 0xfe}) {
		t.Fatalf("Wrong encoding %x", buf)
	}
}

func TestPutInt64(t *testing.T) {
	buf := make([]byte, 8)
	putInt64(buf, 0x0102030405060708)
	if !bytes.Equal(buf, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("Wrong encoding %x", buf)
	}
}

func TestPutUint32Promotes(t *testing.T) {
	buf := make([]byte, 8)
	if n := putUint32(buf, 0xffffffff); n != 8 {
		t.Fatalf("uint32 must widen to 8 bytes, got %d", n)
	}
	if got := binary.BigEndian.Uint64(buf); got != 0xffffffff {
		t.Fatalf("Value not preserved across promotion: %d", got)
	}
}

func TestPutUint64KeepsBits(t *testing.T) {
	buf := make([]byte, 8)
	putUint64(buf, 0x8000000000000001)
	// the sign aliases in the BIGINT column, but the bit pattern
	// round-trips
	if got := binary.BigEndian.Uint64(buf); got != 0x8000000000000001 {
		t.Fatalf("Bits not preserved: %x", got)
	}
}

func TestPutDouble(t *testing.T) {
	buf := make([]byte, 8)
	putDouble(buf, 3.14)
	if got := math.Float64frombits(binary.BigEndian.Uint64(buf)); got != 3.14 {
		t.Fatalf("Bits not preserved: %v", got)
	}
}

func TestPutBool(t *testing.T) {
	buf := make([]byte, 1)
	if n := putBool(buf, true); n != 1 || buf[0] != 1 {
		t.Fatalf("true encoded as (%d, %x)", n, buf)
	}
	if n := putBool(buf, false); n != 1 || buf[0] != 0 {
		t.Fatalf("false encoded as (%d, %x)", n, buf)
	}
}

func TestEscapeBytea(t *testing.T) {
	got := escapeBytea(nil, []byte{0x00, 0xde, 0xad, 0xbe, 0xef})
	if string(got) != `\x00deadbeef` {
		t.Fatalf("Wrong escape: %s", got)
	}

	// scratch reuse keeps the buffer when it is big enough
	scratch := make([]byte, 32)
	got = escapeBytea(scratch, []byte{0x01})
	if string(got) != `\x01` {
		t.Fatalf("Wrong escape with scratch: %s", got)
	}
}
