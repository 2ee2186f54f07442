package psql

import (
	"encoding/binary"
	"math"
)

// Binary parameter encoders for the PostgreSQL wire format. Each
// writes into a scratch buffer owned by the table handle and returns
// the number of bytes used, which becomes the parameter length.

const hexDigits = "0123456789abcdef"

func putInt32(buf []byte, v int32) int {
	binary.BigEndian.PutUint32(buf, uint32(v))
	return 4
}

func putInt64(buf []byte, v int64) int {
	binary.BigEndian.PutUint64(buf, uint64(v))
	return 8
}

// putUint32 widens to int64 so the value survives PostgreSQL's lack of
// unsigned types; the column is INT8.
func putUint32(buf []byte, v uint32) int {
	return putInt64(buf, int64(v))
}

// putUint64 keeps the bit pattern; values above 2^63-1 alias to
// negative BIGINTs.
func putUint64(buf []byte, v uint64) int {
	return putInt64(buf, int64(v))
}

func putDouble(buf []byte, v float64) int {
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return 8
}

func putBool(buf []byte, v bool) int {
	if v {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	return 1
}

// escapeBytea renders a blob in PostgreSQL's hex input form ("\x…")
// for text-format transmission.
func escapeBytea(buf, blob []byte) []byte {
	need := 2 + 2*len(blob)
	if cap(buf) < need {
		buf = make([]byte, 0, need)
	}
	buf = buf[:0]
	buf = append(buf, '\\', 'x')
	for _, b := range blob {
		buf = append(buf, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return buf
}
