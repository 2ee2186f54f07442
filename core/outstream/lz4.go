package outstream

import (
	"github.com/pierrec/lz4"
)

// LZ4Stream wraps another OutStream with LZ4 frame compression. It is
// used for local spool files where decompression speed matters more
// than ratio.
type LZ4Stream struct {
	inner OutStream
	zw    *lz4.Writer

	headerWritten bool
}

// NewLZ4 wraps inner with an LZ4 frame writer.
func NewLZ4(inner OutStream) *LZ4Stream {
	return &LZ4Stream{inner: inner, zw: lz4.NewWriter(&innerWriter{os: inner})}
}

func (s *LZ4Stream) Write(body, header []byte) (int, error) {
	if !s.headerWritten && len(header) > 0 {
		if _, err := s.zw.Write(header); err != nil {
			return 0, err
		}
		s.headerWritten = true
	}

	n, err := s.zw.Write(body)
	if err != nil {
		return n, err
	}

	if err := s.zw.Flush(); err != nil {
		return n, err
	}

	return n, nil
}

func (s *LZ4Stream) Close() error {
	if err := s.zw.Close(); err != nil {
		s.inner.Close()
		return err
	}
	return s.inner.Close()
}
