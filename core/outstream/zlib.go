package outstream

import (
	"github.com/klauspost/compress/gzip"
)

// zlibFlushThreshold is how many uncompressed bytes are fed to deflate
// before a sync flush. Each flush emits the 00 00 FF FF empty-block
// marker, giving offline readers a point to resync to after stream
// damage.
const zlibFlushThreshold = 16 << 10

// ZlibStream wraps another OutStream with a streaming gzip deflater.
// The gzip framing (1F 8B magic, header, trailer) lets standard
// tooling decompress the result.
type ZlibStream struct {
	inner OutStream
	gz    *gzip.Writer

	headerWritten bool
	sinceFlush    int
}

// innerWriter adapts an OutStream to io.Writer for the deflater;
// compressed bytes carry no header of their own.
type innerWriter struct {
	os OutStream
}

func (w *innerWriter) Write(p []byte) (int, error) {
	return w.os.Write(p, nil)
}

// NewZlib wraps inner with gzip compression at the given level
// (gzip.DefaultCompression when level is 0).
func NewZlib(inner OutStream, level int) (*ZlibStream, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}

	gz, err := gzip.NewWriterLevel(&innerWriter{os: inner}, level)
	if err != nil {
		return nil, err
	}

	return &ZlibStream{inner: inner, gz: gz}, nil
}

func (s *ZlibStream) Write(body, header []byte) (int, error) {
	if !s.headerWritten && len(header) > 0 {
		if _, err := s.gz.Write(header); err != nil {
			return 0, err
		}
		s.headerWritten = true
		s.sinceFlush += len(header)
	}

	n, err := s.gz.Write(body)
	if err != nil {
		return n, err
	}
	s.sinceFlush += n

	if s.sinceFlush >= zlibFlushThreshold {
		if err := s.gz.Flush(); err != nil {
			return n, err
		}
		s.sinceFlush = 0
	}

	return n, nil
}

// Close finishes the deflate stream, forwards the gzip trailer and
// closes the inner stream.
func (s *ZlibStream) Close() error {
	if err := s.gz.Close(); err != nil {
		s.inner.Close()
		return err
	}
	return s.inner.Close()
}
