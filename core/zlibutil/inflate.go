// Package zlibutil recovers measurement data from compressed files,
// including files whose tail was lost when a collection run was cut
// short. Recovery scans for resync markers: the gzip magic (1F 8B)
// starting a new member, and the empty-block marker (00 00 FF FF)
// a sync flush leaves between message groups.
package zlibutil

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	blockMarker = []byte{0x00, 0x00, 0xff, 0xff}

	// ErrNoSync reports stream damage with no resync marker to recover at.
	ErrNoSync = errors.New("compressed stream damaged and no resync marker found")
)

// decompressor reads may run a few bytes past the failure point; the
// marker search backtracks this much to compensate.
const overshootSlack = 8

// FindSync returns the offset of the first resync marker in buf, or -1
// if none is present.
func FindSync(buf []byte) int {
	g := bytes.Index(buf, gzipMagic)
	b := bytes.Index(buf, blockMarker)

	switch {
	case g < 0:
		return b
	case b < 0:
		return g
	case b < g:
		return b
	}
	return g
}

func indexFrom(data, marker []byte, from int) int {
	if from < 0 {
		from = 0
	}
	if from >= len(data) {
		return -1
	}
	if i := bytes.Index(data[from:], marker); i >= 0 {
		return from + i
	}
	return -1
}

// findSyncFrom is FindSync constrained to offsets >= from.
func findSyncFrom(data []byte, from int) (offset int, isGzip bool) {
	g := indexFrom(data, gzipMagic, from)
	b := indexFrom(data, blockMarker, from)

	switch {
	case g < 0 && b < 0:
		return -1, false
	case g < 0:
		return b, false
	case b < 0:
		return g, true
	case b < g:
		return b, false
	}
	return g, true
}

// Inflate decompresses a gzip-framed stream into dst, tolerating
// damaged or truncated input. After a decode error it resumes at the
// next resync marker: at a gzip magic it restarts a fresh member, at
// an empty-block marker it resumes raw deflate just past it.
//
// It returns nil when the stream terminated cleanly, or when at least
// one resync succeeded (or a flush boundary preceded a truncated
// tail); ErrNoSync or the decode error otherwise.
func Inflate(src io.Reader, dst io.Writer) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	pos := 0
	raw := false // resuming raw deflate after an empty-block marker
	resyncs := 0

	for pos < len(data) {
		br := bytes.NewReader(data[pos:])

		var zr io.ReadCloser
		if raw {
			zr = flate.NewReader(br)
			err = nil
		} else {
			var gz *gzip.Reader
			gz, err = gzip.NewReader(br)
			if err == nil {
				gz.Multistream(false)
				zr = gz
			}
		}

		if err == nil {
			_, err = io.Copy(dst, zr)
			zr.Close()
		}

		consumed := pos + int(br.Size()) - br.Len()

		if err == nil {
			// clean member end; pick up a following member if any
			m := indexFrom(data, gzipMagic, consumed)
			if m < 0 {
				return nil
			}
			pos, raw = m, false
			continue
		}

		from := consumed - overshootSlack
		if from <= pos {
			from = pos + 1
		}

		m, isGzip := findSyncFrom(data, from)
		if m < 0 {
			if resyncs > 0 {
				return nil
			}
			if truncated(err) && bytes.Contains(data[:consumed], blockMarker) {
				// tail lost mid-record; everything up to the last
				// flush boundary has already been emitted
				return nil
			}
			return err
		}

		resyncs++
		if isGzip {
			pos, raw = m, false
		} else {
			pos, raw = m+len(blockMarker), true
		}
	}

	if resyncs > 0 {
		return nil
	}
	return ErrNoSync
}

func truncated(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
