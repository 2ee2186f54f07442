// Package outstream provides the byte sinks a BufferedWriter drains
// into: plain files, TCP/UDP connections, and compressing wrappers.
package outstream

import (
	"errors"
	"fmt"

	"github.com/openmeasure/pointhouse/core/uri"
)

// OutStream is a polymorphic byte sink. Write sends header first if
// the underlying transport is fresh (newly opened or reconnected),
// then body, and returns the number of body bytes accepted.
type OutStream interface {
	Write(body, header []byte) (int, error)
	Close() error
}

// permanentError marks a write failure that retrying will not fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that IsRecoverable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRecoverable reports whether a Write error is worth retrying.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	return !errors.As(err, &pe)
}

// New creates an OutStream for a parsed collection URI. An absent
// protocol means tcp; the default service is applied when the URI
// carries none.
func New(p uri.Parts, defaultService string) (OutStream, error) {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}

	switch proto {
	case "file":
		return NewFile(p.Path, false)
	case "flush":
		return NewFile(p.Path, true)
	case "tcp", "udp":
		port := p.Port
		if port == "" {
			port = defaultService
		}
		return NewNet(proto, p.Path, port), nil
	}

	return nil, fmt.Errorf("unsupported collection protocol '%s'", proto)
}
