package outstream

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/vkcom/engine-go/srvfunc"

	"github.com/openmeasure/pointhouse/core/collector"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = time.Minute
)

var errNoCollectors = errors.New("no usable collector endpoint")

// NetStream writes to a network collector. A failed write drops the
// connection; the next write redials and reports the transport as
// fresh so that the caller's header (metadata prologue) is replayed.
// With a collector set attached, redials fail over across endpoints.
type NetStream struct {
	proto    string // "tcp" or "udp"
	hostport string
	set      *collector.Set

	conn          net.Conn
	cur           collector.HostPort
	headerWritten bool
}

// NewNet creates a stream to host:port without connecting yet; the
// first Write dials.
func NewNet(proto, host, port string) *NetStream {
	return &NetStream{proto: proto, hostport: net.JoinHostPort(host, port)}
}

// NewNetMulti creates a stream that fails over across a set of
// interchangeable collectors.
func NewNetMulti(proto string, set *collector.Set) *NetStream {
	return &NetStream{proto: proto, set: set}
}

func (s *NetStream) dial(hostport string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	return srvfunc.CachingDialer(ctx, s.proto, hostport)
}

func (s *NetStream) connect() error {
	hostport := s.hostport
	if s.set != nil {
		ep, ok := s.set.Pick()
		if !ok {
			return errNoCollectors
		}
		hostport = string(ep)
		s.cur = ep
	}

	conn, err := s.dial(hostport)
	if err != nil {
		s.disableCurrent()
		return err
	}

	s.conn = conn
	s.headerWritten = false
	log.Printf("Connected to collector at %s (%s)", hostport, s.proto)
	return nil
}

// disableCurrent takes the failed endpoint out of rotation until a
// probe dial succeeds again.
func (s *NetStream) disableCurrent() {
	if s.set == nil || s.cur == "" {
		return
	}

	s.set.MarkDown(s.cur, func(ep collector.HostPort) error {
		c, err := s.dial(string(ep))
		if err != nil {
			return err
		}
		c.Close()
		return nil
	})
}

func (s *NetStream) dropConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.disableCurrent()
}

func (s *NetStream) Write(body, header []byte) (int, error) {
	if s.conn == nil {
		if err := s.connect(); err != nil {
			return 0, err
		}
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	if !s.headerWritten && len(header) > 0 {
		if _, err := s.conn.Write(header); err != nil {
			s.dropConn()
			return 0, err
		}
		s.headerWritten = true
	}

	n, err := s.conn.Write(body)
	if err != nil {
		s.dropConn()
		return n, err
	}

	return n, nil
}

func (s *NetStream) Close() error {
	if s.set != nil {
		defer s.set.Destroy()
	}
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
