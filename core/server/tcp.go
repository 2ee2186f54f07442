package server

import (
	"log"
	"net"
	"time"
)

// idleTimeout drops sessions whose injection point went silent without
// closing the connection.
const idleTimeout = 10 * time.Minute

// ListenTCP runs the accept loop for injection points. It only returns
// on listener failure.
func ListenTCP(hostport string, cfg Config) error {
	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Printf("Listening %s (TCP)", hostport)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		go handleConn(conn, cfg)
	}
}

func handleConn(conn net.Conn, cfg Config) {
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	s := NewSession(cfg, peer)

	if err := s.Run(&idleConn{Conn: conn}); err != nil {
		log.Printf("Session %s ended: %s", peer, err.Error())
		return
	}

	if debug {
		log.Printf("Session %s closed", peer)
	}
}

// idleConn refreshes the read deadline on every read so only truly
// idle sessions get dropped.
type idleConn struct {
	net.Conn
}

func (c *idleConn) Read(p []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(idleTimeout))
	return c.Conn.Read(p)
}
