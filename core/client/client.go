// Package client assembles the measurement upload path of an
// injection point: a collection URI becomes an OutStream, optionally
// zlib-wrapped, drained by a BufferedWriter.
package client

import (
	"fmt"
	"net"

	"github.com/openmeasure/pointhouse/core/bufwriter"
	"github.com/openmeasure/pointhouse/core/collector"
	"github.com/openmeasure/pointhouse/core/outstream"
	"github.com/openmeasure/pointhouse/core/uri"
)

const (
	// DefaultService is the collector port used when the URI names none.
	DefaultService = "3003"

	defaultQueueCapacity = 1 << 20
	defaultChainLen      = 8
)

// Options tunes the buffering and framing of one upload stream.
type Options struct {
	QueueCapacity int  // bytes held at most; 0 = default
	ChainLen      int  // chunks the capacity is split into; 0 = default
	Compress      bool // wrap the sink in gzip framing

	// FailoverURIs are additional collection URIs (same network
	// protocol as the primary) the writer rotates to when the current
	// collector fails.
	FailoverURIs []string
}

// New parses a collection URI and starts a BufferedWriter draining
// into it. The writer owns the underlying stream.
func New(collectionURI string, opts Options) (*bufwriter.Writer, error) {
	parts, err := uri.Parse(collectionURI)
	if err != nil {
		return nil, err
	}

	var out outstream.OutStream
	if len(opts.FailoverURIs) > 0 {
		out, err = newFailoverStream(parts, opts.FailoverURIs)
	} else {
		out, err = outstream.New(parts, DefaultService)
	}
	if err != nil {
		return nil, err
	}

	if opts.Compress {
		zs, err := outstream.NewZlib(out, 0)
		if err != nil {
			out.Close()
			return nil, err
		}
		out = zs
	}

	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	chainLen := opts.ChainLen
	if chainLen <= 0 {
		chainLen = defaultChainLen
	}

	return bufwriter.New(out, capacity, chainLen), nil
}

// newFailoverStream builds a network stream rotating across the
// primary and failover collectors.
func newFailoverStream(primary uri.Parts, failoverURIs []string) (outstream.OutStream, error) {
	proto := primary.Protocol
	if proto == "" {
		proto = "tcp"
	}
	if proto != "tcp" && proto != "udp" {
		return nil, fmt.Errorf("failover collectors need a network protocol, got '%s'", proto)
	}

	endpoints := []collector.HostPort{endpoint(primary)}
	for _, u := range failoverURIs {
		parts, err := uri.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("bad failover URI '%s': %w", u, err)
		}
		if parts.Protocol != "" && parts.Protocol != proto {
			return nil, fmt.Errorf("failover URI '%s' does not use protocol '%s'", u, proto)
		}
		endpoints = append(endpoints, endpoint(parts))
	}

	return outstream.NewNetMulti(proto, collector.NewSet(endpoints)), nil
}

func endpoint(p uri.Parts) collector.HostPort {
	port := p.Port
	if port == "" {
		port = DefaultService
	}
	return collector.HostPort(net.JoinHostPort(p.Path, port))
}
