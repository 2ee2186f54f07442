// Package uri parses collection URIs of the form [proto:]path[:service].
package uri

import (
	"errors"
	"log"
	"net"
	"strconv"
	"strings"
)

// Type classifies the scheme of a collection URI.
type Type int

const (
	Unknown Type = iota
	File
	FileFlush
	TCP
	UDP
)

var (
	errEmptyURI = errors.New("collection URI is empty")
	errNoPath   = errors.New("collection URI does not contain a hostname/path")
)

// TypeOf returns the scheme type of uri based on its prefix.
func TypeOf(uri string) Type {
	switch {
	case strings.HasPrefix(uri, "flush"):
		return FileFlush
	case strings.HasPrefix(uri, "file"):
		return File
	case strings.HasPrefix(uri, "tcp"):
		return TCP
	case strings.HasPrefix(uri, "udp"):
		return UDP
	}
	return Unknown
}

// IsFile reports whether t selects a local file sink.
func (t Type) IsFile() bool { return t == File || t == FileFlush }

// IsNetwork reports whether t selects a network transport.
func (t Type) IsNetwork() bool { return t == TCP || t == UDP }

// Parts is a parsed collection URI. Empty strings mean the component
// was absent.
type Parts struct {
	Protocol string
	Path     string
	Port     string
}

// Parse splits a collection URI into protocol, path and port.
// Bracketed IPv6 addresses are supported for network protocols:
// "tcp:[::1]:3003" parses to ("tcp", "::1", "3003").
func Parse(uri string) (Parts, error) {
	if uri == "" {
		return Parts{}, errEmptyURI
	}

	uriType := TypeOf(uri)
	var parts [3]string

	if open := strings.IndexByte(uri, '['); open >= 0 {
		closing := strings.IndexByte(uri[open:], ']')
		if closing < 0 {
			return Parts{}, errors.New("unterminated '[' in collection URI")
		}
		closing += open

		i := 0
		if before := strings.TrimSuffix(uri[:open], ":"); before != "" {
			parts[i] = before
			i++
		}
		parts[i] = uri[open+1 : closing]
		i++
		parts[i] = strings.TrimPrefix(uri[closing+1:], ":")
	} else {
		cols := strings.SplitN(uri, ":", 3)
		copy(parts[:], cols)
	}

	switch {
	case parts[0] != "" && parts[1] != "":
		if uriType.IsNetwork() {
			return Parts{Protocol: parts[0], Path: parts[1], Port: parts[2]}, nil
		}
		if uriType.IsFile() {
			return Parts{Protocol: parts[0], Path: parts[1]}, nil
		}
		log.Printf("Collection URI '%s' has unknown scheme, treating '%s' as host and '%s' as port", uri, parts[0], parts[1])
		return Parts{Path: parts[0], Port: parts[1]}, nil

	case parts[0] != "" && parts[2] != "":
		// "abc::123" leaves no hostname to connect to
		return Parts{}, errNoPath

	case parts[0] != "":
		if uriType != Unknown {
			log.Printf("Collection URI with scheme '%s' but no path, assuming 'tcp:%s'", parts[0], parts[0])
		}
		return Parts{Path: parts[0]}, nil
	}

	return Parts{}, errEmptyURI
}

// Render produces the canonical textual form of p. A path containing
// a colon (an IPv6 address) is bracketed, with or without a port.
func (p Parts) Render() string {
	var b strings.Builder
	if p.Protocol != "" {
		b.WriteString(p.Protocol)
		b.WriteByte(':')
	}
	if strings.Contains(p.Path, ":") {
		b.WriteByte('[')
		b.WriteString(p.Path)
		b.WriteByte(']')
	} else {
		b.WriteString(p.Path)
	}
	if p.Port != "" {
		b.WriteByte(':')
		b.WriteString(p.Port)
	}
	return b.String()
}

// ResolveService turns a service name or numeric port into a port
// number, falling back to defport when it cannot be resolved.
func ResolveService(service string, defport int) int {
	if service == "" {
		return defport
	}

	if n, err := strconv.Atoi(service); err == nil {
		return n
	}

	if n, err := net.LookupPort("tcp", service); err == nil {
		return n
	}

	log.Printf("Could not resolve service '%s', defaulting to %d", service, defport)
	return defport
}
