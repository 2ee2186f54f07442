package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// The text measurement protocol: a block of "key: value" headers
// terminated by a blank line, followed by one tab-separated
// measurement per line:
//
//	<ts>\t<schema index>\t<seq>\t<v1>\t...\t<vN>
//
// ts is seconds relative to the injection point's start time.

var (
	errBadHeader  = errors.New("malformed header line")
	errShortLine  = errors.New("measurement line has fewer than 3 columns")
	errBadContent = errors.New("only 'text' content is supported")
)

type measurement struct {
	ts          float64
	schemaIndex int
	seq         int32
	fields      []string
}

func parseHeaderLine(ln string) (key, value string, err error) {
	colon := strings.IndexByte(ln, ':')
	if colon <= 0 {
		return "", "", errBadHeader
	}
	return strings.TrimSpace(ln[:colon]), strings.TrimSpace(ln[colon+1:]), nil
}

func parseMeasurementLine(ln string) (m measurement, err error) {
	cols := strings.Split(ln, "\t")
	if len(cols) < 3 {
		return m, errShortLine
	}

	if m.ts, err = strconv.ParseFloat(cols[0], 64); err != nil {
		return m, fmt.Errorf("bad timestamp '%s': %s", cols[0], err.Error())
	}

	if m.schemaIndex, err = strconv.Atoi(cols[1]); err != nil {
		return m, fmt.Errorf("bad schema index '%s': %s", cols[1], err.Error())
	}

	seq, err := strconv.ParseInt(cols[2], 10, 32)
	if err != nil {
		return m, fmt.Errorf("bad sequence number '%s': %s", cols[2], err.Error())
	}
	m.seq = int32(seq)

	m.fields = cols[3:]
	return m, nil
}
