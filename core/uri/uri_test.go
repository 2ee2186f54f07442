package uri

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		uri  string
		want Parts
	}{
		{"tcp:[::1]:3003", Parts{Protocol: "tcp", Path: "::1", Port: "3003"}},
		{"tcp:collector.example:3003", Parts{Protocol: "tcp", Path: "collector.example", Port: "3003"}},
		{"tcp:collector.example", Parts{Protocol: "tcp", Path: "collector.example"}},
		{"udp:10.0.0.1:3003", Parts{Protocol: "udp", Path: "10.0.0.1", Port: "3003"}},
		{"file:/tmp/out.log", Parts{Protocol: "file", Path: "/tmp/out.log"}},
		{"flush:/tmp/out.log", Parts{Protocol: "flush", Path: "/tmp/out.log"}},
		{"host.example:9999", Parts{Path: "host.example", Port: "9999"}},
		{"host.example", Parts{Path: "host.example"}},
		{"[::1]:3003", Parts{Path: "::1", Port: "3003"}},
	}

	for _, c := range cases {
		got, err := Parse(c.uri)
		if err != nil {
			t.Errorf("Parse('%s') failed: %s", c.uri, err.Error())
			continue
		}
		if got != c.want {
			t.Errorf("Parse('%s') = %+v, want %+v", c.uri, got, c.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	needError := func(uri string) {
		if _, err := Parse(uri); err == nil {
			t.Errorf("Expected error for '%s'", uri)
		}
	}

	needError("")
	needError("tcp::3003")
	needError("tcp:[::1:3003")
}

func TestRenderRoundTrip(t *testing.T) {
	cases := []Parts{
		{Protocol: "tcp", Path: "collector.example", Port: "3003"},
		{Protocol: "tcp", Path: "::1", Port: "3003"},
		{Protocol: "file", Path: "/tmp/out.log"},
		{Path: "host.example", Port: "9999"},
	}

	for _, p := range cases {
		got, err := Parse(p.Render())
		if err != nil {
			t.Errorf("Parse(Render(%+v)) failed: %s", p, err.Error())
			continue
		}
		if got != p {
			t.Errorf("Round trip %+v -> '%s' -> %+v", p, p.Render(), got)
		}
	}
}

func TestTypeOf(t *testing.T) {
	if TypeOf("flush:/tmp/x") != FileFlush {
		t.Error("flush URI not detected")
	}
	if TypeOf("file:/tmp/x") != File {
		t.Error("file URI not detected")
	}
	if !TypeOf("tcp:h").IsNetwork() || !TypeOf("udp:h").IsNetwork() {
		t.Error("network URIs not detected")
	}
	if TypeOf("gopher:h") != Unknown {
		t.Error("unknown scheme misdetected")
	}
}

func TestResolveService(t *testing.T) {
	if got := ResolveService("3003", 5432); got != 3003 {
		t.Errorf("numeric service: got %d", got)
	}
	if got := ResolveService("", 5432); got != 5432 {
		t.Errorf("empty service: got %d", got)
	}
	if got := ResolveService("no-such-service-xyz", 5432); got != 5432 {
		t.Errorf("unresolvable service: got %d", got)
	}
}
