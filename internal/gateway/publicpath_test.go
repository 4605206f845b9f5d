package gateway

import "testing"

func TestParsePublicPathsRejectsMalformed(t *testing.T) {
	for _, entry := range []string{"", "/health", "host|health", "|/x"} {
		if _, err := ParsePublicPaths([]string{entry}); err == nil {
			t.Errorf("entry %q should be rejected", entry)
		}
	}
}

func TestPublicPathsMatch(t *testing.T) {
	pp, err := ParsePublicPaths([]string{
		"*|/health",
		"*|/docs/*",
		"api.example.com|/v1/status",
		"*|/files/*/preview",
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		host, path string
		want       bool
	}{
		{"anything.example.com", "/health", true},
		{"anything.example.com", "/healthz", false},
		{"x", "/docs", true},
		{"x", "/docs/guide/intro", true},
		{"api.example.com", "/v1/status", true},
		{"API.Example.Com:8443", "/v1/status", true},
		{"other.example.com", "/v1/status", false},
		{"x", "/files/abc/preview", true},
		{"x", "/files/abc/def/preview", false},
		{"x", "/", false},
	}
	for _, tt := range tests {
		if got := pp.Match(tt.host, tt.path); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.host, tt.path, got, tt.want)
		}
	}
}

func TestHostFromRequest(t *testing.T) {
	r := newRequest("GET", "/x")
	r.Host = "gateway.internal:8080"
	r.Header.Set("X-Forwarded-Host", "api.example.com:443, gateway.internal")

	if got := HostFromRequest(r, true); got != "api.example.com" {
		t.Errorf("trusted: got %q", got)
	}
	if got := HostFromRequest(r, false); got != "gateway.internal" {
		t.Errorf("untrusted must use the Host header, got %q", got)
	}

	r.Header.Del("X-Forwarded-Host")
	if got := HostFromRequest(r, true); got != "gateway.internal" {
		t.Errorf("missing header must fall back to Host, got %q", got)
	}
}

func TestClientIPTrustedHeaders(t *testing.T) {
	r := newRequest("GET", "/x")
	r.RemoteAddr = "10.0.0.1:4242"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := ClientIP(r, true); got != "203.0.113.9" {
		t.Errorf("trusted: got %q", got)
	}
	if got := ClientIP(r, false); got != "10.0.0.1" {
		t.Errorf("untrusted must use the socket address, got %q", got)
	}
}
