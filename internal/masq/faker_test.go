package masq

import (
	"strings"
	"testing"
)

func TestHeadersCarryOnePlaceholder(t *testing.T) {
	tests := []struct {
		name   string
		header func() string
		prefix string
		line   string
	}{
		{name: "get", header: GetHeader, prefix: "GET /", line: "Cookie: "},
		{name: "post", header: PostHeader, prefix: "POST /", line: "Content-Length: $"},
		{name: "response", header: ResponseHeader, prefix: "HTTP/1.1 200 OK", line: "Content-Length: $"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 200 {
				h := tt.header()
				if !strings.HasPrefix(h, tt.prefix) {
					t.Fatalf("header does not start with %q: %q", tt.prefix, h)
				}
				if !strings.HasSuffix(h, CRLF+CRLF) {
					t.Fatalf("header not terminated: %q", h)
				}
				if strings.Count(h, Placeholder) != 1 {
					t.Fatalf("want exactly one placeholder: %q", h)
				}
				if !strings.Contains(h, tt.line) {
					t.Fatalf("missing %q: %q", tt.line, h)
				}
			}
		})
	}
}

func TestRandomURL(t *testing.T) {
	for range 300 {
		u := RandomURL(true)
		if !strings.HasPrefix(u, "http://") || !strings.Contains(u, "?") {
			t.Fatalf("unexpected url %q", u)
		}
	}
}
