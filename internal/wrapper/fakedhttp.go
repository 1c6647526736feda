package wrapper

import (
	"bytes"
	"encoding/base64"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/die-net/agentx/internal/masq"
)

const (
	postThreshold = 512
	responseProbe = 200

	headerEnd     = masq.CRLF + masq.CRLF
	contentLength = "Content-Length: "
)

// FakedHTTP hides payloads in HTTP/1.1 messages. In request mode a payload
// is base64url encoded (unpadded) into either the Cookie header of a GET or
// the body of a POST; in response mode it follows a 200 response header.
type FakedHTTP struct {
	request bool
}

func NewFakedHTTP(requestMode bool) *FakedHTTP {
	return &FakedHTTP{request: requestMode}
}

func (h *FakedHTTP) Wrap(b []byte) ([]byte, error) {
	if !h.request {
		header := strings.Replace(masq.ResponseHeader(), masq.Placeholder, strconv.Itoa(len(b)), 1)
		return append([]byte(header), b...), nil
	}

	enc := base64.RawURLEncoding.EncodeToString(b)
	if len(b) > postThreshold || rand.IntN(10) < 2 {
		header := strings.Replace(masq.PostHeader(), masq.Placeholder, strconv.Itoa(len(enc)), 1)
		return []byte(header + enc), nil
	}
	return []byte(strings.Replace(masq.GetHeader(), masq.Placeholder, enc, 1)), nil
}

func (h *FakedHTTP) Unwrap(b []byte) ([]byte, error) {
	if h.request {
		return unwrapRequest(b)
	}
	return unwrapResponse(b)
}

func unwrapRequest(b []byte) ([]byte, error) {
	end := bytes.Index(b, []byte(headerEnd))
	if end < 0 {
		return nil, nil
	}
	header := string(b[:end+len(masq.CRLF)])

	var enc string
	switch {
	case strings.HasPrefix(header, masq.MethodGet+" "):
		v, ok := cookieValue(header)
		if !ok {
			return nil, formatErr("no payload cookie")
		}
		enc = v
	case strings.HasPrefix(header, masq.MethodPost+" "):
		n, ok := ContentLength(header)
		if !ok {
			return nil, formatErr("post without content length")
		}
		body := b[end+len(headerEnd):]
		if len(body) < n {
			return nil, nil
		}
		enc = string(body[:n])
	default:
		return nil, formatErr("unknown request method")
	}

	out, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(enc, "="))
	if err != nil {
		return nil, formatErr("payload encoding: %v", err)
	}
	return out, nil
}

func unwrapResponse(b []byte) ([]byte, error) {
	probe := string(b[:min(len(b), responseProbe)])
	if !strings.HasPrefix(probe, masq.Version11) {
		return nil, formatErr("not an http response")
	}
	n, ok := ContentLength(probe)
	if !ok {
		return nil, nil
	}
	if n > len(b) {
		return nil, nil
	}
	return append([]byte{}, b[len(b)-n:]...), nil
}

// cookieValue returns the value of the first cookie whose name contains an
// underscore.
func cookieValue(header string) (string, bool) {
	for _, line := range strings.Split(header, masq.CRLF) {
		v, ok := strings.CutPrefix(line, "Cookie: ")
		if !ok {
			continue
		}
		for _, c := range strings.Split(v, "; ") {
			name, value, ok := strings.Cut(c, "=")
			if ok && strings.Contains(name, "_") {
				return value, true
			}
		}
		return "", false
	}
	return "", false
}

// ContentLength extracts the Content-Length value from an HTTP header.
func ContentLength(header string) (int, bool) {
	i := strings.Index(header, contentLength)
	if i < 0 {
		return 0, false
	}
	rest := header[i+len(contentLength):]
	j := strings.Index(rest, masq.CRLF)
	if j < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:j])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
