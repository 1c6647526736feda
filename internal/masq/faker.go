// Package masq generates plausible HTTP/1.1 request and response headers used
// to disguise tunnel traffic.
//
// Templates carry a single "$" placeholder: the Cookie value of a GET, the
// Content-Length of a POST or of a response.
package masq

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	CRLF        = "\r\n"
	Version11   = "HTTP/1.1"
	MethodGet   = "GET"
	MethodPost  = "POST"
	Response200 = "200 OK"
	Placeholder = "$"
)

var (
	entities = []string{
		"pub", "app", "articles", "question", "answer",
		"plugins", "account", "keywords", "blog", "en",
		"general", "doc", "game", "paper", "details",
		"index", "file", "resources", "book", "user",
		"map", "mail", "order", "people", "photo",
		"faq", "video", "support", "tools", "page",
		"news", "wiki", "html", "api", "package",
	}
	operations = []string{
		"login", "signup", "register", "new", "index",
		"add", "remove", "update", "search", "scan",
		"list", "like", "dislike", "q", "s",
		"submit", "download", "upload", "blob", "generate",
		"get", "delete", "confirm", "find",
	}
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	}
	domains = []string{
		"www.bing.com", "www.huawei.com", "www.mi.com", "www.apple.com", "www.amazon.com",
		"www.dell.com", "www.microsoft.com", "www.alibaba.com", "www.kfc.com", "www.yahoo.com",
		"www.163.com", "www.jd.com", "www.techcrunch.com", "www.zhihu.com", "user.bing.com",
		"product.huawei.com", "forum.mi.com", "help.apple.com", "buy.amazon.com", "translate.bing.com",
		"service.jd.com", "bill.taobao.com", "help.yahoo.com", "www.github.io",
	}
	servers = []string{"nginx", "AmazonS3", "Tengine", "Apache", "cafe"}
)

const (
	lower        = "abcdefghijklmnopqrstuvwxyz"
	alphabetic   = lower + "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	alphanumeric = "0123456789" + alphabetic

	uriPoolSize = 100

	httpDate = "Mon, 02 Jan 2006 15:04:05 GMT"
)

func pick(s []string) string {
	return s[rand.IntN(len(s))]
}

func randomString(alphabet string, n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for range n {
		sb.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return sb.String()
}

// uriPool hands out pre-generated URIs, refilling in batches.
type uriPool struct {
	mu    sync.Mutex
	plain []string
	query []string
}

var pool uriPool

func (p *uriPool) next(withQuery bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := &p.plain
	if withQuery {
		list = &p.query
	}
	if len(*list) == 0 {
		for range uriPoolSize {
			*list = append(*list, RandomURI(withQuery))
		}
	}
	u := (*list)[len(*list)-1]
	*list = (*list)[:len(*list)-1]
	return u
}

// RandomURI builds a path that looks like an ordinary site route.
func RandomURI(withQuery bool) string {
	var sb strings.Builder
	sb.WriteString("/")
	sb.WriteString(pick(entities))
	sb.WriteString("/")
	if rand.IntN(2) == 0 {
		if rand.IntN(2) == 0 {
			sb.WriteString(strconv.Itoa(2000 + rand.IntN(25)))
			sb.WriteString("/")
			sb.WriteString(strconv.Itoa(1 + rand.IntN(12)))
			sb.WriteString("/")
			sb.WriteString(strconv.Itoa(1 + rand.IntN(28)))
			sb.WriteString("/")
		}
		if rand.IntN(2) == 0 {
			sb.WriteString(strconv.Itoa(rand.IntN(65536)))
			sb.WriteString("/")
		} else {
			sb.WriteString(randomString(alphanumeric, rand.IntN(16)+1))
			if rand.IntN(2) == 0 {
				sb.WriteString(".html")
			} else {
				sb.WriteString("/")
			}
		}
	} else {
		if rand.IntN(2) == 0 {
			sb.WriteString(pick(operations))
		} else {
			sb.WriteString(randomString(lower, rand.IntN(5)+1))
		}
		sb.WriteString(".html")
	}
	if withQuery {
		sb.WriteString("?")
		for i := range rand.IntN(3) + 1 {
			if i > 0 {
				sb.WriteString("&")
			}
			sb.WriteString(randomString(lower, rand.IntN(3)+1))
			sb.WriteString("=")
			if rand.IntN(2) == 0 {
				sb.WriteString(strconv.Itoa(rand.IntN(65536)))
			} else {
				sb.WriteString(randomString(alphanumeric, rand.IntN(32)))
			}
		}
	}
	return sb.String()
}

// RandomURL returns an absolute http URL on one of the cover domains.
func RandomURL(withQuery bool) string {
	return "http://" + pick(domains) + pool.next(withQuery)
}

func RandomUserAgent() string {
	return pick(userAgents)
}

func randomCookie() string {
	return randomString(lower, rand.IntN(3)+1) + "=" + randomString(alphanumeric, rand.IntN(16)+1)
}

// GetHeader returns a GET request header whose Cookie line holds the
// placeholder as the value of the only cookie with an underscore in its name.
func GetHeader() string {
	var sb strings.Builder
	sb.WriteString(MethodGet + " " + pool.next(rand.IntN(2) == 0) + " " + Version11 + CRLF)
	sb.WriteString("Host: " + pick(domains) + CRLF)
	sb.WriteString("Connection: keep-alive" + CRLF)
	if rand.IntN(2) == 0 {
		sb.WriteString("Cache-Control: max-age=0" + CRLF)
	}
	if rand.IntN(2) == 0 {
		sb.WriteString("Accept: */*" + CRLF)
	}
	sb.WriteString("DNT: 1" + CRLF)
	sb.WriteString("User-Agent: " + RandomUserAgent() + CRLF)
	sb.WriteString("Accept-Encoding: gzip, deflate" + CRLF)
	sb.WriteString("Accept-Language: en-US,en;q=0." + strconv.Itoa(rand.IntN(9)+1) + CRLF)

	sb.WriteString("Cookie: ")
	for range rand.IntN(2) {
		sb.WriteString(randomCookie() + "; ")
	}
	sb.WriteString(randomString(lower, rand.IntN(3)+1) + "_" + randomString(lower, rand.IntN(3)+1) + "=" + Placeholder + "; ")
	for range rand.IntN(2) {
		sb.WriteString(randomCookie() + "; ")
	}
	sb.WriteString(randomCookie() + CRLF)
	sb.WriteString(CRLF)
	return sb.String()
}

// PostHeader returns a POST request header whose Content-Length is the
// placeholder.
func PostHeader() string {
	host := pick(domains)
	var sb strings.Builder
	sb.WriteString(MethodPost + " " + pool.next(false) + " " + Version11 + CRLF)
	sb.WriteString("Host: " + host + CRLF)
	sb.WriteString("Connection: keep-alive" + CRLF)
	sb.WriteString("Content-Length: " + Placeholder + CRLF)
	sb.WriteString("Accept: */*" + CRLF)
	switch n := rand.IntN(10); {
	case n < 3:
		sb.WriteString("Origin: http://" + host + CRLF)
	case n < 7:
		sb.WriteString("Referer: http://" + host + RandomURI(false) + CRLF)
	}
	sb.WriteString("User-Agent: " + RandomUserAgent() + CRLF)
	sb.WriteString("Content-Type: application/octet-stream" + CRLF)
	sb.WriteString("DNT: 1" + CRLF)
	sb.WriteString("Accept-Encoding: gzip, deflate" + CRLF)
	sb.WriteString("Accept-Language: en-US,en;q=0." + strconv.Itoa(rand.IntN(9)+1) + CRLF)
	sb.WriteString(CRLF)
	return sb.String()
}

// ResponseHeader returns a 200 response header whose Content-Length is the
// placeholder.
func ResponseHeader() string {
	var sb strings.Builder
	sb.WriteString(Version11 + " " + Response200 + CRLF)
	if n := rand.IntN(10); n < len(servers) {
		sb.WriteString("Server: " + servers[n] + CRLF)
	}
	sb.WriteString("Connection: keep-alive" + CRLF)
	if rand.IntN(2) == 0 {
		sb.WriteString("Content-Type: application/octet-stream" + CRLF)
	} else {
		sb.WriteString("Content-Type: gzip" + CRLF)
	}
	sb.WriteString("Content-Length: " + Placeholder + CRLF)
	now := time.Now().UTC().Format(httpDate)
	sb.WriteString("Date: " + now + CRLF)
	sb.WriteString("Last-Modified: " + now + CRLF)
	sb.WriteString(CRLF)
	return sb.String()
}
