package wrapper

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/die-net/agentx/internal/streamcipher"
)

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

// pair returns two independent chains from the same factory, one per peer.
func pair(t *testing.T, encryption string, process ...string) (Wrapper, Wrapper) {
	t.Helper()
	f, err := NewFactory(encryption, "my_password", process)
	if err != nil {
		t.Fatal(err)
	}
	a, err := f.New()
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.New()
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestChainRoundTrip(t *testing.T) {
	lengths := []int{0, 1, 15, 16, 17, 199, 200, 255, 256, 257, 1024, 70000}
	processes := [][]string{
		{"raw"},
		{"encrypt"},
		{"zero-padding", "encrypt"},
		{"random-padding", "encrypt"},
		{"compress", "encrypt"},
		{"snappy", "encrypt"},
		{"encrypt", "compress"},
		{"compress", "random-padding", "encrypt"},
	}

	for _, enc := range streamcipher.Names() {
		for _, process := range processes {
			name := enc + "/" + (&Factory{process: process}).String()
			t.Run(name, func(t *testing.T) {
				local, remote := pair(t, enc, process...)
				for _, n := range lengths {
					msg := randomPayload(t, n)
					wire, err := local.Wrap(msg)
					if err != nil {
						t.Fatal(err)
					}
					got, err := remote.Unwrap(wire)
					if err != nil {
						t.Fatalf("len %d: %v", n, err)
					}
					if got == nil && n > 0 {
						t.Fatalf("len %d: unwrap reported incomplete input", n)
					}
					if !bytes.Equal(got, msg) {
						t.Fatalf("len %d: round trip mismatch", n)
					}
				}
			})
		}
	}
}

func TestCipherEmitsIVOnce(t *testing.T) {
	suite, err := streamcipher.NewSuite("aes-256-cfb", "pw")
	if err != nil {
		t.Fatal(err)
	}
	c := NewCipher(suite)

	first, err := c.Wrap([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 16+5 {
		t.Fatalf("first wrap is %d bytes, want iv + payload", len(first))
	}
	second, err := c.Wrap([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 5 {
		t.Fatalf("second wrap is %d bytes, want payload only", len(second))
	}

	peer := NewCipher(suite)
	if b, err := peer.Unwrap(first[:10]); b != nil || err != nil {
		t.Fatalf("partial iv unwrapped to %x, %v", b, err)
	}
	got, err := peer.Unwrap(first[10:])
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("unwrapped %q", got)
	}
}

func TestFrameReassemblyChunking(t *testing.T) {
	for _, fixed := range []int{4, 16, 300, 70000} {
		sender, err := NewFrame(fixed, nil)
		if err != nil {
			t.Fatal(err)
		}

		var wire, want []byte
		for _, n := range []int{0, 1, fixed - 1, fixed, fixed + 1, 3*fixed + 7} {
			msg := randomPayload(t, n)
			w, err := sender.Wrap(msg)
			if err != nil {
				t.Fatal(err)
			}
			wire = append(wire, w...)
			want = append(want, msg...)
		}

		for _, step := range []int{1, 3, 64, len(wire)} {
			receiver, err := NewFrame(fixed, nil)
			if err != nil {
				t.Fatal(err)
			}
			var got []byte
			for i := 0; i < len(wire); i += step {
				out, err := receiver.Unwrap(wire[i:min(i+step, len(wire))])
				if err != nil {
					t.Fatalf("fixed %d step %d: %v", fixed, step, err)
				}
				got = append(got, out...)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("fixed %d step %d: reassembly mismatch", fixed, step)
			}
		}
	}
}

func TestFrameWireFormat(t *testing.T) {
	f, err := NewFrame(4, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Wrap([]byte{'a', 'b', 'c', 'd', 'e'})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 'a', 'b', 'c', 0, 2, 'd', 'e'}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	tests := []struct {
		fixed, hdr int
	}{
		{fixed: 254, hdr: 1},
		{fixed: 255, hdr: 2},
		{fixed: 65532, hdr: 2},
		{fixed: 65533, hdr: 3},
		{fixed: FrameCapacity, hdr: 3},
		{fixed: 16777212, hdr: 3},
		{fixed: 16777213, hdr: 4},
	}
	for _, tt := range tests {
		f, err := NewFrame(tt.fixed, nil)
		if err != nil {
			t.Fatal(err)
		}
		if f.hdrLen != tt.hdr {
			t.Fatalf("fixed %d: header width %d, want %d", tt.fixed, f.hdrLen, tt.hdr)
		}
	}
}

func TestFrameErrors(t *testing.T) {
	if _, err := NewFrame(3, nil); err == nil {
		t.Fatal("expected error for fixed length < 4")
	}
	f, err := NewFrame(16, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Unwrap([]byte{7, 1, 2}); !errors.Is(err, ErrUnknownDelimiter) {
		t.Fatalf("got %v, want ErrUnknownDelimiter", err)
	}
	if out, err := f.Unwrap([]byte{0, 5, 'a'}); err != nil || out != nil {
		t.Fatalf("partial frame: out=%v err=%v", out, err)
	}
	out, err := f.Unwrap([]byte{'b', 'c', 'd', 'e'})
	if err != nil || string(out) != "abcde" {
		t.Fatalf("completed frame: out=%q err=%v", out, err)
	}
}

func TestPadding(t *testing.T) {
	if _, err := NewZeroPadding(10, 20); err == nil {
		t.Fatal("expected error for threshold < range")
	}
	if _, err := NewRandomPadding(200, 3); err == nil {
		t.Fatal("expected error for range < 4")
	}

	for _, ctor := range []func(int, int) (*Padding, error){NewZeroPadding, NewRandomPadding} {
		p, err := ctor(200, 56)
		if err != nil {
			t.Fatal(err)
		}
		if p.hdrLen != 2 {
			t.Fatalf("header width %d, want 2", p.hdrLen)
		}
		for n := 0; n < 300; n++ {
			msg := randomPayload(t, n)
			w, err := p.Wrap(msg)
			if err != nil {
				t.Fatal(err)
			}
			if n < 256 && (len(w) < 202 || len(w) > 257) {
				t.Fatalf("len %d padded to %d", n, len(w))
			}
			if n >= 256 && (len(w) != n+2 || getUint(w[:2]) != 2) {
				t.Fatalf("len %d: want unpadded with header 2, got %d bytes header %d", n, len(w), getUint(w[:2]))
			}
			got, err := p.Unwrap(w)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, msg) {
				t.Fatalf("len %d: round trip mismatch", n)
			}
		}
	}

	big, err := NewZeroPadding(70000, 100)
	if err != nil {
		t.Fatal(err)
	}
	if big.hdrLen != 3 {
		t.Fatalf("header width %d, want 3", big.hdrLen)
	}
}

func TestZeroPaddingFiller(t *testing.T) {
	p, err := NewZeroPadding(200, 56)
	if err != nil {
		t.Fatal(err)
	}
	w, err := p.Wrap([]byte{0xAA})
	if err != nil {
		t.Fatal(err)
	}
	for i := 2; i < len(w)-1; i++ {
		if w[i] != 0 {
			t.Fatalf("filler byte %d is %x", i, w[i])
		}
	}
	if getUint(w[:2]) != len(w)-1 {
		t.Fatalf("header %d, want %d", getUint(w[:2]), len(w)-1)
	}
	if w[len(w)-1] != 0xAA {
		t.Fatal("payload is not at the end")
	}
}

func TestFakedHTTP(t *testing.T) {
	req := NewFakedHTTP(true)
	for _, n := range []int{0, 1, 100, 512, 513, 4096} {
		msg := randomPayload(t, n)
		for range 20 {
			w, err := req.Wrap(msg)
			if err != nil {
				t.Fatal(err)
			}
			if n > 512 && !bytes.HasPrefix(w, []byte("POST ")) {
				t.Fatalf("len %d should be a POST", n)
			}
			got, err := req.Unwrap(w)
			if err != nil {
				t.Fatalf("len %d: %v\n%s", n, err, w)
			}
			if !bytes.Equal(got, msg) {
				t.Fatalf("len %d: round trip mismatch", n)
			}
		}
	}

	resp := NewFakedHTTP(false)
	msg := randomPayload(t, 300)
	w, err := resp.Wrap(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(w, []byte("HTTP/1.1 200 OK\r\n")) {
		t.Fatalf("unexpected response envelope %q", w[:20])
	}
	got, err := resp.Unwrap(w)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("response round trip mismatch")
	}

	if _, err := req.Unwrap([]byte("PUT / HTTP/1.1\r\n\r\n")); !errors.Is(err, ErrFormat) {
		t.Fatalf("got %v, want ErrFormat", err)
	}
	if out, err := req.Unwrap([]byte("GET / HTTP/1.1\r\nHost: a")); out != nil || err != nil {
		t.Fatalf("incomplete header: out=%v err=%v", out, err)
	}
}

func TestFactoryErrors(t *testing.T) {
	if _, err := NewFactory("aes-256-cfb", "pw", []string{"encrypt", "gzip"}); !errors.Is(err, ErrUnknownProcess) {
		t.Fatalf("got %v, want ErrUnknownProcess", err)
	}
	if _, err := NewFactory("rc4", "pw", []string{"encrypt"}); !errors.Is(err, ErrUnknownEncryption) {
		t.Fatalf("got %v, want ErrUnknownEncryption", err)
	}
	if !Exists("bf-cfb", "encrypt") || Exists("rc4", "encrypt") || !Exists("", "compress") {
		t.Fatal("Exists disagrees with NewFactory")
	}
}

func TestFactoryChainsAreIndependent(t *testing.T) {
	f, err := NewFactory("aes-128-ofb", "pw", []string{"zero-padding", "encrypt"})
	if err != nil {
		t.Fatal(err)
	}
	a, err := f.New()
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.New()
	if err != nil {
		t.Fatal(err)
	}
	wa, err := a.Wrap([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	wb, err := b.Wrap([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	// Both chains emit their own IV on their first wrap.
	if len(wa) < 16 || len(wb) < 16 {
		t.Fatalf("first wraps are %d and %d bytes, want an iv each", len(wa), len(wb))
	}
	if bytes.Equal(wa[:16], wb[:16]) {
		t.Fatal("chains share an iv")
	}
}
