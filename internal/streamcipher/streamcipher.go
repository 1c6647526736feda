// Package streamcipher provides the single-direction stream ciphers used by
// the tunnel: AES-128/192/256 in CFB or OFB mode and Blowfish in CFB mode.
//
// A Cipher is initialized exactly once, either for encryption or for
// decryption, with an IV of IVLen bytes.
package streamcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/blowfish"
)

var (
	ErrReinit        = errors.New("streamcipher: cipher cannot reinitiate")
	ErrMode          = errors.New("streamcipher: cipher used in the wrong direction")
	ErrUninitialized = errors.New("streamcipher: cipher not initialized")
	ErrShortIV       = errors.New("streamcipher: invalid iv length")
	ErrUnknown       = errors.New("streamcipher: unknown encryption")
)

type mode int

const (
	modeCFB mode = iota
	modeOFB
)

type params struct {
	keyLen   int
	ivLen    int
	mode     mode
	newBlock func(key []byte) (cipher.Block, error)
}

func newBlowfish(key []byte) (cipher.Block, error) {
	return blowfish.NewCipher(key)
}

var suites = map[string]params{
	"aes-128-cfb": {keyLen: 16, ivLen: aes.BlockSize, mode: modeCFB, newBlock: aes.NewCipher},
	"aes-192-cfb": {keyLen: 24, ivLen: aes.BlockSize, mode: modeCFB, newBlock: aes.NewCipher},
	"aes-256-cfb": {keyLen: 32, ivLen: aes.BlockSize, mode: modeCFB, newBlock: aes.NewCipher},
	"aes-128-ofb": {keyLen: 16, ivLen: aes.BlockSize, mode: modeOFB, newBlock: aes.NewCipher},
	"aes-192-ofb": {keyLen: 24, ivLen: aes.BlockSize, mode: modeOFB, newBlock: aes.NewCipher},
	"aes-256-ofb": {keyLen: 32, ivLen: aes.BlockSize, mode: modeOFB, newBlock: aes.NewCipher},
	"bf-cfb":      {keyLen: 16, ivLen: blowfish.BlockSize, mode: modeCFB, newBlock: newBlowfish},
}

// Names lists the supported encryption ids in sorted order.
func Names() []string {
	names := make([]string, 0, len(suites))
	for name := range suites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether name is a supported encryption id.
func Exists(name string) bool {
	_, ok := suites[name]
	return ok
}

// Suite is a resolved encryption id with its derived key. It is safe to share
// and hands out fresh Ciphers.
type Suite struct {
	name   string
	params params
	block  cipher.Block
}

// NewSuite derives the key for name from password.
func NewSuite(name, password string) (*Suite, error) {
	s, ok := suites[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknown, name)
	}
	block, err := s.newBlock(KeyDigest(s.keyLen, password))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Suite{name: name, params: s, block: block}, nil
}

func (s *Suite) Name() string { return s.name }

// IVLen is the IV length of the suite's ciphers.
func (s *Suite) IVLen() int { return s.params.ivLen }

// New returns an uninitialized Cipher.
func (s *Suite) New() *Cipher {
	return &Cipher{suite: s}
}

// Cipher is a single-use, single-direction stream cipher.
type Cipher struct {
	suite      *Suite
	stream     cipher.Stream
	encrypting bool
}

func (c *Cipher) IVLen() int { return c.suite.params.ivLen }

// Init prepares the cipher for one direction. A second call fails with
// ErrReinit.
func (c *Cipher) Init(encrypt bool, iv []byte) error {
	if c.stream != nil {
		return ErrReinit
	}
	if len(iv) != c.suite.params.ivLen {
		return fmt.Errorf("%w: got %d, want %d", ErrShortIV, len(iv), c.suite.params.ivLen)
	}
	iv = append([]byte(nil), iv...)

	switch {
	case c.suite.params.mode == modeOFB:
		c.stream = cipher.NewOFB(c.suite.block, iv)
	case encrypt:
		c.stream = cipher.NewCFBEncrypter(c.suite.block, iv)
	default:
		c.stream = cipher.NewCFBDecrypter(c.suite.block, iv)
	}
	c.encrypting = encrypt
	return nil
}

// Encrypt returns b encrypted. The cipher must have been initialized for
// encryption.
func (c *Cipher) Encrypt(b []byte) ([]byte, error) {
	if c.stream == nil {
		return nil, ErrUninitialized
	}
	if !c.encrypting {
		return nil, fmt.Errorf("%w: encrypt on a decrypting cipher", ErrMode)
	}
	out := make([]byte, len(b))
	c.stream.XORKeyStream(out, b)
	return out, nil
}

// Decrypt returns b decrypted. The cipher must have been initialized for
// decryption.
func (c *Cipher) Decrypt(b []byte) ([]byte, error) {
	if c.stream == nil {
		return nil, ErrUninitialized
	}
	if c.encrypting {
		return nil, fmt.Errorf("%w: decrypt on an encrypting cipher", ErrMode)
	}
	out := make([]byte, len(b))
	c.stream.XORKeyStream(out, b)
	return out, nil
}

// KeyDigest derives a keyLen-byte key from password the way OpenSSL's
// EVP_BytesToKey does with MD5 and a single iteration.
func KeyDigest(keyLen int, password string) []byte {
	var (
		key  = make([]byte, 0, keyLen+md5.Size)
		prev []byte
	)
	for len(key) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(password))
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keyLen]
}
