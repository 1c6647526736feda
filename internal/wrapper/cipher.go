package wrapper

import (
	"crypto/rand"
	"fmt"

	"github.com/die-net/agentx/internal/streamcipher"
)

// Cipher encrypts with its own IV on the wrap side and decrypts with the
// peer's IV on the unwrap side. The first Wrap emits IV || ciphertext, the
// first Unwrap calls consume the peer's IV; until all of it has arrived
// Unwrap reports the payload as absent.
type Cipher struct {
	enc *streamcipher.Cipher
	dec *streamcipher.Cipher

	encReady bool
	decReady bool
	iv       []byte
}

func NewCipher(suite *streamcipher.Suite) *Cipher {
	return &Cipher{enc: suite.New(), dec: suite.New()}
}

func (c *Cipher) Wrap(b []byte) ([]byte, error) {
	if c.encReady {
		return c.enc.Encrypt(b)
	}

	iv := make([]byte, c.enc.IVLen())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	if err := c.enc.Init(true, iv); err != nil {
		return nil, err
	}
	c.encReady = true

	ct, err := c.enc.Encrypt(b)
	if err != nil {
		return nil, err
	}
	return append(iv, ct...), nil
}

func (c *Cipher) Unwrap(b []byte) ([]byte, error) {
	if c.decReady {
		return c.dec.Decrypt(b)
	}

	// A short IV is held for the next read instead of failing, since TCP
	// may split it across reads.
	n := c.dec.IVLen()
	c.iv = append(c.iv, b...)
	if len(c.iv) < n {
		return nil, nil
	}
	if err := c.dec.Init(false, c.iv[:n]); err != nil {
		return nil, err
	}
	c.decReady = true
	rest := c.iv[n:]
	c.iv = nil
	return c.dec.Decrypt(rest)
}
