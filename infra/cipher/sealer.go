package cipher

import (
	stdcipher "crypto/cipher"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealInfo = "darkpool book payload v1"

// Sealer authenticates and encrypts opaque blobs under a key only its
// owner can derive. The computation cluster uses it for the book payload.
type Sealer struct {
	aead stdcipher.AEAD
	rand io.Reader
}

// NewSealer derives the sealing key from priv.
func NewSealer(priv PrivateKey, rand io.Reader) (*Sealer, error) {
	key, err := expand(priv[:], sealInfo)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "xchacha20poly1305")
	}
	return &Sealer{aead: aead, rand: rand}, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, errors.Wrap(err, "read nonce")
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, errors.Wrapf(ErrMalformed, "sealed payload of %d bytes", len(sealed))
	}
	out, err := s.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "open payload"), ErrMalformed)
	}
	return out, nil
}
