// Package cipher is the key agreement and field cipher shared by order
// submitters, the computation cluster and the settlement authority.
//
// Keys are x25519. A shared secret is expanded with HKDF-SHA256 and used
// as an XChaCha20 key; each uint64 field occupies one 32-byte block of
// the keystream. Encryption is deterministic for a given key and nonce,
// so callers must never reuse a nonce for different plaintexts.
package cipher

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"darkpool/domain/address"
	"darkpool/domain/order"
)

var ErrMalformed = errors.New("malformed ciphertext")

const fieldInfo = "darkpool field cipher v1"

// PrivateKey is an x25519 scalar.
type PrivateKey [32]byte

// GenerateKey reads a fresh key pair from r.
func GenerateKey(r io.Reader) (PrivateKey, address.Key, error) {
	var k PrivateKey
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return PrivateKey{}, address.Key{}, errors.Wrap(err, "read key")
	}
	pub, err := k.Public()
	if err != nil {
		return PrivateKey{}, address.Key{}, err
	}
	return k, pub, nil
}

func (k PrivateKey) Public() (address.Key, error) {
	b, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return address.Key{}, errors.Wrap(err, "derive public key")
	}
	return address.FromBytes(b)
}

// String encodes the key as base58. Keep it out of logs.
func (k PrivateKey) String() string {
	return base58.Encode(k[:])
}

// ParsePrivateKey decodes a base58 private key.
func ParsePrivateKey(s string) (PrivateKey, error) {
	raw := base58.Decode(strings.TrimSpace(s))
	if len(raw) != len(PrivateKey{}) {
		return PrivateKey{}, errors.Newf("private key decodes to %d bytes", len(raw))
	}
	var k PrivateKey
	copy(k[:], raw)
	return k, nil
}

// SharedSecret agrees on a 32-byte key between priv and the owner of pub.
// Both sides derive the same value.
func SharedSecret(priv PrivateKey, pub address.Key) ([32]byte, error) {
	raw, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return [32]byte{}, errors.Wrap(err, "x25519")
	}
	return expand(raw, fieldInfo)
}

func expand(secret []byte, info string) ([32]byte, error) {
	var out [32]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out[:]); err != nil {
		return out, errors.Wrap(err, "hkdf")
	}
	return out, nil
}

// Cipher encrypts fixed lists of integer fields.
type Cipher struct {
	key [32]byte
}

func New(secret [32]byte) *Cipher {
	return &Cipher{key: secret}
}

func (c *Cipher) keystream(n int, nonce order.Nonce) []byte {
	var xnonce [chacha20.NonceSizeX]byte
	copy(xnonce[:], nonce[:])
	s, err := chacha20.NewUnauthenticatedCipher(c.key[:], xnonce[:])
	if err != nil {
		// Key and nonce sizes are fixed by the types.
		panic(err)
	}
	ks := make([]byte, n*32)
	s.XORKeyStream(ks, ks)
	return ks
}

// Encrypt returns one ciphertext per field.
func (c *Cipher) Encrypt(fields []uint64, nonce order.Nonce) []order.Ciphertext {
	ks := c.keystream(len(fields), nonce)
	out := make([]order.Ciphertext, len(fields))
	for i, f := range fields {
		var block [32]byte
		binary.LittleEndian.PutUint64(block[:8], f)
		for j := range block {
			out[i][j] = block[j] ^ ks[i*32+j]
		}
	}
	return out
}

// Decrypt inverts Encrypt. A block whose padding does not decrypt to zero
// was not produced under this key and nonce.
func (c *Cipher) Decrypt(cts []order.Ciphertext, nonce order.Nonce) ([]uint64, error) {
	ks := c.keystream(len(cts), nonce)
	out := make([]uint64, len(cts))
	for i, ct := range cts {
		var block [32]byte
		for j := range block {
			block[j] = ct[j] ^ ks[i*32+j]
		}
		for _, b := range block[8:] {
			if b != 0 {
				return nil, errors.Wrapf(ErrMalformed, "field %d", i)
			}
		}
		out[i] = binary.LittleEndian.Uint64(block[:8])
	}
	return out, nil
}
