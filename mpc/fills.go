package mpc

import (
	"github.com/cockroachdb/errors"

	"darkpool/domain/compute"
	"darkpool/domain/errs"
	"darkpool/domain/order"
	"darkpool/domain/settlement"
	"darkpool/infra/cipher"
)

// Fill is one plaintext fill of a match batch. Buy and Sell index the
// batch's order list.
type Fill struct {
	MatchID  uint64
	Buy      int
	Sell     int
	Quantity uint64
	Price    uint64
}

// EncryptFills lays fills out as compute.FillFields ciphertexts each.
func EncryptFills(c *cipher.Cipher, fills []Fill, nonce order.Nonce) []order.Ciphertext {
	fields := make([]uint64, 0, len(fills)*compute.FillFields)
	for _, f := range fills {
		fields = append(fields, f.MatchID, uint64(f.Buy), uint64(f.Sell), f.Quantity, f.Price)
	}
	return c.Encrypt(fields, nonce)
}

// DecryptFills turns a finalized match batch into settlement inputs.
func DecryptFills(c *cipher.Cipher, b settlement.Batch) ([]settlement.MatchResult, error) {
	if len(b.EncryptedFills)%compute.FillFields != 0 {
		return nil, errors.Wrapf(errs.ErrInvalidArgument, "batch %d has %d fill ciphertexts", b.Offset, len(b.EncryptedFills))
	}
	fields, err := c.Decrypt(b.EncryptedFills, b.Nonce)
	if err != nil {
		return nil, errors.Wrapf(err, "batch %d", b.Offset)
	}

	index := func(v uint64) (order.Key, error) {
		if v >= uint64(len(b.Orders)) {
			return order.Key{}, errors.Wrapf(errs.ErrUnknownMatch, "batch %d has no order %d", b.Offset, v)
		}
		return b.Orders[v], nil
	}

	out := make([]settlement.MatchResult, 0, len(fields)/compute.FillFields)
	for i := 0; i < len(fields); i += compute.FillFields {
		f := fields[i : i+compute.FillFields]
		buy, err := index(f[1])
		if err != nil {
			return nil, err
		}
		sell, err := index(f[2])
		if err != nil {
			return nil, err
		}
		out = append(out, settlement.MatchResult{
			MatchOffset: b.Offset,
			MatchID:     f[0],
			Buy:         buy,
			Sell:        sell,
			Quantity:    f[3],
			Price:       f[4],
			Nonce:       b.Nonce,
		})
	}
	return out, nil
}
