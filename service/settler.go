package service

import (
	"context"

	"darkpool/domain/address"
	"darkpool/domain/settlement"
	"darkpool/infra/cipher"
	"darkpool/mpc"
)

// Settler holds the settlement authority key and turns finalized match
// batches into settlements.
type Settler struct {
	authority address.Key
	fills     *cipher.Cipher
}

// NewSettler derives the fill key shared with the cluster at clusterKey.
func NewSettler(priv cipher.PrivateKey, clusterKey address.Key) (*Settler, error) {
	pub, err := priv.Public()
	if err != nil {
		return nil, err
	}
	secret, err := cipher.SharedSecret(priv, clusterKey)
	if err != nil {
		return nil, err
	}
	return &Settler{authority: pub, fills: cipher.New(secret)}, nil
}

// Authority is the identity settlements are executed as.
func (st *Settler) Authority() address.Key {
	return st.authority
}

func (st *Settler) Decrypt(b settlement.Batch) ([]settlement.MatchResult, error) {
	return mpc.DecryptFills(st.fills, b)
}

// settleBatch executes every fill of the batch at offset. Failures are
// logged per fill; a reconciliation failure never blocks the others.
func (s *LedgerService) settleBatch(ctx context.Context, st *Settler, offset uint64) {
	b, ok := s.engine.Batch(offset)
	if !ok {
		return
	}
	fills, err := st.Decrypt(b)
	if err != nil {
		s.log.Error().Err(err).Uint64("batch", offset).Msg("decrypt fills")
		return
	}
	for _, m := range fills {
		rec, err := s.ExecuteSettlement(ctx, st.Authority(), m)
		if err != nil {
			s.log.Error().Err(err).
				Uint64("batch", offset).
				Uint64("match_id", m.MatchID).
				Msg("settlement failed")
			continue
		}
		s.log.Info().
			Uint64("batch", offset).
			Uint64("match_id", rec.MatchID).
			Uint64("quantity", rec.Quantity).
			Uint64("price", rec.Price).
			Msg("settled")
	}
}
