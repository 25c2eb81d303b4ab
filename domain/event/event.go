// Package event defines what the ledger publishes after each committed
// operation.
package event

import (
	"darkpool/domain/address"
	"darkpool/domain/order"
)

type Type string

const (
	TypeOrderProcessed     Type = "order_processed"
	TypeMatchResult        Type = "match_result"
	TypeVault              Type = "vault"
	TypeSettlementExecuted Type = "settlement_executed"
	TypeOrderCancelled     Type = "order_cancelled"
)

type Event interface {
	EventType() Type
}

// OrderProcessedEvent reports the cluster's verdict on a submission.
// NewNonce is the sequence nonce after the callback was applied.
type OrderProcessedEvent struct {
	OrderID  uint64      `json:"order_id"`
	Owner    address.Key `json:"owner"`
	Offset   uint64      `json:"offset"`
	Success  bool        `json:"success"`
	NewNonce uint64      `json:"new_nonce"`
	Reason   string      `json:"reason,omitempty"`
}

// MatchResultEvent carries what the settlement authority needs to decrypt
// and settle a match batch.
type MatchResultEvent struct {
	Offset         uint64             `json:"offset"`
	Success        bool               `json:"success"`
	OrderIDs       []order.Key        `json:"order_ids"`
	EncryptedFills []order.Ciphertext `json:"encrypted_fills"`
	Nonce          order.Nonce        `json:"nonce"`
	Sequence       uint64             `json:"sequence"`
	Reason         string             `json:"reason,omitempty"`
}

type VaultAction string

const (
	VaultOpened     VaultAction = "opened"
	VaultDeposit    VaultAction = "deposit"
	VaultWithdrawal VaultAction = "withdrawal"
)

type VaultEvent struct {
	Action  VaultAction `json:"action"`
	Owner   address.Key `json:"owner"`
	Asset   address.Key `json:"asset"`
	Amount  uint64      `json:"amount"`
	Balance uint64      `json:"balance"`
	Locked  uint64      `json:"locked"`
}

type SettlementExecutedEvent struct {
	MatchOffset  uint64    `json:"match_offset"`
	MatchID      uint64    `json:"match_id"`
	Buyer        order.Key `json:"buyer"`
	Seller       order.Key `json:"seller"`
	Quantity     uint64    `json:"quantity"`
	Price        uint64    `json:"price"`
	QuoteAmount  uint64    `json:"quote_amount"`
	TotalMatches uint64    `json:"total_matches"`
}

type OrderCancelledEvent struct {
	OrderID uint64      `json:"order_id"`
	Owner   address.Key `json:"owner"`
}

func (OrderProcessedEvent) EventType() Type     { return TypeOrderProcessed }
func (MatchResultEvent) EventType() Type        { return TypeMatchResult }
func (VaultEvent) EventType() Type              { return TypeVault }
func (SettlementExecutedEvent) EventType() Type { return TypeSettlementExecuted }
func (OrderCancelledEvent) EventType() Type     { return TypeOrderCancelled }
