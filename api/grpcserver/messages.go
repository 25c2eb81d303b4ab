package grpcserver

import (
	"darkpool/domain/address"
	"darkpool/domain/book"
	"darkpool/domain/compute"
	"darkpool/domain/custody"
	"darkpool/domain/engine"
	"darkpool/domain/order"
	"darkpool/domain/settlement"
)

// -------------------- Requests --------------------

type InitializeRequest struct {
	book.Params
}

type RegisterComputationRequest struct {
	Caller address.Key  `json:"caller"`
	Kind   compute.Kind `json:"kind"`
}

type VaultRequest struct {
	Owner  address.Key `json:"owner"`
	Asset  address.Key `json:"asset"`
	Amount uint64      `json:"amount,omitempty"`
}

type SubmitOrderRequest struct {
	engine.Submission
}

type CancelOrderRequest struct {
	Caller address.Key `json:"caller"`
	Order  order.Key   `json:"order"`
}

type OffsetRequest struct {
	Caller address.Key `json:"caller"`
	Offset uint64      `json:"offset"`
}

type SettleRequest struct {
	Caller address.Key            `json:"caller"`
	Match  settlement.MatchResult `json:"match"`
}

type BookRequest struct{}

type OrderRequest struct {
	Order order.Key `json:"order"`
}

type InFlightRequest struct{}

type BatchRequest struct {
	Offset uint64 `json:"offset"`
}

// -------------------- Responses --------------------

type Empty struct{}

type BookResponse struct {
	Book book.State `json:"book"`
}

type RegisterComputationResponse struct {
	AlreadyRegistered bool `json:"already_registered"`
}

type VaultResponse struct {
	Vault custody.Vault `json:"vault"`
}

type OrderResponse struct {
	Order order.Account `json:"order"`
}

type SettlementResponse struct {
	Record settlement.Record `json:"record"`
}

type InFlightResponse struct {
	Requests []compute.Request `json:"requests"`
}

type BatchResponse struct {
	Batch settlement.Batch `json:"batch"`
}
