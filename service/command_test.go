package service

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"darkpool/domain/address"
	"darkpool/domain/compute"
	"darkpool/domain/engine"
	"darkpool/domain/order"
	"darkpool/domain/settlement"
)

func TestCommandRoundTrip(t *testing.T) {
	owner := address.Key{7}
	buy := order.Key{ID: 0, Owner: owner}
	sell := order.Key{ID: 3, Owner: address.Key{8}}

	for _, cmd := range []Command{
		{Type: CmdSubmit, Caller: owner, Submission: engine.Submission{
			OrderID:         12,
			Owner:           owner,
			Side:            order.Sell,
			EncryptedAmount: order.Ciphertext{1, 2},
			EncryptedPrice:  order.Ciphertext{3},
			SubmitterKey:    address.Key{9},
			Offset:          44,
			EncryptionNonce: order.Nonce{5},
			LockAmount:      100,
		}},
		{Type: CmdFinalize, Result: compute.Result{
			Offset:         9,
			Kind:           compute.MatchOrders,
			Accepted:       true,
			Payload:        []byte("sealed"),
			PayloadVersion: 3,
			Match: &compute.MatchOutput{
				Orders:         []order.Key{buy, sell},
				EncryptedFills: []order.Ciphertext{{1}, {2}, {3}, {4}, {5}},
				Nonce:          order.Nonce{6},
			},
		}},
		{Type: CmdFinalize, Result: compute.Result{Offset: 10, Kind: compute.MatchOrders, Accepted: true, Match: &compute.MatchOutput{}}},
		{Type: CmdFinalize, Result: compute.Result{Offset: 11, Kind: compute.SubmitOrder, Reason: "under-collateralized"}},
		{Type: CmdSettle, Caller: owner, Match: settlement.MatchResult{
			MatchOffset: 9, MatchID: 0, Buy: buy, Sell: sell, Quantity: 8, Price: 5, Nonce: order.Nonce{6},
		}},
		{Type: CmdDeposit, Caller: owner, Asset: address.Key{0xA}, Amount: 1_000},
		{Type: CmdTrigger, Caller: owner, Offset: 0},
	} {
		got, err := DecodeCommand(cmd.Type, cmd.Encode())
		require.NoError(t, err, CommandName(cmd.Type))
		require.Equal(t, cmd, got, CommandName(cmd.Type))
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := Command{Type: CmdDeposit, Caller: address.Key{1}, Amount: 5}.Encode()
	b = protowire.AppendTag(b, 99, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 42)

	got, err := DecodeCommand(CmdDeposit, b)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.Amount)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeCommand(200, nil)
	require.Error(t, err)

	_, err = DecodeCommand(CmdDeposit, []byte{0x0a, 0x05, 1})
	require.Error(t, err)

	short := protowire.AppendTag(nil, fCaller, protowire.BytesType)
	short = protowire.AppendBytes(short, []byte{1, 2, 3})
	_, err = DecodeCommand(CmdDeposit, short)
	require.Error(t, err)
}
