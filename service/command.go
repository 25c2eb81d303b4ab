package service

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"darkpool/domain/address"
	"darkpool/domain/book"
	"darkpool/domain/compute"
	"darkpool/domain/engine"
	"darkpool/domain/order"
	"darkpool/domain/settlement"
	entrywal "darkpool/infra/wal/entry"
)

// Journal record types. Values are persisted; append only.
const (
	CmdInitialize entrywal.RecordType = iota + 1
	CmdRegister
	CmdOpenVault
	CmdDeposit
	CmdWithdraw
	CmdSubmit
	CmdCancel
	CmdTrigger
	CmdInitBook
	CmdFinalize
	CmdSettle
)

var commandNames = map[entrywal.RecordType]string{
	CmdInitialize: "initialize",
	CmdRegister:   "register_computation",
	CmdOpenVault:  "initialize_vault",
	CmdDeposit:    "deposit",
	CmdWithdraw:   "withdraw",
	CmdSubmit:     "submit_order",
	CmdCancel:     "cancel_order",
	CmdTrigger:    "trigger_match",
	CmdInitBook:   "init_order_book",
	CmdFinalize:   "finalize_computation",
	CmdSettle:     "execute_settlement",
}

// CommandName is the metric and log name of a record type.
func CommandName(t entrywal.RecordType) string {
	if n, ok := commandNames[t]; ok {
		return n
	}
	return "unknown"
}

// Command is one journaled ledger operation. Only the fields its Type
// uses are encoded.
type Command struct {
	Type   entrywal.RecordType
	Caller address.Key

	Params     book.Params
	Kind       compute.Kind
	Asset      address.Key
	Amount     uint64
	Submission engine.Submission
	Order      order.Key
	Offset     uint64
	Result     compute.Result
	Match      settlement.MatchResult
}

// Command fields.
const (
	fCaller     protowire.Number = 1
	fParams     protowire.Number = 2
	fKind       protowire.Number = 3
	fAsset      protowire.Number = 4
	fAmount     protowire.Number = 5
	fSubmission protowire.Number = 6
	fOrder      protowire.Number = 7
	fOffset     protowire.Number = 8
	fResult     protowire.Number = 9
	fMatch      protowire.Number = 10
)

// -------------------- Encoding --------------------

type encoder []byte

func (e *encoder) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.VarintType)
	*e = protowire.AppendVarint(*e, v)
}

func (e *encoder) bool(num protowire.Number, v bool) {
	e.varint(num, protowire.EncodeBool(v))
}

// bytes writes v unless it is nil; an empty non-nil slice survives.
func (e *encoder) bytes(num protowire.Number, v []byte) {
	if v == nil {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendBytes(*e, v)
}

func (e *encoder) key(num protowire.Number, k address.Key) {
	if k.IsZero() {
		return
	}
	e.bytes(num, k[:])
}

func (e *encoder) message(num protowire.Number, m encoder) {
	e.bytes(num, append([]byte{}, m...))
}

func encodeOrderKey(k order.Key) encoder {
	var e encoder
	e.varint(1, k.ID)
	e.key(2, k.Owner)
	return e
}

func encodeParams(p book.Params) encoder {
	var e encoder
	e.key(1, p.Authority)
	e.key(2, p.SettlementAuthority)
	e.key(3, p.BackendKey)
	e.key(4, p.BaseAsset)
	e.key(5, p.QuoteAsset)
	return e
}

func encodeSubmission(s engine.Submission) encoder {
	var e encoder
	e.varint(1, s.OrderID)
	e.key(2, s.Owner)
	e.varint(3, uint64(s.Side))
	e.bytes(4, s.EncryptedAmount[:])
	e.bytes(5, s.EncryptedPrice[:])
	e.key(6, s.SubmitterKey)
	e.varint(7, s.Offset)
	e.bytes(8, s.EncryptionNonce[:])
	e.varint(9, s.LockAmount)
	return e
}

func encodeResult(r compute.Result) encoder {
	var e encoder
	e.varint(1, r.Offset)
	e.varint(2, uint64(r.Kind))
	e.bool(3, r.Accepted)
	if r.Reason != "" {
		e.bytes(4, []byte(r.Reason))
	}
	e.bytes(5, r.Payload)
	if m := r.Match; m != nil {
		var me encoder
		for _, k := range m.Orders {
			me.message(1, encodeOrderKey(k))
		}
		for _, c := range m.EncryptedFills {
			me.bytes(2, c[:])
		}
		me.bytes(3, m.Nonce[:])
		e.message(6, me)
	}
	e.varint(7, r.PayloadVersion)
	return e
}

func encodeMatch(m settlement.MatchResult) encoder {
	var e encoder
	e.varint(1, m.MatchOffset)
	e.varint(2, m.MatchID)
	e.message(3, encodeOrderKey(m.Buy))
	e.message(4, encodeOrderKey(m.Sell))
	e.varint(5, m.Quantity)
	e.varint(6, m.Price)
	e.bytes(7, m.Nonce[:])
	return e
}

// Encode returns the journal payload of c.
func (c Command) Encode() []byte {
	var e encoder
	e.key(fCaller, c.Caller)
	switch c.Type {
	case CmdInitialize:
		e.message(fParams, encodeParams(c.Params))
	case CmdRegister:
		e.varint(fKind, uint64(c.Kind))
	case CmdOpenVault:
		e.key(fAsset, c.Asset)
	case CmdDeposit, CmdWithdraw:
		e.key(fAsset, c.Asset)
		e.varint(fAmount, c.Amount)
	case CmdSubmit:
		e.message(fSubmission, encodeSubmission(c.Submission))
	case CmdCancel:
		e.message(fOrder, encodeOrderKey(c.Order))
	case CmdTrigger, CmdInitBook:
		e.varint(fOffset, c.Offset)
	case CmdFinalize:
		e.message(fResult, encodeResult(c.Result))
	case CmdSettle:
		e.message(fMatch, encodeMatch(c.Match))
	}
	return e
}

// -------------------- Decoding --------------------

type field struct {
	u uint64
	b []byte
}

func (f field) key() (address.Key, error) {
	return address.FromBytes(f.b)
}

func fixed(dst, src []byte) error {
	if len(src) != len(dst) {
		return errors.Newf("fixed field of %d bytes, want %d", len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

// fields walks one message, skipping unknown wire types.
func fields(b []byte, fn func(num protowire.Number, f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var f field
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, f); err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
	}
	return nil
}

func decodeOrderKey(b []byte) (order.Key, error) {
	var k order.Key
	err := fields(b, func(num protowire.Number, f field) (err error) {
		switch num {
		case 1:
			k.ID = f.u
		case 2:
			k.Owner, err = f.key()
		}
		return err
	})
	return k, err
}

func decodeParams(b []byte) (book.Params, error) {
	var p book.Params
	err := fields(b, func(num protowire.Number, f field) (err error) {
		switch num {
		case 1:
			p.Authority, err = f.key()
		case 2:
			p.SettlementAuthority, err = f.key()
		case 3:
			p.BackendKey, err = f.key()
		case 4:
			p.BaseAsset, err = f.key()
		case 5:
			p.QuoteAsset, err = f.key()
		}
		return err
	})
	return p, err
}

func decodeSubmission(b []byte) (engine.Submission, error) {
	var s engine.Submission
	err := fields(b, func(num protowire.Number, f field) (err error) {
		switch num {
		case 1:
			s.OrderID = f.u
		case 2:
			s.Owner, err = f.key()
		case 3:
			s.Side = order.Side(f.u)
		case 4:
			err = fixed(s.EncryptedAmount[:], f.b)
		case 5:
			err = fixed(s.EncryptedPrice[:], f.b)
		case 6:
			s.SubmitterKey, err = f.key()
		case 7:
			s.Offset = f.u
		case 8:
			err = fixed(s.EncryptionNonce[:], f.b)
		case 9:
			s.LockAmount = f.u
		}
		return err
	})
	return s, err
}

func decodeMatchOutput(b []byte) (*compute.MatchOutput, error) {
	m := &compute.MatchOutput{}
	err := fields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			k, err := decodeOrderKey(f.b)
			if err != nil {
				return err
			}
			m.Orders = append(m.Orders, k)
		case 2:
			var c order.Ciphertext
			if err := fixed(c[:], f.b); err != nil {
				return err
			}
			m.EncryptedFills = append(m.EncryptedFills, c)
		case 3:
			return fixed(m.Nonce[:], f.b)
		}
		return nil
	})
	return m, err
}

func decodeResult(b []byte) (compute.Result, error) {
	var r compute.Result
	err := fields(b, func(num protowire.Number, f field) (err error) {
		switch num {
		case 1:
			r.Offset = f.u
		case 2:
			r.Kind = compute.Kind(f.u)
		case 3:
			r.Accepted = protowire.DecodeBool(f.u)
		case 4:
			r.Reason = string(f.b)
		case 5:
			r.Payload = bytes.Clone(f.b)
		case 6:
			r.Match, err = decodeMatchOutput(f.b)
		case 7:
			r.PayloadVersion = f.u
		}
		return err
	})
	return r, err
}

func decodeMatch(b []byte) (settlement.MatchResult, error) {
	var m settlement.MatchResult
	err := fields(b, func(num protowire.Number, f field) (err error) {
		switch num {
		case 1:
			m.MatchOffset = f.u
		case 2:
			m.MatchID = f.u
		case 3:
			m.Buy, err = decodeOrderKey(f.b)
		case 4:
			m.Sell, err = decodeOrderKey(f.b)
		case 5:
			m.Quantity = f.u
		case 6:
			m.Price = f.u
		case 7:
			err = fixed(m.Nonce[:], f.b)
		}
		return err
	})
	return m, err
}

// DecodeCommand parses a journal record payload.
func DecodeCommand(t entrywal.RecordType, data []byte) (Command, error) {
	if _, ok := commandNames[t]; !ok {
		return Command{}, errors.Newf("unknown command type %d", t)
	}
	c := Command{Type: t}
	err := fields(data, func(num protowire.Number, f field) (err error) {
		switch num {
		case fCaller:
			c.Caller, err = f.key()
		case fParams:
			c.Params, err = decodeParams(f.b)
		case fKind:
			c.Kind = compute.Kind(f.u)
		case fAsset:
			c.Asset, err = f.key()
		case fAmount:
			c.Amount = f.u
		case fSubmission:
			c.Submission, err = decodeSubmission(f.b)
		case fOrder:
			c.Order, err = decodeOrderKey(f.b)
		case fOffset:
			c.Offset = f.u
		case fResult:
			c.Result, err = decodeResult(f.b)
		case fMatch:
			c.Match, err = decodeMatch(f.b)
		}
		return err
	})
	if err != nil {
		return Command{}, errors.Wrapf(err, "decode %s", CommandName(t))
	}
	return c, nil
}
