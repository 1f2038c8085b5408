package intent

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Address is a 32-byte account identity: the ed25519 public key of the
// account holder. The zero value is the null address.
type Address [32]byte

// IsZero reports whether a is the null address.
func (a Address) IsZero() bool { return a == Address{} }

// Hex returns the lowercase hex encoding with a "0x" prefix.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// MarshalJSON encodes the address as a hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.Hex() + `"`), nil
}

// UnmarshalJSON decodes a hex string address.
func (a *Address) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	parsed, err := HexToAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// HexToAddress parses a hex string (with or without "0x") into an Address.
func HexToAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("decode address: %w", err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("address must be %d bytes, got %d", len(a), len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// TokenKind discriminates the asset classes an order may move.
type TokenKind uint8

const (
	KindNative TokenKind = iota
	KindFungible
	KindNonFungible
	KindObject
)

func (k TokenKind) Valid() bool { return k <= KindObject }

func (k TokenKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindFungible:
		return "fungible"
	case KindNonFungible:
		return "non_fungible"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Token is an immutable asset descriptor: what is moved and how much.
type Token struct {
	Kind    TokenKind `json:"kind"`
	Address []byte    `json:"address"`
	SubID   uint64    `json:"sub_id"`
	Amount  *big.Int  `json:"amount"`
}

// SameAsset reports whether two tokens name the same asset, ignoring amount.
func (t Token) SameAsset(o Token) bool {
	return t.Kind == o.Kind && string(t.Address) == string(o.Address) && t.SubID == o.SubID
}

// AssetKey is a stable string identifying the asset, used as a ledger key.
func (t Token) AssetKey() string {
	return fmt.Sprintf("%s:%s:%d", t.Kind, hex.EncodeToString(t.Address), t.SubID)
}

// Order is a signed statement of desired inputs-for-outputs across two
// execution domains. Immutable once signed.
type Order struct {
	User                  Address  `json:"user"`
	Recipient             Address  `json:"recipient"`
	Filler                Address  `json:"filler"` // null ⇒ open to any solver
	Inputs                []Token  `json:"inputs"`
	Outputs               []Token  `json:"outputs"`
	SourceDomainID        uint64   `json:"source_domain_id"`
	DestinationDomainID   uint64   `json:"destination_domain_id"`
	Sponsored             bool     `json:"sponsored"`
	PrimaryFillerDeadline int64    `json:"primary_filler_deadline"` // unix seconds
	Deadline              int64    `json:"deadline"`                // unix seconds
	CallTarget            Address  `json:"call_target"`
	CallPayload           []byte   `json:"call_payload"`
	CallValue             *big.Int `json:"call_value"`
}

// OrderRequest is the unit that is signed: an Order plus anti-replay data.
type OrderRequest struct {
	Deadline int64  `json:"deadline"` // request expiry, unix seconds
	Nonce    uint64 `json:"nonce"`    // per-user, single use
	Order    Order  `json:"order"`
}

// Status is the hub-side order lifecycle state. Transitions are forward
// only: Active → Filled or Active → Withdrawn.
type Status string

const (
	StatusActive    Status = "active"
	StatusFilled    Status = "filled"
	StatusWithdrawn Status = "withdrawn"
)

// OrderRecord is the hub-owned snapshot of an accepted order. Records are
// never deleted; terminal states are kept for audit.
type OrderRecord struct {
	Order     Order   `json:"order"`
	Status    Status  `json:"status"`
	Sequence  uint64  `json:"sequence"`
	CreatedAt int64   `json:"created_at"`
	Creator   Address `json:"creator"`
}

// FillNotice is the payload of a Fill message sent from spoke to hub: proof
// material that an order was fulfilled on the destination domain. OrderHash
// binds the notice to the order's content, so a notice minted for one order
// cannot settle another order's escrow.
type FillNotice struct {
	OrderID   string   `json:"order_id"`
	OrderHash [32]byte `json:"order_hash"`
	Filler    Address  `json:"filler"`
	FilledAt  int64    `json:"filled_at"`
}

// FillReceipt is minted once per successful fill on the spoke.
type FillReceipt struct {
	OrderID  string  `json:"order_id"`
	Filler   Address `json:"filler"`
	FilledAt int64   `json:"filled_at"`
}
