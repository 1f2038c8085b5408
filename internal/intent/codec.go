package intent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// Canonical wire codec for signed entities and message payloads.
//
// The encoding is field-order-fixed with big-endian fixed-width integers and
// a uint32 length prefix on every variable-length field, so that it is
// injective (two distinct values never share an encoding) and reversible.
// Digests in domain.go hash these bytes directly.

var errTruncated = errors.New("truncated encoding")

// EncodeToken appends the canonical encoding of t to dst.
func EncodeToken(dst []byte, t Token) []byte {
	dst = append(dst, byte(t.Kind))
	dst = appendBytes(dst, t.Address)
	dst = binary.BigEndian.AppendUint64(dst, t.SubID)
	dst = appendBig(dst, t.Amount)
	return dst
}

// EncodeOrder returns the canonical encoding of o.
func EncodeOrder(o Order) []byte {
	dst := make([]byte, 0, 256)
	dst = append(dst, o.User[:]...)
	dst = append(dst, o.Recipient[:]...)
	dst = append(dst, o.Filler[:]...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(o.Inputs)))
	for _, t := range o.Inputs {
		dst = EncodeToken(dst, t)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(o.Outputs)))
	for _, t := range o.Outputs {
		dst = EncodeToken(dst, t)
	}
	dst = binary.BigEndian.AppendUint64(dst, o.SourceDomainID)
	dst = binary.BigEndian.AppendUint64(dst, o.DestinationDomainID)
	if o.Sponsored {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = binary.BigEndian.AppendUint64(dst, uint64(o.PrimaryFillerDeadline))
	dst = binary.BigEndian.AppendUint64(dst, uint64(o.Deadline))
	dst = append(dst, o.CallTarget[:]...)
	dst = appendBytes(dst, o.CallPayload)
	dst = appendBig(dst, o.CallValue)
	return dst
}

// EncodeRequest returns the canonical encoding of r.
func EncodeRequest(r OrderRequest) []byte {
	dst := make([]byte, 0, 272)
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.Deadline))
	dst = binary.BigEndian.AppendUint64(dst, r.Nonce)
	return append(dst, EncodeOrder(r.Order)...)
}

// EncodeFillNotice returns the canonical encoding of n.
func EncodeFillNotice(n FillNotice) []byte {
	dst := make([]byte, 0, 128)
	dst = appendBytes(dst, []byte(n.OrderID))
	dst = append(dst, n.OrderHash[:]...)
	dst = append(dst, n.Filler[:]...)
	dst = binary.BigEndian.AppendUint64(dst, uint64(n.FilledAt))
	return dst
}

// DecodeOrder parses a canonical order encoding. The entire buffer must be
// consumed.
func DecodeOrder(raw []byte) (Order, error) {
	d := decoder{buf: raw}
	o, err := d.order()
	if err != nil {
		return Order{}, err
	}
	if len(d.buf) != 0 {
		return Order{}, fmt.Errorf("order encoding has %d trailing bytes", len(d.buf))
	}
	return o, nil
}

// DecodeRequest parses a canonical order-request encoding.
func DecodeRequest(raw []byte) (OrderRequest, error) {
	d := decoder{buf: raw}
	deadline, err := d.u64()
	if err != nil {
		return OrderRequest{}, err
	}
	nonce, err := d.u64()
	if err != nil {
		return OrderRequest{}, err
	}
	o, err := d.order()
	if err != nil {
		return OrderRequest{}, err
	}
	if len(d.buf) != 0 {
		return OrderRequest{}, fmt.Errorf("request encoding has %d trailing bytes", len(d.buf))
	}
	return OrderRequest{Deadline: int64(deadline), Nonce: nonce, Order: o}, nil
}

// DecodeFillNotice parses a canonical fill-notice encoding.
func DecodeFillNotice(raw []byte) (FillNotice, error) {
	d := decoder{buf: raw}
	id, err := d.bytes()
	if err != nil {
		return FillNotice{}, err
	}
	hash, err := d.addr()
	if err != nil {
		return FillNotice{}, err
	}
	filler, err := d.addr()
	if err != nil {
		return FillNotice{}, err
	}
	ts, err := d.u64()
	if err != nil {
		return FillNotice{}, err
	}
	if len(d.buf) != 0 {
		return FillNotice{}, fmt.Errorf("fill notice encoding has %d trailing bytes", len(d.buf))
	}
	return FillNotice{OrderID: string(id), OrderHash: [32]byte(hash), Filler: filler, FilledAt: int64(ts)}, nil
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// appendBig encodes a non-negative big.Int as length-prefixed minimal
// big-endian bytes. nil encodes the same as zero.
func appendBig(dst []byte, v *big.Int) []byte {
	if v == nil || v.Sign() == 0 {
		return binary.BigEndian.AppendUint32(dst, 0)
	}
	return appendBytes(dst, v.Bytes())
}

type decoder struct{ buf []byte }

func (d *decoder) take(n int) ([]byte, error) {
	if len(d.buf) < n {
		return nil, errTruncated
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out, nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	b, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (d *decoder) addr() (Address, error) {
	var a Address
	b, err := d.take(32)
	if err != nil {
		return a, err
	}
	copy(a[:], b)
	return a, nil
}

func (d *decoder) big() (*big.Int, error) {
	b, err := d.bytes()
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return new(big.Int), nil
	}
	if b[0] == 0 {
		return nil, errors.New("non-minimal big integer encoding")
	}
	return new(big.Int).SetBytes(b), nil
}

func (d *decoder) token() (Token, error) {
	kind, err := d.take(1)
	if err != nil {
		return Token{}, err
	}
	addr, err := d.bytes()
	if err != nil {
		return Token{}, err
	}
	sub, err := d.u64()
	if err != nil {
		return Token{}, err
	}
	amt, err := d.big()
	if err != nil {
		return Token{}, err
	}
	t := Token{Kind: TokenKind(kind[0]), Address: addr, SubID: sub, Amount: amt}
	if !t.Kind.Valid() {
		return Token{}, fmt.Errorf("invalid token kind %d", kind[0])
	}
	return t, nil
}

// minTokenEncodedLen is the smallest possible encoded token: kind(1) +
// address length prefix(4) + sub id(8) + amount length prefix(4).
const minTokenEncodedLen = 17

func (d *decoder) tokens() ([]Token, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	// The count is untrusted input; cap the pre-allocation by what the
	// remaining buffer could possibly hold.
	capHint := len(d.buf) / minTokenEncodedLen
	if int(n) < capHint {
		capHint = int(n)
	}
	out := make([]Token, 0, capHint)
	for i := uint32(0); i < n; i++ {
		t, err := d.token()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (d *decoder) order() (Order, error) {
	var o Order
	var err error
	if o.User, err = d.addr(); err != nil {
		return o, err
	}
	if o.Recipient, err = d.addr(); err != nil {
		return o, err
	}
	if o.Filler, err = d.addr(); err != nil {
		return o, err
	}
	if o.Inputs, err = d.tokens(); err != nil {
		return o, err
	}
	if o.Outputs, err = d.tokens(); err != nil {
		return o, err
	}
	if o.SourceDomainID, err = d.u64(); err != nil {
		return o, err
	}
	if o.DestinationDomainID, err = d.u64(); err != nil {
		return o, err
	}
	sponsored, err := d.take(1)
	if err != nil {
		return o, err
	}
	switch sponsored[0] {
	case 0:
		o.Sponsored = false
	case 1:
		o.Sponsored = true
	default:
		return o, fmt.Errorf("invalid sponsored flag %d", sponsored[0])
	}
	pfd, err := d.u64()
	if err != nil {
		return o, err
	}
	o.PrimaryFillerDeadline = int64(pfd)
	dl, err := d.u64()
	if err != nil {
		return o, err
	}
	o.Deadline = int64(dl)
	if o.CallTarget, err = d.addr(); err != nil {
		return o, err
	}
	if o.CallPayload, err = d.bytes(); err != nil {
		return o, err
	}
	if o.CallValue, err = d.big(); err != nil {
		return o, err
	}
	return o, nil
}
