// Package hub owns the source-domain half of the order lifecycle: it
// validates signed intents, escrows the user's funds, and releases the
// escrow exactly once — to the user on timeout withdrawal or to the solver
// on proven settlement.
package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/custody"
	"github.com/crosslane/crosslane/internal/events"
	"github.com/crosslane/crosslane/internal/intent"
	"github.com/crosslane/crosslane/internal/messenger"
)

var (
	ErrNotAuthorized   = errors.New("not authorized")
	ErrRequestExpired  = errors.New("request expired")
	ErrNonceUsed       = errors.New("request nonce already used")
	ErrBadSignature    = errors.New("invalid signature")
	ErrDeadlineTooFar  = errors.New("order deadline exceeds maximum")
	ErrBadDeadlines    = errors.New("primary filler deadline after order deadline")
	ErrOrderExpired    = errors.New("order deadline already passed")
	ErrWrongDomain     = errors.New("order not for this domain")
	ErrPaymentMismatch = errors.New("payment does not match order inputs")
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotActive  = errors.New("order not active")
	ErrTooEarly        = errors.New("withdrawal window not reached")
	ErrBadClaim        = errors.New("invalid or consumed claim token")
	ErrProofMismatch   = errors.New("proof does not attest this order")
)

const (
	seqKey          = "hub:seq"
	nonceKeyPrefix  = "hub:nonce:"
	orderKeyPrefix  = "hub:order:"
	paramsKey       = "hub:params"
	escrowKeyPrefix = "escrow:"
)

// SettlementProof carries an inbound Fill message envelope attesting that
// the order was fulfilled on its destination domain.
type SettlementProof struct {
	SourceDomain uint64 `json:"source_domain"`
	Payload      []byte `json:"payload"`
	Proof        []byte `json:"proof"`
}

// Hub is the source-domain order escrow.
type Hub struct {
	rdb       *redis.Client
	vault     custody.Vault
	emitter   *events.Emitter
	messenger *messenger.Messenger
	domain    intent.Domain
	owner     intent.Address
	log       *zap.Logger
	now       func() time.Time
}

func New(
	rdb *redis.Client,
	vault custody.Vault,
	emitter *events.Emitter,
	msgr *messenger.Messenger,
	domain intent.Domain,
	owner intent.Address,
	log *zap.Logger,
) *Hub {
	return &Hub{
		rdb:       rdb,
		vault:     vault,
		emitter:   emitter,
		messenger: msgr,
		domain:    domain,
		owner:     owner,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Init seeds hub params if none are stored yet.
func (h *Hub) Init(ctx context.Context, timeBuffer, maxOrderDeadline time.Duration) error {
	ok, err := h.rdb.HSetNX(ctx, paramsKey, "time_buffer_sec", int64(timeBuffer/time.Second)).Result()
	if err != nil || !ok {
		return err
	}
	return h.rdb.HSet(ctx, paramsKey, "max_deadline_sec", int64(maxOrderDeadline/time.Second)).Err()
}

// CreateOrder validates a signed order request, escrows the payment, and
// stores an Active record. The returned claim token is the single-use
// capability for withdrawing the order after timeout.
func (h *Hub) CreateOrder(ctx context.Context, req intent.OrderRequest, sig, pub []byte, creator intent.Address, payment []intent.Token) (orderID, claimToken string, err error) {
	order := req.Order
	now := h.now().Unix()

	// Fail-fast validation; nothing below mutates state until all checks pass.
	if now > req.Deadline {
		return "", "", ErrRequestExpired
	}
	nonceKey := fmt.Sprintf("%s%s:%d", nonceKeyPrefix, order.User.Hex(), req.Nonce)
	used, err := h.rdb.Exists(ctx, nonceKey).Result()
	if err != nil {
		return "", "", fmt.Errorf("check nonce: %w", err)
	}
	if used > 0 {
		return "", "", ErrNonceUsed
	}
	digest := intent.RequestDigest(req, h.domain)
	if !intent.Verify(digest, sig, pub) {
		return "", "", ErrBadSignature
	}
	// The signing key is the user's identity; a valid signature from a
	// different key must not spend the user's escrow or nonce.
	if intent.Address(pub) != order.User {
		return "", "", ErrBadSignature
	}
	_, maxDeadline, err := h.params(ctx)
	if err != nil {
		return "", "", err
	}
	if order.Deadline > now+int64(maxDeadline/time.Second) {
		return "", "", ErrDeadlineTooFar
	}
	if order.PrimaryFillerDeadline > order.Deadline {
		return "", "", ErrBadDeadlines
	}
	if now >= order.Deadline {
		return "", "", ErrOrderExpired
	}
	if order.SourceDomainID != h.messenger.DomainID() {
		return "", "", ErrWrongDomain
	}
	if err := paymentCoversInputs(payment, order.Inputs); err != nil {
		return "", "", err
	}

	// Commit point: the nonce SETNX is the atomic replay guard.
	claimed, err := h.rdb.SetNX(ctx, nonceKey, 1, 0).Result()
	if err != nil {
		return "", "", fmt.Errorf("consume nonce: %w", err)
	}
	if !claimed {
		return "", "", ErrNonceUsed
	}

	seq, err := h.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		h.rdb.Del(ctx, nonceKey) //nolint:errcheck
		return "", "", fmt.Errorf("assign sequence: %w", err)
	}
	orderDigest := intent.OrderDigest(order, h.domain)
	orderID = orderIDFor(orderDigest, uint64(seq))

	// Escrow the payment under the fresh order id.
	escrowAccount := escrowKeyPrefix + orderID
	for i, tok := range payment {
		if err := h.vault.Transfer(ctx, creator.Hex(), escrowAccount, tok.AssetKey(), tok.Amount); err != nil {
			// Unwind earlier escrow legs and the nonce before reporting.
			for j := 0; j < i; j++ {
				t := payment[j]
				if uErr := h.vault.Transfer(ctx, escrowAccount, creator.Hex(), t.AssetKey(), t.Amount); uErr != nil {
					h.log.Error("escrow unwind", zap.String("order", orderID), zap.Error(uErr))
				}
			}
			h.rdb.Del(ctx, nonceKey) //nolint:errcheck
			return "", "", fmt.Errorf("escrow payment: %w", err)
		}
	}

	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		return "", "", fmt.Errorf("mint claim token: %w", err)
	}
	claimToken = hex.EncodeToString(token)
	claimHash := crypto.Keccak256Hash(token)

	rawOrder, err := json.Marshal(order)
	if err != nil {
		return "", "", fmt.Errorf("marshal order: %w", err)
	}
	if err := h.rdb.HSet(ctx, orderKeyPrefix+orderID,
		"order", string(rawOrder),
		"status", string(intent.StatusActive),
		"sequence", seq,
		"created_at", now,
		"creator", creator.Hex(),
		"claim", claimHash.Hex(),
	).Err(); err != nil {
		return "", "", fmt.Errorf("store order: %w", err)
	}

	h.emitter.Emit(ctx, events.KindOrderCreated, events.OrderCreated{
		OrderID: orderID,
		Nonce:   req.Nonce,
		Order:   order,
		Creator: creator,
	})
	return orderID, claimToken, nil
}

// WithdrawOrder returns the escrow to the user once the order has expired
// past the configured buffer. The claim token is consumed on success.
func (h *Hub) WithdrawOrder(ctx context.Context, caller intent.Address, orderID, claimToken string) error {
	rec, err := h.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if rec.Status != intent.StatusActive {
		// A terminal order may still carry a pending release from an
		// earlier attempt whose escrow drain failed.
		return h.finishRelease(ctx, caller, orderID, rec)
	}

	raw, err := hex.DecodeString(claimToken)
	if err != nil {
		return ErrBadClaim
	}
	presented := crypto.Keccak256Hash(raw).Hex()

	buffer, _, err := h.params(ctx)
	if err != nil {
		return err
	}
	if h.now().Unix() <= rec.Order.Deadline+int64(buffer/time.Second) {
		return ErrTooEarly
	}

	// CAS Active→Withdrawn, consume the claim, and record the release
	// destination in one watched transaction. The release marker survives
	// a failed drain so the escrow is never stranded in a terminal order.
	if err := h.transition(ctx, orderID, intent.StatusWithdrawn, presented, rec.Order.User.Hex()); err != nil {
		return err
	}

	if _, err := h.vault.TransferAll(ctx, escrowKeyPrefix+orderID, rec.Order.User.Hex()); err != nil {
		return fmt.Errorf("release escrow: %w", err)
	}
	h.rdb.HDel(ctx, orderKeyPrefix+orderID, "release_to") //nolint:errcheck

	h.emitter.Emit(ctx, events.KindOrderWithdrawn, events.OrderWithdrawn{OrderID: orderID, Caller: caller})
	return nil
}

// SettleOrder transitions an Active order to Filled against a verified
// fulfillment proof from the destination domain, releasing the escrow to
// the filler. An unverifiable or mismatched proof leaves the order Active.
func (h *Hub) SettleOrder(ctx context.Context, orderID string, proof SettlementProof) error {
	rec, err := h.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if rec.Status != intent.StatusActive {
		return h.finishRelease(ctx, intent.Address{}, orderID, rec)
	}
	if proof.SourceDomain != rec.Order.DestinationDomainID {
		return ErrProofMismatch
	}

	// Decode and match before Receive so a mismatched notice does not burn
	// its replay-protection slot.
	notice, err := intent.DecodeFillNotice(proof.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofMismatch, err)
	}
	if notice.OrderID != orderID {
		return ErrProofMismatch
	}
	// The notice must attest the stored order's content, not just its id.
	// Without this check a fill of some other order minted under this id
	// on the spoke would release this order's escrow.
	if notice.OrderHash != intent.OrderHash(rec.Order) {
		return ErrProofMismatch
	}

	if _, err := h.messenger.Receive(ctx, proof.SourceDomain, messenger.TypeFill, proof.Payload, proof.Proof); err != nil {
		return err
	}

	if err := h.transition(ctx, orderID, intent.StatusFilled, "", notice.Filler.Hex()); err != nil {
		return err
	}

	if _, err := h.vault.TransferAll(ctx, escrowKeyPrefix+orderID, notice.Filler.Hex()); err != nil {
		return fmt.Errorf("release escrow: %w", err)
	}
	h.rdb.HDel(ctx, orderKeyPrefix+orderID, "release_to") //nolint:errcheck

	h.emitter.Emit(ctx, events.KindOrderSettled, events.OrderSettled{OrderID: orderID, Order: rec.Order})
	return nil
}

// Order loads a stored record.
func (h *Hub) Order(ctx context.Context, orderID string) (*intent.OrderRecord, error) {
	vals, err := h.rdb.HGetAll(ctx, orderKeyPrefix+orderID).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrOrderNotFound
	}
	return recordFromMap(vals)
}

// SetTimeBuffer updates the post-deadline withdrawal buffer.
func (h *Hub) SetTimeBuffer(ctx context.Context, caller intent.Address, buffer time.Duration) error {
	return h.setParam(ctx, caller, "time_buffer_sec", buffer)
}

// SetMaxOrderDeadline updates the farthest-future deadline accepted.
func (h *Hub) SetMaxOrderDeadline(ctx context.Context, caller intent.Address, max time.Duration) error {
	return h.setParam(ctx, caller, "max_deadline_sec", max)
}

func (h *Hub) setParam(ctx context.Context, caller intent.Address, field string, d time.Duration) error {
	if caller != h.owner {
		return ErrNotAuthorized
	}
	old, err := h.rdb.HGet(ctx, paramsKey, field).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if err := h.rdb.HSet(ctx, paramsKey, field, int64(d/time.Second)).Err(); err != nil {
		return err
	}
	h.emitter.Emit(ctx, events.KindParamChanged, events.ParamChanged{
		Name:     field,
		OldValue: old,
		NewValue: strconv.FormatInt(int64(d/time.Second), 10),
	})
	return nil
}

// transition performs the forward-only status CAS. If expectClaim is
// non-empty the stored claim hash must match and is cleared atomically, so
// a claim token can never be used twice. releaseTo records the pending
// escrow destination in the same transaction; the caller clears it once the
// drain commits.
func (h *Hub) transition(ctx context.Context, orderID string, to intent.Status, expectClaim, releaseTo string) error {
	key := orderKeyPrefix + orderID
	for i := 0; i < 16; i++ {
		err := h.rdb.Watch(ctx, func(tx *redis.Tx) error {
			status, err := tx.HGet(ctx, key, "status").Result()
			if err != nil {
				return err
			}
			if intent.Status(status) != intent.StatusActive {
				return ErrOrderNotActive
			}
			if expectClaim != "" {
				stored, err := tx.HGet(ctx, key, "claim").Result()
				if err != nil {
					return err
				}
				if stored == "" || stored != expectClaim {
					return ErrBadClaim
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, "status", string(to))
				pipe.HSet(ctx, key, "release_to", releaseTo)
				if expectClaim != "" {
					pipe.HSet(ctx, key, "claim", "")
				}
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transition order %s: transaction contention", orderID)
}

// finishRelease drains the escrow of a terminal order whose transition
// committed but whose release failed. With no pending marker the order is
// simply not active.
func (h *Hub) finishRelease(ctx context.Context, caller intent.Address, orderID string, rec *intent.OrderRecord) error {
	dest, err := h.rdb.HGet(ctx, orderKeyPrefix+orderID, "release_to").Result()
	if err == redis.Nil || dest == "" {
		return ErrOrderNotActive
	}
	if err != nil {
		return err
	}
	if _, err := h.vault.TransferAll(ctx, escrowKeyPrefix+orderID, dest); err != nil {
		return fmt.Errorf("release escrow: %w", err)
	}
	h.rdb.HDel(ctx, orderKeyPrefix+orderID, "release_to") //nolint:errcheck

	switch rec.Status {
	case intent.StatusWithdrawn:
		h.emitter.Emit(ctx, events.KindOrderWithdrawn, events.OrderWithdrawn{OrderID: orderID, Caller: caller})
	case intent.StatusFilled:
		h.emitter.Emit(ctx, events.KindOrderSettled, events.OrderSettled{OrderID: orderID, Order: rec.Order})
	}
	return nil
}

func (h *Hub) params(ctx context.Context) (timeBuffer, maxDeadline time.Duration, err error) {
	vals, err := h.rdb.HGetAll(ctx, paramsKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("read hub params: %w", err)
	}
	bufSec, _ := strconv.ParseInt(vals["time_buffer_sec"], 10, 64)
	maxSec, _ := strconv.ParseInt(vals["max_deadline_sec"], 10, 64)
	return time.Duration(bufSec) * time.Second, time.Duration(maxSec) * time.Second, nil
}

func orderIDFor(digest [32]byte, seq uint64) string {
	var seqBytes [8]byte
	for i := 0; i < 8; i++ {
		seqBytes[7-i] = byte(seq >> (8 * i))
	}
	id := crypto.Keccak256(digest[:], seqBytes[:])
	return hex.EncodeToString(id)
}

// paymentCoversInputs requires the escrowed payment to match the order's
// declared inputs exactly, asset for asset.
func paymentCoversInputs(payment, inputs []intent.Token) error {
	if len(payment) != len(inputs) {
		return ErrPaymentMismatch
	}
	for i, in := range inputs {
		p := payment[i]
		if !p.SameAsset(in) {
			return ErrPaymentMismatch
		}
		if p.Amount == nil || in.Amount == nil || p.Amount.Cmp(in.Amount) != 0 {
			return ErrPaymentMismatch
		}
	}
	return nil
}

func recordFromMap(m map[string]string) (*intent.OrderRecord, error) {
	var order intent.Order
	if err := json.Unmarshal([]byte(m["order"]), &order); err != nil {
		return nil, fmt.Errorf("decode stored order: %w", err)
	}
	seq, _ := strconv.ParseUint(m["sequence"], 10, 64)
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	creator, err := intent.HexToAddress(m["creator"])
	if err != nil {
		return nil, fmt.Errorf("decode creator: %w", err)
	}
	return &intent.OrderRecord{
		Order:     order,
		Status:    intent.Status(m["status"]),
		Sequence:  seq,
		CreatedAt: createdAt,
		Creator:   creator,
	}, nil
}
