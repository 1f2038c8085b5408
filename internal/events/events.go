// Package events is the append-only audit stream: every state transition in
// the protocol pushes one JSON envelope onto a Redis list that off-process
// consumers (the journal, solver bots watching for new orders) drain.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/intent"
)

// LogKey is the Redis list the emitter appends to.
const LogKey = "events:log"

// Kind names for the envelope.
const (
	KindOrderCreated      = "order_created"
	KindOrderWithdrawn    = "order_withdrawn"
	KindOrderSettled      = "order_settled"
	KindOrderFilled       = "order_filled"
	KindSolverRegistered  = "solver_registered"
	KindSolverDeactivated = "solver_deactivated"
	KindFeeCollected      = "fee_collected"
	KindFeeWithdrawn      = "fee_withdrawn"
	KindMessageSent       = "message_sent"
	KindMessageReceived   = "message_received"
	KindChainAdded        = "chain_added"
	KindParamChanged      = "param_changed"
)

// Envelope wraps every emitted event.
type Envelope struct {
	Kind string          `json:"kind"`
	At   int64           `json:"at"` // unix seconds
	Data json.RawMessage `json:"data"`
}

type OrderCreated struct {
	OrderID string         `json:"order_id"`
	Nonce   uint64         `json:"nonce"`
	Order   intent.Order   `json:"order"`
	Creator intent.Address `json:"creator"`
}

type OrderWithdrawn struct {
	OrderID string         `json:"order_id"`
	Caller  intent.Address `json:"caller"`
}

type OrderSettled struct {
	OrderID string       `json:"order_id"`
	Order   intent.Order `json:"order"`
}

type OrderFilled struct {
	OrderID string         `json:"order_id"`
	Order   intent.Order   `json:"order"`
	Filler  intent.Address `json:"filler"`
	FeePaid *big.Int       `json:"fee_paid"`
}

type SolverRegistered struct {
	Solver intent.Address `json:"solver"`
}

type SolverDeactivated struct {
	Solver intent.Address `json:"solver"`
	Reason string         `json:"reason,omitempty"`
}

type FeeCollected struct {
	Token       string   `json:"token"`
	Amount      *big.Int `json:"amount"`
	ProtocolFee *big.Int `json:"protocol_fee"`
	SolverFee   *big.Int `json:"solver_fee"`
}

type FeeWithdrawn struct {
	Recipient intent.Address `json:"recipient"`
	Token     string         `json:"token"`
	Amount    *big.Int       `json:"amount"`
}

type MessageSent struct {
	Destination uint64 `json:"destination"`
	Type        string `json:"type"`
	Nonce       uint64 `json:"nonce"`
	PayloadHash string `json:"payload_hash"`
}

type MessageReceived struct {
	Source      uint64 `json:"source"`
	Type        string `json:"type"`
	PayloadHash string `json:"payload_hash"`
}

type ChainAdded struct {
	ChainID  uint64 `json:"chain_id"`
	Endpoint string `json:"endpoint"`
}

// ParamChanged carries a before/after pair for an admin parameter change.
type ParamChanged struct {
	Name     string `json:"name"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// Emitter appends events to the audit list and mirrors them to the logger.
type Emitter struct {
	rdb *redis.Client
	log *zap.Logger
	now func() time.Time
}

func NewEmitter(rdb *redis.Client, log *zap.Logger) *Emitter {
	return &Emitter{rdb: rdb, log: log, now: time.Now}
}

// Emit serializes the event and RPUSHes it onto the audit list. Emission
// failures are logged but never fail the operation that produced the event.
func (e *Emitter) Emit(ctx context.Context, kind string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		e.log.Error("event marshal", zap.String("kind", kind), zap.Error(err))
		return
	}
	env := Envelope{Kind: kind, At: e.now().Unix(), Data: raw}
	body, err := json.Marshal(env)
	if err != nil {
		e.log.Error("envelope marshal", zap.String("kind", kind), zap.Error(err))
		return
	}
	if err := e.rdb.RPush(ctx, LogKey, string(body)).Err(); err != nil {
		e.log.Error("event append", zap.String("kind", kind), zap.Error(err))
		return
	}
	e.log.Info("event", zap.String("kind", kind), zap.ByteString("data", raw))
}

// Decode parses one raw list entry back into an envelope.
func Decode(raw string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event envelope: %w", err)
	}
	return env, nil
}
