// Package messenger carries order, fill, and settle notices between
// execution domains. Outbound messages get per-destination monotonic nonces
// and queue onto a Redis list a relayer drains; inbound messages are proof
// checked and permanently de-duplicated by message hash.
package messenger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/events"
	"github.com/crosslane/crosslane/internal/intent"
)

// Type discriminates cross-domain message payloads.
type Type string

const (
	TypeOrder  Type = "order"
	TypeFill   Type = "fill"
	TypeSettle Type = "settle"
)

func (t Type) Valid() bool {
	switch t {
	case TypeOrder, TypeFill, TypeSettle:
		return true
	}
	return false
}

// Envelope is the wire form of one queued message.
type Envelope struct {
	Source      uint64 `json:"source"`
	Destination uint64 `json:"destination"`
	Type        Type   `json:"type"`
	Payload     []byte `json:"payload"`
	Nonce       uint64 `json:"nonce"`
}

var (
	ErrNotAuthorized    = errors.New("not authorized")
	ErrChainUnknown     = errors.New("chain not registered")
	ErrChainInactive    = errors.New("chain not active")
	ErrUnknownType      = errors.New("unknown message type")
	ErrAlreadyProcessed = errors.New("message already processed")
)

const (
	chainKeyPrefix     = "messenger:chain:"
	nonceKeyPrefix     = "messenger:nonce:"
	outboxKeyPrefix    = "messenger:outbox:"
	processedKeyPrefix = "messenger:processed:"
)

// OutboxKey is the Redis list holding outbound envelopes for a destination.
func OutboxKey(destination uint64) string {
	return outboxKeyPrefix + strconv.FormatUint(destination, 10)
}

// Hash computes the replay-protection message hash:
// keccak256(source ‖ type ‖ payload).
func Hash(source uint64, typ Type, payload []byte) [32]byte {
	var src [8]byte
	binary.BigEndian.PutUint64(src[:], source)
	return crypto.Keccak256Hash(src[:], []byte(typ), payload)
}

// Chain is one registered remote domain.
type Chain struct {
	ChainID  uint64
	Endpoint string
	Active   bool
}

// Messenger owns one domain's message plumbing.
type Messenger struct {
	rdb      *redis.Client
	emitter  *events.Emitter
	verifier ProofVerifier
	owner    intent.Address
	domainID uint64
	log      *zap.Logger
}

func New(rdb *redis.Client, emitter *events.Emitter, verifier ProofVerifier, owner intent.Address, domainID uint64, log *zap.Logger) *Messenger {
	return &Messenger{rdb: rdb, emitter: emitter, verifier: verifier, owner: owner, domainID: domainID, log: log}
}

// DomainID returns the local domain this messenger serves.
func (m *Messenger) DomainID() uint64 { return m.domainID }

func chainKey(chainID uint64) string {
	return chainKeyPrefix + strconv.FormatUint(chainID, 10)
}

// AddChain registers a destination domain, initially active.
func (m *Messenger) AddChain(ctx context.Context, caller intent.Address, chainID uint64, endpoint string) error {
	if caller != m.owner {
		return ErrNotAuthorized
	}
	if err := m.rdb.HSet(ctx, chainKey(chainID), "endpoint", endpoint, "active", 1).Err(); err != nil {
		return fmt.Errorf("add chain %d: %w", chainID, err)
	}
	m.emitter.Emit(ctx, events.KindChainAdded, events.ChainAdded{ChainID: chainID, Endpoint: endpoint})
	return nil
}

// SetEndpoint updates a registered chain's delivery endpoint.
func (m *Messenger) SetEndpoint(ctx context.Context, caller intent.Address, chainID uint64, endpoint string) error {
	if caller != m.owner {
		return ErrNotAuthorized
	}
	if _, err := m.Chain(ctx, chainID); err != nil {
		return err
	}
	return m.rdb.HSet(ctx, chainKey(chainID), "endpoint", endpoint).Err()
}

// SetActive toggles a registered chain.
func (m *Messenger) SetActive(ctx context.Context, caller intent.Address, chainID uint64, active bool) error {
	if caller != m.owner {
		return ErrNotAuthorized
	}
	if _, err := m.Chain(ctx, chainID); err != nil {
		return err
	}
	v := 0
	if active {
		v = 1
	}
	return m.rdb.HSet(ctx, chainKey(chainID), "active", v).Err()
}

// Chain loads one registered chain.
func (m *Messenger) Chain(ctx context.Context, chainID uint64) (*Chain, error) {
	vals, err := m.rdb.HGetAll(ctx, chainKey(chainID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrChainUnknown
	}
	return &Chain{ChainID: chainID, Endpoint: vals["endpoint"], Active: vals["active"] == "1"}, nil
}

// Conduit is a send capability scoped to one destination.
type Conduit struct {
	m           *Messenger
	destination uint64
}

func (c *Conduit) Destination() uint64 { return c.destination }

// Send enqueues a follow-up message to the conduit's destination.
func (c *Conduit) Send(ctx context.Context, typ Type, payload []byte) (uint64, error) {
	return c.m.send(ctx, c.destination, typ, payload)
}

// Send queues an outbound message and returns a conduit for follow-up sends
// to the same destination.
func (m *Messenger) Send(ctx context.Context, destination uint64, typ Type, payload []byte) (*Conduit, error) {
	if _, err := m.send(ctx, destination, typ, payload); err != nil {
		return nil, err
	}
	return &Conduit{m: m, destination: destination}, nil
}

func (m *Messenger) send(ctx context.Context, destination uint64, typ Type, payload []byte) (uint64, error) {
	if !typ.Valid() {
		return 0, ErrUnknownType
	}
	ch, err := m.Chain(ctx, destination)
	if err != nil {
		return 0, err
	}
	if !ch.Active {
		return 0, ErrChainInactive
	}

	// Nonces are monotonic from 0: INCR yields 1 on first use.
	n, err := m.rdb.Incr(ctx, nonceKeyPrefix+strconv.FormatUint(destination, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("assign nonce: %w", err)
	}
	nonce := uint64(n - 1)

	env := Envelope{
		Source:      m.domainID,
		Destination: destination,
		Type:        typ,
		Payload:     payload,
		Nonce:       nonce,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	if err := m.rdb.RPush(ctx, OutboxKey(destination), string(raw)).Err(); err != nil {
		return 0, fmt.Errorf("enqueue message: %w", err)
	}

	hash := Hash(m.domainID, typ, payload)
	// The event carries only the payload hash to bound event size.
	m.emitter.Emit(ctx, events.KindMessageSent, events.MessageSent{
		Destination: destination,
		Type:        string(typ),
		Nonce:       nonce,
		PayloadHash: fmt.Sprintf("%x", hash),
	})
	return nonce, nil
}

// Receive validates an inbound message and returns its payload for
// downstream handling. The processed-set entry never expires: a message
// hash is accepted exactly once, forever.
func (m *Messenger) Receive(ctx context.Context, source uint64, typ Type, payload, proof []byte) ([]byte, error) {
	if !typ.Valid() {
		return nil, ErrUnknownType
	}
	ch, err := m.Chain(ctx, source)
	if err != nil {
		return nil, err
	}
	if !ch.Active {
		return nil, ErrChainInactive
	}

	hash := Hash(source, typ, payload)
	if err := m.verifier.Verify(hash, proof); err != nil {
		return nil, err
	}

	// SETNX is the atomic claim: a concurrent duplicate loses the race.
	claimed, err := m.rdb.SetNX(ctx, fmt.Sprintf("%s%x", processedKeyPrefix, hash), 1, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("mark processed: %w", err)
	}
	if !claimed {
		return nil, ErrAlreadyProcessed
	}

	m.emitter.Emit(ctx, events.KindMessageReceived, events.MessageReceived{
		Source:      source,
		Type:        string(typ),
		PayloadHash: fmt.Sprintf("%x", hash),
	})
	return payload, nil
}

// DecodeEnvelope parses one outbox list entry.
func DecodeEnvelope(raw string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
