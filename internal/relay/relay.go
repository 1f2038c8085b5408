// Package relay moves queued outbound envelopes to their destination
// domain's API. It is the transport between a messenger's outbox and the
// remote messenger's receive endpoint; delivery retries by re-queueing.
package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/messenger"
)

const (
	blpopTimeout = 5 * time.Second
	retryDelay   = 5 * time.Second
)

// ProofBuilder produces the attestation accompanying a relayed envelope.
// A production relayer gathers guardian signatures here; the development
// builder fabricates a placeholder the static verifier accepts.
type ProofBuilder interface {
	Build(ctx context.Context, env messenger.Envelope) ([]byte, error)
}

// StaticProofBuilder emits placeholder proofs for deployments running the
// static verifier.
type StaticProofBuilder struct{}

func (StaticProofBuilder) Build(_ context.Context, env messenger.Envelope) ([]byte, error) {
	hash := messenger.Hash(env.Source, env.Type, env.Payload)
	proof := make([]byte, 100)
	proof[0] = 1
	copy(proof[1:], hash[:])
	return proof, nil
}

// QuorumProofBuilder signs the message hash with each held guardian key and
// assembles the k-of-n attestation the quorum verifier accepts. Keys are
// indexed by their position in the destination's guardian set.
type QuorumProofBuilder struct {
	Signers map[int]ed25519.PrivateKey
}

func (q QuorumProofBuilder) Build(_ context.Context, env messenger.Envelope) ([]byte, error) {
	if len(q.Signers) == 0 {
		return nil, errors.New("no guardian signing keys configured")
	}
	hash := messenger.Hash(env.Source, env.Type, env.Payload)
	entries := make(map[int][]byte, len(q.Signers))
	for idx, key := range q.Signers {
		entries[idx] = ed25519.Sign(key, hash[:])
	}
	return messenger.BuildQuorumProof(entries), nil
}

// Delivery is the body POSTed to the destination's receive endpoint.
type Delivery struct {
	Source  uint64         `json:"source"`
	Type    messenger.Type `json:"type"`
	Payload []byte         `json:"payload"`
	Proof   []byte         `json:"proof"`
	Nonce   uint64         `json:"nonce"`
}

// Relay drains one destination's outbox.
type Relay struct {
	rdb    *redis.Client
	msgr   *messenger.Messenger
	proofs ProofBuilder
	client *http.Client
	log    *zap.Logger
}

func New(rdb *redis.Client, msgr *messenger.Messenger, proofs ProofBuilder, log *zap.Logger) *Relay {
	return &Relay{
		rdb:    rdb,
		msgr:   msgr,
		proofs: proofs,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// Run is the main relay loop for one destination: BLPOP → POST → re-push on
// failure. It returns when the context is cancelled.
func (r *Relay) Run(ctx context.Context, destination uint64) {
	queueKey := messenger.OutboxKey(destination)
	r.log.Info("relay started", zap.Uint64("destination", destination), zap.String("queue", queueKey))

	for {
		if ctx.Err() != nil {
			r.log.Info("relay stopped", zap.Uint64("destination", destination))
			return
		}

		// BLPOP blocks until an item appears or timeout
		results, err := r.rdb.BLPop(ctx, blpopTimeout, queueKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.log.Error("relay: BLPOP error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		raw := results[1]
		env, err := messenger.DecodeEnvelope(raw)
		if err != nil {
			// Undeliverable by construction; drop rather than loop forever.
			r.log.Error("relay: bad envelope dropped", zap.String("raw", raw), zap.Error(err))
			continue
		}

		if err := r.deliver(ctx, env); err != nil {
			r.log.Error("relay: delivery failed",
				zap.Uint64("destination", env.Destination),
				zap.Uint64("nonce", env.Nonce),
				zap.Error(err))
			// Re-push at the head so ordering is preserved for retry.
			_ = r.rdb.LPush(ctx, queueKey, raw)
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
			continue
		}
		r.log.Info("relay: delivered",
			zap.Uint64("destination", env.Destination),
			zap.String("type", string(env.Type)),
			zap.Uint64("nonce", env.Nonce))
	}
}

func (r *Relay) deliver(ctx context.Context, env messenger.Envelope) error {
	chain, err := r.msgr.Chain(ctx, env.Destination)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	proof, err := r.proofs.Build(ctx, env)
	if err != nil {
		return fmt.Errorf("build proof: %w", err)
	}

	body, err := json.Marshal(Delivery{
		Source:  env.Source,
		Type:    env.Type,
		Payload: env.Payload,
		Proof:   proof,
		Nonce:   env.Nonce,
	})
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	url := chain.Endpoint + "/api/messages/receive"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	// 409 means the destination already processed this message: delivered.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	return nil
}
