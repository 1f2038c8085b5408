// relayd drains one domain's outbound message queues and delivers each
// envelope to its destination domain's receive endpoint, attaching the
// configured attestation.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/config"
	"github.com/crosslane/crosslane/internal/events"
	"github.com/crosslane/crosslane/internal/intent"
	"github.com/crosslane/crosslane/internal/messenger"
	"github.com/crosslane/crosslane/internal/relay"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	destFlag := flag.String("destinations", "", "comma-separated destination domain ids to relay toward")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	destinations, err := parseDestinations(*destFlag)
	if err != nil {
		log.Fatal("invalid -destinations", zap.Error(err))
	}
	if len(destinations) == 0 {
		log.Fatal("no destinations configured, pass -destinations")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	owner, err := intent.HexToAddress(cfg.Domain.Owner)
	if err != nil {
		log.Fatal("invalid DOMAIN_OWNER", zap.Error(err))
	}

	emitter := events.NewEmitter(rdb, log)
	msgr := messenger.New(rdb, emitter, messenger.StaticVerifier{}, owner, cfg.Domain.ID, log)
	proofs, err := buildProofBuilder(cfg)
	if err != nil {
		log.Fatal("invalid GUARDIAN_SIGNER_KEYS", zap.Error(err))
	}
	r := relay.New(rdb, msgr, proofs, log)

	var wg sync.WaitGroup
	for _, dest := range destinations {
		wg.Add(1)
		go func(d uint64) {
			defer wg.Done()
			r.Run(ctx, d)
		}(dest)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()
	wg.Wait()
	log.Info("shutdown complete")
}

// buildProofBuilder selects the attestation scheme: guardian quorum
// signatures when signing keys are configured, the static placeholder
// otherwise. Each entry is "index:seedhex" where index is the key's
// position in the destination's guardian set and seedhex a 32-byte
// ed25519 seed.
func buildProofBuilder(cfg *config.Config) (relay.ProofBuilder, error) {
	if len(cfg.Guardian.SignerKeys) == 0 {
		return relay.StaticProofBuilder{}, nil
	}
	signers := make(map[int]ed25519.PrivateKey, len(cfg.Guardian.SignerKeys))
	for _, entry := range cfg.Guardian.SignerKeys {
		idx, seedHex, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("malformed signer key entry %q", entry)
		}
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("bad guardian index in %q", entry)
		}
		seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decode seed for guardian %d: %w", i, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("guardian %d seed is %d bytes, want %d", i, len(seed), ed25519.SeedSize)
		}
		signers[i] = ed25519.NewKeyFromSeed(seed)
	}
	return relay.QuorumProofBuilder{Signers: signers}, nil
}

func parseDestinations(s string) ([]uint64, error) {
	var out []uint64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
