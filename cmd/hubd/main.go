// hubd runs the source-domain half of the protocol: it accepts signed
// order intents, escrows funds, and settles or refunds them against
// destination-domain fill notices.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/api"
	"github.com/crosslane/crosslane/internal/auth"
	"github.com/crosslane/crosslane/internal/config"
	"github.com/crosslane/crosslane/internal/custody"
	"github.com/crosslane/crosslane/internal/events"
	"github.com/crosslane/crosslane/internal/fees"
	"github.com/crosslane/crosslane/internal/hub"
	"github.com/crosslane/crosslane/internal/intent"
	"github.com/crosslane/crosslane/internal/journal"
	"github.com/crosslane/crosslane/internal/messenger"
	"github.com/crosslane/crosslane/internal/registry"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Identities ────────────────────────────────────────────────────────────
	owner, err := intent.HexToAddress(cfg.Domain.Owner)
	if err != nil {
		log.Fatal("invalid DOMAIN_OWNER", zap.Error(err))
	}
	verifier, err := intent.HexToAddress(cfg.Domain.Verifier)
	if err != nil {
		log.Fatal("invalid DOMAIN_VERIFIER", zap.Error(err))
	}
	feeRecipient, err := intent.HexToAddress(cfg.Protocol.FeeRecipient)
	if err != nil {
		log.Fatal("invalid FEE_RECIPIENT", zap.Error(err))
	}
	minStake, ok := new(big.Int).SetString(cfg.Protocol.MinStake, 10)
	if !ok {
		log.Fatal("invalid MIN_STAKE")
	}

	// ── Core components ───────────────────────────────────────────────────────
	emitter := events.NewEmitter(rdb, log)
	vault := custody.NewRedisVault(rdb)

	proofVerifier, err := buildVerifier(cfg)
	if err != nil {
		log.Fatal("guardian config", zap.Error(err))
	}
	msgr := messenger.New(rdb, emitter, proofVerifier, owner, cfg.Domain.ID, log)

	ledger := fees.NewLedger(rdb, vault, emitter, cfg.Protocol.MaxFeeBP, log)
	if err := ledger.Init(ctx, fees.Params{
		ProtocolBP: cfg.Protocol.ProtocolFeeBP,
		SolverBP:   cfg.Protocol.SolverFeeBP,
		Recipient:  feeRecipient,
	}); err != nil {
		log.Fatal("fee ledger init failed", zap.Error(err))
	}

	reg := registry.New(rdb, emitter, owner, log)
	if err := reg.Init(ctx, minStake, time.Duration(cfg.Protocol.CooldownSec)*time.Second); err != nil {
		log.Fatal("registry init failed", zap.Error(err))
	}

	domain := intent.BuildDomain(cfg.Domain.ID, verifier)
	h := hub.New(rdb, vault, emitter, msgr, domain, owner, log)
	if err := h.Init(ctx,
		time.Duration(cfg.Protocol.TimeBufferSec)*time.Second,
		time.Duration(cfg.Protocol.MaxOrderDeadlineSec)*time.Second,
	); err != nil {
		log.Fatal("hub init failed", zap.Error(err))
	}

	// ── Journal consumer ──────────────────────────────────────────────────────
	jrnl, err := journal.Open(cfg.Journal.Path, log)
	if err != nil {
		log.Fatal("journal open failed", zap.Error(err))
	}
	defer jrnl.Close()
	go jrnl.Run(ctx, rdb)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "domain": cfg.Domain.ID})
	})

	handler := api.NewHandler(h, nil, msgr, ledger, reg, vault, jrnl, owner, log)
	handler.Register(r.Group("/api", auth.Middleware(rdb)))
	handler.RegisterReceive(r.Group("/api"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("hubd starting", zap.Int("port", cfg.Server.Port), zap.Uint64("domain", cfg.Domain.ID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// buildVerifier selects the inbound-proof scheme: a guardian quorum when
// keys are configured, the development placeholder otherwise.
func buildVerifier(cfg *config.Config) (messenger.ProofVerifier, error) {
	if len(cfg.Guardian.Keys) == 0 {
		return messenger.StaticVerifier{}, nil
	}
	guardians := make([]ed25519.PublicKey, 0, len(cfg.Guardian.Keys))
	for _, keyHex := range cfg.Guardian.Keys {
		raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid guardian key %q", keyHex)
		}
		guardians = append(guardians, ed25519.PublicKey(raw))
	}
	return messenger.QuorumVerifier{Guardians: guardians, Threshold: cfg.Guardian.Threshold}, nil
}
