// Package api exposes the protocol over HTTP. Each daemon mounts only the
// surfaces it owns: hubd the order lifecycle, spoked fulfillment, both the
// shared messenger, fee, and registry routes.
package api

import (
	"context"
	"encoding/hex"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/auth"
	"github.com/crosslane/crosslane/internal/custody"
	"github.com/crosslane/crosslane/internal/fees"
	"github.com/crosslane/crosslane/internal/hub"
	"github.com/crosslane/crosslane/internal/intent"
	"github.com/crosslane/crosslane/internal/journal"
	"github.com/crosslane/crosslane/internal/messenger"
	"github.com/crosslane/crosslane/internal/registry"
	"github.com/crosslane/crosslane/internal/spoke"
)

// Handler wires protocol operations onto a Gin engine. Hub and Spoke are
// optional: a daemon passes the side it runs.
type Handler struct {
	hub      *hub.Hub
	spoke    *spoke.Spoke
	msgr     *messenger.Messenger
	ledger   *fees.Ledger
	registry *registry.Registry
	vault    custody.Vault
	journal  *journal.Journal
	owner    intent.Address
	log      *zap.Logger
}

func NewHandler(
	h *hub.Hub,
	s *spoke.Spoke,
	msgr *messenger.Messenger,
	ledger *fees.Ledger,
	reg *registry.Registry,
	vault custody.Vault,
	jrnl *journal.Journal,
	owner intent.Address,
	log *zap.Logger,
) *Handler {
	return &Handler{
		hub:      h,
		spoke:    s,
		msgr:     msgr,
		ledger:   ledger,
		registry: reg,
		vault:    vault,
		journal:  jrnl,
		owner:    owner,
		log:      log,
	}
}

// Register mounts all routes. authMiddleware should already be applied to
// the group; /messages/receive is mounted by the daemon outside it so
// relayers authenticate by proof, not by account signature.
func (h *Handler) Register(rg *gin.RouterGroup) {
	admin := rg.Group("", auth.RequireOwner(h.owner))

	if h.hub != nil {
		rg.POST("/orders", h.handleCreateOrder)
		rg.GET("/orders/:id", h.handleGetOrder)
		rg.POST("/orders/:id/withdraw", h.handleWithdrawOrder)
		rg.POST("/orders/:id/settle", h.handleSettleOrder)
		admin.POST("/admin/time-buffer", h.handleSetTimeBuffer)
		admin.POST("/admin/max-deadline", h.handleSetMaxDeadline)
	}

	if h.spoke != nil {
		rg.POST("/fills", h.handleFillOrder)
		rg.GET("/fills/:id", h.handleGetReceipt)
		admin.POST("/admin/solvers/allow", h.handleAllowSolver)
		admin.POST("/admin/solvers/deny", h.handleDenySolver)
		admin.POST("/admin/spoke-fee", h.handleSetSpokeFee)
	}

	rg.POST("/solvers/register", h.handleRegisterSolver)
	rg.POST("/solvers/deactivate", h.handleDeactivateSolver)
	rg.POST("/solvers/reactivate", h.handleReactivateSolver)
	rg.GET("/solvers/:addr", h.handleGetSolver)

	rg.POST("/fees/withdraw", h.handleWithdrawFees)
	rg.GET("/fees/claims/:addr", h.handleGetClaim)
	admin.POST("/admin/fees/protocol-bp", h.handleSetProtocolBP)
	admin.POST("/admin/fees/solver-bp", h.handleSetSolverBP)
	admin.POST("/admin/fees/recipient", h.handleSetFeeRecipient)

	rg.GET("/vault/:account", h.handleGetBalance)
	admin.POST("/admin/vault/deposit", h.handleDeposit)

	admin.POST("/admin/chains", h.handleAddChain)
	admin.POST("/admin/chains/:id/endpoint", h.handleSetEndpoint)
	admin.POST("/admin/chains/:id/active", h.handleSetChainActive)
	admin.POST("/admin/registry/min-stake", h.handleSetMinStake)
	admin.POST("/admin/registry/cooldown", h.handleSetCooldown)

	if h.journal != nil {
		rg.GET("/journal/orders/:id", h.handleJournalByOrder)
		rg.GET("/journal/kinds/:kind", h.handleJournalByKind)
	}
}

// RegisterReceive mounts the relayer-facing delivery endpoint.
func (h *Handler) RegisterReceive(rg *gin.RouterGroup) {
	rg.POST("/messages/receive", h.handleReceive)
}

// ── Hub ────────────────────────────────────────────────────────────────────

type createOrderBody struct {
	Request   intent.OrderRequest `json:"request"`
	Signature string              `json:"signature"`
	PublicKey string              `json:"public_key"`
	Payment   []intent.Token      `json:"payment"`
}

func (h *Handler) handleCreateOrder(c *gin.Context) {
	caller, ok := auth.Account(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var body createOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	sig, err := hexField(body.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature hex"})
		return
	}
	pub, err := hexField(body.PublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid public key hex"})
		return
	}

	orderID, claim, err := h.hub.CreateOrder(c.Request.Context(), body.Request, sig, pub, caller, body.Payment)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order_id": orderID, "claim_token": claim})
}

func (h *Handler) handleGetOrder(c *gin.Context) {
	rec, err := h.hub.Order(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) handleWithdrawOrder(c *gin.Context) {
	caller, _ := auth.Account(c)
	var body struct {
		ClaimToken string `json:"claim_token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.hub.WithdrawOrder(c.Request.Context(), caller, c.Param("id"), body.ClaimToken); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(intent.StatusWithdrawn)})
}

func (h *Handler) handleSettleOrder(c *gin.Context) {
	var proof hub.SettlementProof
	if err := c.ShouldBindJSON(&proof); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.hub.SettleOrder(c.Request.Context(), c.Param("id"), proof); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(intent.StatusFilled)})
}

func (h *Handler) handleSetTimeBuffer(c *gin.Context) {
	h.setDuration(c, h.hub.SetTimeBuffer)
}

func (h *Handler) handleSetMaxDeadline(c *gin.Context) {
	h.setDuration(c, h.hub.SetMaxOrderDeadline)
}

// ── Spoke ──────────────────────────────────────────────────────────────────

type fillOrderBody struct {
	OrderID string         `json:"order_id"`
	Order   intent.Order   `json:"order"`
	Outputs []intent.Token `json:"outputs"`
}

func (h *Handler) handleFillOrder(c *gin.Context) {
	solver, ok := auth.Account(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var body fillOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	receipt, err := h.spoke.FillOrder(c.Request.Context(), solver, body.Order, body.OrderID, body.Outputs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

func (h *Handler) handleGetReceipt(c *gin.Context) {
	receipt, err := h.spoke.Receipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (h *Handler) handleAllowSolver(c *gin.Context) {
	h.solverListOp(c, h.spoke.AllowSolver)
}

func (h *Handler) handleDenySolver(c *gin.Context) {
	h.solverListOp(c, h.spoke.DenySolver)
}

func (h *Handler) handleSetSpokeFee(c *gin.Context) {
	caller, _ := auth.Account(c)
	var body struct {
		BP uint64 `json:"bp"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.spoke.SetFee(c.Request.Context(), caller, body.BP); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bp": body.BP})
}

// ── Messenger ──────────────────────────────────────────────────────────────

type receiveBody struct {
	Source  uint64         `json:"source"`
	Type    messenger.Type `json:"type"`
	Payload []byte         `json:"payload"`
	Proof   []byte         `json:"proof"`
	Nonce   uint64         `json:"nonce"`
}

// handleReceive accepts a relayed envelope. Fill messages on the hub side
// settle their order; everything else is verified, de-duplicated, and
// acknowledged.
func (h *Handler) handleReceive(c *gin.Context) {
	var body receiveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	if h.hub != nil && body.Type == messenger.TypeFill {
		notice, err := intent.DecodeFillNotice(body.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fill notice"})
			return
		}
		err = h.hub.SettleOrder(c.Request.Context(), notice.OrderID, hub.SettlementProof{
			SourceDomain: body.Source,
			Payload:      body.Payload,
			Proof:        body.Proof,
		})
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"settled": notice.OrderID})
		return
	}

	payload, err := h.msgr.Receive(c.Request.Context(), body.Source, body.Type, body.Payload, body.Proof)
	if err != nil {
		h.fail(c, err)
		return
	}
	hash := messenger.Hash(body.Source, body.Type, payload)
	c.JSON(http.StatusOK, gin.H{"accepted": hex.EncodeToString(hash[:])})
}

func (h *Handler) handleAddChain(c *gin.Context) {
	caller, _ := auth.Account(c)
	var body struct {
		ChainID  uint64 `json:"chain_id"`
		Endpoint string `json:"endpoint"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.msgr.AddChain(c.Request.Context(), caller, body.ChainID, body.Endpoint); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chain_id": body.ChainID})
}

func (h *Handler) handleSetEndpoint(c *gin.Context) {
	caller, _ := auth.Account(c)
	chainID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.msgr.SetEndpoint(c.Request.Context(), caller, chainID, body.Endpoint); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain_id": chainID})
}

func (h *Handler) handleSetChainActive(c *gin.Context) {
	caller, _ := auth.Account(c)
	chainID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var body struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.msgr.SetActive(c.Request.Context(), caller, chainID, body.Active); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain_id": chainID, "active": body.Active})
}

// ── Registry ───────────────────────────────────────────────────────────────

func (h *Handler) handleRegisterSolver(c *gin.Context) {
	solver, ok := auth.Account(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var body struct {
		Name     string `json:"name"`
		Stake    string `json:"stake"`
		Metadata string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	stake, ok := new(big.Int).SetString(body.Stake, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stake"})
		return
	}
	if err := h.registry.Register(c.Request.Context(), solver, body.Name, stake, body.Metadata); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"solver": solver.Hex()})
}

func (h *Handler) handleDeactivateSolver(c *gin.Context) {
	caller, _ := auth.Account(c)
	var body struct {
		Solver string `json:"solver"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	solver := caller
	if body.Solver != "" {
		var err error
		if solver, err = intent.HexToAddress(body.Solver); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid solver address"})
			return
		}
	}
	if err := h.registry.Deactivate(c.Request.Context(), caller, solver, body.Reason); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"solver": solver.Hex()})
}

func (h *Handler) handleReactivateSolver(c *gin.Context) {
	solver, _ := auth.Account(c)
	if err := h.registry.Reactivate(c.Request.Context(), solver); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"solver": solver.Hex()})
}

func (h *Handler) handleGetSolver(c *gin.Context) {
	addr, err := intent.HexToAddress(c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid solver address"})
		return
	}
	profile, err := h.registry.Profile(c.Request.Context(), addr)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) handleSetMinStake(c *gin.Context) {
	caller, _ := auth.Account(c)
	var body struct {
		MinStake string `json:"min_stake"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	minStake, ok := new(big.Int).SetString(body.MinStake, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_stake"})
		return
	}
	if err := h.registry.SetMinStake(c.Request.Context(), caller, minStake); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"min_stake": body.MinStake})
}

func (h *Handler) handleSetCooldown(c *gin.Context) {
	caller, _ := auth.Account(c)
	var body struct {
		Seconds int64 `json:"seconds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.registry.SetCooldown(c.Request.Context(), caller, time.Duration(body.Seconds)*time.Second); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seconds": body.Seconds})
}

// ── Fees ───────────────────────────────────────────────────────────────────

func (h *Handler) handleWithdrawFees(c *gin.Context) {
	caller, ok := auth.Account(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var body struct {
		Recipient string `json:"recipient"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	recipient := caller
	if body.Recipient != "" {
		var err error
		if recipient, err = intent.HexToAddress(body.Recipient); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recipient"})
			return
		}
	}
	if err := h.ledger.Withdraw(c.Request.Context(), caller, recipient); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipient": recipient.Hex()})
}

func (h *Handler) handleGetClaim(c *gin.Context) {
	addr, err := intent.HexToAddress(c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	claim, err := h.ledger.Claim(c.Request.Context(), addr, c.Query("asset"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": c.Query("asset"), "amount": claim.String()})
}

func (h *Handler) handleSetProtocolBP(c *gin.Context) {
	h.setBP(c, h.ledger.SetProtocolBP)
}

func (h *Handler) handleSetSolverBP(c *gin.Context) {
	h.setBP(c, h.ledger.SetSolverBP)
}

func (h *Handler) handleSetFeeRecipient(c *gin.Context) {
	var body struct {
		Recipient string `json:"recipient"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	recipient, err := intent.HexToAddress(body.Recipient)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recipient"})
		return
	}
	if err := h.ledger.SetRecipient(c.Request.Context(), recipient); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipient": recipient.Hex()})
}

// ── Vault ──────────────────────────────────────────────────────────────────

func (h *Handler) handleGetBalance(c *gin.Context) {
	bal, err := h.vault.Balance(c.Request.Context(), c.Param("account"), c.Query("asset"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": c.Param("account"), "asset": c.Query("asset"), "amount": bal.String()})
}

func (h *Handler) handleDeposit(c *gin.Context) {
	var body struct {
		Account string `json:"account"`
		Asset   string `json:"asset"`
		Amount  string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	amount, ok := new(big.Int).SetString(body.Amount, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	if err := h.vault.Deposit(c.Request.Context(), body.Account, body.Asset, amount); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": body.Account})
}

// ── Journal ────────────────────────────────────────────────────────────────

func (h *Handler) handleJournalByOrder(c *gin.Context) {
	entries, err := h.journal.ByOrder(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) handleJournalByKind(c *gin.Context) {
	entries, err := h.journal.ByKind(c.Param("kind"), 100)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// ── Helpers ────────────────────────────────────────────────────────────────

func (h *Handler) setDuration(c *gin.Context, set func(ctx context.Context, caller intent.Address, d time.Duration) error) {
	caller, _ := auth.Account(c)
	var body struct {
		Seconds int64 `json:"seconds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := set(c.Request.Context(), caller, time.Duration(body.Seconds)*time.Second); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seconds": body.Seconds})
}

func (h *Handler) setBP(c *gin.Context, set func(ctx context.Context, bp uint64) error) {
	var body struct {
		BP uint64 `json:"bp"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := set(c.Request.Context(), body.BP); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bp": body.BP})
}

func (h *Handler) solverListOp(c *gin.Context, op func(ctx context.Context, caller, solver intent.Address) error) {
	caller, _ := auth.Account(c)
	var body struct {
		Solver string `json:"solver"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	solver, err := intent.HexToAddress(body.Solver)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid solver address"})
		return
	}
	if err := op(c.Request.Context(), caller, solver); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"solver": solver.Hex()})
}

func hexField(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func uintParam(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}
