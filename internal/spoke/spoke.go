// Package spoke is the destination-domain fulfillment engine: allow-listed
// solvers deliver an order's promised outputs, fees are split out through
// the fee ledger, and a fill notice is queued back to the order's source
// domain.
package spoke

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/custody"
	"github.com/crosslane/crosslane/internal/events"
	"github.com/crosslane/crosslane/internal/fees"
	"github.com/crosslane/crosslane/internal/intent"
	"github.com/crosslane/crosslane/internal/messenger"
	"github.com/crosslane/crosslane/internal/registry"
)

var (
	ErrNotAuthorized    = errors.New("not authorized")
	ErrNotSolver        = errors.New("caller is not an active solver")
	ErrAlreadyFilled    = errors.New("order already filled")
	ErrOrderExpired     = errors.New("order deadline passed")
	ErrNotPrimaryFiller = errors.New("exclusivity window reserved for designated filler")
	ErrWrongDomain      = errors.New("order not for this domain")
	ErrOutputMismatch   = errors.New("outputs do not satisfy the order")
	ErrFeeTooHigh       = errors.New("fee basis points exceed spoke ceiling")
	ErrNotFilled        = errors.New("no fill receipt for order")
)

const (
	solversKey       = "spoke:solvers"
	paramsKey        = "spoke:params"
	filledKeyPrefix  = "spoke:filled:"
	receiptKeyPrefix = "spoke:receipt:"
	fillKeyPrefix    = "fill:"
)

// Spoke fulfills orders on their destination domain.
type Spoke struct {
	rdb       *redis.Client
	vault     custody.Vault
	ledger    *fees.Ledger
	registry  *registry.Registry
	messenger *messenger.Messenger
	executor  Executor
	emitter   *events.Emitter
	owner     intent.Address
	log       *zap.Logger
	now       func() time.Time
}

func New(
	rdb *redis.Client,
	vault custody.Vault,
	ledger *fees.Ledger,
	reg *registry.Registry,
	msgr *messenger.Messenger,
	executor Executor,
	emitter *events.Emitter,
	owner intent.Address,
	log *zap.Logger,
) *Spoke {
	return &Spoke{
		rdb:       rdb,
		vault:     vault,
		ledger:    ledger,
		registry:  reg,
		messenger: msgr,
		executor:  executor,
		emitter:   emitter,
		owner:     owner,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Spoke) WithClock(now func() time.Time) *Spoke {
	s.now = now
	return s
}

// Init seeds the spoke fee ceiling if none is stored yet.
func (s *Spoke) Init(ctx context.Context, feeBP uint64) error {
	if feeBP > fees.BPDenominator {
		return ErrFeeTooHigh
	}
	_, err := s.rdb.HSetNX(ctx, paramsKey, "fee_bp", feeBP).Result()
	return err
}

// AllowSolver adds a solver to the spoke's access list. The list is kept
// separate from the stake registry: a registry profile grants reputation,
// this list grants permission to fill on this specific spoke.
func (s *Spoke) AllowSolver(ctx context.Context, caller, solver intent.Address) error {
	if caller != s.owner {
		return ErrNotAuthorized
	}
	if err := s.rdb.HSet(ctx, solversKey, solver.Hex(), 1).Err(); err != nil {
		return fmt.Errorf("allow solver: %w", err)
	}
	s.log.Info("solver allowed", zap.String("solver", solver.Hex()))
	return nil
}

// DenySolver deactivates a solver on the spoke's access list.
func (s *Spoke) DenySolver(ctx context.Context, caller, solver intent.Address) error {
	if caller != s.owner {
		return ErrNotAuthorized
	}
	if err := s.rdb.HSet(ctx, solversKey, solver.Hex(), 0).Err(); err != nil {
		return fmt.Errorf("deny solver: %w", err)
	}
	s.log.Info("solver denied", zap.String("solver", solver.Hex()))
	return nil
}

// IsSolver reports whether the address is currently allow-listed.
func (s *Spoke) IsSolver(ctx context.Context, solver intent.Address) (bool, error) {
	val, err := s.rdb.HGet(ctx, solversKey, solver.Hex()).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// SetFee updates the maximum total fee (in basis points) this spoke will
// pass through to the ledger split. A fill aborts if the ledger's current
// protocol+solver split exceeds it.
func (s *Spoke) SetFee(ctx context.Context, caller intent.Address, bp uint64) error {
	if caller != s.owner {
		return ErrNotAuthorized
	}
	if bp > fees.BPDenominator {
		return ErrFeeTooHigh
	}
	old, err := s.rdb.HGet(ctx, paramsKey, "fee_bp").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if err := s.rdb.HSet(ctx, paramsKey, "fee_bp", bp).Err(); err != nil {
		return err
	}
	s.emitter.Emit(ctx, events.KindParamChanged, events.ParamChanged{
		Name:     "spoke_fee_bp",
		OldValue: old,
		NewValue: strconv.FormatUint(bp, 10),
	})
	return nil
}

// FeeBP returns the spoke's fee ceiling.
func (s *Spoke) FeeBP(ctx context.Context) (uint64, error) {
	val, err := s.rdb.HGet(ctx, paramsKey, "fee_bp").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(val, 10, 64)
}

// FillOrder delivers an order's outputs. The solver funds every output in
// full; fees are split out through the ledger and the remainder goes to the
// order's recipient. The whole fill is all-or-nothing: the callback, the
// transfers, and the filled marker either all apply or none do.
func (s *Spoke) FillOrder(ctx context.Context, solver intent.Address, order intent.Order, orderID string, outputs []intent.Token) (*intent.FillReceipt, error) {
	active, err := s.IsSolver(ctx, solver)
	if err != nil {
		return nil, fmt.Errorf("check solver: %w", err)
	}
	if !active {
		return nil, ErrNotSolver
	}
	if order.DestinationDomainID != s.messenger.DomainID() {
		return nil, ErrWrongDomain
	}
	now := s.now().Unix()
	if now > order.Deadline {
		return nil, ErrOrderExpired
	}
	// Exclusivity window: before the primary deadline only the designated
	// filler may fill. A zero filler address means open to any solver.
	if now <= order.PrimaryFillerDeadline && !order.Filler.IsZero() && solver != order.Filler {
		return nil, ErrNotPrimaryFiller
	}
	if err := outputsSatisfy(outputs, order.Outputs); err != nil {
		return nil, err
	}
	feeCeiling, err := s.FeeBP(ctx)
	if err != nil {
		return nil, err
	}
	params, err := s.ledger.Params(ctx)
	if err != nil {
		return nil, err
	}
	if params.ProtocolBP+params.SolverBP > feeCeiling {
		return nil, ErrFeeTooHigh
	}

	// The filled marker is the atomic single-fill guard. It is reserved
	// up front and removed again if any later step aborts.
	claimed, err := s.rdb.SetNX(ctx, filledKeyPrefix+orderID, 1, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve fill: %w", err)
	}
	if !claimed {
		return nil, ErrAlreadyFilled
	}
	abort := func(cause error) (*intent.FillReceipt, error) {
		s.rdb.Del(ctx, filledKeyPrefix+orderID) //nolint:errcheck
		return nil, cause
	}

	// Callback runs before funds move so its failure aborts cleanly.
	if len(order.CallPayload) > 0 || !order.CallTarget.IsZero() {
		if err := s.executor.Execute(ctx, order.CallTarget, order.CallPayload, order.CallValue); err != nil {
			return abort(fmt.Errorf("order callback: %w", err))
		}
	}

	// Stage the full delivery into the fill holding account first. Once
	// everything is staged, fee and recipient legs cannot fail for lack
	// of funds; a failed staging leg is refunded from the holding account.
	holding := fillKeyPrefix + orderID
	for i, out := range outputs {
		if err := s.vault.Transfer(ctx, solver.Hex(), holding, out.AssetKey(), out.Amount); err != nil {
			for j := 0; j < i; j++ {
				o := outputs[j]
				if uErr := s.vault.Transfer(ctx, holding, solver.Hex(), o.AssetKey(), o.Amount); uErr != nil {
					s.log.Error("fill unwind", zap.String("order", orderID), zap.Error(uErr))
				}
			}
			return abort(fmt.Errorf("stage output %d: %w", i, err))
		}
	}
	// Past staging, an abort must also drain the holding account back to
	// the solver; otherwise the staged funds strand and a retry fill would
	// deliver the leftover on top of its own staging.
	abortStaged := func(cause error) (*intent.FillReceipt, error) {
		if _, err := s.vault.TransferAll(ctx, holding, solver.Hex()); err != nil {
			s.log.Error("refund fill holding", zap.String("order", orderID), zap.Error(err))
		}
		return abort(cause)
	}

	feePaid := new(big.Int)
	for _, out := range outputs {
		protocolShare, solverShare, err := s.ledger.Collect(ctx, holding, out, order.Sponsored, solver)
		if err != nil {
			return abortStaged(fmt.Errorf("collect fee: %w", err))
		}
		feePaid.Add(feePaid, protocolShare)
		feePaid.Add(feePaid, solverShare)
	}
	if _, err := s.vault.TransferAll(ctx, holding, order.Recipient.Hex()); err != nil {
		return abortStaged(fmt.Errorf("deliver outputs: %w", err))
	}

	// Reputation update is best-effort: the spoke access list is
	// independent of the stake registry, so an unregistered solver still
	// fills.
	volume := new(big.Int)
	for _, out := range outputs {
		volume.Add(volume, out.Amount)
	}
	if err := s.registry.UpdateStats(ctx, solver, volume, true); err != nil && !errors.Is(err, registry.ErrNotRegistered) {
		s.log.Error("update solver stats", zap.String("solver", solver.Hex()), zap.Error(err))
	}

	receipt := intent.FillReceipt{OrderID: orderID, Filler: solver, FilledAt: now}
	if err := s.rdb.HSet(ctx, receiptKeyPrefix+orderID,
		"filler", solver.Hex(),
		"filled_at", now,
	).Err(); err != nil {
		return nil, fmt.Errorf("store receipt: %w", err)
	}

	s.emitter.Emit(ctx, events.KindOrderFilled, events.OrderFilled{
		OrderID: orderID,
		Order:   order,
		Filler:  solver,
		FeePaid: feePaid,
	})

	notice := intent.FillNotice{
		OrderID:   orderID,
		OrderHash: intent.OrderHash(order),
		Filler:    solver,
		FilledAt:  now,
	}
	if _, err := s.messenger.Send(ctx, order.SourceDomainID, messenger.TypeFill, intent.EncodeFillNotice(notice)); err != nil {
		// The fill is committed; the notice can be re-queued by an
		// operator, so surface the failure without unwinding.
		return &receipt, fmt.Errorf("queue fill notice: %w", err)
	}
	return &receipt, nil
}

// Receipt loads the fill receipt minted for an order, if any.
func (s *Spoke) Receipt(ctx context.Context, orderID string) (*intent.FillReceipt, error) {
	vals, err := s.rdb.HGetAll(ctx, receiptKeyPrefix+orderID).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFilled
	}
	filler, err := intent.HexToAddress(vals["filler"])
	if err != nil {
		return nil, fmt.Errorf("decode receipt filler: %w", err)
	}
	filledAt, _ := strconv.ParseInt(vals["filled_at"], 10, 64)
	return &intent.FillReceipt{OrderID: orderID, Filler: filler, FilledAt: filledAt}, nil
}

// outputsSatisfy requires one delivered output per promised output, same
// asset in the same position, delivering at least the promised amount.
func outputsSatisfy(delivered, promised []intent.Token) error {
	if len(delivered) != len(promised) {
		return ErrOutputMismatch
	}
	for i, want := range promised {
		got := delivered[i]
		if !got.SameAsset(want) {
			return ErrOutputMismatch
		}
		if got.Amount == nil || want.Amount == nil || got.Amount.Cmp(want.Amount) < 0 {
			return ErrOutputMismatch
		}
	}
	return nil
}
