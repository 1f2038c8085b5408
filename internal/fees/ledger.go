// Package fees computes basis-point fee splits and tracks per-beneficiary
// claimable balances. Claims are pull payments: collection only credits a
// claim entry, withdrawal moves real funds out of the shared fee pool.
package fees

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/custody"
	"github.com/crosslane/crosslane/internal/events"
	"github.com/crosslane/crosslane/internal/intent"
)

const (
	// BPDenominator is the basis-point scale: 10000 bp = 100%.
	BPDenominator = 10000

	paramsKey       = "fees:params"
	claimsKeyPrefix = "fees:claims:"

	// PoolAccount is the custody account holding collected, unclaimed fees.
	PoolAccount = "feepool"
)

var (
	ErrFeeTooHigh = errors.New("fee basis points exceed ceiling")
	ErrNoClaim    = errors.New("no claimable balance")
)

// Calculate splits an amount by basis points. Sponsored orders pay no fee.
// Integer division truncates toward zero.
func Calculate(amount *big.Int, sponsored bool, protocolBP, solverBP uint64) (total, protocolShare, solverShare *big.Int) {
	if sponsored || amount == nil || amount.Sign() <= 0 {
		return new(big.Int), new(big.Int), new(big.Int)
	}
	den := big.NewInt(BPDenominator)
	protocolShare = new(big.Int).Div(new(big.Int).Mul(amount, new(big.Int).SetUint64(protocolBP)), den)
	solverShare = new(big.Int).Div(new(big.Int).Mul(amount, new(big.Int).SetUint64(solverBP)), den)
	total = new(big.Int).Add(protocolShare, solverShare)
	return total, protocolShare, solverShare
}

// Params are the runtime-adjustable fee settings, shared through Redis so
// every daemon observes the same values.
type Params struct {
	ProtocolBP uint64
	SolverBP   uint64
	Recipient  intent.Address
}

// Ledger splits fees out of fill payments and settles claims.
type Ledger struct {
	rdb     *redis.Client
	vault   custody.Vault
	emitter *events.Emitter
	maxBP   uint64
	log     *zap.Logger
}

func NewLedger(rdb *redis.Client, vault custody.Vault, emitter *events.Emitter, maxBP uint64, log *zap.Logger) *Ledger {
	return &Ledger{rdb: rdb, vault: vault, emitter: emitter, maxBP: maxBP, log: log}
}

// Init seeds fee params if none are stored yet.
func (l *Ledger) Init(ctx context.Context, p Params) error {
	if p.ProtocolBP+p.SolverBP > l.maxBP {
		return ErrFeeTooHigh
	}
	ok, err := l.rdb.HSetNX(ctx, paramsKey, "protocol_bp", p.ProtocolBP).Result()
	if err != nil {
		return fmt.Errorf("seed fee params: %w", err)
	}
	if !ok {
		return nil // already initialized
	}
	return l.rdb.HSet(ctx, paramsKey,
		"solver_bp", p.SolverBP,
		"recipient", p.Recipient.Hex(),
	).Err()
}

// Params returns the current fee settings.
func (l *Ledger) Params(ctx context.Context) (Params, error) {
	vals, err := l.rdb.HGetAll(ctx, paramsKey).Result()
	if err != nil {
		return Params{}, fmt.Errorf("read fee params: %w", err)
	}
	var p Params
	p.ProtocolBP, _ = strconv.ParseUint(vals["protocol_bp"], 10, 64)
	p.SolverBP, _ = strconv.ParseUint(vals["solver_bp"], 10, 64)
	if hexAddr := vals["recipient"]; hexAddr != "" {
		if p.Recipient, err = intent.HexToAddress(hexAddr); err != nil {
			return Params{}, fmt.Errorf("corrupt fee recipient: %w", err)
		}
	}
	return p, nil
}

// Split applies the current params to an amount.
func (l *Ledger) Split(ctx context.Context, amount *big.Int, sponsored bool) (total, protocolShare, solverShare *big.Int, err error) {
	p, err := l.Params(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	total, protocolShare, solverShare = Calculate(amount, sponsored, p.ProtocolBP, p.SolverBP)
	return total, protocolShare, solverShare, nil
}

// Collect moves the fee total out of the funding custody account into the
// pool and credits the protocol recipient's and the solver's claims.
func (l *Ledger) Collect(ctx context.Context, fundingAccount string, token intent.Token, sponsored bool, solver intent.Address) (protocolShare, solverShare *big.Int, err error) {
	p, err := l.Params(ctx)
	if err != nil {
		return nil, nil, err
	}
	total, protocolShare, solverShare := Calculate(token.Amount, sponsored, p.ProtocolBP, p.SolverBP)
	if total.Sign() == 0 {
		return protocolShare, solverShare, nil
	}

	asset := token.AssetKey()
	if err := l.vault.Transfer(ctx, fundingAccount, PoolAccount, asset, total); err != nil {
		return nil, nil, fmt.Errorf("fund fee pool: %w", err)
	}
	if protocolShare.Sign() > 0 {
		if err := l.credit(ctx, p.Recipient, asset, protocolShare); err != nil {
			return nil, nil, err
		}
	}
	if solverShare.Sign() > 0 {
		if err := l.credit(ctx, solver, asset, solverShare); err != nil {
			return nil, nil, err
		}
	}

	l.emitter.Emit(ctx, events.KindFeeCollected, events.FeeCollected{
		Token:       asset,
		Amount:      token.Amount,
		ProtocolFee: protocolShare,
		SolverFee:   solverShare,
	})
	return protocolShare, solverShare, nil
}

// Withdraw settles every claim the caller holds, paying out to recipient.
// Claims are zeroed before funds move so a re-entrant call finds nothing.
func (l *Ledger) Withdraw(ctx context.Context, caller, recipient intent.Address) error {
	key := claimsKeyPrefix + caller.Hex()

	claims := map[string]*big.Int{}
	err := l.rdb.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		for asset, val := range vals {
			amt, ok := new(big.Int).SetString(val, 10)
			if !ok {
				return fmt.Errorf("corrupt claim %q", val)
			}
			if amt.Sign() > 0 {
				claims[asset] = amt
			}
		}
		if len(claims) == 0 {
			return ErrNoClaim
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for asset := range claims {
				pipe.HSet(ctx, key, asset, "0")
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}

	for asset, amt := range claims {
		if err := l.vault.Transfer(ctx, PoolAccount, recipient.Hex(), asset, amt); err != nil {
			// The claim is already zeroed; re-credit so funds are not stranded.
			if crErr := l.credit(ctx, caller, asset, amt); crErr != nil {
				l.log.Error("re-credit after failed payout", zap.String("asset", asset), zap.Error(crErr))
			}
			return fmt.Errorf("pay out %s: %w", asset, err)
		}
		l.emitter.Emit(ctx, events.KindFeeWithdrawn, events.FeeWithdrawn{
			Recipient: recipient,
			Token:     asset,
			Amount:    amt,
		})
	}
	return nil
}

// Claim returns the caller's claimable balance for one asset.
func (l *Ledger) Claim(ctx context.Context, account intent.Address, asset string) (*big.Int, error) {
	val, err := l.rdb.HGet(ctx, claimsKeyPrefix+account.Hex(), asset).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(val, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt claim %q", val)
	}
	return n, nil
}

// SetProtocolBP updates the protocol share, keeping the total under the ceiling.
func (l *Ledger) SetProtocolBP(ctx context.Context, bp uint64) error {
	return l.setBP(ctx, "protocol_bp", bp, func(p Params) uint64 { return p.SolverBP })
}

// SetSolverBP updates the solver share, keeping the total under the ceiling.
func (l *Ledger) SetSolverBP(ctx context.Context, bp uint64) error {
	return l.setBP(ctx, "solver_bp", bp, func(p Params) uint64 { return p.ProtocolBP })
}

// SetRecipient changes where the protocol share accrues.
func (l *Ledger) SetRecipient(ctx context.Context, recipient intent.Address) error {
	old, err := l.Params(ctx)
	if err != nil {
		return err
	}
	if err := l.rdb.HSet(ctx, paramsKey, "recipient", recipient.Hex()).Err(); err != nil {
		return err
	}
	l.emitter.Emit(ctx, events.KindParamChanged, events.ParamChanged{
		Name:     "fee_recipient",
		OldValue: old.Recipient.Hex(),
		NewValue: recipient.Hex(),
	})
	return nil
}

func (l *Ledger) setBP(ctx context.Context, field string, bp uint64, other func(Params) uint64) error {
	old, err := l.Params(ctx)
	if err != nil {
		return err
	}
	if bp+other(old) > l.maxBP {
		return ErrFeeTooHigh
	}
	if err := l.rdb.HSet(ctx, paramsKey, field, bp).Err(); err != nil {
		return err
	}
	oldVal := old.ProtocolBP
	if field == "solver_bp" {
		oldVal = old.SolverBP
	}
	l.emitter.Emit(ctx, events.KindParamChanged, events.ParamChanged{
		Name:     field,
		OldValue: strconv.FormatUint(oldVal, 10),
		NewValue: strconv.FormatUint(bp, 10),
	})
	return nil
}

func (l *Ledger) credit(ctx context.Context, account intent.Address, asset string, amount *big.Int) error {
	key := claimsKeyPrefix + account.Hex()
	for i := 0; i < 16; i++ {
		err := l.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur := new(big.Int)
			val, err := tx.HGet(ctx, key, asset).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				if cur, err = parseClaim(val); err != nil {
					return err
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, asset, new(big.Int).Add(cur, amount).String())
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("credit %s: transaction contention", account.Hex())
}

func parseClaim(val string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(val, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt claim %q", val)
	}
	return n, nil
}
