// Package registry tracks stake-gated solver registration and performance
// scoring. Profiles are created once and never deleted; deactivation only
// flips the active flag.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/events"
	"github.com/crosslane/crosslane/internal/intent"
)

const (
	// MaxNameLen bounds solver display names.
	MaxNameLen = 64
	// InitialScore is the starting success rate: 100% in basis points.
	InitialScore = 10000

	profileKeyPrefix = "registry:solver:"
	paramsKey        = "registry:params"
	activeCountKey   = "registry:active_count"
)

var (
	ErrNotAuthorized     = errors.New("not authorized")
	ErrNameTooLong       = errors.New("solver name too long")
	ErrInsufficientStake = errors.New("insufficient stake")
	ErrAlreadyRegistered = errors.New("solver already registered")
	ErrNotRegistered     = errors.New("solver not registered")
	ErrNotActive         = errors.New("solver not active")
	ErrStillActive       = errors.New("solver still active")
	ErrCooldownActive    = errors.New("cooldown not elapsed")
)

// Profile is a solver's registration and scoring record.
type Profile struct {
	Name          string
	Active        bool
	Stake         *big.Int
	RegisteredAt  int64
	DeactivatedAt int64
	Fills         uint64
	Volume        *big.Int
	Score         uint64 // success rate in basis points
	Metadata      string
}

// Registry is the stake-gated solver directory.
type Registry struct {
	rdb     *redis.Client
	emitter *events.Emitter
	owner   intent.Address
	log     *zap.Logger
	now     func() time.Time
}

func New(rdb *redis.Client, emitter *events.Emitter, owner intent.Address, log *zap.Logger) *Registry {
	return &Registry{rdb: rdb, emitter: emitter, owner: owner, log: log, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Init seeds registry params if none are stored yet.
func (r *Registry) Init(ctx context.Context, minStake *big.Int, cooldown time.Duration) error {
	ok, err := r.rdb.HSetNX(ctx, paramsKey, "min_stake", minStake.String()).Result()
	if err != nil || !ok {
		return err
	}
	return r.rdb.HSet(ctx, paramsKey, "cooldown_sec", int64(cooldown/time.Second)).Err()
}

func profileKey(solver intent.Address) string { return profileKeyPrefix + solver.Hex() }

// Register creates an active profile for a new solver.
func (r *Registry) Register(ctx context.Context, solver intent.Address, name string, stake *big.Int, metadata string) error {
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	minStake, _, err := r.params(ctx)
	if err != nil {
		return err
	}
	if stake == nil || stake.Cmp(minStake) < 0 {
		return ErrInsufficientStake
	}

	key := profileKey(solver)
	// HSETNX on the name field doubles as the duplicate-registration guard.
	created, err := r.rdb.HSetNX(ctx, key, "name", name).Result()
	if err != nil {
		return fmt.Errorf("register solver: %w", err)
	}
	if !created {
		return ErrAlreadyRegistered
	}

	now := r.now().Unix()
	if err := r.rdb.HSet(ctx, key,
		"active", 1,
		"stake", stake.String(),
		"registered_at", now,
		"deactivated_at", 0,
		"fills", 0,
		"volume", "0",
		"score", InitialScore,
		"metadata", metadata,
	).Err(); err != nil {
		return fmt.Errorf("register solver: %w", err)
	}
	r.rdb.Incr(ctx, activeCountKey) //nolint:errcheck

	r.emitter.Emit(ctx, events.KindSolverRegistered, events.SolverRegistered{Solver: solver})
	return nil
}

// Deactivate flips a solver inactive. Callable by the owner or the solver itself.
func (r *Registry) Deactivate(ctx context.Context, caller, solver intent.Address, reason string) error {
	if caller != r.owner && caller != solver {
		return ErrNotAuthorized
	}
	p, err := r.Profile(ctx, solver)
	if err != nil {
		return err
	}
	if !p.Active {
		return ErrNotActive
	}
	if err := r.rdb.HSet(ctx, profileKey(solver),
		"active", 0,
		"deactivated_at", r.now().Unix(),
	).Err(); err != nil {
		return err
	}
	r.rdb.Decr(ctx, activeCountKey) //nolint:errcheck

	r.emitter.Emit(ctx, events.KindSolverDeactivated, events.SolverDeactivated{Solver: solver, Reason: reason})
	return nil
}

// Reactivate re-enables a deactivated solver once its cooldown has elapsed.
func (r *Registry) Reactivate(ctx context.Context, solver intent.Address) error {
	p, err := r.Profile(ctx, solver)
	if err != nil {
		return err
	}
	if p.Active {
		return ErrStillActive
	}
	_, cooldown, err := r.params(ctx)
	if err != nil {
		return err
	}
	if r.now().Unix() < p.DeactivatedAt+int64(cooldown/time.Second) {
		return ErrCooldownActive
	}
	if err := r.rdb.HSet(ctx, profileKey(solver), "active", 1).Err(); err != nil {
		return err
	}
	r.rdb.Incr(ctx, activeCountKey) //nolint:errcheck
	return nil
}

// UpdateStats records one fill outcome: fill count, cumulative volume, and
// the success-rate EMA score' = (score*9 + outcome)/10 with truncation.
func (r *Registry) UpdateStats(ctx context.Context, solver intent.Address, volume *big.Int, success bool) error {
	key := profileKey(solver)
	for i := 0; i < 16; i++ {
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(vals) == 0 {
				return ErrNotRegistered
			}
			p, err := profileFromMap(vals)
			if err != nil {
				return err
			}

			outcome := uint64(0)
			if success {
				outcome = InitialScore
			}
			newScore := (p.Score*9 + outcome) / 10
			newVolume := new(big.Int).Add(p.Volume, volume)

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key,
					"fills", p.Fills+1,
					"volume", newVolume.String(),
					"score", newScore,
				)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update stats for %s: transaction contention", solver.Hex())
}

// Profile loads a solver's record.
func (r *Registry) Profile(ctx context.Context, solver intent.Address) (*Profile, error) {
	vals, err := r.rdb.HGetAll(ctx, profileKey(solver)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotRegistered
	}
	return profileFromMap(vals)
}

// ActiveCount returns the number of currently active solvers.
func (r *Registry) ActiveCount(ctx context.Context) (int64, error) {
	n, err := r.rdb.Get(ctx, activeCountKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// SetMinStake updates the registration stake floor.
func (r *Registry) SetMinStake(ctx context.Context, caller intent.Address, minStake *big.Int) error {
	if caller != r.owner {
		return ErrNotAuthorized
	}
	old, _, err := r.params(ctx)
	if err != nil {
		return err
	}
	if err := r.rdb.HSet(ctx, paramsKey, "min_stake", minStake.String()).Err(); err != nil {
		return err
	}
	r.emitter.Emit(ctx, events.KindParamChanged, events.ParamChanged{
		Name: "min_stake", OldValue: old.String(), NewValue: minStake.String(),
	})
	return nil
}

// SetCooldown updates the reactivation cooldown.
func (r *Registry) SetCooldown(ctx context.Context, caller intent.Address, cooldown time.Duration) error {
	if caller != r.owner {
		return ErrNotAuthorized
	}
	_, old, err := r.params(ctx)
	if err != nil {
		return err
	}
	if err := r.rdb.HSet(ctx, paramsKey, "cooldown_sec", int64(cooldown/time.Second)).Err(); err != nil {
		return err
	}
	r.emitter.Emit(ctx, events.KindParamChanged, events.ParamChanged{
		Name: "cooldown_sec", OldValue: old.String(), NewValue: cooldown.String(),
	})
	return nil
}

func (r *Registry) params(ctx context.Context) (*big.Int, time.Duration, error) {
	vals, err := r.rdb.HGetAll(ctx, paramsKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("read registry params: %w", err)
	}
	minStake := new(big.Int)
	if v := vals["min_stake"]; v != "" {
		if _, ok := minStake.SetString(v, 10); !ok {
			return nil, 0, fmt.Errorf("corrupt min_stake %q", v)
		}
	}
	cooldownSec, _ := strconv.ParseInt(vals["cooldown_sec"], 10, 64)
	return minStake, time.Duration(cooldownSec) * time.Second, nil
}

func profileFromMap(m map[string]string) (*Profile, error) {
	stake, ok := new(big.Int).SetString(m["stake"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt stake %q", m["stake"])
	}
	volume, ok := new(big.Int).SetString(m["volume"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt volume %q", m["volume"])
	}
	registeredAt, _ := strconv.ParseInt(m["registered_at"], 10, 64)
	deactivatedAt, _ := strconv.ParseInt(m["deactivated_at"], 10, 64)
	fills, _ := strconv.ParseUint(m["fills"], 10, 64)
	score, _ := strconv.ParseUint(m["score"], 10, 64)
	return &Profile{
		Name:          m["name"],
		Active:        m["active"] == "1",
		Stake:         stake,
		RegisteredAt:  registeredAt,
		DeactivatedAt: deactivatedAt,
		Fills:         fills,
		Volume:        volume,
		Score:         score,
		Metadata:      m["metadata"],
	}, nil
}
