// Package custody holds and moves value. The hub and spoke never touch
// balances directly; they go through the Vault interface so a deployment can
// swap in its real custody backend.
package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNonPositiveAmount   = errors.New("amount must be positive")
)

// Vault is a keyed balance store. Accounts are opaque strings: address hex
// for user accounts, "escrow:<order_id>" for escrow buckets, "feepool" for
// the fee pool. Assets are intent.Token.AssetKey() strings.
type Vault interface {
	// Deposit credits an account unconditionally.
	Deposit(ctx context.Context, account, asset string, amount *big.Int) error
	// Balance returns the current balance (zero for unknown accounts).
	Balance(ctx context.Context, account, asset string) (*big.Int, error)
	// Transfer moves amount between accounts, failing with
	// ErrInsufficientBalance if the source cannot cover it.
	Transfer(ctx context.Context, from, to, asset string, amount *big.Int) error
	// TransferAll drains every asset held by from into to and returns the
	// moved (asset, amount) pairs.
	TransferAll(ctx context.Context, from, to string) (map[string]*big.Int, error)
}

const accountKeyPrefix = "vault:"

func accountKey(account string) string { return accountKeyPrefix + account }

// RedisVault keeps per-account hashes of decimal balance strings. Multi-key
// moves run under WATCH so concurrent writers retry instead of clobbering.
type RedisVault struct {
	rdb *redis.Client
}

func NewRedisVault(rdb *redis.Client) *RedisVault {
	return &RedisVault{rdb: rdb}
}

const txRetries = 16

func (v *RedisVault) Deposit(ctx context.Context, account, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	key := accountKey(account)
	for i := 0; i < txRetries; i++ {
		err := v.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := readBalance(ctx, tx, key, asset)
			if err != nil {
				return err
			}
			next := new(big.Int).Add(cur, amount)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, asset, next.String())
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("deposit to %s: transaction contention", account)
}

func (v *RedisVault) Balance(ctx context.Context, account, asset string) (*big.Int, error) {
	val, err := v.rdb.HGet(ctx, accountKey(account), asset).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseBalance(val)
}

func (v *RedisVault) Transfer(ctx context.Context, from, to, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	fromKey, toKey := accountKey(from), accountKey(to)
	for i := 0; i < txRetries; i++ {
		err := v.rdb.Watch(ctx, func(tx *redis.Tx) error {
			src, err := readBalance(ctx, tx, fromKey, asset)
			if err != nil {
				return err
			}
			if src.Cmp(amount) < 0 {
				return ErrInsufficientBalance
			}
			dst, err := readBalance(ctx, tx, toKey, asset)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, fromKey, asset, new(big.Int).Sub(src, amount).String())
				pipe.HSet(ctx, toKey, asset, new(big.Int).Add(dst, amount).String())
				return nil
			})
			return err
		}, fromKey, toKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transfer %s → %s: transaction contention", from, to)
}

func (v *RedisVault) TransferAll(ctx context.Context, from, to string) (map[string]*big.Int, error) {
	fromKey, toKey := accountKey(from), accountKey(to)
	moved := map[string]*big.Int{}
	for i := 0; i < txRetries; i++ {
		moved = map[string]*big.Int{}
		err := v.rdb.Watch(ctx, func(tx *redis.Tx) error {
			balances, err := tx.HGetAll(ctx, fromKey).Result()
			if err != nil {
				return err
			}
			next := map[string]string{}
			for asset, val := range balances {
				amt, err := parseBalance(val)
				if err != nil {
					return err
				}
				if amt.Sign() <= 0 {
					continue
				}
				dst, err := readBalance(ctx, tx, toKey, asset)
				if err != nil {
					return err
				}
				next[asset] = new(big.Int).Add(dst, amt).String()
				moved[asset] = amt
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for asset, val := range next {
					pipe.HSet(ctx, toKey, asset, val)
					pipe.HSet(ctx, fromKey, asset, "0")
				}
				return nil
			})
			return err
		}, fromKey, toKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return moved, err
	}
	return nil, fmt.Errorf("drain %s → %s: transaction contention", from, to)
}

func readBalance(ctx context.Context, tx *redis.Tx, key, asset string) (*big.Int, error) {
	val, err := tx.HGet(ctx, key, asset).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseBalance(val)
}

func parseBalance(val string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(val, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance value %q", val)
	}
	return n, nil
}
