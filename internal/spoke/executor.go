package spoke

import (
	"context"
	"math/big"

	"github.com/crosslane/crosslane/internal/intent"
)

// Executor runs an order's callback on the destination domain. The fill is
// all-or-nothing around it: an executor error aborts the whole fill.
type Executor interface {
	Execute(ctx context.Context, target intent.Address, payload []byte, value *big.Int) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, target intent.Address, payload []byte, value *big.Int) error

func (f ExecutorFunc) Execute(ctx context.Context, target intent.Address, payload []byte, value *big.Int) error {
	return f(ctx, target, payload, value)
}

// NopExecutor accepts every callback without doing anything. Deployments
// that do not support callbacks should instead reject orders carrying one.
type NopExecutor struct{}

func (NopExecutor) Execute(context.Context, intent.Address, []byte, *big.Int) error { return nil }
