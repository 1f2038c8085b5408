package fees

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/custody"
	"github.com/crosslane/crosslane/internal/events"
	"github.com/crosslane/crosslane/internal/intent"
)

func testAddr(b byte) intent.Address {
	var a intent.Address
	for i := range a {
		a[i] = b
	}
	return a
}

var (
	protocolRecipient = testAddr(0xF0)
	solverAddr        = testAddr(0x50)
)

func newTestLedger(t *testing.T) (*Ledger, *custody.RedisVault) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	vault := custody.NewRedisVault(rdb)
	ledger := NewLedger(rdb, vault, events.NewEmitter(rdb, zap.NewNop()), 1000, zap.NewNop())
	if err := ledger.Init(context.Background(), Params{ProtocolBP: 30, SolverBP: 20, Recipient: protocolRecipient}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return ledger, vault
}

func TestCalculate(t *testing.T) {
	cases := []struct {
		name       string
		amount     int64
		sponsored  bool
		protocolBP uint64
		solverBP   uint64
		total      int64
		protocol   int64
		solver     int64
	}{
		{"round amounts", 1000, false, 30, 20, 5, 3, 2},
		{"sponsored pays nothing", 1000, true, 30, 20, 0, 0, 0},
		{"truncates toward zero", 99, false, 30, 20, 0, 0, 0},
		{"large amount", 1_000_000, false, 30, 20, 5000, 3000, 2000},
		{"zero amount", 0, false, 30, 20, 0, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			total, p, s := Calculate(big.NewInt(tc.amount), tc.sponsored, tc.protocolBP, tc.solverBP)
			if total.Int64() != tc.total || p.Int64() != tc.protocol || s.Int64() != tc.solver {
				t.Errorf("got (%s,%s,%s) want (%d,%d,%d)", total, p, s, tc.total, tc.protocol, tc.solver)
			}
		})
	}
}

func TestCalculate_SponsoredAlwaysZero(t *testing.T) {
	for _, amt := range []int64{1, 1000, 123456789} {
		total, p, s := Calculate(big.NewInt(amt), true, 500, 500)
		if total.Sign() != 0 || p.Sign() != 0 || s.Sign() != 0 {
			t.Errorf("sponsored amount %d produced fees (%s,%s,%s)", amt, total, p, s)
		}
	}
}

const asset = "fungible:aabb:0"

func fundedToken(amount int64) intent.Token {
	return intent.Token{Kind: intent.KindFungible, Address: []byte{0xAA, 0xBB}, SubID: 0, Amount: big.NewInt(amount)}
}

func TestCollect(t *testing.T) {
	ledger, vault := newTestLedger(t)
	ctx := context.Background()

	if err := vault.Deposit(ctx, "filler", asset, big.NewInt(1000)); err != nil {
		t.Fatal(err)
	}

	p, s, err := ledger.Collect(ctx, "filler", fundedToken(1000), false, solverAddr)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if p.Int64() != 3 || s.Int64() != 2 {
		t.Errorf("shares: got (%s,%s) want (3,2)", p, s)
	}

	pool, _ := vault.Balance(ctx, PoolAccount, asset)
	if pool.Int64() != 5 {
		t.Errorf("pool: got %s want 5", pool)
	}
	remaining, _ := vault.Balance(ctx, "filler", asset)
	if remaining.Int64() != 995 {
		t.Errorf("funding account: got %s want 995", remaining)
	}

	protoClaim, _ := ledger.Claim(ctx, protocolRecipient, asset)
	solverClaim, _ := ledger.Claim(ctx, solverAddr, asset)
	if protoClaim.Int64() != 3 || solverClaim.Int64() != 2 {
		t.Errorf("claims: got (%s,%s) want (3,2)", protoClaim, solverClaim)
	}
}

func TestCollect_Sponsored(t *testing.T) {
	ledger, vault := newTestLedger(t)
	ctx := context.Background()

	if err := vault.Deposit(ctx, "filler", asset, big.NewInt(1000)); err != nil {
		t.Fatal(err)
	}
	p, s, err := ledger.Collect(ctx, "filler", fundedToken(1000), true, solverAddr)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if p.Sign() != 0 || s.Sign() != 0 {
		t.Errorf("sponsored collect produced fees (%s,%s)", p, s)
	}
	bal, _ := vault.Balance(ctx, "filler", asset)
	if bal.Int64() != 1000 {
		t.Errorf("funding account debited on sponsored order: %s", bal)
	}
}

func TestWithdraw(t *testing.T) {
	ledger, vault := newTestLedger(t)
	ctx := context.Background()

	if err := vault.Deposit(ctx, "filler", asset, big.NewInt(100_000)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ledger.Collect(ctx, "filler", fundedToken(100_000), false, solverAddr); err != nil {
		t.Fatal(err)
	}

	payout := testAddr(0x60)
	if err := ledger.Withdraw(ctx, solverAddr, payout); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	got, _ := vault.Balance(ctx, payout.Hex(), asset)
	if got.Int64() != 200 { // 100000 * 20bp
		t.Errorf("payout: got %s want 200", got)
	}

	// Claim zeroed, second withdrawal finds nothing
	claim, _ := ledger.Claim(ctx, solverAddr, asset)
	if claim.Sign() != 0 {
		t.Errorf("claim not zeroed: %s", claim)
	}
	if err := ledger.Withdraw(ctx, solverAddr, payout); !errors.Is(err, ErrNoClaim) {
		t.Errorf("second withdraw: got %v want ErrNoClaim", err)
	}
}

func TestWithdraw_NothingClaimable(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if err := ledger.Withdraw(context.Background(), testAddr(0x01), testAddr(0x02)); !errors.Is(err, ErrNoClaim) {
		t.Errorf("got %v want ErrNoClaim", err)
	}
}

func TestSetBP_Ceiling(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	if err := ledger.SetProtocolBP(ctx, 980); err != nil { // 980 + 20 = 1000, at the ceiling
		t.Errorf("SetProtocolBP at ceiling: %v", err)
	}
	if err := ledger.SetProtocolBP(ctx, 981); !errors.Is(err, ErrFeeTooHigh) {
		t.Errorf("SetProtocolBP over ceiling: got %v", err)
	}
	if err := ledger.SetSolverBP(ctx, 21); !errors.Is(err, ErrFeeTooHigh) {
		t.Errorf("SetSolverBP over ceiling: got %v", err)
	}

	p, err := ledger.Params(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.ProtocolBP != 980 || p.SolverBP != 20 {
		t.Errorf("params: got (%d,%d) want (980,20)", p.ProtocolBP, p.SolverBP)
	}
}

func TestSetRecipient(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	next := testAddr(0xF1)
	if err := ledger.SetRecipient(ctx, next); err != nil {
		t.Fatalf("SetRecipient: %v", err)
	}
	p, _ := ledger.Params(ctx)
	if p.Recipient != next {
		t.Errorf("recipient: got %s want %s", p.Recipient.Hex(), next.Hex())
	}
}

func TestInit_Idempotent(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	// Re-init with different values must not overwrite live params.
	if err := ledger.Init(ctx, Params{ProtocolBP: 1, SolverBP: 1, Recipient: testAddr(0x09)}); err != nil {
		t.Fatalf("re-Init: %v", err)
	}
	p, _ := ledger.Params(ctx)
	if p.ProtocolBP != 30 || p.SolverBP != 20 {
		t.Errorf("params overwritten: (%d,%d)", p.ProtocolBP, p.SolverBP)
	}
}
