package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"dsc-engine/internal/oracle"
	"dsc-engine/internal/registry"
	"dsc-engine/internal/token"
)

var (
	engineAddr = common.HexToAddress("0xD5C0")
	user       = common.HexToAddress("0xA11CE")
	liquidator = common.HexToAddress("0xB0B")
	wethAddr   = common.HexToAddress("0x1")
	wbtcAddr   = common.HexToAddress("0x2")
	unknown    = common.HexToAddress("0xDEAD")
)

type fixture struct {
	eng      *Engine
	weth     *token.Memory
	wbtc     *token.Memory
	dsc      *token.MemoryStable
	ethFeed  *oracle.StaticFeed
	btcFeed  *oracle.StaticFeed
	now      time.Time
	events   []Event
}

// newFixture wires an engine against in-memory collaborators: WETH at $2,000
// and WBTC at $30,000 on 8-decimal feeds.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Unix(1_700_000_000, 0).UTC()
	f := &fixture{
		weth:    token.NewMemory("WETH"),
		wbtc:    token.NewMemory("WBTC"),
		dsc:     token.NewMemoryStable(engineAddr),
		ethFeed: oracle.NewStaticFeed(big.NewInt(2000e8), now.Unix()),
		btcFeed: oracle.NewStaticFeed(big.NewInt(30000e8), now.Unix()),
		now:     now,
	}

	reg, err := registry.New(
		[]common.Address{wethAddr, wbtcAddr},
		[]oracle.PriceFeed{f.ethFeed, f.btcFeed},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	adapter := oracle.NewAdapter(3 * time.Hour).WithClock(func() time.Time { return f.now })

	eng, err := New(Options{
		Registry:   reg,
		Oracle:     adapter,
		Dsc:        f.dsc,
		Collateral: map[common.Address]token.ERC20{wethAddr: f.weth, wbtcAddr: f.wbtc},
		Self:       engineAddr,
		Sink:       func(ev Event) { f.events = append(f.events, ev) },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	f.eng = eng.WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) depositWeth(t *testing.T, who common.Address, amount *big.Int) {
	t.Helper()
	f.weth.Fund(who, amount)
	if err := f.eng.DepositCollateral(context.Background(), who, wethAddr, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestGetUsdValue(t *testing.T) {
	f := newFixture(t)

	// 10 WETH at $2,000 is $20,000 in 18-decimal USD.
	value, err := f.eng.GetUsdValue(context.Background(), wethAddr, ether(10))
	if err != nil {
		t.Fatalf("GetUsdValue: %v", err)
	}
	if value.Cmp(ether(20_000)) != 0 {
		t.Fatalf("want 20000e18, got %s", value)
	}
}

func TestUsdRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	amount := ether(10)
	usd, err := f.eng.GetUsdValue(ctx, wethAddr, amount)
	if err != nil {
		t.Fatalf("GetUsdValue: %v", err)
	}
	back, err := f.eng.GetTokenAmountFromUsd(ctx, wethAddr, usd)
	if err != nil {
		t.Fatalf("GetTokenAmountFromUsd: %v", err)
	}
	if back.Cmp(amount) != 0 {
		t.Fatalf("round trip: want %s got %s", amount, back)
	}
}

func TestGetUsdValueUnregisteredToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.GetUsdValue(context.Background(), unknown, ether(1))
	var notAllowed *registry.TokenNotAllowedError
	if !errors.As(err, &notAllowed) {
		t.Fatalf("expected TokenNotAllowedError, got %v", err)
	}
}

func TestDepositCollateral(t *testing.T) {
	f := newFixture(t)
	f.depositWeth(t, user, ether(10))

	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Cmp(ether(10)) != 0 {
		t.Fatalf("ledger balance = %s", got)
	}
	held, _ := f.weth.BalanceOf(context.Background(), engineAddr)
	if held.Cmp(ether(10)) != 0 {
		t.Fatalf("custody balance = %s", held)
	}
	if len(f.events) != 1 || f.events[0].Kind != EventCollateralDeposited {
		t.Fatalf("expected one deposit event, got %#v", f.events)
	}
}

func TestDepositRejectsZeroAmount(t *testing.T) {
	f := newFixture(t)
	err := f.eng.DepositCollateral(context.Background(), user, wethAddr, big.NewInt(0))
	if !errors.Is(err, ErrMustBeMoreThanZero) {
		t.Fatalf("expected ErrMustBeMoreThanZero, got %v", err)
	}
}

func TestDepositRejectsUnregisteredToken(t *testing.T) {
	f := newFixture(t)
	err := f.eng.DepositCollateral(context.Background(), user, unknown, ether(1))
	var notAllowed *registry.TokenNotAllowedError
	if !errors.As(err, &notAllowed) {
		t.Fatalf("expected TokenNotAllowedError, got %v", err)
	}
}

func TestDepositRollsBackOnTransferFailure(t *testing.T) {
	f := newFixture(t)
	f.weth.Fund(user, ether(10))
	f.weth.FailTransfers = true

	err := f.eng.DepositCollateral(context.Background(), user, wethAddr, ether(10))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Sign() != 0 {
		t.Fatalf("failed deposit must not persist, balance = %s", got)
	}
}

func TestMintDsc(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))

	if err := f.eng.MintDsc(ctx, user, ether(5_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	hf, err := f.eng.GetHealthFactor(ctx, user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if hf.Cmp(new(big.Int).Mul(big.NewInt(2), Precision)) != 0 {
		t.Fatalf("health factor after mint: want 2e18, got %s", hf)
	}

	held, _ := f.dsc.BalanceOf(ctx, user)
	if held.Cmp(ether(5_000)) != 0 {
		t.Fatalf("dsc balance = %s", held)
	}
}

func TestMintDscBrokenHealthFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))

	err := f.eng.MintDsc(ctx, user, ether(10_001))
	var broken *BrokenHealthFactorError
	if !errors.As(err, &broken) {
		t.Fatalf("expected BrokenHealthFactorError, got %v", err)
	}
	if broken.Actual.Cmp(broken.Minimum) >= 0 {
		t.Fatalf("reported actual %s should be below minimum %s", broken.Actual, broken.Minimum)
	}
	if got := f.eng.GetDscMinted(user); got.Sign() != 0 {
		t.Fatalf("failed mint must not leave debt, got %s", got)
	}
}

func TestMintDscRollsBackOnMintFailure(t *testing.T) {
	f := newFixture(t)
	f.depositWeth(t, user, ether(10))
	f.dsc.FailMints = true

	err := f.eng.MintDsc(context.Background(), user, ether(1_000))
	if !errors.Is(err, ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	if got := f.eng.GetDscMinted(user); got.Sign() != 0 {
		t.Fatalf("failed mint must not leave debt, got %s", got)
	}
}

func TestDepositAndMintAtomicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.weth.Fund(user, ether(10))

	// Mint leg breaks the health factor; the deposit leg must unwind too.
	err := f.eng.DepositCollateralAndMintDsc(ctx, user, wethAddr, ether(10), ether(10_001))
	var broken *BrokenHealthFactorError
	if !errors.As(err, &broken) {
		t.Fatalf("expected BrokenHealthFactorError, got %v", err)
	}
	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Sign() != 0 {
		t.Fatalf("deposit leg must be compensated, balance = %s", got)
	}
	held, _ := f.weth.BalanceOf(ctx, user)
	if held.Cmp(ether(10)) != 0 {
		t.Fatalf("collateral must be refunded, user holds %s", held)
	}
}

func TestDepositAndMintSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.weth.Fund(user, ether(10))

	if err := f.eng.DepositCollateralAndMintDsc(ctx, user, wethAddr, ether(10), ether(5_000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	if got := f.eng.GetDscMinted(user); got.Cmp(ether(5_000)) != 0 {
		t.Fatalf("debt = %s", got)
	}
}

func TestRedeemCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))

	if err := f.eng.RedeemCollateral(ctx, user, wethAddr, ether(4)); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Cmp(ether(6)) != 0 {
		t.Fatalf("ledger balance after redeem = %s", got)
	}
	held, _ := f.weth.BalanceOf(ctx, user)
	if held.Cmp(ether(4)) != 0 {
		t.Fatalf("user holds %s after redeem", held)
	}
}

func TestRedeemCollateralBreaksHealthFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))
	if err := f.eng.MintDsc(ctx, user, ether(9_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Redeeming 2 WETH leaves $16,000 collateral against 9,000 debt: HF < 1.
	err := f.eng.RedeemCollateral(ctx, user, wethAddr, ether(2))
	var broken *BrokenHealthFactorError
	if !errors.As(err, &broken) {
		t.Fatalf("expected BrokenHealthFactorError, got %v", err)
	}
	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Cmp(ether(10)) != 0 {
		t.Fatalf("failed redeem must not persist, balance = %s", got)
	}
}

func TestRedeemCollateralInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.depositWeth(t, user, ether(1))

	err := f.eng.RedeemCollateral(context.Background(), user, wethAddr, ether(2))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestBurnDsc(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))
	if err := f.eng.MintDsc(ctx, user, ether(5_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := f.eng.BurnDsc(ctx, user, ether(2_000)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := f.eng.GetDscMinted(user); got.Cmp(ether(3_000)) != 0 {
		t.Fatalf("debt after burn = %s", got)
	}
	held, _ := f.dsc.BalanceOf(ctx, user)
	if held.Cmp(ether(3_000)) != 0 {
		t.Fatalf("dsc balance after burn = %s", held)
	}
	if got := f.eng.TotalDebt(); got.Cmp(ether(3_000)) != 0 {
		t.Fatalf("total debt = %s", got)
	}
}

func TestBurnDscExceedsDebt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))
	if err := f.eng.MintDsc(ctx, user, ether(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := f.eng.BurnDsc(ctx, user, ether(2_000))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := f.eng.GetDscMinted(user); got.Cmp(ether(1_000)) != 0 {
		t.Fatalf("debt must be unchanged, got %s", got)
	}
}

func TestRedeemCollateralForDsc(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))
	if err := f.eng.MintDsc(ctx, user, ether(9_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Redeeming 2 WETH alone would break the health factor (see above), but
	// burning 2,000 DSC first brings debt to 7,000 against $16,000: HF > 1.
	if err := f.eng.RedeemCollateralForDsc(ctx, user, wethAddr, ether(2), ether(2_000)); err != nil {
		t.Fatalf("redeem for dsc: %v", err)
	}
	if got := f.eng.GetDscMinted(user); got.Cmp(ether(7_000)) != 0 {
		t.Fatalf("debt = %s", got)
	}
	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Cmp(ether(8)) != 0 {
		t.Fatalf("collateral = %s", got)
	}
}

func TestRedeemCollateralForDscUnwindsBurnOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))
	if err := f.eng.MintDsc(ctx, user, ether(5_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Burn succeeds but the redeem leg asks for more collateral than held; the
	// already-burned debt must be restored, tokens included.
	err := f.eng.RedeemCollateralForDsc(ctx, user, wethAddr, ether(11), ether(1_000))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := f.eng.GetDscMinted(user); got.Cmp(ether(5_000)) != 0 {
		t.Fatalf("debt must be restored, got %s", got)
	}
	held, _ := f.dsc.BalanceOf(ctx, user)
	if held.Cmp(ether(5_000)) != 0 {
		t.Fatalf("dsc must be returned, user holds %s", held)
	}
}

func TestStalePriceFeedBlocksValuation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))

	f.ethFeed.SetUpdatedAt(f.now.Add(-4 * time.Hour).Unix())

	var stale *oracle.StaleFeedError
	if _, err := f.eng.GetUsdValue(ctx, wethAddr, ether(1)); !errors.As(err, &stale) {
		t.Fatalf("expected StaleFeedError from valuation, got %v", err)
	}
	if err := f.eng.MintDsc(ctx, user, ether(1)); !errors.As(err, &stale) {
		t.Fatalf("expected StaleFeedError from mint, got %v", err)
	}
}

func TestNonPositiveAnswerBlocksValuation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))

	for _, answer := range []*big.Int{big.NewInt(0), big.NewInt(-2000e8)} {
		f.ethFeed.SetAnswer(answer, f.now.Unix())

		var invalid *oracle.InvalidAnswerError
		if _, err := f.eng.GetUsdValue(ctx, wethAddr, ether(1)); !errors.As(err, &invalid) {
			t.Fatalf("answer %s: expected InvalidAnswerError from valuation, got %v", answer, err)
		}
		if _, err := f.eng.GetTokenAmountFromUsd(ctx, wethAddr, ether(1)); !errors.As(err, &invalid) {
			t.Fatalf("answer %s: expected InvalidAnswerError from conversion, got %v", answer, err)
		}
		if err := f.eng.MintDsc(ctx, user, ether(1)); !errors.As(err, &invalid) {
			t.Fatalf("answer %s: expected InvalidAnswerError from mint, got %v", answer, err)
		}
	}
}

// netEvents folds an event stream back into per-account collateral and debt,
// the reconstruction a downstream consumer of the log would perform.
func netEvents(events []Event) (collateral, debt *big.Int) {
	collateral = big.NewInt(0)
	debt = big.NewInt(0)
	for _, ev := range events {
		switch ev.Kind {
		case EventCollateralDeposited:
			collateral.Add(collateral, ev.Amount)
		case EventCollateralRedeemed:
			collateral.Sub(collateral, ev.Amount)
		case EventDscMinted:
			debt.Add(debt, ev.Amount)
		case EventDscBurned:
			debt.Sub(debt, ev.Amount)
		case EventLiquidation:
			debt.Sub(debt, ev.DebtCovered)
		}
	}
	return collateral, debt
}

func TestDepositFailureNetsOutEventLog(t *testing.T) {
	f := newFixture(t)
	f.weth.Fund(user, ether(10))
	f.weth.FailTransfers = true

	err := f.eng.DepositCollateral(context.Background(), user, wethAddr, ether(10))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	if len(f.events) != 2 {
		t.Fatalf("expected deposit plus reversal, got %#v", f.events)
	}
	if f.events[0].Kind != EventCollateralDeposited || f.events[1].Kind != EventCollateralRedeemed {
		t.Fatalf("reversal must use the opposite kind, got %#v", f.events)
	}
	if f.events[1].From != user || f.events[1].Amount.Cmp(ether(10)) != 0 {
		t.Fatalf("reversal must mirror the original: %#v", f.events[1])
	}
	collateral, debt := netEvents(f.events)
	if collateral.Sign() != 0 || debt.Sign() != 0 {
		t.Fatalf("event log must net to zero: collateral %s debt %s", collateral, debt)
	}
}

func TestDepositAndMintFailureNetsOutEventLog(t *testing.T) {
	f := newFixture(t)
	f.weth.Fund(user, ether(10))
	f.dsc.FailMints = true

	err := f.eng.DepositCollateralAndMintDsc(context.Background(), user, wethAddr, ether(10), ether(1_000))
	if !errors.Is(err, ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}

	// Both legs had emitted before the mint collaborator failed.
	if len(f.events) != 4 {
		t.Fatalf("expected two emits and two reversals, got %#v", f.events)
	}
	collateral, debt := netEvents(f.events)
	if collateral.Sign() != 0 || debt.Sign() != 0 {
		t.Fatalf("event log must net to zero: collateral %s debt %s", collateral, debt)
	}
}

func TestReentrantCallRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.weth.Fund(user, ether(10))

	var nested error
	f.weth.TransferHook = func(ctx context.Context) {
		nested = f.eng.DepositCollateral(ctx, user, wethAddr, ether(1))
	}

	if err := f.eng.DepositCollateral(ctx, user, wethAddr, ether(5)); err != nil {
		t.Fatalf("outer deposit should succeed: %v", err)
	}
	if !errors.Is(nested, ErrReentrantCall) {
		t.Fatalf("nested call should be rejected, got %v", nested)
	}
	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Cmp(ether(5)) != 0 {
		t.Fatalf("only the outer deposit should persist, balance = %s", got)
	}
}

func TestGettersDoNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))

	before := f.eng.GetCollateralBalanceOfUser(user, wethAddr)
	for i := 0; i < 3; i++ {
		if _, err := f.eng.GetAccountCollateralValue(ctx, user); err != nil {
			t.Fatalf("GetAccountCollateralValue: %v", err)
		}
		if _, _, err := f.eng.GetAccountInformation(ctx, user); err != nil {
			t.Fatalf("GetAccountInformation: %v", err)
		}
		if _, err := f.eng.GetHealthFactor(ctx, user); err != nil {
			t.Fatalf("GetHealthFactor: %v", err)
		}
	}
	if after := f.eng.GetCollateralBalanceOfUser(user, wethAddr); after.Cmp(before) != 0 {
		t.Fatalf("getters mutated state: %s -> %s", before, after)
	}
}

func TestSolvencyInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.depositWeth(t, user, ether(10))
	if err := f.eng.MintDsc(ctx, user, ether(5_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.wbtc.Fund(liquidator, ether(2))
	if err := f.eng.DepositCollateralAndMintDsc(ctx, liquidator, wbtcAddr, ether(2), ether(20_000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	if err := f.eng.BurnDsc(ctx, user, ether(1_000)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	totalValue := big.NewInt(0)
	for _, tok := range f.eng.GetCollateralTokens() {
		value, err := f.eng.GetUsdValue(ctx, tok, f.eng.TotalCollateralDeposited(tok))
		if err != nil {
			t.Fatalf("GetUsdValue: %v", err)
		}
		totalValue.Add(totalValue, value)
	}
	if totalValue.Cmp(f.eng.TotalDebt()) < 0 {
		t.Fatalf("solvency broken: collateral %s < debt %s", totalValue, f.eng.TotalDebt())
	}
}
