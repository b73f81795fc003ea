// Package engine implements the collateral accounting, health-factor, and
// liquidation core of the stablecoin system. Every state-changing entry point
// is serialized behind a non-reentrant guard, updates the ledger and emits
// events before calling out to token collaborators, and compensates its
// mutations when a collaborator call fails so no partial effect persists.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"dsc-engine/internal/oracle"
	"dsc-engine/internal/registry"
	"dsc-engine/internal/token"
)

// Options wire the engine's collaborators.
type Options struct {
	Registry *registry.Registry
	Oracle   *oracle.Adapter
	Dsc      token.Stablecoin
	// Collateral maps each registered token to its transfer collaborator.
	Collateral map[common.Address]token.ERC20
	// Self is the engine's custody identity: deposits are pulled here and it
	// is the minter credential presented to the stablecoin.
	Self common.Address
	// Sink, when set, observes ledger events.
	Sink EventSink
}

// Engine is the sole owner and writer of the ledger.
type Engine struct {
	registry   *registry.Registry
	adapter    *oracle.Adapter
	dsc        token.Stablecoin
	collateral map[common.Address]token.ERC20
	self       common.Address
	sink       EventSink
	logger     zerolog.Logger
	clock      func() time.Time

	// opGuard rejects nested entry from collaborator callbacks. TryLock keeps
	// a reentrant call from deadlocking on its own outer invocation.
	opGuard sync.Mutex
	ledger  *ledger
}

// New validates the wiring and constructs an engine with an empty ledger.
func New(opts Options, logger zerolog.Logger) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine: registry is required")
	}
	if opts.Dsc == nil {
		return nil, fmt.Errorf("engine: stablecoin collaborator is required")
	}
	if opts.Self == (common.Address{}) {
		return nil, ErrZeroAddress
	}

	adapter := opts.Oracle
	if adapter == nil {
		adapter = oracle.NewAdapter(0)
	}

	for _, tok := range opts.Registry.Tokens() {
		if opts.Collateral[tok] == nil {
			return nil, fmt.Errorf("engine: no token collaborator for %s", tok.Hex())
		}
	}

	return &Engine{
		registry:   opts.Registry,
		adapter:    adapter,
		dsc:        opts.Dsc,
		collateral: opts.Collateral,
		self:       opts.Self,
		sink:       opts.Sink,
		logger:     logger.With().Str("component", "engine").Logger(),
		clock:      time.Now,
		ledger:     newLedger(),
	}, nil
}

// WithClock overrides the engine clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	if clock != nil {
		e.clock = clock
	}
	return e
}

// Self returns the engine custody identity.
func (e *Engine) Self() common.Address {
	return e.self
}

// GetCollateralTokens enumerates registered collateral tokens in registry order.
func (e *Engine) GetCollateralTokens() []common.Address {
	return e.registry.Tokens()
}

// GetUsdValue prices amount of tok in 18-decimal USD using a freshness-checked
// feed read. Fails for unregistered tokens and stale rounds.
func (e *Engine) GetUsdValue(ctx context.Context, tok common.Address, amount *big.Int) (*big.Int, error) {
	feed, err := e.registry.Feed(tok)
	if err != nil {
		return nil, err
	}

	round, err := e.adapter.StaleCheckLatestRoundData(ctx, feed)
	if err != nil {
		return nil, err
	}

	value := new(big.Int).Mul(round.Answer, AdditionalFeedPrecision)
	value.Mul(value, amount)
	return value.Div(value, Precision), nil
}

// GetTokenAmountFromUsd converts an 18-decimal USD amount into units of tok.
func (e *Engine) GetTokenAmountFromUsd(ctx context.Context, tok common.Address, usdAmount *big.Int) (*big.Int, error) {
	feed, err := e.registry.Feed(tok)
	if err != nil {
		return nil, err
	}

	round, err := e.adapter.StaleCheckLatestRoundData(ctx, feed)
	if err != nil {
		return nil, err
	}

	amount := new(big.Int).Mul(usdAmount, Precision)
	denom := new(big.Int).Mul(round.Answer, AdditionalFeedPrecision)
	return amount.Div(amount, denom), nil
}

// GetAccountCollateralValue sums the USD value of every registered token the
// account holds, in registry enumeration order.
func (e *Engine) GetAccountCollateralValue(ctx context.Context, account common.Address) (*big.Int, error) {
	total := big.NewInt(0)
	for _, tok := range e.registry.Tokens() {
		held := e.ledger.collateralOf(account, tok)
		value, err := e.GetUsdValue(ctx, tok, held)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

// GetAccountInformation returns the account's outstanding debt and total
// collateral value in USD.
func (e *Engine) GetAccountInformation(ctx context.Context, account common.Address) (debt, collateralValueUsd *big.Int, err error) {
	collateralValueUsd, err = e.GetAccountCollateralValue(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	return e.ledger.debtOf(account), collateralValueUsd, nil
}

// GetHealthFactor reports the account's current solvency ratio.
func (e *Engine) GetHealthFactor(ctx context.Context, account common.Address) (*big.Int, error) {
	return e.healthFactorOf(ctx, account)
}

// GetCollateralBalanceOfUser reports the deposited balance of tok for account.
func (e *Engine) GetCollateralBalanceOfUser(account, tok common.Address) *big.Int {
	return e.ledger.collateralOf(account, tok)
}

// GetDscMinted reports the account's outstanding debt.
func (e *Engine) GetDscMinted(account common.Address) *big.Int {
	return e.ledger.debtOf(account)
}

// Accounts lists every account the ledger has seen, in first-touch order.
func (e *Engine) Accounts() []common.Address {
	return e.ledger.accountList()
}

// TotalDebt reports system-wide minted debt.
func (e *Engine) TotalDebt() *big.Int {
	return e.ledger.debtTotal()
}

// TotalCollateralDeposited reports the system-wide deposited amount of tok.
func (e *Engine) TotalCollateralDeposited(tok common.Address) *big.Int {
	return e.ledger.collateralTotal(tok)
}

func (e *Engine) healthFactorOf(ctx context.Context, account common.Address) (*big.Int, error) {
	collateralValue, err := e.GetAccountCollateralValue(ctx, account)
	if err != nil {
		return nil, err
	}
	return CalculateHealthFactor(e.ledger.debtOf(account), collateralValue), nil
}

func (e *Engine) revertIfHealthFactorBroken(ctx context.Context, account common.Address) error {
	hf, err := e.healthFactorOf(ctx, account)
	if err != nil {
		return err
	}
	if hf.Cmp(MinHealthFactor) < 0 {
		return &BrokenHealthFactorError{Actual: hf, Minimum: new(big.Int).Set(MinHealthFactor)}
	}
	return nil
}

func (e *Engine) emit(ev Event) {
	ev.At = e.clock().UTC()
	if e.sink != nil {
		e.sink(ev)
	}
}

func (e *Engine) enter() error {
	if !e.opGuard.TryLock() {
		return ErrReentrantCall
	}
	return nil
}
