package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotMinter rejects a mint attempted without the minter credential.
	ErrNotMinter = errors.New("token: caller is not the authorized minter")
	// ErrBurnExceedsBalance rejects burning more than the caller holds.
	ErrBurnExceedsBalance = errors.New("token: burn amount exceeds balance")
)

// Memory is an in-memory ERC-20 ledger. It supports failure injection
// (a false transfer return) and a reentrant callback hook so guard behaviour
// can be exercised end to end.
type Memory struct {
	symbol string

	mu       sync.Mutex
	balances map[common.Address]*big.Int

	// FailTransfers makes every transfer report false without moving funds.
	FailTransfers bool
	// TransferHook, when set, runs before the transfer applies. Used to model
	// a collaborator that calls back into the engine mid-operation.
	TransferHook func(ctx context.Context)
}

// NewMemory constructs an empty in-memory token.
func NewMemory(symbol string) *Memory {
	return &Memory{symbol: symbol, balances: make(map[common.Address]*big.Int)}
}

// Symbol returns the token symbol.
func (m *Memory) Symbol() string { return m.symbol }

// Fund credits owner with amount out of thin air. Test and simulation setup only.
func (m *Memory) Fund(owner common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(owner, amount)
}

// Transfer moves amount from the caller to recipient.
func (m *Memory) Transfer(ctx context.Context, caller, to common.Address, amount *big.Int) (bool, error) {
	return m.move(ctx, caller, to, amount)
}

// TransferFrom moves amount from the from account to recipient. Allowance
// bookkeeping is out of scope; the source balance is the only constraint.
func (m *Memory) TransferFrom(ctx context.Context, caller, from, to common.Address, amount *big.Int) (bool, error) {
	return m.move(ctx, from, to, amount)
}

// BalanceOf reports the current balance of owner.
func (m *Memory) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balance(owner)), nil
}

func (m *Memory) move(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error) {
	if hook := m.TransferHook; hook != nil {
		hook(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailTransfers {
		return false, nil
	}
	if m.balance(from).Cmp(amount) < 0 {
		return false, fmt.Errorf("token %s: balance of %s below %s", m.symbol, from.Hex(), amount)
	}
	m.debit(from, amount)
	m.credit(to, amount)
	return true, nil
}

func (m *Memory) balance(owner common.Address) *big.Int {
	if b, ok := m.balances[owner]; ok {
		return b
	}
	return big.NewInt(0)
}

func (m *Memory) credit(owner common.Address, amount *big.Int) {
	m.balances[owner] = new(big.Int).Add(m.balance(owner), amount)
}

func (m *Memory) debit(owner common.Address, amount *big.Int) {
	m.balances[owner] = new(big.Int).Sub(m.balance(owner), amount)
}

var _ ERC20 = (*Memory)(nil)

// MemoryStable is the in-memory synthetic asset. Only the constructor-injected
// minter identity may mint; burning destroys supply held by the caller.
type MemoryStable struct {
	*Memory
	minter common.Address

	// FailMints makes Mint report false without creating supply.
	FailMints bool
}

// NewMemoryStable constructs the stablecoin with its sole authorized minter.
func NewMemoryStable(minter common.Address) *MemoryStable {
	return &MemoryStable{Memory: NewMemory("DSC"), minter: minter}
}

// Mint creates amount for recipient. Fails unless caller is the minter.
func (s *MemoryStable) Mint(ctx context.Context, caller, to common.Address, amount *big.Int) (bool, error) {
	if caller != s.minter {
		return false, ErrNotMinter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailMints {
		return false, nil
	}
	s.credit(to, amount)
	return true, nil
}

// Burn destroys amount held by the caller.
func (s *MemoryStable) Burn(ctx context.Context, caller common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.balance(caller).Cmp(amount) < 0 {
		return ErrBurnExceedsBalance
	}
	s.debit(caller, amount)
	return nil
}

var _ Stablecoin = (*MemoryStable)(nil)
