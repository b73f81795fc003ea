package engine

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ledger is the arena holding every account's collateral balances and debt,
// plus system-wide totals. It is owned exclusively by the Engine; operations
// are the only writer.
type ledger struct {
	mu        sync.RWMutex
	accounts  map[common.Address]*accountState
	order     []common.Address
	totalDebt *big.Int
	totalCol  map[common.Address]*big.Int
}

// accountState is created implicitly on first deposit or mint and never
// destroyed; balances simply return to zero.
type accountState struct {
	collateral map[common.Address]*big.Int
	debt       *big.Int
}

func newLedger() *ledger {
	return &ledger{
		accounts:  make(map[common.Address]*accountState),
		totalDebt: big.NewInt(0),
		totalCol:  make(map[common.Address]*big.Int),
	}
}

func (l *ledger) account(addr common.Address) *accountState {
	acct, ok := l.accounts[addr]
	if !ok {
		acct = &accountState{
			collateral: make(map[common.Address]*big.Int),
			debt:       big.NewInt(0),
		}
		l.accounts[addr] = acct
		l.order = append(l.order, addr)
	}
	return acct
}

func (l *ledger) creditCollateral(addr, tok common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.account(addr)
	acct.collateral[tok] = add(acct.collateral[tok], amount)
	l.totalCol[tok] = add(l.totalCol[tok], amount)
}

func (l *ledger) debitCollateral(addr, tok common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.account(addr)
	held := acct.collateral[tok]
	if held == nil || held.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	acct.collateral[tok] = new(big.Int).Sub(held, amount)
	l.totalCol[tok] = new(big.Int).Sub(l.totalCol[tok], amount)
	return nil
}

func (l *ledger) addDebt(addr common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.account(addr)
	acct.debt = add(acct.debt, amount)
	l.totalDebt = add(l.totalDebt, amount)
}

func (l *ledger) subDebt(addr common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.account(addr)
	if acct.debt.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	acct.debt = new(big.Int).Sub(acct.debt, amount)
	l.totalDebt = new(big.Int).Sub(l.totalDebt, amount)
	return nil
}

func (l *ledger) collateralOf(addr, tok common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if acct, ok := l.accounts[addr]; ok {
		if held := acct.collateral[tok]; held != nil {
			return new(big.Int).Set(held)
		}
	}
	return big.NewInt(0)
}

func (l *ledger) debtOf(addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if acct, ok := l.accounts[addr]; ok {
		return new(big.Int).Set(acct.debt)
	}
	return big.NewInt(0)
}

func (l *ledger) accountList() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]common.Address, len(l.order))
	copy(out, l.order)
	return out
}

func (l *ledger) debtTotal() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.totalDebt)
}

func (l *ledger) collateralTotal(tok common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if total := l.totalCol[tok]; total != nil {
		return new(big.Int).Set(total)
	}
	return big.NewInt(0)
}

func add(a, b *big.Int) *big.Int {
	if a == nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int).Add(a, b)
}
