package engine

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind labels a ledger event.
type EventKind string

const (
	EventCollateralDeposited EventKind = "collateral_deposited"
	EventCollateralRedeemed  EventKind = "collateral_redeemed"
	EventDscMinted           EventKind = "dsc_minted"
	EventDscBurned           EventKind = "dsc_burned"
	EventLiquidation         EventKind = "liquidation"
)

// Event carries enough detail for an external observer to reconstruct ledger
// state from history. Redemption events record both the account the collateral
// left and the recipient, which differ during liquidation.
type Event struct {
	Kind        EventKind
	From        common.Address
	To          common.Address
	Token       common.Address
	Amount      *big.Int
	DebtCovered *big.Int
	At          time.Time
}

// EventSink receives events as operations commit their ledger mutations,
// before any external interaction is issued.
type EventSink func(Event)
