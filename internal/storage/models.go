package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// LedgerEvent is a persisted engine event; the event stream is sufficient to
// reconstruct ledger state from history.
type LedgerEvent struct {
	ID          int64
	Kind        string
	Account     common.Address
	Counterparty common.Address
	Token       common.Address
	Amount      decimal.Decimal
	DebtCovered *decimal.Decimal
	OccurredAt  time.Time
	CreatedAt   time.Time
}

// HealthSnapshot records one account's solvency at a scan bucket. A nil
// HealthFactor means the account carries no debt (infinite health).
type HealthSnapshot struct {
	Bucket        time.Time
	Account       common.Address
	CollateralUsd decimal.Decimal
	Debt          decimal.Decimal
	HealthFactor  *decimal.Decimal
	Status        string
	CreatedAt     time.Time
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID           int64
	SampleTS     time.Time
	Account      common.Address
	HealthFactor decimal.Decimal
	Threshold    decimal.Decimal
	Channels     []string
	CreatedAt    time.Time
}
