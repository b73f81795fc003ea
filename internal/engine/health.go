package engine

import "math/big"

// Percentage of collateral value counted toward solvency: 50 means 2x
// overcollateralization is required to stay at the minimum health factor.
const (
	LiquidationThreshold = 50
	LiquidationBonus     = 10
	LiquidationPrecision = 100
)

var (
	// Precision is the 18-decimal fixed-point base shared with the stablecoin.
	Precision = big.NewInt(1_000_000_000_000_000_000)
	// AdditionalFeedPrecision lifts 8-decimal feed answers to 18 decimals.
	AdditionalFeedPrecision = big.NewInt(10_000_000_000)
	// MinHealthFactor is the solvency floor: 1.0 in 18-decimal fixed point.
	MinHealthFactor = new(big.Int).Set(Precision)
	// MaxHealthFactor is the value reported for zero-debt accounts: the
	// unsigned 256-bit maximum, above any computable ratio.
	MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// CalculateHealthFactor is the pure solvency ratio: with zero debt the account
// is maximally healthy; otherwise
//
//	(collateralValueUsd * LiquidationThreshold / LiquidationPrecision) * 1e18 / debt
//
// both inputs in 18-decimal fixed point.
func CalculateHealthFactor(totalDscMinted, collateralValueUsd *big.Int) *big.Int {
	if totalDscMinted.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}

	adjusted := new(big.Int).Mul(collateralValueUsd, big.NewInt(LiquidationThreshold))
	adjusted.Div(adjusted, big.NewInt(LiquidationPrecision))
	adjusted.Mul(adjusted, Precision)
	return adjusted.Div(adjusted, totalDscMinted)
}
