package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// DefaultTimeout is the freshness window applied to price feed rounds. A round
// whose updatedAt is older than this is rejected.
const DefaultTimeout = 3 * time.Hour

// FeedDecimals is the decimal count of aggregator answers (USD feeds report 8).
const FeedDecimals = 8

// RoundData mirrors a single latestRoundData() response from an aggregator.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       int64
	UpdatedAt       int64
	AnsweredInRound *big.Int
}

// PriceFeed resolves the most recent round published by one price source.
type PriceFeed interface {
	LatestRoundData(ctx context.Context) (RoundData, error)
}

// StaleFeedError reports a round that failed the freshness check. It carries
// the full round for diagnostics.
type StaleFeedError struct {
	Round RoundData
	Age   time.Duration
}

func (e *StaleFeedError) Error() string {
	return fmt.Sprintf("oracle: stale price feed (round=%s price=%s startedAt=%d updatedAt=%d answeredInRound=%s age=%s)",
		e.Round.RoundID, e.Round.Answer, e.Round.StartedAt, e.Round.UpdatedAt, e.Round.AnsweredInRound, e.Age)
}

// InvalidAnswerError reports a round whose answer cannot price anything: zero
// would divide by zero downstream and a negative answer would sign-flip
// amounts.
type InvalidAnswerError struct {
	Round RoundData
}

func (e *InvalidAnswerError) Error() string {
	return fmt.Sprintf("oracle: invalid price feed answer (round=%s price=%s updatedAt=%d)",
		e.Round.RoundID, e.Round.Answer, e.Round.UpdatedAt)
}

// Adapter wraps price feeds with staleness protection. The check runs on every
// read; rounds are never cached across operations.
type Adapter struct {
	timeout time.Duration
	clock   func() time.Time
}

// NewAdapter constructs an adapter with the given freshness window. A
// non-positive timeout falls back to DefaultTimeout.
func NewAdapter(timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{timeout: timeout, clock: time.Now}
}

// WithClock overrides the adapter clock for deterministic tests.
func (a *Adapter) WithClock(clock func() time.Time) *Adapter {
	if clock != nil {
		a.clock = clock
	}
	return a
}

// Timeout returns the configured freshness window.
func (a *Adapter) Timeout() time.Duration {
	return a.timeout
}

// StaleCheckLatestRoundData fetches the latest round from feed and rejects it
// when updatedAt is zero, the round is older than the freshness window, or the
// answer is not a positive price.
func (a *Adapter) StaleCheckLatestRoundData(ctx context.Context, feed PriceFeed) (RoundData, error) {
	round, err := feed.LatestRoundData(ctx)
	if err != nil {
		return RoundData{}, fmt.Errorf("latest round data: %w", err)
	}

	if round.UpdatedAt == 0 {
		return RoundData{}, &StaleFeedError{Round: round}
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return RoundData{}, &InvalidAnswerError{Round: round}
	}

	age := a.clock().UTC().Sub(time.Unix(round.UpdatedAt, 0))
	if age > a.timeout {
		return RoundData{}, &StaleFeedError{Round: round, Age: age}
	}

	return round, nil
}
