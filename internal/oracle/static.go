package oracle

import (
	"context"
	"math/big"
	"sync"
)

// StaticFeed is an in-memory feed with a settable answer, used by the
// simulate-liquidation command and by tests.
type StaticFeed struct {
	mu    sync.Mutex
	round RoundData
}

// NewStaticFeed seeds a feed with an 8-decimal answer and an updatedAt stamp.
func NewStaticFeed(answer *big.Int, updatedAt int64) *StaticFeed {
	return &StaticFeed{round: RoundData{
		RoundID:         big.NewInt(1),
		Answer:          new(big.Int).Set(answer),
		StartedAt:       updatedAt,
		UpdatedAt:       updatedAt,
		AnsweredInRound: big.NewInt(1),
	}}
}

// SetAnswer replaces the published price and advances the round counter.
func (f *StaticFeed) SetAnswer(answer *big.Int, updatedAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round.RoundID = new(big.Int).Add(f.round.RoundID, big.NewInt(1))
	f.round.Answer = new(big.Int).Set(answer)
	f.round.StartedAt = updatedAt
	f.round.UpdatedAt = updatedAt
	f.round.AnsweredInRound = new(big.Int).Set(f.round.RoundID)
}

// SetUpdatedAt rewinds or advances the round timestamp without touching the price.
func (f *StaticFeed) SetUpdatedAt(updatedAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round.UpdatedAt = updatedAt
}

// LatestRoundData returns a copy of the current round.
func (f *StaticFeed) LatestRoundData(ctx context.Context) (RoundData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	round := f.round
	round.RoundID = new(big.Int).Set(f.round.RoundID)
	round.Answer = new(big.Int).Set(f.round.Answer)
	round.AnsweredInRound = new(big.Int).Set(f.round.AnsweredInRound)
	return round, nil
}

var _ PriceFeed = (*StaticFeed)(nil)
