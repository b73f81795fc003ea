// Package registry holds the engine-lifetime set of accepted collateral tokens
// and the price feed attached to each.
package registry

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"dsc-engine/internal/oracle"
)

// ErrLengthMismatch indicates the token and feed lists differ in length.
var ErrLengthMismatch = errors.New("registry: token and price feed lists must be the same length")

// TokenNotAllowedError reports a collateral token that is not registered.
type TokenNotAllowedError struct {
	Token common.Address
}

func (e *TokenNotAllowedError) Error() string {
	return fmt.Sprintf("registry: token %s not allowed", e.Token.Hex())
}

// Registry maps collateral tokens to their price feeds. It is immutable after
// construction; enumeration follows insertion order.
type Registry struct {
	tokens []common.Address
	feeds  map[common.Address]oracle.PriceFeed
}

// New constructs a registry from parallel token and feed lists.
func New(tokens []common.Address, feeds []oracle.PriceFeed) (*Registry, error) {
	if len(tokens) != len(feeds) {
		return nil, ErrLengthMismatch
	}

	r := &Registry{
		tokens: make([]common.Address, 0, len(tokens)),
		feeds:  make(map[common.Address]oracle.PriceFeed, len(tokens)),
	}
	for i, token := range tokens {
		if feeds[i] == nil {
			return nil, fmt.Errorf("registry: nil price feed for token %s", token.Hex())
		}
		if _, dup := r.feeds[token]; dup {
			return nil, fmt.Errorf("registry: duplicate token %s", token.Hex())
		}
		r.tokens = append(r.tokens, token)
		r.feeds[token] = feeds[i]
	}
	return r, nil
}

// Feed returns the price feed registered for token.
func (r *Registry) Feed(token common.Address) (oracle.PriceFeed, error) {
	feed, ok := r.feeds[token]
	if !ok {
		return nil, &TokenNotAllowedError{Token: token}
	}
	return feed, nil
}

// Allowed reports whether token is registered.
func (r *Registry) Allowed(token common.Address) bool {
	_, ok := r.feeds[token]
	return ok
}

// Tokens returns all registered tokens in insertion order.
func (r *Registry) Tokens() []common.Address {
	out := make([]common.Address, len(r.tokens))
	copy(out, r.tokens)
	return out
}
