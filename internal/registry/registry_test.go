package registry

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"dsc-engine/internal/oracle"
)

var (
	weth = common.HexToAddress("0x1")
	wbtc = common.HexToAddress("0x2")
	dai  = common.HexToAddress("0x3")
)

func testFeed() *oracle.StaticFeed {
	return oracle.NewStaticFeed(big.NewInt(2000e8), 1_700_000_000)
}

func TestNewLengthMismatch(t *testing.T) {
	_, err := New([]common.Address{weth, wbtc}, []oracle.PriceFeed{testFeed()})
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestNewRejectsNilFeed(t *testing.T) {
	if _, err := New([]common.Address{weth}, []oracle.PriceFeed{nil}); err == nil {
		t.Fatal("nil feed should be rejected")
	}
}

func TestFeedLookup(t *testing.T) {
	feed := testFeed()
	r, err := New([]common.Address{weth}, []oracle.PriceFeed{feed})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := r.Feed(weth)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if got != oracle.PriceFeed(feed) {
		t.Fatal("returned feed should be the registered one")
	}

	_, err = r.Feed(dai)
	var notAllowed *TokenNotAllowedError
	if !errors.As(err, &notAllowed) {
		t.Fatalf("expected TokenNotAllowedError, got %v", err)
	}
	if notAllowed.Token != dai {
		t.Fatalf("error should name the token, got %s", notAllowed.Token.Hex())
	}
}

func TestTokensInsertionOrder(t *testing.T) {
	r, err := New([]common.Address{wbtc, weth, dai}, []oracle.PriceFeed{testFeed(), testFeed(), testFeed()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tokens := r.Tokens()
	want := []common.Address{wbtc, weth, dai}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("token %d: want %s got %s", i, want[i].Hex(), tokens[i].Hex())
		}
	}

	// Returned slice is a copy; mutating it must not affect the registry.
	tokens[0] = dai
	if r.Tokens()[0] != wbtc {
		t.Fatal("Tokens must return a copy")
	}
}
