package oracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	aggregatorABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`
)

var (
	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainlinkOptions parameterise the on-chain feed.
type ChainlinkOptions struct {
	RPCURL      string
	FeedAddress string
	Timeout     time.Duration
}

// ChainlinkFeed reads latestRoundData from an AggregatorV3 contract over RPC.
type ChainlinkFeed struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChainlinkFeed builds a feed bound to one aggregator contract.
func NewChainlinkFeed(opts ChainlinkOptions, logger zerolog.Logger) *ChainlinkFeed {
	return &ChainlinkFeed{opts: opts, logger: logger.With().Str("component", "chainlink_feed").Str("feed", opts.FeedAddress).Logger()}
}

// LatestRoundData performs the aggregator call and decodes the five outputs.
func (f *ChainlinkFeed) LatestRoundData(ctx context.Context) (RoundData, error) {
	if f.opts.RPCURL == "" {
		return RoundData{}, errors.New("ethereum rpc url not configured")
	}
	if f.opts.FeedAddress == "" {
		return RoundData{}, errors.New("aggregator contract address not configured")
	}

	timeout := f.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := f.getClient(ctx)
	if err != nil {
		return RoundData{}, err
	}

	addr := common.HexToAddress(f.opts.FeedAddress)

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return RoundData{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return RoundData{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return RoundData{}, err
	}

	if len(outputs) != 5 {
		return RoundData{}, errors.New("unexpected latestRoundData response")
	}

	roundID, ok := outputs[0].(*big.Int)
	if !ok {
		return RoundData{}, errors.New("failed to decode roundId output")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return RoundData{}, errors.New("failed to decode answer output")
	}
	startedAt, ok := outputs[2].(*big.Int)
	if !ok {
		return RoundData{}, errors.New("failed to decode startedAt output")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return RoundData{}, errors.New("failed to decode updatedAt output")
	}
	answeredIn, ok := outputs[4].(*big.Int)
	if !ok {
		return RoundData{}, errors.New("failed to decode answeredInRound output")
	}

	return RoundData{
		RoundID:         roundID,
		Answer:          answer,
		StartedAt:       startedAt.Int64(),
		UpdatedAt:       updatedAt.Int64(),
		AnsweredInRound: answeredIn,
	}, nil
}

func (f *ChainlinkFeed) getClient(ctx context.Context) (*ethclient.Client, error) {
	f.clientMux.Lock()
	defer f.clientMux.Unlock()

	if f.client != nil {
		return f.client, nil
	}

	client, err := ethclient.DialContext(ctx, f.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

var _ PriceFeed = (*ChainlinkFeed)(nil)
