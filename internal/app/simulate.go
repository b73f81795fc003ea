package app

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dsc-engine/internal/engine"
	"dsc-engine/internal/oracle"
	"dsc-engine/internal/registry"
	"dsc-engine/internal/service"
	"dsc-engine/internal/token"
)

var (
	simCustody    = common.HexToAddress("0x00000000000000000000000000000000000d5c00")
	simBorrower   = common.HexToAddress("0x000000000000000000000000000000000000a11e")
	simLiquidator = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
	simWeth       = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

// SimulateLiquidation 在内存中完整走一遍 存入→铸造→价格下跌→清算 流程。
func (a *App) SimulateLiquidation(ctx context.Context, opts SimulateOptions) error {
	feed := oracle.NewStaticFeed(toFeedUnits(2000), time.Now().Unix())

	reg, err := registry.New([]common.Address{simWeth}, []oracle.PriceFeed{feed})
	if err != nil {
		return err
	}

	weth := token.NewMemory("WETH")
	dsc := token.NewMemoryStable(simCustody)

	eng, err := engine.New(engine.Options{
		Registry:   reg,
		Oracle:     oracle.NewAdapter(a.Config.Oracle.Timeout),
		Dsc:        dsc,
		Collateral: map[common.Address]token.ERC20{simWeth: weth},
		Self:       simCustody,
	}, a.Logger)
	if err != nil {
		return err
	}

	deposit := toWei(opts.DepositEth)
	mint := toWei(opts.MintDsc)
	cover := toWei(opts.DebtToCover)

	weth.Fund(simBorrower, deposit)

	if err := eng.DepositCollateralAndMintDsc(ctx, simBorrower, simWeth, deposit, mint); err != nil {
		return fmt.Errorf("deposit and mint: %w", err)
	}

	before, err := eng.GetHealthFactor(ctx, simBorrower)
	if err != nil {
		return err
	}

	feed.SetAnswer(toFeedUnits(opts.CrashPrice), time.Now().Unix())

	crashed, err := eng.GetHealthFactor(ctx, simBorrower)
	if err != nil {
		return err
	}

	// Liquidators arrive with DSC minted elsewhere; the custody credential
	// plays that role here.
	if _, err := dsc.Mint(ctx, simCustody, simLiquidator, cover); err != nil {
		return fmt.Errorf("fund liquidator: %w", err)
	}

	if err := eng.Liquidate(ctx, simLiquidator, simBorrower, simWeth, cover); err != nil {
		return fmt.Errorf("liquidate: %w", err)
	}

	after, err := eng.GetHealthFactor(ctx, simBorrower)
	if err != nil {
		return err
	}

	seized, err := weth.BalanceOf(ctx, simLiquidator)
	if err != nil {
		return err
	}
	remainingDebt := eng.GetDscMinted(simBorrower)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Stage\tHealth Factor\tDetail")
	fmt.Fprintf(writer, "after mint\t%s\tdeposit %.4f WETH, mint %.2f DSC\n", formatHealth(before), opts.DepositEth, opts.MintDsc)
	fmt.Fprintf(writer, "after crash\t%s\tprice %.2f -> %.2f USD\n", formatHealth(crashed), 2000.0, opts.CrashPrice)
	fmt.Fprintf(writer, "after liquidation\t%s\tcovered %.2f DSC, seized %s WETH, debt left %s DSC\n",
		formatHealth(after), opts.DebtToCover, fromWei(seized), fromWei(remainingDebt))
	writer.Flush()

	if opts.Notify {
		return a.notifySimulation(ctx, eng, crashed)
	}
	return nil
}

// notifySimulation pushes the crashed health factor through the real alert
// path so channel wiring can be verified end to end.
func (a *App) notifySimulation(ctx context.Context, eng *engine.Engine, crashed *big.Int) error {
	if !a.Config.Alerting.Enabled {
		return fmt.Errorf("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return fmt.Errorf("未配置任何告警通道")
	}

	svc := service.New(a.Config, nil, eng, nil, nil, nil, notifier, a.Logger)
	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)

	a.Logger.Info().Str("health_factor", formatHealth(crashed)).Msg("dispatching simulated alert")
	return svc.ProcessBucket(ctx, bucket)
}

func toWei(v float64) *big.Int {
	return decimal.NewFromFloat(v).Mul(decimal.New(1, 18)).BigInt()
}

func toFeedUnits(price float64) *big.Int {
	return decimal.NewFromFloat(price).Mul(decimal.New(1, int32(oracle.FeedDecimals))).BigInt()
}

func fromWei(v *big.Int) string {
	return decimal.NewFromBigInt(v, -18).StringFixed(4)
}

func formatHealth(hf *big.Int) string {
	if hf.Cmp(engine.MaxHealthFactor) == 0 {
		return "inf"
	}
	return decimal.NewFromBigInt(hf, -18).StringFixed(4)
}
