package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"dsc-engine/internal/app"
)

var (
	simulateDeposit float64
	simulateMint    float64
	simulateCrash   float64
	simulateCover   float64
	simulateNotify  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-liquidation",
	Short: "模拟一次 存入→铸造→价格下跌→清算 全流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateDeposit <= 0 || simulateMint <= 0 || simulateCrash <= 0 || simulateCover <= 0 {
			return errors.New("--deposit、--mint、--crash-price 与 --cover 必须大于 0")
		}

		opts := app.SimulateOptions{
			DepositEth:  simulateDeposit,
			MintDsc:     simulateMint,
			CrashPrice:  simulateCrash,
			DebtToCover: simulateCover,
			Notify:      simulateNotify,
		}

		return getApp().SimulateLiquidation(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateDeposit, "deposit", 10, "存入的 WETH 数量")
	simulateCmd.Flags().Float64Var(&simulateMint, "mint", 10000, "铸造的 DSC 数量")
	simulateCmd.Flags().Float64Var(&simulateCrash, "crash-price", 1800, "下跌后的 WETH/USD 价格")
	simulateCmd.Flags().Float64Var(&simulateCover, "cover", 5000, "清算人偿还的 DSC 数量")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "通过真实告警通道推送模拟结果")
}
