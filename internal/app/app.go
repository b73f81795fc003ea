package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"dsc-engine/internal/alerting"
	"dsc-engine/internal/config"
	"dsc-engine/internal/engine"
	"dsc-engine/internal/oracle"
	"dsc-engine/internal/registry"
	"dsc-engine/internal/scheduler"
	"dsc-engine/internal/service"
	"dsc-engine/internal/storage"
	"dsc-engine/internal/token"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newEngine builds the ledger engine from configuration: one chainlink feed
// and one in-memory transfer book per registered collateral token.
func (a *App) newEngine(sink engine.EventSink) (*engine.Engine, error) {
	if len(a.Config.Collateral) == 0 {
		return nil, fmt.Errorf("no collateral tokens configured")
	}

	tokens := make([]common.Address, 0, len(a.Config.Collateral))
	feeds := make([]oracle.PriceFeed, 0, len(a.Config.Collateral))
	collateral := make(map[common.Address]token.ERC20, len(a.Config.Collateral))

	for _, entry := range a.Config.Collateral {
		addr := common.HexToAddress(entry.TokenAddress)
		tokens = append(tokens, addr)
		feeds = append(feeds, oracle.NewChainlinkFeed(oracle.ChainlinkOptions{
			RPCURL:      a.Config.Ethereum.RPCURL,
			FeedAddress: entry.FeedAddress,
			Timeout:     a.Config.Ethereum.RequestTimeout,
		}, a.Logger))
		collateral[addr] = token.NewMemory(entry.Symbol)
	}

	reg, err := registry.New(tokens, feeds)
	if err != nil {
		return nil, fmt.Errorf("build collateral registry: %w", err)
	}

	custody := common.HexToAddress(a.Config.Engine.CustodyAddress)

	eng, err := engine.New(engine.Options{
		Registry:   reg,
		Oracle:     oracle.NewAdapter(a.Config.Oracle.Timeout),
		Dsc:        token.NewMemoryStable(custody),
		Collateral: collateral,
		Self:       custody,
		Sink:       sink,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return eng, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running health monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	notifier := a.newNotifier()

	var eventStore storage.LedgerEventStore
	var snapshotStore storage.HealthSnapshotStore
	var alertStore storage.AlertStore
	if store != nil {
		eventStore = store
		snapshotStore = store
		alertStore = store
	}

	// The sink is bound before engine construction so every ledger mutation
	// reaches the event log from the first operation onward.
	var svc *service.Service
	eng, err := a.newEngine(func(ev engine.Event) {
		if svc != nil {
			svc.EventSink()(ev)
		}
	})
	if err != nil {
		return err
	}

	svc = service.New(a.Config, sched, eng, eventStore, snapshotStore, alertStore, notifier, a.Logger)

	a.Logger.Info().
		Int("collateral_tokens", len(a.Config.Collateral)).
		Str("custody", eng.Self().Hex()).
		Msg("starting health monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("health monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical snapshots.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Events bool
}

// SimulateOptions configure the in-memory liquidation walkthrough.
type SimulateOptions struct {
	DepositEth  float64
	MintDsc     float64
	CrashPrice  float64
	DebtToCover float64
	Notify      bool
}
