package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dsc-engine/internal/alerting"
	"dsc-engine/internal/config"
	"dsc-engine/internal/engine"
	"dsc-engine/internal/scheduler"
	"dsc-engine/internal/storage"
)

// Service orchestrates periodic health scans, persistence, and alerting.
type Service struct {
	scheduler  *scheduler.Scheduler
	engine     *engine.Engine
	events     storage.LedgerEventStore
	snapshots  storage.HealthSnapshotStore
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	logger     zerolog.Logger

	warnFactor *big.Int
	warnDec    decimal.Decimal
	channels   []string
	alertsOn   bool
	locker     storage.AdvisoryLocker
	lockKey    int64
}

// New constructs the monitoring service around a running engine.
func New(cfg *config.Config, sched *scheduler.Scheduler, eng *engine.Engine, events storage.LedgerEventStore, snapshots storage.HealthSnapshotStore, alertStore storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	warnDec := decimal.NewFromFloat(cfg.Engine.HealthWarnFactor)
	warnFactor := warnDec.Mul(decimal.New(1, 18)).BigInt()

	var locker storage.AdvisoryLocker
	if l, ok := snapshots.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:  sched,
		engine:     eng,
		events:     events,
		snapshots:  snapshots,
		alertStore: alertStore,
		notifier:   notifier,
		logger:     logger.With().Str("component", "service").Logger(),
		warnFactor: warnFactor,
		warnDec:    warnDec,
		channels:   cfg.Alerting.Channels,
		alertsOn:   cfg.Alerting.Enabled,
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
	}
}

// EventSink adapts the persistence layer into an engine event sink. Insert
// failures are logged but never fed back into the operation that emitted.
func (s *Service) EventSink() engine.EventSink {
	return func(ev engine.Event) {
		if s.events == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		record := storage.LedgerEvent{
			Kind:         string(ev.Kind),
			Account:      ev.From,
			Counterparty: ev.To,
			Token:        ev.Token,
			Amount:       decimal.NewFromBigInt(ev.Amount, -18),
			OccurredAt:   ev.At,
		}
		if ev.DebtCovered != nil {
			covered := decimal.NewFromBigInt(ev.DebtCovered, -18)
			record.DebtCovered = &covered
		}

		if _, err := s.events.InsertLedgerEvent(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("kind", record.Kind).Msg("failed to persist ledger event")
		}
	}
}

// Run begins the aligned scan loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket 执行单个时间桶的健康度扫描。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) error {
	accounts := s.engine.Accounts()
	unhealthy := 0

	for _, account := range accounts {
		if err := s.scanAccount(ctx, bucket, account, &unhealthy); err != nil {
			return err
		}
	}

	s.logger.Info().Time("bucket", bucket).
		Int("accounts", len(accounts)).
		Int("unhealthy", unhealthy).
		Msg("scan completed")
	return nil
}

func (s *Service) scanAccount(ctx context.Context, bucket time.Time, account common.Address, unhealthy *int) error {
	debt, collateralUsd, err := s.engine.GetAccountInformation(ctx, account)
	if err != nil {
		return fmt.Errorf("account information for %s: %w", account.Hex(), err)
	}

	healthFactor := engine.CalculateHealthFactor(debt, collateralUsd)

	status := "healthy"
	if healthFactor.Cmp(engine.MinHealthFactor) < 0 {
		status = "unhealthy"
		*unhealthy++
	}

	snapshot := storage.HealthSnapshot{
		Bucket:        bucket,
		Account:       account,
		CollateralUsd: decimal.NewFromBigInt(collateralUsd, -18),
		Debt:          decimal.NewFromBigInt(debt, -18),
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}

	var healthDec decimal.Decimal
	if debt.Sign() > 0 {
		healthDec = decimal.NewFromBigInt(healthFactor, -18)
		snapshot.HealthFactor = &healthDec
	}

	if s.snapshots != nil {
		if err := s.snapshots.UpsertHealthSnapshot(ctx, snapshot); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Str("account", account.Hex()).Msg("failed to upsert snapshot")
		}
	}

	if debt.Sign() > 0 && healthFactor.Cmp(s.warnFactor) < 0 {
		s.logger.Warn().Time("bucket", bucket).
			Str("account", account.Hex()).
			Str("health_factor", healthDec.String()).
			Msg("account below warn threshold")
		s.dispatchAlert(ctx, bucket, account, healthDec, snapshot)
	}

	return nil
}

func (s *Service) dispatchAlert(ctx context.Context, bucket time.Time, account common.Address, healthDec decimal.Decimal, snapshot storage.HealthSnapshot) {
	if !s.alertsOn || s.notifier == nil {
		return
	}

	if s.alertStore != nil {
		record := storage.AlertRecord{
			SampleTS:     bucket,
			Account:      account,
			HealthFactor: healthDec,
			Threshold:    s.warnDec,
			Channels:     s.channels,
		}
		if _, err := s.alertStore.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Str("account", account.Hex()).Msg("failed to persist alert record")
		}
	}

	note := alerting.Notification{
		Bucket:        bucket,
		Account:       account,
		HealthFactor:  healthDec,
		Threshold:     s.warnDec,
		CollateralUsd: snapshot.CollateralUsd,
		Debt:          snapshot.Debt,
		Channels:      s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Str("account", account.Hex()).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
