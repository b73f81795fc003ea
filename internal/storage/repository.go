package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertLedgerEventSQL = `INSERT INTO ledger_events (
        occurred_at,
        kind,
        account,
        counterparty,
        token,
        amount,
        debt_covered
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    ) RETURNING id;`

	listRecentEventsSQL = `SELECT
        id,
        occurred_at,
        kind,
        account,
        counterparty,
        token,
        amount,
        debt_covered,
        created_at
    FROM ledger_events
    ORDER BY occurred_at DESC, id DESC
    LIMIT $1;`

	countEventsSQL = `SELECT COUNT(*) FROM ledger_events;`

	upsertHealthSnapshotSQL = `INSERT INTO health_snapshots (
        bucket_ts,
        account,
        collateral_usd,
        debt,
        health_factor,
        status
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (bucket_ts, account) DO UPDATE
    SET
        collateral_usd = EXCLUDED.collateral_usd,
        debt           = EXCLUDED.debt,
        health_factor  = EXCLUDED.health_factor,
        status         = EXCLUDED.status;`

	listSnapshotsBetweenSQL = `SELECT
        bucket_ts,
        account,
        collateral_usd,
        debt,
        health_factor,
        status,
        created_at
    FROM health_snapshots
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts, account;`

	listRecentSnapshotsSQL = `SELECT
        bucket_ts,
        account,
        collateral_usd,
        debt,
        health_factor,
        status,
        created_at
    FROM health_snapshots
    ORDER BY bucket_ts DESC, account
    LIMIT $1;`

	insertAlertSQL = `INSERT INTO alerts (
        sample_ts,
        account,
        health_factor,
        threshold,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (sample_ts, account) DO UPDATE
    SET health_factor = EXCLUDED.health_factor,
        threshold     = EXCLUDED.threshold,
        channels      = EXCLUDED.channels
    RETURNING id, sample_ts, account, health_factor, threshold, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        sample_ts,
        account,
        health_factor,
        threshold,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// LedgerEventStore defines operations for engine event persistence.
type LedgerEventStore interface {
	InsertLedgerEvent(ctx context.Context, event LedgerEvent) (int64, error)
	ListRecentEvents(ctx context.Context, limit int) ([]LedgerEvent, error)
	CountEvents(ctx context.Context) (int64, error)
}

// HealthSnapshotStore defines operations for solvency snapshot persistence.
type HealthSnapshotStore interface {
	UpsertHealthSnapshot(ctx context.Context, snapshot HealthSnapshot) error
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]HealthSnapshot, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]HealthSnapshot, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to ledger events, snapshots, and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertLedgerEvent appends one engine event to the log.
func (s *Store) InsertLedgerEvent(ctx context.Context, event LedgerEvent) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var debtCovered interface{}
	if event.DebtCovered != nil {
		debtCovered = event.DebtCovered.String()
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertLedgerEventSQL,
		event.OccurredAt,
		event.Kind,
		event.Account.Hex(),
		event.Counterparty.Hex(),
		event.Token.Hex(),
		event.Amount.String(),
		debtCovered,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert ledger event: %w", scanErr)
	}
	return id, nil
}

// ListRecentEvents lists the most recent ledger events.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]LedgerEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]LedgerEvent, 0, limit)
	for rows.Next() {
		event, scanErr := scanLedgerEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, event)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// CountEvents counts stored ledger events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countEventsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count events: %w", scanErr)
	}
	return count, nil
}

// UpsertHealthSnapshot persists or updates one account's scan snapshot.
func (s *Store) UpsertHealthSnapshot(ctx context.Context, snapshot HealthSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var healthFactor interface{}
	if snapshot.HealthFactor != nil {
		healthFactor = snapshot.HealthFactor.String()
	}

	_, execErr := pool.Exec(ctx, upsertHealthSnapshotSQL,
		snapshot.Bucket,
		snapshot.Account.Hex(),
		snapshot.CollateralUsd.String(),
		snapshot.Debt.String(),
		healthFactor,
		snapshot.Status,
	)
	if execErr != nil {
		return fmt.Errorf("upsert health snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists snapshots within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]HealthSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]HealthSnapshot, 0)
	for rows.Next() {
		snapshot, scanErr := scanHealthSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snapshot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// ListRecentSnapshots lists the most recent snapshots ordered by descending bucket.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]HealthSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]HealthSnapshot, 0, limit)
	for rows.Next() {
		snapshot, scanErr := scanHealthSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snapshot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SampleTS,
		alert.Account.Hex(),
		alert.HealthFactor.String(),
		alert.Threshold.String(),
		alert.Channels,
	)

	rec, scanErr := scanAlertRow(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlertRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanLedgerEvent(rows pgx.Rows) (LedgerEvent, error) {
	var (
		id           int64
		occurredAt   time.Time
		kind         string
		account      string
		counterparty string
		tokenHex     string
		amountStr    string
		debtCovered  sql.NullString
		createdAt    time.Time
	)

	if err := rows.Scan(
		&id,
		&occurredAt,
		&kind,
		&account,
		&counterparty,
		&tokenHex,
		&amountStr,
		&debtCovered,
		&createdAt,
	); err != nil {
		return LedgerEvent{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return LedgerEvent{}, fmt.Errorf("parse event amount: %w", err)
	}

	event := LedgerEvent{
		ID:           id,
		Kind:         kind,
		Account:      common.HexToAddress(account),
		Counterparty: common.HexToAddress(counterparty),
		Token:        common.HexToAddress(tokenHex),
		Amount:       amount,
		OccurredAt:   occurredAt,
		CreatedAt:    createdAt,
	}

	if debtCovered.Valid {
		covered, convErr := decimal.NewFromString(debtCovered.String)
		if convErr != nil {
			return LedgerEvent{}, fmt.Errorf("parse debt covered: %w", convErr)
		}
		event.DebtCovered = &covered
	}

	return event, nil
}

func scanHealthSnapshot(rows pgx.Rows) (HealthSnapshot, error) {
	var (
		bucket        time.Time
		account       string
		collateralStr string
		debtStr       string
		healthStr     sql.NullString
		status        string
		createdAt     time.Time
	)

	if err := rows.Scan(
		&bucket,
		&account,
		&collateralStr,
		&debtStr,
		&healthStr,
		&status,
		&createdAt,
	); err != nil {
		return HealthSnapshot{}, err
	}

	collateralUsd, err := decimal.NewFromString(collateralStr)
	if err != nil {
		return HealthSnapshot{}, fmt.Errorf("parse collateral usd: %w", err)
	}
	debt, err := decimal.NewFromString(debtStr)
	if err != nil {
		return HealthSnapshot{}, fmt.Errorf("parse debt: %w", err)
	}

	snapshot := HealthSnapshot{
		Bucket:        bucket,
		Account:       common.HexToAddress(account),
		CollateralUsd: collateralUsd,
		Debt:          debt,
		Status:        status,
		CreatedAt:     createdAt,
	}

	if healthStr.Valid {
		health, convErr := decimal.NewFromString(healthStr.String)
		if convErr != nil {
			return HealthSnapshot{}, fmt.Errorf("parse health factor: %w", convErr)
		}
		snapshot.HealthFactor = &health
	}

	return snapshot, nil
}

func scanAlertRow(row pgx.Row) (AlertRecord, error) {
	var (
		rec          AlertRecord
		account      string
		healthStr    string
		thresholdStr string
	)

	if err := row.Scan(
		&rec.ID,
		&rec.SampleTS,
		&account,
		&healthStr,
		&thresholdStr,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	rec.Account = common.HexToAddress(account)

	var convErr error
	rec.HealthFactor, convErr = decimal.NewFromString(healthStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse health factor: %w", convErr)
	}
	rec.Threshold, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold: %w", convErr)
	}

	return rec, nil
}
