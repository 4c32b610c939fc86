package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hypewatch/internal/config"
)

const (
	pgSubscriptionColumns = `id, owner_id, kind, target_id, target_symbol, target_name,
        condition_json, active, trigger_count, last_triggered, created_at`

	pgListActiveSQL = `SELECT ` + pgSubscriptionColumns + `
    FROM subscriptions
    WHERE active
    ORDER BY owner_id, id;`

	pgListByOwnerSQL = `SELECT ` + pgSubscriptionColumns + `
    FROM subscriptions
    WHERE owner_id = $1
    ORDER BY id;`

	pgInsertSubscriptionSQL = `INSERT INTO subscriptions (
        owner_id, kind, target_id, target_symbol, target_name, condition_json
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING id, created_at;`

	pgMarkTriggeredSQL = `UPDATE subscriptions
    SET trigger_count = trigger_count + 1, last_triggered = $2
    WHERE id = $1;`

	pgDeactivateSQL = `UPDATE subscriptions SET active = FALSE WHERE id = $1;`

	pgUserColumns = `id, chat_id, username, notifications_enabled, quiet_hours_start, quiet_hours_end, created_at`

	pgGetUserSQL = `SELECT ` + pgUserColumns + ` FROM users WHERE id = $1;`

	pgGetUserByChatSQL = `SELECT ` + pgUserColumns + ` FROM users WHERE chat_id = $1;`

	pgUpsertUserSQL = `INSERT INTO users (
        chat_id, username, notifications_enabled, quiet_hours_start, quiet_hours_end
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (chat_id) DO UPDATE
    SET username              = EXCLUDED.username,
        notifications_enabled = EXCLUDED.notifications_enabled,
        quiet_hours_start     = EXCLUDED.quiet_hours_start,
        quiet_hours_end       = EXCLUDED.quiet_hours_end
    RETURNING ` + pgUserColumns + `;`

	pgAppendTrendingSQL = `INSERT INTO trending_snapshots (coins, source, created_at) VALUES ($1,$2,$3);`

	pgListTrendingSQL = `SELECT id, coins, source, created_at
    FROM trending_snapshots
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	pgListTrendingBetweenSQL = `SELECT id, coins, source, created_at
    FROM trending_snapshots
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at, id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// PostgresStore is the pgx-backed alert store.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// OpenPostgres creates the pool and wraps it in a store.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, opts Options) (*PostgresStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewPostgresStore(pool, opts), nil
}

// NewPostgresStore wires a pgx pool into a store.
func NewPostgresStore(pool *pgxpool.Pool, opts Options) *PostgresStore {
	return &PostgresStore{pool: pool, opts: opts}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate applies the embedded schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	script, err := readMigration("postgres.sql")
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, script); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
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
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// ListActiveSubscriptions returns every active subscription ordered by owner.
func (s *PostgresStore) ListActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubscriptions(ctx, "list active subscriptions", pgListActiveSQL)
}

// ListSubscriptionsByOwner returns all subscriptions of one owner, active or not.
func (s *PostgresStore) ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]Subscription, error) {
	return s.querySubscriptions(ctx, "list subscriptions by owner", pgListByOwnerSQL, ownerID)
}

func (s *PostgresStore) querySubscriptions(ctx context.Context, op, query string, args ...any) ([]Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	subs := make([]Subscription, 0)
	for rows.Next() {
		sub, scanErr := scanPgSubscription(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// GetOwner resolves the user owning sub.
func (s *PostgresStore) GetOwner(ctx context.Context, sub Subscription) (User, error) {
	return s.queryUser(ctx, pgGetUserSQL, sub.OwnerID)
}

// GetUserByChatID resolves a user by chat id.
func (s *PostgresStore) GetUserByChatID(ctx context.Context, chatID int64) (User, error) {
	return s.queryUser(ctx, pgGetUserByChatSQL, chatID)
}

func (s *PostgresStore) queryUser(ctx context.Context, query string, arg int64) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}
	user, err := s.scanUser(pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// UpsertUser inserts or updates the user identified by ChatID.
func (s *PostgresStore) UpsertUser(ctx context.Context, user User) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}
	if user.ChatID == 0 {
		return User{}, errors.New("user chat id is required")
	}

	start, end := quietHoursArgs(user.QuietHours)
	saved, err := s.scanUser(pool.QueryRow(ctx, pgUpsertUserSQL,
		user.ChatID,
		user.Username,
		user.NotificationsEnabled,
		start,
		end,
	))
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return saved, nil
}

// CreateSubscription validates and stores a new active subscription.
func (s *PostgresStore) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return Subscription{}, err
	}
	condJSON, err := validateSubscription(sub)
	if err != nil {
		return Subscription{}, err
	}

	if err := pool.QueryRow(ctx, pgInsertSubscriptionSQL,
		sub.OwnerID,
		string(sub.Kind),
		sub.Target.ID,
		sub.Target.Symbol,
		sub.Target.Name,
		condJSON,
	).Scan(&sub.ID, &sub.CreatedAt); err != nil {
		return Subscription{}, fmt.Errorf("create subscription: %w", err)
	}

	sub.Active = true
	sub.TriggerCount = 0
	sub.LastTriggered = nil
	return sub, nil
}

// DeactivateSubscription flips the active flag off.
func (s *PostgresStore) DeactivateSubscription(ctx context.Context, id int64) error {
	return s.execAffectingOne(ctx, "deactivate subscription", pgDeactivateSQL, id)
}

// MarkTriggered increments trigger_count and stamps last_triggered in one statement.
func (s *PostgresStore) MarkTriggered(ctx context.Context, subscriptionID int64, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	return s.execAffectingOne(ctx, "mark triggered", pgMarkTriggeredSQL, subscriptionID, at.UTC())
}

func (s *PostgresStore) execAffectingOne(ctx context.Context, op, query string, args ...any) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, query, args...)
	if execErr != nil {
		return fmt.Errorf("%s: %w", op, execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// AppendTrendingSnapshot stores an immutable trending snapshot.
func (s *PostgresStore) AppendTrendingSnapshot(ctx context.Context, coins []RankedCoin, source string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	raw, err := encodeCoins(coins)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}
	if _, execErr := pool.Exec(ctx, pgAppendTrendingSQL, raw, source, at.UTC()); execErr != nil {
		return fmt.Errorf("append trending snapshot: %w", execErr)
	}
	return nil
}

// ListTrendingSnapshots returns the newest snapshots first.
func (s *PostgresStore) ListTrendingSnapshots(ctx context.Context, limit int) ([]TrendingSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryTrending(ctx, "list trending snapshots", pgListTrendingSQL, limit)
}

// ListTrendingSnapshotsBetween returns snapshots in [from, to) oldest first.
func (s *PostgresStore) ListTrendingSnapshotsBetween(ctx context.Context, from, to time.Time) ([]TrendingSnapshot, error) {
	return s.queryTrending(ctx, "list trending snapshots between", pgListTrendingBetweenSQL, from, to)
}

func (s *PostgresStore) queryTrending(ctx context.Context, op, query string, args ...any) ([]TrendingSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	snaps := make([]TrendingSnapshot, 0)
	for rows.Next() {
		var (
			snap  TrendingSnapshot
			coins []byte
		)
		if err := rows.Scan(&snap.ID, &coins, &snap.Source, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if snap.Coins, err = decodeCoins(coins); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func scanPgSubscription(rows pgx.Rows) (Subscription, error) {
	var (
		sub      Subscription
		kind     string
		condJSON []byte
	)
	if err := rows.Scan(
		&sub.ID,
		&sub.OwnerID,
		&kind,
		&sub.Target.ID,
		&sub.Target.Symbol,
		&sub.Target.Name,
		&condJSON,
		&sub.Active,
		&sub.TriggerCount,
		&sub.LastTriggered,
		&sub.CreatedAt,
	); err != nil {
		return Subscription{}, err
	}
	decodeCondition(&sub, kind, condJSON)
	return sub, nil
}

func (s *PostgresStore) scanUser(row pgx.Row) (User, error) {
	var (
		user       User
		start, end *int64
	)
	if err := row.Scan(
		&user.ID,
		&user.ChatID,
		&user.Username,
		&user.NotificationsEnabled,
		&start,
		&end,
		&user.CreatedAt,
	); err != nil {
		return User{}, err
	}
	user.QuietHours = quietHours(start, end, s.opts.QuietHoursDisabled)
	return user, nil
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
