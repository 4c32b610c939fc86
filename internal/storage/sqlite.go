package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hypewatch/internal/config"
)

// sqliteTimeLayout sorts lexically in chronological order.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

const (
	sqliteSubscriptionColumns = `id, owner_id, kind, target_id, target_symbol, target_name,
        condition_json, active, trigger_count, last_triggered, created_at`

	sqliteListActiveSQL = `SELECT ` + sqliteSubscriptionColumns + `
    FROM subscriptions
    WHERE active = 1
    ORDER BY owner_id, id;`

	sqliteListByOwnerSQL = `SELECT ` + sqliteSubscriptionColumns + `
    FROM subscriptions
    WHERE owner_id = ?
    ORDER BY id;`

	sqliteInsertSubscriptionSQL = `INSERT INTO subscriptions (
        owner_id, kind, target_id, target_symbol, target_name, condition_json, active, created_at
    ) VALUES (?,?,?,?,?,?,1,?)
    RETURNING id;`

	sqliteMarkTriggeredSQL = `UPDATE subscriptions
    SET trigger_count = trigger_count + 1, last_triggered = ?
    WHERE id = ?;`

	sqliteDeactivateSQL = `UPDATE subscriptions SET active = 0 WHERE id = ?;`

	sqliteUserColumns = `id, chat_id, username, notifications_enabled, quiet_hours_start, quiet_hours_end, created_at`

	sqliteGetUserSQL = `SELECT ` + sqliteUserColumns + ` FROM users WHERE id = ?;`

	sqliteGetUserByChatSQL = `SELECT ` + sqliteUserColumns + ` FROM users WHERE chat_id = ?;`

	sqliteUpsertUserSQL = `INSERT INTO users (
        chat_id, username, notifications_enabled, quiet_hours_start, quiet_hours_end, created_at
    ) VALUES (?,?,?,?,?,?)
    ON CONFLICT (chat_id) DO UPDATE
    SET username              = excluded.username,
        notifications_enabled = excluded.notifications_enabled,
        quiet_hours_start     = excluded.quiet_hours_start,
        quiet_hours_end       = excluded.quiet_hours_end
    RETURNING ` + sqliteUserColumns + `;`

	sqliteAppendTrendingSQL = `INSERT INTO trending_snapshots (coins, source, created_at) VALUES (?,?,?);`

	sqliteListTrendingSQL = `SELECT id, coins, source, created_at
    FROM trending_snapshots
    ORDER BY created_at DESC, id DESC
    LIMIT ?;`

	sqliteListTrendingBetweenSQL = `SELECT id, coins, source, created_at
    FROM trending_snapshots
    WHERE created_at >= ? AND created_at < ?
    ORDER BY created_at, id;`
)

// SQLiteStore is the embedded alert store.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) the database at cfg.Path, or cfg.DSN when set.
func OpenSQLite(ctx context.Context, cfg config.DatabaseConfig, opts Options) (*SQLiteStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, errors.New("sqlite path is required")
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db, opts: opts, now: time.Now}, nil
}

// Migrate applies the embedded schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	script, err := readMigration("sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// ListActiveSubscriptions returns every active subscription ordered by owner.
func (s *SQLiteStore) ListActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubscriptions(ctx, "list active subscriptions", sqliteListActiveSQL)
}

// ListSubscriptionsByOwner returns all subscriptions of one owner, active or not.
func (s *SQLiteStore) ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]Subscription, error) {
	return s.querySubscriptions(ctx, "list subscriptions by owner", sqliteListByOwnerSQL, ownerID)
}

func (s *SQLiteStore) querySubscriptions(ctx context.Context, op, query string, args ...any) ([]Subscription, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	subs := make([]Subscription, 0)
	for rows.Next() {
		sub, err := scanSQLiteSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subs, nil
}

// GetOwner resolves the user owning sub.
func (s *SQLiteStore) GetOwner(ctx context.Context, sub Subscription) (User, error) {
	return s.queryUser(ctx, sqliteGetUserSQL, sub.OwnerID)
}

// GetUserByChatID resolves a user by chat id.
func (s *SQLiteStore) GetUserByChatID(ctx context.Context, chatID int64) (User, error) {
	return s.queryUser(ctx, sqliteGetUserByChatSQL, chatID)
}

func (s *SQLiteStore) queryUser(ctx context.Context, query string, arg int64) (User, error) {
	db, err := s.getDB()
	if err != nil {
		return User{}, err
	}
	user, err := s.scanUser(db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// UpsertUser inserts or updates the user identified by ChatID.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user User) (User, error) {
	db, err := s.getDB()
	if err != nil {
		return User{}, err
	}
	if user.ChatID == 0 {
		return User{}, errors.New("user chat id is required")
	}

	start, end := quietHoursArgs(user.QuietHours)
	row := db.QueryRowContext(ctx, sqliteUpsertUserSQL,
		user.ChatID,
		user.Username,
		boolToInt(user.NotificationsEnabled),
		start,
		end,
		s.now().UTC().Format(sqliteTimeLayout),
	)
	saved, err := s.scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return saved, nil
}

// CreateSubscription validates and stores a new active subscription.
func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	db, err := s.getDB()
	if err != nil {
		return Subscription{}, err
	}
	condJSON, err := validateSubscription(sub)
	if err != nil {
		return Subscription{}, err
	}

	created := s.now().UTC()
	var id int64
	if err := db.QueryRowContext(ctx, sqliteInsertSubscriptionSQL,
		sub.OwnerID,
		string(sub.Kind),
		sub.Target.ID,
		sub.Target.Symbol,
		sub.Target.Name,
		string(condJSON),
		created.Format(sqliteTimeLayout),
	).Scan(&id); err != nil {
		return Subscription{}, fmt.Errorf("create subscription: %w", err)
	}

	sub.ID = id
	sub.Active = true
	sub.TriggerCount = 0
	sub.LastTriggered = nil
	sub.CreatedAt = created
	return sub, nil
}

// DeactivateSubscription flips the active flag off.
func (s *SQLiteStore) DeactivateSubscription(ctx context.Context, id int64) error {
	return s.execAffectingOne(ctx, "deactivate subscription", sqliteDeactivateSQL, id)
}

// MarkTriggered increments trigger_count and stamps last_triggered in one statement.
func (s *SQLiteStore) MarkTriggered(ctx context.Context, subscriptionID int64, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	return s.execAffectingOne(ctx, "mark triggered", sqliteMarkTriggeredSQL, at.UTC().Format(sqliteTimeLayout), subscriptionID)
}

func (s *SQLiteStore) execAffectingOne(ctx context.Context, op, query string, args ...any) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// AppendTrendingSnapshot stores an immutable trending snapshot.
func (s *SQLiteStore) AppendTrendingSnapshot(ctx context.Context, coins []RankedCoin, source string, at time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	raw, err := encodeCoins(coins)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}
	if _, err := db.ExecContext(ctx, sqliteAppendTrendingSQL, string(raw), source, at.UTC().Format(sqliteTimeLayout)); err != nil {
		return fmt.Errorf("append trending snapshot: %w", err)
	}
	return nil
}

// ListTrendingSnapshots returns the newest snapshots first.
func (s *SQLiteStore) ListTrendingSnapshots(ctx context.Context, limit int) ([]TrendingSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryTrending(ctx, "list trending snapshots", sqliteListTrendingSQL, limit)
}

// ListTrendingSnapshotsBetween returns snapshots in [from, to) oldest first.
func (s *SQLiteStore) ListTrendingSnapshotsBetween(ctx context.Context, from, to time.Time) ([]TrendingSnapshot, error) {
	return s.queryTrending(ctx, "list trending snapshots between", sqliteListTrendingBetweenSQL,
		from.UTC().Format(sqliteTimeLayout), to.UTC().Format(sqliteTimeLayout))
}

func (s *SQLiteStore) queryTrending(ctx context.Context, op, query string, args ...any) ([]TrendingSnapshot, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	snaps := make([]TrendingSnapshot, 0)
	for rows.Next() {
		var (
			snap      TrendingSnapshot
			coins     string
			createdAt string
		)
		if err := rows.Scan(&snap.ID, &coins, &snap.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if snap.Coins, err = decodeCoins([]byte(coins)); err != nil {
			return nil, err
		}
		if snap.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return snaps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSubscription(row rowScanner) (Subscription, error) {
	var (
		sub           Subscription
		kind          string
		condJSON      string
		active        int64
		lastTriggered sql.NullString
		createdAt     string
	)
	if err := row.Scan(
		&sub.ID,
		&sub.OwnerID,
		&kind,
		&sub.Target.ID,
		&sub.Target.Symbol,
		&sub.Target.Name,
		&condJSON,
		&active,
		&sub.TriggerCount,
		&lastTriggered,
		&createdAt,
	); err != nil {
		return Subscription{}, err
	}

	sub.Active = active != 0
	decodeCondition(&sub, kind, []byte(condJSON))

	var err error
	if sub.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return Subscription{}, err
	}
	if lastTriggered.Valid {
		at, err := parseSQLiteTime(lastTriggered.String)
		if err != nil {
			return Subscription{}, err
		}
		sub.LastTriggered = &at
	}
	return sub, nil
}

func (s *SQLiteStore) scanUser(row rowScanner) (User, error) {
	var (
		user       User
		enabled    int64
		start, end sql.NullInt64
		createdAt  string
	)
	if err := row.Scan(&user.ID, &user.ChatID, &user.Username, &enabled, &start, &end, &createdAt); err != nil {
		return User{}, err
	}
	user.NotificationsEnabled = enabled != 0
	user.QuietHours = quietHours(nullInt(start), nullInt(end), s.opts.QuietHoursDisabled)

	var err error
	if user.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return User{}, err
	}
	return user, nil
}

func parseSQLiteTime(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(sqliteTimeLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sqlite time %q: %w", raw, err)
	}
	return t, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
