package storage

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hypewatch/internal/alerting"
	"hypewatch/internal/config"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// AlertStore is the narrow surface the alerting loops depend on.
type AlertStore interface {
	ListActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	GetOwner(ctx context.Context, sub Subscription) (User, error)
	MarkTriggered(ctx context.Context, subscriptionID int64, at time.Time) error
	AppendTrendingSnapshot(ctx context.Context, coins []RankedCoin, source string, at time.Time) error
}

// SubscriptionManager manages users and their subscriptions.
type SubscriptionManager interface {
	UpsertUser(ctx context.Context, user User) (User, error)
	GetUserByChatID(ctx context.Context, chatID int64) (User, error)
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]Subscription, error)
	DeactivateSubscription(ctx context.Context, id int64) error
}

// TrendingHistory reads stored trending snapshots.
type TrendingHistory interface {
	ListTrendingSnapshots(ctx context.Context, limit int) ([]TrendingSnapshot, error)
	ListTrendingSnapshotsBetween(ctx context.Context, from, to time.Time) ([]TrendingSnapshot, error)
}

// Store aggregates every storage capability of a backend.
type Store interface {
	AlertStore
	SubscriptionManager
	TrendingHistory
	Migrate(ctx context.Context) error
	Close()
}

// Options tune row mapping.
type Options struct {
	// QuietHoursDisabled is written into users whose quiet hours are NULL.
	QuietHoursDisabled int
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts Options) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err = OpenPostgres(ctx, cfg, opts)
	case config.DriverSQLite, "":
		store, err = OpenSQLite(ctx, cfg, opts)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func readMigration(name string) (string, error) {
	raw, err := migrationFS.ReadFile("migrations/" + name)
	if err != nil {
		return "", fmt.Errorf("read migration %s: %w", name, err)
	}
	return string(raw), nil
}

func validateSubscription(sub Subscription) ([]byte, error) {
	if sub.OwnerID <= 0 {
		return nil, errors.New("subscription owner is required")
	}
	if !sub.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", alerting.ErrInvalidCondition, sub.Kind)
	}
	if sub.Condition == nil {
		return nil, fmt.Errorf("%w: condition is required", alerting.ErrInvalidCondition)
	}
	if sub.Condition.Kind() != sub.Kind {
		return nil, fmt.Errorf("%w: %s condition on %s subscription", alerting.ErrInvalidCondition, sub.Condition.Kind(), sub.Kind)
	}
	return alerting.EncodeCondition(sub.Condition)
}

func decodeCondition(sub *Subscription, kind string, raw []byte) {
	sub.Kind = alerting.Kind(kind)
	cond, err := alerting.DecodeCondition(sub.Kind, raw)
	if err != nil {
		sub.ConditionErr = err
		return
	}
	sub.Condition = cond
}

func encodeCoins(coins []RankedCoin) ([]byte, error) {
	if coins == nil {
		coins = []RankedCoin{}
	}
	raw, err := json.Marshal(coins)
	if err != nil {
		return nil, fmt.Errorf("marshal trending coins: %w", err)
	}
	return raw, nil
}

func decodeCoins(raw []byte) ([]RankedCoin, error) {
	var coins []RankedCoin
	if err := json.Unmarshal(raw, &coins); err != nil {
		return nil, fmt.Errorf("decode trending coins: %w", err)
	}
	return coins, nil
}

func quietHours(start, end *int64, disabled int) alerting.QuietHours {
	q := alerting.QuietHours{Start: disabled, End: disabled}
	if start != nil && end != nil {
		q.Start = int(*start)
		q.End = int(*end)
	}
	return q
}

func quietHoursArgs(q alerting.QuietHours) (any, any) {
	if !q.Enabled() {
		return nil, nil
	}
	return q.Start, q.End
}
