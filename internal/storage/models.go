package storage

import (
	"time"

	"hypewatch/internal/alerting"
)

// User owns subscriptions and receives their notifications.
type User struct {
	ID                   int64
	ChatID               int64
	Username             string
	NotificationsEnabled bool
	QuietHours           alerting.QuietHours
	CreatedAt            time.Time
}

// Subscription is a standing request to be notified about one kind of condition.
// A zero Target.ID subscribes to every target.
type Subscription struct {
	ID            int64
	OwnerID       int64
	Kind          alerting.Kind
	Target        alerting.Target
	Condition     alerting.Condition
	Active        bool
	TriggerCount  int64
	LastTriggered *time.Time
	CreatedAt     time.Time
	// ConditionErr is set when the stored parameters could not be decoded; Condition is nil then.
	ConditionErr error
}

// RankedCoin is one entry of a trending snapshot.
type RankedCoin struct {
	ID            string `json:"id"`
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	MarketCapRank int    `json:"market_cap_rank,omitempty"`
	Position      int    `json:"position"`
}

// TrendingSnapshot is an immutable, timestamped trending list.
type TrendingSnapshot struct {
	ID        int64
	Coins     []RankedCoin
	Source    string
	CreatedAt time.Time
}
