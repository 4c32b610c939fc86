package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"hypewatch/internal/alerting"
	"hypewatch/internal/storage"
)

// AddAlertOptions describe a new subscription entered on the command line.
type AddAlertOptions struct {
	ChatID    int64
	Username  string
	Kind      string
	Coin      string
	Symbol    string
	Threshold string
}

// AddAlert creates a subscription, registering the chat as a user first when needed.
func (a *App) AddAlert(ctx context.Context, opts AddAlertOptions) (storage.Subscription, error) {
	if opts.ChatID == 0 {
		return storage.Subscription{}, errors.New("chat id is required")
	}
	kind, err := alerting.ParseKind(opts.Kind)
	if err != nil {
		return storage.Subscription{}, err
	}
	cond, err := alerting.ConditionFromThreshold(kind, opts.Threshold)
	if err != nil {
		return storage.Subscription{}, err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return storage.Subscription{}, err
	}
	defer store.Close()

	user, err := ensureUser(ctx, store, opts.ChatID, opts.Username)
	if err != nil {
		return storage.Subscription{}, err
	}

	sub, err := store.CreateSubscription(ctx, storage.Subscription{
		OwnerID:   user.ID,
		Kind:      kind,
		Target:    alerting.Target{ID: strings.ToLower(strings.TrimSpace(opts.Coin)), Symbol: strings.TrimSpace(opts.Symbol)},
		Condition: cond,
		Active:    true,
	})
	if err != nil {
		return storage.Subscription{}, err
	}

	a.Logger.Info().Int64("subscription_id", sub.ID).Int64("owner_id", user.ID).Str("kind", kind.String()).Str("target", sub.Target.ID).Msg("subscription created")
	return sub, nil
}

// ensureUser returns the existing user for chatID or registers a new one with
// notifications enabled and no quiet hours.
func ensureUser(ctx context.Context, store storage.SubscriptionManager, chatID int64, username string) (storage.User, error) {
	user, err := store.GetUserByChatID(ctx, chatID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, err
	}
	return store.UpsertUser(ctx, storage.User{
		ChatID:               chatID,
		Username:             username,
		NotificationsEnabled: true,
		QuietHours:           alerting.NoQuietHours(),
	})
}

// ListAlerts prints every subscription owned by the chat.
func (a *App) ListAlerts(ctx context.Context, chatID int64) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	user, err := store.GetUserByChatID(ctx, chatID)
	if err != nil {
		return fmt.Errorf("chat %d: %w", chatID, err)
	}
	subs, err := store.ListSubscriptionsByOwner(ctx, user.ID)
	if err != nil {
		return err
	}
	return printSubscriptions(os.Stdout, subs)
}

// DeactivateAlert switches a subscription off. Deactivated subscriptions are never evaluated.
func (a *App) DeactivateAlert(ctx context.Context, id int64) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeactivateSubscription(ctx, id); err != nil {
		return fmt.Errorf("subscription %d: %w", id, err)
	}
	a.Logger.Info().Int64("subscription_id", id).Msg("subscription deactivated")
	return nil
}

func printSubscriptions(out io.Writer, subs []storage.Subscription) error {
	if len(subs) == 0 {
		_, err := fmt.Fprintln(out, "no subscriptions found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tKind\tTarget\tCondition\tActive\tTriggers\tLast Triggered (UTC)")
	for _, sub := range subs {
		target := "*"
		if !sub.Target.IsWildcard() {
			target = sub.Target.DisplaySymbol()
		}
		last := "-"
		if sub.LastTriggered != nil {
			last = sub.LastTriggered.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%t\t%d\t%s\n",
			sub.ID, sub.Kind, sanitizeInline(target), describeCondition(sub), sub.Active, sub.TriggerCount, last)
	}
	return writer.Flush()
}

func describeCondition(sub storage.Subscription) string {
	switch c := sub.Condition.(type) {
	case nil:
		if sub.ConditionErr != nil {
			return "invalid: " + sanitizeInline(sub.ConditionErr.Error())
		}
		return "-"
	case alerting.MetricSpikeCondition:
		return "+" + formatDecimal(c.Threshold, 1)
	case alerting.MetricDropCondition:
		return "-" + formatDecimal(c.Threshold, 1)
	case alerting.PriceChangeCondition:
		return "±" + formatDecimal(c.ThresholdPercent, 1) + "%"
	case alerting.WhaleMoveCondition:
		return ">= $" + formatDecimal(c.ThresholdUSD, 0)
	default:
		return "on event"
	}
}
