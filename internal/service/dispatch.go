package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hypewatch/internal/alerting"
	"hypewatch/internal/metrics"
	"hypewatch/internal/notify"
	"hypewatch/internal/storage"
)

// Reasons a subscription is skipped before evaluation.
const (
	skipNotificationsOff = "notifications_disabled"
	skipQuietHours       = "quiet_hours"
	skipOwnerMissing     = "owner_missing"
	skipInvalidCondition = "invalid_condition"
	skipMissingSnapshot  = "missing_snapshot"
)

// bookkeepingTimeout bounds the trigger write and sink publish after a successful send.
const bookkeepingTimeout = 5 * time.Second

// CooldownMarker records that a dedup key fired.
type CooldownMarker interface {
	MarkFired(key string, at time.Time)
}

// TriggerRecorder persists trigger bookkeeping for a subscription.
type TriggerRecorder interface {
	MarkTriggered(ctx context.Context, subscriptionID int64, at time.Time) error
}

// DispatcherOptions tune delivery.
type DispatcherOptions struct {
	Timeout time.Duration
	Now     func() time.Time
}

// Dispatcher renders events, sends them and, only after a successful send,
// marks the cooldown key fired and records the trigger.
type Dispatcher struct {
	gateway  notify.Gateway
	sink     notify.EventSink
	cooldown CooldownMarker
	triggers TriggerRecorder
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewDispatcher constructs a Dispatcher. sink may be nil.
func NewDispatcher(gateway notify.Gateway, sink notify.EventSink, cooldown CooldownMarker, triggers TriggerRecorder, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		gateway:  gateway,
		sink:     sink,
		cooldown: cooldown,
		triggers: triggers,
		timeout:  opts.Timeout,
		now:      opts.Now,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Deliver sends ev to owner on behalf of sub. A failed send leaves cooldown
// and trigger bookkeeping untouched and returns an error wrapping notify.ErrDelivery.
func (d *Dispatcher) Deliver(ctx context.Context, sub storage.Subscription, owner storage.User, ev alerting.Event) error {
	text := alerting.RenderMessage(ev)
	logger := d.logger.With().
		Int64("subscription_id", sub.ID).
		Int64("owner_id", sub.OwnerID).
		Str("kind", string(ev.Kind)).
		Str("target", ev.Target.ID).
		Str("dedup_key", ev.DedupKey).
		Logger()

	sendCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := d.gateway.Send(sendCtx, owner.ChatID, text); err != nil {
		metrics.DeliveryFailures.WithLabelValues(string(ev.Kind)).Inc()
		logger.Error().Err(err).Msg("failed to deliver alert")
		if !errors.Is(err, notify.ErrDelivery) {
			err = fmt.Errorf("%w: %w", notify.ErrDelivery, err)
		}
		return err
	}

	// The message is out; record it even if the cycle deadline has passed meanwhile.
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancelRecord()

	at := d.now()
	d.cooldown.MarkFired(ev.DedupKey, at)
	if err := d.triggers.MarkTriggered(recordCtx, sub.ID, at); err != nil {
		logger.Error().Err(err).Msg("failed to record trigger")
	}

	metrics.AlertsDelivered.WithLabelValues(string(ev.Kind), string(ev.Severity)).Inc()
	logger.Info().Str("severity", string(ev.Severity)).Msg("alert delivered")

	if d.sink != nil {
		delivery := notify.Delivery{
			SubscriptionID: sub.ID,
			OwnerID:        sub.OwnerID,
			ChatID:         owner.ChatID,
			Event:          ev,
			Text:           text,
			DeliveredAt:    at,
		}
		if err := d.sink.Publish(recordCtx, delivery); err != nil {
			logger.Warn().Err(err).Msg("failed to publish delivered alert")
		}
	}
	return nil
}

// gateReason reports why owner must not be notified at now, or "" when delivery is allowed.
func gateReason(owner storage.User, now time.Time, loc *time.Location) string {
	if !owner.NotificationsEnabled {
		return skipNotificationsOff
	}
	if loc == nil {
		loc = time.Local
	}
	if owner.QuietHours.Contains(now.In(loc).Hour()) {
		return skipQuietHours
	}
	return ""
}

func activeOf(subs []storage.Subscription, keep func(storage.Subscription) bool) []storage.Subscription {
	out := make([]storage.Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.Active && keep(sub) {
			out = append(out, sub)
		}
	}
	return out
}

// groupByOwner keeps the first-seen owner order.
func groupByOwner(subs []storage.Subscription) [][]storage.Subscription {
	index := make(map[int64]int)
	var groups [][]storage.Subscription
	for _, sub := range subs {
		i, ok := index[sub.OwnerID]
		if !ok {
			i = len(groups)
			index[sub.OwnerID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], sub)
	}
	return groups
}

func usableCondition(logger zerolog.Logger, sub storage.Subscription) bool {
	if sub.ConditionErr != nil || sub.Condition == nil {
		metrics.AlertsSkipped.WithLabelValues(skipInvalidCondition).Inc()
		logger.Warn().Err(sub.ConditionErr).Int64("subscription_id", sub.ID).Msg("subscription has no usable condition")
		return false
	}
	return true
}
