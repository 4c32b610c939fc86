package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"hypewatch/internal/alerting"
)

// ErrDelivery marks a failed send. Callers leave cooldown and trigger bookkeeping untouched.
var ErrDelivery = errors.New("delivery failed")

// Gateway delivers a rendered message to a chat.
type Gateway interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Delivery is the record of one successfully delivered alert.
type Delivery struct {
	SubscriptionID int64          `json:"subscription_id"`
	OwnerID        int64          `json:"owner_id"`
	ChatID         int64          `json:"chat_id"`
	Event          alerting.Event `json:"event"`
	Text           string         `json:"text"`
	DeliveredAt    time.Time      `json:"delivered_at"`
}

// EventSink receives delivered alerts for downstream consumers.
type EventSink interface {
	Publish(ctx context.Context, d Delivery) error
}

// LogGateway writes messages to the log instead of sending them. Used for dry runs.
type LogGateway struct {
	logger zerolog.Logger
}

// NewLogGateway constructs a dry-run gateway.
func NewLogGateway(logger zerolog.Logger) *LogGateway {
	return &LogGateway{logger: logger.With().Str("component", "dry_run_gateway").Logger()}
}

// Send logs the message.
func (g *LogGateway) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(ErrDelivery, err)
	}
	g.logger.Info().Int64("chat_id", chatID).Str("text", text).Msg("dry run: alert not sent")
	return nil
}

var _ Gateway = (*LogGateway)(nil)
