package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// TelegramOptions configure the Telegram gateway.
type TelegramOptions struct {
	Token   string
	APIBase string
	Timeout time.Duration
	// RatePerSecond caps outgoing messages; Telegram allows about 30/s per bot.
	RatePerSecond int
	ParseMode     tele.ParseMode
}

// TelegramGateway 通过 Telegram Bot API 推送消息。
type TelegramGateway struct {
	bot       *tele.Bot
	limiter   *rate.Limiter
	parseMode tele.ParseMode
	logger    zerolog.Logger
}

// NewTelegramGateway 构造 Telegram 网关。The bot is created offline, so no
// network call happens until the first send.
func NewTelegramGateway(opts TelegramOptions, logger zerolog.Logger) (*TelegramGateway, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("telegram bot token is empty")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(opts.APIBase, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	rps := opts.RatePerSecond
	if rps <= 0 {
		rps = 25
	}
	parseMode := opts.ParseMode
	if parseMode == "" {
		parseMode = tele.ModeMarkdown
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     base,
		Token:   opts.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &TelegramGateway{
		bot:       bot,
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		parseMode: parseMode,
		logger:    logger.With().Str("component", "telegram_gateway").Logger(),
	}, nil
}

// Send 调用 sendMessage 推送文本。
func (g *TelegramGateway) Send(ctx context.Context, chatID int64, text string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", ErrDelivery, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}

	msg, err := g.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ParseMode:             g.parseMode,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("%w: telegram send to %d: %w", ErrDelivery, chatID, err)
	}

	g.logger.Debug().Int64("chat_id", chatID).Int("message_id", msg.ID).Msg("message sent")
	return nil
}

var _ Gateway = (*TelegramGateway)(nil)
