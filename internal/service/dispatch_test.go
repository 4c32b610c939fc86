package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypewatch/internal/alerting"
	"hypewatch/internal/state"
	"hypewatch/internal/storage"
)

// deadlineGateway succeeds, then expires the caller's cycle context.
type deadlineGateway struct {
	expire context.CancelFunc
}

func (g *deadlineGateway) Send(ctx context.Context, chatID int64, text string) error {
	g.expire()
	return nil
}

type ctxRecorder struct {
	mu     sync.Mutex
	calls  int
	ctxErr error
}

func (r *ctxRecorder) MarkTriggered(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.ctxErr = ctx.Err()
	return ctx.Err()
}

func TestDeliverRecordsTriggerAfterCycleDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cooldown := state.NewCooldownTracker(time.Now)
	recorder := &ctxRecorder{}
	sink := &fakeSink{}
	d := NewDispatcher(&deadlineGateway{expire: cancel}, sink, cooldown, recorder, DispatcherOptions{Timeout: time.Second}, zerolog.Nop())

	ev, ok := alerting.EvaluateRedFlag(alerting.Target{ID: "pepe", Symbol: "pepe"}, []string{"micro cap"}, time.Now())
	require.True(t, ok)

	sub := storage.Subscription{ID: 7, OwnerID: 1, Kind: alerting.KindRedFlag, Active: true}
	owner := storage.User{ID: 1, ChatID: 1001, NotificationsEnabled: true}
	require.NoError(t, d.Deliver(ctx, sub, owner, ev))

	require.Error(t, ctx.Err(), "周期上下文已过期")
	_, fired := cooldown.LastFired(ev.DedupKey)
	assert.True(t, fired)
	assert.Equal(t, 1, recorder.calls)
	assert.NoError(t, recorder.ctxErr, "发送成功后的记账不受周期超时影响")
	assert.Len(t, sink.delivered(), 1)
}
