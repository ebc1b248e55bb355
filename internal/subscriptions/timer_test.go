package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimer_RejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	_, err := NewTimer(f.svc, "every now and then", nil)
	assert.Error(t, err)

	timer, err := NewTimer(f.svc, "", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepSchedule, timer.schedule)
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	timer, err := NewTimer(f.svc, "@every 1h", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestTimer_SafeSweepExpiresLapsed(t *testing.T) {
	f := newFixture(t)
	f.svc.WithGracePeriod(0)
	sub := f.createActive(t, "c1", time.Now().AddDate(0, -2, 0))

	timer, err := NewTimer(f.svc, "@every 1h", nil)
	require.NoError(t, err)
	timer.safeSweep(context.Background())

	got, err := f.svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}
