package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTarget struct {
	calls atomic.Int32
	err   error
}

func (t *countingTarget) SweepExpired(ctx context.Context) (int, error) {
	t.calls.Add(1)
	return 1, t.err
}

func newSweeper(target ExpiryTarget, interval time.Duration) *ExpirySweeper {
	return NewExpirySweeper(target, interval, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSweeperTicks(t *testing.T) {
	target := &countingTarget{}
	w := newSweeper(target, 10*time.Millisecond)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	assert.Eventually(t, func() bool { return target.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())

	calls := target.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, target.calls.Load())
}

func TestSweeperRestart(t *testing.T) {
	target := &countingTarget{}
	w := newSweeper(target, 10*time.Millisecond)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	require.NoError(t, w.Start(context.Background()))
	assert.Eventually(t, func() bool { return target.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop())
}

func TestSweeperStopsWithContext(t *testing.T) {
	target := &countingTarget{}
	w := newSweeper(target, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, w.Start(ctx))
	cancel()
	require.NoError(t, w.Stop())
}

func TestRunOnceSurvivesErrors(t *testing.T) {
	target := &countingTarget{err: errors.New("disk full")}
	w := newSweeper(target, time.Hour)

	w.RunOnce(context.Background())
	w.RunOnce(context.Background())
	assert.Equal(t, int32(2), target.calls.Load())
}
