package panda_arm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func translated(x float64) TargetCommand {
	t := identityTransform
	t[12] = x
	return TargetCommand{Transform: t}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewControlBridge(0)
	b.PublishState(RobotState{Time: time.Millisecond})
	b.PublishState(RobotState{Time: 2 * time.Millisecond})

	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, 0, stats.Subscribers)
}

func TestSubscriberDropsOldest(t *testing.T) {
	b := NewControlBridge(2)
	slow := b.Subscribe()
	fast := b.Subscribe()
	ctx := context.Background()

	b.PublishState(RobotState{Time: 1})
	got, err := fast.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(1), got.Time)

	b.PublishState(RobotState{Time: 2})
	b.PublishState(RobotState{Time: 3})

	assert.Equal(t, uint64(1), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Equal(t, uint64(1), b.Stats().Dropped)

	for _, want := range []time.Duration{2, 3} {
		got, err := slow.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.Time)
	}
	for _, want := range []time.Duration{2, 3} {
		got, err := fast.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.Time)
	}
}

func TestLatestSubscriberIsNotCountedAsDropping(t *testing.T) {
	b := NewControlBridge(2)
	latest := b.SubscribeLatest()
	queued := b.Subscribe()

	for i := 1; i <= 1000; i++ {
		b.PublishState(RobotState{Time: time.Duration(i)})
	}

	got, err := latest.Latest()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(1000), got.Time)
	assert.Equal(t, uint64(0), latest.Dropped())

	// only the bounded queue's losses are reported
	assert.Equal(t, uint64(998), queued.Dropped())
	assert.Equal(t, uint64(998), b.Stats().Dropped)

	b.Unsubscribe(queued)
	b.PublishState(RobotState{Time: 1001})
	got, err = latest.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Duration(1001), got.Time)
	assert.Equal(t, uint64(998), b.Stats().Dropped)
}

func TestCommandLastWriteWins(t *testing.T) {
	b := NewControlBridge(0)
	sender, err := b.NewCommandSender()
	require.NoError(t, err)
	defer sender.Close()

	_, ok, err := b.TryTakeCommand()
	require.NoError(t, err)
	assert.False(t, ok)

	for i := 1; i <= commandQueueDepth+2; i++ {
		require.NoError(t, sender.Send(translated(float64(i))))
	}
	assert.Equal(t, uint64(2), b.Stats().Overwritten)

	cmd, ok, err := b.TryTakeCommand()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(commandQueueDepth+2), cmd.Transform[12])

	_, ok, err = b.TryTakeCommand()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestModeLastWriteWins(t *testing.T) {
	b := NewControlBridge(0)
	sender, err := b.NewModeSender()
	require.NoError(t, err)
	defer sender.Close()

	require.NoError(t, sender.Send(ModeDrag))
	require.NoError(t, sender.Send(ModeTarget))
	require.NoError(t, sender.Send(ModeDrag))

	m, ok := b.TryTakeMode()
	require.True(t, ok)
	assert.Equal(t, ModeDrag, m)

	_, ok = b.TryTakeMode()
	assert.False(t, ok)
}

func TestCommandChannelClosesWithLastSender(t *testing.T) {
	b := NewControlBridge(0)
	first, err := b.NewCommandSender()
	require.NoError(t, err)
	second, err := b.NewCommandSender()
	require.NoError(t, err)

	first.Close()
	first.Close()
	assert.ErrorIs(t, first.Send(translated(1)), ErrDisconnected)

	_, ok, err := b.TryTakeCommand()
	require.NoError(t, err, "one sender is still open")
	assert.False(t, ok)

	require.NoError(t, second.Send(translated(0.5)))
	second.Close()
	assert.True(t, b.Stats().CommandsClosed)

	// a command sent before the close is still delivered
	cmd, ok, err := b.TryTakeCommand()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.5, cmd.Transform[12])

	_, _, err = b.TryTakeCommand()
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = b.NewCommandSender()
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestShutdownDisconnectsEveryone(t *testing.T) {
	b := NewControlBridge(4)
	cmds, err := b.NewCommandSender()
	require.NoError(t, err)
	modes, err := b.NewModeSender()
	require.NoError(t, err)
	sub := b.Subscribe()

	_, err = sub.Latest()
	assert.ErrorIs(t, err, ErrNoState)

	b.PublishState(RobotState{Time: 5})
	state, err := sub.Latest()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(5), state.Time)

	b.Shutdown()
	b.Shutdown()
	assert.True(t, b.IsShutdown())

	assert.ErrorIs(t, cmds.Send(translated(1)), ErrDisconnected)
	assert.ErrorIs(t, modes.Send(ModeDrag), ErrDisconnected)

	_, err = sub.Latest()
	assert.ErrorIs(t, err, ErrDisconnected)
	_, err = sub.Recv(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)

	late := b.Subscribe()
	_, err = late.Recv(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = b.NewModeSender()
	assert.ErrorIs(t, err, ErrDisconnected)

	b.PublishState(RobotState{Time: 6})
	assert.Equal(t, uint64(1), b.Stats().Published)

	cmds.Close()
	modes.Close()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewControlBridge(4)
	sub := b.Subscribe()
	require.Equal(t, 1, b.Stats().Subscribers)

	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	assert.Equal(t, 0, b.Stats().Subscribers)

	b.PublishState(RobotState{Time: 1})
	_, err := sub.Latest()
	assert.ErrorIs(t, err, ErrNoState)
}

func TestRecvHonorsContext(t *testing.T) {
	b := NewControlBridge(1)
	sub := b.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBridgeConcurrentUse(t *testing.T) {
	b := NewControlBridge(8)
	var wg sync.WaitGroup

	senders := make([]*CommandSender, 4)
	for i := range senders {
		s, err := b.NewCommandSender()
		require.NoError(t, err)
		senders[i] = s
	}
	for i, s := range senders {
		wg.Add(1)
		go func(i int, s *CommandSender) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := s.Send(translated(float64(i))); err != nil {
					t.Errorf("send failed: %v", err)
					return
				}
			}
			s.Close()
		}(i, s)
	}

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe()
			defer b.Unsubscribe(sub)
			for j := 0; j < 50; j++ {
				_, _ = sub.Latest()
			}
		}()
	}

	// control loop side
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			b.PublishState(RobotState{Time: time.Duration(i)})
			if _, _, err := b.TryTakeCommand(); errors.Is(err, ErrDisconnected) {
				b.Shutdown()
				return
			}
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("control loop did not observe the closed command channel")
	}
	assert.True(t, b.IsShutdown())
}
