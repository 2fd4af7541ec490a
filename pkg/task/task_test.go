package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunReturnsValue(t *testing.T) {
	tk := Run(context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	v, err := tk.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRunPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	tk := Run(context.Background(), func(ctx context.Context) (int, error) {
		return 0, boom
	})
	_, err := tk.Wait()
	assert.ErrorIs(t, err, boom)
}

func TestCancelBeforeSuspensionPointYieldsCancelled(t *testing.T) {
	started := make(chan struct{})
	tk := Run(context.Background(), func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-started
	tk.Cancel()
	_, err := tk.Wait()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, tk.Cancelled())
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	tk := Run(context.Background(), func(ctx context.Context) (int, error) {
		return 7, nil
	})
	v, err := tk.Wait()
	require.NoError(t, err)
	tk.Cancel()
	assert.Equal(t, 7, v)
}

func TestThenApplyChainsOnSuccess(t *testing.T) {
	tk := Run(context.Background(), func(ctx context.Context) (int, error) {
		return 2, nil
	})
	chained := ThenApply(tk, func(v int) int { return v * 10 })
	v, err := chained.Wait()
	require.NoError(t, err)
	assert.Equal(t, 20, v)
}

func TestExceptionallyRecoversFromFailure(t *testing.T) {
	tk := Run(context.Background(), func(ctx context.Context) (int, error) {
		return 0, errors.New("nope")
	})
	recovered := Exceptionally(tk, func(err error) int { return -1 })
	v, err := recovered.Wait()
	require.NoError(t, err)
	assert.Equal(t, -1, v)
}

func TestDoneChannelClosesOnCompletion(t *testing.T) {
	tk := Run(context.Background(), func(ctx context.Context) (int, error) {
		time.Sleep(10 * time.Millisecond)
		return 1, nil
	})
	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not complete in time")
	}
}
