package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFinished(t *testing.T, s *State) {
	t.Helper()
	require.Eventually(t, s.Finished, 2*time.Second, 5*time.Millisecond)
}

func TestGoReportsResult(t *testing.T) {
	var s State
	boom := errors.New("boom")
	require.NoError(t, s.Go(context.Background(), func(ctx context.Context) error {
		s.SetTotal(10)
		s.AddDone(4)
		return boom
	}))
	waitFinished(t, &s)
	assert.ErrorIs(t, s.Err(), boom)
	done, total := s.Progress()
	assert.Equal(t, int64(4), done)
	assert.Equal(t, int64(10), total)

	assert.Error(t, s.Go(context.Background(), func(context.Context) error { return nil }))
}

func TestCancelWhileRunning(t *testing.T) {
	var s State
	require.NoError(t, s.Go(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	assert.False(t, s.Finished())

	s.Cancel()
	s.Cancel()
	waitFinished(t, &s)
	assert.ErrorIs(t, s.Err(), ErrCanceled)
	assert.True(t, s.Canceled())
}

func TestCancelBeforeStart(t *testing.T) {
	var s State
	s.Cancel()
	ran := false
	require.NoError(t, s.Go(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, s.Finished())
	assert.False(t, ran)
	assert.ErrorIs(t, s.Err(), ErrCanceled)
}

func TestFinish(t *testing.T) {
	var s State
	s.Finish(nil)
	assert.True(t, s.Finished())
	assert.NoError(t, s.Err())
	s.Cancel()
	assert.NoError(t, s.Err())
}
