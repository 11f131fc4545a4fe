package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("process busy")

func TestDo_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxRetries: 3, InitialBackoff: time.Millisecond}, func(int) error {
		calls++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var attempts []int
	err := Do(context.Background(), Config{MaxRetries: 5, InitialBackoff: time.Millisecond}, func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errBusy
		}
		return nil
	}, func(err error) bool { return errors.Is(err, errBusy) })

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxRetries: 3, InitialBackoff: time.Millisecond}, func(int) error {
		calls++
		return errBusy
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, errBusy)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	denied := errors.New("access denied")
	calls := 0
	err := Do(context.Background(), Config{MaxRetries: 5, InitialBackoff: time.Millisecond}, func(int) error {
		calls++
		return denied
	}, func(err error) bool { return errors.Is(err, errBusy) })

	assert.Same(t, denied, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{MaxRetries: 5, InitialBackoff: time.Hour}, func(int) error {
		calls++
		cancel()
		return errBusy
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{}, func(int) error { return nil }, nil)
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	cfg := Config{MaxRetries: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}

	assert.Equal(t, time.Duration(0), Backoff(cfg, 0))
	assert.Equal(t, 100*time.Millisecond, Backoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, Backoff(cfg, 2))
	assert.Equal(t, 400*time.Millisecond, Backoff(cfg, 3))
	assert.Equal(t, 800*time.Millisecond, Backoff(cfg, 4))
	assert.Equal(t, time.Second, Backoff(cfg, 5))
	assert.Equal(t, time.Second, Backoff(cfg, 30))
}

func TestBackoff_Jitter(t *testing.T) {
	cfg := Config{MaxRetries: 4, InitialBackoff: 100 * time.Millisecond, Jitter: 0.5}

	// 100ms + 100ms*0.5*1/4
	assert.Equal(t, 112500*time.Microsecond, Backoff(cfg, 1))
	// 200ms + 200ms*0.5*2/4
	assert.Equal(t, 250*time.Millisecond, Backoff(cfg, 2))
}
