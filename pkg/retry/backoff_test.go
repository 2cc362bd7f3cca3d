package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func always(error) bool { return true }

func TestDoSucceedsAfterRetries(t *testing.T) {
	var (
		calls     int
		attempts  []int
		succeeded int
	)

	err := DoWithCallbacks(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, always, fastConfig(5), Callbacks{
		OnRetryAttempt: func(attempt int, err error, _ time.Duration) {
			attempts = append(attempts, attempt)
			assert.ErrorIs(t, err, errTransient)
		},
		OnRetrySuccess: func(attempt int) {
			succeeded = attempt
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, 2, succeeded)
}

func TestDoGivesUp(t *testing.T) {
	var (
		calls  int
		failed bool
	)

	err := DoWithCallbacks(context.Background(), func() error {
		calls++
		return errTransient
	}, always, fastConfig(2), Callbacks{
		OnRetryFailure: func(attempt int, _ error) {
			failed = true
			assert.Equal(t, 2, attempt)
		},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
	assert.True(t, failed)
}

func TestDoNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0

	err := Do(context.Background(), func() error {
		calls++
		return fatal
	}, func(err error) bool {
		return !errors.Is(err, fatal)
	}, fastConfig(5))

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoUnlimitedStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Do(ctx, func() error {
		calls++
		if calls == 10 {
			cancel()
		}
		return errTransient
	}, always, fastConfig(Unlimited))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, calls)
}

func TestNextBackoff(t *testing.T) {
	cfg := Config{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}

	assert.Equal(t, 100*time.Millisecond, cfg.nextBackoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.nextBackoff(1))
	assert.Equal(t, 400*time.Millisecond, cfg.nextBackoff(2))
	assert.Equal(t, time.Duration(0), cfg.nextBackoff(3))

	cfg.MaxRetries = Unlimited
	assert.Equal(t, time.Second, cfg.nextBackoff(10))

	cfg.RandomizationFactor = 0.5
	for i := 0; i < 20; i++ {
		d := cfg.nextBackoff(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.False(t, IsNetworkError(errTransient))
	assert.True(t, IsNetworkError(&net.OpError{Op: "dial", Err: errTransient}))
	assert.True(t, IsNetworkError(syscall.ECONNREFUSED))
	assert.True(t, IsNetworkError(&net.DNSError{IsNotFound: true}))
	assert.False(t, IsNetworkError(&net.DNSError{}))
}
