package util

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/G-Research/taskrelay/internal/common/relaycontext"
)

func TestRetryDoesntSpin(t *testing.T) {
	ctx, cancel := relaycontext.WithTimeout(relaycontext.Background(), 1*time.Second)
	defer cancel()

	RetryUntilSuccess(
		ctx,
		func() error {
			return nil
		},
		func(err error) {},
		0,
		clock.RealClock{},
	)

	select {
	case <-ctx.Done():
		t.Fatalf("Function did not complete within time limit.")
	default:
	}
}

func TestRetryCancel(t *testing.T) {
	ctx, cancel := relaycontext.WithTimeout(relaycontext.Background(), 100*time.Millisecond)
	defer cancel()

	RetryUntilSuccess(
		ctx,
		func() error {
			return fmt.Errorf("dummy error")
		},
		func(err error) {},
		10*time.Millisecond,
		clock.RealClock{},
	)

	select {
	case <-ctx.Done():
	default:
		t.Fatalf("Function exit was early.")
	}
}

func TestSucceedsAfterFailures(t *testing.T) {
	ch := make(chan error, 6)
	err := fmt.Errorf("dummy error")

	for range [5]int{} {
		ch <- err
	}
	ch <- nil

	errorCount := 0

	ctx, cancel := relaycontext.WithTimeout(relaycontext.Background(), 1*time.Second)
	defer cancel()

	RetryUntilSuccess(
		ctx,
		func() error {
			return <-ch
		},
		func(err error) {
			errorCount += 1
		},
		time.Millisecond,
		clock.RealClock{},
	)

	select {
	case <-ctx.Done():
		t.Fatalf("Function timed out.")
	default:
	}

	assert.Equal(t, 5, errorCount)
}

func TestRetryBacksOffOnClock(t *testing.T) {
	ctx, cancel := relaycontext.WithTimeout(relaycontext.Background(), 5*time.Second)
	defer cancel()
	fakeClock := clocktesting.NewFakeClock(time.Now())
	var attempts int32
	done := make(chan struct{})

	go func() {
		defer close(done)
		RetryUntilSuccess(
			ctx,
			func() error {
				if atomic.AddInt32(&attempts, 1) < 2 {
					return fmt.Errorf("dummy error")
				}
				return nil
			},
			func(err error) {},
			time.Minute,
			fakeClock,
		)
	}()

	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	fakeClock.Step(time.Minute)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry did not resume after the backoff elapsed")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}
