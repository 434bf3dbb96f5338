package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayWithoutBackoffIsImmediate(t *testing.T) {
	for _, n := range []int{0, 1, 5, 20} {
		assert.Zero(t, RetryDelay(n, false))
	}
}

func TestRetryDelayDoublesPerAttempt(t *testing.T) {
	assert.Equal(t, 1*time.Second, RetryDelay(0, true))
	assert.Equal(t, 2*time.Second, RetryDelay(1, true))
	assert.Equal(t, 4*time.Second, RetryDelay(2, true))
	assert.Equal(t, 256*time.Second, RetryDelay(8, true))
}

func TestRetryDelayIsCapped(t *testing.T) {
	assert.Equal(t, maxRetryBackoff, RetryDelay(10, true))
	assert.Equal(t, maxRetryBackoff, RetryDelay(21, true))
	assert.Equal(t, maxRetryBackoff, RetryDelay(63, true))
}
