package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottleUnlimitedNeverDrops(t *testing.T) {
	th := NewThrottle()
	th.Configure("n", 0)
	for i := 0; i < 100; i++ {
		assert.True(t, th.ShouldProcess("n"))
	}
	assert.Equal(t, int64(0), th.ThrottledCount("n"))
}

func TestThrottleEnforcesInterval(t *testing.T) {
	th := NewThrottle()
	th.Configure("n", 100)

	// Ten deliveries 10ms apart: only the first passes inside the window.
	accepted := 0
	for i := 0; i < 10; i++ {
		if th.ShouldProcess("n") {
			accepted++
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, int64(9), th.ThrottledCount("n"))

	// After the interval has fully elapsed the next delivery passes.
	time.Sleep(110 * time.Millisecond)
	assert.True(t, th.ShouldProcess("n"))
}

func TestThrottleIsPerTarget(t *testing.T) {
	th := NewThrottle()
	th.Configure("a", 1000)
	th.Configure("b", 0)

	assert.True(t, th.ShouldProcess("a"))
	assert.False(t, th.ShouldProcess("a"))
	assert.True(t, th.ShouldProcess("b"))
	assert.True(t, th.ShouldProcess("b"))
}

func TestThrottleConcurrentSingleWinner(t *testing.T) {
	th := NewThrottle()
	th.Configure("n", 10000)

	results := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		go func() { results <- th.ShouldProcess("n") }()
	}
	passed := 0
	for i := 0; i < 16; i++ {
		if <-results {
			passed++
		}
	}
	assert.Equal(t, 1, passed)
}

func TestThrottleRemoveClearsState(t *testing.T) {
	th := NewThrottle()
	th.Configure("n", 1000)
	th.ShouldProcess("n")
	th.ShouldProcess("n")
	th.Remove("n")
	assert.Equal(t, int64(0), th.ThrottledCount("n"))
	assert.True(t, th.ShouldProcess("n"))
}
