package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualNowAndSet(t *testing.T) {
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	c := NewManual(start)
	require.Equal(t, start, c.Now())

	c.Advance(30 * time.Second)
	require.Equal(t, start.Add(30*time.Second), c.Now())

	c.Set(start)
	require.Equal(t, start, c.Now())
}

func TestManualTickerDeliversInOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	c := NewManual(start)
	fast := c.NewTicker(500 * time.Millisecond)
	slow := c.NewTicker(2 * time.Second)

	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			select {
			case <-fast.C():
				got = append(got, "fast")
			case <-slow.C():
				got = append(got, "slow")
			}
		}
	}()

	c.Advance(2 * time.Second)
	<-done

	require.Equal(t, []string{"fast", "fast", "fast", "fast", "slow"}, got)
	require.Equal(t, start.Add(2*time.Second), c.Now())
}

func TestManualStoppedTickerDoesNotBlock(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	tk.Stop()
	tk.Stop()

	c.Advance(10 * time.Second)
	require.Equal(t, time.Unix(10, 0), c.Now())
}

func TestRealClock(t *testing.T) {
	c := Real()
	before := time.Now()
	require.False(t, c.Now().Before(before))

	tk := c.NewTicker(time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not fire")
	}
}
