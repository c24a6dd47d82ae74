package clock_test

import (
	"testing"
	"time"

	"github.com/tphummel/lab_matrix/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_SleepAdvances(t *testing.T) {
	c := clock.Fake(epoch)
	c.Sleep(5 * time.Second)
	c.Sleep(2 * time.Second)

	if got := clock.Since(c, epoch); got != 7*time.Second {
		t.Errorf("elapsed: got %v, want 7s", got)
	}
	sleeps := c.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 5*time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("sleeps: got %v", sleeps)
	}
}

func TestFake_AdvanceIgnoresNegative(t *testing.T) {
	c := clock.Fake(epoch)
	c.Advance(-time.Minute)
	if !c.Now().Equal(epoch) {
		t.Errorf("Now: got %v, want %v", c.Now(), epoch)
	}
}

func TestFake_AfterFiresImmediately(t *testing.T) {
	c := clock.Fake(epoch)
	select {
	case got := <-c.After(time.Minute):
		if !got.Equal(epoch.Add(time.Minute)) {
			t.Errorf("After delivered %v, want %v", got, epoch.Add(time.Minute))
		}
	default:
		t.Fatal("After channel was empty")
	}
}
