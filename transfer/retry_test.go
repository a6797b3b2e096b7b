package transfer

import (
	"testing"
	"time"
)

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	strategy := ExponentialBackoff{
		Base:   10 * time.Millisecond,
		Factor: 2,
		Max:    100 * time.Millisecond,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 80 * time.Millisecond},
		{4, 100 * time.Millisecond},
		{-1, 10 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := strategy.Delay(tc.attempt, nil); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestExponentialBackoffWithoutMaxNeverCaps(t *testing.T) {
	strategy := ExponentialBackoff{Base: time.Millisecond, Factor: 10}
	if got := strategy.Delay(5, nil); got != 100*time.Second {
		t.Fatalf("expected uncapped growth, got %s", got)
	}
}

func TestNoDelayRetriesImmediately(t *testing.T) {
	if got := (NoDelay{}).Delay(3, nil); got != 0 {
		t.Fatalf("expected zero delay, got %s", got)
	}
}
