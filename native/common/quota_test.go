package common

import (
	"errors"
	"math"
	"testing"
)

func TestCheckQuotaSwapLimit(t *testing.T) {
	q := Quota{MaxSwapsPerEpoch: 10, EpochSeconds: 60}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Swaps != 10 {
		t.Fatalf("unexpected swap count: %d", next.Swaps)
	}

	denied, err := CheckQuota(q, 1, next, 1)
	if !errors.Is(err, ErrQuotaSwapsExceeded) {
		t.Fatalf("expected ErrQuotaSwapsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.Swaps != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaUnlimitedStillGuardsOverflow(t *testing.T) {
	q := Quota{}
	prev := QuotaNow{Swaps: math.MaxUint32}
	if _, err := CheckQuota(q, 0, prev, 1); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("expected ErrQuotaCounterOverflow, got %v", err)
	}
}

func TestQuotaEpoch(t *testing.T) {
	q := Quota{EpochSeconds: 60}
	if got := q.Epoch(125); got != 2 {
		t.Fatalf("unexpected epoch: %d", got)
	}
	if got := (Quota{}).Epoch(125); got != 0 {
		t.Fatalf("expected zero epoch without length, got %d", got)
	}
}

type pauseSet map[string]bool

func (p pauseSet) IsPaused(module string) bool { return p[module] }

func TestGuard(t *testing.T) {
	if err := Guard(nil, ModuleSystem); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	if err := Guard(pauseSet{ModuleSystem: true}, ModuleSystem); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauseSet{ModuleSystem: true}, "ramm"); err != nil {
		t.Fatalf("unrelated module must not block: %v", err)
	}
}
