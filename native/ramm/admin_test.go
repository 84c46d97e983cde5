package ramm

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"nxmramm/core/events"
	nativecommon "nxmramm/native/common"
)

func TestAdminCallsRequireRoles(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	ctx := context.Background()

	requireKind(t, h.engine.SetEmergencySwapPause(ctx, seller, true), ErrUnauthorized)
	requireKind(t, h.engine.SetCircuitBreakerLimits(ctx, seller, 1, 1), ErrUnauthorized)
	requireKind(t, h.engine.RemoveBudget(ctx, admin), ErrUnauthorized)
	if h.store.puts != 1 {
		t.Fatalf("unauthorised calls must not persist")
	}
	if len(h.emitter.events) != 0 {
		t.Fatalf("unauthorised calls must not emit")
	}
}

func TestEmergencySwapPause(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	ctx := context.Background()

	if err := h.engine.SetEmergencySwapPause(ctx, admin, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, err := h.engine.SwapPaused(ctx)
	if err != nil || !paused {
		t.Fatalf("expected paused, got %v %v", paused, err)
	}
	_, err = h.engine.Swap(ctx, sellRequest(Ether(1), nil))
	requireKind(t, err, ErrSwapPaused)

	if err := h.engine.SetEmergencySwapPause(ctx, admin, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := h.engine.Swap(ctx, sellRequest(Ether(1), nil)); err != nil {
		t.Fatalf("swap after unpause: %v", err)
	}
	got := h.emitter.types()
	if len(got) < 2 || got[0] != events.TypeRAMMSwapPauseConfigured || got[1] != events.TypeRAMMSwapPauseConfigured {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestSystemPauseReportedBeforeSwapPause(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	ctx := context.Background()
	if err := h.engine.SetEmergencySwapPause(ctx, admin, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	h.treasury.paused[nativecommon.ModuleSystem] = true
	_, err := h.engine.Swap(ctx, sellRequest(Ether(1), nil))
	requireKind(t, err, ErrSystemPaused)
}

func TestSetCircuitBreakerLimits(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	ctx := context.Background()
	if _, err := h.engine.Swap(ctx, sellRequest(Ether(100), nil)); err != nil {
		t.Fatalf("swap: %v", err)
	}
	before, _ := h.engine.CircuitBreaker(ctx)

	if err := h.engine.SetCircuitBreakerLimits(ctx, admin, 1, 1); err != nil {
		t.Fatalf("set limits: %v", err)
	}
	after, _ := h.engine.CircuitBreaker(ctx)
	if after.EthLimit != 1 || after.NxmLimit != 1 {
		t.Fatalf("limits not applied: %+v", after)
	}
	if !after.EthReleased.Eq(before.EthReleased) {
		t.Fatalf("limits change must keep accumulators")
	}
	_, err := h.engine.Swap(ctx, sellRequest(Ether(100), nil))
	requireKind(t, err, ErrEthCircuitBreakerHit)
}

func TestRemoveBudget(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	ctx := context.Background()
	if err := h.engine.RemoveBudget(ctx, gov); err != nil {
		t.Fatalf("remove budget: %v", err)
	}
	state := h.state(t)
	if !state.Budget.IsZero() {
		t.Fatalf("budget not removed: %s", state.Budget.Dec())
	}
	h.now += 60
	projected, _, err := h.engine.Reserves(ctx)
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if projected.RatchetSpeed != DefaultNormalRatchetSpeed {
		t.Fatalf("expected normal ratchet after budget removal, got %d", projected.RatchetSpeed)
	}
	got := h.emitter.types()
	if len(got) != 1 || got[0] != events.TypeRAMMBudgetRemoved {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestAdminChangeDuringSwapSurvivesCommit(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	ctx := context.Background()
	h.treasury.onSend = func(ctx context.Context, _ common.Address) error {
		return h.engine.SetEmergencySwapPause(ctx, admin, true)
	}
	if _, err := h.engine.Swap(ctx, sellRequest(Ether(1), nil)); err != nil {
		t.Fatalf("swap: %v", err)
	}
	paused, _ := h.engine.SwapPaused(ctx)
	if !paused {
		t.Fatalf("pause set during the swap was overwritten by its commit")
	}
}
