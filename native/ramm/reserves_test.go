package ramm

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

const genesisTime = 1_700_000_000

var (
	scenarioPriceA = uint256.MustFromDecimal("25500000000000000") // 0.0255 ETH
	scenarioPriceB = uint256.MustFromDecimal("15200000000000000") // 0.0152 ETH
)

func scenarioValuation() Valuation {
	return Valuation{
		Capital: Ether(145_000),
		Supply:  Ether(6_700_000),
		MCR:     Ether(120_000),
	}
}

func scenarioState(t *testing.T, eth uint64) State {
	t.Helper()
	nxmA, err := mulDiv(Ether(eth), wad, scenarioPriceA)
	if err != nil {
		t.Fatalf("nxmA: %v", err)
	}
	nxmB, err := mulDiv(Ether(eth), wad, scenarioPriceB)
	if err != nil {
		t.Fatalf("nxmB: %v", err)
	}
	return State{
		NxmA:         nxmA,
		NxmB:         nxmB,
		Eth:          Ether(eth),
		Budget:       Ether(DefaultInitialBudget),
		RatchetSpeed: DefaultFastRatchetSpeed,
		Timestamp:    genesisTime,
	}
}

func spot(t *testing.T, s State) (*uint256.Int, *uint256.Int) {
	t.Helper()
	a, b, err := s.SpotPrices()
	if err != nil {
		t.Fatalf("spot prices: %v", err)
	}
	return a, b
}

func within(a, b *uint256.Int, tolerance uint64) bool {
	diff := new(uint256.Int)
	if a.Gt(b) {
		diff.Sub(a, b)
	} else {
		diff.Sub(b, a)
	}
	return !diff.Gt(uint256.NewInt(tolerance))
}

func frozenRatchetParams() Params {
	p := DefaultParams()
	p.FastRatchetSpeed = 0
	p.NormalRatchetSpeed = 0
	return p
}

func TestProjectRejectsPastTarget(t *testing.T) {
	state := scenarioState(t, 5_000)
	_, _, err := Project(state, scenarioValuation(), genesisTime-1, DefaultParams())
	if !errors.Is(err, ErrProjectionInPast) {
		t.Fatalf("expected projection in past, got %v", err)
	}
}

func TestProjectRejectsZeroSupply(t *testing.T) {
	v := scenarioValuation()
	v.Supply = new(uint256.Int)
	if _, _, err := Project(scenarioState(t, 5_000), v, genesisTime, DefaultParams()); !errors.Is(err, ErrInvalidValuation) {
		t.Fatalf("expected invalid valuation, got %v", err)
	}
}

func TestProjectIsPureAndDeterministic(t *testing.T) {
	state := scenarioState(t, 4_200)
	original := state.Clone()
	v := scenarioValuation()

	first, firstLiq, err := Project(state, v, genesisTime+7_200, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	second, secondLiq, err := Project(state, v, genesisTime+7_200, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if !first.Equal(second) || !firstLiq.Injected.Eq(secondLiq.Injected) {
		t.Fatalf("identical inputs produced different projections")
	}
	if !state.Equal(original) {
		t.Fatalf("projection mutated its input")
	}
	if first.Timestamp != genesisTime+7_200 {
		t.Fatalf("unexpected timestamp %d", first.Timestamp)
	}
}

func TestProjectInjectsAtFastSpeedPreservingPrices(t *testing.T) {
	state := scenarioState(t, 4_000)
	state.RatchetSpeed = 0
	beforeA, beforeB := spot(t, state)

	projected, liq, err := Project(state, scenarioValuation(), genesisTime+3_600, frozenRatchetParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	want := uint256.MustFromDecimal("62500000000000000000") // 1500 ETH/day for one hour
	if !liq.Injected.Eq(want) {
		t.Fatalf("expected %s injected, got %s", want.Dec(), liq.Injected.Dec())
	}
	if !liq.Extracted.IsZero() {
		t.Fatalf("injection and extraction are exclusive")
	}
	if !projected.Eth.Eq(new(uint256.Int).Add(Ether(4_000), want)) {
		t.Fatalf("unexpected eth: %s", projected.Eth.Dec())
	}
	if !projected.Budget.Eq(new(uint256.Int).Sub(Ether(DefaultInitialBudget), want)) {
		t.Fatalf("unexpected budget: %s", projected.Budget.Dec())
	}
	afterA, afterB := spot(t, projected)
	if !within(beforeA, afterA, 10) || !within(beforeB, afterB, 10) {
		t.Fatalf("liquidity move changed prices: A %s -> %s, B %s -> %s",
			beforeA.Dec(), afterA.Dec(), beforeB.Dec(), afterB.Dec())
	}
}

func TestProjectInjectionBoundedByGap(t *testing.T) {
	state := scenarioState(t, 4_000)
	projected, liq, err := Project(state, scenarioValuation(), genesisTime+30*secondsPerDay, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if !liq.Injected.Eq(Ether(1_000)) {
		t.Fatalf("expected injection capped at the gap, got %s", liq.Injected.Dec())
	}
	if !projected.Eth.Eq(DefaultParams().TargetLiquidity) {
		t.Fatalf("expected eth at target, got %s", projected.Eth.Dec())
	}
}

func TestProjectInjectionCappedByCapitalHeadroom(t *testing.T) {
	state := scenarioState(t, 4_000)
	v := scenarioValuation()
	v.Capital = Ether(125_500)
	_, liq, err := Project(state, v, genesisTime+30*secondsPerDay, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if !liq.Injected.Eq(Ether(500)) {
		t.Fatalf("expected injection capped at 500 ether, got %s", liq.Injected.Dec())
	}

	v.Capital = Ether(125_000)
	_, liq, err = Project(state, v, genesisTime+30*secondsPerDay, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if !liq.Injected.IsZero() {
		t.Fatalf("expected no injection without headroom, got %s", liq.Injected.Dec())
	}
}

func TestProjectSlowInjectionOnceBudgetSpent(t *testing.T) {
	state := scenarioState(t, 4_000)
	state.Budget = Ether(10)

	projected, liq, err := Project(state, scenarioValuation(), genesisTime+secondsPerDay, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	// 576s at 1500/day spends the 10 ether budget, the remaining 85824s run at 100/day.
	want := uint256.MustFromDecimal("109333333333333333333")
	if !liq.Injected.Eq(want) {
		t.Fatalf("expected %s injected, got %s", want.Dec(), liq.Injected.Dec())
	}
	if !projected.Budget.IsZero() {
		t.Fatalf("expected budget exhausted, got %s", projected.Budget.Dec())
	}
	if projected.RatchetSpeed != DefaultNormalRatchetSpeed {
		t.Fatalf("expected normal ratchet speed, got %d", projected.RatchetSpeed)
	}
}

func TestProjectExtractsAboveTarget(t *testing.T) {
	state := scenarioState(t, 6_000)
	projected, liq, err := Project(state, scenarioValuation(), genesisTime+secondsPerDay, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if !liq.Extracted.Eq(Ether(100)) || !liq.Injected.IsZero() {
		t.Fatalf("unexpected liquidity: +%s -%s", liq.Injected.Dec(), liq.Extracted.Dec())
	}
	if !projected.Eth.Eq(Ether(5_900)) {
		t.Fatalf("unexpected eth: %s", projected.Eth.Dec())
	}
	if !projected.Budget.Eq(state.Budget) {
		t.Fatalf("extraction must not touch the budget")
	}

	projected, liq, err = Project(state, scenarioValuation(), genesisTime+30*secondsPerDay, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if !liq.Extracted.Eq(Ether(1_000)) || !projected.Eth.Eq(Ether(5_000)) {
		t.Fatalf("extraction must stop at target, got %s", projected.Eth.Dec())
	}
}

func bufferedTargets(t *testing.T, v Valuation) (*uint256.Int, *uint256.Int) {
	t.Helper()
	capA, err := scaleBps(v.Capital, DefaultPriceBufferBps, true)
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	capB, err := scaleBps(v.Capital, DefaultPriceBufferBps, false)
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	targetA, _ := mulDiv(capA, wad, v.Supply)
	targetB, _ := mulDiv(capB, wad, v.Supply)
	return targetA, targetB
}

func TestProjectRatchetsTowardBookValueWithoutOvershoot(t *testing.T) {
	state := scenarioState(t, 5_000)
	v := scenarioValuation()
	targetA, targetB := bufferedTargets(t, v)
	beforeA, beforeB := spot(t, state)

	projected, _, err := Project(state, v, genesisTime+3_600, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	afterA, afterB := spot(t, projected)
	if !afterA.Lt(beforeA) || afterA.Lt(targetA) {
		t.Fatalf("buy price must fall toward %s without crossing: %s -> %s", targetA.Dec(), beforeA.Dec(), afterA.Dec())
	}
	if !afterB.Gt(beforeB) || afterB.Gt(targetB) {
		t.Fatalf("sell price must rise toward %s without crossing: %s -> %s", targetB.Dec(), beforeB.Dec(), afterB.Dec())
	}
}

func TestProjectRatchetSnapsToTargets(t *testing.T) {
	state := scenarioState(t, 5_000)
	v := scenarioValuation()
	targetA, targetB := bufferedTargets(t, v)

	projected, _, err := Project(state, v, genesisTime+365*secondsPerDay, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	afterA, afterB := spot(t, projected)
	if !within(afterA, targetA, 1_000_000) {
		t.Fatalf("buy price %s not at target %s", afterA.Dec(), targetA.Dec())
	}
	if !within(afterB, targetB, 1_000_000) {
		t.Fatalf("sell price %s not at target %s", afterB.Dec(), targetB.Dec())
	}
}

func TestProjectRatchetSpeedFollowsBudget(t *testing.T) {
	state := scenarioState(t, 5_000)
	projected, _, err := Project(state, scenarioValuation(), genesisTime+60, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if projected.RatchetSpeed != DefaultFastRatchetSpeed {
		t.Fatalf("expected fast speed with budget, got %d", projected.RatchetSpeed)
	}
	state.Budget = new(uint256.Int)
	projected, _, err = Project(state, scenarioValuation(), genesisTime+60, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if projected.RatchetSpeed != DefaultNormalRatchetSpeed {
		t.Fatalf("expected normal speed without budget, got %d", projected.RatchetSpeed)
	}
}
