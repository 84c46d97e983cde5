package ramm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"nxmramm/core/events"
)

var (
	seller = common.HexToAddress("0x0000000000000000000000000000000000005e11")
	buyer  = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
	admin  = common.HexToAddress("0x000000000000000000000000000000000000ad11")
	gov    = common.HexToAddress("0x0000000000000000000000000000000000006007")
)

type memStore struct {
	record  *Record
	puts    int
	failPut error
}

func (m *memStore) RAMMRecord() (*Record, bool, error) {
	if m.record == nil {
		return nil, false, nil
	}
	return m.record.Clone(), true, nil
}

func (m *memStore) PutRAMMRecord(record *Record) error {
	if m.failPut != nil {
		return m.failPut
	}
	m.record = record.Clone()
	m.puts++
	return nil
}

type fakeTreasury struct {
	nxm     map[common.Address]*uint256.Int
	eth     map[common.Address]*uint256.Int
	capital *uint256.Int
	supply  *uint256.Int
	mcr     *uint256.Int
	locked  map[common.Address]bool
	paused  map[string]bool
	roles   map[Role]map[common.Address]bool

	sendErr error
	mintErr error
	onSend  func(ctx context.Context, to common.Address) error
}

func newFakeTreasury() *fakeTreasury {
	v := scenarioValuation()
	return &fakeTreasury{
		nxm:     map[common.Address]*uint256.Int{seller: Ether(100_000)},
		eth:     map[common.Address]*uint256.Int{buyer: Ether(1_000)},
		capital: v.Capital,
		supply:  v.Supply,
		mcr:     v.MCR,
		locked:  map[common.Address]bool{},
		paused:  map[string]bool{},
		roles: map[Role]map[common.Address]bool{
			RoleEmergencyAdmin: {admin: true},
			RoleGovernance:     {gov: true},
		},
	}
}

func balance(m map[common.Address]*uint256.Int, addr common.Address) *uint256.Int {
	if v, ok := m[addr]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (f *fakeTreasury) BalanceOf(_ context.Context, account common.Address) (*uint256.Int, error) {
	return balance(f.nxm, account), nil
}

func (f *fakeTreasury) Mint(_ context.Context, to common.Address, amount *uint256.Int) error {
	if f.mintErr != nil {
		return f.mintErr
	}
	f.nxm[to] = new(uint256.Int).Add(balance(f.nxm, to), amount)
	f.supply = new(uint256.Int).Add(f.supply, amount)
	return nil
}

func (f *fakeTreasury) BurnFrom(_ context.Context, from common.Address, amount *uint256.Int) error {
	bal := balance(f.nxm, from)
	if bal.Lt(amount) {
		return fmt.Errorf("insufficient nxm")
	}
	f.nxm[from] = bal.Sub(bal, amount)
	f.supply = new(uint256.Int).Sub(f.supply, amount)
	return nil
}

func (f *fakeTreasury) IsLockedForVoting(_ context.Context, account common.Address, _ uint64) (bool, error) {
	return f.locked[account], nil
}

func (f *fakeTreasury) TotalSupply(context.Context) (*uint256.Int, error) {
	return new(uint256.Int).Set(f.supply), nil
}

func (f *fakeTreasury) PoolValueInEth(context.Context) (*uint256.Int, error) {
	return new(uint256.Int).Set(f.capital), nil
}

func (f *fakeTreasury) SendEth(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if f.onSend != nil {
		if err := f.onSend(ctx, to); err != nil {
			return err
		}
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.capital = new(uint256.Int).Sub(f.capital, amount)
	f.eth[to] = new(uint256.Int).Add(balance(f.eth, to), amount)
	return nil
}

func (f *fakeTreasury) ReceiveEth(_ context.Context, from common.Address, amount *uint256.Int) error {
	bal := balance(f.eth, from)
	if bal.Lt(amount) {
		return fmt.Errorf("insufficient eth")
	}
	f.eth[from] = bal.Sub(bal, amount)
	f.capital = new(uint256.Int).Add(f.capital, amount)
	return nil
}

func (f *fakeTreasury) MCR(context.Context) (*uint256.Int, error) {
	return new(uint256.Int).Set(f.mcr), nil
}

func (f *fakeTreasury) IsPaused(module string) bool { return f.paused[module] }

func (f *fakeTreasury) HasRole(_ context.Context, role Role, account common.Address) (bool, error) {
	return f.roles[role][account], nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) types() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

type harness struct {
	engine   *Engine
	store    *memStore
	treasury *fakeTreasury
	emitter  *capturingEmitter
	now      int64
}

func scenarioGenesis(eth uint64) Genesis {
	return Genesis{
		Eth:        Ether(eth),
		SpotPriceA: scenarioPriceA,
		SpotPriceB: scenarioPriceB,
		Budget:     Ether(DefaultInitialBudget),
		Timestamp:  genesisTime,
		EthLimit:   DefaultEthLimit,
		NxmLimit:   DefaultNxmLimit,
	}
}

func newHarness(t *testing.T, genesis Genesis) *harness {
	t.Helper()
	h := &harness{
		store:    &memStore{},
		treasury: newFakeTreasury(),
		emitter:  &capturingEmitter{},
		now:      genesisTime,
	}
	engine, err := NewEngine(DefaultParams(), Dependencies{
		Store:  h.store,
		Ledger: h.treasury,
		Supply: h.treasury,
		Pool:   h.treasury,
		MCR:    h.treasury,
		Master: h.treasury,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetNowFunc(func() int64 { return h.now })
	engine.SetEmitter(h.emitter)
	if _, err := engine.Initialize(context.Background(), genesis); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	s, err := h.engine.LoadState(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return s
}

func sellRequest(amount *uint256.Int, minOut *uint256.Int) SwapRequest {
	return SwapRequest{Caller: seller, NxmIn: amount, MinAmountOut: minOut, Deadline: genesisTime + 600}
}

func buyRequest(amount *uint256.Int, minOut *uint256.Int) SwapRequest {
	return SwapRequest{Caller: buyer, EthIn: amount, MinAmountOut: minOut, Deadline: genesisTime + 600}
}

func requireKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	kind, ok := KindOf(err)
	if !ok || kind != want {
		t.Fatalf("expected %s, got %v", want.Code(), err)
	}
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	if _, err := NewEngine(DefaultParams(), Dependencies{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}

func TestInitializeOnce(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	_, err := h.engine.Initialize(context.Background(), scenarioGenesis(5_000))
	requireKind(t, err, ErrAlreadyInitialized)

	state := h.state(t)
	a, b := spot(t, state)
	if !within(a, scenarioPriceA, 1) || !within(b, scenarioPriceB, 1) {
		t.Fatalf("genesis prices drifted: %s %s", a.Dec(), b.Dec())
	}
	if state.RatchetSpeed != DefaultFastRatchetSpeed {
		t.Fatalf("expected fast ratchet with budget, got %d", state.RatchetSpeed)
	}
}

func TestInitializeRejectsInvertedPrices(t *testing.T) {
	store := &memStore{}
	tr := newFakeTreasury()
	engine, err := NewEngine(DefaultParams(), Dependencies{Store: store, Ledger: tr, Supply: tr, Pool: tr, MCR: tr, Master: tr})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	g := scenarioGenesis(5_000)
	g.SpotPriceA, g.SpotPriceB = g.SpotPriceB, g.SpotPriceA
	_, err = engine.Initialize(context.Background(), g)
	requireKind(t, err, ErrInvalidState)
	if _, err := engine.LoadState(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
}

func TestNewEngineLoadsCommittedRecord(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	reloaded, err := NewEngine(DefaultParams(), Dependencies{
		Store: h.store, Ledger: h.treasury, Supply: h.treasury, Pool: h.treasury, MCR: h.treasury, Master: h.treasury,
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	state, err := reloaded.LoadState(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if !state.Equal(h.state(t)) {
		t.Fatalf("reloaded state differs")
	}
}

func TestSwapInputShape(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	_, err := h.engine.Swap(context.Background(), SwapRequest{Caller: seller, Deadline: genesisTime})
	requireKind(t, err, ErrOneInputRequired)
	_, err = h.engine.Swap(context.Background(), SwapRequest{Caller: seller, NxmIn: Ether(1), EthIn: Ether(1), Deadline: genesisTime})
	requireKind(t, err, ErrOneInputOnly)
}

func TestSwapDeadline(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	req := sellRequest(Ether(1), nil)
	req.Deadline = genesisTime - 1
	_, err := h.engine.Swap(context.Background(), req)
	requireKind(t, err, ErrSwapExpired)

	req.Deadline = genesisTime
	if _, err := h.engine.Swap(context.Background(), req); err != nil {
		t.Fatalf("deadline equal to now must pass: %v", err)
	}
}

func TestSellOneNxmAtSellPrice(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	before := h.state(t)
	projected, _, err := Project(before, scenarioValuation(), genesisTime, DefaultParams())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	_, expected, err := sellNxm(projected, Ether(1))
	if err != nil {
		t.Fatalf("sell math: %v", err)
	}
	low := uint256.MustFromDecimal("15190000000000000")
	if !expected.Gt(low) || !expected.Lt(scenarioPriceB) {
		t.Fatalf("expected ~0.0152 ether out, got %s", expected.Dec())
	}

	tooHigh := new(uint256.Int).AddUint64(expected, 1)
	_, err = h.engine.Swap(context.Background(), sellRequest(Ether(1), tooHigh))
	requireKind(t, err, ErrInsufficientAmountOut)
	if !h.state(t).Equal(before) || h.store.puts != 1 {
		t.Fatalf("failed swap changed state")
	}
	if !balance(h.treasury.nxm, seller).Eq(Ether(100_000)) {
		t.Fatalf("failed swap moved tokens")
	}

	receipt, err := h.engine.Swap(context.Background(), sellRequest(Ether(1), expected))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !receipt.AmountOut.Eq(expected) || receipt.Direction != DirectionNxmForEth {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if !balance(h.treasury.eth, seller).Eq(expected) {
		t.Fatalf("seller not paid")
	}
	if !balance(h.treasury.nxm, seller).Eq(Ether(99_999)) {
		t.Fatalf("nxm not burned")
	}
	got := h.emitter.types()
	if len(got) != 1 || got[0] != events.TypeRAMMNxmSwappedForEth {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestSellKeepsConstantProductAndReprices(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	start := h.state(t)
	receipt, err := h.engine.Swap(context.Background(), sellRequest(Ether(10_000), nil))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	after := receipt.State

	k0 := new(uint256.Int).Mul(start.Eth, start.NxmB)
	k1 := new(uint256.Int).Mul(after.Eth, after.NxmB)
	if k1.Gt(k0) || new(uint256.Int).Sub(k0, k1).Gt(after.NxmB) {
		t.Fatalf("sell-side product moved beyond rounding: %s -> %s", k0.Dec(), k1.Dec())
	}
	wantA, _ := mulDiv(start.NxmA, after.Eth, start.Eth)
	if !after.NxmA.Eq(wantA) {
		t.Fatalf("buy side not repriced proportionally")
	}
	if !new(uint256.Int).Add(after.Eth, receipt.AmountOut).Eq(start.Eth) {
		t.Fatalf("eth out must equal reserve decrease")
	}
}

func TestBuyKeepsConstantProductAndReprices(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	start := h.state(t)
	receipt, err := h.engine.Swap(context.Background(), buyRequest(Ether(10), nil))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	after := receipt.State
	if !after.Eth.Eq(new(uint256.Int).Add(start.Eth, Ether(10))) {
		t.Fatalf("unexpected eth reserve %s", after.Eth.Dec())
	}
	k0 := new(uint256.Int).Mul(start.Eth, start.NxmA)
	k1 := new(uint256.Int).Mul(after.Eth, after.NxmA)
	if k1.Gt(k0) || new(uint256.Int).Sub(k0, k1).Gt(after.Eth) {
		t.Fatalf("buy-side product moved beyond rounding")
	}
	wantB, _ := mulDiv(start.NxmB, after.Eth, start.Eth)
	if !after.NxmB.Eq(wantB) {
		t.Fatalf("sell side not repriced proportionally")
	}
	if !balance(h.treasury.nxm, buyer).Eq(receipt.AmountOut) {
		t.Fatalf("buyer not minted")
	}
	breaker, _ := h.engine.CircuitBreaker(context.Background())
	if !breaker.NxmReleased.Eq(receipt.AmountOut) || !breaker.EthReleased.IsZero() {
		t.Fatalf("unexpected breaker: %+v", breaker)
	}
}

func TestCircuitBreakersAreMonotone(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	last := new(uint256.Int)
	for i := 0; i < 3; i++ {
		if _, err := h.engine.Swap(context.Background(), sellRequest(Ether(100), nil)); err != nil {
			t.Fatalf("swap %d: %v", i, err)
		}
		breaker, err := h.engine.CircuitBreaker(context.Background())
		if err != nil {
			t.Fatalf("breaker: %v", err)
		}
		if !breaker.EthReleased.Gt(last) {
			t.Fatalf("accumulator did not grow")
		}
		last = breaker.EthReleased
	}
}

func TestCircuitBreakerTrips(t *testing.T) {
	g := scenarioGenesis(5_000)
	g.EthLimit, g.NxmLimit = 0, 0
	h := newHarness(t, g)
	_, err := h.engine.Swap(context.Background(), sellRequest(Ether(1), nil))
	requireKind(t, err, ErrEthCircuitBreakerHit)
	_, err = h.engine.Swap(context.Background(), buyRequest(Ether(1), nil))
	requireKind(t, err, ErrNxmCircuitBreakerHit)
	if h.store.puts != 1 {
		t.Fatalf("tripped breaker must not persist")
	}
}

func TestBufferZoneTakesPrecedence(t *testing.T) {
	g := scenarioGenesis(5_000)
	g.EthLimit = 0
	h := newHarness(t, g)
	h.treasury.mcr = Ether(145_000)
	_, err := h.engine.Swap(context.Background(), sellRequest(Ether(1), Ether(1_000)))
	requireKind(t, err, ErrNoSwapsInBufferZone)
}

func TestSellRejectedWhileLockedForVoting(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	h.treasury.locked[seller] = true
	_, err := h.engine.Swap(context.Background(), sellRequest(Ether(1), nil))
	requireKind(t, err, ErrLockedForVoting)

	h.treasury.locked[buyer] = true
	if _, err := h.engine.Swap(context.Background(), buyRequest(Ether(1), nil)); err != nil {
		t.Fatalf("voting lock applies to sellers only: %v", err)
	}
}

func TestLoadStateIsIdempotent(t *testing.T) {
	h := newHarness(t, scenarioGenesis(4_000))
	first := h.state(t)
	h.now += 3 * secondsPerDay
	second := h.state(t)
	if !first.Equal(second) {
		t.Fatalf("load state must not project")
	}
	projected, liq, err := h.engine.Reserves(context.Background())
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if projected.Timestamp != uint64(h.now) || !isPositive(liq.Injected) {
		t.Fatalf("reserves must project to now")
	}
	if !h.state(t).Equal(first) || h.store.puts != 1 {
		t.Fatalf("projected reads must not persist")
	}
}

func TestInjectionIndependentOfSwapSize(t *testing.T) {
	amounts := []uint64{1, 10_000}
	var injected []*uint256.Int
	for _, amount := range amounts {
		h := newHarness(t, scenarioGenesis(4_000))
		h.now += 3_600
		req := sellRequest(Ether(amount), nil)
		req.Deadline = uint64(h.now)
		receipt, err := h.engine.Swap(context.Background(), req)
		if err != nil {
			t.Fatalf("swap %d: %v", amount, err)
		}
		injected = append(injected, receipt.Liquidity.Injected)
		got := h.emitter.types()
		if len(got) != 2 || got[0] != events.TypeRAMMEthInjected || got[1] != events.TypeRAMMNxmSwappedForEth {
			t.Fatalf("unexpected events: %v", got)
		}
	}
	want := uint256.MustFromDecimal("62500000000000000000")
	if !injected[0].Eq(want) || !injected[1].Eq(want) {
		t.Fatalf("injection depends on swap size: %s vs %s", injected[0].Dec(), injected[1].Dec())
	}
}

func TestSwapEmitsExtractionAboveTarget(t *testing.T) {
	h := newHarness(t, scenarioGenesis(6_000))
	h.now += 3_600
	req := sellRequest(Ether(1), nil)
	req.Deadline = uint64(h.now)
	receipt, err := h.engine.Swap(context.Background(), req)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	// 100 ETH per day for one hour
	want := uint256.MustFromDecimal("4166666666666666666")
	if !receipt.Liquidity.Extracted.Eq(want) {
		t.Fatalf("unexpected extraction: want %s, got %s", want.Dec(), receipt.Liquidity.Extracted.Dec())
	}
	if !orZero(receipt.Liquidity.Injected).IsZero() {
		t.Fatalf("extraction and injection are exclusive, injected %s", receipt.Liquidity.Injected.Dec())
	}
	got := h.emitter.types()
	if len(got) != 2 || got[0] != events.TypeRAMMEthExtracted || got[1] != events.TypeRAMMNxmSwappedForEth {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestSwapAfterIdleSpellRefreshesEveryBucket(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	h.now += 5 * PeriodSize
	req := sellRequest(Ether(1), nil)
	req.Deadline = uint64(h.now)
	if _, err := h.engine.Swap(context.Background(), req); err != nil {
		t.Fatalf("swap: %v", err)
	}
	horizon := uint64(h.now) - Granularity*PeriodSize
	for i, obs := range h.store.record.Observations {
		if obs.Timestamp <= horizon {
			t.Fatalf("bucket %d still at %d, horizon %d", i, obs.Timestamp, horizon)
		}
	}
}

func TestSameTimestampSwapsShareProjection(t *testing.T) {
	h := newHarness(t, scenarioGenesis(4_000))
	h.now += 3_600
	first := sellRequest(Ether(50), nil)
	first.Deadline = uint64(h.now)
	r1, err := h.engine.Swap(context.Background(), first)
	if err != nil {
		t.Fatalf("first swap: %v", err)
	}
	_, expected, err := sellNxm(r1.State, Ether(50))
	if err != nil {
		t.Fatalf("sell math: %v", err)
	}
	r2, err := h.engine.Swap(context.Background(), first)
	if err != nil {
		t.Fatalf("second swap: %v", err)
	}
	if !r2.Liquidity.Injected.IsZero() {
		t.Fatalf("second swap at the same timestamp must not inject again")
	}
	if !r2.AmountOut.Eq(expected) {
		t.Fatalf("second swap must start from the first one's result: want %s, got %s", expected.Dec(), r2.AmountOut.Dec())
	}
}

func TestReentrantReceiverIsRejected(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	before := h.state(t)
	var inner error
	var seen State
	h.treasury.onSend = func(ctx context.Context, to common.Address) error {
		_, inner = h.engine.Swap(ctx, buyRequest(Ether(1), nil))
		seen, _ = h.engine.LoadState(ctx)
		return nil
	}
	receipt, err := h.engine.Swap(context.Background(), sellRequest(Ether(1), nil))
	if err != nil {
		t.Fatalf("outer swap must succeed: %v", err)
	}
	if !errors.Is(inner, ErrReentrantCall) {
		t.Fatalf("expected reentrant call, got %v", inner)
	}
	if !seen.Equal(before) {
		t.Fatalf("callback must observe the last committed state")
	}
	if !h.state(t).Equal(receipt.State) {
		t.Fatalf("outer swap not committed")
	}
}

func TestFailedTransferRevertsEverything(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	before := h.state(t)
	supply := new(uint256.Int).Set(h.treasury.supply)
	reverted := errors.New("receiver reverted")
	h.treasury.sendErr = reverted

	_, err := h.engine.Swap(context.Background(), sellRequest(Ether(5), nil))
	requireKind(t, err, ErrEthTransferFailed)
	if !errors.Is(err, reverted) {
		t.Fatalf("transfer failure must wrap its cause: %v", err)
	}
	if !h.state(t).Equal(before) || h.store.puts != 1 {
		t.Fatalf("failed transfer changed state")
	}
	if !balance(h.treasury.nxm, seller).Eq(Ether(100_000)) || !h.treasury.supply.Eq(supply) {
		t.Fatalf("burned nxm not restored")
	}
	if len(h.emitter.events) != 0 {
		t.Fatalf("failed swap emitted events")
	}
}

func TestCancelledTransferIsNotATransferFailure(t *testing.T) {
	for _, cause := range []error{context.Canceled, context.DeadlineExceeded} {
		h := newHarness(t, scenarioGenesis(5_000))
		before := h.state(t)
		h.treasury.sendErr = cause

		_, err := h.engine.Swap(context.Background(), sellRequest(Ether(5), nil))
		if !errors.Is(err, cause) {
			t.Fatalf("expected %v, got %v", cause, err)
		}
		if kind, ok := KindOf(err); ok {
			t.Fatalf("context error must not carry a swap kind, got %s", kind.Code())
		}
		if !h.state(t).Equal(before) || h.store.puts != 1 {
			t.Fatalf("cancelled transfer changed state")
		}
		if !balance(h.treasury.nxm, seller).Eq(Ether(100_000)) {
			t.Fatalf("burned nxm not restored")
		}
	}
}

func TestPersistFailureUnwindsEffects(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	capital := new(uint256.Int).Set(h.treasury.capital)
	h.store.failPut = errors.New("disk full")

	_, err := h.engine.Swap(context.Background(), buyRequest(Ether(2), nil))
	if !errors.Is(err, h.store.failPut) {
		t.Fatalf("expected persist failure, got %v", err)
	}
	if !balance(h.treasury.eth, buyer).Eq(Ether(1_000)) || !h.treasury.capital.Eq(capital) {
		t.Fatalf("eth not refunded")
	}
	if !balance(h.treasury.nxm, buyer).IsZero() {
		t.Fatalf("minted nxm not burned")
	}

	_, err = h.engine.Swap(context.Background(), sellRequest(Ether(2), nil))
	if !errors.Is(err, h.store.failPut) {
		t.Fatalf("expected persist failure, got %v", err)
	}
	if !balance(h.treasury.nxm, seller).Eq(Ether(100_000)) || !balance(h.treasury.eth, seller).IsZero() {
		t.Fatalf("sale not unwound")
	}
}

type recordingUnit struct {
	begins, commits, rollbacks int
	beginErr, commitErr        error
}

func (u *recordingUnit) Begin() error {
	if u.beginErr != nil {
		return u.beginErr
	}
	u.begins++
	return nil
}

func (u *recordingUnit) Commit() error {
	if u.commitErr != nil {
		return u.commitErr
	}
	u.commits++
	return nil
}

func (u *recordingUnit) Rollback() { u.rollbacks++ }

func withUnit(t *testing.T, h *harness, unit UnitOfWork) {
	t.Helper()
	engine, err := NewEngine(DefaultParams(), Dependencies{
		Store:  h.store,
		Ledger: h.treasury,
		Supply: h.treasury,
		Pool:   h.treasury,
		MCR:    h.treasury,
		Master: h.treasury,
		Unit:   unit,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetNowFunc(func() int64 { return h.now })
	engine.SetEmitter(h.emitter)
	h.engine = engine
}

func TestUnitOfWorkWrapsSettlementAndRecord(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	unit := &recordingUnit{}
	withUnit(t, h, unit)

	if _, err := h.engine.Swap(context.Background(), sellRequest(Ether(1), nil)); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if unit.begins != 1 || unit.commits != 1 || unit.rollbacks != 0 {
		t.Fatalf("unexpected unit calls %+v", *unit)
	}

	// rejected before settlement: no unit is opened
	if _, err := h.engine.Swap(context.Background(), sellRequest(Ether(1), Ether(1_000))); err == nil {
		t.Fatalf("expected slippage rejection")
	}
	if unit.begins != 1 {
		t.Fatalf("unit opened for a rejected swap")
	}
}

func TestUnitOfWorkRollbackReplacesCompensation(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	unit := &recordingUnit{}
	withUnit(t, h, unit)
	before := h.state(t)
	h.treasury.sendErr = errors.New("receiver reverted")

	_, err := h.engine.Swap(context.Background(), sellRequest(Ether(5), nil))
	requireKind(t, err, ErrEthTransferFailed)
	if unit.rollbacks != 1 || unit.commits != 0 {
		t.Fatalf("unexpected unit calls %+v", *unit)
	}
	// the fake ledger is not staged, so the burn stays visible: the engine
	// left the undo to the rollback
	want := new(uint256.Int).Sub(Ether(100_000), Ether(5))
	if !balance(h.treasury.nxm, seller).Eq(want) {
		t.Fatalf("compensation ran alongside rollback")
	}
	if !h.state(t).Equal(before) {
		t.Fatalf("failed swap changed state")
	}
}

func TestUnitOfWorkCommitFailureKeepsRecord(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	unit := &recordingUnit{commitErr: errors.New("batch write failed")}
	withUnit(t, h, unit)
	before := h.state(t)

	_, err := h.engine.Swap(context.Background(), buyRequest(Ether(1), nil))
	if !errors.Is(err, unit.commitErr) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if unit.rollbacks != 1 {
		t.Fatalf("expected rollback after failed commit")
	}
	if !h.state(t).Equal(before) {
		t.Fatalf("in-memory record advanced past a failed commit")
	}
	if len(h.emitter.events) != 0 {
		t.Fatalf("failed swap emitted events")
	}
}

func TestUnitOfWorkBeginFailureSettlesNothing(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	unit := &recordingUnit{beginErr: errors.New("stage open")}
	withUnit(t, h, unit)

	_, err := h.engine.Swap(context.Background(), sellRequest(Ether(1), nil))
	if !errors.Is(err, unit.beginErr) {
		t.Fatalf("expected begin failure, got %v", err)
	}
	if !balance(h.treasury.nxm, seller).Eq(Ether(100_000)) {
		t.Fatalf("settlement ran without a unit")
	}
}

func TestMintFailureRefundsBuyer(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	h.treasury.mintErr = errors.New("mint disabled")
	_, err := h.engine.Swap(context.Background(), buyRequest(Ether(3), nil))
	if !errors.Is(err, h.treasury.mintErr) {
		t.Fatalf("expected mint failure, got %v", err)
	}
	if !balance(h.treasury.eth, buyer).Eq(Ether(1_000)) {
		t.Fatalf("buyer not refunded")
	}
}

func TestReadHelpers(t *testing.T) {
	h := newHarness(t, scenarioGenesis(5_000))
	ctx := context.Background()
	a, b, err := h.engine.SpotPrices(ctx)
	if err != nil {
		t.Fatalf("spot prices: %v", err)
	}
	if !within(a, scenarioPriceA, 1) || !within(b, scenarioPriceB, 1) {
		t.Fatalf("unexpected spot prices %s %s", a.Dec(), b.Dec())
	}
	bv, err := h.engine.BookValue(ctx)
	if err != nil {
		t.Fatalf("book value: %v", err)
	}
	want, _ := scenarioValuation().BookValue()
	if !bv.Eq(want) {
		t.Fatalf("unexpected book value %s", bv.Dec())
	}
	price, err := h.engine.InternalPrice(ctx)
	if err != nil {
		t.Fatalf("internal price: %v", err)
	}
	if price.Gt(a) || price.Lt(b) {
		t.Fatalf("internal price %s outside spot band", price.Dec())
	}
}
