package ramm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"nxmramm/core/events"
	nativecommon "nxmramm/native/common"
)

func errMissingDependency(name string) error {
	return fmt.Errorf("ramm engine: %s not configured", name)
}

// Engine prices and settles NXM/ETH swaps against the persisted reserve
// record. Callers are expected to serialise swaps; the engine only rejects
// reentry from collaborator callbacks.
type Engine struct {
	params  Params
	deps    Dependencies
	emitter events.Emitter
	nowFn   func() int64

	mu      sync.RWMutex
	record  *Record
	entered bool
}

// NewEngine constructs an engine bound to its collaborators and loads any
// previously committed record from the store.
func NewEngine(params Params, deps Dependencies) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	record, ok, err := deps.Store.RAMMRecord()
	if err != nil {
		return nil, fmt.Errorf("ramm engine: load record: %w", err)
	}
	e := &Engine{
		params:  params,
		deps:    deps,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
	if ok && record != nil {
		if err := record.State.Validate(); err != nil {
			return nil, fmt.Errorf("ramm engine: stored record: %w", err)
		}
		e.record = record.Clone()
	}
	return e, nil
}

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Params returns the projection parameters the engine was built with.
func (e *Engine) Params() Params { return e.params }

func (e *Engine) now() uint64 {
	if e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) enter() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.entered {
		return ErrReentrantCall
	}
	e.entered = true
	return nil
}

func (e *Engine) exit() {
	e.mu.Lock()
	e.entered = false
	e.mu.Unlock()
}

func (e *Engine) snapshot() (*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.record == nil {
		return nil, ErrNotInitialized
	}
	return e.record.Clone(), nil
}

// Initialize creates the reserve record from genesis parameters. It succeeds
// exactly once.
func (e *Engine) Initialize(ctx context.Context, genesis Genesis) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	if !isPositive(genesis.Eth) || !isPositive(genesis.SpotPriceB) || !isPositive(genesis.SpotPriceA) {
		return State{}, ErrInvalidState
	}
	if genesis.SpotPriceA.Lt(genesis.SpotPriceB) {
		return State{}, fmt.Errorf("%w: buy price below sell price", ErrInvalidState)
	}
	nxmA, err := mulDiv(genesis.Eth, wad, genesis.SpotPriceA)
	if err != nil {
		return State{}, err
	}
	nxmB, err := mulDiv(genesis.Eth, wad, genesis.SpotPriceB)
	if err != nil {
		return State{}, err
	}
	timestamp := genesis.Timestamp
	if timestamp == 0 {
		timestamp = e.now()
	}
	state := State{
		NxmA:         nxmA,
		NxmB:         nxmB,
		Eth:          clone(genesis.Eth),
		Budget:       clone(genesis.Budget),
		RatchetSpeed: e.params.ratchetSpeedFor(genesis.Budget),
		Timestamp:    timestamp,
	}
	if err := state.Validate(); err != nil {
		return State{}, err
	}
	record := &Record{
		State: state,
		Breaker: CircuitBreaker{
			EthReleased: new(uint256.Int),
			NxmReleased: new(uint256.Int),
			EthLimit:    genesis.EthLimit,
			NxmLimit:    genesis.NxmLimit,
		},
		Observations: genesisObservations(timestamp),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record != nil {
		return State{}, ErrAlreadyInitialized
	}
	if err := e.deps.Store.PutRAMMRecord(record); err != nil {
		return State{}, fmt.Errorf("ramm engine: persist genesis: %w", err)
	}
	e.record = record
	return state.Clone(), nil
}

// LoadState returns the last committed reserves without projecting them.
func (e *Engine) LoadState(context.Context) (State, error) {
	record, err := e.snapshot()
	if err != nil {
		return State{}, err
	}
	return record.State, nil
}

// CircuitBreaker returns the committed breaker accumulators and limits.
func (e *Engine) CircuitBreaker(context.Context) (CircuitBreaker, error) {
	record, err := e.snapshot()
	if err != nil {
		return CircuitBreaker{}, err
	}
	return record.Breaker, nil
}

// SwapPaused reports whether the emergency swap pause is active.
func (e *Engine) SwapPaused(context.Context) (bool, error) {
	record, err := e.snapshot()
	if err != nil {
		return false, err
	}
	return record.SwapPaused, nil
}

func (e *Engine) valuation(ctx context.Context) (Valuation, error) {
	capital, err := e.deps.Pool.PoolValueInEth(ctx)
	if err != nil {
		return Valuation{}, fmt.Errorf("ramm engine: pool value: %w", err)
	}
	supply, err := e.deps.Supply.TotalSupply(ctx)
	if err != nil {
		return Valuation{}, fmt.Errorf("ramm engine: total supply: %w", err)
	}
	mcr, err := e.deps.MCR.MCR(ctx)
	if err != nil {
		return Valuation{}, fmt.Errorf("ramm engine: mcr: %w", err)
	}
	v := Valuation{Capital: clone(capital), Supply: clone(supply), MCR: clone(mcr)}
	if err := v.validate(); err != nil {
		return Valuation{}, err
	}
	return v, nil
}

// projection is a committed record carried forward to a point in time
// without being persisted.
type projection struct {
	base         *Record
	state        State
	liquidity    Liquidity
	observations [Granularity]Observation
	valuation    Valuation
}

func (e *Engine) projectRecord(record *Record, v Valuation, now uint64) (*projection, error) {
	// a clock behind the committed record never moves reserves backwards
	if now < record.State.Timestamp {
		now = record.State.Timestamp
	}
	state, liquidity, err := Project(record.State, v, now, e.params)
	if err != nil {
		return nil, err
	}
	at := func(ts uint64) (State, error) {
		s, _, err := Project(record.State, v, ts, e.params)
		return s, err
	}
	observations, err := advanceObservations(record.Observations, record.State, state, at)
	if err != nil {
		return nil, err
	}
	return &projection{
		base:         record,
		state:        state,
		liquidity:    liquidity,
		observations: observations,
		valuation:    v,
	}, nil
}

func (e *Engine) project(ctx context.Context) (*projection, error) {
	record, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	v, err := e.valuation(ctx)
	if err != nil {
		return nil, err
	}
	return e.projectRecord(record, v, e.now())
}

// Reserves returns the reserves projected to the current time together with
// the liquidity the projection would move. Nothing is persisted.
func (e *Engine) Reserves(ctx context.Context) (State, Liquidity, error) {
	p, err := e.project(ctx)
	if err != nil {
		return State{}, Liquidity{}, err
	}
	return p.state, p.liquidity, nil
}

// SpotPrices returns the projected buy and sell prices in wei per whole NXM.
func (e *Engine) SpotPrices(ctx context.Context) (*uint256.Int, *uint256.Int, error) {
	p, err := e.project(ctx)
	if err != nil {
		return nil, nil, err
	}
	return p.state.SpotPrices()
}

// BookValue returns capital per NXM in wei.
func (e *Engine) BookValue(ctx context.Context) (*uint256.Int, error) {
	v, err := e.valuation(ctx)
	if err != nil {
		return nil, err
	}
	return v.BookValue()
}

// InternalPrice returns the time-weighted price other modules quote NXM at.
func (e *Engine) InternalPrice(ctx context.Context) (*uint256.Int, error) {
	p, err := e.project(ctx)
	if err != nil {
		return nil, err
	}
	return internalPrice(p.observations, p.state, p.valuation)
}

// Swap executes a single swap against the reserves projected to now. Either
// the whole swap commits or no state changes.
func (e *Engine) Swap(ctx context.Context, req SwapRequest) (*SwapReceipt, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	nxmIn, ethIn := orZero(req.NxmIn), orZero(req.EthIn)
	selling, buying := !nxmIn.IsZero(), !ethIn.IsZero()
	switch {
	case !selling && !buying:
		return nil, ErrOneInputRequired
	case selling && buying:
		return nil, ErrOneInputOnly
	}
	now := e.now()
	if now > req.Deadline {
		return nil, ErrSwapExpired
	}
	if err := nativecommon.Guard(e.deps.Master, nativecommon.ModuleSystem); err != nil {
		return nil, ErrSystemPaused
	}
	record, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	if record.SwapPaused {
		return nil, ErrSwapPaused
	}
	if selling {
		locked, err := e.deps.Ledger.IsLockedForVoting(ctx, req.Caller, now)
		if err != nil {
			return nil, fmt.Errorf("ramm engine: voting lock: %w", err)
		}
		if locked {
			return nil, ErrLockedForVoting
		}
	}

	v, err := e.valuation(ctx)
	if err != nil {
		return nil, err
	}
	p, err := e.projectRecord(record, v, now)
	if err != nil {
		return nil, err
	}

	breaker := record.Breaker.Clone()
	var (
		next      State
		amountIn  *uint256.Int
		amountOut *uint256.Int
		direction Direction
	)
	if selling {
		direction, amountIn = DirectionNxmForEth, clone(nxmIn)
		if next, amountOut, err = sellNxm(p.state, nxmIn); err != nil {
			return nil, err
		}
		if v.Capital.Lt(amountOut) || new(uint256.Int).Sub(v.Capital, amountOut).Lt(orZero(v.MCR)) {
			return nil, ErrNoSwapsInBufferZone
		}
		if amountOut.Lt(orZero(req.MinAmountOut)) {
			return nil, ErrInsufficientAmountOut
		}
		if err := breaker.Charge(BreakerEth, amountOut); err != nil {
			return nil, err
		}
	} else {
		direction, amountIn = DirectionEthForNxm, clone(ethIn)
		if next, amountOut, err = buyNxm(p.state, ethIn); err != nil {
			return nil, err
		}
		if amountOut.Lt(orZero(req.MinAmountOut)) {
			return nil, ErrInsufficientAmountOut
		}
		if err := breaker.Charge(BreakerNxm, amountOut); err != nil {
			return nil, err
		}
	}

	if unit := e.deps.Unit; unit != nil {
		if err := unit.Begin(); err != nil {
			return nil, fmt.Errorf("ramm engine: begin: %w", err)
		}
	}
	var undo compensations
	if selling {
		err = e.settleSale(ctx, req, amountIn, amountOut, &undo)
	} else {
		err = e.settlePurchase(ctx, req, amountIn, amountOut, &undo)
	}
	if err != nil {
		return nil, e.abort(ctx, &undo, err)
	}

	committed, err := e.commit(p, next, breaker)
	if err != nil {
		return nil, e.abort(ctx, &undo, err)
	}

	receipt := &SwapReceipt{
		Direction: direction,
		Caller:    req.Caller,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Liquidity: p.liquidity.clone(),
		State:     committed,
		Timestamp: committed.Timestamp,
	}
	e.emitLiquidity(p.liquidity)
	e.emitSwap(direction, receipt)
	return receipt, nil
}

// abort drops a swap's staged writes, or reverses the applied effects when no
// unit of work is configured.
func (e *Engine) abort(ctx context.Context, undo *compensations, cause error) error {
	if e.deps.Unit != nil {
		e.deps.Unit.Rollback()
		return cause
	}
	return undo.unwind(ctx, cause)
}

func (e *Engine) settleSale(ctx context.Context, req SwapRequest, nxmIn, ethOut *uint256.Int, undo *compensations) error {
	if err := e.deps.Ledger.BurnFrom(ctx, req.Caller, nxmIn); err != nil {
		return fmt.Errorf("ramm engine: burn nxm: %w", err)
	}
	undo.push(func(ctx context.Context) error {
		return e.deps.Ledger.Mint(ctx, req.Caller, nxmIn)
	})
	if err := e.deps.Pool.SendEth(ctx, req.Caller, ethOut); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("ramm engine: send eth: %w", err)
		}
		return fmt.Errorf("%w: %w", ErrEthTransferFailed, err)
	}
	undo.push(func(ctx context.Context) error {
		return e.deps.Pool.ReceiveEth(ctx, req.Caller, ethOut)
	})
	return nil
}

func (e *Engine) settlePurchase(ctx context.Context, req SwapRequest, ethIn, nxmOut *uint256.Int, undo *compensations) error {
	if err := e.deps.Pool.ReceiveEth(ctx, req.Caller, ethIn); err != nil {
		return fmt.Errorf("ramm engine: receive eth: %w", err)
	}
	undo.push(func(ctx context.Context) error {
		return e.deps.Pool.SendEth(ctx, req.Caller, ethIn)
	})
	if err := e.deps.Ledger.Mint(ctx, req.Caller, nxmOut); err != nil {
		return fmt.Errorf("ramm engine: mint nxm: %w", err)
	}
	undo.push(func(ctx context.Context) error {
		return e.deps.Ledger.BurnFrom(ctx, req.Caller, nxmOut)
	})
	return nil
}

// commit folds the swap into the current record. Admin changes made while the
// swap was in flight win over the snapshot the swap started from.
func (e *Engine) commit(p *projection, next State, breaker CircuitBreaker) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return State{}, ErrNotInitialized
	}
	record := e.record.Clone()
	if !orZero(record.State.Budget).Eq(orZero(p.base.State.Budget)) {
		next.Budget = minOf(next.Budget, record.State.Budget)
		next.RatchetSpeed = e.params.ratchetSpeedFor(next.Budget)
	}
	record.State = next
	record.Breaker.EthReleased = clone(breaker.EthReleased)
	record.Breaker.NxmReleased = clone(breaker.NxmReleased)
	record.Observations = p.observations
	if err := e.deps.Store.PutRAMMRecord(record); err != nil {
		return State{}, fmt.Errorf("ramm engine: persist record: %w", err)
	}
	if e.deps.Unit != nil {
		if err := e.deps.Unit.Commit(); err != nil {
			return State{}, fmt.Errorf("ramm engine: commit: %w", err)
		}
	}
	e.record = record
	return record.State.Clone(), nil
}

// sellNxm keeps eth*nxmB constant and reprices the buy side proportionally.
func sellNxm(s State, nxmIn *uint256.Int) (State, *uint256.Int, error) {
	newNxmB, err := add(s.NxmB, nxmIn)
	if err != nil {
		return State{}, nil, err
	}
	newEth, err := mulDiv(s.Eth, s.NxmB, newNxmB)
	if err != nil {
		return State{}, nil, err
	}
	ethOut, err := sub(s.Eth, newEth)
	if err != nil {
		return State{}, nil, err
	}
	newNxmA, err := mulDiv(s.NxmA, newEth, s.Eth)
	if err != nil {
		return State{}, nil, err
	}
	next := s.Clone()
	next.NxmA, next.NxmB, next.Eth = newNxmA, newNxmB, newEth
	if err := next.Validate(); err != nil {
		return State{}, nil, err
	}
	return next, ethOut, nil
}

// buyNxm keeps eth*nxmA constant and reprices the sell side proportionally.
func buyNxm(s State, ethIn *uint256.Int) (State, *uint256.Int, error) {
	newEth, err := add(s.Eth, ethIn)
	if err != nil {
		return State{}, nil, err
	}
	newNxmA, err := mulDiv(s.Eth, s.NxmA, newEth)
	if err != nil {
		return State{}, nil, err
	}
	nxmOut, err := sub(s.NxmA, newNxmA)
	if err != nil {
		return State{}, nil, err
	}
	newNxmB, err := mulDiv(s.NxmB, newEth, s.Eth)
	if err != nil {
		return State{}, nil, err
	}
	next := s.Clone()
	next.NxmA, next.NxmB, next.Eth = newNxmA, newNxmB, newEth
	if err := next.Validate(); err != nil {
		return State{}, nil, err
	}
	return next, nxmOut, nil
}

// compensations records how to reverse each applied effect.
type compensations struct {
	steps []func(context.Context) error
}

func (c *compensations) push(step func(context.Context) error) {
	c.steps = append(c.steps, step)
}

// unwind reverses applied effects newest first and returns cause joined with
// any compensation failure. Compensation ignores cancellation of ctx.
func (c *compensations) unwind(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	errs := []error{cause}
	for i := len(c.steps) - 1; i >= 0; i-- {
		if err := c.steps[i](ctx); err != nil {
			errs = append(errs, fmt.Errorf("ramm engine: compensation failed: %w", err))
		}
	}
	c.steps = nil
	if len(errs) == 1 {
		return cause
	}
	return errors.Join(errs...)
}
