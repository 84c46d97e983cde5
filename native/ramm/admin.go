package ramm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"nxmramm/core/events"
)

func (e *Engine) authorize(ctx context.Context, role Role, caller common.Address) error {
	ok, err := e.deps.Master.HasRole(ctx, role, caller)
	if err != nil {
		return fmt.Errorf("%w: role lookup: %w", ErrUnauthorized, err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// update applies mutate to a copy of the committed record and persists it.
func (e *Engine) update(mutate func(*Record)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return ErrNotInitialized
	}
	record := e.record.Clone()
	mutate(record)
	if err := e.deps.Store.PutRAMMRecord(record); err != nil {
		return fmt.Errorf("ramm engine: persist record: %w", err)
	}
	e.record = record
	return nil
}

// SetEmergencySwapPause toggles the RAMM-local swap pause. It is independent
// of the system-wide pause held by the master registry.
func (e *Engine) SetEmergencySwapPause(ctx context.Context, caller common.Address, paused bool) error {
	if err := e.authorize(ctx, RoleEmergencyAdmin, caller); err != nil {
		return err
	}
	if err := e.update(func(r *Record) { r.SwapPaused = paused }); err != nil {
		return err
	}
	e.emit(events.RAMMSwapPauseConfigured{Caller: caller, Paused: paused})
	return nil
}

// SetCircuitBreakerLimits replaces the breaker ceilings, in whole ETH and
// whole NXM. Accumulators are left untouched.
func (e *Engine) SetCircuitBreakerLimits(ctx context.Context, caller common.Address, ethLimit, nxmLimit uint32) error {
	if err := e.authorize(ctx, RoleEmergencyAdmin, caller); err != nil {
		return err
	}
	if err := e.update(func(r *Record) { r.Breaker.SetLimits(ethLimit, nxmLimit) }); err != nil {
		return err
	}
	e.emit(events.RAMMCircuitBreakerLimitsUpdated{Caller: caller, EthLimit: ethLimit, NxmLimit: nxmLimit})
	return nil
}

// RemoveBudget zeroes the fast-injection budget. Reserves are not projected;
// the sell ratchet drops to normal speed from the next projection on.
func (e *Engine) RemoveBudget(ctx context.Context, caller common.Address) error {
	if err := e.authorize(ctx, RoleGovernance, caller); err != nil {
		return err
	}
	var previous *uint256.Int
	err := e.update(func(r *Record) {
		previous = clone(r.State.Budget)
		r.State.Budget = new(uint256.Int)
	})
	if err != nil {
		return err
	}
	e.emit(events.RAMMBudgetRemoved{Caller: caller, Previous: previous})
	return nil
}
