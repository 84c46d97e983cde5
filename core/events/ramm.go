package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"nxmramm/core/types"
)

const (
	// TypeRAMMNxmSwappedForEth is emitted when a user sells NXM to the RAMM.
	TypeRAMMNxmSwappedForEth = "ramm.nxm_swapped_for_eth"
	// TypeRAMMEthSwappedForNxm is emitted when a user buys NXM from the RAMM.
	TypeRAMMEthSwappedForNxm = "ramm.eth_swapped_for_nxm"
	// TypeRAMMEthInjected is emitted when a projection injected liquidity.
	TypeRAMMEthInjected = "ramm.eth_injected"
	// TypeRAMMEthExtracted is emitted when a projection extracted liquidity.
	TypeRAMMEthExtracted = "ramm.eth_extracted"
	// TypeRAMMSwapPauseConfigured is emitted when the emergency swap pause toggles.
	TypeRAMMSwapPauseConfigured = "ramm.swap_pause_configured"
	// TypeRAMMCircuitBreakerLimitsUpdated is emitted when breaker limits change.
	TypeRAMMCircuitBreakerLimitsUpdated = "ramm.circuit_breaker_limits_updated"
	// TypeRAMMBudgetRemoved is emitted when governance zeroes the injection budget.
	TypeRAMMBudgetRemoved = "ramm.budget_removed"
)

// RAMMNxmSwappedForEth records a sale of NXM for ETH.
type RAMMNxmSwappedForEth struct {
	User   common.Address
	NxmIn  *uint256.Int
	EthOut *uint256.Int
}

func (RAMMNxmSwappedForEth) EventType() string { return TypeRAMMNxmSwappedForEth }

// Event renders the swap for downstream consumers.
func (e RAMMNxmSwappedForEth) Event() *types.Event {
	return &types.Event{
		Type: TypeRAMMNxmSwappedForEth,
		Attributes: map[string]string{
			"user":   e.User.Hex(),
			"nxmIn":  amountString(e.NxmIn),
			"ethOut": amountString(e.EthOut),
		},
	}
}

// RAMMEthSwappedForNxm records a purchase of NXM with ETH.
type RAMMEthSwappedForNxm struct {
	User   common.Address
	EthIn  *uint256.Int
	NxmOut *uint256.Int
}

func (RAMMEthSwappedForNxm) EventType() string { return TypeRAMMEthSwappedForNxm }

// Event renders the swap for downstream consumers.
func (e RAMMEthSwappedForNxm) Event() *types.Event {
	return &types.Event{
		Type: TypeRAMMEthSwappedForNxm,
		Attributes: map[string]string{
			"user":   e.User.Hex(),
			"ethIn":  amountString(e.EthIn),
			"nxmOut": amountString(e.NxmOut),
		},
	}
}

// RAMMEthInjected records ETH moved into the virtual reserve.
type RAMMEthInjected struct {
	Amount *uint256.Int
}

func (RAMMEthInjected) EventType() string { return TypeRAMMEthInjected }

func (e RAMMEthInjected) Event() *types.Event {
	return &types.Event{
		Type:       TypeRAMMEthInjected,
		Attributes: map[string]string{"amount": amountString(e.Amount)},
	}
}

// RAMMEthExtracted records ETH moved out of the virtual reserve.
type RAMMEthExtracted struct {
	Amount *uint256.Int
}

func (RAMMEthExtracted) EventType() string { return TypeRAMMEthExtracted }

func (e RAMMEthExtracted) Event() *types.Event {
	return &types.Event{
		Type:       TypeRAMMEthExtracted,
		Attributes: map[string]string{"amount": amountString(e.Amount)},
	}
}

// RAMMSwapPauseConfigured records a toggle of the emergency swap pause.
type RAMMSwapPauseConfigured struct {
	Caller common.Address
	Paused bool
}

func (RAMMSwapPauseConfigured) EventType() string { return TypeRAMMSwapPauseConfigured }

func (e RAMMSwapPauseConfigured) Event() *types.Event {
	return &types.Event{
		Type: TypeRAMMSwapPauseConfigured,
		Attributes: map[string]string{
			"caller": e.Caller.Hex(),
			"paused": strconv.FormatBool(e.Paused),
		},
	}
}

// RAMMCircuitBreakerLimitsUpdated records new breaker ceilings in whole tokens.
type RAMMCircuitBreakerLimitsUpdated struct {
	Caller   common.Address
	EthLimit uint32
	NxmLimit uint32
}

func (RAMMCircuitBreakerLimitsUpdated) EventType() string {
	return TypeRAMMCircuitBreakerLimitsUpdated
}

func (e RAMMCircuitBreakerLimitsUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeRAMMCircuitBreakerLimitsUpdated,
		Attributes: map[string]string{
			"caller":   e.Caller.Hex(),
			"ethLimit": strconv.FormatUint(uint64(e.EthLimit), 10),
			"nxmLimit": strconv.FormatUint(uint64(e.NxmLimit), 10),
		},
	}
}

// RAMMBudgetRemoved records governance zeroing the injection budget.
type RAMMBudgetRemoved struct {
	Caller   common.Address
	Previous *uint256.Int
}

func (RAMMBudgetRemoved) EventType() string { return TypeRAMMBudgetRemoved }

func (e RAMMBudgetRemoved) Event() *types.Event {
	return &types.Event{
		Type: TypeRAMMBudgetRemoved,
		Attributes: map[string]string{
			"caller":   e.Caller.Hex(),
			"previous": amountString(e.Previous),
		},
	}
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
