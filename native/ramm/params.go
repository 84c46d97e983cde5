package ramm

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// Granularity is the number of TWAP observation buckets.
	Granularity = 3
	// PeriodSize is the width of one observation bucket in seconds.
	PeriodSize = 1 * 24 * 60 * 60

	secondsPerDay = 24 * 60 * 60
)

// Default tuning, denominated in whole ETH per day where applicable.
const (
	DefaultTargetLiquidity    = 5_000
	DefaultFastLiquiditySpeed = 1_500
	DefaultSlowLiquiditySpeed = 100
	DefaultExtractSpeed       = 100
	DefaultFastRatchetSpeed   = 5_000
	DefaultNormalRatchetSpeed = 400
	DefaultPriceBufferBps     = 100
	DefaultInitialBudget      = 43_835
	DefaultEthLimit           = 22_000
	DefaultNxmLimit           = 250_000
)

// Params groups the constants that shape projection. They are fixed for the
// lifetime of an engine.
type Params struct {
	// TargetLiquidity is the ETH reserve level injection and extraction converge on.
	TargetLiquidity *uint256.Int
	// FastLiquiditySpeed is the injection rate per LiquidityPeriod while budget remains.
	FastLiquiditySpeed *uint256.Int
	// SlowLiquiditySpeed is the injection rate per LiquidityPeriod once budget is spent.
	SlowLiquiditySpeed *uint256.Int
	// ExtractSpeed is the extraction rate per LiquidityPeriod above target.
	ExtractSpeed *uint256.Int
	// LiquidityPeriod is the time unit of the liquidity speeds in seconds.
	LiquidityPeriod uint64
	// RatchetPeriod is the time unit of the ratchet speeds in seconds.
	RatchetPeriod uint64
	// FastRatchetSpeed is the sell-side ratchet speed while budget remains.
	FastRatchetSpeed uint32
	// NormalRatchetSpeed is the buy-side ratchet speed and the sell-side speed
	// once budget is spent.
	NormalRatchetSpeed uint32
	// PriceBufferBps separates both targets from book value.
	PriceBufferBps uint64
}

// DefaultParams returns the production tuning.
func DefaultParams() Params {
	return Params{
		TargetLiquidity:    Ether(DefaultTargetLiquidity),
		FastLiquiditySpeed: Ether(DefaultFastLiquiditySpeed),
		SlowLiquiditySpeed: Ether(DefaultSlowLiquiditySpeed),
		ExtractSpeed:       Ether(DefaultExtractSpeed),
		LiquidityPeriod:    secondsPerDay,
		RatchetPeriod:      secondsPerDay,
		FastRatchetSpeed:   DefaultFastRatchetSpeed,
		NormalRatchetSpeed: DefaultNormalRatchetSpeed,
		PriceBufferBps:     DefaultPriceBufferBps,
	}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	if !isPositive(p.TargetLiquidity) {
		return fmt.Errorf("ramm params: target liquidity must be positive")
	}
	if !isPositive(p.FastLiquiditySpeed) {
		return fmt.Errorf("ramm params: fast liquidity speed must be positive")
	}
	if p.SlowLiquiditySpeed == nil || p.ExtractSpeed == nil {
		return fmt.Errorf("ramm params: liquidity speeds must be set")
	}
	if p.LiquidityPeriod == 0 || p.RatchetPeriod == 0 {
		return fmt.Errorf("ramm params: periods must be positive")
	}
	if p.PriceBufferBps >= basisPointsDenominator {
		return fmt.Errorf("ramm params: price buffer must be below 10000 bps")
	}
	return nil
}

// ratchetSpeedFor returns the sell-side speed applicable to the given budget.
func (p Params) ratchetSpeedFor(budget *uint256.Int) uint32 {
	if isPositive(budget) {
		return p.FastRatchetSpeed
	}
	return p.NormalRatchetSpeed
}
