package ramm

import "github.com/holiman/uint256"

// Project computes the reserves as of target without touching its inputs.
// Liquidity is first moved toward the target level, which rescales both NXM
// reserves so spot prices are preserved, then both NXM reserves ratchet toward
// book value at a rate bounded by the elapsed time.
func Project(state State, valuation Valuation, target uint64, params Params) (State, Liquidity, error) {
	if err := state.Validate(); err != nil {
		return State{}, Liquidity{}, err
	}
	if err := valuation.validate(); err != nil {
		return State{}, Liquidity{}, err
	}
	if target < state.Timestamp {
		return State{}, Liquidity{}, ErrProjectionInPast
	}
	elapsed := target - state.Timestamp

	eth, budget, liquidity, err := adjustLiquidity(state.Eth, state.Budget, valuation, elapsed, params)
	if err != nil {
		return State{}, Liquidity{}, err
	}

	nxmA, err := mulDiv(state.NxmA, eth, state.Eth)
	if err != nil {
		return State{}, Liquidity{}, err
	}
	nxmB, err := mulDiv(state.NxmB, eth, state.Eth)
	if err != nil {
		return State{}, Liquidity{}, err
	}

	speedA, err := mul(uint256.NewInt(elapsed), uint256.NewInt(uint64(params.NormalRatchetSpeed)))
	if err != nil {
		return State{}, Liquidity{}, err
	}
	speedB, err := mul(uint256.NewInt(elapsed), uint256.NewInt(uint64(state.RatchetSpeed)))
	if err != nil {
		return State{}, Liquidity{}, err
	}
	if nxmA, err = ratchetAbove(nxmA, eth, valuation, speedA, params); err != nil {
		return State{}, Liquidity{}, err
	}
	if nxmB, err = ratchetBelow(nxmB, eth, valuation, speedB, params); err != nil {
		return State{}, Liquidity{}, err
	}

	projected := State{
		NxmA:         nxmA,
		NxmB:         nxmB,
		Eth:          eth,
		Budget:       budget,
		RatchetSpeed: params.ratchetSpeedFor(budget),
		Timestamp:    target,
	}
	if err := projected.Validate(); err != nil {
		return State{}, Liquidity{}, err
	}
	return projected, liquidity, nil
}

// adjustLiquidity injects ETH below the target level and extracts it above.
// Injection never exceeds the gap to the target nor the capital headroom above
// MCR plus the target, so a long idle period cannot inject unboundedly.
func adjustLiquidity(eth, budget *uint256.Int, v Valuation, elapsed uint64, p Params) (*uint256.Int, *uint256.Int, Liquidity, error) {
	liquidity := Liquidity{Injected: new(uint256.Int), Extracted: new(uint256.Int)}
	period := uint256.NewInt(p.LiquidityPeriod)
	dt := uint256.NewInt(elapsed)

	if eth.Lt(p.TargetLiquidity) {
		maxToInject := new(uint256.Int)
		floor, err := add(v.MCR, p.TargetLiquidity)
		if err != nil {
			return nil, nil, Liquidity{}, err
		}
		if v.Capital.Gt(floor) {
			maxToInject = minOf(new(uint256.Int).Sub(p.TargetLiquidity, eth), new(uint256.Int).Sub(v.Capital, floor))
		}

		fastWindow, err := mulDiv(budget, period, p.FastLiquiditySpeed)
		if err != nil {
			return nil, nil, Liquidity{}, err
		}
		var amount *uint256.Int
		if !dt.Gt(fastWindow) {
			if amount, err = mulDiv(dt, p.FastLiquiditySpeed, period); err != nil {
				return nil, nil, Liquidity{}, err
			}
		} else {
			fast, err := mulDiv(fastWindow, p.FastLiquiditySpeed, period)
			if err != nil {
				return nil, nil, Liquidity{}, err
			}
			slow, err := mulDiv(new(uint256.Int).Sub(dt, fastWindow), p.SlowLiquiditySpeed, period)
			if err != nil {
				return nil, nil, Liquidity{}, err
			}
			if amount, err = add(fast, slow); err != nil {
				return nil, nil, Liquidity{}, err
			}
		}

		injected := minOf(amount, maxToInject)
		newEth, err := add(eth, injected)
		if err != nil {
			return nil, nil, Liquidity{}, err
		}
		liquidity.Injected = injected
		return newEth, subSat(budget, injected), liquidity, nil
	}

	rate, err := mulDiv(dt, p.ExtractSpeed, period)
	if err != nil {
		return nil, nil, Liquidity{}, err
	}
	extracted := minOf(rate, new(uint256.Int).Sub(eth, p.TargetLiquidity))
	liquidity.Extracted = extracted
	return new(uint256.Int).Sub(eth, extracted), clone(budget), liquidity, nil
}

// ratchetAbove lowers the buy price toward book value plus the buffer. The
// price falls by speed/10_000 of book value per ratchet period and snaps to
// the target once it would cross it.
func ratchetAbove(nxmA, eth *uint256.Int, v Valuation, speed *uint256.Int, p Params) (*uint256.Int, error) {
	bufferedCapital, err := scaleBps(v.Capital, p.PriceBufferBps, true)
	if err != nil {
		return nil, err
	}
	ethSupply, err := mul(eth, v.Supply)
	if err != nil {
		return nil, err
	}
	atTarget := func() (*uint256.Int, error) { return div(ethSupply, bufferedCapital) }

	periodDenominator, err := mul(uint256.NewInt(p.RatchetPeriod), basisPoints)
	if err != nil {
		return nil, err
	}
	capitalReserve, err := mul(v.Capital, nxmA)
	if err != nil {
		return nil, err
	}
	ratcheted, err := mulDiv(capitalReserve, speed, periodDenominator)
	if err != nil {
		return nil, err
	}
	buffered, err := mul(bufferedCapital, nxmA)
	if err != nil {
		return nil, err
	}
	threshold, err := add(buffered, ratcheted)
	if err != nil {
		return nil, err
	}
	if ethSupply.Lt(threshold) {
		return atTarget()
	}

	supplyDenominator, err := mul(v.Supply, periodDenominator)
	if err != nil {
		return nil, err
	}
	addend, err := mulDiv(capitalReserve, speed, supplyDenominator)
	if err != nil {
		return nil, err
	}
	if !eth.Gt(addend) {
		return atTarget()
	}
	return mulDiv(eth, nxmA, new(uint256.Int).Sub(eth, addend))
}

// ratchetBelow raises the sell price toward book value minus the buffer,
// mirroring ratchetAbove.
func ratchetBelow(nxmB, eth *uint256.Int, v Valuation, speed *uint256.Int, p Params) (*uint256.Int, error) {
	bufferedCapital, err := scaleBps(v.Capital, p.PriceBufferBps, false)
	if err != nil {
		return nil, err
	}
	if bufferedCapital.IsZero() {
		return nil, ErrInvalidValuation
	}
	ethSupply, err := mul(eth, v.Supply)
	if err != nil {
		return nil, err
	}

	periodDenominator, err := mul(uint256.NewInt(p.RatchetPeriod), basisPoints)
	if err != nil {
		return nil, err
	}
	capitalReserve, err := mul(v.Capital, nxmB)
	if err != nil {
		return nil, err
	}
	ratcheted, err := mulDiv(capitalReserve, speed, periodDenominator)
	if err != nil {
		return nil, err
	}
	buffered, err := mul(bufferedCapital, nxmB)
	if err != nil {
		return nil, err
	}
	ceiling, err := add(ethSupply, ratcheted)
	if err != nil {
		return nil, err
	}
	if !buffered.Gt(ceiling) {
		return div(ethSupply, bufferedCapital)
	}

	supplyDenominator, err := mul(v.Supply, periodDenominator)
	if err != nil {
		return nil, err
	}
	addend, err := mulDiv(capitalReserve, speed, supplyDenominator)
	if err != nil {
		return nil, err
	}
	denominator, err := add(eth, addend)
	if err != nil {
		return nil, err
	}
	return mulDiv(eth, nxmB, denominator)
}
