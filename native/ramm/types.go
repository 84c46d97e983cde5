package ramm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// State is the persisted reserve record. Both NXM reserves are virtual: NxmA
// prices purchases of NXM and NxmB prices sales, while Eth is shared.
type State struct {
	// NxmA is the virtual NXM reserve quoted to buyers.
	NxmA *uint256.Int
	// NxmB is the virtual NXM reserve quoted to sellers.
	NxmB *uint256.Int
	// Eth is the ETH liquidity backing both curves.
	Eth *uint256.Int
	// Budget is the remaining allowance for fast liquidity injection.
	Budget *uint256.Int
	// RatchetSpeed is the sell-side ratchet rate in basis points per day.
	RatchetSpeed uint32
	// Timestamp is the unix second the reserves are valid as of.
	Timestamp uint64
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	return State{
		NxmA:         clone(s.NxmA),
		NxmB:         clone(s.NxmB),
		Eth:          clone(s.Eth),
		Budget:       clone(s.Budget),
		RatchetSpeed: s.RatchetSpeed,
		Timestamp:    s.Timestamp,
	}
}

// Validate enforces that every reserve is strictly positive.
func (s State) Validate() error {
	if !isPositive(s.NxmA) || !isPositive(s.NxmB) || !isPositive(s.Eth) {
		return ErrInvalidState
	}
	return nil
}

// Equal reports whether two states carry identical values.
func (s State) Equal(o State) bool {
	return orZero(s.NxmA).Eq(orZero(o.NxmA)) &&
		orZero(s.NxmB).Eq(orZero(o.NxmB)) &&
		orZero(s.Eth).Eq(orZero(o.Eth)) &&
		orZero(s.Budget).Eq(orZero(o.Budget)) &&
		s.RatchetSpeed == o.RatchetSpeed &&
		s.Timestamp == o.Timestamp
}

// SpotPrices returns the buy (A) and sell (B) prices in wei of ETH per whole NXM.
func (s State) SpotPrices() (*uint256.Int, *uint256.Int, error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	priceA, err := mulDiv(s.Eth, wad, s.NxmA)
	if err != nil {
		return nil, nil, err
	}
	priceB, err := mulDiv(s.Eth, wad, s.NxmB)
	if err != nil {
		return nil, nil, err
	}
	return priceA, priceB, nil
}

// Valuation carries the external capital figures a projection prices against.
// It is fetched fresh for every operation and never persisted.
type Valuation struct {
	// Capital is the pool value denominated in ETH.
	Capital *uint256.Int
	// Supply is the circulating NXM supply.
	Supply *uint256.Int
	// MCR is the minimum capital requirement denominated in ETH.
	MCR *uint256.Int
}

func (v Valuation) validate() error {
	if !isPositive(v.Capital) || !isPositive(v.Supply) {
		return ErrInvalidValuation
	}
	return nil
}

// BookValue returns capital per NXM scaled by 1e18.
func (v Valuation) BookValue() (*uint256.Int, error) {
	if err := v.validate(); err != nil {
		return nil, err
	}
	return mulDiv(v.Capital, wad, v.Supply)
}

// Liquidity reports how much ETH a projection injected or extracted. At most
// one of the two fields is non-zero.
type Liquidity struct {
	Injected  *uint256.Int
	Extracted *uint256.Int
}

func (l Liquidity) clone() Liquidity {
	return Liquidity{Injected: clone(l.Injected), Extracted: clone(l.Extracted)}
}

// Direction identifies which side of the market a swap trades against.
type Direction uint8

const (
	// DirectionEthForNxm buys NXM with ETH.
	DirectionEthForNxm Direction = iota + 1
	// DirectionNxmForEth sells NXM for ETH.
	DirectionNxmForEth
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case DirectionEthForNxm:
		return "eth_for_nxm"
	case DirectionNxmForEth:
		return "nxm_for_eth"
	default:
		return "unknown"
	}
}

// SwapRequest describes a single swap intent. Exactly one of NxmIn or EthIn
// must be positive; EthIn is the value attached by the caller.
type SwapRequest struct {
	Caller       common.Address
	NxmIn        *uint256.Int
	EthIn        *uint256.Int
	MinAmountOut *uint256.Int
	Deadline     uint64
}

// SwapReceipt summarises a committed swap.
type SwapReceipt struct {
	Direction Direction
	Caller    common.Address
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
	Liquidity Liquidity
	State     State
	Timestamp uint64
}

// Observation is one bucket of the cumulative price ring used for the TWAP.
type Observation struct {
	Timestamp            uint64
	PriceCumulativeAbove *uint256.Int
	PriceCumulativeBelow *uint256.Int
}

func (o Observation) clone() Observation {
	return Observation{
		Timestamp:            o.Timestamp,
		PriceCumulativeAbove: clone(o.PriceCumulativeAbove),
		PriceCumulativeBelow: clone(o.PriceCumulativeBelow),
	}
}

// Record is everything the engine persists in one write.
type Record struct {
	State        State
	Breaker      CircuitBreaker
	SwapPaused   bool
	Observations [Granularity]Observation
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		State:      r.State.Clone(),
		Breaker:    r.Breaker.Clone(),
		SwapPaused: r.SwapPaused,
	}
	for i := range r.Observations {
		out.Observations[i] = r.Observations[i].clone()
	}
	return out
}

// Genesis seeds the reserve record. Prices are wei of ETH per whole NXM.
type Genesis struct {
	Eth        *uint256.Int
	SpotPriceA *uint256.Int
	SpotPriceB *uint256.Int
	Budget     *uint256.Int
	Timestamp  uint64
	EthLimit   uint32
	NxmLimit   uint32
}
