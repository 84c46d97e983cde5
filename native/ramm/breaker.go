package ramm

import "github.com/holiman/uint256"

// BreakerKind selects one of the two circuit-breaker accumulators.
type BreakerKind uint8

const (
	// BreakerEth tracks ETH released to sellers of NXM.
	BreakerEth BreakerKind = iota + 1
	// BreakerNxm tracks NXM released to buyers.
	BreakerNxm
)

// CircuitBreaker accumulates released volume and compares it against limits
// expressed in whole tokens. Accumulators never decrease.
type CircuitBreaker struct {
	EthReleased *uint256.Int
	NxmReleased *uint256.Int
	EthLimit    uint32
	NxmLimit    uint32
}

// Clone returns a deep copy of the breaker.
func (cb CircuitBreaker) Clone() CircuitBreaker {
	return CircuitBreaker{
		EthReleased: clone(cb.EthReleased),
		NxmReleased: clone(cb.NxmReleased),
		EthLimit:    cb.EthLimit,
		NxmLimit:    cb.NxmLimit,
	}
}

// Charge adds amount to the accumulator of the given kind. When the new total
// would exceed the limit the breaker is left untouched and the matching
// breaker error is returned.
func (cb *CircuitBreaker) Charge(kind BreakerKind, amount *uint256.Int) error {
	var released *uint256.Int
	var limit uint32
	var tripped ErrorKind
	switch kind {
	case BreakerEth:
		released, limit, tripped = cb.EthReleased, cb.EthLimit, ErrEthCircuitBreakerHit
	case BreakerNxm:
		released, limit, tripped = cb.NxmReleased, cb.NxmLimit, ErrNxmCircuitBreakerHit
	default:
		return ErrInvalidState
	}
	total, err := add(released, amount)
	if err != nil {
		return tripped
	}
	if total.Gt(Ether(uint64(limit))) {
		return tripped
	}
	if kind == BreakerEth {
		cb.EthReleased = total
	} else {
		cb.NxmReleased = total
	}
	return nil
}

// SetLimits replaces both ceilings. Limits below the current accumulators are
// allowed and block the affected direction until raised again.
func (cb *CircuitBreaker) SetLimits(ethLimit, nxmLimit uint32) {
	cb.EthLimit = ethLimit
	cb.NxmLimit = nxmLimit
}

// Headroom returns how much more volume the given kind may release.
func (cb CircuitBreaker) Headroom(kind BreakerKind) *uint256.Int {
	switch kind {
	case BreakerEth:
		return subSat(Ether(uint64(cb.EthLimit)), cb.EthReleased)
	case BreakerNxm:
		return subSat(Ether(uint64(cb.NxmLimit)), cb.NxmReleased)
	default:
		return new(uint256.Int)
	}
}
