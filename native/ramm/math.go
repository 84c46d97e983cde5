package ramm

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Every amount and price handled by the RAMM is an unsigned 18-decimal fixed
// point number carried in a 256-bit integer.
const (
	// Decimals is the fixed-point precision of amounts and prices.
	Decimals = 18

	basisPointsDenominator = 10_000
)

var (
	wad         = uint256.NewInt(1_000_000_000_000_000_000)
	basisPoints = uint256.NewInt(basisPointsDenominator)
)

// Ether converts whole units (ETH or NXM) into the 18-decimal representation.
func Ether(units uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(units), wad)
}

// WAD returns a fresh copy of 1e18.
func WAD() *uint256.Int { return new(uint256.Int).Set(wad) }

func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, fmt.Errorf("%w: division by zero", ErrArithmeticOverflow)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(orZero(x), orZero(y), d)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}

func mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(orZero(x), orZero(y))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}

func add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(orZero(x), orZero(y))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}

// sub is checked subtraction; an underflow is reported as an overflow.
func sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(orZero(x), orZero(y))
	if underflow {
		return nil, fmt.Errorf("%w: subtraction underflow", ErrArithmeticOverflow)
	}
	return z, nil
}

func div(x, y *uint256.Int) (*uint256.Int, error) {
	if y == nil || y.IsZero() {
		return nil, fmt.Errorf("%w: division by zero", ErrArithmeticOverflow)
	}
	return new(uint256.Int).Div(orZero(x), y), nil
}

// subSat subtracts y from x clamping at zero.
func subSat(x, y *uint256.Int) *uint256.Int {
	x, y = orZero(x), orZero(y)
	if !x.Gt(y) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

func minOf(a, b *uint256.Int) *uint256.Int {
	a, b = orZero(a), orZero(b)
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

func maxOf(a, b *uint256.Int) *uint256.Int {
	a, b = orZero(a), orZero(b)
	if a.Gt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

func orZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x
}

func clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

func isPositive(x *uint256.Int) bool {
	return x != nil && !x.IsZero()
}

// scaleBps returns x * (10_000 + bps) / 10_000 when up is set and
// x * (10_000 - bps) / 10_000 otherwise.
func scaleBps(x *uint256.Int, bps uint64, up bool) (*uint256.Int, error) {
	factor := uint256.NewInt(basisPointsDenominator)
	if up {
		factor.AddUint64(factor, bps)
	} else {
		if bps >= basisPointsDenominator {
			return nil, fmt.Errorf("%w: buffer exceeds 100%%", ErrArithmeticOverflow)
		}
		factor.SubUint64(factor, bps)
	}
	return mulDiv(x, factor, basisPoints)
}
