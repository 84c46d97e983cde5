package ramm

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestMulDivRoundsDown(t *testing.T) {
	got, err := mulDiv(uint256.NewInt(10), uint256.NewInt(10), uint256.NewInt(3))
	if err != nil {
		t.Fatalf("mulDiv: %v", err)
	}
	if got.Uint64() != 33 {
		t.Fatalf("expected 33, got %s", got.Dec())
	}
}

func TestMulDivKeepsWideIntermediate(t *testing.T) {
	// 2^255 * 4 / 8 overflows the product but not the result.
	x := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	got, err := mulDiv(x, uint256.NewInt(4), uint256.NewInt(8))
	if err != nil {
		t.Fatalf("mulDiv: %v", err)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 254)
	if !got.Eq(want) {
		t.Fatalf("expected %s, got %s", want.Dec(), got.Dec())
	}
}

func TestCheckedArithmeticFailures(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	if _, err := mulDiv(max, max, uint256.NewInt(1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := mulDiv(uint256.NewInt(1), uint256.NewInt(1), new(uint256.Int)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected division by zero, got %v", err)
	}
	if _, err := add(max, uint256.NewInt(1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected add overflow, got %v", err)
	}
	if _, err := mul(max, uint256.NewInt(2)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected mul overflow, got %v", err)
	}
	if _, err := sub(uint256.NewInt(1), uint256.NewInt(2)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	if _, err := div(uint256.NewInt(1), nil); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected division by zero, got %v", err)
	}
}

func TestSaturatingHelpers(t *testing.T) {
	if got := subSat(uint256.NewInt(3), uint256.NewInt(5)); !got.IsZero() {
		t.Fatalf("expected zero, got %s", got.Dec())
	}
	if got := subSat(uint256.NewInt(5), nil); got.Uint64() != 5 {
		t.Fatalf("expected 5, got %s", got.Dec())
	}
	a, b := uint256.NewInt(2), uint256.NewInt(9)
	if minOf(a, b).Uint64() != 2 || maxOf(a, b).Uint64() != 9 {
		t.Fatalf("min/max mismatch")
	}
	m := minOf(a, b)
	m.SetUint64(100)
	if a.Uint64() != 2 {
		t.Fatalf("minOf must return a copy")
	}
}

func TestScaleBps(t *testing.T) {
	up, err := scaleBps(Ether(100), 100, true)
	if err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if !up.Eq(Ether(101)) {
		t.Fatalf("expected 101 ether, got %s", up.Dec())
	}
	down, err := scaleBps(Ether(100), 100, false)
	if err != nil {
		t.Fatalf("scale down: %v", err)
	}
	if !down.Eq(Ether(99)) {
		t.Fatalf("expected 99 ether, got %s", down.Dec())
	}
	if _, err := scaleBps(Ether(1), basisPointsDenominator, false); err == nil {
		t.Fatalf("expected error for full buffer")
	}
}

func TestEtherAndWAD(t *testing.T) {
	if Ether(1).Dec() != "1000000000000000000" {
		t.Fatalf("unexpected ether: %s", Ether(1).Dec())
	}
	w := WAD()
	w.SetUint64(0)
	if WAD().IsZero() {
		t.Fatalf("WAD must return a fresh copy")
	}
}

func TestErrorKindCodes(t *testing.T) {
	if ErrSwapPaused.Code() != "SwapPaused" {
		t.Fatalf("unexpected code: %s", ErrSwapPaused.Code())
	}
	if ErrorKind(200).Code() != "Unknown" {
		t.Fatalf("expected unknown code")
	}
	wrapped := errors.Join(errors.New("context"), ErrNoSwapsInBufferZone)
	kind, ok := KindOf(wrapped)
	if !ok || kind != ErrNoSwapsInBufferZone {
		t.Fatalf("expected buffer zone kind, got %v %v", kind, ok)
	}
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatalf("plain errors carry no kind")
	}
}
