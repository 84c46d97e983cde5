package server

import (
	"github.com/holiman/uint256"

	"nxmramm/native/ramm"
)

// Amounts on the wire are decimal wei strings.

// StateView is a reserve record.
type StateView struct {
	NxmA         string `json:"nxmA"`
	NxmB         string `json:"nxmB"`
	Eth          string `json:"eth"`
	Budget       string `json:"budget"`
	RatchetSpeed uint32 `json:"ratchetSpeed"`
	Timestamp    uint64 `json:"timestamp"`
}

// ReservesView is the projected state with the liquidity the projection moved.
type ReservesView struct {
	State     StateView `json:"state"`
	Injected  string    `json:"injected"`
	Extracted string    `json:"extracted"`
}

// PricesView reports both curve prices, book value and the TWAP internal price.
type PricesView struct {
	SpotPriceA    string `json:"spotPriceA"`
	SpotPriceB    string `json:"spotPriceB"`
	BookValue     string `json:"bookValue"`
	InternalPrice string `json:"internalPrice"`
}

// BreakerView reports the circuit breakers and the emergency pause.
type BreakerView struct {
	EthReleased string `json:"ethReleased"`
	NxmReleased string `json:"nxmReleased"`
	EthLimit    uint32 `json:"ethLimit"`
	NxmLimit    uint32 `json:"nxmLimit"`
	EthHeadroom string `json:"ethHeadroom"`
	NxmHeadroom string `json:"nxmHeadroom"`
	SwapPaused  bool   `json:"swapPaused"`
}

// SwapRequest is the body of POST /v1/swap. Exactly one of NxmIn or EthIn is
// expected to be positive; the engine reports otherwise.
type SwapRequest struct {
	NxmIn        string `json:"nxmIn,omitempty"`
	EthIn        string `json:"ethIn,omitempty"`
	MinAmountOut string `json:"minAmountOut,omitempty"`
	Deadline     uint64 `json:"deadline,omitempty"`
}

// SwapView is a committed swap.
type SwapView struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	User      string    `json:"user"`
	AmountIn  string    `json:"amountIn"`
	AmountOut string    `json:"amountOut"`
	Injected  string    `json:"injected"`
	Extracted string    `json:"extracted"`
	Timestamp uint64    `json:"timestamp"`
	State     StateView `json:"state"`
}

// SwapPauseRequest toggles the emergency swap pause.
type SwapPauseRequest struct {
	Paused bool `json:"paused"`
}

// BreakerLimitsRequest replaces both breaker limits, in whole tokens.
type BreakerLimitsRequest struct {
	EthLimit uint32 `json:"ethLimit"`
	NxmLimit uint32 `json:"nxmLimit"`
}

// AccountView reports wallet balances.
type AccountView struct {
	Address string `json:"address"`
	Nxm     string `json:"nxm"`
	Eth     string `json:"eth"`
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func wei(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func stateView(s ramm.State) StateView {
	return StateView{
		NxmA:         wei(s.NxmA),
		NxmB:         wei(s.NxmB),
		Eth:          wei(s.Eth),
		Budget:       wei(s.Budget),
		RatchetSpeed: s.RatchetSpeed,
		Timestamp:    s.Timestamp,
	}
}
