package ramm

import "nxmramm/core/events"

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// emitLiquidity reports the liquidity a committed projection moved. Events
// precede the swap event they were projected for.
func (e *Engine) emitLiquidity(l Liquidity) {
	if isPositive(l.Injected) {
		e.emit(events.RAMMEthInjected{Amount: clone(l.Injected)})
	}
	if isPositive(l.Extracted) {
		e.emit(events.RAMMEthExtracted{Amount: clone(l.Extracted)})
	}
}

func (e *Engine) emitSwap(direction Direction, receipt *SwapReceipt) {
	switch direction {
	case DirectionNxmForEth:
		e.emit(events.RAMMNxmSwappedForEth{User: receipt.Caller, NxmIn: clone(receipt.AmountIn), EthOut: clone(receipt.AmountOut)})
	case DirectionEthForNxm:
		e.emit(events.RAMMEthSwappedForNxm{User: receipt.Caller, EthIn: clone(receipt.AmountIn), NxmOut: clone(receipt.AmountOut)})
	}
}
