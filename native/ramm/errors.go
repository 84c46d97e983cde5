package ramm

import "errors"

// ErrorKind enumerates every reason a RAMM operation can be rejected. The kind
// itself satisfies the error interface so callers can match with errors.Is and
// recover the kind from wrapped errors with KindOf.
type ErrorKind uint8

const (
	_ ErrorKind = iota
	// ErrOneInputRequired indicates neither NXM nor ETH was supplied.
	ErrOneInputRequired
	// ErrOneInputOnly indicates both NXM and ETH were supplied.
	ErrOneInputOnly
	// ErrSwapExpired indicates the swap deadline is in the past.
	ErrSwapExpired
	// ErrSystemPaused indicates the protocol-wide pause is active.
	ErrSystemPaused
	// ErrSwapPaused indicates the RAMM emergency swap pause is active.
	ErrSwapPaused
	// ErrReentrantCall indicates a swap was attempted while another one is in flight.
	ErrReentrantCall
	// ErrNoSwapsInBufferZone indicates the swap would push capital below the MCR.
	ErrNoSwapsInBufferZone
	// ErrInsufficientAmountOut indicates the output fell below the caller's minimum.
	ErrInsufficientAmountOut
	// ErrEthCircuitBreakerHit indicates the cumulative ETH release limit was reached.
	ErrEthCircuitBreakerHit
	// ErrNxmCircuitBreakerHit indicates the cumulative NXM release limit was reached.
	ErrNxmCircuitBreakerHit
	// ErrLockedForVoting indicates the seller's NXM is locked by governance voting.
	ErrLockedForVoting
	// ErrEthTransferFailed indicates the outbound ETH transfer was rejected.
	ErrEthTransferFailed
	// ErrUnauthorized indicates the caller lacks the role required by an admin call.
	ErrUnauthorized
	// ErrNotInitialized indicates the reserve record has not been created yet.
	ErrNotInitialized
	// ErrAlreadyInitialized indicates a second genesis was attempted.
	ErrAlreadyInitialized
	// ErrInvalidState indicates a reserve record violates its invariants.
	ErrInvalidState
	// ErrInvalidValuation indicates capital or supply figures cannot be priced.
	ErrInvalidValuation
	// ErrProjectionInPast indicates a projection target precedes the state timestamp.
	ErrProjectionInPast
	// ErrArithmeticOverflow indicates a fixed-point operation left the 256-bit range.
	ErrArithmeticOverflow
)

var errorCodes = map[ErrorKind]string{
	ErrOneInputRequired:      "OneInputRequired",
	ErrOneInputOnly:          "OneInputOnly",
	ErrSwapExpired:           "SwapExpired",
	ErrSystemPaused:          "SystemPaused",
	ErrSwapPaused:            "SwapPaused",
	ErrReentrantCall:         "ReentrantCall",
	ErrNoSwapsInBufferZone:   "NoSwapsInBufferZone",
	ErrInsufficientAmountOut: "InsufficientAmountOut",
	ErrEthCircuitBreakerHit:  "EthCircuitBreakerHit",
	ErrNxmCircuitBreakerHit:  "NxmCircuitBreakerHit",
	ErrLockedForVoting:       "LockedForVoting",
	ErrEthTransferFailed:     "EthTransferFailed",
	ErrUnauthorized:          "Unauthorized",
	ErrNotInitialized:        "NotInitialized",
	ErrAlreadyInitialized:    "AlreadyInitialized",
	ErrInvalidState:          "InvalidState",
	ErrInvalidValuation:      "InvalidValuation",
	ErrProjectionInPast:      "ProjectionInPast",
	ErrArithmeticOverflow:    "ArithmeticOverflow",
}

var errorMessages = map[ErrorKind]string{
	ErrOneInputRequired:      "one of nxm or eth input is required",
	ErrOneInputOnly:          "only one of nxm or eth input may be supplied",
	ErrSwapExpired:           "swap deadline passed",
	ErrSystemPaused:          "system paused",
	ErrSwapPaused:            "swaps paused",
	ErrReentrantCall:         "reentrant call",
	ErrNoSwapsInBufferZone:   "swap would breach the mcr buffer zone",
	ErrInsufficientAmountOut: "amount out below minimum",
	ErrEthCircuitBreakerHit:  "eth circuit breaker hit",
	ErrNxmCircuitBreakerHit:  "nxm circuit breaker hit",
	ErrLockedForVoting:       "nxm locked for voting",
	ErrEthTransferFailed:     "eth transfer failed",
	ErrUnauthorized:          "caller not authorized",
	ErrNotInitialized:        "reserves not initialized",
	ErrAlreadyInitialized:    "reserves already initialized",
	ErrInvalidState:          "invalid reserve state",
	ErrInvalidValuation:      "invalid capital valuation",
	ErrProjectionInPast:      "projection target precedes state timestamp",
	ErrArithmeticOverflow:    "arithmetic overflow",
}

// Error implements the error interface.
func (k ErrorKind) Error() string {
	if msg, ok := errorMessages[k]; ok {
		return "ramm: " + msg
	}
	return "ramm: unknown error"
}

// Code returns the stable identifier used by API clients and metrics labels.
func (k ErrorKind) Code() string {
	if code, ok := errorCodes[k]; ok {
		return code
	}
	return "Unknown"
}

// KindOf extracts the ErrorKind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var kind ErrorKind
	if errors.As(err, &kind) {
		return kind, true
	}
	return 0, false
}
