package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaSwapsExceeded   = errors.New("quota swaps exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	Swaps   uint32
	EpochID uint64
}

// Quota bounds how many swaps a single address may submit per epoch.
type Quota struct {
	MaxSwapsPerEpoch uint32
	EpochSeconds     uint32
}

// Epoch maps a unix timestamp onto the quota epoch identifier. A zero epoch
// length collapses every timestamp into epoch zero.
func (q Quota) Epoch(now uint64) uint64 {
	if q.EpochSeconds == 0 {
		return 0
	}
	return now / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether the additional swaps fit within the configured
// quota. The returned QuotaNow reflects the updated counters when the quota is
// not exceeded; on denial the previous counters are returned unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addSwaps uint32) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addSwaps > 0 {
		if next.Swaps > math.MaxUint32-addSwaps {
			return prev, ErrQuotaCounterOverflow
		}
		next.Swaps += addSwaps
	}
	if q.MaxSwapsPerEpoch > 0 && next.Swaps > q.MaxSwapsPerEpoch {
		return prev, ErrQuotaSwapsExceeded
	}
	return next, nil
}
