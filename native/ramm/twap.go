package ramm

import "github.com/holiman/uint256"

func observationIndex(timestamp uint64) int {
	return int(timestamp / PeriodSize % Granularity)
}

// genesisObservations seeds every bucket at the genesis timestamp so the first
// averaging window starts there.
func genesisObservations(timestamp uint64) [Granularity]Observation {
	var out [Granularity]Observation
	for i := range out {
		out[i] = Observation{
			Timestamp:            timestamp,
			PriceCumulativeAbove: new(uint256.Int),
			PriceCumulativeBelow: new(uint256.Int),
		}
	}
	return out
}

// advanceObservations accumulates the trapezoid of spot prices between the
// last committed state and next, writing the result into the bucket owning
// next.Timestamp. Buckets skipped by a gap of more than one period are filled
// from the reserves at each bucket boundary, as given by at. The input ring is
// left untouched.
func advanceObservations(observations [Granularity]Observation, prev, next State, at func(timestamp uint64) (State, error)) ([Granularity]Observation, error) {
	var out [Granularity]Observation
	for i := range observations {
		out[i] = observations[i].clone()
	}
	cursor := out[observationIndex(prev.Timestamp)]
	if next.Timestamp <= cursor.Timestamp {
		return out, nil
	}
	from := prev
	for _, boundary := range skippedBoundaries(max(cursor.Timestamp, prev.Timestamp), next.Timestamp) {
		to, err := at(boundary)
		if err != nil {
			return out, err
		}
		if cursor, err = observe(cursor, from, to); err != nil {
			return out, err
		}
		out[observationIndex(boundary)] = cursor
		from = to
	}
	last, err := observe(cursor, from, next)
	if err != nil {
		return out, err
	}
	out[observationIndex(next.Timestamp)] = last
	return out, nil
}

// skippedBoundaries lists the bucket starts after from and before the bucket
// owning to. Only the newest Granularity-1 are kept; older ones would be
// overwritten within the same advance.
func skippedBoundaries(from, to uint64) []uint64 {
	first := (from/PeriodSize + 1) * PeriodSize
	end := to / PeriodSize * PeriodSize
	if first >= end {
		return nil
	}
	if (end-first)/PeriodSize > Granularity-1 {
		first = end - (Granularity-1)*PeriodSize
	}
	out := make([]uint64, 0, Granularity-1)
	for b := first; b < end; b += PeriodSize {
		out = append(out, b)
	}
	return out
}

// observe extends cursor to to.Timestamp along the straight line between the
// spot prices of from and to.
func observe(cursor Observation, from, to State) (Observation, error) {
	elapsed := uint256.NewInt(to.Timestamp - cursor.Timestamp)
	fromA, fromB, err := from.SpotPrices()
	if err != nil {
		return Observation{}, err
	}
	toA, toB, err := to.SpotPrices()
	if err != nil {
		return Observation{}, err
	}
	cumA, err := accumulate(cursor.PriceCumulativeAbove, fromA, toA, elapsed)
	if err != nil {
		return Observation{}, err
	}
	cumB, err := accumulate(cursor.PriceCumulativeBelow, fromB, toB, elapsed)
	if err != nil {
		return Observation{}, err
	}
	return Observation{
		Timestamp:            to.Timestamp,
		PriceCumulativeAbove: cumA,
		PriceCumulativeBelow: cumB,
	}, nil
}

func accumulate(cumulative, from, to, elapsed *uint256.Int) (*uint256.Int, error) {
	sum, err := add(from, to)
	if err != nil {
		return nil, err
	}
	area, err := mulDiv(sum, elapsed, uint256.NewInt(2))
	if err != nil {
		return nil, err
	}
	return add(cumulative, area)
}

// internalPrice blends the time-weighted buy and sell prices with book value:
// avgA + avgB - BV, bounded to [avgB, avgA]. Each average is capped by the
// current spot so a stale window never quotes past the live curve. The ring
// must already be advanced to current.Timestamp.
func internalPrice(observations [Granularity]Observation, current State, valuation Valuation) (*uint256.Int, error) {
	spotA, spotB, err := current.SpotPrices()
	if err != nil {
		return nil, err
	}
	bookValue, err := valuation.BookValue()
	if err != nil {
		return nil, err
	}

	latest := observations[observationIndex(current.Timestamp)]
	oldest := observations[(observationIndex(current.Timestamp)+1)%Granularity]
	if latest.Timestamp <= oldest.Timestamp {
		// no window yet: quote the spot mid
		mid, err := add(spotA, spotB)
		if err != nil {
			return nil, err
		}
		return maxOf(minOf(mid.Rsh(mid, 1), spotA), spotB), nil
	}

	window := uint256.NewInt(latest.Timestamp - oldest.Timestamp)
	avgA, err := div(subSat(latest.PriceCumulativeAbove, oldest.PriceCumulativeAbove), window)
	if err != nil {
		return nil, err
	}
	avgB, err := div(subSat(latest.PriceCumulativeBelow, oldest.PriceCumulativeBelow), window)
	if err != nil {
		return nil, err
	}
	avgA = minOf(avgA, spotA)
	avgB = maxOf(avgB, spotB)

	blended, err := add(avgA, avgB)
	if err != nil {
		return nil, err
	}
	blended = subSat(blended, bookValue)
	return maxOf(minOf(blended, avgA), avgB), nil
}
