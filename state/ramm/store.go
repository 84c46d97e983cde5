package ramm

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	nativeramm "nxmramm/native/ramm"
	"nxmramm/storage"
)

const recordVersion uint8 = 1

var recordKey = ethcrypto.Keccak256([]byte("ramm/record"))

// Store persists the RAMM reserve record as a single RLP blob.
type Store struct {
	db storage.Database
}

// NewStore wraps the key-value database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedObservation struct {
	Timestamp uint64
	Above     *big.Int
	Below     *big.Int
}

type storedRecord struct {
	Version      uint8
	NxmA         *big.Int
	NxmB         *big.Int
	Eth          *big.Int
	Budget       *big.Int
	RatchetSpeed uint32
	Timestamp    uint64
	EthReleased  *big.Int
	NxmReleased  *big.Int
	EthLimit     uint32
	NxmLimit     uint32
	SwapPaused   bool
	Observations []storedObservation
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v.ToBig()
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("ramm store: value exceeds 256 bits")
	}
	return out, nil
}

func newStoredRecord(r *nativeramm.Record) *storedRecord {
	out := &storedRecord{
		Version:      recordVersion,
		NxmA:         toBig(r.State.NxmA),
		NxmB:         toBig(r.State.NxmB),
		Eth:          toBig(r.State.Eth),
		Budget:       toBig(r.State.Budget),
		RatchetSpeed: r.State.RatchetSpeed,
		Timestamp:    r.State.Timestamp,
		EthReleased:  toBig(r.Breaker.EthReleased),
		NxmReleased:  toBig(r.Breaker.NxmReleased),
		EthLimit:     r.Breaker.EthLimit,
		NxmLimit:     r.Breaker.NxmLimit,
		SwapPaused:   r.SwapPaused,
		Observations: make([]storedObservation, 0, len(r.Observations)),
	}
	for _, obs := range r.Observations {
		out.Observations = append(out.Observations, storedObservation{
			Timestamp: obs.Timestamp,
			Above:     toBig(obs.PriceCumulativeAbove),
			Below:     toBig(obs.PriceCumulativeBelow),
		})
	}
	return out
}

func (s *storedRecord) toRecord() (*nativeramm.Record, error) {
	if s.Version != recordVersion {
		return nil, fmt.Errorf("ramm store: unsupported record version %d", s.Version)
	}
	if len(s.Observations) != nativeramm.Granularity {
		return nil, fmt.Errorf("ramm store: expected %d observations, got %d", nativeramm.Granularity, len(s.Observations))
	}
	values := []*big.Int{s.NxmA, s.NxmB, s.Eth, s.Budget, s.EthReleased, s.NxmReleased}
	decoded := make([]*uint256.Int, len(values))
	for i, v := range values {
		out, err := fromBig(v)
		if err != nil {
			return nil, err
		}
		decoded[i] = out
	}
	record := &nativeramm.Record{
		State: nativeramm.State{
			NxmA:         decoded[0],
			NxmB:         decoded[1],
			Eth:          decoded[2],
			Budget:       decoded[3],
			RatchetSpeed: s.RatchetSpeed,
			Timestamp:    s.Timestamp,
		},
		Breaker: nativeramm.CircuitBreaker{
			EthReleased: decoded[4],
			NxmReleased: decoded[5],
			EthLimit:    s.EthLimit,
			NxmLimit:    s.NxmLimit,
		},
		SwapPaused: s.SwapPaused,
	}
	for i, obs := range s.Observations {
		above, err := fromBig(obs.Above)
		if err != nil {
			return nil, err
		}
		below, err := fromBig(obs.Below)
		if err != nil {
			return nil, err
		}
		record.Observations[i] = nativeramm.Observation{
			Timestamp:            obs.Timestamp,
			PriceCumulativeAbove: above,
			PriceCumulativeBelow: below,
		}
	}
	return record, nil
}

// RAMMRecord loads the committed record. The boolean is false when nothing has
// been written yet.
func (s *Store) RAMMRecord() (*nativeramm.Record, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("ramm store: database unavailable")
	}
	data, err := s.db.Get(recordKey)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && len(data) == 0) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ramm store: read record: %w", err)
	}
	stored := new(storedRecord)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("ramm store: decode record: %w", err)
	}
	record, err := stored.toRecord()
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// PutRAMMRecord overwrites the committed record.
func (s *Store) PutRAMMRecord(record *nativeramm.Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ramm store: database unavailable")
	}
	if record == nil {
		return fmt.Errorf("ramm store: nil record")
	}
	encoded, err := rlp.EncodeToBytes(newStoredRecord(record))
	if err != nil {
		return fmt.Errorf("ramm store: encode record: %w", err)
	}
	if err := s.db.Put(recordKey, encoded); err != nil {
		return fmt.Errorf("ramm store: write record: %w", err)
	}
	return nil
}
