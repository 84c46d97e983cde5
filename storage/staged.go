package storage

import (
	"errors"
	"sync"
)

var (
	// ErrStageOpen is returned by Begin while an earlier stage is still open.
	ErrStageOpen = errors.New("storage: stage already open")
	// ErrNoStage is returned by Commit when Begin was not called.
	ErrNoStage = errors.New("storage: no stage open")
)

// Staged wraps a Database so that every write made between Begin and Commit
// reaches the underlying store in a single batch. Reads see staged values
// first. Outside a stage writes pass straight through.
type Staged struct {
	db Database

	mu      sync.RWMutex
	staging bool
	pending map[string][]byte
	order   []string
}

// NewStaged wraps db.
func NewStaged(db Database) *Staged {
	return &Staged{db: db}
}

// Begin opens a stage.
func (s *Staged) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staging {
		return ErrStageOpen
	}
	s.staging = true
	s.pending = make(map[string][]byte)
	s.order = nil
	return nil
}

// Commit writes the staged values as one batch and closes the stage. When the
// batch fails nothing is applied and the stage is still closed.
func (s *Staged) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.staging {
		return ErrNoStage
	}
	batch := s.db.NewBatch()
	var err error
	for _, key := range s.order {
		if err = batch.Put([]byte(key), s.pending[key]); err != nil {
			break
		}
	}
	if err == nil && batch.Len() > 0 {
		err = batch.Write()
	}
	s.reset()
	return err
}

// Rollback drops the staged values. It is a no-op without an open stage.
func (s *Staged) Rollback() {
	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
}

func (s *Staged) reset() {
	s.staging = false
	s.pending = nil
	s.order = nil
}

// stage records a write. Callers hold s.mu.
func (s *Staged) stage(key string, value []byte) {
	if _, seen := s.pending[key]; !seen {
		s.order = append(s.order, key)
	}
	s.pending[key] = value
}

func (s *Staged) Put(key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.staging {
		return s.db.Put(key, value)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.stage(string(key), stored)
	return nil
}

func (s *Staged) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.staging {
		if value, ok := s.pending[string(key)]; ok {
			out := make([]byte, len(value))
			copy(out, value)
			return out, nil
		}
	}
	return s.db.Get(key)
}

// NewBatch returns a batch that joins the open stage when written, or writes
// through to the underlying store otherwise.
func (s *Staged) NewBatch() Batch {
	return &stagedBatch{s: s}
}

func (s *Staged) Close() {
	s.db.Close()
}

type stagedBatch struct {
	s      *Staged
	keys   []string
	values [][]byte
}

func (b *stagedBatch) Put(key []byte, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	b.keys = append(b.keys, string(key))
	b.values = append(b.values, stored)
	return nil
}

func (b *stagedBatch) Len() int { return len(b.keys) }

func (b *stagedBatch) Write() error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	defer func() { b.keys, b.values = nil, nil }()
	if b.s.staging {
		for i, key := range b.keys {
			b.s.stage(key, b.values[i])
		}
		return nil
	}
	inner := b.s.db.NewBatch()
	for i, key := range b.keys {
		if err := inner.Put([]byte(key), b.values[i]); err != nil {
			return err
		}
	}
	return inner.Write()
}
