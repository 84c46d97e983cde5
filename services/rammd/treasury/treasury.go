package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	nativecommon "nxmramm/native/common"
	"nxmramm/native/ramm"
	"nxmramm/storage"
)

var (
	// ErrInsufficientBalance is returned when an account cannot cover a debit.
	ErrInsufficientBalance = errors.New("treasury: insufficient balance")
	// ErrInsufficientPool is returned when the capital pool cannot cover a payout.
	ErrInsufficientPool = errors.New("treasury: insufficient pool eth")
	// ErrTransferRejected is returned when the recipient refuses ETH.
	ErrTransferRejected = errors.New("treasury: recipient rejected transfer")
	// ErrInvalidAmount is returned for nil amounts.
	ErrInvalidAmount = errors.New("treasury: invalid amount")
)

var (
	prefixNxm       = []byte("treasury/nxm/")
	prefixEth       = []byte("treasury/eth/")
	prefixLock      = []byte("treasury/lock/")
	prefixPaused    = []byte("treasury/paused/")
	prefixRole      = []byte("treasury/role/")
	prefixRejecting = []byte("treasury/rejecting/")

	keyPool   = ethcrypto.Keccak256([]byte("treasury/pool"))
	keyOther  = ethcrypto.Keccak256([]byte("treasury/capital/other"))
	keyMCR    = ethcrypto.Keccak256([]byte("treasury/mcr"))
	keySupply = ethcrypto.Keccak256([]byte("treasury/supply"))
	keySeeded = ethcrypto.Keccak256([]byte("treasury/seeded"))
	flagTrue  = []byte{1}
	flagFalse = []byte{0}
)

func accountKey(prefix []byte, addr common.Address) []byte {
	return ethcrypto.Keccak256(prefix, addr.Bytes())
}

func roleKey(role ramm.Role, addr common.Address) []byte {
	return ethcrypto.Keccak256(prefixRole, []byte(role), []byte{'/'}, addr.Bytes())
}

func pausedKey(module string) []byte {
	return ethcrypto.Keccak256(prefixPaused, []byte(module))
}

// Treasury backs every collaborator the RAMM engine needs with balances held in
// the key-value store: the NXM ledger, user wallets, the capital pool, the MCR
// figure and the master registry.
type Treasury struct {
	mu    sync.Mutex
	db    storage.Database
	batch storage.Batch
}

// New wraps the key-value database.
func New(db storage.Database) *Treasury {
	return &Treasury{db: db}
}

// Account is a wallet funded at seed time.
type Account struct {
	Address     common.Address
	Nxm         *uint256.Int
	Eth         *uint256.Int
	LockedUntil uint64
}

// Seed describes the initial treasury contents.
type Seed struct {
	PoolEth            *uint256.Int
	OtherCapital       *uint256.Int
	MCR                *uint256.Int
	Supply             *uint256.Int
	Accounts           []Account
	EmergencyAdmins    []common.Address
	Governance         []common.Address
	RejectingReceivers []common.Address
}

// Seed writes the initial balances unless the store was seeded before. It
// reports whether anything was written.
func (t *Treasury) Seed(ctx context.Context, seed Seed) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	seeded, err := t.flag(keySeeded)
	if err != nil {
		return false, err
	}
	if seeded {
		return false, nil
	}
	err = t.atomically(func() error {
		writes := []struct {
			key   []byte
			value *uint256.Int
		}{
			{keyPool, seed.PoolEth},
			{keyOther, seed.OtherCapital},
			{keyMCR, seed.MCR},
			{keySupply, seed.Supply},
		}
		for _, w := range writes {
			if err := t.putAmount(w.key, w.value); err != nil {
				return err
			}
		}
		for _, acct := range seed.Accounts {
			if err := t.putAmount(accountKey(prefixNxm, acct.Address), acct.Nxm); err != nil {
				return err
			}
			if err := t.putAmount(accountKey(prefixEth, acct.Address), acct.Eth); err != nil {
				return err
			}
			if acct.LockedUntil > 0 {
				if err := t.putTimestamp(accountKey(prefixLock, acct.Address), acct.LockedUntil); err != nil {
					return err
				}
			}
		}
		for _, addr := range seed.EmergencyAdmins {
			if err := t.putFlag(roleKey(ramm.RoleEmergencyAdmin, addr), true); err != nil {
				return err
			}
		}
		for _, addr := range seed.Governance {
			if err := t.putFlag(roleKey(ramm.RoleGovernance, addr), true); err != nil {
				return err
			}
		}
		for _, addr := range seed.RejectingReceivers {
			if err := t.putFlag(accountKey(prefixRejecting, addr), true); err != nil {
				return err
			}
		}
		return t.putFlag(keySeeded, true)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// BalanceOf returns the NXM balance of account.
func (t *Treasury) BalanceOf(_ context.Context, account common.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.amount(accountKey(prefixNxm, account))
}

// EthBalance returns the wallet ETH of account outside the pool.
func (t *Treasury) EthBalance(_ context.Context, account common.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.amount(accountKey(prefixEth, account))
}

// Mint credits NXM to an account and grows the supply.
func (t *Treasury) Mint(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	supply, err := t.amount(keySupply)
	if err != nil {
		return err
	}
	balance, err := t.amount(accountKey(prefixNxm, to))
	if err != nil {
		return err
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(supply, amount)
	if overflow {
		return fmt.Errorf("treasury: supply overflow")
	}
	nextBalance := new(uint256.Int).Add(balance, amount)
	return t.atomically(func() error {
		if err := t.putAmount(keySupply, nextSupply); err != nil {
			return err
		}
		return t.putAmount(accountKey(prefixNxm, to), nextBalance)
	})
}

// BurnFrom debits NXM from an account and shrinks the supply.
func (t *Treasury) BurnFrom(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	balance, err := t.amount(accountKey(prefixNxm, from))
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return ErrInsufficientBalance
	}
	supply, err := t.amount(keySupply)
	if err != nil {
		return err
	}
	nextSupply, underflow := new(uint256.Int).SubOverflow(supply, amount)
	if underflow {
		return fmt.Errorf("treasury: supply underflow")
	}
	return t.atomically(func() error {
		if err := t.putAmount(accountKey(prefixNxm, from), new(uint256.Int).Sub(balance, amount)); err != nil {
			return err
		}
		return t.putAmount(keySupply, nextSupply)
	})
}

// IsLockedForVoting reports whether the account's NXM is locked past asOf.
func (t *Treasury) IsLockedForVoting(_ context.Context, account common.Address, asOf uint64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, err := t.timestamp(accountKey(prefixLock, account))
	if err != nil {
		return false, err
	}
	return until > asOf, nil
}

// LockForVoting locks the account's NXM until the given unix second.
func (t *Treasury) LockForVoting(_ context.Context, account common.Address, until uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putTimestamp(accountKey(prefixLock, account), until)
}

// TotalSupply returns the circulating NXM supply.
func (t *Treasury) TotalSupply(context.Context) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.amount(keySupply)
}

// PoolValueInEth returns the pool ETH plus every other asset valued in ETH.
func (t *Treasury) PoolValueInEth(context.Context) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pool, err := t.amount(keyPool)
	if err != nil {
		return nil, err
	}
	other, err := t.amount(keyOther)
	if err != nil {
		return nil, err
	}
	total, overflow := new(uint256.Int).AddOverflow(pool, other)
	if overflow {
		return nil, fmt.Errorf("treasury: capital overflow")
	}
	return total, nil
}

// PoolEth returns only the ETH held by the pool.
func (t *Treasury) PoolEth(context.Context) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.amount(keyPool)
}

// SendEth pays amount from the pool to the recipient's wallet.
func (t *Treasury) SendEth(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rejecting, err := t.flag(accountKey(prefixRejecting, to))
	if err != nil {
		return err
	}
	if rejecting {
		return ErrTransferRejected
	}
	pool, err := t.amount(keyPool)
	if err != nil {
		return err
	}
	if pool.Lt(amount) {
		return ErrInsufficientPool
	}
	wallet, err := t.amount(accountKey(prefixEth, to))
	if err != nil {
		return err
	}
	return t.atomically(func() error {
		if err := t.putAmount(keyPool, new(uint256.Int).Sub(pool, amount)); err != nil {
			return err
		}
		return t.putAmount(accountKey(prefixEth, to), new(uint256.Int).Add(wallet, amount))
	})
}

// ReceiveEth moves amount from the sender's wallet into the pool.
func (t *Treasury) ReceiveEth(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	wallet, err := t.amount(accountKey(prefixEth, from))
	if err != nil {
		return err
	}
	if wallet.Lt(amount) {
		return ErrInsufficientBalance
	}
	pool, err := t.amount(keyPool)
	if err != nil {
		return err
	}
	nextPool, overflow := new(uint256.Int).AddOverflow(pool, amount)
	if overflow {
		return fmt.Errorf("treasury: pool overflow")
	}
	return t.atomically(func() error {
		if err := t.putAmount(accountKey(prefixEth, from), new(uint256.Int).Sub(wallet, amount)); err != nil {
			return err
		}
		return t.putAmount(keyPool, nextPool)
	})
}

// MCR returns the minimum capital requirement.
func (t *Treasury) MCR(context.Context) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.amount(keyMCR)
}

// SetMCR replaces the minimum capital requirement.
func (t *Treasury) SetMCR(_ context.Context, mcr *uint256.Int) error {
	if mcr == nil {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putAmount(keyMCR, mcr)
}

// IsPaused reports whether module is halted. Read failures report paused.
func (t *Treasury) IsPaused(module string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	paused, err := t.flag(pausedKey(module))
	if err != nil {
		return true
	}
	return paused
}

// SetPaused toggles the pause flag for module.
func (t *Treasury) SetPaused(module string, paused bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putFlag(pausedKey(module), paused)
}

// SetSystemPaused toggles the protocol-wide pause.
func (t *Treasury) SetSystemPaused(paused bool) error {
	return t.SetPaused(nativecommon.ModuleSystem, paused)
}

// HasRole reports whether account holds role.
func (t *Treasury) HasRole(_ context.Context, role ramm.Role, account common.Address) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flag(roleKey(role, account))
}

// SetRole grants or revokes role for account.
func (t *Treasury) SetRole(_ context.Context, role ramm.Role, account common.Address, granted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putFlag(roleKey(role, account), granted)
}

// SetRejectingReceiver marks whether account refuses incoming ETH.
func (t *Treasury) SetRejectingReceiver(account common.Address, rejecting bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putFlag(accountKey(prefixRejecting, account), rejecting)
}

func (t *Treasury) get(key []byte) ([]byte, bool, error) {
	raw, err := t.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("treasury: read: %w", err)
	}
	return raw, true, nil
}

func (t *Treasury) amount(key []byte) (*uint256.Int, error) {
	raw, ok, err := t.get(key)
	if err != nil || !ok {
		return new(uint256.Int), err
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(raw, value); err != nil {
		return nil, fmt.Errorf("treasury: decode amount: %w", err)
	}
	out, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("treasury: stored amount exceeds 256 bits")
	}
	return out, nil
}

func (t *Treasury) putAmount(key []byte, value *uint256.Int) error {
	if value == nil {
		value = new(uint256.Int)
	}
	encoded, err := rlp.EncodeToBytes(value.ToBig())
	if err != nil {
		return fmt.Errorf("treasury: encode amount: %w", err)
	}
	return t.put(key, encoded)
}

func (t *Treasury) timestamp(key []byte) (uint64, error) {
	raw, ok, err := t.get(key)
	if err != nil || !ok {
		return 0, err
	}
	var value uint64
	if err := rlp.DecodeBytes(raw, &value); err != nil {
		return 0, fmt.Errorf("treasury: decode timestamp: %w", err)
	}
	return value, nil
}

func (t *Treasury) putTimestamp(key []byte, value uint64) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("treasury: encode timestamp: %w", err)
	}
	return t.put(key, encoded)
}

func (t *Treasury) flag(key []byte) (bool, error) {
	raw, ok, err := t.get(key)
	if err != nil || !ok {
		return false, err
	}
	return len(raw) == 1 && raw[0] == 1, nil
}

func (t *Treasury) putFlag(key []byte, value bool) error {
	if value {
		return t.put(key, flagTrue)
	}
	return t.put(key, flagFalse)
}

func (t *Treasury) put(key, value []byte) error {
	var err error
	if t.batch != nil {
		err = t.batch.Put(key, value)
	} else {
		err = t.db.Put(key, value)
	}
	if err != nil {
		return fmt.Errorf("treasury: write: %w", err)
	}
	return nil
}

// atomically stages every write made by fn in one batch. Callers hold t.mu.
func (t *Treasury) atomically(fn func() error) error {
	t.batch = t.db.NewBatch()
	defer func() { t.batch = nil }()
	if err := fn(); err != nil {
		return err
	}
	if err := t.batch.Write(); err != nil {
		return fmt.Errorf("treasury: commit: %w", err)
	}
	return nil
}

var (
	_ ramm.TokenLedger  = (*Treasury)(nil)
	_ ramm.SupplySource = (*Treasury)(nil)
	_ ramm.CapitalPool  = (*Treasury)(nil)
	_ ramm.MCRSource    = (*Treasury)(nil)
	_ ramm.Master       = (*Treasury)(nil)
)
