package ramm

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "nxmramm/native/common"
)

// Role names a permission held by an account in the master registry.
type Role string

const (
	// RoleEmergencyAdmin may pause swaps and change circuit-breaker limits.
	RoleEmergencyAdmin Role = "emergency_admin"
	// RoleGovernance may remove the fast-injection budget.
	RoleGovernance Role = "governance"
)

// TokenLedger is the NXM token contract as seen by the RAMM.
type TokenLedger interface {
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	Mint(ctx context.Context, to common.Address, amount *uint256.Int) error
	BurnFrom(ctx context.Context, from common.Address, amount *uint256.Int) error
	// IsLockedForVoting reports whether the account's NXM is locked by a
	// governance vote at asOf.
	IsLockedForVoting(ctx context.Context, account common.Address, asOf uint64) (bool, error)
}

// SupplySource reports the circulating NXM supply.
type SupplySource interface {
	TotalSupply(ctx context.Context) (*uint256.Int, error)
}

// CapitalPool holds the protocol ETH.
type CapitalPool interface {
	PoolValueInEth(ctx context.Context) (*uint256.Int, error)
	SendEth(ctx context.Context, to common.Address, amount *uint256.Int) error
	// ReceiveEth moves the value attached to a swap from the caller into the pool.
	ReceiveEth(ctx context.Context, from common.Address, amount *uint256.Int) error
}

// MCRSource reports the minimum capital requirement.
type MCRSource interface {
	MCR(ctx context.Context) (*uint256.Int, error)
}

// Master is the protocol registry: the system-wide pause and role membership.
type Master interface {
	nativecommon.PauseView
	HasRole(ctx context.Context, role Role, account common.Address) (bool, error)
}

// Store persists the reserve record.
type Store interface {
	RAMMRecord() (*Record, bool, error)
	PutRAMMRecord(record *Record) error
}

// UnitOfWork groups the collaborator writes of one swap with its record
// write so they land together. After Rollback none of them are visible.
type UnitOfWork interface {
	Begin() error
	Commit() error
	Rollback()
}

// Dependencies bundles the collaborators an engine needs. All fields except
// Unit are required. Without a Unit a failed swap is undone by compensating
// collaborator calls.
type Dependencies struct {
	Store  Store
	Ledger TokenLedger
	Supply SupplySource
	Pool   CapitalPool
	MCR    MCRSource
	Master Master
	Unit   UnitOfWork
}

func (d Dependencies) validate() error {
	switch {
	case d.Store == nil:
		return errMissingDependency("store")
	case d.Ledger == nil:
		return errMissingDependency("token ledger")
	case d.Supply == nil:
		return errMissingDependency("supply source")
	case d.Pool == nil:
		return errMissingDependency("capital pool")
	case d.MCR == nil:
		return errMissingDependency("mcr source")
	case d.Master == nil:
		return errMissingDependency("master")
	}
	return nil
}
