package treasury

import (
	"github.com/ethereum/go-ethereum/common"

	"nxmramm/services/rammd/config"
)

// SeedFromConfig converts the treasury section of the daemon config.
func SeedFromConfig(cfg config.TreasuryConfig) (Seed, error) {
	seed := Seed{
		PoolEth:      cfg.PoolEth.Value(),
		OtherCapital: cfg.OtherCapital.Value(),
		MCR:          cfg.MCR.Value(),
		Supply:       cfg.Supply.Value(),
	}
	for _, acct := range cfg.Accounts {
		addr, err := config.ParseAddress(acct.Address)
		if err != nil {
			return Seed{}, err
		}
		seed.Accounts = append(seed.Accounts, Account{
			Address:     addr,
			Nxm:         acct.Nxm.Value(),
			Eth:         acct.Eth.Value(),
			LockedUntil: acct.LockedUntil,
		})
	}
	var err error
	if seed.EmergencyAdmins, err = parseAddresses(cfg.EmergencyAdmins); err != nil {
		return Seed{}, err
	}
	if seed.Governance, err = parseAddresses(cfg.Governance); err != nil {
		return Seed{}, err
	}
	if seed.RejectingReceivers, err = parseAddresses(cfg.RejectingReceivers); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

func parseAddresses(raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, entry := range raw {
		addr, err := config.ParseAddress(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
