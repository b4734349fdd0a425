package config

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/custodian/internal/chain"
)

// ContractAddresses holds the helper contracts used on one chain.
type ContractAddresses struct {
	// Multicall aggregates balance reads.
	Multicall common.Address

	// Airdrop fans native coin out to many recipients in one transaction.
	Airdrop common.Address
}

// The same deployment serves every chain of a family.
var defaultContracts = map[chain.Kind]ContractAddresses{
	// ==========================================================================
	// EVM
	// ==========================================================================
	chain.KindEVM: {
		Multicall: chain.MustParseAddress(chain.KindEVM, "0x058C6121efBF3e7C1f856928f7e9ecBC71c5772a"),
		Airdrop:   chain.MustParseAddress(chain.KindEVM, "0xE9511e55d2AaC1F62D7e3110f7800845dB2a31F1"),
	},

	// ==========================================================================
	// TRON
	// ==========================================================================
	chain.KindTron: {
		Multicall: chain.MustParseAddress(chain.KindTron, "TS4cnF8dF7GeEgLZVrCexRK5sfZ3u235by"),
		Airdrop:   chain.MustParseAddress(chain.KindTron, "TNnHipM7aZMYYanXhESgRV9NmjndcgvaXu"),
	},
}

var (
	overridesMu       sync.RWMutex
	contractOverrides = map[uint64]ContractAddresses{}
)

// MulticallAddress returns the fixed multicall contract for a chain family.
func MulticallAddress(kind chain.Kind) common.Address {
	return defaultContracts[kind].Multicall
}

// AirdropAddress returns the fixed airdrop contract for a chain family.
func AirdropAddress(kind chain.Kind) common.Address {
	return defaultContracts[kind].Airdrop
}

// GetContracts returns the contracts for a network, applying any override
// registered for its chain ID.
func GetContracts(network *chain.Network) (ContractAddresses, error) {
	kind, err := network.Kind()
	if err != nil {
		return ContractAddresses{}, err
	}
	contracts := defaultContracts[kind]

	overridesMu.RLock()
	override, ok := contractOverrides[network.ChainID]
	overridesMu.RUnlock()
	if ok {
		if override.Multicall != (common.Address{}) {
			contracts.Multicall = override.Multicall
		}
		if override.Airdrop != (common.Address{}) {
			contracts.Airdrop = override.Airdrop
		}
	}
	return contracts, nil
}

// RegisterContracts registers or replaces contract addresses for a chain ID.
// Zero addresses fall back to the family default.
func RegisterContracts(chainID uint64, contracts ContractAddresses) {
	overridesMu.Lock()
	defer overridesMu.Unlock()
	contractOverrides[chainID] = contracts
}

// ApplyContractOverrides registers the overrides of the config file.
func (c *Config) ApplyContractOverrides() error {
	for chainID, o := range c.Contracts {
		network, ok := c.Network(chainID)
		if !ok {
			return fmt.Errorf("contract override for unknown chain %d", chainID)
		}
		kind, err := network.Kind()
		if err != nil {
			return err
		}

		var addrs ContractAddresses
		if o.Multicall != "" {
			if addrs.Multicall, err = chain.ParseAddress(kind, o.Multicall); err != nil {
				return fmt.Errorf("chain %d multicall: %w", chainID, err)
			}
		}
		if o.Airdrop != "" {
			if addrs.Airdrop, err = chain.ParseAddress(kind, o.Airdrop); err != nil {
				return fmt.Errorf("chain %d airdrop: %w", chainID, err)
			}
		}
		RegisterContracts(chainID, addrs)
	}
	return nil
}
