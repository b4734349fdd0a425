package chain

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRPCURL is returned for endpoints that are not plain HTTP(S).
// Persistent transports such as ws:// connect on dial.
var ErrInvalidRPCURL = errors.New("invalid rpc url")

// TronMainnetChainID is the chain ID TRON reports for mainnet.
const TronMainnetChainID = 728126428

// Network identifies one blockchain endpoint.
type Network struct {
	ChainID        uint64          `yaml:"chain_id" json:"chainId"`
	Name           string          `yaml:"name" json:"name"`
	ChainType      string          `yaml:"chain_type" json:"chainType"`
	RPCURL         string          `yaml:"rpc_url" json:"rpc"`
	NativeSymbol   string          `yaml:"symbol" json:"symbol"`
	NativeDecimals uint8           `yaml:"decimals" json:"decimals"`
	ExplorerURL    string          `yaml:"explorer_url" json:"browser"`
	Tokens         []TokenContract `yaml:"tokens,omitempty" json:"tokens,omitempty"`
}

// Kind parses the network's chain type.
func (n *Network) Kind() (Kind, error) {
	return ParseKind(n.ChainType)
}

// CheckRPCURL reports whether the endpoint is an absolute http or https URL.
func (n *Network) CheckRPCURL() error {
	u, err := url.Parse(n.RPCURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRPCURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: %q: scheme must be http or https", ErrInvalidRPCURL, n.RPCURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidRPCURL, n.RPCURL)
	}
	return nil
}

// ChainIDString returns the chain ID in the string form balances are keyed by.
func (n *Network) ChainIDString() string {
	return strconv.FormatUint(n.ChainID, 10)
}

// Token returns the tracked token with the given contract address.
func (n *Network) Token(address string) (TokenContract, bool) {
	for _, t := range n.Tokens {
		if equalFoldAddress(t.Address, address) {
			return t, true
		}
	}
	return TokenContract{}, false
}

// TokenContract is one fungible-token contract tracked on a chain.
type TokenContract struct {
	Address  string `yaml:"address" json:"address"`
	Symbol   string `yaml:"symbol" json:"symbol"`
	Decimals uint8  `yaml:"decimals" json:"decimals"`
}

// AddressBalance is one aggregated balance. ContractAddress is empty for the
// native asset.
type AddressBalance struct {
	Address         string
	ChainID         string
	ContractAddress string
	Balance         *big.Int
	CollectedAt     time.Time
	RefreshedAt     time.Time
}

// IsNative returns true if the balance is of the chain's native asset.
func (b *AddressBalance) IsNative() bool {
	return b.ContractAddress == ""
}

// DefaultNetworks returns the networks written to a fresh config file.
func DefaultNetworks() []Network {
	return []Network{
		{
			ChainID: 1, Name: "Ethereum", ChainType: "EVM",
			RPCURL: "https://ethereum-rpc.publicnode.com", NativeSymbol: "ETH", NativeDecimals: 18,
			ExplorerURL: "https://etherscan.io",
			Tokens: []TokenContract{
				{Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Symbol: "USDT", Decimals: 6},
				{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6},
			},
		},
		{
			ChainID: 56, Name: "Binance Smart Chain", ChainType: "EVM",
			RPCURL: "https://bsc-dataseed.binance.org", NativeSymbol: "BNB", NativeDecimals: 18,
			ExplorerURL: "https://bscscan.com",
			Tokens: []TokenContract{
				{Address: "0x55d398326f99059fF775485246999027B3197955", Symbol: "USDT", Decimals: 18},
				{Address: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", Symbol: "USDC", Decimals: 18},
			},
		},
		{
			ChainID: 137, Name: "Polygon", ChainType: "EVM",
			RPCURL: "https://polygon-rpc.com", NativeSymbol: "MATIC", NativeDecimals: 18,
			ExplorerURL: "https://polygonscan.com",
			Tokens: []TokenContract{
				{Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Symbol: "USDT", Decimals: 6},
			},
		},
		{
			ChainID: 8453, Name: "Base", ChainType: "EVM",
			RPCURL: "https://mainnet.base.org", NativeSymbol: "ETH", NativeDecimals: 18,
			ExplorerURL: "https://basescan.org",
			Tokens: []TokenContract{
				{Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6},
			},
		},
		{
			ChainID: 42161, Name: "Arbitrum One", ChainType: "EVM",
			RPCURL: "https://arb1.arbitrum.io/rpc", NativeSymbol: "ETH", NativeDecimals: 18,
			ExplorerURL: "https://arbiscan.io",
			Tokens: []TokenContract{
				{Address: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", Symbol: "USDT", Decimals: 6},
			},
		},
		{
			ChainID: TronMainnetChainID, Name: "Tron", ChainType: "TRON",
			RPCURL: "https://api.trongrid.io", NativeSymbol: "TRX", NativeDecimals: 6,
			ExplorerURL: "https://tronscan.org",
			Tokens: []TokenContract{
				{Address: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", Symbol: "USDT", Decimals: 6},
			},
		},
	}
}
