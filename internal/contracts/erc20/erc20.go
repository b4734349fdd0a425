// Package erc20 encodes the subset of ERC20/TRC20 used for sweeping.
package erc20

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ABI is the minimal token interface.
const ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ABI))
	if err != nil {
		panic(fmt.Sprintf("erc20: invalid ABI: %v", err))
	}
	return parsed
}

// EncodeBalanceOf packs balanceOf(account).
func EncodeBalanceOf(account common.Address) []byte {
	data, err := parsedABI.Pack("balanceOf", account)
	if err != nil {
		panic(fmt.Sprintf("erc20: pack balanceOf: %v", err))
	}
	return data
}

// DecodeBalance unpacks a balanceOf result. An empty result is zero.
func DecodeBalance(output []byte) (*big.Int, error) {
	if len(output) == 0 {
		return new(big.Int), nil
	}
	out, err := parsedABI.Unpack("balanceOf", output)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	return out[0].(*big.Int), nil
}

// EncodeTransfer packs transfer(to, value).
func EncodeTransfer(to common.Address, value *big.Int) ([]byte, error) {
	data, err := parsedABI.Pack("transfer", to, value)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return data, nil
}

// EncodeDecimals packs decimals().
func EncodeDecimals() []byte {
	return parsedABI.Methods["decimals"].ID
}

// DecodeDecimals unpacks a decimals() result.
func DecodeDecimals(output []byte) (uint8, error) {
	out, err := parsedABI.Unpack("decimals", output)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack decimals: %w", err)
	}
	return out[0].(uint8), nil
}
