// Package airdrop encodes calls to the native-coin airdrop contract.
package airdrop

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ABI of the airdrop contract.
const ABI = `[
	{"type":"function","name":"fee","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"airdropCoin","stateMutability":"payable",
	 "inputs":[{"name":"addresses","type":"address[]"},{"name":"amounts","type":"uint256[]"}],
	 "outputs":[]}
]`

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ABI))
	if err != nil {
		panic(fmt.Sprintf("airdrop: invalid ABI: %v", err))
	}
	return parsed
}

// EncodeFee packs fee().
func EncodeFee() []byte {
	data, err := parsedABI.Pack("fee")
	if err != nil {
		panic(fmt.Sprintf("airdrop: pack fee: %v", err))
	}
	return data
}

// DecodeFee unpacks the result of fee().
func DecodeFee(output []byte) (*big.Int, error) {
	out, err := parsedABI.Unpack("fee", output)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack fee: %w", err)
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to unpack fee: unexpected type %T", out[0])
	}
	return fee, nil
}

// EncodeAirdropCoin packs airdropCoin(recipients, [amountEach]*len).
func EncodeAirdropCoin(recipients []common.Address, amountEach *big.Int) ([]byte, error) {
	amounts := make([]*big.Int, len(recipients))
	for i := range amounts {
		amounts[i] = amountEach
	}
	data, err := parsedABI.Pack("airdropCoin", recipients, amounts)
	if err != nil {
		return nil, fmt.Errorf("failed to pack airdropCoin: %w", err)
	}
	return data, nil
}

// Value returns the native value to attach to one airdropCoin call.
func Value(fee, amountEach *big.Int, recipients int) *big.Int {
	v := new(big.Int).Mul(amountEach, big.NewInt(int64(recipients)))
	if fee != nil {
		v.Add(v, fee)
	}
	return v
}
