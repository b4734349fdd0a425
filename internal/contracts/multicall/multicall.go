// Package multicall encodes and decodes calls to the on-chain multicall
// aggregator used to read many balances in one request.
package multicall

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/custodian/internal/chain"
)

// ABI of the deployed aggregator. Only the functions used here are listed.
const ABI = `[
	{"type":"function","name":"getEthBalance","stateMutability":"view",
	 "inputs":[{"name":"addr","type":"address"}],
	 "outputs":[{"name":"balance","type":"uint256"}]},
	{"type":"function","name":"getBlockNumber","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"blockNumber","type":"uint256"}]},
	{"type":"function","name":"multicall","stateMutability":"nonpayable",
	 "inputs":[{"name":"calls","type":"tuple[]","internalType":"struct Call[]","components":[
		{"name":"target","type":"address"},{"name":"callData","type":"bytes"}]}],
	 "outputs":[{"name":"blockNumber","type":"uint256"},{"name":"results","type":"bytes[]"}]},
	{"type":"function","name":"multicallView","stateMutability":"view",
	 "inputs":[{"name":"calls","type":"tuple[]","internalType":"struct Call[]","components":[
		{"name":"target","type":"address"},{"name":"callData","type":"bytes"}]}],
	 "outputs":[{"name":"blockNumber","type":"uint256"},{"name":"results","type":"bytes[]"}]}
]`

var (
	// ErrResultTooLong is returned when a balance result is wider than one word.
	ErrResultTooLong = errors.New("result longer than 32 bytes")
	// ErrResultCount is returned when the aggregator returns a different number
	// of results than calls.
	ErrResultCount = errors.New("result count mismatch")
)

var (
	getEthBalanceSelector = chain.Selector("getEthBalance(address)")
	balanceOfSelector     = chain.Selector("balanceOf(address)")
)

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ABI))
	if err != nil {
		panic(fmt.Sprintf("multicall: invalid ABI: %v", err))
	}
	return parsed
}

// Call is one aggregated sub-call.
type Call struct {
	Target   common.Address
	CallData []byte
}

// Result is the decoded output of multicallView.
type Result struct {
	BlockNumber *big.Int
	Results     [][]byte
}

// EncodeMulticallView packs multicallView(calls).
func EncodeMulticallView(calls []Call) ([]byte, error) {
	data, err := parsedABI.Pack("multicallView", calls)
	if err != nil {
		return nil, fmt.Errorf("failed to pack multicallView: %w", err)
	}
	return data, nil
}

// DecodeMulticallView unpacks the return data of multicallView and checks
// that one result came back per call.
func DecodeMulticallView(output []byte, calls int) (*Result, error) {
	var res Result
	if err := parsedABI.UnpackIntoInterface(&res, "multicallView", output); err != nil {
		return nil, fmt.Errorf("failed to unpack multicallView: %w", err)
	}
	if len(res.Results) != calls {
		return nil, fmt.Errorf("%w: %d calls, %d results", ErrResultCount, calls, len(res.Results))
	}
	return &res, nil
}

// EncodeGetEthBalance builds getEthBalance(addr) call data.
func EncodeGetEthBalance(addr common.Address) []byte {
	return append(append([]byte{}, getEthBalanceSelector...), chain.Word(addr)...)
}

// EncodeBalanceOf builds balanceOf(addr) call data.
func EncodeBalanceOf(addr common.Address) []byte {
	return append(append([]byte{}, balanceOfSelector...), chain.Word(addr)...)
}

// NativeBalanceCalls builds one getEthBalance call per address, each targeting
// the aggregator itself.
func NativeBalanceCalls(aggregator common.Address, addrs []common.Address) []Call {
	calls := make([]Call, len(addrs))
	for i, a := range addrs {
		calls[i] = Call{Target: aggregator, CallData: EncodeGetEthBalance(a)}
	}
	return calls
}

// TokenBalanceCalls builds one balanceOf call per address against token.
func TokenBalanceCalls(token common.Address, addrs []common.Address) []Call {
	calls := make([]Call, len(addrs))
	for i, a := range addrs {
		calls[i] = Call{Target: token, CallData: EncodeBalanceOf(a)}
	}
	return calls
}

// DecodeUint reads a balance result. Empty and all-zero results are zero;
// anything else is a big-endian unsigned integer of at most 32 bytes.
func DecodeUint(raw []byte) (*big.Int, error) {
	if len(raw) > 32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrResultTooLong, len(raw))
	}
	return new(big.Int).SetBytes(raw), nil
}

// EncodeUint is the inverse of DecodeUint for a 32-byte word.
func EncodeUint(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

// DecodeMulticallViewInput unpacks multicallView call data into its calls.
func DecodeMulticallViewInput(data []byte) ([]Call, error) {
	method := parsedABI.Methods["multicallView"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, fmt.Errorf("not a multicallView call")
	}
	var in struct {
		Calls []Call
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack multicallView input: %w", err)
	}
	if err := method.Inputs.Copy(&in, args); err != nil {
		return nil, fmt.Errorf("failed to unpack multicallView input: %w", err)
	}
	return in.Calls, nil
}

// EncodeMulticallViewOutput packs a multicallView return value.
func EncodeMulticallViewOutput(blockNumber *big.Int, results [][]byte) ([]byte, error) {
	return parsedABI.Methods["multicallView"].Outputs.Pack(blockNumber, results)
}
