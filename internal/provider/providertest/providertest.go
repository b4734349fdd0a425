// Package providertest provides scriptable provider handles for tests.
package providertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/contracts/multicall"
	"github.com/klingon-exchange/custodian/internal/provider"
)

// ContractCall is one recorded CallContract invocation.
type ContractCall struct {
	To   common.Address
	Data []byte
}

// Handle is a provider.Handle whose behaviour is set by its function fields.
// Nil functions succeed with zero values. All invocations are recorded.
type Handle struct {
	KindValue chain.Kind
	FromValue string
	FeeValue  *provider.Fee

	CallFunc     func(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SendFunc     func(ctx context.Context, req provider.TxRequest) (string, error)
	WaitFunc     func(ctx context.Context, txID string) error
	EstimateFunc func(ctx context.Context, req provider.TxRequest) (uint64, error)

	mu        sync.Mutex
	calls     []ContractCall
	sent      []provider.TxRequest
	waited    []string
	estimates []provider.TxRequest
	closed    bool
}

// NewHandle creates a fake handle of the given kind.
func NewHandle(kind chain.Kind) *Handle {
	return &Handle{KindValue: kind}
}

func (h *Handle) Kind() chain.Kind { return h.KindValue }

func (h *Handle) From() string { return h.FromValue }

func (h *Handle) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	h.mu.Lock()
	h.calls = append(h.calls, ContractCall{To: to, Data: data})
	h.mu.Unlock()

	if h.CallFunc == nil {
		return nil, nil
	}
	return h.CallFunc(ctx, to, data)
}

func (h *Handle) SendTransaction(ctx context.Context, req provider.TxRequest) (string, error) {
	h.mu.Lock()
	h.sent = append(h.sent, req)
	n := len(h.sent)
	h.mu.Unlock()

	if h.SendFunc == nil {
		return fmt.Sprintf("0xtx%d", n), nil
	}
	return h.SendFunc(ctx, req)
}

func (h *Handle) WaitConfirmed(ctx context.Context, txID string) error {
	h.mu.Lock()
	h.waited = append(h.waited, txID)
	h.mu.Unlock()

	if h.WaitFunc == nil {
		return nil
	}
	return h.WaitFunc(ctx, txID)
}

func (h *Handle) EstimateGas(ctx context.Context, req provider.TxRequest) (uint64, error) {
	h.mu.Lock()
	h.estimates = append(h.estimates, req)
	h.mu.Unlock()

	if h.EstimateFunc == nil {
		return 21000, nil
	}
	return h.EstimateFunc(ctx, req)
}

func (h *Handle) SuggestFee(ctx context.Context) (*provider.Fee, error) {
	if h.FeeValue == nil {
		return &provider.Fee{GasPrice: big.NewInt(1_000_000_000)}, nil
	}
	return h.FeeValue, nil
}

func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// Calls returns the recorded CallContract invocations.
func (h *Handle) Calls() []ContractCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ContractCall(nil), h.calls...)
}

// Sent returns the submitted transactions.
func (h *Handle) Sent() []provider.TxRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]provider.TxRequest(nil), h.sent...)
}

// Waited returns the transaction IDs passed to WaitConfirmed.
func (h *Handle) Waited() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.waited...)
}

// Estimates returns the requests passed to EstimateGas.
func (h *Handle) Estimates() []provider.TxRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]provider.TxRequest(nil), h.estimates...)
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// =============================================================================
// Multicall
// =============================================================================

// BalanceFunc answers one multicall sub-call with a raw result.
type BalanceFunc func(call multicall.Call) []byte

// MulticallResponder returns a CallFunc that decodes multicallView requests
// and answers every sub-call with fn.
func MulticallResponder(fn BalanceFunc) func(context.Context, common.Address, []byte) ([]byte, error) {
	return func(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
		calls, err := multicall.DecodeMulticallViewInput(data)
		if err != nil {
			return nil, err
		}
		results := make([][]byte, len(calls))
		for i, c := range calls {
			results[i] = fn(c)
		}
		return multicall.EncodeMulticallViewOutput(big.NewInt(1), results)
	}
}

// CallAddress returns the address argument of a getEthBalance or balanceOf
// sub-call.
func CallAddress(call multicall.Call) common.Address {
	if len(call.CallData) < 36 {
		return common.Address{}
	}
	return common.BytesToAddress(call.CallData[16:36])
}

// =============================================================================
// Factory
// =============================================================================

// Request is one recorded Factory.Get call.
type Request struct {
	Network chain.Network
	Key     string
}

// Factory is a provider.Dialer returning scripted handles.
type Factory struct {
	// New builds the handle for a request. Nil returns a fresh Handle of the
	// network's kind.
	New func(network chain.Network, key string) (provider.Handle, error)

	mu       sync.Mutex
	requests []Request
}

// Get implements provider.Dialer.
func (f *Factory) Get(network chain.Network, key string) (provider.Handle, error) {
	f.mu.Lock()
	f.requests = append(f.requests, Request{Network: network, Key: key})
	f.mu.Unlock()

	if f.New != nil {
		return f.New(network, key)
	}
	kind, err := network.Kind()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnsupportedChain, err)
	}
	return NewHandle(kind), nil
}

// Requests returns the recorded Get calls.
func (f *Factory) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

var (
	_ provider.Handle = (*Handle)(nil)
	_ provider.Dialer = (*Factory)(nil)
)
