// Package estimator previews the cost of an airdrop without sending anything.
package estimator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/config"
	"github.com/klingon-exchange/custodian/internal/contracts/airdrop"
	"github.com/klingon-exchange/custodian/internal/provider"
)

// EstimationError wraps any failure of a dry run or fee query.
type EstimationError struct {
	Op  string
	Err error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimation failed: %s: %v", e.Op, e.Err)
}

func (e *EstimationError) Unwrap() error { return e.Err }

// EstimateAirdropGas dry-runs one airdropCoin call for all addresses against
// contract, or the chain's default airdrop contract when contract is zero. The
// attached value is fee() + amountEach * len(addresses), the same value
// Airdrop sends.
func EstimateAirdropGas(ctx context.Context, h provider.Handle, contract common.Address, addresses []string, amountEach *big.Int) (uint64, error) {
	est, err := estimateBatch(ctx, h, contract, addresses, amountEach)
	if err != nil {
		return 0, err
	}
	return est.gas, nil
}

type batchEstimate struct {
	gas uint64
	fee *big.Int
}

func estimateBatch(ctx context.Context, h provider.Handle, contract common.Address, addresses []string, amountEach *big.Int) (*batchEstimate, error) {
	req, err := airdropRequest(h.Kind(), addresses, amountEach, contract)
	if err != nil {
		return nil, &EstimationError{Op: "airdropCoin", Err: err}
	}

	out, err := h.CallContract(ctx, req.To, airdrop.EncodeFee())
	if err != nil {
		return nil, &EstimationError{Op: "fee", Err: err}
	}
	fee, err := airdrop.DecodeFee(out)
	if err != nil {
		return nil, &EstimationError{Op: "fee", Err: err}
	}
	req.Value.Add(req.Value, fee)

	gas, err := h.EstimateGas(ctx, req)
	if err != nil {
		return nil, &EstimationError{Op: "airdropCoin", Err: err}
	}
	return &batchEstimate{gas: gas, fee: fee}, nil
}

// FeeLevels returns the chain's current fee data.
func FeeLevels(ctx context.Context, h provider.Handle) (*provider.Fee, error) {
	fee, err := h.SuggestFee(ctx)
	if err != nil {
		return nil, &EstimationError{Op: "fee data", Err: err}
	}
	return fee, nil
}

// Preview is the projected cost of an airdrop.
type Preview struct {
	Recipients   int      `json:"recipients"`
	BatchSize    int      `json:"batchSize"`
	Transactions int      `json:"transactions"`
	GasPerTx     uint64   `json:"gasPerTx"`
	GasPrice     *big.Int `json:"gasPrice"`
	ContractFee  *big.Int `json:"contractFee"`
	CostPerTx    *big.Int `json:"costPerTx"`
	TotalCost    *big.Int `json:"totalCost"`
	TotalValue   *big.Int `json:"totalValue"`
}

// PreviewAirdrop estimates one full batch and scales it to ceil(N/batchSize)
// transactions. A nil gasPrice uses the chain's suggestion. TotalValue is the
// native value sent across all batches, contract fees included.
func PreviewAirdrop(ctx context.Context, h provider.Handle, contract common.Address, addresses []string, amountEach *big.Int, batchSize int, gasPrice *big.Int) (*Preview, error) {
	if len(addresses) == 0 || batchSize <= 0 || amountEach == nil {
		return nil, &EstimationError{Op: "preview", Err: fmt.Errorf("need addresses, a positive batch size and an amount")}
	}

	first := addresses
	if len(first) > batchSize {
		first = first[:batchSize]
	}
	est, err := estimateBatch(ctx, h, contract, first, amountEach)
	if err != nil {
		return nil, err
	}

	if gasPrice == nil {
		fee, err := FeeLevels(ctx, h)
		if err != nil {
			return nil, err
		}
		gasPrice = fee.GasPrice
	}

	txs := (len(addresses) + batchSize - 1) / batchSize
	costPerTx := new(big.Int).Mul(new(big.Int).SetUint64(est.gas), gasPrice)
	totalValue := new(big.Int).Mul(amountEach, big.NewInt(int64(len(addresses))))
	totalValue.Add(totalValue, new(big.Int).Mul(est.fee, big.NewInt(int64(txs))))

	return &Preview{
		Recipients:   len(addresses),
		BatchSize:    batchSize,
		Transactions: txs,
		GasPerTx:     est.gas,
		GasPrice:     gasPrice,
		ContractFee:  est.fee,
		CostPerTx:    costPerTx,
		TotalCost:    new(big.Int).Mul(costPerTx, big.NewInt(int64(txs))),
		TotalValue:   totalValue,
	}, nil
}

func airdropRequest(kind chain.Kind, addresses []string, amountEach *big.Int, contract common.Address) (provider.TxRequest, error) {
	switch kind {
	case chain.KindEVM, chain.KindTron:
	default:
		return provider.TxRequest{}, fmt.Errorf("%w: %s", provider.ErrUnsupportedChain, kind)
	}

	recipients := make([]common.Address, len(addresses))
	for i, a := range addresses {
		addr, err := chain.ParseAddress(kind, a)
		if err != nil {
			return provider.TxRequest{}, err
		}
		recipients[i] = addr
	}

	data, err := airdrop.EncodeAirdropCoin(recipients, amountEach)
	if err != nil {
		return provider.TxRequest{}, err
	}

	if contract == (common.Address{}) {
		contract = config.AirdropAddress(kind)
	}
	return provider.TxRequest{
		To:    contract,
		Value: airdrop.Value(nil, amountEach, len(recipients)),
		Data:  data,
	}, nil
}
