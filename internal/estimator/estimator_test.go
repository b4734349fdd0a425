package estimator

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/config"
	"github.com/klingon-exchange/custodian/internal/contracts/airdrop"
	"github.com/klingon-exchange/custodian/internal/provider"
	"github.com/klingon-exchange/custodian/internal/provider/providertest"
)

func testAddresses(n int) []string {
	out := make([]string, n)
	for i := range out {
		var addr common.Address
		big.NewInt(int64(i + 1)).FillBytes(addr[:])
		out[i] = addr.Hex()
	}
	return out
}

func feeResponder(fee int64) func(context.Context, common.Address, []byte) ([]byte, error) {
	return func(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
		return common.LeftPadBytes(big.NewInt(fee).Bytes(), 32), nil
	}
}

func TestEstimateAirdropGas(t *testing.T) {
	h := providertest.NewHandle(chain.KindEVM)
	h.CallFunc = feeResponder(7)
	h.EstimateFunc = func(ctx context.Context, req provider.TxRequest) (uint64, error) {
		return 50000, nil
	}

	gas, err := EstimateAirdropGas(context.Background(), h, common.Address{}, testAddresses(4), big.NewInt(25))
	require.NoError(t, err)
	assert.Equal(t, uint64(50000), gas)

	calls := h.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, config.AirdropAddress(chain.KindEVM), calls[0].To)
	assert.Equal(t, airdrop.EncodeFee(), calls[0].Data)

	reqs := h.Estimates()
	require.Len(t, reqs, 1)
	assert.Equal(t, config.AirdropAddress(chain.KindEVM), reqs[0].To)
	assert.Equal(t, int64(107), reqs[0].Value.Int64(), "value covers the amounts and the contract fee")
	assert.Empty(t, h.Sent())
}

func TestEstimateAirdropGasContract(t *testing.T) {
	contract := common.HexToAddress("0x9999999999999999999999999999999999999999")
	h := providertest.NewHandle(chain.KindEVM)
	h.CallFunc = feeResponder(0)

	_, err := EstimateAirdropGas(context.Background(), h, contract, testAddresses(2), big.NewInt(1))
	require.NoError(t, err)

	assert.Equal(t, contract, h.Calls()[0].To)
	assert.Equal(t, contract, h.Estimates()[0].To)
}

func TestEstimateAirdropGasFailure(t *testing.T) {
	h := providertest.NewHandle(chain.KindEVM)
	h.CallFunc = feeResponder(0)
	h.EstimateFunc = func(ctx context.Context, req provider.TxRequest) (uint64, error) {
		return 0, errors.New("insufficient funds for gas * price + value")
	}

	_, err := EstimateAirdropGas(context.Background(), h, common.Address{}, testAddresses(1), big.NewInt(1))
	var estErr *EstimationError
	require.ErrorAs(t, err, &estErr)
	assert.Equal(t, "airdropCoin", estErr.Op)

	_, err = EstimateAirdropGas(context.Background(), h, common.Address{}, []string{"bad"}, big.NewInt(1))
	require.ErrorAs(t, err, &estErr)
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)

	h.CallFunc = func(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
		return nil, errors.New("execution reverted")
	}
	_, err = EstimateAirdropGas(context.Background(), h, common.Address{}, testAddresses(1), big.NewInt(1))
	require.ErrorAs(t, err, &estErr)
	assert.Equal(t, "fee", estErr.Op)
}

func TestFeeLevels(t *testing.T) {
	h := providertest.NewHandle(chain.KindEVM)
	h.FeeValue = &provider.Fee{GasPrice: big.NewInt(3), MaxFeePerGas: big.NewInt(10), MaxPriorityFeePerGas: big.NewInt(1)}

	fee, err := FeeLevels(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, int64(10), fee.MaxFeePerGas.Int64())
}

func TestPreviewAirdrop(t *testing.T) {
	h := providertest.NewHandle(chain.KindEVM)
	h.CallFunc = feeResponder(5)
	var values []int
	h.EstimateFunc = func(ctx context.Context, req provider.TxRequest) (uint64, error) {
		values = append(values, int(req.Value.Int64()))
		return 100000, nil
	}

	p, err := PreviewAirdrop(context.Background(), h, common.Address{}, testAddresses(10), big.NewInt(1), 4, big.NewInt(2))
	require.NoError(t, err)

	assert.Equal(t, []int{9}, values, "one full batch is estimated with its fee")
	assert.Equal(t, 3, p.Transactions)
	assert.Equal(t, uint64(100000), p.GasPerTx)
	assert.Equal(t, int64(5), p.ContractFee.Int64())
	assert.Equal(t, int64(200000), p.CostPerTx.Int64())
	assert.Equal(t, int64(600000), p.TotalCost.Int64())
	assert.Equal(t, int64(25), p.TotalValue.Int64(), "10 recipients plus three batch fees")

	// Suggested gas price when none is given.
	p, err = PreviewAirdrop(context.Background(), h, common.Address{}, testAddresses(2), big.NewInt(1), 250, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), p.GasPrice.Int64())
	assert.Equal(t, 1, p.Transactions)

	_, err = PreviewAirdrop(context.Background(), h, common.Address{}, nil, big.NewInt(1), 4, nil)
	var estErr *EstimationError
	assert.ErrorAs(t, err, &estErr)
}

func TestEstimateUnsupportedKind(t *testing.T) {
	h := providertest.NewHandle(chain.KindUnknown)
	_, err := EstimateAirdropGas(context.Background(), h, common.Address{}, testAddresses(1), big.NewInt(1))
	assert.ErrorIs(t, err, provider.ErrUnsupportedChain)
}
