package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/custodian/internal/chain"
)

// evmHandle talks to an EVM node through go-ethereum's ethclient.
type evmHandle struct {
	client       *ethclient.Client
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	from         common.Address
	pollInterval time.Duration
}

func newEVMHandle(client *ethclient.Client, chainID *big.Int, key *btcec.PrivateKey, poll time.Duration) *evmHandle {
	h := &evmHandle{
		client:       client,
		chainID:      chainID,
		pollInterval: poll,
	}
	if key != nil {
		h.key = key.ToECDSA()
		h.from = KeyAddress(key)
	}
	return h
}

func (h *evmHandle) Kind() chain.Kind { return chain.KindEVM }

func (h *evmHandle) From() string {
	if h.key == nil {
		return ""
	}
	return h.from.Hex()
}

func (h *evmHandle) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := h.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call to %s failed: %w", to.Hex(), err)
	}
	return out, nil
}

func (h *evmHandle) SendTransaction(ctx context.Context, req TxRequest) (string, error) {
	if h.key == nil {
		return "", ErrNoSigner
	}

	nonce, err := h.client.PendingNonceAt(ctx, h.from)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		if gasPrice, err = h.client.SuggestGasPrice(ctx); err != nil {
			return "", fmt.Errorf("failed to get gas price: %w", err)
		}
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		if gasLimit, err = h.EstimateGas(ctx, req); err != nil {
			return "", err
		}
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(h.chainID), h.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := h.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signed.Hash().Hex(), nil
}

func (h *evmHandle) WaitConfirmed(ctx context.Context, txID string) error {
	hash := common.HexToHash(txID)
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := h.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("%w: %s reverted", ErrTxFailed, txID)
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("failed to get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *evmHandle) EstimateGas(ctx context.Context, req TxRequest) (uint64, error) {
	to := req.To
	gas, err := h.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  h.from,
		To:    &to,
		Value: req.Value,
		Data:  req.Data,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return gas, nil
}

// SuggestFee mirrors the usual wallet fee data: legacy gas price plus, on
// London chains, maxFee = 2*baseFee + tip.
func (h *evmHandle) SuggestFee(ctx context.Context) (*Fee, error) {
	gasPrice, err := h.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	fee := &Fee{GasPrice: gasPrice}

	tip, err := h.client.SuggestGasTipCap(ctx)
	if err != nil {
		return fee, nil
	}
	header, err := h.client.HeaderByNumber(ctx, nil)
	if err != nil || header.BaseFee == nil {
		return fee, nil
	}

	fee.MaxPriorityFeePerGas = tip
	fee.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
	return fee, nil
}

func (h *evmHandle) Close() {
	h.client.Close()
}
