package mover

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

// AirdropPlan describes an airdrop. The source key is the one the handle is
// bound to.
type AirdropPlan struct {
	Recipients []string
	AmountEach *big.Int
	BatchSize  int

	// GasPrice of nil uses the node's suggestion (EVM only).
	GasPrice *big.Int
	// GasLimit of 0 estimates each batch (EVM only).
	GasLimit uint64

	// Contract overrides the fixed airdrop contract of the handle's family.
	Contract common.Address
}

// Validate checks the plan shape.
func (p *AirdropPlan) Validate() error {
	switch {
	case len(p.Recipients) == 0:
		return fmt.Errorf("%w: no recipients", ErrInvalidPlan)
	case p.AmountEach == nil || p.AmountEach.Sign() <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPlan)
	case p.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidPlan)
	}
	return nil
}

// Airdrop sends AmountEach to every recipient, BatchSize recipients per
// transaction. Batches are strictly sequential and each waits for one
// confirmation before the next is sent. The first failure is reported through
// onBatch, stops the remaining batches and is returned as a *BatchError.
func (m *Mover) Airdrop(ctx context.Context, h provider.Handle, plan AirdropPlan, onBatch func(TransferOutcome)) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if onBatch == nil {
		onBatch = func(TransferOutcome) {}
	}

	kind := h.Kind()
	var gasPrice *big.Int
	switch kind {
	case chain.KindEVM:
		gasPrice = plan.GasPrice
	case chain.KindTron:
	default:
		return fmt.Errorf("%w: %s", provider.ErrUnsupportedChain, kind)
	}

	recipients := make([]common.Address, len(plan.Recipients))
	for i, r := range plan.Recipients {
		addr, err := chain.ParseAddress(kind, r)
		if err != nil {
			return fmt.Errorf("%w: recipient %d: %v", ErrInvalidPlan, i, err)
		}
		recipients[i] = addr
	}

	contract := plan.Contract
	if contract == (common.Address{}) {
		contract = config.AirdropAddress(kind)
	}

	out, err := h.CallContract(ctx, contract, airdrop.EncodeFee())
	if err != nil {
		return fmt.Errorf("failed to read airdrop fee: %w", err)
	}
	fee, err := airdrop.DecodeFee(out)
	if err != nil {
		return err
	}

	batches := chunkAddresses(recipients, plan.BatchSize)
	source := h.From()
	log := m.log.With("from", source, "batches", len(batches))
	log.Info("Starting airdrop", "recipients", len(recipients), "fee", fee)

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome := TransferOutcome{
			Source:     source,
			Amount:     new(big.Int).Mul(plan.AmountEach, big.NewInt(int64(len(batch)))),
			Batch:      i,
			Recipients: len(batch),
		}

		fail := func(err error) error {
			outcome.Err = err
			onBatch(outcome)
			log.Error("Airdrop batch failed", "batch", i, "tx", outcome.TxID, "error", err)
			return &BatchError{Batch: i, Total: len(batches), TxID: outcome.TxID, Err: err}
		}

		data, err := airdrop.EncodeAirdropCoin(batch, plan.AmountEach)
		if err != nil {
			return fail(err)
		}

		txID, err := h.SendTransaction(ctx, provider.TxRequest{
			To:       contract,
			Value:    airdrop.Value(fee, plan.AmountEach, len(batch)),
			Data:     data,
			GasLimit: plan.GasLimit,
			GasPrice: gasPrice,
		})
		if err != nil {
			return fail(err)
		}
		outcome.TxID = txID

		if err := h.WaitConfirmed(ctx, txID); err != nil {
			return fail(err)
		}

		outcome.Succeeded = true
		onBatch(outcome)
		log.Info("Airdrop batch confirmed", "batch", i, "tx", txID, "recipients", len(batch))
	}

	return nil
}

func chunkAddresses(addrs []common.Address, size int) [][]common.Address {
	var chunks [][]common.Address
	for i := 0; i < len(addrs); i += size {
		end := i + size
		if end > len(addrs) {
			end = len(addrs)
		}
		chunks = append(chunks, addrs[i:end])
	}
	return chunks
}
