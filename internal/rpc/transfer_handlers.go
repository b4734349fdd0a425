package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/config"
	"github.com/klingon-exchange/custodian/internal/estimator"
	"github.com/klingon-exchange/custodian/internal/mover"
	"github.com/klingon-exchange/custodian/pkg/helpers"
)

// DefaultAirdropBatchSize is the number of recipients per airdrop transaction.
const DefaultAirdropBatchSize = 250

// gweiDecimals converts gas prices given in gwei.
const gweiDecimals = 9

// ========================================
// Fee handlers
// ========================================

// FeesGetParams is the parameters for fees_get.
type FeesGetParams struct {
	ChainID uint64 `json:"chainId"`
}

// FeesGetResult is the response for fees_get. On TRON GasPrice is the
// energy price in sun and the EIP-1559 fields are empty.
type FeesGetResult struct {
	ChainID              uint64 `json:"chainId"`
	GasPrice             string `json:"gasPrice"`
	GasPriceGwei         string `json:"gasPriceGwei,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

func (s *Server) feesGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FeesGetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	network, err := s.network(ctx, p.ChainID)
	if err != nil {
		return nil, err
	}

	h, err := s.dialer.Get(network, "")
	if err != nil {
		return nil, err
	}
	defer h.Close()

	fee, err := estimator.FeeLevels(ctx, h)
	if err != nil {
		return nil, err
	}

	result := &FeesGetResult{ChainID: network.ChainID}
	if fee.GasPrice != nil {
		result.GasPrice = fee.GasPrice.String()
		if h.Kind() == chain.KindEVM {
			result.GasPriceGwei = helpers.FormatUnits(fee.GasPrice, gweiDecimals)
		}
	}
	if fee.MaxFeePerGas != nil {
		result.MaxFeePerGas = fee.MaxFeePerGas.String()
	}
	if fee.MaxPriorityFeePerGas != nil {
		result.MaxPriorityFeePerGas = fee.MaxPriorityFeePerGas.String()
	}
	return result, nil
}

// ========================================
// Airdrop handlers
// ========================================

// AirdropParams is the parameters for airdrop_estimate and airdrop_start.
//
// AmountEach is in whole units of the native asset and GasPrice in gwei.
// Recipients are Addresses when given; otherwise the wallets holding more
// than MinAmount of TokenAddress when a token is named; otherwise every
// stored wallet of the chain's type.
type AirdropParams struct {
	ChainID      uint64   `json:"chainId"`
	PrivateKey   string   `json:"privateKey"`
	AmountEach   string   `json:"amountEach"`
	BatchSize    int      `json:"batchSize"`
	GasPrice     string   `json:"gasPrice"`
	Addresses    []string `json:"addresses"`
	TokenAddress string   `json:"tokenAddress"`
	MinAmount    string   `json:"minAmount"`
}

// airdropRequest is a validated airdrop request.
type airdropRequest struct {
	network    chain.Network
	kind       chain.Kind
	privateKey string
	recipients []string
	amountEach *big.Int
	batchSize  int
	gasPrice   *big.Int
}

func (s *Server) parseAirdrop(ctx context.Context, params json.RawMessage) (*airdropRequest, error) {
	var p AirdropParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	network, err := s.network(ctx, p.ChainID)
	if err != nil {
		return nil, err
	}
	kind, err := network.Kind()
	if err != nil {
		return nil, err
	}
	if p.PrivateKey == "" {
		return nil, invalidParams("privateKey is required")
	}

	amountEach, err := parseAmount(p.AmountEach, network.NativeDecimals, "amountEach")
	if err != nil {
		return nil, err
	}
	if amountEach.Sign() == 0 {
		return nil, invalidParams("amountEach must be positive")
	}

	batchSize := p.BatchSize
	if batchSize == 0 {
		batchSize = DefaultAirdropBatchSize
	}
	if batchSize < 0 {
		return nil, invalidParams("batchSize must be positive")
	}

	var gasPrice *big.Int
	if p.GasPrice != "" && kind == chain.KindEVM {
		if gasPrice, err = parseAmount(p.GasPrice, gweiDecimals, "gasPrice"); err != nil {
			return nil, err
		}
		if gasPrice.Sign() == 0 {
			gasPrice = nil
		}
	}

	recipients, err := s.airdropRecipients(ctx, network, kind, p)
	if err != nil {
		return nil, err
	}

	return &airdropRequest{
		network:    network,
		kind:       kind,
		privateKey: p.PrivateKey,
		recipients: recipients,
		amountEach: amountEach,
		batchSize:  batchSize,
		gasPrice:   gasPrice,
	}, nil
}

func (s *Server) airdropRecipients(ctx context.Context, network chain.Network, kind chain.Kind, p AirdropParams) ([]string, error) {
	var recipients []string
	switch {
	case len(p.Addresses) > 0:
		recipients = p.Addresses

	case p.TokenAddress != "":
		contract, decimals, err := assetOf(network, p.TokenAddress)
		if err != nil {
			return nil, err
		}
		threshold, err := parseAmount(p.MinAmount, decimals, "minAmount")
		if err != nil {
			return nil, err
		}
		rows, _, err := s.store.GetBalancesAbove(network.ChainIDString(), contract, threshold)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			recipients = append(recipients, r.Address)
		}

	default:
		all, err := s.store.GetWalletAddressesByChain(kind.String())
		if err != nil {
			return nil, err
		}
		recipients = all
	}

	if len(recipients) == 0 {
		return nil, invalidParams("no recipients")
	}
	for _, r := range recipients {
		if _, err := chain.ParseAddress(kind, r); err != nil {
			return nil, invalidParams("recipient %s: %v", r, err)
		}
	}
	return recipients, nil
}

// AirdropEstimateResult is the response for airdrop_estimate.
type AirdropEstimateResult struct {
	From             string             `json:"from"`
	Preview          *estimator.Preview `json:"preview"`
	TotalCostAmount  string             `json:"totalCostAmount"`
	TotalValueAmount string             `json:"totalValueAmount"`
}

func (s *Server) airdropEstimate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	req, err := s.parseAirdrop(ctx, params)
	if err != nil {
		return nil, err
	}

	contracts, err := config.GetContracts(&req.network)
	if err != nil {
		return nil, err
	}

	h, err := s.dialer.Get(req.network, req.privateKey)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	preview, err := estimator.PreviewAirdrop(ctx, h, contracts.Airdrop, req.recipients, req.amountEach, req.batchSize, req.gasPrice)
	if err != nil {
		return nil, err
	}

	return &AirdropEstimateResult{
		From:             h.From(),
		Preview:          preview,
		TotalCostAmount:  helpers.FormatUnits(preview.TotalCost, req.network.NativeDecimals),
		TotalValueAmount: helpers.FormatUnits(preview.TotalValue, req.network.NativeDecimals),
	}, nil
}

// AirdropBatchEvent is emitted for every airdrop batch.
type AirdropBatchEvent struct {
	Batch      int    `json:"batch"`
	Batches    int    `json:"batches"`
	Recipients int    `json:"recipients"`
	TxID       string `json:"txId,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) airdropStart(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.mover == nil {
		return nil, fmt.Errorf("mover not initialized")
	}

	req, err := s.parseAirdrop(ctx, params)
	if err != nil {
		return nil, err
	}
	contracts, err := config.GetContracts(&req.network)
	if err != nil {
		return nil, err
	}

	h, err := s.dialer.Get(req.network, req.privateKey)
	if err != nil {
		return nil, err
	}

	plan := mover.AirdropPlan{
		Recipients: req.recipients,
		AmountEach: req.amountEach,
		BatchSize:  req.batchSize,
		GasPrice:   req.gasPrice,
		Contract:   contracts.Airdrop,
	}
	if err := plan.Validate(); err != nil {
		h.Close()
		return nil, invalidParams("%v", err)
	}
	batches := helpers.CeilDiv(len(plan.Recipients), plan.BatchSize)
	chainID := req.network.ChainID

	info, err := s.jobs.Start(JobAirdrop, chainID, func(ctx context.Context, jobID string) (interface{}, error) {
		defer h.Close()

		sent := 0
		err := s.mover.Airdrop(ctx, h, plan, func(o mover.TransferOutcome) {
			ev := AirdropBatchEvent{
				Batch:      o.Batch,
				Batches:    batches,
				Recipients: o.Recipients,
				TxID:       o.TxID,
			}
			if o.Amount != nil {
				ev.Amount = o.Amount.String()
			}
			if o.Succeeded {
				sent++
				s.emit(jobID, chainID, EventAirdropBatch, ev)
				return
			}
			ev.Error = o.Error()
			s.emit(jobID, chainID, EventAirdropFailed, ev)
		})

		var batchErr *mover.BatchError
		if err != nil && !errors.As(err, &batchErr) {
			s.emit(jobID, chainID, EventAirdropFailed, AirdropBatchEvent{Batches: batches, Error: err.Error()})
		}

		done := map[string]interface{}{
			"sent":    sent,
			"batches": batches,
		}
		if err != nil {
			done["error"] = err.Error()
		}
		s.emit(jobID, chainID, EventAirdropDone, done)
		return map[string]interface{}{"sent": sent, "batches": batches}, err
	})
	if err != nil {
		h.Close()
		return nil, err
	}

	return &JobStartedResult{JobID: info.ID, Wallets: len(plan.Recipients)}, nil
}

// ========================================
// Collect handlers
// ========================================

// CollectStartParams is the parameters for collect_start. MinAmount is in
// whole token units and GasPrice in gwei.
type CollectStartParams struct {
	ChainID      uint64 `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
	To           string `json:"to"`
	MinAmount    string `json:"minAmount"`
	AdminKey     string `json:"adminKey"`
	GasPrice     string `json:"gasPrice"`
}

// CollectEvent is emitted for every wallet of a collect.
type CollectEvent struct {
	From   string `json:"from"`
	Amount string `json:"amount,omitempty"`
	TxID   string `json:"txId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CollectSummaryEvent is emitted when a collect finishes.
type CollectSummaryEvent struct {
	Summary     *mover.CollectSummary `json:"summary"`
	MovedAmount string                `json:"movedAmount"`
}

func (s *Server) collectStart(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.mover == nil || s.store == nil {
		return nil, fmt.Errorf("mover not initialized")
	}

	var p CollectStartParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	network, err := s.network(ctx, p.ChainID)
	if err != nil {
		return nil, err
	}
	kind, err := network.Kind()
	if err != nil {
		return nil, err
	}
	if p.TokenAddress == "" {
		return nil, invalidParams("tokenAddress is required")
	}
	token, ok := network.Token(p.TokenAddress)
	if !ok {
		return nil, invalidParams("unknown token %s on %s", p.TokenAddress, network.Name)
	}
	if _, err := chain.ParseAddress(kind, p.To); err != nil {
		return nil, invalidParams("invalid to: %v", err)
	}
	if p.AdminKey == "" {
		return nil, invalidParams("adminKey is required")
	}

	threshold, err := parseAmount(p.MinAmount, token.Decimals, "minAmount")
	if err != nil {
		return nil, err
	}
	var gasPrice *big.Int
	if p.GasPrice != "" && kind == chain.KindEVM {
		if gasPrice, err = parseAmount(p.GasPrice, gweiDecimals, "gasPrice"); err != nil {
			return nil, err
		}
		if gasPrice.Sign() == 0 {
			gasPrice = nil
		}
	}

	rows, _, err := s.store.GetBalancesAbove(network.ChainIDString(), token.Address, threshold)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &JobStartedResult{}, nil
	}
	wallets := make([]string, len(rows))
	for i, r := range rows {
		wallets[i] = r.Address
	}

	plan := mover.CollectPlan{
		Network:  network,
		Token:    token,
		Wallets:  wallets,
		To:       p.To,
		AdminKey: p.AdminKey,
		GasPrice: gasPrice,
	}
	chainID := network.ChainID

	info, err := s.jobs.Start(JobCollect, chainID, func(ctx context.Context, jobID string) (interface{}, error) {
		event := func(from string, amount *big.Int) CollectEvent {
			ev := CollectEvent{From: from}
			if amount != nil {
				ev.Amount = amount.String()
			}
			return ev
		}

		summary, err := s.mover.Collect(ctx, plan, mover.CollectHandlers{
			OnProgress: func(from string, amount *big.Int) {
				s.emit(jobID, chainID, EventCollectProgress, event(from, amount))
			},
			OnError: func(err error, from string, amount *big.Int) {
				ev := event(from, amount)
				ev.Error = err.Error()
				s.emit(jobID, chainID, EventCollectError, ev)
			},
			OnSkip: func(from string) {
				s.emit(jobID, chainID, EventCollectSkip, event(from, nil))
			},
			OnDone: func(o mover.TransferOutcome) {
				if err := s.store.MarkCollected(o.Source, network.ChainIDString(), token.Address, time.Now()); err != nil {
					s.log.Warn("Failed to record collect", "wallet", o.Source, "error", err)
				}
				ev := event(o.Source, o.Amount)
				ev.TxID = o.TxID
				s.emit(jobID, chainID, EventCollectDone, ev)
			},
		})
		if err != nil {
			return nil, err
		}

		s.emit(jobID, chainID, EventCollectSummary, CollectSummaryEvent{
			Summary:     summary,
			MovedAmount: helpers.FormatUnits(summary.Moved, token.Decimals),
		})
		if summary.Cancelled > 0 {
			return summary, ctx.Err()
		}
		return summary, nil
	})
	if err != nil {
		return nil, err
	}

	return &JobStartedResult{JobID: info.ID, Wallets: len(wallets)}, nil
}
