package mover

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/contracts/erc20"
	"github.com/klingon-exchange/custodian/internal/provider"
)

// CollectPlan describes a sweep of one token from many wallets.
type CollectPlan struct {
	Network  chain.Network
	Token    chain.TokenContract
	Wallets  []string
	To       string
	AdminKey string

	// GasPrice of nil uses the node's suggestion (EVM only).
	GasPrice *big.Int
}

// CollectHandlers receive per-wallet progress. They may be called
// concurrently from different wallets. Nil handlers are ignored.
type CollectHandlers struct {
	OnProgress func(from string, amount *big.Int)
	OnError    func(err error, from string, amount *big.Int)
	OnSkip     func(from string)
	OnDone     func(outcome TransferOutcome)
}

// CollectSummary aggregates a Collect run.
type CollectSummary struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Cancelled int      `json:"cancelled"`
	Moved     *big.Int `json:"moved"`

	// Outcomes is indexed like the plan's wallets. Cancelled wallets have a
	// zero outcome.
	Outcomes []TransferOutcome `json:"-"`
}

// Collect sweeps the whole token balance of every wallet to plan.To.
// Wallet i starts at i*stagger after the call without waiting for earlier
// wallets; Collect returns when every started sweep has settled. A failing
// wallet never affects the others. Only plan errors are returned.
func (m *Mover) Collect(ctx context.Context, plan CollectPlan, handlers CollectHandlers) (*CollectSummary, error) {
	kind, err := plan.Network.Kind()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnsupportedChain, err)
	}
	switch kind {
	case chain.KindEVM, chain.KindTron:
	default:
		return nil, fmt.Errorf("%w: %s", provider.ErrUnsupportedChain, kind)
	}
	if m.keys == nil {
		return nil, fmt.Errorf("%w: no key source", ErrInvalidPlan)
	}

	to, err := chain.ParseAddress(kind, plan.To)
	if err != nil {
		return nil, fmt.Errorf("%w: destination: %v", ErrInvalidPlan, err)
	}
	token, err := chain.ParseAddress(kind, plan.Token.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: token: %v", ErrInvalidPlan, err)
	}

	handlers = handlers.withDefaults()
	summary := &CollectSummary{
		Total:    len(plan.Wallets),
		Moved:    new(big.Int),
		Outcomes: make([]TransferOutcome, len(plan.Wallets)),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup

	m.log.Info("Starting collect",
		"chain", plan.Network.ChainID,
		"token", plan.Token.Symbol,
		"wallets", len(plan.Wallets),
		"to", plan.To,
	)

	for i, wallet := range plan.Wallets {
		wg.Add(1)
		go func(i int, wallet string) {
			defer wg.Done()

			if err := m.sleep(ctx, m.stagger*time.Duration(i)); err != nil {
				mu.Lock()
				summary.Cancelled++
				mu.Unlock()
				return
			}

			outcome := m.sweep(ctx, kind, plan, token, to, wallet, handlers)

			mu.Lock()
			summary.Outcomes[i] = outcome
			switch {
			case outcome.Skipped:
				summary.Skipped++
			case outcome.Succeeded:
				summary.Succeeded++
				summary.Moved.Add(summary.Moved, outcome.Amount)
			default:
				summary.Failed++
			}
			mu.Unlock()
		}(i, wallet)
	}

	wg.Wait()

	m.log.Info("Collect finished",
		"chain", plan.Network.ChainID,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"cancelled", summary.Cancelled,
		"moved", summary.Moved,
	)
	return summary, nil
}

// sweep moves one wallet's balance. Every failure is reported to OnError.
func (m *Mover) sweep(ctx context.Context, kind chain.Kind, plan CollectPlan, token, to common.Address, wallet string, handlers CollectHandlers) TransferOutcome {
	outcome := TransferOutcome{Source: wallet}
	fail := func(err error) TransferOutcome {
		outcome.Err = err
		handlers.OnError(err, wallet, outcome.Amount)
		m.log.Warn("Sweep failed", "wallet", wallet, "tx", outcome.TxID, "error", err)
		return outcome
	}

	walletAddr, err := chain.ParseAddress(kind, wallet)
	if err != nil {
		return fail(err)
	}

	lockKey := plan.Network.ChainIDString() + "/" + walletAddr.Hex()
	if !m.claim(lockKey) {
		return fail(ErrSweepInProgress)
	}
	defer m.release(lockKey)

	key, err := m.keys.PrivateKey(ctx, wallet, plan.AdminKey)
	if err != nil {
		return fail(fmt.Errorf("failed to get private key: %w", err))
	}

	h, err := m.dialer.Get(plan.Network, key)
	if err != nil {
		return fail(err)
	}
	defer h.Close()

	if signer, err := chain.ParseAddress(kind, h.From()); err != nil || signer != walletAddr {
		return fail(ErrKeyMismatch)
	}

	out, err := h.CallContract(ctx, token, erc20.EncodeBalanceOf(walletAddr))
	if err != nil {
		return fail(fmt.Errorf("failed to read balance: %w", err))
	}
	balance, err := erc20.DecodeBalance(out)
	if err != nil {
		return fail(err)
	}
	if balance.Sign() == 0 {
		outcome.Skipped = true
		outcome.Amount = balance
		handlers.OnSkip(wallet)
		return outcome
	}
	outcome.Amount = balance
	handlers.OnProgress(wallet, balance)

	data, err := erc20.EncodeTransfer(to, balance)
	if err != nil {
		return fail(err)
	}
	req := provider.TxRequest{To: token, Data: data}

	switch kind {
	case chain.KindEVM:
		req.GasPrice = plan.GasPrice
		if req.GasPrice == nil {
			fee, err := h.SuggestFee(ctx)
			if err != nil {
				return fail(err)
			}
			req.GasPrice = fee.GasPrice
		}
	case chain.KindTron:
		req.FeeLimit = provider.TronFeeLimit
	}

	txID, err := h.SendTransaction(ctx, req)
	if err != nil {
		return fail(err)
	}
	outcome.TxID = txID

	if err := h.WaitConfirmed(ctx, txID); err != nil {
		return fail(err)
	}

	outcome.Succeeded = true
	handlers.OnDone(outcome)
	return outcome
}

func (h CollectHandlers) withDefaults() CollectHandlers {
	if h.OnProgress == nil {
		h.OnProgress = func(string, *big.Int) {}
	}
	if h.OnError == nil {
		h.OnError = func(error, string, *big.Int) {}
	}
	if h.OnSkip == nil {
		h.OnSkip = func(string) {}
	}
	if h.OnDone == nil {
		h.OnDone = func(TransferOutcome) {}
	}
	return h
}
