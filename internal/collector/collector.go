// Package collector refreshes every tracked balance of a network by running
// one aggregator pass per asset concurrently.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/custodian/internal/aggregator"
	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/config"
	"github.com/klingon-exchange/custodian/internal/provider"
	"github.com/klingon-exchange/custodian/pkg/logging"
)

// Sink receives the balances of one successful chunk.
type Sink func(ctx context.Context, balances []chain.AddressBalance) error

// Summary counts what a collection run produced.
type Summary struct {
	Passes       int `json:"passes"`
	ChunksOK     int `json:"chunksOk"`
	ChunksFailed int `json:"chunksFailed"`
	Balances     int `json:"balances"`
	SinkErrors   int `json:"sinkErrors"`
}

// Collector runs balance passes.
type Collector struct {
	dialer provider.Dialer
	agg    *aggregator.Aggregator
	now    func() time.Time
	log    *logging.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock replaces time.Now for balance timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Collector) { c.log = l }
}

// New creates a Collector.
func New(dialer provider.Dialer, agg *aggregator.Aggregator, opts ...Option) *Collector {
	c := &Collector{
		dialer: dialer,
		agg:    agg,
		now:    time.Now,
		log:    logging.GetDefault().Component("collector"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type pass struct {
	handle   provider.Handle
	target   aggregator.Target
	contract string
}

// CollectAllBalances reads the native balance and every token balance of
// wallets on network. Passes run concurrently, each with its own handle and
// chunk pacing. Configuration errors are returned before any pass starts; a
// cancelled ctx is returned after the passes have stopped.
func (c *Collector) CollectAllBalances(ctx context.Context, network chain.Network, wallets []string, tokens []chain.TokenContract, sink Sink) (*Summary, error) {
	contracts, err := config.GetContracts(&network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnsupportedChain, err)
	}
	kind, _ := network.Kind()

	passes := make([]pass, 0, len(tokens)+1)
	closeAll := func() {
		for _, p := range passes {
			p.handle.Close()
		}
	}

	native, err := c.dialer.Get(network, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create provider for %s: %w", network.Name, err)
	}
	passes = append(passes, pass{handle: native, target: aggregator.Target{Multicall: contracts.Multicall}})

	for _, tok := range tokens {
		addr, err := chain.ParseAddress(kind, tok.Address)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("token %s: %w", tok.Symbol, err)
		}
		h, err := c.dialer.Get(network, "")
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to create provider for %s: %w", network.Name, err)
		}
		passes = append(passes, pass{
			handle:   h,
			target:   aggregator.Target{Multicall: contracts.Multicall, Token: &addr},
			contract: tok.Address,
		})
	}
	defer closeAll()

	summary := &Summary{Passes: len(passes)}
	var mu sync.Mutex
	chainID := network.ChainIDString()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range passes {
		p := p
		g.Go(func() error {
			_, err := c.agg.Aggregate(gctx, p.handle, p.target, wallets, func(res *aggregator.ChunkResult) {
				if !res.OK() {
					mu.Lock()
					summary.ChunksFailed++
					mu.Unlock()
					return
				}

				balances := BalancesFromChunk(res, chainID, p.contract, c.now())
				sinkErr := sink(gctx, balances)
				if sinkErr != nil {
					c.log.Error("Failed to store balances", "chain", chainID, "contract", p.contract, "chunk", res.Index, "error", sinkErr)
				}

				mu.Lock()
				summary.ChunksOK++
				summary.Balances += len(balances)
				if sinkErr != nil {
					summary.SinkErrors++
				}
				mu.Unlock()
			})
			return err
		})
	}

	err = g.Wait()
	c.log.Info("Balance collection finished",
		"chain", chainID,
		"passes", summary.Passes,
		"chunks_ok", summary.ChunksOK,
		"chunks_failed", summary.ChunksFailed,
		"balances", summary.Balances,
	)
	return summary, err
}

// BalancesFromChunk converts a successful chunk into balances stamped with now.
func BalancesFromChunk(res *aggregator.ChunkResult, chainID, contract string, now time.Time) []chain.AddressBalance {
	balances := make([]chain.AddressBalance, len(res.Addresses))
	for i, addr := range res.Addresses {
		balances[i] = chain.AddressBalance{
			Address:         addr,
			ChainID:         chainID,
			ContractAddress: contract,
			Balance:         res.Balances[i],
			CollectedAt:     now,
			RefreshedAt:     now,
		}
	}
	return balances
}
