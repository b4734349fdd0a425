// Package aggregator reads balances for many addresses through the multicall
// contract, one chunk at a time with a fixed delay between chunks.
package aggregator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/config"
	"github.com/klingon-exchange/custodian/internal/contracts/multicall"
	"github.com/klingon-exchange/custodian/internal/provider"
	"github.com/klingon-exchange/custodian/pkg/logging"
)

// Defaults
const (
	// ChunkSize is the maximum number of addresses per multicall.
	ChunkSize = 255
	// ChunkDelay is the pause between two consecutive chunks.
	ChunkDelay = time.Second
)

// Target selects what is read for every address.
type Target struct {
	// Multicall is the aggregator contract. Zero uses the fixed address of
	// the handle's chain family.
	Multicall common.Address
	// Token is the token contract. Nil reads the native balance.
	Token *common.Address
}

// Native returns a target reading native balances.
func Native() Target { return Target{} }

// Token returns a target reading balanceOf on token.
func Token(token common.Address) Target { return Target{Token: &token} }

// ChunkResult is the outcome of one chunk. Exactly one of Err and Balances
// is set; Balances is aligned with Addresses.
type ChunkResult struct {
	Index     int
	Addresses []string
	Results   [][]byte
	Balances  []*big.Int
	Err       error
}

// OK returns true if the chunk was read and decoded.
func (c *ChunkResult) OK() bool {
	return c.Err == nil
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Aggregator reads balances in chunks.
type Aggregator struct {
	chunkSize int
	delay     time.Duration
	sleep     SleepFunc
	log       *logging.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithChunkSize overrides ChunkSize.
func WithChunkSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// WithDelay overrides ChunkDelay.
func WithDelay(d time.Duration) Option {
	return func(a *Aggregator) { a.delay = d }
}

// WithSleep replaces the delay implementation.
func WithSleep(fn SleepFunc) Option {
	return func(a *Aggregator) { a.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// New creates an Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		chunkSize: ChunkSize,
		delay:     ChunkDelay,
		sleep:     Sleep,
		log:       logging.GetDefault().Component("aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate reads target for every address. Chunks run strictly in order and
// each settled chunk is passed to onChunk (if not nil) before the next delay.
// A failed chunk is logged and skipped. The returned error is only set when
// ctx ends the loop early; the chunks read so far are still returned.
func (a *Aggregator) Aggregate(ctx context.Context, h provider.Handle, target Target, addresses []string, onChunk func(*ChunkResult)) ([]*ChunkResult, error) {
	kind := h.Kind()
	switch kind {
	case chain.KindEVM, chain.KindTron:
	default:
		return nil, fmt.Errorf("%w: %s", provider.ErrUnsupportedChain, kind)
	}

	multicallAddr := target.Multicall
	if multicallAddr == (common.Address{}) {
		multicallAddr = config.MulticallAddress(kind)
	}

	chunks := Chunk(addresses, a.chunkSize)
	results := make([]*ChunkResult, 0, len(chunks))

	for i, group := range chunks {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := a.readChunk(ctx, h, kind, multicallAddr, target, i, group)
		if res.Err != nil {
			a.log.Warn("Chunk failed", "index", i, "addresses", len(group), "error", res.Err)
		} else {
			a.log.Debug("Chunk read", "index", i, "addresses", len(group))
		}
		results = append(results, res)
		if onChunk != nil {
			onChunk(res)
		}

		if i < len(chunks)-1 {
			if err := a.sleep(ctx, a.delay); err != nil {
				return results, err
			}
		}
	}

	return results, nil
}

func (a *Aggregator) readChunk(ctx context.Context, h provider.Handle, kind chain.Kind, multicallAddr common.Address, target Target, index int, group []string) *ChunkResult {
	res := &ChunkResult{Index: index, Addresses: group}

	addrs := make([]common.Address, len(group))
	for j, s := range group {
		addr, err := chain.ParseAddress(kind, s)
		if err != nil {
			res.Err = err
			return res
		}
		addrs[j] = addr
	}

	var calls []multicall.Call
	if target.Token == nil {
		calls = multicall.NativeBalanceCalls(multicallAddr, addrs)
	} else {
		calls = multicall.TokenBalanceCalls(*target.Token, addrs)
	}

	input, err := multicall.EncodeMulticallView(calls)
	if err != nil {
		res.Err = err
		return res
	}

	output, err := h.CallContract(ctx, multicallAddr, input)
	if err != nil {
		res.Err = fmt.Errorf("multicall failed: %w", err)
		return res
	}

	decoded, err := multicall.DecodeMulticallView(output, len(calls))
	if err != nil {
		res.Err = err
		return res
	}

	balances := make([]*big.Int, len(decoded.Results))
	for j, raw := range decoded.Results {
		if balances[j], err = multicall.DecodeUint(raw); err != nil {
			res.Err = fmt.Errorf("result %d: %w", j, err)
			return res
		}
	}

	res.Results = decoded.Results
	res.Balances = balances
	return res
}

// Chunk splits addresses into contiguous groups of at most size.
func Chunk(addresses []string, size int) [][]string {
	if size <= 0 {
		size = ChunkSize
	}
	var chunks [][]string
	for i := 0; i < len(addresses); i += size {
		end := i + size
		if end > len(addresses) {
			end = len(addresses)
		}
		chunks = append(chunks, addresses[i:end])
	}
	return chunks
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
