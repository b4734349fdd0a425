package aggregator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/config"
	"github.com/klingon-exchange/custodian/internal/contracts/multicall"
	"github.com/klingon-exchange/custodian/internal/provider"
	"github.com/klingon-exchange/custodian/internal/provider/providertest"
	"github.com/klingon-exchange/custodian/pkg/logging"
)

// recordingSleep records requested delays without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func testAddresses(kind chain.Kind, n int) []string {
	out := make([]string, n)
	for i := range out {
		var addr common.Address
		big.NewInt(int64(i + 1)).FillBytes(addr[:])
		out[i] = chain.FormatAddress(kind, addr)
	}
	return out
}

// balanceByIndex answers each sub-call with the address's integer value.
func balanceByIndex(call multicall.Call) []byte {
	return multicall.EncodeUint(new(big.Int).SetBytes(providertest.CallAddress(call).Bytes()))
}

func newTestAggregator(sleep *recordingSleep) *Aggregator {
	return New(WithSleep(sleep.sleep), WithLogger(logging.Discard()))
}

func TestAggregateChunking(t *testing.T) {
	tests := []struct {
		n      int
		chunks int
	}{
		{0, 0},
		{1, 1},
		{255, 1},
		{256, 2},
		{600, 3},
	}

	for _, tt := range tests {
		sleep := &recordingSleep{}
		h := providertest.NewHandle(chain.KindEVM)
		h.CallFunc = providertest.MulticallResponder(balanceByIndex)

		addrs := testAddresses(chain.KindEVM, tt.n)
		var seen []int
		results, err := newTestAggregator(sleep).Aggregate(context.Background(), h, Native(), addrs, func(c *ChunkResult) {
			seen = append(seen, c.Index)
		})
		require.NoError(t, err)

		assert.Len(t, results, tt.chunks, "n=%d", tt.n)
		assert.Len(t, h.Calls(), tt.chunks, "n=%d", tt.n)
		assert.Len(t, seen, tt.chunks)

		wantDelays := 0
		if tt.chunks > 0 {
			wantDelays = tt.chunks - 1
		}
		assert.Len(t, sleep.delays, wantDelays, "n=%d", tt.n)
		for _, d := range sleep.delays {
			assert.Equal(t, ChunkDelay, d)
		}

		// Chunks are contiguous and in input order.
		var flat []string
		for i, r := range results {
			assert.Equal(t, i, r.Index)
			require.True(t, r.OK())
			assert.LessOrEqual(t, len(r.Addresses), ChunkSize)
			flat = append(flat, r.Addresses...)
			for j, b := range r.Balances {
				assert.Equal(t, int64(i*ChunkSize+j+1), b.Int64())
			}
		}
		if tt.n > 0 {
			assert.Equal(t, addrs, flat)
		}
	}
}

func TestAggregateNativeAndTokenTargets(t *testing.T) {
	sleep := &recordingSleep{}
	h := providertest.NewHandle(chain.KindEVM)
	h.CallFunc = providertest.MulticallResponder(balanceByIndex)
	agg := newTestAggregator(sleep)
	addrs := testAddresses(chain.KindEVM, 2)

	_, err := agg.Aggregate(context.Background(), h, Native(), addrs, nil)
	require.NoError(t, err)

	token := common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	_, err = agg.Aggregate(context.Background(), h, Token(token), addrs, nil)
	require.NoError(t, err)

	calls := h.Calls()
	require.Len(t, calls, 2)
	mc := config.MulticallAddress(chain.KindEVM)

	native, err := multicall.DecodeMulticallViewInput(calls[0].Data)
	require.NoError(t, err)
	assert.Equal(t, mc, calls[0].To)
	for _, c := range native {
		assert.Equal(t, mc, c.Target)
		assert.Equal(t, []byte{0x4d, 0x23, 0x01, 0xcc}, c.CallData[:4])
	}

	tok, err := multicall.DecodeMulticallViewInput(calls[1].Data)
	require.NoError(t, err)
	assert.Equal(t, mc, calls[1].To)
	for _, c := range tok {
		assert.Equal(t, token, c.Target)
		assert.Equal(t, []byte{0x70, 0xa0, 0x82, 0x31}, c.CallData[:4])
	}
}

func TestAggregateTronAddresses(t *testing.T) {
	h := providertest.NewHandle(chain.KindTron)
	h.CallFunc = providertest.MulticallResponder(balanceByIndex)

	addrs := testAddresses(chain.KindTron, 3)
	results, err := newTestAggregator(&recordingSleep{}).Aggregate(context.Background(), h, Native(), addrs, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(3), results[0].Balances[2].Int64())
	assert.Equal(t, config.MulticallAddress(chain.KindTron), h.Calls()[0].To)
}

func TestAggregateZeroResults(t *testing.T) {
	h := providertest.NewHandle(chain.KindEVM)
	n := 0
	h.CallFunc = providertest.MulticallResponder(func(call multicall.Call) []byte {
		n++
		if n%2 == 0 {
			return []byte{}
		}
		return make([]byte, 32)
	})

	results, err := newTestAggregator(&recordingSleep{}).Aggregate(context.Background(), h, Native(), testAddresses(chain.KindEVM, 4), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	for _, b := range results[0].Balances {
		assert.Zero(t, b.Sign())
	}
}

func TestAggregateFailedChunkIsSkipped(t *testing.T) {
	sleep := &recordingSleep{}
	h := providertest.NewHandle(chain.KindEVM)
	respond := providertest.MulticallResponder(balanceByIndex)
	call := 0
	h.CallFunc = func(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
		call++
		if call == 2 {
			return nil, errors.New("rate limited")
		}
		return respond(ctx, to, data)
	}

	var emitted []*ChunkResult
	results, err := newTestAggregator(sleep).Aggregate(context.Background(), h, Native(), testAddresses(chain.KindEVM, 600), func(c *ChunkResult) {
		emitted = append(emitted, c)
	})
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.Nil(t, results[1].Balances)
	assert.Contains(t, results[1].Err.Error(), "rate limited")
	assert.True(t, results[2].OK())
	assert.Len(t, emitted, 3)
	assert.Len(t, sleep.delays, 2)
}

func TestAggregateDecodeFailure(t *testing.T) {
	h := providertest.NewHandle(chain.KindEVM)
	h.CallFunc = func(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
		return []byte{0x01}, nil
	}

	results, err := newTestAggregator(&recordingSleep{}).Aggregate(context.Background(), h, Native(), testAddresses(chain.KindEVM, 2), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestAggregateInvalidAddress(t *testing.T) {
	h := providertest.NewHandle(chain.KindEVM)
	h.CallFunc = providertest.MulticallResponder(balanceByIndex)

	results, err := newTestAggregator(&recordingSleep{}).Aggregate(context.Background(), h, Native(), []string{"not-an-address"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, chain.ErrInvalidAddress)
	assert.Empty(t, h.Calls())
}

func TestAggregateCancelled(t *testing.T) {
	h := providertest.NewHandle(chain.KindEVM)
	h.CallFunc = providertest.MulticallResponder(balanceByIndex)

	ctx, cancel := context.WithCancel(context.Background())
	agg := New(WithLogger(logging.Discard()), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return Sleep(ctx, d)
	}))

	results, err := agg.Aggregate(ctx, h, Native(), testAddresses(chain.KindEVM, 600), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 1)
	assert.Len(t, h.Calls(), 1)
}

func TestAggregateUnsupportedKind(t *testing.T) {
	h := providertest.NewHandle(chain.KindUnknown)
	_, err := newTestAggregator(&recordingSleep{}).Aggregate(context.Background(), h, Native(), testAddresses(chain.KindEVM, 1), nil)
	assert.ErrorIs(t, err, provider.ErrUnsupportedChain)
}

func TestAggregateRealDelay(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the real chunk delay")
	}

	h := providertest.NewHandle(chain.KindEVM)
	h.CallFunc = providertest.MulticallResponder(balanceByIndex)

	start := time.Now()
	results, err := New(WithLogger(logging.Discard())).Aggregate(context.Background(), h, Native(), testAddresses(chain.KindEVM, 300), nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk(nil, 3))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, Chunk([]string{"a", "b", "c"}, 2))
	assert.Len(t, Chunk(make([]string, 10), 0), 1)
}
