package mover

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/config"
	"github.com/klingon-exchange/custodian/internal/contracts/airdrop"
	"github.com/klingon-exchange/custodian/internal/contracts/erc20"
	"github.com/klingon-exchange/custodian/internal/provider"
	"github.com/klingon-exchange/custodian/internal/provider/providertest"
	"github.com/klingon-exchange/custodian/pkg/logging"
)

func testAddress(i int) string {
	var addr common.Address
	big.NewInt(int64(i + 1)).FillBytes(addr[:])
	return addr.Hex()
}

func testAddresses(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = testAddress(i)
	}
	return out
}

func feeResponder(fee int64) func(context.Context, common.Address, []byte) ([]byte, error) {
	return func(context.Context, common.Address, []byte) ([]byte, error) {
		return common.LeftPadBytes(big.NewInt(fee).Bytes(), 32), nil
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestMover(f provider.Dialer, keys KeySource) *Mover {
	return New(f, keys, WithSleep(noSleep), WithLogger(logging.Discard()))
}

// =============================================================================
// Airdrop
// =============================================================================

func TestAirdropSequentialBatches(t *testing.T) {
	h := providertest.NewHandle(chain.KindEVM)
	h.FromValue = testAddress(999)
	h.CallFunc = feeResponder(7)

	var mu sync.Mutex
	var events []string
	h.SendFunc = func(ctx context.Context, req provider.TxRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := fmt.Sprintf("tx%d", len(events)/2)
		events = append(events, "send:"+id)
		return id, nil
	}
	h.WaitFunc = func(ctx context.Context, txID string) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, "wait:"+txID)
		return nil
	}

	var outcomes []TransferOutcome
	plan := AirdropPlan{
		Recipients: testAddresses(10),
		AmountEach: big.NewInt(100),
		BatchSize:  3,
		GasPrice:   big.NewInt(5),
		GasLimit:   90000,
	}
	err := newTestMover(nil, nil).Airdrop(context.Background(), h, plan, func(o TransferOutcome) {
		outcomes = append(outcomes, o)
	})
	require.NoError(t, err)

	// ceil(10/3) transactions, each confirmed before the next is sent.
	assert.Equal(t, []string{
		"send:tx0", "wait:tx0",
		"send:tx1", "wait:tx1",
		"send:tx2", "wait:tx2",
		"send:tx3", "wait:tx3",
	}, events)

	// fee() is read once.
	require.Len(t, h.Calls(), 1)
	assert.Equal(t, airdrop.EncodeFee(), h.Calls()[0].Data)
	assert.Equal(t, config.AirdropAddress(chain.KindEVM), h.Calls()[0].To)

	sent := h.Sent()
	require.Len(t, sent, 4)
	wantValues := []int64{307, 307, 307, 107}
	for i, req := range sent {
		assert.Equal(t, wantValues[i], req.Value.Int64())
		assert.Equal(t, config.AirdropAddress(chain.KindEVM), req.To)
		assert.Equal(t, int64(5), req.GasPrice.Int64())
		assert.Equal(t, uint64(90000), req.GasLimit)
	}

	require.Len(t, outcomes, 4)
	for i, o := range outcomes {
		assert.True(t, o.Succeeded)
		assert.Equal(t, i, o.Batch)
		assert.Equal(t, fmt.Sprintf("tx%d", i), o.TxID)
		assert.Equal(t, h.FromValue, o.Source)
	}
	assert.Equal(t, 1, outcomes[3].Recipients)
	assert.Equal(t, int64(100), outcomes[3].Amount.Int64())
}

func TestAirdropStopsOnFailedBatch(t *testing.T) {
	tests := []struct {
		name     string
		failSend bool
	}{
		{"submission failure", true},
		{"confirmation failure", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := providertest.NewHandle(chain.KindEVM)
			h.CallFunc = feeResponder(0)
			sends := 0
			h.SendFunc = func(ctx context.Context, req provider.TxRequest) (string, error) {
				sends++
				if tt.failSend && sends == 2 {
					return "", errors.New("insufficient funds")
				}
				return fmt.Sprintf("tx%d", sends), nil
			}
			h.WaitFunc = func(ctx context.Context, txID string) error {
				if !tt.failSend && txID == "tx2" {
					return provider.ErrTxFailed
				}
				return nil
			}

			var outcomes []TransferOutcome
			plan := AirdropPlan{Recipients: testAddresses(10), AmountEach: big.NewInt(1), BatchSize: 2}
			err := newTestMover(nil, nil).Airdrop(context.Background(), h, plan, func(o TransferOutcome) {
				outcomes = append(outcomes, o)
			})

			var batchErr *BatchError
			require.ErrorAs(t, err, &batchErr)
			assert.Equal(t, 1, batchErr.Batch)
			assert.Equal(t, 5, batchErr.Total)
			assert.Equal(t, 2, sends, "batches 3-5 must not be sent")

			require.Len(t, outcomes, 2)
			assert.True(t, outcomes[0].Succeeded)
			assert.False(t, outcomes[1].Succeeded)
			assert.Error(t, outcomes[1].Err)

			if !tt.failSend {
				assert.ErrorIs(t, err, provider.ErrTxFailed)
				assert.Equal(t, "tx2", batchErr.TxID)
			}
		})
	}
}

func TestAirdropTronIgnoresGasPrice(t *testing.T) {
	h := providertest.NewHandle(chain.KindTron)
	h.CallFunc = feeResponder(1)

	var recipients []string
	for i := 0; i < 3; i++ {
		var addr common.Address
		addr[19] = byte(i + 1)
		recipients = append(recipients, chain.FormatAddress(chain.KindTron, addr))
	}

	plan := AirdropPlan{Recipients: recipients, AmountEach: big.NewInt(10), BatchSize: 5, GasPrice: big.NewInt(99)}
	require.NoError(t, newTestMover(nil, nil).Airdrop(context.Background(), h, plan, nil))

	sent := h.Sent()
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].GasPrice)
	assert.Equal(t, int64(31), sent[0].Value.Int64())
	assert.Equal(t, config.AirdropAddress(chain.KindTron), sent[0].To)
}

func TestAirdropInvalidPlans(t *testing.T) {
	h := providertest.NewHandle(chain.KindEVM)
	m := newTestMover(nil, nil)

	plans := []AirdropPlan{
		{AmountEach: big.NewInt(1), BatchSize: 1},
		{Recipients: testAddresses(1), BatchSize: 1},
		{Recipients: testAddresses(1), AmountEach: big.NewInt(0), BatchSize: 1},
		{Recipients: testAddresses(1), AmountEach: big.NewInt(1)},
		{Recipients: []string{"nope"}, AmountEach: big.NewInt(1), BatchSize: 1},
	}
	for i, p := range plans {
		err := m.Airdrop(context.Background(), h, p, nil)
		assert.ErrorIs(t, err, ErrInvalidPlan, "plan %d", i)
	}
	assert.Empty(t, h.Sent())

	unknown := providertest.NewHandle(chain.KindUnknown)
	err := m.Airdrop(context.Background(), unknown, AirdropPlan{Recipients: testAddresses(1), AmountEach: big.NewInt(1), BatchSize: 1}, nil)
	assert.ErrorIs(t, err, provider.ErrUnsupportedChain)
}

func TestAirdropFeeReadFailure(t *testing.T) {
	h := providertest.NewHandle(chain.KindEVM)
	h.CallFunc = func(context.Context, common.Address, []byte) ([]byte, error) {
		return nil, errors.New("execution reverted")
	}
	err := newTestMover(nil, nil).Airdrop(context.Background(), h,
		AirdropPlan{Recipients: testAddresses(2), AmountEach: big.NewInt(1), BatchSize: 1}, nil)
	require.Error(t, err)
	assert.Empty(t, h.Sent())
}

// =============================================================================
// Collect
// =============================================================================

type fakeKeys struct {
	fail map[string]bool
}

func (k *fakeKeys) PrivateKey(ctx context.Context, address, adminKey string) (string, error) {
	if adminKey != "admin" {
		return "", errors.New("bad admin key")
	}
	if k.fail[address] {
		return "", errors.New("wallet not found")
	}
	return "key:" + address, nil
}

// walletFactory builds one handle per wallet key. balances maps wallet to its
// token balance.
type walletFactory struct {
	providertest.Factory
	mu       sync.Mutex
	handles  map[string]*providertest.Handle
	balances map[string]int64
	sendErr  map[string]error
	wait     func(ctx context.Context, txID string) error
}

func newWalletFactory(balances map[string]int64) *walletFactory {
	f := &walletFactory{handles: make(map[string]*providertest.Handle), balances: balances, sendErr: map[string]error{}}
	f.New = func(n chain.Network, key string) (provider.Handle, error) {
		kind, _ := n.Kind()
		wallet := strings.TrimPrefix(key, "key:")
		h := providertest.NewHandle(kind)
		h.FromValue = wallet
		h.CallFunc = func(context.Context, common.Address, []byte) ([]byte, error) {
			return common.LeftPadBytes(big.NewInt(f.balances[wallet]).Bytes(), 32), nil
		}
		if err := f.sendErr[wallet]; err != nil {
			h.SendFunc = func(context.Context, provider.TxRequest) (string, error) { return "", err }
		}
		h.WaitFunc = f.wait
		f.mu.Lock()
		f.handles[wallet] = h
		f.mu.Unlock()
		return h, nil
	}
	return f
}

func (f *walletFactory) handle(wallet string) *providertest.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[wallet]
}

type handlerLog struct {
	mu       sync.Mutex
	progress []string
	errs     map[string]error
	skipped  []string
	done     []TransferOutcome
}

func (l *handlerLog) handlers() CollectHandlers {
	l.errs = make(map[string]error)
	return CollectHandlers{
		OnProgress: func(from string, amount *big.Int) {
			l.mu.Lock()
			l.progress = append(l.progress, from)
			l.mu.Unlock()
		},
		OnError: func(err error, from string, amount *big.Int) {
			l.mu.Lock()
			l.errs[from] = err
			l.mu.Unlock()
		},
		OnSkip: func(from string) {
			l.mu.Lock()
			l.skipped = append(l.skipped, from)
			l.mu.Unlock()
		},
		OnDone: func(o TransferOutcome) {
			l.mu.Lock()
			l.done = append(l.done, o)
			l.mu.Unlock()
		},
	}
}

func collectPlan(wallets []string) CollectPlan {
	network := chain.DefaultNetworks()[0]
	return CollectPlan{
		Network:  network,
		Token:    network.Tokens[0],
		Wallets:  wallets,
		To:       testAddress(500),
		AdminKey: "admin",
	}
}

func TestCollectOnlyFundedWalletTransfers(t *testing.T) {
	wallets := testAddresses(5)
	f := newWalletFactory(map[string]int64{wallets[2]: 1234})
	log := &handlerLog{}

	summary, err := newTestMover(f, &fakeKeys{}).Collect(context.Background(), collectPlan(wallets), log.handlers())
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 4, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, int64(1234), summary.Moved.Int64())

	assert.Equal(t, []string{wallets[2]}, log.progress)
	assert.Len(t, log.skipped, 4)
	require.Len(t, log.done, 1)
	assert.Equal(t, wallets[2], log.done[0].Source)

	for i, w := range wallets {
		sent := f.handle(w).Sent()
		if i != 2 {
			assert.Empty(t, sent, "raw zero balance must not submit")
			continue
		}
		require.Len(t, sent, 1)
		token := common.HexToAddress(collectPlan(nil).Token.Address)
		assert.Equal(t, token, sent[0].To)
		want, err := erc20.EncodeTransfer(common.HexToAddress(testAddress(500)), big.NewInt(1234))
		require.NoError(t, err)
		assert.Equal(t, want, sent[0].Data)
		// No override: the node's suggested gas price is used.
		assert.Equal(t, int64(1_000_000_000), sent[0].GasPrice.Int64())
		assert.True(t, f.handle(w).Closed())
	}
}

func TestCollectStaggersStarts(t *testing.T) {
	var mu sync.Mutex
	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	wallets := testAddresses(4)
	m := New(newWalletFactory(nil), &fakeKeys{}, WithSleep(sleep), WithLogger(logging.Discard()))
	_, err := m.Collect(context.Background(), collectPlan(wallets), CollectHandlers{})
	require.NoError(t, err)

	sort.Slice(delays, func(i, j int) bool { return delays[i] < delays[j] })
	assert.Equal(t, []time.Duration{0, 200 * time.Millisecond, 400 * time.Millisecond, 600 * time.Millisecond}, delays)
}

func TestCollectIsolatesErrors(t *testing.T) {
	wallets := testAddresses(5)
	balances := map[string]int64{}
	for _, w := range wallets {
		balances[w] = 10
	}
	f := newWalletFactory(balances)
	f.sendErr[wallets[3]] = errors.New("nonce too low")
	keys := &fakeKeys{fail: map[string]bool{wallets[1]: true}}
	log := &handlerLog{}

	summary, err := newTestMover(f, keys).Collect(context.Background(), collectPlan(wallets), log.handlers())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, int64(30), summary.Moved.Int64())
	assert.Len(t, log.errs, 2)
	assert.Contains(t, log.errs[wallets[1]].Error(), "wallet not found")
	assert.Contains(t, log.errs[wallets[3]].Error(), "nonce too low")
	assert.False(t, summary.Outcomes[3].Succeeded)
	assert.True(t, summary.Outcomes[4].Succeeded)
}

func TestCollectRejectsConcurrentSweep(t *testing.T) {
	wallets := testAddresses(1)
	f := newWalletFactory(map[string]int64{wallets[0]: 5})
	release := make(chan struct{})
	started := make(chan struct{})
	f.wait = func(ctx context.Context, txID string) error {
		close(started)
		<-release
		return nil
	}
	m := newTestMover(f, &fakeKeys{})

	done := make(chan *CollectSummary)
	go func() {
		s, _ := m.Collect(context.Background(), collectPlan(wallets), CollectHandlers{})
		done <- s
	}()
	<-started

	log := &handlerLog{}
	second, err := m.Collect(context.Background(), collectPlan(wallets), log.handlers())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Failed)
	assert.ErrorIs(t, log.errs[wallets[0]], ErrSweepInProgress)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)

	// The guard is released once the sweep settles.
	f.wait = nil
	third, err := m.Collect(context.Background(), collectPlan(wallets), CollectHandlers{})
	require.NoError(t, err)
	assert.Equal(t, 1, third.Succeeded)
}

func TestCollectKeyMismatch(t *testing.T) {
	wallets := testAddresses(1)
	f := newWalletFactory(map[string]int64{wallets[0]: 5})
	inner := f.New
	f.New = func(n chain.Network, key string) (provider.Handle, error) {
		h, err := inner(n, key)
		h.(*providertest.Handle).FromValue = testAddress(77)
		return h, err
	}
	log := &handlerLog{}

	summary, err := newTestMover(f, &fakeKeys{}).Collect(context.Background(), collectPlan(wallets), log.handlers())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.ErrorIs(t, log.errs[wallets[0]], ErrKeyMismatch)
}

func TestCollectGasSettings(t *testing.T) {
	wallets := testAddresses(1)
	f := newWalletFactory(map[string]int64{wallets[0]: 5})
	plan := collectPlan(wallets)
	plan.GasPrice = big.NewInt(3)

	_, err := newTestMover(f, &fakeKeys{}).Collect(context.Background(), plan, CollectHandlers{})
	require.NoError(t, err)
	sent := f.handle(wallets[0]).Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(3), sent[0].GasPrice.Int64())
	assert.Zero(t, sent[0].FeeLimit)

	// TRON uses the fixed fee limit.
	var tronAddr common.Address
	tronAddr[19] = 9
	tronWallet := chain.FormatAddress(chain.KindTron, tronAddr)
	tf := newWalletFactory(map[string]int64{tronWallet: 5})
	tronNet := chain.DefaultNetworks()[5]
	tronPlan := CollectPlan{
		Network:  tronNet,
		Token:    tronNet.Tokens[0],
		Wallets:  []string{tronWallet},
		To:       "TNnHipM7aZMYYanXhESgRV9NmjndcgvaXu",
		AdminKey: "admin",
		GasPrice: big.NewInt(3),
	}
	summary, err := newTestMover(tf, &fakeKeys{}).Collect(context.Background(), tronPlan, CollectHandlers{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	sent = tf.handle(tronWallet).Sent()
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].GasPrice)
	assert.Equal(t, provider.TronFeeLimit, sent[0].FeeLimit)
}

func TestCollectPlanErrors(t *testing.T) {
	m := newTestMover(newWalletFactory(nil), &fakeKeys{})

	plan := collectPlan(testAddresses(1))
	plan.To = "bogus"
	_, err := m.Collect(context.Background(), plan, CollectHandlers{})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	plan = collectPlan(testAddresses(1))
	plan.Network.ChainType = "near"
	_, err = m.Collect(context.Background(), plan, CollectHandlers{})
	assert.ErrorIs(t, err, provider.ErrUnsupportedChain)

	_, err = newTestMover(newWalletFactory(nil), nil).Collect(context.Background(), collectPlan(nil), CollectHandlers{})
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestCollectCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(newWalletFactory(nil), &fakeKeys{}, WithLogger(logging.Discard()),
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }))
	summary, err := m.Collect(ctx, collectPlan(testAddresses(3)), CollectHandlers{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Cancelled)
}

func TestBatchErrorMessage(t *testing.T) {
	err := &BatchError{Batch: 1, Total: 5, TxID: "0xabc", Err: provider.ErrTxFailed}
	assert.Contains(t, err.Error(), "2/5")
	assert.Contains(t, err.Error(), "0xabc")
	assert.ErrorIs(t, err, provider.ErrTxFailed)
}
