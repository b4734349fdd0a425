// Package mover moves funds: it fans native coin out to many wallets through
// the airdrop contract and sweeps token balances from many wallets to one
// treasury address.
package mover

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/klingon-exchange/custodian/internal/aggregator"
	"github.com/klingon-exchange/custodian/internal/provider"
	"github.com/klingon-exchange/custodian/pkg/logging"
)

// CollectStagger is the delay between the starts of two consecutive wallet
// sweeps.
const CollectStagger = 200 * time.Millisecond

// Mover errors
var (
	ErrInvalidPlan     = errors.New("invalid plan")
	ErrSweepInProgress = errors.New("sweep already in progress for wallet")
	ErrKeyMismatch     = errors.New("decrypted key does not control wallet")
)

// TransferOutcome reports one airdrop batch or one wallet sweep.
type TransferOutcome struct {
	Source    string   `json:"source"`
	Amount    *big.Int `json:"amount"`
	TxID      string   `json:"txId,omitempty"`
	Succeeded bool     `json:"succeeded"`
	Skipped   bool     `json:"skipped,omitempty"`
	Err       error    `json:"-"`

	// Batch is the airdrop batch index; Recipients its size.
	Batch      int `json:"batch,omitempty"`
	Recipients int `json:"recipients,omitempty"`
}

// Error returns the outcome's error text, or "".
func (o TransferOutcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// BatchError is returned when an airdrop batch fails. Later batches are not sent.
type BatchError struct {
	Batch int
	Total int
	TxID  string
	Err   error
}

func (e *BatchError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("airdrop batch %d/%d (tx %s) failed: %v", e.Batch+1, e.Total, e.TxID, e.Err)
	}
	return fmt.Sprintf("airdrop batch %d/%d failed: %v", e.Batch+1, e.Total, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// KeySource resolves the private key of a stored wallet.
type KeySource interface {
	PrivateKey(ctx context.Context, address, adminKey string) (string, error)
}

// Mover executes airdrops and collects.
type Mover struct {
	dialer  provider.Dialer
	keys    KeySource
	stagger time.Duration
	sleep   aggregator.SleepFunc
	log     *logging.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures a Mover.
type Option func(*Mover)

// WithStagger overrides CollectStagger.
func WithStagger(d time.Duration) Option {
	return func(m *Mover) { m.stagger = d }
}

// WithSleep replaces the wait used to stagger sweeps.
func WithSleep(fn aggregator.SleepFunc) Option {
	return func(m *Mover) { m.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Mover) { m.log = l }
}

// New creates a Mover. keys may be nil if Collect is never used.
func New(dialer provider.Dialer, keys KeySource, opts ...Option) *Mover {
	m := &Mover{
		dialer:   dialer,
		keys:     keys,
		stagger:  CollectStagger,
		sleep:    aggregator.Sleep,
		log:      logging.GetDefault().Component("mover"),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// claim marks a wallet as being swept. It returns false if it already is.
func (m *Mover) claim(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[key]; busy {
		return false
	}
	m.inFlight[key] = struct{}{}
	return true
}

func (m *Mover) release(key string) {
	m.mu.Lock()
	delete(m.inFlight, key)
	m.mu.Unlock()
}
