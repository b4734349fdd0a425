// Package provider builds chain-specific RPC handles for a network: an
// ethclient-backed handle for EVM chains and a full-node HTTP client for TRON.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/config"
	"github.com/klingon-exchange/custodian/pkg/helpers"
	"github.com/klingon-exchange/custodian/pkg/logging"
)

// Provider errors
var (
	ErrUnsupportedChain  = errors.New("unsupported chain type")
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidKey        = errors.New("invalid private key")
	ErrNoSigner          = errors.New("handle has no signing key")
	ErrTxFailed          = errors.New("transaction failed")
)

// Defaults
const (
	DefaultPollInterval = 2 * time.Second
	DefaultHTTPTimeout  = 30 * time.Second

	// TronFeeLimit caps the TRX burnt by one TRON contract call, in sun.
	TronFeeLimit int64 = 150_000_000
)

// TxRequest describes a contract call to sign and submit.
type TxRequest struct {
	To    common.Address
	Value *big.Int
	Data  []byte

	// GasLimit of 0 lets the handle estimate it (EVM only).
	GasLimit uint64
	// GasPrice of nil lets the handle use the node's suggestion (EVM only).
	GasPrice *big.Int
	// FeeLimit of 0 uses TronFeeLimit (TRON only).
	FeeLimit int64
}

// Fee is the current fee data of a chain.
type Fee struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Handle is a chain-specific RPC handle, optionally bound to a signing key.
type Handle interface {
	// Kind returns the chain family of the handle.
	Kind() chain.Kind
	// From returns the signer address in native encoding, or "" if unsigned.
	From() string
	// CallContract performs a read-only call at the latest block.
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	// SendTransaction signs and submits req and returns the transaction ID.
	SendTransaction(ctx context.Context, req TxRequest) (string, error)
	// WaitConfirmed blocks until the transaction is included in a block.
	// A reverted transaction yields ErrTxFailed.
	WaitConfirmed(ctx context.Context, txID string) error
	// EstimateGas dry-runs req from the signer (if any).
	EstimateGas(ctx context.Context, req TxRequest) (uint64, error)
	// SuggestFee returns current fee data.
	SuggestFee(ctx context.Context) (*Fee, error)
	// Close releases the underlying connection.
	Close()
}

// Dialer produces handles. *Factory implements it.
type Dialer interface {
	Get(network chain.Network, signingKey string) (Handle, error)
}

// Factory builds handles for networks.
type Factory struct {
	settings     config.Provider
	httpClient   *http.Client
	pollInterval time.Duration
	log          *logging.Logger
}

// Option configures a Factory.
type Option func(*Factory)

// WithHTTPClient sets the HTTP client used by TRON handles.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Factory) { f.httpClient = c }
}

// WithPollInterval sets how often WaitConfirmed polls for receipts.
func WithPollInterval(d time.Duration) Option {
	return func(f *Factory) { f.pollInterval = d }
}

// WithLogger sets the factory logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Factory) { f.log = l }
}

// NewFactory creates a handle factory reading credentials from settings.
func NewFactory(settings config.Provider, opts ...Option) *Factory {
	f := &Factory{
		settings:     settings,
		httpClient:   &http.Client{Timeout: DefaultHTTPTimeout},
		pollInterval: DefaultPollInterval,
		log:          logging.GetDefault().Component("provider"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Get returns a handle for network, bound to signingKey when it is not empty.
// No network I/O happens here.
func (f *Factory) Get(network chain.Network, signingKey string) (Handle, error) {
	kind, err := chain.ParseKind(network.ChainType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, network.ChainType)
	}

	if err := network.CheckRPCURL(); err != nil {
		return nil, err
	}

	var key *btcec.PrivateKey
	if signingKey != "" {
		if key, err = ParsePrivateKey(signingKey); err != nil {
			return nil, err
		}
	}

	switch kind {
	case chain.KindEVM:
		client, err := ethclient.Dial(network.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", network.Name, err)
		}
		return newEVMHandle(client, new(big.Int).SetUint64(network.ChainID), key, f.pollInterval), nil

	case chain.KindTron:
		apiKey, err := f.settings.Get(config.KeyTronAPIKey)
		if err != nil {
			return nil, fmt.Errorf("%w: tron api key: %v", ErrMissingCredential, err)
		}
		return newTronHandle(network.RPCURL, apiKey, f.httpClient, key, f.pollInterval), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, network.ChainType)
	}
}

// ParsePrivateKey parses a hex secp256k1 private key with optional 0x prefix.
func ParsePrivateKey(s string) (*btcec.PrivateKey, error) {
	raw, err := helpers.HexToBytes(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}

// KeyAddress returns the canonical address controlled by key.
func KeyAddress(key *btcec.PrivateKey) common.Address {
	addr, _ := chain.AddressFromPublicKey(key.PubKey().SerializeUncompressed())
	return addr
}

// FormatKeyAddress returns the address of a hex private key in the native
// encoding of kind.
func FormatKeyAddress(kind chain.Kind, hexKey string) (string, error) {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return "", err
	}
	return chain.FormatAddress(kind, KeyAddress(key)), nil
}

// Ensure Factory implements Dialer
var _ Dialer = (*Factory)(nil)
