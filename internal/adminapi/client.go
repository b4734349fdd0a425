// Package adminapi is a client for the custodian admin server: chain and
// token lists, wallet dumps, trade logs, scanner status and deposit
// statistics.
package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/config"
	"github.com/klingon-exchange/custodian/pkg/logging"
)

// Defaults.
const (
	DefaultTimeout  = 30 * time.Second
	DefaultChainTTL = 5 * time.Minute
	chainCacheSize  = 16

	// TradeLogPageSize is the fixed page size of /_op/getTradeLogs.
	TradeLogPageSize = 10

	// codeOK is the envelope code of a successful response.
	codeOK = 1
)

// Client errors
var (
	ErrNotConfigured = errors.New("admin server not configured")
	ErrAPI           = errors.New("admin api error")
	ErrGACodeMissing = errors.New("authenticator code is required")
)

// TokenContract is a token the admin server scans deposits for.
type TokenContract struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Chain is a chain known to the admin server.
type Chain struct {
	ChainID       uint64          `json:"chainId"`
	ChainName     string          `json:"chainName"`
	ChainType     string          `json:"chainType,omitempty"`
	USDTContracts []TokenContract `json:"usdtContracts"`
}

// Tokens converts the chain's token list to network token descriptors.
func (c *Chain) Tokens() []chain.TokenContract {
	out := make([]chain.TokenContract, 0, len(c.USDTContracts))
	for _, t := range c.USDTContracts {
		out = append(out, chain.TokenContract{Address: t.Address, Symbol: t.Symbol, Decimals: t.Decimals})
	}
	return out
}

// ServerStatus maps chain ID to whether its deposit scanner is running.
type ServerStatus map[string]bool

// Stat is the deposit summary for a time range. Its fields are owned by the
// server and passed through unchanged.
type Stat map[string]interface{}

// TrendPoint is one bucket of a deposit trend.
type TrendPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// Wallet is one custodial wallet from a wallet dump. Keys stay encrypted.
type Wallet struct {
	Address             string `json:"address"`
	EncryptedPrivateKey string `json:"ecrypedPrivateKey"`
	EncryptedAESKey     string `json:"encryptedAesKey"`
	UID                 string `json:"uid"`
}

// TradeLog is one deposit, withdrawal or payment recorded by the server.
// Amount is a decimal string.
type TradeLog struct {
	ID              int64  `json:"id,omitempty"`
	PaymentID       string `json:"paymentId,omitempty"`
	UID             string `json:"uid"`
	Amount          string `json:"amount"`
	Type            string `json:"type,omitempty"`
	ConfirmedBlocks int    `json:"confirmedBlocks"`
	Memo            string `json:"memo,omitempty"`
	TxHash          string `json:"txHash,omitempty"`
	Token           string `json:"token,omitempty"`
	ChainType       string `json:"chainType,omitempty"`
	ChainID         uint64 `json:"chainId,omitempty"`
	TxFrom          string `json:"txFrom,omitempty"`
	TxTo            string `json:"txTo,omitempty"`
	BlockNumber     string `json:"blockNumber,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
}

// TradeLogQuery filters trade logs. Page is zero-based; empty fields do not
// filter.
type TradeLogQuery struct {
	Page      int
	PaymentID string
	TxTo      string
	TxHash    string
	Type      string
	UID       string
}

func (q *TradeLogQuery) values() url.Values {
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	for key, val := range map[string]string{
		"paymentId": q.PaymentID,
		"txTo":      q.TxTo,
		"txHash":    q.TxHash,
		"type":      q.Type,
		"uid":       q.UID,
	} {
		if val != "" {
			v.Set(key, val)
		}
	}
	return v
}

// TradeLogPage is one page of trade logs.
type TradeLogPage struct {
	Content       []TradeLog `json:"content"`
	TotalElements int        `json:"totalElements"`
}

// TotalPages returns the page count at TradeLogPageSize per page.
func (p *TradeLogPage) TotalPages() int {
	return (p.TotalElements + TradeLogPageSize - 1) / TradeLogPageSize
}

// RuntimeInfo describes the admin server host (cpu_cores,
// jvm_max_memory_mb, system_load_average, free_disk_space_gb). Fields are
// passed through unchanged.
type RuntimeInfo map[string]interface{}

// envelope is the common response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client talks to the admin server. The server URL and API token are read
// from settings on every call so that changes apply without a restart.
type Client struct {
	settings   config.Provider
	httpClient *http.Client
	chains     *expirable.LRU[string, []Chain]
	log        *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithChainTTL sets how long chain lists are cached.
func WithChainTTL(ttl time.Duration) Option {
	return func(cl *Client) { cl.chains = expirable.NewLRU[string, []Chain](chainCacheSize, nil, ttl) }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// New creates an admin API client.
func New(settings config.Provider, opts ...Option) *Client {
	c := &Client{
		settings:   settings,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		chains:     expirable.NewLRU[string, []Chain](chainCacheSize, nil, DefaultChainTTL),
		log:        logging.GetDefault().Component("adminapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetChains returns the chains the admin server scans. Results are cached
// per server URL.
func (c *Client) GetChains(ctx context.Context) ([]Chain, error) {
	base, err := c.serverURL()
	if err != nil {
		return nil, err
	}
	if chains, ok := c.chains.Get(base); ok {
		return chains, nil
	}

	var chains []Chain
	if err := c.do(ctx, http.MethodGet, base, "/api/v1/chains", false, nil, &chains); err != nil {
		return nil, fmt.Errorf("failed to get chains: %w", err)
	}
	c.chains.Add(base, chains)
	c.log.Debug("Fetched chain list", "count", len(chains))
	return chains, nil
}

// GetChain returns one chain by ID, or nil if the server does not list it.
func (c *Client) GetChain(ctx context.Context, chainID uint64) (*Chain, error) {
	chains, err := c.GetChains(ctx)
	if err != nil {
		return nil, err
	}
	for i := range chains {
		if chains[i].ChainID == chainID {
			return &chains[i], nil
		}
	}
	return nil, nil
}

// InvalidateChains drops cached chain lists.
func (c *Client) InvalidateChains() {
	c.chains.Purge()
}

// GetStat returns the deposit summary between begin and end.
func (c *Client) GetStat(ctx context.Context, begin, end time.Time) (Stat, error) {
	base, err := c.serverURL()
	if err != nil {
		return nil, err
	}

	q := rangeQuery(begin, end)
	var stat Stat
	if err := c.do(ctx, http.MethodGet, base, "/_stat/sum?"+q.Encode(), true, nil, &stat); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stat, nil
}

// GetTrends returns deposit trend buckets of the given type between begin and end.
func (c *Client) GetTrends(ctx context.Context, begin, end time.Time, kind string) ([]TrendPoint, error) {
	base, err := c.serverURL()
	if err != nil {
		return nil, err
	}

	q := rangeQuery(begin, end)
	q.Set("type", kind)

	// buckets arrive as [date, value] pairs
	var raw [][2]json.RawMessage
	if err := c.do(ctx, http.MethodGet, base, "/_stat/trend?"+q.Encode(), true, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to get trends: %w", err)
	}

	points := make([]TrendPoint, 0, len(raw))
	for _, pair := range raw {
		var p TrendPoint
		if err := json.Unmarshal(pair[0], &p.Date); err != nil {
			return nil, fmt.Errorf("%w: bad trend date: %v", ErrAPI, err)
		}
		if err := json.Unmarshal(pair[1], &p.Value); err != nil {
			return nil, fmt.Errorf("%w: bad trend value: %v", ErrAPI, err)
		}
		points = append(points, p)
	}
	return points, nil
}

// GetServerStatus reports which chain scanners are running.
func (c *Client) GetServerStatus(ctx context.Context) (ServerStatus, error) {
	base, err := c.serverURL()
	if err != nil {
		return nil, err
	}

	status := ServerStatus{}
	if err := c.do(ctx, http.MethodGet, base, "/_op/isScannerRunning", true, nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get server status: %w", err)
	}
	return status, nil
}

// RestartScanner asks the server to restart the scanner of one chain.
func (c *Client) RestartScanner(ctx context.Context, chainID string) error {
	base, err := c.serverURL()
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPost, base, "/_op/restartScanner/"+url.PathEscape(chainID), true, nil, nil); err != nil {
		return fmt.Errorf("failed to restart scanner: %w", err)
	}
	c.log.Info("Scanner restart requested", "chain", chainID)
	return nil
}

// DumpWallets downloads every wallet of a chain type. The server requires a
// current authenticator (GA) code in addition to the API token.
func (c *Client) DumpWallets(ctx context.Context, chainType, gaCode string) ([]Wallet, error) {
	if gaCode == "" {
		return nil, ErrGACodeMissing
	}
	base, err := c.serverURL()
	if err != nil {
		return nil, err
	}

	body := map[string]string{"code": gaCode}
	var wallets []Wallet
	if err := c.do(ctx, http.MethodPost, base, "/_op/dumpWallet/"+url.PathEscape(chainType), true, body, &wallets); err != nil {
		return nil, fmt.Errorf("failed to dump wallets: %w", err)
	}
	c.log.Info("Wallet dump received", "chainType", chainType, "count", len(wallets))
	return wallets, nil
}

// GetTradeLogs returns one page of trade logs matching q.
func (c *Client) GetTradeLogs(ctx context.Context, q TradeLogQuery) (*TradeLogPage, error) {
	base, err := c.serverURL()
	if err != nil {
		return nil, err
	}

	page := &TradeLogPage{}
	if err := c.do(ctx, http.MethodGet, base, "/_op/getTradeLogs?"+q.values().Encode(), true, nil, page); err != nil {
		return nil, fmt.Errorf("failed to get trade logs: %w", err)
	}
	if page.Content == nil {
		page.Content = []TradeLog{}
	}
	return page, nil
}

// GetRuntime returns host information of the admin server.
func (c *Client) GetRuntime(ctx context.Context) (RuntimeInfo, error) {
	base, err := c.serverURL()
	if err != nil {
		return nil, err
	}

	info := RuntimeInfo{}
	if err := c.do(ctx, http.MethodGet, base, "/_op/getRuntime", true, nil, &info); err != nil {
		return nil, fmt.Errorf("failed to get runtime info: %w", err)
	}
	return info, nil
}

func (c *Client) serverURL() (string, error) {
	base, err := c.settings.Get(config.KeyServerURL)
	if err != nil {
		if errors.Is(err, config.ErrSettingMissing) {
			return "", fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		return "", err
	}
	return strings.TrimSuffix(base, "/"), nil
}

func (c *Client) do(ctx context.Context, method, base, path string, auth bool, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		token, err := c.settings.Get(config.KeyAPIToken)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: unexpected status %d: %s", ErrAPI, resp.StatusCode, string(data))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrAPI, err)
	}
	if env.Code != codeOK {
		return fmt.Errorf("%w: code %d: %s", ErrAPI, env.Code, env.Message)
	}
	if result == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return fmt.Errorf("%w: failed to decode data: %v", ErrAPI, err)
	}
	return nil
}

// rangeQuery encodes a time range as millisecond timestamps.
func rangeQuery(begin, end time.Time) url.Values {
	q := url.Values{}
	q.Set("begin", strconv.FormatInt(begin.UnixMilli(), 10))
	q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	return q
}
