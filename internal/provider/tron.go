package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/pkg/helpers"
)

// TRON errors
var (
	ErrTronRequest  = errors.New("tron request failed")
	ErrTxIDMismatch = errors.New("transaction id does not match raw data")
)

// tronAPIKeyHeader carries the TronGrid API key.
const tronAPIKeyHeader = "TRON-PRO-API-KEY"

// tronHandle talks to a TRON full node over its HTTP API.
type tronHandle struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	key          *btcec.PrivateKey
	from         common.Address
	pollInterval time.Duration
}

func newTronHandle(baseURL, apiKey string, client *http.Client, key *btcec.PrivateKey, poll time.Duration) *tronHandle {
	h := &tronHandle{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		httpClient:   client,
		key:          key,
		pollInterval: poll,
	}
	if key != nil {
		h.from = KeyAddress(key)
	}
	return h
}

// =============================================================================
// Wire types
// =============================================================================

type tronReturn struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *tronReturn) err() error {
	if r.Result || (r.Code == "" && r.Message == "") {
		return nil
	}
	return fmt.Errorf("%w: %s %s", ErrTronRequest, r.Code, decodeTronMessage(r.Message))
}

type tronTriggerRequest struct {
	OwnerAddress    string `json:"owner_address"`
	ContractAddress string `json:"contract_address"`
	Data            string `json:"data"`
	CallValue       int64  `json:"call_value,omitempty"`
	FeeLimit        int64  `json:"fee_limit,omitempty"`
	Visible         bool   `json:"visible"`
}

type tronTriggerResponse struct {
	Result         tronReturn      `json:"result"`
	EnergyUsed     uint64          `json:"energy_used"`
	ConstantResult []string        `json:"constant_result"`
	Transaction    json.RawMessage `json:"transaction"`
}

type tronTransaction struct {
	TxID       string `json:"txID"`
	RawDataHex string `json:"raw_data_hex"`
}

type tronTxInfo struct {
	ID         string `json:"id"`
	Result     string `json:"result"`
	ResMessage string `json:"resMessage"`
	Receipt    struct {
		Result string `json:"result"`
	} `json:"receipt"`
}

type tronChainParameters struct {
	ChainParameter []struct {
		Key   string `json:"key"`
		Value int64  `json:"value"`
	} `json:"chainParameter"`
}

// =============================================================================
// Handle
// =============================================================================

func (h *tronHandle) Kind() chain.Kind { return chain.KindTron }

func (h *tronHandle) From() string {
	if h.key == nil {
		return ""
	}
	return chain.FormatAddress(chain.KindTron, h.from)
}

func (h *tronHandle) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	resp, err := h.trigger(ctx, "/wallet/triggerconstantcontract", to, data, nil, 0)
	if err != nil {
		return nil, err
	}
	if len(resp.ConstantResult) == 0 {
		return nil, nil
	}
	out, err := helpers.HexToBytes(resp.ConstantResult[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad constant_result: %v", ErrTronRequest, err)
	}
	return out, nil
}

func (h *tronHandle) SendTransaction(ctx context.Context, req TxRequest) (string, error) {
	if h.key == nil {
		return "", ErrNoSigner
	}

	feeLimit := req.FeeLimit
	if feeLimit == 0 {
		feeLimit = TronFeeLimit
	}

	resp, err := h.trigger(ctx, "/wallet/triggersmartcontract", req.To, req.Data, req.Value, feeLimit)
	if err != nil {
		return "", err
	}
	if len(resp.Transaction) == 0 {
		return "", fmt.Errorf("%w: no transaction returned", ErrTronRequest)
	}

	signed, txID, err := signTronTransaction(h.key, resp.Transaction)
	if err != nil {
		return "", err
	}

	var broadcast tronReturn
	if err := h.post(ctx, "/wallet/broadcasttransaction", json.RawMessage(signed), &broadcast); err != nil {
		return "", err
	}
	if !broadcast.Result {
		return "", fmt.Errorf("%w: broadcast: %s %s", ErrTronRequest, broadcast.Code, decodeTronMessage(broadcast.Message))
	}

	return txID, nil
}

func (h *tronHandle) WaitConfirmed(ctx context.Context, txID string) error {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		var info tronTxInfo
		if err := h.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txID}, &info); err != nil {
			return err
		}
		if info.ID != "" {
			if info.Result == "FAILED" || (info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS") {
				return fmt.Errorf("%w: %s %s %s", ErrTxFailed, txID, info.Receipt.Result, decodeTronMessage(info.ResMessage))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// EstimateGas returns the energy a constant execution of req consumes.
func (h *tronHandle) EstimateGas(ctx context.Context, req TxRequest) (uint64, error) {
	resp, err := h.trigger(ctx, "/wallet/triggerconstantcontract", req.To, req.Data, req.Value, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate energy: %w", err)
	}
	return resp.EnergyUsed, nil
}

// SuggestFee reports the energy price in sun as GasPrice.
func (h *tronHandle) SuggestFee(ctx context.Context) (*Fee, error) {
	var params tronChainParameters
	if err := h.post(ctx, "/wallet/getchainparameters", struct{}{}, &params); err != nil {
		return nil, err
	}
	for _, p := range params.ChainParameter {
		if p.Key == "getEnergyFee" {
			return &Fee{GasPrice: big.NewInt(p.Value)}, nil
		}
	}
	return nil, fmt.Errorf("%w: getEnergyFee not reported", ErrTronRequest)
}

func (h *tronHandle) Close() {}

// =============================================================================
// HTTP
// =============================================================================

func (h *tronHandle) trigger(ctx context.Context, path string, to common.Address, data []byte, value *big.Int, feeLimit int64) (*tronTriggerResponse, error) {
	req := tronTriggerRequest{
		OwnerAddress:    chain.TronHex(h.from),
		ContractAddress: chain.TronHex(to),
		Data:            hex.EncodeToString(data),
		FeeLimit:        feeLimit,
	}
	if value != nil {
		if !value.IsInt64() {
			return nil, fmt.Errorf("%w: call value %s overflows int64", ErrTronRequest, value)
		}
		req.CallValue = value.Int64()
	}

	var resp tronTriggerResponse
	if err := h.post(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.Result.err(); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *tronHandle) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", h.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set(tronAPIKeyHeader, h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTronRequest, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTronRequest, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: HTTP %d: %s", ErrTronRequest, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// decodeTronMessage decodes the hex-encoded messages full nodes return.
func decodeTronMessage(msg string) string {
	if raw, err := hex.DecodeString(msg); err == nil && len(raw) > 0 {
		return string(raw)
	}
	return msg
}

// verifyTxID checks that txID is the SHA-256 of the raw transaction data.
func verifyTxID(tx *tronTransaction) ([]byte, error) {
	raw, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad raw_data_hex: %v", ErrTronRequest, err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != strings.ToLower(tx.TxID) {
		return nil, ErrTxIDMismatch
	}
	return sum[:], nil
}
