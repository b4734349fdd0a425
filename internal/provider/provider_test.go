package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/config"
)

// Well-known test key (hardhat account #0).
const (
	testKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestParsePrivateKey(t *testing.T) {
	key, err := ParsePrivateKey(testKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, KeyAddress(key).Hex())

	key2, err := ParsePrivateKey(testKey[2:])
	require.NoError(t, err)
	assert.Equal(t, key.Serialize(), key2.Serialize())

	for _, bad := range []string{"", "0x1234", "zz" + testKey[4:]} {
		_, err := ParsePrivateKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestFormatKeyAddress(t *testing.T) {
	evm, err := FormatKeyAddress(chain.KindEVM, testKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, evm)

	tron, err := FormatKeyAddress(chain.KindTron, testKey)
	require.NoError(t, err)
	addr, err := chain.ParseAddress(chain.KindTron, tron)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), addr)
}

func TestFactoryGet(t *testing.T) {
	f := NewFactory(config.Static{})

	tests := []struct {
		name    string
		network chain.Network
		key     string
		wantErr error
	}{
		{"evm unsigned", chain.Network{ChainID: 1, ChainType: "evm", RPCURL: "http://127.0.0.1:1"}, "", nil},
		{"evm signed", chain.Network{ChainID: 1, ChainType: "EVM", RPCURL: "http://127.0.0.1:1"}, testKey, nil},
		{"unsupported", chain.Network{ChainID: 1, ChainType: "solana"}, "", ErrUnsupportedChain},
		{"bad key", chain.Network{ChainID: 1, ChainType: "EVM", RPCURL: "http://127.0.0.1:1"}, "0x12", ErrInvalidKey},
		{"websocket endpoint", chain.Network{ChainID: 1, ChainType: "EVM", RPCURL: "ws://127.0.0.1:1"}, "", chain.ErrInvalidRPCURL},
		{"missing endpoint", chain.Network{ChainID: 1, ChainType: "EVM"}, "", chain.ErrInvalidRPCURL},
		{"tron without api key", chain.Network{ChainID: chain.TronMainnetChainID, ChainType: "TRON", RPCURL: "http://127.0.0.1:1"}, "", ErrMissingCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := f.Get(tt.network, tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer h.Close()
			assert.Equal(t, chain.KindEVM, h.Kind())
			if tt.key != "" {
				assert.Equal(t, testAddress, h.From())
			} else {
				assert.Empty(t, h.From())
			}
		})
	}
}

func TestFactoryGetTron(t *testing.T) {
	f := NewFactory(config.Static{config.KeyTronAPIKey: "k"})
	h, err := f.Get(chain.Network{ChainType: "tron", RPCURL: "http://127.0.0.1:1"}, testKey)
	require.NoError(t, err)
	assert.Equal(t, chain.KindTron, h.Kind())
	assert.Equal(t, "T", h.From()[:1])
}

func TestTronSignRecovers(t *testing.T) {
	key, err := ParsePrivateKey(testKey)
	require.NoError(t, err)
	hash := sha256.Sum256([]byte("tx"))

	sig, err := TronSign(key, hash[:])
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	compact := append([]byte{sig[64]}, sig[:64]...)
	pub, _, err := btcecdsa.RecoverCompact(compact, hash[:])
	require.NoError(t, err)
	assert.True(t, pub.IsEqual(key.PubKey()))

	_, err = TronSign(key, []byte{1})
	assert.Error(t, err)
}

// =============================================================================
// TRON handle
// =============================================================================

type fakeTronNode struct {
	t        *testing.T
	mu       sync.Mutex
	apiKeys  []string
	requests map[string][]map[string]interface{}
	// infoAfter is the number of gettransactioninfobyid polls answered with {}.
	infoAfter int
	receipt   string
	signed    chan map[string]interface{}
}

func newFakeTronNode(t *testing.T) (*fakeTronNode, *httptest.Server) {
	n := &fakeTronNode{
		t:        t,
		requests: make(map[string][]map[string]interface{}),
		receipt:  "SUCCESS",
		signed:   make(chan map[string]interface{}, 1),
	}
	return n, httptest.NewServer(n)
}

func (n *fakeTronNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req map[string]interface{}
	_ = json.Unmarshal(body, &req)

	n.mu.Lock()
	n.apiKeys = append(n.apiKeys, r.Header.Get(tronAPIKeyHeader))
	n.requests[r.URL.Path] = append(n.requests[r.URL.Path], req)
	polls := len(n.requests["/wallet/gettransactioninfobyid"])
	n.mu.Unlock()

	rawHex := "0a0203e8"
	raw, _ := hex.DecodeString(rawHex)
	sum := sha256.Sum256(raw)
	txID := hex.EncodeToString(sum[:])

	switch r.URL.Path {
	case "/wallet/triggerconstantcontract":
		word := common.LeftPadBytes(big.NewInt(500).Bytes(), 32)
		writeJSON(w, map[string]interface{}{
			"result":          map[string]interface{}{"result": true},
			"energy_used":     31895,
			"constant_result": []string{hex.EncodeToString(word)},
		})
	case "/wallet/triggersmartcontract":
		writeJSON(w, map[string]interface{}{
			"result": map[string]interface{}{"result": true},
			"transaction": map[string]interface{}{
				"txID":         txID,
				"raw_data":     map[string]interface{}{"ref_block_bytes": "03e8"},
				"raw_data_hex": rawHex,
			},
		})
	case "/wallet/broadcasttransaction":
		n.signed <- req
		writeJSON(w, map[string]interface{}{"result": true, "txid": txID})
	case "/wallet/gettransactioninfobyid":
		if polls <= n.infoAfter {
			writeJSON(w, map[string]interface{}{})
			return
		}
		writeJSON(w, map[string]interface{}{
			"id":      req["value"],
			"receipt": map[string]interface{}{"result": n.receipt},
		})
	case "/wallet/getchainparameters":
		writeJSON(w, map[string]interface{}{
			"chainParameter": []map[string]interface{}{
				{"key": "getTransactionFee", "value": 1000},
				{"key": "getEnergyFee", "value": 420},
			},
		})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestTronHandle(t *testing.T, url string, key string) *tronHandle {
	t.Helper()
	f := NewFactory(config.Static{config.KeyTronAPIKey: "secret"}, WithPollInterval(10*time.Millisecond))
	h, err := f.Get(chain.Network{ChainType: "TRON", RPCURL: url + "/"}, key)
	require.NoError(t, err)
	return h.(*tronHandle)
}

func TestTronCallContract(t *testing.T) {
	node, srv := newFakeTronNode(t)
	defer srv.Close()

	h := newTestTronHandle(t, srv.URL, "")
	token := chain.MustParseAddress(chain.KindTron, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t")

	out, err := h.CallContract(context.Background(), token, []byte{0x70, 0xa0, 0x82, 0x31})
	require.NoError(t, err)
	assert.Equal(t, int64(500), new(big.Int).SetBytes(out).Int64())

	req := node.requests["/wallet/triggerconstantcontract"][0]
	assert.Equal(t, "41a614f803b6fd780986a42c78ec9c7f77e6ded13c", req["contract_address"])
	assert.Equal(t, "70a08231", req["data"])
	assert.Equal(t, false, req["visible"])
	assert.Equal(t, "secret", node.apiKeys[0])
}

func TestTronSendAndConfirm(t *testing.T) {
	node, srv := newFakeTronNode(t)
	defer srv.Close()
	node.infoAfter = 2

	h := newTestTronHandle(t, srv.URL, testKey)
	ctx := context.Background()

	txID, err := h.SendTransaction(ctx, TxRequest{
		To:    chain.MustParseAddress(chain.KindTron, "TNnHipM7aZMYYanXhESgRV9NmjndcgvaXu"),
		Value: big.NewInt(1_000_000),
		Data:  []byte{0xde, 0xad},
	})
	require.NoError(t, err)
	assert.Len(t, txID, 64)

	trigger := node.requests["/wallet/triggersmartcontract"][0]
	assert.Equal(t, float64(1_000_000), trigger["call_value"])
	assert.Equal(t, float64(TronFeeLimit), trigger["fee_limit"])
	assert.Equal(t, chain.TronHex(common.HexToAddress(testAddress)), trigger["owner_address"])

	signed := <-node.signed
	sigs := signed["signature"].([]interface{})
	require.Len(t, sigs, 1)
	sig, err := hex.DecodeString(sigs[0].(string))
	require.NoError(t, err)
	hash, _ := hex.DecodeString(txID)
	pub, _, err := btcecdsa.RecoverCompact(append([]byte{sig[64]}, sig[:64]...), hash)
	require.NoError(t, err)
	assert.True(t, pub.IsEqual(h.key.PubKey()))

	require.NoError(t, h.WaitConfirmed(ctx, txID))
	assert.Len(t, node.requests["/wallet/gettransactioninfobyid"], 3)
}

func TestTronWaitConfirmedReverted(t *testing.T) {
	node, srv := newFakeTronNode(t)
	defer srv.Close()
	node.receipt = "REVERT"

	h := newTestTronHandle(t, srv.URL, testKey)
	err := h.WaitConfirmed(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrTxFailed)
}

func TestTronWaitConfirmedCancelled(t *testing.T) {
	node, srv := newFakeTronNode(t)
	defer srv.Close()
	node.infoAfter = 1 << 30

	h := newTestTronHandle(t, srv.URL, testKey)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.WaitConfirmed(ctx, "abc"), context.DeadlineExceeded)
}

func TestTronSendWithoutKey(t *testing.T) {
	_, srv := newFakeTronNode(t)
	defer srv.Close()

	h := newTestTronHandle(t, srv.URL, "")
	_, err := h.SendTransaction(context.Background(), TxRequest{})
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestTronEstimateAndFee(t *testing.T) {
	_, srv := newFakeTronNode(t)
	defer srv.Close()

	h := newTestTronHandle(t, srv.URL, testKey)
	energy, err := h.EstimateGas(context.Background(), TxRequest{Data: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, uint64(31895), energy)

	fee, err := h.SuggestFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(420), fee.GasPrice.Int64())
}

func TestTronTriggerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"result": map[string]interface{}{
				"code":    "CONTRACT_VALIDATE_ERROR",
				"message": hex.EncodeToString([]byte("balance is not sufficient")),
			},
		})
	}))
	defer srv.Close()

	h := newTestTronHandle(t, srv.URL, testKey)
	_, err := h.CallContract(context.Background(), common.Address{}, nil)
	require.ErrorIs(t, err, ErrTronRequest)
	assert.Contains(t, err.Error(), "balance is not sufficient")
}

func TestVerifyTxID(t *testing.T) {
	_, err := verifyTxID(&tronTransaction{TxID: "00", RawDataHex: "0a02"})
	assert.ErrorIs(t, err, ErrTxIDMismatch)
}

// =============================================================================
// EVM handle
// =============================================================================

type fakeEVMNode struct {
	mu      sync.Mutex
	methods []string
	rawTx   string
}

func (n *fakeEVMNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	n.mu.Lock()
	n.methods = append(n.methods, req.Method)
	n.mu.Unlock()

	var result interface{}
	switch req.Method {
	case "eth_call":
		result = "0x" + hex.EncodeToString(common.LeftPadBytes([]byte{0x07}, 32))
	case "eth_getTransactionCount":
		result = "0x5"
	case "eth_gasPrice":
		result = "0x3b9aca00"
	case "eth_estimateGas":
		result = "0x5208"
	case "eth_sendRawTransaction":
		var raw string
		_ = json.Unmarshal(req.Params[0], &raw)
		n.mu.Lock()
		n.rawTx = raw
		n.mu.Unlock()
		result = "0x" + hex.EncodeToString(make([]byte, 32))
	default:
		writeJSON(w, map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]interface{}{"code": -32601, "message": "method not found"},
		})
		return
	}
	writeJSON(w, map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func TestEVMHandle(t *testing.T) {
	node := &fakeEVMNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()

	f := NewFactory(config.Static{})
	h, err := f.Get(chain.Network{ChainID: 56, ChainType: "EVM", RPCURL: srv.URL}, testKey)
	require.NoError(t, err)
	defer h.Close()
	ctx := context.Background()

	out, err := h.CallContract(ctx, common.HexToAddress("0x058C6121efBF3e7C1f856928f7e9ecBC71c5772a"), []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, int64(7), new(big.Int).SetBytes(out).Int64())

	to := common.HexToAddress("0xE9511e55d2AaC1F62D7e3110f7800845dB2a31F1")
	txID, err := h.SendTransaction(ctx, TxRequest{To: to, Value: big.NewInt(10), Data: []byte{0xaa}})
	require.NoError(t, err)

	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(common.FromHex(node.rawTx)))
	assert.Equal(t, tx.Hash().Hex(), txID)
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, uint64(21000), tx.Gas())
	assert.Equal(t, int64(1_000_000_000), tx.GasPrice().Int64())
	assert.Equal(t, to, *tx.To())

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(56)), &tx)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), sender)
}

func TestEVMHandleExplicitGas(t *testing.T) {
	node := &fakeEVMNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()

	f := NewFactory(config.Static{})
	h, err := f.Get(chain.Network{ChainID: 1, ChainType: "EVM", RPCURL: srv.URL}, testKey)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.SendTransaction(context.Background(), TxRequest{
		To: common.Address{1}, GasLimit: 100000, GasPrice: big.NewInt(7),
	})
	require.NoError(t, err)
	assert.NotContains(t, node.methods, "eth_gasPrice")
	assert.NotContains(t, node.methods, "eth_estimateGas")
}

func TestEVMSendWithoutKey(t *testing.T) {
	f := NewFactory(config.Static{})
	h, err := f.Get(chain.Network{ChainID: 1, ChainType: "EVM", RPCURL: "http://127.0.0.1:1"}, "")
	require.NoError(t, err)
	_, err = h.SendTransaction(context.Background(), TxRequest{})
	assert.ErrorIs(t, err, ErrNoSigner)
}
