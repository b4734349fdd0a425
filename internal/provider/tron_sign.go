package provider

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// TronSign signs a 32-byte transaction ID. The result is r || s || v with
// v = 27 + recovery id, the layout TRON nodes accept.
func TronSign(key *btcec.PrivateKey, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}

	// SignCompact returns v || r || s with v = 27 + recovery id
	sig := btcecdsa.SignCompact(key, hash, false)
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length")
	}

	out := make([]byte, 65)
	copy(out[:64], sig[1:65])
	out[64] = sig[0]
	return out, nil
}

// signTronTransaction verifies the node-built transaction, signs its ID and
// returns the transaction JSON with the signature attached.
func signTronTransaction(key *btcec.PrivateKey, rawTx json.RawMessage) ([]byte, string, error) {
	var tx tronTransaction
	if err := json.Unmarshal(rawTx, &tx); err != nil {
		return nil, "", fmt.Errorf("failed to parse transaction: %w", err)
	}

	hash, err := verifyTxID(&tx)
	if err != nil {
		return nil, "", err
	}

	sig, err := TronSign(key, hash)
	if err != nil {
		return nil, "", err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rawTx, &fields); err != nil {
		return nil, "", fmt.Errorf("failed to parse transaction: %w", err)
	}
	sigJSON, err := json.Marshal([]string{hex.EncodeToString(sig)})
	if err != nil {
		return nil, "", err
	}
	fields["signature"] = sigJSON

	signed, err := json.Marshal(fields)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	return signed, tx.TxID, nil
}
