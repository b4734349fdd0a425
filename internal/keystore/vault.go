package keystore

import (
	"context"
	"fmt"
	"strings"

	"github.com/klingon-exchange/custodian/internal/storage"
)

// WalletLookup finds a stored wallet by address.
type WalletLookup interface {
	GetWallet(address string) (*storage.Wallet, error)
}

// Vault resolves wallet private keys from the local store and the admin key.
type Vault struct {
	wallets WalletLookup
}

// NewVault creates a vault over a wallet store.
func NewVault(wallets WalletLookup) *Vault {
	return &Vault{wallets: wallets}
}

// PrivateKey returns the hex private key of a stored wallet. A 0x prefix on
// the decrypted key is dropped.
func (v *Vault) PrivateKey(ctx context.Context, address, adminKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	w, err := v.wallets.GetWallet(address)
	if err != nil {
		return "", fmt.Errorf("failed to load wallet %s: %w", address, err)
	}

	key, err := Decrypt(adminKey, w.EncryptedAESKey, w.EncryptedPrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt key of %s: %w", address, err)
	}

	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(strings.TrimPrefix(key, "0x"), "0X")
	return key, nil
}
