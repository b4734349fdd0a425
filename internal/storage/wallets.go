package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wallet errors
var (
	ErrWalletNotFound = errors.New("wallet not found")
)

// Wallet is a custodial wallet record. The private key is encrypted with an
// AES key that is itself wrapped with the admin RSA key.
type Wallet struct {
	Address             string    `json:"address"`
	EncryptedPrivateKey string    `json:"encryptedPrivateKey"`
	EncryptedAESKey     string    `json:"encryptedAesKey"`
	ChainType           string    `json:"chainType"`
	UID                 string    `json:"uid,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// SaveWallets inserts wallets that are not stored yet, in one transaction.
// Existing addresses are left untouched. Returns the number inserted.
func (s *Storage) SaveWallets(wallets []*Wallet) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO wallets (
			address, encrypted_private_key, encrypted_aes_key, chain_type, uid,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	inserted := 0
	for _, w := range wallets {
		created := w.CreatedAt
		if created.IsZero() {
			created = now
		}
		updated := w.UpdatedAt
		if updated.IsZero() {
			updated = created
		}

		res, err := stmt.Exec(
			w.Address, w.EncryptedPrivateKey, w.EncryptedAESKey,
			strings.ToUpper(w.ChainType), nullString(w.UID),
			created.Unix(), updated.Unix(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert wallet %s: %w", w.Address, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit wallets: %w", err)
	}
	return inserted, nil
}

// GetWallet retrieves a wallet by address.
func (s *Storage) GetWallet(address string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT address, encrypted_private_key, encrypted_aes_key, chain_type, uid,
			created_at, updated_at
		FROM wallets WHERE address = ?
	`, address)

	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// GetWalletsByChain returns every wallet of a chain type, oldest first.
func (s *Storage) GetWalletsByChain(chainType string) ([]*Wallet, error) {
	wallets, _, err := s.GetWalletsPage(chainType, 0, 0)
	return wallets, err
}

// GetWalletAddressesByChain returns the addresses of a chain type, oldest first.
func (s *Storage) GetWalletAddressesByChain(chainType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT address FROM wallets
		WHERE chain_type = ?
		ORDER BY created_at ASC, address ASC
	`, strings.ToUpper(chainType))
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet addresses: %w", err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// GetWalletsPage returns one page of wallets of a chain type and the total
// count. page is 1-based; pageSize 0 returns everything.
func (s *Storage) GetWalletsPage(chainType string, page, pageSize int) ([]*Wallet, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chainType = strings.ToUpper(chainType)

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM wallets WHERE chain_type = ?", chainType).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count wallets: %w", err)
	}

	query := `
		SELECT address, encrypted_private_key, encrypted_aes_key, chain_type, uid,
			created_at, updated_at
		FROM wallets WHERE chain_type = ?
		ORDER BY created_at ASC, address ASC
	`
	args := []interface{}{chainType}
	if pageSize > 0 {
		if page < 1 {
			page = 1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, pageSize, (page-1)*pageSize)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, total, rows.Err()
}

// CountWallets returns the number of wallets of a chain type.
func (s *Storage) CountWallets(chainType string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM wallets WHERE chain_type = ?", strings.ToUpper(chainType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count wallets: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(row rowScanner) (*Wallet, error) {
	var w Wallet
	var uid sql.NullString
	var created, updated int64
	if err := row.Scan(&w.Address, &w.EncryptedPrivateKey, &w.EncryptedAESKey, &w.ChainType, &uid, &created, &updated); err != nil {
		return nil, err
	}
	w.UID = uid.String
	w.CreatedAt = time.Unix(created, 0)
	w.UpdatedAt = time.Unix(updated, 0)
	return &w, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
