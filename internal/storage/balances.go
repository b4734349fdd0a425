package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/klingon-exchange/custodian/internal/chain"
)

// SaveBalances upserts balances in one transaction. It has the signature of
// a collector sink.
func (s *Storage) SaveBalances(ctx context.Context, balances []chain.AddressBalance) error {
	if len(balances) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO wallet_balance (
			address, chain_id, contract_address, balance, last_collected_at, last_refreshed_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address, chain_id, contract_address) DO UPDATE SET
			balance = excluded.balance,
			last_collected_at = excluded.last_collected_at,
			last_refreshed_at = excluded.last_refreshed_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range balances {
		balance := "0"
		if b.Balance != nil {
			balance = b.Balance.String()
		}
		if _, err := stmt.ExecContext(ctx,
			b.Address, b.ChainID, b.ContractAddress, balance,
			unixOrNull(b.CollectedAt), unixOrNull(b.RefreshedAt),
		); err != nil {
			return fmt.Errorf("failed to upsert balance of %s: %w", b.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit balances: %w", err)
	}
	return nil
}

// GetBalances returns every stored balance of an address.
func (s *Storage) GetBalances(address string) ([]chain.AddressBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT address, chain_id, contract_address, balance, last_collected_at, last_refreshed_at
		FROM wallet_balance WHERE address = ?
		ORDER BY chain_id, contract_address
	`, address)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	return scanBalances(rows, nil)
}

// GetBalancesAbove returns the balances of one asset that are strictly
// greater than threshold, largest first, and their sum. A nil threshold
// means zero.
func (s *Storage) GetBalancesAbove(chainID, contract string, threshold *big.Int) ([]chain.AddressBalance, *big.Int, error) {
	if threshold == nil {
		threshold = new(big.Int)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Balances are stored as text, so the comparison happens here.
	rows, err := s.db.Query(`
		SELECT address, chain_id, contract_address, balance, last_collected_at, last_refreshed_at
		FROM wallet_balance WHERE chain_id = ? AND contract_address = ?
	`, chainID, contract)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	balances, err := scanBalances(rows, func(b *big.Int) bool { return b.Cmp(threshold) > 0 })
	if err != nil {
		return nil, nil, err
	}

	sortBalancesDesc(balances)
	sum := new(big.Int)
	for _, b := range balances {
		sum.Add(sum, b.Balance)
	}
	return balances, sum, nil
}

// MarkCollected records a completed sweep: the balance drops to zero and the
// collected time is set.
func (s *Storage) MarkCollected(address, chainID, contract string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE wallet_balance SET balance = '0', last_collected_at = ?
		WHERE address = ? AND chain_id = ? AND contract_address = ?
	`, at.Unix(), address, chainID, contract)
	if err != nil {
		return fmt.Errorf("failed to mark collected: %w", err)
	}
	return nil
}

func scanBalances(rows *sql.Rows, keep func(*big.Int) bool) ([]chain.AddressBalance, error) {
	var out []chain.AddressBalance
	for rows.Next() {
		var b chain.AddressBalance
		var raw string
		var collected, refreshed sql.NullInt64
		if err := rows.Scan(&b.Address, &b.ChainID, &b.ContractAddress, &raw, &collected, &refreshed); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("invalid stored balance %q for %s", raw, b.Address)
		}
		if keep != nil && !keep(v) {
			continue
		}
		b.Balance = v
		if collected.Valid {
			b.CollectedAt = time.Unix(collected.Int64, 0)
		}
		if refreshed.Valid {
			b.RefreshedAt = time.Unix(refreshed.Int64, 0)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func sortBalancesDesc(balances []chain.AddressBalance) {
	// insertion sort keeps equal balances in address order from the query
	for i := 1; i < len(balances); i++ {
		for j := i; j > 0 && balances[j].Balance.Cmp(balances[j-1].Balance) > 0; j-- {
			balances[j], balances[j-1] = balances[j-1], balances[j]
		}
	}
}

func unixOrNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
