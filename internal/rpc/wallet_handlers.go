package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/storage"
	"github.com/klingon-exchange/custodian/pkg/helpers"
)

// Paging defaults for wallets_list.
const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// ========================================
// Wallet handlers
// ========================================

// WalletsListParams is the parameters for wallets_list.
type WalletsListParams struct {
	ChainType    string `json:"chainType"`
	Page         int    `json:"page"`
	PageSize     int    `json:"pageSize"`
	WithBalances bool   `json:"withBalances"`
}

// WalletInfo is a stored wallet without its key material.
type WalletInfo struct {
	Address   string        `json:"address"`
	ChainType string        `json:"chainType"`
	UID       string        `json:"uid,omitempty"`
	CreatedAt int64         `json:"createdAt"`
	Balances  []BalanceInfo `json:"balances,omitempty"`
}

// WalletsListResult is the response for wallets_list.
type WalletsListResult struct {
	Wallets  []WalletInfo `json:"wallets"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
}

func (s *Server) walletsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.store == nil {
		return nil, fmt.Errorf("storage not initialized")
	}

	var p WalletsListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	kind, err := chain.ParseKind(p.ChainType)
	if err != nil {
		return nil, invalidParams("invalid chainType: %v", err)
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}

	wallets, total, err := s.store.GetWalletsPage(kind.String(), p.Page, p.PageSize)
	if err != nil {
		return nil, err
	}

	result := &WalletsListResult{
		Wallets:  make([]WalletInfo, 0, len(wallets)),
		Total:    total,
		Page:     p.Page,
		PageSize: p.PageSize,
	}
	for _, w := range wallets {
		info := WalletInfo{
			Address:   w.Address,
			ChainType: w.ChainType,
			UID:       w.UID,
			CreatedAt: w.CreatedAt.Unix(),
		}
		if p.WithBalances {
			balances, err := s.store.GetBalances(w.Address)
			if err != nil {
				return nil, err
			}
			for _, b := range balances {
				info.Balances = append(info.Balances, s.balanceInfo(b))
			}
		}
		result.Wallets = append(result.Wallets, info)
	}
	return result, nil
}

// WalletImport is one wallet issued by the admin server.
type WalletImport struct {
	Address             string `json:"address"`
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
	EncryptedAESKey     string `json:"encryptedAesKey"`
	ChainType           string `json:"chainType"`
	UID                 string `json:"uid"`

	// Spelling used by the admin server's wallet dump.
	DumpPrivateKey string `json:"ecrypedPrivateKey,omitempty"`
}

// WalletsImportParams is the parameters for wallets_import.
type WalletsImportParams struct {
	ChainType string         `json:"chainType"`
	Wallets   []WalletImport `json:"wallets"`
}

func (s *Server) walletsImport(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.store == nil {
		return nil, fmt.Errorf("storage not initialized")
	}

	var p WalletsImportParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Wallets) == 0 {
		return nil, invalidParams("wallets is required")
	}

	now := time.Now()
	records := make([]*storage.Wallet, 0, len(p.Wallets))
	for i, w := range p.Wallets {
		chainType := w.ChainType
		if chainType == "" {
			chainType = p.ChainType
		}
		kind, err := chain.ParseKind(chainType)
		if err != nil {
			return nil, invalidParams("wallet %d: %v", i, err)
		}
		encKey := w.EncryptedPrivateKey
		if encKey == "" {
			encKey = w.DumpPrivateKey
		}
		record, err := walletRecord(kind, w.Address, encKey, w.EncryptedAESKey, w.UID, now)
		if err != nil {
			return nil, invalidParams("wallet %d: %v", i, err)
		}
		records = append(records, record)
	}

	inserted, err := s.store.SaveWallets(records)
	if err != nil {
		return nil, err
	}

	s.log.Info("Wallets imported", "received", len(records), "inserted", inserted)
	return map[string]interface{}{
		"received": len(records),
		"inserted": inserted,
	}, nil
}

// WalletsSyncParams is the parameters for wallets_sync. GACode is the
// current authenticator code the admin server requires for a wallet dump.
type WalletsSyncParams struct {
	ChainType string `json:"chainType"`
	GACode    string `json:"gaCode"`
}

// WalletsSyncResult is the response for wallets_sync.
type WalletsSyncResult struct {
	ChainType string `json:"chainType"`
	Received  int    `json:"received"`
	Inserted  int    `json:"inserted"`
	Skipped   int    `json:"skipped"`
}

// walletsSync downloads the admin server's wallets of one chain type into
// the local store. Wallets already stored are left untouched.
func (s *Server) walletsSync(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.store == nil {
		return nil, fmt.Errorf("storage not initialized")
	}
	if s.admin == nil {
		return nil, fmt.Errorf("admin client not initialized")
	}

	var p WalletsSyncParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	kind, err := chain.ParseKind(p.ChainType)
	if err != nil {
		return nil, invalidParams("invalid chainType: %v", err)
	}
	if p.GACode == "" {
		return nil, invalidParams("gaCode is required")
	}

	dump, err := s.admin.DumpWallets(ctx, kind.String(), p.GACode)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	result := &WalletsSyncResult{ChainType: kind.String(), Received: len(dump)}
	records := make([]*storage.Wallet, 0, len(dump))
	for _, w := range dump {
		record, err := walletRecord(kind, w.Address, w.EncryptedPrivateKey, w.EncryptedAESKey, w.UID, now)
		if err != nil {
			s.log.Warn("Skipping dumped wallet", "address", w.Address, "error", err)
			result.Skipped++
			continue
		}
		records = append(records, record)
	}

	if result.Inserted, err = s.store.SaveWallets(records); err != nil {
		return nil, err
	}

	s.log.Info("Wallets synced", "chainType", result.ChainType, "received", result.Received,
		"inserted", result.Inserted, "skipped", result.Skipped)
	return result, nil
}

// walletRecord validates one wallet and stores its address in the chain's
// canonical encoding.
func walletRecord(kind chain.Kind, address, encKey, aesKey, uid string, now time.Time) (*storage.Wallet, error) {
	addr, err := chain.ParseAddress(kind, address)
	if err != nil {
		return nil, err
	}
	if encKey == "" || aesKey == "" {
		return nil, errors.New("encrypted keys are required")
	}
	return &storage.Wallet{
		Address:             chain.FormatAddress(kind, addr),
		EncryptedPrivateKey: encKey,
		EncryptedAESKey:     aesKey,
		ChainType:           kind.String(),
		UID:                 uid,
		CreatedAt:           now,
	}, nil
}

// ========================================
// Balance handlers
// ========================================

// BalanceInfo is a cached balance.
type BalanceInfo struct {
	Address         string `json:"address"`
	ChainID         string `json:"chainId"`
	ContractAddress string `json:"contractAddress"`
	Balance         string `json:"balance"`
	Amount          string `json:"amount,omitempty"`
	LastCollectedAt int64  `json:"lastCollectedAt,omitempty"`
	LastRefreshedAt int64  `json:"lastRefreshedAt,omitempty"`
}

// balanceInfo formats a balance. Amount is set when the asset's decimals are
// known from the configured networks.
func (s *Server) balanceInfo(b chain.AddressBalance) BalanceInfo {
	info := BalanceInfo{
		Address:         b.Address,
		ChainID:         b.ChainID,
		ContractAddress: b.ContractAddress,
		Balance:         b.Balance.String(),
	}
	if !b.CollectedAt.IsZero() {
		info.LastCollectedAt = b.CollectedAt.Unix()
	}
	if !b.RefreshedAt.IsZero() {
		info.LastRefreshedAt = b.RefreshedAt.Unix()
	}

	for _, n := range s.cfg.Networks {
		if n.ChainIDString() != b.ChainID {
			continue
		}
		if b.IsNative() {
			info.Amount = helpers.FormatUnits(b.Balance, n.NativeDecimals)
		} else if tok, ok := n.Token(b.ContractAddress); ok {
			info.Amount = helpers.FormatUnits(b.Balance, tok.Decimals)
		}
		break
	}
	return info
}

// BalancesListParams is the parameters for balances_list. MinAmount is in
// whole units of the asset; an empty ContractAddress is the native asset.
type BalancesListParams struct {
	ChainID         uint64 `json:"chainId"`
	ContractAddress string `json:"contractAddress"`
	MinAmount       string `json:"minAmount"`
}

// BalancesListResult is the response for balances_list.
type BalancesListResult struct {
	Balances    []BalanceInfo `json:"balances"`
	Count       int           `json:"count"`
	Total       string        `json:"total"`
	TotalAmount string        `json:"totalAmount"`
}

func (s *Server) balancesList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.store == nil {
		return nil, fmt.Errorf("storage not initialized")
	}

	var p BalancesListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	network, err := s.network(ctx, p.ChainID)
	if err != nil {
		return nil, err
	}

	contract, decimals, err := assetOf(network, p.ContractAddress)
	if err != nil {
		return nil, err
	}
	threshold, err := parseAmount(p.MinAmount, decimals, "minAmount")
	if err != nil {
		return nil, err
	}

	rows, sum, err := s.store.GetBalancesAbove(network.ChainIDString(), contract, threshold)
	if err != nil {
		return nil, err
	}

	result := &BalancesListResult{
		Balances:    make([]BalanceInfo, 0, len(rows)),
		Count:       len(rows),
		Total:       sum.String(),
		TotalAmount: helpers.FormatUnits(sum, decimals),
	}
	for _, b := range rows {
		info := s.balanceInfo(b)
		info.Amount = helpers.FormatUnits(b.Balance, decimals)
		result.Balances = append(result.Balances, info)
	}
	return result, nil
}

// BalancesRefreshParams is the parameters for balances_refresh.
type BalancesRefreshParams struct {
	ChainID uint64 `json:"chainId"`
}

// JobStartedResult is the response of methods that start a background job.
type JobStartedResult struct {
	JobID   string `json:"jobId"`
	Wallets int    `json:"wallets"`
}

func (s *Server) balancesRefresh(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.store == nil || s.collector == nil {
		return nil, fmt.Errorf("balance collector not initialized")
	}

	var p BalancesRefreshParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	network, err := s.network(ctx, p.ChainID)
	if err != nil {
		return nil, err
	}
	kind, err := network.Kind()
	if err != nil {
		return nil, err
	}

	wallets, err := s.store.GetWalletAddressesByChain(kind.String())
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return &JobStartedResult{}, nil
	}

	info, err := s.jobs.Start(JobBalancesRefresh, network.ChainID, func(ctx context.Context, jobID string) (interface{}, error) {
		sink := func(ctx context.Context, balances []chain.AddressBalance) error {
			err := s.store.SaveBalances(ctx, balances)
			contract := ""
			if len(balances) > 0 {
				contract = balances[0].ContractAddress
			}
			s.emit(jobID, network.ChainID, EventBalancesChunk, map[string]interface{}{
				"contractAddress": contract,
				"count":           len(balances),
			})
			return err
		}

		summary, err := s.collector.CollectAllBalances(ctx, network, wallets, network.Tokens, sink)

		done := map[string]interface{}{"summary": summary}
		if err != nil {
			done["error"] = err.Error()
		}
		s.emit(jobID, network.ChainID, EventBalancesDone, done)
		return summary, err
	})
	if err != nil {
		return nil, err
	}

	return &JobStartedResult{JobID: info.ID, Wallets: len(wallets)}, nil
}

// assetOf resolves an asset of a network to its stored contract key and
// decimals. An empty address is the native asset.
func assetOf(network chain.Network, contractAddress string) (string, uint8, error) {
	if contractAddress == "" {
		return "", network.NativeDecimals, nil
	}
	tok, ok := network.Token(contractAddress)
	if !ok {
		return "", 0, invalidParams("unknown token %s on %s", contractAddress, network.Name)
	}
	return tok.Address, tok.Decimals, nil
}

// parseAmount parses a whole-unit decimal amount. Empty means zero.
func parseAmount(s string, decimals uint8, field string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, err := helpers.ParseUnits(s, decimals)
	if err != nil {
		return nil, invalidParams("invalid %s: %v", field, err)
	}
	if v.Sign() < 0 {
		return nil, invalidParams("%s must not be negative", field)
	}
	return v, nil
}
