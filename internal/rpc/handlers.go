package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/klingon-exchange/custodian/internal/adminapi"
	"github.com/klingon-exchange/custodian/internal/chain"
	"github.com/klingon-exchange/custodian/internal/config"
)

// Version of the daemon
const Version = "0.1.0-dev"

// paramsError marks a request the caller got wrong.
type paramsError struct {
	err error
}

func (e *paramsError) Error() string { return e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

func invalidParams(format string, args ...interface{}) error {
	return &paramsError{err: fmt.Errorf(format, args...)}
}

func isParamsError(err error) bool {
	var pe *paramsError
	return errors.As(err, &pe)
}

// decodeParams unmarshals params into v. Missing params leave v unchanged.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

// network resolves a configured network. When the config lists no tokens for
// it, the admin server's token list is used.
func (s *Server) network(ctx context.Context, chainID uint64) (chain.Network, error) {
	if chainID == 0 {
		return chain.Network{}, invalidParams("chainId is required")
	}
	n, ok := s.cfg.Network(chainID)
	if !ok {
		return chain.Network{}, invalidParams("unknown chain %d", chainID)
	}

	if len(n.Tokens) == 0 && s.admin != nil {
		c, err := s.admin.GetChain(ctx, chainID)
		if err != nil {
			s.log.Debug("Admin token list unavailable", "chain", chainID, "error", err)
		} else if c != nil {
			n.Tokens = c.Tokens()
		}
	}
	return n, nil
}

// emit publishes a job's WebSocket event.
func (s *Server) emit(jobID string, chainID uint64, eventType EventType, data interface{}) {
	if s.wsHub != nil {
		s.wsHub.Publish(&WSEvent{Type: eventType, JobID: jobID, ChainID: chainID, Data: data})
	}
}

// ========================================
// Node handlers
// ========================================

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Running     bool   `json:"running"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	Networks    int    `json:"networks"`
	RunningJobs int    `json:"runningJobs"`
	WSClients   int    `json:"wsClients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	wsClients := 0
	if s.wsHub != nil {
		wsClients = s.wsHub.ClientCount()
	}

	return &NodeStatusResult{
		Running:     true,
		Version:     Version,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Networks:    len(s.cfg.Networks),
		RunningJobs: s.jobs.Running(),
		WSClients:   wsClients,
	}, nil
}

// ========================================
// Network handlers
// ========================================

// NetworkInfo describes a configured network.
type NetworkInfo struct {
	ChainID        uint64                `json:"chainId"`
	Name           string                `json:"name"`
	ChainType      string                `json:"chainType"`
	RPCURL         string                `json:"rpcUrl"`
	Symbol         string                `json:"symbol"`
	Decimals       uint8                 `json:"decimals"`
	ExplorerURL    string                `json:"explorerUrl,omitempty"`
	Tokens         []chain.TokenContract `json:"tokens"`
	MulticallAddr  string                `json:"multicall"`
	AirdropAddress string                `json:"airdrop"`
}

func (s *Server) networksList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := make([]NetworkInfo, 0, len(s.cfg.Networks))
	for _, n := range s.cfg.Networks {
		kind, err := n.Kind()
		if err != nil {
			return nil, err
		}
		contracts, err := config.GetContracts(&n)
		if err != nil {
			return nil, err
		}
		tokens := n.Tokens
		if tokens == nil {
			tokens = []chain.TokenContract{}
		}

		result = append(result, NetworkInfo{
			ChainID:        n.ChainID,
			Name:           n.Name,
			ChainType:      kind.String(),
			RPCURL:         n.RPCURL,
			Symbol:         n.NativeSymbol,
			Decimals:       n.NativeDecimals,
			ExplorerURL:    n.ExplorerURL,
			Tokens:         tokens,
			MulticallAddr:  chain.FormatAddress(kind, contracts.Multicall),
			AirdropAddress: chain.FormatAddress(kind, contracts.Airdrop),
		})
	}
	return map[string]interface{}{"networks": result}, nil
}

func (s *Server) chainsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.admin == nil {
		return nil, fmt.Errorf("admin client not initialized")
	}
	chains, err := s.admin.GetChains(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"chains": chains}, nil
}

// ========================================
// Job handlers
// ========================================

// JobParams is the parameters for jobs_get and jobs_cancel.
type JobParams struct {
	JobID string `json:"jobId"`
}

func (s *Server) jobsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"jobs": s.jobs.List()}, nil
}

func (s *Server) jobsGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p JobParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.JobID == "" {
		return nil, invalidParams("jobId is required")
	}
	info, err := s.jobs.Get(p.JobID)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	return info, nil
}

func (s *Server) jobsCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p JobParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.jobs.Cancel(p.JobID); err != nil {
		return nil, invalidParams("%v", err)
	}
	return map[string]interface{}{"success": true}, nil
}

// ========================================
// Settings handlers
// ========================================

// SettingsSetParams is the parameters for settings_set.
type SettingsSetParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) settingsGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	values := make(map[string]string, len(config.Keys()))
	for _, key := range config.Keys() {
		v, err := s.settings.Get(key)
		if err != nil && !errors.Is(err, config.ErrSettingMissing) {
			return nil, fmt.Errorf("failed to read setting %s: %w", key, err)
		}
		values[key] = v
	}
	return map[string]interface{}{"settings": values}, nil
}

func (s *Server) settingsSet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.store == nil {
		return nil, fmt.Errorf("storage not initialized")
	}

	var p SettingsSetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if !config.IsKnownKey(p.Key) {
		return nil, invalidParams("unknown setting %q", p.Key)
	}

	if err := s.store.SetSetting(p.Key, p.Value); err != nil {
		return nil, err
	}
	if p.Key == config.KeyServerURL && s.admin != nil {
		s.admin.InvalidateChains()
	}

	s.log.Info("Setting updated", "key", p.Key)
	return map[string]interface{}{"success": true}, nil
}

// ========================================
// Admin server handlers
// ========================================

// AdminStatsParams is the parameters for admin_stats. Times are Unix
// milliseconds; the default range is today so far.
type AdminStatsParams struct {
	Begin int64 `json:"begin"`
	End   int64 `json:"end"`
}

// statRange resolves a millisecond range, defaulting to today so far.
func statRange(beginMs, endMs int64) (time.Time, time.Time, error) {
	now := time.Now()
	end := now
	if endMs > 0 {
		end = time.UnixMilli(endMs)
	}
	begin := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if beginMs > 0 {
		begin = time.UnixMilli(beginMs)
	}
	if begin.After(end) {
		return time.Time{}, time.Time{}, invalidParams("begin is after end")
	}
	return begin, end, nil
}

func (s *Server) adminStats(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.admin == nil {
		return nil, fmt.Errorf("admin client not initialized")
	}

	var p AdminStatsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	begin, end, err := statRange(p.Begin, p.End)
	if err != nil {
		return nil, err
	}

	return s.admin.GetStat(ctx, begin, end)
}

// AdminTrendsParams is the parameters for admin_trends. Type selects the
// bucket size understood by the admin server, e.g. "day".
type AdminTrendsParams struct {
	Begin int64  `json:"begin"`
	End   int64  `json:"end"`
	Type  string `json:"type"`
}

func (s *Server) adminTrends(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.admin == nil {
		return nil, fmt.Errorf("admin client not initialized")
	}

	var p AdminTrendsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Type == "" {
		p.Type = "day"
	}
	begin, end, err := statRange(p.Begin, p.End)
	if err != nil {
		return nil, err
	}

	points, err := s.admin.GetTrends(ctx, begin, end, p.Type)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"trends": points}, nil
}

func (s *Server) adminServerStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.admin == nil {
		return nil, fmt.Errorf("admin client not initialized")
	}
	return s.admin.GetServerStatus(ctx)
}

// RestartScannerParams is the parameters for admin_restartScanner.
type RestartScannerParams struct {
	ChainID uint64 `json:"chainId"`
}

func (s *Server) adminRestartScanner(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.admin == nil {
		return nil, fmt.Errorf("admin client not initialized")
	}

	var p RestartScannerParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ChainID == 0 {
		return nil, invalidParams("chainId is required")
	}
	if err := s.admin.RestartScanner(ctx, strconv.FormatUint(p.ChainID, 10)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

// TradeLogsParams is the parameters for admin_tradeLogs. Page is one-based.
type TradeLogsParams struct {
	Page      int    `json:"page"`
	PaymentID string `json:"paymentId"`
	TxTo      string `json:"txTo"`
	TxHash    string `json:"txHash"`
	Type      string `json:"type"`
	UID       string `json:"uid"`
}

// TradeLogsResult is the response for admin_tradeLogs.
type TradeLogsResult struct {
	Logs       []adminapi.TradeLog `json:"logs"`
	Total      int                 `json:"total"`
	Page       int                 `json:"page"`
	TotalPages int                 `json:"totalPages"`
}

func (s *Server) adminTradeLogs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.admin == nil {
		return nil, fmt.Errorf("admin client not initialized")
	}

	var p TradeLogsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Page < 1 {
		p.Page = 1
	}

	page, err := s.admin.GetTradeLogs(ctx, adminapi.TradeLogQuery{
		Page:      p.Page - 1,
		PaymentID: p.PaymentID,
		TxTo:      p.TxTo,
		TxHash:    p.TxHash,
		Type:      p.Type,
		UID:       p.UID,
	})
	if err != nil {
		return nil, err
	}
	return &TradeLogsResult{
		Logs:       page.Content,
		Total:      page.TotalElements,
		Page:       p.Page,
		TotalPages: page.TotalPages(),
	}, nil
}

func (s *Server) adminRuntime(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.admin == nil {
		return nil, fmt.Errorf("admin client not initialized")
	}
	return s.admin.GetRuntime(ctx)
}
