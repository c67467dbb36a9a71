// Package services holds outbound HTTP integrations. The fee oracle backs
// chainio's fee suggestion when the connected node cannot produce a priority
// fee estimate of its own.
package services

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/go-resty/resty/v2"
)

// FeeOracleService fetches priority fee estimates from an external gas
// oracle over HTTP. Results are cached briefly so a burst of bundle
// attempts does not hammer the oracle.
type FeeOracleService struct {
	url        string
	httpClient *resty.Client
	logger     sdklogging.Logger

	cacheMux  sync.RWMutex
	cachedTip *big.Int
	fetchedAt time.Time
	cacheTTL  time.Duration
}

// feeOracleResponse is the oracle's reply. Values are wei as decimal
// strings.
type feeOracleResponse struct {
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

func NewFeeOracleService(url string, logger sdklogging.Logger) *FeeOracleService {
	return &FeeOracleService{
		url:        url,
		httpClient: resty.New().SetTimeout(10 * time.Second),
		logger:     logger,
		cacheTTL:   15 * time.Second,
	}
}

// SuggestTip implements chainio.TipSource.
func (s *FeeOracleService) SuggestTip(ctx context.Context) (*big.Int, error) {
	s.cacheMux.RLock()
	if s.cachedTip != nil && time.Since(s.fetchedAt) < s.cacheTTL {
		tip := new(big.Int).Set(s.cachedTip)
		s.cacheMux.RUnlock()
		return tip, nil
	}
	s.cacheMux.RUnlock()

	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&feeOracleResponse{}).
		Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("fee oracle request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fee oracle returned status %d: %s", resp.StatusCode(), resp.String())
	}

	result := resp.Result().(*feeOracleResponse)
	tip, ok := new(big.Int).SetString(result.MaxPriorityFeePerGas, 10)
	if !ok || tip.Sign() <= 0 {
		return nil, fmt.Errorf("invalid tip from fee oracle: %q", result.MaxPriorityFeePerGas)
	}

	s.cacheMux.Lock()
	s.cachedTip = tip
	s.fetchedAt = time.Now()
	s.cacheMux.Unlock()

	s.logger.Debug("fetched priority fee from oracle", "tip_wei", tip.String())
	return new(big.Int).Set(tip), nil
}
