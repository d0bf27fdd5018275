package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/galatea-associates/ims-core/internal/rules"
)

// RESTMarketDataSource fetches a security's borrow-rate/temperature
// snapshot from an upstream market data service, per
// inventory.MarketDataSource. Unlike RESTReferenceSource it never caches: a
// rule evaluation should see the freshest available borrow rate.
type RESTMarketDataSource struct {
	client  *http.Client
	baseURL string
}

// NewRESTMarketDataSource builds a feed against baseURL.
func NewRESTMarketDataSource(baseURL string, timeout time.Duration) *RESTMarketDataSource {
	return &RESTMarketDataSource{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

func (m *RESTMarketDataSource) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("market data feed unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (m *RESTMarketDataSource) Close() error { return nil }

// Snapshot returns securityID's current borrow rate and temperature. A
// failed or malformed upstream response degrades to the zero snapshot
// (empty temperature, zero rate) rather than blocking rule evaluation.
func (m *RESTMarketDataSource) Snapshot(securityID string) rules.MarketSnapshot {
	ctx, cancel := context.WithTimeout(context.Background(), m.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/market-data/%s", m.baseURL, securityID), nil)
	if err != nil {
		return rules.MarketSnapshot{}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return rules.MarketSnapshot{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return rules.MarketSnapshot{}
	}
	var snap rules.MarketSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return rules.MarketSnapshot{}
	}
	return snap
}
