package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/galatea-associates/ims-core/internal/domain"
)

// RESTReferenceSource resolves security/AU/counterparty reference data from
// an upstream master-data service over HTTP, caching each lookup for its
// configured TTL so the hot path of rule evaluation never blocks on a
// network round trip.
type RESTReferenceSource struct {
	client  *http.Client
	baseURL string
	ttl     time.Duration

	mu            sync.RWMutex
	securities    map[string]cachedEntry[domain.Security]
	aus           map[string]cachedEntry[domain.AggregationUnit]
	counterparties map[string]cachedEntry[domain.Counterparty]
}

type cachedEntry[T any] struct {
	value     T
	fetchedAt time.Time
}

// NewRESTReferenceSource builds a feed against baseURL, caching lookups for
// ttl (zero disables caching).
func NewRESTReferenceSource(baseURL string, timeout, ttl time.Duration) *RESTReferenceSource {
	return &RESTReferenceSource{
		client:         &http.Client{Timeout: timeout},
		baseURL:        baseURL,
		ttl:            ttl,
		securities:     make(map[string]cachedEntry[domain.Security]),
		aus:            make(map[string]cachedEntry[domain.AggregationUnit]),
		counterparties: make(map[string]cachedEntry[domain.Counterparty]),
	}
}

// Ping satisfies Feed by checking the upstream's health endpoint.
func (r *RESTReferenceSource) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("refdata feed unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Close satisfies Feed; the shared http.Client needs no teardown.
func (r *RESTReferenceSource) Close() error { return nil }

// Security resolves a security by internal ID, per inventory.ReferenceSource.
func (r *RESTReferenceSource) Security(securityID string) (domain.Security, bool) {
	r.mu.RLock()
	entry, ok := r.securities[securityID]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < r.ttl {
		return entry.value, true
	}

	var sec domain.Security
	if !r.fetch(fmt.Sprintf("/securities/%s", securityID), &sec) {
		return domain.Security{}, false
	}
	r.mu.Lock()
	r.securities[securityID] = cachedEntry[domain.Security]{value: sec, fetchedAt: time.Now()}
	r.mu.Unlock()
	return sec, true
}

// AggregationUnit resolves an AU by ID, per inventory.ReferenceSource.
func (r *RESTReferenceSource) AggregationUnit(auID string) (domain.AggregationUnit, bool) {
	r.mu.RLock()
	entry, ok := r.aus[auID]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < r.ttl {
		return entry.value, true
	}

	var au domain.AggregationUnit
	if !r.fetch(fmt.Sprintf("/aggregation-units/%s", auID), &au) {
		return domain.AggregationUnit{}, false
	}
	if au.RuleTags == nil {
		au.RuleTags = domain.TagsForMarket(au.Market)
	}
	r.mu.Lock()
	r.aus[auID] = cachedEntry[domain.AggregationUnit]{value: au, fetchedAt: time.Now()}
	r.mu.Unlock()
	return au, true
}

// Counterparty resolves a counterparty by ID, per inventory.ReferenceSource.
func (r *RESTReferenceSource) Counterparty(counterpartyID string) (domain.Counterparty, bool) {
	r.mu.RLock()
	entry, ok := r.counterparties[counterpartyID]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < r.ttl {
		return entry.value, true
	}

	var cp domain.Counterparty
	if !r.fetch(fmt.Sprintf("/counterparties/%s", counterpartyID), &cp) {
		return domain.Counterparty{}, false
	}
	r.mu.Lock()
	r.counterparties[counterpartyID] = cachedEntry[domain.Counterparty]{value: cp, fetchedAt: time.Now()}
	r.mu.Unlock()
	return cp, true
}

func (r *RESTReferenceSource) fetch(path string, out any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}

// RESTContractSource fetches open contracts for a security from an upstream
// contract booking service, per inventory.ContractSource.
type RESTContractSource struct {
	client  *http.Client
	baseURL string
}

// NewRESTContractSource builds a feed against baseURL.
func NewRESTContractSource(baseURL string, timeout time.Duration) *RESTContractSource {
	return &RESTContractSource{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

func (c *RESTContractSource) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("contracts feed unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *RESTContractSource) Close() error { return nil }

// ForSecurity returns every contract booked against securityID.
func (c *RESTContractSource) ForSecurity(securityID string) []domain.Contract {
	ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/contracts?security_id=%s", c.baseURL, securityID), nil)
	if err != nil {
		return nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var contracts []domain.Contract
	if err := json.NewDecoder(resp.Body).Decode(&contracts); err != nil {
		return nil
	}
	return contracts
}
