package adapters

import (
	"fmt"
	"time"
)

// Kind values dispatched by DefaultFactory, one per upstream feed role.
const (
	KindReferenceData = "refdata-rest"
	KindContracts     = "contracts-rest"
	KindMarketData    = "marketdata-rest"
)

// RefDataTTL is how long RESTReferenceSource caches a resolved entity.
const RefDataTTL = 5 * time.Minute

// DefaultFactory builds a Feed from cfg.Kind, mirroring the teacher's
// gateway.DefaultFactory switch over exchange type.
func DefaultFactory(cfg FeedConfig) (Feed, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch cfg.Kind {
	case KindReferenceData:
		return NewRESTReferenceSource(cfg.BaseURL, timeout, RefDataTTL), nil
	case KindContracts:
		return NewRESTContractSource(cfg.BaseURL, timeout), nil
	case KindMarketData:
		return NewRESTMarketDataSource(cfg.BaseURL, timeout), nil
	default:
		return nil, fmt.Errorf("adapters: unsupported feed kind %q", cfg.Kind)
	}
}
