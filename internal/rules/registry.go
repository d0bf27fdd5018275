package rules

import (
	"sort"
	"sync"
	"time"

	"github.com/galatea-associates/ims-core/internal/domain"
)

// Registry holds every known rule Definition, grouped by (rule_type,
// market), and selects the one governing a given business date. It plays
// the role the teacher's strategy.Engine.LoadStrategies switch plays, but
// selection is by priority+effective-window instead of a status column.
type Registry struct {
	mu    sync.RWMutex
	byKey map[registryKey][]Definition
}

type registryKey struct {
	ruleType domain.CalculationType
	market   string
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[registryKey][]Definition)}
}

// Register adds a rule definition. At most one of the definitions
// registered under the same (rule_type, market) should have Status ACTIVE
// for any given instant, per §3's CalculationRule invariant; the registry
// does not itself enforce that at write time, only at Select time (it picks
// the best-fit ACTIVE one and ignores the rest).
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{ruleType: def.Meta.RuleType, market: def.Meta.Market}
	r.byKey[key] = append(r.byKey[key], def)
}

// Select returns the highest-priority ACTIVE rule whose effective window
// contains businessDate, per §4.3 step 1: "tie-break: higher priority, then
// later effective_from".
func (r *Registry) Select(ruleType domain.CalculationType, market string, businessDate time.Time) (Definition, bool) {
	r.mu.RLock()
	candidates := append([]Definition(nil), r.byKey[registryKey{ruleType: ruleType, market: market}]...)
	r.mu.RUnlock()

	var matches []Definition
	for _, d := range candidates {
		if d.ActiveOn(businessDate) {
			matches = append(matches, d)
		}
	}
	if len(matches) == 0 {
		return Definition{}, false
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Meta.Priority != matches[j].Meta.Priority {
			return matches[i].Meta.Priority > matches[j].Meta.Priority
		}
		return matches[i].Meta.EffectiveFrom.After(matches[j].Meta.EffectiveFrom)
	})
	return matches[0], true
}
