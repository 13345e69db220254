package routing

import (
	"fmt"
	"sort"
	"sync"

	"marketgate/internal/metrics"
	"marketgate/internal/provider"
	"marketgate/logger"
	"marketgate/models"
)

// neutralScore is assigned to sources that have not served a request yet so
// new registrations get a fair trial against established ones.
const neutralScore = 0.5

// Router owns the registered-source set, the rule list and the per-source
// performance metrics. It turns one request into one chosen source name and
// can produce a ranked list of alternatives for failover.
//
// All state is guarded by a single RWMutex held only for in-memory work;
// the router never blocks on I/O.
type Router struct {
	mu sync.RWMutex

	log           *logger.Log
	adapters      map[string]provider.Provider
	order         []string // registration order, used for score tie-breaks
	defaultSource string
	rules         []*Rule // kept sorted by priority desc, stable on ties
	metrics       map[string]*metrics.SourceMetrics

	routeCount    int64
	defaultRoutes int64
	ruleHits      map[string]int64
}

func NewRouter(log *logger.Log) *Router {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Router{
		log:      log,
		adapters: make(map[string]provider.Provider),
		metrics:  make(map[string]*metrics.SourceMetrics),
		ruleHits: make(map[string]int64),
	}
}

// RegisterSource adds a named source. The first source ever registered
// becomes the fallback default.
func (rt *Router) RegisterSource(name string, adapter provider.Provider) error {
	if name == "" {
		return fmt.Errorf("source name is required")
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, exists := rt.adapters[name]; exists {
		return fmt.Errorf("source %q already registered", name)
	}

	rt.adapters[name] = adapter
	rt.order = append(rt.order, name)
	rt.metrics[name] = metrics.NewSourceMetrics()
	if rt.defaultSource == "" {
		rt.defaultSource = name
	}

	rt.log.WithComponent("router").WithFields(logger.Fields{"source": name}).Info("source registered")
	return nil
}

// UnregisterSource removes a source and its metrics. When the fallback
// default goes away an arbitrary survivor is promoted.
func (rt *Router) UnregisterSource(name string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, exists := rt.adapters[name]; !exists {
		return fmt.Errorf("source %q is not registered", name)
	}

	delete(rt.adapters, name)
	delete(rt.metrics, name)
	for i, n := range rt.order {
		if n == name {
			rt.order = append(rt.order[:i], rt.order[i+1:]...)
			break
		}
	}
	if rt.defaultSource == name {
		rt.defaultSource = ""
		for n := range rt.adapters {
			rt.defaultSource = n
			break
		}
	}

	rt.log.WithComponent("router").WithFields(logger.Fields{"source": name}).Info("source unregistered")
	return nil
}

// Adapter returns the provider registered under the given name.
func (rt *Router) Adapter(name string) (provider.Provider, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	p, ok := rt.adapters[name]
	return p, ok
}

// Sources returns the registered source names in registration order.
func (rt *Router) Sources() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]string(nil), rt.order...)
}

// AddRule inserts a compiled rule. Rule names are unique.
func (rt *Router) AddRule(rule *Rule) error {
	if rule == nil {
		return fmt.Errorf("rule is nil")
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, existing := range rt.rules {
		if existing.Name == rule.Name {
			return fmt.Errorf("rule %q already exists", rule.Name)
		}
	}

	rt.rules = append(rt.rules, rule)
	sort.SliceStable(rt.rules, func(i, j int) bool {
		return rt.rules[i].Priority > rt.rules[j].Priority
	})

	rt.log.WithComponent("router").WithFields(logger.Fields{
		"rule":     rule.Name,
		"priority": rule.Priority,
		"targets":  rule.TargetSources,
	}).Info("routing rule added")
	return nil
}

// RemoveRule deletes a rule by name.
func (rt *Router) RemoveRule(name string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for i, rule := range rt.rules {
		if rule.Name == name {
			rt.rules = append(rt.rules[:i], rt.rules[i+1:]...)
			rt.log.WithComponent("router").WithFields(logger.Fields{"rule": name}).Info("routing rule removed")
			return nil
		}
	}
	return fmt.Errorf("rule %q does not exist", name)
}

// Route picks one source for the request. Rules are scanned in priority
// order and the first rule that matches the request and has at least one
// registered target wins; every registered source is a candidate when no
// rule applies. Returns false when no source is registered at all.
func (rt *Router) Route(req *models.DataRequest) (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if len(rt.adapters) == 0 {
		return "", false
	}

	rt.routeCount++

	var candidates []string
	for _, rule := range rt.rules {
		if !rule.Matches(req, rt.log) {
			continue
		}
		intersection := rt.registeredTargets(rule.TargetSources)
		if len(intersection) == 0 {
			// Rule matched but none of its targets exist; fall through to
			// the next rule rather than failing the request.
			continue
		}
		candidates = intersection
		rt.ruleHits[rule.Name]++
		break
	}

	if len(candidates) == 0 {
		rt.defaultRoutes++
		candidates = append([]string(nil), rt.order...)
	}

	if len(candidates) == 1 {
		return candidates[0], true
	}

	return rt.bestScored(candidates), true
}

// AlternativeSources returns every plausible source for the request ranked
// by composite score, best first. Unlike Route it unions the targets of all
// matching rules. Used exclusively for failover.
func (rt *Router) AlternativeSources(req *models.DataRequest) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	seen := make(map[string]struct{})
	var union []string
	for _, rule := range rt.rules {
		if !rule.Matches(req, rt.log) {
			continue
		}
		for _, name := range rt.registeredTargets(rule.TargetSources) {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			union = append(union, name)
		}
	}

	if len(union) == 0 {
		union = append([]string(nil), rt.order...)
	}

	regIndex := rt.registrationIndex()
	sort.SliceStable(union, func(i, j int) bool {
		si, sj := rt.scoreLocked(union[i]), rt.scoreLocked(union[j])
		if si != sj {
			return si > sj
		}
		return regIndex[union[i]] < regIndex[union[j]]
	})
	return union
}

// registeredTargets filters a rule's target list down to sources that are
// actually registered, preserving the rule's order. Callers hold rt.mu.
func (rt *Router) registeredTargets(targets []string) []string {
	var out []string
	for _, name := range targets {
		if _, ok := rt.adapters[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (rt *Router) registrationIndex() map[string]int {
	idx := make(map[string]int, len(rt.order))
	for i, name := range rt.order {
		idx[name] = i
	}
	return idx
}

// bestScored returns the top-scored candidate, breaking ties in favour of
// the source registered first. Callers hold rt.mu.
func (rt *Router) bestScored(candidates []string) string {
	regIndex := rt.registrationIndex()

	best := candidates[0]
	bestScore := rt.scoreLocked(best)
	for _, name := range candidates[1:] {
		score := rt.scoreLocked(name)
		if score > bestScore || (score == bestScore && regIndex[name] < regIndex[best]) {
			best = name
			bestScore = score
		}
	}
	return best
}

func (rt *Router) scoreLocked(name string) float64 {
	m, ok := rt.metrics[name]
	if !ok || !m.HasActivity() {
		return neutralScore
	}
	return m.Score()
}

// SourceMetrics returns the live metrics record for a source so the
// orchestrator can feed fetch outcomes back into the scoring loop.
func (rt *Router) SourceMetrics(name string) (*metrics.SourceMetrics, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m, ok := rt.metrics[name]
	return m, ok
}

// Metrics exposes the counters of one source, or of every source when name
// is empty. Pull-based: callers poll, nothing is pushed.
func (rt *Router) Metrics(name string) map[string]interface{} {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if name != "" {
		if m, ok := rt.metrics[name]; ok {
			return m.Snapshot()
		}
		return nil
	}

	all := make(map[string]interface{}, len(rt.metrics))
	for n, m := range rt.metrics {
		all[n] = m.Snapshot()
	}
	return all
}

// RouteStatistics reports aggregate routing activity.
func (rt *Router) RouteStatistics() map[string]interface{} {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	hits := make(map[string]int64, len(rt.ruleHits))
	for name, count := range rt.ruleHits {
		hits[name] = count
	}

	rules := make([]map[string]interface{}, 0, len(rt.rules))
	for _, rule := range rt.rules {
		rules = append(rules, map[string]interface{}{
			"name":     rule.Name,
			"priority": rule.Priority,
			"enabled":  rule.Enabled,
			"targets":  rule.TargetSources,
		})
	}

	return map[string]interface{}{
		"total_routes":       rt.routeCount,
		"default_routes":     rt.defaultRoutes,
		"rule_hits":          hits,
		"rules":              rules,
		"registered_sources": append([]string(nil), rt.order...),
		"default_source":     rt.defaultSource,
	}
}
