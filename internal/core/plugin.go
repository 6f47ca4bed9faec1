package core

import (
	"fmt"
	"sort"
	"sync"

	"latticecore/pkg/domain"
)

// Plugin describes an extension module that contributes rules and evaluators
// without the core depending on any concrete project domain.
type Plugin interface {
	Name() string
	Version() string
	Register(registry *PluginRegistry) error
}

// PluginMetadata captures installation details for listing.
type PluginMetadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PluginRegistry accumulates plugin contributions during registration.
type PluginRegistry struct {
	rules      []domain.Rule
	evaluators map[string]domain.Evaluator
}

// NewPluginRegistry constructs a plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		evaluators: make(map[string]domain.Evaluator),
	}
}

// RegisterRule adds an in-transaction rule contributed by the plugin.
func (r *PluginRegistry) RegisterRule(rule domain.Rule) {
	if rule == nil {
		return
	}
	r.rules = append(r.rules, rule)
}

// RegisterEvaluator binds an evaluator to a project domain tag. The empty tag
// registers the fallback evaluator used for cells whose domain has no
// dedicated binding.
func (r *PluginRegistry) RegisterEvaluator(domainTag string, evaluator domain.Evaluator) error {
	if evaluator == nil {
		return fmt.Errorf("nil evaluator for domain %q", domainTag)
	}
	if _, exists := r.evaluators[domainTag]; exists {
		return fmt.Errorf("evaluator for domain %q already registered", domainTag)
	}
	r.evaluators[domainTag] = evaluator
	return nil
}

// Rules returns a copy of registered rules.
func (r *PluginRegistry) Rules() []domain.Rule {
	out := make([]domain.Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Evaluators returns a copy of registered evaluators keyed by domain tag.
func (r *PluginRegistry) Evaluators() map[string]domain.Evaluator {
	out := make(map[string]domain.Evaluator, len(r.evaluators))
	for tag, eval := range r.evaluators {
		out[tag] = eval
	}
	return out
}

// EvaluatorRegistry resolves evaluators by project domain tag. The registry is
// shared between the service (which installs plugin contributions) and the
// gray engine (which resolves an evaluator per sweep).
type EvaluatorRegistry struct {
	mu         sync.RWMutex
	evaluators map[string]domain.Evaluator
}

// NewEvaluatorRegistry constructs an empty registry.
func NewEvaluatorRegistry() *EvaluatorRegistry {
	return &EvaluatorRegistry{evaluators: make(map[string]domain.Evaluator)}
}

// Bind associates an evaluator with a domain tag, replacing any previous
// binding. The empty tag sets the fallback evaluator.
func (r *EvaluatorRegistry) Bind(domainTag string, evaluator domain.Evaluator) {
	if evaluator == nil {
		return
	}
	r.mu.Lock()
	r.evaluators[domainTag] = evaluator
	r.mu.Unlock()
}

// Lookup resolves the evaluator for a domain tag, falling back to the empty
// tag binding when no dedicated evaluator exists.
func (r *EvaluatorRegistry) Lookup(domainTag string) (domain.Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if eval, ok := r.evaluators[domainTag]; ok {
		return eval, true
	}
	eval, ok := r.evaluators[""]
	return eval, ok
}

// Domains lists the bound domain tags in sorted order.
func (r *EvaluatorRegistry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.evaluators))
	for tag := range r.evaluators {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
