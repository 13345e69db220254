package routing

import (
	"fmt"
	"regexp"

	"marketgate/logger"
	"marketgate/models"
)

// Rule decides whether a request should be steered at a specific set of
// target sources. Rules are immutable after construction; the router treats
// them as read-only during routing.
type Rule struct {
	Name          string
	Priority      int
	Enabled       bool
	TargetSources []string

	dataTypes      map[models.DataType]struct{}
	symbols        map[string]struct{}
	symbolPatterns []*regexp.Regexp
	condition      condNode
	conditionSrc   string
}

// RuleSpec carries the raw rule definition, typically straight out of the
// yaml configuration.
type RuleSpec struct {
	Name           string
	Priority       int
	Enabled        bool
	DataTypes      []string
	Symbols        []string
	SymbolPatterns []string
	TargetSources  []string
	Condition      string
}

// NewRule compiles a rule spec. Symbol patterns and the optional condition
// are compiled here so a malformed rule is rejected at registration instead
// of silently misrouting traffic later.
func NewRule(spec RuleSpec) (*Rule, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("rule name is required")
	}
	if len(spec.TargetSources) == 0 {
		return nil, fmt.Errorf("rule %q has no target sources", spec.Name)
	}

	r := &Rule{
		Name:          spec.Name,
		Priority:      spec.Priority,
		Enabled:       spec.Enabled,
		TargetSources: append([]string(nil), spec.TargetSources...),
	}

	if len(spec.DataTypes) > 0 {
		r.dataTypes = make(map[models.DataType]struct{}, len(spec.DataTypes))
		for _, dt := range spec.DataTypes {
			typed := models.DataType(dt)
			if !typed.Valid() {
				return nil, fmt.Errorf("rule %q references unknown data type %q", spec.Name, dt)
			}
			r.dataTypes[typed] = struct{}{}
		}
	}

	if len(spec.Symbols) > 0 {
		r.symbols = make(map[string]struct{}, len(spec.Symbols))
		for _, s := range spec.Symbols {
			r.symbols[s] = struct{}{}
		}
	}

	for _, pattern := range spec.SymbolPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q has invalid symbol pattern %q: %w", spec.Name, pattern, err)
		}
		r.symbolPatterns = append(r.symbolPatterns, re)
	}

	if spec.Condition != "" {
		node, err := parseCondition(spec.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %q has invalid condition: %w", spec.Name, err)
		}
		r.condition = node
		r.conditionSrc = spec.Condition
	}

	return r, nil
}

// Matches reports whether the request satisfies every configured predicate.
// A disabled rule never matches. Condition evaluation failures are logged
// and render the rule non-matching; they never reach the caller.
func (r *Rule) Matches(req *models.DataRequest, log *logger.Log) bool {
	if !r.Enabled {
		return false
	}

	if r.dataTypes != nil {
		if _, ok := r.dataTypes[req.DataType]; !ok {
			return false
		}
	}

	if r.symbols != nil {
		if _, ok := r.symbols[req.Symbol]; !ok {
			return false
		}
	}

	if len(r.symbolPatterns) > 0 {
		matched := false
		for _, re := range r.symbolPatterns {
			if re.MatchString(req.Symbol) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if r.condition != nil {
		ok, err := r.condition.eval(requestView(req))
		if err != nil {
			if log != nil {
				log.WithComponent("routing").WithError(err).WithFields(logger.Fields{
					"rule":      r.Name,
					"condition": r.conditionSrc,
				}).Warn("condition evaluation failed, treating rule as non-matching")
			}
			return false
		}
		if !ok {
			return false
		}
	}

	return true
}
