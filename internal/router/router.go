package router

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// MatchType is how a mapping rule matches a requested model name
type MatchType string

const (
	MatchLiteral MatchType = "literal"
	MatchPrefix  MatchType = "prefix"
	MatchRegex   MatchType = "regex"
)

// Rule is one model-mapping entry. Rules apply in order; first match wins.
type Rule struct {
	Match        MatchType `mapstructure:"match" json:"match"`
	Pattern      string    `mapstructure:"pattern" json:"pattern"`
	RewriteTo    string    `mapstructure:"rewrite_to" json:"rewrite_to"`
	ProviderHint string    `mapstructure:"provider_hint" json:"provider_hint,omitempty"`
}

// Route is the resolved upstream target for a requested model
type Route struct {
	UpstreamModel    string
	ProviderOverride string
	Matched          bool
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

type table struct {
	rules []compiledRule
}

// Router resolves requested model names through the custom mapping table.
// Resolution is side-effect-free; the table is swapped atomically on update
// so a request routes against one consistent snapshot end-to-end.
type Router struct {
	tbl atomic.Pointer[table]
}

// New creates a router from the given rules
func New(rules []Rule) (*Router, error) {
	r := &Router{}
	if err := r.Update(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// Update validates and swaps the mapping table
func (r *Router) Update(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.Pattern == "" {
			return fmt.Errorf("mapping rule %d: empty pattern", i)
		}
		cr := compiledRule{rule: rule}
		switch rule.Match {
		case MatchLiteral, MatchPrefix:
		case MatchRegex:
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return fmt.Errorf("mapping rule %d: %w", i, err)
			}
			cr.re = re
		default:
			return fmt.Errorf("mapping rule %d: unknown match type %q", i, rule.Match)
		}
		compiled = append(compiled, cr)
	}

	r.tbl.Store(&table{rules: compiled})
	log.Debug().Int("rules", len(compiled)).Msg("model mapping updated")
	return nil
}

// Resolve maps a requested model to its upstream target. Models that match no
// rule pass through unchanged.
func (r *Router) Resolve(model string) Route {
	tbl := r.tbl.Load()
	for _, cr := range tbl.rules {
		var hit bool
		switch cr.rule.Match {
		case MatchLiteral:
			hit = model == cr.rule.Pattern
		case MatchPrefix:
			hit = strings.HasPrefix(model, cr.rule.Pattern)
		case MatchRegex:
			hit = cr.re.MatchString(model)
		}
		if hit {
			out := cr.rule.RewriteTo
			if out == "" {
				out = model
			}
			return Route{UpstreamModel: out, ProviderOverride: cr.rule.ProviderHint, Matched: true}
		}
	}
	return Route{UpstreamModel: model}
}

// Rules returns a copy of the active rule list
func (r *Router) Rules() []Rule {
	tbl := r.tbl.Load()
	rules := make([]Rule, 0, len(tbl.rules))
	for _, cr := range tbl.rules {
		rules = append(rules, cr.rule)
	}
	return rules
}
