package validation

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// Rule describes the constraints of one form field.
type Rule struct {
	Pattern        *regexp.Regexp
	PatternMessage string
	MinLen         int
	MaxLen         int
	Required       bool
}

// Check validates a single value against the rule
func (r Rule) Check(value string) error {
	if value == "" {
		if r.Required {
			return fmt.Errorf("value cannot be empty")
		}
		return nil
	}

	if r.MinLen > 0 && len(value) < r.MinLen {
		return fmt.Errorf("value must be at least %d characters long", r.MinLen)
	}

	if r.MaxLen > 0 && len(value) > r.MaxLen {
		return fmt.Errorf("value must not exceed %d characters", r.MaxLen)
	}

	if r.Pattern != nil && !r.Pattern.MatchString(value) {
		if r.PatternMessage != "" {
			return fmt.Errorf("%s", r.PatternMessage)
		}
		return fmt.Errorf("value has an invalid format")
	}

	return nil
}

// RuleOracle is an Oracle backed by per-form, per-field rules registered
// at startup. Fields without a rule are accepted.
type RuleOracle struct {
	mu    sync.RWMutex
	rules map[string]map[string]Rule // form -> field -> rule
}

// NewRuleOracle creates an oracle with no rules
func NewRuleOracle() *RuleOracle {
	return &RuleOracle{
		rules: make(map[string]map[string]Rule),
	}
}

// AddRule registers the rule for one field of one form, replacing any
// existing rule for that field.
func (o *RuleOracle) AddRule(form, field string, rule Rule) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fields, ok := o.rules[form]
	if !ok {
		fields = make(map[string]Rule)
		o.rules[form] = fields
	}
	fields[field] = rule
}

// Validate implements Oracle
func (o *RuleOracle) Validate(ctx context.Context, form, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.RLock()
	rule, ok := o.rules[form][field]
	o.mu.RUnlock()

	if !ok {
		return nil
	}

	return rule.Check(value)
}
