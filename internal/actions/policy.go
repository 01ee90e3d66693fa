package actions

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/todo-1m/offline/internal/contracts"
)

var ErrBadPattern = errors.New("bad action pattern")

// Rule is the call-site policy for one class of commands.
type Rule struct {
	Name           string           `json:"name"`
	Method         contracts.Method `json:"method,omitempty"`
	Pattern        string           `json:"pattern"`
	Queueable      bool             `json:"queueable"`
	Silent         bool             `json:"silent"`
	SuccessMessage string           `json:"success_message,omitempty"`
	MaxAttempts    int              `json:"max_attempts"`
	BaseBackoff    time.Duration    `json:"base_backoff"`
	MaxBackoff     time.Duration    `json:"max_backoff"`
}

// DefaultRule applies to commands no configured rule matches. Unknown
// actions are never queued.
var DefaultRule = Rule{
	Name:        "default",
	Pattern:     "/**",
	MaxAttempts: 3,
	BaseBackoff: 30 * time.Second,
	MaxBackoff:  10 * time.Minute,
}

type Policy struct {
	rules    []Rule
	fallback Rule
}

// NewPolicy checks every pattern up front. Zero retry fields inherit from
// fallback.
func NewPolicy(rules []Rule, fallback Rule) (*Policy, error) {
	if fallback.MaxAttempts <= 0 {
		fallback.MaxAttempts = DefaultRule.MaxAttempts
	}
	if fallback.BaseBackoff <= 0 {
		fallback.BaseBackoff = DefaultRule.BaseBackoff
	}
	if fallback.MaxBackoff <= 0 {
		fallback.MaxBackoff = DefaultRule.MaxBackoff
	}
	if fallback.Name == "" {
		fallback.Name = DefaultRule.Name
	}

	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		r.Pattern = strings.TrimSpace(r.Pattern)
		if !strings.HasPrefix(r.Pattern, "/") {
			return nil, fmt.Errorf("%w: rule %d pattern %q must start with /", ErrBadPattern, i, r.Pattern)
		}
		if _, err := path.Match(strings.TrimSuffix(r.Pattern, "/**"), "/"); err != nil {
			return nil, fmt.Errorf("%w: rule %d pattern %q: %v", ErrBadPattern, i, r.Pattern, err)
		}
		if r.Method != "" {
			m, ok := contracts.ParseMethod(string(r.Method))
			if !ok {
				return nil, fmt.Errorf("%w: rule %d method %q", ErrBadPattern, i, r.Method)
			}
			r.Method = m
		}
		if r.Name == "" {
			r.Name = strings.TrimSpace(string(r.Method) + " " + r.Pattern)
		}
		if r.MaxAttempts <= 0 {
			r.MaxAttempts = fallback.MaxAttempts
		}
		if r.BaseBackoff <= 0 {
			r.BaseBackoff = fallback.BaseBackoff
		}
		if r.MaxBackoff <= 0 {
			r.MaxBackoff = fallback.MaxBackoff
		}
		out = append(out, r)
	}
	return &Policy{rules: out, fallback: fallback}, nil
}

// Resolve returns the first rule matching method and endpoint. Reads are
// never queueable whatever the rule says.
func (p *Policy) Resolve(method contracts.Method, endpoint string) Rule {
	target := endpoint
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	rule := p.fallback
	for _, r := range p.rules {
		if r.Method != "" && r.Method != method {
			continue
		}
		if matchPattern(r.Pattern, target) {
			rule = r
			break
		}
	}
	if !method.Mutating() {
		rule.Queueable = false
	}
	return rule
}

func (p *Policy) Rules() []Rule {
	out := make([]Rule, 0, len(p.rules)+1)
	out = append(out, p.rules...)
	return append(out, p.fallback)
}

// matchPattern is path.Match plus a trailing "/**" that matches the prefix
// and anything below it.
func matchPattern(pattern, target string) bool {
	prefix, ok := strings.CutSuffix(pattern, "/**")
	if !ok {
		matched, _ := path.Match(pattern, target)
		return matched
	}
	if prefix == "" {
		return true
	}
	if matched, _ := path.Match(prefix, target); matched {
		return true
	}
	for i := 1; i < len(target); i++ {
		if target[i] != '/' {
			continue
		}
		if matched, _ := path.Match(prefix, target[:i]); matched {
			return true
		}
	}
	return false
}
