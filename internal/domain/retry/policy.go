// Package retry classifies executor failures and decides whether and when a
// failed task is attempted again.
package retry

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
)

// Category is the classification bucket of a failure.
type Category string

// Failure categories
const (
	CategoryNetwork        Category = "network"
	CategoryDatabase       Category = "database"
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryRateLimit      Category = "rate_limit"
	CategoryBusinessLogic  Category = "business_logic"
	CategorySystem         Category = "system"
)

// AllCategories lists every category in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryNetwork,
		CategoryDatabase,
		CategoryValidation,
		CategoryAuthentication,
		CategoryRateLimit,
		CategoryBusinessLogic,
		CategorySystem,
	}
}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory converts a raw string (case-insensitive) into a Category.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: unknown failure category %q", domain.ErrValidation, raw)
	}
	return c, nil
}

// Strategy selects how the delay grows between attempts.
type Strategy string

// Backoff strategies
const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	return s == StrategyExponential || s == StrategyLinear || s == StrategyFixed
}

// Policy defines retry eligibility and backoff for one category.
type Policy struct {
	Recoverable bool
	MaxRetries  int
	Strategy    Strategy
	BaseDelay   time.Duration
	// MaxDelay caps computed delays; zero means uncapped.
	MaxDelay time.Duration
}

// Validate checks a policy's invariants.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", domain.ErrValidation)
	}
	if !p.Strategy.IsValid() {
		return fmt.Errorf("%w: unknown strategy %q", domain.ErrValidation, p.Strategy)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must be >= 0", domain.ErrValidation)
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("%w: base_delay %s exceeds max_delay %s", domain.ErrValidation, p.BaseDelay, p.MaxDelay)
	}
	return nil
}

// Delay returns the wait before the attempt that follows retryCount previous
// retries.
//
//   - exponential: base * 2^retryCount
//   - linear:      base * (retryCount+1)
//   - fixed:       base
//
// The result is capped at MaxDelay when set.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyExponential:
		d = p.BaseDelay
		for i := 0; i < retryCount; i++ {
			// stop doubling once the cap or overflow is reached
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
			if d > math.MaxInt64/2 {
				break
			}
			d *= 2
		}
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(retryCount+1)
		if p.BaseDelay > 0 && d/p.BaseDelay != time.Duration(retryCount+1) {
			d = math.MaxInt64
		}
	default:
		d = p.BaseDelay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Policies maps each category to its policy.
type Policies map[Category]Policy

// For returns the policy for c, falling back to the system policy.
func (ps Policies) For(c Category) Policy {
	if p, ok := ps[c]; ok {
		return p
	}
	if p, ok := ps[CategorySystem]; ok {
		return p
	}
	return NewDefaultPolicies()[CategorySystem]
}

// NewDefaultPolicies returns the built-in policy table.
func NewDefaultPolicies() Policies {
	return Policies{
		CategoryNetwork: {
			Recoverable: true, MaxRetries: 3, Strategy: StrategyExponential,
			BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Minute,
		},
		CategoryDatabase: {
			Recoverable: true, MaxRetries: 3, Strategy: StrategyExponential,
			BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute,
		},
		CategoryValidation: {
			Recoverable: false, MaxRetries: 0, Strategy: StrategyFixed,
		},
		// Credentials are often refreshed out of band, so give them a couple
		// of slow attempts.
		CategoryAuthentication: {
			Recoverable: true, MaxRetries: 2, Strategy: StrategyLinear,
			BaseDelay: time.Minute, MaxDelay: 10 * time.Minute,
		},
		CategoryRateLimit: {
			Recoverable: true, MaxRetries: 5, Strategy: StrategyExponential,
			BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute,
		},
		CategoryBusinessLogic: {
			Recoverable: false, MaxRetries: 0, Strategy: StrategyFixed,
		},
		CategorySystem: {
			Recoverable: true, MaxRetries: 3, Strategy: StrategyLinear,
			BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute,
		},
	}
}

// PolicyConfig overrides fields of a default policy. Nil or zero fields keep
// the default.
type PolicyConfig struct {
	Recoverable *bool
	MaxRetries  *int
	Strategy    string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewPolicies applies overrides on top of the default table.
func NewPolicies(overrides map[Category]PolicyConfig) (Policies, error) {
	ps := NewDefaultPolicies()
	for c, o := range overrides {
		if !c.IsValid() {
			return nil, fmt.Errorf("%w: unknown failure category %q", domain.ErrValidation, c)
		}
		p := ps[c]
		if o.Recoverable != nil {
			p.Recoverable = *o.Recoverable
		}
		if o.MaxRetries != nil {
			p.MaxRetries = *o.MaxRetries
		}
		if o.Strategy != "" {
			p.Strategy = Strategy(strings.ToLower(o.Strategy))
		}
		if o.BaseDelay > 0 {
			p.BaseDelay = o.BaseDelay
		}
		if o.MaxDelay > 0 {
			p.MaxDelay = o.MaxDelay
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", c, err)
		}
		ps[c] = p
	}
	return ps, nil
}
