package retry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/conductor/internal/domain"
)

// Matcher reports whether a failure belongs to a rule.
type Matcher func(err error) bool

// Rule maps a matcher to a category. Rules are evaluated in order and the
// first match wins.
type Rule struct {
	Name     string
	Category Category
	Match    Matcher
	Hint     string
}

// Classification is the result of classifying one failure.
type Classification struct {
	Category Category
	Policy   Policy
	// Rule names the matching rule; empty when the fallback applied.
	Rule string
	Hint string
	// RetryAfter is a minimum delay requested by the failure itself.
	RetryAfter time.Duration
	Fallback   bool
}

// Classifier maps failures to categories and their retry policies.
type Classifier struct {
	rules    []Rule
	policies Policies
}

// NewClassifier creates a Classifier. When rules is empty the default rule
// list is used. A nil policies table uses the defaults.
func NewClassifier(policies Policies, rules ...Rule) *Classifier {
	if policies == nil {
		policies = NewDefaultPolicies()
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules, policies: policies}
}

// Policies returns the policy table used by the classifier.
func (c *Classifier) Policies() Policies {
	return c.policies
}

// Classify maps err to a category. Unmatched failures fall back to system.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return c.fallback(0)
	}

	hint := retryAfterOf(err)
	for _, r := range c.rules {
		if r.Match != nil && r.Match(err) {
			return Classification{
				Category:   r.Category,
				Policy:     c.policies.For(r.Category),
				Rule:       r.Name,
				Hint:       r.Hint,
				RetryAfter: hint,
			}
		}
	}
	return c.fallback(hint)
}

// ClassifyMessage classifies a stored error message, e.g. for diagnostics on
// tasks that failed in an earlier process.
func (c *Classifier) ClassifyMessage(message string) Classification {
	if strings.TrimSpace(message) == "" {
		return c.fallback(0)
	}
	return c.Classify(errors.New(message))
}

func (c *Classifier) fallback(hint time.Duration) Classification {
	return Classification{
		Category:   CategorySystem,
		Policy:     c.policies.For(CategorySystem),
		Hint:       "unclassified failure; retried with linear backoff",
		RetryAfter: hint,
		Fallback:   true,
	}
}

// Error lets executors tag a failure with an explicit category.
type Error struct {
	Category Category
	Err      error
	After    time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryAfter returns the minimum delay requested for the next attempt.
func (e *Error) RetryAfter() time.Duration {
	return e.After
}

// Tag wraps err with an explicit category.
func Tag(category Category, err error) error {
	return &Error{Category: category, Err: err}
}

// Throttled wraps err as a rate limit failure that asks to wait at least after.
func Throttled(err error, after time.Duration) error {
	return &Error{Category: CategoryRateLimit, Err: err, After: after}
}

// Permanent wraps err so it is never retried.
func Permanent(err error) error {
	return &Error{Category: CategoryBusinessLogic, Err: err}
}

type retryAfterer interface {
	RetryAfter() time.Duration
}

func retryAfterOf(err error) time.Duration {
	var ra retryAfterer
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return d
		}
	}
	return 0
}

// DefaultRules returns the built-in ordered rule list. Typed matchers come
// before message patterns.
func DefaultRules() []Rule {
	rules := make([]Rule, 0, 16)
	for _, c := range AllCategories() {
		rules = append(rules, Rule{
			Name:     "tagged_" + string(c),
			Category: c,
			Match:    taggedAs(c),
			Hint:     "category set by the task handler",
		})
	}
	rules = append(rules,
		Rule{
			Name:     "validation_error",
			Category: CategoryValidation,
			Match:    func(err error) bool { return isValidationError(err) },
			Hint:     "fix the task payload and resubmit",
		},
		Rule{
			Name:     "postgres_error",
			Category: CategoryDatabase,
			Match:    pgCodeClass("08", "40", "53", "57", "58", "XX"),
			Hint:     "database unavailable or contended; retried with backoff",
		},
		Rule{
			Name:     "postgres_auth",
			Category: CategoryAuthentication,
			Match:    pgCodeClass("28"),
			Hint:     "check database credentials",
		},
		Rule{
			Name:     "postgres_integrity",
			Category: CategoryBusinessLogic,
			Match:    pgCodeClass("23"),
			Hint:     "constraint violation; the operation cannot succeed as submitted",
		},
		Rule{
			Name:     "sql_connection",
			Category: CategoryDatabase,
			Match: func(err error) bool {
				return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
			},
			Hint: "database connection dropped; retried with backoff",
		},
		Rule{
			Name:     "net_error",
			Category: CategoryNetwork,
			Match:    isNetworkError,
			Hint:     "remote endpoint unreachable; retried with exponential backoff",
		},
		patternRule("rate_limit_message", CategoryRateLimit,
			`rate.?limit|too many requests|\b429\b|quota exceeded|throttl`,
			"remote service is throttling; retried with exponential backoff"),
		patternRule("auth_message", CategoryAuthentication,
			`unauthori[sz]ed|forbidden|authenticat|access.?token|credential|\b401\b|\b403\b`,
			"credentials rejected; refresh them before retrying"),
		patternRule("network_message", CategoryNetwork,
			`connection (refused|reset|closed)|no such host|timed? ?out|network is unreachable|broken pipe|unexpected eof|\b50[234]\b`,
			"remote endpoint unreachable; retried with exponential backoff"),
		patternRule("database_message", CategoryDatabase,
			`deadlock|could not serialize|database|sqlstate|too many clients`,
			"database unavailable or contended; retried with backoff"),
		patternRule("validation_message", CategoryValidation,
			`invalid|malformed|required field|must be|cannot unmarshal|validation`,
			"fix the task payload and resubmit"),
		patternRule("business_message", CategoryBusinessLogic,
			`not allowed|already (exists|processed)|business rule|precondition`,
			"the operation cannot succeed as submitted"),
	)
	return rules
}

func patternRule(name string, c Category, pattern, hint string) Rule {
	re := regexp.MustCompile(`(?i)` + pattern)
	return Rule{
		Name:     name,
		Category: c,
		Match:    func(err error) bool { return re.MatchString(err.Error()) },
		Hint:     hint,
	}
}

func taggedAs(c Category) Matcher {
	return func(err error) bool {
		var tagged *Error
		return errors.As(err, &tagged) && tagged.Category == c
	}
}

func isValidationError(err error) bool {
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrUnknownTaskType) {
		return true
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func pgCodeClass(classes ...string) Matcher {
	return func(err error) bool {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
			return false
		}
		for _, c := range classes {
			if strings.HasPrefix(pgErr.Code, c) {
				return true
			}
		}
		return false
	}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
