package toolexecutor

import (
	"fmt"
	"path"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/NForce-ai/SDRbot/pkg/crmerr"
)

// Policy holds the tunable execution limits. It can be swapped at runtime.
type Policy struct {
	// BulkThreshold is the record count above which a write needs scope
	// confirmation even under auto-approve.
	BulkThreshold int `json:"bulk_threshold"`
	// SelfHealRetries bounds forced schema re-syncs per logical action.
	SelfHealRetries     int           `json:"self_heal_retries"`
	CallTimeout         time.Duration `json:"call_timeout"`
	MaxRateLimitRetries int           `json:"max_rate_limit_retries"`
	MaxAdapterRetries   int           `json:"max_adapter_retries"`
	ApprovalTimeout     time.Duration `json:"approval_timeout"`
	BackoffMin          time.Duration `json:"backoff_min"`
	BackoffMax          time.Duration `json:"backoff_max"`
	// Allow and Deny are tool name globs. Deny wins; an empty Allow allows all.
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// DefaultPolicy returns the stock limits.
func DefaultPolicy() Policy {
	return Policy{
		BulkThreshold:       50,
		SelfHealRetries:     1,
		CallTimeout:         30 * time.Second,
		MaxRateLimitRetries: 3,
		MaxAdapterRetries:   2,
		ApprovalTimeout:     10 * time.Minute,
		BackoffMin:          500 * time.Millisecond,
		BackoffMax:          30 * time.Second,
	}
}

// Validate checks the policy for impossible values.
func (p Policy) Validate() error {
	if p.BulkThreshold < 0 {
		return fmt.Errorf("bulk threshold must not be negative")
	}
	if p.SelfHealRetries < 0 || p.MaxRateLimitRetries < 0 || p.MaxAdapterRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if p.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive")
	}
	if p.ApprovalTimeout <= 0 {
		return fmt.Errorf("approval timeout must be positive")
	}
	if p.BackoffMin < 0 || p.BackoffMax < p.BackoffMin {
		return fmt.Errorf("backoff bounds are invalid: min %v max %v", p.BackoffMin, p.BackoffMax)
	}
	for _, pattern := range append(append([]string{}, p.Allow...), p.Deny...) {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid tool pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// Permits reports whether the allow/deny lists let the tool run.
func (p Policy) Permits(tool string) bool {
	for _, pattern := range p.Deny {
		if ok, _ := path.Match(pattern, tool); ok {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, pattern := range p.Allow {
		if ok, _ := path.Match(pattern, tool); ok {
			return true
		}
	}
	return false
}

// backoff returns the wait before retry number attempt (1-based). A
// provider's Retry-After is honored when longer, capped at BackoffMax.
func (p Policy) backoff(attempt int, e *crmerr.Error) time.Duration {
	wait := retryablehttp.DefaultBackoff(p.BackoffMin, p.BackoffMax, attempt-1, nil)
	if e != nil && e.RetryAfter > wait {
		wait = e.RetryAfter
	}
	if wait > p.BackoffMax {
		wait = p.BackoffMax
	}
	return wait
}
