/*
policy.go - Policy source contract and validation gate

PURPOSE:
  Exposes validated limits (min/max single-issue amount, per-user
  outstanding ceiling, expiry-day bounds) and resolves the effective expiry
  date for a new lot. Validation is pure over a policy snapshot; the Gate
  only adds the read path with its default fallback.

FALLBACK:
  When the policy source yields no configured record, the gate validates
  against DefaultPolicy(). No process-wide mutable state is involved.

SEE ALSO:
  - types.go: Policy record and DefaultPolicy
  - engine.go: Calls the gate before every issue/use reversal
*/
package points

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// POLICY SOURCE - Read contract for the configured policy record
// =============================================================================

// PolicySource yields the current configured policy. A (nil, nil) return
// means no record is configured and the caller falls back to the defaults.
type PolicySource interface {
	CurrentPolicy(ctx context.Context) (*Policy, error)
}

// =============================================================================
// PURE VALIDATION - Over a policy snapshot
// =============================================================================

// ExpiryFor resolves the effective expiry for a lot created at now.
// A requested day count must satisfy min <= days < max; the configured
// default is used as-is when no count is requested.
func (p Policy) ExpiryFor(now time.Time, requestedDays *int) (time.Time, error) {
	days := p.DefaultExpireDays
	if requestedDays != nil {
		if *requestedDays < p.MinExpireDays || *requestedDays >= p.MaxExpireDays {
			return time.Time{}, &PolicyViolationError{
				Rule: "expire_days",
				Message: fmt.Sprintf("expiry must be at least %d and under %d days, got %d",
					p.MinExpireDays, p.MaxExpireDays, *requestedDays),
			}
		}
		days = *requestedDays
	}
	return now.AddDate(0, 0, days), nil
}

// ValidateIssueAmount checks a single issuance against the min/max bounds.
func (p Policy) ValidateIssueAmount(amount int64) error {
	if amount < p.MinIssue || amount > p.MaxIssue {
		return &PolicyViolationError{
			Rule: "issue_amount",
			Message: fmt.Sprintf("issue amount must be between %d and %d, got %d",
				p.MinIssue, p.MaxIssue, amount),
		}
	}
	return nil
}

// ValidateOutstandingCeiling checks the prospective outstanding total against
// the per-user ceiling.
func (p Policy) ValidateOutstandingCeiling(prospectiveTotal int64) error {
	if prospectiveTotal > p.OutstandingLimit {
		return &PolicyViolationError{
			Rule: "outstanding_limit",
			Message: fmt.Sprintf("outstanding points would reach %d, limit is %d",
				prospectiveTotal, p.OutstandingLimit),
		}
	}
	return nil
}

// Validate checks an administrative policy update for internal consistency.
func (p Policy) Validate() error {
	if p.MinIssue < 1 || p.MaxIssue < p.MinIssue {
		return fmt.Errorf("%w: issue bounds must satisfy 1 <= min <= max", ErrInvalidRequest)
	}
	if p.OutstandingLimit < p.MaxIssue {
		return fmt.Errorf("%w: outstanding limit must be at least the max issue amount", ErrInvalidRequest)
	}
	if p.MinExpireDays < 1 || p.DefaultExpireDays < p.MinExpireDays || p.DefaultExpireDays >= p.MaxExpireDays {
		return fmt.Errorf("%w: expiry days must satisfy 1 <= min <= default < max", ErrInvalidRequest)
	}
	return nil
}

// =============================================================================
// GATE - Policy read path plus validation
// =============================================================================

// Gate binds the pure validations to the configured policy source.
// No side effects; every method validates against the current snapshot.
type Gate struct {
	Source PolicySource
}

func NewGate(source PolicySource) *Gate {
	return &Gate{Source: source}
}

// Snapshot returns the configured policy, or the default set when none is
// configured.
func (g *Gate) Snapshot(ctx context.Context) (Policy, error) {
	p, err := g.Source.CurrentPolicy(ctx)
	if err != nil {
		return Policy{}, err
	}
	if p == nil {
		return DefaultPolicy(), nil
	}
	return *p, nil
}

func (g *Gate) EffectiveExpiry(ctx context.Context, now time.Time, requestedDays *int) (time.Time, error) {
	p, err := g.Snapshot(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return p.ExpiryFor(now, requestedDays)
}

func (g *Gate) ValidateIssueAmount(ctx context.Context, amount int64) error {
	p, err := g.Snapshot(ctx)
	if err != nil {
		return err
	}
	return p.ValidateIssueAmount(amount)
}

func (g *Gate) ValidateOutstandingCeiling(ctx context.Context, prospectiveTotal int64) error {
	p, err := g.Snapshot(ctx)
	if err != nil {
		return err
	}
	return p.ValidateOutstandingCeiling(prospectiveTotal)
}
