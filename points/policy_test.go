package points_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
)

func intPtr(n int) *int { return &n }

// =============================================================================
// EXPIRY RESOLUTION
// =============================================================================

func TestPolicy_ExpiryFor_DefaultDays(t *testing.T) {
	p := points.DefaultPolicy()

	expiry, err := p.ExpiryFor(testNow, nil)

	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 0, 365), expiry)
}

func TestPolicy_ExpiryFor_RequestedDaysWithinWindow(t *testing.T) {
	p := points.DefaultPolicy()

	expiry, err := p.ExpiryFor(testNow, intPtr(30))

	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 0, 30), expiry)
}

func TestPolicy_ExpiryFor_RequestedDaysOutOfBounds(t *testing.T) {
	// GIVEN: Window of [1, 1825) days
	// WHEN: Requesting below the minimum or at/above the maximum
	// THEN: PolicyViolation; the default itself is never bounds-checked

	p := points.DefaultPolicy()

	_, err := p.ExpiryFor(testNow, intPtr(0))
	assert.ErrorIs(t, err, points.ErrPolicyViolation)

	_, err = p.ExpiryFor(testNow, intPtr(1825))
	assert.ErrorIs(t, err, points.ErrPolicyViolation, "max bound is exclusive")

	_, err = p.ExpiryFor(testNow, intPtr(1824))
	assert.NoError(t, err)
}

// =============================================================================
// AMOUNT AND CEILING VALIDATION
// =============================================================================

func TestPolicy_ValidateIssueAmount(t *testing.T) {
	p := points.DefaultPolicy()

	assert.NoError(t, p.ValidateIssueAmount(1))
	assert.NoError(t, p.ValidateIssueAmount(100000))
	assert.ErrorIs(t, p.ValidateIssueAmount(0), points.ErrPolicyViolation)
	assert.ErrorIs(t, p.ValidateIssueAmount(100001), points.ErrPolicyViolation)
}

func TestPolicy_ValidateOutstandingCeiling(t *testing.T) {
	p := points.DefaultPolicy()

	assert.NoError(t, p.ValidateOutstandingCeiling(1000000))
	assert.ErrorIs(t, p.ValidateOutstandingCeiling(1000001), points.ErrPolicyViolation)
}

func TestPolicy_Validate_AdminUpdate(t *testing.T) {
	valid := points.DefaultPolicy()
	assert.NoError(t, valid.Validate())

	inverted := valid
	inverted.MinIssue = 10
	inverted.MaxIssue = 5
	assert.ErrorIs(t, inverted.Validate(), points.ErrInvalidRequest)

	lowCeiling := valid
	lowCeiling.OutstandingLimit = valid.MaxIssue - 1
	assert.ErrorIs(t, lowCeiling.Validate(), points.ErrInvalidRequest)

	badExpiry := valid
	badExpiry.DefaultExpireDays = badExpiry.MaxExpireDays
	assert.ErrorIs(t, badExpiry.Validate(), points.ErrInvalidRequest)
}

// =============================================================================
// GATE FALLBACK
// =============================================================================

type policySourceFunc func(ctx context.Context) (*points.Policy, error)

func (f policySourceFunc) CurrentPolicy(ctx context.Context) (*points.Policy, error) {
	return f(ctx)
}

func TestGate_Snapshot_FallsBackToDefaults(t *testing.T) {
	gate := points.NewGate(policySourceFunc(func(ctx context.Context) (*points.Policy, error) {
		return nil, nil
	}))

	p, err := gate.Snapshot(context.Background())

	require.NoError(t, err)
	assert.Equal(t, points.DefaultPolicy(), p)
}

func TestGate_Snapshot_UsesConfiguredPolicy(t *testing.T) {
	configured := &points.Policy{
		MinIssue:          10,
		MaxIssue:          500,
		OutstandingLimit:  2000,
		DefaultExpireDays: 30,
		MinExpireDays:     1,
		MaxExpireDays:     90,
		Version:           3,
	}
	gate := points.NewGate(policySourceFunc(func(ctx context.Context) (*points.Policy, error) {
		return configured, nil
	}))

	p, err := gate.Snapshot(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(500), p.MaxIssue)

	expiry, err := gate.EffectiveExpiry(context.Background(), testNow, nil)
	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 0, 30), expiry)

	assert.ErrorIs(t, gate.ValidateIssueAmount(context.Background(), 501), points.ErrPolicyViolation)

	assert.NoError(t, gate.ValidateOutstandingCeiling(context.Background(), 2000))
	assert.ErrorIs(t, gate.ValidateOutstandingCeiling(context.Background(), 2001), points.ErrPolicyViolation)
}
