package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/metrics"
	"github.com/chronomap/chronomap/internal/models"
	"github.com/chronomap/chronomap/internal/store"
)

// Identity is the quota subject: a signed-in user or an anonymous
// visitor, never both.
type Identity struct {
	UserID *uuid.UUID
	AnonID string
	Tier   string
}

// Key returns the counter key for this identity.
func (i Identity) Key() string {
	if i.UserID != nil {
		return "user:" + i.UserID.String()
	}
	return "anon:" + i.AnonID
}

// IdentityForUser builds the quota identity for a signed-in user.
func IdentityForUser(u *models.User) Identity {
	id := u.ID
	return Identity{UserID: &id, Tier: u.Tier()}
}

// IdentityForAnon builds the quota identity for an anonymous visitor.
func IdentityForAnon(anonID string) Identity {
	return Identity{AnonID: anonID, Tier: TierAnonymous}
}

// Decision is the gate's verdict for one submission attempt.
type Decision struct {
	Allowed   bool
	Tier      string
	Limit     int        // 0 for unmetered tiers
	Used      int        // count after this attempt
	Remaining int        // -1 for unmetered tiers
	ResetAt   *time.Time // nil for lifetime and unmetered scopes
}

// Gate admits or rejects research submissions against tier policy.
// Admission reserves a unit up front; callers must Release if the
// provider never accepted the work.
type Gate struct {
	store     store.QuotaStore
	logger    *zap.Logger
	unmetered bool
	now       func() time.Time
}

func NewGate(qs store.QuotaStore, unmetered bool, logger *zap.Logger) *Gate {
	return &Gate{
		store:     qs,
		logger:    logger,
		unmetered: unmetered,
		now:       time.Now,
	}
}

// Check reports the current standing without consuming a unit.
func (g *Gate) Check(ctx context.Context, id Identity) (*Decision, error) {
	policy := PolicyFor(id.Tier)
	now := g.now().UTC()

	if g.unmetered || policy.Unmetered() {
		return g.decision(id.Tier, policy, 0, now, true), nil
	}

	used, err := g.store.Usage(ctx, id.Key(), policy.Scope, periodFor(policy.Scope, now))
	if err != nil {
		return nil, fmt.Errorf("read quota usage: %w", err)
	}
	return g.decision(id.Tier, policy, used, now, used < policy.Limit), nil
}

// Admit consumes one unit if the identity is under its limit. The
// reset-or-increment happens in a single store statement, so two
// concurrent submissions at the boundary cannot both be admitted.
func (g *Gate) Admit(ctx context.Context, id Identity) (*Decision, error) {
	policy := PolicyFor(id.Tier)
	now := g.now().UTC()

	limit := policy.Limit
	if g.unmetered || policy.Unmetered() {
		// Unmetered identities still count usage for reporting.
		limit = 0
	}

	admitted, count, err := g.store.IncrementUsage(ctx, id.Key(), policy.Scope, periodFor(policy.Scope, now), limit)
	if err != nil {
		metrics.QuotaChecks.WithLabelValues(id.Tier, "error").Inc()
		return nil, fmt.Errorf("admit quota: %w", err)
	}

	outcome := "allowed"
	if !admitted {
		outcome = "rejected"
		g.logger.Info("Quota limit reached",
			zap.String("identity", id.Key()),
			zap.String("tier", id.Tier),
			zap.Int("used", count),
			zap.Int("limit", policy.Limit),
		)
	}
	metrics.QuotaChecks.WithLabelValues(id.Tier, outcome).Inc()

	d := g.decision(id.Tier, policy, count, now, admitted)
	if g.unmetered || policy.Unmetered() {
		d.Allowed = true
	}
	return d, nil
}

// Release refunds one admitted unit after a failed submission.
func (g *Gate) Release(ctx context.Context, id Identity) error {
	policy := PolicyFor(id.Tier)
	now := g.now().UTC()
	return g.store.ReleaseUsage(ctx, id.Key(), policy.Scope, periodFor(policy.Scope, now))
}

func (g *Gate) decision(tier string, policy TierPolicy, used int, now time.Time, allowed bool) *Decision {
	d := &Decision{
		Allowed: allowed,
		Tier:    tier,
		Limit:   policy.Limit,
		Used:    used,
	}
	if g.unmetered || policy.Unmetered() {
		d.Limit = 0
		d.Remaining = -1
		return d
	}
	d.Remaining = policy.Limit - used
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if t, ok := resetAt(policy.Scope, now); ok {
		d.ResetAt = &t
	}
	return d
}

// periodFor returns the marker naming the current counting window.
// Counters whose stored marker differs are stale and restart at zero;
// there is no background reset job.
func periodFor(scope string, now time.Time) string {
	switch scope {
	case ScopeDaily:
		return now.Format("2006-01-02")
	case ScopeMonthly:
		return now.Format("2006-01")
	default:
		return "all"
	}
}

func resetAt(scope string, now time.Time) (time.Time, bool) {
	switch scope {
	case ScopeDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		return next, true
	case ScopeMonthly:
		next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		return next, true
	default:
		return time.Time{}, false
	}
}
