package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/store"
)

// TierResolver looks up a user's plan
type TierResolver interface {
	ResolveTier(ctx context.Context, userID string) (model.Tier, error)
}

// AdmissionLimits are the concurrent in-flight job limits per tier
type AdmissionLimits struct {
	Standard int
	Elevated int
}

// For returns the limit of a tier.
func (l AdmissionLimits) For(tier model.Tier) int {
	if tier == model.TierElevated {
		return l.Elevated
	}
	return l.Standard
}

// AdmissionDeniedError is returned when a user is at their in-flight limit
type AdmissionDeniedError struct {
	Decision model.AdmissionDecision
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied: %d of %d concurrent generations in flight (%s tier)",
		e.Decision.CurrentCount, e.Decision.Limit, e.Decision.Tier)
}

// TryAdmit decides whether userID may start another provider job given
// their current jobs. Only the user's in-flight jobs count.
func TryAdmit(userID string, tier model.Tier, limit int, jobs []*model.SongJob) model.AdmissionDecision {
	count := 0
	for _, j := range jobs {
		if j.UserID == userID && j.Status.InFlight() {
			count++
		}
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return model.AdmissionDecision{
		Admitted:     count < limit,
		CurrentCount: count,
		Limit:        limit,
		Remaining:    remaining,
		Tier:         tier,
	}
}

// AdmissionController checks a user's in-flight job count against their
// tier limit. Checks take no lock: two concurrent requests may both pass.
type AdmissionController struct {
	store  store.JobStore
	tiers  TierResolver
	limits AdmissionLimits
	logger *zap.Logger
}

func NewAdmissionController(jobStore store.JobStore, tiers TierResolver, limits AdmissionLimits, logger *zap.Logger) *AdmissionController {
	return &AdmissionController{
		store:  jobStore,
		tiers:  tiers,
		limits: limits,
		logger: logger.Named("admission"),
	}
}

// Check returns the admission decision for a user. A tier claim from the
// caller's token takes precedence over the stored tier.
func (a *AdmissionController) Check(ctx context.Context, userID, claimTier string) (model.AdmissionDecision, error) {
	tier := a.resolveTier(ctx, userID, claimTier)

	active, err := a.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return model.AdmissionDecision{}, fmt.Errorf("failed to count active jobs: %w", err)
	}

	decision := TryAdmit(userID, tier, a.limits.For(tier), active)
	if !decision.Admitted {
		a.logger.Info("admission denied",
			zap.String("userId", userID),
			zap.String("tier", string(tier)),
			zap.Int("current", decision.CurrentCount),
			zap.Int("limit", decision.Limit),
		)
	}
	return decision, nil
}

func (a *AdmissionController) resolveTier(ctx context.Context, userID, claimTier string) model.Tier {
	if claimTier != "" {
		return model.ParseTier(claimTier)
	}
	if a.tiers == nil {
		return model.TierStandard
	}
	tier, err := a.tiers.ResolveTier(ctx, userID)
	if err != nil {
		a.logger.Warn("tier lookup failed, using standard", zap.String("userId", userID), zap.Error(err))
		return model.TierStandard
	}
	return tier
}
