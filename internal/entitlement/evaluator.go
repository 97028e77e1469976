package entitlement

import (
	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	"github.com/smallbiznis/kredit/internal/config"
	registrydomain "github.com/smallbiznis/kredit/internal/registry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// DeniedReason is the machine-readable reason on a refused action. Denials
// are results, not errors: callers branch on the reason, collaborators get
// it verbatim in events.
type DeniedReason string

const (
	ReasonInsufficientCredits DeniedReason = "insufficient_credits"
	ReasonFeatureNotAvailable DeniedReason = "feature_not_available"
	ReasonCapExceeded         DeniedReason = "cap_exceeded"
	ReasonGraceBlocked        DeniedReason = "grace_blocked"
)

// Decision is the evaluator verdict for one action against one snapshot.
type Decision struct {
	Allowed bool
	Reason  DeniedReason

	// CapPeriod and CapLimit describe which window refused the action when
	// Reason is cap_exceeded.
	CapPeriod accountdomain.CounterPeriod
	CapLimit  int64

	// Shortfall is how many credits were missing when Reason is
	// insufficient_credits.
	Shortfall int64
}

var allowed = Decision{Allowed: true}

func denied(reason DeniedReason) Decision {
	return Decision{Reason: reason}
}

type Params struct {
	fx.In

	Log       *zap.Logger
	CreditCfg *config.CreditConfigHolder
}

// Evaluator applies the gating rules in order against a loaded snapshot.
// It reads nothing and writes nothing: same snapshot, same verdict.
type Evaluator struct {
	log       *zap.Logger
	creditCfg *config.CreditConfigHolder
}

func New(p Params) *Evaluator {
	return &Evaluator{
		log:       p.Log.Named("entitlement.evaluator"),
		creditCfg: p.CreditCfg,
	}
}

// Evaluate runs the checks in order and short-circuits on the first refusal:
// blocked category, category caps, minimum-balance buffer, blocked grace
// state. Free actions pass every balance gate but still hit category rules.
func (e *Evaluator) Evaluate(snap *accountdomain.Snapshot, def *registrydomain.ActionCostDefinition) Decision {
	cfg := e.creditCfg.Get()
	account := snap.Account
	category := string(def.Category)

	if account.Tier == accountdomain.TierFree &&
		(def.BlockedOnFreeTier || cfg.IsBlockedOnFreeTier(category)) {
		return denied(ReasonFeatureNotAvailable)
	}

	if account.Tier == accountdomain.TierFree {
		if cap, ok := cfg.CapFor(category); ok {
			if cap.Daily > 0 && snap.DailyCount >= cap.Daily {
				d := denied(ReasonCapExceeded)
				d.CapPeriod = accountdomain.CounterPeriodDaily
				d.CapLimit = cap.Daily
				return d
			}
			if cap.Monthly > 0 && snap.MonthlyCount >= cap.Monthly {
				d := denied(ReasonCapExceeded)
				d.CapPeriod = accountdomain.CounterPeriodMonthly
				d.CapLimit = cap.Monthly
				return d
			}
		}
	}

	if def.IsFree() {
		// Zero-cost actions never touch the balance, so the remaining
		// gates cannot apply.
		return allowed
	}

	if def.RequiresFullBalance {
		required := def.Cost + bufferFor(cfg.Buffer, def.Cost)
		if account.Balance < required {
			d := denied(ReasonInsufficientCredits)
			d.Shortfall = required - account.Balance
			return d
		}
	}

	if account.GraceState == accountdomain.GraceStateBlocked && !cfg.IsGraceExempt(def.Key) {
		return denied(ReasonGraceBlocked)
	}

	return allowed
}

// AdmitOnGrace reports whether a paid action may run on the grace allowance
// instead of the balance. The budget itself is claimed atomically by the
// caller; this only checks the static gates.
func (e *Evaluator) AdmitOnGrace(def *registrydomain.ActionCostDefinition) bool {
	cfg := e.creditCfg.Get()
	if cfg.IsGraceExcluded(string(def.Category)) {
		return false
	}
	if cfg.Grace.MaxActionCost > 0 && def.Cost > cfg.Grace.MaxActionCost {
		return false
	}
	return true
}

func bufferFor(b config.BufferConfig, cost int64) int64 {
	pct := int64(float64(cost) * b.Percent)
	if b.Floor > pct {
		return b.Floor
	}
	return pct
}
