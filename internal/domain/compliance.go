package domain

import "time"

// Rule types and keys read by sweeps.
const (
	RuleTypeSweep = "sweep"
	RuleTypeTrust = "trust"

	RuleKeyMinSweepAmount          = "min_sweep_amount"
	RuleKeyOwnerReserveMinimum     = "owner_reserve_minimum"
	RuleKeyMinimumOperatingBalance = "minimum_operating_balance"
)

// RuleQuery locates one time-versioned compliance value.
type RuleQuery struct {
	OrganizationID string
	Jurisdiction   string
	RuleType       string
	RuleKey        string
	AsOf           time.Time
}

// ComplianceRule is a rule value valid over [EffectiveFrom, EffectiveTo).
// An empty OrganizationID applies to every organization in the jurisdiction.
type ComplianceRule struct {
	ID             string     `yaml:"id"`
	OrganizationID string     `yaml:"organization_id"`
	Jurisdiction   string     `yaml:"jurisdiction"`
	RuleType       string     `yaml:"rule_type"`
	RuleKey        string     `yaml:"rule_key"`
	Value          string     `yaml:"value"`
	EffectiveFrom  time.Time  `yaml:"effective_from"`
	EffectiveTo    *time.Time `yaml:"effective_to"`
}

// Covers reports whether the rule answers q.
func (r *ComplianceRule) Covers(q RuleQuery) bool {
	if r.Jurisdiction != q.Jurisdiction || r.RuleType != q.RuleType || r.RuleKey != q.RuleKey {
		return false
	}
	if r.OrganizationID != "" && r.OrganizationID != q.OrganizationID {
		return false
	}
	if q.AsOf.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || q.AsOf.Before(*r.EffectiveTo)
}

// SelectRule picks the best rule for q: organization-specific rules win over
// jurisdiction-wide ones, then the latest EffectiveFrom wins.
func SelectRule(rules []*ComplianceRule, q RuleQuery) (*ComplianceRule, bool) {
	var best *ComplianceRule
	for _, r := range rules {
		if !r.Covers(q) {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		if (r.OrganizationID != "") != (best.OrganizationID != "") {
			if r.OrganizationID != "" {
				best = r
			}
			continue
		}
		if r.EffectiveFrom.After(best.EffectiveFrom) {
			best = r
		}
	}
	return best, best != nil
}

// AuthorizationKindOperatingDeficit authorizes trust funds to cover an
// operating account shortfall.
const AuthorizationKindOperatingDeficit = "operating_deficit"

// SweepAuthorization is a standing approval for a sweep kind.
type SweepAuthorization struct {
	ID             string     `yaml:"id"`
	OrganizationID string     `yaml:"organization_id"`
	Kind           string     `yaml:"kind"`
	PropertyID     string     `yaml:"property_id"`
	ValidFrom      time.Time  `yaml:"valid_from"`
	ValidTo        *time.Time `yaml:"valid_to"`
	RevokedAt      *time.Time `yaml:"revoked_at"`
}

// ActiveAt reports whether the authorization is in force at t.
func (a *SweepAuthorization) ActiveAt(t time.Time) bool {
	if a.RevokedAt != nil && !t.Before(*a.RevokedAt) {
		return false
	}
	if t.Before(a.ValidFrom) {
		return false
	}
	return a.ValidTo == nil || t.Before(*a.ValidTo)
}
