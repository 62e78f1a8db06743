package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/iho/sagaledger/internal/domain"
)

// ComplianceRepository implements usecase.ComplianceLookup and
// usecase.AuthorizationLookup.
type ComplianceRepository struct {
	store *Store
}

// NewComplianceRepository creates a new ComplianceRepository.
func NewComplianceRepository(store *Store) *ComplianceRepository {
	return &ComplianceRepository{store: store}
}

// AddRule stores a compliance rule.
func (r *ComplianceRepository) AddRule(rule *domain.ComplianceRule) {
	c := *rule
	r.store.read(func() { r.store.rules = append(r.store.rules, &c) })
}

// AddAuthorization stores a sweep authorization.
func (r *ComplianceRepository) AddAuthorization(auth *domain.SweepAuthorization) {
	c := *auth
	r.store.read(func() { r.store.authorizations = append(r.store.authorizations, &c) })
}

// RevokeAuthorization sets the revocation time of an authorization.
func (r *ComplianceRepository) RevokeAuthorization(id string, at time.Time) error {
	found := false
	r.store.read(func() {
		for _, a := range r.store.authorizations {
			if a.ID == id {
				revoked := at
				a.RevokedAt = &revoked
				found = true
			}
		}
	})
	if !found {
		return fmt.Errorf("authorization %s not found", id)
	}
	return nil
}

// GetValue returns the value of the rule covering q.
func (r *ComplianceRepository) GetValue(_ context.Context, q domain.RuleQuery) (string, error) {
	var (
		rule *domain.ComplianceRule
		ok   bool
	)
	r.store.read(func() { rule, ok = domain.SelectRule(r.store.rules, q) })
	if !ok {
		return "", fmt.Errorf("%w: %s/%s in %q", domain.ErrNoRuleFound, q.RuleType, q.RuleKey, q.Jurisdiction)
	}
	return rule.Value, nil
}

// HasActiveAuthorization reports whether an authorization of kind covers the property at t.
// An authorization without a property covers every property of the organization.
func (r *ComplianceRepository) HasActiveAuthorization(_ context.Context, orgID, kind, propertyID string, at time.Time) (bool, error) {
	active := false
	r.store.read(func() {
		for _, a := range r.store.authorizations {
			if a.OrganizationID != orgID || a.Kind != kind {
				continue
			}
			if a.PropertyID != "" && a.PropertyID != propertyID {
				continue
			}
			if a.ActiveAt(at) {
				active = true
				return
			}
		}
	})
	return active, nil
}
