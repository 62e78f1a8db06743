package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iho/sagaledger/internal/domain"
)

// ComplianceRepository implements usecase.ComplianceLookup and
// usecase.AuthorizationLookup on the compliance tables.
type ComplianceRepository struct {
	db Querier
}

// NewComplianceRepository creates a new ComplianceRepository.
func NewComplianceRepository(db Querier) *ComplianceRepository {
	return &ComplianceRepository{db: db}
}

// GetValue returns the value of the rule covering q. Organization rules win
// over jurisdiction-wide ones, then the latest effective interval wins.
func (r *ComplianceRepository) GetValue(ctx context.Context, q domain.RuleQuery) (string, error) {
	var value string
	err := r.db.QueryRow(ctx, `
		SELECT value FROM compliance_rules
		WHERE jurisdiction = $1 AND rule_type = $2 AND rule_key = $3
		  AND (organization_id = '' OR organization_id = $4)
		  AND effective_from <= $5
		  AND (effective_to IS NULL OR effective_to > $5)
		ORDER BY (organization_id <> '') DESC, effective_from DESC
		LIMIT 1`,
		q.Jurisdiction, q.RuleType, q.RuleKey, q.OrganizationID, q.AsOf,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s/%s in %q", domain.ErrNoRuleFound, q.RuleType, q.RuleKey, q.Jurisdiction)
		}
		return "", err
	}
	return value, nil
}

// HasActiveAuthorization reports whether an authorization of kind covers the property at t.
func (r *ComplianceRepository) HasActiveAuthorization(ctx context.Context, orgID, kind, propertyID string, at time.Time) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sweep_authorizations
			WHERE organization_id = $1 AND kind = $2
			  AND (property_id = '' OR property_id = $3)
			  AND valid_from <= $4
			  AND (valid_to IS NULL OR valid_to > $4)
			  AND (revoked_at IS NULL OR revoked_at > $4)
		)`, orgID, kind, propertyID, at).Scan(&ok)
	return ok, err
}

// UpsertRule inserts or replaces a rule by id.
func (r *ComplianceRepository) UpsertRule(ctx context.Context, rule *domain.ComplianceRule) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO compliance_rules (
			id, organization_id, jurisdiction, rule_type, rule_key, value, effective_from, effective_to
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET organization_id = EXCLUDED.organization_id,
		    jurisdiction = EXCLUDED.jurisdiction,
		    rule_type = EXCLUDED.rule_type,
		    rule_key = EXCLUDED.rule_key,
		    value = EXCLUDED.value,
		    effective_from = EXCLUDED.effective_from,
		    effective_to = EXCLUDED.effective_to`,
		rule.ID, rule.OrganizationID, rule.Jurisdiction, rule.RuleType, rule.RuleKey,
		rule.Value, rule.EffectiveFrom, rule.EffectiveTo,
	)
	return err
}

// UpsertAuthorization inserts or replaces an authorization by id.
func (r *ComplianceRepository) UpsertAuthorization(ctx context.Context, auth *domain.SweepAuthorization) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sweep_authorizations (
			id, organization_id, kind, property_id, valid_from, valid_to, revoked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET organization_id = EXCLUDED.organization_id,
		    kind = EXCLUDED.kind,
		    property_id = EXCLUDED.property_id,
		    valid_from = EXCLUDED.valid_from,
		    valid_to = EXCLUDED.valid_to,
		    revoked_at = EXCLUDED.revoked_at`,
		auth.ID, auth.OrganizationID, auth.Kind, auth.PropertyID, auth.ValidFrom, auth.ValidTo, auth.RevokedAt,
	)
	return err
}
