package compliance

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/iho/sagaledger/internal/domain"
)

// Document is the on-disk layout of a compliance file.
type Document struct {
	Rules          []*domain.ComplianceRule     `yaml:"rules"`
	Authorizations []*domain.SweepAuthorization `yaml:"authorizations"`
}

// Validate checks that every rule and authorization can be looked up.
func (d *Document) Validate() error {
	seen := make(map[string]struct{}, len(d.Rules))
	for i, r := range d.Rules {
		switch {
		case r.ID == "":
			return fmt.Errorf("rules[%d]: id is required", i)
		case r.Jurisdiction == "" || r.RuleType == "" || r.RuleKey == "":
			return fmt.Errorf("rule %s: jurisdiction, rule_type and rule_key are required", r.ID)
		case r.EffectiveFrom.IsZero():
			return fmt.Errorf("rule %s: effective_from is required", r.ID)
		case r.EffectiveTo != nil && !r.EffectiveTo.After(r.EffectiveFrom):
			return fmt.Errorf("rule %s: effective_to must be after effective_from", r.ID)
		}
		if _, err := decimal.NewFromString(r.Value); err != nil {
			return fmt.Errorf("rule %s: value %q is not a number", r.ID, r.Value)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	for i, a := range d.Authorizations {
		if a.ID == "" || a.OrganizationID == "" || a.Kind == "" {
			return fmt.Errorf("authorizations[%d]: id, organization_id and kind are required", i)
		}
		if a.ValidFrom.IsZero() {
			return fmt.Errorf("authorization %s: valid_from is required", a.ID)
		}
	}
	return nil
}

// LoadDocument reads and validates a YAML compliance file.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compliance file: %w", err)
	}

	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse compliance file: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid compliance file: %w", err)
	}
	return doc, nil
}

// FileStore answers compliance lookups from a loaded Document. It is
// read-only after construction.
type FileStore struct {
	rules []*domain.ComplianceRule
	auths []*domain.SweepAuthorization
}

// NewFileStore serves the rules and authorizations of doc.
func NewFileStore(doc *Document) *FileStore {
	return &FileStore{rules: doc.Rules, auths: doc.Authorizations}
}

// OpenFile loads path into a FileStore.
func OpenFile(path string) (*FileStore, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	return NewFileStore(doc), nil
}

// GetValue implements usecase.ComplianceLookup.
func (s *FileStore) GetValue(_ context.Context, q domain.RuleQuery) (string, error) {
	rule, ok := domain.SelectRule(s.rules, q)
	if !ok {
		return "", fmt.Errorf("%w: %s/%s in %q", domain.ErrNoRuleFound, q.RuleType, q.RuleKey, q.Jurisdiction)
	}
	return rule.Value, nil
}

// HasActiveAuthorization implements usecase.AuthorizationLookup.
func (s *FileStore) HasActiveAuthorization(_ context.Context, orgID, kind, propertyID string, at time.Time) (bool, error) {
	for _, a := range s.auths {
		if a.OrganizationID != orgID || a.Kind != kind {
			continue
		}
		if a.PropertyID != "" && a.PropertyID != propertyID {
			continue
		}
		if a.ActiveAt(at) {
			return true, nil
		}
	}
	return false, nil
}
