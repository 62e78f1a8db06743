package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Dimensions are optional business tags on a posting.
type Dimensions struct {
	PropertyID string `json:"property_id,omitempty" yaml:"property_id"`
	UnitID     string `json:"unit_id,omitempty"     yaml:"unit_id"`
	TenantID   string `json:"tenant_id,omitempty"   yaml:"tenant_id"`
	VendorID   string `json:"vendor_id,omitempty"   yaml:"vendor_id"`
	OwnerID    string `json:"owner_id,omitempty"    yaml:"owner_id"`
}

// IsZero reports whether no tag is set.
func (d Dimensions) IsZero() bool {
	return d == Dimensions{}
}

// Key returns the canonical key of the dimension tuple. Unset tags are omitted
// so that {property=p1} and {property=p1, unit=""} share one balance row.
func (d Dimensions) Key() string {
	parts := make([]string, 0, 5)
	add := func(name, v string) {
		if v != "" {
			parts = append(parts, name+"="+v)
		}
	}
	add("property", d.PropertyID)
	add("unit", d.UnitID)
	add("tenant", d.TenantID)
	add("vendor", d.VendorID)
	add("owner", d.OwnerID)
	return strings.Join(parts, "|")
}

// AccountBalance is the materialized running total of an account.
type AccountBalance struct {
	AccountID string
	Balance   decimal.Decimal
	Version   int64
	UpdatedAt time.Time
}

// DimensionalBalance is the running total of an account scoped to a
// dimension tuple.
type DimensionalBalance struct {
	AccountID    string
	Dimensions   Dimensions
	DimensionKey string
	Balance      decimal.Decimal
	Version      int64
	UpdatedAt    time.Time
}
