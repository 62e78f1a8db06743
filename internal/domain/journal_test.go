package domain

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func postings(amounts ...string) []PostingInput {
	out := make([]PostingInput, len(amounts))
	for i, a := range amounts {
		out[i] = PostingInput{AccountID: string(rune('a' + i)), Amount: decimal.RequireFromString(a)}
	}
	return out
}

func TestValidatePostings(t *testing.T) {
	tests := []struct {
		name    string
		input   []PostingInput
		wantErr error
	}{
		{name: "balanced pair", input: postings("1000.00", "-1000.00")},
		{name: "balanced three way", input: postings("10", "-4", "-6")},
		{name: "single posting", input: postings("10"), wantErr: ErrUnbalancedEntry},
		{name: "off by a cent", input: postings("1000.00", "-999.99"), wantErr: ErrUnbalancedEntry},
		{name: "zero amount line", input: postings("0", "5", "-5"), wantErr: ErrZeroAmountPosting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePostings(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestJournalEntry_NegatedPostings(t *testing.T) {
	e := &JournalEntry{Postings: []*JournalPosting{
		{AccountID: "cash", Amount: decimal.NewFromInt(1000), Dimensions: Dimensions{PropertyID: "p1"}},
		{AccountID: "revenue", Amount: decimal.NewFromInt(-1000)},
	}}

	neg := e.NegatedPostings()
	if len(neg) != 2 {
		t.Fatalf("expected 2 postings, got %d", len(neg))
	}
	if !neg[0].Amount.Equal(decimal.NewFromInt(-1000)) || neg[0].Dimensions.PropertyID != "p1" {
		t.Fatalf("unexpected first posting %+v", neg[0])
	}
	if !neg[1].Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected second posting %+v", neg[1])
	}
	if err := ValidatePostings(neg); err != nil {
		t.Fatalf("negation should stay balanced: %v", err)
	}
}

func TestJournalEntry_AccountIDs(t *testing.T) {
	e := &JournalEntry{Postings: []*JournalPosting{
		{AccountID: "revenue"}, {AccountID: "cash"}, {AccountID: "revenue"},
	}}
	got := e.AccountIDs()
	if !reflect.DeepEqual(got, []string{"cash", "revenue"}) {
		t.Fatalf("unexpected lock order %v", got)
	}
}

func TestEntryPatch_ForbiddenFields(t *testing.T) {
	desc := "changed"
	rev := "rev-1"
	yes := true

	tests := []struct {
		name   string
		entry  *JournalEntry
		patch  EntryPatch
		expect []string
	}{
		{
			name:   "set reversed by once",
			entry:  &JournalEntry{},
			patch:  EntryPatch{ReversedByEntryID: &rev},
			expect: nil,
		},
		{
			name:   "set reversed by twice",
			entry:  &JournalEntry{ReversedByEntryID: &rev},
			patch:  EntryPatch{ReversedByEntryID: &rev},
			expect: []string{"reversed_by_entry_id"},
		},
		{
			name:   "description and postings",
			entry:  &JournalEntry{},
			patch:  EntryPatch{Description: &desc, Postings: []PostingInput{}},
			expect: []string{"description", "postings"},
		},
		{
			name:   "void through patch",
			entry:  &JournalEntry{},
			patch:  EntryPatch{IsVoided: &yes},
			expect: []string{"is_voided"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.patch.ForbiddenFields(tt.entry)
			if !reflect.DeepEqual(got, tt.expect) {
				t.Fatalf("expected %v, got %v", tt.expect, got)
			}
		})
	}
}

func TestImmutabilityError(t *testing.T) {
	err := error(&ImmutabilityError{EntryID: "e1", Fields: []string{"description"}})
	if !errors.Is(err, ErrImmutabilityViolation) {
		t.Fatal("expected ImmutabilityError to match ErrImmutabilityViolation")
	}

	var ie *ImmutabilityError
	if !errors.As(err, &ie) || ie.Fields[0] != "description" {
		t.Fatalf("expected field list, got %v", err)
	}
}

func TestDimensions_Key(t *testing.T) {
	tests := []struct {
		dims Dimensions
		want string
	}{
		{Dimensions{}, ""},
		{Dimensions{PropertyID: "p1"}, "property=p1"},
		{Dimensions{PropertyID: "p1", TenantID: "t9", OwnerID: "o2"}, "property=p1|tenant=t9|owner=o2"},
	}

	for _, tt := range tests {
		if got := tt.dims.Key(); got != tt.want {
			t.Errorf("Key(%+v) = %q, want %q", tt.dims, got, tt.want)
		}
	}
}
