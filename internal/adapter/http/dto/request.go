package dto

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

var validate = validator.New()

// Validate checks the struct tags of req and returns the failing fields
// keyed by their Go field name. It returns nil when req is valid.
func Validate(req any) map[string]string {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"request": err.Error()}
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	return fields
}

// CreateAccountRequest represents a request to create an account.
type CreateAccountRequest struct {
	ID                   string `json:"id,omitempty"`
	OrganizationID       string `json:"organization_id"`
	Name                 string `json:"name" validate:"required,max=200"`
	Kind                 string `json:"kind" validate:"required,oneof=trust operating owner fee_income deposit revenue expense cash clearing"`
	Currency             string `json:"currency" validate:"omitempty,len=3"`
	BankAccountID        string `json:"bank_account_id,omitempty"`
	AllowNegativeBalance bool   `json:"allow_negative_balance"`
}

// ToUseCaseInput converts to use case input.
func (r *CreateAccountRequest) ToUseCaseInput() usecase.CreateAccountInput {
	return usecase.CreateAccountInput{
		ID:                   r.ID,
		OrganizationID:       r.OrganizationID,
		Name:                 r.Name,
		Kind:                 domain.AccountKind(r.Kind),
		Currency:             r.Currency,
		BankAccountID:        r.BankAccountID,
		AllowNegativeBalance: r.AllowNegativeBalance,
	}
}

// PostingRequest is one line of a CreateEntryRequest.
type PostingRequest struct {
	AccountID  string            `json:"account_id" validate:"required"`
	Amount     decimal.Decimal   `json:"amount"`
	Dimensions domain.Dimensions `json:"dimensions"`
}

// CreateEntryRequest represents a request to post a journal entry.
type CreateEntryRequest struct {
	OrganizationID string           `json:"organization_id"`
	PeriodID       string           `json:"period_id,omitempty"`
	Description    string           `json:"description" validate:"required,max=500"`
	EntryDate      *time.Time       `json:"entry_date,omitempty"`
	EffectiveDate  *time.Time       `json:"effective_date,omitempty"`
	Postings       []PostingRequest `json:"postings" validate:"required,min=2,dive"`
	SourceType     string           `json:"source_type,omitempty"`
	SourceID       string           `json:"source_id,omitempty"`
}

// ToUseCaseInput converts to use case input. The idempotency key comes from
// the request header, the actor from the request context.
func (r *CreateEntryRequest) ToUseCaseInput(actor domain.Actor, idempotencyKey string) usecase.CreateEntryInput {
	postings := make([]domain.PostingInput, len(r.Postings))
	for i, p := range r.Postings {
		postings[i] = domain.PostingInput{
			AccountID:  p.AccountID,
			Amount:     p.Amount,
			Dimensions: p.Dimensions,
		}
	}

	in := usecase.CreateEntryInput{
		OrganizationID: r.OrganizationID,
		PeriodID:       r.PeriodID,
		Description:    r.Description,
		Postings:       postings,
		Actor:          actor,
		IdempotencyKey: idempotencyKey,
		Source:         domain.SourceRef{Type: r.SourceType, ID: r.SourceID},
	}
	if r.EntryDate != nil {
		in.EntryDate = *r.EntryDate
	}
	if r.EffectiveDate != nil {
		in.EffectiveDate = *r.EffectiveDate
	}
	return in
}

// ReasonRequest carries the mandatory reason of a reversal or a void.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// StartSweepRequest represents a request to start a fund sweep saga.
type StartSweepRequest struct {
	SweepType            string     `json:"sweep_type" validate:"required,oneof=management_fee owner_reserve security_deposit operating_deficit"`
	OrganizationID       string     `json:"organization_id"`
	Jurisdiction         string     `json:"jurisdiction" validate:"required"`
	SourceAccountID      string     `json:"source_account_id" validate:"required"`
	DestinationAccountID string     `json:"destination_account_id" validate:"required,nefield=SourceAccountID"`
	AsOf                 *time.Time `json:"as_of,omitempty"`
	TimeoutSeconds       int        `json:"timeout_seconds,omitempty" validate:"gte=0"`
}

// ToSweepRequest converts to the sweep workflow request.
func (r *StartSweepRequest) ToSweepRequest(actor domain.Actor) usecase.SweepRequest {
	req := usecase.SweepRequest{
		SweepType:            domain.SweepType(r.SweepType),
		OrganizationID:       r.OrganizationID,
		Jurisdiction:         r.Jurisdiction,
		SourceAccountID:      r.SourceAccountID,
		DestinationAccountID: r.DestinationAccountID,
		Actor:                actor,
	}
	if r.AsOf != nil {
		req.AsOf = *r.AsOf
	}
	return req
}

// Timeout returns the requested saga deadline, zero for the default.
func (r *StartSweepRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}
