package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/iho/sagaledger/internal/domain"
)

// AccountUseCase handles the chart of accounts.
type AccountUseCase struct {
	txManager   TransactionManager
	accountRepo AccountRepository
	idGen       IDGenerator
	now         func() time.Time
}

// NewAccountUseCase creates a new AccountUseCase.
func NewAccountUseCase(txManager TransactionManager, accountRepo AccountRepository, idGen IDGenerator) *AccountUseCase {
	return &AccountUseCase{
		txManager:   txManager,
		accountRepo: accountRepo,
		idGen:       idGen,
		now:         time.Now,
	}
}

// CreateAccountInput represents input for creating an account.
type CreateAccountInput struct {
	ID                   string
	OrganizationID       string
	Name                 string
	Kind                 domain.AccountKind
	Currency             string
	BankAccountID        string
	AllowNegativeBalance bool
}

// CreateAccount creates an account with a zero balance.
func (uc *AccountUseCase) CreateAccount(ctx context.Context, input CreateAccountInput) (*domain.Account, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("account name is required")
	}
	if input.Kind == "" {
		return nil, fmt.Errorf("account kind is required")
	}

	id := input.ID
	if id == "" {
		id = uc.idGen.Generate()
	}

	now := uc.now().UTC()
	account := &domain.Account{
		ID:                   id,
		OrganizationID:       input.OrganizationID,
		Name:                 input.Name,
		Kind:                 input.Kind,
		Currency:             input.Currency,
		BankAccountID:        input.BankAccountID,
		AllowNegativeBalance: input.AllowNegativeBalance,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	if err := uc.accountRepo.Create(txCtx, tx, account); err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	return account, nil
}

// GetAccount retrieves an account by ID.
func (uc *AccountUseCase) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return uc.accountRepo.GetByID(ctx, id)
}
