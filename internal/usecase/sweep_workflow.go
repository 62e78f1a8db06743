package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/logging"
)

// Fund sweep saga.
const (
	SagaNameFundSweep = "fund_sweep"

	StepCalculateSweep     = "CALCULATE_SWEEP"
	StepValidateCompliance = "VALIDATE_COMPLIANCE"
	StepCreateEntries      = "CREATE_ENTRIES"
	StepInitiateTransfer   = "INITIATE_TRANSFER"
	StepReconcile          = "RECONCILE"
)

// SweepSystemActor posts sweep entries when the request carried no actor.
var SweepSystemActor = domain.Actor{ID: "system:sweep"}

// SweepWorkflow computes, validates, posts, transfers and reconciles fund
// sweeps between accounts.
type SweepWorkflow struct {
	ledger         *LedgerUseCase
	reconciler     *ReconciliationUseCase
	accountRepo    AccountRepository
	balanceRepo    BalanceRepository
	compliance     ComplianceLookup
	authorizations AuthorizationLookup
	idGen          IDGenerator
	logger         *slog.Logger
	now            func() time.Time
}

// NewSweepWorkflow creates a new SweepWorkflow.
func NewSweepWorkflow(
	ledger *LedgerUseCase,
	reconciler *ReconciliationUseCase,
	accountRepo AccountRepository,
	balanceRepo BalanceRepository,
	compliance ComplianceLookup,
	authorizations AuthorizationLookup,
	idGen IDGenerator,
) *SweepWorkflow {
	return &SweepWorkflow{
		ledger:         ledger,
		reconciler:     reconciler,
		accountRepo:    accountRepo,
		balanceRepo:    balanceRepo,
		compliance:     compliance,
		authorizations: authorizations,
		idGen:          idGen,
		logger:         slog.Default(),
		now:            time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (w *SweepWorkflow) WithNow(now func() time.Time) {
	if now != nil {
		w.now = now
	}
}

// WithLogger sets the logger.
func (w *SweepWorkflow) WithLogger(logger *slog.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// Definition returns the fund sweep saga definition.
func (w *SweepWorkflow) Definition() *Definition[domain.SweepPayload] {
	return &Definition[domain.SweepPayload]{
		Name:        SagaNameFundSweep,
		PayloadType: domain.PayloadTypeSweep,
		Steps: []string{
			StepCalculateSweep,
			StepValidateCompliance,
			StepCreateEntries,
			StepInitiateTransfer,
			StepReconcile,
		},
		Handlers: map[string]StepFunc[domain.SweepPayload]{
			StepCalculateSweep:     w.calculate,
			StepValidateCompliance: w.validate,
			StepCreateEntries:      w.createEntries,
			StepInitiateTransfer:   w.initiateTransfers,
			StepReconcile:          w.reconcile,
		},
		Compensators: map[string]CompensateFunc[domain.SweepPayload]{
			StepCreateEntries:    w.reverseEntries,
			StepInitiateTransfer: w.cancelTransfers,
		},
		CompletionEvent: domain.EventTypeSweepCompleted,
	}
}

// SweepRequest describes a sweep to start.
type SweepRequest struct {
	SweepType            domain.SweepType
	OrganizationID       string
	Jurisdiction         string
	SourceAccountID      string
	DestinationAccountID string
	AsOf                 time.Time
	Actor                domain.Actor
}

// NewPayload validates req and builds the initial saga payload.
func (w *SweepWorkflow) NewPayload(ctx context.Context, req SweepRequest) (*domain.SweepPayload, error) {
	if !req.SweepType.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSweepType, req.SweepType)
	}
	if req.SourceAccountID == "" || req.DestinationAccountID == "" {
		return nil, fmt.Errorf("%w: source and destination accounts are required", domain.ErrAccountNotFound)
	}
	if req.SourceAccountID == req.DestinationAccountID {
		return nil, fmt.Errorf("sweep source and destination must differ")
	}

	accounts, err := w.accountRepo.GetByIDs(ctx, []string{req.SourceAccountID, req.DestinationAccountID})
	if err != nil {
		return nil, err
	}
	if len(accounts) != 2 {
		return nil, domain.ErrAccountNotFound
	}

	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = w.now()
	}

	return &domain.SweepPayload{
		SweepType:            req.SweepType,
		OrganizationID:       req.OrganizationID,
		Jurisdiction:         req.Jurisdiction,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		AsOf:                 asOf.UTC(),
		Actor:                req.Actor,
	}, nil
}

func (w *SweepWorkflow) calculate(ctx context.Context, _ *StepContext, p *domain.SweepPayload) error {
	var (
		items []domain.SweepItem
		err   error
	)

	switch p.SweepType {
	case domain.SweepTypeManagementFee:
		items, err = w.managementFeeItems(ctx, p)
	case domain.SweepTypeOwnerReserve:
		items, err = w.ownerReserveItems(ctx, p)
	case domain.SweepTypeSecurityDeposit:
		items, err = w.securityDepositItems(ctx, p)
	case domain.SweepTypeOperatingDeficit:
		items, err = w.operatingDeficitItems(ctx, p)
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownSweepType, p.SweepType)
	}
	if err != nil {
		return err
	}

	if len(items) == 0 {
		return domain.ErrNoSweepItems
	}

	p.Items = items
	return nil
}

func (w *SweepWorkflow) managementFeeItems(ctx context.Context, p *domain.SweepPayload) ([]domain.SweepItem, error) {
	minimum, err := w.rule(ctx, p, domain.RuleTypeSweep, domain.RuleKeyMinSweepAmount)
	if err != nil {
		return nil, err
	}

	balance, err := w.balanceRepo.Get(ctx, p.SourceAccountID)
	if err != nil {
		return nil, err
	}

	if !balance.Balance.IsPositive() || balance.Balance.LessThan(minimum) {
		return nil, nil
	}

	return []domain.SweepItem{{
		SourceAccountID:      p.SourceAccountID,
		DestinationAccountID: p.DestinationAccountID,
		Amount:               balance.Balance,
	}}, nil
}

func (w *SweepWorkflow) ownerReserveItems(ctx context.Context, p *domain.SweepPayload) ([]domain.SweepItem, error) {
	reserve, err := w.rule(ctx, p, domain.RuleTypeTrust, domain.RuleKeyOwnerReserveMinimum)
	if err != nil {
		return nil, err
	}

	rows, err := w.dimensionalRows(ctx, p.SourceAccountID)
	if err != nil {
		return nil, err
	}

	var items []domain.SweepItem
	for _, row := range rows {
		if row.Dimensions.OwnerID == "" {
			continue
		}
		excess := row.Balance.Sub(reserve)
		if excess.IsPositive() {
			items = append(items, domain.SweepItem{
				SourceAccountID:      p.SourceAccountID,
				DestinationAccountID: p.DestinationAccountID,
				Amount:               excess,
				Dimensions:           row.Dimensions,
			})
		}
	}
	return items, nil
}

func (w *SweepWorkflow) securityDepositItems(ctx context.Context, p *domain.SweepPayload) ([]domain.SweepItem, error) {
	rows, err := w.dimensionalRows(ctx, p.SourceAccountID)
	if err != nil {
		return nil, err
	}

	var items []domain.SweepItem
	for _, row := range rows {
		if row.Dimensions.TenantID == "" || !row.Balance.IsPositive() {
			continue
		}
		items = append(items, domain.SweepItem{
			SourceAccountID:      p.SourceAccountID,
			DestinationAccountID: p.DestinationAccountID,
			Amount:               row.Balance,
			Dimensions:           row.Dimensions,
		})
	}
	return items, nil
}

func (w *SweepWorkflow) operatingDeficitItems(ctx context.Context, p *domain.SweepPayload) ([]domain.SweepItem, error) {
	minimum, err := w.rule(ctx, p, domain.RuleTypeTrust, domain.RuleKeyMinimumOperatingBalance)
	if err != nil {
		return nil, err
	}

	rows, err := w.dimensionalRows(ctx, p.DestinationAccountID)
	if err != nil {
		return nil, err
	}

	var items []domain.SweepItem
	for _, row := range rows {
		if row.Dimensions.PropertyID == "" {
			continue
		}
		deficit := minimum.Sub(row.Balance)
		if deficit.IsPositive() {
			items = append(items, domain.SweepItem{
				SourceAccountID:      p.SourceAccountID,
				DestinationAccountID: p.DestinationAccountID,
				Amount:               deficit,
				Dimensions:           row.Dimensions,
			})
		}
	}
	return items, nil
}

// validate rejects sweeps that would overdraw a trust account or one of its
// dimensional balances, and deficit coverage without authorization.
func (w *SweepWorkflow) validate(ctx context.Context, _ *StepContext, p *domain.SweepPayload) error {
	if len(p.Items) == 0 {
		return domain.ErrNoSweepItems
	}

	outflow := map[string]decimal.Decimal{}
	dimOutflow := map[string]map[string]decimal.Decimal{}
	for _, item := range p.Items {
		outflow[item.SourceAccountID] = outflow[item.SourceAccountID].Add(item.Amount)
		if !item.Dimensions.IsZero() {
			if dimOutflow[item.SourceAccountID] == nil {
				dimOutflow[item.SourceAccountID] = map[string]decimal.Decimal{}
			}
			key := item.Dimensions.Key()
			dimOutflow[item.SourceAccountID][key] = dimOutflow[item.SourceAccountID][key].Add(item.Amount)
		}
	}

	sources := make([]string, 0, len(outflow))
	for id := range outflow {
		sources = append(sources, id)
	}
	sort.Strings(sources)

	for _, id := range sources {
		account, err := w.accountRepo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !account.IsTrust() {
			continue
		}

		balance, err := w.balanceRepo.Get(ctx, id)
		if err != nil {
			return err
		}
		if projected := balance.Balance.Sub(outflow[id]); projected.IsNegative() {
			return fmt.Errorf("%w: account %s would be %s", domain.ErrTrustNegativeViolation, id, projected)
		}

		if len(dimOutflow[id]) == 0 {
			continue
		}
		rows, err := w.balanceRepo.ListDimensional(ctx, id)
		if err != nil {
			return err
		}
		current := make(map[string]decimal.Decimal, len(rows))
		for _, row := range rows {
			current[row.DimensionKey] = row.Balance
		}
		for key, out := range dimOutflow[id] {
			if projected := current[key].Sub(out); projected.IsNegative() {
				return fmt.Errorf("%w: account %s [%s] would be %s", domain.ErrTrustNegativeViolation, id, key, projected)
			}
		}
	}

	if p.SweepType == domain.SweepTypeOperatingDeficit {
		for _, item := range p.Items {
			ok, err := w.authorizations.HasActiveAuthorization(ctx, p.OrganizationID, domain.AuthorizationKindOperatingDeficit, item.Dimensions.PropertyID, p.AsOf)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: property %q", domain.ErrAuthorizationRequired, item.Dimensions.PropertyID)
			}
		}
	}

	return nil
}

func (w *SweepWorkflow) createEntries(ctx context.Context, sc *StepContext, p *domain.SweepPayload) error {
	for i := range p.Items {
		if err := w.postItem(ctx, sc, p, i); err != nil {
			return err
		}
	}
	return nil
}

// postItem posts the entry of item i unless one is already recorded. The
// entry id is recorded on the payload as soon as it exists.
func (w *SweepWorkflow) postItem(ctx context.Context, sc *StepContext, p *domain.SweepPayload, i int) error {
	if _, ok := p.EntryFor(i); ok {
		return nil
	}

	item := p.Items[i]
	result, err := w.ledger.CreateEntry(ctx, CreateEntryInput{
		OrganizationID: p.OrganizationID,
		Description:    fmt.Sprintf("%s sweep item %d", p.SweepType, i+1),
		EntryDate:      p.AsOf,
		EffectiveDate:  p.AsOf,
		Postings: []domain.PostingInput{
			{AccountID: item.SourceAccountID, Amount: item.Amount.Neg(), Dimensions: item.Dimensions},
			{AccountID: item.DestinationAccountID, Amount: item.Amount, Dimensions: item.Dimensions},
		},
		Actor:          sweepActor(p),
		IdempotencyKey: SweepItemKey(sc.SagaID, i),
		TraceID:        sc.TraceID,
		Source:         domain.SourceRef{Type: domain.ResourceTypeSaga, ID: sc.SagaID},
	})
	if err != nil {
		return fmt.Errorf("post sweep item %d: %w", i, err)
	}

	p.Entries = append(p.Entries, domain.SweepEntryRef{Item: i, EntryID: result.Entry.ID})
	return nil
}

// initiateTransfers queues one initiate event per cross-bank item. Refs reach
// the payload only when the whole step succeeds: a failed step's events are
// discarded, and cancelTransfers must not name a transfer that was never sent.
func (w *SweepWorkflow) initiateTransfers(ctx context.Context, sc *StepContext, p *domain.SweepPayload) error {
	var pending []domain.TransferRef
	for i, item := range p.Items {
		if _, ok := p.TransferFor(i); ok {
			continue
		}

		accounts, err := w.accountRepo.GetByIDs(ctx, []string{item.SourceAccountID, item.DestinationAccountID})
		if err != nil {
			return err
		}
		byID := make(map[string]*domain.Account, len(accounts))
		for _, a := range accounts {
			byID[a.ID] = a
		}
		from, to := byID[item.SourceAccountID], byID[item.DestinationAccountID]
		if from == nil || to == nil {
			return domain.ErrAccountNotFound
		}
		if domain.SameBank(from, to) {
			continue
		}

		ref := domain.TransferRef{
			Item:              i,
			TransferID:        w.idGen.Generate(),
			Amount:            item.Amount,
			FromBankAccountID: from.BankAccountID,
			ToBankAccountID:   to.BankAccountID,
		}
		pending = append(pending, ref)

		sc.Emit(EmitInput{
			EventType:     domain.EventTypeBankTransferInitiate,
			AggregateType: domain.AggregateTypeBankTransfer,
			AggregateID:   ref.TransferID,
			Payload: domain.BankTransferInitiateEvent{
				TransferID:        ref.TransferID,
				Amount:            ref.Amount.StringFixed(2),
				EffectiveDate:     p.AsOf.Format(time.DateOnly),
				FromBankAccountID: ref.FromBankAccountID,
				ToBankAccountID:   ref.ToBankAccountID,
				SagaID:            sc.SagaID,
			},
		})
	}
	p.Transfers = append(p.Transfers, pending...)
	return nil
}

// reconcile checks every posted entry against its item and every touched
// account's cached balances against its posting history.
func (w *SweepWorkflow) reconcile(ctx context.Context, _ *StepContext, p *domain.SweepPayload) error {
	var mismatches []string
	accountSet := map[string]struct{}{}

	for i, item := range p.Items {
		accountSet[item.SourceAccountID] = struct{}{}
		accountSet[item.DestinationAccountID] = struct{}{}

		entryID, ok := p.EntryFor(i)
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("item %d: no entry posted", i))
			continue
		}

		entry, err := w.ledger.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.IsVoided {
			mismatches = append(mismatches, fmt.Sprintf("item %d: entry %s is voided", i, entry.ID))
		}
		if entry.ReversedByEntryID != nil {
			mismatches = append(mismatches, fmt.Sprintf("item %d: entry %s is reversed", i, entry.ID))
		}
		if !postingsMatchItem(entry, item) {
			mismatches = append(mismatches, fmt.Sprintf("item %d: entry %s postings differ from item", i, entry.ID))
		}
	}

	accounts := make([]string, 0, len(accountSet))
	for id := range accountSet {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)

	results, err := w.reconciler.ReconcileAccounts(ctx, accounts)
	if err != nil {
		return err
	}
	for _, r := range results {
		if !r.Difference.IsZero() {
			mismatches = append(mismatches, fmt.Sprintf("account %s: cached %s, recomputed %s", r.AccountID, r.RecordedBalance, r.CalculatedBalance))
		}
		for _, key := range r.DimensionMismatches {
			mismatches = append(mismatches, fmt.Sprintf("account %s [%s]: dimensional balance differs", r.AccountID, key))
		}
	}

	p.Reconciliation = &domain.ReconciliationResult{
		Passed:     len(mismatches) == 0,
		CheckedAt:  w.now().UTC(),
		Accounts:   accounts,
		Mismatches: mismatches,
	}

	if len(mismatches) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrReconciliationMismatch, strings.Join(mismatches, "; "))
	}
	return nil
}

// reverseEntries reverses every recorded entry, newest first. An entry that
// is already reversed counts as compensated.
func (w *SweepWorkflow) reverseEntries(ctx context.Context, sc *StepContext, p *domain.SweepPayload) error {
	log := logging.FromContext(ctx, w.logger)

	var errs []error
	for i := len(p.Entries) - 1; i >= 0; i-- {
		ref := p.Entries[i]
		reversal, err := w.ledger.ReverseEntry(ctx, ReverseEntryInput{
			EntryID: ref.EntryID,
			Reason:  fmt.Sprintf("compensation of saga %s", sc.SagaID),
			Actor:   sweepActor(p),
			TraceID: sc.TraceID,
		})
		switch {
		case errors.Is(err, domain.ErrAlreadyReversed):
			log.Debug("sweep entry already reversed", "entry_id", ref.EntryID)
		case err != nil:
			errs = append(errs, fmt.Errorf("reverse entry %s: %w", ref.EntryID, err))
		default:
			log.Info("sweep entry reversed", "entry_id", ref.EntryID, "reversal_id", reversal.ID)
		}
	}
	return errors.Join(errs...)
}

func (w *SweepWorkflow) cancelTransfers(_ context.Context, sc *StepContext, p *domain.SweepPayload) error {
	for _, t := range p.Transfers {
		sc.Emit(EmitInput{
			EventType:     domain.EventTypeBankTransferCancel,
			AggregateType: domain.AggregateTypeBankTransfer,
			AggregateID:   t.TransferID,
			Payload: domain.BankTransferCancelEvent{
				TransferID: t.TransferID,
				Reason:     fmt.Sprintf("saga %s compensated", sc.SagaID),
				SagaID:     sc.SagaID,
			},
		})
	}
	return nil
}

func (w *SweepWorkflow) rule(ctx context.Context, p *domain.SweepPayload, ruleType, key string) (decimal.Decimal, error) {
	raw, err := w.compliance.GetValue(ctx, domain.RuleQuery{
		OrganizationID: p.OrganizationID,
		Jurisdiction:   p.Jurisdiction,
		RuleType:       ruleType,
		RuleKey:        key,
		AsOf:           p.AsOf,
	})
	if err != nil {
		return decimal.Zero, err
	}

	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("rule %s/%s: invalid amount %q: %w", ruleType, key, raw, err)
	}
	return v, nil
}

func (w *SweepWorkflow) dimensionalRows(ctx context.Context, accountID string) ([]*domain.DimensionalBalance, error) {
	rows, err := w.balanceRepo.ListDimensional(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DimensionKey < rows[j].DimensionKey })
	return rows, nil
}

// SweepItemKey is the idempotency key of the entry posted for item i.
func SweepItemKey(sagaID string, i int) string {
	return fmt.Sprintf("saga:%s:item:%d", sagaID, i)
}

func sweepActor(p *domain.SweepPayload) domain.Actor {
	if p.Actor.ID == "" {
		return SweepSystemActor
	}
	return p.Actor
}

func postingsMatchItem(entry *domain.JournalEntry, item domain.SweepItem) bool {
	if len(entry.Postings) != 2 {
		return false
	}

	var debit, credit bool
	for _, p := range entry.Postings {
		if p.Dimensions != item.Dimensions {
			return false
		}
		switch {
		case p.AccountID == item.SourceAccountID && p.Amount.Equal(item.Amount.Neg()):
			credit = true
		case p.AccountID == item.DestinationAccountID && p.Amount.Equal(item.Amount):
			debit = true
		}
	}
	return debit && credit
}
