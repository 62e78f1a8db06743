package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/logging"
	"github.com/iho/sagaledger/internal/infrastructure/metrics"
)

var (
	// ErrInconsistentLedger is returned when the ledger is not balanced.
	ErrInconsistentLedger = errors.New("ledger is inconsistent: debits do not equal credits")
)

// LedgerUseCase owns every write to the journal and the balance caches.
type LedgerUseCase struct {
	txManager   TransactionManager
	accountRepo AccountRepository
	balanceRepo BalanceRepository
	journalRepo JournalRepository
	ledgerRepo  LedgerRepository
	auditRepo   AuditRepository
	outbox      *OutboxUseCase
	idGen       IDGenerator
	retrier     Retrier
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewLedgerUseCase creates a new LedgerUseCase.
func NewLedgerUseCase(
	txManager TransactionManager,
	accountRepo AccountRepository,
	balanceRepo BalanceRepository,
	journalRepo JournalRepository,
	ledgerRepo LedgerRepository,
	auditRepo AuditRepository,
	outbox *OutboxUseCase,
	idGen IDGenerator,
	retrier Retrier,
	m *metrics.Metrics,
) *LedgerUseCase {
	return &LedgerUseCase{
		txManager:   txManager,
		accountRepo: accountRepo,
		balanceRepo: balanceRepo,
		journalRepo: journalRepo,
		ledgerRepo:  ledgerRepo,
		auditRepo:   auditRepo,
		outbox:      outbox,
		idGen:       idGen,
		retrier:     retrier,
		metrics:     m,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (uc *LedgerUseCase) WithNow(now func() time.Time) {
	if now != nil {
		uc.now = now
	}
}

// WithLogger sets the logger.
func (uc *LedgerUseCase) WithLogger(logger *slog.Logger) {
	if logger != nil {
		uc.logger = logger
	}
}

// CreateEntryInput represents input for posting a journal entry.
type CreateEntryInput struct {
	OrganizationID string
	PeriodID       string
	Description    string
	EntryDate      time.Time
	EffectiveDate  time.Time
	Postings       []domain.PostingInput
	Actor          domain.Actor
	IdempotencyKey string
	TraceID        string
	Source         domain.SourceRef
}

// CreateEntryResult is the posted entry. Replayed is set when the idempotency
// key matched an earlier entry and nothing was written.
type CreateEntryResult struct {
	Entry    *domain.JournalEntry
	Replayed bool
}

// CreateEntry validates and posts a balanced entry, updating the balance
// caches and writing audit and outbox records in the same transaction.
func (uc *LedgerUseCase) CreateEntry(ctx context.Context, input CreateEntryInput) (*CreateEntryResult, error) {
	if err := domain.ValidateActor(input.Actor); err != nil {
		uc.countError(err)
		return nil, err
	}
	if err := domain.ValidatePostings(input.Postings); err != nil {
		uc.countError(err)
		return nil, err
	}
	if err := domain.ValidateDescription(input.Description); err != nil {
		return nil, err
	}
	if len(input.Postings) > domain.MaxPostingsPerEntry {
		return nil, fmt.Errorf("entry has %d postings, maximum is %d", len(input.Postings), domain.MaxPostingsPerEntry)
	}
	if input.TraceID == "" {
		input.TraceID = logging.TraceIDFromContext(ctx)
	}

	if input.IdempotencyKey != "" {
		existing, err := uc.journalRepo.GetByIdempotencyKey(ctx, input.IdempotencyKey)
		if err == nil {
			return uc.replay(existing), nil
		}
		if !errors.Is(err, domain.ErrEntryNotFound) {
			return nil, err
		}
	}

	entry, err := uc.postWithRetry(ctx, input, nil)
	if errors.Is(err, domain.ErrDuplicateEntry) && input.IdempotencyKey != "" {
		// lost the insert race to a concurrent writer with the same key
		existing, getErr := uc.journalRepo.GetByIdempotencyKey(ctx, input.IdempotencyKey)
		if getErr != nil {
			return nil, getErr
		}
		return uc.replay(existing), nil
	}
	if err != nil {
		uc.countError(err)
		return nil, err
	}

	if uc.metrics != nil {
		uc.metrics.EntriesCreated.Inc()
	}

	return &CreateEntryResult{Entry: entry}, nil
}

// ReverseEntryInput represents input for reversing an entry.
type ReverseEntryInput struct {
	EntryID string
	Reason  string
	Actor   domain.Actor
	TraceID string
}

// ReverseEntry posts the exact negation of an entry and links both entries.
func (uc *LedgerUseCase) ReverseEntry(ctx context.Context, input ReverseEntryInput) (*domain.JournalEntry, error) {
	if err := domain.ValidateActor(input.Actor); err != nil {
		return nil, err
	}

	original, err := uc.journalRepo.GetByID(ctx, input.EntryID)
	if err != nil {
		return nil, err
	}
	if original.IsVoided {
		return nil, fmt.Errorf("%w: %s", domain.ErrVoidedEntry, original.ID)
	}
	if original.ReversedByEntryID != nil {
		return nil, fmt.Errorf("%w: %s by %s", domain.ErrAlreadyReversed, original.ID, *original.ReversedByEntryID)
	}

	traceID := input.TraceID
	if traceID == "" {
		traceID = original.TraceID
	}

	reversal, err := uc.postWithRetry(ctx, CreateEntryInput{
		OrganizationID: original.OrganizationID,
		PeriodID:       original.PeriodID,
		Description:    reversalDescription(original, input.Reason),
		Postings:       original.NegatedPostings(),
		Actor:          input.Actor,
		IdempotencyKey: ReversalKeyPrefix + original.ID,
		TraceID:        traceID,
		Source:         domain.SourceRef{Type: "reversal", ID: original.ID},
	}, original)
	if errors.Is(err, domain.ErrDuplicateEntry) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyReversed, original.ID)
	}
	if err != nil {
		uc.countError(err)
		return nil, err
	}

	if uc.metrics != nil {
		uc.metrics.EntriesReversed.Inc()
	}

	return reversal, nil
}

// VoidEntryInput represents input for voiding an entry.
type VoidEntryInput struct {
	EntryID string
	Reason  string
	Actor   domain.Actor
}

// VoidEntry marks an entry voided. The postings keep contributing to balances;
// reversal is the correcting mechanism.
func (uc *LedgerUseCase) VoidEntry(ctx context.Context, input VoidEntryInput) (*domain.JournalEntry, error) {
	if err := domain.ValidateActor(input.Actor); err != nil {
		return nil, err
	}

	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	entry, err := uc.journalRepo.GetByIDForUpdate(txCtx, tx, input.EntryID)
	if err != nil {
		return nil, err
	}
	if entry.IsVoided {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyVoided, entry.ID)
	}

	before := entryAuditState(entry)
	now := uc.now().UTC()
	void := domain.VoidInfo{At: now, By: input.Actor.ID, Reason: input.Reason}

	if err := uc.journalRepo.MarkVoided(txCtx, tx, entry.ID, void); err != nil {
		return nil, err
	}
	entry.IsVoided = true
	entry.Void = &void

	if _, err := uc.outbox.Emit(txCtx, tx, EmitInput{
		EventType:     domain.EventTypeEntryVoided,
		AggregateType: domain.AggregateTypeEntry,
		AggregateID:   entry.ID,
		Payload: map[string]any{
			"entry_id":  entry.ID,
			"reason":    input.Reason,
			"voided_by": input.Actor.ID,
		},
		TraceID: entry.TraceID,
	}); err != nil {
		return nil, err
	}

	if err := uc.audit(txCtx, tx, &domain.AuditLog{
		ActorID:      input.Actor.ID,
		ActorIP:      input.Actor.IP,
		Action:       domain.AuditActionEntryVoid,
		ResourceType: domain.ResourceTypeEntry,
		ResourceID:   entry.ID,
		TraceID:      entry.TraceID,
		BeforeState:  before,
		AfterState:   entryAuditState(entry),
		Status:       domain.AuditStatusSuccess,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	if uc.metrics != nil {
		uc.metrics.EntriesVoided.Inc()
	}

	return entry, nil
}

// UpdateEntry applies a patch to a persisted entry. The only permitted change
// is linking an unset reversed_by_entry_id to an entry that reverses this one.
func (uc *LedgerUseCase) UpdateEntry(ctx context.Context, id string, patch domain.EntryPatch, actor domain.Actor) error {
	if err := domain.ValidateActor(actor); err != nil {
		return err
	}

	entry, err := uc.journalRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if fields := patch.ForbiddenFields(entry); len(fields) > 0 {
		violation := &domain.ImmutabilityError{EntryID: id, Fields: fields}
		uc.auditRejected(ctx, actor, domain.AuditActionEntryUpdateAttempt, entry, violation)
		return violation
	}
	if patch.ReversedByEntryID == nil {
		return nil
	}

	target, err := uc.journalRepo.GetByID(ctx, *patch.ReversedByEntryID)
	if err != nil {
		return err
	}
	if target.ReversesEntryID == nil || *target.ReversesEntryID != id {
		violation := &domain.ImmutabilityError{EntryID: id, Fields: []string{"reversed_by_entry_id"}}
		uc.auditRejected(ctx, actor, domain.AuditActionEntryUpdateAttempt, entry, violation)
		return violation
	}

	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	before := entryAuditState(entry)
	if err := uc.journalRepo.SetReversedBy(txCtx, tx, id, target.ID); err != nil {
		return err
	}
	entry.ReversedByEntryID = &target.ID

	if err := uc.audit(txCtx, tx, &domain.AuditLog{
		ActorID:      actor.ID,
		ActorIP:      actor.IP,
		Action:       domain.AuditActionEntryUpdateAttempt,
		ResourceType: domain.ResourceTypeEntry,
		ResourceID:   id,
		TraceID:      entry.TraceID,
		BeforeState:  before,
		AfterState:   entryAuditState(entry),
		Status:       domain.AuditStatusSuccess,
	}); err != nil {
		return err
	}

	return tx.Commit(txCtx)
}

// DeleteEntry always fails: entries are never deleted.
func (uc *LedgerUseCase) DeleteEntry(ctx context.Context, id string, actor domain.Actor) error {
	entry, err := uc.journalRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	violation := &domain.ImmutabilityError{EntryID: id}
	uc.auditRejected(ctx, actor, domain.AuditActionEntryDeleteAttempt, entry, violation)
	return violation
}

// GetEntry returns an entry with its postings.
func (uc *LedgerUseCase) GetEntry(ctx context.Context, id string) (*domain.JournalEntry, error) {
	return uc.journalRepo.GetByID(ctx, id)
}

// GetBalance returns the cached balance of an account.
func (uc *LedgerUseCase) GetBalance(ctx context.Context, accountID string) (*domain.AccountBalance, error) {
	return uc.balanceRepo.Get(ctx, accountID)
}

// GetDimensionalBalances returns the cached dimensional balances of an account.
func (uc *LedgerUseCase) GetDimensionalBalances(ctx context.Context, accountID string) ([]*domain.DimensionalBalance, error) {
	return uc.balanceRepo.ListDimensional(ctx, accountID)
}

// GetBalanceHistory derives the running balance of an account from its
// posting history. It is an audit read and never feeds live balances.
func (uc *LedgerUseCase) GetBalanceHistory(ctx context.Context, accountID string, actor domain.Actor) ([]domain.BalancePoint, error) {
	if err := domain.ValidateActor(actor); err != nil {
		return nil, err
	}

	if _, err := uc.accountRepo.GetByID(ctx, accountID); err != nil {
		return nil, err
	}

	postings, err := uc.journalRepo.ListPostingsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	points := make([]domain.BalancePoint, 0, len(postings))
	running := decimal.Zero
	for _, p := range postings {
		running = running.Add(p.Amount)
		points = append(points, domain.BalancePoint{
			At:      p.CreatedAt,
			Balance: running,
			Amount:  p.Amount,
			EntryID: p.EntryID,
		})
	}

	if uc.auditRepo != nil {
		err := uc.auditRepo.Create(ctx, uc.stamp(&domain.AuditLog{
			ActorID:      actor.ID,
			ActorIP:      actor.IP,
			Action:       domain.AuditActionBalanceHistoryView,
			ResourceType: domain.ResourceTypeAccount,
			ResourceID:   accountID,
			TraceID:      logging.TraceIDFromContext(ctx),
			Status:       domain.AuditStatusSuccess,
		}))
		if err != nil {
			logging.FromContext(ctx, uc.logger).Warn("failed to audit balance history read", "account_id", accountID, "error", err)
		}
	}

	return points, nil
}

// VerifyChain checks that an entry balances and that its reversal links are
// mutual and mirror each other's postings.
func (uc *LedgerUseCase) VerifyChain(ctx context.Context, id string) (*domain.ChainVerification, error) {
	entry, err := uc.journalRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	v := &domain.ChainVerification{
		EntryID:           entry.ID,
		Balanced:          entry.Sum().IsZero() && len(entry.Postings) >= 2,
		ReversesEntryID:   entry.ReversesEntryID,
		ReversedByEntryID: entry.ReversedByEntryID,
	}
	if !v.Balanced {
		v.Problems = append(v.Problems, "postings do not sum to zero")
	}

	if entry.ReversedByEntryID != nil {
		reversal, err := uc.journalRepo.GetByID(ctx, *entry.ReversedByEntryID)
		switch {
		case errors.Is(err, domain.ErrEntryNotFound):
			v.Problems = append(v.Problems, "reversal entry does not exist")
		case err != nil:
			return nil, err
		default:
			if reversal.ReversesEntryID == nil || *reversal.ReversesEntryID != entry.ID {
				v.Problems = append(v.Problems, "reversal entry does not link back")
			}
			if !mirrors(entry, reversal) {
				v.Problems = append(v.Problems, "reversal postings do not negate the original")
			}
		}
	}

	if entry.ReversesEntryID != nil {
		original, err := uc.journalRepo.GetByID(ctx, *entry.ReversesEntryID)
		switch {
		case errors.Is(err, domain.ErrEntryNotFound):
			v.Problems = append(v.Problems, "reversed entry does not exist")
		case err != nil:
			return nil, err
		default:
			if original.ReversedByEntryID == nil || *original.ReversedByEntryID != entry.ID {
				v.Problems = append(v.Problems, "reversed entry does not link to this reversal")
			}
			if !mirrors(original, entry) {
				v.Problems = append(v.Problems, "postings do not negate the reversed entry")
			}
		}
	}

	v.Valid = len(v.Problems) == 0
	return v, nil
}

// CheckConsistency verifies that the ledger is balanced.
func (uc *LedgerUseCase) CheckConsistency(ctx context.Context) (bool, error) {
	totalBalance, totalAmount, err := uc.ledgerRepo.CheckConsistency(ctx)
	if err != nil {
		return false, err
	}

	// every posting is half of a zero-sum entry, so both totals are zero in a
	// closed ledger
	if !totalBalance.IsZero() {
		return false, ErrInconsistentLedger
	}

	if !totalAmount.IsZero() {
		return false, ErrInconsistentLedger
	}

	return true, nil
}

func (uc *LedgerUseCase) postWithRetry(ctx context.Context, input CreateEntryInput, reverses *domain.JournalEntry) (*domain.JournalEntry, error) {
	var entry *domain.JournalEntry

	op := func() error {
		var err error
		entry, err = uc.post(ctx, input, reverses)
		return err
	}

	if uc.retrier == nil {
		return entry, op()
	}
	return entry, uc.retrier.Retry(ctx, op)
}

// post writes the entry, postings, balance deltas, audit record and outbox
// event as one unit. When reverses is set the original entry is locked and
// linked to the new one in the same transaction.
func (uc *LedgerUseCase) post(ctx context.Context, input CreateEntryInput, reverses *domain.JournalEntry) (*domain.JournalEntry, error) {
	start := time.Now()
	now := uc.now().UTC()

	entry := uc.buildEntry(input, now)
	if reverses != nil {
		entry.IsReversal = true
		entry.ReversesEntryID = &reverses.ID
	}

	accountIDs := entry.AccountIDs()
	accounts, err := uc.loadAccounts(ctx, accountIDs)
	if err != nil {
		return nil, err
	}

	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	var originalBefore domain.JSON
	if reverses != nil {
		original, err := uc.journalRepo.GetByIDForUpdate(txCtx, tx, reverses.ID)
		if err != nil {
			return nil, err
		}
		if original.IsVoided {
			return nil, fmt.Errorf("%w: %s", domain.ErrVoidedEntry, original.ID)
		}
		if original.ReversedByEntryID != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyReversed, original.ID)
		}
		originalBefore = entryAuditState(original)
	}

	// Lock balance rows in sorted order (DEADLOCK PREVENTION)
	balances, err := uc.balanceRepo.GetForUpdate(txCtx, tx, accountIDs)
	if err != nil {
		return nil, err
	}

	running := make(map[string]decimal.Decimal, len(balances))
	for id, b := range balances {
		running[id] = b.Balance
	}
	for _, p := range entry.Postings {
		p.BalanceBefore = running[p.AccountID]
		p.BalanceAfter = p.BalanceBefore.Add(p.Amount)
		running[p.AccountID] = p.BalanceAfter
	}

	for _, id := range accountIDs {
		delta := running[id].Sub(balances[id].Balance)
		if err := accounts[id].ValidateDelta(balances[id].Balance, delta); err != nil {
			return nil, fmt.Errorf("%w: account %s balance %s, change %s", err, id, balances[id].Balance, delta)
		}
	}

	if err := uc.journalRepo.Create(txCtx, tx, entry); err != nil {
		return nil, err
	}

	applied := decimal.Zero
	for _, id := range accountIDs {
		b := balances[id]
		applied = applied.Add(running[id].Sub(b.Balance))
		b.Balance = running[id]
		b.UpdatedAt = now
		if err := uc.balanceRepo.Update(txCtx, tx, b); err != nil {
			return nil, err
		}
	}
	if !applied.IsZero() {
		return nil, fmt.Errorf("%w: balance deltas sum to %s", domain.ErrUnbalancedEntry, applied)
	}

	for _, p := range entry.Postings {
		if p.Dimensions.IsZero() {
			continue
		}
		if err := uc.balanceRepo.ApplyDimensionalDelta(txCtx, tx, p.AccountID, p.Dimensions, p.Amount, now); err != nil {
			return nil, err
		}
	}

	if reverses != nil {
		if err := uc.journalRepo.SetReversedBy(txCtx, tx, reverses.ID, entry.ID); err != nil {
			return nil, err
		}
		linked := *reverses
		linked.ReversedByEntryID = &entry.ID
		if err := uc.audit(txCtx, tx, &domain.AuditLog{
			ActorID:      input.Actor.ID,
			ActorIP:      input.Actor.IP,
			Action:       domain.AuditActionEntryReverse,
			ResourceType: domain.ResourceTypeEntry,
			ResourceID:   reverses.ID,
			TraceID:      entry.TraceID,
			BeforeState:  originalBefore,
			AfterState:   entryAuditState(&linked),
			Status:       domain.AuditStatusSuccess,
		}); err != nil {
			return nil, err
		}
		if _, err := uc.outbox.Emit(txCtx, tx, EmitInput{
			EventType:     domain.EventTypeEntryReversed,
			AggregateType: domain.AggregateTypeEntry,
			AggregateID:   reverses.ID,
			Payload: map[string]any{
				"entry_id":          reverses.ID,
				"reversal_entry_id": entry.ID,
			},
			TraceID: entry.TraceID,
		}); err != nil {
			return nil, err
		}
	}

	if _, err := uc.outbox.Emit(txCtx, tx, EmitInput{
		EventType:     domain.EventTypeEntryCreated,
		AggregateType: domain.AggregateTypeEntry,
		AggregateID:   entry.ID,
		Payload: domain.EntryCreatedEvent{
			EntryID:        entry.ID,
			OrganizationID: entry.OrganizationID,
			Description:    entry.Description,
			IsReversal:     entry.IsReversal,
		},
		TraceID: entry.TraceID,
	}); err != nil {
		return nil, err
	}

	if err := uc.audit(txCtx, tx, &domain.AuditLog{
		ActorID:      input.Actor.ID,
		ActorIP:      input.Actor.IP,
		Action:       domain.AuditActionEntryCreate,
		ResourceType: domain.ResourceTypeEntry,
		ResourceID:   entry.ID,
		TraceID:      entry.TraceID,
		AfterState:   domain.MarshalState(entryView(entry)),
		Status:       domain.AuditStatusSuccess,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	if uc.metrics != nil {
		uc.metrics.PostingDuration.Observe(time.Since(start).Seconds())
	}

	logging.FromContext(ctx, uc.logger).Debug("entry posted",
		"entry_id", entry.ID,
		"postings", len(entry.Postings),
		"reversal", entry.IsReversal,
	)

	return entry, nil
}

func (uc *LedgerUseCase) buildEntry(input CreateEntryInput, now time.Time) *domain.JournalEntry {
	entryDate := input.EntryDate
	if entryDate.IsZero() {
		entryDate = now
	}
	effective := input.EffectiveDate
	if effective.IsZero() {
		effective = entryDate
	}

	entry := &domain.JournalEntry{
		ID:             uc.idGen.Generate(),
		OrganizationID: input.OrganizationID,
		PeriodID:       input.PeriodID,
		EntryDate:      entryDate,
		EffectiveDate:  effective,
		Description:    input.Description,
		Source:         input.Source,
		IdempotencyKey: input.IdempotencyKey,
		TraceID:        input.TraceID,
		CreatedBy:      input.Actor.ID,
		CreatedIP:      input.Actor.IP,
		CreatedAt:      now,
		Version:        1,
	}

	for i, p := range input.Postings {
		entry.Postings = append(entry.Postings, &domain.JournalPosting{
			ID:         uc.idGen.Generate(),
			EntryID:    entry.ID,
			Seq:        i,
			AccountID:  p.AccountID,
			Amount:     p.Amount,
			Dimensions: p.Dimensions,
			CreatedAt:  now,
		})
	}

	return entry
}

func (uc *LedgerUseCase) loadAccounts(ctx context.Context, ids []string) (map[string]*domain.Account, error) {
	accounts, err := uc.accountRepo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
	}

	return byID, nil
}

func (uc *LedgerUseCase) replay(entry *domain.JournalEntry) *CreateEntryResult {
	if uc.metrics != nil {
		uc.metrics.EntriesReplayed.Inc()
	}
	return &CreateEntryResult{Entry: entry, Replayed: true}
}

func (uc *LedgerUseCase) audit(ctx context.Context, tx Transaction, log *domain.AuditLog) error {
	if uc.auditRepo == nil {
		return nil
	}
	log.Diff = domain.DiffStates(log.BeforeState, log.AfterState)
	if err := uc.auditRepo.CreateTx(ctx, tx, uc.stamp(log)); err != nil {
		return err
	}
	if uc.metrics != nil {
		uc.metrics.AuditLogsCreated.WithLabelValues(string(log.Action), string(log.Status)).Inc()
	}
	return nil
}

// auditRejected records a refused mutation outside any transaction.
func (uc *LedgerUseCase) auditRejected(ctx context.Context, actor domain.Actor, action domain.AuditAction, entry *domain.JournalEntry, cause error) {
	if uc.auditRepo == nil {
		return
	}

	err := uc.auditRepo.Create(ctx, uc.stamp(&domain.AuditLog{
		ActorID:      actor.ID,
		ActorIP:      actor.IP,
		Action:       action,
		ResourceType: domain.ResourceTypeEntry,
		ResourceID:   entry.ID,
		TraceID:      entry.TraceID,
		BeforeState:  entryAuditState(entry),
		Status:       domain.AuditStatusFailure,
		ErrorMessage: cause.Error(),
	}))
	if err != nil {
		logging.FromContext(ctx, uc.logger).Warn("failed to audit rejected entry mutation", "entry_id", entry.ID, "error", err)
	}
}

// stamp fills the id and server timestamp of an audit record.
func (uc *LedgerUseCase) stamp(log *domain.AuditLog) *domain.AuditLog {
	log.ID = uc.idGen.Generate()
	log.CreatedAt = uc.now().UTC()
	return log
}

func (uc *LedgerUseCase) countError(err error) {
	if uc.metrics == nil {
		return
	}
	uc.metrics.LedgerErrors.WithLabelValues(ledgerErrorType(err)).Inc()
}

func ledgerErrorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnbalancedEntry):
		return "unbalanced"
	case errors.Is(err, domain.ErrZeroAmountPosting):
		return "zero_amount"
	case errors.Is(err, domain.ErrMissingActor):
		return "missing_actor"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, domain.ErrAlreadyReversed):
		return "already_reversed"
	case errors.Is(err, domain.ErrVoidedEntry):
		return "voided"
	default:
		return "internal"
	}
}

func reversalDescription(original *domain.JournalEntry, reason string) string {
	desc := "Reversal of " + original.ID
	if reason != "" {
		desc += ": " + reason
	}
	if len(desc) > domain.MaxDescriptionLength {
		desc = desc[:domain.MaxDescriptionLength]
	}
	return desc
}

// mirrors reports whether reversal's postings are the exact negation of
// original's, line by line.
func mirrors(original, reversal *domain.JournalEntry) bool {
	if len(original.Postings) != len(reversal.Postings) {
		return false
	}
	for i, p := range original.Postings {
		r := reversal.Postings[i]
		if p.AccountID != r.AccountID || !p.Amount.Neg().Equal(r.Amount) || p.Dimensions != r.Dimensions {
			return false
		}
	}
	return true
}

// entryAuditState is the mutable part of an entry as seen by audit diffs.
func entryAuditState(e *domain.JournalEntry) domain.JSON {
	state := domain.JSON{
		"is_voided":            e.IsVoided,
		"reversed_by_entry_id": nil,
		"void_reason":          nil,
		"voided_by":            nil,
		"voided_at":            nil,
	}
	if e.ReversedByEntryID != nil {
		state["reversed_by_entry_id"] = *e.ReversedByEntryID
	}
	if e.Void != nil {
		state["void_reason"] = e.Void.Reason
		state["voided_by"] = e.Void.By
		state["voided_at"] = e.Void.At.Format(time.RFC3339Nano)
	}
	return state
}

type postingView struct {
	AccountID     string            `json:"account_id"`
	Amount        string            `json:"amount"`
	BalanceBefore string            `json:"balance_before"`
	BalanceAfter  string            `json:"balance_after"`
	Dimensions    domain.Dimensions `json:"dimensions"`
}

type entryViewState struct {
	ID              string        `json:"id"`
	Description     string        `json:"description"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty"`
	IsReversal      bool          `json:"is_reversal"`
	ReversesEntryID *string       `json:"reverses_entry_id,omitempty"`
	Postings        []postingView `json:"postings"`
}

func entryView(e *domain.JournalEntry) entryViewState {
	v := entryViewState{
		ID:              e.ID,
		Description:     e.Description,
		IdempotencyKey:  e.IdempotencyKey,
		IsReversal:      e.IsReversal,
		ReversesEntryID: e.ReversesEntryID,
	}
	for _, p := range e.Postings {
		v.Postings = append(v.Postings, postingView{
			AccountID:     p.AccountID,
			Amount:        p.Amount.String(),
			BalanceBefore: p.BalanceBefore.String(),
			BalanceAfter:  p.BalanceAfter.String(),
			Dimensions:    p.Dimensions,
		})
	}
	return v
}
