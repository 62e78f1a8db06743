package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/logging"
	"github.com/iho/sagaledger/internal/infrastructure/metrics"
)

// SagaOrchestrator drives saga instances through their declared steps and
// runs compensation when a step fails.
type SagaOrchestrator struct {
	txManager      TransactionManager
	sagaRepo       SagaRepository
	auditRepo      AuditRepository
	outbox         *OutboxUseCase
	registry       *SagaRegistry
	idGen          IDGenerator
	metrics        *metrics.Metrics
	logger         *slog.Logger
	now            func() time.Time
	defaultTimeout time.Duration
}

// NewSagaOrchestrator creates a new SagaOrchestrator.
func NewSagaOrchestrator(
	txManager TransactionManager,
	sagaRepo SagaRepository,
	auditRepo AuditRepository,
	outbox *OutboxUseCase,
	registry *SagaRegistry,
	idGen IDGenerator,
	m *metrics.Metrics,
) *SagaOrchestrator {
	return &SagaOrchestrator{
		txManager: txManager,
		sagaRepo:  sagaRepo,
		auditRepo: auditRepo,
		outbox:    outbox,
		registry:  registry,
		idGen:     idGen,
		metrics:   m,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (o *SagaOrchestrator) WithNow(now func() time.Time) {
	if now != nil {
		o.now = now
	}
}

// WithLogger sets the logger.
func (o *SagaOrchestrator) WithLogger(logger *slog.Logger) {
	if logger != nil {
		o.logger = logger
	}
}

// WithDefaultTimeout sets the deadline applied to sagas that declare none.
func (o *SagaOrchestrator) WithDefaultTimeout(d time.Duration) {
	o.defaultTimeout = d
}

// Registry returns the saga definitions the orchestrator drives.
func (o *SagaOrchestrator) Registry() *SagaRegistry {
	return o.registry
}

// StartSagaInput represents input for starting a saga.
type StartSagaInput struct {
	Name           string
	OrganizationID string
	Payload        any
	TraceID        string
	Timeout        time.Duration
	Actor          domain.Actor
}

// StartSaga persists a new saga, moves it to running and executes its first
// step synchronously. Step failures are recorded on the saga, not returned.
func (o *SagaOrchestrator) StartSaga(ctx context.Context, input StartSagaInput) (string, error) {
	def, err := o.registry.Get(input.Name)
	if err != nil {
		return "", err
	}

	raw, err := def.Encode(input.Payload)
	if err != nil {
		return "", err
	}

	traceID := input.TraceID
	if traceID == "" {
		traceID = logging.TraceIDFromContext(ctx)
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}

	now := o.now().UTC()
	steps := def.StepNames()
	saga := &domain.SagaState{
		ID:             o.idGen.Generate(),
		Name:           def.SagaName(),
		OrganizationID: input.OrganizationID,
		Steps:          steps,
		CurrentStep:    steps[0],
		PayloadType:    def.PayloadTypeName(),
		Payload:        raw,
		Status:         domain.SagaStatusPending,
		HeartbeatAt:    now,
		TraceID:        traceID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = def.DefaultTimeout()
	}
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}
	if timeout > 0 {
		deadline := now.Add(timeout)
		saga.TimeoutAt = &deadline
	}

	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := o.txManager.Begin(txCtx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	if err := o.sagaRepo.Create(txCtx, tx, saga); err != nil {
		return "", err
	}
	if err := saga.TransitionTo(domain.SagaStatusRunning); err != nil {
		return "", err
	}
	if err := o.sagaRepo.Update(txCtx, tx, saga); err != nil {
		return "", err
	}
	if err := o.audit(txCtx, tx, saga, domain.AuditActionSagaStart, input.Actor, nil, sagaAuditState(saga), "", domain.AuditStatusSuccess); err != nil {
		return "", err
	}

	if err := tx.Commit(txCtx); err != nil {
		return "", err
	}

	if o.metrics != nil {
		o.metrics.SagasStarted.WithLabelValues(saga.Name).Inc()
	}

	ctx = logging.WithSagaID(logging.WithTraceID(ctx, traceID), saga.ID)
	logging.FromContext(ctx, o.logger).Info("saga started", "saga", saga.Name, "step", saga.CurrentStep)

	if err := o.ExecuteStep(ctx, saga.ID, saga.CurrentStep); err != nil {
		// the saga is durable; the zombie monitor re-triggers the step
		logging.FromContext(ctx, o.logger).Error("first saga step did not run", "error", err)
	}

	return saga.ID, nil
}

// ExecuteStep runs step of a saga if it is the saga's current step. Stale or
// duplicate deliveries are ignored. A step error fails the saga and starts
// compensation; only storage errors are returned.
func (o *SagaOrchestrator) ExecuteStep(ctx context.Context, sagaID, step string) error {
	saga, err := o.sagaRepo.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}

	ctx = logging.WithSagaID(logging.WithTraceID(ctx, saga.TraceID), saga.ID)
	log := logging.FromContext(ctx, o.logger)

	if saga.Status != domain.SagaStatusRunning {
		log.Debug("ignoring step for saga that is not running", "step", step, "status", saga.Status)
		return nil
	}
	if step != saga.CurrentStep {
		log.Debug("ignoring stale step delivery", "step", step, "current_step", saga.CurrentStep)
		return nil
	}
	if saga.StepIndex(step) < 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownSagaStep, step)
	}
	if saga.IsTimedOut(o.now()) {
		_, err := o.TimeOut(ctx, saga.ID)
		return err
	}

	def, err := o.registry.Get(saga.Name)
	if err != nil {
		return err
	}

	if err := o.Heartbeat(ctx, saga.ID); err != nil {
		return err
	}

	sc := o.stepContext(saga, step)
	start := time.Now()
	out, stepErr := def.Run(ctx, sc, saga.Payload)

	if o.metrics != nil {
		o.metrics.StepDuration.WithLabelValues(saga.Name, step).Observe(time.Since(start).Seconds())
	}

	if stepErr != nil {
		return o.fail(ctx, saga, step, out, stepErr)
	}

	return o.advance(ctx, saga, def, step, out, sc.Events())
}

func (o *SagaOrchestrator) advance(
	ctx context.Context,
	saga *domain.SagaState,
	def SagaDefinition,
	step string,
	payload json.RawMessage,
	events []EmitInput,
) error {
	log := logging.FromContext(ctx, o.logger)
	completed := false

	_, err := o.mutate(ctx, saga.ID, saga.Version, func(tx Transaction, s *domain.SagaState) error {
		if s.Status != domain.SagaStatusRunning || s.CurrentStep != step {
			return domain.ErrSagaConflict
		}

		now := o.now().UTC()
		s.Payload = payload
		s.HeartbeatAt = now
		s.UpdatedAt = now

		for _, ev := range events {
			if _, err := o.outbox.Emit(ctx, tx, ev); err != nil {
				return err
			}
		}

		next, ok := s.NextStep(step)
		if ok {
			if err := s.SetCurrentStep(next); err != nil {
				return err
			}
			_, err := o.outbox.Emit(ctx, tx, EmitInput{
				EventType:     def.EventFor(next),
				AggregateType: domain.AggregateTypeSaga,
				AggregateID:   s.ID,
				Payload:       domain.StepReadyEvent{SagaID: s.ID, Step: next, Payload: s.Payload},
				TraceID:       s.TraceID,
				SagaID:        s.ID,
			})
			return err
		}

		if err := s.TransitionTo(domain.SagaStatusCompleted); err != nil {
			return err
		}
		completed = true

		if ce := def.CompletionEventType(); ce != "" {
			if _, err := o.outbox.Emit(ctx, tx, EmitInput{
				EventType:     ce,
				AggregateType: domain.AggregateTypeSaga,
				AggregateID:   s.ID,
				Payload:       s.Payload,
				TraceID:       s.TraceID,
				SagaID:        s.ID,
			}); err != nil {
				return err
			}
		}
		_, err := o.outbox.Emit(ctx, tx, EmitInput{
			EventType:     domain.EventTypeSagaCompleted,
			AggregateType: domain.AggregateTypeSaga,
			AggregateID:   s.ID,
			Payload:       map[string]any{"saga_id": s.ID, "saga": s.Name},
			TraceID:       s.TraceID,
			SagaID:        s.ID,
		})
		return err
	})
	if errors.Is(err, domain.ErrSagaConflict) {
		log.Info("saga advanced concurrently, dropping step result", "step", step)
		return nil
	}
	if err != nil {
		return err
	}

	if completed {
		log.Info("saga completed", "saga", saga.Name)
		if o.metrics != nil {
			o.metrics.SagasFinished.WithLabelValues(saga.Name, string(domain.SagaStatusCompleted)).Inc()
		}
	} else {
		log.Debug("saga step completed", "step", step)
	}

	return nil
}

func (o *SagaOrchestrator) fail(ctx context.Context, saga *domain.SagaState, step string, payload json.RawMessage, stepErr error) error {
	log := logging.FromContext(ctx, o.logger)
	log.Warn("saga step failed", "step", step, "error", stepErr)

	if o.metrics != nil {
		o.metrics.StepFailures.WithLabelValues(saga.Name, step).Inc()
	}

	_, err := o.mutate(ctx, saga.ID, saga.Version, func(tx Transaction, s *domain.SagaState) error {
		if s.Status != domain.SagaStatusRunning || s.CurrentStep != step {
			return domain.ErrSagaConflict
		}

		before := sagaAuditState(s)
		now := o.now().UTC()
		if payload != nil {
			s.Payload = payload
		}
		s.ErrorMessage = stepErr.Error()
		s.FailedStep = step
		s.HeartbeatAt = now
		s.UpdatedAt = now
		if err := s.TransitionTo(domain.SagaStatusFailed); err != nil {
			return err
		}

		if _, err := o.outbox.Emit(ctx, tx, EmitInput{
			EventType:     domain.EventTypeSagaFailed,
			AggregateType: domain.AggregateTypeSaga,
			AggregateID:   s.ID,
			Payload:       map[string]any{"saga_id": s.ID, "step": step, "error": s.ErrorMessage},
			TraceID:       s.TraceID,
			SagaID:        s.ID,
		}); err != nil {
			return err
		}

		return o.audit(ctx, tx, s, domain.AuditActionSagaFail, domain.Actor{}, before, sagaAuditState(s), s.ErrorMessage, domain.AuditStatusFailure)
	})
	if errors.Is(err, domain.ErrSagaConflict) {
		log.Info("saga changed concurrently, dropping step failure", "step", step)
		return nil
	}
	if err != nil {
		return err
	}

	return o.Compensate(ctx, saga.ID, step)
}

// Compensate runs compensating actions in reverse declared order, starting at
// the failed step itself since it may have partial effects. Each action runs
// at most once; its outcome is persisted before the next one starts. Action
// errors are recorded and the walk continues. The saga always ends compensated.
func (o *SagaOrchestrator) Compensate(ctx context.Context, sagaID, failedStep string) error {
	saga, err := o.sagaRepo.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}

	ctx = logging.WithSagaID(logging.WithTraceID(ctx, saga.TraceID), saga.ID)
	log := logging.FromContext(ctx, o.logger)

	switch saga.Status {
	case domain.SagaStatusCompensated:
		return nil
	case domain.SagaStatusFailed, domain.SagaStatusRunning:
		saga, err = o.mutate(ctx, saga.ID, saga.Version, func(_ Transaction, s *domain.SagaState) error {
			if s.FailedStep == "" {
				s.FailedStep = failedStep
			}
			s.UpdatedAt = o.now().UTC()
			return s.TransitionTo(domain.SagaStatusCompensating)
		})
		if errors.Is(err, domain.ErrSagaConflict) {
			log.Info("saga changed concurrently, another worker owns compensation")
			return nil
		}
		if err != nil {
			return err
		}
	case domain.SagaStatusCompensating:
	default:
		return fmt.Errorf("%w: cannot compensate %s saga", domain.ErrInvalidSagaTransition, saga.Status)
	}

	def, err := o.registry.Get(saga.Name)
	if err != nil {
		return err
	}

	idx := saga.StepIndex(failedStep)
	if idx < 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownSagaStep, failedStep)
	}

	for i := idx; i >= 0; i-- {
		step := saga.Steps[i]
		if !def.HasCompensator(step) || saga.Compensated(step) {
			continue
		}

		if err := o.Heartbeat(ctx, saga.ID); err != nil {
			log.Warn("heartbeat before compensation failed", "step", step, "error", err)
		}

		sc := o.stepContext(saga, step)
		out, compErr := def.Compensate(ctx, sc, saga.Payload)

		record := domain.CompensationRecord{Step: step, Succeeded: compErr == nil, At: o.now().UTC()}
		if compErr != nil {
			record.Error = compErr.Error()
			log.Error("compensation step failed", "step", step, "error", compErr)
			if o.metrics != nil {
				o.metrics.CompensationFailures.WithLabelValues(saga.Name, step).Inc()
			}
		} else {
			log.Info("compensation step succeeded", "step", step)
		}

		saga, err = o.mutate(ctx, saga.ID, saga.Version, func(tx Transaction, s *domain.SagaState) error {
			if s.Status != domain.SagaStatusCompensating {
				return domain.ErrSagaConflict
			}
			if out != nil {
				s.Payload = out
			}
			s.Compensations = append(s.Compensations, record)
			s.HeartbeatAt = record.At
			s.UpdatedAt = record.At
			for _, ev := range sc.Events() {
				if _, err := o.outbox.Emit(ctx, tx, ev); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, domain.ErrSagaConflict) {
			log.Info("saga changed concurrently, stopping compensation walk")
			return nil
		}
		if err != nil {
			return err
		}
	}

	partial := saga.PartiallyCompensated()
	_, err = o.mutate(ctx, saga.ID, saga.Version, func(tx Transaction, s *domain.SagaState) error {
		before := sagaAuditState(s)
		s.UpdatedAt = o.now().UTC()
		if err := s.TransitionTo(domain.SagaStatusCompensated); err != nil {
			return err
		}

		if _, err := o.outbox.Emit(ctx, tx, EmitInput{
			EventType:     domain.EventTypeSagaCompensated,
			AggregateType: domain.AggregateTypeSaga,
			AggregateID:   s.ID,
			Payload: map[string]any{
				"saga_id":     s.ID,
				"failed_step": s.FailedStep,
				"partial":     partial,
			},
			TraceID: s.TraceID,
			SagaID:  s.ID,
		}); err != nil {
			return err
		}

		status := domain.AuditStatusSuccess
		if partial {
			status = domain.AuditStatusFailure
		}
		return o.audit(ctx, tx, s, domain.AuditActionSagaCompensate, domain.Actor{}, before, sagaAuditState(s), s.ErrorMessage, status)
	})
	if errors.Is(err, domain.ErrSagaConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	if partial {
		log.Error("saga compensated partially, manual reconciliation required", "failed_step", failedStep)
	} else {
		log.Info("saga compensated", "failed_step", failedStep)
	}
	if o.metrics != nil {
		o.metrics.SagasFinished.WithLabelValues(saga.Name, string(domain.SagaStatusCompensated)).Inc()
	}

	return nil
}

// ResumeCompensation continues an interrupted compensation walk.
func (o *SagaOrchestrator) ResumeCompensation(ctx context.Context, sagaID string) error {
	saga, err := o.sagaRepo.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}

	switch {
	case saga.Status == domain.SagaStatusCompensating,
		saga.Status == domain.SagaStatusFailed && saga.FailedStep != "":
		return o.Compensate(ctx, saga.ID, saga.FailedStep)
	default:
		return nil
	}
}

// TimeOut fails a pending or running saga past its deadline. It reports
// whether the saga was changed.
func (o *SagaOrchestrator) TimeOut(ctx context.Context, sagaID string) (bool, error) {
	changed := false
	name := ""

	_, err := o.mutate(ctx, sagaID, 0, func(tx Transaction, s *domain.SagaState) error {
		if s.Status != domain.SagaStatusPending && s.Status != domain.SagaStatusRunning {
			return errNoSagaChange
		}
		name = s.Name

		before := sagaAuditState(s)
		now := o.now().UTC()
		s.ErrorMessage = domain.ErrSagaTimedOut.Error()
		s.FailedStep = ""
		s.UpdatedAt = now
		if err := s.TransitionTo(domain.SagaStatusFailed); err != nil {
			return err
		}
		changed = true

		if _, err := o.outbox.Emit(ctx, tx, EmitInput{
			EventType:     domain.EventTypeSagaTimedOut,
			AggregateType: domain.AggregateTypeSaga,
			AggregateID:   s.ID,
			Payload: map[string]any{
				"saga_id":      s.ID,
				"current_step": s.CurrentStep,
				"timeout_at":   s.TimeoutAt,
			},
			TraceID: s.TraceID,
			SagaID:  s.ID,
		}); err != nil {
			return err
		}

		return o.audit(ctx, tx, s, domain.AuditActionSagaTimedOut, domain.Actor{}, before, sagaAuditState(s), s.ErrorMessage, domain.AuditStatusFailure)
	})
	if err != nil {
		return false, err
	}

	if changed {
		logging.FromContext(ctx, o.logger).Warn("saga timed out", "saga_id", sagaID)
		if o.metrics != nil {
			o.metrics.SagasFinished.WithLabelValues(name, string(domain.SagaStatusFailed)).Inc()
		}
	}

	return changed, nil
}

// Heartbeat updates the saga's liveness timestamp.
func (o *SagaOrchestrator) Heartbeat(ctx context.Context, sagaID string) error {
	return o.sagaRepo.Touch(ctx, nil, sagaID, o.now().UTC())
}

// ResurrectionEvent returns the event that should be outstanding for saga in
// its current state.
func (o *SagaOrchestrator) ResurrectionEvent(saga *domain.SagaState) (EmitInput, error) {
	in := EmitInput{
		AggregateType: domain.AggregateTypeSaga,
		AggregateID:   saga.ID,
		TraceID:       saga.TraceID,
		SagaID:        saga.ID,
	}

	switch saga.Status {
	case domain.SagaStatusRunning:
		def, err := o.registry.Get(saga.Name)
		if err != nil {
			return EmitInput{}, err
		}
		if saga.StepIndex(saga.CurrentStep) < 0 {
			return EmitInput{}, fmt.Errorf("%w: %s", domain.ErrUnknownSagaStep, saga.CurrentStep)
		}
		in.EventType = def.EventFor(saga.CurrentStep)
		in.Payload = domain.StepReadyEvent{SagaID: saga.ID, Step: saga.CurrentStep, Payload: saga.Payload}
	case domain.SagaStatusCompensating, domain.SagaStatusFailed:
		in.EventType = domain.EventTypeSagaCompensateRequested
		in.Payload = map[string]any{"saga_id": saga.ID, "failed_step": saga.FailedStep}
	default:
		return EmitInput{}, fmt.Errorf("%w: no event for %s saga", domain.ErrInvalidSagaTransition, saga.Status)
	}

	return in, nil
}

// HandleEvent executes the saga work an outbox event asks for.
func (o *SagaOrchestrator) HandleEvent(ctx context.Context, event *domain.OutboxEvent) error {
	sagaID := event.SagaID
	if sagaID == "" {
		sagaID, _ = event.Payload["saga_id"].(string)
	}
	if sagaID == "" {
		return fmt.Errorf("%w: event %s has no saga id", domain.ErrInvalidPayload, event.ID)
	}

	if event.EventType == domain.EventTypeSagaCompensateRequested {
		return o.ResumeCompensation(ctx, sagaID)
	}

	step, _ := event.Payload["step"].(string)
	if step == "" {
		return fmt.Errorf("%w: event %s has no step", domain.ErrInvalidPayload, event.ID)
	}
	return o.ExecuteStep(ctx, sagaID, step)
}

// HandledEventTypes lists the event types HandleEvent accepts.
func (o *SagaOrchestrator) HandledEventTypes() []string {
	return append(o.registry.TriggerEventTypes(), domain.EventTypeSagaCompensateRequested)
}

// Get returns a saga.
func (o *SagaOrchestrator) Get(ctx context.Context, id string) (*domain.SagaState, error) {
	return o.sagaRepo.GetByID(ctx, id)
}

// List returns sagas matching filter.
func (o *SagaOrchestrator) List(ctx context.Context, filter domain.SagaFilter) ([]*domain.SagaState, error) {
	filter.Limit, filter.Offset, _ = domain.ValidatePagination(filter.Limit, filter.Offset)
	return o.sagaRepo.List(ctx, filter)
}

var errNoSagaChange = errors.New("no saga change")

// mutate locks a saga, applies fn and persists the result in one transaction.
// A non-zero expectVersion must match the stored version. fn may return
// ErrSagaConflict to abandon the change, or errNoSagaChange to leave the saga
// untouched.
func (o *SagaOrchestrator) mutate(
	ctx context.Context,
	sagaID string,
	expectVersion int64,
	fn func(tx Transaction, s *domain.SagaState) error,
) (*domain.SagaState, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := o.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	s, err := o.sagaRepo.GetByIDForUpdate(txCtx, tx, sagaID)
	if err != nil {
		return nil, err
	}
	if expectVersion != 0 && s.Version != expectVersion {
		return nil, domain.ErrSagaConflict
	}

	if err := fn(tx, s); err != nil {
		if errors.Is(err, errNoSagaChange) {
			return s, nil
		}
		return nil, err
	}

	if err := o.sagaRepo.Update(txCtx, tx, s); err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	return s, nil
}

func (o *SagaOrchestrator) stepContext(saga *domain.SagaState, step string) *StepContext {
	return &StepContext{
		SagaID:         saga.ID,
		SagaName:       saga.Name,
		Step:           step,
		TraceID:        saga.TraceID,
		OrganizationID: saga.OrganizationID,
	}
}

func (o *SagaOrchestrator) audit(
	ctx context.Context,
	tx Transaction,
	saga *domain.SagaState,
	action domain.AuditAction,
	actor domain.Actor,
	before, after domain.JSON,
	message string,
	status domain.AuditStatus,
) error {
	if o.auditRepo == nil {
		return nil
	}

	actorID := actor.ID
	if actorID == "" {
		actorID = "system"
	}

	return o.auditRepo.CreateTx(ctx, tx, &domain.AuditLog{
		ID:           o.idGen.Generate(),
		ActorID:      actorID,
		ActorIP:      actor.IP,
		Action:       action,
		ResourceType: domain.ResourceTypeSaga,
		ResourceID:   saga.ID,
		TraceID:      saga.TraceID,
		BeforeState:  before,
		AfterState:   after,
		Diff:         domain.DiffStates(before, after),
		Status:       status,
		ErrorMessage: message,
		CreatedAt:    o.now().UTC(),
	})
}

func sagaAuditState(s *domain.SagaState) domain.JSON {
	return domain.JSON{
		"status":        string(s.Status),
		"current_step":  s.CurrentStep,
		"failed_step":   s.FailedStep,
		"error_message": s.ErrorMessage,
	}
}
