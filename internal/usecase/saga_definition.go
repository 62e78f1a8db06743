package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/iho/sagaledger/internal/domain"
)

// StepContext identifies the saga step being run and buffers the events the
// step wants emitted. Buffered events are written in the transaction that
// records the step's outcome.
type StepContext struct {
	SagaID         string
	SagaName       string
	Step           string
	TraceID        string
	OrganizationID string

	events []EmitInput
}

// Emit queues an event for the step's outcome transaction.
func (sc *StepContext) Emit(in EmitInput) {
	in.SagaID = sc.SagaID
	if in.TraceID == "" {
		in.TraceID = sc.TraceID
	}
	if in.AggregateType == "" {
		in.AggregateType = domain.AggregateTypeSaga
		in.AggregateID = sc.SagaID
	}
	sc.events = append(sc.events, in)
}

// Events returns the queued events.
func (sc *StepContext) Events() []EmitInput {
	return sc.events
}

// StepFunc runs one step against the typed payload. It may mutate the payload;
// the mutation is persisted whether or not the step succeeds.
type StepFunc[P any] func(ctx context.Context, sc *StepContext, payload *P) error

// CompensateFunc undoes the effects of one step.
type CompensateFunc[P any] func(ctx context.Context, sc *StepContext, payload *P) error

// Definition declares a saga type over payload P.
type Definition[P any] struct {
	Name         string
	PayloadType  string
	Steps        []string
	Handlers     map[string]StepFunc[P]
	Compensators map[string]CompensateFunc[P]
	// StepEvents maps a step to the event type that triggers it. Steps not
	// listed are triggered by saga.step.ready.
	StepEvents      map[string]string
	CompletionEvent string
	Timeout         time.Duration
}

// SagaDefinition is the type-erased view of a Definition held by the registry.
type SagaDefinition interface {
	SagaName() string
	PayloadTypeName() string
	StepNames() []string
	EventFor(step string) string
	TriggerEventTypes() []string
	CompletionEventType() string
	DefaultTimeout() time.Duration
	HasCompensator(step string) bool
	Encode(payload any) (json.RawMessage, error)
	Run(ctx context.Context, sc *StepContext, raw json.RawMessage) (json.RawMessage, error)
	Compensate(ctx context.Context, sc *StepContext, raw json.RawMessage) (json.RawMessage, error)
}

// Validate checks that every declared step has a handler.
func (d *Definition[P]) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("saga definition has no name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s declares no steps", d.Name)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if _, dup := seen[step]; dup {
			return fmt.Errorf("saga %s declares step %s twice", d.Name, step)
		}
		seen[step] = struct{}{}
		if d.Handlers[step] == nil {
			return fmt.Errorf("saga %s: %w: no handler for %s", d.Name, domain.ErrUnknownSagaStep, step)
		}
	}
	for step := range d.Compensators {
		if _, ok := seen[step]; !ok {
			return fmt.Errorf("saga %s: %w: compensator for %s", d.Name, domain.ErrUnknownSagaStep, step)
		}
	}
	for step := range d.StepEvents {
		if _, ok := seen[step]; !ok {
			return fmt.Errorf("saga %s: %w: event for %s", d.Name, domain.ErrUnknownSagaStep, step)
		}
	}
	return nil
}

func (d *Definition[P]) SagaName() string              { return d.Name }
func (d *Definition[P]) PayloadTypeName() string       { return d.PayloadType }
func (d *Definition[P]) CompletionEventType() string   { return d.CompletionEvent }
func (d *Definition[P]) DefaultTimeout() time.Duration { return d.Timeout }

func (d *Definition[P]) StepNames() []string {
	return append([]string(nil), d.Steps...)
}

func (d *Definition[P]) EventFor(step string) string {
	if et, ok := d.StepEvents[step]; ok && et != "" {
		return et
	}
	return domain.EventTypeSagaStepReady
}

// TriggerEventTypes lists the distinct event types that trigger a step.
func (d *Definition[P]) TriggerEventTypes() []string {
	set := map[string]struct{}{}
	for _, step := range d.Steps {
		set[d.EventFor(step)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for et := range set {
		out = append(out, et)
	}
	sort.Strings(out)
	return out
}

func (d *Definition[P]) HasCompensator(step string) bool {
	return d.Compensators[step] != nil
}

// Encode serializes a P, *P or raw JSON payload after checking it decodes as P.
func (d *Definition[P]) Encode(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case P:
		return json.Marshal(v)
	case *P:
		if v == nil {
			return nil, fmt.Errorf("%w: nil %s payload", domain.ErrInvalidPayload, d.PayloadType)
		}
		return json.Marshal(v)
	case json.RawMessage:
		if _, err := d.decode(v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %T is not a %s payload", domain.ErrInvalidPayload, payload, d.PayloadType)
	}
}

func (d *Definition[P]) decode(raw json.RawMessage) (*P, error) {
	var p P
	if len(raw) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, d.PayloadType, err)
	}
	return &p, nil
}

// Run executes the handler of sc.Step. The returned payload reflects any
// mutation made by the handler, including on failure.
func (d *Definition[P]) Run(ctx context.Context, sc *StepContext, raw json.RawMessage) (json.RawMessage, error) {
	handler := d.Handlers[sc.Step]
	if handler == nil {
		return nil, fmt.Errorf("%w: %s in %s", domain.ErrUnknownSagaStep, sc.Step, d.Name)
	}
	return d.invoke(ctx, sc, raw, handler)
}

// Compensate executes the compensator of sc.Step, if any.
func (d *Definition[P]) Compensate(ctx context.Context, sc *StepContext, raw json.RawMessage) (json.RawMessage, error) {
	comp := d.Compensators[sc.Step]
	if comp == nil {
		return raw, nil
	}
	return d.invoke(ctx, sc, raw, StepFunc[P](comp))
}

func (d *Definition[P]) invoke(ctx context.Context, sc *StepContext, raw json.RawMessage, fn StepFunc[P]) (json.RawMessage, error) {
	payload, err := d.decode(raw)
	if err != nil {
		return nil, err
	}

	stepErr := fn(ctx, sc, payload)

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", domain.ErrInvalidPayload, d.PayloadType, err)
	}
	return out, stepErr
}

// SagaRegistry holds the saga definitions a process can drive.
type SagaRegistry struct {
	defs *xsync.MapOf[string, SagaDefinition]
}

// NewSagaRegistry creates an empty registry.
func NewSagaRegistry() *SagaRegistry {
	return &SagaRegistry{
		defs: xsync.NewMapOf[string, SagaDefinition](),
	}
}

// Register adds a definition. Names are unique.
func (r *SagaRegistry) Register(def SagaDefinition) error {
	if v, ok := def.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if _, loaded := r.defs.LoadOrStore(def.SagaName(), def); loaded {
		return fmt.Errorf("saga %s already registered", def.SagaName())
	}
	return nil
}

// Get returns the definition registered under name.
func (r *SagaRegistry) Get(name string) (SagaDefinition, error) {
	def, ok := r.defs.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSaga, name)
	}
	return def, nil
}

// TriggerEventTypes lists every event type that triggers a step of any
// registered saga.
func (r *SagaRegistry) TriggerEventTypes() []string {
	set := map[string]struct{}{}
	r.defs.Range(func(_ string, def SagaDefinition) bool {
		for _, et := range def.TriggerEventTypes() {
			set[et] = struct{}{}
		}
		return true
	})
	out := make([]string, 0, len(set))
	for et := range set {
		out = append(out, et)
	}
	sort.Strings(out)
	return out
}
