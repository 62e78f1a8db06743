package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// SagaStatus is the lifecycle state of a saga instance.
type SagaStatus string

const (
	SagaStatusPending      SagaStatus = "pending"
	SagaStatusRunning      SagaStatus = "running"
	SagaStatusCompensating SagaStatus = "compensating"
	SagaStatusCompensated  SagaStatus = "compensated"
	SagaStatusFailed       SagaStatus = "failed"
	SagaStatusCompleted    SagaStatus = "completed"
)

var sagaTransitions = map[SagaStatus][]SagaStatus{
	SagaStatusPending:      {SagaStatusRunning, SagaStatusFailed},
	SagaStatusRunning:      {SagaStatusCompleted, SagaStatusFailed, SagaStatusCompensating},
	SagaStatusFailed:       {SagaStatusCompensating},
	SagaStatusCompensating: {SagaStatusCompensated},
}

// CanTransition reports whether a saga may move from one status to another.
func (s SagaStatus) CanTransition(to SagaStatus) bool {
	return slices.Contains(sagaTransitions[s], to)
}

// Valid reports whether s is a known status.
func (s SagaStatus) Valid() bool {
	switch s {
	case SagaStatusPending, SagaStatusRunning, SagaStatusCompensating,
		SagaStatusCompensated, SagaStatusFailed, SagaStatusCompleted:
		return true
	}
	return false
}

// CompensationRecord is the outcome of one compensating action.
type CompensationRecord struct {
	Step      string    `json:"step"`
	Succeeded bool      `json:"succeeded"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// SagaState is one saga instance.
type SagaState struct {
	ID             string
	Name           string
	OrganizationID string
	Steps          []string
	CurrentStep    string
	PayloadType    string
	Payload        json.RawMessage
	Status         SagaStatus
	ErrorMessage   string
	FailedStep     string
	Compensations  []CompensationRecord
	HeartbeatAt    time.Time
	TimeoutAt      *time.Time
	TraceID        string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StepIndex returns the position of step in the declared step list, or -1.
func (s *SagaState) StepIndex(step string) int {
	return slices.Index(s.Steps, step)
}

// NextStep returns the step after step, and false when step is the last one.
func (s *SagaState) NextStep(step string) (string, bool) {
	i := s.StepIndex(step)
	if i < 0 || i+1 >= len(s.Steps) {
		return "", false
	}
	return s.Steps[i+1], true
}

// SetCurrentStep moves the saga to step, which must be declared.
func (s *SagaState) SetCurrentStep(step string) error {
	if s.StepIndex(step) < 0 {
		return fmt.Errorf("%w: %s not in %s", ErrUnknownSagaStep, step, s.Name)
	}
	s.CurrentStep = step
	return nil
}

// TransitionTo changes the status, rejecting non-monotone moves.
func (s *SagaState) TransitionTo(to SagaStatus) error {
	if s.Status == to {
		return nil
	}
	if !s.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSagaTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

// IsTerminal reports whether the saga will not make further progress.
func (s *SagaState) IsTerminal() bool {
	switch s.Status {
	case SagaStatusCompleted, SagaStatusCompensated:
		return true
	case SagaStatusFailed:
		// a failed step still owes compensation; a timeout does not
		return s.FailedStep == ""
	}
	return false
}

// IsTimedOut reports whether the saga's absolute deadline has passed.
func (s *SagaState) IsTimedOut(now time.Time) bool {
	return s.TimeoutAt != nil && now.After(*s.TimeoutAt)
}

// Compensated reports whether a compensating action already ran for step.
func (s *SagaState) Compensated(step string) bool {
	for _, c := range s.Compensations {
		if c.Step == step {
			return true
		}
	}
	return false
}

// PartiallyCompensated reports whether any compensating action failed.
func (s *SagaState) PartiallyCompensated() bool {
	for _, c := range s.Compensations {
		if !c.Succeeded {
			return true
		}
	}
	return false
}

// SagaFilter narrows saga listings.
type SagaFilter struct {
	Status SagaStatus
	Name   string
	Limit  int
	Offset int
}
