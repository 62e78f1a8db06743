package memory

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/iho/sagaledger/internal/domain"
)

func cloneAccount(a *domain.Account) *domain.Account {
	c := *a
	return &c
}

func cloneBalance(b *domain.AccountBalance) *domain.AccountBalance {
	c := *b
	return &c
}

func cloneDimensional(b *domain.DimensionalBalance) *domain.DimensionalBalance {
	c := *b
	return &c
}

func clonePosting(p *domain.JournalPosting) *domain.JournalPosting {
	c := *p
	return &c
}

func cloneEntry(e *domain.JournalEntry) *domain.JournalEntry {
	c := *e
	c.ReversesEntryID = cloneString(e.ReversesEntryID)
	c.ReversedByEntryID = cloneString(e.ReversedByEntryID)
	if e.Void != nil {
		v := *e.Void
		c.Void = &v
	}
	c.Postings = make([]*domain.JournalPosting, len(e.Postings))
	for i, p := range e.Postings {
		c.Postings[i] = clonePosting(p)
	}
	return &c
}

func cloneSaga(s *domain.SagaState) *domain.SagaState {
	c := *s
	c.Steps = slices.Clone(s.Steps)
	c.Payload = slices.Clone(s.Payload)
	c.Compensations = slices.Clone(s.Compensations)
	if s.TimeoutAt != nil {
		t := *s.TimeoutAt
		c.TimeoutAt = &t
	}
	return &c
}

func cloneEvent(e *domain.OutboxEvent) *domain.OutboxEvent {
	c := *e
	c.Payload = clonePayload(e.Payload)
	if e.LeaseUntil != nil {
		t := *e.LeaseUntil
		c.LeaseUntil = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// clonePayload deep-copies through JSON, the form a database would store.
func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return maps.Clone(p)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return maps.Clone(p)
	}
	return out
}

func cloneAudit(l *domain.AuditLog) *domain.AuditLog {
	c := *l
	c.BeforeState = maps.Clone(l.BeforeState)
	c.AfterState = maps.Clone(l.AfterState)
	c.Diff = slices.Clone(l.Diff)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
