package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dossio.org/analysis"
	"dossio.org/common"
)

// Memory is an in-memory Store. It mirrors the postgres semantics
// (ownership checks, CAS claims, gapless per-job sequences) and backs the
// engine tests and the one-shot CLI mode.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*analysis.Job
	cards       map[string]map[string]*analysis.Card // jobID -> cardID -> card
	events      map[string][]*analysis.Event         // jobID -> ordered events
	idempotency map[string]idemRecord                // userID/key -> record
}

type idemRecord struct {
	jobID    string
	bodyHash string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*analysis.Job),
		cards:       make(map[string]map[string]*analysis.Card),
		events:      make(map[string][]*analysis.Event),
		idempotency: make(map[string]idemRecord),
	}
}

func idemKey(userID, key string) string { return userID + "/" + key }

func (m *Memory) CreateJob(ctx context.Context, job *analysis.Job, idempotencyKey, bodyHash string) (*analysis.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		if rec, ok := m.idempotency[idemKey(job.UserID, idempotencyKey)]; ok {
			if rec.bodyHash != bodyHash {
				return nil, false, common.NewError(common.KindConflict, "idempotency key reused with a different body")
			}
			existing := m.jobs[rec.jobID]
			clone := *existing
			return &clone, false, nil
		}
	}

	now := time.Now()
	stored := *job
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.jobs[job.ID] = &stored
	m.cards[job.ID] = make(map[string]*analysis.Card)

	if idempotencyKey != "" {
		m.idempotency[idemKey(job.UserID, idempotencyKey)] = idemRecord{jobID: job.ID, bodyHash: bodyHash}
	}

	clone := stored
	return &clone, true, nil
}

func (m *Memory) GetJob(ctx context.Context, userID, jobID string) (*analysis.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || (userID != "" && job.UserID != userID) {
		return nil, common.NewError(common.KindNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	clone := *job
	return &clone, nil
}

func (m *Memory) SetJobStatus(ctx context.Context, jobID string, status analysis.JobStatus, result map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return common.NewError(common.KindNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	job.Status = status
	if result != nil {
		job.Result = result
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) CreateCards(ctx context.Context, cards []*analysis.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, card := range cards {
		byID, ok := m.cards[card.JobID]
		if !ok {
			return common.NewError(common.KindNotFound, fmt.Sprintf("job %s not found", card.JobID))
		}
		clone := *card
		byID[card.ID] = &clone
	}
	return nil
}

func (m *Memory) ListCards(ctx context.Context, jobID string) ([]*analysis.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.cards[jobID]
	if !ok {
		return nil, common.NewError(common.KindNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	cards := make([]*analysis.Card, 0, len(byID))
	for _, card := range byID {
		clone := *card
		cards = append(cards, &clone)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
	return cards, nil
}

func (m *Memory) GetCard(ctx context.Context, jobID, cardID string) (*analysis.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	card, ok := m.cards[jobID][cardID]
	if !ok {
		return nil, common.NewError(common.KindNotFound, fmt.Sprintf("card %s not found", cardID))
	}
	clone := *card
	return &clone, nil
}

func (m *Memory) MarkCardReady(ctx context.Context, jobID, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	card, ok := m.cards[jobID][cardID]
	if !ok {
		return common.NewError(common.KindNotFound, fmt.Sprintf("card %s not found", cardID))
	}
	if card.Status == analysis.CardPending {
		card.Status = analysis.CardReady
	}
	return nil
}

func (m *Memory) ClaimCard(ctx context.Context, jobID, cardID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	card, ok := m.cards[jobID][cardID]
	if !ok {
		return false, common.NewError(common.KindNotFound, fmt.Sprintf("card %s not found", cardID))
	}
	if card.Status != analysis.CardReady {
		return false, nil
	}
	now := time.Now()
	card.Status = analysis.CardRunning
	card.StartedAt = &now
	return true, nil
}

func (m *Memory) FinishCard(ctx context.Context, jobID, cardID string, status analysis.CardStatus, output *analysis.Document, retries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	card, ok := m.cards[jobID][cardID]
	if !ok {
		return common.NewError(common.KindNotFound, fmt.Sprintf("card %s not found", cardID))
	}
	now := time.Now()
	card.Status = status
	card.Output = output
	card.Retries = retries
	card.FinishedAt = &now
	return nil
}

func (m *Memory) Append(ctx context.Context, jobID string, typ analysis.EventType, cardID, cardType string, payload map[string]interface{}) (*analysis.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, common.NewError(common.KindNotFound, fmt.Sprintf("job %s not found", jobID))
	}

	event := &analysis.Event{
		JobID:     jobID,
		Seq:       job.LastSeq + 1,
		Type:      typ,
		CardID:    cardID,
		CardType:  cardType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	m.events[jobID] = append(m.events[jobID], event)
	job.LastSeq = event.Seq
	return event, nil
}

func (m *Memory) After(ctx context.Context, jobID string, after int64, limit int) ([]*analysis.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.events[jobID]
	var page []*analysis.Event
	for _, ev := range all {
		if ev.Seq <= after {
			continue
		}
		page = append(page, ev)
		if limit > 0 && len(page) >= limit {
			break
		}
	}
	return page, nil
}
