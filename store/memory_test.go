package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossio.org/analysis"
	"dossio.org/common"
)

func newJob(id, user string) *analysis.Job {
	return &analysis.Job{
		ID:         id,
		UserID:     user,
		Source:     analysis.SourceScholar,
		SubjectKey: "id:Y-ql3zMAAAAJ",
		Status:     analysis.JobQueued,
		Input:      map[string]interface{}{"content": "Y-ql3zMAAAAJ"},
	}
}

// TestCreateJobIdempotency verifies property 5: same key + same body returns
// the same job, same key + different body conflicts
func TestCreateJobIdempotency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, created, err := m.CreateJob(ctx, newJob("job-1", "u1"), "key-1", "hash-a")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := m.CreateJob(ctx, newJob("job-2", "u1"), "key-1", "hash-a")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, _, err = m.CreateJob(ctx, newJob("job-3", "u1"), "key-1", "hash-b")
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.KindOf(err))

	// Different user, same key: no collision
	_, created, err = m.CreateJob(ctx, newJob("job-4", "u2"), "key-1", "hash-b")
	require.NoError(t, err)
	assert.True(t, created)
}

// TestGetJobOwnership verifies property 2: ownership mismatch reads fail
// with not_found
func TestGetJobOwnership(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, err := m.CreateJob(ctx, newJob("job-1", "u1"), "", "")
	require.NoError(t, err)

	_, err = m.GetJob(ctx, "u1", "job-1")
	assert.NoError(t, err)

	_, err = m.GetJob(ctx, "u2", "job-1")
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

// TestEventSequenceTotality verifies property 1: seqs are exactly 1..last_seq
func TestEventSequenceTotality(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, err := m.CreateJob(ctx, newJob("job-1", "u1"), "", "")
	require.NoError(t, err)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Append(ctx, "job-1", analysis.EventCardProgress, "c1", "profile", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := m.After(ctx, "job-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, n)

	seen := make(map[int64]bool)
	for _, ev := range events {
		assert.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		seen[ev.Seq] = true
	}
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing seq %d", i)
	}

	job, err := m.GetJob(ctx, "u1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), job.LastSeq)
}

// TestAfterPagination verifies resume semantics with a cursor and limit
func TestAfterPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, err := m.CreateJob(ctx, newJob("job-1", "u1"), "", "")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := m.Append(ctx, "job-1", analysis.EventCardProgress, "", "", map[string]interface{}{"i": i})
		require.NoError(t, err)
	}

	page, err := m.After(ctx, "job-1", 4, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(5), page[0].Seq)
	assert.Equal(t, int64(7), page[2].Seq)

	rest, err := m.After(ctx, "job-1", 7, 0)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, int64(10), rest[2].Seq)
}

// TestClaimCardCAS verifies at-most-once claiming under contention
func TestClaimCardCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, err := m.CreateJob(ctx, newJob("job-1", "u1"), "", "")
	require.NoError(t, err)

	card := &analysis.Card{ID: "c1", JobID: "job-1", Type: "profile", Status: analysis.CardPending}
	require.NoError(t, m.CreateCards(ctx, []*analysis.Card{card}))

	// Claiming a pending card fails
	ok, err := m.ClaimCard(ctx, "job-1", "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.MarkCardReady(ctx, "job-1", "c1"))

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ClaimCard(ctx, "job-1", "c1")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins, "exactly one worker claims the card")
}

// TestFinishCard verifies output persistence and terminal status
func TestFinishCard(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, err := m.CreateJob(ctx, newJob("job-1", "u1"), "", "")
	require.NoError(t, err)

	require.NoError(t, m.CreateCards(ctx, []*analysis.Card{
		{ID: "c1", JobID: "job-1", Type: "profile", Status: analysis.CardReady},
	}))

	doc := &analysis.Document{
		Data: map[string]interface{}{"name": "Ada"},
		Meta: analysis.Meta{ContentHash: "abcd"},
	}
	require.NoError(t, m.FinishCard(ctx, "job-1", "c1", analysis.CardCompleted, doc, 1))

	got, err := m.GetCard(ctx, "job-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, analysis.CardCompleted, got.Status)
	assert.Equal(t, 1, got.Retries)
	require.NotNil(t, got.Output)
	assert.Equal(t, "Ada", got.Output.Data["name"])
	assert.NotNil(t, got.FinishedAt)
}

// TestListCardsMissingJob verifies not_found propagation
func TestListCardsMissingJob(t *testing.T) {
	m := NewMemory()
	_, err := m.ListCards(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
	assert.Contains(t, err.Error(), fmt.Sprintf("job %s not found", "nope"))
}
