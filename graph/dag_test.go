package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossio.org/analysis"
)

func card(id string, deps ...string) *analysis.Card {
	return &analysis.Card{ID: id, JobID: "j", Type: id, Deps: deps, Status: analysis.CardPending}
}

func TestValidateDAG(t *testing.T) {
	cards := []*analysis.Card{
		card("fetch"),
		card("profile", "fetch"),
		card("summary", "profile", "fetch"),
	}
	assert.NoError(t, ValidateDAG(cards))
}

func TestValidateDAGCycle(t *testing.T) {
	cards := []*analysis.Card{
		card("a", "b"),
		card("b", "a"),
	}
	err := ValidateDAG(cards)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestValidateDAGUnknownDep(t *testing.T) {
	cards := []*analysis.Card{card("a", "missing")}
	err := ValidateDAG(cards)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown card")
}

func TestExecutionOrder(t *testing.T) {
	cards := []*analysis.Card{
		card("summary", "profile", "papers"),
		card("papers", "fetch"),
		card("profile", "fetch"),
		card("fetch"),
	}
	order, err := ExecutionOrder(cards)
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int)
	for i, c := range order {
		pos[c.ID] = i
	}
	assert.Less(t, pos["fetch"], pos["profile"])
	assert.Less(t, pos["fetch"], pos["papers"])
	assert.Less(t, pos["profile"], pos["summary"])
	assert.Less(t, pos["papers"], pos["summary"])
}

func TestExecutionOrderCycle(t *testing.T) {
	cards := []*analysis.Card{
		card("a", "c"),
		card("b", "a"),
		card("c", "b"),
	}
	_, err := ExecutionOrder(cards)
	assert.Error(t, err)
}

func TestReady(t *testing.T) {
	fetch := card("fetch")
	profile := card("profile", "fetch")
	byID := map[string]*analysis.Card{"fetch": fetch, "profile": profile}

	ok, err := Ready(profile, byID)
	require.NoError(t, err)
	assert.False(t, ok)

	fetch.Status = analysis.CardCompleted
	ok, err = Ready(profile, byID)
	require.NoError(t, err)
	assert.True(t, ok)

	// A failed dependency never satisfies readiness
	fetch.Status = analysis.CardFailed
	ok, err = Ready(profile, byID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDownstream(t *testing.T) {
	cards := []*analysis.Card{
		card("fetch"),
		card("profile", "fetch"),
		card("papers", "fetch"),
		card("summary", "profile", "papers"),
		card("other"),
	}
	down := Downstream("fetch", cards)

	ids := make(map[string]bool)
	for _, c := range down {
		ids[c.ID] = true
	}
	assert.Len(t, ids, 3)
	assert.True(t, ids["profile"])
	assert.True(t, ids["papers"])
	assert.True(t, ids["summary"])
	assert.False(t, ids["other"])
}
