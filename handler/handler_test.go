package handler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossio.org/analysis"
)

type nopHandler struct{}

func (nopHandler) Execute(ctx context.Context, hctx *Context) (*analysis.CardResult, error) {
	return &analysis.CardResult{Data: map[string]interface{}{"ok": true}}, nil
}
func (nopHandler) Validate(data map[string]interface{}) error { return nil }
func (nopHandler) Fallback(hctx *Context, cause error) *analysis.CardResult {
	return &analysis.CardResult{IsFallback: true}
}
func (nopHandler) Normalize(data map[string]interface{}) map[string]interface{} { return data }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("scholar", "profile", nopHandler{})

	h, err := r.Get("scholar", "profile")
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = r.Get("scholar", "unknown")
	assert.Error(t, err)

	assert.Panics(t, func() { r.Register("scholar", "profile", nopHandler{}) })
}

func TestArtifacts(t *testing.T) {
	a := NewArtifacts()

	_, ok := a.Get("raw")
	assert.False(t, ok)

	a.Publish(map[string]interface{}{
		"raw":   map[string]interface{}{"name": "Ada"},
		"count": 42,
	})

	m, ok := a.GetMap("raw")
	require.True(t, ok)
	assert.Equal(t, "Ada", m["name"])

	_, ok = a.GetMap("count")
	assert.False(t, ok, "non-map artifact is not a map")

	v, ok := a.Get("count")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestArtifactsConcurrent(t *testing.T) {
	a := NewArtifacts()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Publish(map[string]interface{}{"k": 1})
			a.Get("k")
		}()
	}
	wg.Wait()
	_, ok := a.Get("k")
	assert.True(t, ok)
}

func TestContextEmit(t *testing.T) {
	var events []analysis.EventType
	var payloads []map[string]interface{}
	emit := func(et analysis.EventType, payload map[string]interface{}) {
		events = append(events, et)
		payloads = append(payloads, payload)
	}

	job := &analysis.Job{ID: "j1"}
	card := &analysis.Card{ID: "c1", JobID: "j1"}
	hctx := NewContext(job, card, NewArtifacts(), emit)

	hctx.Progress("fetching", map[string]interface{}{"page": 2})
	hctx.Delta("hello")
	hctx.Append(map[string]interface{}{"title": "paper"})

	require.Len(t, events, 3)
	assert.Equal(t, analysis.EventCardProgress, events[0])
	assert.Equal(t, "fetching", payloads[0]["stage"])
	assert.Equal(t, 2, payloads[0]["page"])
	assert.Equal(t, analysis.EventCardDelta, events[1])
	assert.Equal(t, "hello", payloads[1]["text"])
	assert.Equal(t, analysis.EventCardAppend, events[2])
}

func TestContextEmitNil(t *testing.T) {
	hctx := NewContext(&analysis.Job{}, &analysis.Card{}, NewArtifacts(), nil)
	// Must not panic without an emitter
	hctx.Progress("x", nil)
	hctx.Delta("y")
	hctx.Append(nil)
}
