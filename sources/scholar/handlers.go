package scholar

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"dossio.org/analysis"
	"dossio.org/common"
	"dossio.org/handler"
	"dossio.org/llm"
)

// maxPapers bounds the publication list in the papers card.
const maxPapers = 25

func toMap(v interface{}) map[string]interface{} {
	raw, _ := json.Marshal(v)
	var m map[string]interface{}
	_ = json.Unmarshal(raw, &m)
	return m
}

// fetchProfileHandler scrapes the citations page header and stats. Resource
// fetches have no sensible degraded form: a nil fallback fails the card and
// everything downstream of it.
type fetchProfileHandler struct {
	pages PageFetcher
}

func (h *fetchProfileHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	id := subjectID(hctx.Job.SubjectKey)
	hctx.Progress("fetching", map[string]interface{}{"url": profileURL(id)})

	resp, err := h.pages.Get(ctx, profileURL(id))
	if err != nil {
		return nil, err
	}

	p := parseProfile(resp.Body)
	if p.Name == "" {
		return nil, common.NewError(common.KindUpstreamUnavailable, "citations page yielded no profile")
	}

	data := toMap(p)
	return &analysis.CardResult{
		Data:      data,
		Artifacts: map[string]interface{}{artifactProfile: data},
		Counters:  fingerprintCounters(p),
	}, nil
}

func (h *fetchProfileHandler) Validate(data map[string]interface{}) error {
	if name, _ := data["name"].(string); name == "" {
		return fmt.Errorf("profile name missing")
	}
	return nil
}

func (h *fetchProfileHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	return nil
}

func (h *fetchProfileHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	return data
}

// fetchPapersHandler scrapes the publication table.
type fetchPapersHandler struct {
	pages PageFetcher
}

func (h *fetchPapersHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	id := subjectID(hctx.Job.SubjectKey)
	resp, err := h.pages.Get(ctx, papersURL(id))
	if err != nil {
		return nil, err
	}

	papers := parsePapers(resp.Body)
	items := make([]interface{}, 0, len(papers))
	for _, p := range papers {
		items = append(items, toMap(p))
	}
	// No counters: the paper count is not visible to the profile-page probe,
	// so it must stay out of the fingerprint material.
	return &analysis.CardResult{
		Data:      map[string]interface{}{"papers": items, "total": len(items)},
		Artifacts: map[string]interface{}{artifactPapers: items},
	}, nil
}

func (h *fetchPapersHandler) Validate(data map[string]interface{}) error { return nil }

func (h *fetchPapersHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	return nil
}

func (h *fetchPapersHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	return data
}

// profileHandler shapes the public profile card from the raw scrape.
type profileHandler struct{}

func (h *profileHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	raw, ok := hctx.Artifacts.GetMap(artifactProfile)
	if !ok {
		return nil, common.NewError(common.KindInternal, "scholar profile artifact missing")
	}
	return &analysis.CardResult{
		Data: map[string]interface{}{
			"name":        raw["name"],
			"affiliation": raw["affiliation"],
			"interests":   raw["interests"],
			"metrics": map[string]interface{}{
				"citations": raw["citations"],
				"h_index":   raw["h_index"],
				"i10_index": raw["i10_index"],
			},
		},
	}, nil
}

func (h *profileHandler) Validate(data map[string]interface{}) error {
	if name, _ := data["name"].(string); name == "" {
		return fmt.Errorf("profile name missing")
	}
	return nil
}

func (h *profileHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	return &analysis.CardResult{
		Data:          map[string]interface{}{"name": "", "affiliation": "", "interests": []interface{}{}},
		PreserveEmpty: true,
	}
}

func (h *profileHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	return data
}

// papersHandler ranks publications by citations and keeps the top slice.
type papersHandler struct{}

func (h *papersHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	raw, ok := hctx.Artifacts.Get(artifactPapers)
	if !ok {
		return nil, common.NewError(common.KindInternal, "scholar papers artifact missing")
	}
	items, _ := raw.([]interface{})

	sorted := make([]interface{}, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return citationsOf(sorted[i]) > citationsOf(sorted[j])
	})

	top := sorted
	if len(top) > maxPapers {
		top = top[:maxPapers]
	}
	for _, item := range top {
		if m, ok := item.(map[string]interface{}); ok {
			hctx.Append(m)
		}
	}
	return &analysis.CardResult{
		Data: map[string]interface{}{"papers": top, "total": len(items)},
	}, nil
}

func citationsOf(item interface{}) float64 {
	m, ok := item.(map[string]interface{})
	if !ok {
		return 0
	}
	n, _ := m["citations"].(float64)
	return n
}

func (h *papersHandler) Validate(data map[string]interface{}) error {
	if _, ok := data["papers"]; !ok {
		return fmt.Errorf("papers missing")
	}
	return nil
}

func (h *papersHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	return &analysis.CardResult{
		Data:          map[string]interface{}{"papers": []interface{}{}, "total": 0},
		PreserveEmpty: true,
	}
}

func (h *papersHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	return data
}

// summaryHandler renders the narrative via the model router. Its fallback
// is deterministic: a one-line summary composed from the scraped profile,
// so the card degrades without another upstream call.
type summaryHandler struct {
	models Completer
}

func (h *summaryHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	profile, _ := hctx.Artifacts.GetMap(artifactProfile)
	papers, _ := hctx.Artifacts.Get(artifactPapers)

	prompt := buildSummaryPrompt(profile, papers)
	hctx.Progress("rendering", map[string]interface{}{"prompt_chars": len(prompt)})

	resp, err := h.models.Complete(ctx, "summary", &llm.Request{
		System: "You summarize academic profiles factually in under 150 words. Never speculate beyond the provided data.",
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}

	hctx.Delta(resp.Text)
	return &analysis.CardResult{
		Data: map[string]interface{}{"summary": resp.Text, "model": resp.Model},
	}, nil
}

func buildSummaryPrompt(profile map[string]interface{}, papers interface{}) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"profile": profile,
		"papers":  papers,
	})
	return "Summarize this researcher based on the following scraped data:\n" + string(raw)
}

func (h *summaryHandler) Validate(data map[string]interface{}) error {
	if text, _ := data["summary"].(string); text == "" {
		return fmt.Errorf("summary text missing")
	}
	return nil
}

func (h *summaryHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	text := "Summary unavailable."
	if profile, ok := hctx.Artifacts.GetMap(artifactProfile); ok {
		name, _ := profile["name"].(string)
		affiliation, _ := profile["affiliation"].(string)
		if name != "" {
			text = fmt.Sprintf("%s is a researcher", name)
			if affiliation != "" {
				text += " at " + affiliation
			}
			text += "."
		}
	}
	return &analysis.CardResult{
		Data: map[string]interface{}{"summary": text},
	}
}

func (h *summaryHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	return data
}
