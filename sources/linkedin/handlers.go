package linkedin

import (
	"context"
	"encoding/json"
	"fmt"

	"dossio.org/analysis"
	"dossio.org/common"
	"dossio.org/handler"
	"dossio.org/llm"
)

// fetchPageHandler fetches the public profile page and extracts its open
// graph metadata. A page without og:title is a login wall, not a profile.
type fetchPageHandler struct {
	pages PageFetcher
}

func (h *fetchPageHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	slug := subjectSlug(hctx.Job.SubjectKey)
	hctx.Progress("fetching", map[string]interface{}{"url": profileURL(slug)})

	resp, err := h.pages.Get(ctx, profileURL(slug))
	if err != nil {
		return nil, err
	}

	page := parsePage(resp.Body)
	if page.Title == "" {
		return nil, common.NewError(common.KindUpstreamUnavailable, "profile page exposed no open graph metadata")
	}

	raw, _ := json.Marshal(page)
	var data map[string]interface{}
	_ = json.Unmarshal(raw, &data)

	return &analysis.CardResult{
		Data:      data,
		Artifacts: map[string]interface{}{artifactPage: data},
	}, nil
}

func (h *fetchPageHandler) Validate(data map[string]interface{}) error {
	if title, _ := data["title"].(string); title == "" {
		return fmt.Errorf("page title missing")
	}
	return nil
}

func (h *fetchPageHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	return nil
}

func (h *fetchPageHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	return data
}

// profileHandler shapes the profile card from the page metadata. Its
// fallback keeps the slug so a degraded report still identifies the subject.
type profileHandler struct{}

func (h *profileHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	page, ok := hctx.Artifacts.GetMap(artifactPage)
	if !ok {
		return nil, common.NewError(common.KindInternal, "linkedin page artifact missing")
	}
	title, _ := page["title"].(string)
	name, headline := splitTitle(title)

	return &analysis.CardResult{
		Data: map[string]interface{}{
			"slug":     subjectSlug(hctx.Job.SubjectKey),
			"name":     name,
			"headline": headline,
			"about":    page["description"],
			"locale":   page["locale"],
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
		Data: map[string]interface{}{
			"slug": subjectSlug(hctx.Job.SubjectKey),
			"name": "",
		},
		PreserveEmpty: true,
	}
}

func (h *profileHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	return data
}

// summaryHandler renders the narrative via the model router.
type summaryHandler struct {
	models Completer
}

func (h *summaryHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	page, _ := hctx.Artifacts.GetMap(artifactPage)

	raw, _ := json.Marshal(page)
	hctx.Progress("rendering", map[string]interface{}{"prompt_chars": len(raw)})

	resp, err := h.models.Complete(ctx, "summary", &llm.Request{
		System: "You summarize professional profiles factually in under 100 words. Never speculate beyond the provided data.",
		Prompt: "Summarize this person based on their public profile metadata:\n" + string(raw),
	})
	if err != nil {
		return nil, err
	}

	hctx.Delta(resp.Text)
	return &analysis.CardResult{
		Data: map[string]interface{}{"summary": resp.Text, "model": resp.Model},
	}, nil
}

func (h *summaryHandler) Validate(data map[string]interface{}) error {
	if text, _ := data["summary"].(string); text == "" {
		return fmt.Errorf("summary text missing")
	}
	return nil
}

func (h *summaryHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	text := "Summary unavailable."
	if page, ok := hctx.Artifacts.GetMap(artifactPage); ok {
		title, _ := page["title"].(string)
		if name, headline := splitTitle(title); name != "" {
			text = name
			if headline != "" {
				text += " works as " + headline
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
