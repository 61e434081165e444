package github

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

// fetchUserHandler fetches the user document. No degraded form: a nil
// fallback fails the card and its dependents.
type fetchUserHandler struct {
	pages PageFetcher
}

func (h *fetchUserHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	login := subjectLogin(hctx.Job.SubjectKey)
	hctx.Progress("fetching", map[string]interface{}{"url": userURL(login)})

	resp, err := h.pages.Get(ctx, userURL(login))
	if err != nil {
		return nil, err
	}
	var user map[string]interface{}
	if err := decodeJSON(resp.Body, &user); err != nil {
		return nil, err
	}
	if user["login"] == nil {
		return nil, common.NewError(common.KindUpstreamUnavailable, "user document has no login")
	}

	return &analysis.CardResult{
		Data:      user,
		Artifacts: map[string]interface{}{artifactUser: user},
		Counters:  fingerprintCounters(user),
	}, nil
}

func (h *fetchUserHandler) Validate(data map[string]interface{}) error {
	if data["login"] == nil {
		return fmt.Errorf("login missing")
	}
	return nil
}

func (h *fetchUserHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	return nil
}

func (h *fetchUserHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	return data
}

// fetchReposHandler fetches the repository list.
type fetchReposHandler struct {
	pages PageFetcher
}

func (h *fetchReposHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	login := subjectLogin(hctx.Job.SubjectKey)
	resp, err := h.pages.Get(ctx, reposURL(login))
	if err != nil {
		return nil, err
	}
	var repos []interface{}
	if err := decodeJSON(resp.Body, &repos); err != nil {
		return nil, err
	}

	// No counters: the repo list is not part of the probe's user document,
	// so it contributes nothing to the fingerprint material.
	return &analysis.CardResult{
		Data:      map[string]interface{}{"repos": repos, "total": len(repos)},
		Artifacts: map[string]interface{}{artifactRepos: repos},
	}, nil
}

func (h *fetchReposHandler) Validate(data map[string]interface{}) error { return nil }

func (h *fetchReposHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	return nil
}

func (h *fetchReposHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	return data
}

// profileHandler shapes the public profile card from the user document.
type profileHandler struct{}

func (h *profileHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	user, ok := hctx.Artifacts.GetMap(artifactUser)
	if !ok {
		return nil, common.NewError(common.KindInternal, "github user artifact missing")
	}
	return &analysis.CardResult{
		Data: map[string]interface{}{
			"login":     user["login"],
			"name":      user["name"],
			"company":   user["company"],
			"location":  user["location"],
			"bio":       user["bio"],
			"blog":      user["blog"],
			"followers": user["followers"],
			"following": user["following"],
			"metrics": map[string]interface{}{
				"public_repos": user["public_repos"],
				"public_gists": user["public_gists"],
			},
			"created_at": user["created_at"],
		},
	}, nil
}

func (h *profileHandler) Validate(data map[string]interface{}) error {
	if data["login"] == nil {
		return fmt.Errorf("login missing")
	}
	return nil
}

func (h *profileHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	return &analysis.CardResult{
		Data:          map[string]interface{}{"login": "", "name": ""},
		PreserveEmpty: true,
	}
}

func (h *profileHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	return data
}

// reposHandler ranks repositories by stars and keeps the top slice.
type reposHandler struct{}

func (h *reposHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	raw, ok := hctx.Artifacts.Get(artifactRepos)
	if !ok {
		return nil, common.NewError(common.KindInternal, "github repos artifact missing")
	}
	repos, _ := raw.([]interface{})

	sorted := make([]interface{}, len(repos))
	copy(sorted, repos)
	sort.SliceStable(sorted, func(i, j int) bool {
		return starsOf(sorted[i]) > starsOf(sorted[j])
	})

	top := sorted
	if len(top) > maxRepos {
		top = top[:maxRepos]
	}
	items := make([]interface{}, 0, len(top))
	var languages = map[string]int{}
	for _, r := range top {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		item := map[string]interface{}{
			"name":        m["name"],
			"description": m["description"],
			"language":    m["language"],
			"stars":       m["stargazers_count"],
			"forks":       m["forks_count"],
			"updated_at":  m["updated_at"],
		}
		if lang, _ := m["language"].(string); lang != "" {
			languages[lang]++
		}
		items = append(items, item)
		hctx.Append(item)
	}

	return &analysis.CardResult{
		Data: map[string]interface{}{
			"repos":     items,
			"total":     len(repos),
			"languages": languageList(languages),
		},
	}, nil
}

func starsOf(item interface{}) float64 {
	m, ok := item.(map[string]interface{})
	if !ok {
		return 0
	}
	n, _ := m["stargazers_count"].(float64)
	return n
}

func languageList(counts map[string]int) []interface{} {
	type lang struct {
		name  string
		count int
	}
	ordered := make([]lang, 0, len(counts))
	for name, count := range counts {
		ordered = append(ordered, lang{name, count})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].name < ordered[j].name
	})
	out := make([]interface{}, 0, len(ordered))
	for _, l := range ordered {
		out = append(out, map[string]interface{}{"language": l.name, "repos": l.count})
	}
	return out
}

func (h *reposHandler) Validate(data map[string]interface{}) error {
	if _, ok := data["repos"]; !ok {
		return fmt.Errorf("repos missing")
	}
	return nil
}

func (h *reposHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	return &analysis.CardResult{
		Data:          map[string]interface{}{"repos": []interface{}{}, "total": 0},
		PreserveEmpty: true,
	}
}

func (h *reposHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	return data
}

// summaryHandler renders the narrative via the model router, degrading to a
// deterministic line composed from the user document.
type summaryHandler struct {
	models Completer
}

func (h *summaryHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	user, _ := hctx.Artifacts.GetMap(artifactUser)
	repos, _ := hctx.Artifacts.Get(artifactRepos)

	raw, _ := json.Marshal(map[string]interface{}{"user": user, "repos": repos})
	hctx.Progress("rendering", map[string]interface{}{"prompt_chars": len(raw)})

	resp, err := h.models.Complete(ctx, "summary", &llm.Request{
		System: "You summarize software developer profiles factually in under 150 words. Never speculate beyond the provided data.",
		Prompt: "Summarize this developer based on the following API data:\n" + string(raw),
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
	if user, ok := hctx.Artifacts.GetMap(artifactUser); ok {
		if login, _ := user["login"].(string); login != "" {
			text = fmt.Sprintf("%s is a developer on GitHub", login)
			if followers, ok := user["followers"].(float64); ok && followers > 0 {
				text += fmt.Sprintf(" with %d followers", int(followers))
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
