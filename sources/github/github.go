// Package github analyzes GitHub accounts through the public REST API.
// Resource cards fetch the user and repository documents, business cards
// shape the profile and repository list, and the summary card renders a
// narrative through the model router.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dossio.org/analysis"
	"dossio.org/cache"
	"dossio.org/common"
	"dossio.org/fetch"
	"dossio.org/handler"
	"dossio.org/llm"
	"dossio.org/planner"
)

// Version is the github pipeline version.
const Version = "1"

const (
	artifactUser  = "github_user"
	artifactRepos = "github_repos"
)

// maxRepos bounds the repository list in the repos card.
const maxRepos = 20

// PageFetcher is the outbound access the handlers need.
type PageFetcher interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

// Completer renders the summary card's narrative.
type Completer interface {
	Complete(ctx context.Context, cardType string, req *llm.Request) (*llm.Response, error)
}

// Table is the github card table.
func Table() planner.Table {
	return planner.Table{
		Version: Version,
		Cards: []planner.CardSpec{
			{Type: "fetch_user", Priority: 10, Group: "fetch", Internal: true, Preview: true, Deadline: 20 * time.Second},
			{Type: "fetch_repos", Priority: 9, Group: "fetch", Internal: true, Deadline: 30 * time.Second},
			{Type: "profile", Priority: 8, Deps: []string{"fetch_user"}, Preview: true},
			{Type: "repos", Priority: 7, Deps: []string{"fetch_repos"}},
			{Type: "summary", Priority: 5, Group: "llm", Deps: []string{"profile", "repos"}, Deadline: 90 * time.Second},
		},
	}
}

// Register wires the github source.
func Register(pl *planner.Planner, reg *handler.Registry, ctrl *cache.Controller, pages PageFetcher, models Completer) {
	pl.Register(analysis.SourceGithub, Table())

	reg.Register(analysis.SourceGithub, "fetch_user", &fetchUserHandler{pages: pages})
	reg.Register(analysis.SourceGithub, "fetch_repos", &fetchReposHandler{pages: pages})
	reg.Register(analysis.SourceGithub, "profile", &profileHandler{})
	reg.Register(analysis.SourceGithub, "repos", &reposHandler{})
	reg.Register(analysis.SourceGithub, "summary", &summaryHandler{models: models})

	if ctrl != nil {
		ctrl.RegisterProbe(analysis.SourceGithub, Probe(pages))
	}
}

func subjectLogin(subjectKey string) string {
	return strings.TrimPrefix(subjectKey, "login:")
}

func userURL(login string) string {
	return fmt.Sprintf("https://api.github.com/users/%s", login)
}

func reposURL(login string) string {
	return fmt.Sprintf("https://api.github.com/users/%s/repos?sort=updated&per_page=100", login)
}

func decodeJSON(body []byte, target interface{}) error {
	if err := json.Unmarshal(body, target); err != nil {
		return common.WrapError(common.KindUpstreamUnavailable, "bad github api payload", err)
	}
	return nil
}

// fingerprintCounters is the movement material of a github subject. The
// fetch_user handler publishes it as counters and the probe hashes the same
// map, so an unchanged user document yields the committed fingerprint.
func fingerprintCounters(user map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"github_followers":  user["followers"],
		"github_repos":      user["public_repos"],
		"github_updated_at": user["updated_at"],
	}
}

// Probe fingerprints the user document's movement indicators.
func Probe(pages PageFetcher) cache.ProbeFunc {
	return func(ctx context.Context, job *analysis.Job) (string, error) {
		resp, err := pages.Get(ctx, userURL(subjectLogin(job.SubjectKey)))
		if err != nil {
			return "", err
		}
		var user map[string]interface{}
		if err := decodeJSON(resp.Body, &user); err != nil {
			return "", err
		}
		return analysis.Fingerprint(fingerprintCounters(user)), nil
	}
}
