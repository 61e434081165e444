// Package scholar analyzes Google Scholar profiles. Resource cards scrape
// the citations page, business cards shape the profile and publication list,
// and the summary card renders a narrative through the model router.
package scholar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dossio.org/analysis"
	"dossio.org/cache"
	"dossio.org/fetch"
	"dossio.org/handler"
	"dossio.org/llm"
	"dossio.org/planner"
)

// Version is the scholar pipeline version; bump on card or parser changes
// that invalidate cached reports.
const Version = "1"

// Artifact names published by the resource cards.
const (
	artifactProfile = "scholar_profile"
	artifactPapers  = "scholar_papers"
)

// PageFetcher is the outbound page access the handlers need.
type PageFetcher interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

// Completer renders the summary card's narrative.
type Completer interface {
	Complete(ctx context.Context, cardType string, req *llm.Request) (*llm.Response, error)
}

// Table is the scholar card table.
func Table() planner.Table {
	return planner.Table{
		Version: Version,
		Cards: []planner.CardSpec{
			{Type: "fetch_profile", Priority: 10, Group: "fetch", Internal: true, Preview: true, Deadline: 30 * time.Second},
			{Type: "fetch_papers", Priority: 9, Group: "fetch", Internal: true, Deadline: 45 * time.Second},
			{Type: "profile", Priority: 8, Deps: []string{"fetch_profile"}, Preview: true},
			{Type: "papers", Priority: 7, Deps: []string{"fetch_papers"}},
			{Type: "summary", Priority: 5, Group: "llm", Deps: []string{"profile", "papers"}, Deadline: 90 * time.Second},
		},
	}
}

// Register wires the scholar source: card table, handlers, and the
// freshness probe.
func Register(pl *planner.Planner, reg *handler.Registry, ctrl *cache.Controller, pages PageFetcher, models Completer) {
	pl.Register(analysis.SourceScholar, Table())

	reg.Register(analysis.SourceScholar, "fetch_profile", &fetchProfileHandler{pages: pages})
	reg.Register(analysis.SourceScholar, "fetch_papers", &fetchPapersHandler{pages: pages})
	reg.Register(analysis.SourceScholar, "profile", &profileHandler{})
	reg.Register(analysis.SourceScholar, "papers", &papersHandler{})
	reg.Register(analysis.SourceScholar, "summary", &summaryHandler{models: models})

	if ctrl != nil {
		ctrl.RegisterProbe(analysis.SourceScholar, Probe(pages))
	}
}

// subjectID strips the "id:" prefix off a scholar subject key.
func subjectID(subjectKey string) string {
	return strings.TrimPrefix(subjectKey, "id:")
}

func profileURL(id string) string {
	return fmt.Sprintf("https://scholar.google.com/citations?user=%s&hl=en", id)
}

func papersURL(id string) string {
	return fmt.Sprintf("https://scholar.google.com/citations?user=%s&hl=en&cstart=0&pagesize=100", id)
}

// fingerprintCounters is the movement material of a scholar subject. The
// fetch handler publishes it as counters and the probe hashes the same map,
// so an unchanged profile page yields the committed fingerprint.
func fingerprintCounters(p *Profile) map[string]interface{} {
	return map[string]interface{}{
		"scholar_citations": p.Citations,
		"scholar_h_index":   p.HIndex,
		"scholar_name":      p.Name,
	}
}

// Probe builds the cheap freshness fingerprint: one profile page fetch,
// hashed over the counters that move when a profile changes.
func Probe(pages PageFetcher) cache.ProbeFunc {
	return func(ctx context.Context, job *analysis.Job) (string, error) {
		resp, err := pages.Get(ctx, profileURL(subjectID(job.SubjectKey)))
		if err != nil {
			return "", err
		}
		return analysis.Fingerprint(fingerprintCounters(parseProfile(resp.Body))), nil
	}
}
