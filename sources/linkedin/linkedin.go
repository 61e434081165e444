// Package linkedin analyzes public LinkedIn profiles through their open
// graph metadata. LinkedIn gates full profiles behind authentication, so the
// pipeline works off the og: tags the public page exposes plus the profile
// slug itself.
package linkedin

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

// Version is the linkedin pipeline version.
const Version = "1"

const artifactPage = "linkedin_page"

// PageFetcher is the outbound page access the handlers need.
type PageFetcher interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

// Completer renders the summary card's narrative.
type Completer interface {
	Complete(ctx context.Context, cardType string, req *llm.Request) (*llm.Response, error)
}

// Table is the linkedin card table. There is no separate resource fan-out:
// one public page carries everything the source can see.
func Table() planner.Table {
	return planner.Table{
		Version: Version,
		Cards: []planner.CardSpec{
			{Type: "fetch_page", Priority: 10, Group: "fetch", Internal: true, Preview: true, Deadline: 30 * time.Second},
			{Type: "profile", Priority: 8, Deps: []string{"fetch_page"}, Preview: true},
			{Type: "summary", Priority: 5, Group: "llm", Deps: []string{"profile"}, Deadline: 60 * time.Second},
		},
	}
}

// Register wires the linkedin source. No freshness probe: the public page
// exposes no cheap movement counters, so cached reports age out on TTL alone.
func Register(pl *planner.Planner, reg *handler.Registry, ctrl *cache.Controller, pages PageFetcher, models Completer) {
	pl.Register(analysis.SourceLinkedin, Table())

	reg.Register(analysis.SourceLinkedin, "fetch_page", &fetchPageHandler{pages: pages})
	reg.Register(analysis.SourceLinkedin, "profile", &profileHandler{})
	reg.Register(analysis.SourceLinkedin, "summary", &summaryHandler{models: models})

	_ = ctrl
}

func subjectSlug(subjectKey string) string {
	return strings.TrimPrefix(subjectKey, "slug:")
}

func profileURL(slug string) string {
	return fmt.Sprintf("https://www.linkedin.com/in/%s", slug)
}
