// Package planner turns an accepted job into its card graph. Each source
// registers a card table (the typed cards it produces, their dependencies,
// groups, priorities and deadlines) plus a pipeline version; Plan selects
// and instantiates the cards for one job.
package planner

import (
	"fmt"
	"sync"
	"time"

	"dossio.org/analysis"
	"dossio.org/graph"
)

// CardSpec describes one card type in a source's table.
type CardSpec struct {
	// Type is the card type and doubles as the card id within a job: a plan
	// contains at most one card per type.
	Type string

	// Priority orders dispatch among simultaneously ready cards. Higher
	// runs first.
	Priority int

	// Group is the concurrency group the card's execution is budgeted
	// against (e.g. "fetch", "llm").
	Group string

	// Deadline is the card's soft execution deadline. Zero means the
	// scheduler default for the group applies.
	Deadline time.Duration

	// Deps lists card types that must complete before this card runs.
	Deps []string

	// Internal marks resource cards whose outputs exist for downstream
	// cards, hidden from snapshots unless include_internal is set.
	Internal bool

	// Preview marks cards included in preview plans. Non-preview cards are
	// deferred to the full background run.
	Preview bool
}

// Table is a source's complete card table.
type Table struct {
	// Version is the source's pipeline version; bumping it invalidates
	// cached artifacts for the source.
	Version string

	Cards []CardSpec
}

// Planner holds the registered source tables.
type Planner struct {
	mu     sync.RWMutex
	tables map[string]Table
}

// New creates an empty planner.
func New() *Planner {
	return &Planner{tables: make(map[string]Table)}
}

// Register installs a source's card table. The table must be acyclic with
// closed dependencies; a bad table is a wiring bug and panics.
func (p *Planner) Register(source string, table Table) {
	cards := instantiate("", table.Cards)
	if err := graph.ValidateDAG(cards); err != nil {
		panic(fmt.Sprintf("invalid card table for source %s: %v", source, err))
	}
	for _, spec := range table.Cards {
		if spec.Preview {
			for _, dep := range spec.Deps {
				if !specPreview(table.Cards, dep) {
					panic(fmt.Sprintf("invalid card table for source %s: preview card %s depends on non-preview card %s", source, spec.Type, dep))
				}
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tables[source]; exists {
		panic(fmt.Sprintf("card table already registered for source %s", source))
	}
	p.tables[source] = table
}

func specPreview(specs []CardSpec, cardType string) bool {
	for _, s := range specs {
		if s.Type == cardType {
			return s.Preview
		}
	}
	return false
}

// Version reports a source's pipeline version; empty for unknown sources.
func (p *Planner) Version(source string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tables[source].Version
}

// Sources lists the registered source tags.
func (p *Planner) Sources() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.tables))
	for s := range p.tables {
		out = append(out, s)
	}
	return out
}

// Plan instantiates the card graph for a job. In preview mode only the
// preview subset is planned; registration guarantees the subset is closed
// under dependencies.
func (p *Planner) Plan(job *analysis.Job) ([]*analysis.Card, error) {
	p.mu.RLock()
	table, ok := p.tables[job.Source]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no card table registered for source %s", job.Source)
	}

	specs := table.Cards
	if job.Options.Preview {
		subset := make([]CardSpec, 0, len(specs))
		for _, spec := range specs {
			if spec.Preview {
				subset = append(subset, spec)
			}
		}
		specs = subset
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("empty plan for source %s", job.Source)
	}

	cards := instantiate(job.ID, specs)
	if err := graph.ValidateDAG(cards); err != nil {
		return nil, err
	}
	return cards, nil
}

func instantiate(jobID string, specs []CardSpec) []*analysis.Card {
	cards := make([]*analysis.Card, 0, len(specs))
	for _, spec := range specs {
		deps := make([]string, len(spec.Deps))
		copy(deps, spec.Deps)
		cards = append(cards, &analysis.Card{
			ID:       spec.Type,
			JobID:    jobID,
			Type:     spec.Type,
			Priority: spec.Priority,
			Group:    spec.Group,
			Deadline: spec.Deadline,
			Deps:     deps,
			Internal: spec.Internal,
			Status:   analysis.CardPending,
		})
	}
	return cards
}
