package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dossio.org/analysis"
	"dossio.org/cache"
	"dossio.org/config"
	"dossio.org/fetch"
	"dossio.org/handler"
	"dossio.org/llm"
	"dossio.org/planner"
	"dossio.org/scheduler"
	"dossio.org/sources/github"
	"dossio.org/sources/linkedin"
	"dossio.org/sources/scholar"
	"dossio.org/store"
)

var (
	analyzeSource  string
	analyzeContent string
	analyzePreview bool
	analyzeEvents  bool
)

// analyzeCmd runs one analysis in-process against the memory store: no
// postgres, no redis, no queue. Useful for pipeline debugging and demos.
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "run a one-shot analysis in-process and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if analyzeContent == "" {
			return fmt.Errorf("--input is required")
		}
		return runAnalyze(cmd, cfg)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeSource, "source", analysis.SourceScholar, "source to analyze (scholar, github, linkedin)")
	analyzeCmd.Flags().StringVar(&analyzeContent, "input", "", "subject input: id, login, or profile URL")
	analyzeCmd.Flags().BoolVar(&analyzePreview, "preview", false, "plan only the fast card subset")
	analyzeCmd.Flags().BoolVar(&analyzeEvents, "events", false, "print the event stream instead of the report")
}

func runAnalyze(cmd *cobra.Command, cfg *config.Config) error {
	st := store.NewMemory()
	pl := planner.New()
	reg := handler.NewRegistry()

	mc := cache.NewMemoryCache()
	ctrl := cache.NewController(mc, mc.Runs(), mc.Locks(), cfg.Cache, pl.Version)

	fetcher, err := fetch.New(cfg.Fetch)
	if err != nil {
		return err
	}
	defer fetcher.Close()

	models, err := llm.NewRouter(cfg.LLM)
	if err != nil {
		return err
	}

	scholar.Register(pl, reg, ctrl, fetcher, models)
	github.Register(pl, reg, ctrl, fetcher, models)
	linkedin.Register(pl, reg, ctrl, fetcher, models)

	sched := scheduler.New(st, reg, nil, cfg.Scheduler)
	engine := scheduler.NewEngine(st, ctrl, pl, sched, nil)

	ctx := cmd.Context()
	opts := analysis.Options{Preview: analyzePreview}
	job, _, err := engine.Submit(ctx, "cli", analyzeSource,
		map[string]interface{}{"content": analyzeContent}, opts, "")
	if err != nil {
		return err
	}

	start := time.Now()
	if err := engine.Execute(ctx, job); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if analyzeEvents {
		events, err := st.After(ctx, job.ID, 0, 10000)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	return enc.Encode(map[string]interface{}{
		"job_id":      job.ID,
		"status":      job.Status,
		"subject_key": job.SubjectKey,
		"elapsed":     time.Since(start).String(),
		"report":      job.Result,
	})
}
