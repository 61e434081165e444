package cache

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"dossio.org/analysis"
	"dossio.org/common"
	"dossio.org/config"
)

// Decision is the cache controller's verdict for an incoming job.
type Decision string

const (
	// ServeCached: fresh hit; synthesize prefill + completion, no scheduler
	// work.
	ServeCached Decision = "serve_cached"

	// PrefillAndRun: stale hit within the max-stale window; emit the stale
	// payload as prefill, then run cold.
	PrefillAndRun Decision = "prefill_and_run"

	// RunCold: miss or force_refresh; plan and run normally.
	RunCold Decision = "run_cold"
)

// ProbeFunc computes a source's cheap freshness fingerprint for a subject
// (typically one page fetch). Sources register probes at init time; sources
// without a probe skip the re-check path.
type ProbeFunc func(ctx context.Context, job *analysis.Job) (string, error)

// VersionFunc reports the pipeline version of a source; part of the cache
// key tuple.
type VersionFunc func(source string) string

// Lookup is the controller's answer for one job.
type Lookup struct {
	Decision Decision
	Key      string
	Entry    *Entry
	Run      *analysis.SubjectRun

	// Refresh signals that a background refresh should be enqueued after
	// the response path is served.
	Refresh bool
}

// Controller implements the cache policy of the engine: lookup/prefill/
// force-refresh on job start, write-through plus refresh enqueue on
// completion.
type Controller struct {
	cache   ArtifactCache
	runs    SubjectRuns
	locks   RefreshLock
	cfg     config.CacheConfig
	version VersionFunc
	probes  map[string]ProbeFunc
}

// NewController wires the cache controller.
func NewController(artifacts ArtifactCache, runs SubjectRuns, locks RefreshLock, cfg config.CacheConfig, version VersionFunc) *Controller {
	return &Controller{
		cache:   artifacts,
		runs:    runs,
		locks:   locks,
		cfg:     cfg,
		version: version,
		probes:  make(map[string]ProbeFunc),
	}
}

// RegisterProbe installs a fingerprint probe for a source.
func (c *Controller) RegisterProbe(source string, probe ProbeFunc) {
	c.probes[source] = probe
}

// Key computes the full-report cache key for a job.
func (c *Controller) Key(job *analysis.Job) string {
	return analysis.CacheKey(job.Source, job.SubjectKey, c.version(job.Source),
		analysis.OptionsHash(job.Options), analysis.KindFullReport)
}

// Lookup applies the §4.8 policy for a starting job.
func (c *Controller) Lookup(ctx context.Context, job *analysis.Job) (*Lookup, error) {
	key := c.Key(job)

	if job.Options.ForceRefresh {
		return &Lookup{Decision: RunCold, Key: key}, nil
	}

	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		common.Logger.WithFields(logrus.Fields{
			"job_id": job.ID,
			"key":    key,
			"age":    humanize.Time(entry.CreatedAt),
		}).Info("cache hit, serving cached report")
		return &Lookup{Decision: ServeCached, Key: key, Entry: entry}, nil
	}

	stale, err := c.cache.GetStale(ctx, key, c.cfg.MaxStale)
	if err != nil {
		return nil, err
	}
	if stale == nil {
		return &Lookup{Decision: RunCold, Key: key}, nil
	}

	// Expired but serviceable. When the source supports a cheap fingerprint
	// and the last run is known, re-check before paying for a full run: an
	// unchanged fingerprint extends the entry in place.
	run, err := c.runs.Get(ctx, job.Source, job.SubjectKey, c.version(job.Source), analysis.OptionsHash(job.Options))
	if err != nil {
		return nil, err
	}
	if run != nil && run.Fingerprint != "" {
		if probe, ok := c.probes[job.Source]; ok {
			fp, probeErr := probe(ctx, job)
			if probeErr == nil && fp == run.Fingerprint {
				until := time.Now().Add(c.cfg.TTLFor(job.Source))
				if err := c.cache.Extend(ctx, key, until); err != nil {
					return nil, err
				}
				if err := c.runs.ExtendFreshness(ctx, run, until); err != nil {
					return nil, err
				}
				common.Logger.WithFields(logrus.Fields{
					"job_id":      job.ID,
					"key":         key,
					"fingerprint": fp,
				}).Info("fingerprint unchanged, extended cache entry")
				return &Lookup{Decision: ServeCached, Key: key, Entry: stale, Run: run}, nil
			}
			if probeErr != nil {
				common.Logger.WithError(probeErr).WithField("job_id", job.ID).Warn("fingerprint probe failed, proceeding with full run")
			}
		}
	}

	return &Lookup{Decision: PrefillAndRun, Key: key, Entry: stale, Run: run, Refresh: true}, nil
}

// Commit writes the completed report through to the cache and records the
// subject run.
func (c *Controller) Commit(ctx context.Context, job *analysis.Job, report map[string]interface{}, fingerprint string) error {
	key := c.Key(job)
	ttl := c.cfg.TTLFor(job.Source)
	hash := analysis.ContentHash(report)

	if err := c.cache.Put(ctx, key, report, ttl, hash); err != nil {
		return err
	}

	now := time.Now()
	return c.runs.Put(ctx, &analysis.SubjectRun{
		Source:          job.Source,
		SubjectKey:      job.SubjectKey,
		PipelineVersion: c.version(job.Source),
		OptionsHash:     analysis.OptionsHash(job.Options),
		ArtifactKey:     key,
		Fingerprint:     fingerprint,
		FreshnessUntil:  now.Add(ttl),
		CompletedAt:     now,
	})
}

// AcquireRefresh takes the per-subject refresh lock. Callers emit
// refresh.started on success and must Release (emitting refresh.ended) when
// done.
func (c *Controller) AcquireRefresh(ctx context.Context, key string) (bool, error) {
	ttl := c.cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return c.locks.Acquire(ctx, key, ttl)
}

// ReleaseRefresh drops the per-subject refresh lock.
func (c *Controller) ReleaseRefresh(ctx context.Context, key string) error {
	return c.locks.Release(ctx, key)
}
