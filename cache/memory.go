package cache

import (
	"context"
	"sync"
	"time"

	"dossio.org/analysis"
)

// MemoryCache is an in-memory ArtifactCache + SubjectRuns + RefreshLock used
// by tests and the one-shot CLI mode. Semantics mirror the gorm and redis
// implementations.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	runs    map[string]*analysis.SubjectRun
	locks   map[string]time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*Entry),
		runs:    make(map[string]*analysis.SubjectRun),
		locks:   make(map[string]time.Time),
	}
}

func (m *MemoryCache) Get(ctx context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || !time.Now().Before(entry.ExpiresAt) {
		return nil, nil
	}
	clone := *entry
	return &clone, nil
}

func (m *MemoryCache) GetStale(ctx context.Context, key string, maxStale time.Duration) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || !entry.ExpiresAt.After(time.Now().Add(-maxStale)) {
		return nil, nil
	}
	clone := *entry
	return &clone, nil
}

func (m *MemoryCache) Put(ctx context.Context, key string, payload map[string]interface{}, ttl time.Duration, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.entries[key] = &Entry{
		Key:         key,
		Payload:     payload,
		ContentHash: contentHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	return nil
}

func (m *MemoryCache) Extend(ctx context.Context, key string, newExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok {
		entry.ExpiresAt = newExpiry
	}
	return nil
}

// ExpireNow forces an entry past its TTL. Test helper.
func (m *MemoryCache) ExpireNow(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok {
		entry.ExpiresAt = time.Now().Add(-time.Millisecond)
	}
}

func runKey(source, subjectKey, pipelineVersion, optionsHash string) string {
	return source + "/" + subjectKey + "/" + pipelineVersion + "/" + optionsHash
}

// Runs returns the SubjectRuns view.
func (m *MemoryCache) Runs() SubjectRuns { return (*memoryRuns)(m) }

type memoryRuns MemoryCache

func (m *memoryRuns) Get(ctx context.Context, source, subjectKey, pipelineVersion, optionsHash string) (*analysis.SubjectRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runKey(source, subjectKey, pipelineVersion, optionsHash)]
	if !ok {
		return nil, nil
	}
	clone := *run
	return &clone, nil
}

func (m *memoryRuns) Put(ctx context.Context, run *analysis.SubjectRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *run
	m.runs[runKey(run.Source, run.SubjectKey, run.PipelineVersion, run.OptionsHash)] = &clone
	return nil
}

func (m *memoryRuns) ExtendFreshness(ctx context.Context, run *analysis.SubjectRun, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.runs[runKey(run.Source, run.SubjectKey, run.PipelineVersion, run.OptionsHash)]; ok {
		stored.FreshnessUntil = until
	}
	return nil
}

// Locks returns the RefreshLock view.
func (m *MemoryCache) Locks() RefreshLock { return (*memoryLocks)(m) }

type memoryLocks MemoryCache

func (m *memoryLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.locks[key]; ok && time.Now().Before(until) {
		return false, nil
	}
	m.locks[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *memoryLocks) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}
