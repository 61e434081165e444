package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dossio.org/analysis"
)

// artifactRow is the gorm model for the artifact_cache table.
type artifactRow struct {
	Key         string `gorm:"primaryKey;column:key"`
	Payload     []byte `gorm:"type:jsonb"`
	ContentHash string
	CreatedAt   time.Time
	ExpiresAt   time.Time `gorm:"index"`
}

func (artifactRow) TableName() string { return "artifact_cache" }

// subjectRunRow is the gorm model for the subject_runs table.
type subjectRunRow struct {
	Source          string `gorm:"primaryKey"`
	SubjectKey      string `gorm:"primaryKey"`
	PipelineVersion string `gorm:"primaryKey"`
	OptionsHash     string `gorm:"primaryKey"`
	ArtifactKey     string
	Fingerprint     string
	FreshnessUntil  time.Time
	CompletedAt     time.Time
}

func (subjectRunRow) TableName() string { return "subject_runs" }

// GormStore implements ArtifactCache and SubjectRuns on PostgreSQL via gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a gorm connection and migrates the cache tables.
func NewGormStore(pgURL string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(pgURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.AutoMigrate(&artifactRow{}, &subjectRunRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) Get(ctx context.Context, key string) (*Entry, error) {
	var row artifactRow
	err := g.db.WithContext(ctx).Where("key = ? AND expires_at > ?", key, time.Now()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return rowToEntry(&row)
}

func (g *GormStore) GetStale(ctx context.Context, key string, maxStale time.Duration) (*Entry, error) {
	var row artifactRow
	cutoff := time.Now().Add(-maxStale)
	err := g.db.WithContext(ctx).Where("key = ? AND expires_at > ?", key, cutoff).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stale cache entry: %w", err)
	}
	return rowToEntry(&row)
}

func (g *GormStore) Put(ctx context.Context, key string, payload map[string]interface{}, ttl time.Duration, contentHash string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	now := time.Now()
	row := artifactRow{
		Key:         key,
		Payload:     raw,
		ContentHash: contentHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	err = g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

func (g *GormStore) Extend(ctx context.Context, key string, newExpiry time.Time) error {
	err := g.db.WithContext(ctx).Model(&artifactRow{}).Where("key = ?", key).
		Update("expires_at", newExpiry).Error
	if err != nil {
		return fmt.Errorf("failed to extend cache entry: %w", err)
	}
	return nil
}

func (g *GormStore) GetRun(ctx context.Context, source, subjectKey, pipelineVersion, optionsHash string) (*analysis.SubjectRun, error) {
	var row subjectRunRow
	err := g.db.WithContext(ctx).Where(&subjectRunRow{
		Source:          source,
		SubjectKey:      subjectKey,
		PipelineVersion: pipelineVersion,
		OptionsHash:     optionsHash,
	}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read subject run: %w", err)
	}
	return &analysis.SubjectRun{
		Source:          row.Source,
		SubjectKey:      row.SubjectKey,
		PipelineVersion: row.PipelineVersion,
		OptionsHash:     row.OptionsHash,
		ArtifactKey:     row.ArtifactKey,
		Fingerprint:     row.Fingerprint,
		FreshnessUntil:  row.FreshnessUntil,
		CompletedAt:     row.CompletedAt,
	}, nil
}

// gormRuns adapts GormStore to the SubjectRuns interface without colliding
// with the ArtifactCache Get method.
type gormRuns GormStore

// Runs returns the SubjectRuns view of the store.
func (g *GormStore) Runs() SubjectRuns { return (*gormRuns)(g) }

func (r *gormRuns) Get(ctx context.Context, source, subjectKey, pipelineVersion, optionsHash string) (*analysis.SubjectRun, error) {
	return (*GormStore)(r).GetRun(ctx, source, subjectKey, pipelineVersion, optionsHash)
}

func (r *gormRuns) Put(ctx context.Context, run *analysis.SubjectRun) error {
	row := subjectRunRow{
		Source:          run.Source,
		SubjectKey:      run.SubjectKey,
		PipelineVersion: run.PipelineVersion,
		OptionsHash:     run.OptionsHash,
		ArtifactKey:     run.ArtifactKey,
		Fingerprint:     run.Fingerprint,
		FreshnessUntil:  run.FreshnessUntil,
		CompletedAt:     run.CompletedAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "source"}, {Name: "subject_key"},
			{Name: "pipeline_version"}, {Name: "options_hash"},
		},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert subject run: %w", err)
	}
	return nil
}

func (r *gormRuns) ExtendFreshness(ctx context.Context, run *analysis.SubjectRun, until time.Time) error {
	err := r.db.WithContext(ctx).Model(&subjectRunRow{}).
		Where(&subjectRunRow{
			Source:          run.Source,
			SubjectKey:      run.SubjectKey,
			PipelineVersion: run.PipelineVersion,
			OptionsHash:     run.OptionsHash,
		}).
		Update("freshness_until", until).Error
	if err != nil {
		return fmt.Errorf("failed to extend subject run: %w", err)
	}
	return nil
}

func rowToEntry(row *artifactRow) (*Entry, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache payload: %w", err)
	}
	return &Entry{
		Key:         row.Key,
		Payload:     payload,
		ContentHash: row.ContentHash,
		CreatedAt:   row.CreatedAt,
		ExpiresAt:   row.ExpiresAt,
	}, nil
}
