package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dossio.org/analysis"
	"dossio.org/common"
	"dossio.org/db"
)

// Postgres is the authoritative Store backed by pgx. Event sequence numbers
// are assigned inside the insert transaction so the per-job sequence is
// gapless under concurrent writers.
type Postgres struct {
	db *db.PostgresDB
}

// NewPostgres creates a postgres-backed store.
func NewPostgres(pg *db.PostgresDB) *Postgres {
	return &Postgres{db: pg}
}

// CreateTables creates the necessary database tables if they don't exist.
func (s *Postgres) CreateTables(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS jobs (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		source VARCHAR(32) NOT NULL,
		subject_key VARCHAR(255) NOT NULL,
		status VARCHAR(16) NOT NULL,
		input JSONB NOT NULL,
		options JSONB NOT NULL,
		last_seq BIGINT NOT NULL DEFAULT 0,
		result JSONB,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cards (
		job_id VARCHAR(64) NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		id VARCHAR(64) NOT NULL,
		card_type VARCHAR(64) NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		concurrency_group VARCHAR(64) NOT NULL DEFAULT '',
		deadline_ms BIGINT NOT NULL DEFAULT 0,
		deps JSONB NOT NULL DEFAULT '[]',
		internal BOOLEAN NOT NULL DEFAULT FALSE,
		status VARCHAR(16) NOT NULL,
		retries INT NOT NULL DEFAULT 0,
		output JSONB,
		started_at TIMESTAMP WITH TIME ZONE,
		finished_at TIMESTAMP WITH TIME ZONE,
		PRIMARY KEY (job_id, id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		job_id VARCHAR(64) NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		seq BIGINT NOT NULL,
		event_type VARCHAR(32) NOT NULL,
		card_id VARCHAR(64),
		card_type VARCHAR(64),
		payload JSONB,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		UNIQUE (job_id, seq)
	);

	CREATE TABLE IF NOT EXISTS idempotency (
		user_id VARCHAR(255) NOT NULL,
		idempotency_key VARCHAR(255) NOT NULL,
		job_id VARCHAR(64) NOT NULL,
		body_hash VARCHAR(64) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (user_id, idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_subject ON jobs(source, subject_key);
	CREATE INDEX IF NOT EXISTS idx_events_job_seq ON events(job_id, seq);
	`

	if err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *Postgres) CreateJob(ctx context.Context, job *analysis.Job, idempotencyKey, bodyHash string) (*analysis.Job, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if idempotencyKey != "" {
		var existingJobID, existingHash string
		err := tx.QueryRow(ctx, `
			SELECT job_id, body_hash FROM idempotency
			WHERE user_id = $1 AND idempotency_key = $2
		`, job.UserID, idempotencyKey).Scan(&existingJobID, &existingHash)
		switch {
		case err == nil:
			if existingHash != bodyHash {
				return nil, false, common.NewError(common.KindConflict, "idempotency key reused with a different body")
			}
			existing, err := s.getJobTx(ctx, tx, existingJobID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, tx.Commit(ctx)
		case errors.Is(err, pgx.ErrNoRows):
			// fall through to insert
		default:
			return nil, false, fmt.Errorf("failed to read idempotency record: %w", err)
		}
	}

	now := time.Now()
	inputJSON, err := json.Marshal(job.Input)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal input: %w", err)
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal options: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, user_id, source, subject_key, status, input, options, last_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
	`, job.ID, job.UserID, job.Source, job.SubjectKey, job.Status, inputJSON, optionsJSON, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}

	if idempotencyKey != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO idempotency (user_id, idempotency_key, job_id, body_hash, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, job.UserID, idempotencyKey, job.ID, bodyHash, now)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert idempotency record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit job: %w", err)
	}

	created := *job
	created.CreatedAt = now
	created.UpdatedAt = now
	return &created, true, nil
}

func (s *Postgres) GetJob(ctx context.Context, userID, jobID string) (*analysis.Job, error) {
	job, err := s.getJobRow(ctx, s.db.QueryRow(ctx, `
		SELECT id, user_id, source, subject_key, status, input, options, last_seq, result, created_at, updated_at
		FROM jobs WHERE id = $1
	`, jobID))
	if err != nil {
		return nil, err
	}
	// Ownership check: a mismatch reports not_found, never the record.
	if userID != "" && job.UserID != userID {
		return nil, common.NewError(common.KindNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	return job, nil
}

func (s *Postgres) getJobTx(ctx context.Context, tx pgx.Tx, jobID string) (*analysis.Job, error) {
	return s.getJobRow(ctx, tx.QueryRow(ctx, `
		SELECT id, user_id, source, subject_key, status, input, options, last_seq, result, created_at, updated_at
		FROM jobs WHERE id = $1
	`, jobID))
}

func (s *Postgres) getJobRow(ctx context.Context, row pgx.Row) (*analysis.Job, error) {
	var job analysis.Job
	var inputJSON, optionsJSON []byte
	var resultJSON *[]byte
	err := row.Scan(&job.ID, &job.UserID, &job.Source, &job.SubjectKey, &job.Status,
		&inputJSON, &optionsJSON, &job.LastSeq, &resultJSON, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.NewError(common.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if err := json.Unmarshal(inputJSON, &job.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if resultJSON != nil {
		if err := json.Unmarshal(*resultJSON, &job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return &job, nil
}

func (s *Postgres) SetJobStatus(ctx context.Context, jobID string, status analysis.JobStatus, result map[string]interface{}) error {
	var resultJSON interface{}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = raw
	}

	err := s.db.Exec(ctx, `
		UPDATE jobs SET status = $2, result = COALESCE($3, result), updated_at = $4 WHERE id = $1
	`, jobID, status, resultJSON, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func (s *Postgres) CreateCards(ctx context.Context, cards []*analysis.Card) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, card := range cards {
		depsJSON, err := json.Marshal(card.Deps)
		if err != nil {
			return fmt.Errorf("failed to marshal deps: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO cards (job_id, id, card_type, priority, concurrency_group, deadline_ms, deps, internal, status, retries)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		`, card.JobID, card.ID, card.Type, card.Priority, card.Group,
			card.Deadline.Milliseconds(), depsJSON, card.Internal, card.Status)
		if err != nil {
			return fmt.Errorf("failed to insert card %s: %w", card.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) ListCards(ctx context.Context, jobID string) ([]*analysis.Card, error) {
	rows, err := s.db.Query(ctx, `
		SELECT job_id, id, card_type, priority, concurrency_group, deadline_ms, deps, internal, status, retries, output, started_at, finished_at
		FROM cards WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var cards []*analysis.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

func (s *Postgres) GetCard(ctx context.Context, jobID, cardID string) (*analysis.Card, error) {
	rows, err := s.db.Query(ctx, `
		SELECT job_id, id, card_type, priority, concurrency_group, deadline_ms, deps, internal, status, retries, output, started_at, finished_at
		FROM cards WHERE job_id = $1 AND id = $2
	`, jobID, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query card: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, common.NewError(common.KindNotFound, fmt.Sprintf("card %s not found", cardID))
	}
	return scanCard(rows)
}

func scanCard(rows pgx.Rows) (*analysis.Card, error) {
	var card analysis.Card
	var deadlineMS int64
	var depsJSON []byte
	var outputJSON *[]byte
	err := rows.Scan(&card.JobID, &card.ID, &card.Type, &card.Priority, &card.Group,
		&deadlineMS, &depsJSON, &card.Internal, &card.Status, &card.Retries,
		&outputJSON, &card.StartedAt, &card.FinishedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan card: %w", err)
	}
	card.Deadline = time.Duration(deadlineMS) * time.Millisecond
	if err := json.Unmarshal(depsJSON, &card.Deps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deps: %w", err)
	}
	if outputJSON != nil {
		card.Output = &analysis.Document{}
		if err := json.Unmarshal(*outputJSON, card.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}
	return &card, nil
}

func (s *Postgres) MarkCardReady(ctx context.Context, jobID, cardID string) error {
	err := s.db.Exec(ctx, `
		UPDATE cards SET status = $3 WHERE job_id = $1 AND id = $2 AND status = $4
	`, jobID, cardID, analysis.CardReady, analysis.CardPending)
	if err != nil {
		return fmt.Errorf("failed to mark card ready: %w", err)
	}
	return nil
}

func (s *Postgres) ClaimCard(ctx context.Context, jobID, cardID string) (bool, error) {
	// CAS ready → running; the row count decides who won.
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE cards SET status = $3, started_at = $4
		WHERE job_id = $1 AND id = $2 AND status = $5
	`, jobID, cardID, analysis.CardRunning, time.Now(), analysis.CardReady)
	if err != nil {
		return false, fmt.Errorf("failed to claim card: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) FinishCard(ctx context.Context, jobID, cardID string, status analysis.CardStatus, output *analysis.Document, retries int) error {
	var outputJSON interface{}
	if output != nil {
		raw, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		outputJSON = raw
	}

	err := s.db.Exec(ctx, `
		UPDATE cards SET status = $3, output = $4, retries = $5, finished_at = $6
		WHERE job_id = $1 AND id = $2
	`, jobID, cardID, status, outputJSON, retries, time.Now())
	if err != nil {
		return fmt.Errorf("failed to finish card: %w", err)
	}
	return nil
}

func (s *Postgres) Append(ctx context.Context, jobID string, typ analysis.EventType, cardID, cardType string, payload map[string]interface{}) (*analysis.Event, error) {
	var payloadJSON interface{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadJSON = raw
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the job row so concurrent appenders serialize per job and the
	// sequence stays gapless.
	var seq int64
	err = tx.QueryRow(ctx, `
		UPDATE jobs SET last_seq = last_seq + 1, updated_at = $2 WHERE id = $1 RETURNING last_seq
	`, jobID, time.Now()).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.NewError(common.KindNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to advance sequence: %w", err)
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		INSERT INTO events (job_id, seq, event_type, card_id, card_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, jobID, seq, typ, nullable(cardID), nullable(cardType), payloadJSON, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}

	return &analysis.Event{
		JobID:     jobID,
		Seq:       seq,
		Type:      typ,
		CardID:    cardID,
		CardType:  cardType,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

func (s *Postgres) After(ctx context.Context, jobID string, after int64, limit int) ([]*analysis.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT job_id, seq, event_type, card_id, card_type, payload, created_at
		FROM events WHERE job_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3
	`, jobID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*analysis.Event
	for rows.Next() {
		var ev analysis.Event
		var cardID, cardType *string
		var payloadJSON *[]byte
		if err := rows.Scan(&ev.JobID, &ev.Seq, &ev.Type, &cardID, &cardType, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if cardID != nil {
			ev.CardID = *cardID
		}
		if cardType != nil {
			ev.CardType = *cardType
		}
		if payloadJSON != nil {
			if err := json.Unmarshal(*payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
