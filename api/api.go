// Package api exposes the analysis engine over HTTP: job submission,
// snapshots, the SSE stream, and cancellation. Identity arrives from the
// gateway in a trusted header; the API itself does not authenticate.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"dossio.org/analysis"
	"dossio.org/bus"
	"dossio.org/common"
	"dossio.org/config"
	"dossio.org/scheduler"
	"dossio.org/store"
)

// API wires the engine into echo routes.
type API struct {
	engine *scheduler.Engine
	store  store.Store
	bus    bus.Bus
	cfg    *config.Config
}

// New creates the API. The bus may be nil; the stream then degrades to pure
// polling.
func New(engine *scheduler.Engine, st store.Store, b bus.Bus, cfg *config.Config) *API {
	return &API{engine: engine, store: st, bus: b, cfg: cfg}
}

// Register mounts the analyze routes on the echo instance.
func (a *API) Register(e *echo.Echo) {
	e.POST("/analyze", a.Analyze)
	e.GET("/analyze/jobs/:id", a.GetJob)
	e.GET("/analyze/jobs/:id/stream", a.Stream)
	e.POST("/analyze/jobs/:id/cancel", a.CancelJob)
}

// AnalyzeRequest is the POST /analyze body.
type AnalyzeRequest struct {
	Source         string                 `json:"source"`
	Mode           string                 `json:"mode"`
	Input          map[string]interface{} `json:"input"`
	Options        analysis.Options       `json:"options"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// AnalyzeResponse is the POST /analyze reply.
type AnalyzeResponse struct {
	JobID  string             `json:"job_id"`
	Status analysis.JobStatus `json:"status"`
}

// SnapshotResponse is the GET /analyze/jobs/:id reply.
type SnapshotResponse struct {
	Job     *analysis.Job    `json:"job"`
	Cards   []*analysis.Card `json:"cards"`
	LastSeq int64            `json:"last_seq"`
}

// Analyze submits a job. In sync mode the call blocks until the job is
// terminal; in async mode it returns immediately and the job runs in the
// background.
func (a *API) Analyze(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}

	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Source == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source is required")
	}
	if req.Mode == "" {
		req.Mode = "async"
	}
	if req.Mode != "sync" && req.Mode != "async" {
		return echo.NewHTTPError(http.StatusBadRequest, "mode must be sync or async")
	}
	if key := c.Request().Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	job, created, err := a.engine.Submit(c.Request().Context(), userID, req.Source, req.Input, req.Options, req.IdempotencyKey)
	if err != nil {
		return httpError(err)
	}
	if !created {
		// Idempotent replay: report the stored job as-is.
		return c.JSON(http.StatusOK, AnalyzeResponse{JobID: job.ID, Status: job.Status})
	}

	if req.Mode == "sync" {
		// The run is detached from the wait: timeout_ms caps only how long
		// the response blocks. An expiring wait or a dropped client gets the
		// current status while the job keeps running to its terminal state.
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := a.engine.Execute(context.Background(), job); err != nil {
				common.Logger.WithError(err).WithField("job_id", job.ID).Warn("sync job ended with error")
			}
		}()

		var timeout <-chan time.Time
		if req.Options.TimeoutMS > 0 {
			timer := time.NewTimer(time.Duration(req.Options.TimeoutMS) * time.Millisecond)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-done:
		case <-timeout:
		case <-c.Request().Context().Done():
		}

		stored, err := a.store.GetJob(context.Background(), userID, job.ID)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, AnalyzeResponse{JobID: stored.ID, Status: stored.Status})
	}

	go func() {
		if err := a.engine.Execute(context.Background(), job); err != nil {
			common.Logger.WithError(err).WithField("job_id", job.ID).Warn("async job ended with error")
		}
	}()
	return c.JSON(http.StatusAccepted, AnalyzeResponse{JobID: job.ID, Status: analysis.JobQueued})
}

// GetJob returns the job snapshot: the job row plus its cards. Internal
// cards are filtered out unless the job or the request asks for them.
func (a *API) GetJob(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}

	job, err := a.store.GetJob(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	cards, err := a.store.ListCards(c.Request().Context(), job.ID)
	if err != nil {
		return httpError(err)
	}

	includeInternal := job.Options.IncludeInternal || c.QueryParam("include_internal") == "true"
	if !includeInternal {
		visible := cards[:0]
		for _, card := range cards {
			if !card.Internal {
				visible = append(visible, card)
			}
		}
		cards = visible
	}

	return c.JSON(http.StatusOK, SnapshotResponse{Job: job, Cards: cards, LastSeq: job.LastSeq})
}

// CancelJob requests cooperative cancellation.
func (a *API) CancelJob(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}
	if err := a.engine.Cancel(c.Request().Context(), userID, c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (a *API) userID(c echo.Context) (string, error) {
	header := a.cfg.Server.UserHeader
	if header == "" {
		header = "X-User-ID"
	}
	userID := c.Request().Header.Get(header)
	if userID == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, header+" header is required")
	}
	return userID, nil
}

// httpError maps the engine's error kinds onto HTTP statuses.
func httpError(err error) error {
	var status int
	switch common.KindOf(err) {
	case common.KindInputInvalid:
		status = http.StatusBadRequest
	case common.KindNotFound:
		status = http.StatusNotFound
	case common.KindConflict:
		status = http.StatusConflict
	case common.KindTimeout:
		status = http.StatusGatewayTimeout
	case common.KindUpstreamRatelimited:
		status = http.StatusTooManyRequests
	case common.KindUpstreamUnavailable:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}
	return echo.NewHTTPError(status, err.Error())
}
