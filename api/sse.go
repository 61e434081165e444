package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"dossio.org/analysis"
	"dossio.org/common"
)

const (
	// streamBatch bounds one log read so a large replay cannot monopolize
	// the connection.
	streamBatch = 64

	// pollInterval is the idle poll cadence when no bus wake-up arrives.
	pollInterval = 250 * time.Millisecond

	heartbeatInterval = 15 * time.Second
)

// Stream serves the job's SSE stream. The client resumes with ?after=<seq>;
// every event with a greater sequence is replayed in order, then the stream
// tails the log until a terminal event is delivered.
func (a *API) Stream(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}
	jobID := c.Param("id")

	ctx := c.Request().Context()
	if _, err := a.store.GetJob(ctx, userID, jobID); err != nil {
		return httpError(err)
	}

	var after int64
	if raw := c.QueryParam("after"); raw != "" {
		after, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "after must be a non-negative integer")
		}
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	// The bus collapses idle-poll latency for co-located schedulers; the
	// log poll below stays the source of truth either way.
	var wake <-chan struct{}
	if a.bus != nil {
		if ch, err := a.bus.Subscribe(ctx, jobID); err == nil {
			wake = ch
		} else {
			common.Logger.WithError(err).WithField("job_id", jobID).Warn("bus subscribe failed, polling only")
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	cursor := after
	for {
		delivered, terminal, err := a.drain(c, jobID, &cursor)
		if err != nil {
			return nil
		}
		if terminal {
			return nil
		}
		if delivered {
			// Events flowed: skip straight to the next read, more may be
			// waiting past the batch bound.
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-poll.C:
		case <-heartbeat.C:
			if err := writeFrame(c, map[string]interface{}{
				"event_type": string(analysis.EventHeartbeat),
			}); err != nil {
				return nil
			}
		}
	}
}

// drain replays one bounded batch from the cursor. It reports whether any
// event was delivered and whether a terminal event closed the stream.
func (a *API) drain(c echo.Context, jobID string, cursor *int64) (bool, bool, error) {
	events, err := a.store.After(c.Request().Context(), jobID, *cursor, streamBatch)
	if err != nil {
		common.Logger.WithError(err).WithField("job_id", jobID).Warn("event log read failed")
		return false, false, err
	}
	for _, ev := range events {
		if err := writeFrame(c, frame(ev)); err != nil {
			return true, false, err
		}
		*cursor = ev.Seq
		if analysis.TerminalEvent(ev.Type) {
			return true, true, nil
		}
	}
	return len(events) > 0, false, nil
}

func frame(ev *analysis.Event) map[string]interface{} {
	out := map[string]interface{}{
		"seq":        ev.Seq,
		"event_type": string(ev.Type),
		"payload":    ev.Payload,
	}
	if ev.CardID != "" {
		out["card_id"] = ev.CardID
	}
	if ev.CardType != "" {
		out["card_type"] = ev.CardType
	}
	return out
}

func writeFrame(c echo.Context, doc map[string]interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", raw); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
