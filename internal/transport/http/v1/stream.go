package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pairforge/pairforge/internal/domain"
)

// StreamRun streams a run's events over SSE. Persisted events after the
// after_ts cursor are replayed first, then the live stream takes over. For a
// terminal run the replay alone is the full stream.
// GET /v1/runs/:run_id/stream
func (h *Handler) StreamRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}

	afterTs := int64(0)
	if t := c.QueryParam("after_ts"); t != "" {
		if val, err := strconv.ParseInt(t, 10, 64); err == nil {
			afterTs = val
		}
	}

	// Attach before replaying so nothing emitted during the replay is lost.
	live, attached := h.orch.Attach(runID)

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return nil
	}
	flusher.Flush()

	replayed := make(map[string]bool)
	stored, err := h.store.GetEvents(ctx, runID, afterTs, 0)
	if err == nil {
		for _, ev := range stored {
			if err := h.sendSSEEvent(c, flusher, ev); err != nil {
				return nil
			}
			replayed[ev.EventID] = true
		}
	}

	if !attached {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			if replayed[ev.EventID] {
				continue
			}
			if err := h.sendSSEEvent(c, flusher, ev); err != nil {
				return nil
			}
		}
	}
}

// sendSSEEvent writes a single event in SSE format and flushes it.
func (h *Handler) sendSSEEvent(c echo.Context, flusher http.Flusher, ev domain.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response().Writer, "event: %s\n", ev.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response().Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// GetRunEvents retrieves the persisted events of a run.
// GET /v1/runs/:run_id/events
func (h *Handler) GetRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}

	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	afterTs := int64(0)
	if t := c.QueryParam("after_ts"); t != "" {
		if val, err := strconv.ParseInt(t, 10, 64); err == nil {
			afterTs = val
		}
	}

	events, err := h.store.GetEvents(ctx, runID, afterTs, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, domain.RunEventsResponse{
		RunID:  runID,
		Events: events,
	})
}

// GetRunProgress retrieves the human-readable progress feed of a run.
// GET /v1/runs/:run_id/progress
func (h *Handler) GetRunProgress(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	entries, err := h.store.GetProgress(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":   runID,
		"progress": entries,
	})
}
