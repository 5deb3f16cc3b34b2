package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/constants"
	"github.com/kandev/sessiond/internal/events"
	"github.com/kandev/sessiond/internal/events/bus"
	"github.com/kandev/sessiond/internal/session"
	v1 "github.com/kandev/sessiond/pkg/api/v1"
)

// errorStatus maps the actor's typed errors onto HTTP status codes.
// Contention outcomes are conflicts, not-found sentinels are 404s, and
// anything else is a server fault.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrExecutionNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrLeaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrExecutionExists):
		return http.StatusConflict
	}

	var held *session.AlreadyHeldError
	var active *session.AlreadyActiveError
	var invalid *session.InvalidTransitionError
	if errors.As(err, &held) || errors.As(err, &active) || errors.As(err, &invalid) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// handleCreateExecution admits a new execution for the session and announces
// it to the dispatch queue.
// POST /api/v1/sessions/:sessionId/executions
func (s *Server) handleCreateExecution(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req v1.CreateExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	meta, err := s.service.AddExecution(c.Request.Context(), &session.ExecutionMetadata{
		SessionID:     sessionID,
		Mode:          req.Mode,
		StreamingMode: req.StreamingMode,
		AgentProfile:  req.AgentProfile,
		Prompt:        req.Prompt,
		WorkspacePath: req.WorkspacePath,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	messageID := uuid.NewString()
	if err := s.publishRequested(c, meta, messageID); err != nil {
		// The execution is admitted and visible as pending; without the
		// announcement nothing will pick it up, so surface the fault.
		s.logger.Error("Failed to announce execution",
			zap.String("execution_id", meta.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":        "execution admitted but could not be dispatched",
			"execution_id": meta.ID,
		})
		return
	}

	c.JSON(http.StatusAccepted, v1.CreateExecutionResponse{
		Execution:   *meta.ToAPI(),
		IngestToken: meta.IngestToken,
		MessageID:   messageID,
	})
}

func (s *Server) publishRequested(c *gin.Context, meta *session.ExecutionMetadata, messageID string) error {
	if s.eventBus == nil {
		return errors.New("event bus not configured")
	}
	data := map[string]interface{}{
		"execution_id": meta.ID,
		"session_id":   meta.SessionID,
		"message_id":   messageID,
	}
	return s.eventBus.Publish(c.Request.Context(), events.ExecutionRequested,
		bus.NewEvent(events.ExecutionRequested, "api-server", data))
}

// handleListExecutions returns the session's executions, newest first.
// GET /api/v1/sessions/:sessionId/executions
func (s *Server) handleListExecutions(c *gin.Context) {
	sessionID := c.Param("sessionId")

	metas, err := s.service.ListExecutionsBySession(c.Request.Context(), sessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	executions := make([]v1.Execution, 0, len(metas))
	for _, meta := range metas {
		executions = append(executions, *meta.ToAPI())
	}
	c.JSON(http.StatusOK, v1.ListExecutionsResponse{
		SessionID:  sessionID,
		Executions: executions,
		Total:      len(executions),
	})
}

// handleGetExecution returns one execution by id.
// GET /api/v1/executions/:executionId
func (s *Server) handleGetExecution(c *gin.Context) {
	meta, err := s.service.GetExecution(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta.ToAPI())
}

// handleUpdateExecutionStatus applies a status transition.
// PUT /api/v1/executions/:executionId/status
func (s *Server) handleUpdateExecutionStatus(c *gin.Context) {
	executionID := c.Param("executionId")

	var req v1.UpdateExecutionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if !req.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + string(req.Status)})
		return
	}

	completedAt := req.CompletedAt
	if completedAt == nil && req.Status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	meta, err := s.service.UpdateExecutionStatus(c.Request.Context(), executionID, req.Status, req.Error, completedAt)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta.ToAPI())
}

// handleActiveExecution reports the session's active-execution slot.
// GET /api/v1/sessions/:sessionId/active-execution
func (s *Server) handleActiveExecution(c *gin.Context) {
	sessionID := c.Param("sessionId")

	active, err := s.service.ActiveExecution(c.Request.Context(), sessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := v1.ActiveExecutionResponse{SessionID: sessionID}
	if active != "" {
		resp.ExecutionID = &active
	}
	c.JSON(http.StatusOK, resp)
}

// handleRequestInterrupt raises the session's interrupt flag.
// POST /api/v1/sessions/:sessionId/interrupt
func (s *Server) handleRequestInterrupt(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if err := s.service.RequestInterrupt(c.Request.Context(), sessionID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, v1.InterruptStatusResponse{
		SessionID:   sessionID,
		Interrupted: true,
	})
}

// handleClearInterrupt lowers the session's interrupt flag.
// DELETE /api/v1/sessions/:sessionId/interrupt
func (s *Server) handleClearInterrupt(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if err := s.service.ClearInterrupt(c.Request.Context(), sessionID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.InterruptStatusResponse{
		SessionID:   sessionID,
		Interrupted: false,
	})
}

// handleInterruptStatus reports the session's interrupt flag.
// GET /api/v1/sessions/:sessionId/interrupt
func (s *Server) handleInterruptStatus(c *gin.Context) {
	sessionID := c.Param("sessionId")

	interrupted, err := s.service.IsInterruptRequested(c.Request.Context(), sessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.InterruptStatusResponse{
		SessionID:   sessionID,
		Interrupted: interrupted,
	})
}

// handleQueryEvents returns the session's stored events matching the query.
// GET /api/v1/sessions/:sessionId/events?from_id=N&execution_id=...&type=...&limit=N
func (s *Server) handleQueryEvents(c *gin.Context) {
	sessionID := c.Param("sessionId")

	filters, err := parseEventFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stored, err := s.service.QueryEvents(c.Request.Context(), sessionID, filters)
	if err != nil {
		s.respondError(c, err)
		return
	}
	latest, err := s.service.LatestEventID(c.Request.Context(), sessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	apiEvents := make([]v1.StreamEvent, 0, len(stored))
	for i := range stored {
		apiEvents = append(apiEvents, stored[i].ToAPI())
	}
	c.JSON(http.StatusOK, v1.EventQueryResponse{
		SessionID: sessionID,
		Events:    apiEvents,
		LatestID:  latest,
	})
}

func parseEventFilters(c *gin.Context) (session.EventFilters, error) {
	var filters session.EventFilters

	if v := c.Query("from_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filters, errors.New("from_id must be an integer")
		}
		filters.FromID = id
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filters, errors.New("limit must be a non-negative integer")
		}
		filters.Limit = limit
	}
	if ids := c.QueryArray("execution_id"); len(ids) > 0 {
		filters.ExecutionIDs = ids
	}
	for _, t := range c.QueryArray("type") {
		filters.EventTypes = append(filters.EventTypes, v1.StreamEventType(t))
	}
	if v := c.Query("start_time"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, errors.New("start_time must be RFC3339")
		}
		filters.StartTime = &ts
	}
	if v := c.Query("end_time"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, errors.New("end_time must be RFC3339")
		}
		filters.EndTime = &ts
	}
	return filters, nil
}

// handleLatestEventID returns the session's replay cursor.
// GET /api/v1/sessions/:sessionId/events/latest-id
func (s *Server) handleLatestEventID(c *gin.Context) {
	sessionID := c.Param("sessionId")

	latest, err := s.service.LatestEventID(c.Request.Context(), sessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.LatestEventIDResponse{
		SessionID: sessionID,
		LatestID:  latest,
	})
}

// handleCountEvents returns the number of events recorded for an execution.
// GET /api/v1/executions/:executionId/events/count
func (s *Server) handleCountEvents(c *gin.Context) {
	executionID := c.Param("executionId")

	count, err := s.service.CountEvents(c.Request.Context(), executionID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.EventCountResponse{
		ExecutionID: executionID,
		Count:       count,
	})
}

// handleStopWorker terminates the session's worker instance if one runs.
// POST /api/v1/sessions/:sessionId/worker/stop
func (s *Server) handleStopWorker(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if s.instances == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker management not configured"})
		return
	}
	// Detached from the request context: once accepted, the teardown should
	// finish even if the client hangs up.
	ctx, cancel := context.WithTimeout(context.Background(), constants.WorkerStopTimeout)
	defer cancel()
	if err := s.instances.StopInstance(ctx, sessionID); err != nil {
		s.logger.Error("Failed to stop worker",
			zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"status":     "stopped",
	})
}

// handleSweepLeases runs one expired-lease sweep on demand.
// DELETE /api/v1/admin/leases/expired
func (s *Server) handleSweepLeases(c *gin.Context) {
	if s.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reaper not configured"})
		return
	}
	s.sweeper.SweepLeases(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
