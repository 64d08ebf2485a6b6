package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/master-control/mcp/pkg/services"
)

// createTaskHandler handles POST /api/v1/tasks.
// Creates the task record and returns immediately; the DAG executes in the
// background.
func (s *Server) createTaskHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 2. Transform to service input
	input := services.CreateTaskInput{
		UserID:         req.UserID,
		Query:          req.Query,
		TemplateName:   req.TemplateName,
		ConversationID: req.ConversationID,
	}

	// 3. Call service
	created, err := s.tasks.Create(c.Request.Context(), input)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 4. Return response
	c.JSON(http.StatusOK, &CreateTaskResponse{
		TaskID:   created.TaskID,
		Status:   "created",
		Template: created.TemplateName,
		UserID:   created.UserID,
	})
}

// getTaskHandler handles GET /api/v1/tasks/:id.
func (s *Server) getTaskHandler(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id is required"})
		return
	}

	rec, err := s.tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// taskProgressHandler handles GET /api/v1/tasks/:id/progress.
func (s *Server) taskProgressHandler(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id is required"})
		return
	}

	view, err := s.tasks.Progress(c.Request.Context(), taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// abortTaskHandler handles POST /api/v1/tasks/:id/abort.
func (s *Server) abortTaskHandler(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id is required"})
		return
	}

	rec, err := s.tasks.Abort(c.Request.Context(), taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &AbortTaskResponse{
		TaskID: rec.TaskID,
		Status: string(rec.Status),
	})
}

// listTasksHandler handles GET /api/v1/tasks.
func (s *Server) listTasksHandler(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}

	// Out-of-range limits fall back to the service default.
	limit := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxListLimit {
			limit = n
		}
	}

	tasks, err := s.tasks.List(c.Request.Context(), userID, limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &TaskListResponse{UserID: userID, Tasks: tasks})
}

// queueStatusHandler handles GET /api/v1/queues.
func (s *Server) queueStatusHandler(c *gin.Context) {
	infos, err := s.system.Queues(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}

	queues := make([]QueueStatus, 0, len(infos))
	for _, qi := range infos {
		queues = append(queues, QueueStatus{
			Name:          qi.Queue,
			MessageCount:  qi.Pending,
			ConsumerCount: qi.Consumers,
			// All task queues are declared as durable file-backed streams.
			Durable:  true,
			Bytes:    qi.Bytes,
			OldestAt: qi.OldestAt,
		})
	}
	c.JSON(http.StatusOK, &QueueStatusResponse{Queues: queues})
}

// systemStatusHandler handles GET /api/v1/system/status.
// Never errors; failed probes appear as unhealthy entries in the report.
func (s *Server) systemStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.system.Status(c.Request.Context()))
}

// taskAnalyticsHandler handles GET /api/v1/analytics/tasks.
func (s *Server) taskAnalyticsHandler(c *gin.Context) {
	hours, ok := parseHours(c)
	if !ok {
		return
	}
	analytics, err := s.analytics.Tasks(c.Request.Context(), hours)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, analytics)
}

// agentAnalyticsHandler handles GET /api/v1/analytics/agents.
func (s *Server) agentAnalyticsHandler(c *gin.Context) {
	hours, ok := parseHours(c)
	if !ok {
		return
	}
	summary, err := s.analytics.Agents(c.Request.Context(), hours)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// healthzHandler handles GET /healthz.
// Degraded still reports 200 so the orchestrator does not restart the
// control plane when an external dependency wobbles.
func (s *Server) healthzHandler(c *gin.Context) {
	status := s.system.Status(c.Request.Context())

	httpStatus := http.StatusOK
	if status.OverallHealth == services.SystemUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, &HealthResponse{
		Status:  status.OverallHealth,
		Version: status.MCP.Version,
	})
}

// parseHours reads the hours query parameter. A missing value reads as 0,
// which the analytics layer defaults to 24.
func parseHours(c *gin.Context) (int, bool) {
	v := c.Query("hours")
	if v == "" {
		return 0, true
	}
	hours, err := strconv.Atoi(v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours: must be an integer"})
		return 0, false
	}
	return hours, true
}
