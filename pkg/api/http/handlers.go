package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ExecutionRequest starts an execution
type ExecutionRequest struct {
	StepIDs     []string `json:"step_ids"`
	RequestedBy string   `json:"requested_by"`
	// Wait blocks the request until the execution ends
	Wait bool `json:"wait"`
}

// ExecutionResponse answers an asynchronous start
type ExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

// StopRequest is the optional body of the stop endpoints
type StopRequest struct {
	RequestedBy string `json:"requested_by"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// StepView is the API representation of a step definition
type StepView struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	Type          domain.StepType   `json:"type"`
	Phase         int               `json:"phase"`
	RetryAttempts int               `json:"retry_attempts"`
	RetryInterval string            `json:"retry_interval"`
	Timeout       string            `json:"timeout,omitempty"`
	Config        domain.StepConfig `json:"config"`
}

// JobView is the API representation of a job definition
type JobView struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Mode           domain.SchedulingMode   `json:"mode"`
	MaxConcurrency int                     `json:"max_concurrency,omitempty"`
	TypeLimits     map[domain.StepType]int `json:"type_limits,omitempty"`
	Steps          []StepView              `json:"steps"`
	Dependencies   []domain.Dependency     `json:"dependencies"`
}

func jobView(j *domain.Job) JobView {
	mode := j.Mode
	if mode == "" {
		mode = domain.SchedulingModeDependency
	}
	v := JobView{
		ID:             j.ID,
		Name:           j.DisplayName(),
		Mode:           mode,
		MaxConcurrency: j.MaxConcurrency,
		TypeLimits:     j.TypeLimits,
		Steps:          make([]StepView, 0, len(j.Steps)),
		Dependencies:   j.Dependencies,
	}
	if v.Dependencies == nil {
		v.Dependencies = []domain.Dependency{}
	}
	for _, s := range j.Steps {
		sv := StepView{
			ID:            s.ID,
			Name:          s.Name,
			Type:          s.Type(),
			Phase:         s.Phase,
			RetryAttempts: s.RetryAttempts,
			RetryInterval: s.RetryInterval.String(),
			Config:        s.Config,
		}
		if s.Timeout > 0 {
			sv.Timeout = s.Timeout.String()
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}

func (s *Server) fail(c *gin.Context, status int, code, message string, details interface{}) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{
		"orchestrator":      "ok",
		"active_executions": len(s.orchestrator.ActiveExecutions()),
	}
	if s.monitor != nil {
		if st := s.monitor.GetStatus(); st != nil {
			checks["running_steps"] = st.RunningSteps
			checks["saturated"] = st.Saturated
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleListJobs lists the catalog
func (s *Server) handleListJobs(c *gin.Context) {
	jobs, err := s.catalog.ListJobs(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list jobs", zap.Error(err))
		s.fail(c, http.StatusInternalServerError, "CATALOG_ERROR", "Failed to list jobs", err.Error())
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView(j))
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  views,
		"total": len(views),
	})
}

// handleGetJob returns one job definition
func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.catalog.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobView(job))
}

// handleValidateJob reports structural problems and dependency cycles
func (s *Server) handleValidateJob(c *gin.Context) {
	job, err := s.catalog.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.jobError(c, err)
		return
	}

	report, err := s.orchestrator.Validator().Report(c.Request.Context(), job)
	if err != nil {
		s.logger.Error("failed to validate job", zap.String("job_id", job.ID), zap.Error(err))
		s.fail(c, http.StatusInternalServerError, "VALIDATION_ERROR", "Failed to validate job", err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleStartExecution starts an execution of a job
func (s *Server) handleStartExecution(c *gin.Context) {
	var req ExecutionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
	}

	jobID := c.Param("id")
	opts := domain.RunOptions{StepIDs: req.StepIDs, RequestedBy: req.RequestedBy}
	executionID, err := s.orchestrator.Launch(c.Request.Context(), jobID, opts)
	if err != nil {
		var cycleErr *domain.CycleError
		switch {
		case errors.As(err, &cycleErr):
			s.fail(c, http.StatusUnprocessableEntity, "CYCLIC_DEPENDENCY", cycleErr.Error(), gin.H{
				"execution_id": executionID,
				"scope":        cycleErr.Scope,
				"cycles":       cycleErr.Cycles,
			})
		case errors.Is(err, domain.ErrJobNotFound):
			s.fail(c, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		case errors.Is(err, domain.ErrInvalidJob):
			s.fail(c, http.StatusBadRequest, "INVALID_JOB", err.Error(), nil)
		case errors.Is(err, domain.ErrShuttingDown):
			s.fail(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error(), nil)
		default:
			s.logger.Error("failed to start execution", zap.String("job_id", jobID), zap.Error(err))
			s.fail(c, http.StatusInternalServerError, "SUBMISSION_FAILED", err.Error(), nil)
		}
		return
	}

	if !req.Wait {
		c.JSON(http.StatusCreated, ExecutionResponse{
			ExecutionID: executionID,
			Status:      "submitted",
			SubmittedAt: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	exec, err := s.orchestrator.Wait(c.Request.Context(), executionID)
	if err != nil {
		s.fail(c, http.StatusGatewayTimeout, "WAIT_ABORTED", err.Error(), gin.H{"execution_id": executionID})
		return
	}
	c.JSON(http.StatusOK, exec)
}

// handleGetExecution returns an execution snapshot
func (s *Server) handleGetExecution(c *gin.Context) {
	exec, err := s.orchestrator.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.executionError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// handleGetStep returns one step of an execution with its attempts
func (s *Server) handleGetStep(c *gin.Context) {
	exec, err := s.orchestrator.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.executionError(c, err)
		return
	}
	se, err := exec.StepExecution(c.Param("step_id"))
	if err != nil {
		s.fail(c, http.StatusNotFound, "NOT_FOUND", "Step not found", nil)
		return
	}
	c.JSON(http.StatusOK, se)
}

// handleStopExecution requests a stop of a whole execution
func (s *Server) handleStopExecution(c *gin.Context) {
	s.stop(c, "")
}

// handleStopStep requests a stop of one step
func (s *Server) handleStopStep(c *gin.Context) {
	s.stop(c, c.Param("step_id"))
}

func (s *Server) stop(c *gin.Context, stepID string) {
	var req StopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
	}

	result := s.orchestrator.HandleCommand(c.Request.Context(), domain.Command{
		ExecutionID: c.Param("id"),
		StepID:      stepID,
		RequestedBy: req.RequestedBy,
		IssuedAt:    time.Now(),
	})
	if result.Outcome == domain.CommandNotFound {
		c.JSON(http.StatusNotFound, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleGetWorkers reports the in-flight steps and limiter usage of every active execution
func (s *Server) handleGetWorkers(c *gin.Context) {
	loads := s.orchestrator.Loads()
	executions := make([]gin.H, 0, len(loads))
	for _, l := range loads {
		tasks := make([]gin.H, 0, len(l.Tasks))
		for _, t := range l.Tasks {
			tasks = append(tasks, gin.H{
				"step_id":    t.StepID,
				"started_at": t.StartedAt.UTC().Format(time.RFC3339),
			})
		}
		typeSlots := make([]gin.H, 0, len(l.TypeSlots))
		for _, ts := range l.TypeSlots {
			typeSlots = append(typeSlots, gin.H{
				"step_type": ts.Type,
				"in_use":    ts.InUse,
				"capacity":  ts.Capacity,
			})
		}
		executions = append(executions, gin.H{
			"execution_id":   l.ExecutionID,
			"job_id":         l.JobID,
			"steps":          tasks,
			"running_steps":  l.RunningSteps,
			"slots_in_use":   l.SlotsInUse,
			"slots_capacity": l.SlotsCapacity,
			"type_slots":     typeSlots,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      executions,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) jobError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrJobNotFound) {
		s.fail(c, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return
	}
	s.logger.Error("failed to get job", zap.Error(err))
	s.fail(c, http.StatusInternalServerError, "CATALOG_ERROR", err.Error(), nil)
}

func (s *Server) executionError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrExecutionNotFound) {
		s.fail(c, http.StatusNotFound, "NOT_FOUND", "Execution not found", nil)
		return
	}
	s.logger.Error("failed to get execution", zap.Error(err))
	s.fail(c, http.StatusInternalServerError, "STORE_ERROR", err.Error(), nil)
}
