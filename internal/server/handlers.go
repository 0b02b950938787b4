package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sybilscan/internal/health"
	"github.com/mbd888/sybilscan/internal/jobs"
	"github.com/mbd888/sybilscan/internal/logging"
	"github.com/mbd888/sybilscan/internal/pagination"
	"github.com/mbd888/sybilscan/internal/scoring"
)

// ScoreRequest is the body of POST /v1/score
type ScoreRequest struct {
	Addresses   []string `json:"addresses"`
	Chain       string   `json:"chain"`
	CallbackURL string   `json:"callback_url"`
}

// ScoreAccepted is returned when a batch job is queued
type ScoreAccepted struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
	Total  int         `json:"total"`
}

func (s *Server) submitScoreHandler(c *gin.Context) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON with an addresses array",
		})
		return
	}

	var opts []jobs.SubmitOption
	if req.CallbackURL != "" {
		if err := s.webhooks.ValidateURL(req.CallbackURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_callback_url",
				"message": err.Error(),
			})
			return
		}
		opts = append(opts, jobs.WithCallback(req.CallbackURL))
	}

	id, err := s.jobs.Submit(c.Request.Context(), req.Addresses, req.Chain, opts...)
	if err != nil {
		if code, ok := inputError(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": err.Error()})
			return
		}
		if errors.Is(err, jobs.ErrClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "shutting_down",
				"message": "Server is shutting down",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to submit job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create job",
		})
		return
	}

	c.JSON(http.StatusAccepted, ScoreAccepted{
		JobID:  id,
		Status: jobs.StatusPending,
		Total:  len(req.Addresses),
	})
}

func (s *Server) getJobHandler(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Job not found",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load job", "job_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	view := job.View()
	if c.Query("limit") != "" || c.Query("cursor") != "" {
		limit, err := pagination.ParseLimit(c.Query("limit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": err.Error()})
			return
		}
		offset, err := pagination.Decode(c.Query("cursor"), job.ID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
			return
		}
		page, next, more := pagination.Window(job.Results, offset, limit)
		job.Results = page
		if more {
			view.NextCursor = pagination.Encode(job.ID, next)
		}
	}
	c.JSON(http.StatusOK, view)
}

// VerifyRequest is the body of POST /v1/verify
type VerifyRequest struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

func (s *Server) verifyHandler(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON with an address field",
		})
		return
	}

	res, err := s.engine.ScoreLive(c.Request.Context(), req.Address, req.Chain, nil)
	if err != nil {
		if code, ok := inputError(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("live scoring failed", "address", req.Address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// inputError maps caller mistakes to an error code.
func inputError(err error) (string, bool) {
	switch {
	case errors.Is(err, scoring.ErrInvalidAddress):
		return "invalid_address", true
	case errors.Is(err, jobs.ErrEmptyBatch):
		return "empty_batch", true
	case errors.Is(err, jobs.ErrBatchTooLarge):
		return "batch_too_large", true
	}
	return "", false
}

// HealthResponse is the response for /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if healthy, _ := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
