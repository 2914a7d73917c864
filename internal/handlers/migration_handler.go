package handler

import (
	"errors"
	"net/http"
	"time"

	"construction-migration-backend/internal/models"
	"construction-migration-backend/internal/services/migration"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MigrationHandler is the job control surface consumed by the UI layer.
type MigrationHandler struct {
	runner *migration.Runner
	store  migration.JobStore
}

func NewMigrationHandler(runner *migration.Runner, store migration.JobStore) *MigrationHandler {
	return &MigrationHandler{runner: runner, store: store}
}

type submitPayload struct {
	RuleSetID    string     `json:"rule_set_id"`
	SourceSystem string     `json:"source_system"`
	SourcePath   string     `json:"source_path"`
	EntityType   string     `json:"entity_type"`
	ProjectCodes []string   `json:"project_codes"`
	FromDate     *time.Time `json:"from_date"`
	ToDate       *time.Time `json:"to_date"`
	MaxRecords   int64      `json:"max_records"`
}

// Submit creates a job and starts the pipeline in the background.
func (h *MigrationHandler) Submit(c *gin.Context) {
	var payload submitPayload
	if err := c.BindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ruleSetID, err := uuid.Parse(payload.RuleSetID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule set ID"})
		return
	}
	if payload.SourceSystem == "" || payload.EntityType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_system and entity_type are required"})
		return
	}

	scope := models.Scope{
		SourceSystem: payload.SourceSystem,
		SourcePath:   payload.SourcePath,
		EntityType:   payload.EntityType,
		ProjectCodes: payload.ProjectCodes,
		FromDate:     payload.FromDate,
		ToDate:       payload.ToDate,
		MaxRecords:   payload.MaxRecords,
	}
	job, err := h.runner.Submit(c.Request.Context(), scope, ruleSetID)
	if err != nil {
		if models.IsFatal(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID.String(),
		"status": "processing",
	})
}

// GetStatus returns a MigrationJob snapshot with its counters.
func (h *MigrationHandler) GetStatus(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}
	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":        job.ID.String(),
		"source_system": job.SourceSystem,
		"phase":         job.Phase,
		"terminal":      job.Terminal(),
		"counters":      job.Counters,
		"last_error":    job.LastError,
		"created_at":    job.CreatedAt,
		"started_at":    job.StartedAt,
		"completed_at":  job.CompletedAt,
	})
}

// Cancel requests cancellation; the in-flight batch finishes first.
func (h *MigrationHandler) Cancel(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}
	if !h.runner.Cancel(jobID) {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
}

// Resume restarts a crashed job at its interrupted phase.
func (h *MigrationHandler) Resume(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}
	job, err := h.runner.Resume(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, migration.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		if models.IsFatal(err) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID.String(), "status": "processing"})
}

// GetReport returns the reconciliation report once verification ran.
func (h *MigrationHandler) GetReport(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}
	report, err := h.store.GetReport(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListIssues returns the persisted audit trail for a job.
func (h *MigrationHandler) ListIssues(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}
	issues, err := h.store.ListIssues(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "count": len(issues)})
}
