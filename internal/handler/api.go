package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"labelconsensus/internal/middleware"
	"labelconsensus/internal/models"
	"labelconsensus/internal/repository"
	"labelconsensus/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Options configures the API.
type Options struct {
	JWTSecret   []byte
	Reliability service.ReliabilityConfig
	ExportLimit int
}

// Handler handles HTTP requests
type Handler struct {
	store     *repository.Store
	finalizer *service.Finalizer
	estimator *service.ReliabilityEstimator
	exporter  *service.Exporter
	opts      Options
	logger    *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	store *repository.Store,
	finalizer *service.Finalizer,
	estimator *service.ReliabilityEstimator,
	exporter *service.Exporter,
	opts Options,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:     store,
		finalizer: finalizer,
		estimator: estimator,
		exporter:  exporter,
		opts:      opts,
		logger:    logger,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(middleware.RequestID())

	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(h.opts.JWTSecret, h.logger))
	{
		viewer := api.Group("", middleware.RequireRole(models.RoleViewer))
		viewer.GET("/samples/:id/consensus", h.GetConsensus)
		viewer.GET("/consensus-artifacts", h.ListArtifacts)
		viewer.GET("/reliability/latest", h.LatestReliability)
		viewer.GET("/reliability/annotators/:id", h.AnnotatorReliability)

		labeler := api.Group("", middleware.RequireRole(models.RoleLabeler))
		labeler.GET("/label-queue/next", h.NextInQueue)
		labeler.POST("/samples/:id/submissions", h.Submit)
		labeler.POST("/samples/:id/finalize", h.Finalize)

		admin := api.Group("", middleware.RequireRole(models.RoleAdmin))
		admin.POST("/samples/:id/force-finalize", h.ForceFinalize)
		admin.POST("/reliability/run", h.RunReliability)
		admin.GET("/export/training.jsonl", h.ExportTraining)
		admin.GET("/export/label_submissions.csv", h.ExportSubmissions)
	}

	// Health check
	r.GET("/health", h.HealthCheck)
}

type submitRequest struct {
	Skip bool `json:"skip"`
}

type forceFinalizeRequest struct {
	Skipped bool `json:"skipped"`
}

// NextInQueue lists pending samples the caller has not judged, oldest first.
func (h *Handler) NextInQueue(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	actor := middleware.ActorFrom(c)
	samples, err := h.store.PendingSamples(c.Request.Context(), actor.UserID, limit)
	if err != nil {
		h.logger.Error("Failed to load label queue", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load label queue"})
		return
	}
	if samples == nil {
		samples = []models.Sample{}
	}

	c.JSON(http.StatusOK, gin.H{
		"samples": samples,
		"total":   len(samples),
	})
}

// Submit records a submission and reports the resulting consensus state.
func (h *Handler) Submit(c *gin.Context) {
	sampleID, ok := h.sampleID(c)
	if !ok {
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	var req submitRequest
	var payload models.LabelPayload
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Skip && payload.IsEmpty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "labels required unless skip is set"})
		return
	}

	actor := middleware.ActorFrom(c)
	sub, outcome, err := h.finalizer.Submit(c.Request.Context(), service.SubmissionInput{
		SampleID:    sampleID,
		AnnotatorID: actor.UserID,
		IsSkip:      req.Skip,
		Payload:     payload,
	}, actor)
	if err != nil {
		h.respondError(c, err, "failed to store submission")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"submission": sub,
		"consensus":  outcome,
	})
}

// Finalize re-evaluates a sample and finalizes it if the classifier allows.
func (h *Handler) Finalize(c *gin.Context) {
	sampleID, ok := h.sampleID(c)
	if !ok {
		return
	}

	outcome, err := h.finalizer.FinalizeIfReady(c.Request.Context(), sampleID, middleware.ActorFrom(c))
	if err != nil {
		h.respondError(c, err, "failed to finalize sample")
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// ForceFinalize writes an administrator override.
func (h *Handler) ForceFinalize(c *gin.Context) {
	sampleID, ok := h.sampleID(c)
	if !ok {
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	var req forceFinalizeRequest
	var payload models.LabelPayload
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := h.finalizer.ForceFinalize(c.Request.Context(), sampleID, payload, req.Skipped, middleware.ActorFrom(c))
	if err != nil {
		h.respondError(c, err, "failed to force-finalize sample")
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// GetConsensus previews the consensus state without writing anything.
func (h *Handler) GetConsensus(c *gin.Context) {
	sampleID, ok := h.sampleID(c)
	if !ok {
		return
	}

	outcome, err := h.finalizer.Preview(c.Request.Context(), sampleID)
	if err != nil {
		h.respondError(c, err, "failed to compute consensus")
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// ListArtifacts pages through the consensus audit trail.
func (h *Handler) ListArtifacts(c *gin.Context) {
	var f models.ArtifactFilter

	if v := c.Query("status"); v != "" {
		if !validStatus(v) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		f.Status = v
	}
	for name, dst := range map[string]*int64{"sample_id": &f.SampleID, "before_id": &f.BeforeID} {
		if v := c.Query(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
				return
			}
			*dst = n
		}
	}
	for name, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		if v := c.Query(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + " (RFC3339 expected)"})
				return
			}
			*dst = &t
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = n
	}

	artifacts, err := h.store.ListArtifacts(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("Failed to list artifacts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list artifacts"})
		return
	}

	resp := gin.H{
		"artifacts": artifacts,
		"total":     len(artifacts),
	}
	if len(artifacts) > 0 {
		resp["next_before_id"] = artifacts[len(artifacts)-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

// LatestReliability returns the newest snapshot per annotator.
func (h *Handler) LatestReliability(c *gin.Context) {
	snaps, err := h.store.LatestSnapshots(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get reliability snapshots", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get snapshots"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"snapshots": snaps,
		"total":     len(snaps),
	})
}

// AnnotatorReliability returns one annotator's snapshot history.
func (h *Handler) AnnotatorReliability(c *gin.Context) {
	annotatorID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || annotatorID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid annotator ID"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "30"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	snaps, err := h.store.SnapshotSeries(c.Request.Context(), annotatorID, limit)
	if err != nil {
		h.logger.Error("Failed to get snapshot series", zap.Int64("annotator_id", annotatorID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get snapshots"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"annotator_id": annotatorID,
		"snapshots":    snaps,
		"total":        len(snaps),
	})
}

// RunReliability runs the estimator synchronously and returns its summary.
func (h *Handler) RunReliability(c *gin.Context) {
	cfg := h.opts.Reliability
	for name, dst := range map[string]*int{"window_days": &cfg.WindowDays, "min_samples": &cfg.MinSamples} {
		if v := c.Query(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
				return
			}
			*dst = n
		}
	}

	summary, err := h.estimator.Run(c.Request.Context(), cfg)
	if err != nil {
		h.logger.Error("Reliability run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reliability run failed"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// ExportTraining streams weighted training rows as JSON lines.
func (h *Handler) ExportTraining(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(h.opts.ExportLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	records, err := h.exporter.TrainingRecords(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to export training data", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", "attachment; filename=training.jsonl")

	encoder := json.NewEncoder(c.Writer)
	for i := range records {
		if err := encoder.Encode(&records[i]); err != nil {
			h.logger.Error("Failed to write training record", zap.Error(err))
			return
		}
	}
}

// ExportSubmissions exports raw submissions to CSV
func (h *Handler) ExportSubmissions(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("since_days", "30"))
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since_days"})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=label_submissions.csv")

	if _, err := h.exporter.WriteSubmissionsCSV(c.Request.Context(), c.Writer, days, h.opts.ExportLimit); err != nil {
		h.logger.Error("Failed to export CSV", zap.Error(err))
		if !c.Writer.Written() {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		}
	}
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "label-consensus",
	})
}

func (h *Handler) sampleID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sample ID"})
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, service.ErrSampleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrSampleWithdrawn):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrSampleFinalized), errors.Is(err, service.ErrDuplicateSubmission):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrEmptyOverride):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, zap.Error(err), zap.String("request_id", middleware.RequestIDFrom(c)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func validStatus(s string) bool {
	switch s {
	case models.StatusNeedsMore, models.StatusConflict, models.StatusEscalated,
		models.StatusFinalized, models.StatusSkippedFinal:
		return true
	}
	return false
}
