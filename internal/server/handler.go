// internal/server/handler.go
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/signalnine/saferun/internal/detector"
	"github.com/signalnine/saferun/internal/protocol"
	"github.com/signalnine/saferun/internal/rules"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// VerdictStore is the verdict log the handlers write to and query
type VerdictStore interface {
	InsertVerdict(ctx context.Context, v *protocol.StoredVerdict) error
	QueryBySubject(ctx context.Context, subjectID string, limit int) ([]protocol.StoredVerdict, error)
	QueryAnomalies(ctx context.Context, limit int) ([]protocol.StoredVerdict, error)
	SourceCounts(ctx context.Context) (map[string]int, error)
}

// Handler serves the detection control API
type Handler struct {
	detector *detector.Detector
	store    VerdictStore
	logger   *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(det *detector.Detector, store VerdictStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		detector: det,
		store:    store,
		logger:   logger,
	}
}

// DetectResponse is returned by POST /api/v1/detect
type DetectResponse struct {
	SubjectID string                 `json:"subject_id"`
	IsAnomaly bool                   `json:"is_anomaly"`
	Source    protocol.Source        `json:"source"`
	Reasons   []string               `json:"reasons,omitempty"`
	Reading   protocol.SensorReading `json:"reading"`
}

// StatusResponse is returned by the status and admin endpoints
type StatusResponse struct {
	Status              string `json:"status"`
	Enabled             bool   `json:"enabled"`
	EndpointURL         string `json:"endpoint_url"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	CacheEntries        int    `json:"cache_entries"`
}

// SettingsRequest updates the administrative settings; nil fields are left alone
type SettingsRequest struct {
	Enabled     *bool   `json:"enabled"`
	EndpointURL *string `json:"endpoint_url"`
}

// ProbeRequest names the endpoint to test; empty means the current one
type ProbeRequest struct {
	EndpointURL string `json:"endpoint_url"`
}

// ProbeResponse reports a probe outcome
type ProbeResponse struct {
	OK          bool   `json:"ok"`
	EndpointURL string `json:"endpoint_url"`
	IsAnomaly   bool   `json:"is_anomaly"`
	LatencyMs   int64  `json:"latency_ms"`
	Error       string `json:"error,omitempty"`
}

// Register mounts the API routes on r
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/detect", h.Detect)
	r.GET("/status", h.Status)
	r.GET("/settings", h.GetSettings)
	r.PUT("/settings", h.UpdateSettings)
	r.POST("/failures/reset", h.ResetFailures)
	r.DELETE("/cache", h.ClearCache)
	r.POST("/probe", h.Probe)
	r.GET("/verdicts", h.VerdictsBySubject)
	r.GET("/verdicts/anomalies", h.Anomalies)
	r.GET("/verdicts/counts", h.SourceCounts)
}

// Detect classifies one reading
func (h *Handler) Detect(c *gin.Context) {
	var req protocol.SubjectReading
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	verdict, err := h.detector.Detect(c.Request.Context(), req.SubjectID, req.SensorReading)
	if err != nil {
		// Only precondition violations come back as errors
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reading := req.SensorReading.Flagged(verdict.IsAnomaly)
	reasons := rules.Explain(verdict, reading)

	if h.store != nil {
		stored := &protocol.StoredVerdict{
			SubjectID: req.SubjectID,
			Reading:   reading,
			Verdict:   verdict,
			Reasons:   reasons,
		}
		if err := h.store.InsertVerdict(c.Request.Context(), stored); err != nil {
			// Caller still gets the verdict
			h.logger.Error("Failed to record verdict", zap.String("subject_id", req.SubjectID), zap.Error(err))
		}
	}

	if verdict.IsAnomaly {
		h.logger.Warn("Anomaly detected",
			zap.String("subject_id", req.SubjectID),
			zap.String("source", string(verdict.Source)),
			zap.Strings("reasons", reasons))
	}

	c.JSON(http.StatusOK, DetectResponse{
		SubjectID: req.SubjectID,
		IsAnomaly: verdict.IsAnomaly,
		Source:    verdict.Source,
		Reasons:   reasons,
		Reading:   reading,
	})
}

func (h *Handler) status() StatusResponse {
	return StatusResponse{
		Status:              h.detector.Status(),
		Enabled:             h.detector.IsEnabled(),
		EndpointURL:         h.detector.EndpointURL(),
		ConsecutiveFailures: h.detector.ConsecutiveFailures(),
		CacheEntries:        h.detector.CacheLen(),
	}
}

// Status reports the remote classifier state
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

// GetSettings returns the administrative settings
func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled":      h.detector.IsEnabled(),
		"endpoint_url": h.detector.EndpointURL(),
	})
}

// UpdateSettings changes the switch and/or endpoint
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	err := h.detector.Update(c.Request.Context(), req.Enabled, req.EndpointURL)
	switch {
	case errors.Is(err, detector.ErrInvalidEndpoint):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		// Nothing was applied
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save settings"})
		return
	}

	c.JSON(http.StatusOK, h.status())
}

// ResetFailures re-arms the breaker
func (h *Handler) ResetFailures(c *gin.Context) {
	h.detector.ResetFailureCounter()
	c.JSON(http.StatusOK, h.status())
}

// ClearCache drops cached remote verdicts
func (h *Handler) ClearCache(c *gin.Context) {
	h.detector.ClearCache()
	c.JSON(http.StatusOK, h.status())
}

// Probe tests an endpoint without changing any state
func (h *Handler) Probe(c *gin.Context) {
	var req ProbeRequest
	// Empty body is allowed
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	if req.EndpointURL == "" {
		req.EndpointURL = h.detector.EndpointURL()
	}

	isAnomaly, latency, err := h.detector.Probe(c.Request.Context(), req.EndpointURL)
	if errors.Is(err, detector.ErrInvalidEndpoint) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := ProbeResponse{
		OK:          err == nil,
		EndpointURL: req.EndpointURL,
		IsAnomaly:   isAnomaly,
		LatencyMs:   latency.Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// VerdictsBySubject lists recent verdicts for ?subject_id=
func (h *Handler) VerdictsBySubject(c *gin.Context) {
	subjectID := c.Query("subject_id")
	if subjectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject_id is required"})
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	results, err := h.store.QueryBySubject(c.Request.Context(), subjectID, limit)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verdicts": nonNil(results)})
}

// Anomalies lists recent anomalous verdicts
func (h *Handler) Anomalies(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	results, err := h.store.QueryAnomalies(c.Request.Context(), limit)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verdicts": nonNil(results)})
}

// SourceCounts returns verdict counts by source
func (h *Handler) SourceCounts(c *gin.Context) {
	counts, err := h.store.SourceCounts(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

// bindError answers a failed body bind: 413 when the body hit the payload
// limit, 400 otherwise
func bindError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request entity too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultQueryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	return limit, true
}

func nonNil(v []protocol.StoredVerdict) []protocol.StoredVerdict {
	if v == nil {
		return []protocol.StoredVerdict{}
	}
	return v
}
