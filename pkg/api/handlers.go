package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/papergraph/papergraph/pkg/services"
)

type submitJobRequest struct {
	PaperID        string `json:"paper_id"`
	Title          string `json:"title"`
	RawText        string `json:"raw_text"`
	SourceURL      string `json:"source_url"`
	ForceReingest  bool   `json:"force_reingest"`
	ReasoningDepth int    `json:"reasoning_depth"`
}

// submitJob admits a pipeline job. Admission is synchronous; execution is
// not, so a 202 only promises a pending row.
func (s *Server) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Code: "INVALID_INPUT"})
		return
	}

	job, err := s.jobs.Submit(c.Request.Context(), tenantID(c), services.SubmitJobInput{
		PaperID:        req.PaperID,
		Title:          req.Title,
		RawText:        req.RawText,
		SourceURL:      req.SourceURL,
		ForceReingest:  req.ForceReingest,
		ReasoningDepth: req.ReasoningDepth,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.jobs.Status(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) listJobs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	jobs, total, err := s.jobs.List(c.Request.Context(), tenantID(c), page, limit, c.Query("status"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.settings.Get(c.Request.Context(), tenantID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settings":    settings,
		"has_api_key": settings.EncryptedAPIKey != "",
	})
}

type updateSettingsRequest struct {
	ExecutionMode            *string  `json:"execution_mode"`
	APIKey                   *string  `json:"api_key"`
	MaxReasoningDepth        *int     `json:"max_reasoning_depth"`
	SemanticGatingThreshold  *float64 `json:"semantic_gating_threshold"`
	AllowSpeculativeEdges    *bool    `json:"allow_speculative_edges"`
	EnabledRelationshipTypes []string `json:"enabled_relationship_types"`
	MonthlyCostLimitUSD      *float64 `json:"monthly_cost_limit"`
	MonthlyTokenLimit        *int64   `json:"monthly_token_limit"`
	DailyCostLimitUSD        *float64 `json:"daily_cost_limit"`
	DailyTokenLimit          *int64   `json:"daily_token_limit"`
}

func (s *Server) updateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Code: "INVALID_INPUT"})
		return
	}

	settings, err := s.settings.Update(c.Request.Context(), tenantID(c), services.UpdateSettingsInput{
		ExecutionMode:            req.ExecutionMode,
		APIKey:                   req.APIKey,
		MaxReasoningDepth:        req.MaxReasoningDepth,
		SemanticGatingThreshold:  req.SemanticGatingThreshold,
		AllowSpeculativeEdges:    req.AllowSpeculativeEdges,
		EnabledRelationshipTypes: req.EnabledRelationshipTypes,
		MonthlyCostLimitUSD:      req.MonthlyCostLimitUSD,
		MonthlyTokenLimit:        req.MonthlyTokenLimit,
		DailyCostLimitUSD:        req.DailyCostLimitUSD,
		DailyTokenLimit:          req.DailyTokenLimit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settings":    settings,
		"has_api_key": settings.EncryptedAPIKey != "",
	})
}

func (s *Server) getUsage(c *gin.Context) {
	check, err := s.jobs.Usage(c.Request.Context(), tenantID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":            check.State,
		"reasons":          check.Reasons,
		"daily_cost_usd":   check.DailyCostUSD,
		"daily_tokens":     check.DailyTokens,
		"monthly_cost_usd": check.MonthlyCostUSD,
		"monthly_tokens":   check.MonthlyTokens,
	})
}

func (s *Server) healthz(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	health := s.health.Health()
	status := http.StatusOK
	label := "healthy"
	if !health.IsHealthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	c.JSON(status, gin.H{"status": label, "pool": health})
}
