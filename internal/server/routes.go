package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/inquest/internal/conductor"
	"github.com/danmuck/inquest/internal/gate"
	"github.com/danmuck/inquest/internal/manifest"
	"github.com/danmuck/inquest/internal/plan"
	"github.com/danmuck/inquest/internal/raft"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const tenantKey = "tenant"

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1", s.authenticate)
	api.POST("/inquiries", s.handleSubmit)
	api.GET("/inquiries/:id", s.handleStatus)
	api.POST("/inquiries/:id/cancel", s.handleCancel)
	api.GET("/inquiries/:id/records", s.handleRecords)
	api.GET("/beliefs", s.handleBelief)

	// Cluster-internal consensus RPC; peers authenticate at the
	// network layer, not with tenant tokens.
	s.router.POST("/raft/append-entries", s.handleAppendEntries)
	s.router.POST("/raft/request-vote", s.handleRequestVote)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.node.Status()
	// A node that sees no leader cannot commit: the minority side of a
	// partition surfaces here as a stall, not an error.
	stalled := st.Role != raft.RoleLeader && st.LeaderID == ""
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.appeared).String(),
		"service": s.id,
		"cluster": st,
		"stalled": stalled,
	})
}

// authenticate resolves the bearer token to a tenant.
func (s *Server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	tenant, err := s.ident.Identify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set(tenantKey, tenant)
	c.Next()
}

func (s *Server) handleSubmit(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	m, err := manifest.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, err := s.conductor.Submit(c.Request.Context(), c.GetString(tenantKey), m)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, snap)
	case errors.Is(err, gate.ErrAdmissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, plan.ErrCompilation):
		c.JSON(http.StatusUnprocessableEntity, compilationDetail(err))
	case errors.Is(err, raft.ErrNotLeader):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "not the leader",
			"leader": s.node.Status().LeaderID,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func compilationDetail(err error) gin.H {
	var ce *plan.CompilationError
	if errors.As(err, &ce) {
		return gin.H{"error": err.Error(), "field": ce.Field, "detail": ce.Detail}
	}
	var cy *plan.CyclicDependencyError
	if errors.As(err, &cy) {
		return gin.H{"error": err.Error(), "cycle": cy.Cycle}
	}
	return gin.H{"error": err.Error()}
}

func (s *Server) handleStatus(c *gin.Context) {
	snap, err := s.conductor.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancel(c *gin.Context) {
	snap, err := s.conductor.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, snap)
	case errors.Is(err, conductor.ErrUnknownPlan):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, raft.ErrNotLeader):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "not the leader",
			"leader": s.node.Status().LeaderID,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleRecords(c *gin.Context) {
	recs, err := s.conductor.Records(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"records": recs})
	case errors.Is(err, conductor.ErrUnknownPlan):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleBelief(c *gin.Context) {
	entity := c.Query("entity")
	if entity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entity query parameter required"})
		return
	}
	est, ok := s.conductor.Estimate(entity)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no estimate for entity"})
		return
	}
	c.JSON(http.StatusOK, est)
}

func (s *Server) handleAppendEntries(c *gin.Context) {
	var req raft.AppendEntriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.node.HandleAppendEntries(req))
}

func (s *Server) handleRequestVote(c *gin.Context) {
	var req raft.RequestVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.node.HandleRequestVote(req))
}
