package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"deepresearch/internal/session"
)

func (s *Server) handleSessionCreate(c *gin.Context) {
	var req session.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	sess, err := s.deps.Store.Create(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionList(c *gin.Context) {
	opts := session.ListOptions{
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 20),
		Status:   session.Status(c.Query("status")),
		Tag:      c.Query("tag"),
		Search:   c.Query("search"),
	}
	result, err := s.deps.Store.List(c.Request.Context(), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSessionGet(c *gin.Context) {
	sess, err := s.deps.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionUpdate(c *gin.Context) {
	var patch session.UpdatePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		s.badRequest(c, err)
		return
	}
	sess, err := s.deps.Store.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionDelete(c *gin.Context) {
	if err := s.deps.Store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type saveStateBody struct {
	Phase  session.Phase      `json:"phase"`
	State  session.PhaseState `json:"state"`
	TaskID string             `json:"task_id"`
}

func (s *Server) handleSaveState(c *gin.Context) {
	var body saveStateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	sess, err := s.deps.Store.SavePhaseState(c.Request.Context(), c.Param("id"), body.Phase, body.State, body.TaskID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type restoreBody struct {
	ContinueFromPhase session.Phase `json:"continue_from_phase"`
}

func (s *Server) handleRestore(c *gin.Context) {
	var body restoreBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	data, err := s.deps.Store.Restore(c.Request.Context(), c.Param("id"), body.ContinueFromPhase)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restoration_data": data})
}

type cleanupBody struct {
	DaysOld int `json:"days_old"`
}

func (s *Server) handleSessionCleanup(c *gin.Context) {
	body := cleanupBody{DaysOld: s.cfg.Session.CleanupDaysOld}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	archived, err := s.deps.Store.Cleanup(c.Request.Context(), body.DaysOld)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": archived})
}

func (s *Server) handleStorageStats(c *gin.Context) {
	stats, err := s.deps.Store.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if raw := c.Query(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}
