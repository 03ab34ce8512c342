package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"deepresearch/internal/async"
	"deepresearch/internal/errors"
	"deepresearch/internal/research"
	"deepresearch/internal/research/aggregate"
	"deepresearch/internal/task"
	id "deepresearch/internal/utils/id"
)

// ResearchResponse is the envelope returned by the research endpoints.
type ResearchResponse struct {
	TaskID       string              `json:"task_id"`
	Status       string              `json:"status"`
	Message      string              `json:"message,omitempty"`
	Report       *research.Report    `json:"report,omitempty"`
	Findings     []aggregate.Finding `json:"aggregated_findings,omitempty"`
	Progress     int                 `json:"progress,omitempty"`
	WebsocketURL string              `json:"websocket_url,omitempty"`
	SessionID    string              `json:"session_id,omitempty"`
	TokensUsed   int                 `json:"tokens_used,omitempty"`
}

// applyModelDefaults fills the configured model roster into a request that
// did not name its own models.
func (s *Server) applyModelDefaults(req *research.Request) {
	if req.ModelsConfig.Thinking == "" {
		req.ModelsConfig.Thinking = s.cfg.LLM.ThinkingModel
	}
	if req.ModelsConfig.Task == "" {
		req.ModelsConfig.Task = s.cfg.LLM.TaskModel
	}
}

func (s *Server) handleStart(c *gin.Context) {
	var req research.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	s.applyModelDefaults(&req)
	if err := req.Normalize(); err != nil {
		s.fail(c, err)
		return
	}

	taskID := id.NewTaskID()
	if _, err := s.deps.Registry.Create(taskID, req.SessionID, "Queued"); err != nil {
		s.fail(c, err)
		return
	}

	ctx := id.WithRequestID(context.Background(), id.NewRequestID())
	async.Go(s.logger, "research-"+taskID, func() {
		s.deps.Research.RunDeepResearch(ctx, taskID, &req)
	})

	c.JSON(http.StatusOK, ResearchResponse{
		TaskID:       taskID,
		Status:       "started",
		Message:      "Research task started",
		SessionID:    req.SessionID,
		WebsocketURL: "/research/ws/" + taskID,
	})
}

func (s *Server) handleQuestions(c *gin.Context) {
	var req research.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	s.applyModelDefaults(&req)

	result, err := s.deps.Research.Questions(c.Request.Context(), &req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ResearchResponse{
		TaskID:     id.NewTaskID(),
		Status:     "completed",
		Report:     &result.Report,
		SessionID:  req.SessionID,
		TokensUsed: result.TokensUsed,
	})
}

type planBody struct {
	Topic     string            `json:"topic"`
	Questions []string          `json:"questions"`
	Feedback  string            `json:"feedback"`
	Request   *research.Request `json:"request"`
}

// normalizeNested defaults a nested request so phase endpoints can be called
// without repeating the full start body.
func (s *Server) normalizeNested(req *research.Request, topic string) *research.Request {
	if req == nil {
		req = &research.Request{}
	}
	if req.Prompt == "" {
		req.Prompt = topic
	}
	s.applyModelDefaults(req)
	return req
}

func (s *Server) handlePlan(c *gin.Context) {
	var body planBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	body.Request = s.normalizeNested(body.Request, body.Topic)

	result, err := s.deps.Research.Plan(c.Request.Context(), research.PlanRequest{
		Topic:     body.Topic,
		Questions: body.Questions,
		Feedback:  body.Feedback,
		Request:   body.Request,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ResearchResponse{
		TaskID: id.NewTaskID(),
		Status: "completed",
		Report: &research.Report{
			Title:    "Research Plan",
			Sections: []research.Section{{Title: "Research Plan", Content: result.Plan}},
		},
		SessionID:  body.Request.SessionID,
		TokensUsed: result.TokensUsed,
	})
}

type executeBody struct {
	Topic   string            `json:"topic"`
	Plan    string            `json:"plan"`
	Request *research.Request `json:"request"`
}

func (s *Server) handleExecuteGrounded(c *gin.Context) {
	s.handleExecute(c, research.BackendGrounded)
}

func (s *Server) handleExecuteExternal(c *gin.Context) {
	s.handleExecute(c, research.BackendExternal)
}

// handleExecute runs the execute phase synchronously under an ephemeral task
// record, so subscribers can still watch progress while the call runs.
func (s *Server) handleExecute(c *gin.Context, backend research.ExecuteBackend) {
	var body executeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	body.Request = s.normalizeNested(body.Request, body.Topic)

	taskID := id.NewTaskID()
	if _, err := s.deps.Registry.Create(taskID, body.Request.SessionID, "Executing research"); err != nil {
		s.fail(c, err)
		return
	}

	result, err := s.deps.Research.Execute(c.Request.Context(), research.ExecuteRequest{
		Topic:   body.Topic,
		Plan:    body.Plan,
		Request: body.Request,
		Backend: backend,
		TaskID:  taskID,
	})
	if err != nil {
		status := task.StatusFailed
		if errors.KindOf(err) == errors.KindCancelled {
			status = task.StatusCancelled
		}
		_ = s.deps.Registry.Terminate(taskID, status, err.Error())
		s.deps.Registry.EvictNow(taskID)
		s.fail(c, err)
		return
	}

	_ = s.deps.Registry.Terminate(taskID, task.StatusCompleted, "Research execution completed")
	s.deps.Registry.EvictNow(taskID)

	c.JSON(http.StatusOK, ResearchResponse{
		TaskID: taskID,
		Status: "completed",
		Report: &research.Report{
			Title:    "Research Execution Results",
			Sections: []research.Section{{Title: "Research Execution Results", Content: result.Markdown}},
		},
		Findings:   result.Findings,
		SessionID:  body.Request.SessionID,
		TokensUsed: result.TokensUsed,
	})
}

type finalReportBody struct {
	Topic       string            `json:"topic"`
	Plan        string            `json:"plan"`
	Findings    string            `json:"findings"`
	Requirement string            `json:"requirement"`
	Request     *research.Request `json:"request"`
}

func (s *Server) handleFinalReport(c *gin.Context) {
	var body finalReportBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	body.Request = s.normalizeNested(body.Request, body.Topic)

	result, err := s.deps.Research.FinalReport(c.Request.Context(), research.FinalReportRequest{
		Topic:       body.Topic,
		Plan:        body.Plan,
		Findings:    body.Findings,
		Requirement: body.Requirement,
		Request:     body.Request,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ResearchResponse{
		TaskID: id.NewTaskID(),
		Status: "completed",
		Report: &research.Report{
			Title:    "Final Report",
			Sections: []research.Section{{Title: "Final Report", Content: result.Report}},
		},
		SessionID:  body.Request.SessionID,
		TokensUsed: result.TokensUsed,
	})
}

type customExportBody struct {
	Topic       string            `json:"topic"`
	Markdown    string            `json:"markdown_content"`
	SlideTitles []string          `json:"slide_titles"`
	Request     *research.Request `json:"request"`
}

func (s *Server) handleCustomExport(c *gin.Context) {
	var body customExportBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	topic := body.Topic
	if topic == "" {
		topic = body.Markdown
	}
	body.Request = s.normalizeNested(body.Request, topic)

	result, err := s.deps.Research.CustomExport(c.Request.Context(), research.ExportRequest{
		Topic:       body.Topic,
		Markdown:    body.Markdown,
		SlideTitles: body.SlideTitles,
		Request:     body.Request,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ResearchResponse{
		TaskID: id.NewTaskID(),
		Status: "completed",
		Report: &research.Report{
			Title:    "Custom Export",
			Sections: []research.Section{{Title: "Slides", Content: result.JSON}},
		},
		TokensUsed: result.TokensUsed,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	rec := s.deps.Registry.Get(c.Param("task_id"))
	if rec == nil {
		s.fail(c, errors.New(errors.KindNotFound, "task not found: %s", c.Param("task_id")))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleReport(c *gin.Context) {
	rec := s.deps.Registry.Get(c.Param("task_id"))
	if rec == nil {
		s.fail(c, errors.New(errors.KindNotFound, "task not found: %s", c.Param("task_id")))
		return
	}
	if rec.Report == "" {
		s.fail(c, errors.New(errors.KindNotFound, "report not ready for task %s", rec.TaskID))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": rec.TaskID,
		"status":  rec.Status,
		"report":  rec.Report,
	})
}

func (s *Server) handleCancel(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := s.deps.Registry.Cancel(taskID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": taskID,
		"status":  "cancelling",
		"message": "Cancellation requested",
	})
}

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.deps.Registry.List()})
}

func (s *Server) handleModels(c *gin.Context) {
	models, err := s.deps.Catalog.Models(c.Request.Context(), c.Query("refresh") == "true")
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
