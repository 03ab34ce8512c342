package research

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"deepresearch/internal/config"
	"deepresearch/internal/errors"
	"deepresearch/internal/llm"
	"deepresearch/internal/logging"
	"deepresearch/internal/research/aggregate"
	"deepresearch/internal/session"
	"deepresearch/internal/task"
	"deepresearch/internal/textutil"
	"deepresearch/internal/tokenutil"
)

// Engine drives the research phases. It owns no state of its own; durable
// artifacts go through the session store, volatile progress through the
// task registry.
type Engine struct {
	client      llm.Client
	aggregator  *aggregate.Aggregator
	store       session.Store
	registry    *task.Registry
	limits      config.LimitsConfig
	logger      logging.Logger
	tracer      trace.Tracer
	now         func() time.Time
	agents      *llm.AgentCache
	temperature float64
}

const defaultTemperature = 0.7

// NewEngine wires the pipeline over its collaborators. store and registry
// may be nil for one-shot, session-less use.
func NewEngine(client llm.Client, aggregator *aggregate.Aggregator, store session.Store,
	registry *task.Registry, limits config.LimitsConfig, logger logging.Logger) *Engine {
	return &Engine{
		client:      client,
		aggregator:  aggregator,
		store:       store,
		registry:    registry,
		limits:      limits,
		logger:      logging.OrNop(logger),
		tracer:      otel.Tracer("deepresearch/research"),
		now:         time.Now,
		temperature: defaultTemperature,
	}
}

// SetAgentCache attaches an agent cache for agent-style backends. Grounded
// execution in "agents" mode resolves a named agent through it before
// running queries.
func (e *Engine) SetAgentCache(cache *llm.AgentCache) {
	e.agents = cache
}

// SetTemperature overrides the sampling temperature used for generation.
func (e *Engine) SetTemperature(t float64) {
	if t > 0 {
		e.temperature = t
	}
}

// generate invokes the model after enforcing the whole-prompt character
// ceiling. The user content is reduced at a sentence or word boundary; when
// no room remains after the system preamble the phase fails with
// ContextTooLarge.
func (e *Engine) generate(ctx context.Context, system, prompt, model string, budget int, grounding bool) (*llm.GenerateResponse, error) {
	if ceiling := e.limits.PromptChars; ceiling > 0 && len(system)+len(prompt) > ceiling {
		reduced, ok := textutil.ReduceToFit(prompt, ceiling-len(system))
		if !ok {
			return nil, errors.New(errors.KindContextTooLarge,
				"prompt of %d characters cannot be reduced to the %d ceiling", len(system)+len(prompt), ceiling)
		}
		e.logger.Warn("prompt reduced from %d to %d characters to fit ceiling", len(prompt), len(reduced))
		prompt = reduced
	}
	resp, err := e.client.Generate(ctx, llm.GenerateRequest{
		System:      system,
		Prompt:      prompt,
		Model:       model,
		MaxTokens:   budget,
		Temperature: e.temperature,
		Grounding:   grounding,
	})
	if err != nil {
		return nil, err
	}
	// Some backends omit usage; estimate so phase totals stay meaningful.
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.PromptTokens = tokenutil.CountTokens(system) + tokenutil.CountTokens(prompt)
		resp.Usage.CompletionTokens = tokenutil.CountTokens(resp.Content)
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	return resp, nil
}

// Questions runs the QUESTIONS phase: clarifying follow-up questions for a
// fresh topic. No grounding.
func (e *Engine) Questions(ctx context.Context, req *Request) (*QuestionsResult, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "research.questions")
	defer span.End()

	resp, err := e.generate(ctx, systemPreamble(e.now()), questionsPrompt(req.Prompt),
		req.ModelsConfig.Thinking, questionsBudget, false)
	if err != nil {
		return nil, err
	}

	questions := extractQuestions(resp.Content)
	span.SetAttributes(attribute.Int("questions.count", len(questions)))

	if req.SessionID != "" && e.store != nil {
		_, err := e.store.SavePhaseState(ctx, req.SessionID, session.PhaseQuestions, session.PhaseState{
			Topic:          &req.Prompt,
			Questions:      questions,
			ResearchConfig: req.ResearchConfig(),
		}, "")
		if err != nil {
			return nil, err
		}
	}

	return &QuestionsResult{
		Questions: questions,
		Report: Report{
			Title:    "Clarifying Questions",
			Sections: []Section{{Title: "Clarifying Questions", Content: resp.Content}},
		},
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// PlanRequest feeds the PLAN phase.
type PlanRequest struct {
	Topic     string   `json:"topic"`
	Questions []string `json:"questions"`
	Feedback  string   `json:"feedback"`
	Request   *Request `json:"request"`
}

// Plan runs the PLAN phase: a sectioned research plan built from the topic,
// the clarifying questions, and user feedback. No grounding.
func (e *Engine) Plan(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, errors.New(errors.KindValidation, "topic is required")
	}
	if err := req.Request.Normalize(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "research.plan")
	defer span.End()

	resp, err := e.generate(ctx, systemPreamble(e.now()),
		planPrompt(req.Topic, req.Questions, req.Feedback),
		req.Request.ModelsConfig.Thinking, planBudget, false)
	if err != nil {
		return nil, err
	}

	plan := strings.TrimSpace(resp.Content)
	if req.Request.SessionID != "" && e.store != nil {
		_, err := e.store.SavePhaseState(ctx, req.Request.SessionID, session.PhaseFeedback, session.PhaseState{
			Feedback:   &req.Feedback,
			ReportPlan: &plan,
		}, "")
		if err != nil {
			return nil, err
		}
	}
	return &PlanResult{Plan: plan, TokensUsed: resp.Usage.TotalTokens}, nil
}

// GenerateQueries asks the thinking model for search queries covering the
// plan. The response is parsed leniently; anything unusable degrades to a
// single broad query for the topic, never an error.
func (e *Engine) GenerateQueries(ctx context.Context, topic, plan string, req *Request) ([]aggregate.Item, int, error) {
	ctx, span := e.tracer.Start(ctx, "research.generate_queries")
	defer span.End()

	resp, err := e.generate(ctx, systemPreamble(e.now()),
		queriesPrompt(topic, plan, req.ResearchDepth),
		req.ModelsConfig.Thinking, queriesBudget, false)
	if err != nil {
		return nil, 0, err
	}

	items := parseQueries(topic, resp.Content)
	span.SetAttributes(attribute.Int("queries.count", len(items)))
	return items, resp.Usage.TotalTokens, nil
}

// ExecuteRequest feeds the EXECUTE phase. TaskID is optional; when set,
// progress frames are published and the cancellation flag is honored.
type ExecuteRequest struct {
	Topic   string         `json:"topic"`
	Plan    string         `json:"plan"`
	Request *Request       `json:"request"`
	Backend ExecuteBackend `json:"-"`
	TaskID  string         `json:"-"`
}

// Execute runs the EXECUTE phase: query generation followed by parallel
// search and synthesis. Per-query failures become failed SearchTasks; only
// cancellation or a query-generation failure aborts the phase.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, errors.New(errors.KindValidation, "topic is required")
	}
	if strings.TrimSpace(req.Plan) == "" {
		return nil, errors.New(errors.KindValidation, "plan is required")
	}
	if err := req.Request.Normalize(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "research.execute",
		trace.WithAttributes(attribute.String("backend", string(req.Backend))))
	defer span.End()

	if err := e.checkCancelled(req.TaskID); err != nil {
		return nil, err
	}
	e.publish(req.TaskID, 5, "Generating search queries")

	items, tokens, err := e.GenerateQueries(ctx, req.Topic, req.Plan, req.Request)
	if err != nil {
		return nil, err
	}
	e.addTokens(req.TaskID, tokens)
	e.publish(req.TaskID, 10, fmt.Sprintf("Executing %d search queries", len(items)))

	if err := e.checkCancelled(req.TaskID); err != nil {
		return nil, err
	}

	var tasks []session.SearchTask
	var execTokens int
	switch req.Backend {
	case BackendGrounded:
		tasks, execTokens, err = e.executeGrounded(ctx, req.TaskID, items, req.Request)
	default:
		tasks, execTokens, err = e.executeExternal(ctx, req.TaskID, items, req.Request)
	}
	if err != nil {
		return nil, err
	}
	e.addTokens(req.TaskID, execTokens)

	sourcesFound := 0
	for _, t := range tasks {
		sourcesFound += len(t.Sources)
	}

	result := &ExecuteResult{
		Tasks:        tasks,
		Markdown:     aggregate.RenderMarkdown(tasks),
		Findings:     aggregate.BuildFindings(tasks),
		TokensUsed:   tokens + execTokens,
		SourcesFound: sourcesFound,
	}

	if err := e.checkCancelled(req.TaskID); err != nil {
		return nil, err
	}
	if req.Request.SessionID != "" && e.store != nil {
		_, err := e.store.SavePhaseState(ctx, req.Request.SessionID, session.PhaseResearch, session.PhaseState{
			SearchTasks: tasks,
		}, req.TaskID)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// executeExternal delegates to the aggregator: the search adapter fetches
// pages and the task model synthesizes them.
func (e *Engine) executeExternal(ctx context.Context, taskID string, items []aggregate.Item, req *Request) ([]session.SearchTask, int, error) {
	if e.aggregator == nil {
		return nil, 0, errors.New(errors.KindInternal, "no search aggregator configured")
	}

	// Cancellation is observed between queries: once the flag is seen the
	// derived context stops the remaining ones.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	total := len(items)
	var done atomic.Int64
	opts := aggregate.Options{
		Model:        req.ModelsConfig.Task,
		MaxTokens:    learningBudget,
		Temperature:  e.temperature,
		MaxResults:   clampResults(req.MaxSearchResults),
		QueryChars:   e.limits.QueryChars,
		SourceChars:  e.limits.SourceContentChars,
		ContextChars: e.limits.AggregateChars,
		PromptChars:  e.limits.PromptChars,
		OnTaskDone: func(index int, st session.SearchTask) {
			n := int(done.Add(1))
			progress := 10 + 80*n/total
			e.publishSearchProgress(taskID, progress, st, n, total)
			if e.cancelled(taskID) {
				stop()
			}
		},
	}

	result, err := e.aggregator.Run(runCtx, items, opts)
	if err != nil {
		if e.cancelled(taskID) {
			return nil, 0, errors.New(errors.KindCancelled, "research cancelled")
		}
		return nil, 0, err
	}
	for _, w := range result.Warnings {
		e.logger.Warn("aggregation: %s", w)
	}
	return result.Tasks, result.TokensUsed, nil
}

// executeGrounded runs each query through the thinking model with the
// grounding tool attached; the model performs its own web searches. The
// artifact shape matches the external backend.
func (e *Engine) executeGrounded(ctx context.Context, taskID string, items []aggregate.Item, req *Request) ([]session.SearchTask, int, error) {
	tasks := make([]session.SearchTask, 0, len(items))
	tokens := 0
	total := len(items)

	// In agents mode one named agent backs the whole phase; repeated runs
	// with the same thinking model reuse the cached backend resource.
	model := req.ModelsConfig.Thinking
	if req.ExecutionMode == "agents" && e.agents != nil {
		agent, err := e.agents.Get(ctx, groundedAgentName(model), model, true)
		if err != nil {
			e.logger.Warn("agent resolution failed, continuing with model %s: %v", model, err)
		} else if agent.Model != "" {
			model = agent.Model
		}
	}

	for i, item := range items {
		if err := e.checkCancelled(taskID); err != nil {
			return nil, tokens, err
		}

		query := item.Query
		if e.limits.QueryChars > 0 {
			query = textutil.TruncateAtWord(query, e.limits.QueryChars)
		}
		st := session.SearchTask{Query: query, ResearchGoal: item.ResearchGoal}

		resp, err := e.generate(ctx, systemPreamble(e.now()),
			groundedQueryPrompt(query, item.ResearchGoal),
			model, learningBudget, true)
		if err != nil {
			e.logger.Warn("grounded search failed for %q: %v", query, err)
			st.State = session.SearchTaskFailed
			st.Learning = fmt.Sprintf("Error executing search for %q: %v", query, err)
		} else {
			st.State = session.SearchTaskCompleted
			st.Learning = strings.TrimSpace(resp.Content)
			tokens += resp.Usage.TotalTokens
		}

		tasks = append(tasks, st)
		progress := 10 + 80*(i+1)/total
		e.publishSearchProgress(taskID, progress, st, i+1, total)
	}
	return tasks, tokens, nil
}

// FinalReportRequest feeds the FINAL REPORT phase. Findings is the
// aggregated text produced by EXECUTE.
type FinalReportRequest struct {
	Topic       string   `json:"topic"`
	Plan        string   `json:"plan"`
	Findings    string   `json:"findings"`
	Requirement string   `json:"requirement,omitempty"`
	Request     *Request `json:"request"`
	TaskID      string   `json:"-"`
}

// FinalReport runs the FINAL REPORT phase: the long-form Markdown report
// over the plan and the aggregated findings.
func (e *Engine) FinalReport(ctx context.Context, req FinalReportRequest) (*ReportResult, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, errors.New(errors.KindValidation, "topic is required")
	}
	if strings.TrimSpace(req.Findings) == "" {
		return nil, errors.New(errors.KindValidation, "findings are required")
	}
	if err := req.Request.Normalize(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "research.final_report")
	defer span.End()

	if err := e.checkCancelled(req.TaskID); err != nil {
		return nil, err
	}
	e.publish(req.TaskID, 90, "Writing final report")

	resp, err := e.generate(ctx, systemPreamble(e.now()),
		finalReportPrompt(req.Topic, req.Plan, req.Findings, req.Requirement),
		req.Request.ModelsConfig.Thinking, finalReportBudget, false)
	if err != nil {
		return nil, err
	}

	report := strings.TrimSpace(resp.Content)
	if err := e.checkCancelled(req.TaskID); err != nil {
		return nil, err
	}
	if req.Request.SessionID != "" && e.store != nil {
		_, err := e.store.SavePhaseState(ctx, req.Request.SessionID, session.PhaseReport, session.PhaseState{
			FinalReport: &report,
		}, req.TaskID)
		if err != nil {
			return nil, err
		}
	}
	return &ReportResult{Report: report, TokensUsed: resp.Usage.TotalTokens}, nil
}

// ExportRequest feeds the CUSTOM EXPORT phase.
type ExportRequest struct {
	Topic       string   `json:"topic"`
	Markdown    string   `json:"markdown_content"`
	SlideTitles []string `json:"slide_titles"`
	Request     *Request `json:"request,omitempty"`
}

// CustomExport extracts slide content from a final report. Unlike query
// generation, a parse failure here is fatal.
func (e *Engine) CustomExport(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	if strings.TrimSpace(req.Markdown) == "" {
		return nil, errors.New(errors.KindValidation, "markdown_content is required")
	}
	if len(req.SlideTitles) == 0 {
		return nil, errors.New(errors.KindValidation, "slide_titles are required")
	}
	model := ""
	if req.Request != nil {
		if err := req.Request.Normalize(); err != nil {
			return nil, err
		}
		model = req.Request.ModelsConfig.Task
	}
	ctx, span := e.tracer.Start(ctx, "research.custom_export")
	defer span.End()

	resp, err := e.generate(ctx, systemPreamble(e.now()),
		customExportPrompt(req.Markdown, req.SlideTitles), model, exportBudget, false)
	if err != nil {
		return nil, err
	}

	slides, err := parseSlides(resp.Content, req.SlideTitles)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(slidesEnvelope{Slides: slides})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "encode slides")
	}
	return &ExportResult{
		Slides:     slides,
		JSON:       string(encoded),
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// RunDeepResearch is the full pipeline behind /research/start: questions,
// plan, execute, final report, all bound to one registered task. It is
// intended to run on its own goroutine; errors terminate the task, they are
// not returned.
func (e *Engine) RunDeepResearch(ctx context.Context, taskID string, req *Request) {
	ctx, span := e.tracer.Start(ctx, "research.run",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	est := e.now().Add(estimatedDuration(req.ResearchDepth))
	_, _ = e.registry.Update(taskID, func(t *task.Task) {
		t.Status = task.StatusRunning
		t.Progress = 0
		t.CurrentStep = "Starting research"
		t.EstimatedCompletion = &est
	})

	questions, err := e.Questions(ctx, req)
	if err != nil {
		e.fail(taskID, err)
		return
	}
	e.addTokens(taskID, questions.TokensUsed)
	e.publish(taskID, 5, "Clarifying questions ready")

	plan, err := e.Plan(ctx, PlanRequest{
		Topic:     req.Prompt,
		Questions: questions.Questions,
		Request:   req,
	})
	if err != nil {
		e.fail(taskID, err)
		return
	}
	e.addTokens(taskID, plan.TokensUsed)
	e.publish(taskID, 10, "Research plan ready")

	backend := BackendGrounded
	if req.EnableWebSearch {
		backend = BackendExternal
	}
	exec, err := e.Execute(ctx, ExecuteRequest{
		Topic:   req.Prompt,
		Plan:    plan.Plan,
		Request: req,
		Backend: backend,
		TaskID:  taskID,
	})
	if err != nil {
		e.fail(taskID, err)
		return
	}
	_, _ = e.registry.Update(taskID, func(t *task.Task) {
		t.SourcesFound = exec.SourcesFound
		t.SearchQueriesMade = len(exec.Tasks)
	})

	report, err := e.FinalReport(ctx, FinalReportRequest{
		Topic:    req.Prompt,
		Plan:     plan.Plan,
		Findings: exec.Markdown,
		Request:  req,
		TaskID:   taskID,
	})
	if err != nil {
		e.fail(taskID, err)
		return
	}

	_, _ = e.registry.Update(taskID, func(t *task.Task) {
		t.Report = report.Report
	})
	if err := e.registry.Terminate(taskID, task.StatusCompleted, "Research completed"); err != nil {
		e.logger.Error("terminate %s: %v", taskID, err)
	}
}

// fail routes a phase error to the task record: cancellation terminates with
// cancelled status, everything else with failed.
func (e *Engine) fail(taskID string, err error) {
	if errors.KindOf(err) == errors.KindCancelled || e.cancelled(taskID) {
		_ = e.registry.Terminate(taskID, task.StatusCancelled, "Cancelled by user")
		return
	}
	e.logger.Error("research task %s failed: %v", taskID, err)
	_, _ = e.registry.Update(taskID, func(t *task.Task) {
		t.Error = err.Error()
	})
	_ = e.registry.Terminate(taskID, task.StatusFailed, err.Error())
}

func (e *Engine) cancelled(taskID string) bool {
	return taskID != "" && e.registry != nil && e.registry.Cancelled(taskID)
}

func (e *Engine) checkCancelled(taskID string) error {
	if e.cancelled(taskID) {
		return errors.New(errors.KindCancelled, "research cancelled")
	}
	return nil
}

// publish updates the task record and emits a progress frame. Progress never
// regresses; the registry keeps the higher value.
func (e *Engine) publish(taskID string, progress int, step string) {
	if taskID == "" || e.registry == nil {
		return
	}
	_, _ = e.registry.Update(taskID, func(t *task.Task) {
		if progress > t.Progress {
			t.Progress = progress
		}
		t.CurrentStep = step
	})
}

func (e *Engine) publishSearchProgress(taskID string, progress int, st session.SearchTask, done, total int) {
	if taskID == "" || e.registry == nil {
		return
	}
	_, _ = e.registry.Update(taskID, func(t *task.Task) {
		if progress > t.Progress {
			t.Progress = progress
		}
		t.CurrentStep = fmt.Sprintf("Searched %d/%d: %s", done, total, st.Query)
		t.SourcesFound += len(st.Sources)
		t.SearchQueriesMade++
	})
}

func (e *Engine) addTokens(taskID string, tokens int) {
	if taskID == "" || e.registry == nil || tokens == 0 {
		return
	}
	_, _ = e.registry.Update(taskID, func(t *task.Task) {
		t.TokensUsed += tokens
	})
}

func groundedAgentName(model string) string {
	return "deep-research-" + model
}

func clampResults(n int) int {
	if n < 1 {
		return 10
	}
	if n > 20 {
		return 20
	}
	return n
}

func estimatedDuration(depth string) time.Duration {
	switch depth {
	case "quick":
		return 2 * time.Minute
	case "deep":
		return 8 * time.Minute
	default:
		return 4 * time.Minute
	}
}

var questionLine = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s+(.+)$`)

// extractQuestions pulls the numbered or bulleted questions out of the model
// response. When the response has no list structure, non-empty lines are
// taken as-is.
func extractQuestions(content string) []string {
	var questions []string
	for _, line := range strings.Split(content, "\n") {
		if m := questionLine.FindStringSubmatch(line); m != nil {
			questions = append(questions, strings.TrimSpace(m[1]))
		}
	}
	if len(questions) > 0 {
		return questions
	}
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			questions = append(questions, trimmed)
		}
	}
	return questions
}
