package research

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/config"
	"deepresearch/internal/errors"
	"deepresearch/internal/llm"
	"deepresearch/internal/research/aggregate"
	"deepresearch/internal/search"
	"deepresearch/internal/session"
	"deepresearch/internal/task"
)

const storageTopic = "What are the tradeoffs between row-oriented and column-oriented storage engines?"

func testRequest() *Request {
	return &Request{
		Prompt:       storageTopic,
		ModelsConfig: session.ModelsConfig{Thinking: "test-thinking", Task: "test-task"},
		Language:     "en",
	}
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		PromptChars:        250000,
		AggregateChars:     240000,
		SourceContentChars: 80000,
		QueryChars:         400,
	}
}

func newTestEngine(t *testing.T, client llm.Client, adapter search.Adapter) (*Engine, session.Store, *task.Registry) {
	t.Helper()
	store, err := session.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	broadcaster := task.NewBroadcaster(16, time.Hour, nil, nil)
	registry := task.NewRegistry(broadcaster, time.Minute, nil, nil)
	agg := aggregate.New(client, adapter, nil)
	return NewEngine(client, agg, store, registry, testLimits(), nil), store, registry
}

func scriptedClient(answers map[string]string) *llm.MockClient {
	// Check markers in sorted order so a prompt matching more than one
	// marker resolves the same way on every run (map iteration is random).
	markers := make([]string, 0, len(answers))
	for marker := range answers {
		markers = append(markers, marker)
	}
	sort.Strings(markers)
	return &llm.MockClient{
		GenerateFunc: func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
			for _, marker := range markers {
				if strings.Contains(req.Prompt, marker) {
					return &llm.GenerateResponse{
						Content: answers[marker],
						Usage:   llm.TokenUsage{TotalTokens: 100},
					}, nil
				}
			}
			return &llm.GenerateResponse{Content: "generic answer", Usage: llm.TokenUsage{TotalTokens: 10}}, nil
		},
	}
}

func TestRequestNormalizeValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Request)
		ok     bool
	}{
		{"valid", func(r *Request) {}, true},
		{"prompt exactly 10 chars rejected", func(r *Request) { r.Prompt = strings.Repeat("x", 10) }, false},
		{"prompt 11 chars accepted", func(r *Request) { r.Prompt = strings.Repeat("x", 11) }, true},
		{"prompt too long", func(r *Request) { r.Prompt = strings.Repeat("x", 20001) }, false},
		{"unknown language", func(r *Request) { r.Language = "xx" }, false},
		{"unknown depth", func(r *Request) { r.ResearchDepth = "extreme" }, false},
		{"unknown mode", func(r *Request) { r.ExecutionMode = "parallel" }, false},
		{"max results over cap", func(r *Request) { r.MaxSearchResults = 21 }, false},
		{"missing thinking model", func(r *Request) { r.ModelsConfig.Thinking = "" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := testRequest()
			tc.mutate(req)
			err := req.Normalize()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, errors.KindValidation, errors.KindOf(err))
			}
		})
	}
}

func TestRequestNormalizeDefaults(t *testing.T) {
	req := &Request{
		Prompt:       storageTopic,
		ModelsConfig: session.ModelsConfig{Thinking: "m"},
	}
	require.NoError(t, req.Normalize())
	assert.Equal(t, "en", req.Language)
	assert.Equal(t, "standard", req.ResearchDepth)
	assert.Equal(t, "auto", req.ExecutionMode)
	assert.Equal(t, 10, req.MaxSearchResults)
	assert.Equal(t, "m", req.ModelsConfig.Task)
}

func TestQuestionsPhase(t *testing.T) {
	client := scriptedClient(map[string]string{
		"<topic>": "1. What workloads dominate?\n2. What storage budget applies?\n3. Which consistency level?\n4. What query shapes matter?\n5. What hardware is targeted?",
	})
	engine, _, _ := newTestEngine(t, client, &search.MockAdapter{})

	result, err := engine.Questions(context.Background(), testRequest())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(result.Questions), 5)
	require.Len(t, result.Report.Sections, 1)
	assert.Equal(t, "Clarifying Questions", result.Report.Sections[0].Title)
	assert.Equal(t, 100, result.TokensUsed)
}

func TestQuestionsPersistsToSession(t *testing.T) {
	client := scriptedClient(map[string]string{"<topic>": "1. Q one?\n2. Q two?"})
	engine, store, _ := newTestEngine(t, client, &search.MockAdapter{})

	sess, err := store.Create(context.Background(), session.CreateRequest{Title: "storage"})
	require.NoError(t, err)

	req := testRequest()
	req.SessionID = sess.SessionID
	_, err = engine.Questions(context.Background(), req)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, storageTopic, got.Topic)
	assert.Len(t, got.Questions, 2)
	assert.Equal(t, session.PhaseQuestions, got.CurrentPhase)
}

func TestPlanPhase(t *testing.T) {
	client := scriptedClient(map[string]string{
		"<feedback>": "## Write Path\nCovers write amplification.\n\n## Read Path\nCovers scan performance.",
	})
	engine, _, _ := newTestEngine(t, client, &search.MockAdapter{})

	result, err := engine.Plan(context.Background(), PlanRequest{
		Topic:     storageTopic,
		Questions: []string{"What workloads dominate?"},
		Feedback:  "Focus on write amplification",
		Request:   testRequest(),
	})
	require.NoError(t, err)
	assert.Contains(t, result.Plan, "Write Path")
}

func TestExecuteExternalPartialFailure(t *testing.T) {
	client := scriptedClient(map[string]string{
		"strict JSON": `[{"query": "q-one", "researchGoal": "g1"}, {"query": "q-two", "researchGoal": "g2"}, {"query": "q-three", "researchGoal": "g3"}]`,
		"Sources:": "A dense learning with a citation [1].",
	})
	adapter := &search.MockAdapter{
		SearchFunc: func(ctx context.Context, query string, maxResults int) (*search.Response, error) {
			if query == "q-two" {
				return nil, errors.New(errors.KindUpstreamFailure, "provider down")
			}
			return &search.Response{Results: []search.Result{
				{Title: "doc", URL: "https://e.com", Content: "Relevant page text.", Score: 0.7},
			}}, nil
		},
	}
	engine, _, _ := newTestEngine(t, client, adapter)

	result, err := engine.Execute(context.Background(), ExecuteRequest{
		Topic:   storageTopic,
		Plan:    "## Sections",
		Request: testRequest(),
		Backend: BackendExternal,
	})
	require.NoError(t, err)
	require.Len(t, result.Tasks, 3)

	assert.Equal(t, "q-one", result.Tasks[0].Query)
	assert.Equal(t, "q-two", result.Tasks[1].Query)
	assert.Equal(t, "q-three", result.Tasks[2].Query)

	assert.Equal(t, session.SearchTaskCompleted, result.Tasks[0].State)
	assert.Equal(t, session.SearchTaskFailed, result.Tasks[1].State)
	assert.Equal(t, session.SearchTaskCompleted, result.Tasks[2].State)
	assert.True(t, strings.HasPrefix(result.Tasks[1].Learning, "Error executing"))

	assert.Equal(t, 2, result.SourcesFound)
	assert.Contains(t, result.Markdown, "Research Execution Results")
	require.Len(t, result.Findings, 3)
	assert.Equal(t, 2, result.Findings[1].QueryNumber)
}

func TestExecuteFallsBackToSingleQuery(t *testing.T) {
	client := scriptedClient(map[string]string{
		"strict JSON": "no json here",
		"Sources:": "learned something [1]",
	})
	engine, _, _ := newTestEngine(t, client, &search.MockAdapter{})

	result, err := engine.Execute(context.Background(), ExecuteRequest{
		Topic:   storageTopic,
		Plan:    "plan",
		Request: testRequest(),
		Backend: BackendExternal,
	})
	require.NoError(t, err)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, storageTopic, result.Tasks[0].Query)
}

func TestExecuteGroundedBackend(t *testing.T) {
	var groundingSeen bool
	client := &llm.MockClient{
		GenerateFunc: func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
			if strings.Contains(req.Prompt, "strict JSON") {
				return &llm.GenerateResponse{Content: `[{"query": "gq", "researchGoal": "g"}]`}, nil
			}
			if req.Grounding {
				groundingSeen = true
			}
			return &llm.GenerateResponse{Content: "grounded learning [1]", Usage: llm.TokenUsage{TotalTokens: 42}}, nil
		},
	}
	engine, _, _ := newTestEngine(t, client, &search.MockAdapter{})

	result, err := engine.Execute(context.Background(), ExecuteRequest{
		Topic:   storageTopic,
		Plan:    "plan",
		Request: testRequest(),
		Backend: BackendGrounded,
	})
	require.NoError(t, err)
	require.Len(t, result.Tasks, 1)
	assert.True(t, groundingSeen)
	assert.Equal(t, session.SearchTaskCompleted, result.Tasks[0].State)
	assert.Empty(t, result.Tasks[0].Sources)
	assert.NotEmpty(t, result.Tasks[0].Learning)
}

func TestFinalReportPhase(t *testing.T) {
	client := scriptedClient(map[string]string{
		"<findings>": "# Storage Engines\n\nA long report including all the learnings.",
	})
	engine, _, _ := newTestEngine(t, client, &search.MockAdapter{})

	result, err := engine.FinalReport(context.Background(), FinalReportRequest{
		Topic:    storageTopic,
		Plan:     "plan",
		Findings: "# Research Execution Results\n\nfindings body",
		Request:  testRequest(),
	})
	require.NoError(t, err)
	assert.Contains(t, result.Report, "Storage Engines")
}

func TestFinalReportPersistsAndCompletes(t *testing.T) {
	client := scriptedClient(map[string]string{"<findings>": "final report body"})
	engine, store, _ := newTestEngine(t, client, &search.MockAdapter{})

	sess, err := store.Create(context.Background(), session.CreateRequest{Title: "s", Topic: storageTopic})
	require.NoError(t, err)

	req := testRequest()
	req.SessionID = sess.SessionID
	_, err = engine.FinalReport(context.Background(), FinalReportRequest{
		Topic: storageTopic, Plan: "p", Findings: "f", Request: req,
	})
	require.NoError(t, err)

	got, err := store.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "final report body", got.FinalReport)
	assert.Equal(t, session.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.CompletionPercentage)
}

func TestCustomExportPhase(t *testing.T) {
	client := scriptedClient(map[string]string{
		"Extract content": `{"slides": [{"title": "Overview", "content": ["bullet one", "bullet two"]}]}`,
	})
	engine, _, _ := newTestEngine(t, client, &search.MockAdapter{})

	result, err := engine.CustomExport(context.Background(), ExportRequest{
		Topic:       storageTopic,
		Markdown:    "# Report\n\nBody.",
		SlideTitles: []string{"Overview", "Risks"},
		Request:     testRequest(),
	})
	require.NoError(t, err)
	require.Len(t, result.Slides, 2)
	assert.Equal(t, "Overview", result.Slides[0].Title)
	assert.Equal(t, "Content unavailable in provided Markdown.", result.Slides[1].Content)
	assert.Contains(t, result.JSON, `"slides"`)
}

func TestCustomExportParseFailureFatal(t *testing.T) {
	client := scriptedClient(map[string]string{"Extract content": "sorry, no JSON today"})
	engine, _, _ := newTestEngine(t, client, &search.MockAdapter{})

	_, err := engine.CustomExport(context.Background(), ExportRequest{
		Markdown:    "# Report",
		SlideTitles: []string{"A"},
		Request:     testRequest(),
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindParse, errors.KindOf(err))
}

func TestContextTooLargeSurfaces(t *testing.T) {
	client := scriptedClient(nil)
	engine, _, _ := newTestEngine(t, client, &search.MockAdapter{})
	engine.limits.PromptChars = 100 // smaller than the system preamble

	req := testRequest()
	_, err := engine.Questions(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errors.KindContextTooLarge, errors.KindOf(err))
}

func TestRunDeepResearchCompletes(t *testing.T) {
	client := scriptedClient(map[string]string{
		"sectioned research plan": "## Plan Section\nOne sentence.",
		"strict JSON":   `[{"query": "q1", "researchGoal": "g1"}, {"query": "q2", "researchGoal": "g2"}]`,
		"Sources:":      "dense learning [1]",
		"<findings>":    "# Final Report\n\nAll the learnings.",
	})
	engine, _, registry := newTestEngine(t, client, &search.MockAdapter{})

	created, err := registry.Create("task-run-1", "", "Queued")
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, created.Status)

	engine.RunDeepResearch(context.Background(), "task-run-1", testRequest())

	rec := registry.Get("task-run-1")
	require.NotNil(t, rec)
	assert.Equal(t, task.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Contains(t, rec.Report, "Final Report")
	assert.Equal(t, 2, rec.SearchQueriesMade)
	assert.Greater(t, rec.TokensUsed, 0)
}

func TestRunDeepResearchCancelled(t *testing.T) {
	cancelAfterFirst := make(chan struct{}, 1)
	var registry *task.Registry

	client := &llm.MockClient{
		GenerateFunc: func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
			switch {
			case strings.Contains(req.Prompt, "Ask at least 5"):
				return &llm.GenerateResponse{Content: "1. Which engines?"}, nil
			case strings.Contains(req.Prompt, "sectioned research plan"):
				return &llm.GenerateResponse{Content: "plan"}, nil
			case strings.Contains(req.Prompt, "strict JSON"):
				return &llm.GenerateResponse{Content: `[{"query": "q1"}, {"query": "q2"}, {"query": "q3"}]`}, nil
			default:
				select {
				case <-cancelAfterFirst:
				default:
					_ = registry.Cancel("task-cancel-1")
					cancelAfterFirst <- struct{}{}
				}
				return &llm.GenerateResponse{Content: "learning"}, nil
			}
		},
	}
	adapter := &search.MockAdapter{}
	var engine *Engine
	engine, _, registry = newTestEngine(t, client, adapter)

	_, err := registry.Create("task-cancel-1", "", "Queued")
	require.NoError(t, err)

	engine.RunDeepResearch(context.Background(), "task-cancel-1", testRequest())

	rec := registry.Get("task-cancel-1")
	require.NotNil(t, rec)
	assert.Equal(t, task.StatusCancelled, rec.Status)
	assert.Equal(t, "Cancelled by user", rec.CurrentStep)
}

func TestExtractQuestions(t *testing.T) {
	numbered := "Intro text\n1. First?\n2) Second?\n- Third?\n"
	got := extractQuestions(numbered)
	assert.Equal(t, []string{"First?", "Second?", "Third?"}, got)

	plain := "First line\n\nSecond line"
	got = extractQuestions(plain)
	assert.Equal(t, []string{"First line", "Second line"}, got)
}

func TestGenerateEstimatesMissingUsage(t *testing.T) {
	client := &llm.MockClient{
		GenerateFunc: func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
			return &llm.GenerateResponse{Content: "1. Only question?"}, nil
		},
	}
	engine, _, _ := newTestEngine(t, client, &search.MockAdapter{})

	result, err := engine.Questions(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Greater(t, result.TokensUsed, 0)
}

type countingAgentAPI struct {
	calls int
	tools [][]string
}

func (a *countingAgentAPI) CreateAgent(ctx context.Context, name, model string, tools []string) (*llm.Agent, error) {
	a.calls++
	a.tools = append(a.tools, tools)
	return &llm.Agent{ID: "agent-1", Name: name, Model: model, Tools: tools}, nil
}

func TestGroundedAgentsModeReusesAgent(t *testing.T) {
	client := scriptedClient(map[string]string{
		"strict JSON": `[{"query": "q1", "researchGoal": "g"}, {"query": "q2", "researchGoal": "g"}]`,
	})
	engine, _, _ := newTestEngine(t, client, &search.MockAdapter{})

	api := &countingAgentAPI{}
	cache, err := llm.NewAgentCache(api, 0, "web_search", nil)
	require.NoError(t, err)
	engine.SetAgentCache(cache)

	req := testRequest()
	req.ExecutionMode = "agents"
	for range 2 {
		_, err := engine.Execute(context.Background(), ExecuteRequest{
			Topic:   storageTopic,
			Plan:    "plan",
			Request: req,
			Backend: BackendGrounded,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, api.calls)
	require.Len(t, api.tools, 1)
	assert.Equal(t, []string{"web_search"}, api.tools[0])
}

func TestRunDeepResearchStartsWithQuestions(t *testing.T) {
	var planPromptSeen string
	client := &llm.MockClient{
		GenerateFunc: func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
			switch {
			case strings.Contains(req.Prompt, "Ask at least 5"):
				return &llm.GenerateResponse{Content: "1. Which workloads dominate?"}, nil
			case strings.Contains(req.Prompt, "sectioned research plan"):
				planPromptSeen = req.Prompt
				return &llm.GenerateResponse{Content: "## Plan"}, nil
			case strings.Contains(req.Prompt, "strict JSON"):
				return &llm.GenerateResponse{Content: `[{"query": "q1", "researchGoal": "g"}]`}, nil
			default:
				return &llm.GenerateResponse{Content: "body"}, nil
			}
		},
	}
	engine, store, registry := newTestEngine(t, client, &search.MockAdapter{})

	sess, err := store.Create(context.Background(), session.CreateRequest{Title: "storage"})
	require.NoError(t, err)
	_, err = registry.Create("task-q-1", sess.SessionID, "Queued")
	require.NoError(t, err)

	req := testRequest()
	req.SessionID = sess.SessionID
	engine.RunDeepResearch(context.Background(), "task-q-1", req)

	rec := registry.Get("task-q-1")
	require.NotNil(t, rec)
	assert.Equal(t, task.StatusCompleted, rec.Status)

	got, err := store.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Which workloads dominate?"}, got.Questions)
	assert.Contains(t, planPromptSeen, "Which workloads dominate?")
}

func TestEngineUsesConfiguredTemperature(t *testing.T) {
	var temps []float64
	client := &llm.MockClient{
		GenerateFunc: func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
			temps = append(temps, req.Temperature)
			return &llm.GenerateResponse{Content: "1. Q?"}, nil
		},
	}
	engine, _, _ := newTestEngine(t, client, &search.MockAdapter{})
	engine.SetTemperature(0.2)

	_, err := engine.Questions(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotEmpty(t, temps)
	assert.Equal(t, 0.2, temps[0])
}

func TestExecuteHonorsMaxSearchResults(t *testing.T) {
	client := scriptedClient(map[string]string{
		"strict JSON": `[{"query": "q1", "researchGoal": "g"}]`,
		"Sources:":    "dense learning [1]",
	})
	var seen int
	adapter := &search.MockAdapter{
		SearchFunc: func(ctx context.Context, query string, maxResults int) (*search.Response, error) {
			seen = maxResults
			return &search.Response{Results: []search.Result{
				{Title: "t", URL: "https://e.com", Content: "text", Score: 0.9},
			}}, nil
		},
	}
	engine, _, _ := newTestEngine(t, client, adapter)

	req := testRequest()
	req.MaxSearchResults = 15
	_, err := engine.Execute(context.Background(), ExecuteRequest{
		Topic:   storageTopic,
		Plan:    "plan",
		Request: req,
		Backend: BackendExternal,
	})
	require.NoError(t, err)
	assert.Equal(t, 15, seen)
}
