// Package aggregate runs the external-search half of the execute phase:
// bounded-parallel query execution, per-source and whole-context character
// ceilings, and deterministic input-order aggregation of the results.
package aggregate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"deepresearch/internal/errors"
	"deepresearch/internal/llm"
	"deepresearch/internal/logging"
	"deepresearch/internal/search"
	"deepresearch/internal/session"
	"deepresearch/internal/textutil"
)

// Item is one query to execute.
type Item struct {
	Query        string `json:"query"`
	ResearchGoal string `json:"researchGoal"`
}

// Finding is the structured per-query output carried alongside the Markdown
// rendering.
type Finding struct {
	Query        string `json:"query"`
	ResearchGoal string `json:"research_goal"`
	Findings     string `json:"findings"`
	QueryNumber  int    `json:"query_number"`
	SourcesCount int    `json:"sources_count,omitempty"`
}

// Options tunes one aggregation run. Zero values fall back to defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	MaxResults  int
	Parallelism int

	QueryChars   int
	SourceChars  int
	ContextChars int
	PromptChars  int

	// OnTaskDone fires after each query settles, in completion order. The
	// index is the query's input position.
	OnTaskDone func(index int, task session.SearchTask)
}

const (
	defaultMaxResults  = 5
	defaultParallelism = 3
	defaultMaxTokens   = 3072
)

// Result is the outcome of one aggregation run. Tasks are in input order
// regardless of completion order.
type Result struct {
	Tasks      []session.SearchTask
	Markdown   string
	Findings   []Finding
	TokensUsed int
	Warnings   []string
}

// Aggregator executes search queries and synthesizes learnings through the
// task model. Partial failures never abort a run; each failed query becomes
// a failed SearchTask in place.
type Aggregator struct {
	client  llm.Client
	adapter search.Adapter
	logger  logging.Logger
}

// New builds an aggregator over the given model client and search adapter.
func New(client llm.Client, adapter search.Adapter, logger logging.Logger) *Aggregator {
	return &Aggregator{
		client:  client,
		adapter: adapter,
		logger:  logging.OrNop(logger),
	}
}

// Run executes all items with bounded parallelism. The returned error is
// non-nil only when the context is cancelled; query failures are captured in
// the corresponding SearchTask.
func (a *Aggregator) Run(ctx context.Context, items []Item, opts Options) (*Result, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	tasks := make([]session.SearchTask, len(items))
	usage := make([]int, len(items))
	warnings := make([][]string, len(items))

	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(opts.Parallelism)

	for i, item := range items {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return errors.Wrap(errors.KindCancelled, err, "aggregation cancelled")
			}
			task, tokens, warns := a.runQuery(groupCtx, item, opts)
			mu.Lock()
			tasks[i] = task
			usage[i] = tokens
			warnings[i] = warns
			mu.Unlock()
			if opts.OnTaskDone != nil {
				opts.OnTaskDone(i, task)
			}
			if groupCtx.Err() != nil {
				return errors.Wrap(errors.KindCancelled, groupCtx.Err(), "aggregation cancelled")
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	result := &Result{Tasks: tasks}
	for i := range items {
		result.TokensUsed += usage[i]
		result.Warnings = append(result.Warnings, warnings[i]...)
	}
	result.Findings = BuildFindings(tasks)
	result.Markdown = RenderMarkdown(tasks)
	return result, nil
}

// runQuery executes one query end to end. Failures produce a failed task
// with a short error description and no partial sources.
func (a *Aggregator) runQuery(ctx context.Context, item Item, opts Options) (session.SearchTask, int, []string) {
	query := item.Query
	if opts.QueryChars > 0 {
		query = textutil.TruncateAtWord(query, opts.QueryChars)
	}

	task := session.SearchTask{
		Query:        query,
		ResearchGoal: item.ResearchGoal,
		State:        session.SearchTaskRunning,
	}

	resp, err := a.adapter.Search(ctx, query, opts.MaxResults)
	if err != nil {
		a.logger.Warn("search failed for %q: %v", query, err)
		return failedTask(task, query, err), 0, nil
	}

	sources := make([]session.Source, 0, len(resp.Results))
	for _, r := range resp.Results {
		content := r.Content
		if opts.SourceChars > 0 {
			content = textutil.TruncateAtSentence(content, opts.SourceChars)
		}
		sources = append(sources, session.Source{
			Title:         r.Title,
			URL:           r.URL,
			Content:       content,
			Score:         r.Score,
			PublishedDate: r.PublishedDate,
		})
	}
	images := make([]session.Image, 0, len(resp.Images))
	for _, img := range resp.Images {
		images = append(images, session.Image{URL: img.URL, Description: img.Description})
	}

	// The context budget is bounded by both the whole-context ceiling and
	// the room the prompt ceiling leaves after the synthesis skeleton.
	contextBudget := opts.ContextChars
	if opts.PromptChars > 0 {
		room := opts.PromptChars - len(synthesisPrompt(query, item.ResearchGoal, ""))
		if room <= 0 {
			err := errors.New(errors.KindContextTooLarge,
				"synthesis prompt for %q leaves no room under the %d ceiling", query, opts.PromptChars)
			return failedTask(task, query, err), 0, nil
		}
		if contextBudget <= 0 || room < contextBudget {
			contextBudget = room
		}
	}
	contextBlock, warns := buildContext(sources, contextBudget)

	prompt := synthesisPrompt(query, item.ResearchGoal, contextBlock)
	if opts.PromptChars > 0 && len(prompt) > opts.PromptChars {
		overhead := len(prompt) - len(contextBlock)
		reduced, ok := textutil.ReduceToFit(contextBlock, opts.PromptChars-overhead)
		if !ok {
			err := errors.New(errors.KindContextTooLarge,
				"synthesis prompt for %q exceeds %d characters", query, opts.PromptChars)
			return failedTask(task, query, err), 0, warns
		}
		warns = append(warns, fmt.Sprintf("query %q: context reduced to fit prompt ceiling", query))
		prompt = synthesisPrompt(query, item.ResearchGoal, reduced)
	}

	llmResp, err := a.client.Generate(ctx, llm.GenerateRequest{
		System:      synthesisSystem,
		Prompt:      prompt,
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		a.logger.Warn("synthesis failed for %q: %v", query, err)
		return failedTask(task, query, err), 0, warns
	}

	learning := strings.TrimSpace(llmResp.Content)
	if learning == "" {
		err := errors.New(errors.KindUpstreamFailure, "model returned an empty learning")
		return failedTask(task, query, err), llmResp.Usage.TotalTokens, warns
	}

	task.State = session.SearchTaskCompleted
	task.Learning = learning
	task.Sources = sources
	task.Images = images
	return task, llmResp.Usage.TotalTokens, warns
}

// failedTask converts a running task into its failed form. Partial sources
// are discarded so consumers never see sources without a learning that
// cites them.
func failedTask(task session.SearchTask, query string, err error) session.SearchTask {
	task.State = session.SearchTaskFailed
	task.Learning = fmt.Sprintf("Error executing search for %q: %v", query, err)
	task.Sources = nil
	task.Images = nil
	return task
}

// buildContext renders numbered sources into the synthesis context block,
// enforcing the whole-context ceiling by distributing the remaining budget
// evenly across unprocessed sources. Sources whose share is too small to be
// useful are dropped with a warning.
func buildContext(sources []session.Source, ceiling int) (string, []string) {
	// Too small a share produces a useless fragment; drop instead.
	const minShare = 64

	var b strings.Builder
	var warnings []string
	budget := ceiling

	for i, src := range sources {
		content := src.Content
		entryOverhead := len(src.Title) + len(src.URL) + 16

		if ceiling > 0 {
			remaining := len(sources) - i
			share := budget / remaining
			if share < entryOverhead+minShare {
				warnings = append(warnings,
					fmt.Sprintf("context ceiling reached, dropped %d of %d sources", remaining, len(sources)))
				break
			}
			if len(content) > share-entryOverhead {
				content = textutil.TruncateAtSentence(content, share-entryOverhead)
				warnings = append(warnings,
					fmt.Sprintf("context ceiling reached, truncated source %d to its share", i+1))
			}
		}

		entry := fmt.Sprintf("[%d] %s\nURL: %s\n%s\n\n", i+1, src.Title, src.URL, content)
		b.WriteString(entry)
		if ceiling > 0 {
			budget -= len(entry)
		}
	}
	return b.String(), warnings
}

const synthesisSystem = "You are a meticulous research assistant. Synthesize dense, information-rich learnings from the provided sources. Cite sources with [n] markers keyed to the numbered source list. Never invent facts that are not in the sources."

func synthesisPrompt(query, goal, contextBlock string) string {
	var b strings.Builder
	b.WriteString("Search query: " + query + "\n")
	if goal != "" {
		b.WriteString("Research goal: " + goal + "\n")
	}
	b.WriteString("\nSources:\n\n")
	b.WriteString(contextBlock)
	b.WriteString("\nProduce a list of dense learnings from the sources above. ")
	b.WriteString("Each learning must be specific, include entities, metrics, numbers, and dates where present, ")
	b.WriteString("and cite its sources with [n] markers.")
	return b.String()
}

// BuildFindings converts settled tasks into the structured findings array.
func BuildFindings(tasks []session.SearchTask) []Finding {
	findings := make([]Finding, 0, len(tasks))
	for i, task := range tasks {
		f := Finding{
			Query:        task.Query,
			ResearchGoal: task.ResearchGoal,
			Findings:     task.Learning,
			QueryNumber:  i + 1,
		}
		if task.State == session.SearchTaskCompleted {
			f.SourcesCount = len(task.Sources)
		}
		findings = append(findings, f)
	}
	return findings
}

// RenderMarkdown renders the human-readable aggregation block.
func RenderMarkdown(tasks []session.SearchTask) string {
	var b strings.Builder
	b.WriteString("# Research Execution Results\n\n")

	var scores []float64
	for i, task := range tasks {
		b.WriteString(fmt.Sprintf("## Query %d: %s\n\n", i+1, task.Query))
		if task.ResearchGoal != "" {
			b.WriteString(fmt.Sprintf("**Research Goal:** %s\n\n", task.ResearchGoal))
		}
		if task.State == session.SearchTaskCompleted {
			b.WriteString(fmt.Sprintf("**Sources:** %d\n\n", len(task.Sources)))
		}
		b.WriteString(task.Learning)
		b.WriteString("\n\n")
		for _, src := range task.Sources {
			scores = append(scores, src.Score)
		}
	}

	if len(scores) > 0 {
		if mean, err := stats.Mean(scores); err == nil {
			b.WriteString(fmt.Sprintf("*Average source relevance: %.2f across %d sources.*\n", mean, len(scores)))
		}
	}
	return b.String()
}
