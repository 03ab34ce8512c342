// Package session defines the durable research session model and its
// file-backed store. A session spans every phase of one investigation:
// topic, clarifying questions, the report plan, per-query findings, and the
// final report.
package session

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
	StatusFailed    Status = "failed"
)

// Phase identifies how far a session has progressed through the pipeline.
type Phase string

const (
	PhaseTopic     Phase = "topic"
	PhaseQuestions Phase = "questions"
	PhaseFeedback  Phase = "feedback"
	PhaseResearch  Phase = "research"
	PhaseReport    Phase = "report"
	PhaseCompleted Phase = "completed"
)

// phaseOrder fixes the forward progression of phases. Restore is the only
// operation allowed to move a session to an earlier phase.
var phaseOrder = map[Phase]int{
	PhaseTopic:     0,
	PhaseQuestions: 1,
	PhaseFeedback:  2,
	PhaseResearch:  3,
	PhaseReport:    4,
	PhaseCompleted: 5,
}

// Order returns the position of p in the phase progression, or -1 for an
// unknown phase.
func (p Phase) Order() int {
	if ord, ok := phaseOrder[p]; ok {
		return ord
	}
	return -1
}

// Valid reports whether p names a known phase.
func (p Phase) Valid() bool {
	return p.Order() >= 0
}

// ModelsConfig names the two model roles used by the pipeline.
type ModelsConfig struct {
	Thinking string `json:"thinking"`
	Task     string `json:"task"`
}

// ResearchConfig is the per-session research configuration fixed at task
// start and carried forward in the session.
type ResearchConfig struct {
	ModelsConfig     ModelsConfig `json:"models_config"`
	EnableWebSearch  bool         `json:"enable_web_search"`
	MaxSearchResults int          `json:"max_search_results"`
	ResearchDepth    string       `json:"research_depth"`
	OutputFormat     string       `json:"output_format,omitempty"`
	Language         string       `json:"language"`
	ExecutionMode    string       `json:"execution_mode,omitempty"`
}

// Source is one retrieved document backing a learning.
type Source struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// Image is an illustration returned alongside search results.
type Image struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// SearchTaskState is the lifecycle state of a single executed query.
type SearchTaskState string

const (
	SearchTaskPending   SearchTaskState = "pending"
	SearchTaskRunning   SearchTaskState = "running"
	SearchTaskCompleted SearchTaskState = "completed"
	SearchTaskFailed    SearchTaskState = "failed"
)

// SearchTask is one element of the execute phase: a query, its research
// goal, and the synthesized learning with its sources.
type SearchTask struct {
	Query        string          `json:"query"`
	ResearchGoal string          `json:"research_goal"`
	State        SearchTaskState `json:"state"`
	Learning     string          `json:"learning,omitempty"`
	Sources      []Source        `json:"sources,omitempty"`
	Images       []Image         `json:"images,omitempty"`
}

// Session is the durable unit persisted by the store.
type Session struct {
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Status      Status    `json:"status"`

	CurrentPhase Phase `json:"current_phase"`

	Questions   []string     `json:"questions,omitempty"`
	Feedback    string       `json:"feedback,omitempty"`
	ReportPlan  string       `json:"report_plan,omitempty"`
	SearchTasks []SearchTask `json:"search_tasks,omitempty"`
	FinalReport string       `json:"final_report,omitempty"`

	ResearchConfig *ResearchConfig `json:"research_config,omitempty"`
	TaskIDs        []string        `json:"task_ids,omitempty"`

	// CompletionPercentage is derived; recomputed on every write.
	CompletionPercentage int `json:"completion_percentage"`
}

// Metadata is the cheap listing record kept in the store index. Listing N
// sessions reads only metadata, never the full artifact blobs.
type Metadata struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Status       Status    `json:"status"`
	CurrentPhase Phase     `json:"current_phase"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Tags         []string  `json:"tags,omitempty"`
}

// Clone returns a deep copy so callers can hold snapshots without aliasing
// store-owned state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Tags = append([]string(nil), s.Tags...)
	out.Questions = append([]string(nil), s.Questions...)
	out.TaskIDs = append([]string(nil), s.TaskIDs...)
	if s.ResearchConfig != nil {
		rc := *s.ResearchConfig
		out.ResearchConfig = &rc
	}
	if s.SearchTasks != nil {
		out.SearchTasks = make([]SearchTask, len(s.SearchTasks))
		for i, st := range s.SearchTasks {
			copied := st
			copied.Sources = append([]Source(nil), st.Sources...)
			copied.Images = append([]Image(nil), st.Images...)
			out.SearchTasks[i] = copied
		}
	}
	return &out
}

// metadata projects the session onto its index record.
func (s *Session) metadata() Metadata {
	return Metadata{
		SessionID:    s.SessionID,
		Title:        s.Title,
		Description:  s.Description,
		Status:       s.Status,
		CurrentPhase: s.CurrentPhase,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		Tags:         append([]string(nil), s.Tags...),
	}
}

// CompletionPercentage is a pure function of the current phase and which
// artifacts exist. It is recomputed on every write and never stored ahead of
// its inputs.
func CompletionPercentage(s *Session) int {
	if s.CurrentPhase == PhaseCompleted {
		return 100
	}
	pct := 0
	if s.Topic != "" {
		pct += 10
	}
	if len(s.Questions) > 0 {
		pct += 15
	}
	if s.ReportPlan != "" {
		pct += 20
	}
	if len(s.SearchTasks) > 0 {
		pct += 25
	}
	if s.FinalReport != "" {
		pct += 25
	}
	if pct > 95 {
		pct = 95
	}
	return pct
}

// RestorationData is the bundle returned by Restore: exactly the fields a
// caller needs to re-enter the pipeline at a given phase.
type RestorationData struct {
	SessionID      string          `json:"session_id"`
	Phase          Phase           `json:"phase"`
	Topic          string          `json:"topic"`
	Questions      []string        `json:"questions"`
	Feedback       string          `json:"feedback"`
	ReportPlan     string          `json:"reportPlan"`
	SearchTasks    []SearchTask    `json:"searchTasks"`
	FinalReport    string          `json:"finalReport"`
	CurrentTaskID  string          `json:"currentTaskId,omitempty"`
	ResearchConfig *ResearchConfig `json:"researchConfig,omitempty"`
}
