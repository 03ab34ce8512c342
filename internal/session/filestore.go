package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"deepresearch/internal/errors"
	"deepresearch/internal/logging"
	id "deepresearch/internal/utils/id"
)

// CreateRequest carries the caller-supplied fields for a new session.
type CreateRequest struct {
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Topic          string          `json:"topic,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Questions      []string        `json:"questions,omitempty"`
	ResearchConfig *ResearchConfig `json:"research_config,omitempty"`
}

// UpdatePatch merges non-nil fields into a session.
type UpdatePatch struct {
	Title          *string         `json:"title,omitempty"`
	Description    *string         `json:"description,omitempty"`
	Topic          *string         `json:"topic,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Status         *Status         `json:"status,omitempty"`
	Feedback       *string         `json:"feedback,omitempty"`
	ReportPlan     *string         `json:"report_plan,omitempty"`
	FinalReport    *string         `json:"final_report,omitempty"`
	ResearchConfig *ResearchConfig `json:"research_config,omitempty"`
}

// PhaseState is the artifact bundle a phase persists on completion. Nil
// fields are left untouched.
type PhaseState struct {
	Topic          *string         `json:"topic,omitempty"`
	Questions      []string        `json:"questions,omitempty"`
	Feedback       *string         `json:"feedback,omitempty"`
	ReportPlan     *string         `json:"report_plan,omitempty"`
	SearchTasks    []SearchTask    `json:"search_tasks,omitempty"`
	FinalReport    *string         `json:"final_report,omitempty"`
	ResearchConfig *ResearchConfig `json:"research_config,omitempty"`
}

// ListOptions filters and pages session listings.
type ListOptions struct {
	Page     int
	PageSize int
	Status   Status
	Tag      string
	Search   string
}

// ListResult is one page of session metadata, sorted by updated_at descending.
type ListResult struct {
	Sessions []Metadata `json:"sessions"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// StorageStats summarizes the on-disk footprint of the store.
type StorageStats struct {
	SessionCount int            `json:"session_count"`
	TotalBytes   int64          `json:"total_bytes"`
	MeanBytes    float64        `json:"mean_bytes"`
	MedianBytes  float64        `json:"median_bytes"`
	ByStatus     map[Status]int `json:"by_status"`
}

// Store is the persistence port consumed by the pipeline and the handlers.
type Store interface {
	Create(ctx context.Context, req CreateRequest) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	Update(ctx context.Context, sessionID string, patch UpdatePatch) (*Session, error)
	SavePhaseState(ctx context.Context, sessionID string, phase Phase, state PhaseState, taskID string) (*Session, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context, opts ListOptions) (*ListResult, error)
	Restore(ctx context.Context, sessionID string, continueFrom Phase) (*RestorationData, error)
	Cleanup(ctx context.Context, daysOld int) (int, error)
	Stats(ctx context.Context) (*StorageStats, error)
}

// FileStore persists sessions under a base directory: a metadata index at
// index.json plus one content file per session under content/. All writes go
// through write-to-temp + rename so a crash leaves either the old or the new
// state, never a partial file.
type FileStore struct {
	baseDir string
	logger  logging.Logger

	mu    chan struct{} // store-wide write serialization
	index map[string]Metadata
}

const (
	indexFile  = "index.json"
	contentDir = "content"
)

// NewFileStore opens (or creates) a store rooted at baseDir. "~/" prefixes
// are expanded against the user's home directory.
func NewFileStore(baseDir string, logger logging.Logger) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(filepath.Join(baseDir, contentDir), 0755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	s := &FileStore{
		baseDir: baseDir,
		logger:  logging.OrNop(logger),
		mu:      make(chan struct{}, 1),
		index:   make(map[string]Metadata),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) lock()   { s.mu <- struct{}{} }
func (s *FileStore) unlock() { <-s.mu }

func (s *FileStore) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.baseDir, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return fmt.Errorf("decode session index: %w", err)
	}
	return nil
}

func (s *FileStore) contentPath(sessionID string) string {
	return filepath.Join(s.baseDir, contentDir, sessionID+".json")
}

// writeAtomic writes data to path via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// persist writes the session content and refreshes the index, content first
// so a crash between the two leaves a stale index entry rather than a
// dangling one.
func (s *FileStore) persist(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.SessionID, err)
	}
	if err := writeAtomic(s.contentPath(sess.SessionID), data); err != nil {
		return fmt.Errorf("write session %s: %w", sess.SessionID, err)
	}
	s.index[sess.SessionID] = sess.metadata()
	return s.persistIndex()
}

func (s *FileStore) persistIndex() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session index: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.baseDir, indexFile), data); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	return nil
}

func (s *FileStore) read(sessionID string) (*Session, error) {
	data, err := os.ReadFile(s.contentPath(sessionID))
	if err != nil {
		return nil, errors.New(errors.KindNotFound, "session not found: %s", sessionID)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Error("failed to decode session file %s: %v", sessionID, err)
		return nil, errors.Wrap(errors.KindInternal, err, "decode session %s", sessionID)
	}
	return &sess, nil
}

// Create assigns a new session id and persists the initial record. The
// session enters the questions phase when a topic is already supplied,
// otherwise the topic phase.
func (s *FileStore) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	s.lock()
	defer s.unlock()

	now := time.Now()
	sess := &Session{
		SessionID:      id.NewSessionID(),
		CreatedAt:      now,
		UpdatedAt:      now,
		Title:          req.Title,
		Description:    req.Description,
		Topic:          req.Topic,
		Tags:           append([]string(nil), req.Tags...),
		Status:         StatusActive,
		CurrentPhase:   PhaseTopic,
		Questions:      append([]string(nil), req.Questions...),
		ResearchConfig: req.ResearchConfig,
	}
	if req.Topic != "" {
		sess.CurrentPhase = PhaseQuestions
	}
	sess.CompletionPercentage = CompletionPercentage(sess)

	if err := s.persist(sess); err != nil {
		return nil, err
	}
	s.logger.Info("created session %s (phase=%s)", sess.SessionID, sess.CurrentPhase)
	return sess.Clone(), nil
}

// Get returns a snapshot of the session.
func (s *FileStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.lock()
	defer s.unlock()

	sess, err := s.read(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Update merges non-nil patch fields and refreshes updated_at.
func (s *FileStore) Update(ctx context.Context, sessionID string, patch UpdatePatch) (*Session, error) {
	s.lock()
	defer s.unlock()

	sess, err := s.read(sessionID)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		sess.Title = *patch.Title
	}
	if patch.Description != nil {
		sess.Description = *patch.Description
	}
	if patch.Topic != nil {
		sess.Topic = *patch.Topic
	}
	if patch.Tags != nil {
		sess.Tags = append([]string(nil), patch.Tags...)
	}
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.Feedback != nil {
		sess.Feedback = *patch.Feedback
	}
	if patch.ReportPlan != nil {
		sess.ReportPlan = *patch.ReportPlan
	}
	if patch.FinalReport != nil {
		sess.FinalReport = *patch.FinalReport
	}
	if patch.ResearchConfig != nil {
		sess.ResearchConfig = patch.ResearchConfig
	}

	sess.UpdatedAt = time.Now()
	sess.CompletionPercentage = CompletionPercentage(sess)

	if err := s.persist(sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// SavePhaseState is the privileged update used by the pipeline: it advances
// current_phase (never backwards), merges the phase artifacts, and records
// the owning task id.
func (s *FileStore) SavePhaseState(ctx context.Context, sessionID string, phase Phase, state PhaseState, taskID string) (*Session, error) {
	if !phase.Valid() {
		return nil, errors.New(errors.KindValidation, "unknown phase: %s", phase)
	}

	s.lock()
	defer s.unlock()

	sess, err := s.read(sessionID)
	if err != nil {
		return nil, err
	}

	if phase.Order() > sess.CurrentPhase.Order() {
		sess.CurrentPhase = phase
	}

	if state.Topic != nil {
		sess.Topic = *state.Topic
	}
	if state.Questions != nil {
		sess.Questions = append([]string(nil), state.Questions...)
	}
	if state.Feedback != nil {
		sess.Feedback = *state.Feedback
	}
	if state.ReportPlan != nil {
		sess.ReportPlan = *state.ReportPlan
	}
	if state.SearchTasks != nil {
		sess.SearchTasks = append([]SearchTask(nil), state.SearchTasks...)
	}
	if state.FinalReport != nil {
		sess.FinalReport = *state.FinalReport
		if *state.FinalReport != "" {
			sess.Status = StatusCompleted
			sess.CurrentPhase = PhaseCompleted
		}
	}
	if state.ResearchConfig != nil {
		sess.ResearchConfig = state.ResearchConfig
	}

	if taskID != "" && !containsString(sess.TaskIDs, taskID) {
		sess.TaskIDs = append(sess.TaskIDs, taskID)
	}

	sess.UpdatedAt = time.Now()
	sess.CompletionPercentage = CompletionPercentage(sess)

	if err := s.persist(sess); err != nil {
		return nil, err
	}
	s.logger.Debug("saved phase state for %s (phase=%s, task=%s)", sessionID, phase, taskID)
	return sess.Clone(), nil
}

// Delete removes both content and metadata. Deleting an absent session is a
// no-op.
func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	s.lock()
	defer s.unlock()

	if err := os.Remove(s.contentPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if _, ok := s.index[sessionID]; !ok {
		return nil
	}
	delete(s.index, sessionID)
	return s.persistIndex()
}

// List returns one page of metadata records sorted by updated_at descending.
// Search is a case-insensitive substring match over title and description.
func (s *FileStore) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	s.lock()
	defer s.unlock()

	needle := strings.ToLower(opts.Search)
	matched := make([]Metadata, 0, len(s.index))
	for _, meta := range s.index {
		if opts.Status != "" && meta.Status != opts.Status {
			continue
		}
		if opts.Tag != "" && !containsString(meta.Tags, opts.Tag) {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(meta.Title), needle) &&
			!strings.Contains(strings.ToLower(meta.Description), needle) {
			continue
		}
		matched = append(matched, meta)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	total := len(matched)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return &ListResult{
		Sessions: matched[start:end],
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// Restore returns the bundle needed to re-enter the pipeline. When
// continueFrom names a phase, the session is repositioned there; this is the
// one operation allowed to move a session backwards.
func (s *FileStore) Restore(ctx context.Context, sessionID string, continueFrom Phase) (*RestorationData, error) {
	if continueFrom != "" && !continueFrom.Valid() {
		return nil, errors.New(errors.KindValidation, "unknown phase: %s", continueFrom)
	}

	s.lock()
	defer s.unlock()

	sess, err := s.read(sessionID)
	if err != nil {
		return nil, err
	}

	if continueFrom != "" && continueFrom != sess.CurrentPhase {
		sess.CurrentPhase = continueFrom
		sess.UpdatedAt = time.Now()
		sess.CompletionPercentage = CompletionPercentage(sess)
		if err := s.persist(sess); err != nil {
			return nil, err
		}
	}

	var currentTaskID string
	if n := len(sess.TaskIDs); n > 0 {
		currentTaskID = sess.TaskIDs[n-1]
	}

	return &RestorationData{
		SessionID:      sess.SessionID,
		Phase:          sess.CurrentPhase,
		Topic:          sess.Topic,
		Questions:      append([]string(nil), sess.Questions...),
		Feedback:       sess.Feedback,
		ReportPlan:     sess.ReportPlan,
		SearchTasks:    append([]SearchTask(nil), sess.SearchTasks...),
		FinalReport:    sess.FinalReport,
		CurrentTaskID:  currentTaskID,
		ResearchConfig: sess.ResearchConfig,
	}, nil
}

// Cleanup archives active sessions whose updated_at is older than daysOld
// days and returns how many were flipped.
func (s *FileStore) Cleanup(ctx context.Context, daysOld int) (int, error) {
	if daysOld < 0 {
		return 0, errors.New(errors.KindValidation, "days_old must be non-negative")
	}

	s.lock()
	defer s.unlock()

	cutoff := time.Now().AddDate(0, 0, -daysOld)
	archived := 0
	for sessionID, meta := range s.index {
		if meta.Status != StatusActive || !meta.UpdatedAt.Before(cutoff) {
			continue
		}
		sess, err := s.read(sessionID)
		if err != nil {
			s.logger.Warn("cleanup skipped unreadable session %s: %v", sessionID, err)
			continue
		}
		sess.Status = StatusArchived
		sess.UpdatedAt = time.Now()
		if err := s.persist(sess); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

// Stats reports the on-disk footprint: session count, total bytes, and
// mean/median content size.
func (s *FileStore) Stats(ctx context.Context) (*StorageStats, error) {
	s.lock()
	defer s.unlock()

	byStatus := make(map[Status]int)
	sizes := make([]float64, 0, len(s.index))
	var total int64
	for sessionID, meta := range s.index {
		byStatus[meta.Status]++
		info, err := os.Stat(s.contentPath(sessionID))
		if err != nil {
			continue
		}
		total += info.Size()
		sizes = append(sizes, float64(info.Size()))
	}

	result := &StorageStats{
		SessionCount: len(s.index),
		TotalBytes:   total,
		ByStatus:     byStatus,
	}
	if len(sizes) > 0 {
		if mean, err := stats.Mean(sizes); err == nil {
			result.MeanBytes = mean
		}
		if median, err := stats.Median(sizes); err == nil {
			result.MedianBytes = median
		}
	}
	return result, nil
}

func containsString(values []string, needle string) bool {
	for _, v := range values {
		if v == needle {
			return true
		}
	}
	return false
}
