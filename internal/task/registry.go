package task

import (
	"sync"
	"time"

	"deepresearch/internal/errors"
	"deepresearch/internal/logging"
)

// Registry holds exactly one record per active task and publishes a progress
// frame for every mutation. Records are evicted after a grace period
// following their terminal frame so late subscribers can still observe it.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	broadcaster *Broadcaster
	grace       time.Duration
	logger      logging.Logger
	metrics     *Metrics
}

// NewRegistry builds a registry wired to the given broadcaster. grace is the
// minimum delay between a terminal frame and record eviction.
func NewRegistry(broadcaster *Broadcaster, grace time.Duration, logger logging.Logger, metrics *Metrics) *Registry {
	r := &Registry{
		tasks:       make(map[string]*Task),
		broadcaster: broadcaster,
		grace:       grace,
		logger:      logging.OrNop(logger),
		metrics:     metrics,
	}
	if broadcaster != nil {
		broadcaster.SetSnapshotFunc(r.snapshot)
	}
	return r
}

func (r *Registry) snapshot(taskID string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[taskID].Clone()
}

// Create inserts a new pending task. It fails when the id is already taken.
func (r *Registry) Create(taskID, sessionID, step string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[taskID]; exists {
		return nil, errors.New(errors.KindValidation, "task already exists: %s", taskID)
	}

	t := &Task{
		TaskID:      taskID,
		SessionID:   sessionID,
		Status:      StatusPending,
		CurrentStep: step,
		StartedAt:   time.Now(),
	}
	r.tasks[taskID] = t
	if r.metrics != nil {
		r.metrics.tasksActive.Inc()
	}
	r.logger.Debug("created task %s (session=%s)", taskID, sessionID)
	return t.Clone(), nil
}

// Get returns a read-only snapshot, or nil when the task is unknown.
func (r *Registry) Get(taskID string) *Task {
	return r.snapshot(taskID)
}

// List returns snapshots of every held task.
func (r *Registry) List() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Update applies mutate atomically and publishes a progress frame derived
// from the resulting snapshot.
func (r *Registry) Update(taskID string, mutate func(*Task)) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.New(errors.KindNotFound, "task not found: %s", taskID)
	}
	mutate(t)
	snap := t.Clone()
	r.mu.Unlock()

	if r.broadcaster != nil {
		r.broadcaster.Publish(ProgressFrame{
			Type:      FrameProgress,
			TaskID:    taskID,
			Timestamp: time.Now(),
			Data:      snap.frameData(),
		})
	}
	return snap, nil
}

// Cancel sets the cooperative cancellation flag and returns immediately.
// The worker observes the flag at its next safe point.
func (r *Registry) Cancel(taskID string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return errors.New(errors.KindNotFound, "task not found: %s", taskID)
	}
	t.CancelRequested = true
	r.mu.Unlock()
	r.logger.Info("cancellation requested for task %s", taskID)
	return nil
}

// Cancelled reports whether cancellation has been requested for taskID.
func (r *Registry) Cancelled(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	return ok && t.CancelRequested
}

// Terminate moves the task to a terminal status, publishes the matching
// final frame, and schedules eviction after the grace period. The frame type
// is completed/error for completed/failed; a cancelled task terminates with
// a progress frame whose status is cancelled.
func (r *Registry) Terminate(taskID string, status Status, message string) error {
	if !status.IsTerminal() {
		return errors.New(errors.KindValidation, "status %s is not terminal", status)
	}

	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return errors.New(errors.KindNotFound, "task not found: %s", taskID)
	}
	t.Status = status
	switch status {
	case StatusCompleted:
		t.Progress = 100
		if message != "" {
			t.CurrentStep = message
		}
	case StatusFailed:
		t.Error = message
		if message != "" {
			t.CurrentStep = message
		}
	case StatusCancelled:
		t.CurrentStep = "Cancelled by user"
	}
	snap := t.Clone()
	r.mu.Unlock()

	if r.broadcaster != nil {
		frameType := FrameProgress
		switch status {
		case StatusCompleted:
			frameType = FrameCompleted
		case StatusFailed:
			frameType = FrameError
		}
		r.broadcaster.Publish(ProgressFrame{
			Type:      frameType,
			TaskID:    taskID,
			Timestamp: time.Now(),
			Data:      snap.frameData(),
		})
	}
	if r.metrics != nil {
		r.metrics.tasksTerminated.WithLabelValues(string(status)).Inc()
	}
	r.logger.Info("task %s terminated (%s)", taskID, status)

	r.evictAfter(taskID, r.grace)
	return nil
}

// EvictNow removes an ephemeral task record immediately after its terminal
// frame. Used for session-less synchronous phases.
func (r *Registry) EvictNow(taskID string) {
	r.evictAfter(taskID, 0)
}

func (r *Registry) evictAfter(taskID string, grace time.Duration) {
	evict := func() {
		r.mu.Lock()
		_, ok := r.tasks[taskID]
		delete(r.tasks, taskID)
		r.mu.Unlock()
		if ok {
			if r.metrics != nil {
				r.metrics.tasksActive.Dec()
			}
			if r.broadcaster != nil {
				r.broadcaster.Forget(taskID)
			}
			r.logger.Debug("evicted task %s", taskID)
		}
	}
	if grace <= 0 {
		evict()
		return
	}
	time.AfterFunc(grace, evict)
}
