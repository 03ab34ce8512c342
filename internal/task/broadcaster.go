package task

import (
	"sync"
	"time"

	"deepresearch/internal/async"
	"deepresearch/internal/logging"
)

// SnapshotFunc resolves the current task snapshot for attach-time and
// idle-resend frames. It returns nil when the task is unknown.
type SnapshotFunc func(taskID string) *Task

// Subscriber is one attached progress stream. Frames arrive in publish
// order; the channel is closed after the terminal frame.
type Subscriber struct {
	frames chan ProgressFrame
	once   sync.Once
}

// Frames returns the subscriber's frame stream.
func (s *Subscriber) Frames() <-chan ProgressFrame {
	return s.frames
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.frames) })
}

// Broadcaster fans progress frames out to any number of subscribers per
// task. Slow subscribers never block the publisher: each subscriber has a
// bounded buffer and the oldest non-terminal frame is dropped on overflow.
type Broadcaster struct {
	mu         sync.Mutex
	subs       map[string]map[*Subscriber]struct{}
	closed     map[string]bool // tasks whose terminal frame has been published
	buffer     int
	idleResend time.Duration
	snapshot   SnapshotFunc
	logger     logging.Logger
	metrics    *Metrics

	idleStop map[string]chan struct{}
	lastPub  map[string]time.Time
}

// NewBroadcaster builds a broadcaster with the given per-subscriber buffer
// size and idle-resend interval. snapshot may be nil (no attach-time state,
// no idle resend); the registry wires it during construction.
func NewBroadcaster(buffer int, idleResend time.Duration, logger logging.Logger, metrics *Metrics) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:       make(map[string]map[*Subscriber]struct{}),
		closed:     make(map[string]bool),
		buffer:     buffer,
		idleResend: idleResend,
		logger:     logging.OrNop(logger),
		metrics:    metrics,
		idleStop:   make(map[string]chan struct{}),
		lastPub:    make(map[string]time.Time),
	}
}

// SetSnapshotFunc wires the snapshot resolver. Must be called before the
// first Subscribe.
func (b *Broadcaster) SetSnapshotFunc(fn SnapshotFunc) {
	b.mu.Lock()
	b.snapshot = fn
	b.mu.Unlock()
}

// Subscribe attaches a new stream for taskID. The subscriber first receives
// a connection frame, then either the current task snapshot as a progress
// frame or a waiting frame when the task does not exist yet. Historical
// frames are never replayed.
func (b *Broadcaster) Subscribe(taskID string) *Subscriber {
	sub := &Subscriber{frames: make(chan ProgressFrame, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.push(sub, ProgressFrame{Type: FrameConnection, TaskID: taskID, Timestamp: now})

	var snap *Task
	if b.snapshot != nil {
		snap = b.snapshot(taskID)
	}
	if snap != nil {
		b.push(sub, ProgressFrame{
			Type:      FrameProgress,
			TaskID:    taskID,
			Timestamp: now,
			Data:      snap.frameData(),
		})
	} else {
		b.push(sub, ProgressFrame{Type: FrameWaiting, TaskID: taskID, Timestamp: now})
	}

	// A task already past its terminal frame: deliver the snapshot and end
	// the stream immediately.
	if b.closed[taskID] {
		sub.close()
		return sub
	}

	if _, ok := b.subs[taskID]; !ok {
		b.subs[taskID] = make(map[*Subscriber]struct{})
	}
	b.subs[taskID][sub] = struct{}{}
	if b.metrics != nil {
		b.metrics.subscribers.Inc()
	}
	b.ensureIdleLoop(taskID)
	return sub
}

// Unsubscribe detaches a stream. Safe to call after the stream closed.
func (b *Broadcaster) Unsubscribe(taskID string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[taskID]; ok {
		if _, attached := set[sub]; attached {
			delete(set, sub)
			if b.metrics != nil {
				b.metrics.subscribers.Dec()
			}
		}
		if len(set) == 0 {
			delete(b.subs, taskID)
			b.stopIdleLoop(taskID)
		}
	}
	sub.close()
}

// Publish fans a frame out to every subscriber of its task. A terminal frame
// closes all streams; a terminal frame is never dropped.
func (b *Broadcaster) Publish(frame ProgressFrame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed[frame.TaskID] {
		return
	}

	set := b.subs[frame.TaskID]
	for sub := range set {
		b.push(sub, frame)
	}
	b.lastPub[frame.TaskID] = frame.Timestamp
	if b.metrics != nil {
		b.metrics.framesPublished.WithLabelValues(string(frame.Type)).Inc()
	}

	if frame.terminal() {
		b.closed[frame.TaskID] = true
		for sub := range set {
			sub.close()
			if b.metrics != nil {
				b.metrics.subscribers.Dec()
			}
		}
		delete(b.subs, frame.TaskID)
		b.stopIdleLoop(frame.TaskID)
	}
}

// Forget clears the terminal marker once a task is evicted, so a reused id
// starts a fresh stream. Called by the registry after eviction.
func (b *Broadcaster) Forget(taskID string) {
	b.mu.Lock()
	delete(b.closed, taskID)
	delete(b.lastPub, taskID)
	b.mu.Unlock()
}

// push delivers a frame without blocking; on a full buffer it drops the
// oldest buffered frame. Callers hold b.mu, so per-subscriber ordering
// follows publish order.
func (b *Broadcaster) push(sub *Subscriber, frame ProgressFrame) {
	select {
	case sub.frames <- frame:
		return
	default:
	}
	// Buffer full: drop the oldest frame to make room.
	select {
	case <-sub.frames:
		if b.metrics != nil {
			b.metrics.framesDropped.Inc()
		}
	default:
	}
	select {
	case sub.frames <- frame:
	default:
		if b.metrics != nil {
			b.metrics.framesDropped.Inc()
		}
	}
}

// ensureIdleLoop starts the idle-resend ticker for taskID when subscribers
// are attached. The loop re-emits the current snapshot as a progress frame
// when no frame has been published for the idle interval.
func (b *Broadcaster) ensureIdleLoop(taskID string) {
	if b.idleResend <= 0 || b.snapshot == nil {
		return
	}
	if _, running := b.idleStop[taskID]; running {
		return
	}
	stop := make(chan struct{})
	b.idleStop[taskID] = stop

	async.Go(b.logger, "idle-resend-"+taskID, func() {
		ticker := time.NewTicker(b.idleResend)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.mu.Lock()
				last := b.lastPub[taskID]
				b.mu.Unlock()
				if time.Since(last) < b.idleResend {
					continue
				}
				snap := b.snapshot(taskID)
				if snap == nil {
					continue
				}
				b.Publish(ProgressFrame{
					Type:      FrameProgress,
					TaskID:    taskID,
					Timestamp: time.Now(),
					Data:      snap.frameData(),
				})
			}
		}
	})
}

func (b *Broadcaster) stopIdleLoop(taskID string) {
	if stop, ok := b.idleStop[taskID]; ok {
		close(stop)
		delete(b.idleStop, taskID)
	}
}
