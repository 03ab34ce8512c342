package task

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/errors"
	"deepresearch/internal/logging"
)

func newTestRegistry(t *testing.T, grace time.Duration) (*Registry, *Broadcaster) {
	t.Helper()
	metrics, err := NewMetrics("test_tasks", prometheus.NewRegistry())
	require.NoError(t, err)
	b := NewBroadcaster(32, 0, logging.Nop(), metrics)
	return NewRegistry(b, grace, logging.Nop(), metrics), b
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, time.Second)
	_, err := r.Create("task-1", "session-1", "Starting")
	require.NoError(t, err)

	_, err = r.Create("task-1", "session-2", "Starting")
	assert.True(t, errors.Is(err, errors.KindValidation))
}

func TestGetReturnsSnapshotNotLiveRecord(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, time.Second)
	_, err := r.Create("task-1", "", "Starting")
	require.NoError(t, err)

	snap := r.Get("task-1")
	require.NotNil(t, snap)
	snap.Progress = 99

	again := r.Get("task-1")
	assert.Equal(t, 0, again.Progress)
	assert.Nil(t, r.Get("task-unknown"))
}

func TestUpdatePublishesDerivedProgressFrame(t *testing.T) {
	t.Parallel()

	r, b := newTestRegistry(t, time.Second)
	_, err := r.Create("task-1", "", "Starting")
	require.NoError(t, err)

	sub := b.Subscribe("task-1")
	<-sub.Frames() // connection
	<-sub.Frames() // attach snapshot

	_, err = r.Update("task-1", func(rec *Task) {
		rec.Status = StatusRunning
		rec.Progress = 40
		rec.CurrentStep = "Executing searches"
		rec.TokensUsed = 1234
	})
	require.NoError(t, err)

	frame := <-sub.Frames()
	assert.Equal(t, FrameProgress, frame.Type)
	assert.Equal(t, 40, frame.Data["progress_percentage"])
	assert.Equal(t, "Executing searches", frame.Data["current_step"])
	assert.Equal(t, 1234, frame.Data["tokens_used"])
}

func TestCancelSetsFlagWithoutStoppingTask(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, time.Second)
	_, err := r.Create("task-1", "", "Starting")
	require.NoError(t, err)

	require.NoError(t, r.Cancel("task-1"))
	assert.True(t, r.Cancelled("task-1"))

	// The record itself is still live until the worker observes the flag.
	snap := r.Get("task-1")
	assert.Equal(t, StatusPending, snap.Status)

	assert.True(t, errors.Is(r.Cancel("task-unknown"), errors.KindNotFound))
}

func TestTerminateCancelledPublishesProgressFrame(t *testing.T) {
	t.Parallel()

	r, b := newTestRegistry(t, time.Hour)
	_, err := r.Create("task-1", "", "Starting")
	require.NoError(t, err)

	sub := b.Subscribe("task-1")
	require.NoError(t, r.Cancel("task-1"))
	require.NoError(t, r.Terminate("task-1", StatusCancelled, ""))

	frames := collectAvailable(sub)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, FrameProgress, last.Type)
	assert.Equal(t, string(StatusCancelled), last.Data["status"])
	assert.Equal(t, "Cancelled by user", last.Data["current_step"])
	for _, f := range frames {
		assert.NotEqual(t, FrameCompleted, f.Type)
	}

	snap := r.Get("task-1")
	require.NotNil(t, snap)
	assert.Equal(t, StatusCancelled, snap.Status)
}

func TestTerminateKeepsRecordThroughGrace(t *testing.T) {
	t.Parallel()

	r, b := newTestRegistry(t, 50*time.Millisecond)
	_, err := r.Create("task-1", "", "Starting")
	require.NoError(t, err)
	require.NoError(t, r.Terminate("task-1", StatusCompleted, "Done"))

	// Within the grace window the record is still visible and a late
	// subscriber observes the terminal snapshot.
	snap := r.Get("task-1")
	require.NotNil(t, snap)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)

	sub := b.Subscribe("task-1")
	frames := collectAvailable(sub)
	require.Len(t, frames, 2)
	assert.Equal(t, FrameConnection, frames[0].Type)
	assert.Equal(t, FrameProgress, frames[1].Type)
	assert.Equal(t, string(StatusCompleted), frames[1].Data["status"])

	assert.Eventually(t, func() bool {
		return r.Get("task-1") == nil
	}, time.Second, 10*time.Millisecond)
}

func TestTerminateRejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, time.Second)
	_, err := r.Create("task-1", "", "Starting")
	require.NoError(t, err)

	err = r.Terminate("task-1", StatusRunning, "")
	assert.True(t, errors.Is(err, errors.KindValidation))
}

func TestEvictNowRemovesEphemeralTask(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, time.Hour)
	_, err := r.Create("task-eph", "", "One-shot phase")
	require.NoError(t, err)
	require.NoError(t, r.Terminate("task-eph", StatusCompleted, ""))

	r.EvictNow("task-eph")
	assert.Nil(t, r.Get("task-eph"))
}

func TestListReturnsAllActiveTasks(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, time.Second)
	for _, taskID := range []string{"task-a", "task-b", "task-c"} {
		_, err := r.Create(taskID, "", "Starting")
		require.NoError(t, err)
	}
	assert.Len(t, r.List(), 3)
}
