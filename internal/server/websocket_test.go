package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/search"
	"deepresearch/internal/task"
)

func dialTask(t *testing.T, srv *httptest.Server, taskID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/research/ws/" + taskID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) task.ProgressFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame task.ProgressFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebSocketStream(t *testing.T) {
	s, registry, _ := newTestServer(t, scripted(nil), &search.MockAdapter{})
	_, err := registry.Create("task-ws1", "", "Queued")
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialTask(t, srv, "task-ws1")
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, task.FrameConnection, frame.Type)
	assert.Equal(t, "task-ws1", frame.TaskID)

	// Attach-time snapshot of the live task.
	frame = readFrame(t, conn)
	assert.Equal(t, task.FrameProgress, frame.Type)

	_, err = registry.Update("task-ws1", func(rec *task.Task) {
		rec.Progress = 40
		rec.CurrentStep = "Executing research"
	})
	require.NoError(t, err)
	frame = readFrame(t, conn)
	require.Equal(t, task.FrameProgress, frame.Type)
	assert.Equal(t, float64(40), frame.Data["progress_percentage"])

	require.NoError(t, registry.Terminate("task-ws1", task.StatusCompleted, "done"))
	frame = readFrame(t, conn)
	assert.Equal(t, task.FrameCompleted, frame.Type)

	// Terminal frame ends the stream with a normal close.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWebSocketPing(t *testing.T) {
	s, registry, _ := newTestServer(t, scripted(nil), &search.MockAdapter{})
	_, err := registry.Create("task-ws2", "", "Queued")
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialTask(t, srv, "task-ws2")
	defer conn.Close()

	readFrame(t, conn) // connection
	readFrame(t, conn) // snapshot

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(payload))
}

func TestWebSocketUnknownTaskWaits(t *testing.T) {
	s, registry, _ := newTestServer(t, scripted(nil), &search.MockAdapter{})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialTask(t, srv, "task-ws3")
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, task.FrameConnection, frame.Type)
	frame = readFrame(t, conn)
	assert.Equal(t, task.FrameWaiting, frame.Type)

	// The task appearing later reaches the already-attached stream.
	_, err := registry.Create("task-ws3", "", "Queued")
	require.NoError(t, err)
	_, err = registry.Update("task-ws3", func(rec *task.Task) {
		rec.Progress = 10
	})
	require.NoError(t, err)
	frame = readFrame(t, conn)
	assert.Equal(t, task.FrameProgress, frame.Type)
}
