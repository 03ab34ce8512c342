package server

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// wsConn serializes writes to one WebSocket connection: the frame pump and
// the pong replies share the socket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsConn) writeText(msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (w *wsConn) writeClose(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
}

// handleWebSocket streams progress frames for one task. The subscriber gets
// a connection frame, the current snapshot, then live frames until the
// terminal frame closes the stream with a normal closure. Incoming "ping"
// text gets a raw "pong"; everything else incoming is ignored.
func (s *Server) handleWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")

	raw, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed for %s: %v", taskID, err)
		return
	}
	conn := &wsConn{conn: raw}
	sub := s.deps.Broadcaster.Subscribe(taskID)

	done := make(chan struct{})

	// Frame pump: broadcaster to socket.
	go func() {
		defer close(done)
		for frame := range sub.Frames() {
			if err := conn.writeJSON(frame); err != nil {
				s.logger.Debug("websocket write to %s failed: %v", taskID, err)
				s.deps.Broadcaster.Unsubscribe(taskID, sub)
				return
			}
		}
		// Stream ended by a terminal frame.
		conn.writeClose(websocket.CloseNormalClosure)
	}()

	// Read loop: keep-alive pings and client disconnects.
	for {
		msgType, msg, err := raw.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.TextMessage && string(msg) == "ping" {
			if err := conn.writeText("pong"); err != nil {
				break
			}
		}
	}

	s.deps.Broadcaster.Unsubscribe(taskID, sub)
	<-done
	_ = raw.Close()
}
