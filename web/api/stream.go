package api

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
)

const (
	streamPollInterval = time.Second
	streamWriteWait    = 10 * time.Second
)

type streamMessage struct {
	Key        string   `json:"key"`
	Lines      []string `json:"lines"`
	Percentage int      `json:"percentage"`
}

// streamHandler upgrades to a websocket and tails a task's raw output.
// New lines are pushed as they accumulate; the connection closes when the
// client goes away or the task stops being tracked.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request, key domain.TaskKey) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: upgrade failed: %v", err)
		return
	}

	clientID := uuid.New().String()
	log.Printf("api: stream client %s attached to %s", clientID, key)

	go func() {
		defer func() {
			conn.Close()
			log.Printf("api: stream client %s detached", clientID)
		}()

		// Drain client messages; a read error means the client went away
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()

		sent := 0
		for {
			lines := s.orch.Lines(key)
			if len(lines) > sent {
				state := s.orch.Progress(key)
				msg := streamMessage{
					Key:        key.String(),
					Lines:      lines[sent:],
					Percentage: state.Percentage,
				}
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
				sent = len(lines)
			}

			if _, tracked := s.orch.Task(key); !tracked {
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task no longer tracked"),
					time.Now().Add(streamWriteWait))
				return
			}

			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
}
