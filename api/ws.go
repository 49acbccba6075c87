package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aont/nhk-radio-recorder/store"
)

// logTailInterval is how often the live log endpoint polls the worker's
// ring buffer for new lines.
const logTailInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// liveLogWS streams a reservation's in-flight capture log over a
// WebSocket, one text frame per new muxer output line, until the client
// disconnects or the capture ends (SPEC_FULL.md supplement: live log
// tail, repurposing the teacher's gorilla/websocket dependency for a
// browser-facing endpoint instead of a remote-worker RPC link).
func (s *Server) liveLogWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	worker, ok := s.sched.ActiveWorker(id)
	if !ok {
		writeError(w, store.NewError(store.KindNotFound, "no active capture for this reservation"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(logTailInterval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			lines := worker.Logs()
			if sent > len(lines) {
				// the ring buffer rotated past what we'd already sent;
				// resync rather than resend stale indices.
				sent = 0
			}
			for _, line := range lines[sent:] {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
					return
				}
			}
			sent = len(lines)

			if _, ok := s.sched.ActiveWorker(id); !ok {
				return
			}
		}
	}
}
