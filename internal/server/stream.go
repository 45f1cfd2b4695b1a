package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"thermalign/internal/pipeline"
)

// PairEvent is the JSON message sent to /stream clients per finished pair.
type PairEvent struct {
	RunID      string `json:"run_id"`
	PairID     string `json:"pair_id"`
	Status     string `json:"status"`
	Method     string `json:"method,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Matches    int    `json:"matches"`
	Inliers    int    `json:"inliers"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func eventFromResult(res pipeline.Result) PairEvent {
	ev := PairEvent{
		RunID:      res.Job.RunID,
		PairID:     res.Job.ID,
		Status:     "completed",
		Method:     string(res.Method),
		Reason:     string(res.Reason),
		Matches:    res.Matches,
		Inliers:    res.Inliers,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

type hub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	log        *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		log:        log,
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("stream client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("stream client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

// pumpResults forwards pipeline results to every stream client.
func (s *Server) pumpResults(ctx context.Context) {
	resCh, unsubscribe := s.feed.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(eventFromResult(res))
			if err != nil {
				continue
			}
			select {
			case s.hub.broadcast <- payload:
			default:
				s.log.Warn("stream backlog full, dropping event", "pair", res.Job.ID)
			}
		}
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case s.hub.register <- conn:
	case <-s.runCtx.Done():
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			case <-s.runCtx.Done():
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
