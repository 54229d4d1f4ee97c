package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to localhost; cross-origin browsers are fine.
		return true
	},
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	provider StatusProvider
	hub      *Hub
	logger   *slog.Logger
}

func NewHandlers(provider StatusProvider, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		hub:      hub,
		logger:   logger.With("component", "api_handlers"),
	}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleStatus returns the full runtime status: portfolio, broker health,
// strategy states and the emergency-stop latch.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(buildStatus(h.provider)); err != nil {
		h.logger.Error("failed to encode status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type stopRequest struct {
	Action string `json:"action"` // engage | clear
	Reason string `json:"reason"`
}

// HandleEmergencyStop engages or clears the latch. Clearing is the explicit
// operator action the runtime requires before trading resumes.
func (h *Handlers) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	switch req.Action {
	case "engage":
		reason := req.Reason
		if reason == "" {
			reason = "operator request"
		}
		h.provider.EngageStop(reason)
		h.logger.Warn("emergency stop engaged by operator", "reason", reason)
	case "clear":
		h.provider.ClearStop()
		h.logger.Warn("emergency stop cleared by operator")
	default:
		http.Error(w, "action must be engage or clear", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	active, reason := h.provider.EmergencyStopState()
	json.NewEncoder(w).Encode(map[string]any{"active": active, "reason": reason})
}

// HandleWebSocket upgrades the connection and streams runtime events.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(h.hub, conn)

	// Seed the new client with the current status.
	data, ok := h.hub.encode(StreamEvent{
		Type:      "status",
		Timestamp: time.Now().UTC(),
		Data:      buildStatus(h.provider),
	})
	if ok && !client.deliver(data) {
		h.logger.Warn("failed to send initial status to client")
	}
}
