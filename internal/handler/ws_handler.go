package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"pursuit-sync/internal/service"
	"pursuit-sync/internal/websocket"
)

type WebSocketHandler struct {
	manager  *websocket.Manager
	upgrader ws.Upgrader
	logger   *slog.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, readBufferSize, writeBufferSize int, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager: manager,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	viewer := r.URL.Query().Get("viewer")
	if viewer == "" {
		viewer = r.RemoteAddr
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	client := websocket.NewClient(uuid.New().String(), viewer, conn, h.manager)

	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

// WebSocketMessageHandler answers client requests arriving over the socket.
type WebSocketMessageHandler struct {
	replica Replica
	manager *websocket.Manager
	timeout time.Duration
	logger  *slog.Logger
}

func NewWebSocketMessageHandler(replica Replica, manager *websocket.Manager, timeout time.Duration, logger *slog.Logger) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{
		replica: replica,
		manager: manager,
		timeout: timeout,
		logger:  logger,
	}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeSyncRequest:
		// The manager loop must not wait on network I/O.
		go h.handleSyncRequest(client.ID)
		return nil

	case websocket.TypePing:
		return h.reply(client.ID, websocket.TypePong, nil)

	default:
		return h.reply(client.ID, websocket.TypeError, websocket.ErrorPayload{
			Message: fmt.Sprintf("unknown message type: %s", msg.Type),
		})
	}
}

func (h *WebSocketMessageHandler) handleSyncRequest(clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	result := websocket.SyncResultPayload{Success: true}
	if err := h.replica.SyncNow(ctx); err != nil {
		result = websocket.SyncResultPayload{Error: err.Error()}
	}

	if err := h.reply(clientID, websocket.TypeSyncResult, result); err != nil {
		h.logger.Warn("failed to send sync result", "client_id", clientID, "error", err)
	}
}

func (h *WebSocketMessageHandler) reply(clientID string, msgType websocket.MessageType, payload interface{}) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return h.manager.SendToClient(clientID, msg)
}

// Forward returns a replica subscriber that relays events to every client.
// It runs on the replica loop and never blocks.
func Forward(manager *websocket.Manager, logger *slog.Logger) func(service.Event) {
	return func(ev service.Event) {
		msgType := websocket.TypeStateChanged
		if ev.Type == service.EventSyncStatus {
			msgType = websocket.TypeSyncStatus
		}
		msg, err := websocket.NewMessage(msgType, ev)
		if err != nil {
			logger.Error("failed to encode replica event", "error", err)
			return
		}
		if err := manager.Broadcast(msg); err != nil {
			logger.Error("failed to broadcast replica event", "error", err)
		}
	}
}
