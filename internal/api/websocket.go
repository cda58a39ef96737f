package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/webp-converter/backend/internal/models"
)

// WebSocket message types for batch progress protocol
const (
	// Client -> Server messages
	MsgTypePing      = "ping"
	MsgTypeSubscribe = "subscribe"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeItem      = "item"
	MsgTypeError     = "error"
	MsgTypePong      = "pong"
)

// WSMessage is the envelope for all WebSocket traffic
type WSMessage struct {
	Type      string          `json:"type"`
	BatchID   string          `json:"batchId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WSErrorResponse reports a protocol error to the client
type WSErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// wsClient is one connected browser. The write mutex serializes the
// publisher goroutine against the read loop's pong replies.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) send(msg WSMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// WebSocketHandler pushes per-item conversion progress to subscribed
// clients. It implements the batch manager's Publisher interface.
type WebSocketHandler struct {
	upgrader        websocket.Upgrader
	maxMessageBytes int64
	subscribers     map[string]map[*wsClient]bool // batchID -> clients
	mu              sync.RWMutex
}

// NewWebSocketHandler creates a new progress WebSocket handler.
// maxMessageSizeKB caps inbound client frames; values <= 0 fall back to
// the default 16 MB limit.
func NewWebSocketHandler(maxMessageSizeKB int) *WebSocketHandler {
	if maxMessageSizeKB <= 0 {
		maxMessageSizeKB = 16384
	}
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		maxMessageBytes: int64(maxMessageSizeKB) * 1024,
		subscribers:     make(map[string]map[*wsClient]bool),
	}
}

// PublishItem pushes one item snapshot to every client watching the
// batch. Slow or dead clients are dropped.
func (wsh *WebSocketHandler) PublishItem(batchID string, item models.Item) {
	wsh.mu.RLock()
	clients := make([]*wsClient, 0, len(wsh.subscribers[batchID]))
	for client := range wsh.subscribers[batchID] {
		clients = append(clients, client)
	}
	wsh.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	msg := WSMessage{
		Type:      MsgTypeItem,
		BatchID:   batchID,
		Payload:   mustJSON(item),
		Timestamp: time.Now().UnixMilli(),
	}

	for _, client := range clients {
		if err := client.send(msg); err != nil {
			wsh.unsubscribe(batchID, client)
			client.conn.Close()
		}
	}
}

// HandleBatchEvents upgrades the connection and streams item updates for
// one batch until the client disconnects
func (wsh *WebSocketHandler) HandleBatchEvents(c echo.Context) error {
	batchID := c.Param("batchId")
	if batchID == "" {
		return NewValidationError("batchId")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(wsh.maxMessageBytes)

	client := &wsClient{conn: ws}
	wsh.subscribe(batchID, client)
	defer func() {
		wsh.unsubscribe(batchID, client)
		ws.Close()
	}()

	fmt.Printf("[WebSocket] Client subscribed to batch %s\n", shortBatchID(batchID))

	client.send(WSMessage{
		Type:      MsgTypeConnected,
		BatchID:   batchID,
		Timestamp: time.Now().UnixMilli(),
	})

	// Read loop: pings and (ignored) client chatter. Publishing happens
	// from the conversion goroutine via PublishItem.
	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				fmt.Printf("[WebSocket] Connection error: %v\n", err)
			}
			break
		}

		switch msg.Type {
		case MsgTypePing:
			client.send(WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()})
		case MsgTypeSubscribe:
			// Already subscribed via the route parameter.
		default:
			client.send(WSMessage{
				Type:      MsgTypeError,
				Timestamp: time.Now().UnixMilli(),
				Payload: mustJSON(WSErrorResponse{
					Type:    MsgTypeError,
					Message: "Unknown message type: " + msg.Type,
					Code:    "INVALID_TYPE",
				}),
			})
		}
	}

	fmt.Printf("[WebSocket] Client left batch %s\n", shortBatchID(batchID))
	return nil
}

// Helper methods

func (wsh *WebSocketHandler) subscribe(batchID string, client *wsClient) {
	wsh.mu.Lock()
	defer wsh.mu.Unlock()
	if wsh.subscribers[batchID] == nil {
		wsh.subscribers[batchID] = make(map[*wsClient]bool)
	}
	wsh.subscribers[batchID][client] = true
}

func (wsh *WebSocketHandler) unsubscribe(batchID string, client *wsClient) {
	wsh.mu.Lock()
	defer wsh.mu.Unlock()
	if clients, ok := wsh.subscribers[batchID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(wsh.subscribers, batchID)
		}
	}
}

func shortBatchID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
