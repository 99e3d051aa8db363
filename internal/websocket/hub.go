package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/bazaar/api/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	CommissionID int64
	Conn         *websocket.Conn
	Send         chan []byte
	pong         chan struct{}
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by commission ID. Only the Run loop touches it.
	clients map[int64]map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Broadcast messages to commission subscribers
	broadcast chan *BroadcastMessage

	// Closed when Run returns
	done chan struct{}

	log *zap.Logger
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	CommissionID int64
	Message      []byte
}

// NewHub creates a new Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        logger.Named("ws"),
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
			}
			h.clients = make(map[int64]map[*Client]bool)
			return

		case client := <-h.register:
			if h.clients[client.CommissionID] == nil {
				h.clients[client.CommissionID] = make(map[*Client]bool)
			}
			h.clients[client.CommissionID][client] = true
			h.log.Debug("client registered", zap.Int64("commissionId", client.CommissionID))

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug("client unregistered", zap.Int64("commissionId", client.CommissionID))

		case msg := <-h.broadcast:
			for client := range h.clients[msg.CommissionID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.CommissionID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.CommissionID)
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// publish queues msg for the commission's subscribers. Workers call it after
// committing, so a full buffer drops the message instead of blocking them.
func (h *Hub) publish(commissionID int64, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal ws message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{CommissionID: commissionID, Message: data}:
	default:
		h.log.Warn("broadcast buffer full, dropping message", zap.Int64("commissionId", commissionID))
	}
}

// BroadcastStatus sends a status change to all commission subscribers
func (h *Hub) BroadcastStatus(commissionID int64, status model.CommissionStatus, detail string) {
	h.publish(commissionID, model.WSStatusMessage{
		Type:         model.WSMessageTypeStatus,
		CommissionID: commissionID,
		Status:       status,
		Detail:       detail,
	})
}

// BroadcastUpdate sends a milestone change to all commission subscribers
func (h *Hub) BroadcastUpdate(update *model.Update) {
	h.publish(update.CommissionID, model.WSUpdateMessage{
		Type:         model.WSMessageTypeUpdate,
		CommissionID: update.CommissionID,
		UpdateNum:    update.UpdateNum,
		Completed:    update.Completed,
		Delays:       update.Delays,
	})
}

// BroadcastError sends an error message to all commission subscribers
func (h *Hub) BroadcastError(commissionID int64, code, message string) {
	h.publish(commissionID, model.WSErrorMessage{
		Type:         model.WSMessageTypeError,
		CommissionID: commissionID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, commissionID int64) {
	client := &Client{
		CommissionID: commissionID,
		Conn:         c,
		Send:         make(chan []byte, 256),
		pong:         make(chan struct{}, 1),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-client.pong:
				data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read failed", zap.Int64("commissionId", commissionID), zap.Error(err))
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case client.pong <- struct{}{}:
			default:
			}
		}
	}
}
