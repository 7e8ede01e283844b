package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/traderhub/backend/internal/domain"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 8 << 10
	sendBufferSize = 256
	frameTimeout   = 15 * time.Second
)

// WebSocket event types
const (
	EventNewMessage  = "new_message"
	EventSendMessage = "send_message"
	EventError       = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS allow-list and the bearer token
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// messageSender is the part of ChatService the hub needs for inbound frames.
type messageSender interface {
	SendMessage(ctx context.Context, chatID, senderID uuid.UUID, content string, attachmentURL *string) (*domain.Message, *domain.Chat, error)
}

type Client struct {
	ID     uuid.UUID
	Conn   *websocket.Conn
	Send   chan []byte
	UserID uuid.UUID
}

type WebSocketManager struct {
	register   chan *Client
	unregister chan *Client
	// Map userID to list of active clients (for multi-device support)
	userClients map[uuid.UUID]map[*Client]bool
	mu          sync.RWMutex
	done        chan struct{}
	chats       messageSender
	logger      *zap.Logger
}

func NewWebSocketManager(chats messageSender, logger *zap.Logger) *WebSocketManager {
	return &WebSocketManager{
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		userClients: make(map[uuid.UUID]map[*Client]bool),
		done:        make(chan struct{}),
		chats:       chats,
		logger:      logger,
	}
}

// Run owns client registration until ctx is cancelled.
func (m *WebSocketManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(m.done)
			m.mu.Lock()
			for userID, clients := range m.userClients {
				for client := range clients {
					close(client.Send)
				}
				delete(m.userClients, userID)
			}
			m.mu.Unlock()
			return

		case client := <-m.register:
			m.mu.Lock()
			if _, ok := m.userClients[client.UserID]; !ok {
				m.userClients[client.UserID] = make(map[*Client]bool)
			}
			m.userClients[client.UserID][client] = true
			m.mu.Unlock()
			m.logger.Debug("Client registered", zap.String("userID", client.UserID.String()))

		case client := <-m.unregister:
			m.remove(client)
		}
	}
}

func (m *WebSocketManager) remove(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userMap, ok := m.userClients[client.UserID]
	if !ok || !userMap[client] {
		return
	}
	delete(userMap, client)
	if len(userMap) == 0 {
		delete(m.userClients, client.UserID)
	}
	close(client.Send)
	m.logger.Debug("Client unregistered", zap.String("userID", client.UserID.String()))
}

// Connected reports whether the user has at least one open socket
func (m *WebSocketManager) Connected(userID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.userClients[userID]) > 0
}

// SendToUser sends a message to a specific user's connected clients
func (m *WebSocketManager) SendToUser(userID uuid.UUID, message interface{}) {
	jsonMsg, err := json.Marshal(message)
	if err != nil {
		m.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for client := range m.userClients[userID] {
		select {
		case client.Send <- jsonMsg:
		default:
			// Slow consumer; its write pump will time out and unregister it
			m.logger.Warn("dropping websocket frame for slow client", zap.String("userID", userID.String()))
		}
	}
}

// PublishMessage fans a persisted chat message out to both participants.
func (m *WebSocketManager) PublishMessage(chat *domain.Chat, msg *domain.Message) {
	event := WSEvent{Type: EventNewMessage, Payload: msg}
	m.SendToUser(chat.TraderID, event)
	m.SendToUser(chat.UserID, event)
}

// WSEvent is the envelope of every frame the server writes.
type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// inboundFrame is a client request sent over the socket.
type inboundFrame struct {
	Type          string  `json:"type"`
	ChatID        string  `json:"chat_id"`
	Content       string  `json:"content"`
	AttachmentURL *string `json:"attachment_url,omitempty"`
}

// Serve registers an upgraded connection and starts its pumps.
func (m *WebSocketManager) Serve(conn *websocket.Conn, userID uuid.UUID) {
	client := &Client{
		ID:     uuid.New(),
		Conn:   conn,
		Send:   make(chan []byte, sendBufferSize),
		UserID: userID,
	}
	select {
	case m.register <- client:
	case <-m.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump(m)
}

func (c *Client) ReadPump(manager *WebSocketManager) {
	defer func() {
		select {
		case manager.unregister <- c:
		case <-manager.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				manager.logger.Debug("websocket closed unexpectedly", zap.String("userID", c.UserID.String()), zap.Error(err))
			}
			break
		}
		manager.handleFrame(c, data)
	}
}

func (m *WebSocketManager) handleFrame(c *Client, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.reply(c, "invalid frame")
		return
	}
	if frame.Type != EventSendMessage {
		m.reply(c, "unsupported frame type")
		return
	}
	chatID, err := uuid.Parse(frame.ChatID)
	if err != nil {
		m.reply(c, "invalid chat id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	msg, chat, err := m.chats.SendMessage(ctx, chatID, c.UserID, frame.Content, frame.AttachmentURL)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			m.reply(c, err.Error())
		case errors.Is(err, domain.ErrChatNotFound), errors.Is(err, domain.ErrNotParticipant):
			m.reply(c, "chat not found")
		default:
			m.logger.Error("websocket send failed", zap.String("chat_id", chatID.String()), zap.Error(err))
			m.reply(c, "failed to send message")
		}
		return
	}
	m.PublishMessage(chat, msg)
}

func (m *WebSocketManager) reply(c *Client, message string) {
	data, err := json.Marshal(WSEvent{Type: EventError, Payload: map[string]string{"message": message}})
	if err != nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.userClients[c.UserID][c] {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One frame per event so clients can JSON-decode each message
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
