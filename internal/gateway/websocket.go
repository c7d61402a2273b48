package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/logging"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsMaxMessage  = 16 << 20
	wsSendBuffer  = 256
	wsTurnTimeout = 10 * time.Minute
)

var errClientGone = errors.New("websocket client disconnected")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSRequest is an inbound frame. A frame without a type is a chat request.
type WSRequest struct {
	Type string `json:"type,omitempty"` // chat (default), cancel, ping
	ID   string `json:"id,omitempty"`   // echoed on every frame of the reply
	ChatRequest
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn    *websocket.Conn
	server  *Server
	userID  string
	send    chan []byte
	done    chan struct{}
	logger  *logging.Logger
	baseCtx context.Context

	mu           sync.Mutex
	cancelFunc   context.CancelFunc // Cancel current turn
	currentMsgID string             // ID of current turn
	turn         uint64             // bumped per chat; identifies the owner of cancelFunc
}

// NewWSClient creates a new WebSocket client handler
func NewWSClient(ctx context.Context, conn *websocket.Conn, server *Server, userID string) *WSClient {
	return &WSClient{
		conn:    conn,
		server:  server,
		userID:  userID,
		send:    make(chan []byte, wsSendBuffer),
		done:    make(chan struct{}),
		logger:  server.logger,
		baseCtx: context.WithoutCancel(ctx),
	}
}

// Run handles the WebSocket connection until the client goes away
func (c *WSClient) Run() {
	go c.writePump()
	c.readPump()
}

// readPump reads messages from the WebSocket connection
func (c *WSClient) readPump() {
	defer func() {
		c.cancelCurrent()
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("[WebSocket] Read error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("[WebSocket] Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage processes incoming WebSocket messages
func (c *WSClient) handleMessage(message []byte) {
	var msg WSRequest
	if err := json.Unmarshal(message, &msg); err != nil {
		c.trySend(StreamResponse{Done: true, Error: "invalid JSON: " + err.Error()})
		return
	}

	switch msg.Type {
	case "", "chat":
		c.handleChat(msg)
	case "cancel":
		c.handleCancel(msg)
	case "ping":
		c.trySend(StreamResponse{Type: "pong", ID: msg.ID})
	default:
		c.trySend(StreamResponse{ID: msg.ID, Done: true, Error: "unknown message type: " + msg.Type})
	}
}

// handleChat runs one turn; a new chat replaces any turn still in flight
func (c *WSClient) handleChat(msg WSRequest) {
	req := msg.ChatRequest
	if req.UserID == "" {
		req.UserID = c.userID
	}

	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	ctx, cancel := context.WithTimeout(c.baseCtx, wsTurnTimeout)
	c.cancelFunc = cancel
	c.currentMsgID = msg.ID
	c.turn++
	turn := c.turn
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			if c.turn == turn {
				c.cancelFunc = nil
				c.currentMsgID = ""
			}
			c.mu.Unlock()
			cancel()
		}()

		cfg, turns, err := c.server.service.Prepare(ctx, req)
		if err != nil {
			_ = c.deliver(ctx, StreamResponse{ID: msg.ID, Done: true, Error: err.Error()})
			return
		}

		_, err = c.server.service.dispatcher.Dispatch(ctx, cfg, turns, true, func(ev ai.StreamEvent) error {
			return c.deliver(ctx, frameFor(msg.ID, ev))
		})
		if err != nil && ctx.Err() == nil && !errors.Is(err, errClientGone) {
			c.logger.Debug("[WebSocket] turn %q ended with error: %v", msg.ID, err)
		}
	}()
}

// handleCancel cancels the current turn
func (c *WSClient) handleCancel(msg WSRequest) {
	c.mu.Lock()
	id := c.currentMsgID
	cancelled := c.cancelFunc != nil
	c.mu.Unlock()

	c.cancelCurrent()
	if cancelled {
		c.trySend(StreamResponse{Type: "cancelled", ID: id, Done: true})
		return
	}
	c.trySend(StreamResponse{Type: "cancelled", ID: msg.ID, Done: true, Error: "no turn in progress"})
}

func (c *WSClient) cancelCurrent() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
		c.currentMsgID = ""
	}
	c.mu.Unlock()
}

// deliver blocks until the frame is queued so deltas are never dropped
func (c *WSClient) deliver(ctx context.Context, frame StreamResponse) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues a control frame, dropping it when the buffer is full
func (c *WSClient) trySend(frame StreamResponse) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("[WebSocket] Marshal error: %v", err)
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("[WebSocket] Send buffer full, dropping message")
	}
}

// wsHandler handles WebSocket upgrade requests
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("[WebSocket] Upgrade error: %v", err)
		return
	}

	s.logger.Debug("[WebSocket] New connection from %s", r.RemoteAddr)

	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	client := NewWSClient(r.Context(), conn, s, userID)
	client.Run()

	s.logger.Debug("[WebSocket] Connection closed from %s", r.RemoteAddr)
}
