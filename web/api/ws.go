package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bhanudas/sf-agentbench/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The observation API is bound to localhost by default
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub manages websocket connections
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	log        *zap.Logger
	mu         sync.Mutex
}

// NewWSHub creates a new websocket hub
func NewWSHub(logger *zap.Logger) *WSHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		log:        logger,
	}
}

// Run starts the websocket hub
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event frame to all connected clients
func (h *WSHub) Broadcast(event eventbus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// commandFrame is an inbound control message from a websocket client
type commandFrame struct {
	Command    string `json:"command"`
	WorkUnitID string `json:"work_unit_id,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &wsClient{conn: conn, send: make(chan []byte, 64)}
		s.wsHub.register <- client

		go s.wsWritePump(client)
		go s.wsReadPump(client)
	}
}

func (s *Server) wsWritePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsReadPump(c *wsClient) {
	defer func() {
		s.wsHub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame commandFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("invalid websocket frame", zap.Error(err))
			continue
		}
		s.dispatchCommand(frame)
	}
}

// dispatchCommand forwards a control frame onto the bus
func (s *Server) dispatchCommand(frame commandFrame) {
	switch eventbus.Command(frame.Command) {
	case eventbus.CommandInjectPrompt:
		s.bus.SendPrompt(frame.WorkUnitID, frame.Prompt)
	case eventbus.CommandPause, eventbus.CommandResume, eventbus.CommandCancel,
		eventbus.CommandRetry, eventbus.CommandStatus, eventbus.CommandShutdown:
		s.bus.SendCommand(eventbus.Command(frame.Command), frame.WorkUnitID)
	default:
		s.log.Warn("unknown command", zap.String("command", frame.Command))
	}
}
