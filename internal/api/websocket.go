package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/internal/security"
	"github.com/rawblock/bandaid/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local dashboard only
	},
}

// Hub maintains the set of live dashboard clients and pushes security
// events to them as they are journaled.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
	log       *logrus.Entry
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
		log:       logger.WithField("component", "ws_hub"),
	}
}

func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			// Write deadline keeps a stalled client from hanging the hub.
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.WithError(err).Debug("websocket write failed, dropping client")
				_ = client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades the connection and registers the client.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()
	h.log.WithField("clients", total).Info("dashboard client connected")

	// Push-only stream, but reads must be drained to notice disconnects.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			remaining := len(h.clients)
			h.mutex.Unlock()
			_ = conn.Close()
			h.log.WithField("clients", remaining).Info("dashboard client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.WithError(err).Debug("websocket read error")
				}
				return
			}
		}
	}()
}

// Broadcast queues raw bytes for every connected client.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		// A saturated hub drops frames rather than stalling the pipeline.
	}
}

// PublishEvent broadcasts one security event as a typed frame.
func (h *Hub) PublishEvent(event models.SecurityEvent) {
	payload, err := json.Marshal(gin.H{
		"type":  "security_event",
		"event": event,
	})
	if err != nil {
		return
	}
	h.Broadcast(payload)
}

// JournalTee forwards events to the journal and mirrors them onto the
// live stream. Journal errors propagate; broadcast never fails.
type JournalTee struct {
	Next security.EventSink
	Hub  *Hub
}

func (t *JournalTee) InsertEvent(ctx context.Context, e models.SecurityEvent) error {
	err := t.Next.InsertEvent(ctx, e)
	t.Hub.PublishEvent(e)
	return err
}
