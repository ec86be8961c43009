package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/internal/progress"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024
)

// Message types of the progress stream.
const (
	MessageTypeProgress = "progress"
	MessageTypeTrack    = "track"
	MessageTypeError    = "error"
	MessageTypePing     = "ping"
	MessageTypePong     = "pong"
)

// StreamMessage is sent by the server on the progress stream.
type StreamMessage struct {
	Type       string            `json:"type"`
	DocumentID string            `json:"documentId,omitempty"`
	Data       *ProgressResponse `json:"data,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// ClientMessage is sent by the browser; "track" switches the document.
type ClientMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
}

type ProgressStreamConfig struct {
	PingInterval   time.Duration
	AllowedOrigins []string
}

// ProgressStreamHandler serves one Tracker per websocket connection.
type ProgressStreamHandler struct {
	jobs     jobstore.Store
	logger   logger.Logger
	upgrader websocket.Upgrader
	pingWait time.Duration
}

func NewProgressStreamHandler(jobs jobstore.Store, cfg ProgressStreamConfig, log logger.Logger) *ProgressStreamHandler {
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &ProgressStreamHandler{
		jobs:     jobs,
		logger:   log.Named("progress-stream"),
		pingWait: ping,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Stream upgrades the request and pushes the document's progress until the
// client goes away.
func (h *ProgressStreamHandler) Stream(c *gin.Context) {
	documentID := c.Param("documentId")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn("Websocket upgrade failed", logger.Error(err))
		return
	}

	client := newStreamClient(conn, progress.NewTracker(h.jobs, h.logger), h.pingWait, h.logger)
	if err := client.tracker.Reset(context.Background(), documentID); err != nil {
		h.logger.Error("Failed to start tracker", logger.Error(err))
		_ = conn.Close()
		return
	}
	client.run()
}

type streamClient struct {
	conn       *websocket.Conn
	tracker    *progress.Tracker
	logger     logger.Logger
	pingPeriod time.Duration
	pongWait   time.Duration

	// replies queued by the read side; the write side owns the connection
	replies chan StreamMessage
	done    chan struct{}
	once    sync.Once
}

func newStreamClient(conn *websocket.Conn, tracker *progress.Tracker, ping time.Duration, log logger.Logger) *streamClient {
	return &streamClient{
		conn:       conn,
		tracker:    tracker,
		logger:     log,
		pingPeriod: ping,
		pongWait:   ping * 10 / 9,
		replies:    make(chan StreamMessage, 8),
		done:       make(chan struct{}),
	}
}

// run blocks until either pump stops, then releases the tracker.
func (c *streamClient) run() {
	go c.writePump()
	c.readPump()
	c.shutdown()
}

func (c *streamClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.tracker.Close()
		_ = c.conn.Close()
	})
}

func (c *streamClient) reply(msg StreamMessage) {
	select {
	case c.replies <- msg:
	default:
	}
}

func (c *streamClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Unexpected websocket close", logger.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		switch msg.Type {
		case MessageTypeTrack:
			if msg.DocumentID == "" {
				c.reply(StreamMessage{Type: MessageTypeError, Message: "documentId is required"})
				continue
			}
			if err := c.tracker.Reset(context.Background(), msg.DocumentID); err != nil {
				return
			}
		case MessageTypePing:
			c.reply(StreamMessage{Type: MessageTypePong})
		default:
			c.reply(StreamMessage{Type: MessageTypeError, Message: "unknown message type: " + msg.Type})
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	changes := c.tracker.Changes()
	for {
		select {
		case view, ok := <-changes:
			if !ok {
				_ = c.write(websocket.CloseMessage, nil)
				return
			}
			if err := c.writeJSON(progressMessage(view)); err != nil {
				return
			}
		case msg := <-c.replies:
			if err := c.writeJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func progressMessage(view models.ProgressView) StreamMessage {
	resp := NewProgressResponse(view)
	return StreamMessage{
		Type:       MessageTypeProgress,
		DocumentID: view.DocumentID,
		Data:       &resp,
		Message:    resp.Message,
	}
}

func (c *streamClient) writeJSON(v interface{}) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Debug("Websocket write failed", logger.Error(err))
		return err
	}
	return nil
}

func (c *streamClient) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
