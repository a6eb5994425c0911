package http

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

var (
	errSlowConsumer = errors.New("send buffer full")
	errConnClosed   = errors.New("connection closed")
)

// ConnConfig tunes per-connection buffering and keepalive.
type ConnConfig struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		SendBuffer:     64,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
	}
}

// wsConn is the app.Sender for one websocket. A single writer goroutine owns all
// writes; Send never blocks and drops frames for a peer that is not keeping up.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	config ConnConfig

	mu     sync.Mutex
	send   chan domain.Outbound
	closed bool

	writerDone chan struct{}
}

func newWSConn(id string, ws *websocket.Conn, cfg ConnConfig) *wsConn {
	return &wsConn{
		id:         id,
		ws:         ws,
		config:     cfg,
		send:       make(chan domain.Outbound, cfg.SendBuffer),
		writerDone: make(chan struct{}),
	}
}

func (c *wsConn) Send(msg domain.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		log.Warn().Str("connection_id", c.id).Str("type", msg.Type).Msg("dropping frame for slow consumer")
		return errSlowConsumer
	}
}

// Close flushes queued frames, sends a close frame and shuts the socket. It does not wait.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("ws write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("ws ping failed")
				return
			}
		}
	}
}
