package devserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/hmr"
	"github.com/conneroisu/bundlr/internal/logging"
	"github.com/conneroisu/bundlr/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 64
	// close reasons are limited to 123 bytes by the protocol
	maxCloseReason = 123
)

// Responder answers the hot-update channel on behalf of the server.
type Responder interface {
	// Hello is the first frame every new client receives.
	Hello() hmr.Message
	// Respond answers a decoded client frame.
	Respond(msg hmr.Message) hmr.Message
}

// HubOptions configures a Hub.
type HubOptions struct {
	// AllowedOrigins are host patterns accepted in addition to the
	// request's own host.
	AllowedOrigins []string
	// MessageRate and MessageBurst bound client frames per connection.
	MessageRate  rate.Limit
	MessageBurst int
	Logger       logging.Logger
	Metrics      *metrics.Metrics
}

// Hub owns the websocket clients of the hot-update channel. A single
// goroutine registers clients and fans out broadcasts, so every client
// sees hello first and broadcasts in order.
type Hub struct {
	clients      map[string]*client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	responder Responder
	opts      HubOptions
	logger    logging.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	done         chan struct{}
}

type client struct {
	id      string
	remote  string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		_ = c.conn.Close(code, reason)
	})
}

// NewHub starts a hub answering clients through responder.
func NewHub(responder Responder, opts HubOptions) *Hub {
	if opts.MessageRate <= 0 {
		opts.MessageRate = 20
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 40
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client, 32),
		unregister: make(chan *client, 32),
		responder:  responder,
		opts:       opts,
		logger:     opts.Logger.WithComponent("hub"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// HandleWebSocket upgrades the request and serves the client until it
// disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.opts.AllowedOrigins,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "websocket upgrade failed", "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(hmr.MaxFrameSize)

	c := &client{
		id:      uuid.NewString(),
		remote:  r.RemoteAddr,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(h.opts.MessageRate, h.opts.MessageBurst),
		closed:  make(chan struct{}),
	}

	select {
	case h.register <- c:
	case <-h.ctx.Done():
		c.close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go h.writePump(c)
	h.readPump(c)

	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Broadcast sends msg to every connected client.
func (h *Hub) Broadcast(msg hmr.Message) error {
	data, err := hmr.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		h.opts.Metrics.RecordMessage(msg.Type)
		return nil
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client and stops the hub.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.cancel()
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.registerClient(c)
		case c := <-h.unregister:
			h.unregisterClient(c, websocket.StatusNormalClosure, "")
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		case <-h.ctx.Done():
			h.clientsMutex.Lock()
			clients := h.clients
			h.clients = make(map[string]*client)
			h.clientsMutex.Unlock()
			for _, c := range clients {
				c.close(websocket.StatusGoingAway, "server shutting down")
			}
			h.opts.Metrics.SetClients(0)
			return
		}
	}
}

// registerClient queues hello before the client becomes visible to
// broadcasts.
func (h *Hub) registerClient(c *client) {
	h.enqueue(c, h.responder.Hello())

	h.clientsMutex.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.clientsMutex.Unlock()

	h.opts.Metrics.SetClients(n)
	h.logger.Debug(h.ctx, "client connected", "client", c.id, "remote", c.remote, "clients", n)
}

func (h *Hub) unregisterClient(c *client, code websocket.StatusCode, reason string) {
	h.clientsMutex.Lock()
	_, exists := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	h.clientsMutex.Unlock()

	c.close(code, reason)
	if exists {
		h.opts.Metrics.SetClients(n)
		h.logger.Debug(h.ctx, "client disconnected", "client", c.id, "clients", n)
	}
}

func (h *Hub) broadcastToClients(message []byte) {
	h.clientsMutex.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMutex.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- message:
		default:
			h.logger.Warn(h.ctx, errors.New("send buffer full"), "dropping slow client", "client", c.id)
			h.unregisterClient(c, websocket.StatusTryAgainLater, "client too slow")
		}
	}
}

// enqueue hands msg to the client's writer without blocking.
func (h *Hub) enqueue(c *client, msg hmr.Message) {
	data, err := hmr.Encode(msg)
	if err != nil {
		h.logger.Error(h.ctx, err, "failed to encode message", "type", msg.Type)
		return
	}
	select {
	case c.send <- data:
	default:
		c.close(websocket.StatusTryAgainLater, "client too slow")
	}
}

func (h *Hub) readPump(c *client) {
	defer c.close(websocket.StatusNormalClosure, "")

	for {
		ctx, cancel := context.WithTimeout(h.ctx, readTimeout)
		typ, data, err := c.conn.Read(ctx)
		cancel()
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && h.ctx.Err() == nil {
				h.logger.Debug(h.ctx, "websocket read ended", "client", c.id, "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			h.reject(c, &bundlrerrors.ProtocolError{Reason: "message rate exceeded"})
			return
		}
		if typ != websocket.MessageText {
			h.reject(c, &bundlrerrors.ProtocolError{Reason: "binary frames are not supported"})
			return
		}

		msg, err := hmr.Decode(data)
		if err != nil {
			h.reject(c, err)
			return
		}
		h.enqueue(c, h.responder.Respond(msg))
	}
}

// reject closes a client that broke the protocol.
func (h *Hub) reject(c *client, err error) {
	h.opts.Metrics.RecordProtocolError()
	h.logger.Warn(h.ctx, err, "closing client after protocol error", "client", c.id, "remote", c.remote)

	reason := err.Error()
	var pe *bundlrerrors.ProtocolError
	if errors.As(err, &pe) {
		reason = pe.Reason
	}
	c.close(websocket.StatusPolicyViolation, reason)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.close(websocket.StatusGoingAway, "ping failed")
				return
			}
		case <-c.closed:
			return
		case <-h.ctx.Done():
			return
		}
	}
}
