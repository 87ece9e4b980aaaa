package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krobus00/market-bridge/internal/config"
	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/infrastructure"
	"github.com/krobus00/market-bridge/internal/service/order"
	"github.com/krobus00/market-bridge/internal/service/subscription"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// SubscriptionService is the command surface the hub dispatches to.
type SubscriptionService interface {
	Subscribe(ctx context.Context, clientID string, instrument entity.Instrument, stream entity.StreamKind) error
	UnsubscribeSymbol(ctx context.Context, clientID, symbol string)
	ContractDetails(ctx context.Context, clientID string, instrument entity.Instrument) error
	ClientDisconnected(clientID string)
}

type OrderService interface {
	PlaceOrder(ctx context.Context, clientID string, cmd entity.PlaceOrderCommand) (int64, error)
	CancelOrder(ctx context.Context, clientID string, orderID int64) error
}

// Hub accepts WebSocket clients and owns their sessions: a reader that parses
// and dispatches JSON commands, a writer that drains the outbound queue, and
// the application-level ping liveness check.
//
// Outbound delivery policy: when a client's queue cannot absorb a message the
// client is disconnected with close code 1011 and reason slow_consumer. The
// policy applies to every message class, which trivially upholds the rule
// that order_status is never silently dropped.
type Hub struct {
	cfg      config.WSConfig
	upgrader websocket.Upgrader
	subs     SubscriptionService
	orders   OrderService
	metrics  *infrastructure.Metrics

	mu           sync.RWMutex
	clients      map[string]*client
	lastStatus   *entity.ConnectionStatusMessage
	shuttingDown bool
}

type client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	closing  sync.Once
	lastPong time.Time
	pongMu   sync.Mutex
}

func NewHub(cfg config.WSConfig, subs SubscriptionService, orders OrderService, metrics *infrastructure.Metrics) *Hub {
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// trust boundary is the loopback/reverse-proxy in front of the gateway
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs:    subs,
		orders:  orders,
		metrics: metrics,
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades one connection and runs its session until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	rejecting := h.shuttingDown
	h.mu.RUnlock()
	if rejecting {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, h.cfg.ClientQueueSize),
		done:     make(chan struct{}),
		lastPong: time.Now(),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	lastStatus := h.lastStatus
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectedClients.Inc()
	}
	logrus.WithFields(logrus.Fields{"client_id": c.id, "remote_addr": conn.RemoteAddr().String()}).Info("websocket client connected")

	if lastStatus != nil {
		h.enqueue(c, *lastStatus)
	}

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c, "read loop ended")

	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.pongMu.Lock()
		c.lastPong = time.Now()
		c.pongMu.Unlock()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Debugf("client %s read failed: %v", c.id, err)
			}
			return
		}

		h.dispatch(c, raw)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.drop(c, "write failed")
				return
			}
		case <-ticker.C:
			c.pongMu.Lock()
			silent := time.Since(c.lastPong)
			c.pongMu.Unlock()
			if silent > h.cfg.PingInterval*time.Duration(h.cfg.MaxMissedPongs) {
				logrus.Infof("client %s missed %d pongs, closing", c.id, h.cfg.MaxMissedPongs)
				h.drop(c, "ping timeout")
				return
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) dispatch(c *client, raw []byte) {
	parsed, err := entity.ParseCommand(raw)
	if err != nil {
		var badReq *entity.BadRequestError
		if errors.As(err, &badReq) {
			h.sendError(c, constant.ErrCodeBadRequest, badReq.Reason)
			return
		}
		h.sendError(c, constant.ErrCodeBadRequest, "invalid command")
		return
	}

	ctx := context.Background()

	switch cmd := parsed.(type) {
	case entity.SubscribeCommand:
		if err := h.subs.Subscribe(ctx, c.id, cmd.Instrument, cmd.Stream); err != nil {
			h.sendError(c, subscribeErrorCode(err), err.Error())
		}
	case entity.UnsubscribeCommand:
		h.subs.UnsubscribeSymbol(ctx, c.id, cmd.Symbol)
	case entity.PlaceOrderCommand:
		if _, err := h.orders.PlaceOrder(ctx, c.id, cmd); err != nil {
			h.sendError(c, orderErrorCode(err), err.Error())
		}
	case entity.CancelOrderCommand:
		if err := h.orders.CancelOrder(ctx, c.id, cmd.OrderID); err != nil {
			h.sendError(c, orderErrorCode(err), err.Error())
		}
	case entity.ContractDetailsCommand:
		if err := h.subs.ContractDetails(ctx, c.id, cmd.Instrument); err != nil {
			h.sendError(c, constant.ErrCodeNotConnected, err.Error())
		}
	default:
		h.sendError(c, constant.ErrCodeBadRequest, "unknown command")
	}
}

func subscribeErrorCode(err error) string {
	if errors.Is(err, subscription.ErrDuplicateSubscription) {
		return constant.ErrCodeDuplicateSubscription
	}
	return constant.ErrCodeInternal
}

func orderErrorCode(err error) string {
	switch {
	case errors.Is(err, order.ErrNotConnected):
		return constant.ErrCodeNotConnected
	case errors.Is(err, order.ErrNotFound):
		return constant.ErrCodeNotFound
	case errors.Is(err, order.ErrNotOwned):
		return constant.ErrCodeNotOwned
	case errors.Is(err, order.ErrTerminal):
		return constant.ErrCodeTerminal
	default:
		return constant.ErrCodeInternal
	}
}

func (h *Hub) sendError(c *client, code, message string) {
	if h.metrics != nil {
		h.metrics.CommandErrors.WithLabelValues(code).Inc()
	}
	h.enqueue(c, entity.NewErrorMessage(entity.SeverityError, code, message))
}

// Send delivers one message to one client. Unknown clients are a no-op; they
// raced a disconnect.
func (h *Hub) Send(clientID string, msg any) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	h.enqueue(c, msg)
}

// Broadcast delivers one message to every connected client.
func (h *Hub) Broadcast(msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logrus.Errorf("broadcast marshal failed: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueueRaw(c, payload)
	}
}

// BroadcastStatus broadcasts a connection status change and remembers it so
// late joiners learn the current upstream state on connect.
func (h *Hub) BroadcastStatus(status entity.ConnectionStatus, nextOrderID int64) {
	msg := entity.NewConnectionStatusMessage(status, nextOrderID)

	h.mu.Lock()
	h.lastStatus = &msg
	h.mu.Unlock()

	h.Broadcast(msg)
}

func (h *Hub) enqueue(c *client, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logrus.Errorf("marshal for client %s failed: %v", c.id, err)
		return
	}
	h.enqueueRaw(c, payload)
}

func (h *Hub) enqueueRaw(c *client, payload []byte) {
	select {
	case c.send <- payload:
		if h.metrics != nil {
			h.metrics.MessagesSent.Inc()
		}
	default:
		h.disconnectSlow(c)
	}
}

// disconnectSlow enforces the overflow policy: the client could not absorb
// the arrival rate and is closed with reason slow_consumer.
func (h *Hub) disconnectSlow(c *client) {
	if h.metrics != nil {
		h.metrics.SlowConsumerDisconnects.Inc()
	}
	logrus.Warnf("client %s disconnected: %s", c.id, constant.SlowConsumerReason)

	// WriteControl is safe concurrently with the writer pump
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, constant.SlowConsumerReason),
		time.Now().Add(writeWait))

	h.drop(c, constant.SlowConsumerReason)
}

// drop tears the client down exactly once and cascades the ownership cleanup.
func (h *Hub) drop(c *client, reason string) {
	c.closing.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()

		if h.metrics != nil {
			h.metrics.ConnectedClients.Dec()
		}
		logrus.WithFields(logrus.Fields{"client_id": c.id, "reason": reason}).Info("websocket client disconnected")

		// async so a disconnect triggered from inside a manager callback
		// cannot re-enter that manager's lock
		go h.subs.ClientDisconnected(c.id)
	})
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops accepting connections, tells every client the gateway is
// going away, and closes them after the grace window.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shuttingDown = true
	h.mu.Unlock()

	h.BroadcastStatus(entity.StatusShuttingDown, 0)

	grace := time.NewTimer(h.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-ctx.Done():
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		h.drop(c, "shutdown")
	}

	return nil
}
