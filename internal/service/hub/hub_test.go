package hub

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/market-bridge/internal/config"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/service/order"
	"github.com/krobus00/market-bridge/internal/service/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubs struct {
	mu           sync.Mutex
	subscribed   []string
	clientIDs    []string
	unsubscribed []string
	disconnected []string
	lookups      []string
	subscribeErr error
}

func (f *fakeSubs) Subscribe(_ context.Context, clientID string, instrument entity.Instrument, _ entity.StreamKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, instrument.Symbol)
	f.clientIDs = append(f.clientIDs, clientID)
	return nil
}

func (f *fakeSubs) UnsubscribeSymbol(_ context.Context, _ string, symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, symbol)
}

func (f *fakeSubs) ContractDetails(_ context.Context, _ string, instrument entity.Instrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, instrument.Symbol)
	return nil
}

func (f *fakeSubs) ClientDisconnected(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, clientID)
}

func (f *fakeSubs) firstClientID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clientIDs) == 0 {
		return ""
	}
	return f.clientIDs[0]
}

func (f *fakeSubs) disconnectedClients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.disconnected))
	copy(out, f.disconnected)
	return out
}

type fakeOrders struct {
	mu        sync.Mutex
	placed    []entity.PlaceOrderCommand
	placeErr  error
	cancelErr error
}

func (f *fakeOrders) PlaceOrder(_ context.Context, _ string, cmd entity.PlaceOrderCommand) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return 0, f.placeErr
	}
	f.placed = append(f.placed, cmd)
	return 1001, nil
}

func (f *fakeOrders) CancelOrder(_ context.Context, _ string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelErr
}

func testWSConfig() config.WSConfig {
	return config.WSConfig{
		Host:            "127.0.0.1",
		Port:            0,
		ClientQueueSize: 64,
		MaxMessageSize:  256 * 1024,
		PingInterval:    time.Second,
		MaxMissedPongs:  3,
		ShutdownGrace:   50 * time.Millisecond,
	}
}

func startHub(t *testing.T, cfg config.WSConfig, subs *fakeSubs, orders *fakeOrders) (*Hub, *httptest.Server) {
	t.Helper()

	h := NewHub(cfg, subs, orders, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return h, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return decoded
}

func TestSubscribeCommandDispatched(t *testing.T) {
	subs := &fakeSubs{}
	h, srv := startHub(t, testWSConfig(), subs, &fakeOrders{})
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"subscribe_market_data","symbol":"AAPL","instrument_type":"stock"}`)))

	require.Eventually(t, func() bool {
		subs.mu.Lock()
		defer subs.mu.Unlock()
		return len(subs.subscribed) == 1 && subs.subscribed[0] == "AAPL"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.ClientCount())
}

func TestBadJSONKeepsConnectionOpen(t *testing.T) {
	subs := &fakeSubs{}
	_, srv := startHub(t, testWSConfig(), subs, &fakeOrders{})
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "bad_request", msg["error_code"])

	// the connection is still usable after a protocol error
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"subscribe_market_data","symbol":"MSFT","instrument_type":"stock"}`)))
	require.Eventually(t, func() bool {
		subs.mu.Lock()
		defer subs.mu.Unlock()
		return len(subs.subscribed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDuplicateSubscriptionErrorCode(t *testing.T) {
	subs := &fakeSubs{subscribeErr: subscription.ErrDuplicateSubscription}
	_, srv := startHub(t, testWSConfig(), subs, &fakeOrders{})
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"subscribe_market_data","symbol":"AAPL","instrument_type":"stock"}`)))

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "duplicate_subscription", msg["error_code"])
}

func TestOrderErrorCodes(t *testing.T) {
	orders := &fakeOrders{placeErr: order.ErrNotConnected, cancelErr: order.ErrNotOwned}
	_, srv := startHub(t, testWSConfig(), &fakeSubs{}, orders)
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"place_order","symbol":"AAPL","action":"BUY","quantity":100,"order_type":"MKT","instrument_type":"stock"}`)))
	msg := readJSON(t, conn)
	assert.Equal(t, "not_connected", msg["error_code"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"cancel_order","order_id":2001}`)))
	msg = readJSON(t, conn)
	assert.Equal(t, "not_owned", msg["error_code"])
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h, srv := startHub(t, testWSConfig(), &fakeSubs{}, &fakeOrders{})
	connA := dialWS(t, srv)
	connB := dialWS(t, srv)

	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	h.BroadcastStatus(entity.StatusConnected, 1001)

	for _, conn := range []*websocket.Conn{connA, connB} {
		msg := readJSON(t, conn)
		assert.Equal(t, "connection_status", msg["type"])
		assert.Equal(t, "connected", msg["status"])
		assert.Equal(t, float64(1001), msg["next_order_id"])
	}
}

func TestLateJoinerReceivesLastStatus(t *testing.T) {
	h, srv := startHub(t, testWSConfig(), &fakeSubs{}, &fakeOrders{})

	h.BroadcastStatus(entity.StatusConnected, 500)

	conn := dialWS(t, srv)
	msg := readJSON(t, conn)
	assert.Equal(t, "connection_status", msg["type"])
	assert.Equal(t, "connected", msg["status"])
}

func TestSlowConsumerDisconnected(t *testing.T) {
	cfg := testWSConfig()
	cfg.ClientQueueSize = 4

	subs := &fakeSubs{}
	h, srv := startHub(t, cfg, subs, &fakeOrders{})
	conn := dialWS(t, srv)

	// learn the hub-side client id
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"subscribe_market_data","symbol":"AAPL","instrument_type":"stock"}`)))
	require.Eventually(t, func() bool { return subs.firstClientID() != "" }, 2*time.Second, 10*time.Millisecond)
	clientID := subs.firstClientID()

	// the client never reads; large frames stall the writer on the socket
	// and the queue overflows
	padding := strings.Repeat("x", 64*1024)
	for i := 0; i < 1000; i++ {
		h.Send(clientID, entity.MarketDataMessage{
			Type:     "market_data",
			Symbol:   "AAPL",
			ReqID:    1,
			DataType: "price",
			TickType: padding,
		})
		if h.ClientCount() == 0 {
			break
		}
	}

	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, id := range subs.disconnectedClients() {
			if id == clientID {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnresponsiveClientClosedAfterMissedPongs(t *testing.T) {
	cfg := testWSConfig()
	cfg.PingInterval = 30 * time.Millisecond
	cfg.MaxMissedPongs = 2

	subs := &fakeSubs{}
	h, srv := startHub(t, cfg, subs, &fakeOrders{})
	dialWS(t, srv)

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// the client never reads, so it never answers pings
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestShutdownNotifiesAndClosesClients(t *testing.T) {
	h, srv := startHub(t, testWSConfig(), &fakeSubs{}, &fakeOrders{})
	conn := dialWS(t, srv)

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Shutdown(context.Background())
	}()

	msg := readJSON(t, conn)
	assert.Equal(t, "connection_status", msg["type"])
	assert.Equal(t, "shutting_down", msg["status"])

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Zero(t, h.ClientCount())
}
