package router

import (
	"context"
	"testing"
	"time"

	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/repository"
	"github.com/krobus00/market-bridge/internal/upstream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubs struct {
	states       map[string]entity.SubscriptionState
	clients      map[string]string
	symbols      map[string]string
	touched      []string
	failed       []string
	readyCalls   int
	lostCalls    int
	ownedLookups map[int64]bool
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{
		states:       make(map[string]entity.SubscriptionState),
		clients:      make(map[string]string),
		symbols:      make(map[string]string),
		ownedLookups: make(map[int64]bool),
	}
}

func (f *fakeSubs) add(subID, clientID, symbol string, state entity.SubscriptionState) {
	f.states[subID] = state
	f.clients[subID] = clientID
	f.symbols[subID] = symbol
}

func (f *fakeSubs) Touch(subID string, _ time.Time) { f.touched = append(f.touched, subID) }

func (f *fakeSubs) Meta(subID string) (string, string, entity.SubscriptionState, bool) {
	state, ok := f.states[subID]
	if !ok {
		return "", "", "", false
	}
	return f.clients[subID], f.symbols[subID], state, true
}

func (f *fakeSubs) Fail(subID string, _ int, _ string) { f.failed = append(f.failed, subID) }

func (f *fakeSubs) OnConnectionReady(_ context.Context) { f.readyCalls++ }

func (f *fakeSubs) OnConnectionLost() { f.lostCalls++ }

func (f *fakeSubs) HandleContractDetails(reqID int64, _ entity.ContractPayload) bool {
	return f.ownedLookups[reqID]
}

func (f *fakeSubs) HandleContractDetailsEnd(_ context.Context, reqID int64) bool {
	return f.ownedLookups[reqID]
}

type fakeOrders struct {
	owners  map[int64]string
	applied []entity.OrderStatusEvent
}

func (f *fakeOrders) ApplyStatus(ev entity.OrderStatusEvent) (string, bool) {
	f.applied = append(f.applied, ev)
	owner, ok := f.owners[ev.OrderID]
	return owner, ok
}

type sunkMessage struct {
	clientID string
	msg      any
}

type fakeSink struct {
	sent       []sunkMessage
	broadcasts []any
	statuses   []entity.ConnectionStatus
}

func (f *fakeSink) Send(clientID string, msg any) {
	f.sent = append(f.sent, sunkMessage{clientID: clientID, msg: msg})
}

func (f *fakeSink) Broadcast(msg any) { f.broadcasts = append(f.broadcasts, msg) }

func (f *fakeSink) BroadcastStatus(status entity.ConnectionStatus, _ int64) {
	f.statuses = append(f.statuses, status)
}

type fixture struct {
	router *Router
	routes *repository.RoutingRepository
	subs   *fakeSubs
	orders *fakeOrders
	sink   *fakeSink
	ids    *upstream.IDAllocator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	routes := repository.NewRoutingRepository()
	subs := newFakeSubs()
	orders := &fakeOrders{owners: make(map[int64]string)}
	sink := &fakeSink{}
	ids := upstream.NewIDAllocator()

	return &fixture{
		router: New(nil, routes, subs, orders, sink, ids, nil),
		routes: routes,
		subs:   subs,
		orders: orders,
		sink:   sink,
		ids:    ids,
	}
}

func meta() entity.EventMeta {
	return entity.EventMeta{ReceivedAt: time.Now()}
}

func TestTickRoutedToOwningClient(t *testing.T) {
	f := newFixture(t)
	f.routes.BindSubscription(1, "sub-a", "client-1", "stock|AAPL|SMART")
	f.subs.add("sub-a", "client-1", "AAPL", entity.SubscriptionActive)

	price := 150.25
	f.router.handle(context.Background(), entity.TickEvent{
		EventMeta: meta(),
		ReqID:     1,
		DataType:  "price",
		TickType:  "last",
		Price:     &price,
		Timestamp: 1723000000.5,
	})

	require.Len(t, f.sink.sent, 1)
	assert.Equal(t, "client-1", f.sink.sent[0].clientID)

	msg, ok := f.sink.sent[0].msg.(entity.MarketDataMessage)
	require.True(t, ok)
	assert.Equal(t, "market_data", msg.Type)
	assert.Equal(t, "AAPL", msg.Symbol)
	assert.Equal(t, int64(1), msg.ReqID)
	assert.Equal(t, "last", msg.TickType)
	assert.Equal(t, 150.25, msg.Price.Float64)
	assert.Equal(t, 1723000000.5, msg.Timestamp)

	assert.Equal(t, []string{"sub-a"}, f.subs.touched)
}

func TestEventsForCancellingSubscriptionDroppedSilently(t *testing.T) {
	f := newFixture(t)
	f.routes.BindSubscription(1, "sub-a", "client-1", "stock|AAPL|SMART")
	f.subs.add("sub-a", "client-1", "AAPL", entity.SubscriptionCancelling)

	price := 150.25
	f.router.handle(context.Background(), entity.TickEvent{EventMeta: meta(), ReqID: 1, DataType: "price", TickType: "last", Price: &price})

	assert.Empty(t, f.sink.sent)
	assert.Empty(t, f.subs.touched)
}

func TestUnknownReqIDDropped(t *testing.T) {
	f := newFixture(t)

	price := 1.0
	f.router.handle(context.Background(), entity.TickEvent{EventMeta: meta(), ReqID: 77, Price: &price})

	assert.Empty(t, f.sink.sent)
}

func TestConnectionReadyAdvancesFloorAndTriggersResubscribe(t *testing.T) {
	f := newFixture(t)

	f.router.handle(context.Background(), entity.ConnectionReadyEvent{EventMeta: meta(), NextOrderID: 1001})

	assert.Equal(t, int64(1001), f.ids.NextOrderID())
	assert.Equal(t, []entity.ConnectionStatus{entity.StatusConnected}, f.sink.statuses)
	assert.Equal(t, 1, f.subs.readyCalls)
}

func TestConnectionLostNotifiesAndParksSubscriptions(t *testing.T) {
	f := newFixture(t)

	f.router.handle(context.Background(), entity.ConnectionLostEvent{EventMeta: meta(), Reason: "transport error"})

	assert.Equal(t, []entity.ConnectionStatus{entity.StatusDisconnected}, f.sink.statuses)
	assert.Equal(t, 1, f.subs.lostCalls)
}

func TestOrderStatusForwardedToOwner(t *testing.T) {
	f := newFixture(t)
	f.orders.owners[1001] = "client-1"

	avg := decimal.NewFromFloat(150.0)
	f.router.handle(context.Background(), entity.OrderStatusEvent{
		EventMeta:    meta(),
		OrderID:      1001,
		Status:       "Filled",
		Filled:       decimal.NewFromInt(100),
		Remaining:    decimal.Zero,
		AvgFillPrice: &avg,
	})

	require.Len(t, f.sink.sent, 1)
	msg, ok := f.sink.sent[0].msg.(entity.OrderStatusMessage)
	require.True(t, ok)
	assert.Equal(t, int64(1001), msg.OrderID)
	assert.Equal(t, "Filled", msg.Status)
	assert.Equal(t, 100.0, msg.Filled)
	assert.Equal(t, 150.0, msg.AvgFillPrice.Float64)
	require.Len(t, f.orders.applied, 1)
}

func TestContractDetailsRoutedToLookupOwner(t *testing.T) {
	f := newFixture(t)
	f.routes.BindLookup(5, "client-2")

	f.router.handle(context.Background(), entity.ContractDetailsEvent{
		EventMeta:  meta(),
		ReqID:      5,
		Contract:   entity.ContractPayload{Symbol: "AAPL", SecType: "STK"},
		MarketName: "NMS",
		MinTick:    0.01,
	})
	f.router.handle(context.Background(), entity.ContractDetailsEndEvent{EventMeta: meta(), ReqID: 5})

	require.Len(t, f.sink.sent, 2)
	details, ok := f.sink.sent[0].msg.(entity.ContractDetailsMessage)
	require.True(t, ok)
	assert.Equal(t, "AAPL", details.Contract.Symbol)

	_, ok = f.sink.sent[1].msg.(entity.ContractDetailsEndMessage)
	require.True(t, ok)

	// the transient entry is dropped on end
	_, ok = f.routes.LookupClient(5)
	assert.False(t, ok)
}

func TestContractDetailsConsumedByFrontMonthResolution(t *testing.T) {
	f := newFixture(t)
	f.subs.ownedLookups[3] = true

	f.router.handle(context.Background(), entity.ContractDetailsEvent{EventMeta: meta(), ReqID: 3})
	f.router.handle(context.Background(), entity.ContractDetailsEndEvent{EventMeta: meta(), ReqID: 3})

	assert.Empty(t, f.sink.sent, "internal lookups never reach clients")
}

func TestFatalVendorErrorTerminatesSubscription(t *testing.T) {
	f := newFixture(t)
	f.routes.BindSubscription(1, "sub-a", "client-1", "stock|XXXX|SMART")
	f.subs.add("sub-a", "client-1", "XXXX", entity.SubscriptionPending)

	f.router.handle(context.Background(), entity.VendorErrorEvent{
		EventMeta: meta(),
		ReqID:     1,
		Code:      200,
		Message:   "No security definition has been found",
	})

	assert.Equal(t, []string{"sub-a"}, f.subs.failed)
	require.Len(t, f.sink.sent, 1)
	errMsg, ok := f.sink.sent[0].msg.(entity.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, entity.SeverityError, errMsg.Severity)
	assert.Equal(t, int64(1), errMsg.ReqID.Int64)
}

func TestWarningVendorErrorForwardedWithoutTermination(t *testing.T) {
	f := newFixture(t)
	f.routes.BindSubscription(1, "sub-a", "client-1", "stock|AAPL|SMART")
	f.subs.add("sub-a", "client-1", "AAPL", entity.SubscriptionActive)

	f.router.handle(context.Background(), entity.VendorErrorEvent{
		EventMeta: meta(),
		ReqID:     1,
		Code:      2104,
		Message:   "Market data farm connection is OK",
	})

	assert.Empty(t, f.subs.failed)
	require.Len(t, f.sink.sent, 1)
}

func TestVendorErrorWithoutCorrelationBroadcast(t *testing.T) {
	f := newFixture(t)

	f.router.handle(context.Background(), entity.VendorErrorEvent{
		EventMeta: meta(),
		Code:      1100,
		Message:   "Connectivity between IB and TWS has been lost",
	})

	require.Len(t, f.sink.broadcasts, 1)
	assert.Empty(t, f.sink.sent)
}
