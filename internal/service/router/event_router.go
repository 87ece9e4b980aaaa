package router

import (
	"context"
	"strconv"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/infrastructure"
	"github.com/krobus00/market-bridge/internal/repository"
	"github.com/krobus00/market-bridge/internal/upstream"
	"github.com/sirupsen/logrus"
)

// SubscriptionManager is the slice of the subscription service the router
// drives on inbound events.
type SubscriptionManager interface {
	Touch(subID string, at time.Time)
	Meta(subID string) (clientID, symbol string, state entity.SubscriptionState, ok bool)
	Fail(subID string, code int, message string)
	OnConnectionReady(ctx context.Context)
	OnConnectionLost()
	HandleContractDetails(reqID int64, contract entity.ContractPayload) bool
	HandleContractDetailsEnd(ctx context.Context, reqID int64) bool
}

type OrderManager interface {
	ApplyStatus(ev entity.OrderStatusEvent) (clientID string, known bool)
}

type ClientSink interface {
	Send(clientID string, msg any)
	Broadcast(msg any)
	BroadcastStatus(status entity.ConnectionStatus, nextOrderID int64)
}

type EventSource interface {
	Events() <-chan entity.UpstreamEvent
}

type Tap interface {
	Publish(symbol string, msg any)
}

// Router is the single consumer of the upstream event stream. It classifies
// each decoded event, resolves ownership through the routing tables, and
// forwards to the owning client. Events for subscriptions mid-cancel are
// dropped silently; unknown request ids are logged and dropped.
type Router struct {
	source  EventSource
	routes  *repository.RoutingRepository
	subs    SubscriptionManager
	orders  OrderManager
	sink    ClientSink
	ids     *upstream.IDAllocator
	tap     Tap
	metrics *infrastructure.Metrics
}

func New(source EventSource, routes *repository.RoutingRepository, subs SubscriptionManager, orders OrderManager, sink ClientSink, ids *upstream.IDAllocator, metrics *infrastructure.Metrics) *Router {
	return &Router{
		source:  source,
		routes:  routes,
		subs:    subs,
		orders:  orders,
		sink:    sink,
		ids:     ids,
		metrics: metrics,
	}
}

// SetTap wires the optional market data tap.
func (r *Router) SetTap(tap Tap) {
	r.tap = tap
}

func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.source.Events():
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Router) handle(ctx context.Context, ev entity.UpstreamEvent) {
	switch ev := ev.(type) {
	case entity.ConnectionReadyEvent:
		r.count("connection_ready")
		r.ids.AdvanceOrderFloor(ev.NextOrderID)
		r.sink.BroadcastStatus(entity.StatusConnected, ev.NextOrderID)
		r.subs.OnConnectionReady(ctx)
	case entity.ConnectionLostEvent:
		r.count("connection_lost")
		logrus.Warnf("upstream connection lost: %s", ev.Reason)
		r.subs.OnConnectionLost()
		r.sink.BroadcastStatus(entity.StatusDisconnected, 0)
	case entity.TickEvent:
		r.count("tick")
		r.handleTick(ev)
	case entity.TradeEvent:
		r.count("trade")
		r.handleTrade(ev)
	case entity.BidAskEvent:
		r.count("bid_ask")
		r.handleBidAsk(ev)
	case entity.OrderStatusEvent:
		r.count("order_status")
		r.handleOrderStatus(ev)
	case entity.ContractDetailsEvent:
		r.count("contract_details")
		r.handleContractDetails(ev)
	case entity.ContractDetailsEndEvent:
		r.count("contract_details_end")
		r.handleContractDetailsEnd(ctx, ev)
	case entity.VendorErrorEvent:
		r.count("vendor_error")
		r.handleVendorError(ev)
	default:
		logrus.Warnf("dropping unknown upstream event %T", ev)
	}
}

// resolveSubscription maps a request id onto its live subscription, applying
// the drop rules for cancelling and unknown entries.
func (r *Router) resolveSubscription(reqID int64, kind string) (subID, clientID, symbol string, ok bool) {
	subID, found := r.routes.SubIDByReq(reqID)
	if !found {
		logrus.Warnf("dropping %s event for unknown req_id %d", kind, reqID)
		return "", "", "", false
	}

	clientID, symbol, state, found := r.subs.Meta(subID)
	if !found {
		logrus.Warnf("dropping %s event for stale subscription %s", kind, subID)
		return "", "", "", false
	}
	if state == entity.SubscriptionCancelling {
		return "", "", "", false
	}

	return subID, clientID, symbol, true
}

func (r *Router) handleTick(ev entity.TickEvent) {
	subID, clientID, symbol, ok := r.resolveSubscription(ev.ReqID, "tick")
	if !ok {
		return
	}

	r.subs.Touch(subID, ev.ReceiveTime())

	msg := entity.MarketDataMessage{
		Type:      "market_data",
		Symbol:    symbol,
		ReqID:     ev.ReqID,
		DataType:  ev.DataType,
		TickType:  ev.TickType,
		Timestamp: eventTimestamp(ev.Timestamp, ev.ReceiveTime()),
	}
	if ev.Price != nil {
		msg.Price = null.FloatFrom(*ev.Price)
	}
	if ev.Size != nil {
		msg.Size = null.FloatFrom(*ev.Size)
	}

	r.sink.Send(clientID, msg)
	if r.tap != nil {
		r.tap.Publish(symbol, msg)
	}
}

func (r *Router) handleTrade(ev entity.TradeEvent) {
	subID, clientID, symbol, ok := r.resolveSubscription(ev.ReqID, "trade")
	if !ok {
		return
	}

	r.subs.Touch(subID, ev.ReceiveTime())

	msg := entity.TimeAndSalesMessage{
		Type:      "time_and_sales",
		Symbol:    symbol,
		ReqID:     ev.ReqID,
		Price:     ev.Price,
		Size:      ev.Size,
		Exchange:  ev.Exchange,
		Timestamp: eventTimestamp(ev.Timestamp, ev.ReceiveTime()),
	}

	r.sink.Send(clientID, msg)
	if r.tap != nil {
		r.tap.Publish(symbol, msg)
	}
}

func (r *Router) handleBidAsk(ev entity.BidAskEvent) {
	subID, clientID, symbol, ok := r.resolveSubscription(ev.ReqID, "bid_ask")
	if !ok {
		return
	}

	r.subs.Touch(subID, ev.ReceiveTime())

	msg := entity.BidAskTickMessage{
		Type:      "bid_ask_tick",
		Symbol:    symbol,
		ReqID:     ev.ReqID,
		BidPrice:  ev.BidPrice,
		AskPrice:  ev.AskPrice,
		BidSize:   ev.BidSize,
		AskSize:   ev.AskSize,
		Timestamp: eventTimestamp(ev.Timestamp, ev.ReceiveTime()),
	}

	r.sink.Send(clientID, msg)
	if r.tap != nil {
		r.tap.Publish(symbol, msg)
	}
}

func (r *Router) handleOrderStatus(ev entity.OrderStatusEvent) {
	clientID, known := r.orders.ApplyStatus(ev)
	if !known {
		logrus.Warnf("dropping order status for unknown order_id %d", ev.OrderID)
		return
	}

	filled, _ := ev.Filled.Float64()
	remaining, _ := ev.Remaining.Float64()

	msg := entity.OrderStatusMessage{
		Type:      "order_status",
		OrderID:   ev.OrderID,
		Status:    ev.Status,
		Filled:    filled,
		Remaining: remaining,
		WhyHeld:   ev.WhyHeld,
		Timestamp: entity.UnixSeconds(ev.ReceiveTime()),
	}
	if ev.AvgFillPrice != nil {
		avg, _ := ev.AvgFillPrice.Float64()
		msg.AvgFillPrice = null.FloatFrom(avg)
	}
	if ev.LastFillPrice != nil {
		last, _ := ev.LastFillPrice.Float64()
		msg.LastFillPrice = null.FloatFrom(last)
	}

	r.sink.Send(clientID, msg)
}

func (r *Router) handleContractDetails(ev entity.ContractDetailsEvent) {
	if r.subs.HandleContractDetails(ev.ReqID, ev.Contract) {
		return
	}

	clientID, ok := r.routes.LookupClient(ev.ReqID)
	if !ok {
		logrus.Warnf("dropping contract details for unknown req_id %d", ev.ReqID)
		return
	}

	r.sink.Send(clientID, entity.ContractDetailsMessage{
		Type:           "contract_details",
		ReqID:          ev.ReqID,
		Contract:       ev.Contract,
		MarketName:     ev.MarketName,
		MinTick:        ev.MinTick,
		PriceMagnifier: ev.PriceMagnifier,
		Timestamp:      entity.UnixSeconds(ev.ReceiveTime()),
	})
}

func (r *Router) handleContractDetailsEnd(ctx context.Context, ev entity.ContractDetailsEndEvent) {
	if r.subs.HandleContractDetailsEnd(ctx, ev.ReqID) {
		return
	}

	clientID, ok := r.routes.LookupClient(ev.ReqID)
	if !ok {
		return
	}

	r.sink.Send(clientID, entity.ContractDetailsEndMessage{
		Type:      "contract_details_end",
		ReqID:     ev.ReqID,
		Timestamp: entity.UnixSeconds(ev.ReceiveTime()),
	})
	r.routes.ForgetLookup(ev.ReqID)
}

// handleVendorError forwards upstream errors to whoever owns the request or
// order; severity ERROR additionally terminates the subscription. Errors with
// no correlation id are system notices and go to everyone.
func (r *Router) handleVendorError(ev entity.VendorErrorEvent) {
	msg := entity.ErrorMessage{
		Type:        "error",
		Severity:    ev.Severity(),
		ErrorCode:   strconv.Itoa(ev.Code),
		ErrorString: ev.Message,
		Timestamp:   entity.UnixSeconds(ev.ReceiveTime()),
	}

	if ev.ReqID > 0 {
		msg.ReqID = null.IntFrom(ev.ReqID)

		if subID, found := r.routes.SubIDByReq(ev.ReqID); found {
			clientID, _, state, ok := r.subs.Meta(subID)
			if !ok {
				return
			}

			if ev.Severity() == entity.SeverityError || state == entity.SubscriptionCancelling {
				r.subs.Fail(subID, ev.Code, ev.Message)
			}
			if state != entity.SubscriptionCancelling {
				r.sink.Send(clientID, msg)
			}
			return
		}

		if clientID, found := r.routes.LookupClient(ev.ReqID); found {
			r.sink.Send(clientID, msg)
			if ev.Severity() == entity.SeverityError {
				r.routes.ForgetLookup(ev.ReqID)
			}
			return
		}

		logrus.Warnf("dropping vendor error for unknown req_id %d: %s", ev.ReqID, ev.Message)
		return
	}

	if ev.OrderID > 0 {
		msg.OrderID = null.IntFrom(ev.OrderID)

		if clientID, found := r.routes.ClientByOrder(ev.OrderID); found {
			r.sink.Send(clientID, msg)
			return
		}

		logrus.Warnf("dropping vendor error for unknown order_id %d: %s", ev.OrderID, ev.Message)
		return
	}

	r.sink.Broadcast(msg)
}

func (r *Router) count(eventType string) {
	if r.metrics == nil {
		return
	}
	r.metrics.EventsRouted.WithLabelValues(eventType).Inc()
}

func eventTimestamp(wire float64, receivedAt time.Time) float64 {
	if wire > 0 {
		return wire
	}
	return entity.UnixSeconds(receivedAt)
}
