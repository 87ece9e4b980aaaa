package order

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/infrastructure"
	"github.com/krobus00/market-bridge/internal/repository"
	"github.com/krobus00/market-bridge/internal/upstream"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotConnected = errors.New("upstream is not connected")
	ErrNotFound     = errors.New("order not found")
	ErrNotOwned     = errors.New("order is owned by another client")
	ErrTerminal     = errors.New("order is in a terminal state")
)

// UpstreamSession is the slice of the upstream session the manager needs.
type UpstreamSession interface {
	Send(ctx context.Context, req entity.UpstreamRequest) error
	Status() upstream.Status
}

// Service owns every order record and the order side of the routing tables.
// Orders are never queued across reconnects: placing while the upstream is
// down is a rejection, not a retry.
type Service struct {
	mu     sync.Mutex
	orders map[int64]*entity.Order

	routes     *repository.RoutingRepository
	session    UpstreamSession
	ids        *upstream.IDAllocator
	metrics    *infrastructure.Metrics
	retention  time.Duration
	gcInterval time.Duration
}

func NewService(routes *repository.RoutingRepository, session UpstreamSession, ids *upstream.IDAllocator, metrics *infrastructure.Metrics, retention, gcInterval time.Duration) *Service {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if gcInterval <= 0 {
		gcInterval = time.Minute
	}

	return &Service{
		orders:     make(map[int64]*entity.Order),
		routes:     routes,
		session:    session,
		ids:        ids,
		metrics:    metrics,
		retention:  retention,
		gcInterval: gcInterval,
	}
}

// PlaceOrder validates, records, and forwards one order. The order id comes
// from the allocator floored by the last handshake's next_order_id.
func (s *Service) PlaceOrder(ctx context.Context, clientID string, cmd entity.PlaceOrderCommand) (int64, error) {
	if s.session.Status().Phase != upstream.PhaseReady {
		return 0, ErrNotConnected
	}

	instrument := cmd.Instrument.Canonicalize()
	quantity := decimal.NewFromInt(cmd.Quantity)
	now := time.Now()

	orderID := s.ids.NextOrderID()
	record := &entity.Order{
		OrderID:      orderID,
		ClientID:     clientID,
		Instrument:   instrument,
		Side:         cmd.Side,
		Quantity:     quantity,
		Kind:         cmd.Kind,
		Price:        cmd.Price,
		State:        entity.OrderPendingSubmit,
		RemainingQty: quantity,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.orders[orderID] = record
	s.mu.Unlock()
	s.routes.BindOrder(orderID, clientID)

	err := s.session.Send(ctx, entity.PlaceOrderRequest{
		Type:     "place_order",
		OrderID:  orderID,
		Contract: entity.NewContractRequest(instrument),
		Side:     cmd.Side,
		Quantity: quantity,
		Kind:     cmd.Kind,
		Price:    cmd.Price,
	})
	if err != nil {
		s.mu.Lock()
		record.State = entity.OrderRejected
		record.UpdatedAt = time.Now()
		s.mu.Unlock()

		logrus.Warnf("order %d rejected, upstream send failed: %v", orderID, err)
		return 0, ErrNotConnected
	}

	if s.metrics != nil {
		s.metrics.OrdersPlaced.Inc()
	}

	logrus.WithFields(logrus.Fields{
		"client_id": clientID,
		"order_id":  orderID,
		"symbol":    instrument.Symbol,
		"side":      cmd.Side,
		"quantity":  quantity.String(),
		"kind":      cmd.Kind,
	}).Info("order placed")

	return orderID, nil
}

// CancelOrder forwards a cancel for an order the requesting client owns.
func (s *Service) CancelOrder(ctx context.Context, clientID string, orderID int64) error {
	s.mu.Lock()
	record, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if record.ClientID != clientID {
		s.mu.Unlock()
		return ErrNotOwned
	}
	if record.State.Terminal() {
		s.mu.Unlock()
		return ErrTerminal
	}
	s.mu.Unlock()

	if err := s.session.Send(ctx, entity.CancelOrderRequest{Type: "cancel_order", OrderID: orderID}); err != nil {
		if errors.Is(err, upstream.ErrNotReady) {
			return ErrNotConnected
		}
		return err
	}

	logrus.WithFields(logrus.Fields{"client_id": clientID, "order_id": orderID}).Info("order cancel requested")
	return nil
}

// ApplyStatus merges one upstream status update into the order record using
// the monotone fold: state follows the latest update, filled quantity never
// decreases, remaining tracks the update, fill prices overwrite when present
// and positive.
// Returns the owning client so the router can forward the update verbatim.
func (s *Service) ApplyStatus(ev entity.OrderStatusEvent) (string, bool) {
	clientID, ok := s.routes.ClientByOrder(ev.OrderID)
	if !ok {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.orders[ev.OrderID]
	if !ok {
		return clientID, true
	}

	if state, ok := entity.OrderStateFromStatus(ev.Status, ev.Filled, ev.Remaining); ok {
		record.State = state
	}
	if ev.Filled.GreaterThan(record.FilledQty) {
		record.FilledQty = ev.Filled
	}
	record.RemainingQty = ev.Remaining
	if ev.AvgFillPrice != nil && ev.AvgFillPrice.GreaterThan(decimal.Zero) {
		record.AvgFillPrice = ev.AvgFillPrice
	}
	if ev.LastFillPrice != nil && ev.LastFillPrice.GreaterThan(decimal.Zero) {
		record.LastFillPrice = ev.LastFillPrice
	}
	record.UpdatedAt = time.Now()

	return clientID, true
}

// Get returns a copy of one order record.
func (s *Service) Get(orderID int64) (entity.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.orders[orderID]
	if !ok {
		return entity.Order{}, false
	}
	return *record, true
}

// StartGC periodically removes terminal orders past the retention age.
func (s *Service) StartGC(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.collect(time.Now())
			}
		}
	}()
}

func (s *Service) collect(now time.Time) {
	s.mu.Lock()
	var expired []int64
	for orderID, record := range s.orders {
		if record.State.Terminal() && now.Sub(record.UpdatedAt) > s.retention {
			expired = append(expired, orderID)
		}
	}
	for _, orderID := range expired {
		delete(s.orders, orderID)
	}
	s.mu.Unlock()

	for _, orderID := range expired {
		s.routes.ForgetOrder(orderID)
	}

	if len(expired) > 0 {
		logrus.Infof("garbage collected %d terminal orders", len(expired))
	}
}

// Snapshot reports order counts by state for the stats endpoint.
func (s *Service) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, record := range s.orders {
		counts[string(record.State)]++
	}
	return counts
}
