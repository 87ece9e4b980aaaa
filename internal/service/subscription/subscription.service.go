package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/infrastructure"
	"github.com/krobus00/market-bridge/internal/repository"
	"github.com/krobus00/market-bridge/internal/upstream"
	"github.com/sirupsen/logrus"
)

var (
	ErrDuplicateSubscription = errors.New("duplicate subscription")
)

const defaultCancelTimeout = 5 * time.Second

// UpstreamSender is the slice of the upstream session the manager needs.
type UpstreamSender interface {
	Send(ctx context.Context, req entity.UpstreamRequest) error
}

// ClientSink delivers asynchronous notifications back to a client.
type ClientSink interface {
	Send(clientID string, msg any)
}

type subscriptionRecord struct {
	sub             *entity.Subscription
	tripleKey       string
	needsFrontMonth bool
	sent            bool
	months          []entity.ContractPayload
	cancelTimer     *time.Timer
}

// Service owns every subscription and is the single writer to the
// subscription side of the routing tables. It issues upstream requests,
// resolves futures front months, and rebuilds all live subscriptions with
// fresh request ids after an upstream reconnect.
type Service struct {
	mu      sync.Mutex
	records map[string]*subscriptionRecord
	byTrip  map[string]string
	order   []string

	routes        *repository.RoutingRepository
	session       UpstreamSender
	ids           *upstream.IDAllocator
	sink          ClientSink
	metrics       *infrastructure.Metrics
	cancelTimeout time.Duration
}

func NewService(routes *repository.RoutingRepository, session UpstreamSender, ids *upstream.IDAllocator, metrics *infrastructure.Metrics) *Service {
	return &Service{
		records:       make(map[string]*subscriptionRecord),
		byTrip:        make(map[string]string),
		routes:        routes,
		session:       session,
		ids:           ids,
		metrics:       metrics,
		cancelTimeout: defaultCancelTimeout,
	}
}

// SetSink wires the client hub in after construction; the hub and the manager
// reference each other.
func (s *Service) SetSink(sink ClientSink) {
	s.sink = sink
}

// Subscribe creates one (client, instrument, stream kind) subscription. The
// routing entries are populated before the upstream request goes out so any
// inbound event is already routable. While the upstream is not ready the
// subscription stays Pending and is sent on the next ConnectionReady.
func (s *Service) Subscribe(ctx context.Context, clientID string, instrument entity.Instrument, stream entity.StreamKind) error {
	instrument = detectInstrumentKind(instrument)
	instrument = instrument.Canonicalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	tripleKey := fmt.Sprintf("%s|%s|%s", clientID, instrument.Key(), stream)
	if existingID, ok := s.byTrip[tripleKey]; ok {
		if rec, ok := s.records[existingID]; ok && !rec.sub.State.Terminal() {
			return ErrDuplicateSubscription
		}
	}

	now := time.Now()
	sub := &entity.Subscription{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		Instrument: instrument,
		Stream:     stream,
		ReqID:      s.ids.NextReqID(),
		State:      entity.SubscriptionPending,
		CreatedAt:  now,
	}

	rec := &subscriptionRecord{
		sub:             sub,
		tripleKey:       tripleKey,
		needsFrontMonth: instrument.Kind == entity.InstrumentFuture && instrument.Expiry() == "",
	}

	s.records[sub.ID] = rec
	s.byTrip[tripleKey] = sub.ID
	s.order = append(s.order, sub.ID)
	s.routes.BindSubscription(sub.ReqID, sub.ID, clientID, instrument.Key())
	s.updateGaugeLocked()

	s.attemptSendLocked(ctx, rec)

	logrus.WithFields(logrus.Fields{
		"client_id": clientID,
		"symbol":    instrument.Symbol,
		"stream":    stream,
		"req_id":    sub.ReqID,
	}).Info("subscription created")

	return nil
}

func (s *Service) attemptSendLocked(ctx context.Context, rec *subscriptionRecord) {
	var req entity.UpstreamRequest
	if rec.needsFrontMonth {
		req = entity.ContractDetailsRequest{
			Type:     "contract_details",
			ReqID:    rec.sub.ReqID,
			Contract: entity.NewContractRequest(rec.sub.Instrument),
		}
	} else {
		req = entity.SubscribeRequest{
			Type:     "subscribe",
			ReqID:    rec.sub.ReqID,
			Stream:   rec.sub.Stream,
			Contract: entity.NewContractRequest(rec.sub.Instrument),
		}
	}

	err := s.session.Send(ctx, req)
	switch {
	case err == nil:
		rec.sent = true
	case errors.Is(err, upstream.ErrNotReady):
		rec.sent = false
	default:
		rec.sent = false
		logrus.Warnf("subscription %s send failed: %v", rec.sub.ID, err)
		s.notify(rec.sub.ClientID, entity.NewErrorMessage(entity.SeverityWarning, constant.ErrCodeInternal,
			fmt.Sprintf("subscription for %s delayed: %v", rec.sub.Instrument.Symbol, err)))
	}
}

// UnsubscribeSymbol cancels all of a client's subscriptions for a symbol
// across every stream kind. Each transitions to Cancelling, the upstream
// cancel goes out, and a timer finalizes the state when no acknowledgement
// arrives.
func (s *Service) UnsubscribeSymbol(ctx context.Context, clientID, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.sub.ClientID != clientID || rec.sub.Instrument.Symbol != symbol || rec.sub.State.Terminal() {
			continue
		}
		if rec.sub.State == entity.SubscriptionCancelling {
			continue
		}

		rec.sub.State = entity.SubscriptionCancelling
		if rec.sent {
			if err := s.session.Send(ctx, entity.CancelSubscriptionRequest{
				Type:   "cancel",
				ReqID:  rec.sub.ReqID,
				Stream: rec.sub.Stream,
			}); err != nil {
				logrus.Warnf("cancel for req %d failed: %v", rec.sub.ReqID, err)
			}
		}

		subID := rec.sub.ID
		rec.cancelTimer = time.AfterFunc(s.cancelTimeout, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.finalizeCancelLocked(subID)
		})

		logrus.WithFields(logrus.Fields{
			"client_id": clientID,
			"symbol":    symbol,
			"req_id":    rec.sub.ReqID,
		}).Info("subscription cancelling")
	}
	s.updateGaugeLocked()
}

func (s *Service) finalizeCancelLocked(subID string) {
	rec, ok := s.records[subID]
	if !ok {
		return
	}

	rec.sub.State = entity.SubscriptionCancelled
	s.dropLocked(rec)
}

// dropLocked removes a record from the manager and every routing table.
func (s *Service) dropLocked(rec *subscriptionRecord) {
	if rec.cancelTimer != nil {
		rec.cancelTimer.Stop()
	}

	delete(s.records, rec.sub.ID)
	if s.byTrip[rec.tripleKey] == rec.sub.ID {
		delete(s.byTrip, rec.tripleKey)
	}
	for i, id := range s.order {
		if id == rec.sub.ID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	s.routes.Forget(rec.sub.ID)
	s.updateGaugeLocked()
}

// ClientDisconnected cancels everything a departed client owned and clears
// its routing entries.
func (s *Service) ClientDisconnected(clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.sub.ClientID != clientID {
			continue
		}

		if !rec.sub.State.Terminal() && rec.sent {
			if err := s.session.Send(ctx, entity.CancelSubscriptionRequest{
				Type:   "cancel",
				ReqID:  rec.sub.ReqID,
				Stream: rec.sub.Stream,
			}); err != nil && !errors.Is(err, upstream.ErrNotReady) {
				logrus.Warnf("cancel for req %d failed: %v", rec.sub.ReqID, err)
			}
		}

		rec.sub.State = entity.SubscriptionCancelled
		s.dropLocked(rec)
	}

	s.routes.ForgetClient(clientID)
}

// ContractDetails issues a one-shot lookup owned by a client. Unlike
// subscriptions a lookup is not replayed across reconnects, so a not-ready
// session rejects it.
func (s *Service) ContractDetails(ctx context.Context, clientID string, instrument entity.Instrument) error {
	instrument = detectInstrumentKind(instrument).Canonicalize()

	reqID := s.ids.NextReqID()
	s.routes.BindLookup(reqID, clientID)

	err := s.session.Send(ctx, entity.ContractDetailsRequest{
		Type:     "contract_details",
		ReqID:    reqID,
		Contract: entity.NewContractRequest(instrument),
	})
	if err != nil {
		s.routes.ForgetLookup(reqID)
		return err
	}

	return nil
}

// OnConnectionReady re-issues every non-terminal subscription with a fresh
// request id. Old ids are meaningless after a reconnect. Iteration follows
// creation order, which preserves per-client relative ordering.
func (s *Service) OnConnectionReady(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subID := range s.order {
		rec, ok := s.records[subID]
		if !ok || rec.sub.State.Terminal() || rec.sub.State == entity.SubscriptionCancelling {
			continue
		}

		rec.sub.ReqID = s.ids.NextReqID()
		rec.sub.State = entity.SubscriptionPending
		rec.months = nil
		s.routes.RebindReq(subID, rec.sub.ReqID)
		s.attemptSendLocked(ctx, rec)
	}

	logrus.Info("resubscribe complete")
}

// OnConnectionLost parks every Active subscription back in Pending.
func (s *Service) OnConnectionLost() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.sub.State == entity.SubscriptionActive {
			rec.sub.State = entity.SubscriptionPending
		}
		rec.sent = false
	}
}

// Touch records a data event for a subscription. The first data event
// activates a pending subscription.
func (s *Service) Touch(subID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[subID]
	if !ok {
		return
	}

	rec.sub.LastEventAt = at
	if rec.sub.State == entity.SubscriptionPending {
		rec.sub.State = entity.SubscriptionActive
	}
}

// Meta exposes the routing-relevant slice of a subscription to the router.
func (s *Service) Meta(subID string) (clientID, symbol string, state entity.SubscriptionState, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found := s.records[subID]
	if !found {
		return "", "", "", false
	}
	return rec.sub.ClientID, rec.sub.Instrument.Symbol, rec.sub.State, true
}

// Fail terminates a subscription on a fatal vendor error and tells the owner.
func (s *Service) Fail(subID string, code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[subID]
	if !ok {
		return
	}

	if rec.sub.State == entity.SubscriptionCancelling {
		// the upstream confirmed the request is gone, which is all a cancel needs
		s.finalizeCancelLocked(subID)
		return
	}

	rec.sub.State = entity.SubscriptionFailed
	clientID := rec.sub.ClientID
	symbol := rec.sub.Instrument.Symbol
	s.dropLocked(rec)

	s.notify(clientID, entity.NewErrorMessage(entity.SeverityError, strconv.Itoa(code),
		fmt.Sprintf("subscription for %s failed: %s", symbol, message)))
}

// HandleContractDetails consumes contract details belonging to an in-flight
// front month resolution. Returns false when the request id is not ours.
func (s *Service) HandleContractDetails(reqID int64, contract entity.ContractPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	subID, ok := s.routes.SubIDByReq(reqID)
	if !ok {
		return false
	}

	rec, ok := s.records[subID]
	if !ok || !rec.needsFrontMonth {
		return false
	}

	rec.months = append(rec.months, contract)
	return true
}

// HandleContractDetailsEnd completes a front month resolution: the nearest
// unexpired contract month wins and the real subscribe goes out under a fresh
// request id.
func (s *Service) HandleContractDetailsEnd(ctx context.Context, reqID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	subID, ok := s.routes.SubIDByReq(reqID)
	if !ok {
		return false
	}

	rec, ok := s.records[subID]
	if !ok || !rec.needsFrontMonth {
		return false
	}

	expiry, found := frontMonthExpiry(rec.months, time.Now())
	rec.months = nil

	if !found {
		clientID := rec.sub.ClientID
		symbol := rec.sub.Instrument.Symbol
		rec.sub.State = entity.SubscriptionFailed
		s.dropLocked(rec)
		s.notify(clientID, entity.NewErrorMessage(entity.SeverityError, constant.ErrCodeBadRequest,
			fmt.Sprintf("could not find front month contract for %s", symbol)))
		return true
	}

	rec.sub.Instrument.LastTradeDate = expiry
	rec.needsFrontMonth = false
	rec.sub.ReqID = s.ids.NextReqID()
	s.routes.RebindReq(subID, rec.sub.ReqID)
	s.attemptSendLocked(ctx, rec)

	logrus.WithFields(logrus.Fields{
		"symbol": rec.sub.Instrument.Symbol,
		"expiry": expiry,
		"req_id": rec.sub.ReqID,
	}).Info("front month resolved")

	return true
}

// Snapshot reports subscription counts by state for the stats endpoint.
func (s *Service) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, rec := range s.records {
		counts[string(rec.sub.State)]++
	}
	return counts
}

func (s *Service) notify(clientID string, msg any) {
	if s.sink == nil {
		return
	}
	s.sink.Send(clientID, msg)
}

func (s *Service) updateGaugeLocked() {
	if s.metrics == nil {
		return
	}

	live := 0
	for _, rec := range s.records {
		if !rec.sub.State.Terminal() {
			live++
		}
	}
	s.metrics.ActiveSubscriptions.Set(float64(live))
}

// frontMonthExpiry picks the nearest unexpired contract month from a details
// set. Contract months arrive as YYYYMM or YYYYMMDD.
func frontMonthExpiry(details []entity.ContractPayload, now time.Time) (string, bool) {
	currentMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	best := ""
	var bestDate time.Time

	for _, detail := range details {
		raw := detail.LastTradeDate
		if len(raw) < 6 {
			continue
		}

		year, err := strconv.Atoi(raw[:4])
		if err != nil {
			continue
		}
		month, err := strconv.Atoi(raw[4:6])
		if err != nil || month < 1 || month > 12 {
			continue
		}

		contractDate := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		if contractDate.Before(currentMonth) {
			continue
		}

		if best == "" || contractDate.Before(bestDate) {
			best = raw
			bestDate = contractDate
		}
	}

	return best, best != ""
}
