package repository

import "sync"

// RoutingRepository holds the cross-component routing state: the bidirectional
// req-id/subscription maps, order ownership, per-client subscription sets, the
// per-instrument diagnostic index, and transient one-shot lookup entries.
//
// Mutations are serialized behind one lock; lookups take the read side and
// never block on each other. The subscription and order managers are the only
// writers for their respective keys.
type RoutingRepository struct {
	mu sync.RWMutex

	reqToSub         map[int64]string
	subToReq         map[string]int64
	orderToClient    map[int64]string
	clientToSubs     map[string]map[string]struct{}
	instrumentToSubs map[string]map[string]struct{}
	subToInstrument  map[string]string
	subToClient      map[string]string
	reqToLookup      map[int64]string
}

func NewRoutingRepository() *RoutingRepository {
	return &RoutingRepository{
		reqToSub:         make(map[int64]string),
		subToReq:         make(map[string]int64),
		orderToClient:    make(map[int64]string),
		clientToSubs:     make(map[string]map[string]struct{}),
		instrumentToSubs: make(map[string]map[string]struct{}),
		subToInstrument:  make(map[string]string),
		subToClient:      make(map[string]string),
		reqToLookup:      make(map[int64]string),
	}
}

// BindSubscription registers a new subscription under its request id, client,
// and instrument key. Called before the upstream request goes out so any
// inbound event is already routable.
func (r *RoutingRepository) BindSubscription(reqID int64, subID, clientID, instrumentKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reqToSub[reqID] = subID
	r.subToReq[subID] = reqID
	r.subToClient[subID] = clientID
	r.subToInstrument[subID] = instrumentKey

	if _, ok := r.clientToSubs[clientID]; !ok {
		r.clientToSubs[clientID] = make(map[string]struct{})
	}
	r.clientToSubs[clientID][subID] = struct{}{}

	if _, ok := r.instrumentToSubs[instrumentKey]; !ok {
		r.instrumentToSubs[instrumentKey] = make(map[string]struct{})
	}
	r.instrumentToSubs[instrumentKey][subID] = struct{}{}
}

// RebindReq moves a subscription onto a fresh request id, dropping the stale
// one. Used during resubscribe after an upstream reconnect.
func (r *RoutingRepository) RebindReq(subID string, newReqID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldReq, ok := r.subToReq[subID]; ok {
		delete(r.reqToSub, oldReq)
	}
	r.subToReq[subID] = newReqID
	r.reqToSub[newReqID] = subID
}

// Forget atomically removes a subscription from every table.
func (r *RoutingRepository) Forget(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgetLocked(subID)
}

func (r *RoutingRepository) forgetLocked(subID string) {
	if reqID, ok := r.subToReq[subID]; ok {
		delete(r.reqToSub, reqID)
		delete(r.subToReq, subID)
	}

	if clientID, ok := r.subToClient[subID]; ok {
		if subs, ok := r.clientToSubs[clientID]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(r.clientToSubs, clientID)
			}
		}
		delete(r.subToClient, subID)
	}

	if key, ok := r.subToInstrument[subID]; ok {
		if subs, ok := r.instrumentToSubs[key]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(r.instrumentToSubs, key)
			}
		}
		delete(r.subToInstrument, subID)
	}
}

// ForgetClient removes every routing entry owned by a client and reports the
// subscription ids that were dropped.
func (r *RoutingRepository) ForgetClient(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.clientToSubs[clientID]
	dropped := make([]string, 0, len(subs))
	for subID := range subs {
		dropped = append(dropped, subID)
	}
	for _, subID := range dropped {
		r.forgetLocked(subID)
	}

	return dropped
}

func (r *RoutingRepository) SubIDByReq(reqID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subID, ok := r.reqToSub[reqID]
	return subID, ok
}

func (r *RoutingRepository) ReqBySub(subID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reqID, ok := r.subToReq[subID]
	return reqID, ok
}

func (r *RoutingRepository) ClientSubs(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]string, 0, len(r.clientToSubs[clientID]))
	for subID := range r.clientToSubs[clientID] {
		subs = append(subs, subID)
	}
	return subs
}

func (r *RoutingRepository) BindOrder(orderID int64, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orderToClient[orderID] = clientID
}

func (r *RoutingRepository) ClientByOrder(orderID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clientID, ok := r.orderToClient[orderID]
	return clientID, ok
}

func (r *RoutingRepository) ForgetOrder(orderID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orderToClient, orderID)
}

// BindLookup registers a transient one-shot contract details request owned by
// a client. Dropped on ContractDetailsEnd.
func (r *RoutingRepository) BindLookup(reqID int64, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqToLookup[reqID] = clientID
}

func (r *RoutingRepository) LookupClient(reqID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clientID, ok := r.reqToLookup[reqID]
	return clientID, ok
}

func (r *RoutingRepository) ForgetLookup(reqID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reqToLookup, reqID)
}

// Snapshot reports table sizes for the stats endpoint.
func (r *RoutingRepository) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"req_to_sub":      len(r.reqToSub),
		"sub_to_req":      len(r.subToReq),
		"order_to_client": len(r.orderToClient),
		"client_to_subs":  len(r.clientToSubs),
		"instruments":     len(r.instrumentToSubs),
		"lookups":         len(r.reqToLookup),
	}
}
