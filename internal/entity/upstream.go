package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outbound upstream requests. The wire codec frames each as one
// length-prefixed JSON message with a type discriminator.

type UpstreamRequest interface {
	RequestType() string
}

type HandshakeRequest struct {
	Type     string `json:"type"`
	ClientID int    `json:"client_id"`
}

type PingRequest struct {
	Type string `json:"type"`
}

type ContractRequest struct {
	Symbol        string `json:"symbol"`
	SecType       string `json:"sec_type"`
	Exchange      string `json:"exchange"`
	Currency      string `json:"currency"`
	LastTradeDate string `json:"last_trade_date,omitempty"`
}

func NewContractRequest(i Instrument) ContractRequest {
	return ContractRequest{
		Symbol:        i.Symbol,
		SecType:       i.SecType(),
		Exchange:      i.Exchange,
		Currency:      i.Currency,
		LastTradeDate: i.Expiry(),
	}
}

type SubscribeRequest struct {
	Type     string          `json:"type"`
	ReqID    int64           `json:"req_id"`
	Stream   StreamKind      `json:"stream"`
	Contract ContractRequest `json:"contract"`
}

type CancelSubscriptionRequest struct {
	Type   string     `json:"type"`
	ReqID  int64      `json:"req_id"`
	Stream StreamKind `json:"stream"`
}

type ContractDetailsRequest struct {
	Type     string          `json:"type"`
	ReqID    int64           `json:"req_id"`
	Contract ContractRequest `json:"contract"`
}

type PlaceOrderRequest struct {
	Type     string          `json:"type"`
	OrderID  int64           `json:"order_id"`
	Contract ContractRequest `json:"contract"`
	Side     OrderSide       `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Kind     OrderKind       `json:"order_kind"`
	Price    decimal.Decimal `json:"price,omitempty"`
}

type CancelOrderRequest struct {
	Type    string `json:"type"`
	OrderID int64  `json:"order_id"`
}

type LogoffRequest struct {
	Type string `json:"type"`
}

func (r HandshakeRequest) RequestType() string          { return "handshake" }
func (r PingRequest) RequestType() string               { return "ping" }
func (r SubscribeRequest) RequestType() string          { return "subscribe" }
func (r CancelSubscriptionRequest) RequestType() string { return "cancel" }
func (r ContractDetailsRequest) RequestType() string    { return "contract_details" }
func (r PlaceOrderRequest) RequestType() string         { return "place_order" }
func (r CancelOrderRequest) RequestType() string        { return "cancel_order" }
func (r LogoffRequest) RequestType() string             { return "logoff" }

// Inbound upstream events, decoded by the session and annotated with the
// receive timestamp. ConnectionReady and ConnectionLost are synthetic.

type UpstreamEvent interface {
	ReceiveTime() time.Time
}

type EventMeta struct {
	ReceivedAt time.Time
}

func (m EventMeta) ReceiveTime() time.Time { return m.ReceivedAt }

type ConnectionReadyEvent struct {
	EventMeta
	NextOrderID int64
}

type ConnectionLostEvent struct {
	EventMeta
	Reason string
}

type TickEvent struct {
	EventMeta
	ReqID     int64
	DataType  string
	TickType  string
	Price     *float64
	Size      *float64
	Timestamp float64
}

type TradeEvent struct {
	EventMeta
	ReqID     int64
	Price     float64
	Size      float64
	Exchange  string
	Timestamp float64
}

type BidAskEvent struct {
	EventMeta
	ReqID     int64
	BidPrice  float64
	AskPrice  float64
	BidSize   float64
	AskSize   float64
	Timestamp float64
}

type OrderStatusEvent struct {
	EventMeta
	OrderID       int64
	Status        string
	Filled        decimal.Decimal
	Remaining     decimal.Decimal
	AvgFillPrice  *decimal.Decimal
	LastFillPrice *decimal.Decimal
	WhyHeld       string
}

type ContractDetailsEvent struct {
	EventMeta
	ReqID          int64
	Contract       ContractPayload
	MarketName     string
	MinTick        float64
	PriceMagnifier int64
}

type ContractDetailsEndEvent struct {
	EventMeta
	ReqID int64
}

type VendorErrorEvent struct {
	EventMeta
	ReqID   int64
	OrderID int64
	Code    int
	Message string
}

// Severity normalizes the vendor error code onto the client-facing scale:
// request-level failures below 2000 are errors, connectivity notices below
// 10000 are warnings, everything above is informational.
func (e VendorErrorEvent) Severity() ErrorSeverity {
	switch {
	case e.Code < 2000:
		return SeverityError
	case e.Code < 10000:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
