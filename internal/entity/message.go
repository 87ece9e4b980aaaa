package entity

import (
	"time"

	"github.com/guregu/null/v6"
)

// Outbound WebSocket messages. Every variant carries a type discriminator and
// a UNIX-seconds timestamp (fractional).

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusShuttingDown ConnectionStatus = "shutting_down"
)

type ConnectionStatusMessage struct {
	Type        string           `json:"type"`
	Status      ConnectionStatus `json:"status"`
	NextOrderID null.Int         `json:"next_order_id,omitempty"`
	Timestamp   float64          `json:"timestamp"`
}

type MarketDataMessage struct {
	Type      string     `json:"type"`
	Symbol    string     `json:"symbol"`
	ReqID     int64      `json:"req_id"`
	DataType  string     `json:"data_type"`
	TickType  string     `json:"tick_type"`
	Price     null.Float `json:"price,omitempty"`
	Size      null.Float `json:"size,omitempty"`
	Timestamp float64    `json:"timestamp"`
}

type TimeAndSalesMessage struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	ReqID     int64   `json:"req_id"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Exchange  string  `json:"exchange,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

type BidAskTickMessage struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	ReqID     int64   `json:"req_id"`
	BidPrice  float64 `json:"bid_price"`
	AskPrice  float64 `json:"ask_price"`
	BidSize   float64 `json:"bid_size"`
	AskSize   float64 `json:"ask_size"`
	Timestamp float64 `json:"timestamp"`
}

type OrderStatusMessage struct {
	Type          string     `json:"type"`
	OrderID       int64      `json:"order_id"`
	Status        string     `json:"status"`
	Filled        float64    `json:"filled"`
	Remaining     float64    `json:"remaining"`
	AvgFillPrice  null.Float `json:"avg_fill_price,omitempty"`
	LastFillPrice null.Float `json:"last_fill_price,omitempty"`
	WhyHeld       string     `json:"why_held,omitempty"`
	Timestamp     float64    `json:"timestamp"`
}

type ContractPayload struct {
	Symbol        string `json:"symbol"`
	SecType       string `json:"sec_type"`
	Exchange      string `json:"exchange"`
	Currency      string `json:"currency"`
	LocalSymbol   string `json:"local_symbol,omitempty"`
	TradingClass  string `json:"trading_class,omitempty"`
	ConID         int64  `json:"con_id,omitempty"`
	Multiplier    string `json:"multiplier,omitempty"`
	LastTradeDate string `json:"last_trade_date,omitempty"`
}

type ContractDetailsMessage struct {
	Type           string          `json:"type"`
	ReqID          int64           `json:"req_id"`
	Contract       ContractPayload `json:"contract"`
	MarketName     string          `json:"market_name"`
	MinTick        float64         `json:"min_tick"`
	PriceMagnifier int64           `json:"price_magnifier,omitempty"`
	Timestamp      float64         `json:"timestamp"`
}

type ContractDetailsEndMessage struct {
	Type      string  `json:"type"`
	ReqID     int64   `json:"req_id"`
	Timestamp float64 `json:"timestamp"`
}

type ErrorSeverity string

const (
	SeverityError   ErrorSeverity = "ERROR"
	SeverityWarning ErrorSeverity = "WARNING"
	SeverityInfo    ErrorSeverity = "INFO"
)

type ErrorMessage struct {
	Type        string        `json:"type"`
	Severity    ErrorSeverity `json:"severity"`
	ErrorCode   string        `json:"error_code"`
	ErrorString string        `json:"error_string"`
	ReqID       null.Int      `json:"req_id,omitempty"`
	OrderID     null.Int      `json:"order_id,omitempty"`
	Timestamp   float64       `json:"timestamp"`
}

// UnixSeconds renders a timestamp the way the wire protocol wants it.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func NewConnectionStatusMessage(status ConnectionStatus, nextOrderID int64) ConnectionStatusMessage {
	msg := ConnectionStatusMessage{
		Type:      "connection_status",
		Status:    status,
		Timestamp: UnixSeconds(time.Now()),
	}
	if nextOrderID > 0 {
		msg.NextOrderID = null.IntFrom(nextOrderID)
	}
	return msg
}

func NewErrorMessage(severity ErrorSeverity, code, message string) ErrorMessage {
	return ErrorMessage{
		Type:        "error",
		Severity:    severity,
		ErrorCode:   code,
		ErrorString: message,
		Timestamp:   UnixSeconds(time.Now()),
	}
}
