package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string
type OrderKind string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderKindMarket OrderKind = "MKT"
	OrderKindLimit  OrderKind = "LMT"
	OrderKindStop   OrderKind = "STP"
)

type OrderState string

const (
	OrderPendingSubmit   OrderState = "PendingSubmit"
	OrderSubmitted       OrderState = "Submitted"
	OrderPartiallyFilled OrderState = "PartiallyFilled"
	OrderFilled          OrderState = "Filled"
	OrderCancelled       OrderState = "Cancelled"
	OrderRejected        OrderState = "Rejected"
)

func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Order is one client order. Records are kept in process for audit and
// garbage collected after a configurable age once terminal.
type Order struct {
	OrderID       int64
	ClientID      string
	Instrument    Instrument
	Side          OrderSide
	Quantity      decimal.Decimal
	Kind          OrderKind
	Price         decimal.Decimal
	State         OrderState
	FilledQty     decimal.Decimal
	RemainingQty  decimal.Decimal
	AvgFillPrice  *decimal.Decimal
	LastFillPrice *decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderStateFromStatus maps an upstream order status string onto the local
// state machine. Unknown statuses leave the state untouched.
func OrderStateFromStatus(status string, filled, remaining decimal.Decimal) (OrderState, bool) {
	switch status {
	case "PendingSubmit", "PreSubmitted":
		return OrderPendingSubmit, true
	case "Submitted", "ApiPending", "PendingCancel":
		if filled.GreaterThan(decimal.Zero) && remaining.GreaterThan(decimal.Zero) {
			return OrderPartiallyFilled, true
		}
		return OrderSubmitted, true
	case "Filled":
		if remaining.GreaterThan(decimal.Zero) {
			return OrderPartiallyFilled, true
		}
		return OrderFilled, true
	case "Cancelled", "ApiCancelled":
		return OrderCancelled, true
	case "Rejected", "Inactive":
		return OrderRejected, true
	default:
		return "", false
	}
}
