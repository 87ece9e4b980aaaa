package entity

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// BadRequestError covers every client protocol error: bad JSON, unknown
// command, missing field, invalid enum, invalid number. The connection stays
// open; the client receives an error message with code bad_request.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return e.Reason
}

func badRequest(format string, args ...any) error {
	return &BadRequestError{Reason: fmt.Sprintf(format, args...)}
}

// Inbound command variants. ParseCommand returns exactly one of these.
type (
	SubscribeCommand struct {
		Instrument Instrument
		Stream     StreamKind
	}

	UnsubscribeCommand struct {
		Symbol string
	}

	PlaceOrderCommand struct {
		Instrument Instrument
		Side       OrderSide
		Quantity   int64
		Kind       OrderKind
		Price      decimal.Decimal
		HasPrice   bool
	}

	CancelOrderCommand struct {
		OrderID int64
	}

	ContractDetailsCommand struct {
		Instrument Instrument
	}
)

type commandEnvelope struct {
	Command string `json:"command"`
}

type instrumentFields struct {
	Symbol         string `json:"symbol"`
	InstrumentType string `json:"instrument_type"`
	Exchange       string `json:"exchange"`
	Currency       string `json:"currency"`
	ContractMonth  string `json:"contract_month"`
	LastTradeDate  string `json:"last_trade_date"`
}

func (f instrumentFields) instrument() (Instrument, error) {
	if strings.TrimSpace(f.Symbol) == "" {
		return Instrument{}, badRequest("symbol is required")
	}

	kind, err := ParseInstrumentKind(f.InstrumentType)
	if err != nil {
		return Instrument{}, badRequest("%v", err)
	}

	return Instrument{
		Symbol:        f.Symbol,
		Kind:          kind,
		Exchange:      f.Exchange,
		Currency:      f.Currency,
		ContractMonth: f.ContractMonth,
		LastTradeDate: f.LastTradeDate,
	}, nil
}

type placeOrderFields struct {
	instrumentFields
	Action    string   `json:"action"`
	Quantity  int64    `json:"quantity"`
	OrderType string   `json:"order_type"`
	Price     *float64 `json:"price"`
}

type cancelOrderFields struct {
	OrderID int64 `json:"order_id"`
}

type unsubscribeFields struct {
	Symbol string `json:"symbol"`
}

// ParseCommand decodes one inbound JSON frame into a typed command. Every
// failure is a *BadRequestError; the caller maps it onto the wire.
func ParseCommand(raw []byte) (any, error) {
	var envelope commandEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, badRequest("invalid JSON message")
	}

	switch envelope.Command {
	case "subscribe_market_data":
		return parseSubscribe(raw, StreamLevel1)
	case "subscribe_time_and_sales":
		return parseSubscribe(raw, StreamTrades)
	case "subscribe_bid_ask":
		return parseSubscribe(raw, StreamQuotes)
	case "unsubscribe_market_data":
		var fields unsubscribeFields
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, badRequest("invalid unsubscribe payload")
		}
		if strings.TrimSpace(fields.Symbol) == "" {
			return nil, badRequest("symbol is required")
		}
		return UnsubscribeCommand{Symbol: strings.ToUpper(strings.TrimSpace(fields.Symbol))}, nil
	case "place_order":
		return parsePlaceOrder(raw)
	case "cancel_order":
		var fields cancelOrderFields
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, badRequest("invalid cancel_order payload")
		}
		if fields.OrderID <= 0 {
			return nil, badRequest("order_id is required")
		}
		return CancelOrderCommand{OrderID: fields.OrderID}, nil
	case "get_contract_details":
		var fields instrumentFields
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, badRequest("invalid get_contract_details payload")
		}
		instrument, err := fields.instrument()
		if err != nil {
			return nil, err
		}
		return ContractDetailsCommand{Instrument: instrument}, nil
	case "":
		return nil, badRequest("command is required")
	default:
		return nil, badRequest("unknown command: %s", envelope.Command)
	}
}

func parseSubscribe(raw []byte, stream StreamKind) (any, error) {
	var fields instrumentFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, badRequest("invalid subscribe payload")
	}

	instrument, err := fields.instrument()
	if err != nil {
		return nil, err
	}

	return SubscribeCommand{Instrument: instrument, Stream: stream}, nil
}

func parsePlaceOrder(raw []byte) (any, error) {
	var fields placeOrderFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, badRequest("invalid place_order payload")
	}

	instrument, err := fields.instrument()
	if err != nil {
		return nil, err
	}

	var side OrderSide
	switch strings.ToUpper(strings.TrimSpace(fields.Action)) {
	case string(OrderSideBuy):
		side = OrderSideBuy
	case string(OrderSideSell):
		side = OrderSideSell
	default:
		return nil, badRequest("action must be BUY or SELL")
	}

	var kind OrderKind
	switch strings.ToUpper(strings.TrimSpace(fields.OrderType)) {
	case string(OrderKindMarket), "":
		kind = OrderKindMarket
	case string(OrderKindLimit):
		kind = OrderKindLimit
	case string(OrderKindStop):
		kind = OrderKindStop
	default:
		return nil, badRequest("order_type must be MKT, LMT or STP")
	}

	if fields.Quantity <= 0 {
		return nil, badRequest("quantity must be a positive integer")
	}

	cmd := PlaceOrderCommand{
		Instrument: instrument,
		Side:       side,
		Quantity:   fields.Quantity,
		Kind:       kind,
	}

	if fields.Price != nil {
		if *fields.Price <= 0 {
			return nil, badRequest("price must be positive")
		}
		cmd.Price = decimal.NewFromFloat(*fields.Price)
		cmd.HasPrice = true
	}

	if (kind == OrderKindLimit || kind == OrderKindStop) && !cmd.HasPrice {
		return nil, badRequest("price is required for %s orders", kind)
	}

	return cmd, nil
}
