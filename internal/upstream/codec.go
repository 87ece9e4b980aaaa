package upstream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/shopspring/decimal"
)

// The upstream wire protocol frames each message as a 4-byte big-endian
// length prefix followed by one JSON document with a type discriminator.

const maxFrameSize = 1 << 20

func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size: %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return payload, nil
}

type wireEvent struct {
	Type        string                 `json:"type"`
	NextOrderID int64                  `json:"next_order_id"`
	ReqID       int64                  `json:"req_id"`
	OrderID     int64                  `json:"order_id"`
	DataType    string                 `json:"data_type"`
	TickType    string                 `json:"tick_type"`
	Price       *float64               `json:"price"`
	Size        *float64               `json:"size"`
	BidPrice    float64                `json:"bid_price"`
	AskPrice    float64                `json:"ask_price"`
	BidSize     float64                `json:"bid_size"`
	AskSize     float64                `json:"ask_size"`
	Exchange    string                 `json:"exchange"`
	Status      string                 `json:"status"`
	Filled      decimal.Decimal        `json:"filled"`
	Remaining   decimal.Decimal        `json:"remaining"`
	AvgPrice    *decimal.Decimal       `json:"avg_fill_price"`
	LastPrice   *decimal.Decimal       `json:"last_fill_price"`
	WhyHeld     string                 `json:"why_held"`
	Contract    entity.ContractPayload `json:"contract"`
	MarketName  string                 `json:"market_name"`
	MinTick     float64                `json:"min_tick"`
	Magnifier   int64                  `json:"price_magnifier"`
	Code        int                    `json:"code"`
	Message     string                 `json:"message"`
	Timestamp   float64                `json:"timestamp"`
}

// decodeEvent turns one inbound frame into a typed event annotated with the
// receive timestamp. handshake_ack and pong are session-internal and are
// returned as-is for the session loop to consume.
func decodeEvent(payload []byte, receivedAt time.Time) (any, error) {
	var wire wireEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	meta := entity.EventMeta{ReceivedAt: receivedAt}

	switch wire.Type {
	case "handshake_ack":
		return handshakeAck{NextOrderID: wire.NextOrderID}, nil
	case "pong":
		return pongFrame{}, nil
	case "tick":
		return entity.TickEvent{
			EventMeta: meta,
			ReqID:     wire.ReqID,
			DataType:  wire.DataType,
			TickType:  wire.TickType,
			Price:     wire.Price,
			Size:      wire.Size,
			Timestamp: wire.Timestamp,
		}, nil
	case "trade":
		var price, size float64
		if wire.Price != nil {
			price = *wire.Price
		}
		if wire.Size != nil {
			size = *wire.Size
		}
		return entity.TradeEvent{
			EventMeta: meta,
			ReqID:     wire.ReqID,
			Price:     price,
			Size:      size,
			Exchange:  wire.Exchange,
			Timestamp: wire.Timestamp,
		}, nil
	case "bid_ask":
		return entity.BidAskEvent{
			EventMeta: meta,
			ReqID:     wire.ReqID,
			BidPrice:  wire.BidPrice,
			AskPrice:  wire.AskPrice,
			BidSize:   wire.BidSize,
			AskSize:   wire.AskSize,
			Timestamp: wire.Timestamp,
		}, nil
	case "order_status":
		return entity.OrderStatusEvent{
			EventMeta:     meta,
			OrderID:       wire.OrderID,
			Status:        wire.Status,
			Filled:        wire.Filled,
			Remaining:     wire.Remaining,
			AvgFillPrice:  wire.AvgPrice,
			LastFillPrice: wire.LastPrice,
			WhyHeld:       wire.WhyHeld,
		}, nil
	case "contract_details":
		return entity.ContractDetailsEvent{
			EventMeta:      meta,
			ReqID:          wire.ReqID,
			Contract:       wire.Contract,
			MarketName:     wire.MarketName,
			MinTick:        wire.MinTick,
			PriceMagnifier: wire.Magnifier,
		}, nil
	case "contract_details_end":
		return entity.ContractDetailsEndEvent{EventMeta: meta, ReqID: wire.ReqID}, nil
	case "error":
		return entity.VendorErrorEvent{
			EventMeta: meta,
			ReqID:     wire.ReqID,
			OrderID:   wire.OrderID,
			Code:      wire.Code,
			Message:   wire.Message,
		}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", wire.Type)
	}
}

type handshakeAck struct {
	NextOrderID int64
}

type pongFrame struct{}
