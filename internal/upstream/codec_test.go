package upstream

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := entity.SubscribeRequest{
		Type:   "subscribe",
		ReqID:  7,
		Stream: entity.StreamLevel1,
		Contract: entity.ContractRequest{
			Symbol:   "AAPL",
			SecType:  "STK",
			Exchange: "SMART",
			Currency: "USD",
		},
	}
	require.NoError(t, writeFrame(&buf, req))

	payload, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"req_id":7`)
	assert.Contains(t, string(payload), `"symbol":"AAPL"`)
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	buf := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := readFrame(bufio.NewReader(buf))
	require.Error(t, err)
}

func TestDecodeTickEvent(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"type":"tick","req_id":1,"data_type":"price","tick_type":"last","price":150.25,"timestamp":1723000000.5}`)

	decoded, err := decodeEvent(payload, now)
	require.NoError(t, err)

	tick, ok := decoded.(entity.TickEvent)
	require.True(t, ok)
	assert.Equal(t, int64(1), tick.ReqID)
	assert.Equal(t, "price", tick.DataType)
	assert.Equal(t, "last", tick.TickType)
	require.NotNil(t, tick.Price)
	assert.Equal(t, 150.25, *tick.Price)
	assert.Nil(t, tick.Size)
	assert.Equal(t, now, tick.ReceiveTime())
}

func TestDecodeOrderStatusEvent(t *testing.T) {
	payload := []byte(`{"type":"order_status","order_id":1001,"status":"Filled","filled":100,"remaining":0,"avg_fill_price":150.0}`)

	decoded, err := decodeEvent(payload, time.Now())
	require.NoError(t, err)

	status, ok := decoded.(entity.OrderStatusEvent)
	require.True(t, ok)
	assert.Equal(t, int64(1001), status.OrderID)
	assert.Equal(t, "Filled", status.Status)
	assert.Equal(t, "100", status.Filled.String())
	require.NotNil(t, status.AvgFillPrice)
	assert.Equal(t, "150", status.AvgFillPrice.String())
}

func TestDecodeHandshakeAndPong(t *testing.T) {
	decoded, err := decodeEvent([]byte(`{"type":"handshake_ack","next_order_id":42}`), time.Now())
	require.NoError(t, err)
	ack, ok := decoded.(handshakeAck)
	require.True(t, ok)
	assert.Equal(t, int64(42), ack.NextOrderID)

	decoded, err = decodeEvent([]byte(`{"type":"pong"}`), time.Now())
	require.NoError(t, err)
	_, ok = decoded.(pongFrame)
	require.True(t, ok)
}

func TestDecodeUnknownEventFails(t *testing.T) {
	_, err := decodeEvent([]byte(`{"type":"mystery"}`), time.Now())
	require.Error(t, err)
}

func TestDecodeVendorErrorSeverity(t *testing.T) {
	decoded, err := decodeEvent([]byte(`{"type":"error","req_id":3,"code":200,"message":"No security definition"}`), time.Now())
	require.NoError(t, err)

	vendorErr, ok := decoded.(entity.VendorErrorEvent)
	require.True(t, ok)
	assert.Equal(t, entity.SeverityError, vendorErr.Severity())

	vendorErr.Code = 2104
	assert.Equal(t, entity.SeverityWarning, vendorErr.Severity())

	vendorErr.Code = 10167
	assert.Equal(t, entity.SeverityInfo, vendorErr.Severity())
}
