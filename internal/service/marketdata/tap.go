package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Tap publishes normalized market data messages to a JetStream stream so
// out-of-process consumers can observe the same feed the WebSocket clients
// see. Entirely optional; the bridge runs without it.
type Tap struct {
	js nats.JetStreamContext
}

func NewTap(js nats.JetStreamContext) *Tap {
	return &Tap{js: js}
}

// StreamInit ensures the tap stream exists with the bridge's ephemeral
// profile: in memory, five minutes of retention, one replica. The stream
// holds a rolling window for live observers, never history, so a restart
// that wipes it loses nothing anyone is entitled to.
func (t *Tap) StreamInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.MarketDataStreamName,
		Subjects:  []string{constant.MarketDataStreamSubjectAll},
		Storage:   nats.MemoryStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    5 * time.Minute,
		Replicas:  1,
	}

	_, err := t.js.AddStream(streamConfig, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		// a leftover stream from a previous run; bring it onto this config
		_, err = t.js.UpdateStream(streamConfig, nats.Context(ctx))
	}
	if err != nil {
		return fmt.Errorf("init %s stream: %w", constant.MarketDataStreamName, err)
	}

	logrus.Infof("stream %s is ready", constant.MarketDataStreamName)

	return nil
}

// Publish forwards one market data message. Failures are logged and swallowed;
// the tap never blocks the routing path.
func (t *Tap) Publish(symbol string, msg any) {
	if t == nil || t.js == nil {
		return
	}

	if err := util.PublishEvent(t.js, constant.GetMarketDataStreamSubject(symbol), msg); err != nil {
		logrus.Warnf("market data tap publish failed: %v", err)
	}
}
