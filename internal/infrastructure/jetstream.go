package infrastructure

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/krobus00/market-bridge/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	tapConnectTimeout = 5 * time.Second
	tapDrainTimeout   = 10 * time.Second
	tapReconnectWait  = 2 * time.Second
)

// ConnectTap opens the NATS connection backing the optional market data tap.
//
// The tap is a best-effort observer, so its failure policy is deliberately
// lazy: the nats client reconnects on its own flat schedule, ticks published
// during a gap are lost, and the bridge keeps serving WebSocket clients
// throughout. The strict no-jitter backoff bound lives on the upstream
// session, where ordering and bounds are contractual; none of that applies
// here.
func ConnectTap(cfg config.NatsJetstreamConfig) (*nats.Conn, nats.JetStreamContext, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, nil, errors.New("nats jetstream url is required")
	}

	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = tapReconnectWait
	}

	maxReconnects := cfg.MaxRetries
	if maxReconnects == 0 {
		// a dead tap should never require a bridge restart
		maxReconnects = -1
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("market-bridge"),
		nats.Timeout(tapConnectTimeout),
		nats.DrainTimeout(tapDrainTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, disErr error) {
			logrus.Warnf("market data tap disconnected: %v", disErr)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logrus.Infof("market data tap reconnected: %s", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream(nats.MaxWait(tapConnectTimeout))
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	logrus.WithField("url", cfg.URL).Info("market data tap connected")

	return nc, js, nil
}

// CloseTap drains pending tap publishes before closing the connection.
func CloseTap(nc *nats.Conn) error {
	if nc == nil {
		return nil
	}

	err := nc.Drain()
	nc.Close()
	if err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}

	return nil
}
