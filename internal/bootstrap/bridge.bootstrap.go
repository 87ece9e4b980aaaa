package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/krobus00/market-bridge/internal/config"
	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/infrastructure"
	"github.com/krobus00/market-bridge/internal/repository"
	"github.com/krobus00/market-bridge/internal/service/hub"
	"github.com/krobus00/market-bridge/internal/service/marketdata"
	"github.com/krobus00/market-bridge/internal/service/order"
	"github.com/krobus00/market-bridge/internal/service/router"
	"github.com/krobus00/market-bridge/internal/service/subscription"
	"github.com/krobus00/market-bridge/internal/upstream"
	"github.com/krobus00/market-bridge/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// StartBridge wires the components in dependency order — allocator, routing
// tables, upstream session, event router, subscription and order managers,
// client hub — and tears them down in reverse on shutdown.
func StartBridge(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := infrastructure.NewMetrics()
	allocator := upstream.NewIDAllocator()
	routes := repository.NewRoutingRepository()

	session := upstream.NewSession(config.Env.Upstream, metrics)

	subService := subscription.NewService(routes, session, allocator, metrics)
	orderService := order.NewService(routes, session, allocator, metrics, config.Env.Order.Retention, config.Env.Order.GCInterval)

	clientHub := hub.NewHub(config.Env.WS, subService, orderService, metrics)
	subService.SetSink(clientHub)

	eventRouter := router.New(session, routes, subService, orderService, clientHub, allocator, metrics)

	var nc *nats.Conn
	if config.Env.NatsJetstream.Enabled() {
		conn, js, err := infrastructure.ConnectTap(config.Env.NatsJetstream)
		util.ContinueOrFatal(err)
		nc = conn

		tap := marketdata.NewTap(js)
		util.ContinueOrFatal(tap.StreamInit(ctx))
		eventRouter.SetTap(tap)
	}

	session.Start(ctx)
	go eventRouter.Run(ctx)
	orderService.StartGC(ctx)

	wsServer := &http.Server{
		Addr:    config.Env.WS.Addr(),
		Handler: clientHub,
	}
	go func() {
		logrus.WithField("addr", wsServer.Addr).Info("websocket server starting")
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("websocket server failed: %v", err)
		}
	}()

	httpServer := infrastructure.NewHTTPServer(infrastructure.HTTPServerConfig{Addr: config.Env.HTTP.Addr},
		infrastructure.NewBridgeMux(func() map[string]any {
			status := session.Status()
			return map[string]any{
				"upstream_phase":     string(status.Phase),
				"upstream_reconnect": status.Reconnects,
				"next_order_id":      status.NextOrderID,
				"clients":            clientHub.ClientCount(),
				"subscriptions":      subService.Snapshot(),
				"orders":             orderService.Snapshot(),
				"routing":            routes.Snapshot(),
			}
		}, metrics, config.Env.HTTP.StaticDir))
	go func() {
		if err := httpServer.Start(); err != nil {
			logrus.Fatalf("http server failed: %v", err)
		}
	}()

	// a terminal upstream phase is an operator problem, not something to hide
	go func() {
		select {
		case <-session.Failed():
			logrus.Error("upstream session failed permanently, exiting")
			os.Exit(constant.ExitFatalUpstream)
		case <-ctx.Done():
		}
	}()

	awaitShutdown(config.Env.GracefulShutdownTimeout, []shutdownStep{
		{name: "websocket clients", op: func(ctx context.Context) error {
			if err := clientHub.Shutdown(ctx); err != nil {
				return err
			}
			return wsServer.Shutdown(ctx)
		}},
		{name: "http server", op: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		}},
		{name: "market data tap", op: func(ctx context.Context) error {
			return infrastructure.CloseTap(nc)
		}},
		{name: "upstream session", op: func(ctx context.Context) error {
			session.Logoff(ctx)
			cancel()
			return nil
		}},
	})
}
