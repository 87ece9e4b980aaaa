package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

type shutdownStep struct {
	name string
	op   func(ctx context.Context) error
}

// awaitShutdown blocks until a termination signal, then runs the steps
// strictly in order under one shared deadline. Order is load-bearing:
// WebSocket clients close first so no command is mid-dispatch when the
// managers stop, and the upstream session goes last so cancels issued by the
// client teardown can still reach the wire.
func awaitShutdown(timeout time.Duration, steps []shutdownStep) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	<-sig

	logrus.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		for _, step := range steps {
			if ctx.Err() != nil {
				return
			}

			logrus.Infof("stopping %s", step.name)
			if err := step.op(ctx); err != nil {
				logrus.Errorf("%s shutdown failed: %v", step.name, err)
				continue
			}
			logrus.Infof("%s stopped", step.name)
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logrus.Errorf("shutdown timed out after %s, forcing exit", timeout)
	}
}
