package upstream

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/krobus00/market-bridge/internal/config"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotReady             = errors.New("upstream session is not ready")
	ErrBackpressureExceeded = errors.New("upstream send queue is full")
	ErrSendTimeout          = errors.New("upstream send deadline exceeded")
)

type Phase string

const (
	PhaseDisconnected Phase = "Disconnected"
	PhaseConnecting   Phase = "Connecting"
	PhaseHandshaking  Phase = "Handshaking"
	PhaseReady        Phase = "Ready"
	PhaseReconnecting Phase = "Reconnecting"
	PhaseFailed       Phase = "Failed"
)

type Status struct {
	Phase       Phase
	NextOrderID int64
	ConnectedAt time.Time
	LastEventAt time.Time
	Reconnects  int64
}

// DialFunc opens the raw transport. Swappable in tests.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type outbound struct {
	payload entity.UpstreamRequest
	done    chan error
}

// Session owns the single logical connection to the upstream API. It exposes
// an outbound request sink (Send), an inbound event source (Events), and the
// current phase (Status). All reconnect and heartbeat handling lives here;
// nothing above this layer ever sees the socket.
type Session struct {
	cfg     config.UpstreamConfig
	dial    DialFunc
	metrics *infrastructure.Metrics

	events chan entity.UpstreamEvent
	sendCh chan outbound
	failed chan struct{}

	mu          sync.RWMutex
	phase       Phase
	nextOrderID int64
	connectedAt time.Time
	lastInbound time.Time
	reconnects  int64
}

func NewSession(cfg config.UpstreamConfig, metrics *infrastructure.Metrics) *Session {
	return &Session{
		cfg:     cfg,
		metrics: metrics,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: cfg.HandshakeTimeout}
			return dialer.DialContext(ctx, "tcp", addr)
		},
		events: make(chan entity.UpstreamEvent, 4096),
		sendCh: make(chan outbound, cfg.SendQueueSize),
		failed: make(chan struct{}),
		phase:  PhaseDisconnected,
	}
}

// Events returns the inbound event stream. Single consumer.
func (s *Session) Events() <-chan entity.UpstreamEvent {
	return s.events
}

// Failed is closed when the session trips to the terminal Failed phase after
// exhausting the configured reconnect attempts.
func (s *Session) Failed() <-chan struct{} {
	return s.failed
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Phase:       s.phase,
		NextOrderID: s.nextOrderID,
		ConnectedAt: s.connectedAt,
		LastEventAt: s.lastInbound,
		Reconnects:  s.reconnects,
	}
}

// Send enqueues one outbound request. Fails fast with ErrNotReady outside the
// Ready phase and ErrBackpressureExceeded when the queue is full; otherwise
// waits for the writer up to the configured send deadline.
func (s *Session) Send(ctx context.Context, req entity.UpstreamRequest) error {
	if s.Status().Phase != PhaseReady {
		return ErrNotReady
	}

	out := outbound{payload: req, done: make(chan error, 1)}
	select {
	case s.sendCh <- out:
	default:
		return ErrBackpressureExceeded
	}

	deadline := time.NewTimer(s.cfg.SendDeadline)
	defer deadline.Stop()

	select {
	case err := <-out.done:
		return err
	case <-deadline.C:
		return ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the connect/handshake/serve loop until ctx is cancelled or the
// reconnect budget is exhausted.
func (s *Session) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			s.setPhase(PhaseDisconnected)
			return
		}

		s.setPhase(PhaseConnecting)
		logrus.Infof("connecting to upstream %s", s.cfg.Addr())

		conn, err := s.dial(ctx, s.cfg.Addr())
		var reader *bufio.Reader
		if err == nil {
			// one reader for the connection's lifetime; bytes buffered during
			// the handshake stay in the stream
			reader = bufio.NewReader(conn)
			s.setPhase(PhaseHandshaking)
			err = s.handshake(conn, reader)
		}

		if err != nil {
			if conn != nil {
				_ = conn.Close()
			}
			if ctx.Err() != nil {
				s.setPhase(PhaseDisconnected)
				return
			}
			if s.giveUp(attempt) {
				return
			}

			wait := ReconnectDelay(attempt, s.cfg.ReconnectBase, s.cfg.ReconnectCap)
			attempt++
			logrus.WithFields(logrus.Fields{"retry_in": wait.String(), "attempt": attempt}).Warnf("upstream connect failed: %v", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				s.setPhase(PhaseDisconnected)
				return
			}
		}

		attempt = 0
		s.markReady()
		s.emit(ctx, entity.ConnectionReadyEvent{
			EventMeta:   entity.EventMeta{ReceivedAt: time.Now()},
			NextOrderID: s.Status().NextOrderID,
		})

		reason := s.serve(ctx, conn, reader)
		_ = conn.Close()
		s.drainSendQueue()

		if ctx.Err() != nil {
			s.setPhase(PhaseDisconnected)
			return
		}

		s.setPhase(PhaseReconnecting)
		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.UpstreamReconnects.Inc()
		}
		s.emit(ctx, entity.ConnectionLostEvent{
			EventMeta: entity.EventMeta{ReceivedAt: time.Now()},
			Reason:    reason,
		})

		if s.giveUp(attempt) {
			return
		}

		wait := ReconnectDelay(attempt, s.cfg.ReconnectBase, s.cfg.ReconnectCap)
		attempt++
		logrus.WithFields(logrus.Fields{"retry_in": wait.String(), "attempt": attempt}).Warnf("upstream connection lost: %s", reason)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.setPhase(PhaseDisconnected)
			return
		}
	}
}

func (s *Session) handshake(conn net.Conn, reader *bufio.Reader) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if err := writeFrame(conn, entity.HandshakeRequest{Type: "handshake", ClientID: 1}); err != nil {
		return err
	}

	for {
		payload, err := readFrame(reader)
		if err != nil {
			return err
		}

		decoded, err := decodeEvent(payload, time.Now())
		if err != nil {
			logrus.Warnf("dropping undecodable frame during handshake: %v", err)
			continue
		}

		ack, ok := decoded.(handshakeAck)
		if !ok {
			continue
		}

		s.mu.Lock()
		s.nextOrderID = ack.NextOrderID
		s.mu.Unlock()
		logrus.Infof("upstream handshake complete, next order id %d", ack.NextOrderID)
		return nil
	}
}

// serve pumps frames both ways until the connection dies, then reports why.
func (s *Session) serve(ctx context.Context, conn net.Conn, reader *bufio.Reader) string {
	stop := make(chan struct{})
	defer close(stop)

	var closeReason sync.Once
	reason := "read error"
	setReason := func(r string) {
		closeReason.Do(func() { reason = r })
	}

	go s.writeLoop(conn, stop, setReason)
	go s.heartbeatLoop(conn, stop, setReason)

	go func() {
		select {
		case <-ctx.Done():
			setReason("shutdown")
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		payload, err := readFrame(reader)
		if err != nil {
			setReason("transport error: " + err.Error())
			return reason
		}

		s.touchInbound()

		decoded, err := decodeEvent(payload, time.Now())
		if err != nil {
			logrus.Warnf("dropping undecodable frame: %v", err)
			continue
		}

		switch ev := decoded.(type) {
		case pongFrame:
			// inbound timestamp already refreshed
		case handshakeAck:
			s.mu.Lock()
			s.nextOrderID = ev.NextOrderID
			s.mu.Unlock()
		case entity.UpstreamEvent:
			s.emit(ctx, ev)
		}
	}
}

func (s *Session) writeLoop(conn net.Conn, stop <-chan struct{}, setReason func(string)) {
	for {
		select {
		case out := <-s.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.SendDeadline))
			err := writeFrame(conn, out.payload)
			out.done <- err
			if err != nil {
				setReason("write error: " + err.Error())
				_ = conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

// heartbeatLoop sends a protocol ping when the link has been idle and forces
// a reconnect when the pong never arrives.
func (s *Session) heartbeatLoop(conn net.Conn, stop <-chan struct{}, setReason func(string)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var pingSentAt time.Time

	for {
		select {
		case <-ticker.C:
			idleFor := time.Since(s.lastInboundAt())
			if idleFor >= s.cfg.IdleTimeout+s.cfg.PongTimeout {
				setReason("heartbeat timeout")
				_ = conn.Close()
				return
			}

			if idleFor >= s.cfg.IdleTimeout && time.Since(pingSentAt) >= s.cfg.PongTimeout {
				select {
				case s.sendCh <- outbound{payload: entity.PingRequest{Type: "ping"}, done: make(chan error, 1)}:
					pingSentAt = time.Now()
				default:
				}
			}
		case <-stop:
			return
		}
	}
}

func (s *Session) emit(ctx context.Context, ev entity.UpstreamEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) drainSendQueue() {
	for {
		select {
		case out := <-s.sendCh:
			out.done <- ErrNotReady
		default:
			return
		}
	}
}

func (s *Session) giveUp(attempt int) bool {
	if s.cfg.MaxReconnectAttempts <= 0 || attempt < s.cfg.MaxReconnectAttempts {
		return false
	}

	logrus.Errorf("upstream reconnect budget exhausted after %d attempts", attempt)
	s.setPhase(PhaseFailed)
	close(s.failed)
	return true
}

func (s *Session) setPhase(phase Phase) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

func (s *Session) markReady() {
	now := time.Now()
	s.mu.Lock()
	s.phase = PhaseReady
	s.connectedAt = now
	s.lastInbound = now
	s.mu.Unlock()
}

func (s *Session) touchInbound() {
	s.mu.Lock()
	s.lastInbound = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastInboundAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastInbound
}

// Logoff tells the upstream we are going away. Best effort; used on shutdown.
func (s *Session) Logoff(ctx context.Context) {
	if err := s.Send(ctx, entity.LogoffRequest{Type: "logoff"}); err != nil && !errors.Is(err, ErrNotReady) {
		logrus.Warnf("upstream logoff failed: %v", err)
	}
}

// ReconnectDelay is the reconnect backoff schedule: min(base·2^n, cap).
// Successive delays are non-decreasing and reset after a successful handshake.
func ReconnectDelay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}

	return delay
}
