package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/busybox42/kadnode/pkg/protocol"
	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
)

// Transport accepts connections and serves request frames on them until the
// peer hangs up or goes idle.
type Transport struct {
	handler Handler
	cfg     Config
	log     logrus.FieldLogger
	limiter ratelimit.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

func NewTransport(handler Handler, cfg Config, logger logrus.FieldLogger) *Transport {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.MaxRequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.MaxRequestsPerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		handler: handler,
		cfg:     cfg,
		log:     logger,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on l until Close is called, then returns nil.
func (t *Transport) Serve(l net.Listener) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return net.ErrClosed
	}
	t.listener = l
	t.mu.Unlock()

	t.log.WithField("address", l.Addr().String()).Info("Listening for peers")
	for {
		conn, err := l.Accept()
		if err != nil {
			if t.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.log.WithError(err).Warn("Temporary accept failure")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		if !t.track(conn) {
			conn.Close()
			return nil
		}
		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

// Addr reports the listening address, or nil before Serve.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Close stops accepting, drops open connections and waits for in-flight
// requests to finish.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return err
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[conn] = struct{}{}
	return true
}

func (t *Transport) untrack(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

func (t *Transport) handleConnection(conn net.Conn) {
	defer t.wg.Done()
	defer t.untrack(conn)
	defer conn.Close()

	log := t.log.WithField("remote", conn.RemoteAddr().String())
	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			// a bad length or body leaves the stream unusable
			if !errors.Is(err, io.EOF) && !t.isClosed() {
				log.WithError(err).Debug("Dropping connection")
			}
			return
		}

		resp := t.serveFrame(frame)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := protocol.WriteFrame(conn, resp); err != nil {
			log.WithError(err).Debug("Failed to write response")
			return
		}
	}
}

func (t *Transport) serveFrame(frame *protocol.Frame) *protocol.Frame {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		return protocol.NewErrorFrame(frame.ID, frame.Type, protocol.InvalidArgument("%v", err))
	}

	t.limiter.Take()
	ctx, cancel := context.WithTimeout(t.ctx, handleTimeout)
	defer cancel()

	result, err := t.handler.Handle(ctx, req)
	if err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.Internal(err)
		}
		return protocol.NewErrorFrame(frame.ID, frame.Type, perr)
	}
	resp, err := protocol.NewResponseFrame(frame.ID, frame.Type, result)
	if err != nil {
		return protocol.NewErrorFrame(frame.ID, frame.Type, protocol.Internal(err))
	}
	return resp
}
