package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dantte-lp/gotc/internal/protocol"
	"github.com/dantte-lp/gotc/internal/session"
	"github.com/dantte-lp/gotc/internal/timecode"
)

// writeTimeout bounds a single message write. A client that cannot
// accept one message within this window is torn down.
const writeTimeout = 10 * time.Second

// flushTimeout bounds the best-effort drain of already-queued
// messages during teardown.
const flushTimeout = time.Second

// -------------------------------------------------------------------------
// Client Connection
// -------------------------------------------------------------------------

// clientConn is one accepted TCP connection: a read loop decoding and
// dispatching requests, and a writer goroutine draining the bounded
// send queue. It implements session.Outbound.
type clientConn struct {
	id       string
	conn     net.Conn
	registry *session.Registry

	sendCh    chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once

	maxLine int
	logger  *slog.Logger
	metrics session.MetricsReporter
}

func newClientConn(id string, conn net.Conn, reg *session.Registry, sendBuffer, maxLine int, logger *slog.Logger, metrics session.MetricsReporter) *clientConn {
	return &clientConn{
		id:       id,
		conn:     conn,
		registry: reg,
		sendCh:   make(chan protocol.Message, sendBuffer),
		closed:   make(chan struct{}),
		maxLine:  maxLine,
		logger: logger.With(
			slog.String("client", id[:8]),
			slog.String("remote", conn.RemoteAddr().String())),
		metrics: metrics,
	}
}

// ClientID implements session.Outbound.
func (c *clientConn) ClientID() string { return c.id }

// Enqueue implements session.Outbound: non-blocking offer to the send
// queue.
func (c *clientConn) Enqueue(msg protocol.Message) bool {
	select {
	case c.sendCh <- msg:
		return true
	default:
		return false
	}
}

// Kick implements session.Outbound: asynchronous teardown. The writer
// flushes what is already queued, then closes the socket, which in
// turn unblocks the read loop.
func (c *clientConn) Kick() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// run services the connection until either side fails or the server
// shuts down. It returns only after the writer goroutine has exited.
func (c *clientConn) run(ctx context.Context) {
	defer func() {
		c.registry.RemoveClient(c.id)

		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("close connection", slog.String("error", err.Error()))
		}
	}()

	c.logger.Info("client connected")

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	// The greeting always fits in a fresh queue.
	c.Enqueue(protocol.NewWelcome(c.id, timecode.RateKeys()))
	c.metrics.MessageSent("welcome")

	c.readLoop()
	c.Kick()
	wg.Wait()

	c.logger.Info("client disconnected")
}

// -------------------------------------------------------------------------
// Writer
// -------------------------------------------------------------------------

// writeLoop drains the send queue onto the socket. On teardown it
// flushes messages that were queued before the close, then closes the
// socket to unblock the reader.
func (c *clientConn) writeLoop(ctx context.Context) {
	defer func() {
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("close connection", slog.String("error", err.Error()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.flush()

			return
		case <-c.closed:
			c.flush()

			return
		case msg := <-c.sendCh:
			if err := c.writeMessage(msg, writeTimeout); err != nil {
				c.logger.Debug("write failed", slog.String("error", err.Error()))
				c.Kick()

				return
			}
		}
	}
}

// flush performs a best-effort write of messages already in the queue.
func (c *clientConn) flush() {
	deadline := time.Now().Add(flushTimeout)

	for {
		select {
		case msg := <-c.sendCh:
			if err := c.writeMessage(msg, time.Until(deadline)); err != nil {
				return
			}
		default:
			return
		}
	}
}

// writeMessage encodes and writes one message with a deadline.
func (c *clientConn) writeMessage(msg protocol.Message, timeout time.Duration) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	_, err = c.conn.Write(data)

	return err
}

// -------------------------------------------------------------------------
// Reader & Dispatch
// -------------------------------------------------------------------------

// readLoop decodes request lines and dispatches them until the
// connection fails or an unrecoverable framing error occurs.
func (c *clientConn) readLoop() {
	reader := protocol.NewLineReader(c.conn, c.maxLine)

	for {
		line, err := reader.Next()

		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrLineTooLong):
			// Tell the client why, then drop the connection: the
			// stream cannot be re-synchronized past an oversized line.
			c.sendError(protocol.KindMessageTooLarge, protocol.ErrLineTooLong.Error())

			return
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return
		default:
			c.logger.Debug("read failed", slog.String("error", err.Error()))

			return
		}

		if len(line) == 0 {
			continue
		}

		req, err := protocol.DecodeRequest(line)
		if err != nil {
			c.sendError(protocol.KindBadRequest, err.Error())

			continue
		}

		c.dispatch(req)
	}
}

// dispatch executes one decoded request against the registry.
func (c *clientConn) dispatch(req protocol.Request) {
	switch req := req.(type) {
	case *protocol.CreateSession:
		c.handleCreate(req)
	case *protocol.JoinSession:
		c.handleJoin(req)
	case *protocol.LeaveSession:
		c.handleLeave()
	case *protocol.StartTimecode:
		c.handleStart()
	case *protocol.StopTimecode:
		c.handleStop()
	case *protocol.ResetTimecode:
		c.handleReset(req)
	default:
		// Unreachable: DecodeRequest only returns the types above.
		c.sendError(protocol.KindInternalError, "unhandled request type")
	}
}

func (c *clientConn) handleCreate(req *protocol.CreateSession) {
	snap, err := c.registry.CreateSession(c, req.Framerate, req.InitialTimecode)
	if err != nil {
		c.sendError(errorKind(err), err.Error())

		return
	}

	c.reply(protocol.NewSessionCreated(snap.ID, snap.Framerate, snap.Timecode))
}

func (c *clientConn) handleJoin(req *protocol.JoinSession) {
	// The session sends session_joined itself, under its lock, so no
	// update can slip in ahead of the confirmation.
	if _, err := c.registry.JoinSession(c, req.SessionID); err != nil {
		c.sendError(errorKind(err), err.Error())
	}
}

func (c *clientConn) handleLeave() {
	if err := c.registry.LeaveSession(c); err != nil {
		c.sendError(errorKind(err), err.Error())
	}
}

func (c *clientConn) handleStart() {
	sess, err := c.registry.SessionFor(c)
	if err != nil {
		c.sendError(errorKind(err), err.Error())

		return
	}

	if snap, started := sess.Start(); !started {
		// Already running: the start broadcast went out earlier, so
		// acknowledge just this requester.
		c.reply(protocol.NewTimecodeStarted(snap.Timecode))
	}
}

func (c *clientConn) handleStop() {
	sess, err := c.registry.SessionFor(c)
	if err != nil {
		c.sendError(errorKind(err), err.Error())

		return
	}

	if snap, stopped := sess.Stop(); !stopped {
		c.reply(protocol.NewTimecodeStopped(snap.Timecode))
	}
}

func (c *clientConn) handleReset(req *protocol.ResetTimecode) {
	sess, err := c.registry.SessionFor(c)
	if err != nil {
		c.sendError(errorKind(err), err.Error())

		return
	}

	target := req.Timecode
	if target == "" {
		target = "00:00:00:00"
	}

	frame, err := timecode.Parse(target, sess.Rate())
	if err != nil {
		c.sendError(errorKind(err), err.Error())

		return
	}

	sess.Reset(frame)
}

// reply queues a direct response, applying the slow-consumer policy
// on overflow.
func (c *clientConn) reply(msg protocol.Message) {
	if c.Enqueue(msg) {
		c.metrics.MessageSent(msg.MessageType())

		return
	}

	c.logger.Warn("send queue full, dropping client")
	c.metrics.SlowConsumerDropped()
	c.Kick()
}

// sendError queues an error reply.
func (c *clientConn) sendError(kind, message string) {
	c.metrics.RequestFailed(kind)
	c.reply(protocol.NewError(kind, message))
}

// errorKind maps registry and timecode errors onto wire error kinds.
func errorKind(err error) string {
	switch {
	case errors.Is(err, timecode.ErrUnknownRate):
		return protocol.KindUnknownFramerate
	case errors.Is(err, timecode.ErrBadFormat),
		errors.Is(err, timecode.ErrFieldRange),
		errors.Is(err, timecode.ErrDroppedLabel):
		return protocol.KindInvalidTimecode
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.KindSessionNotFound
	case errors.Is(err, session.ErrNotInSession):
		return protocol.KindNotInSession
	default:
		return protocol.KindInternalError
	}
}
