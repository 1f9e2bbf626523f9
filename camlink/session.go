package camlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hypoxic/insta360-ble-api/internal/pool"
	"github.com/hypoxic/insta360-ble-api/logger"
)

// NotificationHandler is invoked for unsolicited camera frames whose message type
// it was registered for.
//
// Handlers run on the session's notification worker, one frame at a time. Take
// care with long-running implementations: a slow handler delays dispatch of later
// notifications.
type NotificationHandler func(s *Session, frame *Frame)

// minExpireInterval bounds how often the response timeout sweep runs.
const minExpireInterval = 50 * time.Millisecond

// Session is the public entry point of the engine. It owns exactly one Transport,
// the pending-request table, and the worker goroutines for its lifetime.
//
// A Session is single use: Open may be called once, and after Close the session
// and its transport are dead. Recovery from a dropped link means creating a new
// Session on a new Transport.
type Session struct {
	pctx      context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc
	cfg       *Config
	logger    logger.Logger

	transport Transport
	stateMgr  *ConnStateMgr
	taskMgr   *TaskManager
	seq       *Sequencer
	asm       *Reassembler

	sendMu     sync.Mutex // serializes seq assignment + enqueue so wire order equals call order
	sendChan   chan *Frame
	notifyChan chan *Frame

	handlerMu sync.RWMutex
	handlers  map[uint16][]NotificationHandler

	shutdown     atomic.Bool
	teardownOnce sync.Once
	teardownDone chan struct{}

	metrics SessionMetrics
}

// NewSession creates a Session over the given transport with the given context and
// configuration. The transport must be unconnected and must not be shared with any
// other session.
func NewSession(ctx context.Context, cfg *Config, transport Transport) (*Session, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	if transport == nil {
		return nil, ErrTransportNil
	}

	s := &Session{
		pctx:         ctx,
		cfg:          cfg,
		logger:       cfg.Logger(),
		transport:    transport,
		seq:          NewSequencer(cfg.Logger()),
		asm:          NewReassembler(),
		sendChan:     make(chan *Frame, cfg.SendQueueSize()),
		notifyChan:   make(chan *Frame, cfg.NotifyQueueSize()),
		handlers:     make(map[uint16][]NotificationHandler),
		taskMgr:      NewTaskManager(ctx, cfg.Logger()),
		teardownDone: make(chan struct{}),
	}

	s.ctx, s.ctxCancel = context.WithCancel(ctx)
	s.stateMgr = NewConnStateMgr(ctx, cfg.Logger(), s.connStateHandler)

	return s, nil
}

// State returns the current session state.
func (s *Session) State() ConnState {
	return s.stateMgr.State()
}

// Metrics returns the metrics associated with the session.
func (s *Session) Metrics() *SessionMetrics {
	return &s.metrics
}

// PendingCount returns the number of requests currently awaiting a response.
func (s *Session) PendingCount() int {
	return s.seq.PendingCount()
}

// AddConnStateChangeHandler adds one or more ConnStateChangeHandler functions to be
// invoked when the session state changes.
func (s *Session) AddConnStateChangeHandler(handlers ...ConnStateChangeHandler) {
	s.stateMgr.AddHandler(handlers...)
}

// AddNotificationHandler registers one or more handlers for unsolicited frames
// carrying the given message type. An unsolicited frame whose type has no handler
// is dropped with a logged warning.
func (s *Session) AddNotificationHandler(msgType uint16, handlers ...NotificationHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()

	s.handlers[msgType] = append(s.handlers[msgType], handlers...)
}

// Open establishes the session: it transitions Disconnected -> Connecting, connects
// the transport, starts the sender, receiver and notification workers plus the
// response timeout sweep, then transitions to Connected.
//
// On failure the session is left in the Disconnected state and the error wraps
// ErrConnectFailed, or ErrDeviceNotFound when device discovery timed out.
func (s *Session) Open() error {
	if s.shutdown.Load() {
		return ErrSessionClosed
	}

	if err := s.stateMgr.ToConnecting(); err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout())
	defer cancel()

	if err := s.transport.Connect(connectCtx); err != nil {
		s.stateMgr.ToDisconnected()
		if errors.Is(err, ErrConnectFailed) || errors.Is(err, ErrDeviceNotFound) {
			return err
		}

		return fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}

	if err := s.startTasks(); err != nil {
		s.logger.Error("failed to start session workers", "error", err)
		s.teardown()
		s.stateMgr.ToDisconnected()

		return fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}

	if err := s.stateMgr.ToConnected(); err != nil {
		// close raced the open
		s.teardown()
		return fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}

	s.logger.Info("session opened", "transport", s.transport.Info())

	return nil
}

// Close terminates the session: it transitions to Closing, stops the workers,
// cancels every pending request with ErrConnectionClosed, closes the transport,
// and transitions to Disconnected.
//
// Close is idempotent, safe to call concurrently with in-flight sends and
// receives, and guarantees that no pending request is left dangling when it
// returns. It always succeeds.
func (s *Session) Close() error {
	s.shutdown.Store(true)

	_ = s.stateMgr.ToClosing()

	s.teardown()

	s.stateMgr.ToDisconnected()

	return nil
}

// Send builds a request frame from the given message type and payload, assigns it
// a fresh sequence number and message ID, and enqueues it for transmission.
//
// It returns immediately with the completion handle of the request; it never
// blocks waiting for the response. Frames are transmitted strictly in Send call
// order, but responses complete in wire arrival order, so callers must correlate
// through the returned handle, never by call order.
func (s *Session) Send(msgType uint16, payload []byte) (*PendingRequest, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if !s.stateMgr.IsConnected() {
		return nil, ErrNotConnectedState
	}

	s.sendMu.Lock()

	seqNo := s.seq.Next()
	req := s.seq.Register(seqNo, msgType)

	frame, err := NewFrame(GenerateMsgID(), seqNo, msgType, payload)
	if err != nil {
		s.sendMu.Unlock()
		s.seq.Fail(seqNo, err)

		return nil, err
	}

	if err := s.enqueue(frame); err != nil {
		s.sendMu.Unlock()
		s.seq.Fail(seqNo, err)

		return nil, err
	}

	s.sendMu.Unlock()

	s.metrics.incInflightCount()

	return req, nil
}

// Request sends a frame and blocks until its response arrives, the response
// timeout elapses, the session closes, or ctx is done.
func (s *Session) Request(ctx context.Context, msgType uint16, payload []byte) (*Frame, error) {
	req, err := s.Send(msgType, payload)
	if err != nil {
		return nil, err
	}

	return req.Wait(ctx)
}

// Post enqueues a fire-and-forget frame that expects no response. No pending
// entry is created and no completion handle exists; a transport write failure is
// only logged.
func (s *Session) Post(msgType uint16, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if !s.stateMgr.IsConnected() {
		return ErrNotConnectedState
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	frame, err := NewFrame(GenerateMsgID(), s.seq.Next(), msgType, payload)
	if err != nil {
		return err
	}

	return s.enqueue(frame)
}

// enqueue places frame on the outbound queue, waiting at most the write timeout.
// Callers must hold sendMu.
func (s *Session) enqueue(frame *Frame) error {
	// a teardown that already swept the pending table must not accept new
	// frames, even when the queue has room
	if s.ctx.Err() != nil {
		return ErrConnectionClosed
	}

	timer := pool.GetTimer(s.cfg.WriteTimeout())
	defer pool.PutTimer(timer)

	select {
	case <-s.ctx.Done():
		return ErrConnectionClosed
	case <-timer.C:
		return ErrSendQueueFull
	case s.sendChan <- frame:
		return nil
	}
}

// startTasks starts the sender, receiver and notification workers plus the
// response timeout sweep.
func (s *Session) startTasks() error {
	if err := s.taskMgr.StartConsumer("senderTask", s.senderTask, nil, s.sendChan); err != nil {
		return err
	}

	if err := s.taskMgr.StartConsumer("notifyTask", s.notifyTask, nil, s.notifyChan); err != nil {
		return err
	}

	if err := s.taskMgr.StartReceiver("receiverTask", s.receiverTask, s.cancelReceiverTask); err != nil {
		return err
	}

	interval := s.cfg.ResponseTimeout() / 4
	if interval < minExpireInterval {
		interval = minExpireInterval
	}

	if _, err := s.taskMgr.StartInterval("expireTask", s.expireTask, interval, false); err != nil {
		return err
	}

	return nil
}

// senderTask is the task function for the sender worker. It drains the outbound
// queue strictly FIFO, one transport write per frame.
//
// A failed write fails the corresponding pending request with the transport error
// and is not retried; the worker keeps draining, since a fatally dead link
// surfaces on the receive path.
func (s *Session) senderTask(frame *Frame) bool {
	s.metrics.incFrameSendCount()

	if err := s.transport.Send(frame.Encode()); err != nil {
		s.metrics.incFrameErrCount()

		if s.seq.Fail(frame.SeqNo(), err) {
			s.metrics.decInflightCount()
		}

		if !s.shutdown.Load() {
			s.logger.Error("failed to send frame",
				"method", "senderTask", "seq_no", frame.SeqNo(), "msg_type", frame.MsgType(), "error", err)
		}
	}

	return true
}

// cancelReceiverTask forces the session into the disconnected state when the
// receiver worker exits.
func (s *Session) cancelReceiverTask() {
	if !s.shutdown.Load() {
		s.stateMgr.ToDisconnectedAsync()
	}
}

// receiverTask is the task function for the receiver worker. It pulls raw chunks
// from the transport, feeds them to the reassembler, and dispatches every complete
// frame. A receive error or a corrupt frame is transport-fatal and terminates the
// worker, forcing the session into Disconnected.
func (s *Session) receiverTask() bool {
	chunk, err := s.transport.Recv()
	if err != nil {
		if !s.shutdown.Load() && s.ctx.Err() == nil {
			s.logger.Error("transport receive failed", "method", "receiverTask", "error", err)
		}

		return false
	}

	frames, err := s.asm.Push(chunk)
	for _, frame := range frames {
		s.dispatch(frame)
	}

	if err != nil {
		s.metrics.incFrameErrCount()
		s.logger.Error("frame reassembly failed, dropping link", "method", "receiverTask", "error", err)

		return false
	}

	return true
}

// dispatch routes one inbound frame: to its pending request by sequence number,
// or to the notification queue when no request matches.
func (s *Session) dispatch(frame *Frame) {
	s.metrics.incFrameRecvCount()

	err := s.seq.Resolve(frame)
	if err == nil {
		s.metrics.decInflightCount()
		return
	}

	if s.logger.Level() == logger.DebugLevel {
		s.logger.Debug("no pending request, treating frame as notification",
			"method", "dispatch", "seq_no", frame.SeqNo(), "msg_type", frame.MsgType())
	}

	select {
	case <-s.ctx.Done():
	case s.notifyChan <- frame:
	}
}

// notifyTask is the task function for the notification worker. It invokes every
// handler registered for the frame's message type; a frame with no registered
// handler is dropped with a logged warning, never fatally.
func (s *Session) notifyTask(frame *Frame) bool {
	s.handlerMu.RLock()
	handlers := s.handlers[frame.MsgType()]
	s.handlerMu.RUnlock()

	if len(handlers) == 0 {
		s.metrics.incNotifyDropCount()
		s.logger.Warn("dropping frame with unregistered message type",
			"method", "notifyTask", "msg_type", frame.MsgType(), "seq_no", frame.SeqNo())

		return true
	}

	s.metrics.incNotifyRecvCount()

	for _, handler := range handlers {
		handler(s, frame)
	}

	return true
}

// expireTask sweeps the pending table for requests older than the response
// timeout and resolves them with ErrResponseTimeout.
func (s *Session) expireTask() bool {
	expired := s.seq.Expire(time.Now(), s.cfg.ResponseTimeout())
	if expired > 0 {
		s.metrics.addTimeoutCount(expired)
		for i := 0; i < expired; i++ {
			s.metrics.decInflightCount()
		}
		s.logger.Warn("pending requests timed out",
			"method", "expireTask", "count", expired, "timeout", s.cfg.ResponseTimeout())
	}

	return true
}

// connStateHandler tears the session down when it reaches Disconnected after
// having been up. The transition may originate from Close or from a receiver
// detecting a dead link.
func (s *Session) connStateHandler(prevState ConnState, newState ConnState) {
	if s.logger.Level() == logger.DebugLevel {
		s.logger.Debug("session state changed", "prevState", prevState, "newState", newState)
	}

	if newState.IsDisconnected() && (prevState.IsConnected() || prevState.IsClosing()) {
		s.teardown()
	}
}

// teardown performs the actual shutdown sequence exactly once: cancel the session
// context, stop the workers, close the transport, resolve every pending request
// with ErrConnectionClosed, wait for the workers to exit, and reset the
// reassembly buffer. Concurrent callers block until the first run completes, so
// no caller observes a half-closed session.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		defer close(s.teardownDone)

		s.logger.Debug("start teardown")

		s.ctxCancel()
		s.taskMgr.Stop()

		if err := s.transport.Close(); err != nil {
			s.logger.Error("failed to close transport", "method", "teardown", "error", err)
		}

		cancelled := s.seq.CancelAll(ErrConnectionClosed)
		for i := 0; i < cancelled; i++ {
			s.metrics.decInflightCount()
		}
		if cancelled > 0 {
			s.logger.Debug("cancelled pending requests", "method", "teardown", "count", cancelled)
		}

		waitDone := make(chan struct{})
		go func() {
			s.taskMgr.Wait()
			close(waitDone)
		}()

		timer := pool.GetTimer(s.cfg.WriteTimeout())
		defer pool.PutTimer(timer)

		select {
		case <-waitDone:
			s.logger.Debug("all session workers terminated")
		case <-timer.C:
			s.logger.Error("timeout waiting for session workers to terminate", "timeout", s.cfg.WriteTimeout())
		}

		s.asm.Reset()
	})

	<-s.teardownDone
}
