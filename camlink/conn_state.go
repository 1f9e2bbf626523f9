package camlink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hypoxic/insta360-ble-api/logger"
)

// ConnState represents the lifecycle stage of a camera session.
type ConnState uint32

// Session states. A session walks Disconnected -> Connecting -> Connected ->
// Closing -> Disconnected; Disconnected is reachable from any state on failure.
const (
	// DisconnectedState indicates that no transport link is established.
	DisconnectedState ConnState = iota
	// ConnectingState indicates that the transport connect is in progress.
	ConnectingState
	// ConnectedState indicates that the link is established and the workers
	// are exchanging frames.
	ConnectedState
	// ClosingState indicates that a close is in progress: workers are being
	// stopped and pending requests cancelled.
	ClosingState
)

// IsDisconnected returns if the current state is disconnected.
func (cs ConnState) IsDisconnected() bool { return cs == DisconnectedState }

// IsConnecting returns if the current state is connecting.
func (cs ConnState) IsConnecting() bool { return cs == ConnectingState }

// IsConnected returns if the current state is connected.
func (cs ConnState) IsConnected() bool { return cs == ConnectedState }

// IsClosing returns if the current state is closing.
func (cs ConnState) IsClosing() bool { return cs == ClosingState }

// String returns string representation of the current state.
func (cs ConnState) String() string {
	switch cs {
	case DisconnectedState:
		return "disconnected"
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	case ClosingState:
		return "closing"
	default:
		return "unknown"
	}
}

// ConnStateChangeHandler is a function type that represents a handler for session
// state changes.
//
// Note: the handler will be invoked in a blocking mode. Take care with long-running
// implementations.
//
// The handler function receives the previous and the current state.
type ConnStateChangeHandler func(prevState ConnState, newState ConnState)

// ConnStateMgr manages the state of a camera session.
//
// It provides methods for managing state transitions and notifying listeners of
// state changes. The state transitions are thread safe in concurrent environments.
type ConnStateMgr struct {
	mu               sync.Mutex
	ctx              context.Context
	cond             *sync.Cond
	state            atomic.Uint32
	logger           logger.Logger
	asyncStateChange chan ConnState
	handlers         []ConnStateChangeHandler
}

// NewConnStateMgr creates a new ConnStateMgr instance, initializing it to the
// DisconnectedState.
//
// It accepts optional ConnStateChangeHandler functions that will be invoked when
// the session state changes.
func NewConnStateMgr(ctx context.Context, l logger.Logger, handlers ...ConnStateChangeHandler) *ConnStateMgr {
	mgr := &ConnStateMgr{
		ctx:              ctx,
		logger:           l,
		asyncStateChange: make(chan ConnState, 10),
		handlers:         make([]ConnStateChangeHandler, 0, len(handlers)),
	}

	if mgr.logger == nil {
		mgr.logger = logger.GetLogger()
	}

	mgr.handlers = append(mgr.handlers, handlers...)

	mgr.state.Store(uint32(DisconnectedState))
	mgr.cond = sync.NewCond(&mgr.mu)

	go mgr.asyncStateChangeTask()

	return mgr
}

// State returns the current session state.
func (cs *ConnStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// AddHandler adds one or more ConnStateChangeHandler functions to be invoked on
// state changes.
func (cs *ConnStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.handlers = append(cs.handlers, handlers...)
}

// WaitState waits for the session state to reach the specified state or until the
// context is done. It returns nil if the desired state is reached, or an error if
// the context is canceled or times out.
func (cs *ConnStateMgr) WaitState(ctx context.Context, state ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		cs.cond.Broadcast()
	})
	defer stopFunc()

	for cs.State() != state {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			cs.cond.Wait()
		}
	}

	return nil
}

// ToDisconnected transitions the session state to DisconnectedState.
// This transition is allowed from any state and represents a disconnect or a
// reset of the session.
func (cs *ConnStateMgr) ToDisconnected() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsDisconnected() {
		return // Already in DisconnectedState, no need to transition
	}

	// change state to disconnected BEFORE the handlers run, so that any send
	// racing the teardown observes the final state immediately
	cs.setState(DisconnectedState)

	cs.invokeHandlers(curState, DisconnectedState)
}

// ToConnecting transitions the session state to ConnectingState.
//
// This transition is only allowed from the DisconnectedState.
// If the state is already ConnectingState, the function is a no-op.
//
// Returns nil on success, or ErrInvalidTransition otherwise.
func (cs *ConnStateMgr) ToConnecting() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsConnecting() {
		return nil // Already in ConnectingState, no-op
	}

	if !curState.IsDisconnected() {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, ConnectingState)
	// change state after all handlers finished
	cs.setState(ConnectingState)

	return nil
}

// ToConnected transitions the session state to ConnectedState.
//
// This transition is only allowed from the ConnectingState and indicates that the
// transport link is established and the workers are running.
// If the state is already ConnectedState, the function is a no-op.
//
// Returns nil on success, or ErrInvalidTransition otherwise.
func (cs *ConnStateMgr) ToConnected() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsConnected() {
		return nil // Already in ConnectedState, no-op
	}

	if !curState.IsConnecting() {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, ConnectedState)
	// change state after all handlers finished
	cs.setState(ConnectedState)

	return nil
}

// ToClosing transitions the session state to ClosingState.
//
// This transition is allowed from the ConnectingState and ConnectedState.
// If the state is already ClosingState, the function is a no-op.
//
// Returns nil on success, or ErrInvalidTransition otherwise.
func (cs *ConnStateMgr) ToClosing() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsClosing() {
		return nil // Already in ClosingState, no-op
	}

	if !curState.IsConnecting() && !curState.IsConnected() {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, ClosingState)
	// change state after all handlers finished
	cs.setState(ClosingState)

	return nil
}

// ToDisconnectedAsync transitions the session state to DisconnectedState
// asynchronously.
//
// It notifies a goroutine that performs the transition in the background. It is
// safe to call from the receiver worker, whose teardown is triggered by the very
// state change it requests.
//
// If the state is the same as the current state, the function is a no-op.
func (cs *ConnStateMgr) ToDisconnectedAsync() {
	cs.changeStateAsync(DisconnectedState)
}

// IsDisconnected returns if the current state is disconnected.
func (cs *ConnStateMgr) IsDisconnected() bool {
	return cs.State().IsDisconnected()
}

// IsConnected returns if the current state is connected.
func (cs *ConnStateMgr) IsConnected() bool {
	return cs.State().IsConnected()
}

// setState atomically sets the current state to newState. It also broadcasts a
// signal to any waiting goroutines.
func (cs *ConnStateMgr) setState(newState ConnState) {
	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()
}

// invokeHandlers invokes all registered ConnStateChangeHandler functions with the
// previous and new states.
func (cs *ConnStateMgr) invokeHandlers(prevState ConnState, newState ConnState) {
	for _, handler := range cs.handlers {
		if handler != nil {
			handler(prevState, newState)
		}
	}
}

// changeStateAsync transitions the desired session state asynchronously.
func (cs *ConnStateMgr) changeStateAsync(state ConnState) {
	if cs.State() == state {
		return
	}

	cs.asyncStateChange <- state
}

// asyncStateChangeTask handles state changing in the background.
func (cs *ConnStateMgr) asyncStateChangeTask() {
	for {
		select {
		case <-cs.ctx.Done():
			return

		case desiredState := <-cs.asyncStateChange:
			prevState := cs.State()
			if desiredState == prevState {
				break
			}

			var err error
			switch desiredState {
			case DisconnectedState:
				cs.ToDisconnected()
			case ConnectingState:
				err = cs.ToConnecting()
			case ConnectedState:
				err = cs.ToConnected()
			case ClosingState:
				err = cs.ToClosing()
			}

			if err != nil {
				cs.logger.Error("async state transition failed",
					"method", "asyncStateChangeTask",
					"prevState", prevState, "curState", cs.State(), "desiredState", desiredState,
					"error", err,
				)
				if errors.Is(err, ErrInvalidTransition) {
					cs.asyncStateChange <- DisconnectedState
				}
			}
		}
	}
}
