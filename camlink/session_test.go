package camlink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scripted in-memory transport. Frames written by the session
// can be echoed back as responses, fed in arbitrary chunks, or failed on demand.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []*Frame
	sendHook func(frame *Frame) error
	echo     bool

	recvChan  chan []byte
	errChan   chan error
	closed    chan struct{}
	closeOnce sync.Once

	connectErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		recvChan: make(chan []byte, 32),
		errChan:  make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	return t.connectErr
}

func (t *fakeTransport) Send(p []byte) error {
	frame, _, err := Decode(p)
	if err != nil {
		return err
	}

	t.mu.Lock()
	hook := t.sendHook
	if hook == nil {
		t.sent = append(t.sent, frame)
	}
	t.mu.Unlock()

	if hook != nil {
		if err := hook(frame); err != nil {
			return err
		}

		t.mu.Lock()
		t.sent = append(t.sent, frame)
		t.mu.Unlock()
	}

	if t.echo {
		reply, err := NewFrame(frame.MsgID(), frame.SeqNo(), frame.MsgType(), frame.Payload())
		if err != nil {
			return err
		}
		t.recvChan <- reply.Encode()
	}

	return nil
}

func (t *fakeTransport) Recv() ([]byte, error) {
	select {
	case chunk := <-t.recvChan:
		return chunk, nil
	case err := <-t.errChan:
		return nil, err
	case <-t.closed:
		return nil, ErrConnectionClosed
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) Info() string { return "fake://" }

func (t *fakeTransport) sentFrames() []*Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	frames := make([]*Frame, len(t.sent))
	copy(frames, t.sent)

	return frames
}

func (t *fakeTransport) inject(chunk []byte) {
	t.recvChan <- chunk
}

func newTestSession(t *testing.T, tr Transport, opts ...ConfigOption) *Session {
	t.Helper()

	cfg, err := NewConfig(append([]ConfigOption{
		WithConnectTimeout(time.Second),
		WithWriteTimeout(time.Second),
	}, opts...)...)
	require.NoError(t, err)

	session, err := NewSession(context.Background(), cfg, tr)
	require.NoError(t, err)

	return session
}

func TestSession_OpenAndClose(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	require.True(session.State().IsDisconnected())

	require.NoError(session.Open())
	require.True(session.State().IsConnected())

	require.NoError(session.Close())
	require.True(session.State().IsDisconnected())

	// idempotent
	require.NoError(session.Close())

	// sessions are single use
	require.ErrorIs(session.Open(), ErrSessionClosed)
}

func TestSession_OpenConnectFailure(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	tr.connectErr = ErrConnectFailed

	session := newTestSession(t, tr)

	require.ErrorIs(session.Open(), ErrConnectFailed)
	require.True(session.State().IsDisconnected())
}

func TestSession_RequestResponse(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	require.NoError(session.Open())
	defer session.Close()

	// scripted response for the first request: seq_no 1, msg_type 0x10
	tr.sendHook = func(frame *Frame) error {
		tr.inject([]byte{
			0x00, 0x00, 0x00, 0x07,
			0x00, 0x00, 0x00, 0x01,
			0x00, 0x10,
			0x00, 0x04,
			0xDE, 0xAD, 0xBE, 0xEF,
		})

		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := session.Request(ctx, 0x10, []byte{0x01})
	require.NoError(err)
	require.Equal(uint32(1), reply.SeqNo())
	require.Equal(uint16(0x10), reply.MsgType())
	require.Equal([]byte{0xDE, 0xAD, 0xBE, 0xEF}, reply.Payload())
	require.Zero(session.PendingCount())
}

func TestSession_ChunkedResponse(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	require.NoError(session.Open())
	defer session.Close()

	req, err := session.Send(0x20, nil)
	require.NoError(err)

	// a 40-byte response delivered as 16, 16 and 8 byte chunks
	response, err := NewFrame(9, req.SeqNo(), 0x20, make([]byte, 28))
	require.NoError(err)

	encoded := response.Encode()
	require.Len(encoded, 40)

	tr.inject(encoded[:16])
	tr.inject(encoded[16:32])
	tr.inject(encoded[32:])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := req.Wait(ctx)
	require.NoError(err)
	require.Equal(req.SeqNo(), reply.SeqNo())
	require.Len(reply.Payload(), 28)
}

func TestSession_SendOrderIsFIFO(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	require.NoError(session.Open())
	defer session.Close()

	const count = 8

	for i := 0; i < count; i++ {
		_, err := session.Send(0x10, []byte{byte(i)})
		require.NoError(err)
	}

	require.Eventually(func() bool {
		return len(tr.sentFrames()) == count
	}, 2*time.Second, 5*time.Millisecond)

	// wire order matches call order, with consecutive sequence numbers
	for i, frame := range tr.sentFrames() {
		require.Equal(uint32(i+1), frame.SeqNo())
		require.Equal([]byte{byte(i)}, frame.Payload())
	}
}

func TestSession_ConcurrentSendsDistinctSeqNos(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	tr.echo = true

	session := newTestSession(t, tr, WithSendQueueSize(100))

	require.NoError(session.Open())
	defer session.Close()

	const workers = 8
	const perWorker = 10

	var wg sync.WaitGroup
	wg.Add(workers)

	seqChan := make(chan uint32, workers*perWorker)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				reply, err := session.Request(ctx, 0x10, nil)
				cancel()
				if err == nil {
					seqChan <- reply.SeqNo()
				}
			}
		}()
	}

	wg.Wait()
	close(seqChan)

	seen := make(map[uint32]struct{})
	for seqNo := range seqChan {
		_, dup := seen[seqNo]
		require.False(dup, "duplicate seq_no %d", seqNo)
		seen[seqNo] = struct{}{}
	}

	require.Len(seen, workers*perWorker)
	require.Zero(session.PendingCount())
}

func TestSession_CloseResolvesAllPending(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	require.NoError(session.Open())

	const count = 5

	reqs := make([]*PendingRequest, 0, count)
	for i := 0; i < count; i++ {
		req, err := session.Send(0x10, nil)
		require.NoError(err)
		reqs = append(reqs, req)
	}
	require.Equal(count, session.PendingCount())

	require.NoError(session.Close())

	// every handle resolves before Close returns, observable immediately
	for _, req := range reqs {
		select {
		case res := <-req.Done():
			require.ErrorIs(res.Err, ErrConnectionClosed)
		default:
			t.Fatal("pending request not resolved by Close")
		}
	}

	require.Zero(session.PendingCount())
}

func TestSession_SendWhenNotConnected(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	_, err := session.Send(0x10, nil)
	require.ErrorIs(err, ErrNotConnectedState)

	require.ErrorIs(session.Post(0x10, nil), ErrNotConnectedState)

	require.NoError(session.Open())
	require.NoError(session.Close())

	_, err = session.Send(0x10, nil)
	require.ErrorIs(err, ErrNotConnectedState)
}

func TestSession_SendPayloadTooLarge(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	require.NoError(session.Open())
	defer session.Close()

	_, err := session.Send(0x10, make([]byte, MaxPayloadSize+1))
	require.ErrorIs(err, ErrPayloadTooLarge)
	require.Zero(session.PendingCount())
}

func TestSession_WriteFailureFailsOnlyThatRequest(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	require.NoError(session.Open())
	defer session.Close()

	var failed bool
	tr.sendHook = func(frame *Frame) error {
		if !failed {
			failed = true
			return ErrWriteFailed
		}

		reply, err := NewFrame(frame.MsgID(), frame.SeqNo(), frame.MsgType(), nil)
		if err != nil {
			return err
		}
		tr.inject(reply.Encode())

		return nil
	}

	first, err := session.Send(0x10, nil)
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = first.Wait(ctx)
	require.ErrorIs(err, ErrWriteFailed)

	// the session survives, the next request completes normally
	reply, err := session.Request(ctx, 0x10, nil)
	require.NoError(err)
	require.Equal(uint16(0x10), reply.MsgType())
}

func TestSession_Post(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	require.NoError(session.Open())
	defer session.Close()

	require.NoError(session.Post(0x30, []byte{0xAA}))
	require.Zero(session.PendingCount())

	require.Eventually(func() bool {
		return len(tr.sentFrames()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	frames := tr.sentFrames()
	require.Equal(uint16(0x30), frames[0].MsgType())
	require.Equal([]byte{0xAA}, frames[0].Payload())
}

func TestSession_NotificationDispatch(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	received := make(chan *Frame, 1)
	session.AddNotificationHandler(0x20, func(s *Session, frame *Frame) {
		received <- frame
	})

	require.NoError(session.Open())
	defer session.Close()

	// no pending request matches seq_no 99
	event, err := NewFrame(5, 99, 0x20, []byte{0x01, 0x02})
	require.NoError(err)
	tr.inject(event.Encode())

	select {
	case frame := <-received:
		require.Equal(uint32(99), frame.SeqNo())
		require.Equal([]byte{0x01, 0x02}, frame.Payload())
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler not invoked")
	}
}

func TestSession_UnregisteredNotificationDropped(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	tr.echo = true

	session := newTestSession(t, tr)

	require.NoError(session.Open())
	defer session.Close()

	stray, err := NewFrame(5, 42, 0x99, nil)
	require.NoError(err)
	tr.inject(stray.Encode())

	require.Eventually(func() bool {
		return session.Metrics().NotifyDropCount.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// the session is unaffected, a normal exchange still works
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = session.Request(ctx, 0x10, nil)
	require.NoError(err)
}

func TestSession_ResponseTimeout(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr, WithResponseTimeout(100*time.Millisecond))

	require.NoError(session.Open())
	defer session.Close()

	req, err := session.Send(0x10, nil)
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = req.Wait(ctx)
	require.ErrorIs(err, ErrResponseTimeout)
	assert.Equal(uint64(1), session.Metrics().TimeoutCount.Load())

	// the late response no longer matches anything and is dropped harmlessly
	late, err := NewFrame(5, req.SeqNo(), 0x10, nil)
	require.NoError(err)
	tr.inject(late.Encode())

	require.Eventually(func() bool {
		return session.Metrics().NotifyDropCount.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.True(session.State().IsConnected())
}

func TestSession_ReceiverFailureDisconnects(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	disconnected := make(chan struct{}, 1)
	session.AddConnStateChangeHandler(func(prevState ConnState, newState ConnState) {
		if newState.IsDisconnected() {
			disconnected <- struct{}{}
		}
	})

	require.NoError(session.Open())

	req, err := session.Send(0x10, nil)
	require.NoError(err)

	tr.errChan <- ErrWriteFailed

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not disconnect on receive failure")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = req.Wait(ctx)
	require.ErrorIs(err, ErrConnectionClosed)
}

func TestSession_CorruptFrameDropsLink(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	disconnected := make(chan struct{}, 1)
	session.AddConnStateChangeHandler(func(prevState ConnState, newState ConnState) {
		if newState.IsDisconnected() {
			disconnected <- struct{}{}
		}
	})

	require.NoError(session.Open())

	tr.inject([]byte{
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x01,
		0xFF, 0xFF,
		0x00, 0x00,
	})

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not disconnect on corrupt frame")
	}
}

func TestSession_SendAfterTeardownSweep(t *testing.T) {
	require := require.New(t)

	tr := newFakeTransport()
	session := newTestSession(t, tr)

	require.NoError(session.Open())
	defer session.Close()

	// the session context is already dead but the state check has not caught
	// up yet; the enqueue must refuse the frame so no pending entry outlives
	// the cancel sweep
	session.ctxCancel()

	_, err := session.Send(0x10, nil)
	require.ErrorIs(err, ErrConnectionClosed)
	require.Zero(session.PendingCount())

	require.ErrorIs(session.Post(0x10, nil), ErrConnectionClosed)
}

func TestSession_SendRacingCloseLeavesNoPending(t *testing.T) {
	require := require.New(t)

	const rounds = 50
	const senders = 4

	for i := 0; i < rounds; i++ {
		tr := newFakeTransport()
		session := newTestSession(t, tr, WithSendQueueSize(100))
		require.NoError(session.Open())

		var wg sync.WaitGroup
		wg.Add(senders)

		for j := 0; j < senders; j++ {
			go func() {
				defer wg.Done()
				for {
					req, err := session.Send(0x10, nil)
					if err != nil {
						return
					}
					// a handed-out request must always resolve
					select {
					case <-req.Done():
					case <-time.After(2 * time.Second):
						t.Error("pending request never resolved")
						return
					}
				}
			}()
		}

		require.NoError(session.Close())
		wg.Wait()

		require.Zero(session.PendingCount())
	}
}

func TestNewSession_Validation(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig()
	require.NoError(err)

	_, err = NewSession(context.Background(), nil, newFakeTransport())
	require.ErrorIs(err, ErrConfigNil)

	_, err = NewSession(context.Background(), cfg, nil)
	require.ErrorIs(err, ErrTransportNil)
}
