package camlink

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hypoxic/insta360-ble-api/logger"
)

// Result carries the outcome of one request exchange: either the matching
// response frame or the error that resolved the pending request.
type Result struct {
	Frame *Frame
	Err   error
}

// PendingRequest tracks one sent frame awaiting its correlated response.
//
// It is created when a request is registered with the Sequencer and removed when
// its matching response arrives, when the session closes, or when the response
// timeout elapses, whichever occurs first. The completion handle is fulfilled at
// most once.
type PendingRequest struct {
	seqNo     uint32
	expected  uint16
	created   time.Time
	fulfilled atomic.Bool
	resultCh  chan Result
}

// SeqNo returns the sequence number assigned to the request.
func (p *PendingRequest) SeqNo() uint32 { return p.seqNo }

// ExpectedType returns the message type discriminator the response is expected
// to carry.
func (p *PendingRequest) ExpectedType() uint16 { return p.expected }

// Done returns the completion channel. It receives exactly one Result over the
// lifetime of the request.
func (p *PendingRequest) Done() <-chan Result {
	return p.resultCh
}

// Wait blocks until the request completes or ctx is done.
//
// Cancelling ctx does not remove the pending entry; the entry is still resolved
// by the matching response, the response timeout, or session close.
func (p *PendingRequest) Wait(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.resultCh:
		return res.Frame, res.Err
	}
}

// complete fulfills the request exactly once. Later calls are no-ops.
func (p *PendingRequest) complete(res Result) bool {
	if !p.fulfilled.CompareAndSwap(false, true) {
		return false
	}

	// resultCh is buffered, the send never blocks
	p.resultCh <- res

	return true
}

// Sequencer issues monotonically increasing request sequence numbers and owns the
// pending-request table of a session.
//
// Sequence numbers are unique among all in-flight requests: the counter wraps at
// the 32-bit field width and wrap-around skips any value still present in the
// table. Zero is never issued, so a zeroed header is never mistaken for a live
// request.
//
// The Sequencer is safe for concurrent use by callers and both workers; it is the
// only component that mutates pending entries.
type Sequencer struct {
	seq     atomic.Uint32
	pending *xsync.MapOf[uint32, *PendingRequest]
	logger  logger.Logger
}

// NewSequencer creates an empty Sequencer. Sequence numbers start at 1 for each
// session.
func NewSequencer(l logger.Logger) *Sequencer {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Sequencer{
		pending: xsync.NewMapOf[uint32, *PendingRequest](),
		logger:  l,
	}
}

// Next assigns the next sequence number without installing a pending entry.
// It is used for fire-and-forget frames that expect no response.
func (s *Sequencer) Next() uint32 {
	return s.nextSeq()
}

// Register installs a pending entry for seqNo expecting a response of the given
// message type, and returns its completion handle.
func (s *Sequencer) Register(seqNo uint32, expectedType uint16) *PendingRequest {
	req := &PendingRequest{
		seqNo:    seqNo,
		expected: expectedType,
		created:  time.Now(),
		resultCh: make(chan Result, 1),
	}

	s.pending.Store(req.seqNo, req)

	return req
}

// Resolve matches frame against the pending table by sequence number.
//
// On a match the entry is removed and its completion handle fulfilled with the
// frame. When no entry exists it returns an error wrapping ErrUnmatchedResponse;
// the caller decides whether the frame is an unsolicited notification.
func (s *Sequencer) Resolve(frame *Frame) error {
	req, ok := s.pending.LoadAndDelete(frame.SeqNo())
	if !ok {
		return fmt.Errorf("%w: seq_no %d", ErrUnmatchedResponse, frame.SeqNo())
	}

	if req.ExpectedType() != frame.MsgType() {
		s.logger.Debug("response type differs from request type",
			"seq_no", frame.SeqNo(), "expected", req.ExpectedType(), "received", frame.MsgType())
	}

	req.complete(Result{Frame: frame})

	return nil
}

// Fail removes the pending entry for seqNo, if any, and fulfills it with err.
// It is used by the sender worker when a transport write fails. It reports
// whether an entry was removed.
func (s *Sequencer) Fail(seqNo uint32, err error) bool {
	if req, ok := s.pending.LoadAndDelete(seqNo); ok {
		req.complete(Result{Err: err})
		return true
	}

	return false
}

// Expire removes every pending entry created more than timeout ago and fulfills it
// with ErrResponseTimeout. It returns the number of expired entries.
func (s *Sequencer) Expire(now time.Time, timeout time.Duration) int {
	var expired int

	s.pending.Range(func(seqNo uint32, req *PendingRequest) bool {
		if now.Sub(req.created) < timeout {
			return true
		}
		if _, ok := s.pending.LoadAndDelete(seqNo); ok {
			req.complete(Result{Err: ErrResponseTimeout})
			expired++
		}

		return true
	})

	return expired
}

// CancelAll removes every pending entry and fulfills each with err, exactly once.
// It is called on session close with ErrConnectionClosed and returns the number
// of cancelled entries.
func (s *Sequencer) CancelAll(err error) int {
	var cancelled int

	s.pending.Range(func(seqNo uint32, req *PendingRequest) bool {
		if _, ok := s.pending.LoadAndDelete(seqNo); ok {
			req.complete(Result{Err: err})
			cancelled++
		}

		return true
	})

	return cancelled
}

// PendingCount returns the number of in-flight requests.
func (s *Sequencer) PendingCount() int {
	return s.pending.Size()
}

// nextSeq returns the next sequence number, skipping zero and any value still
// present in the pending table.
func (s *Sequencer) nextSeq() uint32 {
	for {
		seq := s.seq.Add(1)
		if seq == 0 {
			continue
		}
		if _, busy := s.pending.Load(seq); busy {
			continue
		}

		return seq
	}
}
