package camlink

import (
	"sync/atomic"
)

// SessionMetrics contains atomic metrics for a session.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type SessionMetrics struct {
	// FrameSendCount indicates the number of frames sent.
	FrameSendCount atomic.Uint64
	// FrameRecvCount indicates the number of frames received.
	FrameRecvCount atomic.Uint64
	// FrameErrCount indicates the number of frame send/decode errors.
	FrameErrCount atomic.Uint64
	// InflightCount indicates the number of requests awaiting a response.
	InflightCount atomic.Int64

	// NotifyRecvCount indicates the number of unsolicited frames dispatched to handlers.
	NotifyRecvCount atomic.Uint64
	// NotifyDropCount indicates the number of unsolicited frames dropped for lack of a handler.
	NotifyDropCount atomic.Uint64

	// TimeoutCount indicates the number of requests resolved by response timeout.
	TimeoutCount atomic.Uint64
}

func (m *SessionMetrics) incFrameSendCount() {
	m.FrameSendCount.Add(1)
}

func (m *SessionMetrics) incFrameRecvCount() {
	m.FrameRecvCount.Add(1)
}

func (m *SessionMetrics) incFrameErrCount() {
	m.FrameErrCount.Add(1)
}

func (m *SessionMetrics) incInflightCount() {
	m.InflightCount.Add(1)
}

func (m *SessionMetrics) decInflightCount() {
	m.InflightCount.Add(-1)
}

func (m *SessionMetrics) incNotifyRecvCount() {
	m.NotifyRecvCount.Add(1)
}

func (m *SessionMetrics) incNotifyDropCount() {
	m.NotifyDropCount.Add(1)
}

func (m *SessionMetrics) addTimeoutCount(n int) {
	m.TimeoutCount.Add(uint64(n)) //nolint:gosec
}
